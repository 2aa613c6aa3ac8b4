package services

import (
	"fmt"
	"strings"
)

// AgentError is a structured failure returned by the agent
// (envelope status "error"). The machine code is preserved for clients.
type AgentError struct {
	Code    string
	Message string
}

func (e *AgentError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("agent error [%s]: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("agent error: %s", e.Message)
}

// AgentPartialError reports an envelope status "partial": the agent finished
// some of the work. The job still fails, with the agent's diagnostics kept.
type AgentPartialError struct {
	Message string
	Logs    []string
}

func (e *AgentPartialError) Error() string {
	msg := fmt.Sprintf("agent reported partial success: %s", e.Message)
	if len(e.Logs) > 0 {
		msg += " (" + strings.Join(e.Logs, "; ") + ")"
	}
	return msg
}

// CorrelationMismatchError is a transport fault: the agent echoed a
// different correlation ID than the request carried.
type CorrelationMismatchError struct {
	Expected string
	Actual   string
}

func (e *CorrelationMismatchError) Error() string {
	return fmt.Sprintf("correlation ID mismatch: sent %s, agent echoed %s", e.Expected, e.Actual)
}

// DeploymentStepError names the managed-deployment step that failed.
type DeploymentStepError struct {
	Step string
	Err  error
}

func (e *DeploymentStepError) Error() string {
	return fmt.Sprintf("deployment step %s failed: %v", e.Step, e.Err)
}

func (e *DeploymentStepError) Unwrap() error { return e.Err }
