// Package envelope implements the wire contract between the control plane and
// the remote PowerShell agent: correlation-tracked job requests out, typed
// result envelopes back, and incremental decoding of the agent's stream.
package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Operation tags understood by the agent.
const (
	OpVMCreate      = "vm.create"
	OpVMUpdate      = "vm.update"
	OpVMDelete      = "vm.delete"
	OpDiskCreate    = "disk.create"
	OpDiskUpdate    = "disk.update"
	OpDiskDelete    = "disk.delete"
	OpNICCreate     = "nic.create"
	OpNICUpdate     = "nic.update"
	OpNICDelete     = "nic.delete"
	OpInitialize    = "initialize"
	OpNoopTest      = "noop-test"
	OpHostInventory = "host.inventory"
)

// Result status values the agent may return.
const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusPartial = "partial"
)

// JobRequest is the envelope serialized to the agent. The correlation ID is
// echoed in every result and log line the agent emits.
type JobRequest struct {
	Operation     string                 `json:"operation"`
	ResourceSpec  map[string]interface{} `json:"resource_spec"`
	CorrelationID string                 `json:"correlation_id"`
	Metadata      map[string]interface{} `json:"metadata"`
}

// Option customizes a new JobRequest.
type Option func(*JobRequest)

// WithCorrelationID pins the correlation ID instead of generating one.
func WithCorrelationID(id string) Option {
	return func(r *JobRequest) {
		if id != "" {
			r.CorrelationID = id
		}
	}
}

// WithMetadata merges the given entries into the request metadata.
func WithMetadata(meta map[string]interface{}) Option {
	return func(r *JobRequest) {
		for k, v := range meta {
			r.Metadata[k] = v
		}
	}
}

// NewJobRequest builds a request envelope. A fresh UUID correlation ID is
// generated unless one is supplied, and a UTC timestamp is injected into the
// metadata unless the caller already set one. The resource spec is passed
// through untouched; schema validation is the caller's responsibility.
func NewJobRequest(operation string, resourceSpec map[string]interface{}, opts ...Option) *JobRequest {
	req := &JobRequest{
		Operation:    operation,
		ResourceSpec: resourceSpec,
		Metadata:     make(map[string]interface{}),
	}
	for _, opt := range opts {
		opt(req)
	}
	if req.CorrelationID == "" {
		req.CorrelationID = uuid.New().String()
	}
	if _, ok := req.Metadata["timestamp"]; !ok {
		req.Metadata["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	}
	return req
}

// Marshal serializes the request to wire JSON.
func (r *JobRequest) Marshal() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job request: %w", err)
	}
	return data, nil
}

// JobResultEnvelope is the typed result parsed from the agent's JSON.
type JobResultEnvelope struct {
	Status        string                 `json:"status"`
	Message       string                 `json:"message"`
	Data          map[string]interface{} `json:"data"`
	Code          string                 `json:"code,omitempty"`
	Logs          []string               `json:"logs,omitempty"`
	CorrelationID string                 `json:"correlation_id"`
}

// ParseError reports agent output that could not be decoded into a result
// envelope. Raw carries at most the first 500 bytes of the offending output.
type ParseError struct {
	Reason string
	Raw    string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse job result: %s", e.Reason)
}

const parseErrorRawLimit = 500

func newParseError(reason string, raw []byte) *ParseError {
	if len(raw) > parseErrorRawLimit {
		raw = raw[:parseErrorRawLimit]
	}
	return &ParseError{Reason: reason, Raw: string(raw)}
}

// ParseJobResult decodes an agent result envelope. It fails with a
// descriptive error when the input is empty, not a JSON object, missing a
// status, or carrying an unknown status value. Absent logs and data default
// to empty; unknown extra fields are ignored.
func ParseJobResult(raw []byte) (*JobResultEnvelope, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, newParseError("empty result payload", raw)
	}
	if trimmed[0] != '{' {
		return nil, newParseError("result is not a JSON object", trimmed)
	}

	var probe struct {
		Status *string `json:"status"`
	}
	if err := json.Unmarshal(trimmed, &probe); err != nil {
		return nil, newParseError(fmt.Sprintf("malformed JSON: %v", err), trimmed)
	}
	if probe.Status == nil {
		return nil, newParseError("missing status field", trimmed)
	}
	switch *probe.Status {
	case StatusSuccess, StatusError, StatusPartial:
	default:
		return nil, newParseError(fmt.Sprintf("unknown status %q", *probe.Status), trimmed)
	}

	var env JobResultEnvelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, newParseError(fmt.Sprintf("malformed JSON: %v", err), trimmed)
	}
	if env.Data == nil {
		env.Data = make(map[string]interface{})
	}
	if env.Logs == nil {
		env.Logs = []string{}
	}
	return &env, nil
}

// ParseTrailingJobResult extracts the last JSON object from mixed agent
// output: progress text may precede the result, and the result itself may be
// pretty-printed across lines. It scans candidate object starts from the end
// and returns the first one that decodes as a complete result envelope.
func ParseTrailingJobResult(raw []byte) (*JobResultEnvelope, error) {
	trimmed := bytes.TrimSpace(raw)
	for i := len(trimmed) - 1; i >= 0; i-- {
		if trimmed[i] != '{' {
			continue
		}
		if env, err := ParseJobResult(trimmed[i:]); err == nil {
			return env, nil
		}
	}
	return nil, newParseError("no result envelope in output", trimmed)
}
