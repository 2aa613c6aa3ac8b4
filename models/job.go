// Package models defines the core data types shared across the control plane:
// jobs, inventory records, notifications, and validated API request models.
package models

import "time"

// JobType identifies the kind of work a job performs.
type JobType string

const (
	JobTypeProvisionVM         JobType = "provision_vm"
	JobTypeDeleteVM            JobType = "delete_vm"
	JobTypeManagedDeploymentV2 JobType = "managed_deployment_v2"
	JobTypeCreateDisk          JobType = "create_disk"
	JobTypeCreateNIC           JobType = "create_nic"
	JobTypeInitializeVM        JobType = "initialize_vm"
	JobTypeNoopTest            JobType = "noop_test"
)

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// IsTerminal reports whether no further transitions are permitted.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// ChildJob describes one sub-step of a managed deployment. Sub-steps that run
// as full jobs (guest initialization) carry their own JobID; inline envelope
// round-trips carry only the operation tag.
type ChildJob struct {
	JobID     string                 `json:"job_id,omitempty"`
	Operation string                 `json:"operation"`
	Status    JobStatus              `json:"status"`
	Error     string                 `json:"error,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Job is the in-memory record of a submitted operation. The job service is
// the exclusive owner; readers receive redacted deep copies.
type Job struct {
	ID             string                 `json:"job_id"`
	Type           JobType                `json:"job_type"`
	Status         JobStatus              `json:"status"`
	TargetHost     string                 `json:"target_host"`
	Parameters     map[string]interface{} `json:"parameters"`
	Output         []string               `json:"output"`
	Result         map[string]interface{} `json:"result,omitempty"`
	Error          string                 `json:"error,omitempty"`
	NotificationID string                 `json:"notification_id,omitempty"`
	ChildJobs      []ChildJob             `json:"child_jobs,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	StartedAt      *time.Time             `json:"started_at,omitempty"`
	CompletedAt    *time.Time             `json:"completed_at,omitempty"`
}
