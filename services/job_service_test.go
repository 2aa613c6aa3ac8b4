package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperfleet/hyperfleet/envelope"
	"github.com/hyperfleet/hyperfleet/models"
	"github.com/hyperfleet/hyperfleet/scheduler"
	"github.com/hyperfleet/hyperfleet/transport"
)

// scriptedSession parses the outgoing envelope and hands it to the script,
// which returns the raw agent stdout. Lines before the result simulate
// streaming progress output.
type scriptedSession struct {
	mu     sync.Mutex
	script func(req envelope.JobRequest) ([]byte, error)
	calls  []envelope.JobRequest
}

func (s *scriptedSession) Execute(ctx context.Context, payload []byte) ([]byte, error) {
	return s.ExecuteStream(ctx, payload, nil, nil)
}

func (s *scriptedSession) ExecuteStream(ctx context.Context, payload []byte, onStdout, onStderr func([]byte)) ([]byte, error) {
	var req envelope.JobRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.calls = append(s.calls, req)
	s.mu.Unlock()

	out, err := s.script(req)
	if err != nil {
		return nil, err
	}
	if onStdout != nil {
		onStdout(out)
	}
	return out, nil
}

func (s *scriptedSession) Close() error { return nil }

func (s *scriptedSession) operations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ops := make([]string, len(s.calls))
	for i, c := range s.calls {
		ops[i] = c.Operation
	}
	return ops
}

type fakeProvider struct {
	session transport.Session
	err     error
}

func (p *fakeProvider) GetSession(ctx context.Context, hostname string) (transport.Session, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.session, nil
}

func successResult(correlationID string, data map[string]interface{}) []byte {
	out, _ := json.Marshal(map[string]interface{}{
		"status":         "success",
		"message":        "ok",
		"data":           data,
		"correlation_id": correlationID,
	})
	return out
}

func errorResult(correlationID, code, message string) []byte {
	out, _ := json.Marshal(map[string]interface{}{
		"status":         "error",
		"message":        message,
		"code":           code,
		"correlation_id": correlationID,
	})
	return out
}

func newTestJobService(t *testing.T, session transport.Session) *JobService {
	t.Helper()
	sched := scheduler.New(scheduler.Config{MinWorkers: 2, MaxWorkers: 4})
	sched.Start()
	t.Cleanup(sched.Stop)
	return NewJobService(JobServiceConfig{DefaultTimeout: 5 * time.Second}, sched, &fakeProvider{session: session}, NewNotificationService(nil), nil)
}

func waitTerminal(t *testing.T, svc *JobService, id string) *models.Job {
	t.Helper()
	var job *models.Job
	require.Eventually(t, func() bool {
		j, ok := svc.Get(id)
		if !ok {
			return false
		}
		job = j
		return j.Status.IsTerminal()
	}, 5*time.Second, 10*time.Millisecond)
	return job
}

func TestProvisionVMJobCompletes(t *testing.T) {
	session := &scriptedSession{script: func(req envelope.JobRequest) ([]byte, error) {
		require.Equal(t, envelope.OpVMCreate, req.Operation)
		return successResult(req.CorrelationID, map[string]interface{}{"vm_id": "vm-123"}), nil
	}}
	svc := newTestJobService(t, session)

	req, err := models.NewCreateVMRequest(models.CreateVMRequest{
		TargetHost: "hv01",
		VM:         models.VMSpec{Name: "web01", CPUCount: 2, MemoryMB: 2048},
	})
	require.NoError(t, err)

	job := svc.SubmitProvisionVM(req)
	assert.Equal(t, models.JobStatusPending, job.Status)

	done := waitTerminal(t, svc, job.ID)
	assert.Equal(t, models.JobStatusCompleted, done.Status)
	assert.Equal(t, "vm-123", done.Result["vm_id"])
	assert.NotNil(t, done.StartedAt)
	assert.NotNil(t, done.CompletedAt)
	assert.NotEmpty(t, done.NotificationID)
}

func TestJobFailsWithAgentErrorCode(t *testing.T) {
	session := &scriptedSession{script: func(req envelope.JobRequest) ([]byte, error) {
		return errorResult(req.CorrelationID, "VM_EXISTS", "a VM with that name already exists"), nil
	}}
	svc := newTestJobService(t, session)

	req, _ := models.NewCreateVMRequest(models.CreateVMRequest{
		TargetHost: "hv01",
		VM:         models.VMSpec{Name: "dup", CPUCount: 1, MemoryMB: 512},
	})
	job := svc.SubmitProvisionVM(req)

	done := waitTerminal(t, svc, job.ID)
	assert.Equal(t, models.JobStatusFailed, done.Status)
	assert.Contains(t, done.Error, "VM_EXISTS")
	assert.Contains(t, done.Error, "already exists")
}

func TestJobFailsOnCorrelationMismatch(t *testing.T) {
	session := &scriptedSession{script: func(req envelope.JobRequest) ([]byte, error) {
		return successResult("not-the-same-id", nil), nil
	}}
	svc := newTestJobService(t, session)

	req, _ := models.NewNoopTestRequest(models.NoopTestRequest{TargetHost: "hv01"})
	job := svc.SubmitNoopTest(req)

	done := waitTerminal(t, svc, job.ID)
	assert.Equal(t, models.JobStatusFailed, done.Status)
	assert.Contains(t, done.Error, "correlation ID mismatch")
}

func TestJobFailsOnTransportFault(t *testing.T) {
	sched := scheduler.New(scheduler.Config{MinWorkers: 1})
	sched.Start()
	t.Cleanup(sched.Stop)
	provider := &fakeProvider{err: &transport.TransportError{Host: "hv01", Err: errors.New("connection refused")}}
	svc := NewJobService(JobServiceConfig{}, sched, provider, NewNotificationService(nil), nil)

	req, _ := models.NewNoopTestRequest(models.NoopTestRequest{TargetHost: "hv01"})
	job := svc.SubmitNoopTest(req)

	done := waitTerminal(t, svc, job.ID)
	assert.Equal(t, models.JobStatusFailed, done.Status)
	assert.Contains(t, done.Error, "transport fault")
}

func TestJobFailsOnUnparseableResult(t *testing.T) {
	session := &scriptedSession{script: func(req envelope.JobRequest) ([]byte, error) {
		return []byte("garbage output with no JSON\n"), nil
	}}
	svc := newTestJobService(t, session)

	req, _ := models.NewNoopTestRequest(models.NoopTestRequest{TargetHost: "hv01"})
	job := svc.SubmitNoopTest(req)

	done := waitTerminal(t, svc, job.ID)
	assert.Equal(t, models.JobStatusFailed, done.Status)
	assert.Contains(t, done.Error, "failed to parse job result")
}

func TestStreamedOutputExcludesResultLine(t *testing.T) {
	session := &scriptedSession{script: func(req envelope.JobRequest) ([]byte, error) {
		var out []byte
		out = append(out, []byte("Creating VM web01\n")...)
		out = append(out, []byte("Attaching boot volume\n")...)
		out = append(out, successResult(req.CorrelationID, map[string]interface{}{"vm_id": "vm-1"})...)
		out = append(out, '\n')
		return out, nil
	}}
	svc := newTestJobService(t, session)

	req, _ := models.NewCreateVMRequest(models.CreateVMRequest{
		TargetHost: "hv01",
		VM:         models.VMSpec{Name: "web01", CPUCount: 1, MemoryMB: 1024},
	})
	job := svc.SubmitProvisionVM(req)

	done := waitTerminal(t, svc, job.ID)
	assert.Equal(t, models.JobStatusCompleted, done.Status)
	assert.Equal(t, []string{"Creating VM web01", "Attaching boot volume"}, done.Output)
}

func TestPrettyPrintedResultAfterProgressParses(t *testing.T) {
	session := &scriptedSession{script: func(req envelope.JobRequest) ([]byte, error) {
		out := "Creating VM web01\n" +
			"{\n" +
			"  \"status\": \"success\",\n" +
			"  \"data\": {\"vm_id\": \"vm-3\"},\n" +
			"  \"correlation_id\": \"" + req.CorrelationID + "\"\n" +
			"}\n"
		return []byte(out), nil
	}}
	svc := newTestJobService(t, session)

	req, _ := models.NewCreateVMRequest(models.CreateVMRequest{
		TargetHost: "hv01",
		VM:         models.VMSpec{Name: "web01", CPUCount: 1, MemoryMB: 1024},
	})
	job := svc.SubmitProvisionVM(req)

	done := waitTerminal(t, svc, job.ID)
	assert.Equal(t, models.JobStatusCompleted, done.Status, done.Error)
	assert.Equal(t, "vm-3", done.Result["vm_id"])
}

func TestGetRedactsParameters(t *testing.T) {
	session := &scriptedSession{script: func(req envelope.JobRequest) ([]byte, error) {
		return successResult(req.CorrelationID, map[string]interface{}{"vm_id": "vm-9"}), nil
	}}
	svc := newTestJobService(t, session)

	req, err := models.NewManagedDeploymentRequest(models.ManagedDeploymentRequest{
		TargetHost: "hv01",
		VM:         models.VMSpec{Name: "sql01", CPUCount: 4, MemoryMB: 8192},
		GuestLAUID: "Administrator",
		GuestLAPW:  "topsecret",
	})
	require.NoError(t, err)

	job := svc.SubmitManagedDeployment(req)
	waitTerminal(t, svc, job.ID)

	got, ok := svc.Get(job.ID)
	require.True(t, ok)
	assert.Equal(t, RedactedValue, got.Parameters["guest_la_pw"])
	assert.Equal(t, "Administrator", got.Parameters["guest_la_uid"])

	for _, listed := range svc.List() {
		if listed.ID == job.ID {
			assert.Equal(t, RedactedValue, listed.Parameters["guest_la_pw"])
		}
	}
}

func TestGetReturnsIndependentCopy(t *testing.T) {
	session := &scriptedSession{script: func(req envelope.JobRequest) ([]byte, error) {
		return successResult(req.CorrelationID, nil), nil
	}}
	svc := newTestJobService(t, session)

	req, _ := models.NewNoopTestRequest(models.NoopTestRequest{TargetHost: "hv01"})
	job := svc.SubmitNoopTest(req)
	waitTerminal(t, svc, job.ID)

	got, _ := svc.Get(job.ID)
	got.Output = append(got.Output, "mutated")
	got.Status = models.JobStatusPending

	again, _ := svc.Get(job.ID)
	assert.Equal(t, models.JobStatusCompleted, again.Status)
	assert.NotContains(t, again.Output, "mutated")
}

func TestUnknownJobNotFound(t *testing.T) {
	svc := newTestJobService(t, &scriptedSession{script: func(req envelope.JobRequest) ([]byte, error) {
		return successResult(req.CorrelationID, nil), nil
	}})
	_, ok := svc.Get("nope")
	assert.False(t, ok)
}

func TestManagedDeploymentRunsStepsInOrder(t *testing.T) {
	session := &scriptedSession{script: func(req envelope.JobRequest) ([]byte, error) {
		switch req.Operation {
		case envelope.OpVMCreate:
			return successResult(req.CorrelationID, map[string]interface{}{"vm_id": "vm-77"}), nil
		case envelope.OpDiskCreate:
			if req.ResourceSpec["vm_id"] != "vm-77" {
				return nil, fmt.Errorf("disk step missing parent vm_id")
			}
			return successResult(req.CorrelationID, map[string]interface{}{"disk_path": "C:\\vhd\\sql01.vhdx"}), nil
		case envelope.OpNICCreate:
			return successResult(req.CorrelationID, nil), nil
		case envelope.OpInitialize:
			if req.ResourceSpec["guest_la_uid"] != "Administrator" {
				return nil, fmt.Errorf("initialize step missing guest config")
			}
			return successResult(req.CorrelationID, nil), nil
		}
		return nil, fmt.Errorf("unexpected operation %s", req.Operation)
	}}
	svc := newTestJobService(t, session)

	req, err := models.NewManagedDeploymentRequest(models.ManagedDeploymentRequest{
		TargetHost: "hv01",
		VM:         models.VMSpec{Name: "sql01", CPUCount: 4, MemoryMB: 8192},
		Disk:       &models.DiskSpec{SizeGB: 100},
		NIC:        &models.NICSpec{SwitchName: "vSwitch0"},
		GuestLAUID: "Administrator",
		GuestLAPW:  "pw",
	})
	require.NoError(t, err)

	job := svc.SubmitManagedDeployment(req)
	done := waitTerminal(t, svc, job.ID)

	require.Equal(t, models.JobStatusCompleted, done.Status, done.Error)
	assert.Equal(t, []string{
		envelope.OpVMCreate, envelope.OpDiskCreate, envelope.OpNICCreate, envelope.OpInitialize,
	}, session.operations())

	require.Len(t, done.ChildJobs, 4)
	for _, child := range done.ChildJobs {
		assert.Equal(t, models.JobStatusCompleted, child.Status, child.Operation)
	}

	// Guest initialization ran as a full job with its own record.
	initChild := done.ChildJobs[3]
	require.NotEmpty(t, initChild.JobID)
	childJob, ok := svc.Get(initChild.JobID)
	require.True(t, ok)
	assert.Equal(t, models.JobTypeInitializeVM, childJob.Type)
	assert.Equal(t, models.JobStatusCompleted, childJob.Status)
	assert.Equal(t, RedactedValue, childJob.Parameters["guest_la_pw"])
}

func TestManagedDeploymentNICStepAvoidsIOQueue(t *testing.T) {
	session := &scriptedSession{script: func(req envelope.JobRequest) ([]byte, error) {
		switch req.Operation {
		case envelope.OpVMCreate:
			return successResult(req.CorrelationID, map[string]interface{}{"vm_id": "vm-55"}), nil
		case envelope.OpNICCreate:
			return successResult(req.CorrelationID, nil), nil
		}
		return nil, fmt.Errorf("unexpected operation %s", req.Operation)
	}}

	sched := scheduler.New(scheduler.Config{MinWorkers: 2, MaxWorkers: 4})
	sched.Start()
	t.Cleanup(sched.Stop)
	svc := NewJobService(JobServiceConfig{DefaultTimeout: 5 * time.Second}, sched, &fakeProvider{session: session}, NewNotificationService(nil), nil)

	// Occupy the host's IO queue with another deployment's long disk work.
	release := make(chan struct{})
	blockerDone := make(chan struct{})
	go func() {
		defer close(blockerDone)
		sched.RunIO(context.Background(), "hv01", "long disk work", func(ctx context.Context) (interface{}, error) {
			<-release
			return nil, nil
		})
	}()

	req, err := models.NewManagedDeploymentRequest(models.ManagedDeploymentRequest{
		TargetHost: "hv01",
		VM:         models.VMSpec{Name: "edge01", CPUCount: 1, MemoryMB: 1024},
		NIC:        &models.NICSpec{SwitchName: "vSwitch0"},
	})
	require.NoError(t, err)

	// The NIC attach must complete while the IO queue is still held.
	job := svc.SubmitManagedDeployment(req)
	done := waitTerminal(t, svc, job.ID)
	assert.Equal(t, models.JobStatusCompleted, done.Status, done.Error)
	assert.Equal(t, []string{envelope.OpVMCreate, envelope.OpNICCreate}, session.operations())

	close(release)
	<-blockerDone
}

func TestManagedDeploymentStepFailureNamesStepNoRollback(t *testing.T) {
	session := &scriptedSession{script: func(req envelope.JobRequest) ([]byte, error) {
		switch req.Operation {
		case envelope.OpVMCreate:
			return successResult(req.CorrelationID, map[string]interface{}{"vm_id": "vm-88"}), nil
		case envelope.OpDiskCreate:
			return errorResult(req.CorrelationID, "DISK_FULL", "no space on volume"), nil
		}
		return nil, fmt.Errorf("unexpected operation %s after failed step", req.Operation)
	}}
	svc := newTestJobService(t, session)

	req, err := models.NewManagedDeploymentRequest(models.ManagedDeploymentRequest{
		TargetHost: "hv01",
		VM:         models.VMSpec{Name: "big01", CPUCount: 2, MemoryMB: 4096},
		Disk:       &models.DiskSpec{SizeGB: 5000},
		NIC:        &models.NICSpec{SwitchName: "vSwitch0"},
	})
	require.NoError(t, err)

	job := svc.SubmitManagedDeployment(req)
	done := waitTerminal(t, svc, job.ID)

	assert.Equal(t, models.JobStatusFailed, done.Status)
	assert.Contains(t, done.Error, "disk.create")
	assert.Contains(t, done.Error, "DISK_FULL")

	// No rollback: the created VM step stays completed, no delete was issued.
	assert.Equal(t, []string{envelope.OpVMCreate, envelope.OpDiskCreate}, session.operations())
	require.Len(t, done.ChildJobs, 2)
	assert.Equal(t, models.JobStatusCompleted, done.ChildJobs[0].Status)
	assert.Equal(t, models.JobStatusFailed, done.ChildJobs[1].Status)
}

func TestManagedDeploymentFailsWithoutVMID(t *testing.T) {
	session := &scriptedSession{script: func(req envelope.JobRequest) ([]byte, error) {
		return successResult(req.CorrelationID, map[string]interface{}{}), nil
	}}
	svc := newTestJobService(t, session)

	req, _ := models.NewManagedDeploymentRequest(models.ManagedDeploymentRequest{
		TargetHost: "hv01",
		VM:         models.VMSpec{Name: "x", CPUCount: 1, MemoryMB: 512},
	})
	job := svc.SubmitManagedDeployment(req)

	done := waitTerminal(t, svc, job.ID)
	assert.Equal(t, models.JobStatusFailed, done.Status)
	assert.Contains(t, done.Error, "vm_id")
}

func TestJobStatusBroadcasts(t *testing.T) {
	hub := &recordingHub{}
	session := &scriptedSession{script: func(req envelope.JobRequest) ([]byte, error) {
		return successResult(req.CorrelationID, nil), nil
	}}
	sched := scheduler.New(scheduler.Config{MinWorkers: 1})
	sched.Start()
	t.Cleanup(sched.Stop)
	svc := NewJobService(JobServiceConfig{}, sched, &fakeProvider{session: session}, NewNotificationService(nil), hub)

	req, _ := models.NewNoopTestRequest(models.NoopTestRequest{TargetHost: "hv01"})
	job := svc.SubmitNoopTest(req)
	waitTerminal(t, svc, job.ID)

	topics := hub.topics()
	assert.Contains(t, topics, jobsTopic)
	assert.Contains(t, topics, jobsTopic+":"+job.ID)
}

func TestStatsCountsByStatus(t *testing.T) {
	session := &scriptedSession{script: func(req envelope.JobRequest) ([]byte, error) {
		return successResult(req.CorrelationID, nil), nil
	}}
	svc := newTestJobService(t, session)

	req, _ := models.NewNoopTestRequest(models.NoopTestRequest{TargetHost: "hv01"})
	job := svc.SubmitNoopTest(req)
	waitTerminal(t, svc, job.ID)

	stats := svc.Stats()
	assert.Equal(t, 1, stats["total"])
	byStatus := stats["by_status"].(map[string]int)
	assert.Equal(t, 1, byStatus["completed"])
}
