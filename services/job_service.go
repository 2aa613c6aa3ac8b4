package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/hyperfleet/hyperfleet/envelope"
	"github.com/hyperfleet/hyperfleet/models"
	"github.com/hyperfleet/hyperfleet/scheduler"
	"github.com/hyperfleet/hyperfleet/transport"
)

const jobsTopic = "jobs"

// SessionProvider hands out reusable agent sessions per host. Implemented by
// the transport session cache; tests substitute fakes.
type SessionProvider interface {
	GetSession(ctx context.Context, hostname string) (transport.Session, error)
}

// JobServiceConfig tunes job execution.
type JobServiceConfig struct {
	// DefaultTimeout bounds a single envelope round-trip. Zero disables the
	// per-task timeout.
	DefaultTimeout time.Duration
}

// JobService is the exclusive owner of job records. All mutation happens
// under its write lock; readers receive redacted deep copies. Every state
// transition upserts the job's notification and broadcasts to the jobs
// topics.
type JobService struct {
	cfg           JobServiceConfig
	sched         *scheduler.Scheduler
	sessions      SessionProvider
	notifications *NotificationService
	hub           Broadcaster

	mu   sync.RWMutex
	jobs map[string]*models.Job
}

// NewJobService wires the job service. A nil hub disables broadcasting.
func NewJobService(cfg JobServiceConfig, sched *scheduler.Scheduler, sessions SessionProvider, notifications *NotificationService, hub Broadcaster) *JobService {
	if hub == nil {
		hub = noopBroadcaster{}
	}
	return &JobService{
		cfg:           cfg,
		sched:         sched,
		sessions:      sessions,
		notifications: notifications,
		hub:           hub,
		jobs:          make(map[string]*models.Job),
	}
}

// SubmitProvisionVM creates a provision_vm job and starts it asynchronously.
func (s *JobService) SubmitProvisionVM(req *models.CreateVMRequest) *models.Job {
	job := s.createJob(models.JobTypeProvisionVM, req.TargetHost, toParams(req))
	go s.runJob(job.ID, func(ctx context.Context, id string) error {
		spec := toParams(req.VM)
		env, err := s.runEnvelope(ctx, id, req.TargetHost, envelope.NewJobRequest(envelope.OpVMCreate, spec), scheduler.CategoryJob, false)
		if err != nil {
			return err
		}
		s.setOutputData(id, env.Data)
		return nil
	})
	return job
}

// SubmitDeleteVM creates a delete_vm job and starts it asynchronously.
func (s *JobService) SubmitDeleteVM(req *models.DeleteVMRequest) *models.Job {
	job := s.createJob(models.JobTypeDeleteVM, req.TargetHost, toParams(req))
	go s.runJob(job.ID, func(ctx context.Context, id string) error {
		spec := map[string]interface{}{}
		if req.VMName != "" {
			spec["vm_name"] = req.VMName
		}
		if req.VMID != "" {
			spec["vm_id"] = req.VMID
		}
		env, err := s.runEnvelope(ctx, id, req.TargetHost, envelope.NewJobRequest(envelope.OpVMDelete, spec), scheduler.CategoryJob, false)
		if err != nil {
			return err
		}
		s.setOutputData(id, env.Data)
		return nil
	})
	return job
}

// SubmitNoopTest creates a noop_test job exercising the full envelope path
// against a host's agent without touching any resource.
func (s *JobService) SubmitNoopTest(req *models.NoopTestRequest) *models.Job {
	job := s.createJob(models.JobTypeNoopTest, req.TargetHost, toParams(req))
	go s.runJob(job.ID, func(ctx context.Context, id string) error {
		spec := req.ResourceSpec
		if spec == nil {
			spec = map[string]interface{}{}
		}
		envReq := envelope.NewJobRequest(envelope.OpNoopTest, spec,
			envelope.WithCorrelationID(req.CorrelationID))
		env, err := s.runEnvelope(ctx, id, req.TargetHost, envReq, scheduler.CategoryJob, false)
		if err != nil {
			return err
		}
		s.setOutputData(id, env.Data)
		return nil
	})
	return job
}

// Get returns a redacted deep copy of one job.
func (s *JobService) Get(id string) (*models.Job, bool) {
	s.mu.RLock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.RUnlock()
		return nil, false
	}
	clone := cloneJob(job)
	s.mu.RUnlock()

	clone.Parameters = safeRedact(clone.Parameters)
	return clone, true
}

// List returns redacted copies of all jobs, newest first.
func (s *JobService) List() []*models.Job {
	s.mu.RLock()
	result := make([]*models.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		result = append(result, cloneJob(job))
	}
	s.mu.RUnlock()

	for _, job := range result {
		job.Parameters = safeRedact(job.Parameters)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result
}

// Stats reports job counts by status for the debug endpoint.
func (s *JobService) Stats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byStatus := make(map[string]int)
	for _, job := range s.jobs {
		byStatus[string(job.Status)]++
	}
	return map[string]interface{}{
		"total":     len(s.jobs),
		"by_status": byStatus,
	}
}

// createJob registers a pending record, upserts its notification, and
// broadcasts the initial status.
func (s *JobService) createJob(jobType models.JobType, host string, params map[string]interface{}) *models.Job {
	job := &models.Job{
		ID:         uuid.New().String(),
		Type:       jobType,
		Status:     models.JobStatusPending,
		TargetHost: host,
		Parameters: params,
		Output:     []string{},
		CreatedAt:  time.Now(),
	}

	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()

	log.WithFields(log.Fields{
		"job_id":   job.ID,
		"job_type": jobType,
		"hostname": host,
	}).Info("🚀 Job submitted")

	s.notifyAndBroadcast(job.ID)
	return job
}

// runJob drives one job through the state machine. The worker goroutine is
// the only writer of the running and terminal transitions for its job.
func (s *JobService) runJob(id string, fn func(ctx context.Context, id string) error) {
	ctx := context.Background()
	if !s.markRunning(id) {
		return
	}
	if err := fn(ctx, id); err != nil {
		s.markFailed(id, err)
		return
	}
	s.markCompleted(id)
}

func (s *JobService) markRunning(id string) bool {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok || job.Status.IsTerminal() {
		s.mu.Unlock()
		return false
	}
	now := time.Now()
	job.Status = models.JobStatusRunning
	job.StartedAt = &now
	s.mu.Unlock()

	s.notifyAndBroadcast(id)
	return true
}

func (s *JobService) markCompleted(id string) {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok || job.Status.IsTerminal() {
		s.mu.Unlock()
		return
	}
	now := time.Now()
	job.Status = models.JobStatusCompleted
	job.CompletedAt = &now
	s.mu.Unlock()

	log.WithField("job_id", id).Info("✅ Job completed")
	s.notifyAndBroadcast(id)
}

func (s *JobService) markFailed(id string, err error) {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok || job.Status.IsTerminal() {
		s.mu.Unlock()
		return
	}
	now := time.Now()
	job.Status = models.JobStatusFailed
	job.CompletedAt = &now
	job.Error = err.Error()
	s.mu.Unlock()

	log.WithFields(log.Fields{
		"job_id": id,
		"error":  err.Error(),
	}).Error("Job failed")
	s.notifyAndBroadcast(id)
}

// setOutputData stores the agent result data on the job record.
func (s *JobService) setOutputData(id string, data map[string]interface{}) {
	s.mu.Lock()
	if job, ok := s.jobs[id]; ok {
		job.Result = data
	}
	s.mu.Unlock()
}

// appendOutput appends decoded output lines under the write lock, then
// broadcasts each line outside it.
func (s *JobService) appendOutput(id string, lines []string) {
	if len(lines) == 0 {
		return
	}
	s.mu.Lock()
	job, ok := s.jobs[id]
	if ok {
		job.Output = append(job.Output, lines...)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	for _, line := range lines {
		s.hub.Broadcast(map[string]interface{}{
			"type":   "job",
			"action": "output",
			"job_id": id,
			"data":   map[string]interface{}{"line": line},
		}, jobsTopic+":"+id)
	}
}

// appendChildJob records a managed-deployment sub-step on the parent.
func (s *JobService) appendChildJob(id string, child models.ChildJob) {
	s.mu.Lock()
	if job, ok := s.jobs[id]; ok {
		job.ChildJobs = append(job.ChildJobs, child)
	}
	s.mu.Unlock()
	s.broadcastStatus(id)
}

// updateChildJob mutates the most recent child entry with the operation tag.
func (s *JobService) updateChildJob(id, operation string, status models.JobStatus, errMsg string, data map[string]interface{}) {
	s.mu.Lock()
	if job, ok := s.jobs[id]; ok {
		for i := len(job.ChildJobs) - 1; i >= 0; i-- {
			if job.ChildJobs[i].Operation == operation {
				job.ChildJobs[i].Status = status
				job.ChildJobs[i].Error = errMsg
				if data != nil {
					job.ChildJobs[i].Data = data
				}
				break
			}
		}
	}
	s.mu.Unlock()
	s.broadcastStatus(id)
}

// notifyAndBroadcast upserts the job notification and pushes the status
// frame. Called after every transition, outside the write lock.
func (s *JobService) notifyAndBroadcast(id string) {
	s.mu.RLock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.RUnlock()
		return
	}
	jobType := job.Type
	status := job.Status
	host := job.TargetHost
	errMsg := job.Error
	s.mu.RUnlock()

	if s.notifications != nil {
		level := models.LevelInfo
		switch status {
		case models.JobStatusCompleted:
			level = models.LevelSuccess
		case models.JobStatusFailed:
			level = models.LevelError
		}
		message := fmt.Sprintf("%s on %s: %s", jobType, host, status)
		if errMsg != "" {
			message = fmt.Sprintf("%s on %s: %s (%s)", jobType, host, status, errMsg)
		}
		n := s.notifications.UpsertSystem("job:"+id, fmt.Sprintf("Job %s", jobType), message, level, map[string]interface{}{
			"job_id":   id,
			"job_type": string(jobType),
			"status":   string(status),
		})
		s.mu.Lock()
		if job, ok := s.jobs[id]; ok {
			job.NotificationID = n.ID
		}
		s.mu.Unlock()
	}

	s.broadcastStatus(id)
}

func (s *JobService) broadcastStatus(id string) {
	s.mu.RLock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.RUnlock()
		return
	}
	frame := map[string]interface{}{
		"type":   "job",
		"action": "status",
		"job_id": id,
		"data": map[string]interface{}{
			"status":      string(job.Status),
			"job_type":    string(job.Type),
			"target_host": job.TargetHost,
			"error":       job.Error,
		},
	}
	s.mu.RUnlock()

	s.hub.Broadcast(frame, jobsTopic)
	s.hub.Broadcast(frame, jobsTopic+":"+id)
}

// runEnvelope performs one agent round-trip through the scheduler: marshal
// the request, execute it on the target host with streaming decode, and
// return the typed result envelope. Decoded lines that parse as a result
// envelope are candidates for the final result (last one wins); all other
// lines are appended to the job output.
func (s *JobService) runEnvelope(ctx context.Context, jobID, host string, req *envelope.JobRequest, category scheduler.Category, io bool) (*envelope.JobResultEnvelope, error) {
	payload, err := req.Marshal()
	if err != nil {
		return nil, err
	}

	fn := func(ctx context.Context) (interface{}, error) {
		session, err := s.sessions.GetSession(ctx, host)
		if err != nil {
			return nil, err
		}

		decoder := envelope.NewStreamDecoder()
		var resultEnv *envelope.JobResultEnvelope
		emit := func(lines []string) {
			var output []string
			for _, line := range lines {
				if env, perr := envelope.ParseJobResult([]byte(line)); perr == nil {
					resultEnv = env
					continue
				}
				output = append(output, line)
			}
			s.appendOutput(jobID, output)
		}

		stdout, err := session.ExecuteStream(ctx, payload,
			func(chunk []byte) { emit(decoder.Decode(chunk)) },
			func(chunk []byte) { emit(decoder.DecodeStderr(chunk)) })
		if err != nil {
			return nil, err
		}
		emit(decoder.Flush())

		if resultEnv == nil {
			// Transports without chunk callbacks still return full stdout,
			// and a pretty-printed result envelope never parses line by line.
			resultEnv, err = envelope.ParseTrailingJobResult(stdout)
			if err != nil {
				return nil, err
			}
		}
		return resultEnv, nil
	}

	description := fmt.Sprintf("%s (%s)", req.Operation, jobID)
	var value interface{}
	if io {
		value, err = s.sched.RunIOTimeout(ctx, host, description, s.cfg.DefaultTimeout, fn)
	} else {
		value, err = s.sched.RunTimeout(ctx, host, category, description, s.cfg.DefaultTimeout, fn)
	}
	if err != nil {
		return nil, err
	}

	env := value.(*envelope.JobResultEnvelope)
	if env.CorrelationID != "" && env.CorrelationID != req.CorrelationID {
		return nil, &CorrelationMismatchError{Expected: req.CorrelationID, Actual: env.CorrelationID}
	}
	if len(env.Logs) > 0 {
		s.appendOutput(jobID, env.Logs)
	}

	switch env.Status {
	case envelope.StatusSuccess:
		return env, nil
	case envelope.StatusError:
		return nil, &AgentError{Code: env.Code, Message: env.Message}
	case envelope.StatusPartial:
		return nil, &AgentPartialError{Message: env.Message, Logs: env.Logs}
	default:
		return nil, &AgentError{Message: fmt.Sprintf("unexpected result status %q", env.Status)}
	}
}

// toParams converts a request struct into a generic parameter map via its
// JSON form, so redaction sees the same field names the API does.
func toParams(v interface{}) map[string]interface{} {
	data, err := json.Marshal(v)
	if err != nil {
		return map[string]interface{}{}
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]interface{}{}
	}
	return out
}

// cloneJob copies the record and its slices; Parameters is left shared
// because it is written once at creation and redacted copies replace it on
// every read path.
func cloneJob(job *models.Job) *models.Job {
	clone := *job
	clone.Output = append([]string(nil), job.Output...)
	clone.ChildJobs = append([]models.ChildJob(nil), job.ChildJobs...)
	if job.StartedAt != nil {
		t := *job.StartedAt
		clone.StartedAt = &t
	}
	if job.CompletedAt != nil {
		t := *job.CompletedAt
		clone.CompletedAt = &t
	}
	return &clone
}

// safeRedact never lets a redaction fault leak raw parameters: any panic
// yields an empty map instead.
func safeRedact(params map[string]interface{}) (out map[string]interface{}) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("Parameter redaction failed, emptying parameters")
			out = map[string]interface{}{}
		}
	}()
	return RedactParameters(params)
}
