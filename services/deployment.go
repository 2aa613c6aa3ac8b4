package services

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/hyperfleet/hyperfleet/envelope"
	"github.com/hyperfleet/hyperfleet/models"
	"github.com/hyperfleet/hyperfleet/scheduler"
)

// SubmitManagedDeployment creates a managed_deployment_v2 job: VM creation,
// then the optional disk, NIC, and guest initialization steps in order. Disk
// and guest work rides the host's serialized IO queue so two deployments
// never hammer the same host's storage concurrently. A failed step fails the
// whole job naming the step; completed steps are left in place, there is no
// rollback.
func (s *JobService) SubmitManagedDeployment(req *models.ManagedDeploymentRequest) *models.Job {
	job := s.createJob(models.JobTypeManagedDeploymentV2, req.TargetHost, toParams(req))
	go s.runJob(job.ID, func(ctx context.Context, id string) error {
		return s.runManagedDeployment(ctx, id, req)
	})
	return job
}

func (s *JobService) runManagedDeployment(ctx context.Context, id string, req *models.ManagedDeploymentRequest) error {
	host := req.TargetHost

	// Step 1: create the VM. Every later step needs its ID.
	s.appendChildJob(id, models.ChildJob{Operation: envelope.OpVMCreate, Status: models.JobStatusRunning})
	env, err := s.runEnvelope(ctx, id, host, envelope.NewJobRequest(envelope.OpVMCreate, toParams(req.VM)), scheduler.CategoryDeployment, false)
	if err != nil {
		s.updateChildJob(id, envelope.OpVMCreate, models.JobStatusFailed, err.Error(), nil)
		return &DeploymentStepError{Step: envelope.OpVMCreate, Err: err}
	}
	s.updateChildJob(id, envelope.OpVMCreate, models.JobStatusCompleted, "", env.Data)

	vmID, _ := env.Data["vm_id"].(string)
	if vmID == "" {
		err := fmt.Errorf("agent result carries no vm_id")
		s.updateChildJob(id, envelope.OpVMCreate, models.JobStatusFailed, err.Error(), env.Data)
		return &DeploymentStepError{Step: envelope.OpVMCreate, Err: err}
	}
	s.setOutputData(id, env.Data)

	log.WithFields(log.Fields{
		"job_id":   id,
		"hostname": host,
		"vm_id":    vmID,
	}).Info("Deployment VM created")

	// Step 2: disk, on the host's serialized IO queue.
	if req.Disk != nil {
		spec := toParams(req.Disk)
		spec["vm_id"] = vmID
		s.appendChildJob(id, models.ChildJob{Operation: envelope.OpDiskCreate, Status: models.JobStatusRunning})
		env, err := s.runEnvelope(ctx, id, host, envelope.NewJobRequest(envelope.OpDiskCreate, spec), scheduler.CategoryDeployment, true)
		if err != nil {
			s.updateChildJob(id, envelope.OpDiskCreate, models.JobStatusFailed, err.Error(), nil)
			return &DeploymentStepError{Step: envelope.OpDiskCreate, Err: err}
		}
		s.updateChildJob(id, envelope.OpDiskCreate, models.JobStatusCompleted, "", env.Data)
	}

	// Step 3: NIC. Attaching an adapter is quick, so it stays off the IO
	// queue and is not held up by another deployment's disk work.
	if req.NIC != nil {
		spec := toParams(req.NIC)
		spec["vm_id"] = vmID
		s.appendChildJob(id, models.ChildJob{Operation: envelope.OpNICCreate, Status: models.JobStatusRunning})
		env, err := s.runEnvelope(ctx, id, host, envelope.NewJobRequest(envelope.OpNICCreate, spec), scheduler.CategoryDeployment, false)
		if err != nil {
			s.updateChildJob(id, envelope.OpNICCreate, models.JobStatusFailed, err.Error(), nil)
			return &DeploymentStepError{Step: envelope.OpNICCreate, Err: err}
		}
		s.updateChildJob(id, envelope.OpNICCreate, models.JobStatusCompleted, "", env.Data)
	}

	// Step 4: guest initialization runs as a full child job with its own
	// record, so its long output stream is queryable on its own.
	if req.HasGuestConfig() {
		cfg := ComposeGuestConfig(req)
		cfg["vm_id"] = vmID

		child := s.createJob(models.JobTypeInitializeVM, host, cfg)
		s.appendChildJob(id, models.ChildJob{
			JobID:     child.ID,
			Operation: envelope.OpInitialize,
			Status:    models.JobStatusRunning,
		})

		childErr := func() error {
			if !s.markRunning(child.ID) {
				return fmt.Errorf("initialization job %s could not start", child.ID)
			}
			env, err := s.runEnvelope(ctx, child.ID, host, envelope.NewJobRequest(envelope.OpInitialize, cfg), scheduler.CategoryDeployment, true)
			if err != nil {
				s.markFailed(child.ID, err)
				return err
			}
			s.setOutputData(child.ID, env.Data)
			s.markCompleted(child.ID)
			return nil
		}()
		if childErr != nil {
			s.updateChildJob(id, envelope.OpInitialize, models.JobStatusFailed, childErr.Error(), nil)
			return &DeploymentStepError{Step: envelope.OpInitialize, Err: childErr}
		}
		s.updateChildJob(id, envelope.OpInitialize, models.JobStatusCompleted, "", nil)
	}

	return nil
}
