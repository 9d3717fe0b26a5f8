package scheduler

import "github.com/cordum/ragops/core/infra/apierr"

var (
	// ErrJobNotFound indicates an unknown job id.
	ErrJobNotFound = apierr.New(apierr.KindNotFound, "JOB_NOT_FOUND", "job not found")
	// ErrInvalidTransition indicates the action is not valid for the job's current status.
	ErrInvalidTransition = apierr.Conflict("INVALID_TRANSITION", "action not allowed in current job status")
	// ErrInvalidSpec indicates a job spec without class or runner.
	ErrInvalidSpec = apierr.New(apierr.KindValidation, "INVALID_JOB_SPEC", "job spec requires class and runner")
	// ErrClosed indicates the scheduler is shutting down.
	ErrClosed = apierr.Conflict("SCHEDULER_CLOSED", "scheduler is shutting down")
)

func transitionError(job Job, action string) error {
	return ErrInvalidTransition.WithDetails(map[string]any{
		"jobId":  job.ID,
		"status": job.Status,
		"action": action,
	})
}
