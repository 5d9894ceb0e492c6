package testrun

import (
	"fmt"
	"time"
)

// Credentials are optional HTTP basic credentials for the target application.
type Credentials struct {
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
}

// TestJob is the scheduling envelope for one test run.
type TestJob struct {
	ID         string       `json:"id"`
	RunID      string       `json:"run_id"`
	Steps      []Step       `json:"steps"`
	BaseURL    string       `json:"base_url"`
	Auth       *Credentials `json:"auth,omitempty"`
	Config     RunConfig    `json:"config"`
	Resume     bool         `json:"resume,omitempty"`
	EnqueuedAt time.Time    `json:"enqueued_at"`
}

// Validate checks the job before it is enqueued.
func (j *TestJob) Validate() error {
	if j.RunID == "" {
		return fmt.Errorf("run id is required")
	}

	if err := ValidateSteps(j.Steps); err != nil {
		return fmt.Errorf("invalid steps: %w", err)
	}

	if err := j.Config.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	return nil
}

// JobState is the scheduler-side state of a job.
type JobState string

const (
	JobQueued      JobState = "queued"
	JobActive      JobState = "active"
	JobPaused      JobState = "paused"
	JobInterrupted JobState = "interrupted"
	JobDone        JobState = "done"
	JobCancelled   JobState = "cancelled"
)

// JobRecord is the persisted scheduler state of a job.
type JobRecord struct {
	Job       TestJob   `json:"job"`
	State     JobState  `json:"state"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// JobStatus is the lifecycle view of a run exposed to callers.
type JobStatus struct {
	RunID     string   `json:"run_id"`
	JobID     string   `json:"job_id,omitempty"`
	JobState  JobState `json:"job_state,omitempty"`
	Status    Status   `json:"status"`
	Reason    Reason   `json:"reason,omitempty"`
	Attempts  int      `json:"attempts"`
	LastError string   `json:"last_error,omitempty"`
	Progress  Progress `json:"progress"`
}
