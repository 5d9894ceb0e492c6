package testrun

import (
	"fmt"
	"time"
)

// ExecutionSnapshot is the resume point of a paused run. Each snapshot
// supersedes the previous one for the same run.
type ExecutionSnapshot struct {
	RunID          string         `json:"run_id"`
	NextStepIndex  int            `json:"next_step_index"`
	CompletedSteps []StepResult   `json:"completed_steps"`
	Context        map[string]any `json:"context"`
	LastURL        string         `json:"last_url,omitempty"`
	TakenAt        time.Time      `json:"taken_at"`
}

// Validate checks that the snapshot is a consistent prefix of a run with
// totalSteps steps.
func (s *ExecutionSnapshot) Validate(totalSteps int) error {
	if len(s.CompletedSteps) > totalSteps {
		return fmt.Errorf(
			"snapshot holds %d results for a %d step run",
			len(s.CompletedSteps), totalSteps,
		)
	}

	for i, r := range s.CompletedSteps {
		if r.StepIndex != i {
			return fmt.Errorf("snapshot result %d has step index %d", i, r.StepIndex)
		}

		if r.Status != StepPassed {
			return fmt.Errorf("snapshot result %d is %s", i, r.Status)
		}
	}

	if s.NextStepIndex != len(s.CompletedSteps) {
		return fmt.Errorf(
			"next step index %d does not follow %d completed steps",
			s.NextStepIndex, len(s.CompletedSteps),
		)
	}

	return nil
}

// CloneContext returns a shallow copy of a step context map.
func CloneContext(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}

	return out
}
