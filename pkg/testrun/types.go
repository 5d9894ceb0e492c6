package testrun

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a test run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Reason distinguishes why a run ended up failed (or paused on shutdown).
type Reason string

const (
	ReasonNone           Reason = ""
	ReasonAssertion      Reason = "assertion"
	ReasonInfrastructure Reason = "infrastructure"
	ReasonCancelled      Reason = "cancelled"
	ReasonAbandoned      Reason = "abandoned"
	ReasonShutdown       Reason = "shutdown"
)

// transitions lists the legal run status transitions.
var transitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusFailed},
	StatusRunning: {StatusPaused, StatusCompleted, StatusFailed},
	StatusPaused:  {StatusRunning, StatusFailed},
}

// CanTransition reports whether a run may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}

	return false
}

// StepStatus is the outcome of a single step.
type StepStatus string

const (
	StepPassed  StepStatus = "passed"
	StepFailed  StepStatus = "failed"
	StepSkipped StepStatus = "skipped"
)

// StepResult records the outcome of one executed step. Results are appended
// in step order and never rewritten.
type StepResult struct {
	StepIndex     int        `json:"step_index"`
	Status        StepStatus `json:"status"`
	DurationMs    int64      `json:"duration_ms"`
	Error         string     `json:"error,omitempty"`
	ScreenshotRef string     `json:"screenshot_ref,omitempty"`
}

// Summary holds aggregate step counts for a run.
type Summary struct {
	Total   int `json:"total"`
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// Results is the ordered step result list plus its summary.
type Results struct {
	Steps   []StepResult `json:"steps"`
	Summary Summary      `json:"summary"`
}

// Summarize counts step outcomes. Total is the number of steps in the test
// case, which may exceed the number of results when a run stops early.
func Summarize(results []StepResult, totalSteps int) Summary {
	s := Summary{Total: totalSteps}

	for _, r := range results {
		switch r.Status {
		case StepPassed:
			s.Passed++
		case StepFailed:
			s.Failed++
		case StepSkipped:
			s.Skipped++
		}
	}

	return s
}

// ScreenshotPolicy controls when step screenshots are captured.
type ScreenshotPolicy string

const (
	ScreenshotAlways    ScreenshotPolicy = "always"
	ScreenshotOnFailure ScreenshotPolicy = "on-failure"
	ScreenshotNever     ScreenshotPolicy = "never"
)

// Capture reports whether a screenshot should be taken for a step outcome.
func (p ScreenshotPolicy) Capture(failed bool) bool {
	switch p {
	case ScreenshotAlways:
		return true
	case ScreenshotOnFailure:
		return failed
	default:
		return false
	}
}

// ScreenshotSize is the viewport resolution used for captures.
type ScreenshotSize struct {
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

const (
	// DefaultStepTimeout bounds a single step.
	DefaultStepTimeout = 30 * time.Second

	// DefaultBrowser is used when a run request names none.
	DefaultBrowser = "chromium"
)

// DefaultScreenshotSize is the capture resolution when none is configured.
var DefaultScreenshotSize = ScreenshotSize{Width: 1280, Height: 720}

// RunConfig holds per-run execution settings.
type RunConfig struct {
	Browser        string           `json:"browser" yaml:"browser"`
	Timeout        time.Duration    `json:"timeout" yaml:"timeout"`
	Screenshot     ScreenshotPolicy `json:"screenshot" yaml:"screenshot"`
	ScreenshotSize ScreenshotSize   `json:"screenshot_size" yaml:"screenshot_size"`
}

// WithDefaults returns a copy with unset fields filled in.
func (c RunConfig) WithDefaults() RunConfig {
	if c.Browser == "" {
		c.Browser = DefaultBrowser
	}

	if c.Timeout <= 0 {
		c.Timeout = DefaultStepTimeout
	}

	if c.Screenshot == "" {
		c.Screenshot = ScreenshotOnFailure
	}

	if c.ScreenshotSize.Width <= 0 || c.ScreenshotSize.Height <= 0 {
		c.ScreenshotSize = DefaultScreenshotSize
	}

	return c
}

// Validate checks the run configuration.
func (c RunConfig) Validate() error {
	switch c.Screenshot {
	case "", ScreenshotAlways, ScreenshotOnFailure, ScreenshotNever:
	default:
		return fmt.Errorf("unknown screenshot policy %q", c.Screenshot)
	}

	if c.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}

	return nil
}

// TestRun is the durable record of one execution attempt of a test case.
type TestRun struct {
	ID              string     `json:"id"`
	ProjectID       string     `json:"project_id"`
	SuiteID         string     `json:"suite_id,omitempty"`
	CaseID          string     `json:"case_id"`
	Status          Status     `json:"status"`
	Reason          Reason     `json:"reason,omitempty"`
	Error           string     `json:"error,omitempty"`
	StartedAt       *time.Time `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at"`
	Results         Results    `json:"results"`
	Config          RunConfig  `json:"config"`
	TotalSteps      int        `json:"total_steps"`
	CurrentStep     int        `json:"current_step"`
	CurrentStepName string     `json:"current_step_name,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Progress describes how far a run has advanced.
type Progress struct {
	Current         int    `json:"current"`
	Total           int    `json:"total"`
	CurrentStepName string `json:"current_step_name,omitempty"`
}

// Progress returns the run's progress view.
func (r *TestRun) Progress() Progress {
	return Progress{
		Current:         r.CurrentStep,
		Total:           r.TotalSteps,
		CurrentStepName: r.CurrentStepName,
	}
}
