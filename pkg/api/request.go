package api

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethpandaops/webtestoor/pkg/testrun"
	"github.com/google/uuid"
)

// RunRequest asks for one run per test case and browser. The steps of each
// case are supplied by the caller.
type RunRequest struct {
	TestCaseID  string               `json:"test_case_id,omitempty" yaml:"test_case_id,omitempty"`
	TestSuiteID string               `json:"test_suite_id,omitempty" yaml:"test_suite_id,omitempty"`
	ProjectID   string               `json:"project_id" yaml:"project_id"`
	Browsers    []string             `json:"browsers,omitempty" yaml:"browsers,omitempty"`
	BaseURL     string               `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	Auth        *testrun.Credentials `json:"auth,omitempty" yaml:"auth,omitempty"`
	Cases       []CaseRequest        `json:"cases" yaml:"cases"`
	Config      RunConfigRequest     `json:"config" yaml:"config"`
}

// CaseRequest is a test case with its ordered steps.
type CaseRequest struct {
	ID    string         `json:"id" yaml:"id"`
	Name  string         `json:"name,omitempty" yaml:"name,omitempty"`
	Steps []testrun.Step `json:"steps" yaml:"steps"`
}

// RunConfigRequest carries the run settings. Timeout is a Go duration
// string such as "30s".
type RunConfigRequest struct {
	Timeout        string                   `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Screenshot     testrun.ScreenshotPolicy `json:"screenshot,omitempty" yaml:"screenshot,omitempty"`
	ScreenshotSize testrun.ScreenshotSize   `json:"screenshot_size,omitempty" yaml:"screenshot_size,omitempty"`
}

// PlannedRun is a run record paired with the job that executes it.
type PlannedRun struct {
	Run *testrun.TestRun
	Job testrun.TestJob
}

// Plan validates the request and expands it into runs and jobs. Nothing is
// persisted; an invalid case rejects the whole request.
func (req *RunRequest) Plan() ([]PlannedRun, error) {
	if req.ProjectID == "" {
		return nil, errors.New("project_id is required")
	}

	if len(req.Cases) == 0 {
		return nil, errors.New("at least one case is required")
	}

	if req.TestCaseID == "" && req.TestSuiteID == "" && len(req.Cases) > 1 {
		return nil, errors.New("test_suite_id is required for multiple cases")
	}

	cfg, err := req.Config.runConfig()
	if err != nil {
		return nil, err
	}

	browsers := req.Browsers
	if len(browsers) == 0 {
		browsers = []string{testrun.DefaultBrowser}
	}

	planned := make([]PlannedRun, 0, len(req.Cases)*len(browsers))

	for i, c := range req.Cases {
		caseID := c.ID
		if caseID == "" && len(req.Cases) == 1 {
			caseID = req.TestCaseID
		}

		if caseID == "" {
			return nil, fmt.Errorf("case %d: id is required", i)
		}

		if err := testrun.ValidateSteps(c.Steps); err != nil {
			return nil, fmt.Errorf("case %s: %w", caseID, err)
		}

		for _, browser := range browsers {
			runCfg := cfg
			runCfg.Browser = browser

			runID := uuid.NewString()

			planned = append(planned, PlannedRun{
				Run: &testrun.TestRun{
					ID:         runID,
					ProjectID:  req.ProjectID,
					SuiteID:    req.TestSuiteID,
					CaseID:     caseID,
					Status:     testrun.StatusPending,
					Config:     runCfg,
					TotalSteps: len(c.Steps),
				},
				Job: testrun.TestJob{
					RunID:   runID,
					Steps:   c.Steps,
					BaseURL: req.BaseURL,
					Auth:    req.Auth,
					Config:  runCfg,
				},
			})
		}
	}

	return planned, nil
}

func (c RunConfigRequest) runConfig() (testrun.RunConfig, error) {
	cfg := testrun.RunConfig{
		Screenshot:     c.Screenshot,
		ScreenshotSize: c.ScreenshotSize,
	}

	if c.Timeout != "" {
		d, err := time.ParseDuration(c.Timeout)
		if err != nil {
			return cfg, fmt.Errorf("parsing timeout: %w", err)
		}

		cfg.Timeout = d
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	out := cfg.WithDefaults()

	// Left unset, the scheduler applies its configured step timeout.
	if c.Timeout == "" {
		out.Timeout = 0
	}

	return out, nil
}
