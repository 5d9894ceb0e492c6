package resultsink

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethpandaops/webtestoor/pkg/testrun"
)

// Run is the database row of a test run. Results and config are stored as
// JSON text.
type Run struct {
	ID              string     `gorm:"primaryKey"`
	ProjectID       string     `gorm:"index;not null"`
	SuiteID         string     `gorm:"index"`
	CaseID          string     `gorm:"index;not null"`
	Status          string     `gorm:"index;not null"`
	Reason          string     `gorm:"not null;default:''"`
	Error           string     `gorm:"type:text"`
	StartedAt       *time.Time
	CompletedAt     *time.Time
	Results         string `gorm:"type:text"`
	Config          string `gorm:"type:text"`
	TotalSteps      int
	CurrentStep     int
	CurrentStepName string
	CreatedAt       time.Time `gorm:"index"`
	UpdatedAt       time.Time
}

func newRunRow(r *testrun.TestRun) (*Run, error) {
	results, err := json.Marshal(r.Results)
	if err != nil {
		return nil, fmt.Errorf("encoding results: %w", err)
	}

	cfg, err := json.Marshal(r.Config)
	if err != nil {
		return nil, fmt.Errorf("encoding config: %w", err)
	}

	return &Run{
		ID:              r.ID,
		ProjectID:       r.ProjectID,
		SuiteID:         r.SuiteID,
		CaseID:          r.CaseID,
		Status:          string(r.Status),
		Reason:          string(r.Reason),
		Error:           r.Error,
		StartedAt:       r.StartedAt,
		CompletedAt:     r.CompletedAt,
		Results:         string(results),
		Config:          string(cfg),
		TotalSteps:      r.TotalSteps,
		CurrentStep:     r.CurrentStep,
		CurrentStepName: r.CurrentStepName,
	}, nil
}

func (row *Run) toTestRun() (*testrun.TestRun, error) {
	r := &testrun.TestRun{
		ID:              row.ID,
		ProjectID:       row.ProjectID,
		SuiteID:         row.SuiteID,
		CaseID:          row.CaseID,
		Status:          testrun.Status(row.Status),
		Reason:          testrun.Reason(row.Reason),
		Error:           row.Error,
		StartedAt:       row.StartedAt,
		CompletedAt:     row.CompletedAt,
		TotalSteps:      row.TotalSteps,
		CurrentStep:     row.CurrentStep,
		CurrentStepName: row.CurrentStepName,
		CreatedAt:       row.CreatedAt,
		UpdatedAt:       row.UpdatedAt,
	}

	if row.Results != "" {
		if err := json.Unmarshal([]byte(row.Results), &r.Results); err != nil {
			return nil, fmt.Errorf("decoding results of run %s: %w", row.ID, err)
		}
	}

	if row.Config != "" {
		if err := json.Unmarshal([]byte(row.Config), &r.Config); err != nil {
			return nil, fmt.Errorf("decoding config of run %s: %w", row.ID, err)
		}
	}

	if r.Results.Steps == nil {
		r.Results.Steps = []testrun.StepResult{}
	}

	return r, nil
}

func encodeResults(results []testrun.StepResult, totalSteps int) (string, error) {
	if results == nil {
		results = []testrun.StepResult{}
	}

	data, err := json.Marshal(testrun.Results{
		Steps:   results,
		Summary: testrun.Summarize(results, totalSteps),
	})
	if err != nil {
		return "", fmt.Errorf("encoding results: %w", err)
	}

	return string(data), nil
}

func decodeResults(s string) (testrun.Results, error) {
	var results testrun.Results
	if s == "" {
		return results, nil
	}

	if err := json.Unmarshal([]byte(s), &results); err != nil {
		return results, fmt.Errorf("decoding results: %w", err)
	}

	return results, nil
}
