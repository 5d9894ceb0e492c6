package resultsink_test

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/webtestoor/pkg/config"
	"github.com/ethpandaops/webtestoor/pkg/resultsink"
	"github.com/ethpandaops/webtestoor/pkg/testrun"
)

func setupTestSink(t *testing.T) resultsink.Sink {
	t.Helper()

	cfg := &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	}

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	s := resultsink.NewSink(log, cfg)
	require.NoError(t, s.Start(context.Background()))

	t.Cleanup(func() { _ = s.Stop() })

	return s
}

func newRun(id, project string) *testrun.TestRun {
	return &testrun.TestRun{
		ID:         id,
		ProjectID:  project,
		CaseID:     "case-" + id,
		TotalSteps: 3,
		Config: testrun.RunConfig{
			Browser:    "chromium",
			Screenshot: testrun.ScreenshotOnFailure,
		},
	}
}

func TestSink_CreateAndGet(t *testing.T) {
	s := setupTestSink(t)
	ctx := context.Background()

	require.NoError(t, s.CreateRun(ctx, newRun("run-1", "proj")))

	got, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.Equal(t, testrun.StatusPending, got.Status)
	assert.Equal(t, "proj", got.ProjectID)
	assert.Equal(t, "chromium", got.Config.Browser)
	assert.Equal(t, 3, got.Results.Summary.Total)
	assert.Empty(t, got.Results.Steps)
	assert.Nil(t, got.StartedAt)
	assert.False(t, got.CreatedAt.IsZero())

	missing, err := s.GetRun(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSink_Lifecycle(t *testing.T) {
	s := setupTestSink(t)
	ctx := context.Background()

	require.NoError(t, s.CreateRun(ctx, newRun("run-1", "proj")))
	require.NoError(t, s.UpdateStatus(ctx, "run-1", testrun.StatusRunning, testrun.ReasonNone))

	partial := []testrun.StepResult{{StepIndex: 0, Status: testrun.StepPassed, DurationMs: 5}}
	require.NoError(t, s.SaveProgress(ctx, "run-1",
		testrun.Progress{Current: 1, Total: 3, CurrentStepName: "click #go"}, partial))

	got, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, testrun.StatusRunning, got.Status)
	assert.NotNil(t, got.StartedAt)
	assert.Equal(t, 1, got.CurrentStep)
	assert.Equal(t, "click #go", got.CurrentStepName)
	assert.Equal(t, partial, got.Results.Steps)

	require.NoError(t, s.UpdateStatus(ctx, "run-1", testrun.StatusPaused, testrun.ReasonNone))
	require.NoError(t, s.UpdateStatus(ctx, "run-1", testrun.StatusRunning, testrun.ReasonNone))

	final := append(partial,
		testrun.StepResult{StepIndex: 1, Status: testrun.StepPassed},
		testrun.StepResult{StepIndex: 2, Status: testrun.StepFailed, Error: "boom"},
	)
	require.NoError(t, s.Finalize(ctx, "run-1", resultsink.Outcome{
		Status:  testrun.StatusFailed,
		Reason:  testrun.ReasonAssertion,
		Error:   "boom",
		Results: final,
	}))

	got, err = s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, testrun.StatusFailed, got.Status)
	assert.Equal(t, testrun.ReasonAssertion, got.Reason)
	assert.NotNil(t, got.CompletedAt)
	assert.Equal(t, testrun.Summary{Total: 3, Passed: 2, Failed: 1}, got.Results.Summary)
}

func TestSink_FinalizeKeepsRecordedProgress(t *testing.T) {
	s := setupTestSink(t)
	ctx := context.Background()

	require.NoError(t, s.CreateRun(ctx, newRun("run-1", "proj")))
	require.NoError(t, s.UpdateStatus(ctx, "run-1", testrun.StatusRunning, testrun.ReasonNone))

	partial := []testrun.StepResult{{StepIndex: 0, Status: testrun.StepPassed}}
	require.NoError(t, s.SaveProgress(ctx, "run-1", testrun.Progress{Current: 1, Total: 3}, partial))

	require.NoError(t, s.Finalize(ctx, "run-1", resultsink.Outcome{
		Status: testrun.StatusFailed,
		Reason: testrun.ReasonCancelled,
	}))

	got, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, partial, got.Results.Steps)
	assert.Equal(t, testrun.ReasonCancelled, got.Reason)
}

func TestSink_InvalidTransitions(t *testing.T) {
	s := setupTestSink(t)
	ctx := context.Background()

	require.NoError(t, s.CreateRun(ctx, newRun("run-1", "proj")))

	tests := []struct {
		name string
		run  func() error
	}{
		{
			name: "pending to paused",
			run: func() error {
				return s.UpdateStatus(ctx, "run-1", testrun.StatusPaused, testrun.ReasonNone)
			},
		},
		{
			name: "pending to completed",
			run: func() error {
				return s.Finalize(ctx, "run-1", resultsink.Outcome{Status: testrun.StatusCompleted})
			},
		},
		{
			name: "terminal via UpdateStatus",
			run: func() error {
				return s.UpdateStatus(ctx, "run-1", testrun.StatusFailed, testrun.ReasonNone)
			},
		},
		{
			name: "non-terminal via Finalize",
			run: func() error {
				return s.Finalize(ctx, "run-1", resultsink.Outcome{Status: testrun.StatusRunning})
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.run(), resultsink.ErrInvalidTransition)
		})
	}

	// Cancel while queued is legal and terminal.
	require.NoError(t, s.Finalize(ctx, "run-1", resultsink.Outcome{
		Status: testrun.StatusFailed,
		Reason: testrun.ReasonCancelled,
	}))

	err := s.UpdateStatus(ctx, "run-1", testrun.StatusRunning, testrun.ReasonNone)
	assert.ErrorIs(t, err, resultsink.ErrInvalidTransition, "terminal runs never change")
}

func TestSink_NotFound(t *testing.T) {
	s := setupTestSink(t)
	ctx := context.Background()

	assert.ErrorIs(t,
		s.UpdateStatus(ctx, "ghost", testrun.StatusRunning, testrun.ReasonNone),
		resultsink.ErrNotFound)
	assert.ErrorIs(t,
		s.SaveProgress(ctx, "ghost", testrun.Progress{}, nil),
		resultsink.ErrNotFound)
	assert.ErrorIs(t,
		s.Finalize(ctx, "ghost", resultsink.Outcome{Status: testrun.StatusFailed}),
		resultsink.ErrNotFound)
}

func TestSink_ListRuns(t *testing.T) {
	s := setupTestSink(t)
	ctx := context.Background()

	require.NoError(t, s.CreateRun(ctx, newRun("run-1", "alpha")))
	require.NoError(t, s.CreateRun(ctx, newRun("run-2", "alpha")))
	require.NoError(t, s.CreateRun(ctx, newRun("run-3", "beta")))
	require.NoError(t, s.UpdateStatus(ctx, "run-2", testrun.StatusRunning, testrun.ReasonNone))

	tests := []struct {
		name   string
		filter resultsink.Filter
		want   int
	}{
		{name: "all", want: 3},
		{name: "by project", filter: resultsink.Filter{ProjectID: "alpha"}, want: 2},
		{name: "by status", filter: resultsink.Filter{Status: testrun.StatusRunning}, want: 1},
		{name: "project and status", filter: resultsink.Filter{ProjectID: "beta", Status: testrun.StatusRunning}, want: 0},
		{name: "limit", filter: resultsink.Filter{Limit: 2}, want: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runs, err := s.ListRuns(ctx, tt.filter)
			require.NoError(t, err)
			assert.Len(t, runs, tt.want)
		})
	}
}
