package coordinator_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/webtestoor/pkg/browser/browsertest"
	"github.com/ethpandaops/webtestoor/pkg/config"
	"github.com/ethpandaops/webtestoor/pkg/control"
	"github.com/ethpandaops/webtestoor/pkg/coordinator"
	"github.com/ethpandaops/webtestoor/pkg/interpreter"
	"github.com/ethpandaops/webtestoor/pkg/metrics"
	"github.com/ethpandaops/webtestoor/pkg/resultsink"
	"github.com/ethpandaops/webtestoor/pkg/statestore"
	"github.com/ethpandaops/webtestoor/pkg/testrun"
)

const (
	baseURL   = "http://app"
	loginURL  = "http://app/login"
	testPoll  = 5 * time.Millisecond
	hookPause = 4 * testPoll
)

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

type harness struct {
	log   logrus.FieldLogger
	sink  resultsink.Sink
	store *statestore.MemoryStore
	bus   *control.Bus
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	log := testLogger()

	sink := resultsink.NewSink(log, &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	})
	require.NoError(t, sink.Start(context.Background()))
	t.Cleanup(func() { _ = sink.Stop() })

	channel := control.NewMemoryChannel()
	t.Cleanup(func() { _ = channel.Close() })

	store := statestore.NewMemoryStore()

	return &harness{
		log:   log,
		sink:  sink,
		store: store,
		bus:   control.NewBus(log, channel, store, time.Minute),
	}
}

func (h *harness) config(launcher *browsertest.Launcher) *coordinator.Config {
	return &coordinator.Config{
		Interpreter:  interpreter.New(h.log),
		Launcher:     launcher,
		Sink:         h.sink,
		Store:        h.store,
		Bus:          h.bus,
		PollInterval: testPoll,
		SnapshotTTL:  time.Minute,
	}
}

func (h *harness) createJob(t *testing.T, runID string) testrun.TestJob {
	t.Helper()

	job := testrun.TestJob{
		ID:      "job-" + runID,
		RunID:   runID,
		Steps:   loginSteps(),
		BaseURL: baseURL,
	}

	require.NoError(t, h.sink.CreateRun(context.Background(), &testrun.TestRun{
		ID:         runID,
		ProjectID:  "proj",
		CaseID:     "login",
		TotalSteps: len(job.Steps),
	}))

	return job
}

func (h *harness) signal(t *testing.T, action testrun.ControlAction, runID string) {
	t.Helper()

	require.NoError(t, h.bus.SendControl(context.Background(),
		testrun.NewControlMessage(action, runID, "test")))
}

// signalHook sends a control message from inside a step, then outlasts the
// poll interval so the next step boundary observes it.
func (h *harness) signalHook(t *testing.T, action testrun.ControlAction, runID string) func() {
	var once sync.Once

	return func() {
		once.Do(func() {
			assert.NoError(t, h.bus.SendControl(context.Background(),
				testrun.NewControlMessage(action, runID, "test")))
			time.Sleep(hookPause)
		})
	}
}

func (h *harness) waitStatus(t *testing.T, runID string, status testrun.Status) {
	t.Helper()

	require.Eventually(t, func() bool {
		run, err := h.sink.GetRun(context.Background(), runID)

		return err == nil && run != nil && run.Status == status
	}, 5*time.Second, 5*time.Millisecond)
}

func loginSteps() []testrun.Step {
	return []testrun.Step{
		{Action: testrun.ActionNavigate, Value: "/login"},
		{Action: testrun.ActionFill, Locator: "#user", Value: "alice"},
		{Action: testrun.ActionClick, Locator: "#submit"},
		{Action: testrun.ActionExpect, Locator: "h1", ExpectedResult: "Welcome"},
	}
}

func welcomeScript() *browsertest.Script {
	return &browsertest.Script{
		Texts: map[string]string{"h1": "Welcome alice"},
	}
}

type outcome struct {
	res *coordinator.Result
	err error
}

func runAsync(ctx context.Context, c *coordinator.Coordinator, attempt coordinator.Attempt) <-chan outcome {
	done := make(chan outcome, 1)

	go func() {
		res, err := c.Run(ctx, attempt)
		done <- outcome{res: res, err: err}
	}()

	return done
}

func await(t *testing.T, done <-chan outcome) outcome {
	t.Helper()

	select {
	case o := <-done:
		return o
	case <-time.After(10 * time.Second):
		t.Fatal("coordinator did not return")

		return outcome{}
	}
}

func stepShape(results []testrun.StepResult) []string {
	out := make([]string, 0, len(results))
	for _, r := range results {
		out = append(out, string(rune('0'+r.StepIndex))+":"+string(r.Status))
	}

	return out
}

func TestRun_Completes(t *testing.T) {
	h := newHarness(t)
	job := h.createJob(t, "run-1")
	launcher := browsertest.NewLauncher(welcomeScript())

	events, err := h.bus.SubscribeStatus(context.Background(), "run-1")
	require.NoError(t, err)

	defer events.Close()

	res, err := coordinator.New(h.log, h.config(launcher), job).
		Run(context.Background(), coordinator.Attempt{Number: 1})
	require.NoError(t, err)

	assert.Equal(t, testrun.StatusCompleted, res.Status)
	assert.Equal(t, []string{"0:passed", "1:passed", "2:passed", "3:passed"}, stepShape(res.Results))
	assert.Equal(t, 0, launcher.Open(), "session released")

	run, err := h.sink.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, testrun.StatusCompleted, run.Status)
	assert.Equal(t, testrun.Summary{Total: 4, Passed: 4}, run.Results.Summary)
	assert.NotNil(t, run.StartedAt)
	assert.NotNil(t, run.CompletedAt)
	assert.Equal(t, 4, run.CurrentStep)

	snap, err := h.store.GetSnapshot(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Nil(t, snap)

	var statuses []testrun.Status

	require.Eventually(t, func() bool {
		for {
			select {
			case ev := <-events.C:
				statuses = append(statuses, ev.Status)
			default:
				return len(statuses) > 0 && statuses[len(statuses)-1] == testrun.StatusCompleted
			}
		}
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, testrun.StatusRunning, statuses[0])
}

func TestRun_AssertionFailure(t *testing.T) {
	h := newHarness(t)
	job := h.createJob(t, "run-1")
	launcher := browsertest.NewLauncher(&browsertest.Script{
		Texts: map[string]string{"h1": "Access denied"},
	})

	res, err := coordinator.New(h.log, h.config(launcher), job).
		Run(context.Background(), coordinator.Attempt{Number: 1})
	require.NoError(t, err)

	assert.Equal(t, testrun.StatusFailed, res.Status)
	assert.Equal(t, testrun.ReasonAssertion, res.Reason)
	assert.Equal(t, []string{"0:passed", "1:passed", "2:passed", "3:failed"}, stepShape(res.Results))

	run, err := h.sink.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, testrun.ReasonAssertion, run.Reason)
	assert.Contains(t, run.Error, "Welcome")
	assert.Equal(t, testrun.Summary{Total: 4, Passed: 3, Failed: 1}, run.Results.Summary)
}

func TestRun_PauseAndResume(t *testing.T) {
	h := newHarness(t)

	baseline := h.createJob(t, "baseline")
	want, err := coordinator.New(h.log, h.config(browsertest.NewLauncher(welcomeScript())), baseline).
		Run(context.Background(), coordinator.Attempt{Number: 1})
	require.NoError(t, err)

	job := h.createJob(t, "run-1")
	script := welcomeScript()
	script.Hooks = map[string]func(){
		"fill:#user": h.signalHook(t, testrun.ControlPause, "run-1"),
	}
	launcher := browsertest.NewLauncher(script)

	done := runAsync(context.Background(), coordinator.New(h.log, h.config(launcher), job),
		coordinator.Attempt{Number: 1})

	h.waitStatus(t, "run-1", testrun.StatusPaused)

	assert.Equal(t, 0, launcher.Open(), "session released while paused")

	snap, err := h.store.GetSnapshot(context.Background(), "run-1")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, 2, snap.NextStepIndex)
	assert.Len(t, snap.CompletedSteps, 2)
	assert.Equal(t, loginURL, snap.LastURL)

	h.signal(t, testrun.ControlResume, "run-1")

	o := await(t, done)
	require.NoError(t, o.err)

	assert.Equal(t, testrun.StatusCompleted, o.res.Status)
	assert.Equal(t, stepShape(want.Results), stepShape(o.res.Results))
	assert.Equal(t, 2, launcher.Launches())

	calls := launcher.Sessions()[1].Calls()
	require.NotEmpty(t, calls)
	assert.Equal(t, "navigate:"+loginURL, calls[0], "page restored before continuing")
	assert.Empty(t, browsertest.CallsWithPrefix(calls, "fill:"), "completed steps are not repeated")
}

func TestRun_Stop(t *testing.T) {
	h := newHarness(t)
	job := h.createJob(t, "run-1")
	script := welcomeScript()
	script.Hooks = map[string]func(){
		"fill:#user": h.signalHook(t, testrun.ControlStop, "run-1"),
	}
	launcher := browsertest.NewLauncher(script)

	res, err := coordinator.New(h.log, h.config(launcher), job).
		Run(context.Background(), coordinator.Attempt{Number: 1})
	require.NoError(t, err)

	assert.Equal(t, testrun.StatusFailed, res.Status)
	assert.Equal(t, testrun.ReasonCancelled, res.Reason)
	assert.Len(t, res.Results, 2)
	assert.Empty(t, browsertest.CallsWithPrefix(launcher.AllCalls(), "click:"))

	run, err := h.sink.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, testrun.ReasonCancelled, run.Reason)
}

func TestRun_StopDuringLastStep(t *testing.T) {
	h := newHarness(t)
	job := h.createJob(t, "run-1")
	script := welcomeScript()
	script.Hooks = map[string]func(){
		"text:h1": h.signalHook(t, testrun.ControlStop, "run-1"),
	}
	launcher := browsertest.NewLauncher(script)

	res, err := coordinator.New(h.log, h.config(launcher), job).
		Run(context.Background(), coordinator.Attempt{Number: 1})
	require.NoError(t, err)

	assert.Equal(t, testrun.StatusFailed, res.Status)
	assert.Equal(t, testrun.ReasonCancelled, res.Reason)
	assert.Len(t, res.Results, 4, "the step in flight still records its result")

	run, err := h.sink.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, testrun.StatusFailed, run.Status)
	assert.Equal(t, testrun.ReasonCancelled, run.Reason)
}

func TestRun_StopWhilePaused(t *testing.T) {
	h := newHarness(t)
	job := h.createJob(t, "run-1")
	script := welcomeScript()
	script.Hooks = map[string]func(){
		"navigate:" + loginURL: h.signalHook(t, testrun.ControlPause, "run-1"),
	}
	launcher := browsertest.NewLauncher(script)

	done := runAsync(context.Background(), coordinator.New(h.log, h.config(launcher), job),
		coordinator.Attempt{Number: 1})

	h.waitStatus(t, "run-1", testrun.StatusPaused)
	h.signal(t, testrun.ControlStop, "run-1")

	o := await(t, done)
	require.NoError(t, o.err)

	assert.Equal(t, testrun.StatusFailed, o.res.Status)
	assert.Equal(t, testrun.ReasonCancelled, o.res.Reason)
	assert.Len(t, o.res.Results, 1)
	assert.Equal(t, 1, launcher.Launches())

	snap, err := h.store.GetSnapshot(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Nil(t, snap, "terminal runs drop their snapshot")
}

func TestRun_StopBeforeStart(t *testing.T) {
	h := newHarness(t)
	job := h.createJob(t, "run-1")
	launcher := browsertest.NewLauncher(welcomeScript())

	h.signal(t, testrun.ControlStop, "run-1")

	res, err := coordinator.New(h.log, h.config(launcher), job).
		Run(context.Background(), coordinator.Attempt{Number: 1})
	require.NoError(t, err)

	assert.Equal(t, testrun.StatusFailed, res.Status)
	assert.Equal(t, testrun.ReasonCancelled, res.Reason)
	assert.Equal(t, 0, launcher.Launches())
}

func TestRun_Abandoned(t *testing.T) {
	h := newHarness(t)
	job := h.createJob(t, "run-1")
	script := welcomeScript()
	script.Hooks = map[string]func(){
		"navigate:" + loginURL: h.signalHook(t, testrun.ControlPause, "run-1"),
	}

	cfg := h.config(browsertest.NewLauncher(script))
	cfg.SnapshotTTL = 50 * time.Millisecond

	res, err := coordinator.New(h.log, cfg, job).Run(context.Background(), coordinator.Attempt{Number: 1})
	require.NoError(t, err)

	assert.Equal(t, testrun.StatusFailed, res.Status)
	assert.Equal(t, testrun.ReasonAbandoned, res.Reason)
}

func TestRun_ShutdownAndResumeElsewhere(t *testing.T) {
	h := newHarness(t)
	job := h.createJob(t, "run-1")
	script := welcomeScript()
	script.Hooks = map[string]func(){
		"navigate:" + loginURL: h.signalHook(t, testrun.ControlPause, "run-1"),
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, coordinator.New(h.log, h.config(browsertest.NewLauncher(script)), job),
		coordinator.Attempt{Number: 1})

	h.waitStatus(t, "run-1", testrun.StatusPaused)
	cancel()

	o := await(t, done)
	require.NoError(t, o.err)
	assert.Equal(t, testrun.StatusPaused, o.res.Status)
	assert.Equal(t, testrun.ReasonShutdown, o.res.Reason)

	run, err := h.sink.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, testrun.StatusPaused, run.Status)
	assert.Equal(t, testrun.ReasonShutdown, run.Reason)

	// A fresh process picks the run up from its snapshot.
	h.signal(t, testrun.ControlResume, "run-1")

	job.Resume = true
	launcher := browsertest.NewLauncher(welcomeScript())

	res, err := coordinator.New(h.log, h.config(launcher), job).
		Run(context.Background(), coordinator.Attempt{Number: 1})
	require.NoError(t, err)

	assert.Equal(t, testrun.StatusCompleted, res.Status)
	assert.Equal(t, []string{"0:passed", "1:passed", "2:passed", "3:passed"}, stepShape(res.Results))

	calls := launcher.AllCalls()
	assert.Equal(t, []string{"navigate:" + loginURL}, browsertest.CallsWithPrefix(calls, "navigate:"))
	assert.Equal(t, []string{"fill:#user"}, browsertest.CallsWithPrefix(calls, "fill:"))
}

func TestRun_InterruptedWhileRunning(t *testing.T) {
	h := newHarness(t)
	job := h.createJob(t, "run-1")

	ctx, cancel := context.WithCancel(context.Background())

	var once sync.Once

	script := welcomeScript()
	script.Delays = map[string]time.Duration{"click:#submit": time.Minute}
	script.Hooks = map[string]func(){
		"click:#submit": func() { once.Do(cancel) },
	}

	res, err := coordinator.New(h.log, h.config(browsertest.NewLauncher(script)), job).
		Run(ctx, coordinator.Attempt{Number: 1})
	require.NoError(t, err)

	assert.Equal(t, testrun.StatusPaused, res.Status)
	assert.Equal(t, testrun.ReasonShutdown, res.Reason)

	snap, err := h.store.GetSnapshot(context.Background(), "run-1")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, 2, snap.NextStepIndex, "the interrupted step runs again")
}

func TestRun_InfrastructureFailure(t *testing.T) {
	t.Run("retryable attempt leaves run pending", func(t *testing.T) {
		h := newHarness(t)
		job := h.createJob(t, "run-1")
		launcher := browsertest.NewLauncher(welcomeScript())
		launcher.FailFirst = 1

		c := coordinator.New(h.log, h.config(launcher), job)

		res, err := c.Run(context.Background(), coordinator.Attempt{Number: 1})
		require.Error(t, err)
		assert.Nil(t, res)

		var infra *coordinator.InfraError
		require.True(t, errors.As(err, &infra))
		assert.ErrorIs(t, err, browsertest.ErrLaunch)

		run, err := h.sink.GetRun(context.Background(), "run-1")
		require.NoError(t, err)
		assert.Equal(t, testrun.StatusPending, run.Status)

		res, err = c.Run(context.Background(), coordinator.Attempt{Number: 2, Final: true})
		require.NoError(t, err)
		assert.Equal(t, testrun.StatusCompleted, res.Status)
	})

	t.Run("final attempt fails the run", func(t *testing.T) {
		h := newHarness(t)
		job := h.createJob(t, "run-1")
		launcher := browsertest.NewLauncher(welcomeScript())
		launcher.FailFirst = 10

		res, err := coordinator.New(h.log, h.config(launcher), job).
			Run(context.Background(), coordinator.Attempt{Number: 3, Final: true})

		var infra *coordinator.InfraError
		require.True(t, errors.As(err, &infra))
		require.NotNil(t, res)
		assert.Equal(t, testrun.StatusFailed, res.Status)
		assert.Equal(t, testrun.ReasonInfrastructure, res.Reason)

		run, err := h.sink.GetRun(context.Background(), "run-1")
		require.NoError(t, err)
		assert.Equal(t, testrun.ReasonInfrastructure, run.Reason)
	})
}

func TestRun_WithoutControlPlane(t *testing.T) {
	h := newHarness(t)
	job := h.createJob(t, "run-1")

	cfg := h.config(browsertest.NewLauncher(welcomeScript()))
	cfg.Bus = nil

	res, err := coordinator.New(h.log, cfg, job).Run(context.Background(), coordinator.Attempt{Number: 1})
	require.NoError(t, err)
	assert.Equal(t, testrun.StatusCompleted, res.Status)
}

var errDown = errors.New("connection refused")

// downStore is a state store whose backend is unreachable.
type downStore struct{}

func (downStore) PutSnapshot(context.Context, string, *testrun.ExecutionSnapshot, time.Duration) error {
	return errDown
}

func (downStore) GetSnapshot(context.Context, string) (*testrun.ExecutionSnapshot, error) {
	return nil, errDown
}

func (downStore) DeleteSnapshot(context.Context, string) error { return errDown }

func (downStore) PutControlState(context.Context, string, *testrun.ControlMessage, time.Duration) error {
	return errDown
}

func (downStore) GetControlState(context.Context, string) (*testrun.ControlMessage, error) {
	return nil, errDown
}

func (downStore) Ping(context.Context) error { return errDown }

// downChannel is a control channel whose broker is unreachable.
type downChannel struct{}

func (downChannel) Publish(context.Context, string, []byte) error { return errDown }

func (downChannel) Subscribe(context.Context, string) (control.Subscription, error) {
	return nil, errDown
}

func (downChannel) Close() error { return nil }

func TestRun_ControlPlaneUnreachable(t *testing.T) {
	h := newHarness(t)
	job := h.createJob(t, "run-1")
	reg := prometheus.NewRegistry()

	cfg := h.config(browsertest.NewLauncher(welcomeScript()))
	cfg.Store = downStore{}
	cfg.Bus = control.NewBus(h.log, downChannel{}, downStore{}, time.Minute)
	cfg.Metrics = metrics.New(reg)

	res, err := coordinator.New(h.log, cfg, job).Run(context.Background(), coordinator.Attempt{Number: 1})
	require.NoError(t, err)

	assert.Equal(t, testrun.StatusCompleted, res.Status)
	assert.Equal(t, []string{"0:passed", "1:passed", "2:passed", "3:passed"}, stepShape(res.Results))

	run, err := h.sink.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, testrun.StatusCompleted, run.Status)

	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP webtestoor_degraded_runs_total Runs that executed without a reachable control plane
# TYPE webtestoor_degraded_runs_total counter
webtestoor_degraded_runs_total 1
`), "webtestoor_degraded_runs_total"))
}

func TestRun_SnapshotUnreadable(t *testing.T) {
	tests := []struct {
		name   string
		status testrun.Status
		resume bool
	}{
		{name: "paused run", status: testrun.StatusPaused},
		{name: "resumed job", status: testrun.StatusPaused, resume: true},
		{name: "orphaned running run", status: testrun.StatusRunning, resume: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			job := h.createJob(t, "run-1")
			job.Resume = tt.resume

			ctx := context.Background()
			require.NoError(t, h.sink.UpdateStatus(ctx, "run-1", testrun.StatusRunning, testrun.ReasonNone))

			if tt.status == testrun.StatusPaused {
				require.NoError(t, h.sink.UpdateStatus(ctx, "run-1", testrun.StatusPaused, testrun.ReasonShutdown))
			}

			launcher := browsertest.NewLauncher(welcomeScript())
			cfg := h.config(launcher)
			cfg.Store = downStore{}

			res, err := coordinator.New(h.log, cfg, job).Run(ctx, coordinator.Attempt{Number: 1})
			assert.Nil(t, res)

			var infra *coordinator.InfraError
			require.True(t, errors.As(err, &infra))
			assert.Equal(t, "loading snapshot", infra.Op)
			assert.ErrorIs(t, err, errDown)
			assert.Equal(t, 0, launcher.Launches(), "completed steps are not re-executed")

			run, err := h.sink.GetRun(ctx, "run-1")
			require.NoError(t, err)
			assert.Equal(t, tt.status, run.Status)
		})
	}
}

func TestRun_AlreadyFinished(t *testing.T) {
	h := newHarness(t)
	job := h.createJob(t, "run-1")
	launcher := browsertest.NewLauncher(welcomeScript())

	require.NoError(t, h.sink.Finalize(context.Background(), "run-1", resultsink.Outcome{
		Status: testrun.StatusFailed,
		Reason: testrun.ReasonCancelled,
	}))

	res, err := coordinator.New(h.log, h.config(launcher), job).
		Run(context.Background(), coordinator.Attempt{Number: 1})
	require.NoError(t, err)

	assert.Equal(t, testrun.ReasonCancelled, res.Reason)
	assert.Equal(t, 0, launcher.Launches())
}

func TestRun_UnknownRun(t *testing.T) {
	h := newHarness(t)

	_, err := coordinator.New(h.log, h.config(browsertest.NewLauncher(nil)), testrun.TestJob{
		RunID: "ghost",
		Steps: loginSteps(),
	}).Run(context.Background(), coordinator.Attempt{Number: 1})

	assert.ErrorIs(t, err, coordinator.ErrRunNotFound)
}
