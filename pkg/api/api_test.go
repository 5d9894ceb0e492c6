package api_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/webtestoor/pkg/api"
	"github.com/ethpandaops/webtestoor/pkg/browser/browsertest"
	"github.com/ethpandaops/webtestoor/pkg/config"
	"github.com/ethpandaops/webtestoor/pkg/control"
	"github.com/ethpandaops/webtestoor/pkg/coordinator"
	"github.com/ethpandaops/webtestoor/pkg/interpreter"
	"github.com/ethpandaops/webtestoor/pkg/metrics"
	"github.com/ethpandaops/webtestoor/pkg/resultsink"
	"github.com/ethpandaops/webtestoor/pkg/scheduler"
	"github.com/ethpandaops/webtestoor/pkg/screenshot"
	"github.com/ethpandaops/webtestoor/pkg/statestore"
	"github.com/ethpandaops/webtestoor/pkg/testrun"
)

type harness struct {
	server    api.Server
	scheduler scheduler.Scheduler
	sink      resultsink.Sink
}

type options struct {
	startWorkers  bool
	rateLimit     int
	screenshotDir string
	// wrapSink, when set, wraps the sink handed to the API server.
	wrapSink func(resultsink.Sink) resultsink.Sink
}

func setup(t *testing.T, opts options) *harness {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	sink := resultsink.NewSink(log, &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	})
	require.NoError(t, sink.Start(context.Background()))
	t.Cleanup(func() { _ = sink.Stop() })

	channel := control.NewMemoryChannel()
	t.Cleanup(func() { _ = channel.Close() })

	store := statestore.NewMemoryStore()
	bus := control.NewBus(log, channel, store, time.Minute)

	reg := prometheus.NewRegistry()

	var (
		shots     screenshot.Store
		shotsConf *config.ScreenshotsConfig
	)

	if opts.screenshotDir != "" {
		shotsConf = &config.ScreenshotsConfig{
			Local: config.LocalScreenshotConfig{Dir: opts.screenshotDir},
		}

		var err error

		shots, err = screenshot.NewLocalStore(log, &shotsConf.Local)
		require.NoError(t, err)
	}

	sched := scheduler.NewScheduler(log, &config.SchedulerConfig{
		Workers:      2,
		MaxAttempts:  3,
		BackoffBase:  time.Millisecond,
		PollInterval: 5 * time.Millisecond,
		SnapshotTTL:  time.Minute,
		StepTimeout:  5 * time.Second,
	}, scheduler.NewMemoryQueue(), &coordinator.Config{
		Interpreter: interpreter.New(log),
		Launcher: browsertest.NewLauncher(&browsertest.Script{
			Texts: map[string]string{"h1": "Welcome alice"},
		}),
		Sink:         sink,
		Store:        store,
		Bus:          bus,
		Screenshots:  shots,
		Metrics:      metrics.New(reg),
		PollInterval: 5 * time.Millisecond,
		SnapshotTTL:  time.Minute,
	})

	if opts.startWorkers {
		require.NoError(t, sched.Start(context.Background()))
		t.Cleanup(func() { _ = sched.Stop() })
	}

	cfg := &config.APIConfig{Server: config.APIServerConfig{Listen: "127.0.0.1:0"}}
	if opts.rateLimit > 0 {
		cfg.Server.RateLimit = config.RateLimitConfig{Enabled: true, RequestsPerMinute: opts.rateLimit}
	}

	var apiSink resultsink.Sink = sink
	if opts.wrapSink != nil {
		apiSink = opts.wrapSink(sink)
	}

	srv := api.NewServer(log, cfg, api.Deps{
		Scheduler:   sched,
		Sink:        apiSink,
		Bus:         bus,
		Gatherer:    reg,
		Screenshots: shotsConf,
	})
	t.Cleanup(func() { _ = srv.Stop() })

	return &harness{server: srv, scheduler: sched, sink: sink}
}

func (h *harness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)

	return rec
}

type createdRuns struct {
	Runs []struct {
		RunID   string         `json:"run_id"`
		CaseID  string         `json:"case_id"`
		Browser string         `json:"browser"`
		Status  testrun.Status `json:"status"`
	} `json:"runs"`
}

func loginRequest(browsers ...string) api.RunRequest {
	return api.RunRequest{
		TestCaseID: "login",
		ProjectID:  "proj",
		Browsers:   browsers,
		BaseURL:    "http://app",
		Cases: []api.CaseRequest{{
			Name: "Login",
			Steps: []testrun.Step{
				{Action: testrun.ActionNavigate, Value: "/login"},
				{Action: testrun.ActionFill, Locator: "#user", Value: "alice"},
				{Action: testrun.ActionClick, Locator: "#submit"},
				{Action: testrun.ActionExpect, Locator: "h1", ExpectedResult: "Welcome"},
			},
		}},
		Config: api.RunConfigRequest{Timeout: "5s", Screenshot: testrun.ScreenshotNever},
	}
}

func (h *harness) create(t *testing.T, req api.RunRequest) createdRuns {
	t.Helper()

	rec := h.do(t, http.MethodPost, "/api/v1/runs", req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var out createdRuns
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))

	return out
}

func (h *harness) status(t *testing.T, runID string) testrun.JobStatus {
	t.Helper()

	rec := h.do(t, http.MethodGet, "/api/v1/runs/"+runID, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var st testrun.JobStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))

	return st
}

func TestHealth(t *testing.T) {
	h := setup(t, options{})

	rec := h.do(t, http.MethodGet, "/api/v1/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestCreateRuns_RunsToCompletion(t *testing.T) {
	h := setup(t, options{startWorkers: true})

	out := h.create(t, loginRequest("chromium", "firefox"))
	require.Len(t, out.Runs, 2)

	browsers := make([]string, 0, 2)

	for _, r := range out.Runs {
		assert.NotEmpty(t, r.RunID)
		assert.Equal(t, "login", r.CaseID)
		assert.Equal(t, testrun.StatusPending, r.Status)

		browsers = append(browsers, r.Browser)
	}

	assert.ElementsMatch(t, []string{"chromium", "firefox"}, browsers)
	assert.NotEqual(t, out.Runs[0].RunID, out.Runs[1].RunID)

	runID := out.Runs[0].RunID

	require.Eventually(t, func() bool {
		return h.status(t, runID).Status == testrun.StatusCompleted
	}, 10*time.Second, 10*time.Millisecond)

	st := h.status(t, runID)
	assert.Equal(t, testrun.Progress{Current: 4, Total: 4}, st.Progress)
	assert.Equal(t, 1, st.Attempts)

	rec := h.do(t, http.MethodGet, "/api/v1/runs/"+runID+"/results", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var run testrun.TestRun
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, testrun.StatusCompleted, run.Status)
	assert.Equal(t, 4, run.Results.Summary.Passed)
	assert.Equal(t, 5*time.Second, run.Config.Timeout)
}

func TestCreateRuns_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *api.RunRequest)
	}{
		{
			name:   "missing project",
			mutate: func(r *api.RunRequest) { r.ProjectID = "" },
		},
		{
			name:   "no cases",
			mutate: func(r *api.RunRequest) { r.Cases = nil },
		},
		{
			name: "invalid step",
			mutate: func(r *api.RunRequest) {
				r.Cases[0].Steps = append(r.Cases[0].Steps, testrun.Step{Action: testrun.ActionClick})
			},
		},
		{
			name:   "bad timeout",
			mutate: func(r *api.RunRequest) { r.Config.Timeout = "soon" },
		},
		{
			name:   "unknown screenshot policy",
			mutate: func(r *api.RunRequest) { r.Config.Screenshot = "sometimes" },
		},
		{
			name: "case without an id among several",
			mutate: func(r *api.RunRequest) {
				r.Cases = append(r.Cases, api.CaseRequest{ID: "other", Steps: r.Cases[0].Steps})
			},
		},
	}

	h := setup(t, options{})

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := loginRequest()
			tt.mutate(&req)

			rec := h.do(t, http.MethodPost, "/api/v1/runs", req)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}

	runs, err := h.sink.ListRuns(context.Background(), resultsink.Filter{})
	require.NoError(t, err)
	assert.Empty(t, runs, "rejected requests create no runs")
}

// failingCreateSink fails CreateRun from the failAt-th call onwards.
type failingCreateSink struct {
	resultsink.Sink

	failAt int
	calls  int
}

func (s *failingCreateSink) CreateRun(ctx context.Context, run *testrun.TestRun) error {
	s.calls++
	if s.calls >= s.failAt {
		return errors.New("database is locked")
	}

	return s.Sink.CreateRun(ctx, run)
}

func TestCreateRuns_PartialFailure(t *testing.T) {
	tests := []struct {
		name       string
		failAt     int
		wantQueued int
	}{
		{name: "first run fails", failAt: 1, wantQueued: 0},
		{name: "second run fails", failAt: 2, wantQueued: 1},
		{name: "third run fails", failAt: 3, wantQueued: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := setup(t, options{wrapSink: func(s resultsink.Sink) resultsink.Sink {
				return &failingCreateSink{Sink: s, failAt: tt.failAt}
			}})

			rec := h.do(t, http.MethodPost, "/api/v1/runs", loginRequest("chromium", "firefox", "webkit"))
			require.Equal(t, http.StatusInternalServerError, rec.Code, rec.Body.String())

			var body struct {
				Error string `json:"error"`
				createdRuns
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

			assert.Equal(t, "internal error", body.Error)
			require.Len(t, body.Runs, tt.wantQueued)

			for _, r := range body.Runs {
				st := h.status(t, r.RunID)
				assert.Equal(t, testrun.StatusPending, st.Status, "listed runs stay queued")
			}

			runs, err := h.sink.ListRuns(context.Background(), resultsink.Filter{})
			require.NoError(t, err)
			assert.Len(t, runs, tt.wantQueued, "only listed runs exist")
		})
	}
}

func TestCreateRuns_RejectsUnknownFields(t *testing.T) {
	h := setup(t, options{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs",
		strings.NewReader(`{"project_id":"proj","bogus":true}`))
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListRuns(t *testing.T) {
	h := setup(t, options{})

	h.create(t, loginRequest("chromium"))

	other := loginRequest("chromium")
	other.ProjectID = "other"
	h.create(t, other)

	tests := []struct {
		query string
		want  int
		code  int
	}{
		{query: "", want: 2, code: http.StatusOK},
		{query: "?projectId=proj", want: 1, code: http.StatusOK},
		{query: "?projectId=proj&status=pending", want: 1, code: http.StatusOK},
		{query: "?status=completed", want: 0, code: http.StatusOK},
		{query: "?status=exploded", code: http.StatusBadRequest},
		{query: "?limit=0", code: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			rec := h.do(t, http.MethodGet, "/api/v1/runs"+tt.query, nil)
			require.Equal(t, tt.code, rec.Code, rec.Body.String())

			if tt.code != http.StatusOK {
				return
			}

			var out struct {
				Runs []testrun.TestRun `json:"runs"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
			assert.Len(t, out.Runs, tt.want)
		})
	}
}

func TestControl_StatusCodes(t *testing.T) {
	h := setup(t, options{})

	runID := h.create(t, loginRequest()).Runs[0].RunID

	tests := []struct {
		name string
		path string
		code int
	}{
		{name: "pause unknown run", path: "/api/v1/runs/nope/pause", code: http.StatusNotFound},
		{name: "resume unknown run", path: "/api/v1/runs/nope/resume", code: http.StatusNotFound},
		{name: "cancel unknown run", path: "/api/v1/runs/nope/cancel", code: http.StatusNotFound},
		{name: "pause pending run", path: "/api/v1/runs/" + runID + "/pause", code: http.StatusConflict},
		{name: "resume pending run", path: "/api/v1/runs/" + runID + "/resume", code: http.StatusConflict},
		{name: "cancel queued run", path: "/api/v1/runs/" + runID + "/cancel", code: http.StatusAccepted},
		{name: "cancel finished run", path: "/api/v1/runs/" + runID + "/cancel", code: http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.do(t, http.MethodPost, tt.path, nil)
			assert.Equal(t, tt.code, rec.Code, rec.Body.String())
		})
	}

	st := h.status(t, runID)
	assert.Equal(t, testrun.StatusFailed, st.Status)
	assert.Equal(t, testrun.ReasonCancelled, st.Reason)
	assert.Equal(t, testrun.JobCancelled, st.JobState)
}

func TestRunStatus_NotFound(t *testing.T) {
	h := setup(t, options{})

	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/api/v1/runs/nope", nil).Code)
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/api/v1/runs/nope/results", nil).Code)
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/api/v1/runs/nope/events", nil).Code)
}

func TestRunEvents_StreamsUntilTerminal(t *testing.T) {
	h := setup(t, options{})

	runID := h.create(t, loginRequest()).Runs[0].RunID

	ts := httptest.NewServer(h.server.Handler())
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/v1/runs/"+runID+"/events", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var events []testrun.StatusEvent

	scanner := bufio.NewScanner(resp.Body)

	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}

		var ev testrun.StatusEvent
		require.NoError(t, json.Unmarshal([]byte(data), &ev))

		events = append(events, ev)

		// The current status arrives first; cancel once it is in.
		if len(events) == 1 {
			rec := h.do(t, http.MethodPost, "/api/v1/runs/"+runID+"/cancel", nil)
			require.Equal(t, http.StatusAccepted, rec.Code)
		}
	}

	require.Len(t, events, 2)
	assert.Equal(t, testrun.StatusPending, events[0].Status)
	assert.Equal(t, testrun.StatusFailed, events[1].Status)
	assert.Equal(t, testrun.ReasonCancelled, events[1].Reason)
}

func TestScreenshots(t *testing.T) {
	h := setup(t, options{startWorkers: true, screenshotDir: t.TempDir()})

	req := loginRequest("chromium")
	req.Config.Screenshot = testrun.ScreenshotAlways

	runID := h.create(t, req).Runs[0].RunID

	require.Eventually(t, func() bool {
		return h.status(t, runID).Status == testrun.StatusCompleted
	}, 10*time.Second, 10*time.Millisecond)

	tests := []struct {
		name     string
		path     string
		expected int
	}{
		{name: "captured step", path: "/screenshots/1", expected: http.StatusOK},
		{name: "unknown step", path: "/screenshots/9", expected: http.StatusNotFound},
		{name: "bad step", path: "/screenshots/x", expected: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.do(t, http.MethodGet, "/api/v1/runs/"+runID+tt.path, nil)
			assert.Equal(t, tt.expected, rec.Code, rec.Body.String())

			if tt.expected == http.StatusOK {
				assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
				assert.Equal(t, "\x89PNG fake", rec.Body.String())
			}
		})
	}

	rec := h.do(t, http.MethodGet, "/api/v1/runs/missing/screenshots/0", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestScreenshots_NotConfigured(t *testing.T) {
	h := setup(t, options{startWorkers: true})

	req := loginRequest("chromium")
	req.Config.Screenshot = testrun.ScreenshotAlways

	runID := h.create(t, req).Runs[0].RunID

	require.Eventually(t, func() bool {
		return h.status(t, runID).Status == testrun.StatusCompleted
	}, 10*time.Second, 10*time.Millisecond)

	rec := h.do(t, http.MethodGet, "/api/v1/runs/"+runID+"/screenshots/0", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRateLimit(t *testing.T) {
	h := setup(t, options{rateLimit: 2})

	for range 2 {
		assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/api/v1/runs", nil).Code)
	}

	assert.Equal(t, http.StatusTooManyRequests, h.do(t, http.MethodGet, "/api/v1/runs", nil).Code)

	// Health is not rate limited.
	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/api/v1/health", nil).Code)
}

func TestMetricsEndpoint(t *testing.T) {
	h := setup(t, options{})

	h.create(t, loginRequest())

	rec := h.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "webtestoor_queue_depth 1")
}

func TestServer_StartStop(t *testing.T) {
	h := setup(t, options{})

	require.NoError(t, h.server.Start(context.Background()))
}
