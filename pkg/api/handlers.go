package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ethpandaops/webtestoor/pkg/resultsink"
	"github.com/ethpandaops/webtestoor/pkg/scheduler"
	"github.com/ethpandaops/webtestoor/pkg/testrun"
	"github.com/go-chi/chi/v5"
)

const (
	maxRequestBody  = 4 << 20
	defaultRunLimit = 100
	maxRunLimit     = 1000
)

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// writeError maps scheduler and sink errors to HTTP statuses.
func (s *server) writeError(w http.ResponseWriter, err error) {
	code, msg := s.errorStatus(err)
	writeJSON(w, code, errorResponse{msg})
}

// errorStatus maps err to an HTTP status and a client-facing message.
func (s *server) errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, scheduler.ErrNotFound), errors.Is(err, resultsink.ErrNotFound):
		return http.StatusNotFound, "run not found"
	case errors.Is(err, scheduler.ErrConflict), errors.Is(err, resultsink.ErrInvalidTransition):
		return http.StatusConflict, err.Error()
	case errors.Is(err, scheduler.ErrNoControl):
		return http.StatusServiceUnavailable, err.Error()
	default:
		s.log.WithError(err).Error("Request failed")

		return http.StatusInternalServerError, "internal error"
	}
}

// handleHealth reports whether the sink and the control plane respond. A
// failing control plane degrades rather than fails the server.
func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := map[string]string{"status": "ok"}

	if _, err := s.deps.Sink.ListRuns(ctx, resultsink.Filter{Limit: 1}); err != nil {
		resp["status"] = "unavailable"
		resp["database"] = err.Error()

		writeJSON(w, http.StatusServiceUnavailable, resp)

		return
	}

	if s.deps.Bus == nil {
		resp["control"] = "disabled"
	} else if err := s.deps.Bus.Ping(ctx); err != nil {
		resp["status"] = "degraded"
		resp["control"] = err.Error()
	}

	writeJSON(w, http.StatusOK, resp)
}

// partialCreateResponse is returned when a request fails after some of its
// runs were already queued. Those runs stay queued and are listed so the
// caller can track or stop them.
type partialCreateResponse struct {
	Error string       `json:"error"`
	Runs  []createdRun `json:"runs"`
}

type createdRun struct {
	RunID   string         `json:"run_id"`
	CaseID  string         `json:"case_id"`
	Browser string         `json:"browser"`
	Status  testrun.Status `json:"status"`
}

// handleCreateRuns creates a run per case and browser and queues its job.
func (s *server) handleCreateRuns(w http.ResponseWriter, r *http.Request) {
	var req RunRequest

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()

	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{fmt.Sprintf("decoding request: %v", err)})

		return
	}

	planned, err := req.Plan()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

		return
	}

	ctx := r.Context()
	created := make([]createdRun, 0, len(planned))

	for _, p := range planned {
		if err := s.deps.Sink.CreateRun(ctx, p.Run); err != nil {
			s.writeCreateError(w, err, created)

			return
		}

		if _, err := s.deps.Scheduler.Enqueue(ctx, p.Job); err != nil {
			s.abandonUnqueued(ctx, p.Run.ID, err)
			s.writeCreateError(w, err, created)

			return
		}

		created = append(created, createdRun{
			RunID:   p.Run.ID,
			CaseID:  p.Run.CaseID,
			Browser: p.Run.Config.Browser,
			Status:  p.Run.Status,
		})
	}

	s.log.WithField("project_id", req.ProjectID).
		WithField("runs", len(created)).
		Info("Runs created")

	writeJSON(w, http.StatusCreated, map[string]any{"runs": created})
}

// writeCreateError writes err, listing the runs queued before it occurred.
func (s *server) writeCreateError(w http.ResponseWriter, err error, created []createdRun) {
	if len(created) == 0 {
		s.writeError(w, err)

		return
	}

	code, msg := s.errorStatus(err)

	s.log.WithField("runs", len(created)).Warn("Run creation stopped after queueing some runs")

	writeJSON(w, code, partialCreateResponse{Error: msg, Runs: created})
}

// abandonUnqueued fails a run whose job could not be queued so it does not
// stay pending forever.
func (s *server) abandonUnqueued(ctx context.Context, runID string, cause error) {
	err := s.deps.Sink.Finalize(context.WithoutCancel(ctx), runID, resultsink.Outcome{
		Status: testrun.StatusFailed,
		Reason: testrun.ReasonInfrastructure,
		Error:  fmt.Sprintf("enqueueing job: %v", cause),
	})
	if err != nil {
		s.log.WithError(err).WithField("run_id", runID).Warn("Failed to finalize unqueued run")
	}
}

// handleListRuns lists runs filtered by project and status.
func (s *server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := resultsink.Filter{
		ProjectID: q.Get("projectId"),
		Status:    testrun.Status(q.Get("status")),
		Limit:     defaultRunLimit,
	}

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{"invalid limit"})

			return
		}

		filter.Limit = min(n, maxRunLimit)
	}

	switch filter.Status {
	case "", testrun.StatusPending, testrun.StatusRunning, testrun.StatusPaused,
		testrun.StatusCompleted, testrun.StatusFailed:
	default:
		writeJSON(w, http.StatusBadRequest, errorResponse{fmt.Sprintf("unknown status %q", filter.Status)})

		return
	}

	runs, err := s.deps.Sink.ListRuns(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// handleRunStatus returns the lifecycle view of a run.
func (s *server) handleRunStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.deps.Scheduler.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, status)
}

// handleRunResults returns the stored run record with its step results.
func (s *server) handleRunResults(w http.ResponseWriter, r *http.Request) {
	run, err := s.deps.Sink.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)

		return
	}

	if run == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{"run not found"})

		return
	}

	writeJSON(w, http.StatusOK, run)
}

func (s *server) handlePause(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.deps.Scheduler.Pause(r.Context(), id); err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": id, "action": string(testrun.ControlPause)})
}

func (s *server) handleResume(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.deps.Scheduler.Resume(r.Context(), id); err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": id, "action": string(testrun.ControlResume)})
}

func (s *server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	ok, err := s.deps.Scheduler.Cancel(r.Context(), id)
	if err != nil {
		s.writeError(w, err)

		return
	}

	if !ok {
		writeJSON(w, http.StatusConflict, errorResponse{"run already finished"})

		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": id, "action": string(testrun.ControlStop)})
}
