package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// handleScreenshot serves the capture recorded for a step. Local captures
// are streamed; S3 captures redirect to a presigned URL.
func (s *server) handleScreenshot(w http.ResponseWriter, r *http.Request) {
	step, err := strconv.Atoi(chi.URLParam(r, "step"))
	if err != nil || step < 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid step index"})

		return
	}

	run, err := s.deps.Sink.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)

		return
	}

	if run == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{"run not found"})

		return
	}

	var ref string

	for _, res := range run.Results.Steps {
		if res.StepIndex == step {
			ref = res.ScreenshotRef

			break
		}
	}

	if ref == "" {
		writeJSON(w, http.StatusNotFound, errorResponse{"no screenshot for step"})

		return
	}

	switch {
	case s.presigner != nil:
		url, err := s.presigner.PresignRef(r.Context(), ref)
		if err != nil {
			s.log.WithError(err).Warn("Failed to presign screenshot")
			writeJSON(w, http.StatusNotFound, errorResponse{"screenshot unavailable"})

			return
		}

		http.Redirect(w, r, url, http.StatusFound)
	case s.localFiles != nil:
		if err := s.localFiles.ServeFile(w, r, ref); err != nil {
			s.log.WithError(err).Debug("Screenshot not served")
			writeJSON(w, http.StatusNotFound, errorResponse{"screenshot unavailable"})
		}
	default:
		writeJSON(w, http.StatusNotFound, errorResponse{"screenshot serving not configured"})
	}
}
