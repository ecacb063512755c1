package api

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/offload/internal/host"
	"github.com/seantiz/offload/internal/loop"
	"github.com/seantiz/offload/internal/model"
	"github.com/seantiz/offload/internal/offload"
	"github.com/seantiz/offload/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// createSubmissionRequest is the JSON body for POST /v1/submissions.
type createSubmissionRequest struct {
	DurationMS json.Number `json:"duration_ms"`
}

// createSubmissionResponse is returned with 202 Accepted.
type createSubmissionResponse struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	DurationMS int32  `json:"duration_ms"`
}

// listSubmissionsResponse wraps the paginated list response.
type listSubmissionsResponse struct {
	Submissions []*model.Submission `json:"submissions"`
	Total       int                 `json:"total"`
	Limit       int                 `json:"limit"`
	Offset      int                 `json:"offset"`
}

func (s *Server) handleCreateSubmission(w http.ResponseWriter, r *http.Request) {
	var req createSubmissionRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		s.rejectSubmission(w, http.StatusBadRequest, submitInvalid, "invalid JSON body")
		return
	}

	n, ok := host.ToInt64(req.DurationMS)
	if !ok {
		s.rejectSubmission(w, http.StatusBadRequest, submitInvalid, "duration_ms must be an integer")
		return
	}
	if n < 0 || n > math.MaxInt32 {
		s.rejectSubmission(w, http.StatusBadRequest, submitInvalid, "duration_ms must be between 0 and 2147483647")
		return
	}
	durationMS := int32(n)

	ctx := r.Context()
	var id string
	err := s.loop.Do(ctx, func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		var err error
		id, err = s.bridge.Enqueue(durationMS, s.completionLogger())
		return err
	})
	if err != nil {
		var exc *host.Exception
		switch {
		case errors.As(err, &exc):
			s.rejectSubmission(w, http.StatusBadRequest, submitInvalid, exc.Message)
		case errors.Is(err, offload.ErrClosed), errors.Is(err, loop.ErrClosed):
			s.rejectSubmission(w, http.StatusServiceUnavailable, submitUnavailable, "not accepting submissions")
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			// If the loop picked the task up before the request ended, the
			// work was still queued and shows up in the journal.
			s.logger.WithError(err).Warn("submission request ended before enqueue was confirmed")
			s.rejectSubmission(w, http.StatusServiceUnavailable, submitUnconfirmed, "submission not confirmed")
		default:
			s.logger.WithError(err).Error("enqueue submission")
			s.rejectSubmission(w, http.StatusInternalServerError, submitError, "failed to submit work")
		}
		return
	}

	submitResults.WithLabelValues(submitAccepted).Inc()
	w.Header().Set("Location", "/v1/submissions/"+id)
	s.writeJSON(w, http.StatusAccepted, createSubmissionResponse{
		ID:         id,
		Status:     model.StatusQueued,
		DurationMS: durationMS,
	})
}

// completionLogger returns the callback used for submissions made over HTTP.
// The HTTP caller has already been answered, so the outcome is logged and
// journaled rather than delivered.
func (s *Server) completionLogger() host.Function {
	return func(args ...host.Value) error {
		if len(args) == 1 {
			s.logger.WithField("error", args[0]).Warn("offloaded work failed")
			return nil
		}
		s.logger.WithField("result", args[1]).Debug("offloaded work finished")
		return nil
	}
}

func (s *Server) handleGetSubmission(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sub, err := s.journal.Lookup(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "submission not found")
		return
	}
	if err != nil {
		s.logger.WithError(err).WithField("submission_id", id).Error("get submission")
		s.writeError(w, http.StatusInternalServerError, "failed to get submission")
		return
	}

	s.writeJSON(w, http.StatusOK, sub)
}

func (s *Server) handleListSubmissions(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	subs, total, err := s.store.ListSubmissions(r.Context(), limit, offset)
	if err != nil {
		s.logger.WithError(err).Error("list submissions")
		s.writeError(w, http.StatusInternalServerError, "failed to list submissions")
		return
	}

	if subs == nil {
		subs = []*model.Submission{}
	}

	s.writeJSON(w, http.StatusOK, listSubmissionsResponse{
		Submissions: subs,
		Total:       total,
		Limit:       limit,
		Offset:      offset,
	})
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("encode response")
	}
}

// rejectSubmission answers a submission request the bridge did not accept.
func (s *Server) rejectSubmission(w http.ResponseWriter, status int, result, message string) {
	submitResults.WithLabelValues(result).Inc()
	s.writeError(w, status, message)
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}

