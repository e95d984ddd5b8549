package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/54b3r/coachkb/internal/coach"
	"github.com/54b3r/coachkb/internal/kbstore"
	"github.com/54b3r/coachkb/internal/knowledge"
	"github.com/54b3r/coachkb/internal/logging"
)

// creatorID returns the {id} path value, writing a 400 if it is not a
// usable creator id.
func creatorID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.PathValue("id")
	if !kbstore.ValidCreatorID(id) {
		writeError(r.Context(), w, http.StatusBadRequest, fmt.Sprintf("invalid creator id %q", id))
		return "", false
	}
	return id, true
}

// decode reads a JSON body bounded by MaxBodyBytes into v, writing a 400 on
// failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(r.Context(), w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(r.Context(), w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, kbstore.ErrInvalidCreatorID),
		errors.Is(err, knowledge.ErrEmptyQuery),
		errors.Is(err, coach.ErrEmptyQuestion):
		return http.StatusBadRequest
	case errors.Is(err, knowledge.ErrEmbeddingFailed):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// failRequest logs err and writes the mapped status. Internal errors are not
// echoed to the client, except the corrupt-KB case which needs an operator
// action.
func failRequest(ctx context.Context, w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	msg := err.Error()
	switch {
	case errors.Is(err, kbstore.ErrCorrupt):
		msg = "knowledge base is corrupt, rebuild required"
	case status == http.StatusInternalServerError:
		msg = "internal error"
	}
	logging.FromContext(ctx).Error("server: "+op+" failed",
		slog.Int("status", status),
		slog.Any("error", err),
	)
	writeError(ctx, w, status, msg)
}

// handleBuild handles POST /api/creators/{id}/build. The response carries
// the build summary; a partial build is reported with 200 and partial:true.
func (s *Server) handleBuild(w http.ResponseWriter, r *http.Request) {
	id, ok := creatorID(w, r)
	if !ok {
		return
	}
	var req buildRequest
	if !s.decode(w, r, &req) {
		return
	}

	summary, err := s.knowledge.BuildKnowledgeBase(r.Context(), id, req.Posts, req.Profile)
	if perr, partial := knowledge.IsPartial(err); partial {
		writeJSON(r.Context(), w, http.StatusOK, buildResponse{
			Summary: perr.Summary,
			Partial: true,
			Error:   perr.Error(),
		})
		return
	}
	if err != nil {
		failRequest(r.Context(), w, "build", err)
		return
	}
	writeJSON(r.Context(), w, http.StatusOK, buildResponse{Summary: summary})
}

// handleSearch handles POST /api/creators/{id}/search.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	id, ok := creatorID(w, r)
	if !ok {
		return
	}
	var req searchRequest
	if !s.decode(w, r, &req) {
		return
	}

	results, err := s.knowledge.SearchKnowledge(r.Context(), id, req.Query, clampK(req.K))
	if err != nil {
		failRequest(r.Context(), w, "search", err)
		return
	}
	writeJSON(r.Context(), w, http.StatusOK, searchResponse{Results: results})
}

// handleAsk handles POST /api/creators/{id}/ask by answering the question
// with a coach built from the request's profile.
func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	outcome := "error"
	defer func() {
		s.metrics.askRequestsTotal.WithLabelValues(outcome).Inc()
		s.metrics.askDurationSeconds.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	}()

	if s.cfg.Coach.ChatModel == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "no chat model configured")
		return
	}
	id, ok := creatorID(w, r)
	if !ok {
		return
	}
	var req askRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Profile == nil || strings.TrimSpace(req.Profile.CreatorUsername) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "profile with creator_username is required")
		return
	}

	cfg := s.cfg.Coach
	cfg.Knowledge = s.knowledge
	cfg.CreatorID = id
	cfg.Profile = req.Profile
	c, err := coach.New(&cfg)
	if err != nil {
		failRequest(r.Context(), w, "ask", err)
		return
	}

	answer, err := c.Ask(r.Context(), req.Question, clampK(req.K), coach.WithSession(req.Session))
	if err != nil {
		failRequest(r.Context(), w, "ask", err)
		return
	}
	outcome = "ok"
	writeJSON(r.Context(), w, http.StatusOK, answer)
}
