package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/loqalabs/loqa-dialogue/internal/cache"
	"github.com/loqalabs/loqa-dialogue/internal/dialogue"
	"github.com/loqalabs/loqa-dialogue/internal/metrics"
	"github.com/loqalabs/loqa-dialogue/internal/protocol"
	"github.com/loqalabs/loqa-dialogue/internal/stream"
)

type healthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Version string `json:"version"`
}

type historyMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type sessionResponse struct {
	SessionID string           `json:"session_id"`
	History   []historyMessage `json:"history"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:  "healthy",
		Service: s.http.ServiceName,
		Version: s.version,
	})
}

func (s *Server) handleDialogue(w http.ResponseWriter, r *http.Request) {
	var req protocol.DialogueRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, stream.MessageInvalidJSON)
		return
	}

	res, err := s.deps.Orchestrator.Handle(r.Context(), dialogue.Request{
		Text:       req.Text,
		Credential: req.EffectiveCredential(),
		Provider:   req.Provider,
		SessionID:  req.SessionID,
		ClientID:   s.clientID(r),
	})
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, res.Wire())
	case errors.Is(err, dialogue.ErrValidation):
		writeError(w, http.StatusBadRequest, stream.MessageTextRequired)
	case errors.Is(err, dialogue.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, stream.MessageRateLimited)
	default:
		s.logger.Error("dialogue request failed", slogError(err))
		writeError(w, http.StatusInternalServerError, stream.MessageInternal)
	}
}

type metricsResponse struct {
	metrics.Snapshot
	Cache *cache.Stats `json:"cache,omitempty"`
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	resp := metricsResponse{Snapshot: s.deps.Metrics.Snapshot()}
	if s.deps.CacheStats != nil {
		stats := s.deps.CacheStats()
		resp.Cache = &stats
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	resp := sessionResponse{SessionID: id, History: []historyMessage{}}
	if s.deps.History != nil {
		msgs, err := s.deps.History.List(r.Context(), id)
		if err != nil {
			s.logger.Error("failed to load history", slog.String("session", id), slogError(err))
			writeError(w, http.StatusInternalServerError, stream.MessageInternal)
			return
		}
		for _, m := range msgs {
			resp.History = append(resp.History, historyMessage{Role: m.Role, Content: m.Content})
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
