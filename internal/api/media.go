package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/loqalabs/loqa-dialogue/internal/lipsync"
	"github.com/loqalabs/loqa-dialogue/internal/protocol"
	"github.com/loqalabs/loqa-dialogue/internal/stream"
	"github.com/loqalabs/loqa-dialogue/internal/tts"
)

type ttsRequest struct {
	Text  string `json:"text"`
	Voice string `json:"voice,omitempty"`
}

type ttsResponse struct {
	Audio  string `json:"audio"`
	Format string `json:"format"`
	Source string `json:"source"`
}

func (s *Server) handleTTS(w http.ResponseWriter, r *http.Request) {
	var req ttsRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, stream.MessageInvalidJSON)
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, stream.MessageTextRequired)
		return
	}
	if s.deps.Speaker == nil || !s.deps.Speaker.Enabled() {
		writeJSON(w, http.StatusServiceUnavailable, protocol.ErrorResponse{Error: "Server-side speech is not available.", UseBrowserTTS: true})
		return
	}

	audio, err := s.deps.Speaker.Speak(r.Context(), req.Text, req.Voice)
	if err != nil {
		if errors.Is(err, tts.ErrEmptyText) {
			writeError(w, http.StatusBadRequest, stream.MessageTextRequired)
			return
		}
		writeJSON(w, http.StatusServiceUnavailable, protocol.ErrorResponse{Error: "Speech synthesis failed.", UseBrowserTTS: true})
		return
	}
	writeJSON(w, http.StatusOK, ttsResponse{
		Audio:  base64.StdEncoding.EncodeToString(audio),
		Format: "wav",
		Source: s.ttsMode,
	})
}

func (s *Server) handleLipSyncLatest(w http.ResponseWriter, r *http.Request) {
	if s.deps.LipSync == nil {
		writeError(w, http.StatusNotFound, "No Audio2Face output found.")
		return
	}
	payload, err := s.deps.LipSync.Load(r.URL.Query().Get("run_id"))
	if err != nil {
		if errors.Is(err, lipsync.ErrNotFound) {
			writeError(w, http.StatusNotFound, "No Audio2Face output found.")
			return
		}
		s.logger.Error("failed to load lip-sync run", slogError(err))
		writeError(w, http.StatusInternalServerError, stream.MessageInternal)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleLipSyncAudio(w http.ResponseWriter, r *http.Request) {
	if s.deps.LipSync == nil {
		http.NotFound(w, r)
		return
	}
	path, err := s.deps.LipSync.AudioPath(r.PathValue("run_id"))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "audio/wav")
	http.ServeFile(w, r, path)
}
