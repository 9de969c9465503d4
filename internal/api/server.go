// Package api is the HTTP and WebSocket surface of the relay.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-dialogue/internal/cache"
	"github.com/loqalabs/loqa-dialogue/internal/config"
	"github.com/loqalabs/loqa-dialogue/internal/dialogue"
	"github.com/loqalabs/loqa-dialogue/internal/history"
	"github.com/loqalabs/loqa-dialogue/internal/lipsync"
	"github.com/loqalabs/loqa-dialogue/internal/metrics"
	"github.com/loqalabs/loqa-dialogue/internal/protocol"
	"github.com/loqalabs/loqa-dialogue/internal/stream"
)

const maxBodyBytes = 1 << 20

// Orchestrator serves both the single-shot and the streaming paths.
type Orchestrator interface {
	stream.Orchestrator
	Handle(ctx context.Context, req dialogue.Request) (dialogue.Result, error)
}

type MetricsSource interface {
	Snapshot() metrics.Snapshot
}

type Speaker interface {
	Enabled() bool
	Speak(ctx context.Context, text, voice string) ([]byte, error)
}

// Deps wires the server. CacheStats, History, Speaker and LipSync are optional.
type Deps struct {
	Orchestrator Orchestrator
	Metrics      MetricsSource
	CacheStats   func() cache.Stats
	History      history.Store
	Speaker      Speaker
	LipSync      *lipsync.Library
	Logger       *slog.Logger
}

type Server struct {
	http     config.HTTPConfig
	stream   config.StreamConfig
	ttsMode  string
	version  string
	deps     Deps
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

func New(cfg config.Config, version string, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		http:    cfg.HTTP,
		stream:  cfg.Stream,
		ttsMode: cfg.TTS.Mode,
		version: version,
		deps:    deps,
		logger:  logger.With(slog.String("component", "api")),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Handler returns the routed handler wrapped in recovery and CORS.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /dialogue", s.handleDialogue)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.HandleFunc("GET /session/{id}", s.handleSession)
	mux.HandleFunc("GET /ws/stream", s.handleStream)
	mux.HandleFunc("POST /tts", s.handleTTS)
	mux.HandleFunc("GET /a2f/latest", s.handleLipSyncLatest)
	mux.HandleFunc("GET /a2f/audio/{run_id}", s.handleLipSyncAudio)
	return s.recoverPanics(s.cors(mux))
}

func (s *Server) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.logger.Error("handler panic", slog.String("path", r.URL.Path), slog.Any("panic", rec))
				writeError(w, http.StatusInternalServerError, stream.MessageInternal)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	return slices.Contains(s.http.AllowedOrigins, "*") || slices.Contains(s.http.AllowedOrigins, origin)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin == "" || s.originAllowed(origin)
}

// clientID identifies the caller for rate limiting: the first
// X-Forwarded-For hop when trusted, else the peer address.
func (s *Server) clientID(r *http.Request) string {
	if s.http.TrustForwarded {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, protocol.ErrorResponse{Error: message})
}
