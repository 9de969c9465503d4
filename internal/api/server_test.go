package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-dialogue/internal/cache"
	"github.com/loqalabs/loqa-dialogue/internal/config"
	"github.com/loqalabs/loqa-dialogue/internal/dialogue"
	"github.com/loqalabs/loqa-dialogue/internal/fallback"
	"github.com/loqalabs/loqa-dialogue/internal/history"
	"github.com/loqalabs/loqa-dialogue/internal/lipsync"
	"github.com/loqalabs/loqa-dialogue/internal/llm"
	"github.com/loqalabs/loqa-dialogue/internal/metrics"
	"github.com/loqalabs/loqa-dialogue/internal/ratelimit"
	"github.com/loqalabs/loqa-dialogue/internal/stream"
	"github.com/loqalabs/loqa-dialogue/internal/tts"
	"go.opentelemetry.io/otel/metric/noop"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func requireTCPListen(t testing.TB) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("skipping test: TCP listen not permitted in this environment: %v", err)
	}
	ln.Close()
}

// wordBackend streams its reply word by word. When gate is set it blocks
// after the first word until gate is closed.
type wordBackend struct {
	reply string
	gate  chan struct{}
}

func (b *wordBackend) Generate(ctx context.Context, req llm.Request) (string, error) {
	return b.reply, nil
}

func (b *wordBackend) Stream(ctx context.Context, _ llm.Request, consumer func(llm.Chunk) error) error {
	for i, word := range strings.SplitAfter(b.reply, " ") {
		if err := consumer(llm.Chunk{Content: word}); err != nil {
			return err
		}
		if i == 0 && b.gate != nil {
			select {
			case <-b.gate:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}

type testEnv struct {
	server   *Server
	ts       *httptest.Server
	cfg      config.Config
	recorder *metrics.Recorder
}

type envOption func(*config.Config, *Deps)

func newTestEnv(t *testing.T, backend llm.Backend, opts ...envOption) testEnv {
	t.Helper()
	requireTCPListen(t)

	cfg := config.Default()
	cfg.RateLimit.CallsPerWindow = 3
	recorder, err := metrics.NewRecorder(noop.NewMeterProvider().Meter("test"))
	if err != nil {
		t.Fatalf("recorder: %v", err)
	}
	store := history.NewMemoryStore(50, time.Hour)
	responses := cache.New(10, time.Minute)
	deps := Deps{
		Metrics:    recorder,
		CacheStats: responses.Stats,
		History:    store,
		Logger:     newLogger(),
	}
	for _, opt := range opts {
		opt(&cfg, &deps)
	}

	orch, err := dialogue.New(dialogue.Deps{
		Model:    llm.NewClient(map[llm.Provider]llm.Backend{llm.ProviderHosted: backend}, llm.WithLogger(newLogger()), llm.WithTimeout(2*time.Second)),
		Fallback: fallback.New(),
		Metrics:  recorder,
		Limiter:  ratelimit.New(cfg.RateLimit.CallsPerWindow, time.Minute),
		Cache:    responses,
		History:  store,
		Logger:   newLogger(),
	})
	if err != nil {
		t.Fatalf("orchestrator: %v", err)
	}
	deps.Orchestrator = orch

	server := New(cfg, "1.2.3", deps)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return testEnv{server: server, ts: ts, cfg: cfg, recorder: recorder}
}

func postJSON(t *testing.T, url string, body any, headers ...string) (*http.Response, map[string]any) {
	t.Helper()
	var payload []byte
	switch b := body.(type) {
	case string:
		payload = []byte(b)
	default:
		payload, _ = json.Marshal(b)
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func getJSON(t *testing.T, url string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, &wordBackend{reply: "ok"})
	resp, body := getJSON(t, env.ts.URL+"/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body["status"] != "healthy" || body["service"] != env.cfg.HTTP.ServiceName || body["version"] != "1.2.3" {
		t.Fatalf("unexpected health body %v", body)
	}
}

func TestDialogueModelThenCache(t *testing.T) {
	env := newTestEnv(t, &wordBackend{reply: "Hi, how are you feeling?"})

	resp, first := postJSON(t, env.ts.URL+"/dialogue", map[string]string{"text": "hello"})
	if resp.StatusCode != http.StatusOK || first["source"] != "model" {
		t.Fatalf("expected model reply, got %d %v", resp.StatusCode, first)
	}
	if _, ok := first["latency_ms"]; !ok {
		t.Fatalf("expected latency_ms in %v", first)
	}
	_, second := postJSON(t, env.ts.URL+"/dialogue", map[string]string{"text": "hello"})
	if second["source"] != "cache" || second["response"] != first["response"] {
		t.Fatalf("expected cached reply, got %v", second)
	}

	sessionID, _ := first["session_id"].(string)
	_, session := getJSON(t, env.ts.URL+"/session/"+sessionID)
	if msgs, _ := session["history"].([]any); len(msgs) != 2 {
		t.Fatalf("expected two history messages, got %v", session)
	}
	_, unknown := getJSON(t, env.ts.URL+"/session/nope")
	if msgs, ok := unknown["history"].([]any); !ok || len(msgs) != 0 {
		t.Fatalf("expected empty history list, got %v", unknown)
	}

	_, snap := getJSON(t, env.ts.URL+"/metrics")
	if snap["total_requests"] != float64(2) || snap["cache_requests"] != float64(1) {
		t.Fatalf("unexpected metrics %v", snap)
	}
	if stats, _ := snap["cache"].(map[string]any); stats["hits"] != float64(1) {
		t.Fatalf("expected one cache hit in metrics, got %v", snap["cache"])
	}
}

func TestDialogueErrors(t *testing.T) {
	env := newTestEnv(t, &wordBackend{reply: "ok"})

	resp, body := postJSON(t, env.ts.URL+"/dialogue", map[string]string{"text": "   "})
	if resp.StatusCode != http.StatusBadRequest || body["error"] != stream.MessageTextRequired {
		t.Fatalf("expected 400 for empty text, got %d %v", resp.StatusCode, body)
	}
	resp, body = postJSON(t, env.ts.URL+"/dialogue", "{not json")
	if resp.StatusCode != http.StatusBadRequest || body["error"] != stream.MessageInvalidJSON {
		t.Fatalf("expected 400 for invalid json, got %d %v", resp.StatusCode, body)
	}
}

func TestDialogueRateLimitedPerClient(t *testing.T) {
	env := newTestEnv(t, &wordBackend{reply: "ok"})
	url := env.ts.URL + "/dialogue"

	for i := 0; i < env.cfg.RateLimit.CallsPerWindow; i++ {
		resp, _ := postJSON(t, url, map[string]string{"text": "hi"}, "X-Forwarded-For", "10.0.0.1, 172.16.0.1")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("call %d: expected 200, got %d", i+1, resp.StatusCode)
		}
	}
	resp, body := postJSON(t, url, map[string]string{"text": "hi"}, "X-Forwarded-For", "10.0.0.1")
	if resp.StatusCode != http.StatusTooManyRequests || body["error"] != stream.MessageRateLimited {
		t.Fatalf("expected 429, got %d %v", resp.StatusCode, body)
	}
	resp, _ = postJSON(t, url, map[string]string{"text": "hi"}, "X-Forwarded-For", "10.0.0.2")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected other client to be admitted, got %d", resp.StatusCode)
	}
}

func TestClientID(t *testing.T) {
	s := New(config.Default(), "dev", Deps{Logger: newLogger()})
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.0.2.7:5555"
	if got := s.clientID(r); got != "192.0.2.7" {
		t.Fatalf("expected peer address, got %s", got)
	}
	r.Header.Set("X-Forwarded-For", " 203.0.113.9 , 10.0.0.1")
	if got := s.clientID(r); got != "203.0.113.9" {
		t.Fatalf("expected first forwarded hop, got %s", got)
	}
	s.http.TrustForwarded = false
	if got := s.clientID(r); got != "192.0.2.7" {
		t.Fatalf("expected forwarded header to be ignored, got %s", got)
	}
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, &wordBackend{reply: "ok"})
	req, _ := http.NewRequest(http.MethodOptions, env.ts.URL+"/dialogue", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("options: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent || resp.Header.Get("Access-Control-Allow-Origin") != "http://localhost:3000" {
		t.Fatalf("unexpected preflight response %d %v", resp.StatusCode, resp.Header)
	}
}

func TestTTS(t *testing.T) {
	disabled := newTestEnv(t, &wordBackend{reply: "ok"})
	resp, body := postJSON(t, disabled.ts.URL+"/tts", map[string]string{"text": "hello"})
	if resp.StatusCode != http.StatusServiceUnavailable || body["use_browser_tts"] != true {
		t.Fatalf("expected browser fallback, got %d %v", resp.StatusCode, body)
	}

	enabled := newTestEnv(t, &wordBackend{reply: "ok"}, func(cfg *config.Config, deps *Deps) {
		cfg.TTS.Enabled = true
		cfg.TTS.SampleRate = 8000
		speaker, err := tts.NewSpeakerFromConfig(cfg.TTS, newLogger())
		if err != nil {
			t.Fatalf("speaker: %v", err)
		}
		deps.Speaker = speaker
	})
	resp, body = postJSON(t, enabled.ts.URL+"/tts", map[string]string{"text": "hello there"})
	if resp.StatusCode != http.StatusOK || body["format"] != "wav" || body["source"] != "mock" {
		t.Fatalf("expected wav audio, got %d %v", resp.StatusCode, body)
	}
	audio, err := base64.StdEncoding.DecodeString(body["audio"].(string))
	if err != nil || !bytes.HasPrefix(audio, []byte("RIFF")) {
		t.Fatalf("expected base64 RIFF payload, err=%v", err)
	}
	resp, _ = postJSON(t, enabled.ts.URL+"/tts", map[string]string{"text": ""})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty text, got %d", resp.StatusCode)
	}
}

func TestLipSync(t *testing.T) {
	none := newTestEnv(t, &wordBackend{reply: "ok"})
	if resp, _ := getJSON(t, none.ts.URL+"/a2f/latest"); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 without runs, got %d", resp.StatusCode)
	}

	base := t.TempDir()
	run := filepath.Join(base, "run1")
	if err := os.MkdirAll(run, 0o755); err != nil {
		t.Fatal(err)
	}
	csv := "timeCode,blendShapes.JawOpen\n0,0.1\n0.04,0.2\n0.08,0.3\n"
	if err := os.WriteFile(filepath.Join(run, "animation_frames.csv"), []byte(csv), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(run, "out.wav"), []byte("RIFFdata"), 0o644); err != nil {
		t.Fatal(err)
	}
	env := newTestEnv(t, &wordBackend{reply: "ok"}, func(_ *config.Config, deps *Deps) {
		deps.LipSync = lipsync.NewLibrary(base, "/a2f/audio")
	})

	resp, body := getJSON(t, env.ts.URL+"/a2f/latest")
	if resp.StatusCode != http.StatusOK || body["run_id"] != "run1" || body["audio_url"] != "/a2f/audio/run1" {
		t.Fatalf("unexpected payload %d %v", resp.StatusCode, body)
	}
	if frames, _ := body["frames"].([]any); len(frames) != 3 {
		t.Fatalf("expected 3 frames, got %v", body["frames"])
	}

	audio, err := http.Get(env.ts.URL + "/a2f/audio/run1")
	if err != nil {
		t.Fatalf("get audio: %v", err)
	}
	data, _ := io.ReadAll(audio.Body)
	audio.Body.Close()
	if audio.StatusCode != http.StatusOK || audio.Header.Get("Content-Type") != "audio/wav" || string(data) != "RIFFdata" {
		t.Fatalf("unexpected audio response %d %q", audio.StatusCode, data)
	}
	if resp, _ := getJSON(t, env.ts.URL+"/a2f/audio/missing"); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown run, got %d", resp.StatusCode)
	}
}
