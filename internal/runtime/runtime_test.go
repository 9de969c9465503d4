package runtime

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/loqalabs/loqa-dialogue/internal/config"
	"github.com/loqalabs/loqa-dialogue/internal/dialogue"
	"github.com/loqalabs/loqa-dialogue/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func mockConfig() config.Config {
	cfg := config.Default()
	cfg.LLM.Hosted.Mode = "mock"
	cfg.LLM.Local.Mode = "mock"
	return cfg
}

func TestBuildWiresOrchestrator(t *testing.T) {
	c, err := Build(context.Background(), mockConfig(), newLogger())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer c.Close()

	first, err := c.Orchestrator.Handle(context.Background(), dialogue.Request{Text: "hello", ClientID: "t"})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	second, err := c.Orchestrator.Handle(context.Background(), dialogue.Request{Text: "hello", ClientID: "t"})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if first.Source != protocol.SourceModel || second.Source != protocol.SourceCache {
		t.Fatalf("expected model then cache, got %s then %s", first.Source, second.Source)
	}
	msgs, err := c.History.List(context.Background(), second.SessionID)
	if err != nil || len(msgs) != 2 {
		t.Fatalf("expected history for the second exchange, got %v %v", msgs, err)
	}
	if !c.Healthy() {
		t.Fatal("expected healthy components without bus")
	}
}

func TestBuildWithoutCache(t *testing.T) {
	cfg := mockConfig()
	cfg.Cache.Enabled = false
	c, err := Build(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer c.Close()

	for i := 0; i < 2; i++ {
		res, err := c.Orchestrator.Handle(context.Background(), dialogue.Request{Text: "hello", ClientID: "t"})
		if err != nil {
			t.Fatalf("handle: %v", err)
		}
		if res.Source != protocol.SourceModel {
			t.Fatalf("call %d: expected model with cache disabled, got %s", i+1, res.Source)
		}
	}
}

func TestBuildWithUnreachableRedisCache(t *testing.T) {
	cfg := mockConfig()
	cfg.Cache.Driver = "redis"
	cfg.Cache.Redis.Addr = "127.0.0.1:1"
	cfg.Cache.Redis.TimeoutMS = 100
	c, err := Build(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer c.Close()

	for i := 0; i < 2; i++ {
		res, err := c.Orchestrator.Handle(context.Background(), dialogue.Request{Text: "hello", ClientID: "t"})
		if err != nil {
			t.Fatalf("handle: %v", err)
		}
		if res.Source != protocol.SourceModel {
			t.Fatalf("call %d: expected model while redis is down, got %s", i+1, res.Source)
		}
	}
}

func TestBuildWithEmbeddedBus(t *testing.T) {
	cfg := mockConfig()
	cfg.Bus.Enabled = true
	cfg.Bus.Embedded = true
	cfg.Bus.Port = -1

	c, err := Build(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer c.Close()
	if !c.Healthy() {
		t.Fatal("expected bus bridge to be healthy")
	}

	sub, err := c.bus.Conn().SubscribeSync(cfg.Bus.CompletedSubject)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := c.bus.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	var resp protocol.DialogueResponse
	if err := c.bus.RequestJSON(context.Background(), cfg.Bus.RequestSubject, protocol.DialogueRequest{Text: "hi there"}, &resp); err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.Source != protocol.SourceModel || resp.Response == "" {
		t.Fatalf("unexpected bus reply %+v", resp)
	}
	if _, err := sub.NextMsg(2 * time.Second); err != nil {
		t.Fatalf("expected completion notification: %v", err)
	}
}

func TestBuildRejectsUnknownModes(t *testing.T) {
	cfg := mockConfig()
	cfg.TTS.Mode = "cloud"
	if _, err := Build(context.Background(), cfg, newLogger()); err == nil {
		t.Fatal("expected error for unsupported tts mode")
	}
}

func TestReadiness(t *testing.T) {
	r := New(mockConfig(), "test", newLogger())

	rec := httptest.NewRecorder()
	r.handleReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected not ready before start, got %d", rec.Code)
	}

	c, err := Build(context.Background(), mockConfig(), newLogger())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer c.Close()
	r.components = c
	r.ready.Store(true)

	rec = httptest.NewRecorder()
	r.handleReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected ready, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	r.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("unexpected health response %d %q", rec.Code, rec.Body.String())
	}
}
