package history

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-dialogue/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type storeFactory func(t *testing.T, maxMessages int, ttl time.Duration, clock func() time.Time) Store

func drivers() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T, maxMessages int, ttl time.Duration, clock func() time.Time) Store {
			s := NewMemoryStore(maxMessages, ttl)
			s.clock = clock
			return s
		},
		"sqlite": func(t *testing.T, maxMessages int, ttl time.Duration, clock func() time.Time) Store {
			s, err := OpenSQLite(context.Background(), "", maxMessages, ttl, newLogger())
			if err != nil {
				t.Fatalf("open sqlite: %v", err)
			}
			s.clock = clock
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
}

func TestAppendAndList(t *testing.T) {
	for name, open := range drivers() {
		t.Run(name, func(t *testing.T) {
			now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
			s := open(t, 50, time.Hour, func() time.Time { return now })
			ctx := context.Background()

			if err := s.Append(ctx, "s1",
				Message{Role: RoleUser, Content: "hello"},
				Message{Role: RoleAssistant, Content: "Hi there"}); err != nil {
				t.Fatalf("append: %v", err)
			}
			msgs, err := s.List(ctx, "s1")
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(msgs) != 2 || msgs[0].Content != "hello" || msgs[1].Role != RoleAssistant {
				t.Fatalf("unexpected history %+v", msgs)
			}
			other, err := s.List(ctx, "unknown")
			if err != nil || other == nil || len(other) != 0 {
				t.Fatalf("expected empty non-nil history, got %v %v", other, err)
			}
		})
	}
}

func TestMaxMessages(t *testing.T) {
	for name, open := range drivers() {
		t.Run(name, func(t *testing.T) {
			now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
			s := open(t, 3, time.Hour, func() time.Time { return now })
			ctx := context.Background()
			for i := 0; i < 5; i++ {
				if err := s.Append(ctx, "s1", Message{Role: RoleUser, Content: fmt.Sprintf("m%d", i)}); err != nil {
					t.Fatalf("append: %v", err)
				}
			}
			msgs, err := s.List(ctx, "s1")
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(msgs) != 3 || msgs[0].Content != "m2" || msgs[2].Content != "m4" {
				t.Fatalf("expected newest 3 messages, got %+v", msgs)
			}
		})
	}
}

func TestSessionsExpire(t *testing.T) {
	for name, open := range drivers() {
		t.Run(name, func(t *testing.T) {
			now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
			s := open(t, 50, time.Hour, func() time.Time { return now })
			ctx := context.Background()
			if err := s.Append(ctx, "old", Message{Role: RoleUser, Content: "hi"}); err != nil {
				t.Fatalf("append: %v", err)
			}
			now = now.Add(2 * time.Hour)
			msgs, err := s.List(ctx, "old")
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(msgs) != 0 {
				t.Fatalf("expected expired session to be empty, got %+v", msgs)
			}
			if err := s.Append(ctx, "new", Message{Role: RoleUser, Content: "hey"}); err != nil {
				t.Fatalf("append: %v", err)
			}
		})
	}
}

func TestOpenFileBackedSQLite(t *testing.T) {
	cfg := config.HistoryConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "nested", "history.db"), MaxMessages: 10, TTLMS: 60000}
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	if err := s.Append(context.Background(), "s", Message{Role: RoleUser, Content: "persist"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	msgs, err := s.List(context.Background(), "s")
	if err != nil || len(msgs) != 1 {
		t.Fatalf("expected one message, got %v %v", msgs, err)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open(context.Background(), config.HistoryConfig{Driver: "redis"}, newLogger()); err == nil {
		t.Fatal("expected unknown driver error")
	}
}
