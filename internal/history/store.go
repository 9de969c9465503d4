// Package history keeps a short, expiring transcript per dialogue session.
package history

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-dialogue/internal/config"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a conversation.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Store keeps at most a fixed number of recent messages per session and
// forgets sessions that have been idle longer than the TTL.
type Store interface {
	Append(ctx context.Context, sessionID string, msgs ...Message) error
	List(ctx context.Context, sessionID string) ([]Message, error)
	Close() error
}

// Open selects a driver according to cfg.
func Open(ctx context.Context, cfg config.HistoryConfig, log *slog.Logger) (Store, error) {
	ttl := time.Duration(cfg.TTLMS) * time.Millisecond
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryStore(cfg.MaxMessages, ttl), nil
	case "sqlite":
		return OpenSQLite(ctx, cfg.Path, cfg.MaxMessages, ttl, log)
	default:
		return nil, fmt.Errorf("unknown history driver %q", cfg.Driver)
	}
}
