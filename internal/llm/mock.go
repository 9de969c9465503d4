package llm

import (
	"context"
	"strings"
	"time"
)

type mockBackend struct {
	name  string
	delay time.Duration
}

// NewMockBackend returns a canned backend for demos without a model.
func NewMockBackend(name string) Backend {
	return &mockBackend{name: name, delay: 20 * time.Millisecond}
}

func (m *mockBackend) reply(req Request) string {
	return "[mock " + m.name + " reply to: " + strings.TrimSpace(req.Prompt) + "]"
}

func (m *mockBackend) Generate(ctx context.Context, req Request) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(m.delay):
	}
	return m.reply(req), nil
}

// Stream emits the canned reply word by word.
func (m *mockBackend) Stream(ctx context.Context, req Request, consumer func(Chunk) error) error {
	words := strings.SplitAfter(m.reply(req), " ")
	for i, w := range words {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.delay):
		}
		if err := consumer(Chunk{Content: w, Done: i == len(words)-1}); err != nil {
			return err
		}
	}
	return nil
}
