// Package stream runs incremental dialogue exchanges for one connection.
package stream

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/loqalabs/loqa-dialogue/internal/dialogue"
	"github.com/loqalabs/loqa-dialogue/internal/llm"
	"github.com/loqalabs/loqa-dialogue/internal/protocol"
)

// State is the lifecycle position of a session's current exchange.
type State int

const (
	StateIdle State = iota
	StateAwaiting
	StateStreaming
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaiting:
		return "awaiting"
	case StateStreaming:
		return "streaming"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// ErrBusy is returned when a request arrives while an exchange is running.
var ErrBusy = errors.New("an exchange is already in progress")

// Rejection messages sent to the client.
const (
	MessageInvalidJSON  = "Invalid JSON format"
	MessageTextRequired = "Text field is required"
	MessageRateLimited  = "Rate limit exceeded. Please wait before sending another message."
	MessageBusy         = "Another message is still being answered. Please wait."
	MessageInterrupted  = "The response was interrupted. Please try again."
	MessageInternal     = "Something went wrong. Please try again."
)

// Orchestrator is what a session needs from the dialogue layer.
type Orchestrator interface {
	Open(ctx context.Context, req dialogue.Request) (*dialogue.Exchange, error)
	Stream(ctx context.Context, ex *dialogue.Exchange, onToken func(string) error) error
	Fallback(ex *dialogue.Exchange) string
	Finish(ctx context.Context, ex *dialogue.Exchange, out dialogue.Outcome) dialogue.Result
}

// Session runs one exchange at a time and reports it as ordered events.
type Session struct {
	orch   Orchestrator
	logger *slog.Logger

	mu    sync.Mutex
	state State
}

func NewSession(orch Orchestrator, logger *slog.Logger) *Session {
	return &Session{
		orch:   orch,
		logger: logger.With(slog.String("component", "stream-session")),
		state:  StateIdle,
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Run starts an exchange and returns its events. The channel is unbuffered
// and closed after the terminal event; cancelling ctx stops generation and
// closes the channel without further events.
func (s *Session) Run(ctx context.Context, id string, req dialogue.Request) (<-chan protocol.StreamEvent, error) {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return nil, ErrBusy
	}
	s.state = StateAwaiting
	s.mu.Unlock()

	events := make(chan protocol.StreamEvent)
	go func() {
		defer close(events)
		defer s.setState(StateIdle)
		s.exchange(ctx, id, req, events)
	}()
	return events, nil
}

func (s *Session) exchange(ctx context.Context, id string, req dialogue.Request, events chan<- protocol.StreamEvent) {
	emit := func(ev protocol.StreamEvent) error {
		ev.ID = id
		select {
		case events <- ev:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	ex, err := s.orch.Open(ctx, req)
	if err != nil {
		s.setState(StateTerminated)
		_ = emit(protocol.StreamEvent{Type: protocol.EventError, Message: rejectionMessage(err)})
		return
	}

	if cached, ok := ex.Cached(); ok {
		s.setState(StateStreaming)
		if emitWhole(emit, protocol.SourceCache, cached) == nil {
			s.orch.Finish(ctx, ex, dialogue.Outcome{Source: protocol.SourceCache, Response: cached, Streamed: true})
		}
		s.setState(StateTerminated)
		return
	}

	var (
		text    strings.Builder
		started bool
	)
	err = s.orch.Stream(ctx, ex, func(token string) error {
		if token == "" {
			return nil
		}
		if !started {
			started = true
			s.setState(StateStreaming)
			if err := emit(protocol.StreamEvent{Type: protocol.EventStart, Source: protocol.SourceModel}); err != nil {
				return err
			}
		}
		text.WriteString(token)
		return emit(protocol.StreamEvent{Type: protocol.EventToken, Content: token})
	})
	defer s.setState(StateTerminated)

	switch {
	case ctx.Err() != nil:
		s.logger.Info("exchange cancelled", slog.String("session", ex.SessionID), slog.Bool("started", started))
	case err == nil && started:
		if emit(protocol.StreamEvent{Type: protocol.EventDone, Source: protocol.SourceModel}) == nil {
			s.orch.Finish(ctx, ex, dialogue.Outcome{Source: protocol.SourceModel, Response: text.String(), Streamed: true})
		}
	case !started && (err == nil || llm.IsUpstream(err)):
		s.logger.Warn("model unavailable before first token, using fallback", slog.String("session", ex.SessionID), slog.Any("error", err))
		reply := s.orch.Fallback(ex)
		if emitWhole(emit, protocol.SourceFallback, reply) == nil {
			s.orch.Finish(ctx, ex, dialogue.Outcome{Source: protocol.SourceFallback, Response: reply, Streamed: true})
		}
	case started:
		s.logger.Warn("stream failed after first token", slog.String("session", ex.SessionID), slogError(err))
		s.orch.Finish(ctx, ex, dialogue.Outcome{Source: protocol.SourceModel, Response: text.String(), Streamed: true, Err: err})
		_ = emit(protocol.StreamEvent{Type: protocol.EventError, Message: MessageInterrupted})
	default:
		s.logger.Error("exchange failed", slog.String("session", ex.SessionID), slogError(err))
		_ = emit(protocol.StreamEvent{Type: protocol.EventError, Message: MessageInternal})
	}
}

// emitWhole sends a complete reply as start, one token and done.
func emitWhole(emit func(protocol.StreamEvent) error, source protocol.Source, reply string) error {
	if err := emit(protocol.StreamEvent{Type: protocol.EventStart, Source: source}); err != nil {
		return err
	}
	if err := emit(protocol.StreamEvent{Type: protocol.EventToken, Content: reply}); err != nil {
		return err
	}
	return emit(protocol.StreamEvent{Type: protocol.EventDone, Source: source})
}

func rejectionMessage(err error) string {
	switch {
	case errors.Is(err, dialogue.ErrValidation):
		return MessageTextRequired
	case errors.Is(err, dialogue.ErrRateLimited):
		return MessageRateLimited
	default:
		return MessageInternal
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
