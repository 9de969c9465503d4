// Package bridge exposes the orchestrator on the NATS bus and publishes a
// notification for every finished exchange.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-dialogue/internal/bus"
	"github.com/loqalabs/loqa-dialogue/internal/dialogue"
	"github.com/loqalabs/loqa-dialogue/internal/protocol"
	"github.com/nats-io/nats.go"
)

const queueGroup = "loqa-dialogue"

// Handler answers single-shot dialogue requests.
type Handler interface {
	Handle(ctx context.Context, req dialogue.Request) (dialogue.Result, error)
}

// Service answers DialogueRequest messages on the request subject.
type Service struct {
	subject string
	bus     *bus.Client
	handler Handler
	sub     *nats.Subscription
	ctx     context.Context
	cancel  context.CancelFunc

	// mu orders wg.Add against the Wait in Close
	mu      sync.Mutex
	closed  bool
	wg      sync.WaitGroup
	logger  *slog.Logger
}

func NewService(parent context.Context, subject string, busClient *bus.Client, handler Handler, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		subject: subject,
		bus:     busClient,
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger.With(slog.String("component", "bus-bridge")),
	}
}

func (s *Service) Start() error {
	sub, err := s.bus.QueueSubscribe(s.subject, queueGroup, s.handleRequest)
	if err != nil {
		return err
	}
	s.sub = sub
	s.logger.Info("listening for dialogue requests", slog.String("subject", s.subject))
	return nil
}

// Close stops accepting requests, cancels running ones and waits for their
// handlers to return.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return s.sub != nil && s.sub.IsValid() && s.bus.Healthy()
}

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.DialogueRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode dialogue request", slogError(err))
		s.reply(msg, protocol.ErrorResponse{Error: "invalid JSON format"})
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.reply(msg, protocol.ErrorResponse{Error: "service shutting down"})
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		res, err := s.handler.Handle(s.ctx, dialogue.Request{
			Text:       req.Text,
			Credential: req.EffectiveCredential(),
			Provider:   req.Provider,
			SessionID:  req.SessionID,
			ClientID:   clientID(req),
		})
		if err != nil {
			s.reply(msg, protocol.ErrorResponse{Error: errorMessage(err)})
			return
		}
		s.reply(msg, res.Wire())
	}()
}

func (s *Service) reply(msg *nats.Msg, v any) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Warn("failed to encode reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to publish reply", slogError(err))
	}
}

func clientID(req protocol.DialogueRequest) string {
	if req.ClientID != "" {
		return req.ClientID
	}
	return "bus"
}

func errorMessage(err error) string {
	switch {
	case errors.Is(err, dialogue.ErrValidation), errors.Is(err, dialogue.ErrRateLimited):
		return err.Error()
	default:
		return "internal error"
	}
}

// Notifier publishes ExchangeCompleted events.
type Notifier struct {
	subject string
	bus     *bus.Client
	logger  *slog.Logger
}

func NewNotifier(subject string, busClient *bus.Client, logger *slog.Logger) *Notifier {
	return &Notifier{
		subject: subject,
		bus:     busClient,
		logger:  logger.With(slog.String("component", "bus-notifier")),
	}
}

func (n *Notifier) ExchangeCompleted(_ context.Context, evt protocol.ExchangeCompleted) {
	if err := n.bus.PublishJSON(n.subject, evt); err != nil {
		n.logger.Warn("failed to publish exchange", slog.String("session", evt.SessionID), slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
