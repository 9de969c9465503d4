// Package dialogue decides, per request, between a cached reply, a live model
// call and a fallback reply, and records the outcome.
package dialogue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-dialogue/internal/cache"
	"github.com/loqalabs/loqa-dialogue/internal/history"
	"github.com/loqalabs/loqa-dialogue/internal/llm"
	"github.com/loqalabs/loqa-dialogue/internal/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrValidation  = errors.New("text field is required")
	ErrRateLimited = errors.New("rate limit exceeded")
)

// Model is the subset of the model client the orchestrator drives.
type Model interface {
	Resolve(name string) llm.Provider
	Generate(ctx context.Context, p llm.Provider, req llm.Request) (string, error)
	Stream(ctx context.Context, p llm.Provider, req llm.Request, consumer func(llm.Chunk) error) error
}

type Limiter interface {
	Admit(clientID string) bool
}

type ResponseCache interface {
	Get(key string) (cache.Entry, bool)
	Put(key, response string)
}

type Fallback interface {
	Respond(text string) string
}

type Metrics interface {
	Record(source protocol.Source, provider string, latency time.Duration)
	RecordRateLimited()
	RecordStreamError()
}

// Notifier is told about every finished exchange.
type Notifier interface {
	ExchangeCompleted(ctx context.Context, evt protocol.ExchangeCompleted)
}

// Deps are the shared components injected at construction. Limiter, Cache,
// History and Notifier are optional.
type Deps struct {
	Model    Model
	Fallback Fallback
	Metrics  Metrics
	Limiter  Limiter
	Cache    ResponseCache
	History  history.Store
	Notifier Notifier
	Logger   *slog.Logger
}

type Option func(*Orchestrator)

// WithSystemPrompt sets the persona prompt sent with every model call.
func WithSystemPrompt(prompt string) Option {
	return func(o *Orchestrator) { o.systemPrompt = prompt }
}

// WithCredentialScopedCache keys cached replies by a fingerprint of the
// caller-supplied credential.
func WithCredentialScopedCache(enabled bool) Option {
	return func(o *Orchestrator) { o.scopeByCredential = enabled }
}

type Orchestrator struct {
	deps              Deps
	systemPrompt      string
	scopeByCredential bool
	logger            *slog.Logger
	tracer            trace.Tracer
}

func New(deps Deps, opts ...Option) (*Orchestrator, error) {
	if deps.Model == nil || deps.Fallback == nil || deps.Metrics == nil {
		return nil, errors.New("dialogue: model, fallback and metrics are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		deps:              deps,
		scopeByCredential: true,
		logger:            logger.With(slog.String("component", "dialogue")),
		tracer:            otel.Tracer("github.com/loqalabs/loqa-dialogue/internal/dialogue"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Request is one user turn.
type Request struct {
	Text       string
	Credential string
	Provider   string
	SessionID  string
	ClientID   string
}

// Result is the outcome of a single-shot exchange.
type Result struct {
	Response  string
	Source    protocol.Source
	Provider  llm.Provider
	Latency   time.Duration
	SessionID string
}

// Exchange is an admitted request on its way to a reply.
type Exchange struct {
	Text      string
	Provider  llm.Provider
	SessionID string
	ClientID  string

	credential string
	cacheKey   string
	cached     string
	hit        bool
	started    time.Time
}

// Cached returns the cached reply found when the exchange was opened.
func (ex *Exchange) Cached() (string, bool) { return ex.cached, ex.hit }

// Outcome is how an exchange ended.
type Outcome struct {
	Source   protocol.Source
	Response string
	Streamed bool
	// Err is set when a stream broke after its first token.
	Err error
}

// Open validates and admits a request and looks it up in the cache.
func (o *Orchestrator) Open(ctx context.Context, req Request) (*Exchange, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, ErrValidation
	}
	if o.deps.Limiter != nil && !o.deps.Limiter.Admit(req.ClientID) {
		o.deps.Metrics.RecordRateLimited()
		o.logger.Info("rate limit exceeded", slog.String("client", req.ClientID))
		return nil, ErrRateLimited
	}

	ex := &Exchange{
		Text:       text,
		Provider:   o.deps.Model.Resolve(req.Provider),
		SessionID:  req.SessionID,
		ClientID:   req.ClientID,
		credential: req.Credential,
		started:    time.Now(),
	}
	if ex.SessionID == "" {
		ex.SessionID = uuid.NewString()
	}
	if o.deps.Cache != nil {
		scope := ""
		if o.scopeByCredential {
			scope = cache.Fingerprint(req.Credential)
		}
		ex.cacheKey = cache.MakeKey(text, string(ex.Provider), scope)
		if entry, ok := o.deps.Cache.Get(ex.cacheKey); ok {
			ex.cached, ex.hit = entry.Response, true
		}
	}
	return ex, nil
}

// Generate asks the model for the whole reply.
func (o *Orchestrator) Generate(ctx context.Context, ex *Exchange) (string, error) {
	return o.deps.Model.Generate(ctx, ex.Provider, o.modelRequest(ex))
}

// Stream asks the model for the reply incrementally.
func (o *Orchestrator) Stream(ctx context.Context, ex *Exchange, onToken func(string) error) error {
	return o.deps.Model.Stream(ctx, ex.Provider, o.modelRequest(ex), func(c llm.Chunk) error {
		return onToken(c.Content)
	})
}

// Fallback returns the canned reply for the exchange.
func (o *Orchestrator) Fallback(ex *Exchange) string {
	return o.deps.Fallback.Respond(ex.Text)
}

// Finish records the outcome: metrics always, the cache only for complete
// model replies, history and notification for every reply that was delivered.
func (o *Orchestrator) Finish(ctx context.Context, ex *Exchange, out Outcome) Result {
	latency := time.Since(ex.started)
	o.deps.Metrics.Record(out.Source, string(ex.Provider), latency)
	if out.Err != nil {
		o.deps.Metrics.RecordStreamError()
	}
	if out.Source == protocol.SourceModel && out.Err == nil && o.deps.Cache != nil && out.Response != "" {
		o.deps.Cache.Put(ex.cacheKey, out.Response)
	}

	// the caller may already be gone; bookkeeping still completes
	ctx = context.WithoutCancel(ctx)
	if o.deps.History != nil && out.Err == nil {
		err := o.deps.History.Append(ctx, ex.SessionID,
			history.Message{Role: history.RoleUser, Content: ex.Text},
			history.Message{Role: history.RoleAssistant, Content: out.Response})
		if err != nil {
			o.logger.Warn("failed to append history", slog.String("session", ex.SessionID), slogError(err))
		}
	}
	if o.deps.Notifier != nil {
		o.deps.Notifier.ExchangeCompleted(ctx, protocol.ExchangeCompleted{
			SessionID: ex.SessionID,
			ClientID:  ex.ClientID,
			Provider:  string(ex.Provider),
			Source:    out.Source,
			Streamed:  out.Streamed,
			Failed:    out.Err != nil,
			LatencyMS: latency.Milliseconds(),
			Timestamp: time.Now().UTC(),
		})
	}

	o.logger.Info("dialogue exchange complete",
		slog.String("session", ex.SessionID),
		slog.String("source", string(out.Source)),
		slog.String("provider", string(ex.Provider)),
		slog.Bool("streamed", out.Streamed),
		slog.Int64("latency_ms", latency.Milliseconds()))

	return Result{
		Response:  out.Response,
		Source:    out.Source,
		Provider:  ex.Provider,
		Latency:   latency,
		SessionID: ex.SessionID,
	}
}

// Handle runs a single-shot exchange: rate limit, cache, model, fallback.
func (o *Orchestrator) Handle(ctx context.Context, req Request) (Result, error) {
	ctx, span := o.tracer.Start(ctx, "dialogue.handle")
	defer span.End()

	ex, err := o.Open(ctx, req)
	if err != nil {
		span.SetAttributes(attribute.String("dialogue.rejected", err.Error()))
		return Result{}, err
	}
	span.SetAttributes(attribute.String("llm.provider", string(ex.Provider)))

	if cached, ok := ex.Cached(); ok {
		span.SetAttributes(attribute.String("dialogue.source", string(protocol.SourceCache)))
		return o.Finish(ctx, ex, Outcome{Source: protocol.SourceCache, Response: cached}), nil
	}

	text, err := o.Generate(ctx, ex)
	if err != nil {
		if !llm.IsUpstream(err) {
			span.RecordError(err)
			return Result{}, fmt.Errorf("generate reply: %w", err)
		}
		o.logger.Warn("model unavailable, using fallback", slog.String("provider", string(ex.Provider)), slogError(err))
		span.SetAttributes(attribute.String("dialogue.source", string(protocol.SourceFallback)))
		return o.Finish(ctx, ex, Outcome{Source: protocol.SourceFallback, Response: o.Fallback(ex)}), nil
	}
	span.SetAttributes(attribute.String("dialogue.source", string(protocol.SourceModel)))
	return o.Finish(ctx, ex, Outcome{Source: protocol.SourceModel, Response: text}), nil
}

func (o *Orchestrator) modelRequest(ex *Exchange) llm.Request {
	return llm.Request{
		SessionID:  ex.SessionID,
		Prompt:     ex.Text,
		System:     o.systemPrompt,
		Credential: ex.credential,
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

// Wire converts a result to its JSON form.
func (r Result) Wire() protocol.DialogueResponse {
	return protocol.DialogueResponse{
		Response:  r.Response,
		Source:    r.Source,
		LatencyMS: r.Latency.Milliseconds(),
		Provider:  string(r.Provider),
		SessionID: r.SessionID,
	}
}
