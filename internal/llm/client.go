package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/loqalabs/loqa-dialogue/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const retryBackoff = 250 * time.Millisecond

// Client routes requests to the backend for a provider and bounds every call
// with a deadline. Backend failures surface as *UpstreamError.
type Client struct {
	backends        map[Provider]Backend
	defaultProvider Provider
	timeout         time.Duration
	maxRetries      int
	tracer          trace.Tracer
	logger          *slog.Logger
}

type ClientOption func(*Client)

func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

func WithMaxRetries(n int) ClientOption {
	return func(c *Client) { c.maxRetries = n }
}

func WithDefaultProvider(p Provider) ClientOption {
	return func(c *Client) { c.defaultProvider = p }
}

func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger.With(slog.String("component", "llm")) }
}

func NewClient(backends map[Provider]Backend, opts ...ClientOption) *Client {
	c := &Client{
		backends:        backends,
		defaultProvider: ProviderHosted,
		timeout:         45 * time.Second,
		tracer:          otel.Tracer("github.com/loqalabs/loqa-dialogue/internal/llm"),
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewClientFromConfig builds both provider backends according to their modes.
func NewClientFromConfig(cfg config.LLMConfig, logger *slog.Logger) (*Client, error) {
	httpClient := &http.Client{}

	var hosted Backend
	switch cfg.Hosted.Mode {
	case "gemini":
		hosted = NewGeminiBackend(cfg.Hosted, httpClient)
	case "mock":
		hosted = NewMockBackend("hosted")
	default:
		return nil, fmt.Errorf("unsupported hosted llm mode %q", cfg.Hosted.Mode)
	}

	var local Backend
	switch cfg.Local.Mode {
	case "ollama":
		local = NewOllamaBackend(cfg.Local, httpClient)
	case "exec":
		b, err := NewExecBackend(cfg.Local.Command)
		if err != nil {
			return nil, err
		}
		local = b
	case "mock":
		local = NewMockBackend("local")
	default:
		return nil, fmt.Errorf("unsupported local llm mode %q", cfg.Local.Mode)
	}

	def, ok := ParseProvider(cfg.DefaultProvider)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.DefaultProvider)
	}

	logger.Info("llm backends configured",
		slog.String("hosted_mode", cfg.Hosted.Mode),
		slog.String("local_mode", cfg.Local.Mode),
		slog.String("default_provider", string(def)))

	return NewClient(map[Provider]Backend{ProviderHosted: hosted, ProviderLocal: local},
		WithDefaultProvider(def),
		WithTimeout(time.Duration(cfg.TimeoutMS)*time.Millisecond),
		WithMaxRetries(cfg.MaxRetries),
		WithLogger(logger),
	), nil
}

// Resolve parses a requested provider name, falling back to the default.
func (c *Client) Resolve(name string) Provider {
	if p, ok := ParseProvider(name); ok {
		return p
	}
	return c.defaultProvider
}

func (c *Client) DefaultProvider() Provider { return c.defaultProvider }

// Generate returns a complete reply from the provider.
func (c *Client) Generate(ctx context.Context, p Provider, req Request) (string, error) {
	backend, err := c.backend(p, "generate")
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	ctx, span := c.tracer.Start(ctx, "llm.generate", trace.WithAttributes(attribute.String("llm.provider", string(p))))
	defer span.End()

	var text string
	for attempt := 0; ; attempt++ {
		text, err = backend.Generate(ctx, req)
		if err == nil && text == "" {
			err = ErrEmptyResponse
		}
		if err == nil || !c.retry(ctx, attempt) {
			break
		}
		c.logger.Debug("retrying generate", slog.String("provider", string(p)), slog.Int("attempt", attempt+1), slogError(err))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", &UpstreamError{Provider: p, Op: "generate", Err: err}
	}
	return text, nil
}

// Stream delivers the reply incrementally. Retries happen only before the
// first chunk reaches the consumer.
func (c *Client) Stream(ctx context.Context, p Provider, req Request, consumer func(Chunk) error) error {
	backend, err := c.backend(p, "stream")
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	ctx, span := c.tracer.Start(ctx, "llm.stream", trace.WithAttributes(attribute.String("llm.provider", string(p))))
	defer span.End()

	delivered := 0
	wrapped := func(chunk Chunk) error {
		if chunk.Content == "" {
			return nil
		}
		delivered++
		if err := consumer(chunk); err != nil {
			return &consumerError{err: err}
		}
		return nil
	}

	for attempt := 0; ; attempt++ {
		err = backend.Stream(ctx, req, wrapped)
		if err == nil && delivered == 0 {
			err = ErrEmptyResponse
		}
		if err == nil || delivered > 0 || !c.retry(ctx, attempt) {
			break
		}
		c.logger.Debug("retrying stream", slog.String("provider", string(p)), slog.Int("attempt", attempt+1), slogError(err))
	}
	span.SetAttributes(attribute.Int("llm.chunks", delivered))
	if err == nil {
		return nil
	}
	var ce *consumerError
	if errors.As(err, &ce) {
		return ce.err
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return &UpstreamError{Provider: p, Op: "stream", Err: err}
}

func (c *Client) backend(p Provider, op string) (Backend, error) {
	backend, ok := c.backends[p]
	if !ok || backend == nil {
		return nil, &UpstreamError{Provider: p, Op: op, Err: ErrUnknownProvider}
	}
	return backend, nil
}

// retry waits out the backoff and reports whether another attempt fits in ctx.
func (c *Client) retry(ctx context.Context, attempt int) bool {
	if attempt >= c.maxRetries || ctx.Err() != nil {
		return false
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(retryBackoff * time.Duration(attempt+1)):
		return true
	}
}

type consumerError struct{ err error }

func (e *consumerError) Error() string { return e.err.Error() }
func (e *consumerError) Unwrap() error { return e.err }

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
