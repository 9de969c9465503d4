package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Provider is the closed set of upstream model families.
type Provider string

const (
	ProviderHosted Provider = "hosted"
	ProviderLocal  Provider = "local"
)

// ParseProvider maps user-facing names and aliases onto a Provider.
func ParseProvider(name string) (Provider, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "hosted", "gemini", "cloud":
		return ProviderHosted, true
	case "local", "ollama":
		return ProviderLocal, true
	}
	return "", false
}

// Request describes a language model prompt.
type Request struct {
	SessionID   string
	Prompt      string
	System      string
	Credential  string
	MaxTokens   int
	Temperature float64
}

// Chunk is one increment of streamed model output.
type Chunk struct {
	Content string
	Done    bool
}

// Backend is a pluggable model implementation for one provider.
type Backend interface {
	// Generate returns the complete reply.
	Generate(ctx context.Context, req Request) (string, error)
	// Stream delivers the reply incrementally. A consumer error stops the
	// stream and is returned as is.
	Stream(ctx context.Context, req Request, consumer func(Chunk) error) error
}

// UpstreamError reports that a provider could not produce a reply: transport
// failure, non-success status, malformed or empty body, missing credential,
// or deadline.
type UpstreamError struct {
	Provider Provider
	Op       string
	Err      error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// IsUpstream reports whether err is or wraps an UpstreamError.
func IsUpstream(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue)
}

var (
	ErrMissingCredential = errors.New("no credential configured")
	ErrEmptyResponse     = errors.New("empty response")
	ErrUnknownProvider   = errors.New("unknown provider")
)
