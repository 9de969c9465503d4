package protocol

import "time"

// Source identifies how a reply was produced.
type Source string

const (
	SourceModel    Source = "model"
	SourceCache    Source = "cache"
	SourceFallback Source = "fallback"
)

// EventType tags a StreamEvent.
type EventType string

const (
	EventConnected EventType = "connected"
	EventStart     EventType = "start"
	EventToken     EventType = "token"
	EventDone      EventType = "done"
	EventError     EventType = "error"
)

// StreamEvent is one message on the streaming channel. Within an exchange the
// order is start, zero or more token, then exactly one done or error.
type StreamEvent struct {
	Type      EventType `json:"type"`
	ID        string    `json:"id,omitempty"`
	Source    Source    `json:"source,omitempty"`
	Content   string    `json:"content,omitempty"`
	Message   string    `json:"message,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
}

// Terminal reports whether the event closes an exchange.
func (e StreamEvent) Terminal() bool {
	return e.Type == EventDone || e.Type == EventError
}

// DialogueRequest is the inbound payload for HTTP, WebSocket and bus requests.
type DialogueRequest struct {
	ID         string `json:"id,omitempty"`
	Text       string `json:"text"`
	Credential string `json:"credential,omitempty"`
	APIKey     string `json:"api_key,omitempty"`
	Provider   string `json:"provider,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
	ClientID   string `json:"client_id,omitempty"`
}

// EffectiveCredential prefers the explicit credential over the api_key alias.
func (r DialogueRequest) EffectiveCredential() string {
	if r.Credential != "" {
		return r.Credential
	}
	return r.APIKey
}

// DialogueResponse is returned by the single-shot endpoints.
type DialogueResponse struct {
	Response  string `json:"response"`
	Source    Source `json:"source"`
	LatencyMS int64  `json:"latency_ms"`
	Provider  string `json:"provider,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// ErrorResponse is the JSON body of a failed request.
type ErrorResponse struct {
	Error         string `json:"error"`
	UseBrowserTTS bool   `json:"use_browser_tts,omitempty"`
}

// ExchangeCompleted is published on the bus after every finished exchange.
type ExchangeCompleted struct {
	SessionID string    `json:"session_id"`
	ClientID  string    `json:"client_id,omitempty"`
	Provider  string    `json:"provider"`
	Source    Source    `json:"source"`
	Streamed  bool      `json:"streamed"`
	Failed    bool      `json:"failed,omitempty"`
	LatencyMS int64     `json:"latency_ms"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectDialogueRequest   = "dialogue.request"
	SubjectExchangeCompleted = "dialogue.exchange.completed"
)
