package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/loqalabs/loqa-dialogue/internal/config"
)

// ollamaBackend talks to a self-hosted Ollama server through /api/chat.
type ollamaBackend struct {
	endpoint    string
	model       string
	numPredict  int
	temperature float64
	httpClient  *http.Client
}

func NewOllamaBackend(cfg config.LocalLLMConfig, httpClient *http.Client) Backend {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	model := cfg.Model
	if model == "" {
		model = "llama3.2:latest"
	}
	return &ollamaBackend{
		endpoint:    strings.TrimRight(cfg.Endpoint, "/"),
		model:       model,
		numPredict:  cfg.NumPredict,
		temperature: cfg.Temperature,
		httpClient:  httpClient,
	}
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  ollamaOptions   `json:"options"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaResponse struct {
	Message  *ollamaMessage `json:"message,omitempty"`
	Response string         `json:"response,omitempty"`
	Text     string         `json:"text,omitempty"`
	Done     bool           `json:"done"`
	Error    string         `json:"error,omitempty"`
}

// content reads the reply from whichever field the server version populates.
func (r ollamaResponse) content() string {
	if r.Message != nil && r.Message.Content != "" {
		return r.Message.Content
	}
	if r.Response != "" {
		return r.Response
	}
	return r.Text
}

func (g *ollamaBackend) Generate(ctx context.Context, req Request) (string, error) {
	body, err := g.do(ctx, req, false)
	if err != nil {
		return "", err
	}
	defer body.Close()

	var resp ollamaResponse
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		return "", fmt.Errorf("decode ollama response: %w", err)
	}
	if resp.Error != "" {
		return "", fmt.Errorf("ollama error: %s", resp.Error)
	}
	// untrimmed: must equal the concatenated stream
	text := resp.content()
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

func (g *ollamaBackend) Stream(ctx context.Context, req Request, consumer func(Chunk) error) error {
	body, err := g.do(ctx, req, true)
	if err != nil {
		return err
	}
	defer body.Close()

	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var chunk ollamaResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			// ollama occasionally interleaves non-JSON status lines
			continue
		}
		if chunk.Error != "" {
			return fmt.Errorf("ollama error: %s", chunk.Error)
		}
		if err := consumer(Chunk{Content: chunk.content(), Done: chunk.Done}); err != nil {
			return err
		}
		if chunk.Done {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return fmt.Errorf("ollama stream ended before done: %w", io.ErrUnexpectedEOF)
}

func (g *ollamaBackend) do(ctx context.Context, req Request, stream bool) (io.ReadCloser, error) {
	messages := make([]ollamaMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, ollamaMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, ollamaMessage{Role: "user", Content: req.Prompt})

	payload := ollamaRequest{
		Model:    g.model,
		Messages: messages,
		Stream:   stream,
		Options: ollamaOptions{
			Temperature: coalesceFloat(req.Temperature, g.temperature),
			NumPredict:  coalesceInt(req.MaxTokens, g.numPredict),
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("ollama returned status %s: %s", resp.Status, bytes.TrimSpace(data))
	}
	return resp.Body, nil
}
