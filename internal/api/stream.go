package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-dialogue/internal/dialogue"
	"github.com/loqalabs/loqa-dialogue/internal/protocol"
	"github.com/loqalabs/loqa-dialogue/internal/stream"
)

const writeWait = 10 * time.Second

// streamConn is one WebSocket client. Requests are answered in arrival order
// by a single worker; the read loop only queues them.
type streamConn struct {
	conn      *websocket.Conn
	session   *stream.Session
	sessionID string
	clientID  string
	logger    *slog.Logger
	writeMu   sync.Mutex
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slogError(err))
		return
	}
	defer conn.Close()
	if s.stream.MaxMessageSize > 0 {
		conn.SetReadLimit(int64(s.stream.MaxMessageSize))
	}

	sessionID := uuid.NewString()
	c := &streamConn{
		conn:      conn,
		session:   stream.NewSession(s.deps.Orchestrator, s.logger),
		sessionID: sessionID,
		clientID:  s.clientID(r),
		logger:    s.logger.With(slog.String("session", sessionID)),
	}
	c.logger.Info("stream connected", slog.String("client", c.clientID))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if err := c.write(protocol.StreamEvent{Type: protocol.EventConnected, SessionID: sessionID}); err != nil {
		return
	}

	queue := make(chan protocol.DialogueRequest, max(s.stream.QueueDepth, 0))
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.serve(ctx, cancel, queue)
	}()

	c.readLoop(queue)
	cancel()
	close(queue)
	<-done
	c.logger.Info("stream disconnected")
}

func (c *streamConn) readLoop(queue chan<- protocol.DialogueRequest) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("stream read failed", slogError(err))
			}
			return
		}
		var req protocol.DialogueRequest
		if err := json.Unmarshal(data, &req); err != nil {
			_ = c.write(protocol.StreamEvent{Type: protocol.EventError, Message: stream.MessageInvalidJSON})
			continue
		}
		select {
		case queue <- req:
		default:
			_ = c.write(protocol.StreamEvent{Type: protocol.EventError, ID: req.ID, Message: stream.MessageBusy})
		}
	}
}

// serve answers queued requests one at a time. A failed write cancels the
// connection context so generation stops.
func (c *streamConn) serve(ctx context.Context, cancel context.CancelFunc, queue <-chan protocol.DialogueRequest) {
	for req := range queue {
		if ctx.Err() != nil {
			continue
		}
		sessionID := req.SessionID
		if sessionID == "" {
			sessionID = c.sessionID
		}
		events, err := c.session.Run(ctx, req.ID, dialogue.Request{
			Text:       req.Text,
			Credential: req.EffectiveCredential(),
			Provider:   req.Provider,
			SessionID:  sessionID,
			ClientID:   c.clientID,
		})
		if err != nil {
			message := stream.MessageInternal
			if errors.Is(err, stream.ErrBusy) {
				message = stream.MessageBusy
			}
			_ = c.write(protocol.StreamEvent{Type: protocol.EventError, ID: req.ID, Message: message})
			continue
		}
		for ev := range events {
			if err := c.write(ev); err != nil {
				c.logger.Warn("stream write failed", slogError(err))
				cancel()
			}
		}
	}
}

func (c *streamConn) write(ev protocol.StreamEvent) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(ev)
}
