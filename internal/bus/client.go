// Package bus is the relay's NATS connection: JSON publish, request/reply
// and queue subscriptions.
package bus

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-dialogue/internal/config"
	"github.com/nats-io/nats.go"
)

type Client struct {
	nc     *nats.Conn
	logger *slog.Logger
}

// Connect dials cfg.Servers. A deadline on ctx shortens the dial timeout;
// the connection itself outlives ctx.
func Connect(ctx context.Context, cfg config.BusConfig, name string, logger *slog.Logger) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("bus: no servers configured")
	}
	logger = logger.With(slog.String("component", "bus"))

	timeout := time.Duration(cfg.ConnectTimeout) * time.Millisecond
	if deadline, ok := ctx.Deadline(); ok {
		timeout = min(timeout, time.Until(deadline))
	}

	servers := strings.Join(cfg.Servers, ",")
	nc, err := nats.Connect(servers, dialOptions(cfg, name, timeout, logger)...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", servers, err)
	}
	logger.Info("bus connected", slog.String("url", nc.ConnectedUrl()))
	return &Client{nc: nc, logger: logger}, nil
}

func dialOptions(cfg config.BusConfig, name string, timeout time.Duration, logger *slog.Logger) []nats.Option {
	opts := []nats.Option{
		nats.Name(name),
		nats.Timeout(timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("bus disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("bus reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
	}
	switch {
	case cfg.Token != "":
		opts = append(opts, nats.Token(cfg.Token))
	case cfg.Username != "" || cfg.Password != "":
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.TLSInsecure {
		opts = append(opts, nats.Secure(&tls.Config{InsecureSkipVerify: true}))
	}
	return opts
}

// Close drains pending messages before closing. Safe on a nil client.
func (c *Client) Close() {
	if c == nil {
		return
	}
	if err := c.nc.Drain(); err != nil {
		c.logger.Warn("bus drain failed", slog.String("error", err.Error()))
	}
	c.nc.Close()
}

func (c *Client) Healthy() bool {
	return c != nil && c.nc != nil && c.nc.IsConnected()
}

// PublishJSON marshals v and publishes it on subject.
func (c *Client) PublishJSON(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", subject, err)
	}
	return c.nc.Publish(subject, data)
}

// RequestJSON sends req on subject and decodes the reply into resp.
func (c *Client) RequestJSON(ctx context.Context, subject string, req, resp any) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode %s: %w", subject, err)
	}
	msg, err := c.nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		return fmt.Errorf("request %s: %w", subject, err)
	}
	if err := json.Unmarshal(msg.Data, resp); err != nil {
		return fmt.Errorf("decode %s reply: %w", subject, err)
	}
	return nil
}

// QueueSubscribe delivers each message on subject to one member of group.
func (c *Client) QueueSubscribe(subject, group string, handler nats.MsgHandler) (*nats.Subscription, error) {
	sub, err := c.nc.QueueSubscribe(subject, group, handler)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return sub, nil
}

// Conn exposes the raw connection.
func (c *Client) Conn() *nats.Conn {
	return c.nc
}
