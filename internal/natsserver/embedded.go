// Package natsserver runs an in-process NATS server so the bus bridge works
// as a single binary.
package natsserver

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-dialogue/internal/config"
	"github.com/nats-io/nats-server/v2/server"
)

const readyTimeout = 5 * time.Second

type EmbeddedServer struct {
	srv    *server.Server
	logger *slog.Logger
}

// Start returns nil, nil unless the bus is enabled in embedded mode. The
// server only listens on loopback; port -1 picks a free one.
func Start(cfg config.BusConfig, logger *slog.Logger) (*EmbeddedServer, error) {
	if !cfg.Enabled || !cfg.Embedded {
		return nil, nil
	}
	logger = logger.With(slog.String("component", "embedded-bus"))

	srv, err := server.NewServer(serverOptions(cfg))
	if err != nil {
		return nil, fmt.Errorf("embedded bus: %w", err)
	}
	go srv.Start()
	if !srv.ReadyForConnections(readyTimeout) {
		srv.Shutdown()
		return nil, fmt.Errorf("embedded bus not ready after %s", readyTimeout)
	}

	logger.Info("embedded bus listening", slog.String("url", srv.ClientURL()))
	return &EmbeddedServer{srv: srv, logger: logger}, nil
}

func serverOptions(cfg config.BusConfig) *server.Options {
	opts := &server.Options{
		ServerName: "loqa-dialogue-embedded",
		Host:       "127.0.0.1",
		Port:       cfg.Port,
		NoLog:      true,
		NoSigs:     true,
	}
	if cfg.Token != "" {
		opts.Authorization = cfg.Token
	} else if cfg.Username != "" {
		opts.Username, opts.Password = cfg.Username, cfg.Password
	}
	return opts
}

func (e *EmbeddedServer) ClientURL() string {
	return e.srv.ClientURL()
}

// Shutdown is a no-op on nil so callers can defer it unconditionally.
func (e *EmbeddedServer) Shutdown() {
	if e == nil {
		return
	}
	e.srv.Shutdown()
	e.srv.WaitForShutdown()
	e.logger.Info("embedded bus stopped")
}
