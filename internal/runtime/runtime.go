package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-dialogue/internal/api"
	"github.com/loqalabs/loqa-dialogue/internal/config"
)

const shutdownTimeout = 10 * time.Second

type Runtime struct {
	cfg           config.Config
	version       string
	logger        *slog.Logger
	components    *Components
	httpServer    *http.Server
	metricsServer *http.Server
	ready         atomic.Bool
	wg            sync.WaitGroup
}

func New(cfg config.Config, version string, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:     cfg,
		version: version,
		logger:  logger,
	}
}

// Start serves until ctx is cancelled or a listener fails, then shuts down.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricHandler, err := setupTelemetry(r.cfg, r.version, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}

	components, err := Build(ctx, r.cfg, r.logger)
	if err != nil {
		_ = shutdownTelemetry(context.Background())
		return fmt.Errorf("failed to build components: %w", err)
	}
	r.components = components

	server := api.New(r.cfg, r.version, api.Deps{
		Orchestrator: components.Orchestrator,
		Metrics:      components.Metrics,
		CacheStats:   components.CacheStats,
		History:      components.History,
		Speaker:      components.Speaker,
		LipSync:      components.LipSync,
		Logger:       r.logger,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.Handle("/", server.Handler())

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: time.Duration(r.cfg.HTTP.ReadHeaderTimeout) * time.Millisecond,
		// streams end when the runtime stops
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errs := make(chan error, 2)
	r.serve(r.httpServer, "http", errs)

	if metricHandler != nil && r.cfg.Telemetry.PrometheusBind != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricHandler)
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.serve(r.metricsServer, "prometheus", errs)
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.String("version", r.version))

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errs:
	}
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	cancel()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()
	components.Close()

	if err := shutdownTelemetry(shutdownCtx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
	return runErr
}

func (r *Runtime) serve(srv *http.Server, name string, errs chan<- error) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("server", name), slog.String("error", err.Error()))
			errs <- fmt.Errorf("%s server: %w", name, err)
		}
	}()
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.components != nil && r.components.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
