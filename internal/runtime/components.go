package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-dialogue/internal/bridge"
	"github.com/loqalabs/loqa-dialogue/internal/bus"
	"github.com/loqalabs/loqa-dialogue/internal/cache"
	"github.com/loqalabs/loqa-dialogue/internal/config"
	"github.com/loqalabs/loqa-dialogue/internal/dialogue"
	"github.com/loqalabs/loqa-dialogue/internal/fallback"
	"github.com/loqalabs/loqa-dialogue/internal/history"
	"github.com/loqalabs/loqa-dialogue/internal/lipsync"
	"github.com/loqalabs/loqa-dialogue/internal/llm"
	"github.com/loqalabs/loqa-dialogue/internal/metrics"
	"github.com/loqalabs/loqa-dialogue/internal/natsserver"
	"github.com/loqalabs/loqa-dialogue/internal/ratelimit"
	"github.com/loqalabs/loqa-dialogue/internal/tts"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// AudioRoute is where lip-sync run audio is served.
const AudioRoute = "/a2f/audio"

// Components is the shared state of one relay process.
type Components struct {
	Orchestrator *dialogue.Orchestrator
	Metrics      *metrics.Recorder
	CacheStats   func() cache.Stats
	History      history.Store
	Speaker      *tts.Speaker
	LipSync      *lipsync.Library

	embedded *natsserver.EmbeddedServer
	bus      *bus.Client
	bridge   *bridge.Service
	shared   *cache.RedisCache
	gauges   metric.Registration
	logger   *slog.Logger
}

// Build constructs every component from cfg. Metrics instruments come from
// the global meter provider, so telemetry must be set up first when wanted.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *Components, err error) {
	c := &Components{logger: logger}
	defer func() {
		if err != nil {
			c.Close()
		}
	}()

	meter := otel.Meter("github.com/loqalabs/loqa-dialogue")
	c.Metrics, err = metrics.NewRecorder(meter)
	if err != nil {
		return nil, fmt.Errorf("create metrics recorder: %w", err)
	}

	model, err := llm.NewClientFromConfig(cfg.LLM, logger)
	if err != nil {
		return nil, fmt.Errorf("create model client: %w", err)
	}

	c.History, err = history.Open(ctx, cfg.History, logger)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}

	limiter := ratelimit.New(cfg.RateLimit.CallsPerWindow, time.Duration(cfg.RateLimit.WindowMS)*time.Millisecond)
	deps := dialogue.Deps{
		Model:    model,
		Fallback: fallback.New(),
		Metrics:  c.Metrics,
		Limiter:  limiter,
		History:  c.History,
		Logger:   logger,
	}
	gauges := metrics.GaugeSources{RateLimitClients: limiter.Clients}
	if cfg.Cache.Enabled {
		ttl := time.Duration(cfg.Cache.TTLMS) * time.Millisecond
		switch cfg.Cache.Driver {
		case "redis":
			rc := cfg.Cache.Redis
			c.shared = cache.NewRedis(redis.NewClient(&redis.Options{
				Addr:     rc.Addr,
				Password: rc.Password,
				DB:       rc.DB,
			}), ttl, rc.KeyPrefix, time.Duration(rc.TimeoutMS)*time.Millisecond, logger)
			deps.Cache = c.shared
			c.CacheStats = c.shared.Stats
		default:
			responses := cache.New(cfg.Cache.Capacity, ttl)
			deps.Cache = responses
			c.CacheStats = responses.Stats
			gauges.CacheEntries = responses.Len
		}
	}
	if c.gauges, err = metrics.RegisterGauges(meter, gauges); err != nil {
		return nil, fmt.Errorf("register gauges: %w", err)
	}

	if cfg.Bus.Enabled {
		if err := c.connectBus(ctx, cfg); err != nil {
			return nil, err
		}
		deps.Notifier = bridge.NewNotifier(cfg.Bus.CompletedSubject, c.bus, logger)
	}

	c.Orchestrator, err = dialogue.New(deps,
		dialogue.WithSystemPrompt(cfg.LLM.SystemPrompt),
		dialogue.WithCredentialScopedCache(cfg.Cache.ScopeByCredential))
	if err != nil {
		return nil, err
	}

	if c.bus != nil {
		c.bridge = bridge.NewService(ctx, cfg.Bus.RequestSubject, c.bus, c.Orchestrator, logger)
		if err := c.bridge.Start(); err != nil {
			return nil, err
		}
	}

	c.Speaker, err = tts.NewSpeakerFromConfig(cfg.TTS, logger)
	if err != nil {
		return nil, fmt.Errorf("create tts: %w", err)
	}
	c.LipSync = lipsync.NewLibrary(cfg.LipSync.OutputDir, AudioRoute)
	return c, nil
}

func (c *Components) connectBus(ctx context.Context, cfg config.Config) error {
	busCfg := cfg.Bus
	embedded, err := natsserver.Start(busCfg, c.logger)
	if err != nil {
		return err
	}
	c.embedded = embedded
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}
	c.bus, err = bus.Connect(ctx, busCfg, cfg.RuntimeName, c.logger)
	return err
}

// Healthy reports whether the optional bus pieces are connected.
func (c *Components) Healthy() bool {
	if c.bridge == nil {
		return true
	}
	return c.bridge.Healthy()
}

// Close releases components in reverse order of construction.
func (c *Components) Close() {
	if c.gauges != nil {
		_ = c.gauges.Unregister()
	}
	if c.bridge != nil {
		c.bridge.Close()
	}
	if c.bus != nil {
		c.bus.Close()
	}
	c.embedded.Shutdown()
	if c.shared != nil {
		if err := c.shared.Close(); err != nil {
			c.logger.Warn("failed to close redis cache", slog.String("error", err.Error()))
		}
	}
	if c.History != nil {
		if err := c.History.Close(); err != nil {
			c.logger.Warn("failed to close history", slog.String("error", err.Error()))
		}
	}
}
