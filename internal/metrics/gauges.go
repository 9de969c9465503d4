package metrics

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

// GaugeSources reports the size of shared bounded state. Nil funcs are
// skipped.
type GaugeSources struct {
	CacheEntries     func() int
	RateLimitClients func() int
}

// RegisterGauges exposes the sources as observable gauges on meter.
func RegisterGauges(meter metric.Meter, src GaugeSources) (metric.Registration, error) {
	entries, err := meter.Int64ObservableGauge("dialogue.cache.entries",
		metric.WithDescription("Replies currently held in the response cache"))
	if err != nil {
		return nil, err
	}
	clients, err := meter.Int64ObservableGauge("dialogue.ratelimit.clients",
		metric.WithDescription("Clients with calls inside the rate limit window"))
	if err != nil {
		return nil, err
	}
	return meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		if src.CacheEntries != nil {
			obs.ObserveInt64(entries, int64(src.CacheEntries()))
		}
		if src.RateLimitClients != nil {
			obs.ObserveInt64(clients, int64(src.RateLimitClients()))
		}
		return nil
	}, entries, clients)
}
