package metrics

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/loqalabs/loqa-dialogue/internal/protocol"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// latencyWindow is how many recent latencies feed the median and p95.
const latencyWindow = 1000

// Snapshot is a point-in-time copy of the recorded counters.
type Snapshot struct {
	TotalRequests       int64   `json:"total_requests"`
	ModelRequests       int64   `json:"model_requests"`
	CacheRequests       int64   `json:"cache_requests"`
	FallbackRequests    int64   `json:"fallback_requests"`
	HostedRequests      int64   `json:"hosted_requests"`
	LocalRequests       int64   `json:"local_requests"`
	RateLimitedRequests int64   `json:"rate_limited_requests"`
	StreamErrors        int64   `json:"stream_errors"`
	FallbackRate        float64 `json:"fallback_rate"`
	LatencyMedianMS     int64   `json:"latency_median_ms"`
	LatencyP95MS        int64   `json:"latency_p95_ms"`
}

// Recorder accumulates request outcomes for the process lifetime and mirrors
// them into OpenTelemetry instruments.
type Recorder struct {
	mu          sync.Mutex
	total       int64
	bySource    map[protocol.Source]int64
	byProvider  map[string]int64
	rateLimited int64
	streamErrs  int64
	latencies   []int64
	next        int

	requests    metric.Int64Counter
	latency     metric.Float64Histogram
	limited     metric.Int64Counter
	streamFails metric.Int64Counter
}

// NewRecorder creates a recorder whose instruments come from meter.
func NewRecorder(meter metric.Meter) (*Recorder, error) {
	requests, err := meter.Int64Counter("dialogue.requests",
		metric.WithDescription("Completed dialogue exchanges by source and provider"))
	if err != nil {
		return nil, err
	}
	latency, err := meter.Float64Histogram("dialogue.latency",
		metric.WithDescription("End-to-end dialogue latency"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	limited, err := meter.Int64Counter("dialogue.rate_limited",
		metric.WithDescription("Requests rejected by the rate limiter"))
	if err != nil {
		return nil, err
	}
	streamFails, err := meter.Int64Counter("dialogue.stream_errors",
		metric.WithDescription("Streams aborted after the first token"))
	if err != nil {
		return nil, err
	}
	return &Recorder{
		bySource:    make(map[protocol.Source]int64),
		byProvider:  make(map[string]int64),
		latencies:   make([]int64, 0, latencyWindow),
		requests:    requests,
		latency:     latency,
		limited:     limited,
		streamFails: streamFails,
	}, nil
}

// Record counts one completed exchange.
func (r *Recorder) Record(source protocol.Source, provider string, latency time.Duration) {
	ms := latency.Milliseconds()

	r.mu.Lock()
	r.total++
	r.bySource[source]++
	if provider != "" {
		r.byProvider[provider]++
	}
	if len(r.latencies) < latencyWindow {
		r.latencies = append(r.latencies, ms)
	} else {
		r.latencies[r.next] = ms
		r.next = (r.next + 1) % latencyWindow
	}
	r.mu.Unlock()

	attrs := metric.WithAttributes(
		attribute.String("source", string(source)),
		attribute.String("provider", provider),
	)
	r.requests.Add(context.Background(), 1, attrs)
	r.latency.Record(context.Background(), float64(ms), attrs)
}

func (r *Recorder) RecordRateLimited() {
	r.mu.Lock()
	r.rateLimited++
	r.mu.Unlock()
	r.limited.Add(context.Background(), 1)
}

func (r *Recorder) RecordStreamError() {
	r.mu.Lock()
	r.streamErrs++
	r.mu.Unlock()
	r.streamFails.Add(context.Background(), 1)
}

func (r *Recorder) Snapshot() Snapshot {
	r.mu.Lock()
	s := Snapshot{
		TotalRequests:       r.total,
		ModelRequests:       r.bySource[protocol.SourceModel],
		CacheRequests:       r.bySource[protocol.SourceCache],
		FallbackRequests:    r.bySource[protocol.SourceFallback],
		HostedRequests:      r.byProvider["hosted"],
		LocalRequests:       r.byProvider["local"],
		RateLimitedRequests: r.rateLimited,
		StreamErrors:        r.streamErrs,
	}
	sorted := slices.Clone(r.latencies)
	r.mu.Unlock()

	if s.TotalRequests > 0 {
		s.FallbackRate = float64(s.FallbackRequests) / float64(s.TotalRequests)
	}
	if n := len(sorted); n > 0 {
		slices.Sort(sorted)
		s.LatencyMedianMS = sorted[n/2]
		s.LatencyP95MS = sorted[min(int(float64(n)*0.95), n-1)]
	}
	return s
}
