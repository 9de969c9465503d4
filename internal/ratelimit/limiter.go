package ratelimit

import (
	"sync"
	"time"
)

// DefaultWindow is the trailing window admissions are counted over.
const DefaultWindow = 60 * time.Second

// Limiter admits at most limit calls per client within a sliding window.
type Limiter struct {
	mu        sync.Mutex
	limit     int
	window    time.Duration
	clients   map[string][]time.Time
	lastSweep time.Time
	clock     func() time.Time
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(l *Limiter) { l.clock = clock }
}

// New returns a limiter. A limit <= 0 disables limiting.
func New(limit int, window time.Duration, opts ...Option) *Limiter {
	if window <= 0 {
		window = DefaultWindow
	}
	l := &Limiter{
		limit:   limit,
		window:  window,
		clients: make(map[string][]time.Time),
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.lastSweep = l.clock()
	return l
}

// Admit records a call for clientID and reports whether it is within the limit.
// Rejected calls are not recorded.
func (l *Limiter) Admit(clientID string) bool {
	if l.limit <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	cutoff := now.Add(-l.window)
	if now.Sub(l.lastSweep) >= l.window {
		l.sweep(cutoff)
		l.lastSweep = now
	}

	calls := prune(l.clients[clientID], cutoff)
	if len(calls) >= l.limit {
		l.clients[clientID] = calls
		return false
	}
	l.clients[clientID] = append(calls, now)
	return true
}

// Remaining returns how many more calls clientID may make right now.
func (l *Limiter) Remaining(clientID string) int {
	if l.limit <= 0 {
		return -1
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	calls := prune(l.clients[clientID], l.clock().Add(-l.window))
	l.clients[clientID] = calls
	if n := l.limit - len(calls); n > 0 {
		return n
	}
	return 0
}

// Clients returns the number of tracked clients.
func (l *Limiter) Clients() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

func (l *Limiter) sweep(cutoff time.Time) {
	for id, calls := range l.clients {
		if calls = prune(calls, cutoff); len(calls) == 0 {
			delete(l.clients, id)
		} else {
			l.clients[id] = calls
		}
	}
}

// prune drops timestamps at or before cutoff. Timestamps are in ascending order.
func prune(calls []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(calls) && !calls[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return calls
	}
	return append(calls[:0], calls[i:]...)
}
