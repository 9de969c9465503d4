package history

import (
	"context"
	"slices"
	"sync"
	"time"
)

type memorySession struct {
	messages     []Message
	lastActivity time.Time
}

// MemoryStore is a map-backed Store.
type MemoryStore struct {
	mu          sync.RWMutex
	sessions    map[string]*memorySession
	maxMessages int
	ttl         time.Duration
	clock       func() time.Time
}

func NewMemoryStore(maxMessages int, ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		sessions:    make(map[string]*memorySession),
		maxMessages: maxMessages,
		ttl:         ttl,
		clock:       time.Now,
	}
}

func (s *MemoryStore) Append(_ context.Context, sessionID string, msgs ...Message) error {
	now := s.clock()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeLocked(now)

	sess, ok := s.sessions[sessionID]
	if !ok {
		sess = &memorySession{}
		s.sessions[sessionID] = sess
	}
	for _, m := range msgs {
		if m.Timestamp.IsZero() {
			m.Timestamp = now
		}
		sess.messages = append(sess.messages, m)
	}
	if s.maxMessages > 0 && len(sess.messages) > s.maxMessages {
		sess.messages = slices.Clone(sess.messages[len(sess.messages)-s.maxMessages:])
	}
	sess.lastActivity = now
	return nil
}

func (s *MemoryStore) List(_ context.Context, sessionID string) ([]Message, error) {
	now := s.clock()
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok || s.expired(sess, now) {
		return []Message{}, nil
	}
	return slices.Clone(sess.messages), nil
}

// Len returns the number of live sessions.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeLocked(s.clock())
	return len(s.sessions)
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) expired(sess *memorySession, now time.Time) bool {
	return s.ttl > 0 && now.Sub(sess.lastActivity) > s.ttl
}

func (s *MemoryStore) purgeLocked(now time.Time) {
	for id, sess := range s.sessions {
		if s.expired(sess, now) {
			delete(s.sessions, id)
		}
	}
}
