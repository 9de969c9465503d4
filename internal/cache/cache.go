package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Entry is a cached reply.
type Entry struct {
	Response string
	StoredAt time.Time
}

// Stats summarizes cache effectiveness.
type Stats struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Entries int   `json:"entries,omitempty"`
}

// Cache maps normalized prompts to replies with a fixed TTL and LRU eviction.
// It is best effort: lookups never fail, they only miss.
type Cache struct {
	lru    *expirable.LRU[string, Entry]
	hits   atomic.Int64
	misses atomic.Int64
}

// New creates a cache holding at most capacity entries for ttl each.
func New(capacity int, ttl time.Duration) *Cache {
	return &Cache{lru: expirable.NewLRU[string, Entry](capacity, nil, ttl)}
}

// MakeKey hashes the normalized prompt together with the provider. scope is
// folded in when non-empty so replies obtained with different credentials do
// not leak across callers.
func MakeKey(text, provider, scope string) string {
	h := sha256.New()
	h.Write([]byte(provider))
	h.Write([]byte{0})
	h.Write([]byte(Normalize(text)))
	if scope != "" {
		h.Write([]byte{0})
		h.Write([]byte(scope))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Normalize trims and lowercases a prompt.
func Normalize(text string) string {
	return strings.ToLower(strings.TrimSpace(text))
}

// Fingerprint returns a short stable digest of a credential for use as a key scope.
func Fingerprint(credential string) string {
	if credential == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:8])
}

func (c *Cache) Get(key string) (Entry, bool) {
	entry, ok := c.lru.Get(key)
	if !ok {
		c.misses.Add(1)
		return Entry{}, false
	}
	c.hits.Add(1)
	return entry, true
}

func (c *Cache) Put(key, response string) {
	c.lru.Add(key, Entry{Response: response, StoredAt: time.Now()})
}

func (c *Cache) Len() int {
	return c.lru.Len()
}

func (c *Cache) Stats() Stats {
	return Stats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Entries: c.lru.Len(),
	}
}
