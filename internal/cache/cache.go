// Package cache holds encoded responses of code lookup transactions.
package cache

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"

	"github.com/R3E-Network/transaction_gateway/internal/envelope"
	"github.com/R3E-Network/transaction_gateway/internal/logging"
	"github.com/R3E-Network/transaction_gateway/internal/metrics"
)

// Entry is one cached response.
type Entry struct {
	Key         string
	Payload     []byte
	ContentType string
	StoredAt    time.Time
	ExpiresAt   time.Time
}

// Expired reports whether e is stale at now.
func (e *Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// ResponseCache is a TTL map of encoded responses. Concurrent fills of the
// same key run once.
type ResponseCache struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	ttl     time.Duration
	group   singleflight.Group

	cron    *cron.Cron
	metrics *metrics.Metrics
	log     *logging.Logger

	// Now is the clock used for expiry.
	Now func() time.Time
}

// New creates a cache whose entries live for ttl. A zero ttl never expires.
func New(ttl time.Duration, m *metrics.Metrics, log *logging.Logger) *ResponseCache {
	if log == nil {
		log = logging.Default()
	}
	return &ResponseCache{
		entries: make(map[string]*Entry),
		ttl:     ttl,
		metrics: m,
		log:     log,
		Now:     time.Now,
	}
}

// Get returns the live entry for key.
func (c *ResponseCache) Get(key string) (*Entry, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	hit := ok && !e.Expired(c.Now())
	if c.metrics != nil {
		c.metrics.RecordCacheLookup(hit)
	}
	if !hit {
		return nil, false
	}
	return e, true
}

// Set stores payload under key.
func (c *ResponseCache) Set(key string, payload []byte, contentType string) *Entry {
	now := c.Now()
	e := &Entry{
		Key:         key,
		Payload:     append([]byte(nil), payload...),
		ContentType: contentType,
		StoredAt:    now,
	}
	if c.ttl > 0 {
		e.ExpiresAt = now.Add(c.ttl)
	}

	c.mu.Lock()
	c.entries[key] = e
	n := len(c.entries)
	c.mu.Unlock()

	c.observe(n)
	return e
}

// Delete removes key. It reports whether the key was present.
func (c *ResponseCache) Delete(key string) bool {
	c.mu.Lock()
	_, ok := c.entries[key]
	delete(c.entries, key)
	n := len(c.entries)
	c.mu.Unlock()

	c.observe(n)
	return ok
}

// Clear drops every entry and returns how many were removed.
func (c *ResponseCache) Clear() int {
	c.mu.Lock()
	n := len(c.entries)
	c.entries = make(map[string]*Entry)
	c.mu.Unlock()

	c.observe(0)
	return n
}

// Keys returns the stored keys in order.
func (c *ResponseCache) Keys() []string {
	c.mu.RLock()
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	c.mu.RUnlock()

	sort.Strings(keys)
	return keys
}

// Len returns the number of stored entries, expired ones included.
func (c *ResponseCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Sweep removes expired entries and returns how many were dropped.
func (c *ResponseCache) Sweep() int {
	now := c.Now()

	c.mu.Lock()
	removed := 0
	for k, e := range c.entries {
		if e.Expired(now) {
			delete(c.entries, k)
			removed++
		}
	}
	n := len(c.entries)
	c.mu.Unlock()

	c.observe(n)
	return removed
}

// Do returns the live entry for key, or runs fill once for all concurrent
// callers of the same key. fill decides whether its result is stored by
// returning store == true. A result that is not stored belongs to the caller
// whose fill produced it: every caller gets a nil entry and must build its
// own response.
func (c *ResponseCache) Do(key string, fill func() (payload []byte, contentType string, store bool, err error)) (*Entry, bool, error) {
	if e, ok := c.Get(key); ok {
		return e, true, nil
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		if e, ok := c.peek(key); ok {
			return e, nil
		}
		payload, contentType, store, err := fill()
		if err != nil {
			return nil, err
		}
		if store {
			return c.Set(key, payload, contentType), nil
		}
		return nil, nil
	})
	if err != nil {
		return nil, false, err
	}
	e, _ := v.(*Entry)
	return e, false, nil
}

func (c *ResponseCache) peek(key string) (*Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok || e.Expired(c.Now()) {
		return nil, false
	}
	return e, true
}

// StartJanitor sweeps expired entries on schedule, a cron spec such as
// "@every 1m".
func (c *ResponseCache) StartJanitor(schedule string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cron != nil {
		return fmt.Errorf("cache janitor already running")
	}

	cr := cron.New()
	if _, err := cr.AddFunc(schedule, func() {
		if n := c.Sweep(); n > 0 {
			c.log.WithField("removed", n).Debug("expired cache entries swept")
		}
	}); err != nil {
		return fmt.Errorf("cache sweep schedule %q: %w", schedule, err)
	}
	cr.Start()
	c.cron = cr
	return nil
}

// Stop halts the janitor and waits for a running sweep to finish.
func (c *ResponseCache) Stop() {
	c.mu.Lock()
	cr := c.cron
	c.cron = nil
	c.mu.Unlock()

	if cr != nil {
		<-cr.Stop().Done()
	}
}

func (c *ResponseCache) observe(n int) {
	if c.metrics != nil {
		c.metrics.SetCacheEntries(n)
	}
}

// KeyFromGroup renders the first input group of a request as a cache key.
func KeyFromGroup(g []envelope.RequestInput) string {
	parts := make([]string, len(g))
	for i, in := range g {
		value := "null"
		if in.Value != nil {
			value = envelope.FormatCell(in.Value)
		}
		parts[i] = in.FieldID + ":" + value
	}
	return strings.Join(parts, ";")
}
