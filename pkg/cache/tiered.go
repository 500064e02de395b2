package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// SweepInterval is how often the periodic sweep scans both tiers for
// expired entries.
const SweepInterval = 5 * time.Minute

// Tiered is the two-tier response cache. The zero value is not usable;
// construct with New.
type Tiered struct {
	cfg    Config
	store  Store // nil means memory-only
	logger zerolog.Logger
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]map[string]*Entry // resourceType -> key -> entry
	order   map[string][]string          // resourceType -> keys, oldest first

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a tiered cache. store may be nil for a memory-only deployment.
func New(cfg Config, store Store, logger zerolog.Logger) *Tiered {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Tiered{
		cfg:     cfg,
		store:   store,
		logger:  logger,
		now:     time.Now,
		entries: make(map[string]map[string]*Entry),
		order:   make(map[string][]string),
		stop:    make(chan struct{}),
	}
}

// durableKey builds the durable-tier key layout "{resourceType}:{key}".
func durableKey(resourceType, key string) string {
	return resourceType + ":" + key
}

// Get returns the cached value for key, or false on a miss. A miss is never
// an error; durable-tier failures are logged and treated as misses.
func (t *Tiered) Get(ctx context.Context, key, resourceType string) (json.RawMessage, bool) {
	now := t.now()

	t.mu.Lock()
	if entry, ok := t.entries[resourceType][key]; ok {
		if entry.Valid(now) {
			t.mu.Unlock()
			CacheHits.WithLabelValues("memory").Inc()
			return entry.Value, true
		}
		t.dropLocked(resourceType, key)
	}
	t.mu.Unlock()

	if t.store == nil {
		CacheMisses.Inc()
		return nil, false
	}

	raw, err := t.store.GetRaw(ctx, durableKey(resourceType, key))
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			CacheErrors.WithLabelValues("get").Inc()
			t.logger.Warn().Err(err).Str("key", key).Msg("Durable tier get failed")
		}
		CacheMisses.Inc()
		return nil, false
	}

	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		CacheErrors.WithLabelValues("get").Inc()
		t.logger.Warn().Err(err).Str("key", key).Msg("Corrupt durable cache entry, dropping")
		t.deleteDurable(ctx, resourceType, key)
		CacheMisses.Inc()
		return nil, false
	}

	if !entry.Valid(now) {
		t.deleteDurable(ctx, resourceType, key)
		CacheMisses.Inc()
		return nil, false
	}

	// Promote into the fast tier so the next read skips the durable store.
	t.mu.Lock()
	t.insertLocked(resourceType, key, &entry)
	t.mu.Unlock()

	CacheHits.WithLabelValues("durable").Inc()
	return entry.Value, true
}

// Set stores value under key with the TTL of resourceType's namespace,
// writing to both tiers, then enforces the fast-tier size budget.
func (t *Tiered) Set(ctx context.Context, key string, value json.RawMessage, resourceType string) {
	now := t.now()
	ns := t.cfg.namespace(resourceType)
	entry := &Entry{
		Value:     value,
		CreatedAt: now,
		ExpiresAt: now.Add(ns.TTL),
	}

	t.mu.Lock()
	t.insertLocked(resourceType, key, entry)
	t.mu.Unlock()

	if t.store == nil {
		return
	}

	raw, err := json.Marshal(entry)
	if err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		t.logger.Warn().Err(err).Str("key", key).Msg("Marshal cache entry failed")
		return
	}
	if err := t.store.SetRaw(ctx, durableKey(resourceType, key), raw); err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		t.logger.Warn().Err(err).Str("key", key).Msg("Durable tier set failed")
	}
}

// Remove deletes key from both tiers.
func (t *Tiered) Remove(ctx context.Context, key, resourceType string) {
	t.mu.Lock()
	t.dropLocked(resourceType, key)
	t.mu.Unlock()
	t.deleteDurable(ctx, resourceType, key)
}

// Clear empties one resource type, or the whole cache when resourceType
// is empty.
func (t *Tiered) Clear(ctx context.Context, resourceType string) {
	t.mu.Lock()
	if resourceType == "" {
		t.entries = make(map[string]map[string]*Entry)
		t.order = make(map[string][]string)
	} else {
		delete(t.entries, resourceType)
		delete(t.order, resourceType)
	}
	t.mu.Unlock()

	if t.store == nil {
		return
	}

	prefix := ""
	if resourceType != "" {
		prefix = resourceType + ":"
	}
	keys, err := t.store.ListKeys(ctx, prefix)
	if err != nil {
		CacheErrors.WithLabelValues("list").Inc()
		t.logger.Warn().Err(err).Msg("Durable tier list failed during clear")
		return
	}
	for _, k := range keys {
		if err := t.store.DeleteRaw(ctx, k); err != nil {
			CacheErrors.WithLabelValues("delete").Inc()
			t.logger.Warn().Err(err).Str("key", k).Msg("Durable tier delete failed during clear")
		}
	}
}

// Len returns the fast-tier entry count for resourceType.
func (t *Tiered) Len(resourceType string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries[resourceType])
}

// StartSweeper launches the periodic expiry sweep. It stops when ctx is
// done or Close is called.
func (t *Tiered) StartSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.sweep(ctx)
			case <-ctx.Done():
				return
			case <-t.stop:
				return
			}
		}
	}()
}

// Close stops the sweeper and closes the durable store, if any.
func (t *Tiered) Close() error {
	t.stopOnce.Do(func() { close(t.stop) })
	if t.store != nil {
		return t.store.Close()
	}
	return nil
}

// sweep removes every expired entry from both tiers, independent of access
// patterns. This bounds growth from keys written once and never re-read.
func (t *Tiered) sweep(ctx context.Context) {
	now := t.now()
	removed := 0

	t.mu.Lock()
	for resourceType, byKey := range t.entries {
		for key, entry := range byKey {
			if !entry.Valid(now) {
				t.dropLocked(resourceType, key)
				removed++
			}
		}
	}
	t.mu.Unlock()
	if removed > 0 {
		CacheSweepRemoved.WithLabelValues("memory").Add(float64(removed))
	}

	if t.store == nil {
		t.logger.Debug().Int("removed", removed).Msg("Cache sweep complete")
		return
	}

	keys, err := t.store.ListKeys(ctx, "")
	if err != nil {
		CacheErrors.WithLabelValues("list").Inc()
		t.logger.Warn().Err(err).Msg("Durable tier list failed during sweep")
		return
	}

	durableRemoved := 0
	for _, k := range keys {
		raw, err := t.store.GetRaw(ctx, k)
		if err != nil {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(raw, &entry); err != nil || !entry.Valid(now) {
			if err := t.store.DeleteRaw(ctx, k); err != nil {
				CacheErrors.WithLabelValues("delete").Inc()
				continue
			}
			durableRemoved++
		}
	}
	if durableRemoved > 0 {
		CacheSweepRemoved.WithLabelValues("durable").Add(float64(durableRemoved))
	}

	t.logger.Debug().
		Int("memory_removed", removed).
		Int("durable_removed", durableRemoved).
		Msg("Cache sweep complete")
}

// insertLocked places entry into the fast tier and enforces the namespace
// size budget with FIFO-by-creation eviction. Caller holds t.mu.
func (t *Tiered) insertLocked(resourceType, key string, entry *Entry) {
	byKey := t.entries[resourceType]
	if byKey == nil {
		byKey = make(map[string]*Entry)
		t.entries[resourceType] = byKey
	}

	if _, exists := byKey[key]; exists {
		// Replacement gets a fresh creation time, so it moves to the
		// back of the eviction order.
		t.removeFromOrderLocked(resourceType, key)
	}
	byKey[key] = entry
	t.order[resourceType] = append(t.order[resourceType], key)

	max := t.cfg.namespace(resourceType).MaxEntries
	for max > 0 && len(byKey) > max {
		oldest := t.order[resourceType][0]
		t.order[resourceType] = t.order[resourceType][1:]
		delete(byKey, oldest)
		CacheEvictions.WithLabelValues(resourceType).Inc()
	}
}

// dropLocked removes key from the fast tier. Caller holds t.mu.
func (t *Tiered) dropLocked(resourceType, key string) {
	if byKey, ok := t.entries[resourceType]; ok {
		delete(byKey, key)
	}
	t.removeFromOrderLocked(resourceType, key)
}

func (t *Tiered) removeFromOrderLocked(resourceType, key string) {
	order := t.order[resourceType]
	for i, k := range order {
		if k == key {
			t.order[resourceType] = append(order[:i:i], order[i+1:]...)
			return
		}
	}
}

// deleteDurable removes a key from the durable tier, logging failures.
func (t *Tiered) deleteDurable(ctx context.Context, resourceType, key string) {
	if t.store == nil {
		return
	}
	if err := t.store.DeleteRaw(ctx, durableKey(resourceType, key)); err != nil {
		CacheErrors.WithLabelValues("delete").Inc()
		t.logger.Warn().Err(err).Str("key", key).Msg("Durable tier delete failed")
	}
}
