// Package cache implements the shared two-tier cache: a small in-process
// hot tier in front of the shared networked key/value store. The cache
// accelerates reads, it never gates correctness; every failure path
// degrades to a miss.
package cache

import (
	"context"
	"path"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/sentinelops/threatgraph/internal/domain"
	"github.com/sentinelops/threatgraph/internal/kv"
	"github.com/sentinelops/threatgraph/internal/logging"
	"github.com/sentinelops/threatgraph/internal/metrics"
)

// Config contains cache manager settings.
type Config struct {
	// TTLs maps entity type to default entry lifetime. Overridable per
	// call.
	TTLs map[domain.EntityType]time.Duration

	// DefaultTTL applies to types absent from TTLs.
	DefaultTTL time.Duration

	// L1Size is the hot-tier capacity; zero disables the hot tier.
	L1Size int

	// L1Expiration bounds hot-tier staleness after an invalidation made
	// by another process against the shared tier.
	L1Expiration time.Duration
}

// DefaultConfig returns a default cache configuration.
func DefaultConfig() Config {
	return Config{
		TTLs: map[domain.EntityType]time.Duration{
			domain.EntityIndicator:  time.Hour,
			domain.EntityActor:      time.Hour,
			domain.EntityCampaign:   time.Hour,
			domain.EntityAlert:      time.Hour,
			domain.EntityFeedStatus: 5 * time.Minute,
			domain.EntityEnrichment: 24 * time.Hour,
			domain.EntityAnalytics:  15 * time.Minute,
			domain.EntitySearch:     5 * time.Minute,
		},
		DefaultTTL:   5 * time.Minute,
		L1Size:       10000,
		L1Expiration: 30 * time.Second,
	}
}

// Entry pairs a key with its serialized value for batch writes.
type Entry struct {
	Key   domain.EntityKey
	Value []byte
}

// l1Item wraps a hot-tier value with its expiry.
type l1Item struct {
	value     []byte
	expiresAt time.Time
}

// Manager is the shared cache facade. Safe for concurrent use; the shared
// tier is last-write-wins with no client-side locking.
type Manager struct {
	config Config
	store  kv.Store
	l1     *lru.TwoQueueCache
	group  singleflight.Group

	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// New creates a cache manager over the given shared store.
func New(config Config, store kv.Store) (*Manager, error) {
	m := &Manager{
		config:  config,
		store:   store,
		logger:  logging.Component("cache"),
		metrics: metrics.Get(),
	}
	if config.L1Size > 0 {
		l1, err := lru.New2Q(config.L1Size)
		if err != nil {
			return nil, err
		}
		m.l1 = l1
	}
	return m, nil
}

// TTLFor returns the effective TTL for an entity type.
func (m *Manager) TTLFor(entityType domain.EntityType) time.Duration {
	if ttl, ok := m.config.TTLs[entityType]; ok {
		return ttl
	}
	return m.config.DefaultTTL
}

func (m *Manager) effectiveTTL(entityType domain.EntityType, override []time.Duration) time.Duration {
	if len(override) > 0 && override[0] > 0 {
		return override[0]
	}
	return m.TTLFor(entityType)
}

// Get returns the cached value for key. A degraded shared tier reads as a
// miss with a warning, never an error.
func (m *Manager) Get(ctx context.Context, key domain.EntityKey) ([]byte, bool) {
	ks := key.String()

	if m.l1 != nil {
		if v, ok := m.l1.Get(ks); ok {
			item := v.(l1Item)
			if time.Now().Before(item.expiresAt) {
				m.metrics.CacheRequestsTotal.WithLabelValues("l1", "hit").Inc()
				return item.value, true
			}
			m.l1.Remove(ks)
		}
		m.metrics.CacheRequestsTotal.WithLabelValues("l1", "miss").Inc()
	}

	start := time.Now()
	value, found, err := m.store.Get(ctx, ks)
	m.metrics.CacheOperationDuration.WithLabelValues("get").Observe(time.Since(start).Seconds())
	if err != nil {
		m.degrade("get", err)
		return nil, false
	}
	if !found {
		m.metrics.CacheRequestsTotal.WithLabelValues("l2", "miss").Inc()
		return nil, false
	}

	m.metrics.CacheRequestsTotal.WithLabelValues("l2", "hit").Inc()
	m.setL1(ks, value)
	return value, true
}

// Set writes the value under its per-type TTL, or the per-call override.
func (m *Manager) Set(ctx context.Context, key domain.EntityKey, value []byte, ttlOverride ...time.Duration) {
	ks := key.String()
	ttl := m.effectiveTTL(key.Type, ttlOverride)

	start := time.Now()
	if err := m.store.Set(ctx, ks, value, ttl); err != nil {
		m.degrade("set", err)
		return
	}
	m.metrics.CacheOperationDuration.WithLabelValues("set").Observe(time.Since(start).Seconds())
	m.setL1(ks, value)
}

// MGet returns one value per key, nil at missed positions, in a single
// pipelined round trip against the shared tier.
func (m *Manager) MGet(ctx context.Context, keys []domain.EntityKey) [][]byte {
	out := make([][]byte, len(keys))
	if len(keys) == 0 {
		return out
	}

	// Serve what the hot tier can, batch the rest
	missing := make([]string, 0, len(keys))
	missingIdx := make([]int, 0, len(keys))
	for i, key := range keys {
		ks := key.String()
		if m.l1 != nil {
			if v, ok := m.l1.Get(ks); ok {
				item := v.(l1Item)
				if time.Now().Before(item.expiresAt) {
					m.metrics.CacheRequestsTotal.WithLabelValues("l1", "hit").Inc()
					out[i] = item.value
					continue
				}
				m.l1.Remove(ks)
			}
			m.metrics.CacheRequestsTotal.WithLabelValues("l1", "miss").Inc()
		}
		missing = append(missing, ks)
		missingIdx = append(missingIdx, i)
	}
	if len(missing) == 0 {
		return out
	}

	start := time.Now()
	values, err := m.store.MGet(ctx, missing)
	m.metrics.CacheOperationDuration.WithLabelValues("mget").Observe(time.Since(start).Seconds())
	if err != nil {
		m.degrade("mget", err)
		return out
	}

	for j, v := range values {
		if v == nil {
			m.metrics.CacheRequestsTotal.WithLabelValues("l2", "miss").Inc()
			continue
		}
		m.metrics.CacheRequestsTotal.WithLabelValues("l2", "hit").Inc()
		out[missingIdx[j]] = v
		m.setL1(missing[j], v)
	}
	return out
}

// MSet writes all entries in a single pipelined round trip. Entries of
// mixed types are grouped by TTL.
func (m *Manager) MSet(ctx context.Context, entries []Entry, ttlOverride ...time.Duration) {
	if len(entries) == 0 {
		return
	}

	byTTL := make(map[time.Duration]map[string][]byte)
	for _, e := range entries {
		ttl := m.effectiveTTL(e.Key.Type, ttlOverride)
		group, ok := byTTL[ttl]
		if !ok {
			group = make(map[string][]byte)
			byTTL[ttl] = group
		}
		group[e.Key.String()] = e.Value
	}

	start := time.Now()
	for ttl, group := range byTTL {
		if err := m.store.MSet(ctx, group, ttl); err != nil {
			m.degrade("mset", err)
			return
		}
		for ks, v := range group {
			m.setL1(ks, v)
		}
	}
	m.metrics.CacheOperationDuration.WithLabelValues("mset").Observe(time.Since(start).Seconds())
}

// Delete removes the given keys from both tiers.
func (m *Manager) Delete(ctx context.Context, keys ...domain.EntityKey) {
	if len(keys) == 0 {
		return
	}
	raw := make([]string, len(keys))
	for i, k := range keys {
		raw[i] = k.String()
		if m.l1 != nil {
			m.l1.Remove(raw[i])
		}
	}
	if err := m.store.Delete(ctx, raw...); err != nil {
		m.degrade("delete", err)
	}
}

// GetOrLoad returns the cached value or computes it once. Concurrent
// misses of the same key share a single compute via singleflight, so an
// expensive recomputation cannot stampede the backing source.
func (m *Manager) GetOrLoad(ctx context.Context, key domain.EntityKey, load func(ctx context.Context) ([]byte, error), ttlOverride ...time.Duration) ([]byte, error) {
	if value, ok := m.Get(ctx, key); ok {
		return value, nil
	}

	ks := key.String()
	v, err, _ := m.group.Do(ks, func() (interface{}, error) {
		// Re-check: another flight may have populated the key already
		if value, ok := m.Get(ctx, key); ok {
			return value, nil
		}
		value, err := load(ctx)
		if err != nil {
			return nil, err
		}
		m.Set(ctx, key, value, ttlOverride...)
		return value, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// setL1 populates the hot tier.
func (m *Manager) setL1(key string, value []byte) {
	if m.l1 == nil {
		return
	}
	m.l1.Add(key, l1Item{value: value, expiresAt: time.Now().Add(m.config.L1Expiration)})
}

// purgeL1Pattern removes hot-tier keys matching the glob pattern.
func (m *Manager) purgeL1Pattern(pattern string) {
	if m.l1 == nil {
		return
	}
	for _, k := range m.l1.Keys() {
		ks, ok := k.(string)
		if !ok {
			continue
		}
		if matched, _ := path.Match(pattern, ks); matched {
			m.l1.Remove(ks)
		}
	}
}

// degrade records a shared-tier failure. The cache accelerates reads; a
// broken cache is a warning and a miss, never a caller-visible error.
func (m *Manager) degrade(operation string, err error) {
	m.metrics.CacheUnavailableTotal.Inc()
	m.logger.Warn().Err(err).Str("operation", operation).Msg("Shared cache unavailable, degrading to backing store")
}
