package loader

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sentinelops/threatgraph/internal/cache"
	"github.com/sentinelops/threatgraph/internal/domain"
)

// ScopeConfig contains per-request loader settings.
type ScopeConfig struct {
	// EntityBatchSize caps entity loader batches.
	EntityBatchSize int

	// RelationshipBatchSize caps one-to-many loader batches.
	RelationshipBatchSize int

	// EnrichmentBatchSize caps external-enrichment loader batches; the
	// enrichment provider enforces small request sizes.
	EnrichmentBatchSize int

	// BatchWindow is the shared batch accumulation window.
	BatchWindow time.Duration
}

// DefaultScopeConfig returns the default per-kind batch sizes.
func DefaultScopeConfig() ScopeConfig {
	return ScopeConfig{
		EntityBatchSize:       100,
		RelationshipBatchSize: 50,
		EnrichmentBatchSize:   20,
		BatchWindow:           2 * time.Millisecond,
	}
}

// Scope owns the loaders of one logical request. Loads consult the shared
// cache first and fall through to the backing store in batches; fetched
// values warm the cache for other requests. Discard the scope when the
// request completes.
type Scope struct {
	config ScopeConfig
	cache  *cache.Manager
	store  domain.BackingStore

	mu        sync.Mutex
	entities  map[domain.EntityType]*Loader[string, []byte]
	relations map[string]*Loader[string, [][]byte]
}

// NewScope creates a loader scope for one request.
func NewScope(config ScopeConfig, cm *cache.Manager, store domain.BackingStore) *Scope {
	return &Scope{
		config:    config,
		cache:     cm,
		store:     store,
		entities:  make(map[domain.EntityType]*Loader[string, []byte]),
		relations: make(map[string]*Loader[string, [][]byte]),
	}
}

// Entities returns the scope's loader for one entity type, creating it on
// first use.
func (s *Scope) Entities(entityType domain.EntityType) *Loader[string, []byte] {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.entities[entityType]; ok {
		return l
	}

	batchSize := s.config.EntityBatchSize
	if entityType == domain.EntityEnrichment {
		batchSize = s.config.EnrichmentBatchSize
	}

	l := New(Config{
		Name:         string(entityType),
		MaxBatchSize: batchSize,
		BatchWindow:  s.config.BatchWindow,
	}, s.entityFetch(entityType))
	s.entities[entityType] = l
	return l
}

// entityFetch builds the cache-first batch fetch for one entity type.
func (s *Scope) entityFetch(entityType domain.EntityType) FetchFunc[string, []byte] {
	return func(ctx context.Context, ids []string) ([][]byte, error) {
		keys := make([]domain.EntityKey, len(ids))
		for i, id := range ids {
			keys[i] = domain.Key(entityType, id)
		}

		out := s.cache.MGet(ctx, keys)

		missIDs := make([]string, 0, len(ids))
		missIdx := make([]int, 0, len(ids))
		for i, v := range out {
			if v == nil {
				missIDs = append(missIDs, ids[i])
				missIdx = append(missIdx, i)
			}
		}
		if len(missIDs) == 0 {
			return out, nil
		}

		values, err := s.store.FindByIDs(ctx, entityType, missIDs)
		if err != nil {
			return nil, err
		}
		if len(values) != len(missIDs) {
			return nil, fmt.Errorf("backing store returned %d values for %d ids", len(values), len(missIDs))
		}

		warm := make([]cache.Entry, 0, len(missIDs))
		for j, v := range values {
			out[missIdx[j]] = v
			if v != nil {
				warm = append(warm, cache.Entry{Key: domain.Key(entityType, missIDs[j]), Value: v})
			}
		}
		s.cache.MSet(ctx, warm)
		return out, nil
	}
}

// Relation returns the one-to-many loader for a relation named
// "<parentType>:<suffix>", e.g. "campaign:indicators". Children cache
// under the parent's derived key so the per-type cascade covers them.
func (s *Scope) Relation(relation string) *Loader[string, [][]byte] {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.relations[relation]; ok {
		return l
	}

	l := NewGroup(Config{
		Name:         relation,
		MaxBatchSize: s.config.RelationshipBatchSize,
		BatchWindow:  s.config.BatchWindow,
	}, s.relationFetch(relation))
	s.relations[relation] = l
	return l
}

// relationFetch builds the cache-first group fetch for one relation.
func (s *Scope) relationFetch(relation string) GroupFetchFunc[string, []byte] {
	parentType, suffix := splitRelation(relation)
	return func(ctx context.Context, parentIDs []string) (map[string][][]byte, error) {
		keys := make([]domain.EntityKey, len(parentIDs))
		for i, id := range parentIDs {
			keys[i] = domain.EntityKey{Type: parentType, ID: id, Suffix: suffix}
		}

		byParent := make(map[string][][]byte, len(parentIDs))
		cached := s.cache.MGet(ctx, keys)

		missIDs := make([]string, 0, len(parentIDs))
		for i, raw := range cached {
			if raw == nil {
				missIDs = append(missIDs, parentIDs[i])
				continue
			}
			var children [][]byte
			if err := json.Unmarshal(raw, &children); err != nil {
				// Treat a corrupt derived entry as a miss
				missIDs = append(missIDs, parentIDs[i])
				continue
			}
			byParent[parentIDs[i]] = children
		}
		if len(missIDs) == 0 {
			return byParent, nil
		}

		fetched, err := s.store.FindByParentIDs(ctx, relation, missIDs)
		if err != nil {
			return nil, err
		}

		warm := make([]cache.Entry, 0, len(missIDs))
		for _, id := range missIDs {
			children := fetched[id]
			if children == nil {
				children = [][]byte{}
			}
			byParent[id] = children
			if raw, err := json.Marshal(children); err == nil {
				warm = append(warm, cache.Entry{
					Key:   domain.EntityKey{Type: parentType, ID: id, Suffix: suffix},
					Value: raw,
				})
			}
		}
		s.cache.MSet(ctx, warm)
		return byParent, nil
	}
}

// AnalyticsView reads a computed aggregate through the cache, sharing one
// compute across concurrent misses.
func (s *Scope) AnalyticsView(ctx context.Context, viewID string, compute func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	return s.cache.GetOrLoad(ctx, domain.Key(domain.EntityAnalytics, viewID), compute)
}

// PrimeEntity injects a value the caller already holds, typically the
// result of its own mutation, into both the scope memo and the shared
// cache.
func (s *Scope) PrimeEntity(ctx context.Context, entityType domain.EntityType, id string, value []byte) {
	s.Entities(entityType).Prime(id, value)
	s.cache.Set(ctx, domain.Key(entityType, id), value)
}

// Flush dispatches every loader's pending batch. The request loop calls
// this once per resolved unit of work.
func (s *Scope) Flush() {
	s.mu.Lock()
	entities := make([]*Loader[string, []byte], 0, len(s.entities))
	for _, l := range s.entities {
		entities = append(entities, l)
	}
	relations := make([]*Loader[string, [][]byte], 0, len(s.relations))
	for _, l := range s.relations {
		relations = append(relations, l)
	}
	s.mu.Unlock()

	for _, l := range entities {
		l.Flush()
	}
	for _, l := range relations {
		l.Flush()
	}
}

func splitRelation(relation string) (domain.EntityType, string) {
	parts := strings.SplitN(relation, ":", 2)
	if len(parts) != 2 {
		return domain.EntityType(relation), "children"
	}
	return domain.EntityType(parts[0]), parts[1]
}
