package loader

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelops/threatgraph/internal/cache"
	"github.com/sentinelops/threatgraph/internal/domain"
	"github.com/sentinelops/threatgraph/internal/kv"
)

// fakeStore is an in-memory BackingStore that counts its calls.
type fakeStore struct {
	mu        sync.Mutex
	entities  map[domain.EntityType]map[string][]byte
	relations map[string]map[string][][]byte
	findCalls int32
	relCalls  int32
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		entities:  make(map[domain.EntityType]map[string][]byte),
		relations: make(map[string]map[string][][]byte),
	}
}

func (f *fakeStore) put(t domain.EntityType, id string, v []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.entities[t] == nil {
		f.entities[t] = make(map[string][]byte)
	}
	f.entities[t][id] = v
}

func (f *fakeStore) putRelation(relation, parent string, children [][]byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.relations[relation] == nil {
		f.relations[relation] = make(map[string][][]byte)
	}
	f.relations[relation][parent] = children
}

func (f *fakeStore) FindByIDs(_ context.Context, t domain.EntityType, ids []string) ([][]byte, error) {
	atomic.AddInt32(&f.findCalls, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(ids))
	for i, id := range ids {
		out[i] = f.entities[t][id]
	}
	return out, nil
}

func (f *fakeStore) FindByParentIDs(_ context.Context, relation string, parentIDs []string) (map[string][][]byte, error) {
	atomic.AddInt32(&f.relCalls, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string][][]byte, len(parentIDs))
	for _, id := range parentIDs {
		if children, ok := f.relations[relation][id]; ok {
			out[id] = children
		}
	}
	return out, nil
}

func newTestScope(t *testing.T) (*Scope, *fakeStore, *cache.Manager) {
	t.Helper()
	cfg := cache.DefaultConfig()
	cfg.L1Size = 0
	cm, err := cache.New(cfg, kv.NewMemory())
	require.NoError(t, err)

	store := newFakeStore()
	scopeCfg := DefaultScopeConfig()
	scopeCfg.BatchWindow = 0 // tests drive dispatch via Flush
	return NewScope(scopeCfg, cm, store), store, cm
}

func TestScopeEntityLoadWarmsCache(t *testing.T) {
	scope, store, cm := newTestScope(t)
	ctx := context.Background()

	store.put(domain.EntityIndicator, "ioc-1", []byte("v1"))
	store.put(domain.EntityIndicator, "ioc-2", []byte("v2"))

	values, err := scope.Entities(domain.EntityIndicator).LoadMany(ctx, []string{"ioc-1", "ioc-2", "ioc-missing"})
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), values[0])
	assert.Equal(t, []byte("v2"), values[1])
	assert.Nil(t, values[2], "missing ids resolve to nil, not an error")

	assert.Equal(t, int32(1), atomic.LoadInt32(&store.findCalls))

	// Fetched values landed in the shared cache
	cached, found := cm.Get(ctx, domain.Key(domain.EntityIndicator, "ioc-1"))
	assert.True(t, found)
	assert.Equal(t, []byte("v1"), cached)
}

func TestScopeSecondRequestServedFromCache(t *testing.T) {
	scope, store, cm := newTestScope(t)
	ctx := context.Background()

	store.put(domain.EntityActor, "apt-28", []byte("actor"))

	_, err := scope.Entities(domain.EntityActor).LoadMany(ctx, []string{"apt-28"})
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&store.findCalls))

	// A fresh scope simulates the next request; its loader consults the
	// shared cache first and never reaches the store.
	scopeCfg := DefaultScopeConfig()
	scopeCfg.BatchWindow = 0
	next := NewScope(scopeCfg, cm, store)

	values, err := next.Entities(domain.EntityActor).LoadMany(ctx, []string{"apt-28"})
	require.NoError(t, err)
	assert.Equal(t, []byte("actor"), values[0])
	assert.Equal(t, int32(1), atomic.LoadInt32(&store.findCalls), "cache hit must not reach the backing store")
}

func TestScopeRelationLoad(t *testing.T) {
	scope, store, _ := newTestScope(t)
	ctx := context.Background()

	store.putRelation("campaign:indicators", "c-1", [][]byte{[]byte("i1"), []byte("i2")})

	loader := scope.Relation("campaign:indicators")
	t1 := loader.Load(ctx, "c-1")
	t2 := loader.Load(ctx, "c-empty")
	scope.Flush()

	children, err := t1.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("i1"), []byte("i2")}, children)

	children, err = t2.Get(ctx)
	require.NoError(t, err)
	assert.NotNil(t, children)
	assert.Empty(t, children, "childless parent resolves to an empty slice")

	assert.Equal(t, int32(1), atomic.LoadInt32(&store.relCalls))
}

func TestScopePrimeEntity(t *testing.T) {
	scope, store, cm := newTestScope(t)
	ctx := context.Background()

	// The mutation's caller already holds the fresh value
	scope.PrimeEntity(ctx, domain.EntityIndicator, "ioc-9", []byte("fresh"))

	values, err := scope.Entities(domain.EntityIndicator).LoadMany(ctx, []string{"ioc-9"})
	require.NoError(t, err)
	assert.Equal(t, []byte("fresh"), values[0])
	assert.Zero(t, atomic.LoadInt32(&store.findCalls), "primed value must skip the round trip")

	cached, found := cm.Get(ctx, domain.Key(domain.EntityIndicator, "ioc-9"))
	assert.True(t, found)
	assert.Equal(t, []byte("fresh"), cached)
}

func TestScopeAnalyticsView(t *testing.T) {
	scope, _, _ := newTestScope(t)
	ctx := context.Background()

	var computes int32
	compute := func(ctx context.Context) ([]byte, error) {
		atomic.AddInt32(&computes, 1)
		return []byte("summary"), nil
	}

	v, err := scope.AnalyticsView(ctx, "org-1:summary", compute)
	require.NoError(t, err)
	assert.Equal(t, []byte("summary"), v)

	v, err = scope.AnalyticsView(ctx, "org-1:summary", compute)
	require.NoError(t, err)
	assert.Equal(t, []byte("summary"), v)
	assert.Equal(t, int32(1), atomic.LoadInt32(&computes), "second read must hit the cache")
}
