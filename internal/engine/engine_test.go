package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelops/threatgraph/internal/config"
	"github.com/sentinelops/threatgraph/internal/domain"
)

func testEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.KV.Backend = "memory"
	cfg.Store.InMemory = true
	cfg.Logging.Format = "console"

	e, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { e.Shutdown(context.Background()) })
	return e
}

func TestApplyChangePersistsInvalidatesAndPublishes(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	// Stale cache entry that the write must kill
	e.Cache().Set(ctx, domain.Key(domain.EntityIndicator, "ioc-1"), []byte(`{"value":"stale"}`))

	sub := e.Bus().Subscribe("indicators", nil, "conn-1", nil)

	err := e.ApplyChange(ctx, "indicators", &domain.ChangeEvent{
		EntityType: domain.EntityIndicator,
		EntityID:   "ioc-1",
		Kind:       domain.ChangeUpdated,
		Severity:   domain.SeverityHigh,
		Payload:    []byte(`{"value":"1.2.3.4"}`),
	})
	require.NoError(t, err)

	// Persisted
	values, err := e.Store().FindByIDs(ctx, domain.EntityIndicator, []string{"ioc-1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"value":"1.2.3.4"}`, string(values[0]))

	// Cache entry gone
	_, found := e.Cache().Get(ctx, domain.Key(domain.EntityIndicator, "ioc-1"))
	assert.False(t, found)

	// Event delivered
	select {
	case event := <-sub.Events:
		assert.Equal(t, "ioc-1", event.EntityID)
		assert.Equal(t, "indicators", event.Topic)
	case <-time.After(200 * time.Millisecond):
		t.Fatal("Timeout waiting for change event")
	}
}

func TestApplyChangeDelete(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Store().PutEntity(ctx, domain.EntityAlert, "a-1", []byte(`{}`)))

	err := e.ApplyChange(ctx, "alerts", &domain.ChangeEvent{
		EntityType: domain.EntityAlert,
		EntityID:   "a-1",
		Kind:       domain.ChangeDeleted,
		Severity:   domain.SeverityInfo,
	})
	require.NoError(t, err)

	values, err := e.Store().FindByIDs(ctx, domain.EntityAlert, []string{"a-1"})
	require.NoError(t, err)
	assert.Nil(t, values[0])
}

func TestScopeLoadsThroughEngineStore(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Store().PutEntity(ctx, domain.EntityActor, "apt-28", []byte(`{"name":"APT28"}`)))

	scope := e.NewScope()
	thunk := scope.Entities(domain.EntityActor).Load(ctx, "apt-28")
	scope.Flush()

	value, err := thunk.Get(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"APT28"}`, string(value))

	// A fresh scope reads the same entity from the warmed cache
	second := e.NewScope()
	thunk = second.Entities(domain.EntityActor).Load(ctx, "apt-28")
	second.Flush()
	value, err = thunk.Get(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"APT28"}`, string(value))
}

func TestUnknownKVBackendRejected(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.KV.Backend = "etcd"
	_, err := New(cfg)
	require.Error(t, err)
}
