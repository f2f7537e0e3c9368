package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelops/threatgraph/internal/domain"
)

func openTestStore(t *testing.T) *Badger {
	t.Helper()
	b, err := Open(Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestFindByIDsPreservesOrderAndGaps(t *testing.T) {
	b := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, b.PutEntity(ctx, domain.EntityIndicator, "ioc-1", []byte(`{"value":"1.2.3.4"}`)))
	require.NoError(t, b.PutEntity(ctx, domain.EntityIndicator, "ioc-3", []byte(`{"value":"evil.example"}`)))

	results, err := b.FindByIDs(ctx, domain.EntityIndicator, []string{"ioc-3", "ioc-2", "ioc-1"})
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.JSONEq(t, `{"value":"evil.example"}`, string(results[0]))
	assert.Nil(t, results[1], "absent ids yield nil, not an error")
	assert.JSONEq(t, `{"value":"1.2.3.4"}`, string(results[2]))
}

func TestFindByIDsTypeNamespacing(t *testing.T) {
	b := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, b.PutEntity(ctx, domain.EntityIndicator, "x-1", []byte(`{"kind":"indicator"}`)))
	require.NoError(t, b.PutEntity(ctx, domain.EntityActor, "x-1", []byte(`{"kind":"actor"}`)))

	results, err := b.FindByIDs(ctx, domain.EntityActor, []string{"x-1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"actor"}`, string(results[0]))
}

func TestFindByParentIDs(t *testing.T) {
	b := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, b.PutChild(ctx, "campaign:indicators", "camp-1", "ioc-1", []byte(`{"id":"ioc-1"}`)))
	require.NoError(t, b.PutChild(ctx, "campaign:indicators", "camp-1", "ioc-2", []byte(`{"id":"ioc-2"}`)))
	require.NoError(t, b.PutChild(ctx, "campaign:indicators", "camp-2", "ioc-9", []byte(`{"id":"ioc-9"}`)))
	// A different relation over the same parent stays invisible
	require.NoError(t, b.PutChild(ctx, "campaign:alerts", "camp-1", "alert-1", []byte(`{"id":"alert-1"}`)))

	results, err := b.FindByParentIDs(ctx, "campaign:indicators", []string{"camp-1", "camp-2", "camp-3"})
	require.NoError(t, err)
	require.Len(t, results, 3)

	require.Len(t, results["camp-1"], 2)
	assert.JSONEq(t, `{"id":"ioc-1"}`, string(results["camp-1"][0]))
	assert.JSONEq(t, `{"id":"ioc-2"}`, string(results["camp-1"][1]))

	require.Len(t, results["camp-2"], 1)
	assert.JSONEq(t, `{"id":"ioc-9"}`, string(results["camp-2"][0]))

	assert.NotNil(t, results["camp-3"])
	assert.Empty(t, results["camp-3"], "childless parents map to an empty slice")
}

func TestDeleteEntityAndChild(t *testing.T) {
	b := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, b.PutEntity(ctx, domain.EntityAlert, "a-1", []byte(`{}`)))
	require.NoError(t, b.DeleteEntity(ctx, domain.EntityAlert, "a-1"))
	require.NoError(t, b.DeleteEntity(ctx, domain.EntityAlert, "a-1"))

	results, err := b.FindByIDs(ctx, domain.EntityAlert, []string{"a-1"})
	require.NoError(t, err)
	assert.Nil(t, results[0])

	require.NoError(t, b.PutChild(ctx, "actor:indicators", "act-1", "ioc-1", []byte(`{}`)))
	require.NoError(t, b.DeleteChild(ctx, "actor:indicators", "act-1", "ioc-1"))

	children, err := b.FindByParentIDs(ctx, "actor:indicators", []string{"act-1"})
	require.NoError(t, err)
	assert.Empty(t, children["act-1"])
}
