package loader

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingFetch records every batch it receives.
type countingFetch struct {
	mu      sync.Mutex
	batches [][]string
	calls   int32
}

func (c *countingFetch) fetch(_ context.Context, keys []string) ([]string, error) {
	atomic.AddInt32(&c.calls, 1)
	c.mu.Lock()
	c.batches = append(c.batches, append([]string(nil), keys...))
	c.mu.Unlock()

	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = "result-" + k
	}
	return out, nil
}

func (c *countingFetch) callCount() int {
	return int(atomic.LoadInt32(&c.calls))
}

func newTestLoader(fetch FetchFunc[string, string]) *Loader[string, string] {
	// No batch window: tests drive dispatch explicitly via Flush
	return New(Config{Name: "test", MaxBatchSize: 100}, fetch)
}

func TestSingleBatchInKeyOrder(t *testing.T) {
	counter := &countingFetch{}
	l := newTestLoader(counter.fetch)
	ctx := context.Background()

	// Loading [A,B,C] in one tick yields exactly one fetch with [A,B,C]
	// and results in that order.
	tA := l.Load(ctx, "A")
	tB := l.Load(ctx, "B")
	tC := l.Load(ctx, "C")
	l.Flush()

	vA, err := tA.Get(ctx)
	require.NoError(t, err)
	vB, err := tB.Get(ctx)
	require.NoError(t, err)
	vC, err := tC.Get(ctx)
	require.NoError(t, err)

	assert.Equal(t, "result-A", vA)
	assert.Equal(t, "result-B", vB)
	assert.Equal(t, "result-C", vC)

	assert.Equal(t, 1, counter.callCount())
	require.Len(t, counter.batches, 1)
	assert.Equal(t, []string{"A", "B", "C"}, counter.batches[0])
}

func TestConcurrentLoadsDeduplicate(t *testing.T) {
	counter := &countingFetch{}
	l := newTestLoader(counter.fetch)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]string, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// 20 concurrent loads over 2 distinct keys
			key := fmt.Sprintf("k%d", i%2)
			thunk := l.Load(ctx, key)
			v, err := thunk.Get(ctx)
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}

	// Let all Load calls register before dispatching
	time.Sleep(20 * time.Millisecond)
	l.Flush()
	wg.Wait()

	assert.Equal(t, 1, counter.callCount(), "deduplicated keys must dispatch as one batch")
	require.Len(t, counter.batches, 1)
	assert.Len(t, counter.batches[0], 2)

	for i, v := range results {
		assert.Equal(t, "result-"+fmt.Sprintf("k%d", i%2), v)
	}
}

func TestMemoServesRepeatLoads(t *testing.T) {
	counter := &countingFetch{}
	l := newTestLoader(counter.fetch)
	ctx := context.Background()

	first := l.Load(ctx, "A")
	l.Flush()
	v1, err := first.Get(ctx)
	require.NoError(t, err)

	second := l.Load(ctx, "A")
	l.Flush()
	v2, err := second.Get(ctx)
	require.NoError(t, err)

	assert.Equal(t, v1, v2)
	assert.Equal(t, 1, counter.callCount(), "second load must come from the memo")
}

func TestClearForcesRefetch(t *testing.T) {
	counter := &countingFetch{}
	l := newTestLoader(counter.fetch)
	ctx := context.Background()

	thunk := l.Load(ctx, "A")
	l.Flush()
	_, err := thunk.Get(ctx)
	require.NoError(t, err)

	l.Clear("A")

	thunk = l.Load(ctx, "A")
	l.Flush()
	_, err = thunk.Get(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, counter.callCount(), "clear must force a fresh fetch")
}

func TestPrimeSkipsFetch(t *testing.T) {
	counter := &countingFetch{}
	l := newTestLoader(counter.fetch)
	ctx := context.Background()

	l.Prime("A", "primed-value")

	thunk := l.Load(ctx, "A")
	v, err := thunk.Get(ctx)
	require.NoError(t, err)

	assert.Equal(t, "primed-value", v)
	assert.Zero(t, counter.callCount(), "primed keys must not trigger a fetch")
}

func TestMaxBatchSizeSplitsBatches(t *testing.T) {
	counter := &countingFetch{}
	l := New(Config{Name: "test", MaxBatchSize: 3}, counter.fetch)
	ctx := context.Background()

	thunks := make([]*Thunk[string], 7)
	for i := range thunks {
		thunks[i] = l.Load(ctx, fmt.Sprintf("k%d", i))
	}
	l.Flush()

	for i, thunk := range thunks {
		v, err := thunk.Get(ctx)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("result-k%d", i), v)
	}

	// 7 keys with a cap of 3 means 3 dispatches: 3+3+1
	assert.Equal(t, 3, counter.callCount())
	for _, b := range counter.batches[:2] {
		assert.Len(t, b, 3)
	}
}

func TestFetchErrorDegradesToFallback(t *testing.T) {
	l := newTestLoader(func(_ context.Context, keys []string) ([]string, error) {
		return nil, fmt.Errorf("store unreachable")
	})
	ctx := context.Background()

	thunk := l.Load(ctx, "A")
	l.Flush()

	v, err := thunk.Get(ctx)
	require.NoError(t, err, "fetch failures must not surface as load errors")
	assert.Empty(t, v, "failed keys degrade to the zero value")
}

func TestWrongResultCountDegradesToFallback(t *testing.T) {
	l := newTestLoader(func(_ context.Context, keys []string) ([]string, error) {
		return []string{"only-one"}, nil
	})
	ctx := context.Background()

	tA := l.Load(ctx, "A")
	tB := l.Load(ctx, "B")
	l.Flush()

	vA, err := tA.Get(ctx)
	require.NoError(t, err)
	vB, err := tB.Get(ctx)
	require.NoError(t, err)
	assert.Empty(t, vA)
	assert.Empty(t, vB)
}

func TestBatchWindowDispatchesWithoutFlush(t *testing.T) {
	counter := &countingFetch{}
	l := New(Config{Name: "test", MaxBatchSize: 100, BatchWindow: 5 * time.Millisecond}, counter.fetch)
	ctx := context.Background()

	thunk := l.Load(ctx, "A")

	// No Flush: the window timer must dispatch on its own
	v, err := thunk.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "result-A", v)
	assert.Equal(t, 1, counter.callCount())
}

func TestThunkGetHonorsContext(t *testing.T) {
	// A fetch that never happens: no window, no flush
	l := newTestLoader(func(_ context.Context, keys []string) ([]string, error) {
		return make([]string, len(keys)), nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	thunk := l.Load(context.Background(), "A")
	_, err := thunk.Get(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLoadMany(t *testing.T) {
	counter := &countingFetch{}
	l := newTestLoader(counter.fetch)

	values, err := l.LoadMany(context.Background(), []string{"A", "B", "A", "C"})
	require.NoError(t, err)

	assert.Equal(t, []string{"result-A", "result-B", "result-A", "result-C"}, values)
	assert.Equal(t, 1, counter.callCount())
	require.Len(t, counter.batches, 1)
	assert.Equal(t, []string{"A", "B", "C"}, counter.batches[0], "duplicate keys collapse in the dispatched batch")
}

func TestGroupLoaderEmptyParents(t *testing.T) {
	l := NewGroup(Config{Name: "rel", MaxBatchSize: 50}, func(_ context.Context, keys []string) (map[string][]string, error) {
		return map[string][]string{
			"p1": {"c1", "c2"},
		}, nil
	})
	ctx := context.Background()

	t1 := l.Load(ctx, "p1")
	t2 := l.Load(ctx, "p2")
	l.Flush()

	children, err := t1.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c2"}, children)

	children, err = t2.Get(ctx)
	require.NoError(t, err)
	assert.NotNil(t, children, "childless parents resolve to an empty slice, not nil")
	assert.Empty(t, children)
}
