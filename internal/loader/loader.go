// Package loader provides batching, deduplicating entity loaders. Many
// single-key loads issued close together collapse into one multi-key call
// against the backing source, which is what keeps graph-shaped reads from
// turning into N+1 store queries.
package loader

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sentinelops/threatgraph/internal/logging"
	"github.com/sentinelops/threatgraph/internal/metrics"
)

// FetchFunc resolves a batch of keys in one call. The result must have the
// same length and order as keys; a missing key yields its zero value at
// that position.
type FetchFunc[K comparable, V any] func(ctx context.Context, keys []K) ([]V, error)

// Config contains loader configuration.
type Config struct {
	// Name labels log lines and metrics for this loader.
	Name string

	// MaxBatchSize caps the number of keys per dispatched fetch.
	MaxBatchSize int

	// BatchWindow is how long the first key of a batch waits for company
	// before the batch dispatches on its own. Flush dispatches earlier.
	BatchWindow time.Duration
}

// DefaultConfig returns a default loader configuration.
func DefaultConfig(name string) Config {
	return Config{
		Name:         name,
		MaxBatchSize: 100,
		BatchWindow:  2 * time.Millisecond,
	}
}

// Loader collects Load calls into batches and memoizes resolved keys for
// its lifetime. A loader is scoped to one logical request; the memo is not
// shared across requests.
type Loader[K comparable, V any] struct {
	config Config
	fetch  FetchFunc[K, V]

	mu      sync.Mutex
	memo    map[K]*Thunk[V]
	pending *batch[K, V]

	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// batch accumulates keys until dispatch. Go has no microtask boundary to
// defer to, so dispatch happens when the batch fills, when the batch
// window elapses, or when the request loop calls Flush.
type batch[K comparable, V any] struct {
	keys       []K
	thunks     []*Thunk[V]
	timer      *time.Timer
	dispatched bool
}

// Thunk is the future for one requested key.
type Thunk[V any] struct {
	done  chan struct{}
	value V
}

func resolvedThunk[V any](value V) *Thunk[V] {
	t := &Thunk[V]{done: make(chan struct{}), value: value}
	close(t.done)
	return t
}

// Get blocks until the key resolves or ctx is done. Keys whose fetch
// failed resolve to the zero value, never an error.
func (t *Thunk[V]) Get(ctx context.Context) (V, error) {
	select {
	case <-t.done:
		return t.value, nil
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	}
}

// New creates a loader around the given fetch function.
func New[K comparable, V any](config Config, fetch FetchFunc[K, V]) *Loader[K, V] {
	if config.MaxBatchSize <= 0 {
		config.MaxBatchSize = DefaultConfig(config.Name).MaxBatchSize
	}
	return &Loader[K, V]{
		config:  config,
		fetch:   fetch,
		memo:    make(map[K]*Thunk[V]),
		logger:  logging.Component("loader").With().Str("loader", config.Name).Logger(),
		metrics: metrics.Get(),
	}
}

// Load registers the key with the current batch and returns its future.
// Repeated loads of the same key return the same future without a new
// fetch, until Clear or ClearAll.
func (l *Loader[K, V]) Load(ctx context.Context, key K) *Thunk[V] {
	l.mu.Lock()
	l.metrics.LoaderKeysTotal.WithLabelValues(l.config.Name).Inc()

	if t, ok := l.memo[key]; ok {
		l.metrics.LoaderDedupHitsTotal.WithLabelValues(l.config.Name).Inc()
		l.mu.Unlock()
		return t
	}

	t := &Thunk[V]{done: make(chan struct{})}
	l.memo[key] = t

	if l.pending == nil {
		b := &batch[K, V]{}
		l.pending = b
		if l.config.BatchWindow > 0 {
			b.timer = time.AfterFunc(l.config.BatchWindow, func() {
				l.dispatch(b)
			})
		}
	}
	b := l.pending
	b.keys = append(b.keys, key)
	b.thunks = append(b.thunks, t)

	full := len(b.keys) >= l.config.MaxBatchSize
	l.mu.Unlock()

	if full {
		l.dispatch(b)
	}
	return t
}

// LoadMany loads all keys through the batching path and waits for every
// result, returned in key order.
func (l *Loader[K, V]) LoadMany(ctx context.Context, keys []K) ([]V, error) {
	thunks := make([]*Thunk[V], len(keys))
	for i, k := range keys {
		thunks[i] = l.Load(ctx, k)
	}
	l.Flush()

	out := make([]V, len(keys))
	for i, t := range thunks {
		v, err := t.Get(ctx)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Flush dispatches the pending batch immediately. The request loop calls
// this once per unit of dispatched work instead of waiting out the batch
// window.
func (l *Loader[K, V]) Flush() {
	l.mu.Lock()
	b := l.pending
	l.mu.Unlock()
	if b != nil {
		l.dispatch(b)
	}
}

// Prime injects an already-known value without a fetch, typically after a
// mutation returned the fresh entity. A key already in the memo keeps its
// existing value.
func (l *Loader[K, V]) Prime(key K, value V) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.memo[key]; !ok {
		l.memo[key] = resolvedThunk(value)
	}
}

// Clear forgets a single key so the next Load fetches it fresh.
func (l *Loader[K, V]) Clear(key K) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.memo, key)
}

// ClearAll forgets every memoized key.
func (l *Loader[K, V]) ClearAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.memo = make(map[K]*Thunk[V])
}

// dispatch runs the batch fetch and resolves its thunks. Safe to call more
// than once per batch; only the first call wins. The fetch runs to
// completion even if every original requester has gone away, so its
// results can still warm the shared cache.
func (l *Loader[K, V]) dispatch(b *batch[K, V]) {
	l.mu.Lock()
	if b.dispatched {
		l.mu.Unlock()
		return
	}
	b.dispatched = true
	if b.timer != nil {
		b.timer.Stop()
	}
	if l.pending == b {
		l.pending = nil
	}
	keys := b.keys
	thunks := b.thunks
	l.mu.Unlock()

	if len(keys) == 0 {
		return
	}

	l.metrics.LoaderBatchesTotal.WithLabelValues(l.config.Name).Inc()
	l.metrics.LoaderBatchSize.WithLabelValues(l.config.Name).Observe(float64(len(keys)))

	start := time.Now()
	values, err := l.fetch(context.Background(), keys)
	l.metrics.LoaderBatchDuration.WithLabelValues(l.config.Name).Observe(time.Since(start).Seconds())

	if err != nil {
		// The whole batch degrades to zero values; siblings of a broken
		// source never see an error.
		l.logger.Warn().Err(err).Int("keys", len(keys)).Msg("Batch fetch failed, degrading keys to fallback")
		l.metrics.LoaderKeyErrorsTotal.WithLabelValues(l.config.Name).Add(float64(len(keys)))
		for _, t := range thunks {
			close(t.done)
		}
		return
	}

	if len(values) != len(keys) {
		l.logger.Error().
			Int("keys", len(keys)).
			Int("values", len(values)).
			Msg("Batch fetch returned wrong result count, degrading keys to fallback")
		l.metrics.LoaderKeyErrorsTotal.WithLabelValues(l.config.Name).Add(float64(len(keys)))
		for _, t := range thunks {
			close(t.done)
		}
		return
	}

	for i, t := range thunks {
		t.value = values[i]
		close(t.done)
	}
}
