package loader

import (
	"context"
)

// GroupFetchFunc resolves one-to-many relationships for a batch of parent
// keys in one call, keyed by parent. Parents absent from the map are
// treated as having no children.
type GroupFetchFunc[K comparable, V any] func(ctx context.Context, keys []K) (map[K][]V, error)

// NewGroup creates a relationship loader: same batching and memoization
// contract as New, keyed by parent id and resolving to the parent's
// children. A parent with no matches resolves to an empty slice, never
// nil.
func NewGroup[K comparable, V any](config Config, fetch GroupFetchFunc[K, V]) *Loader[K, []V] {
	return New(config, func(ctx context.Context, keys []K) ([][]V, error) {
		byParent, err := fetch(ctx, keys)
		if err != nil {
			return nil, err
		}
		out := make([][]V, len(keys))
		for i, k := range keys {
			if children, ok := byParent[k]; ok && children != nil {
				out[i] = children
			} else {
				out[i] = []V{}
			}
		}
		return out, nil
	})
}
