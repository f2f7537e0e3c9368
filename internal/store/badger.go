// Package store provides an embedded BackingStore on Badger for
// standalone deployments and tests. Production installs supply their own
// BackingStore; everything above this package only sees the interface.
package store

import (
	"context"
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"github.com/sentinelops/threatgraph/internal/domain"
	"github.com/sentinelops/threatgraph/internal/logging"
)

// Ensure Badger implements domain.BackingStore
var _ domain.BackingStore = (*Badger)(nil)

const (
	// Key prefixes. Entities live under entity/<type>/<id>, relationship
	// children under rel/<relation>/<parent>/<child>.
	prefixEntity   = "entity/"
	prefixRelation = "rel/"
)

// Config contains embedded store settings.
type Config struct {
	// DataDir is the base directory for data files. Ignored when
	// InMemory is set.
	DataDir string

	// InMemory keeps everything off disk. Used by tests and ephemeral
	// dev runs.
	InMemory bool
}

// DefaultConfig returns a default embedded store configuration.
func DefaultConfig() Config {
	return Config{
		DataDir: "./data/store",
	}
}

// Badger is an embedded BackingStore.
type Badger struct {
	config Config
	db     *badger.DB
	logger zerolog.Logger
}

// Open opens or creates the embedded store.
func Open(config Config) (*Badger, error) {
	logger := logging.Component("store")

	var options badger.Options
	if config.InMemory {
		options = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(config.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
		options = badger.DefaultOptions(config.DataDir)
	}
	options = options.WithLoggingLevel(badger.WARNING)

	db, err := badger.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	logger.Info().
		Str("data_dir", config.DataDir).
		Bool("in_memory", config.InMemory).
		Msg("Embedded store opened")

	return &Badger{
		config: config,
		db:     db,
		logger: logger,
	}, nil
}

// FindByIDs returns one value per id, in id order, nil where absent.
func (b *Badger) FindByIDs(ctx context.Context, entityType domain.EntityType, ids []string) ([][]byte, error) {
	results := make([][]byte, len(ids))

	err := b.db.View(func(txn *badger.Txn) error {
		for i, id := range ids {
			item, err := txn.Get(entityKey(entityType, id))
			if err != nil {
				if err == badger.ErrKeyNotFound {
					continue
				}
				return fmt.Errorf("failed to read entity %s:%s: %w", entityType, id, err)
			}
			value, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("failed to read entity value: %w", err)
			}
			results[i] = value
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// FindByParentIDs returns the children of each parent, keyed by parent id.
// Children come back in child-id order, the iteration order of the index.
func (b *Badger) FindByParentIDs(ctx context.Context, relation string, parentIDs []string) (map[string][][]byte, error) {
	results := make(map[string][][]byte, len(parentIDs))
	for _, parentID := range parentIDs {
		results[parentID] = [][]byte{}
	}

	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		for _, parentID := range parentIDs {
			prefix := relationPrefix(relation, parentID)
			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				value, err := it.Item().ValueCopy(nil)
				if err != nil {
					return fmt.Errorf("failed to read child value: %w", err)
				}
				results[parentID] = append(results[parentID], value)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// PutEntity writes or replaces an entity.
func (b *Badger) PutEntity(ctx context.Context, entityType domain.EntityType, id string, data []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(entityKey(entityType, id), data)
	})
}

// DeleteEntity removes an entity. Deleting an absent entity is a no-op.
func (b *Badger) DeleteEntity(ctx context.Context, entityType domain.EntityType, id string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(entityKey(entityType, id))
	})
}

// PutChild writes one child record under a relation index.
func (b *Badger) PutChild(ctx context.Context, relation string, parentID string, childID string, data []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(childKey(relation, parentID, childID), data)
	})
}

// DeleteChild removes one child record from a relation index.
func (b *Badger) DeleteChild(ctx context.Context, relation string, parentID string, childID string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(childKey(relation, parentID, childID))
	})
}

// Close releases the underlying database.
func (b *Badger) Close() error {
	b.logger.Info().Msg("Closing embedded store")
	return b.db.Close()
}

func entityKey(entityType domain.EntityType, id string) []byte {
	return []byte(prefixEntity + string(entityType) + "/" + id)
}

func relationPrefix(relation, parentID string) []byte {
	return []byte(prefixRelation + relation + "/" + parentID + "/")
}

func childKey(relation, parentID, childID string) []byte {
	return append(relationPrefix(relation, parentID), childID...)
}
