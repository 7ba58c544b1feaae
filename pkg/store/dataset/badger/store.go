package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/marmos91/zfsfuse/pkg/dataset"
)

// BadgerDatasetStore implements dataset.Store on top of BadgerDB.
//
// Datasets are stored as JSON values under "ds:<name>" keys. Because badger
// iterates keys in byte order, a prefix scan over "ds:<pool>" returns a pool
// and its descendants already sorted by name.
//
// Thread Safety:
// BadgerDB transactions provide isolation; the store holds no extra locks.
type BadgerDatasetStore struct {
	db *badger.DB
}

// BadgerDatasetStoreConfig configures the badger-backed store.
type BadgerDatasetStoreConfig struct {
	// DBPath is the directory holding the database files
	DBPath string `mapstructure:"db_path"`

	// InMemory keeps the database in RAM, used by tests
	InMemory bool `mapstructure:"in_memory"`

	// BlockCacheSizeMB sizes badger's block cache (default 16)
	BlockCacheSizeMB int64 `mapstructure:"block_cache_size_mb"`

	// IndexCacheSizeMB sizes badger's index cache (default 8)
	IndexCacheSizeMB int64 `mapstructure:"index_cache_size_mb"`
}

// NewBadgerDatasetStore opens (or creates) the dataset database.
func NewBadgerDatasetStore(ctx context.Context, config BadgerDatasetStoreConfig) (*BadgerDatasetStore, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var opts badger.Options
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if config.DBPath == "" {
			return nil, fmt.Errorf("badger db_path is required")
		}
		opts = badger.DefaultOptions(config.DBPath)
	}

	opts = opts.WithLoggingLevel(badger.WARNING) // Reduce log noise
	opts = opts.WithCompression(options.None)    // Dataset records are tiny

	blockCacheMB := config.BlockCacheSizeMB
	if blockCacheMB == 0 {
		blockCacheMB = 16
	}
	indexCacheMB := config.IndexCacheSizeMB
	if indexCacheMB == 0 {
		indexCacheMB = 8
	}
	opts = opts.WithBlockCacheSize(blockCacheMB << 20)
	opts = opts.WithIndexCacheSize(indexCacheMB << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB at %s: %w", config.DBPath, err)
	}

	return &BadgerDatasetStore{db: db}, nil
}

func (s *BadgerDatasetStore) Get(ctx context.Context, name string) (*dataset.Dataset, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var ds *dataset.Dataset
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		ds, err = getDataset(txn, name)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ds, nil
}

// Create adds a dataset. Its parent must already exist unless it is a pool root.
func (s *BadgerDatasetStore) Create(ctx context.Context, ds *dataset.Dataset) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := dataset.ValidateName(ds.Name); err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(keyDataset(ds.Name))
		if err == nil {
			return fmt.Errorf("%w: %s", dataset.ErrExists, ds.Name)
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("failed to check dataset %s: %w", ds.Name, err)
		}

		if parent := dataset.Parent(ds.Name); parent != "" {
			p, err := getDataset(txn, parent)
			if err != nil {
				return fmt.Errorf("parent %s: %w", parent, err)
			}
			if p.Type != dataset.TypeFilesystem {
				return fmt.Errorf("parent %s is a %s", parent, p.Type)
			}
		}

		return putDataset(txn, ds)
	})
}

func (s *BadgerDatasetStore) Update(ctx context.Context, ds *dataset.Dataset) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := getDataset(txn, ds.Name); err != nil {
			return err
		}
		return putDataset(txn, ds)
	})
}

// Delete removes a dataset that has no children.
func (s *BadgerDatasetStore) Delete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := getDataset(txn, name); err != nil {
			return err
		}

		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = keyChildPrefix(name)
		it := txn.NewIterator(opts)
		hasChild := false
		for it.Rewind(); it.Valid(); it.Next() {
			hasChild = true
			break
		}
		it.Close()
		if hasChild {
			return fmt.Errorf("dataset %s has children", name)
		}

		if err := txn.Delete(keyDataset(name)); err != nil {
			return fmt.Errorf("failed to delete dataset %s: %w", name, err)
		}
		return nil
	})
}

func (s *BadgerDatasetStore) List(ctx context.Context, prefix string) ([]*dataset.Dataset, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []*dataset.Dataset
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = keyDataset(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			name := nameFromKey(item.Key())
			if prefix != "" && !dataset.IsDescendant(name, prefix) {
				continue
			}
			err := item.Value(func(val []byte) error {
				ds, err := decodeDataset(val)
				if err != nil {
					return err
				}
				out = append(out, ds)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Close flushes and closes the database.
func (s *BadgerDatasetStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close BadgerDB: %w", err)
	}
	return nil
}

func getDataset(txn *badger.Txn, name string) (*dataset.Dataset, error) {
	item, err := txn.Get(keyDataset(name))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", dataset.ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read dataset %s: %w", name, err)
	}

	var ds *dataset.Dataset
	err = item.Value(func(val []byte) error {
		var err error
		ds, err = decodeDataset(val)
		return err
	})
	return ds, err
}

func putDataset(txn *badger.Txn, ds *dataset.Dataset) error {
	val, err := encodeDataset(ds)
	if err != nil {
		return err
	}
	if err := txn.Set(keyDataset(ds.Name), val); err != nil {
		return fmt.Errorf("failed to write dataset %s: %w", ds.Name, err)
	}
	return nil
}

func encodeDataset(ds *dataset.Dataset) ([]byte, error) {
	bytes, err := json.Marshal(ds)
	if err != nil {
		return nil, fmt.Errorf("failed to encode dataset: %w", err)
	}
	return bytes, nil
}

func decodeDataset(bytes []byte) (*dataset.Dataset, error) {
	var ds dataset.Dataset
	if err := json.Unmarshal(bytes, &ds); err != nil {
		return nil, fmt.Errorf("failed to decode dataset: %w", err)
	}
	return &ds, nil
}
