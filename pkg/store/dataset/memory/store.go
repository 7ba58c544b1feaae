package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/marmos91/zfsfuse/pkg/dataset"
)

// MemoryDatasetStoreConfig configures the in-memory dataset store.
type MemoryDatasetStoreConfig struct {
	// MaxDatasets caps the number of datasets (0 means unlimited)
	MaxDatasets int `mapstructure:"max_datasets"`
}

// MemoryDatasetStore implements dataset.Store using a map.
//
// It is suitable for tests and for daemons whose dataset definitions are
// fully described by the configuration file. Nothing survives a restart.
//
// Thread Safety:
// All operations are protected by a single read-write mutex. Stored datasets
// are cloned on the way in and on the way out so callers never share maps
// with the store.
type MemoryDatasetStore struct {
	mu       sync.RWMutex
	datasets map[string]*dataset.Dataset
	max      int
}

// NewMemoryDatasetStore creates an empty store.
func NewMemoryDatasetStore(config MemoryDatasetStoreConfig) *MemoryDatasetStore {
	return &MemoryDatasetStore{
		datasets: make(map[string]*dataset.Dataset),
		max:      config.MaxDatasets,
	}
}

func (s *MemoryDatasetStore) Get(ctx context.Context, name string) (*dataset.Dataset, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ds, ok := s.datasets[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", dataset.ErrNotFound, name)
	}
	return ds.Clone(), nil
}

// Create adds a dataset. Its parent must already exist unless it is a pool root.
func (s *MemoryDatasetStore) Create(ctx context.Context, ds *dataset.Dataset) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := dataset.ValidateName(ds.Name); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.datasets[ds.Name]; ok {
		return fmt.Errorf("%w: %s", dataset.ErrExists, ds.Name)
	}
	if parent := dataset.Parent(ds.Name); parent != "" {
		p, ok := s.datasets[parent]
		if !ok {
			return fmt.Errorf("parent %s: %w", parent, dataset.ErrNotFound)
		}
		if p.Type != dataset.TypeFilesystem {
			return fmt.Errorf("parent %s is a %s", parent, p.Type)
		}
	}
	if s.max > 0 && len(s.datasets) >= s.max {
		return fmt.Errorf("dataset limit of %d reached", s.max)
	}

	s.datasets[ds.Name] = ds.Clone()
	return nil
}

func (s *MemoryDatasetStore) Update(ctx context.Context, ds *dataset.Dataset) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.datasets[ds.Name]; !ok {
		return fmt.Errorf("%w: %s", dataset.ErrNotFound, ds.Name)
	}
	s.datasets[ds.Name] = ds.Clone()
	return nil
}

// Delete removes a dataset that has no children.
func (s *MemoryDatasetStore) Delete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.datasets[name]; !ok {
		return fmt.Errorf("%w: %s", dataset.ErrNotFound, name)
	}
	for other := range s.datasets {
		if other != name && dataset.IsDescendant(other, name) {
			return fmt.Errorf("dataset %s has children", name)
		}
	}
	delete(s.datasets, name)
	return nil
}

func (s *MemoryDatasetStore) List(ctx context.Context, prefix string) ([]*dataset.Dataset, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*dataset.Dataset, 0, len(s.datasets))
	for name, ds := range s.datasets {
		if prefix == "" || dataset.IsDescendant(name, prefix) {
			out = append(out, ds.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryDatasetStore) Close() error {
	return nil
}
