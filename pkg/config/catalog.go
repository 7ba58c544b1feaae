package config

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/marmos91/zfsfuse/internal/logger"
	"github.com/marmos91/zfsfuse/pkg/dataset"
	"github.com/marmos91/zfsfuse/pkg/store/dataset/badger"
	"github.com/marmos91/zfsfuse/pkg/store/dataset/memory"
	"github.com/mitchellh/mapstructure"
)

// CreateDatasetStore creates the dataset store selected by cfg.Type and
// seeds it with cfg.Datasets.
//
// Returns:
//   - dataset.Store: Initialized store; the caller owns Close
//   - error: Configuration, initialization or seeding error
func CreateDatasetStore(ctx context.Context, cfg *CatalogConfig) (dataset.Store, error) {
	var (
		store dataset.Store
		err   error
	)

	switch cfg.Type {
	case "memory":
		store, err = createMemoryDatasetStore(cfg.Memory)
	case "badger":
		store, err = createBadgerDatasetStore(ctx, cfg.Badger)
	default:
		return nil, fmt.Errorf("unknown catalog type: %q", cfg.Type)
	}
	if err != nil {
		return nil, err
	}

	if err := SeedDatasets(ctx, store, cfg.Datasets); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

func createMemoryDatasetStore(options map[string]any) (dataset.Store, error) {
	var storeCfg memory.MemoryDatasetStoreConfig
	if err := mapstructure.Decode(options, &storeCfg); err != nil {
		return nil, fmt.Errorf("invalid memory catalog config: %w", err)
	}
	return memory.NewMemoryDatasetStore(storeCfg), nil
}

func createBadgerDatasetStore(ctx context.Context, options map[string]any) (dataset.Store, error) {
	var storeCfg badger.BadgerDatasetStoreConfig
	if err := mapstructure.Decode(options, &storeCfg); err != nil {
		return nil, fmt.Errorf("invalid badger catalog config: %w", err)
	}

	store, err := badger.NewBadgerDatasetStore(ctx, storeCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create badger catalog: %w", err)
	}
	return store, nil
}

// SeedDatasets creates every configured dataset, parents first. Datasets
// that already exist get their configured properties merged in.
func SeedDatasets(ctx context.Context, store dataset.Store, seeds []DatasetConfig) error {
	ordered := make([]DatasetConfig, len(seeds))
	copy(ordered, seeds)
	sort.SliceStable(ordered, func(i, j int) bool {
		di, dj := strings.Count(ordered[i].Name, "/"), strings.Count(ordered[j].Name, "/")
		if di != dj {
			return di < dj
		}
		return ordered[i].Name < ordered[j].Name
	})

	for _, seed := range ordered {
		typ, err := dataset.ParseType(seed.Type)
		if err != nil {
			return fmt.Errorf("dataset %s: %w", seed.Name, err)
		}
		ds := &dataset.Dataset{Name: seed.Name, Type: typ, Properties: seed.Properties}

		err = store.Create(ctx, ds)
		if errors.Is(err, dataset.ErrExists) {
			err = mergeDataset(ctx, store, ds)
		}
		if err != nil {
			return fmt.Errorf("seed dataset %s: %w", seed.Name, err)
		}
		logger.Debug("Catalog: seeded %s %s", typ, seed.Name)
	}
	return nil
}

func mergeDataset(ctx context.Context, store dataset.Store, seed *dataset.Dataset) error {
	existing, err := store.Get(ctx, seed.Name)
	if err != nil {
		return err
	}
	if existing.Properties == nil {
		existing.Properties = make(map[string]string, len(seed.Properties))
	}
	for k, v := range seed.Properties {
		existing.Properties[k] = v
	}
	existing.Type = seed.Type
	return store.Update(ctx, existing)
}
