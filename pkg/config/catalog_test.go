package config

import (
	"context"
	"testing"

	"github.com/marmos91/zfsfuse/pkg/dataset"
)

func TestCreateDatasetStore_MemorySeeds(t *testing.T) {
	ctx := context.Background()
	cfg := &CatalogConfig{
		Type:   "memory",
		Memory: map[string]any{"max_datasets": 10},
		Datasets: []DatasetConfig{
			// Deliberately children first.
			{Name: "tank/home/alice"},
			{Name: "tank/vol", Type: "volume"},
			{Name: "tank/home", Properties: map[string]string{"sharenfs": "on"}},
			{Name: "tank", Properties: map[string]string{"mountpoint": "/tank"}},
		},
	}

	store, err := CreateDatasetStore(ctx, cfg)
	if err != nil {
		t.Fatalf("CreateDatasetStore failed: %v", err)
	}
	defer func() { _ = store.Close() }()

	all, err := store.List(ctx, "")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("Expected 4 datasets, got %d", len(all))
	}

	vol, err := store.Get(ctx, "tank/vol")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if vol.Type != dataset.TypeVolume {
		t.Errorf("Expected volume, got %s", vol.Type)
	}

	mp, err := dataset.NewCatalog(store).Property(ctx, "tank/home/alice", dataset.PropMountpoint)
	if err != nil {
		t.Fatalf("Property failed: %v", err)
	}
	if mp.Value != "/tank/home/alice" {
		t.Errorf("Expected inherited mountpoint /tank/home/alice, got %q", mp.Value)
	}
}

func TestCreateDatasetStore_BadgerInMemory(t *testing.T) {
	ctx := context.Background()
	cfg := &CatalogConfig{
		Type:     "badger",
		Badger:   map[string]any{"in_memory": true},
		Datasets: []DatasetConfig{{Name: "tank"}},
	}

	store, err := CreateDatasetStore(ctx, cfg)
	if err != nil {
		t.Fatalf("CreateDatasetStore failed: %v", err)
	}
	defer func() { _ = store.Close() }()

	if _, err := store.Get(ctx, "tank"); err != nil {
		t.Fatalf("Expected seeded dataset: %v", err)
	}
}

func TestCreateDatasetStore_UnknownType(t *testing.T) {
	if _, err := CreateDatasetStore(context.Background(), &CatalogConfig{Type: "zfs"}); err == nil {
		t.Fatal("Expected error for unknown catalog type")
	}
}

func TestSeedDatasets_MergesExisting(t *testing.T) {
	ctx := context.Background()
	store, err := CreateDatasetStore(ctx, &CatalogConfig{
		Type:     "memory",
		Datasets: []DatasetConfig{{Name: "tank", Properties: map[string]string{"sharenfs": "on"}}},
	})
	if err != nil {
		t.Fatalf("CreateDatasetStore failed: %v", err)
	}
	defer func() { _ = store.Close() }()

	err = SeedDatasets(ctx, store, []DatasetConfig{{Name: "tank", Properties: map[string]string{"mountpoint": "/srv"}}})
	if err != nil {
		t.Fatalf("SeedDatasets failed: %v", err)
	}

	ds, err := store.Get(ctx, "tank")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if ds.Properties["sharenfs"] != "on" || ds.Properties["mountpoint"] != "/srv" {
		t.Errorf("Expected merged properties, got %v", ds.Properties)
	}
}
