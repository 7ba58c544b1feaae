package badger

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/marmos91/zfsfuse/pkg/dataset"
	storetesting "github.com/marmos91/zfsfuse/pkg/store/dataset/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBadgerDatasetStore(t *testing.T) {
	suite := &storetesting.StoreTestSuite{
		NewStore: func(t *testing.T) dataset.Store {
			store, err := NewBadgerDatasetStore(context.Background(), BadgerDatasetStoreConfig{InMemory: true})
			require.NoError(t, err)
			t.Cleanup(func() { _ = store.Close() })
			return store
		},
	}
	suite.Run(t)
}

func TestBadgerDatasetStore_Persists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "catalog")

	store, err := NewBadgerDatasetStore(ctx, BadgerDatasetStoreConfig{DBPath: path})
	require.NoError(t, err)
	require.NoError(t, store.Create(ctx, &dataset.Dataset{
		Name:       "tank",
		Properties: map[string]string{dataset.PropMountpoint: "/tank"},
	}))
	require.NoError(t, store.Close())

	reopened, err := NewBadgerDatasetStore(ctx, BadgerDatasetStoreConfig{DBPath: path})
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	ds, err := reopened.Get(ctx, "tank")
	require.NoError(t, err)
	assert.Equal(t, "/tank", ds.Properties[dataset.PropMountpoint])
}

func TestBadgerDatasetStore_RequiresPath(t *testing.T) {
	_, err := NewBadgerDatasetStore(context.Background(), BadgerDatasetStoreConfig{})
	assert.Error(t, err)
}
