// Package testing provides a conformance suite shared by all dataset.Store
// implementations.
package testing

import (
	"context"
	"errors"
	"testing"

	"github.com/marmos91/zfsfuse/pkg/dataset"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// StoreTestSuite runs the same behavioural checks against any store.
type StoreTestSuite struct {
	// NewStore returns a fresh, empty store for each sub-test
	NewStore func(t *testing.T) dataset.Store
}

// Run executes every test in the suite.
func (suite *StoreTestSuite) Run(t *testing.T) {
	t.Run("CreateAndGet", suite.testCreateAndGet)
	t.Run("CreateRequiresParent", suite.testCreateRequiresParent)
	t.Run("CreateDuplicate", suite.testCreateDuplicate)
	t.Run("Update", suite.testUpdate)
	t.Run("DeleteLeafOnly", suite.testDeleteLeafOnly)
	t.Run("ListPrefix", suite.testListPrefix)
	t.Run("ReturnedCopiesAreIndependent", suite.testIndependentCopies)
}

func mustCreate(t *testing.T, store dataset.Store, name string, props map[string]string) {
	t.Helper()
	require.NoError(t, store.Create(context.Background(), &dataset.Dataset{
		Name:       name,
		Type:       dataset.TypeFilesystem,
		Properties: props,
	}))
}

func (suite *StoreTestSuite) testCreateAndGet(t *testing.T) {
	store := suite.NewStore(t)
	ctx := context.Background()

	mustCreate(t, store, "tank", map[string]string{dataset.PropMountpoint: "/srv/tank"})

	ds, err := store.Get(ctx, "tank")
	require.NoError(t, err)
	assert.Equal(t, "tank", ds.Name)
	assert.Equal(t, dataset.TypeFilesystem, ds.Type)
	assert.Equal(t, "/srv/tank", ds.Properties[dataset.PropMountpoint])

	_, err = store.Get(ctx, "missing")
	assert.True(t, errors.Is(err, dataset.ErrNotFound))
}

func (suite *StoreTestSuite) testCreateRequiresParent(t *testing.T) {
	store := suite.NewStore(t)

	err := store.Create(context.Background(), &dataset.Dataset{Name: "tank/a"})
	assert.True(t, errors.Is(err, dataset.ErrNotFound))

	err = store.Create(context.Background(), &dataset.Dataset{Name: "tank//a"})
	assert.True(t, errors.Is(err, dataset.ErrInvalidName))
}

func (suite *StoreTestSuite) testCreateDuplicate(t *testing.T) {
	store := suite.NewStore(t)
	mustCreate(t, store, "tank", nil)

	err := store.Create(context.Background(), &dataset.Dataset{Name: "tank"})
	assert.True(t, errors.Is(err, dataset.ErrExists))
}

func (suite *StoreTestSuite) testUpdate(t *testing.T) {
	store := suite.NewStore(t)
	ctx := context.Background()
	mustCreate(t, store, "tank", nil)

	require.NoError(t, store.Update(ctx, &dataset.Dataset{
		Name:       "tank",
		Properties: map[string]string{dataset.PropShareNFS: "on"},
	}))
	ds, err := store.Get(ctx, "tank")
	require.NoError(t, err)
	assert.Equal(t, "on", ds.Properties[dataset.PropShareNFS])

	err = store.Update(ctx, &dataset.Dataset{Name: "other"})
	assert.True(t, errors.Is(err, dataset.ErrNotFound))
}

func (suite *StoreTestSuite) testDeleteLeafOnly(t *testing.T) {
	store := suite.NewStore(t)
	ctx := context.Background()
	mustCreate(t, store, "tank", nil)
	mustCreate(t, store, "tank/a", nil)

	assert.Error(t, store.Delete(ctx, "tank"))
	require.NoError(t, store.Delete(ctx, "tank/a"))
	require.NoError(t, store.Delete(ctx, "tank"))

	_, err := store.Get(ctx, "tank")
	assert.True(t, errors.Is(err, dataset.ErrNotFound))
}

func (suite *StoreTestSuite) testListPrefix(t *testing.T) {
	store := suite.NewStore(t)
	ctx := context.Background()
	mustCreate(t, store, "tank", nil)
	mustCreate(t, store, "tank/a", nil)
	mustCreate(t, store, "tank/a/b", nil)
	mustCreate(t, store, "tank2", nil)

	list, err := store.List(ctx, "tank")
	require.NoError(t, err)
	names := make([]string, 0, len(list))
	for _, ds := range list {
		names = append(names, ds.Name)
	}
	assert.Equal(t, []string{"tank", "tank/a", "tank/a/b"}, names)

	all, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func (suite *StoreTestSuite) testIndependentCopies(t *testing.T) {
	store := suite.NewStore(t)
	ctx := context.Background()
	mustCreate(t, store, "tank", map[string]string{dataset.PropCanMount: "on"})

	ds, err := store.Get(ctx, "tank")
	require.NoError(t, err)
	ds.Properties[dataset.PropCanMount] = "off"

	again, err := store.Get(ctx, "tank")
	require.NoError(t, err)
	assert.Equal(t, "on", again.Properties[dataset.PropCanMount])
}
