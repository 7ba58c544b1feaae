package mount

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/hashicorp/go-multierror"
	"github.com/marmos91/zfsfuse/pkg/dataset"
	"github.com/marmos91/zfsfuse/pkg/mnttab"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func poolFixture(t *testing.T) (*fixture, string) {
	t.Helper()
	root := t.TempDir()
	f := newFixture(t,
		fs("tank", map[string]string{
			dataset.PropMountpoint: root,
			dataset.PropShareNFS:   "on",
		}),
		fs("tank/a", nil),
		fs("tank/a/b", nil),
		fs("tank/manual", map[string]string{dataset.PropCanMount: dataset.CanMountNoAuto}),
		fs("tank/manual/child", nil),
		&dataset.Dataset{Name: "tank/vol", Type: dataset.TypeVolume},
	)
	return f, root
}

func TestPoolEnableDatasets_MountsParentsFirst(t *testing.T) {
	f, root := poolFixture(t)
	ctx := context.Background()

	require.NoError(t, f.orch.PoolEnableDatasets(ctx, "tank", "", 0))

	a := filepath.Join(root, "a")
	b := filepath.Join(root, "a", "b")
	assert.Equal(t, []string{root, a, b}, f.host.mounts)

	for _, mp := range []string{root, a, b} {
		shared, err := f.nfs.IsShared(ctx, mp)
		require.NoError(t, err)
		assert.True(t, shared, mp)
	}

	_, mounted := f.orch.IsMounted(ctx, "tank/manual/child")
	assert.False(t, mounted, "noauto prunes its subtree")
}

func TestPoolEnableDatasets_ContinuesPastFailures(t *testing.T) {
	root := t.TempDir()
	busy := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(busy, "stray"), []byte("x"), 0644))

	f := newFixture(t,
		fs("tank", map[string]string{dataset.PropMountpoint: root}),
		fs("tank/busy", map[string]string{dataset.PropMountpoint: busy}),
		fs("tank/ok", nil),
	)

	err := f.orch.PoolEnableDatasets(context.Background(), "tank", "", 0)
	require.Error(t, err)

	merr, ok := err.(*multierror.Error)
	require.True(t, ok)
	require.Len(t, merr.Errors, 1)
	assert.True(t, IsCode(merr.Errors[0], ErrNotEmpty))

	assert.Equal(t, []string{root, filepath.Join(root, "ok")}, f.host.mounts)
}

func TestPoolEnableDatasets_UnknownPool(t *testing.T) {
	f := newFixture(t)
	err := f.orch.PoolEnableDatasets(context.Background(), "nope", "", 0)
	assert.True(t, IsCode(err, ErrNotFound))
}

func TestPoolDisableDatasets_UnmountsInReverse(t *testing.T) {
	f, root := poolFixture(t)
	ctx := context.Background()
	require.NoError(t, f.orch.PoolEnableDatasets(ctx, "tank", "", 0))

	// A similarly named pool must be left alone.
	f.host.entries = append(f.host.entries, mnttab.Entry{
		Dataset: "tank2", Mountpoint: "/tank2", FSType: mnttab.DefaultFSType,
	})

	require.NoError(t, f.orch.PoolDisableDatasets(ctx, "tank", false))

	a := filepath.Join(root, "a")
	b := filepath.Join(root, "a", "b")
	assert.Equal(t, []string{b, a, root}, f.host.unmounts)

	for _, mp := range []string{root, a, b} {
		shared, err := f.nfs.IsShared(ctx, mp)
		require.NoError(t, err)
		assert.False(t, shared, mp)
	}

	entries, err := f.host.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "tank2", entries[0].Dataset)

	_, mounted := f.orch.IsMounted(ctx, "tank/a")
	assert.False(t, mounted)

	// Inherited mountpoints are cleaned up, the local one stays.
	_, err = os.Stat(b)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(a)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(root)
	assert.NoError(t, err)
}

func TestPoolDisableDatasets_SeesMountsFromOtherProcesses(t *testing.T) {
	f, root := poolFixture(t)
	ctx := context.Background()
	require.NoError(t, f.orch.PoolEnableDatasets(ctx, "tank", "", 0))

	// Mounted behind the cache's back.
	late := filepath.Join(root, "late")
	f.host.entries = append(f.host.entries, mnttab.Entry{
		Dataset: "tank/late", Mountpoint: late, FSType: mnttab.DefaultFSType,
	})

	require.NoError(t, f.orch.PoolDisableDatasets(ctx, "tank", false))
	assert.Contains(t, f.host.unmounts, late)
	assert.Zero(t, f.orch.Cache().Len())
}

func TestPoolDisableDatasets_UnmountFailureAborts(t *testing.T) {
	f, _ := poolFixture(t)
	ctx := context.Background()
	require.NoError(t, f.orch.PoolEnableDatasets(ctx, "tank", "", 0))
	f.host.unmountErr = assert.AnError

	err := f.orch.PoolDisableDatasets(ctx, "tank", true)
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrUnmountFailed))
	assert.Empty(t, f.host.unmounts)
}
