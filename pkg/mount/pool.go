package mount

import (
	"context"
	"sort"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/marmos91/zfsfuse/internal/logger"
	"github.com/marmos91/zfsfuse/pkg/dataset"
	"github.com/marmos91/zfsfuse/pkg/share"
)

type poolItem struct {
	ds         *dataset.Dataset
	mountpoint string
	filesystem bool
}

// PoolEnableDatasets mounts and then shares every dataset of a pool.
//
// Datasets are mounted in mountpoint order so parents are mounted before
// the datasets nested under them; volumes come last. canmount=noauto prunes
// a dataset and everything below it. A failure does not stop the pass; all
// failures are returned together.
func (o *Orchestrator) PoolEnableDatasets(ctx context.Context, pool, options string, flags Flags) (err error) {
	start := time.Now()
	defer func() { o.metrics.RecordOperation("pool_enable", time.Since(start), err) }()

	items, err := o.gatherPool(ctx, pool)
	if err != nil {
		return err
	}

	var result error
	good := make([]bool, len(items))
	for i, it := range items {
		if err := o.Mount(ctx, it.ds.Name, options, flags); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		good[i] = true
	}

	for i, it := range items {
		if !good[i] {
			continue
		}
		if err := o.ShareAll(ctx, it.ds.Name); err != nil {
			result = multierror.Append(result, err)
		}
	}

	if result != nil {
		logger.Warn("Pool %s enabled with errors: %v", pool, result)
	} else {
		logger.Info("Pool %s enabled (%d datasets)", pool, len(items))
	}
	return result
}

func (o *Orchestrator) gatherPool(ctx context.Context, pool string) ([]poolItem, error) {
	root, err := o.catalog.Dataset(ctx, pool)
	if err != nil {
		return nil, lookupError("mount", pool, err)
	}
	descendants, err := o.catalog.Descendants(ctx, pool)
	if err != nil {
		return nil, lookupError("mount", pool, err)
	}

	all := append([]*dataset.Dataset{root}, descendants...)
	pruned := make(map[string]bool)
	items := make([]poolItem, 0, len(all))

	for i, ds := range all {
		// The pool root is always gathered; below it noauto prunes the
		// whole subtree.
		if i > 0 {
			if pruned[dataset.Parent(ds.Name)] {
				pruned[ds.Name] = true
				continue
			}
			canmount, err := o.catalog.Property(ctx, ds.Name, dataset.PropCanMount)
			if err != nil {
				return nil, lookupError("mount", ds.Name, err)
			}
			if canmount.Value == dataset.CanMountNoAuto {
				pruned[ds.Name] = true
				continue
			}
		}

		it := poolItem{ds: ds, filesystem: ds.Type == dataset.TypeFilesystem}
		if it.filesystem {
			mp, err := o.catalog.Property(ctx, ds.Name, dataset.PropMountpoint)
			if err != nil {
				return nil, lookupError("mount", ds.Name, err)
			}
			it.mountpoint = mp.Value
		}
		items = append(items, it)
	}

	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		switch {
		case a.filesystem && b.filesystem:
			return a.mountpoint < b.mountpoint
		case a.filesystem != b.filesystem:
			return a.filesystem
		default:
			return a.ds.Name < b.ds.Name
		}
	})
	return items, nil
}

// PoolDisableDatasets unshares and unmounts every mounted dataset of a pool.
//
// The host mount table is the source of truth here, not the catalog. Entries
// are processed in reverse mountpoint order so nested mounts go first.
// Everything is unshared before anything is unmounted; the first failure in
// either phase aborts. Afterwards default and inherited mountpoint
// directories are removed.
func (o *Orchestrator) PoolDisableDatasets(ctx context.Context, pool string, force bool) (err error) {
	start := time.Now()
	defer func() { o.metrics.RecordOperation("pool_disable", time.Since(start), err) }()

	// The host table is authoritative: reload the cache from it, then take
	// the pool's subtree.
	if err := o.cache.Refresh(); err != nil {
		return &Error{Code: ErrUnmountFailed, Op: "unmount", Dataset: pool,
			Message: "cannot read mount table", Err: err}
	}
	mounted, err := o.cache.Under(pool)
	if err != nil {
		return &Error{Code: ErrUnmountFailed, Op: "unmount", Dataset: pool,
			Message: "cannot read mount table", Err: err}
	}
	sort.SliceStable(mounted, func(i, j int) bool {
		return mounted[i].Mountpoint > mounted[j].Mountpoint
	})

	for _, e := range mounted {
		for _, proto := range share.All {
			backend := o.shares.Get(proto)
			shared, err := backend.IsShared(ctx, e.Mountpoint)
			if err != nil || !shared {
				continue
			}
			if err := backend.UnshareOne(ctx, e.Mountpoint); err != nil {
				return unshareError(e.Mountpoint, err)
			}
		}
	}

	for _, e := range mounted {
		if err := o.unmounter.Unmount(ctx, e.Mountpoint, force); err != nil {
			return &Error{Code: ErrUnmountFailed, Op: "unmount", Dataset: e.Mountpoint,
				Message: "umount failed", Err: err}
		}
		o.cache.Remove(e.Dataset)
		logger.Debug("Unmounted %s from %s", e.Dataset, e.Mountpoint)
	}
	o.metrics.SetMounted(o.cache.Len())

	for _, e := range mounted {
		// The dataset may be gone from the catalog; its directory then stays.
		ds, err := o.catalog.Dataset(ctx, e.Dataset)
		if err != nil {
			continue
		}
		o.RemoveMountpoint(ctx, ds)
	}

	logger.Info("Pool %s disabled (%d datasets)", pool, len(mounted))
	return nil
}
