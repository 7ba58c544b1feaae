// Package mount keeps the host mount table and export tables consistent with
// administrative mount, unmount, share and unshare requests.
//
// The Orchestrator never touches the kernel directly. Mounting goes through
// a HostMounter (in the daemon, a FUSE kernel channel registered with the
// session listener), unmounting through an Unmounter (the host umount
// helper), and exporting through per-protocol share.Backends. Successful
// mounts are recorded in an mnttab.Cache; the host table stays the
// authority for anything the cache does not know.
package mount

import (
	"context"
	"errors"
	"os"
	"strings"
	"time"

	"github.com/marmos91/zfsfuse/internal/logger"
	"github.com/marmos91/zfsfuse/pkg/dataset"
	"github.com/marmos91/zfsfuse/pkg/metrics"
	"github.com/marmos91/zfsfuse/pkg/mnttab"
	"github.com/marmos91/zfsfuse/pkg/share"
	"golang.org/x/sys/unix"
)

// Flags modify mount and unmount behaviour.
type Flags uint

const (
	// FlagOverlay mounts on top of a non-empty directory
	FlagOverlay Flags = 1 << iota

	// FlagForce unmounts lazily (umount -l)
	FlagForce
)

// optRemount in the option string skips the empty-directory check.
const optRemount = "remount"

// HostMounter attaches a dataset to a directory.
//
// Errors should wrap the kernel errno so they can be classified.
type HostMounter interface {
	Mount(ctx context.Context, name, mountpoint, options string, flags Flags) error

	// Remount refreshes an existing mount in place.
	Remount(ctx context.Context, name, mountpoint string) error
}

// Unmounter detaches whatever is mounted at a directory.
type Unmounter interface {
	Unmount(ctx context.Context, mountpoint string, force bool) error
}

// Options wires the orchestrator's collaborators.
type Options struct {
	Catalog   dataset.Catalog
	Cache     *mnttab.Cache
	HostTable mnttab.HostTable
	Shares    share.Set
	Mounter   HostMounter
	Unmounter Unmounter

	// Metrics may be nil
	Metrics metrics.MountMetrics

	// GlobalZone marks the privileged host context; zoned datasets are
	// never mounted or shared from it.
	GlobalZone bool
}

// Orchestrator implements the mount and share lifecycle.
//
// Thread safety:
// Operations may be called concurrently. They serialize only through the
// cache and the host tools; callers that need cross-process exclusion hold
// the lock returned by AcquireLock.
type Orchestrator struct {
	catalog    dataset.Catalog
	cache      *mnttab.Cache
	shares     share.Set
	mounter    HostMounter
	unmounter  Unmounter
	metrics    metrics.MountMetrics
	globalZone bool
}

// New creates an Orchestrator. Catalog, Unmounter and one of Cache or
// HostTable are required; a nil Mounter makes every Mount fail.
func New(opts Options) *Orchestrator {
	if opts.Cache == nil {
		opts.Cache = mnttab.NewCache(opts.HostTable)
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNoopMountMetrics()
	}
	if opts.Shares == nil {
		opts.Shares = share.NewSet()
	}
	return &Orchestrator{
		catalog:    opts.Catalog,
		cache:      opts.Cache,
		shares:     opts.Shares,
		mounter:    opts.Mounter,
		unmounter:  opts.Unmounter,
		metrics:    opts.Metrics,
		globalZone: opts.GlobalZone,
	}
}

// Cache returns the mount table cache.
func (o *Orchestrator) Cache() *mnttab.Cache {
	return o.cache
}

// IsMounted returns the mountpoint of a mounted dataset.
func (o *Orchestrator) IsMounted(_ context.Context, name string) (string, bool) {
	e, ok, err := o.cache.Find(name)
	if err != nil {
		logger.Warn("mount: cannot read mount table: %v", err)
		return "", false
	}
	if !ok {
		return "", false
	}
	return e.Mountpoint, true
}

// Mount mounts a dataset at its mountpoint property.
//
// Datasets that cannot be mounted (volumes, mountpoint none or legacy,
// canmount=off, zoned in the global zone) are skipped without error.
func (o *Orchestrator) Mount(ctx context.Context, name, options string, flags Flags) (err error) {
	start := time.Now()
	defer func() { o.metrics.RecordOperation("mount", time.Since(start), err) }()

	ds, err := o.catalog.Dataset(ctx, name)
	if err != nil {
		return lookupError("mount", name, err)
	}

	mountpoint, _, ok, err := dataset.IsMountable(ctx, o.catalog, ds, o.globalZone)
	if err != nil {
		return lookupError("mount", name, err)
	}
	if !ok {
		logger.Debug("mount: %s is not mountable, skipping", name)
		return nil
	}

	if _, err := os.Lstat(mountpoint); err != nil {
		if err := os.MkdirAll(mountpoint, 0755); err != nil {
			return &Error{Code: ErrMountFailed, Op: "mount", Dataset: mountpoint,
				Message: "failed to create mountpoint", Err: err}
		}
	}

	if flags&FlagOverlay == 0 && !strings.Contains(options, optRemount) && !dirIsEmpty(mountpoint) {
		return &Error{Code: ErrNotEmpty, Op: "mount", Dataset: mountpoint, Message: "directory is not empty"}
	}

	if o.mounter == nil {
		return &Error{Code: ErrMountFailed, Op: "mount", Dataset: name, Message: "no host mounter configured"}
	}

	unix.Sync()
	if err := o.mounter.Mount(ctx, name, mountpoint, options, flags); err != nil {
		code, msg := classifyMountError(err)
		return &Error{Code: code, Op: "mount", Dataset: name, Message: msg, Err: err}
	}

	o.cache.Add(name, mountpoint, options)
	o.metrics.SetMounted(o.cache.Len())
	logger.Info("Mounted %s at %s", name, mountpoint)
	return nil
}

// Unmount unshares and unmounts a dataset.
//
// An empty mountpoint is resolved from the mount table; a dataset that is
// not mounted is a no-op. If the host unmount fails, the dataset is shared
// again before the error is returned.
func (o *Orchestrator) Unmount(ctx context.Context, name, mountpoint string, flags Flags) (err error) {
	start := time.Now()
	defer func() { o.metrics.RecordOperation("unmount", time.Since(start), err) }()

	if mountpoint == "" {
		mp, ok := o.mountedFilesystem(ctx, name)
		if !ok {
			return nil
		}
		mountpoint = mp
	}

	if err := o.unshare(ctx, name, mountpoint, share.All); err != nil {
		return err
	}

	if err := o.unmounter.Unmount(ctx, mountpoint, flags&FlagForce != 0); err != nil {
		if serr := o.ShareAll(ctx, name); serr != nil {
			logger.Warn("mount: re-sharing %s after failed unmount: %v", name, serr)
		}
		return &Error{Code: ErrUnmountFailed, Op: "unmount", Dataset: mountpoint,
			Message: "umount failed", Err: err}
	}

	o.cache.Remove(name)
	o.metrics.SetMounted(o.cache.Len())
	logger.Info("Unmounted %s from %s", name, mountpoint)
	return nil
}

// Remount refreshes a mounted dataset in place. Not mounted is a no-op.
func (o *Orchestrator) Remount(ctx context.Context, name string) error {
	mountpoint, ok := o.IsMounted(ctx, name)
	if !ok {
		return nil
	}
	if o.mounter == nil {
		return &Error{Code: ErrMountFailed, Op: "remount", Dataset: name, Message: "no host mounter configured"}
	}
	if err := o.mounter.Remount(ctx, name, mountpoint); err != nil {
		code, msg := classifyMountError(err)
		return &Error{Code: code, Op: "remount", Dataset: name, Message: msg, Err: err}
	}
	return nil
}

// RemoveMountpoint removes the mountpoint directory of ds if its mountpoint
// is the default or inherited one. Errors are ignored: the directory may
// have been moved or may hold user data.
func (o *Orchestrator) RemoveMountpoint(ctx context.Context, ds *dataset.Dataset) {
	mountpoint, source, ok, err := dataset.IsMountable(ctx, o.catalog, ds, o.globalZone)
	if err != nil || !ok {
		return
	}
	if source != dataset.SourceDefault && source != dataset.SourceInherited {
		return
	}
	if err := os.Remove(mountpoint); err != nil {
		logger.Debug("mount: leaving %s in place: %v", mountpoint, err)
	}
}

// mountedFilesystem resolves the mountpoint of a mounted filesystem.
// Volumes are never mounted.
func (o *Orchestrator) mountedFilesystem(ctx context.Context, name string) (string, bool) {
	if ds, err := o.catalog.Dataset(ctx, name); err == nil && ds.Type != dataset.TypeFilesystem {
		return "", false
	}
	return o.IsMounted(ctx, name)
}

// dirIsEmpty reports whether dir has no entries. A directory that cannot be
// read counts as empty so the mount itself reports the real problem.
func dirIsEmpty(dir string) bool {
	f, err := os.Open(dir)
	if err != nil {
		return true
	}
	defer func() { _ = f.Close() }()

	names, _ := f.Readdirnames(1)
	return len(names) == 0
}

func lookupError(op, name string, err error) error {
	if errors.Is(err, dataset.ErrNotFound) {
		return &Error{Code: ErrNotFound, Op: op, Dataset: name, Message: "dataset does not exist", Err: err}
	}
	return &Error{Code: ErrMountFailed, Op: op, Dataset: name, Message: "cannot read dataset", Err: err}
}
