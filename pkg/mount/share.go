package mount

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/marmos91/zfsfuse/internal/logger"
	"github.com/marmos91/zfsfuse/pkg/dataset"
	"github.com/marmos91/zfsfuse/pkg/share"
)

// maxUnshareRounds bounds the unshare loop for one mountpoint and protocol.
// A host tool that reports success without changing the table would
// otherwise spin forever.
const maxUnshareRounds = 64

// IsShared returns the mountpoint of a dataset if it is mounted and exported
// over proto.
func (o *Orchestrator) IsShared(ctx context.Context, name string, proto share.Protocol) (string, bool) {
	mountpoint, ok := o.IsMounted(ctx, name)
	if !ok {
		return "", false
	}
	shared, err := o.shares.Get(proto).IsShared(ctx, mountpoint)
	if err != nil || !shared {
		return "", false
	}
	return mountpoint, true
}

// Share exports a dataset over each protocol whose share property is not
// "off". With no protocols, every known protocol is tried. The first failing
// protocol aborts the call.
func (o *Orchestrator) Share(ctx context.Context, name string, protocols ...share.Protocol) (err error) {
	start := time.Now()
	defer func() { o.metrics.RecordOperation("share", time.Since(start), err) }()

	if len(protocols) == 0 {
		protocols = share.All
	}

	ds, err := o.catalog.Dataset(ctx, name)
	if err != nil {
		return lookupError("share", name, err)
	}
	if ds.Type != dataset.TypeFilesystem {
		return nil
	}

	mountpoint, _, ok, err := dataset.IsMountable(ctx, o.catalog, ds, o.globalZone)
	if err != nil {
		return lookupError("share", name, err)
	}
	if !ok {
		return nil
	}

	for _, proto := range protocols {
		opts, err := o.catalog.Property(ctx, name, proto.Property())
		if err != nil {
			return lookupError("share", name, err)
		}
		if opts.Value == "" || opts.Value == "off" {
			continue
		}

		// Local zones cannot be NFS servers either.
		zoned, err := o.catalog.Property(ctx, name, dataset.PropZoned)
		if err != nil {
			return lookupError("share", name, err)
		}
		if zoned.Value == "on" {
			continue
		}

		if err := o.shares.Get(proto).Share(ctx, mountpoint, opts.Value); err != nil {
			return &Error{Code: ErrShareFailed, Op: "share", Dataset: name,
				Message: fmt.Sprintf("%s share failed", proto), Err: err}
		}
		logger.Info("Shared %s (%s) over %s", name, mountpoint, proto)
	}
	return nil
}

// ShareNFS exports a dataset over NFS only.
func (o *Orchestrator) ShareNFS(ctx context.Context, name string) error {
	return o.Share(ctx, name, share.ProtocolNFS)
}

// ShareSMB exports a dataset over SMB only.
func (o *Orchestrator) ShareSMB(ctx context.Context, name string) error {
	return o.Share(ctx, name, share.ProtocolSMB)
}

// ShareAll exports a dataset over every protocol.
func (o *Orchestrator) ShareAll(ctx context.Context, name string) error {
	return o.Share(ctx, name)
}

// Unshare removes every export of a dataset for the given protocols (all
// protocols if none are given). An empty mountpoint is resolved from the
// mount table; an unmounted dataset is a no-op.
func (o *Orchestrator) Unshare(ctx context.Context, name, mountpoint string, protocols ...share.Protocol) (err error) {
	start := time.Now()
	defer func() { o.metrics.RecordOperation("unshare", time.Since(start), err) }()

	if len(protocols) == 0 {
		protocols = share.All
	}
	if mountpoint == "" {
		mp, ok := o.mountedFilesystem(ctx, name)
		if !ok {
			return nil
		}
		mountpoint = mp
	}
	return o.unshare(ctx, name, mountpoint, protocols)
}

// UnshareNFS removes the NFS exports of a dataset.
func (o *Orchestrator) UnshareNFS(ctx context.Context, name, mountpoint string) error {
	return o.Unshare(ctx, name, mountpoint, share.ProtocolNFS)
}

// UnshareSMB removes the SMB exports of a dataset.
func (o *Orchestrator) UnshareSMB(ctx context.Context, name, mountpoint string) error {
	return o.Unshare(ctx, name, mountpoint, share.ProtocolSMB)
}

// UnshareByPath removes every export of mountpoint over every protocol.
func (o *Orchestrator) UnshareByPath(ctx context.Context, name, mountpoint string) error {
	return o.Unshare(ctx, name, mountpoint, share.All...)
}

// UnshareOne removes a single export of mountpoint. It fails with
// ErrNotFound when nothing is exported there.
func (o *Orchestrator) UnshareOne(ctx context.Context, name, mountpoint string, proto share.Protocol) error {
	if err := o.shares.Get(proto).UnshareOne(ctx, mountpoint); err != nil {
		return unshareError(name, err)
	}
	return nil
}

func (o *Orchestrator) unshare(ctx context.Context, name, mountpoint string, protocols []share.Protocol) error {
	for _, proto := range protocols {
		backend := o.shares.Get(proto)
		for round := 0; ; round++ {
			shared, err := backend.IsShared(ctx, mountpoint)
			if err != nil {
				return &Error{Code: ErrUnshareFailed, Op: "unshare", Dataset: name,
					Message: "cannot read export table", Err: err}
			}
			if !shared {
				break
			}
			if round == maxUnshareRounds {
				return &Error{Code: ErrUnshareFailed, Op: "unshare", Dataset: name,
					Message: fmt.Sprintf("%s is still exported over %s", mountpoint, proto)}
			}
			if err := backend.UnshareOne(ctx, mountpoint); err != nil {
				return unshareError(name, err)
			}
		}
	}
	return nil
}

func unshareError(name string, err error) error {
	if errors.Is(err, share.ErrNotFound) {
		return &Error{Code: ErrNotFound, Op: "unshare", Dataset: name, Message: "not found"}
	}
	return &Error{Code: ErrUnshareFailed, Op: "unshare", Dataset: name, Message: "unshare failed", Err: err}
}
