package server

import (
	"context"
	"fmt"
	"strings"

	"github.com/marmos91/zfsfuse/internal/fusekernel"
	"github.com/marmos91/zfsfuse/internal/logger"
	"github.com/marmos91/zfsfuse/internal/lowlevel"
	"github.com/marmos91/zfsfuse/pkg/adapter/fuse"
	"github.com/marmos91/zfsfuse/pkg/config"
	"github.com/marmos91/zfsfuse/pkg/mount"
)

// registrar accepts freshly mounted channels.
type registrar interface {
	Register(ctx context.Context, ch fuse.Channel, hs fuse.HandlerSession) error
}

// daemonMounter mounts a dataset by opening a kernel channel through
// fusermount and handing it, wrapped in a handler session, to the listener.
type daemonMounter struct {
	listener registrar
	cfg      config.MountConfig
}

func newDaemonMounter(listener registrar, cfg config.MountConfig) *daemonMounter {
	return &daemonMounter{listener: listener, cfg: cfg}
}

// mountOptions builds the fusermount option string. A remount request is
// not a fusermount option and is dropped.
func mountOptions(name, fuseOptions, options string) string {
	var extra []string
	for _, opt := range strings.Split(options, ",") {
		if opt = strings.TrimSpace(opt); opt != "" && opt != "remount" {
			extra = append(extra, opt)
		}
	}
	return fusekernel.Options(name, fuseOptions, strings.Join(extra, ","))
}

func isRemount(options string) bool {
	for _, opt := range strings.Split(options, ",") {
		if strings.TrimSpace(opt) == "remount" {
			return true
		}
	}
	return false
}

func (m *daemonMounter) Mount(ctx context.Context, name, mountpoint, options string, _ mount.Flags) error {
	if isRemount(options) {
		return m.Remount(ctx, name, mountpoint)
	}

	ch, err := fusekernel.Mount(ctx, mountpoint, mountOptions(name, m.cfg.FuseOptions, options),
		fusekernel.MountConfig{FusermountPath: m.cfg.FusermountPath})
	if err != nil {
		return err
	}

	hs := lowlevel.NewSession(name, lowlevel.NewDatasetFS(name), ch, fusekernel.MaxWrite)
	if err := m.listener.Register(ctx, ch, hs); err != nil {
		hs.Destroy()
		if uerr := ch.Unmount(); uerr != nil {
			logger.Warn("Failed to unmount %s after rejected registration: %v", mountpoint, uerr)
		}
		_ = ch.Close()
		return fmt.Errorf("register %s: %w", mountpoint, err)
	}

	logger.Debug("Registered FUSE session for %s at %s (fd=%d)", name, mountpoint, ch.Fd())
	return nil
}

func (m *daemonMounter) Remount(_ context.Context, name, mountpoint string) error {
	return fusekernel.Remount(name, mountpoint)
}
