// Package nfs exports mountpoints over NFS through the host's exportfs tool.
//
// State lives entirely in the host export table; every call re-reads it.
package nfs

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/marmos91/zfsfuse/internal/command"
	"github.com/marmos91/zfsfuse/internal/logger"
	"github.com/marmos91/zfsfuse/pkg/share"
)

// Config locates the host export table and tool.
type Config struct {
	EtabPath     string `mapstructure:"etab_path"`
	ExportfsPath string `mapstructure:"exportfs_path"`
}

func (c *Config) applyDefaults() {
	if c.EtabPath == "" {
		c.EtabPath = DefaultEtabPath
	}
	if c.ExportfsPath == "" {
		c.ExportfsPath = "exportfs"
	}
}

// Backend is the NFS share.Backend.
//
// fsid allocation reads the table and then runs exportfs; mu keeps two
// shares from this process picking the same fsid. Other processes can
// still race.
type Backend struct {
	cfg    Config
	runner command.Runner
	mu     sync.Mutex
}

// New creates an NFS backend.
func New(cfg Config, runner command.Runner) *Backend {
	cfg.applyDefaults()
	if runner == nil {
		runner = command.Exec{}
	}
	return &Backend{cfg: cfg, runner: runner}
}

// Protocol implements share.Backend.
func (b *Backend) Protocol() share.Protocol {
	return share.ProtocolNFS
}

// IsShared implements share.Backend.
func (b *Backend) IsShared(_ context.Context, mountpoint string) (bool, error) {
	exports, err := ReadEtab(b.cfg.EtabPath)
	if err != nil {
		logger.Debug("nfs: %v; treating %s as not shared", err, mountpoint)
		return false, nil
	}
	for _, e := range exports {
		if e.Path == mountpoint {
			return true, nil
		}
	}
	return false, nil
}

// Share implements share.Backend.
//
// options is either "on", exporting to everyone, or a space separated list
// of host:opts pairs. Every pair is attempted; failures are aggregated.
func (b *Backend) Share(ctx context.Context, mountpoint, options string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	fsid := b.fsid(mountpoint)

	if options == "on" {
		opts := "fsid=" + strconv.Itoa(fsid) + ",no_subtree_check"
		if err := b.export(ctx, "*", mountpoint, opts); err != nil {
			return err
		}
		return b.verify(ctx, mountpoint)
	}

	var result error
	for _, spec := range parseHostSpecs(options) {
		opts := exportOptions(spec.opts, fsid)
		if err := b.export(ctx, spec.host, mountpoint, opts); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if result != nil {
		return result
	}
	return b.verify(ctx, mountpoint)
}

// verify checks that exportfs actually left an entry for mountpoint in etab.
func (b *Backend) verify(ctx context.Context, mountpoint string) error {
	shared, err := b.IsShared(ctx, mountpoint)
	if err != nil {
		return err
	}
	if !shared {
		return fmt.Errorf("%s is not listed in %s after exportfs", mountpoint, b.cfg.EtabPath)
	}
	return nil
}

// UnshareOne implements share.Backend.
func (b *Backend) UnshareOne(ctx context.Context, mountpoint string) error {
	exports, err := ReadEtab(b.cfg.EtabPath)
	if err != nil {
		return fmt.Errorf("cannot unshare '%s': %w", mountpoint, share.ErrNotFound)
	}

	for _, e := range exports {
		if e.Path != mountpoint {
			continue
		}
		target := e.Host + ":" + mountpoint
		if _, err := b.runner.Run(ctx, b.cfg.ExportfsPath, "-u", target); err != nil {
			return fmt.Errorf("exportfs -u %s failed: %w", target, err)
		}
		logger.Debug("nfs: unexported %s", target)
		return nil
	}
	return fmt.Errorf("cannot unshare '%s': %w", mountpoint, share.ErrNotFound)
}

func (b *Backend) fsid(mountpoint string) int {
	exports, err := ReadEtab(b.cfg.EtabPath)
	if err != nil {
		logger.Warn("nfs: %v; using fsid %d", err, fallbackFSID)
		return fallbackFSID
	}
	return NextFSID(exports, mountpoint)
}

func (b *Backend) export(ctx context.Context, host, mountpoint, opts string) error {
	target := host + ":" + mountpoint
	if _, err := b.runner.Run(ctx, b.cfg.ExportfsPath, "-o", opts, target); err != nil {
		return fmt.Errorf("exportfs -o %s %s failed: %w", opts, target, err)
	}
	logger.Debug("nfs: exported %s (%s)", target, opts)
	return nil
}

type hostSpec struct {
	host string
	opts string
}

// parseHostSpecs splits "host1:opts host2:opts". Fields without a colon
// are not host specs and are skipped.
func parseHostSpecs(s string) []hostSpec {
	var out []hostSpec
	for _, field := range strings.Fields(s) {
		host, opts, ok := strings.Cut(field, ":")
		if !ok {
			logger.Debug("nfs: ignoring sharenfs field %q without host:options", field)
			continue
		}
		out = append(out, hostSpec{host: host, opts: opts})
	}
	return out
}

// exportOptions fills in ro, fsid and no_subtree_check where the user left
// them out.
func exportOptions(opts string, fsid int) string {
	if opts == "" {
		opts = "ro"
	}
	if !strings.Contains(opts, "fsid=") {
		opts += ",fsid=" + strconv.Itoa(fsid)
	}
	if !strings.Contains(opts, "subtree_check") {
		opts += ",no_subtree_check"
	}
	return opts
}
