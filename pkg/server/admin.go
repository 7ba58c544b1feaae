package server

import (
	"context"
	"fmt"
	"io"

	"github.com/marmos91/zfsfuse/pkg/config"
	"github.com/marmos91/zfsfuse/pkg/dataset"
	"github.com/marmos91/zfsfuse/pkg/metrics"
	"github.com/marmos91/zfsfuse/pkg/mount"
)

// Admin runs one-shot administrative operations outside the daemon.
//
// It has no host mounter: mounting requires the daemon that serves the
// FUSE sessions. Unmounting, sharing and unsharing go straight to the host
// tools.
type Admin struct {
	cfg   *config.Config
	store dataset.Store
	cat   dataset.Catalog
	orch  *mount.Orchestrator
}

// NewAdmin opens the catalog and builds an orchestrator without a mounter.
func NewAdmin(ctx context.Context, cfg *config.Config, opts Options) (*Admin, error) {
	store := opts.Store
	if store == nil {
		var err error
		store, err = config.CreateDatasetStore(ctx, &cfg.Catalog)
		if err != nil {
			return nil, fmt.Errorf("failed to open catalog: %w", err)
		}
	}
	opts.Mounter = nil

	cat := dataset.NewCatalog(store)
	return &Admin{
		cfg:   cfg,
		store: store,
		cat:   cat,
		orch:  newOrchestrator(cfg, cat, metrics.NewNoopMountMetrics(), opts),
	}, nil
}

// Orchestrator returns the administrative orchestrator.
func (a *Admin) Orchestrator() *mount.Orchestrator { return a.orch }

// Store returns the dataset store.
func (a *Admin) Store() dataset.Store { return a.store }

// Catalog returns the dataset catalog.
func (a *Admin) Catalog() dataset.Catalog { return a.cat }

// Locked runs fn while holding the administrative lock.
func (a *Admin) Locked(ctx context.Context, fn func(ctx context.Context, o *mount.Orchestrator) error) error {
	lock, err := mount.AcquireLock(a.cfg.Mount.LockDir)
	if err != nil {
		return err
	}
	defer func(l io.Closer) { _ = l.Close() }(lock)
	return fn(ctx, a.orch)
}

// Close releases the catalog.
func (a *Admin) Close() error {
	return a.store.Close()
}
