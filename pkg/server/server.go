package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/marmos91/zfsfuse/internal/command"
	"github.com/marmos91/zfsfuse/internal/logger"
	"github.com/marmos91/zfsfuse/pkg/adapter"
	"github.com/marmos91/zfsfuse/pkg/adapter/fuse"
	"github.com/marmos91/zfsfuse/pkg/config"
	"github.com/marmos91/zfsfuse/pkg/dataset"
	"github.com/marmos91/zfsfuse/pkg/metrics"
	"github.com/marmos91/zfsfuse/pkg/mnttab"
	"github.com/marmos91/zfsfuse/pkg/mount"
	"github.com/marmos91/zfsfuse/pkg/share"
	"github.com/marmos91/zfsfuse/pkg/share/nfs"
)

// Options replaces host collaborators. Nil fields get the real
// implementation built from the configuration.
type Options struct {
	Mounter   mount.HostMounter
	Unmounter mount.Unmounter
	HostTable mnttab.HostTable
	Shares    share.Set
	Runner    command.Runner

	// Store replaces the configured dataset store; the server closes it.
	Store dataset.Store
}

// Server is the zfsfused daemon: one FUSE session listener plus the
// mount/share orchestrator that feeds it.
//
// Lifecycle:
//  1. Creation: New() opens the catalog and builds the listener
//  2. Startup: Serve() takes the administrative lock, starts the listener
//     and enables the configured pools
//  3. Shutdown: context cancellation disables the pools in reverse order,
//     then stops the listener, which unmounts whatever is left
//
// Thread safety:
// Serve() must only be called once.
type Server struct {
	cfg      *config.Config
	store    dataset.Store
	catalog  dataset.Catalog
	listener *fuse.FUSEAdapter
	orch     *mount.Orchestrator
	metrics  *config.MetricsResult

	serveOnce sync.Once
}

// New builds a daemon from cfg. The caller must call Serve, which releases
// every resource on return.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Server, error) {
	m := config.InitializeMetrics(cfg)

	store := opts.Store
	if store == nil {
		var err error
		store, err = config.CreateDatasetStore(ctx, &cfg.Catalog)
		if err != nil {
			return nil, fmt.Errorf("failed to open catalog: %w", err)
		}
	}

	listener, err := fuse.New(cfg.Listener, m.Listener)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	if opts.Mounter == nil {
		opts.Mounter = newDaemonMounter(listener, cfg.Mount)
	}

	catalog := dataset.NewCatalog(store)
	orch := newOrchestrator(cfg, catalog, m.Mount, opts)

	return &Server{
		cfg:      cfg,
		store:    store,
		catalog:  catalog,
		listener: listener,
		orch:     orch,
		metrics:  m,
	}, nil
}

// newOrchestrator wires the orchestrator's host collaborators, defaulting
// each one the caller left nil.
func newOrchestrator(cfg *config.Config, catalog dataset.Catalog, m metrics.MountMetrics, opts Options) *mount.Orchestrator {
	runner := opts.Runner
	if runner == nil {
		runner = command.Exec{}
	}
	host := opts.HostTable
	if host == nil {
		host = mnttab.NewHostTable(cfg.Mount.MountTable, cfg.Mount.FSType)
	}
	shares := opts.Shares
	if shares == nil {
		shares = share.NewSet(nfs.New(cfg.Share, runner))
	}
	unmounter := opts.Unmounter
	if unmounter == nil {
		unmounter = mount.NewCommandUnmounter(cfg.Mount.UmountPath, runner)
	}

	return mount.New(mount.Options{
		Catalog:    catalog,
		HostTable:  host,
		Shares:     shares,
		Mounter:    opts.Mounter,
		Unmounter:  unmounter,
		Metrics:    m,
		GlobalZone: cfg.Mount.GlobalZone,
	})
}

// Orchestrator returns the mount/share orchestrator.
func (s *Server) Orchestrator() *mount.Orchestrator { return s.orch }

// Listener returns the FUSE session listener.
func (s *Server) Listener() *fuse.FUSEAdapter { return s.listener }

// Catalog returns the dataset catalog.
func (s *Server) Catalog() dataset.Catalog { return s.catalog }

// Serve runs the daemon until ctx is cancelled or the listener fails.
//
// The administrative lock is held while pools are enabled and again while
// they are disabled. If another process holds it at startup, Serve refuses
// to start.
//
// Returns nil after a clean shutdown.
func (s *Server) Serve(ctx context.Context) error {
	err := errors.New("server already served")
	s.serveOnce.Do(func() {
		err = s.serve(ctx)
	})
	return err
}

func (s *Server) serve(ctx context.Context) error {
	lock, err := mount.AcquireLock(s.cfg.Mount.LockDir)
	if err != nil {
		_ = s.store.Close()
		return fmt.Errorf("refusing to start: %w", err)
	}

	if s.metrics.Server != nil {
		go func() {
			if err := s.metrics.Server.Start(ctx); err != nil {
				logger.Error("Metrics server error: %v", err)
			}
		}()
	}

	// The listener is stopped explicitly after the pools are disabled, so it
	// does not watch ctx.
	listenerErr := make(chan error, 1)
	go serveAdapter(s.listener, listenerErr)

	s.enablePools(ctx)
	s.unlock(lock)

	logger.Info("zfsfused ready: %d pool(s), %d session(s)", len(s.cfg.Pools), s.listener.ActiveSessions())

	var result error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received (reason: %v)", ctx.Err())
	case err := <-listenerErr:
		logger.Error("FUSE listener exited unexpectedly: %v", err)
		if err != nil {
			result = multierror.Append(result, err)
		}
	}

	if err := s.shutdown(); err != nil {
		result = multierror.Append(result, err)
	}
	return result
}

// enablePools mounts and shares every configured pool. Failures are logged;
// one broken dataset does not keep the daemon from serving the rest.
func (s *Server) enablePools(ctx context.Context) {
	for _, pool := range s.cfg.Pools {
		if err := s.orch.PoolEnableDatasets(ctx, pool, s.cfg.Mount.ExtraOptions, 0); err != nil {
			logger.Error("Failed to enable pool %s: %v", pool, err)
		}
	}
}

// shutdown disables pools in reverse order, then stops the listener and the
// metrics server, all under one ShutdownTimeout deadline.
func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	var result error

	lock, err := mount.AcquireLock(s.cfg.Mount.LockDir)
	if err != nil {
		logger.Warn("Disabling pools without the administrative lock: %v", err)
	}
	for i := len(s.cfg.Pools) - 1; i >= 0; i-- {
		pool := s.cfg.Pools[i]
		if err := s.orch.PoolDisableDatasets(ctx, pool, false); err != nil {
			logger.Error("Failed to disable pool %s: %v", pool, err)
			result = multierror.Append(result, fmt.Errorf("disable pool %s: %w", pool, err))
		}
	}
	if lock != nil {
		s.unlock(lock)
	}

	if err := stopAdapter(ctx, s.listener); err != nil {
		result = multierror.Append(result, err)
	}

	if s.metrics.Server != nil {
		if err := s.metrics.Server.Stop(ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}

	if err := s.store.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close catalog: %w", err))
	}

	logger.Info("zfsfused stopped")
	return result
}

func (s *Server) unlock(lock io.Closer) {
	if err := lock.Close(); err != nil {
		logger.Warn("Failed to release administrative lock: %v", err)
	}
}

func serveAdapter(a adapter.Adapter, errCh chan<- error) {
	logger.Info("Starting %s listener", a.Protocol())
	errCh <- a.Serve(context.Background())
}

func stopAdapter(ctx context.Context, a adapter.Adapter) error {
	if err := a.Stop(ctx); err != nil {
		return fmt.Errorf("stop %s listener: %w", a.Protocol(), err)
	}
	return nil
}
