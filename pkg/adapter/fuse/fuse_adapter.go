// Package fuse multiplexes many independently mounted FUSE filesystems over a
// fixed pool of dispatch workers.
//
// Architecture:
// Every mounted dataset contributes one Session (kernel channel plus handler)
// to a Registry. Slot 0 of the registry is the read end of an in-process
// registration pipe: mounters call Register, which writes a fixed header and
// the mountpoint to the pipe, and whichever worker sees the pipe readable
// ingests the record into a new slot. Workers poll a snapshot of every slot
// without holding the registry lock, claim a ready slot, and dispatch exactly
// one request for it.
//
// Shutdown flow:
//  1. UnmountAll retires every session, highest index first
//  2. The stop flag is set; workers notice it within one poll interval
//  3. Stop waits for workers up to StopTimeout, then warns and returns
package fuse

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/zfsfuse/internal/logger"
	"github.com/marmos91/zfsfuse/internal/ratelimiter"
	"github.com/marmos91/zfsfuse/pkg/adapter"
	"github.com/marmos91/zfsfuse/pkg/metrics"
	"golang.org/x/sys/unix"
)

// FUSEConfig holds the session listener settings.
//
// Default values (applied by New if zero):
//   - Workers: 40
//   - MaxFilesystems: 1000
//   - PollInterval: 1s
//   - StopTimeout: 10s
//   - MetricsLogInterval: 5m
type FUSEConfig struct {
	// Workers is the size of the fixed dispatch pool.
	Workers int `mapstructure:"workers" validate:"min=0"`

	// MaxFilesystems bounds the number of concurrently served filesystems.
	// Registrations beyond it are force-unmounted.
	MaxFilesystems int `mapstructure:"max_filesystems" validate:"min=0"`

	// PollInterval is the bounded wait of one poll pass. It is also the
	// upper bound on how long a worker takes to notice the stop flag.
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"min=0"`

	// StopTimeout bounds how long Stop waits for workers to drain.
	StopTimeout time.Duration `mapstructure:"stop_timeout" validate:"min=0"`

	// MaxRegistrationsPerSecond throttles Register. 0 means unlimited.
	MaxRegistrationsPerSecond uint `mapstructure:"max_registrations_per_second"`

	// MetricsLogInterval is the period of the active-sessions log line.
	MetricsLogInterval time.Duration `mapstructure:"metrics_log_interval" validate:"min=0"`
}

func (c *FUSEConfig) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 40
	}
	if c.MaxFilesystems <= 0 {
		c.MaxFilesystems = 1000
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 10 * time.Second
	}
	if c.MetricsLogInterval == 0 {
		c.MetricsLogInterval = 5 * time.Minute
	}
}

func (c *FUSEConfig) validate() error {
	if c.PollInterval < time.Millisecond {
		return fmt.Errorf("invalid PollInterval %v: must be >= 1ms", c.PollInterval)
	}
	if c.MetricsLogInterval < 0 {
		return fmt.Errorf("invalid MetricsLogInterval %v: must be >= 0", c.MetricsLogInterval)
	}
	return nil
}

// FUSEAdapter is the session listener.
//
// Lock order: ingestMu, then teardownMu, then the registry lock.
type FUSEAdapter struct {
	config   FUSEConfig
	registry *Registry
	metrics  metrics.ListenerMetrics
	limiter  *ratelimiter.RateLimiter

	regR    *os.File
	regW    *os.File
	handles *handleTable
	writer  *registrationWriter

	ingestMu   sync.Mutex
	teardownMu sync.Mutex

	closing atomic.Bool
	stopped atomic.Bool
	started atomic.Bool
	active  atomic.Int32
	running atomic.Int32
	workers sync.WaitGroup

	stopOnce sync.Once
	stopErr  error
	done     chan struct{}
}

var _ adapter.Adapter = (*FUSEAdapter)(nil)

// New creates a stopped listener. Register may be called before Serve;
// registrations queue in the pipe until workers start.
func New(config FUSEConfig, m metrics.ListenerMetrics) (*FUSEAdapter, error) {
	config.applyDefaults()
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid FUSE listener config: %w", err)
	}
	if m == nil {
		m = metrics.NewNoopListenerMetrics()
	}

	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create registration channel: %w", err)
	}
	handles := newHandleTable()

	return &FUSEAdapter{
		config:   config,
		registry: NewRegistry(int(r.Fd()), config.MaxFilesystems),
		metrics:  m,
		limiter:  ratelimiter.New(config.MaxRegistrationsPerSecond, config.MaxRegistrationsPerSecond),
		regR:     r,
		regW:     w,
		handles:  handles,
		writer:   &registrationWriter{w: w, handles: handles},
		done:     make(chan struct{}),
	}, nil
}

// Registry exposes the session registry for status reporting and tests.
func (a *FUSEAdapter) Registry() *Registry { return a.registry }

// ActiveSessions returns the number of live sessions.
func (a *FUSEAdapter) ActiveSessions() int { return int(a.active.Load()) }

// Register hands a freshly mounted channel and its handler to the listener.
// Ownership of both passes to the listener once Register returns nil.
func (a *FUSEAdapter) Register(ctx context.Context, ch Channel, hs HandlerSession) error {
	if a.closing.Load() {
		return ErrStopped
	}
	if !a.limiter.Allow() {
		logger.Debug("FUSE registration for %s throttled, waiting", ch.Mountpoint())
		if err := a.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("registration throttled: %w", err)
		}
	}
	return a.writer.write(ch, hs)
}

// Serve starts the worker pool and blocks until ctx is cancelled or Stop is
// called.
func (a *FUSEAdapter) Serve(ctx context.Context) error {
	if !a.started.CompareAndSwap(false, true) {
		return errors.New("FUSE listener already serving")
	}

	logger.Info("FUSE listener started: workers=%d max_filesystems=%d poll_interval=%v",
		a.config.Workers, a.config.MaxFilesystems, a.config.PollInterval)
	if !a.limiter.Unlimited() {
		logger.Info("FUSE registrations limited to %d/s", a.config.MaxRegistrationsPerSecond)
	}

	for i := 0; i < a.config.Workers; i++ {
		a.workers.Add(1)
		go newWorker(i, a).run()
	}

	if a.config.MetricsLogInterval > 0 {
		go a.logMetrics(ctx)
	}

	select {
	case <-ctx.Done():
		logger.Info("FUSE listener shutdown signal received: %v", ctx.Err())
		return a.Stop(context.Background())
	case <-a.done:
		return nil
	}
}

// UnmountAll retires every session from the highest index down to 1 under
// the teardown lock. Holding ingestMu keeps a concurrent admit out of the
// pass.
func (a *FUSEAdapter) UnmountAll() {
	a.ingestMu.Lock()
	defer a.ingestMu.Unlock()
	a.teardownMu.Lock()
	defer a.teardownMu.Unlock()

	slots := a.registry.snapshot(nil)
	for i := len(slots) - 1; i >= 1; i-- {
		a.retireLocked(slots[i], "shutdown")
	}
}

// Stop unmounts every session, sets the stop flag and waits up to
// StopTimeout for workers to drain. It is idempotent; concurrent callers
// block until the first one finishes.
func (a *FUSEAdapter) Stop(ctx context.Context) error {
	a.stopOnce.Do(func() {
		a.stopErr = a.stop(ctx)
		close(a.done)
	})
	return a.stopErr
}

func (a *FUSEAdapter) stop(ctx context.Context) error {
	// Once closing is set under ingestMu, every later admit rejects, so the
	// UnmountAll snapshot below covers every admitted session.
	a.ingestMu.Lock()
	a.closing.Store(true)
	a.ingestMu.Unlock()

	// Workers still ingest here, so a writer blocked on a full pipe can
	// finish before the writer is shut.
	a.writer.shut()

	a.UnmountAll()
	a.stopped.Store(true)

	drained := make(chan struct{})
	go func() {
		a.workers.Wait()
		close(drained)
	}()

	timer := time.NewTimer(a.config.StopTimeout)
	defer timer.Stop()

	select {
	case <-drained:
		a.rejectQueued()
		a.closeRegistration()
		logger.Info("FUSE listener stopped")
		return nil

	case <-timer.C:
		a.rejectQueued()
		busy := a.running.Load()
		logger.Warn("FUSE listener stop timeout: %d worker(s) still busy after %v", busy, a.config.StopTimeout)
		return fmt.Errorf("FUSE listener stop timeout: %d worker(s) still busy", busy)

	case <-ctx.Done():
		a.rejectQueued()
		busy := a.running.Load()
		logger.Warn("FUSE listener stop cancelled: %d worker(s) still busy: %v", busy, ctx.Err())
		return ctx.Err()
	}
}

// rejectQueued force-unmounts every registration still sitting in the pipe.
// The writer is shut, so nothing new can arrive.
func (a *FUSEAdapter) rejectQueued() {
	a.ingestMu.Lock()
	defer a.ingestMu.Unlock()

	n := 0
	for readable(int(a.regR.Fd())) {
		s, err := readRegistration(a.regR, a.handles)
		if err != nil {
			fatalf("FUSE registration protocol violation: %v", err)
			return
		}
		a.reject(s)
		n++
	}
	if n > 0 {
		logger.Warn("FUSE listener stopping, unmounted %d queued registration(s)", n)
	}
}

// closeRegistration releases the pipe once no worker can read it.
func (a *FUSEAdapter) closeRegistration() {
	if err := a.regW.Close(); err != nil {
		logger.Debug("Error closing registration writer: %v", err)
	}
	if err := a.regR.Close(); err != nil {
		logger.Debug("Error closing registration reader: %v", err)
	}
	if n := a.handles.len(); n > 0 {
		logger.Warn("FUSE listener stopped with %d unclaimed registration handle(s)", n)
	}
}

// ingest reads one registration off slot 0 and admits it.
func (a *FUSEAdapter) ingest(reg *Session) {
	if !reg.claim() {
		return
	}
	defer reg.release()

	a.ingestMu.Lock()
	defer a.ingestMu.Unlock()

	// The pipe may have been drained since our poll.
	if !readable(int(reg.fd.Load())) {
		return
	}

	s, err := readRegistration(a.regR, a.handles)
	if err != nil {
		fatalf("FUSE registration protocol violation: %v", err)
		return
	}
	a.admit(s)
}

// admit must be called with ingestMu held.
func (a *FUSEAdapter) admit(s *Session) {
	if a.closing.Load() {
		s.log.Warn("FUSE listener stopping, unmounting late registration")
		a.reject(s)
		return
	}
	if err := a.registry.Insert(s); err != nil {
		s.log.Warn("Cannot serve filesystem at %s: %v (capacity %d), unmounting",
			s.mountpoint, err, a.registry.Capacity())
		a.reject(s)
		return
	}

	a.metrics.RecordRegistration(true)
	a.metrics.SetActiveSessions(int(a.active.Add(1)))
	s.log.Debug("FUSE session registered (fd=%d bufsize=%d)", s.fd.Load(), s.bufSize)
}

func (a *FUSEAdapter) reject(s *Session) {
	a.metrics.RecordRegistration(false)
	s.handler.Destroy()
	if err := s.channel.Unmount(); err != nil {
		s.log.Debug("Force unmount failed: %v", err)
	}
	if err := s.channel.Close(); err != nil {
		s.log.Debug("Channel close failed: %v", err)
	}
}

// retire tears a session down unless someone already did.
func (a *FUSEAdapter) retire(s *Session, reason string) {
	a.teardownMu.Lock()
	defer a.teardownMu.Unlock()
	a.retireLocked(s, reason)
}

func (a *FUSEAdapter) retireLocked(s *Session, reason string) {
	if s.Retired() {
		return
	}
	s.handler.Destroy()
	if err := s.channel.Unmount(); err != nil {
		s.log.Debug("Unmount on retire: %v", err)
	}
	if err := s.channel.Close(); err != nil {
		s.log.Debug("Close on retire: %v", err)
	}
	s.fd.Store(sentinel)

	a.metrics.RecordSessionRetired(reason)
	a.metrics.SetActiveSessions(int(a.active.Add(-1)))
	s.log.Debug("FUSE session retired (%s)", reason)
}

func (a *FUSEAdapter) logMetrics(ctx context.Context) {
	ticker := time.NewTicker(a.config.MetricsLogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.done:
			return
		case <-ticker.C:
			logger.Info("FUSE metrics: active_sessions=%d", a.active.Load())
		}
	}
}

// readable reports whether fd has input (or a hangup) pending right now.
func readable(fd int) bool {
	if fd < 0 {
		return false
	}
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	for {
		n, err := unix.Poll(fds, 0)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return err == nil && n > 0 && fds[0].Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0
	}
}

// Protocol returns "FUSE".
func (a *FUSEAdapter) Protocol() string {
	return "FUSE"
}
