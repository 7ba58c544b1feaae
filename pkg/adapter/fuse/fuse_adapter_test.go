package fuse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/marmos91/zfsfuse/internal/fusekernel"
	"github.com/marmos91/zfsfuse/internal/logger"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubChannel is a Channel that is never polled.
type stubChannel struct {
	fd int
	mp string
}

func (c *stubChannel) Fd() int                         { return c.fd }
func (c *stubChannel) BufSize() int                    { return 4096 }
func (c *stubChannel) Mountpoint() string              { return c.mp }
func (c *stubChannel) Receive(buf []byte) (int, error) { return 0, io.EOF }
func (c *stubChannel) Unmount() error                  { return nil }
func (c *stubChannel) Close() error                    { return nil }

type stubHandler struct{}

func (stubHandler) Process([]byte) error { return nil }
func (stubHandler) Exited() bool         { return false }
func (stubHandler) Destroy()             {}

// teardownLog records unmount order across channels.
type teardownLog struct {
	mu    sync.Mutex
	order []string
}

func (l *teardownLog) add(mp string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.order = append(l.order, mp)
}

func (l *teardownLog) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.order...)
}

// pipeChannel emulates /dev/fuse: the test writes requests into kernel and
// the listener reads them from r.
type pipeChannel struct {
	r, kernel *os.File
	fd        int
	mp        string
	log       *teardownLog
	unmounts  atomic.Int32
	closed    atomic.Bool
}

func newPipeChannel(t *testing.T, mp string, log *teardownLog) *pipeChannel {
	t.Helper()
	r, w, err := os.Pipe()
	require.NoError(t, err)
	c := &pipeChannel{r: r, kernel: w, fd: int(r.Fd()), mp: mp, log: log}
	t.Cleanup(func() {
		_ = w.Close()
		_ = c.Close()
	})
	return c
}

func (c *pipeChannel) Fd() int            { return c.fd }
func (c *pipeChannel) BufSize() int       { return 8192 }
func (c *pipeChannel) Mountpoint() string { return c.mp }

func (c *pipeChannel) Receive(buf []byte) (int, error) {
	n, err := c.r.Read(buf)
	if errors.Is(err, io.EOF) || (err == nil && n == 0) {
		return 0, fusekernel.ErrClosed
	}
	return n, err
}

func (c *pipeChannel) Unmount() error {
	c.unmounts.Add(1)
	if c.log != nil {
		c.log.add(c.mp)
	}
	return nil
}

func (c *pipeChannel) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		return c.r.Close()
	}
	return nil
}

type fakeHandler struct {
	mu        sync.Mutex
	reqs      []string
	exited    atomic.Bool
	destroyed atomic.Int32
	entered   chan struct{}
	block     chan struct{}
}

func (h *fakeHandler) Process(req []byte) error {
	if h.entered != nil {
		close(h.entered)
		h.entered = nil
	}
	if h.block != nil {
		<-h.block
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reqs = append(h.reqs, string(req))
	return nil
}

func (h *fakeHandler) requests() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.reqs...)
}

func (h *fakeHandler) Exited() bool { return h.exited.Load() }
func (h *fakeHandler) Destroy()     { h.destroyed.Add(1) }

func testConfig() FUSEConfig {
	return FUSEConfig{
		Workers:        3,
		MaxFilesystems: 10,
		PollInterval:   10 * time.Millisecond,
		StopTimeout:    2 * time.Second,
	}
}

func startAdapter(t *testing.T, cfg FUSEConfig) *FUSEAdapter {
	t.Helper()
	a, err := New(cfg, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan struct{})
	go func() {
		defer close(served)
		_ = a.Serve(ctx)
	}()
	t.Cleanup(func() {
		_ = a.Stop(context.Background())
		cancel()
		<-served
	})
	return a
}

func register(t *testing.T, a *FUSEAdapter, mp string, log *teardownLog) (*pipeChannel, *fakeHandler) {
	t.Helper()
	ch := newPipeChannel(t, mp, log)
	hs := &fakeHandler{}
	require.NoError(t, a.Register(context.Background(), ch, hs))
	return ch, hs
}

func waitForSessions(t *testing.T, a *FUSEAdapter, want ...string) {
	t.Helper()
	require.Eventually(t, func() bool {
		got := mountpoints(a.Registry().Sessions())
		return strings.Join(got, ",") == strings.Join(want, ",")
	}, 2*time.Second, 5*time.Millisecond)
}

func TestAdapter_RegistersUpToCapacity(t *testing.T) {
	cfg := testConfig()
	cfg.MaxFilesystems = 2
	a := startAdapter(t, cfg)

	chA, _ := register(t, a, "/a", nil)
	chB, _ := register(t, a, "/b", nil)
	waitForSessions(t, a, "/a", "/b")
	assert.Equal(t, 3, a.Registry().Len())

	chC, hsC := register(t, a, "/c", nil)
	require.Eventually(t, func() bool { return chC.unmounts.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	assert.True(t, chC.closed.Load())
	assert.EqualValues(t, 1, hsC.destroyed.Load())
	assert.Equal(t, 3, a.Registry().Len())
	assert.Equal(t, 2, a.ActiveSessions())
	assert.Zero(t, chA.unmounts.Load())
	assert.Zero(t, chB.unmounts.Load())
}

func TestAdapter_DispatchesRequests(t *testing.T) {
	a := startAdapter(t, testConfig())
	ch, hs := register(t, a, "/a", nil)
	waitForSessions(t, a, "/a")

	_, err := ch.kernel.Write([]byte("request-1"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(hs.requests()) == 1 }, 2*time.Second, 5*time.Millisecond)

	_, err = ch.kernel.Write([]byte("request-2"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(hs.requests()) == 2 }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"request-1", "request-2"}, hs.requests())
}

func TestAdapter_ReceiveFailureRetiresOnlyThatSlot(t *testing.T) {
	a := startAdapter(t, testConfig())
	register(t, a, "/a", nil)
	chB, hsB := register(t, a, "/b", nil)
	register(t, a, "/c", nil)
	waitForSessions(t, a, "/a", "/b", "/c")

	// EOF on the kernel side is what an aborted connection looks like.
	require.NoError(t, chB.kernel.Close())

	waitForSessions(t, a, "/a", "/c")
	require.Eventually(t, func() bool { return a.Registry().Len() == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"/a", "/c"}, mountpoints(a.Registry().snapshot(nil)[1:]))
	assert.EqualValues(t, 1, chB.unmounts.Load())
	assert.EqualValues(t, 1, hsB.destroyed.Load())
	assert.Equal(t, 2, a.ActiveSessions())
}

func TestAdapter_ExitedHandlerIsRetired(t *testing.T) {
	a := startAdapter(t, testConfig())
	ch, hs := register(t, a, "/a", nil)
	waitForSessions(t, a, "/a")

	hs.exited.Store(true)
	_, err := ch.kernel.Write([]byte("destroy"))
	require.NoError(t, err)

	waitForSessions(t, a)
	assert.EqualValues(t, 1, ch.unmounts.Load())
	assert.Empty(t, hs.requests())
}

func TestAdapter_StopUnmountsHighestFirst(t *testing.T) {
	a := startAdapter(t, testConfig())
	log := &teardownLog{}
	var handlers []*fakeHandler
	for _, mp := range []string{"/a", "/b", "/c"} {
		_, hs := register(t, a, mp, log)
		handlers = append(handlers, hs)
	}
	waitForSessions(t, a, "/a", "/b", "/c")

	start := time.Now()
	require.NoError(t, a.Stop(context.Background()))
	assert.Less(t, time.Since(start), time.Second)

	assert.Equal(t, []string{"/c", "/b", "/a"}, log.get())
	for _, hs := range handlers {
		assert.EqualValues(t, 1, hs.destroyed.Load())
	}
	assert.Zero(t, a.ActiveSessions())

	assert.ErrorIs(t, a.Register(context.Background(), &stubChannel{mp: "/late"}, stubHandler{}), ErrStopped)
	require.NoError(t, a.Stop(context.Background()))
}

func TestAdapter_StopWhileRegistering(t *testing.T) {
	cfg := testConfig()
	cfg.Workers = 4
	cfg.PollInterval = time.Millisecond

	for i := 0; i < 25; i++ {
		a, err := New(cfg, nil)
		require.NoError(t, err)
		served := make(chan struct{})
		go func() {
			defer close(served)
			_ = a.Serve(context.Background())
		}()
		warm, _ := register(t, a, "/warm", nil)
		waitForSessions(t, a, "/warm")

		var (
			mu       sync.Mutex
			accepted []*pipeChannel
			wg       sync.WaitGroup
		)
		channels := []*pipeChannel{warm}
		for j := 0; j < 8; j++ {
			ch := newPipeChannel(t, fmt.Sprintf("/race/%d", j), nil)
			channels = append(channels, ch)
			wg.Add(1)
			go func() {
				defer wg.Done()
				if a.Register(context.Background(), ch, &fakeHandler{}) == nil {
					mu.Lock()
					accepted = append(accepted, ch)
					mu.Unlock()
				}
			}()
		}

		require.NoError(t, a.Stop(context.Background()))
		wg.Wait()
		<-served

		// Every accepted channel is unmounted exactly once, whether it was
		// served, rejected at admit or still queued in the pipe.
		for _, ch := range append(accepted, warm) {
			assert.EqualValues(t, 1, ch.unmounts.Load(), "iteration %d: %s", i, ch.mp)
		}
		assert.Zero(t, a.handles.len(), "iteration %d", i)
		assert.Zero(t, a.ActiveSessions(), "iteration %d", i)

		for _, ch := range channels {
			_ = ch.kernel.Close()
			_ = ch.Close()
		}
	}
}

func TestAdapter_AdmitWhileClosingRejects(t *testing.T) {
	a, err := New(testConfig(), nil)
	require.NoError(t, err)

	ch := newPipeChannel(t, "/late", nil)
	hs := &fakeHandler{}
	a.closing.Store(true)

	a.ingestMu.Lock()
	a.admit(newSession(ch.Fd(), ch.BufSize(), ch, hs, ch.Mountpoint()))
	a.ingestMu.Unlock()

	assert.EqualValues(t, 1, ch.unmounts.Load())
	assert.EqualValues(t, 1, hs.destroyed.Load())
	assert.Zero(t, a.ActiveSessions())
	assert.Empty(t, mountpoints(a.Registry().Sessions()))
	require.NoError(t, a.Stop(context.Background()))
}

func TestAdapter_StopRejectsQueuedRegistrations(t *testing.T) {
	a, err := New(testConfig(), nil)
	require.NoError(t, err)

	// No workers: the registrations stay in the pipe.
	ch1, hs1 := register(t, a, "/q1", nil)
	ch2, hs2 := register(t, a, "/q2", nil)

	require.NoError(t, a.Stop(context.Background()))

	assert.EqualValues(t, 1, ch1.unmounts.Load())
	assert.EqualValues(t, 1, ch2.unmounts.Load())
	assert.EqualValues(t, 1, hs1.destroyed.Load())
	assert.EqualValues(t, 1, hs2.destroyed.Load())
	assert.Zero(t, a.handles.len())
}

func TestAdapter_RegistrationThrottle(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRegistrationsPerSecond = 1
	a, err := New(cfg, nil)
	require.NoError(t, err)
	defer func() { _ = a.Stop(context.Background()) }()

	register(t, a, "/first", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = a.Register(ctx, newPipeChannel(t, "/second", nil), &fakeHandler{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "throttled")
}

func TestAdapter_StopTimeoutWarns(t *testing.T) {
	hook := new(logtest.Hook)
	logger.AddHook(hook)

	cfg := testConfig()
	cfg.StopTimeout = 200 * time.Millisecond
	a := startAdapter(t, cfg)

	ch := newPipeChannel(t, "/stalled", nil)
	hs := &fakeHandler{entered: make(chan struct{}), block: make(chan struct{})}
	entered := hs.entered
	t.Cleanup(func() { close(hs.block) })
	require.NoError(t, a.Register(context.Background(), ch, hs))
	waitForSessions(t, a, "/stalled")

	_, err := ch.kernel.Write([]byte("stall"))
	require.NoError(t, err)
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never entered Process")
	}

	start := time.Now()
	err = a.Stop(context.Background())
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "stop timeout")
	assert.GreaterOrEqual(t, elapsed, cfg.StopTimeout)
	assert.Less(t, elapsed, cfg.StopTimeout+time.Second)

	var warned bool
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel && strings.Contains(e.Message, "stop timeout") {
			warned = true
		}
	}
	assert.True(t, warned, "expected a stop timeout warning")
}

func TestAdapter_ProtocolViolationIsFatal(t *testing.T) {
	var fatals atomic.Int32
	fatalf = func(format string, v ...any) { fatals.Add(1) }
	t.Cleanup(func() { fatalf = logger.Fatal })

	a := startAdapter(t, testConfig())
	_, err := a.regW.Write([]byte{0, 0, 0, 1, 0})
	require.NoError(t, err)
	require.NoError(t, a.regW.Close())

	require.Eventually(t, func() bool { return fatals.Load() > 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, a.Registry().Len())
}

func TestNew_Defaults(t *testing.T) {
	a, err := New(FUSEConfig{}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { a.closeRegistration() })

	assert.Equal(t, 40, a.config.Workers)
	assert.Equal(t, 1000, a.Registry().Capacity())
	assert.Equal(t, time.Second, a.config.PollInterval)
	assert.Equal(t, 10*time.Second, a.config.StopTimeout)
	assert.Equal(t, "FUSE", a.Protocol())
}

func TestNew_InvalidPollInterval(t *testing.T) {
	_, err := New(FUSEConfig{PollInterval: time.Microsecond}, nil)
	assert.Error(t, err)
}
