package fuse

import (
	"errors"
	"time"

	"github.com/marmos91/zfsfuse/internal/fusekernel"
	"github.com/marmos91/zfsfuse/internal/logger"
	"github.com/marmos91/zfsfuse/internal/lowlevel"
	"golang.org/x/sys/unix"
)

// worker is one member of the dispatch pool. Its buffer grows to the
// largest BufSize it has served and is never shrunk.
type worker struct {
	id   int
	a    *FUSEAdapter
	buf  []byte
	snap []*Session
	fds  []unix.PollFd
}

func newWorker(id int, a *FUSEAdapter) *worker {
	return &worker{id: id, a: a}
}

func (w *worker) run() {
	a := w.a
	a.running.Add(1)
	defer func() {
		a.running.Add(-1)
		a.workers.Done()
	}()

	timeout := int(a.config.PollInterval / time.Millisecond)
	for !a.stopped.Load() {
		w.snap = a.registry.snapshot(w.snap)
		w.fds = w.fds[:0]
		for _, s := range w.snap {
			w.fds = append(w.fds, unix.PollFd{Fd: s.pollFd(), Events: unix.POLLIN})
		}

		n, err := unix.Poll(w.fds, timeout)
		if err != nil {
			if !errors.Is(err, unix.EINTR) {
				logger.Error("FUSE worker %d: poll: %v", w.id, err)
				time.Sleep(a.config.PollInterval)
			}
			continue
		}

		if n > 0 {
			for i := range w.fds {
				if a.stopped.Load() {
					break
				}
				if w.fds[i].Fd < 0 || w.fds[i].Revents == 0 {
					continue
				}
				if i == 0 {
					a.ingest(w.snap[0])
				} else {
					w.service(w.snap[i])
				}
			}
		}

		if dropped := a.registry.Compact(); dropped > 0 {
			logger.Debug("FUSE worker %d: compacted %d retired slot(s)", w.id, dropped)
		}
	}
}

// service dispatches at most one request for s.
func (w *worker) service(s *Session) {
	if !s.claim() {
		return
	}
	defer s.release()

	if s.Retired() || !readable(int(s.fd.Load())) {
		return
	}

	if len(w.buf) < s.bufSize {
		w.buf = make([]byte, s.bufSize)
	}

	n, err := s.channel.Receive(w.buf)
	if err != nil {
		if errors.Is(err, fusekernel.ErrClosed) {
			s.log.Debug("FUSE channel closed by kernel")
		} else {
			s.log.Debug("FUSE receive failed: %v", err)
		}
		w.a.retire(s, "io_error")
		return
	}
	if s.handler.Exited() {
		w.a.retire(s, "exited")
		return
	}

	req := w.buf[:n]
	start := time.Now()
	err = s.handler.Process(req)
	w.a.metrics.RecordRequest(lowlevel.OpName(req), time.Since(start), err)

	switch {
	case errors.Is(err, fusekernel.ErrClosed):
		w.a.retire(s, "io_error")
	case err != nil:
		s.log.Debug("FUSE reply failed: %v", err)
	case s.handler.Exited():
		w.a.retire(s, "exited")
	}
}
