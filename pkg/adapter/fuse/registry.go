package fuse

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/marmos91/zfsfuse/internal/logger"
)

// sentinel marks a retired slot's descriptor.
const sentinel = -1

var (
	// ErrRegistryFull is returned by Insert when every session slot is used.
	ErrRegistryFull = errors.New("session registry full")

	// ErrStopped is returned by Register once the listener has stopped.
	ErrStopped = errors.New("session listener stopped")
)

// Channel is the kernel side of a mounted filesystem.
type Channel interface {
	// Fd is the descriptor polled for incoming requests.
	Fd() int

	// BufSize is the smallest buffer able to hold any single request.
	BufSize() int

	Mountpoint() string

	// Receive reads exactly one request.
	Receive(buf []byte) (int, error)

	// Unmount force-detaches the filesystem.
	Unmount() error

	Close() error
}

// HandlerSession decodes and answers requests for one filesystem.
type HandlerSession interface {
	Process(req []byte) error
	Exited() bool
	Destroy()
}

// Session is one registry slot.
//
// fd is read by pollers under the primary lock and written by retire under
// the teardown lock, so it is atomic.
type Session struct {
	id         string
	fd         atomic.Int64
	bufSize    int
	channel    Channel
	handler    HandlerSession
	mountpoint string
	claimed    atomic.Bool
	log        *logger.Entry
}

func newSession(fd, bufSize int, ch Channel, hs HandlerSession, mountpoint string) *Session {
	s := &Session{
		id:         uuid.NewString(),
		bufSize:    bufSize,
		channel:    ch,
		handler:    hs,
		mountpoint: mountpoint,
	}
	s.fd.Store(int64(fd))
	s.log = logger.WithFields(map[string]any{"session": s.id, "mountpoint": mountpoint})
	return s
}

// ID returns the session's log identifier.
func (s *Session) ID() string { return s.id }

// Mountpoint returns the path the session serves.
func (s *Session) Mountpoint() string { return s.mountpoint }

// Retired reports whether the slot has been marked for compaction.
func (s *Session) Retired() bool { return s.fd.Load() == sentinel }

func (s *Session) pollFd() int32 {
	if s.claimed.Load() {
		return sentinel
	}
	return int32(s.fd.Load())
}

// claim gives the caller exclusive dispatch rights until release.
func (s *Session) claim() bool { return s.claimed.CompareAndSwap(false, true) }

func (s *Session) release() { s.claimed.Store(false) }

// Registry is the ordered set of live sessions. Slot 0 is always the
// registration channel.
//
// Thread safety:
// The slice is only mutated under mu. A slot is valid iff its fd is not the
// sentinel and its index is below Len().
type Registry struct {
	mu       sync.Mutex
	slots    []*Session
	capacity int
}

// NewRegistry creates a registry whose slot 0 polls registrationFd.
// capacity bounds the number of session slots, excluding slot 0.
func NewRegistry(registrationFd, capacity int) *Registry {
	reg := &Session{id: "registration", mountpoint: "", log: logger.WithFields(map[string]any{"session": "registration"})}
	reg.fd.Store(int64(registrationFd))
	return &Registry{
		slots:    []*Session{reg},
		capacity: capacity,
	}
}

// Len returns the number of slots including the registration slot.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.slots)
}

// Capacity returns the maximum number of session slots.
func (r *Registry) Capacity() int { return r.capacity }

// Insert appends s, or returns ErrRegistryFull.
func (r *Registry) Insert(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.slots)-1 >= r.capacity {
		return ErrRegistryFull
	}
	r.slots = append(r.slots, s)
	return nil
}

// snapshot copies the current slots into dst.
func (r *Registry) snapshot(dst []*Session) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append(dst[:0], r.slots...)
}

// Sessions returns the live session slots in index order, excluding slot 0.
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.slots)-1)
	for _, s := range r.slots[1:] {
		if !s.Retired() {
			out = append(out, s)
		}
	}
	return out
}

// Compact drops retired slots in one pass, preserving survivor order.
// Slot 0 is never removed. It returns the number of slots dropped.
func (r *Registry) Compact() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.slots[:1]
	for _, s := range r.slots[1:] {
		if !s.Retired() {
			kept = append(kept, s)
		}
	}
	dropped := len(r.slots) - len(kept)
	for i := len(kept); i < len(r.slots); i++ {
		r.slots[i] = nil
	}
	r.slots = kept
	return dropped
}
