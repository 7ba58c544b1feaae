package fuse

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/marmos91/zfsfuse/internal/logger"
	xdr "github.com/rasky/go-xdr/xdr2"
)

// registrationHeaderSize is the XDR size of registrationHeader: every field
// is a 4 or 8 byte quantity, so no padding is involved.
const registrationHeaderSize = 4 + 4 + 8 + 8 + 4

// registrationHeader precedes MountpointLen raw mountpoint bytes on the
// registration pipe.
type registrationHeader struct {
	Fd            int32
	BufSize       uint32
	ChannelRef    uint64
	SessionRef    uint64
	MountpointLen uint32
}

// fatalf ends the process on a registration protocol violation.
var fatalf = logger.Fatal

// handleTable parks in-process values between Register and ingest.
type handleTable struct {
	mu      sync.Mutex
	next    uint64
	entries map[uint64]any
}

func newHandleTable() *handleTable {
	return &handleTable{entries: make(map[uint64]any)}
}

func (h *handleTable) put(v any) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	h.entries[h.next] = v
	return h.next
}

func (h *handleTable) take(ref uint64) (any, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, ok := h.entries[ref]
	delete(h.entries, ref)
	return v, ok
}

func (h *handleTable) drop(refs ...uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ref := range refs {
		delete(h.entries, ref)
	}
}

func (h *handleTable) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

// registrationWriter is the mounter side of the registration channel.
type registrationWriter struct {
	mu      sync.Mutex
	w       io.Writer
	handles *handleTable
	closed  bool
}

// shut waits for an in-flight write and refuses every later one.
func (rw *registrationWriter) shut() {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	rw.closed = true
}

// write sends one registration as a single Write.
func (rw *registrationWriter) write(ch Channel, hs HandlerSession) error {
	mountpoint := ch.Mountpoint()
	hdr := registrationHeader{
		Fd:            int32(ch.Fd()),
		BufSize:       uint32(ch.BufSize()),
		ChannelRef:    rw.handles.put(ch),
		SessionRef:    rw.handles.put(hs),
		MountpointLen: uint32(len(mountpoint)),
	}

	var buf bytes.Buffer
	buf.Grow(registrationHeaderSize + len(mountpoint))
	if _, err := xdr.Marshal(&buf, &hdr); err != nil {
		rw.handles.drop(hdr.ChannelRef, hdr.SessionRef)
		return fmt.Errorf("encode registration for %s: %w", mountpoint, err)
	}
	buf.WriteString(mountpoint)

	rw.mu.Lock()
	defer rw.mu.Unlock()
	if rw.closed {
		rw.handles.drop(hdr.ChannelRef, hdr.SessionRef)
		return ErrStopped
	}
	if _, err := rw.w.Write(buf.Bytes()); err != nil {
		rw.handles.drop(hdr.ChannelRef, hdr.SessionRef)
		return fmt.Errorf("send registration for %s: %w", mountpoint, err)
	}
	return nil
}

// readRegistration reads one header and its mountpoint from r and resolves
// the handle refs. Any error is a protocol violation.
func readRegistration(r io.Reader, handles *handleTable) (*Session, error) {
	raw := make([]byte, registrationHeaderSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("short registration header: %w", err)
	}
	var hdr registrationHeader
	if _, err := xdr.Unmarshal(bytes.NewReader(raw), &hdr); err != nil {
		return nil, fmt.Errorf("decode registration header: %w", err)
	}

	mountpoint := make([]byte, hdr.MountpointLen)
	if _, err := io.ReadFull(r, mountpoint); err != nil {
		return nil, fmt.Errorf("short registration mountpoint (want %d bytes): %w", hdr.MountpointLen, err)
	}

	chv, ok := handles.take(hdr.ChannelRef)
	if !ok {
		return nil, fmt.Errorf("unknown channel ref %d", hdr.ChannelRef)
	}
	hsv, ok := handles.take(hdr.SessionRef)
	if !ok {
		return nil, fmt.Errorf("unknown session ref %d", hdr.SessionRef)
	}
	ch, ok := chv.(Channel)
	if !ok {
		return nil, fmt.Errorf("channel ref %d holds %T", hdr.ChannelRef, chv)
	}
	hs, ok := hsv.(HandlerSession)
	if !ok {
		return nil, fmt.Errorf("session ref %d holds %T", hdr.SessionRef, hsv)
	}

	return newSession(int(hdr.Fd), int(hdr.BufSize), ch, hs, string(mountpoint)), nil
}
