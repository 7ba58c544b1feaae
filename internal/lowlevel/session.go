// Package lowlevel decodes kernel FUSE requests and dispatches them to a
// go-fuse handler table.
//
// A Session is the per-mount handler state the session listener drives:
// one Process call per received request, Exited once the kernel has sent
// DESTROY, Destroy when the listener retires the mount. Only the opcodes a
// dataset root needs are decoded; everything else is answered with ENOSYS.
package lowlevel

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/NVIDIA/fission"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/marmos91/zfsfuse/internal/logger"
)

const (
	// KernelMajor is the FUSE protocol major version spoken.
	KernelMajor = 7

	// KernelMinor caps the negotiated minor version.
	KernelMinor = 12

	maxBackground        = 12
	congestionThreshhold = 9
)

// Sender delivers one reply to the kernel.
type Sender interface {
	Send(reply []byte) error
}

// Session binds a handler table to one kernel channel.
//
// Thread safety:
// Process is called by at most one worker at a time per session, but Exited
// and Destroy may be called from any goroutine.
type Session struct {
	name     string
	fs       fuse.RawFileSystem
	out      Sender
	maxWrite uint32

	initialized atomic.Bool
	exited      atomic.Bool

	cancel      chan struct{}
	destroyOnce sync.Once
}

// NewSession creates a session for dataset name.
func NewSession(name string, rfs fuse.RawFileSystem, out Sender, maxWrite int) *Session {
	return &Session{
		name:     name,
		fs:       rfs,
		out:      out,
		maxWrite: uint32(maxWrite),
		cancel:   make(chan struct{}),
	}
}

// Name returns the dataset the session serves.
func (s *Session) Name() string { return s.name }

// Exited reports whether the kernel ended the session.
func (s *Session) Exited() bool { return s.exited.Load() }

// Destroy cancels in-flight handler calls. It is idempotent.
func (s *Session) Destroy() {
	s.destroyOnce.Do(func() {
		s.exited.Store(true)
		close(s.cancel)
	})
}

// Process handles one request. The returned error is a reply delivery
// failure; handler failures are reported to the kernel as errno replies.
func (s *Session) Process(req []byte) error {
	if len(req) < fission.InHeaderSize {
		logger.Warn("fuse %s: dropping short request (%d bytes)", s.name, len(req))
		return nil
	}

	var in fission.InHeader
	if err := decode(req[:fission.InHeaderSize], &in); err != nil {
		return err
	}
	payload := req[fission.InHeaderSize:]
	if int(in.Len) <= len(req) && in.Len >= fission.InHeaderSize {
		payload = req[fission.InHeaderSize:in.Len]
	}
	hdr := goFuseHeader(&in)

	switch in.OpCode {
	case fission.OpCodeInit:
		return s.doInit(&in, payload)
	case fission.OpCodeDestroy:
		s.exited.Store(true)
		return nil
	case fission.OpCodeForget:
		var nlookup uint64
		if err := decode(payload, &nlookup); err == nil {
			s.forget(in.NodeID, nlookup)
		}
		return nil
	case fission.OpCodeBatchForget:
		s.doBatchForget(payload)
		return nil
	case fission.OpCodeInterrupt:
		return nil
	}

	if !s.initialized.Load() {
		return s.reply(in.Unique, fuse.EIO)
	}
	return s.dispatch(&in, &hdr, payload)
}

// dispatch runs one handler call. The handler table panics on node ids it
// never handed out; that request fails with EIO instead of the daemon.
func (s *Session) dispatch(in *fission.InHeader, hdr *fuse.InHeader, payload []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("fuse %s: %s on node %d panicked: %v", s.name, opName(in.OpCode), in.NodeID, r)
			err = s.reply(in.Unique, fuse.EIO)
		}
	}()

	switch in.OpCode {
	case fission.OpCodeLookup:
		var out fuse.EntryOut
		st := s.fs.Lookup(s.cancel, hdr, cString(payload), &out)
		return s.reply(in.Unique, st, &out)

	case fission.OpCodeGetAttr:
		var out fuse.AttrOut
		st := s.fs.GetAttr(s.cancel, &fuse.GetAttrIn{InHeader: *hdr}, &out)
		return s.reply(in.Unique, st, &out)

	case fission.OpCodeStatFS:
		var out fuse.StatfsOut
		st := s.fs.StatFs(s.cancel, hdr, &out)
		return s.reply(in.Unique, st, &out)

	case fission.OpCodeAccess:
		var body struct{ Mask, Padding uint32 }
		if err := decode(payload, &body); err != nil {
			return s.reply(in.Unique, fuse.EINVAL)
		}
		st := s.fs.Access(s.cancel, &fuse.AccessIn{InHeader: *hdr, Mask: body.Mask})
		return s.reply(in.Unique, st)

	case fission.OpCodeReadLink:
		target, st := s.fs.Readlink(s.cancel, hdr)
		if !st.Ok() {
			return s.reply(in.Unique, st)
		}
		return s.replyBytes(in.Unique, target)

	case fission.OpCodeOpen, fission.OpCodeOpenDir:
		var body struct{ Flags, Unused uint32 }
		if err := decode(payload, &body); err != nil {
			return s.reply(in.Unique, fuse.EINVAL)
		}
		openIn := &fuse.OpenIn{InHeader: *hdr, Flags: body.Flags}
		var out fuse.OpenOut
		var st fuse.Status
		if in.OpCode == fission.OpCodeOpen {
			st = s.fs.Open(s.cancel, openIn, &out)
		} else {
			st = s.fs.OpenDir(s.cancel, openIn, &out)
		}
		return s.reply(in.Unique, st, &out)

	case fission.OpCodeRelease, fission.OpCodeReleaseDir:
		var body struct {
			Fh           uint64
			Flags        uint32
			ReleaseFlags uint32
		}
		if err := decode(payload, &body); err != nil {
			return s.reply(in.Unique, fuse.EINVAL)
		}
		relIn := &fuse.ReleaseIn{InHeader: *hdr, Fh: body.Fh, Flags: body.Flags, ReleaseFlags: body.ReleaseFlags}
		if in.OpCode == fission.OpCodeRelease {
			s.fs.Release(s.cancel, relIn)
		} else {
			s.fs.ReleaseDir(relIn)
		}
		return s.reply(in.Unique, fuse.OK)

	default:
		return s.reply(in.Unique, fuse.ENOSYS)
	}
}

func (s *Session) doInit(in *fission.InHeader, payload []byte) error {
	var initIn fission.InitIn
	if err := decode(payload, &initIn); err != nil {
		return s.reply(in.Unique, fuse.EINVAL)
	}
	if initIn.Major < KernelMajor {
		logger.Error("fuse %s: unsupported kernel protocol %d.%d", s.name, initIn.Major, initIn.Minor)
		s.exited.Store(true)
		return s.reply(in.Unique, fuse.Status(syscall.EPROTO))
	}

	out := fission.InitOut{
		Major:                KernelMajor,
		Minor:                min(initIn.Minor, KernelMinor),
		MaxReadAhead:         initIn.MaxReadAhead,
		Flags:                initIn.Flags & (fission.InitFlagsAsyncRead | fission.InitFlagsBigWrites),
		MaxBackground:        maxBackground,
		CongestionThreshhold: congestionThreshhold,
		MaxWrite:             s.maxWrite,
	}
	if initIn.Major > KernelMajor {
		// Kernel will retry INIT with our major.
		out = fission.InitOut{Major: KernelMajor}
	} else {
		s.fs.Init(nil)
		s.initialized.Store(true)
		logger.Debug("fuse %s: protocol %d.%d initialized", s.name, out.Major, out.Minor)
	}
	return s.reply(in.Unique, fuse.OK, &out)
}

func (s *Session) doBatchForget(payload []byte) {
	var hdr struct{ Count, Dummy uint32 }
	if err := decode(payload, &hdr); err != nil {
		return
	}
	r := bytes.NewReader(payload[8:])
	for i := uint32(0); i < hdr.Count; i++ {
		var one struct{ NodeID, Nlookup uint64 }
		if err := binary.Read(r, binary.NativeEndian, &one); err != nil {
			return
		}
		s.forget(one.NodeID, one.Nlookup)
	}
}

func (s *Session) forget(node, nlookup uint64) {
	defer func() {
		if r := recover(); r != nil {
			logger.Warn("fuse %s: forget of unknown node %d: %v", s.name, node, r)
		}
	}()
	s.fs.Forget(node, nlookup)
}

func goFuseHeader(in *fission.InHeader) fuse.InHeader {
	return fuse.InHeader{
		Length: in.Len,
		Opcode: in.OpCode,
		Unique: in.Unique,
		NodeId: in.NodeID,
		Caller: fuse.Caller{
			Owner: fuse.Owner{Uid: in.UID, Gid: in.GID},
			Pid:   in.PID,
		},
	}
}

func decode(b []byte, v any) error {
	if err := binary.Read(bytes.NewReader(b), binary.NativeEndian, v); err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}
	return nil
}

// cString returns b up to its first NUL.
func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}

// OpName returns a short name for a request opcode, for logs and metrics.
func OpName(req []byte) string {
	if len(req) < 8 {
		return "SHORT"
	}
	return opName(binary.NativeEndian.Uint32(req[4:8]))
}

func opName(op uint32) string {
	switch op {
	case fission.OpCodeInit:
		return "INIT"
	case fission.OpCodeDestroy:
		return "DESTROY"
	case fission.OpCodeLookup:
		return "LOOKUP"
	case fission.OpCodeForget:
		return "FORGET"
	case fission.OpCodeBatchForget:
		return "BATCH_FORGET"
	case fission.OpCodeGetAttr:
		return "GETATTR"
	case fission.OpCodeStatFS:
		return "STATFS"
	case fission.OpCodeAccess:
		return "ACCESS"
	case fission.OpCodeReadLink:
		return "READLINK"
	case fission.OpCodeOpen:
		return "OPEN"
	case fission.OpCodeOpenDir:
		return "OPENDIR"
	case fission.OpCodeRelease:
		return "RELEASE"
	case fission.OpCodeReleaseDir:
		return "RELEASEDIR"
	case fission.OpCodeInterrupt:
		return "INTERRUPT"
	default:
		return "OTHER"
	}
}
