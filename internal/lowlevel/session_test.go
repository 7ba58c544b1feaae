package lowlevel

import (
	"bytes"
	"encoding/binary"
	"errors"
	"syscall"
	"testing"

	"github.com/NVIDIA/fission"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureSender struct {
	replies [][]byte
	err     error
}

func (c *captureSender) Send(reply []byte) error {
	if c.err != nil {
		return c.err
	}
	c.replies = append(c.replies, append([]byte(nil), reply...))
	return nil
}

func (c *captureSender) last(t *testing.T) (fission.OutHeader, []byte) {
	t.Helper()
	require.NotEmpty(t, c.replies)
	r := c.replies[len(c.replies)-1]
	var hdr fission.OutHeader
	require.NoError(t, binary.Read(bytes.NewReader(r), binary.NativeEndian, &hdr))
	require.EqualValues(t, len(r), hdr.Len)
	return hdr, r[fission.OutHeaderSize:]
}

func request(t *testing.T, op uint32, unique, node uint64, body ...any) []byte {
	t.Helper()
	var payload bytes.Buffer
	for _, b := range body {
		switch v := b.(type) {
		case string:
			payload.WriteString(v)
			payload.WriteByte(0)
		default:
			require.NoError(t, binary.Write(&payload, binary.NativeEndian, v))
		}
	}
	hdr := fission.InHeader{
		Len:    uint32(fission.InHeaderSize + payload.Len()),
		OpCode: op,
		Unique: unique,
		NodeID: node,
	}
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.NativeEndian, &hdr))
	buf.Write(payload.Bytes())
	return buf.Bytes()
}

type getAttrBody struct {
	Flags, Dummy uint32
	Fh           uint64
}

func newSession(t *testing.T) (*Session, *captureSender) {
	out := &captureSender{}
	return NewSession("tank/home", NewDatasetFS("tank/home"), out, 128*1024), out
}

func initSession(t *testing.T, s *Session, out *captureSender) fission.InitOut {
	t.Helper()
	in := fission.InitIn{
		Major:        7,
		Minor:        31,
		MaxReadAhead: 65536,
		Flags:        fission.InitFlagsAsyncRead | fission.InitFlagsBigWrites | fission.InitFlagsDontMask,
	}
	require.NoError(t, s.Process(request(t, fission.OpCodeInit, 1, 0, &in)))
	hdr, body := out.last(t)
	require.Zero(t, hdr.Error)
	require.EqualValues(t, 1, hdr.Unique)

	var initOut fission.InitOut
	require.NoError(t, binary.Read(bytes.NewReader(body), binary.NativeEndian, &initOut))
	return initOut
}

func TestSession_Init(t *testing.T) {
	s, out := newSession(t)
	initOut := initSession(t, s, out)

	assert.EqualValues(t, KernelMajor, initOut.Major)
	assert.EqualValues(t, KernelMinor, initOut.Minor)
	assert.EqualValues(t, 65536, initOut.MaxReadAhead)
	assert.EqualValues(t, 128*1024, initOut.MaxWrite)
	assert.Equal(t, fission.InitFlagsAsyncRead|fission.InitFlagsBigWrites, initOut.Flags)
	assert.False(t, s.Exited())
}

func TestSession_OldKernelRejected(t *testing.T) {
	s, out := newSession(t)
	in := fission.InitIn{Major: 6}
	require.NoError(t, s.Process(request(t, fission.OpCodeInit, 1, 0, &in)))

	hdr, _ := out.last(t)
	assert.EqualValues(t, -int32(syscall.EPROTO), hdr.Error)
	assert.True(t, s.Exited())
}

func TestSession_RequiresInit(t *testing.T) {
	s, out := newSession(t)
	require.NoError(t, s.Process(request(t, fission.OpCodeGetAttr, 2, 1)))

	hdr, _ := out.last(t)
	assert.EqualValues(t, -int32(syscall.EIO), hdr.Error)
}

func TestSession_GetAttrAndStatFS(t *testing.T) {
	s, out := newSession(t)
	initSession(t, s, out)

	require.NoError(t, s.Process(request(t, fission.OpCodeGetAttr, 2, 1, &getAttrBody{})))
	hdr, body := out.last(t)
	require.Zero(t, hdr.Error)
	var attr fuse.AttrOut
	require.NoError(t, binary.Read(bytes.NewReader(body), binary.NativeEndian, &attr))
	assert.EqualValues(t, fuse.S_IFDIR|0755, attr.Mode)

	require.NoError(t, s.Process(request(t, fission.OpCodeStatFS, 3, 1)))
	hdr, body = out.last(t)
	require.Zero(t, hdr.Error)
	var st fuse.StatfsOut
	require.NoError(t, binary.Read(bytes.NewReader(body), binary.NativeEndian, &st))
	assert.EqualValues(t, 4096, st.Bsize)
	assert.EqualValues(t, 255, st.NameLen)
}

func TestSession_LookupMissing(t *testing.T) {
	s, out := newSession(t)
	initSession(t, s, out)

	require.NoError(t, s.Process(request(t, fission.OpCodeLookup, 4, 1, "nothing")))
	hdr, body := out.last(t)
	assert.EqualValues(t, -int32(syscall.ENOENT), hdr.Error)
	assert.Empty(t, body)
}

func TestSession_UnsupportedOpcode(t *testing.T) {
	s, out := newSession(t)
	initSession(t, s, out)

	require.NoError(t, s.Process(request(t, fission.OpCodeMkDir, 5, 1)))
	hdr, _ := out.last(t)
	assert.EqualValues(t, -int32(syscall.ENOSYS), hdr.Error)
	assert.EqualValues(t, 5, hdr.Unique)
}

func TestSession_NoReplyOpcodes(t *testing.T) {
	s, out := newSession(t)
	initSession(t, s, out)
	n := len(out.replies)

	require.NoError(t, s.Process(request(t, fission.OpCodeForget, 6, 1, uint64(1))))
	require.NoError(t, s.Process(request(t, fission.OpCodeInterrupt, 7, 0, uint64(6))))
	require.NoError(t, s.Process(request(t, fission.OpCodeDestroy, 8, 0)))
	require.NoError(t, s.Process([]byte{1, 2, 3}))

	assert.Len(t, out.replies, n)
	assert.True(t, s.Exited())
}

func TestSession_DestroyIdempotent(t *testing.T) {
	s, _ := newSession(t)
	s.Destroy()
	s.Destroy()
	assert.True(t, s.Exited())
}

func TestSession_SendError(t *testing.T) {
	s, out := newSession(t)
	out.err = errors.New("gone")
	assert.ErrorIs(t, s.Process(request(t, fission.OpCodeGetAttr, 2, 1)), out.err)
}

func TestOpName(t *testing.T) {
	assert.Equal(t, "INIT", OpName(request(t, fission.OpCodeInit, 1, 0)))
	assert.Equal(t, "LOOKUP", OpName(request(t, fission.OpCodeLookup, 1, 0)))
	assert.Equal(t, "OTHER", OpName(request(t, fission.OpCodeMkDir, 1, 0)))
	assert.Equal(t, "SHORT", OpName([]byte{1}))
}
