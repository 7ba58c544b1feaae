package fuse

import (
	"bytes"
	"strings"
	"testing"

	xdr "github.com/rasky/go-xdr/xdr2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSession(mp string) *Session {
	return newSession(100, 4096, &stubChannel{mp: mp}, &stubHandler{}, mp)
}

func mountpoints(sessions []*Session) []string {
	out := make([]string, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Mountpoint())
	}
	return out
}

func TestRegistry_SlotZeroIsRegistration(t *testing.T) {
	r := NewRegistry(7, 4)
	assert.Equal(t, 1, r.Len())
	assert.Empty(t, r.Sessions())
	assert.EqualValues(t, 7, r.snapshot(nil)[0].fd.Load())
}

func TestRegistry_InsertUpToCapacity(t *testing.T) {
	r := NewRegistry(7, 3)
	for _, mp := range []string{"/a", "/b", "/c"} {
		require.NoError(t, r.Insert(testSession(mp)))
	}
	assert.Equal(t, 4, r.Len())

	assert.ErrorIs(t, r.Insert(testSession("/d")), ErrRegistryFull)
	assert.Equal(t, 4, r.Len())
	assert.Equal(t, []string{"/a", "/b", "/c"}, mountpoints(r.Sessions()))
}

func TestRegistry_CompactPreservesOrder(t *testing.T) {
	r := NewRegistry(7, 10)
	var all []*Session
	for _, mp := range []string{"/a", "/b", "/c", "/d", "/e"} {
		s := testSession(mp)
		require.NoError(t, r.Insert(s))
		all = append(all, s)
	}

	all[1].fd.Store(sentinel)
	all[3].fd.Store(sentinel)
	assert.Equal(t, []string{"/a", "/c", "/e"}, mountpoints(r.Sessions()))
	assert.Equal(t, 6, r.Len())

	assert.Equal(t, 2, r.Compact())
	assert.Equal(t, 4, r.Len())
	assert.Equal(t, []string{"/a", "/c", "/e"}, mountpoints(r.snapshot(nil)[1:]))

	assert.Zero(t, r.Compact())
}

func TestRegistry_CompactKeepsSlotZero(t *testing.T) {
	r := NewRegistry(7, 2)
	r.snapshot(nil)[0].fd.Store(sentinel)
	r.Compact()
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_CompactFreesCapacity(t *testing.T) {
	r := NewRegistry(7, 1)
	s := testSession("/a")
	require.NoError(t, r.Insert(s))
	require.ErrorIs(t, r.Insert(testSession("/b")), ErrRegistryFull)

	s.fd.Store(sentinel)
	r.Compact()
	require.NoError(t, r.Insert(testSession("/b")))
}

func TestSession_ClaimIsExclusive(t *testing.T) {
	s := testSession("/a")
	require.True(t, s.claim())
	assert.False(t, s.claim())
	assert.EqualValues(t, sentinel, s.pollFd())

	s.release()
	assert.EqualValues(t, 100, s.pollFd())
	assert.True(t, s.claim())
}

func TestRegistrationHeaderSize(t *testing.T) {
	var buf bytes.Buffer
	_, err := xdr.Marshal(&buf, &registrationHeader{})
	require.NoError(t, err)
	assert.Equal(t, registrationHeaderSize, buf.Len())
}

func TestRegistration_RoundTrip(t *testing.T) {
	handles := newHandleTable()
	var pipe bytes.Buffer
	w := &registrationWriter{w: &pipe, handles: handles}

	ch := &stubChannel{fd: 42, mp: "/tank/home dir"}
	hs := &stubHandler{}
	require.NoError(t, w.write(ch, hs))
	assert.Equal(t, registrationHeaderSize+len(ch.mp), pipe.Len())
	assert.Equal(t, 2, handles.len())

	s, err := readRegistration(&pipe, handles)
	require.NoError(t, err)
	assert.EqualValues(t, 42, s.fd.Load())
	assert.Equal(t, 4096, s.bufSize)
	assert.Equal(t, "/tank/home dir", s.Mountpoint())
	assert.Same(t, ch, s.channel)
	assert.Same(t, hs, s.handler)
	assert.NotEmpty(t, s.ID())
	assert.Zero(t, handles.len())
}

func TestRegistration_Violations(t *testing.T) {
	handles := newHandleTable()

	_, err := readRegistration(strings.NewReader("short"), handles)
	assert.ErrorContains(t, err, "short registration header")

	var pipe bytes.Buffer
	w := &registrationWriter{w: &pipe, handles: handles}
	require.NoError(t, w.write(&stubChannel{mp: "/tank"}, &stubHandler{}))
	truncated := pipe.Bytes()[:pipe.Len()-2]
	_, err = readRegistration(bytes.NewReader(truncated), handles)
	assert.ErrorContains(t, err, "short registration mountpoint")

	var forged bytes.Buffer
	_, err = xdr.Marshal(&forged, &registrationHeader{ChannelRef: 999, SessionRef: 998})
	require.NoError(t, err)
	_, err = readRegistration(&forged, handles)
	assert.ErrorContains(t, err, "unknown channel ref 999")
}
