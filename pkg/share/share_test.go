package share

import (
	"context"
	"errors"
	"testing"

	"github.com/marmos91/zfsfuse/pkg/dataset"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProtocolProperty(t *testing.T) {
	assert.Equal(t, dataset.PropShareNFS, ProtocolNFS.Property())
	assert.Equal(t, dataset.PropShareSMB, ProtocolSMB.Property())

	p, err := ParseProtocol("smb")
	require.NoError(t, err)
	assert.Equal(t, ProtocolSMB, p)

	_, err = ParseProtocol("afp")
	assert.Error(t, err)
}

func TestUnsupported(t *testing.T) {
	b := Unsupported(ProtocolSMB)
	ctx := context.Background()

	shared, err := b.IsShared(ctx, "/tank")
	require.NoError(t, err)
	assert.False(t, shared)

	assert.True(t, errors.Is(b.Share(ctx, "/tank", "on"), ErrUnsupported))
	assert.True(t, errors.Is(b.UnshareOne(ctx, "/tank"), ErrNotFound))
}

func TestSet(t *testing.T) {
	s := NewSet()
	require.Len(t, s, len(All))
	assert.Equal(t, ProtocolNFS, s.Get(ProtocolNFS).Protocol())
	assert.Equal(t, Protocol("afp"), s.Get("afp").Protocol())
}
