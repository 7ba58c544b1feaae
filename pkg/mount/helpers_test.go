package mount

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/marmos91/zfsfuse/pkg/dataset"
	"github.com/marmos91/zfsfuse/pkg/mnttab"
	"github.com/marmos91/zfsfuse/pkg/share"
	"github.com/marmos91/zfsfuse/pkg/store/dataset/memory"
	"github.com/stretchr/testify/require"
)

// fakeHost is the kernel: it owns the host mount table and both fake
// mounters write to it.
type fakeHost struct {
	mu      sync.Mutex
	entries []mnttab.Entry

	mounts     []string // mountpoints in mount order
	unmounts   []string // mountpoints in unmount order
	remounts   []string
	mountErr   error
	unmountErr error
}

func (h *fakeHost) Entries() ([]mnttab.Entry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]mnttab.Entry(nil), h.entries...), nil
}

func (h *fakeHost) Mount(_ context.Context, name, mountpoint, options string, _ Flags) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.mountErr != nil {
		return h.mountErr
	}
	h.mounts = append(h.mounts, mountpoint)
	h.entries = append(h.entries, mnttab.Entry{
		Dataset: name, Mountpoint: mountpoint, FSType: mnttab.DefaultFSType, Options: options,
	})
	return nil
}

func (h *fakeHost) Remount(_ context.Context, _, mountpoint string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.remounts = append(h.remounts, mountpoint)
	return nil
}

func (h *fakeHost) Unmount(_ context.Context, mountpoint string, _ bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.unmountErr != nil {
		return h.unmountErr
	}
	h.unmounts = append(h.unmounts, mountpoint)
	for i, e := range h.entries {
		if e.Mountpoint == mountpoint {
			h.entries = append(h.entries[:i], h.entries[i+1:]...)
			break
		}
	}
	return nil
}

// fakeShares is an in-memory export table for one protocol.
type fakeShares struct {
	mu       sync.Mutex
	proto    share.Protocol
	exports  map[string]int // mountpoint -> export count
	shares   int
	failNext bool
}

func newFakeShares(p share.Protocol) *fakeShares {
	return &fakeShares{proto: p, exports: map[string]int{}}
}

func (f *fakeShares) Protocol() share.Protocol { return f.proto }

func (f *fakeShares) IsShared(_ context.Context, mountpoint string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exports[mountpoint] > 0, nil
}

func (f *fakeShares) Share(_ context.Context, mountpoint, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return errors.New("exportfs failed")
	}
	f.shares++
	f.exports[mountpoint]++
	return nil
}

func (f *fakeShares) UnshareOne(_ context.Context, mountpoint string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.exports[mountpoint] == 0 {
		return share.ErrNotFound
	}
	f.exports[mountpoint]--
	return nil
}

type fixture struct {
	orch *Orchestrator
	host *fakeHost
	nfs  *fakeShares
	cat  dataset.Catalog
}

func newFixture(t *testing.T, datasets ...*dataset.Dataset) *fixture {
	t.Helper()
	store := memory.NewMemoryDatasetStore(memory.MemoryDatasetStoreConfig{})
	for _, ds := range datasets {
		require.NoError(t, store.Create(context.Background(), ds))
	}

	host := &fakeHost{}
	nfs := newFakeShares(share.ProtocolNFS)
	cat := dataset.NewCatalog(store)
	orch := New(Options{
		Catalog:    cat,
		HostTable:  host,
		Shares:     share.NewSet(nfs),
		Mounter:    host,
		Unmounter:  host,
		GlobalZone: true,
	})
	return &fixture{orch: orch, host: host, nfs: nfs, cat: cat}
}

func fs(name string, props map[string]string) *dataset.Dataset {
	return &dataset.Dataset{Name: name, Type: dataset.TypeFilesystem, Properties: props}
}
