// Package share defines the per-protocol export backends used by the mount
// orchestrator.
//
// A backend owns one host export table. It is keyed by mountpoint, because
// that is what the host tools key on; dataset names never reach a backend.
package share

import (
	"context"
	"errors"
	"fmt"

	"github.com/marmos91/zfsfuse/pkg/dataset"
)

// Protocol identifies a sharing protocol.
type Protocol string

const (
	ProtocolNFS Protocol = "nfs"
	ProtocolSMB Protocol = "smb"
)

// All lists every protocol in the order share and unshare walk them.
var All = []Protocol{ProtocolNFS, ProtocolSMB}

// Property returns the dataset property that holds the protocol's share
// options.
func (p Protocol) Property() string {
	switch p {
	case ProtocolNFS:
		return dataset.PropShareNFS
	case ProtocolSMB:
		return dataset.PropShareSMB
	default:
		return "share" + string(p)
	}
}

// ParseProtocol converts a CLI or config spelling to a Protocol.
func ParseProtocol(s string) (Protocol, error) {
	for _, p := range All {
		if string(p) == s {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown share protocol %q", s)
}

var (
	// ErrNotFound is returned by UnshareOne when no export exists for the
	// mountpoint
	ErrNotFound = errors.New("not found")

	// ErrUnsupported is returned by backends that cannot export anything
	ErrUnsupported = errors.New("protocol not supported")
)

// Backend exports mountpoints for one protocol.
type Backend interface {
	Protocol() Protocol

	// IsShared reports whether the host export table has any entry for
	// mountpoint. An unreadable table counts as not shared.
	IsShared(ctx context.Context, mountpoint string) (bool, error)

	// Share exports mountpoint using the raw property value (e.g. "on" or
	// "host1:rw host2:ro").
	Share(ctx context.Context, mountpoint, options string) error

	// UnshareOne removes the first export found for mountpoint. It returns
	// ErrNotFound when there is none.
	UnshareOne(ctx context.Context, mountpoint string) error
}

type unsupported struct {
	proto Protocol
}

// Unsupported returns a backend that never shares anything. Share always
// fails; nothing is ever reported as shared.
func Unsupported(p Protocol) Backend {
	return unsupported{proto: p}
}

func (u unsupported) Protocol() Protocol { return u.proto }

func (u unsupported) IsShared(context.Context, string) (bool, error) { return false, nil }

func (u unsupported) Share(context.Context, string, string) error {
	return fmt.Errorf("%s: %w", u.proto, ErrUnsupported)
}

func (u unsupported) UnshareOne(context.Context, string) error {
	return ErrNotFound
}

// Set maps protocols to their backends.
type Set map[Protocol]Backend

// NewSet builds a Set; protocols without a backend get Unsupported.
func NewSet(backends ...Backend) Set {
	s := make(Set, len(All))
	for _, p := range All {
		s[p] = Unsupported(p)
	}
	for _, b := range backends {
		s[b.Protocol()] = b
	}
	return s
}

// Get returns the backend for p, or an Unsupported one.
func (s Set) Get(p Protocol) Backend {
	if b, ok := s[p]; ok {
		return b
	}
	return Unsupported(p)
}
