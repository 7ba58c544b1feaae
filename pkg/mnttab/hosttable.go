package mnttab

import (
	"fmt"
	"os"

	"github.com/moby/sys/mountinfo"
)

// DefaultFSType is the filesystem type the kernel reports for our mounts
// (fuse with subtype=zfs).
const DefaultFSType = "fuse.zfs"

// Entry is one mounted dataset.
type Entry struct {
	// Dataset is the mount source, i.e. the dataset name
	Dataset string

	Mountpoint string
	FSType     string
	Options    string
}

// HostTable reads the host's authoritative mount table.
type HostTable interface {
	// Entries returns the mounts whose filesystem type belongs to the daemon.
	Entries() ([]Entry, error)
}

type procTable struct {
	path   string
	fstype string
}

// NewHostTable reads a /proc/self/mountinfo style file, keeping only entries
// of the given filesystem type. An empty fstype keeps everything.
func NewHostTable(path, fstype string) HostTable {
	return &procTable{path: path, fstype: fstype}
}

func (p *procTable) Entries() ([]Entry, error) {
	f, err := os.Open(p.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open mount table %s: %w", p.path, err)
	}
	defer func() { _ = f.Close() }()

	var filter mountinfo.FilterFunc
	if p.fstype != "" {
		filter = mountinfo.FSTypeFilter(p.fstype)
	}
	infos, err := mountinfo.GetMountsFromReader(f, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to read mount table %s: %w", p.path, err)
	}

	out := make([]Entry, 0, len(infos))
	for _, info := range infos {
		out = append(out, Entry{
			Dataset:    info.Source,
			Mountpoint: info.Mountpoint,
			FSType:     info.FSType,
			Options:    info.Options,
		})
	}
	return out, nil
}
