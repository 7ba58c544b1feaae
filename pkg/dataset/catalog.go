package dataset

import (
	"context"
	"path"
	"sort"
	"strings"
)

// Store persists dataset definitions.
//
// Implementations must be safe for concurrent use. Get returns ErrNotFound
// for unknown names; Create returns ErrExists for known ones.
type Store interface {
	Get(ctx context.Context, name string) (*Dataset, error)
	Create(ctx context.Context, ds *Dataset) error
	Update(ctx context.Context, ds *Dataset) error
	Delete(ctx context.Context, name string) error

	// List returns all datasets whose name equals prefix or lies beneath it,
	// sorted by name. An empty prefix lists everything.
	List(ctx context.Context, prefix string) ([]*Dataset, error)

	Close() error
}

// Catalog is the property accessor and tree iterator consumed by the mount
// orchestrator.
type Catalog interface {
	Dataset(ctx context.Context, name string) (*Dataset, error)
	Property(ctx context.Context, name, prop string) (Property, error)

	// Descendants returns every dataset below name in depth-first order,
	// parents before children. name itself is not included.
	Descendants(ctx context.Context, name string) ([]*Dataset, error)
}

var inheritable = map[string]bool{
	PropMountpoint: true,
	PropZoned:      true,
	PropShareNFS:   true,
	PropShareSMB:   true,
}

var defaults = map[string]string{
	PropCanMount: CanMountOn,
	PropZoned:    "off",
	PropShareNFS: "off",
	PropShareSMB: "off",
}

type catalog struct {
	store Store
}

// NewCatalog resolves properties on top of a Store.
func NewCatalog(store Store) Catalog {
	return &catalog{store: store}
}

func (c *catalog) Dataset(ctx context.Context, name string) (*Dataset, error) {
	return c.store.Get(ctx, name)
}

func (c *catalog) Property(ctx context.Context, name, prop string) (Property, error) {
	ds, err := c.store.Get(ctx, name)
	if err != nil {
		return Property{}, err
	}

	if prop == PropMountpoint && ds.Type != TypeFilesystem {
		return Property{Value: "-", Source: SourceNone}, nil
	}

	if v, ok := ds.Local(prop); ok {
		return Property{Value: v, Source: SourceLocal}, nil
	}

	if inheritable[prop] {
		for anc := Parent(name); anc != ""; anc = Parent(anc) {
			a, err := c.store.Get(ctx, anc)
			if err != nil {
				return Property{}, err
			}
			v, ok := a.Local(prop)
			if !ok {
				continue
			}
			if prop == PropMountpoint {
				v = inheritMountpoint(v, anc, name)
			}
			return Property{Value: v, Source: SourceInherited, From: anc}, nil
		}
	}

	if prop == PropMountpoint {
		return Property{Value: "/" + name, Source: SourceDefault}, nil
	}
	return Property{Value: defaults[prop], Source: SourceDefault}, nil
}

// inheritMountpoint appends the path of name relative to the ancestor that
// sets the mountpoint. none and legacy are inherited verbatim.
func inheritMountpoint(value, from, name string) string {
	if value == MountpointNone || value == MountpointLegacy {
		return value
	}
	rel := strings.TrimPrefix(name, from+"/")
	return path.Join(value, rel)
}

func (c *catalog) Descendants(ctx context.Context, name string) ([]*Dataset, error) {
	all, err := c.store.List(ctx, name)
	if err != nil {
		return nil, err
	}

	out := make([]*Dataset, 0, len(all))
	for _, ds := range all {
		if ds.Name != name {
			out = append(out, ds)
		}
	}

	// Sorting by components keeps every parent ahead of its children even
	// when sibling names share a prefix ("a/b" vs "a-b").
	sort.SliceStable(out, func(i, j int) bool {
		return lessByComponents(out[i].Name, out[j].Name)
	})
	return out, nil
}

func lessByComponents(a, b string) bool {
	ca := strings.Split(a, "/")
	cb := strings.Split(b, "/")
	for i := 0; i < len(ca) && i < len(cb); i++ {
		if ca[i] != cb[i] {
			return ca[i] < cb[i]
		}
	}
	return len(ca) < len(cb)
}

// IsMountable reports whether ds can be mounted and returns its mountpoint
// and the mountpoint's source. globalZone marks the privileged host context,
// in which zoned datasets are never mounted.
func IsMountable(ctx context.Context, c Catalog, ds *Dataset, globalZone bool) (string, Source, bool, error) {
	if ds.Type != TypeFilesystem {
		return "", SourceNone, false, nil
	}

	mp, err := c.Property(ctx, ds.Name, PropMountpoint)
	if err != nil {
		return "", SourceNone, false, err
	}
	if mp.Value == MountpointNone || mp.Value == MountpointLegacy {
		return "", mp.Source, false, nil
	}

	canmount, err := c.Property(ctx, ds.Name, PropCanMount)
	if err != nil {
		return "", SourceNone, false, err
	}
	if canmount.Value == CanMountOff {
		return "", mp.Source, false, nil
	}

	zoned, err := c.Property(ctx, ds.Name, PropZoned)
	if err != nil {
		return "", SourceNone, false, err
	}
	if zoned.Value == "on" && globalZone {
		return "", mp.Source, false, nil
	}

	return mp.Value, mp.Source, true, nil
}
