// Package dataset describes the datasets the daemon mounts and shares, and the
// property lookups the mount orchestrator needs from them.
//
// The storage engine owns datasets; this package only models the subset of
// their state that matters for mounting: name, type, and the mount/share
// related properties together with the source each value came from.
package dataset

import (
	"errors"
	"fmt"
	"strings"
)

// Type is the kind of a dataset.
type Type int

const (
	// TypeFilesystem is a mountable POSIX filesystem
	TypeFilesystem Type = iota

	// TypeVolume is a block volume; it has no mountpoint
	TypeVolume
)

func (t Type) String() string {
	switch t {
	case TypeFilesystem:
		return "filesystem"
	case TypeVolume:
		return "volume"
	default:
		return "unknown"
	}
}

// ParseType converts the configuration spelling of a dataset type.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(s) {
	case "", "filesystem":
		return TypeFilesystem, nil
	case "volume":
		return TypeVolume, nil
	default:
		return 0, fmt.Errorf("unknown dataset type %q", s)
	}
}

// Property names understood by the orchestrator.
const (
	PropMountpoint = "mountpoint"
	PropCanMount   = "canmount"
	PropZoned      = "zoned"
	PropShareNFS   = "sharenfs"
	PropShareSMB   = "sharesmb"
)

// Special mountpoint values.
const (
	MountpointNone   = "none"
	MountpointLegacy = "legacy"
)

// canmount values.
const (
	CanMountOn     = "on"
	CanMountOff    = "off"
	CanMountNoAuto = "noauto"
)

// Source tells where a resolved property value came from.
type Source int

const (
	// SourceDefault means no dataset in the ancestry sets the property
	SourceDefault Source = iota

	// SourceLocal means the dataset itself sets the property
	SourceLocal

	// SourceInherited means an ancestor sets the property
	SourceInherited

	// SourceNone means the property does not apply to this dataset type
	SourceNone
)

func (s Source) String() string {
	switch s {
	case SourceDefault:
		return "default"
	case SourceLocal:
		return "local"
	case SourceInherited:
		return "inherited"
	default:
		return "-"
	}
}

var (
	// ErrNotFound is returned when a dataset does not exist
	ErrNotFound = errors.New("dataset does not exist")

	// ErrExists is returned when creating a dataset that already exists
	ErrExists = errors.New("dataset already exists")

	// ErrInvalidName is returned for malformed dataset names
	ErrInvalidName = errors.New("invalid dataset name")
)

// Dataset is one named filesystem or volume.
//
// Properties holds only locally set values; inherited and default values are
// computed by the Catalog.
type Dataset struct {
	Name       string            `json:"name"`
	Type       Type              `json:"type"`
	Properties map[string]string `json:"properties,omitempty"`
}

// Pool returns the pool component of the dataset name.
func (d *Dataset) Pool() string {
	return PoolOf(d.Name)
}

// Local returns a locally set property value.
func (d *Dataset) Local(prop string) (string, bool) {
	if d.Properties == nil {
		return "", false
	}
	v, ok := d.Properties[prop]
	return v, ok
}

// Clone returns a deep copy of the dataset.
func (d *Dataset) Clone() *Dataset {
	c := &Dataset{Name: d.Name, Type: d.Type}
	if d.Properties != nil {
		c.Properties = make(map[string]string, len(d.Properties))
		for k, v := range d.Properties {
			c.Properties[k] = v
		}
	}
	return c
}

// Property is a resolved property value.
type Property struct {
	Value  string
	Source Source

	// From is the dataset the value was inherited from, if any
	From string
}

// PoolOf returns the first component of a dataset name.
func PoolOf(name string) string {
	if i := strings.IndexByte(name, '/'); i >= 0 {
		return name[:i]
	}
	return name
}

// Parent returns the parent dataset name, or "" for a pool root.
func Parent(name string) string {
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		return name[:i]
	}
	return ""
}

// IsDescendant reports whether name equals root or lies beneath it.
func IsDescendant(name, root string) bool {
	if !strings.HasPrefix(name, root) {
		return false
	}
	return len(name) == len(root) || name[len(root)] == '/'
}

// ValidateName checks the shape of a dataset name.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidName)
	}
	for _, comp := range strings.Split(name, "/") {
		if comp == "" {
			return fmt.Errorf("%w: %q has an empty component", ErrInvalidName, name)
		}
		if strings.ContainsAny(comp, " \t\n@") {
			return fmt.Errorf("%w: %q contains invalid characters", ErrInvalidName, name)
		}
	}
	return nil
}
