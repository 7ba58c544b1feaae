package mount

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Code is the category of an orchestrator failure.
type Code int

const (
	// ErrMountFailed is a host mount failure with no more specific category
	ErrMountFailed Code = iota

	// ErrBusy: the mountpoint or dataset is busy (EBUSY)
	ErrBusy

	// ErrPermission: the caller lacks privileges (EPERM)
	ErrPermission

	// ErrVersionMismatch: on-disk format not supported by this software (ENOTSUP)
	ErrVersionMismatch

	// ErrIO: kernel I/O error, usually the fuse module is not loaded (EIO)
	ErrIO

	// ErrNotEmpty: the mountpoint directory has entries and neither overlay
	// nor remount was requested
	ErrNotEmpty

	// ErrUnmountFailed: the host umount helper failed
	ErrUnmountFailed

	// ErrShareFailed: a protocol backend failed to export
	ErrShareFailed

	// ErrUnshareFailed: a protocol backend failed to remove an export
	ErrUnshareFailed

	// ErrNotFound: the dataset or export does not exist
	ErrNotFound

	// ErrLocked: another process holds the administrative lock
	ErrLocked
)

func (c Code) String() string {
	switch c {
	case ErrMountFailed:
		return "mount failed"
	case ErrBusy:
		return "busy"
	case ErrPermission:
		return "permission denied"
	case ErrVersionMismatch:
		return "version mismatch"
	case ErrIO:
		return "i/o error"
	case ErrNotEmpty:
		return "not empty"
	case ErrUnmountFailed:
		return "unmount failed"
	case ErrShareFailed:
		return "share failed"
	case ErrUnshareFailed:
		return "unshare failed"
	case ErrNotFound:
		return "not found"
	case ErrLocked:
		return "locked"
	default:
		return "unknown"
	}
}

// Error is returned by every Orchestrator operation.
type Error struct {
	Code Code

	// Op is the operation: "mount", "unmount", "share", "unshare"
	Op string

	// Dataset is the dataset name, or the mountpoint for path based calls
	Dataset string

	// Message is the human readable reason
	Message string

	// Err is the underlying cause, if any
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("cannot %s '%s': %s", e.Op, e.Dataset, e.Message)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsCode reports whether err is an *Error with the given code.
func IsCode(err error, code Code) bool {
	var me *Error
	if errors.As(err, &me) {
		return me.Code == code
	}
	return false
}

// classifyMountError maps a host mount failure to a Code and message.
func classifyMountError(err error) (Code, string) {
	switch {
	case errors.Is(err, unix.EBUSY):
		return ErrBusy, "mountpoint or dataset is busy"
	case errors.Is(err, unix.EPERM):
		return ErrPermission, "Insufficient privileges"
	case errors.Is(err, unix.ENOTSUP):
		return ErrVersionMismatch, "Mismatched versions: file system on-disk format is incompatible with this software version"
	case errors.Is(err, unix.EIO):
		return ErrIO, "Input/output error. Make sure the FUSE module is loaded"
	default:
		return ErrMountFailed, "mount failed"
	}
}
