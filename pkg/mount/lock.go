package mount

import (
	"fmt"
	"io"
	"os"

	fslock "github.com/ipfs/go-fs-lock"
)

// DefaultLockDir and LockFile name the administrative lock.
const (
	DefaultLockDir = "/var/lock/zfs"
	LockFile       = "zfs_lock"
)

// AcquireLock takes the administrative lock in dir, creating dir if needed.
// Close the returned value to release it.
func AcquireLock(dir string) (io.Closer, error) {
	if dir == "" {
		dir = DefaultLockDir
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, &Error{Code: ErrLocked, Op: "lock", Dataset: dir,
			Message: "cannot create lock directory", Err: err}
	}
	closer, err := fslock.Lock(dir, LockFile)
	if err != nil {
		return nil, &Error{Code: ErrLocked, Op: "lock", Dataset: dir,
			Message: fmt.Sprintf("%s is held by another process", LockFile), Err: err}
	}
	return closer, nil
}

// IsLocked reports whether some process holds the lock in dir.
func IsLocked(dir string) (bool, error) {
	if dir == "" {
		dir = DefaultLockDir
	}
	return fslock.Locked(dir, LockFile)
}
