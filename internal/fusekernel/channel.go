// Package fusekernel opens and serves kernel FUSE connections.
//
// A Channel is the daemon side of one mounted filesystem: the /dev/fuse
// descriptor handed back by fusermount. Reads return exactly one kernel
// request; writes carry exactly one reply.
package fusekernel

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

const (
	// MaxWrite is the largest WRITE payload negotiated at INIT.
	MaxWrite = 128 * 1024

	// DefaultBufSize fits one request header plus MaxWrite.
	DefaultBufSize = MaxWrite + 4096

	// FSType is the filesystem type the kernel reports for our mounts.
	FSType = "fuse.zfs"
)

// ErrClosed is returned by Receive once the kernel has torn the connection
// down (unmount or abort).
var ErrClosed = errors.New("fuse channel closed")

// Options builds the fusermount option string for a dataset.
func Options(fsname string, extra ...string) string {
	opts := []string{"subtype=zfs", "fsname=" + fsname, "allow_other", "suid", "dev"}
	for _, e := range extra {
		if e = strings.Trim(e, ", "); e != "" {
			opts = append(opts, e)
		}
	}
	return strings.Join(opts, ",")
}

// Channel is one kernel FUSE connection.
//
// Thread safety:
// Receive and Send may be called concurrently with each other; Unmount and
// Close are idempotent.
type Channel struct {
	fd         int
	mountpoint string
	bufSize    int
	fusermount string

	unmountOnce sync.Once
	unmountErr  error
	closeOnce   sync.Once
	closeErr    error
}

// Fd returns the descriptor to poll for readiness.
func (c *Channel) Fd() int { return c.fd }

// BufSize returns the buffer size a single request may need.
func (c *Channel) BufSize() int { return c.bufSize }

// Mountpoint returns where the channel is mounted.
func (c *Channel) Mountpoint() string { return c.mountpoint }

// Receive reads one request into buf. Interrupted and vanished requests are
// retried; ENODEV or a zero length read means the filesystem is gone.
func (c *Channel) Receive(buf []byte) (int, error) {
	for {
		n, err := unix.Read(c.fd, buf)
		switch {
		case err == nil && n == 0:
			return 0, ErrClosed
		case err == nil:
			return n, nil
		case errors.Is(err, unix.EINTR), errors.Is(err, unix.EAGAIN), errors.Is(err, unix.ENOENT):
			continue
		case errors.Is(err, unix.ENODEV):
			return 0, ErrClosed
		default:
			return 0, fmt.Errorf("fuse read on %s: %w", c.mountpoint, err)
		}
	}
}

// Send writes one reply. A reply to a request the kernel has already
// forgotten (ENOENT) is not an error.
func (c *Channel) Send(reply []byte) error {
	_, err := unix.Write(c.fd, reply)
	if err == nil || errors.Is(err, unix.ENOENT) {
		return nil
	}
	if errors.Is(err, unix.ENODEV) {
		return ErrClosed
	}
	return fmt.Errorf("fuse write on %s: %w", c.mountpoint, err)
}

// Unmount lazily detaches the mountpoint. It does not close the descriptor.
func (c *Channel) Unmount() error {
	c.unmountOnce.Do(func() {
		c.unmountErr = unmount(c.fusermount, c.mountpoint)
	})
	return c.unmountErr
}

// Close releases the descriptor.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = unix.Close(c.fd)
	})
	return c.closeErr
}
