package fusekernel

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/marmos91/zfsfuse/internal/logger"
	"golang.org/x/sys/unix"
)

const (
	recvmsgOOBSize = 32
	recvmsgPSize   = 4
)

// MountConfig selects the fusermount helper.
type MountConfig struct {
	// FusermountPath defaults to "fusermount" looked up in $PATH
	FusermountPath string

	// BufSize defaults to DefaultBufSize
	BufSize int
}

// Mount asks fusermount to mount a FUSE filesystem at mountpoint and returns
// the /dev/fuse descriptor it passes back over a socketpair.
func Mount(ctx context.Context, mountpoint, options string, cfg MountConfig) (*Channel, error) {
	path := cfg.FusermountPath
	if path == "" {
		path = "fusermount"
	}
	program, err := exec.LookPath(path)
	if err != nil {
		return nil, fmt.Errorf("unable to find fusermount: %w", err)
	}
	bufSize := cfg.BufSize
	if bufSize <= 0 {
		bufSize = DefaultBufSize
	}

	pair, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET, 0)
	if err != nil {
		return nil, fmt.Errorf("socketpair: %w", err)
	}
	childWrite := os.NewFile(uintptr(pair[0]), "fusermount-child")
	parentRead := os.NewFile(uintptr(pair[1]), "fusermount-parent")
	defer func() {
		_ = childWrite.Close()
		_ = parentRead.Close()
	}()

	var output bytes.Buffer
	cmd := exec.CommandContext(ctx, program, "-o", options, mountpoint)
	cmd.Env = append(os.Environ(), "_FUSE_COMMFD=3")
	cmd.Stdout = &output
	cmd.Stderr = &output
	cmd.ExtraFiles = []*os.File{childWrite}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start fusermount: %w", err)
	}
	// Only the child holds the write end now; a failing fusermount closes
	// it and Recvmsg returns instead of blocking.
	_ = childWrite.Close()

	fd, recvErr := receiveFd(int(parentRead.Fd()))
	waitErr := cmd.Wait()

	if recvErr != nil || waitErr != nil {
		if recvErr == nil {
			_ = unix.Close(fd)
		}
		return nil, mountFailure(output.String(), recvErr, waitErr)
	}

	logger.Debug("fusermount: mounted %s (%s)", mountpoint, options)
	return &Channel{fd: fd, mountpoint: mountpoint, bufSize: bufSize, fusermount: program}, nil
}

func receiveFd(sock int) (int, error) {
	var (
		p   [recvmsgPSize]byte
		oob [recvmsgOOBSize]byte
	)
	_, oobn, _, _, err := unix.Recvmsg(sock, p[:], oob[:], 0)
	if err != nil {
		return -1, fmt.Errorf("recvmsg: %w", err)
	}
	msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return -1, fmt.Errorf("parse control message: %w", err)
	}
	if len(msgs) != 1 {
		return -1, fmt.Errorf("fusermount sent %d control messages", len(msgs))
	}
	fds, err := unix.ParseUnixRights(&msgs[0])
	if err != nil {
		return -1, fmt.Errorf("parse unix rights: %w", err)
	}
	if len(fds) != 1 {
		for _, fd := range fds {
			_ = unix.Close(fd)
		}
		return -1, fmt.Errorf("fusermount sent %d descriptors", len(fds))
	}
	return fds[0], nil
}

// knownErrnos maps fusermount's strerror output back to errno values.
var knownErrnos = []unix.Errno{unix.EBUSY, unix.EPERM, unix.EACCES, unix.ENOTSUP, unix.EIO, unix.ENODEV, unix.ENOENT}

// mountFailure builds an error that wraps the errno fusermount reported,
// when it can be recognised in its output.
func mountFailure(output string, recvErr, waitErr error) error {
	output = strings.TrimSpace(output)
	cause := waitErr
	if cause == nil {
		cause = recvErr
	}
	lower := strings.ToLower(output)
	for _, errno := range knownErrnos {
		if strings.Contains(lower, errno.Error()) {
			return fmt.Errorf("fusermount: %s: %w", output, errno)
		}
	}
	if output != "" {
		return fmt.Errorf("fusermount: %s: %w", output, cause)
	}
	return fmt.Errorf("fusermount: %w", cause)
}

func unmount(fusermount, mountpoint string) error {
	out, err := exec.Command(fusermount, "-u", "-q", "-z", "--", mountpoint).CombinedOutput()
	if err != nil {
		return fmt.Errorf("fusermount -u %s: %w: %s", mountpoint, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Remount refreshes an existing mount in place.
func Remount(source, mountpoint string) error {
	if err := unix.Mount(source, mountpoint, FSType, unix.MS_REMOUNT, ""); err != nil {
		return fmt.Errorf("remount %s: %w", mountpoint, err)
	}
	return nil
}
