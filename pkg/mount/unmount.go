package mount

import (
	"context"

	"github.com/marmos91/zfsfuse/internal/command"
)

// CommandUnmounter runs the host umount helper and waits for it.
type CommandUnmounter struct {
	path   string
	runner command.Runner
}

// NewCommandUnmounter creates an Unmounter. An empty path means "umount"
// from $PATH; a nil runner executes for real.
func NewCommandUnmounter(path string, runner command.Runner) *CommandUnmounter {
	if path == "" {
		path = "umount"
	}
	if runner == nil {
		runner = command.Exec{}
	}
	return &CommandUnmounter{path: path, runner: runner}
}

// Unmount implements Unmounter. force selects a lazy unmount.
func (u *CommandUnmounter) Unmount(ctx context.Context, mountpoint string, force bool) error {
	args := []string{mountpoint}
	if force {
		args = []string{"-l", mountpoint}
	}
	_, err := u.runner.Run(ctx, u.path, args...)
	return err
}
