package system

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"time"
)

// ErrNoRebootCommand is returned when a reboot is requested but none is configured
var ErrNoRebootCommand = errors.New("no reboot command configured")

// Rebooter restarts the device
type Rebooter interface {
	Reboot(ctx context.Context, delay time.Duration) error
}

// CommandRebooter reboots by running a configured command line
type CommandRebooter struct {
	Command []string
	Logger  *slog.Logger
}

// Reboot waits for delay and then runs the reboot command
func (r *CommandRebooter) Reboot(ctx context.Context, delay time.Duration) error {
	if len(r.Command) == 0 {
		return ErrNoRebootCommand
	}
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("reboot scheduled", "delay", delay, "command", r.Command)
	if delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	out, err := exec.CommandContext(ctx, r.Command[0], r.Command[1:]...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("reboot command failed: %w: %s", err, out)
	}
	return nil
}
