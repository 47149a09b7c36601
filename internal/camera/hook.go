package camera

import (
	"context"
	"fmt"
	"os/exec"
	"time"
)

// HookConfigOptions runs a command when an offer arrives while no viewer is
// connected, typically to restart a stream source that idles without viewers.
type HookConfigOptions struct {
	// Command and its arguments. Empty disables the hook.
	Command []string
	// Wait delays the command.
	Wait time.Duration
}

// runHook runs the wake-up hook in the background.
func (c *Camera) runHook(ctx context.Context) {
	if len(c.config.Hook.Command) == 0 {
		return
	}
	go func() {
		if err := execHook(ctx, c.config.Hook); err != nil {
			c.logger.Err(err).Strs("command", c.config.Hook.Command).Msg("could not run hook")
			return
		}
		c.logger.Info().Strs("command", c.config.Hook.Command).Msg("hook done")
	}()
}

func execHook(ctx context.Context, hook HookConfigOptions) error {
	if hook.Wait > 0 {
		select {
		case <-time.After(hook.Wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	out, err := exec.CommandContext(ctx, hook.Command[0], hook.Command[1:]...).CombinedOutput() //nolint:gosec
	if err != nil {
		return fmt.Errorf("%w: %s", err, out)
	}
	return nil
}
