package devicelab

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/httprunner/DeviceLab/pkg/build"
	"github.com/httprunner/DeviceLab/pkg/device"
)

// ShellPreparer runs setup commands on the device before tests and the
// matching teardown commands afterwards. A failed setup command is a setup
// error, not a build error: the device environment is suspect, not the
// artifact.
type ShellPreparer struct {
	SetupCommands    []string
	TeardownCommands []string
	// Timeout bounds each command. Zero uses the executor default.
	Timeout time.Duration
}

func (p *ShellPreparer) SetUp(ctx context.Context, exec *device.Executor, b *build.Info) error {
	for _, command := range p.SetupCommands {
		if _, err := exec.Shell(ctx, command, p.Timeout); err != nil {
			if device.IsNotAvailable(err) || device.IsUnresponsive(err) {
				return err
			}
			return &SetupError{Message: "setup command failed: " + command, Cause: err}
		}
	}
	return nil
}

// TearDown runs the teardown commands even after a test failure; only a dead
// device skips it, which the invocation decides before calling. Individual
// teardown failures are logged and do not stop the remaining commands.
func (p *ShellPreparer) TearDown(ctx context.Context, exec *device.Executor, b *build.Info, cause error) {
	for _, command := range p.TeardownCommands {
		if _, err := exec.Shell(ctx, command, p.Timeout); err != nil {
			log.Warn().Err(err).Str("command", command).Msg("teardown command failed")
			if device.IsNotAvailable(err) || device.IsUnresponsive(err) {
				return
			}
		}
	}
}

// WaitPreparer blocks until the device settles after boot, using the boot
// completion property. It classifies a never-settling device as a setup
// error so the invocation's liveness re-check decides what happens next.
type WaitPreparer struct {
	// Deadline bounds the whole wait. Zero means one minute.
	Deadline time.Duration
	// PollInterval between property reads. Zero means two seconds.
	PollInterval time.Duration
}

func (p *WaitPreparer) SetUp(ctx context.Context, exec *device.Executor, b *build.Info) error {
	deadline := p.Deadline
	if deadline <= 0 {
		deadline = time.Minute
	}
	interval := p.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	expire := time.Now().Add(deadline)
	for {
		out, err := exec.Shell(ctx, "getprop sys.boot_completed", 10*time.Second)
		if err != nil {
			return err
		}
		if len(out) > 0 && out[0] == '1' {
			return nil
		}
		if time.Now().After(expire) {
			return &SetupError{Message: "device did not finish booting", Cause: errors.Errorf("sys.boot_completed=%q", out)}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}
