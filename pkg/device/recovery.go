package device

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// RecoveryHandler attempts to bring a device back to a known-good state after
// a command failure. Recovery may block for a bounded duration and may
// replace the device's transport handle.
type RecoveryHandler interface {
	// Recover restores shell reachability.
	Recover(ctx context.Context, d *Device, timeout time.Duration) error
	// RecoverFastboot restores bootloader reachability.
	RecoverFastboot(ctx context.Context, d *Device, timeout time.Duration) error
}

// WaitRecovery is the default recovery protocol: wait for the transport to
// report the device back in the wanted state, then reattach the handle.
type WaitRecovery struct{}

func (WaitRecovery) Recover(ctx context.Context, d *Device, timeout time.Duration) error {
	return waitAndReattach(ctx, d, StateOnline, timeout)
}

func (WaitRecovery) RecoverFastboot(ctx context.Context, d *Device, timeout time.Duration) error {
	return waitAndReattach(ctx, d, StateFastboot, timeout)
}

func waitAndReattach(ctx context.Context, d *Device, want State, timeout time.Duration) error {
	log.Info().Str("serial", d.Serial()).Str("want", string(want)).Msg("attempting device recovery")
	// The transport poller only reports transitions it observes on the
	// server side. A command-level failure on a device the server still
	// lists as online produces no state event, so waiting for one would
	// always run out the timeout. Ask the handle directly first.
	if want == StateOnline && d.Handle().IsLive() {
		if err := d.Handle().Reconnect(ctx); err != nil {
			return errors.Wrapf(err, "reattach device %s", d.Serial())
		}
		d.Monitor().SetState(StateOnline)
		log.Info().Str("serial", d.Serial()).Msg("device recovered")
		return nil
	}
	if !d.Monitor().WaitForState(ctx, want, timeout) {
		return errors.Errorf("device %s did not reach state %s within %s", d.Serial(), want, timeout)
	}
	if err := d.Handle().Reconnect(ctx); err != nil {
		return errors.Wrapf(err, "reattach device %s", d.Serial())
	}
	log.Info().Str("serial", d.Serial()).Msg("device recovered")
	return nil
}
