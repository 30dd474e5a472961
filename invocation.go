package devicelab

import (
	"context"
	"runtime/debug"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/httprunner/DeviceLab/pkg/build"
	"github.com/httprunner/DeviceLab/pkg/device"
	"github.com/httprunner/DeviceLab/pkg/result"
)

// Invocation drives one logical test run end to end on one allocated device:
// fetch build, shard or run, prepare, execute, tear down, report, release.
type Invocation struct {
	cfg   *Config
	sched Scheduler
	info  *InvocationContext
}

// NewInvocation validates the configuration and builds an invocation.
func NewInvocation(cfg *Config, sched Scheduler) (*Invocation, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Invocation{cfg: cfg, sched: sched, info: NewInvocationContext()}, nil
}

// Context exposes the invocation's diagnostic record.
func (inv *Invocation) Context() *InvocationContext { return inv.info }

// Run executes the invocation against dev. Device-unavailable failures are
// always returned to the caller after local handling so the holder can free
// or replace the device; they are never converted into silent success.
func (inv *Invocation) Run(ctx context.Context, dev *device.Device) error {
	reporter := result.NewForwarder(inv.cfg.Listeners...)

	inv.info.SetStatus("fetching build")
	b, err := inv.cfg.Build.GetBuild(ctx)
	if err != nil {
		log.Error().Err(err).Str("invocation", inv.info.ID).Msg("build retrieval failed")
		return &BuildRetrievalError{Cause: err}
	}
	if b == nil {
		// Not an error: no build is ready yet, ask the scheduler to try the
		// whole command again later.
		log.Info().Str("invocation", inv.info.ID).Msg("no build available, rescheduling")
		if inv.sched != nil && !inv.sched.RescheduleCommand() {
			log.Warn().Str("invocation", inv.info.ID).Msg("reschedule rejected, command dropped")
		}
		return nil
	}
	inv.info.SetBuild(b.ID)
	inv.info.SetSerial(dev.Serial())

	if !inv.cfg.Options.shard {
		coordinator := &ShardCoordinator{sched: inv.sched}
		if coordinator.Shard(inv.cfg, b) {
			// Ownership of execution moved to the shards; this invocation is
			// complete once their results merge downstream.
			inv.info.SetStatus("sharded")
			return nil
		}
	}

	reporter.InvocationStarted(b)
	exec := device.NewExecutor(dev, inv.cfg.Recovery, inv.cfg.Exec)
	start := time.Now()

	runErr := inv.executeGuarded(ctx, exec, b, reporter)

	// REPORT always runs: logs first, then the terminal invocation event.
	inv.publishLogs(ctx, exec, reporter, runErr)
	if runErr != nil {
		reporter.InvocationFailed(runErr)
	}
	elapsed := time.Since(start)
	inv.info.AddElapsed(elapsed)

	if runErr != nil && device.IsNotAvailable(runErr) {
		if inv.attemptResume(b, inv.info.Elapsed()) {
			// The resumed invocation reports the single invocationEnded with
			// the accumulated elapsed time; reporting here would
			// double-count. Build ownership moved to the resumed run.
			inv.info.SetStatus("resumed")
			return runErr
		}
	}
	reporter.InvocationEnded(elapsed)
	inv.cfg.Build.CleanUp(b)

	if runErr == nil {
		inv.info.SetStatus("done")
		return nil
	}
	inv.info.SetStatus("failed")
	if !device.IsNotAvailable(runErr) && !IsBuildError(runErr) && !inv.cfg.Options.LoopMode {
		inv.attemptReschedule()
	}
	return runErr
}

// executeGuarded runs prepare/run/teardown, converting an unexpected panic
// into a reported invocation failure instead of killing the hosting worker.
func (inv *Invocation) executeGuarded(ctx context.Context, exec *device.Executor, b *build.Info, reporter *result.Forwarder) (runErr error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("invocation", inv.info.ID).
				Str("panic", strings.TrimSpace(strings.SplitN(string(debug.Stack()), "\n", 2)[0])).
				Msgf("unexpected runtime error: %v", r)
			runErr = errors.Errorf("unexpected runtime error: %v", r)
		}
	}()

	runErr = inv.prepare(ctx, exec, b)
	if runErr == nil {
		runErr = inv.runTests(ctx, exec, b, reporter)
	}
	inv.teardown(ctx, exec, b, runErr)
	return runErr
}

// prepare runs target preparers in declared order, classifying failures as
// build errors (the build is bad, marked not-tested) or setup errors
// (environmental; device liveness is re-checked before giving up).
func (inv *Invocation) prepare(ctx context.Context, exec *device.Executor, b *build.Info) error {
	inv.info.SetStatus("preparing target")
	for _, p := range inv.cfg.Preparers {
		err := p.SetUp(ctx, exec, b)
		if err == nil {
			continue
		}
		if IsBuildError(err) {
			log.Error().Err(err).Str("invocation", inv.info.ID).Msg("setup rejected the build")
			inv.cfg.Build.BuildNotTested(b)
			return err
		}
		if device.IsNotAvailable(err) {
			return err
		}
		log.Error().Err(err).Str("invocation", inv.info.ID).Msg("target setup failed")
		dev := exec.Device()
		if !dev.Handle().IsLive() {
			if rerr := inv.recoveryHandler().Recover(ctx, dev, inv.cfg.Exec.RecoveryTimeout); rerr != nil {
				return &device.NotAvailableError{Serial: dev.Serial(), Cause: rerr}
			}
		}
		return err
	}
	return nil
}

func (inv *Invocation) recoveryHandler() device.RecoveryHandler {
	if inv.cfg.Recovery != nil {
		return inv.cfg.Recovery
	}
	return device.WaitRecovery{}
}

// runTests executes each configured test unit, forwarding results live so
// reporters observe progress and partial failures; a run's results are never
// buffered end-to-end here.
func (inv *Invocation) runTests(ctx context.Context, exec *device.Executor, b *build.Info, reporter *result.Forwarder) error {
	inv.info.SetStatus("running tests")
	for _, unit := range inv.cfg.Tests {
		if err := unit.Run(ctx, exec, b, reporter); err != nil {
			if device.IsUnresponsive(err) {
				inv.captureBugreport(ctx, exec, reporter, err)
			}
			return err
		}
	}
	return nil
}

// teardown runs cleanup for every preparer that supports it, in reverse
// order. When the triggering failure is device-unavailability, cleanup that
// needs a live device is skipped rather than attempted and failed.
func (inv *Invocation) teardown(ctx context.Context, exec *device.Executor, b *build.Info, cause error) {
	if device.IsNotAvailable(cause) {
		log.Warn().Str("invocation", inv.info.ID).Msg("skipping teardown, device unavailable")
		return
	}
	inv.info.SetStatus("tearing down")
	for i := len(inv.cfg.Preparers) - 1; i >= 0; i-- {
		cleaner, ok := inv.cfg.Preparers[i].(Cleaner)
		if !ok {
			continue
		}
		cleaner.TearDown(ctx, exec, b, cause)
	}
}

// captureBugreport makes one best-effort diagnostic pass for a device that
// recovery could not restore but that was last seen online. The handle is
// used directly: the retry machinery already gave up on this device.
func (inv *Invocation) captureBugreport(ctx context.Context, exec *device.Executor, reporter *result.Forwarder, cause error) {
	var un *device.UnresponsiveError
	if !errors.As(cause, &un) || un.LastState != device.StateOnline {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	out, err := exec.Device().Handle().ExecuteShell(cctx, "bugreportz -s")
	if err != nil {
		log.Warn().Err(err).Str("serial", un.Serial).Msg("bugreport capture failed")
		return
	}
	reporter.TestLog("bugreport", "text", strings.NewReader(out))
}

// publishLogs pushes the collected device and host logs to all listeners
// before the terminal invocation event.
func (inv *Invocation) publishLogs(ctx context.Context, exec *device.Executor, reporter *result.Forwarder, runErr error) {
	inv.info.SetStatus("reporting")
	if !device.IsNotAvailable(runErr) {
		cctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		out, err := exec.Device().Handle().ExecuteShell(cctx, "logcat -d -t 500")
		cancel()
		if err != nil {
			log.Debug().Err(err).Str("serial", exec.Device().Serial()).Msg("device log capture failed")
		} else {
			reporter.TestLog("device_log", "text", strings.NewReader(out))
		}
	}
	reporter.TestLog("host_log", "text", strings.NewReader(inv.info.Summary()))
}

// attemptResume asks the first resumable test unit to continue on a fresh
// allocation, reusing the already-fetched build. Returns true when the
// scheduler accepted the resumed configuration and build ownership moved to
// it; on false the caller releases the build.
func (inv *Invocation) attemptResume(b *build.Info, prior time.Duration) bool {
	unit := firstResumable(inv.cfg.Tests)
	if unit == nil || inv.sched == nil {
		return false
	}
	resumeCfg := inv.cfg.deriveResume(b, prior)
	if !inv.sched.ScheduleConfig(resumeCfg) {
		log.Warn().Str("invocation", inv.info.ID).Msg("resume rejected by scheduler")
		return false
	}
	log.Info().Str("invocation", inv.info.ID).Msg("invocation resume scheduled")
	return true
}

// attemptReschedule starts the whole command over when the first retriable
// unit allows it. The check short-circuits at the first retriable unit.
func (inv *Invocation) attemptReschedule() bool {
	if inv.sched == nil || firstRetriable(inv.cfg.Tests) == nil {
		return false
	}
	if !inv.sched.RescheduleCommand() {
		log.Warn().Str("invocation", inv.info.ID).Msg("reschedule rejected by scheduler")
		return false
	}
	log.Info().Str("invocation", inv.info.ID).Msg("command rescheduled after failure")
	return true
}
