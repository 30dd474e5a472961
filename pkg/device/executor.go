package device

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/httprunner/DeviceLab/internal/config"
)

// ExecutorConfig bounds retry and recovery for one device's command stream.
// Caps live in configuration, never as literals buried in call sites.
type ExecutorConfig struct {
	// MaxAttempts is the total number of underlying command attempts before
	// the device is declared unresponsive.
	MaxAttempts int
	// CommandTimeout applies when the caller passes no per-command timeout.
	CommandTimeout time.Duration
	// RecoveryTimeout bounds each recovery attempt.
	RecoveryTimeout time.Duration
}

// DefaultExecutorConfig reads the retry policy from the environment.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		MaxAttempts:     config.Int("DEVICELAB_MAX_COMMAND_ATTEMPTS", 3),
		CommandTimeout:  config.Duration("DEVICELAB_COMMAND_TIMEOUT", 2*time.Minute),
		RecoveryTimeout: config.Duration("DEVICELAB_RECOVERY_TIMEOUT", time.Minute),
	}
}

func (c ExecutorConfig) withDefaults() ExecutorConfig {
	def := DefaultExecutorConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = def.CommandTimeout
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = def.RecoveryTimeout
	}
	return c
}

// Executor wraps a device's command execution with timeout, bounded retry and
// recovery. Exactly-once execution is not guaranteed: a command that failed
// mid-stream is retried like one that never started, so callers must be
// idempotent or tolerate re-execution.
type Executor struct {
	dev      *Device
	recovery RecoveryHandler
	cfg      ExecutorConfig

	// fastbootMu serializes bootloader commands for this device; state
	// changes observed while one is in flight are ignored via monitor freeze
	// so a device busy in a long fastboot operation is not reclassified.
	fastbootMu sync.Mutex
}

// NewExecutor builds an executor for one allocated device. A nil recovery
// handler falls back to WaitRecovery.
func NewExecutor(d *Device, recovery RecoveryHandler, cfg ExecutorConfig) *Executor {
	if recovery == nil {
		recovery = WaitRecovery{}
	}
	return &Executor{dev: d, recovery: recovery, cfg: cfg.withDefaults()}
}

// Device returns the device this executor drives.
func (e *Executor) Device() *Device { return e.dev }

// Shell executes a shell command, transparently retrying through recovery. A
// timeout of zero or less uses the configured default.
func (e *Executor) Shell(ctx context.Context, command string, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = e.cfg.CommandTimeout
	}
	run := func(actx context.Context) (string, error) {
		return e.dev.Handle().ExecuteShell(actx, command)
	}
	return e.execute(ctx, command, timeout, run, e.recovery.Recover)
}

// Fastboot executes a bootloader command. Concurrent fastboot commands
// against the same device never interleave.
func (e *Executor) Fastboot(ctx context.Context, timeout time.Duration, args ...string) (string, error) {
	if timeout <= 0 {
		timeout = e.cfg.CommandTimeout
	}
	e.fastbootMu.Lock()
	defer e.fastbootMu.Unlock()
	e.dev.Monitor().Freeze()
	defer e.dev.Monitor().Thaw()
	run := func(actx context.Context) (string, error) {
		return e.dev.Handle().ExecuteFastboot(actx, args...)
	}
	return e.execute(ctx, "fastboot", timeout, run, e.recovery.RecoverFastboot)
}

type attemptFunc func(ctx context.Context) (string, error)
type recoverFunc func(ctx context.Context, d *Device, timeout time.Duration) error

func (e *Executor) execute(ctx context.Context, label string, timeout time.Duration, run attemptFunc, recoverDev recoverFunc) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		out, err := e.runOnce(ctx, timeout, run)
		if err == nil {
			return out, nil
		}
		lastErr = err
		log.Warn().Err(err).
			Str("serial", e.dev.Serial()).
			Str("command", label).
			Int("attempt", attempt).
			Msg("device command failed")
		lastState := e.dev.Monitor().State()
		e.dev.Monitor().SetState(StateUnresponsive)
		if attempt == e.cfg.MaxAttempts {
			return "", &UnresponsiveError{
				Serial:    e.dev.Serial(),
				Attempts:  e.cfg.MaxAttempts,
				LastState: lastState,
				Cause:     lastErr,
			}
		}
		if rerr := recoverDev(ctx, e.dev, e.cfg.RecoveryTimeout); rerr != nil {
			return "", &NotAvailableError{Serial: e.dev.Serial(), Cause: rerr}
		}
	}
	// unreachable: the loop always returns
	return "", &NotAvailableError{Serial: e.dev.Serial(), Cause: lastErr}
}

func (e *Executor) runOnce(ctx context.Context, timeout time.Duration, run attemptFunc) (string, error) {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return run(actx)
}
