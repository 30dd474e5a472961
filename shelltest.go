package devicelab

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/httprunner/DeviceLab/pkg/build"
	"github.com/httprunner/DeviceLab/pkg/device"
	"github.com/httprunner/DeviceLab/pkg/result"
)

// ShellTest runs a list of shell commands on the allocated device, reporting
// each command as one test case. It is the built-in test unit behind the CLI
// and doubles as the reference implementation of the optional capabilities:
// it can split per command, resume an interrupted list, and tolerate a
// whole-command restart.
type ShellTest struct {
	// Name labels the test run in reports.
	Name string
	// Commands run in order; each is one test case.
	Commands []string
	// Timeout bounds each command. Zero uses the executor default.
	Timeout time.Duration

	// Shards is the maximum number of shards Split may produce. Zero or one
	// declines splitting.
	Shards int
	// Resume lets an interrupted run continue from the first unexecuted
	// command on a fresh device.
	Resume bool
	// Retry lets a failed command be started over from scratch.
	Retry bool

	mu   sync.Mutex
	done int
}

// Run executes the remaining commands, streaming one test case per command.
// A device failure aborts the run and surfaces as a run failure so shard
// merging keeps the partial results.
func (t *ShellTest) Run(ctx context.Context, exec *device.Executor, b *build.Info, sink result.Listener) error {
	t.mu.Lock()
	start := t.done
	t.mu.Unlock()
	pending := t.Commands[start:]
	if len(pending) == 0 {
		log.Info().Str("run", t.runName()).Msg("no commands left to run")
		return nil
	}

	sink.TestRunStarted(t.runName(), len(pending))
	began := time.Now()
	failures := 0
	for i, command := range pending {
		id := result.TestID{Class: t.runName(), Name: fmt.Sprintf("cmd%03d", start+i)}
		sink.TestStarted(id)
		out, err := exec.Shell(ctx, command, t.Timeout)
		if err != nil {
			if device.IsNotAvailable(err) || device.IsUnresponsive(err) {
				// The device is gone; leave the case incomplete so a resumed
				// run re-executes it, and mark the whole run failed.
				sink.TestRunFailed(err.Error())
				sink.TestRunEnded(time.Since(began), t.runMetrics(failures))
				return err
			}
			failures++
			sink.TestFailed(result.StatusFailure, id, err.Error())
			sink.TestEnded(id, nil)
		} else {
			sink.TestEnded(id, map[string]string{"output_bytes": strconv.Itoa(len(out))})
		}
		t.mu.Lock()
		t.done = start + i + 1
		t.mu.Unlock()
	}
	sink.TestRunEnded(time.Since(began), t.runMetrics(failures))
	return nil
}

// Split divides the command list into up to Shards contiguous chunks, each a
// standalone ShellTest that declines further splitting.
func (t *ShellTest) Split() []TestUnit {
	if t.Shards <= 1 || len(t.Commands) <= 1 {
		return nil
	}
	n := t.Shards
	if n > len(t.Commands) {
		n = len(t.Commands)
	}
	per := (len(t.Commands) + n - 1) / n
	var units []TestUnit
	for i := 0; i < len(t.Commands); i += per {
		end := i + per
		if end > len(t.Commands) {
			end = len(t.Commands)
		}
		units = append(units, &ShellTest{
			Name:     fmt.Sprintf("%s_shard%d", t.runName(), len(units)),
			Commands: t.Commands[i:end],
			Timeout:  t.Timeout,
			Resume:   t.Resume,
			Retry:    t.Retry,
		})
	}
	return units
}

func (t *ShellTest) Resumable() bool { return t.Resume }
func (t *ShellTest) Retriable() bool { return t.Retry }

func (t *ShellTest) runName() string {
	if t.Name != "" {
		return t.Name
	}
	return "shell"
}

func (t *ShellTest) runMetrics(failures int) map[string]string {
	return map[string]string{"failed_commands": strconv.Itoa(failures)}
}
