// Package devicelab orchestrates test invocations over a shared pool of
// devices: build acquisition, sharding, target preparation, test execution,
// teardown and result reporting.
package devicelab

import (
	"context"

	"github.com/httprunner/DeviceLab/pkg/build"
	"github.com/httprunner/DeviceLab/pkg/device"
	"github.com/httprunner/DeviceLab/pkg/result"
)

// BuildProvider supplies the build artifact under test. GetBuild returning
// (nil, nil) means no build is currently available, which is not an error.
type BuildProvider interface {
	GetBuild(ctx context.Context) (*build.Info, error)
	CleanUp(b *build.Info)
	BuildNotTested(b *build.Info)
}

// TargetPreparer runs one setup step against the allocated device before
// tests execute. Failures are classified through BuildError or SetupError.
type TargetPreparer interface {
	SetUp(ctx context.Context, exec *device.Executor, b *build.Info) error
}

// Cleaner is the optional teardown capability of a TargetPreparer. cause
// carries the failure that triggered teardown, or nil on success.
type Cleaner interface {
	TearDown(ctx context.Context, exec *device.Executor, b *build.Info, cause error)
}

// TestUnit executes one configured body of tests against a device, streaming
// results into sink as they happen. Optional capabilities are expressed as
// separate interfaces and discovered via type assertion, never chained casts:
// Splittable, Resumable, Retriable.
type TestUnit interface {
	Run(ctx context.Context, exec *device.Executor, b *build.Info, sink result.Listener) error
}

// Splittable test units can divide their work into independently schedulable
// shards. An empty result means the unit declined to split.
type Splittable interface {
	Split() []TestUnit
}

// Resumable test units can continue an interrupted run from where it stopped.
type Resumable interface {
	Resumable() bool
}

// Retriable test units tolerate their whole command being started over.
type Retriable interface {
	Retriable() bool
}

// Scheduler accepts derived configurations (shards, resumes) for independent
// execution and whole-command reschedules.
type Scheduler interface {
	ScheduleConfig(cfg *Config) bool
	RescheduleCommand() bool
}

func splitUnit(u TestUnit) []TestUnit {
	if s, ok := u.(Splittable); ok {
		return s.Split()
	}
	return nil
}

// firstResumable returns the first unit, in declared order, that reports
// itself resumable. Only the first one is consulted; if units disagree the
// first wins.
func firstResumable(units []TestUnit) TestUnit {
	for _, u := range units {
		if r, ok := u.(Resumable); ok && r.Resumable() {
			return u
		}
	}
	return nil
}

// firstRetriable mirrors firstResumable for the whole-command retry path.
func firstRetriable(units []TestUnit) TestUnit {
	for _, u := range units {
		if r, ok := u.(Retriable); ok && r.Retriable() {
			return u
		}
	}
	return nil
}
