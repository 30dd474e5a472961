// Package result models per-test outcomes and the listener pipeline that
// streams invocation and test lifecycle events to reporters.
package result

import (
	"io"
	"time"

	"github.com/httprunner/DeviceLab/pkg/build"
)

// Status is the terminal classification of one test case.
type Status string

const (
	StatusPassed     Status = "PASSED"
	StatusFailure    Status = "FAILURE"
	StatusError      Status = "ERROR"
	StatusIncomplete Status = "INCOMPLETE"
)

// TestID identifies a test case stably across shards and retries.
type TestID struct {
	Class string
	Name  string
}

func (id TestID) String() string {
	return id.Class + "#" + id.Name
}

// TestResult is one outcome per test case.
type TestResult struct {
	Status  Status
	Trace   string
	Metrics map[string]string
}

// Listener receives invocation and test lifecycle events. Within one listener
// instance, one run's events are never interleaved with another run's; the
// invocation-level start/end pair is delivered exactly once per logical
// invocation, shards included.
type Listener interface {
	InvocationStarted(b *build.Info)
	InvocationFailed(err error)
	InvocationEnded(elapsed time.Duration)

	TestLog(name, kind string, data io.Reader)

	TestRunStarted(name string, testCount int)
	TestRunFailed(message string)
	TestRunEnded(elapsed time.Duration, metrics map[string]string)

	TestStarted(id TestID)
	TestFailed(kind Status, id TestID, trace string)
	TestEnded(id TestID, metrics map[string]string)
}

// NopListener discards every event; embed it to implement a partial listener.
type NopListener struct{}

func (NopListener) InvocationStarted(*build.Info) {}
func (NopListener) InvocationFailed(error) {}
func (NopListener) InvocationEnded(time.Duration) {}
func (NopListener) TestLog(string, string, io.Reader) {}
func (NopListener) TestRunStarted(string, int) {}
func (NopListener) TestRunFailed(string) {}
func (NopListener) TestRunEnded(time.Duration, map[string]string) {}
func (NopListener) TestStarted(TestID) {}
func (NopListener) TestFailed(Status, TestID, string) {}
func (NopListener) TestEnded(TestID, map[string]string) {}
