package result

import (
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/httprunner/DeviceLab/pkg/build"
)

// CollectingListener accumulates a full invocation's results in memory, in
// arrival order. It backs shard-local buffering and result aggregation; test
// log streams are not retained.
type CollectingListener struct {
	mu sync.Mutex

	buildInfo *build.Info
	runs      []*TestRunResult
	current   *TestRunResult

	started   bool
	ended     bool
	elapsed   time.Duration
	invokeErr error
}

// NewCollectingListener returns an empty collector.
func NewCollectingListener() *CollectingListener {
	return &CollectingListener{}
}

func (c *CollectingListener) InvocationStarted(b *build.Info) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = true
	c.buildInfo = b
}

func (c *CollectingListener) InvocationFailed(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invokeErr = err
}

func (c *CollectingListener) InvocationEnded(elapsed time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ended = true
	c.elapsed += elapsed
}

func (c *CollectingListener) TestLog(name, kind string, data io.Reader) {
	// Log payloads are forwarded by other listeners; collecting them here
	// would buffer unbounded streams.
}

func (c *CollectingListener) TestRunStarted(name string, testCount int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = NewTestRunResult(name, testCount)
	c.runs = append(c.runs, c.current)
}

func (c *CollectingListener) TestRunFailed(message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil {
		c.current.ReportRunFailed(message)
	}
}

func (c *CollectingListener) TestRunEnded(elapsed time.Duration, metrics map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil {
		c.current.ReportRunEnded(elapsed, metrics)
		c.current = nil
	}
}

func (c *CollectingListener) TestStarted(id TestID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		log.Warn().Str("test", id.String()).Msg("test event outside a run, dropped")
		return
	}
	c.current.ReportTestStarted(id)
}

func (c *CollectingListener) TestFailed(kind Status, id TestID, trace string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		log.Warn().Str("test", id.String()).Msg("test failure outside a run, dropped")
		return
	}
	c.current.ReportTestFailed(kind, id, trace)
}

func (c *CollectingListener) TestEnded(id TestID, metrics map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return
	}
	c.current.ReportTestEnded(id, metrics)
}

// Runs returns the collected run results in arrival order.
func (c *CollectingListener) Runs() []*TestRunResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*TestRunResult, len(c.runs))
	copy(out, c.runs)
	return out
}

// Elapsed returns the accumulated invocation elapsed time.
func (c *CollectingListener) Elapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.elapsed
}

// InvocationError returns the recorded invocation failure, if any.
func (c *CollectingListener) InvocationError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.invokeErr
}

// Replay re-emits every collected run as one contiguous block per run into
// target: run start, per-test events in insertion order, run end. The caller
// is responsible for any serialization target requires.
func (c *CollectingListener) Replay(target Listener) {
	for _, run := range c.Runs() {
		target.TestRunStarted(run.Name, run.ExpectedCount)
		for _, id := range run.OrderedIDs() {
			res := run.Result(id)
			target.TestStarted(id)
			switch res.Status {
			case StatusFailure, StatusError:
				target.TestFailed(res.Status, id, res.Trace)
				target.TestEnded(id, res.Metrics)
			case StatusPassed:
				target.TestEnded(id, res.Metrics)
			default:
				// incomplete: started but never ended
			}
		}
		if run.RunFailed {
			target.TestRunFailed(run.FailureReason)
		}
		target.TestRunEnded(run.Elapsed, run.Metrics)
	}
}
