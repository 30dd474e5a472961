package result

import "time"

// TestRunResult is an ordered collection of test outcomes for one named run.
// Counts are recomputed lazily and cached; recomputation is idempotent over
// the current result set.
type TestRunResult struct {
	Name          string
	ExpectedCount int
	Metrics       map[string]string
	Elapsed       time.Duration
	Completed     bool
	RunFailed     bool
	FailureReason string

	order   []TestID
	results map[TestID]*TestResult

	counts      map[Status]int
	countsStale bool
}

// NewTestRunResult starts an empty result set for a named run.
func NewTestRunResult(name string, expectedCount int) *TestRunResult {
	return &TestRunResult{
		Name:          name,
		ExpectedCount: expectedCount,
		results:       make(map[TestID]*TestResult),
	}
}

func (r *TestRunResult) ensure(id TestID) *TestResult {
	if res, ok := r.results[id]; ok {
		return res
	}
	res := &TestResult{Status: StatusIncomplete}
	r.results[id] = res
	r.order = append(r.order, id)
	return res
}

// ReportTestStarted records the start of one test case.
func (r *TestRunResult) ReportTestStarted(id TestID) {
	r.ensure(id)
	r.countsStale = true
}

// ReportTestFailed records a failure or error for one test case.
func (r *TestRunResult) ReportTestFailed(kind Status, id TestID, trace string) {
	res := r.ensure(id)
	res.Status = kind
	res.Trace = trace
	r.countsStale = true
}

// ReportTestEnded marks a test complete. A previously recorded failure or
// error is terminal: it is never overwritten by the completion event.
func (r *TestRunResult) ReportTestEnded(id TestID, metrics map[string]string) {
	res := r.ensure(id)
	if res.Status != StatusFailure && res.Status != StatusError {
		res.Status = StatusPassed
	}
	if len(metrics) > 0 {
		if res.Metrics == nil {
			res.Metrics = make(map[string]string, len(metrics))
		}
		for k, v := range metrics {
			res.Metrics[k] = v
		}
	}
	r.countsStale = true
}

// ReportRunFailed flags the whole run as failed.
func (r *TestRunResult) ReportRunFailed(message string) {
	r.RunFailed = true
	r.FailureReason = message
}

// ReportRunEnded marks the run complete and merges run-level metrics.
func (r *TestRunResult) ReportRunEnded(elapsed time.Duration, metrics map[string]string) {
	r.Elapsed += elapsed
	r.Completed = true
	if len(metrics) > 0 {
		if r.Metrics == nil {
			r.Metrics = make(map[string]string, len(metrics))
		}
		for k, v := range metrics {
			r.Metrics[k] = v
		}
	}
}

// OrderedIDs returns test identifiers in insertion order.
func (r *TestRunResult) OrderedIDs() []TestID {
	out := make([]TestID, len(r.order))
	copy(out, r.order)
	return out
}

// Result returns the recorded outcome for id, or nil.
func (r *TestRunResult) Result(id TestID) *TestResult {
	return r.results[id]
}

// Counts returns the number of tests per status, recomputing only when the
// result set changed since the last call.
func (r *TestRunResult) Counts() map[Status]int {
	if r.counts == nil || r.countsStale {
		counts := make(map[Status]int, 4)
		for _, res := range r.results {
			counts[res.Status]++
		}
		r.counts = counts
		r.countsStale = false
	}
	return r.counts
}

// NumTests returns the number of distinct test cases seen.
func (r *TestRunResult) NumTests() int { return len(r.results) }

// NumFailed returns the number of tests in FAILURE or ERROR state.
func (r *TestRunResult) NumFailed() int {
	counts := r.Counts()
	return counts[StatusFailure] + counts[StatusError]
}
