package result

import (
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/httprunner/DeviceLab/pkg/build"
)

// ShardMaster owns the single downstream listener shared by all shards of one
// invocation. It emits exactly one invocationStarted (immediately, with the
// pre-split build) and exactly one invocationEnded (when the last shard
// finishes, summing every shard's elapsed time). The mutex makes the lock
// discipline structural: all shard traffic reaches the target through this
// object, so a target that is not itself thread-safe never sees interleaved
// run blocks.
type ShardMaster struct {
	mu        sync.Mutex
	target    Listener
	expected  int
	completed int
	total     time.Duration
}

// NewShardMaster wraps target for a ShardSet of shardCount shards and
// reports the invocation start immediately.
func NewShardMaster(target Listener, b *build.Info, shardCount int) *ShardMaster {
	m := &ShardMaster{target: target, expected: shardCount}
	target.InvocationStarted(b)
	return m
}

// logDirect forwards a shard's log stream immediately; logs are not
// order-dependent and are never buffered with test results.
func (m *ShardMaster) logDirect(name, kind string, data io.Reader) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.target.TestLog(name, kind, data)
}

func (m *ShardMaster) invocationFailed(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.target.InvocationFailed(err)
}

// shardFinished replays the shard's buffered results as contiguous run blocks
// and, when it is the last shard, emits the single merged invocationEnded.
func (m *ShardMaster) shardFinished(elapsed time.Duration, buffered *CollectingListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if buffered != nil {
		buffered.Replay(m.target)
	}
	m.total += elapsed
	m.completed++
	if m.completed == m.expected {
		m.target.InvocationEnded(m.total)
	} else if m.completed > m.expected {
		log.Error().Int("completed", m.completed).Int("expected", m.expected).
			Msg("shard completion count exceeded shard set size")
	}
}

// ShardAborted accounts for a shard that was never scheduled, so the merged
// invocationEnded still fires exactly once.
func (m *ShardMaster) ShardAborted() {
	m.shardFinished(0, nil)
}

// ShardListener is the per-shard listener handed to one shard's invocation.
// It buffers the shard's results locally and forwards them to the shared
// target only once the shard's own invocation completes, so a consumer sees
// one shard's run fully before another shard's run starts.
type ShardListener struct {
	CollectingListener
	master *ShardMaster
}

// NewShardListener returns the buffering listener for one shard.
func NewShardListener(master *ShardMaster) *ShardListener {
	return &ShardListener{master: master}
}

// InvocationStarted is swallowed: the master already reported the start for
// the whole shard set.
func (s *ShardListener) InvocationStarted(b *build.Info) {
	s.CollectingListener.InvocationStarted(b)
}

// TestLog bypasses the buffer and reaches the shared target immediately.
func (s *ShardListener) TestLog(name, kind string, data io.Reader) {
	s.master.logDirect(name, kind, data)
}

// InvocationFailed is forwarded immediately so a shard failure is visible
// before the set completes.
func (s *ShardListener) InvocationFailed(err error) {
	s.CollectingListener.InvocationFailed(err)
	s.master.invocationFailed(err)
}

// InvocationEnded flushes this shard's buffered runs to the shared target and
// contributes its elapsed time to the merged total.
func (s *ShardListener) InvocationEnded(elapsed time.Duration) {
	s.CollectingListener.InvocationEnded(elapsed)
	s.master.shardFinished(elapsed, &s.CollectingListener)
}
