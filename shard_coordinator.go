package devicelab

import (
	"github.com/rs/zerolog/log"

	"github.com/httprunner/DeviceLab/pkg/build"
	"github.com/httprunner/DeviceLab/pkg/result"
)

// ShardCoordinator splits a shardable test set into independent
// sub-invocations, schedules each against its own device allocation, and
// merges their result streams back into the parent's listeners through a
// ShardMaster.
type ShardCoordinator struct {
	sched Scheduler
}

// NewShardCoordinator builds a coordinator submitting shards to sched.
func NewShardCoordinator(sched Scheduler) *ShardCoordinator {
	return &ShardCoordinator{sched: sched}
}

// Shard attempts to split cfg's test units. Units that support splitting are
// replaced by their shards in the flattened work list; units that do not, or
// whose split yields nothing, pass through as a single shard of one. Returns
// false when no unit actually split or only one shard would result, in which
// case the caller proceeds locally. On true, every shard has been submitted
// and the parent's build is released: execution ownership moved to the
// shards.
func (s *ShardCoordinator) Shard(cfg *Config, b *build.Info) bool {
	if s.sched == nil || cfg.Options.ShardCount <= 1 {
		return false
	}
	var shards []TestUnit
	splitAny := false
	for _, unit := range cfg.Tests {
		parts := splitUnit(unit)
		if len(parts) == 0 {
			shards = append(shards, unit)
			continue
		}
		shards = append(shards, parts...)
		if len(parts) > 1 {
			splitAny = true
		}
	}
	if !splitAny || len(shards) <= 1 {
		return false
	}

	log.Info().Int("shards", len(shards)).Str("build", b.String()).Msg("splitting invocation into shards")
	master := result.NewShardMaster(result.NewForwarder(cfg.Listeners...), b, len(shards))
	for i, unit := range shards {
		child := cfg.deriveShard(unit, b, result.NewShardListener(master))
		if !s.sched.ScheduleConfig(child) {
			log.Warn().Int("shard", i).Msg("shard rejected by scheduler")
			master.ShardAborted()
		}
	}
	cfg.Build.CleanUp(b)
	return true
}
