package devicelab

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/httprunner/DeviceLab/pkg/build"
	"github.com/httprunner/DeviceLab/pkg/device"
	"github.com/httprunner/DeviceLab/pkg/result"
)

// Options carries per-invocation behavior switches. Flags that used to be
// process-wide state live here so concurrent invocations cannot corrupt each
// other's decisions.
type Options struct {
	// ShardCount requests splitting shardable test units across up to this
	// many devices. Zero or one runs everything locally.
	ShardCount int
	// LoopMode re-runs the command continuously; loop commands never trigger
	// the retriable reschedule path.
	LoopMode bool

	// resumed marks a configuration derived for a resume; the duplicate
	// invocationStarted is suppressed downstream.
	resumed bool
	// shard marks a configuration derived for one shard; shards never
	// re-split.
	shard bool
}

// Config is everything one invocation needs: the collaborators, the device
// selection constraints, and the retry policy.
type Config struct {
	Build     BuildProvider
	Preparers []TargetPreparer
	Tests     []TestUnit
	Listeners []result.Listener
	Selector  *device.Selector
	Recovery  device.RecoveryHandler
	Exec      device.ExecutorConfig
	Options   Options
}

func (c *Config) validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.Build == nil {
		return errors.New("config: build provider is required")
	}
	if len(c.Tests) == 0 {
		return errors.New("config: at least one test unit is required")
	}
	return nil
}

// deriveShard clones the parent configuration for one shard: the test unit
// and build wrapper vary, the preparers and recovery policy are shared by
// reference.
func (c *Config) deriveShard(unit TestUnit, b *build.Info, lst result.Listener) *Config {
	return &Config{
		Build:     NewExistingBuildProvider(b, nil),
		Preparers: c.Preparers,
		Tests:     []TestUnit{unit},
		Listeners: []result.Listener{lst},
		Selector:  c.Selector,
		Recovery:  c.Recovery,
		Exec:      c.Exec,
		Options:   Options{shard: true, LoopMode: c.Options.LoopMode},
	}
}

// deriveResume clones the configuration for a resumed invocation: the same
// already-fetched build is reused (not re-fetched) and the listeners are
// wrapped so the duplicate start is suppressed and elapsed time accumulates.
func (c *Config) deriveResume(b *build.Info, prior time.Duration) *Config {
	wrapped := result.NewResumeForwarder(result.NewForwarder(c.Listeners...), prior)
	opts := c.Options
	opts.resumed = true
	return &Config{
		Build:     NewExistingBuildProvider(b, c.Build),
		Preparers: c.Preparers,
		Tests:     c.Tests,
		Listeners: []result.Listener{wrapped},
		Selector:  c.Selector,
		Recovery:  c.Recovery,
		Exec:      c.Exec,
		Options:   opts,
	}
}

// ExistingBuildProvider hands out a build that was already fetched, so shards
// and resumed invocations never re-download. CleanUp delegates to the
// original provider when one is given; shard copies pass nil because the
// parent retains release ownership.
type ExistingBuildProvider struct {
	info     *build.Info
	delegate BuildProvider
}

// NewExistingBuildProvider wraps an already-fetched build.
func NewExistingBuildProvider(b *build.Info, delegate BuildProvider) *ExistingBuildProvider {
	return &ExistingBuildProvider{info: b, delegate: delegate}
}

func (p *ExistingBuildProvider) GetBuild(ctx context.Context) (*build.Info, error) {
	return p.info, nil
}

func (p *ExistingBuildProvider) CleanUp(b *build.Info) {
	if p.delegate != nil {
		p.delegate.CleanUp(b)
	}
}

func (p *ExistingBuildProvider) BuildNotTested(b *build.Info) {
	if p.delegate != nil {
		p.delegate.BuildNotTested(b)
		return
	}
	log.Warn().Str("build", b.String()).Msg("build marked not tested")
}
