package devicelab

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/httprunner/DeviceLab/pkg/build"
)

// StaticBuildProvider hands out a fixed, locally known build. OneShot makes
// the second and later fetches report no build, which turns a rescheduled
// command into a clean no-op instead of an endless re-run.
type StaticBuildProvider struct {
	Info    *build.Info
	OneShot bool

	mu     sync.Mutex
	served bool
}

func (p *StaticBuildProvider) GetBuild(ctx context.Context) (*build.Info, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.OneShot && p.served {
		return nil, nil
	}
	p.served = true
	return p.Info.Clone(), nil
}

func (p *StaticBuildProvider) CleanUp(b *build.Info) {}

func (p *StaticBuildProvider) BuildNotTested(b *build.Info) {
	p.mu.Lock()
	p.served = false
	p.mu.Unlock()
	log.Warn().Str("build", b.String()).Msg("build marked not tested")
}
