package devicelab

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/httprunner/DeviceLab/internal/config"
	"github.com/httprunner/DeviceLab/pkg/device"
)

// LocalScheduler runs accepted configurations in-process, one goroutine per
// invocation, each against its own allocation from the shared pool. Shards
// and resumed invocations land here too, so a single failed device never
// stalls the rest of the command.
type LocalScheduler struct {
	alloc           *device.Allocator
	allocateTimeout time.Duration

	group *errgroup.Group
	gctx  context.Context

	mu             sync.Mutex
	command        *Config
	reschedules    int
	maxReschedules int
}

// NewLocalScheduler builds a scheduler drawing devices from alloc. Workers
// run until ctx is cancelled or Wait returns.
func NewLocalScheduler(ctx context.Context, alloc *device.Allocator) *LocalScheduler {
	group, gctx := errgroup.WithContext(ctx)
	return &LocalScheduler{
		alloc:           alloc,
		allocateTimeout: config.Duration("DEVICELAB_ALLOCATE_TIMEOUT", 10*time.Minute),
		group:           group,
		gctx:            gctx,
		maxReschedules:  config.Int("DEVICELAB_MAX_RESCHEDULES", 3),
	}
}

// SetCommand registers the root configuration that RescheduleCommand replays.
func (s *LocalScheduler) SetCommand(cfg *Config) {
	s.mu.Lock()
	s.command = cfg
	s.mu.Unlock()
}

// ScheduleConfig accepts cfg for asynchronous execution on the next matching
// device.
func (s *LocalScheduler) ScheduleConfig(cfg *Config) bool {
	if cfg == nil {
		return false
	}
	GroupGoSafe(s.gctx, s.group, "invocation worker", func(ctx context.Context) error {
		s.runOne(ctx, cfg)
		return nil
	})
	return true
}

// RescheduleCommand replays the registered root command. The reschedule count
// is capped so a command that keeps failing cannot loop forever.
func (s *LocalScheduler) RescheduleCommand() bool {
	s.mu.Lock()
	cfg := s.command
	if cfg == nil || s.reschedules >= s.maxReschedules {
		s.mu.Unlock()
		return false
	}
	s.reschedules++
	s.mu.Unlock()
	return s.ScheduleConfig(cfg)
}

// Wait blocks until every scheduled invocation has finished.
func (s *LocalScheduler) Wait() error {
	return s.group.Wait()
}

func (s *LocalScheduler) runOne(ctx context.Context, cfg *Config) {
	dev, err := s.alloc.Allocate(ctx, s.allocateTimeout, cfg.Selector)
	if err != nil {
		log.Error().Err(err).Msg("device allocation failed, invocation dropped")
		return
	}
	inv, err := NewInvocation(cfg, s)
	if err != nil {
		log.Error().Err(err).Msg("invalid invocation configuration")
		s.alloc.Free(dev, device.FreeAvailable)
		return
	}
	runErr := inv.Run(ctx, dev)

	freeState := device.FreeAvailable
	if device.IsUnresponsive(runErr) {
		freeState = device.FreeUnresponsive
	} else if device.IsNotAvailable(runErr) {
		freeState = device.FreeUnavailable
	}
	s.alloc.Free(dev, freeState)

	if runErr != nil {
		log.Error().Err(runErr).
			Str("invocation", inv.Context().ID).
			Str("serial", dev.Serial()).
			Msg("invocation failed")
		return
	}
	log.Info().
		Str("invocation", inv.Context().ID).
		Str("serial", dev.Serial()).
		Dur("elapsed", inv.Context().Elapsed()).
		Msg("invocation finished")
}
