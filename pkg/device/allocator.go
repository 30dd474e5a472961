package device

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/httprunner/DeviceLab/internal/config"
)

var (
	// ErrNotStarted is returned when Allocate is called before Start. This is
	// a programming error on the caller's side, not a retryable condition.
	ErrNotStarted = errors.New("allocator not started")
	// ErrAllocateTimeout is returned when no matching device became available
	// within the allocation deadline.
	ErrAllocateTimeout = errors.New("no matching device available before timeout")
	// ErrStopped is returned to callers still blocked in Allocate when the
	// allocator shuts down.
	ErrStopped = errors.New("allocator stopped")
)

// FreeState is the caller's verdict when returning a device to the pool.
type FreeState string

const (
	// FreeAvailable returns the device to the free queue immediately.
	FreeAvailable FreeState = "available"
	// FreeUnavailable drops the device from circulation permanently. Its
	// identity record is retained for diagnostics.
	FreeUnavailable FreeState = "unavailable"
	// FreeUnresponsive drops the device from circulation and marks its last
	// state unresponsive.
	FreeUnresponsive FreeState = "unresponsive"
)

// AllocatorConfig controls pool admission and event dispatch.
type AllocatorConfig struct {
	// GlobalAllow, when non-empty, restricts which discovered serials ever
	// enter the pool. GlobalDeny always excludes.
	GlobalAllow []string
	GlobalDeny  []string
	// EventQueueSize bounds the connect/disconnect queue between the
	// transport callback and the dispatcher. Defaults to 256.
	EventQueueSize int
	// Recorder optionally receives pool snapshots and allocation events.
	Recorder PoolRecorder
}

// DefaultAllocatorConfig reads tunables from the environment.
func DefaultAllocatorConfig() AllocatorConfig {
	return AllocatorConfig{
		GlobalAllow:    allowlistFromEnv(),
		GlobalDeny:     denylistFromEnv(),
		EventQueueSize: config.Int("DEVICELAB_EVENT_QUEUE_SIZE", 256),
	}
}

type eventKind int

const (
	evConnected eventKind = iota
	evDisconnected
	evStateChanged
)

type poolEvent struct {
	kind   eventKind
	handle Handle
	serial string
	state  State
}

type waiter struct {
	sel *Selector
	ch  chan *Device
}

// Allocator owns the set of known devices, hands them out to blocking
// allocation requests, and ingests transport events without ever stalling the
// transport's delivery thread.
type Allocator struct {
	cfg AllocatorConfig

	mu       sync.Mutex
	devices  map[string]*Device
	free     []string
	waiters  []*waiter
	lastSeen map[string]time.Time
	started  bool

	events   chan poolEvent
	cancel   context.CancelFunc
	done     chan struct{}
	stopping chan struct{}
}

// NewAllocator builds an allocator; Start must be called before Allocate.
func NewAllocator(cfg AllocatorConfig) *Allocator {
	if cfg.EventQueueSize <= 0 {
		cfg.EventQueueSize = 256
	}
	return &Allocator{
		cfg:      cfg,
		devices:  make(map[string]*Device),
		lastSeen: make(map[string]time.Time),
		events:   make(chan poolEvent, cfg.EventQueueSize),
		stopping: make(chan struct{}),
	}
}

// Start launches the event dispatcher. It is an error to call twice.
func (a *Allocator) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return errors.New("allocator already started")
	}
	a.started = true
	a.mu.Unlock()

	dctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})
	go a.dispatchLoop(dctx)
	log.Info().Msg("device allocator started")
	return nil
}

// Stop terminates the dispatcher and drops all devices from the pool. Callers
// still blocked in Allocate fail promptly with ErrStopped instead of waiting
// out their individual deadlines.
func (a *Allocator) Stop() {
	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return
	}
	a.started = false
	close(a.stopping)
	a.mu.Unlock()
	if a.cancel != nil {
		a.cancel()
		<-a.done
	}
	log.Info().Msg("device allocator stopped")
}

// Allocate blocks until a device matching sel becomes available or the
// timeout elapses. A timeout of zero or less waits indefinitely; the caller
// opts into that explicitly. Matching devices are delivered in arrival order.
func (a *Allocator) Allocate(ctx context.Context, timeout time.Duration, sel *Selector) (*Device, error) {
	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return nil, ErrNotStarted
	}
	for i, serial := range a.free {
		d := a.devices[serial]
		if d == nil || !sel.Matches(d.Info()) {
			continue
		}
		a.free = append(a.free[:i], a.free[i+1:]...)
		d.setAllocated(true)
		a.mu.Unlock()
		a.recordAllocation(ctx, d, "allocated")
		log.Debug().Str("serial", d.Serial()).Msg("device allocated")
		return d, nil
	}
	w := &waiter{sel: sel, ch: make(chan *Device, 1)}
	a.waiters = append(a.waiters, w)
	a.mu.Unlock()

	var timerCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timerCh = timer.C
	}
	select {
	case d := <-w.ch:
		a.recordAllocation(ctx, d, "allocated")
		log.Debug().Str("serial", d.Serial()).Msg("device allocated")
		return d, nil
	case <-timerCh:
		return a.abandonWait(w, ErrAllocateTimeout)
	case <-a.stopping:
		return a.abandonWait(w, ErrStopped)
	case <-ctx.Done():
		return a.abandonWait(w, ctx.Err())
	}
}

// abandonWait removes the waiter, winning or losing the race against a
// concurrent delivery. A device delivered just before removal is returned to
// the caller instead of being lost.
func (a *Allocator) abandonWait(w *waiter, cause error) (*Device, error) {
	a.mu.Lock()
	for i, cand := range a.waiters {
		if cand == w {
			a.waiters = append(a.waiters[:i], a.waiters[i+1:]...)
			break
		}
	}
	a.mu.Unlock()
	select {
	case d := <-w.ch:
		return d, nil
	default:
		return nil, cause
	}
}

// Free returns a device to the pool or retires it, per the caller's verdict.
func (a *Allocator) Free(d *Device, state FreeState) {
	if d == nil {
		return
	}
	a.mu.Lock()
	if _, known := a.devices[d.Serial()]; !known {
		a.mu.Unlock()
		log.Warn().Str("serial", d.Serial()).Msg("free of unknown device ignored")
		return
	}
	d.setAllocated(false)
	event := "freed"
	switch state {
	case FreeAvailable:
		if d.Monitor().State() == StateOnline {
			a.offerLocked(d)
		}
	case FreeUnresponsive:
		d.setRetired(true)
		d.Monitor().SetState(StateUnresponsive)
		event = "retired"
	default:
		d.setRetired(true)
		d.Monitor().SetState(StateNotAvailable)
		event = "retired"
	}
	a.mu.Unlock()
	a.recordAllocation(context.Background(), d, event)
	log.Debug().Str("serial", d.Serial()).Str("state", string(state)).Msg("device freed")
}

// offerLocked hands the device to the first matching waiter or appends it to
// the free queue. Caller holds a.mu.
func (a *Allocator) offerLocked(d *Device) {
	if d.isRetired() {
		return
	}
	for i, w := range a.waiters {
		if w.sel.Matches(d.Info()) {
			a.waiters = append(a.waiters[:i], a.waiters[i+1:]...)
			d.setAllocated(true)
			w.ch <- d
			return
		}
	}
	for _, serial := range a.free {
		if serial == d.Serial() {
			return
		}
	}
	a.free = append(a.free, d.Serial())
}

func (a *Allocator) removeFromFreeLocked(serial string) {
	for i, s := range a.free {
		if s == serial {
			a.free = append(a.free[:i], a.free[i+1:]...)
			return
		}
	}
}

// OnConnected ingests a transport connect event. Never blocks the caller.
func (a *Allocator) OnConnected(h Handle) {
	a.enqueue(poolEvent{kind: evConnected, handle: h, serial: h.Serial()})
}

// OnDisconnected ingests a transport disconnect event. Never blocks the
// caller.
func (a *Allocator) OnDisconnected(h Handle) {
	a.enqueue(poolEvent{kind: evDisconnected, serial: h.Serial()})
}

// OnStateChanged ingests a transport state transition. Never blocks the
// caller.
func (a *Allocator) OnStateChanged(h Handle, s State) {
	a.enqueue(poolEvent{kind: evStateChanged, serial: h.Serial(), state: s})
}

func (a *Allocator) enqueue(ev poolEvent) {
	select {
	case a.events <- ev:
	default:
		log.Error().Str("serial", ev.serial).Msg("device event queue full, event dropped")
	}
}

// dispatchLoop drains the event queue on its own goroutine so slow handlers
// and recorder I/O never delay the transport's next delivery. A panicking
// handler is logged and the loop keeps running.
func (a *Allocator) dispatchLoop(ctx context.Context) {
	defer close(a.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-a.events:
			a.handleEventSafe(ctx, ev)
		}
	}
}

func (a *Allocator) handleEventSafe(ctx context.Context, ev poolEvent) {
	defer func() {
		if r := recover(); r != nil {
			// The logger itself could be the panic source; stderr is the
			// safe fallback. Mirrors the supervised-goroutine handling used
			// for scheduler workers.
			fmt.Fprintf(os.Stderr, "WARN: device event handler panicked: %v\n%s\n", r, debug.Stack())
		}
	}()
	a.handleEvent(ctx, ev)
}

func (a *Allocator) handleEvent(ctx context.Context, ev poolEvent) {
	switch ev.kind {
	case evConnected:
		a.handleConnected(ctx, ev.handle)
	case evDisconnected:
		a.handleDisconnected(ev.serial)
	case evStateChanged:
		a.handleStateChanged(ev.serial, ev.state)
	}
}

func (a *Allocator) admits(serial string) bool {
	for _, deny := range a.cfg.GlobalDeny {
		if deny == serial {
			return false
		}
	}
	if len(a.cfg.GlobalAllow) == 0 {
		return true
	}
	for _, allow := range a.cfg.GlobalAllow {
		if allow == serial {
			return true
		}
	}
	return false
}

func (a *Allocator) handleConnected(ctx context.Context, h Handle) {
	serial := h.Serial()
	if !a.admits(serial) {
		log.Debug().Str("serial", serial).Msg("device excluded by global filter")
		return
	}
	a.mu.Lock()
	d, known := a.devices[serial]
	if known {
		d.SetHandle(h)
		d.Monitor().ApplyTransportState(StateOnline)
		if !d.isAllocated() {
			a.offerLocked(d)
		}
	} else {
		d = newDevice(h)
		d.Monitor().ApplyTransportState(StateOnline)
		a.devices[serial] = d
		a.offerLocked(d)
		log.Info().Str("serial", serial).Msg("device connected")
	}
	a.lastSeen[serial] = time.Now()
	a.mu.Unlock()
	a.recordSnapshot(ctx)
}

// handleDisconnected marks the device unreachable. Disconnect is a state
// transition, not removal: the identity stays in the pool so a reconnect
// restores it, and an allocated device is never silently reassigned: the
// holder's next command drives recovery or failure.
func (a *Allocator) handleDisconnected(serial string) {
	a.mu.Lock()
	d := a.devices[serial]
	if d == nil {
		a.mu.Unlock()
		return
	}
	d.Monitor().ApplyTransportState(StateNotAvailable)
	if !d.isAllocated() {
		a.removeFromFreeLocked(serial)
	}
	a.mu.Unlock()
	log.Info().Str("serial", serial).Msg("device disconnected")
}

func (a *Allocator) handleStateChanged(serial string, s State) {
	a.mu.Lock()
	d := a.devices[serial]
	if d == nil {
		a.mu.Unlock()
		return
	}
	applied := d.Monitor().ApplyTransportState(s)
	if applied && !d.isAllocated() {
		if s == StateOnline {
			a.offerLocked(d)
		} else {
			a.removeFromFreeLocked(serial)
		}
	}
	a.lastSeen[serial] = time.Now()
	a.mu.Unlock()
}

// Snapshot returns the pool-visible status of every known device.
func (a *Allocator) Snapshot() []Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Snapshot, 0, len(a.devices))
	for serial, d := range a.devices {
		out = append(out, Snapshot{
			Serial:    serial,
			State:     d.Monitor().State(),
			Product:   d.Info().Product,
			Allocated: d.isAllocated(),
			Retired:   d.isRetired(),
			LastSeen:  a.lastSeen[serial],
		})
	}
	return out
}

func (a *Allocator) recordSnapshot(ctx context.Context) {
	if a.cfg.Recorder == nil {
		return
	}
	if err := a.cfg.Recorder.UpsertDevices(ctx, a.Snapshot()); err != nil {
		log.Error().Err(err).Msg("pool recorder upsert failed")
	}
}

func (a *Allocator) recordAllocation(ctx context.Context, d *Device, event string) {
	if a.cfg.Recorder == nil {
		return
	}
	rec := AllocationRecord{Serial: d.Serial(), Event: event, At: time.Now()}
	if err := a.cfg.Recorder.RecordAllocation(ctx, rec); err != nil {
		log.Error().Err(err).Str("serial", d.Serial()).Msg("pool recorder allocation event failed")
	}
}
