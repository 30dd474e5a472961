package device

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

type stubHandle struct {
	serial string
	info   Info

	mu        sync.Mutex
	liveFn    func() bool
	shellFn   func(ctx context.Context, command string) (string, error)
	fastFn    func(ctx context.Context, args ...string) (string, error)
	reconnect func(ctx context.Context) error
}

func newStubHandle(serial string) *stubHandle {
	return &stubHandle{serial: serial, info: Info{Serial: serial}}
}

func (h *stubHandle) Serial() string { return h.serial }

func (h *stubHandle) IsLive() bool {
	h.mu.Lock()
	fn := h.liveFn
	h.mu.Unlock()
	if fn == nil {
		return true
	}
	return fn()
}

func (h *stubHandle) Info() Info { return h.info }

func (h *stubHandle) ExecuteShell(ctx context.Context, command string) (string, error) {
	h.mu.Lock()
	fn := h.shellFn
	h.mu.Unlock()
	if fn == nil {
		return "", nil
	}
	return fn(ctx, command)
}

func (h *stubHandle) ExecuteFastboot(ctx context.Context, args ...string) (string, error) {
	h.mu.Lock()
	fn := h.fastFn
	h.mu.Unlock()
	if fn == nil {
		return "", nil
	}
	return fn(ctx, args...)
}

func (h *stubHandle) Reconnect(ctx context.Context) error {
	h.mu.Lock()
	fn := h.reconnect
	h.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(ctx)
}

type fakeRecorder struct {
	mu      sync.Mutex
	upserts int
	events  []AllocationRecord
}

func (r *fakeRecorder) UpsertDevices(ctx context.Context, snaps []Snapshot) error {
	r.mu.Lock()
	r.upserts++
	r.mu.Unlock()
	return nil
}

func (r *fakeRecorder) RecordAllocation(ctx context.Context, rec AllocationRecord) error {
	r.mu.Lock()
	r.events = append(r.events, rec)
	r.mu.Unlock()
	return nil
}

func (r *fakeRecorder) eventNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Event)
	}
	return out
}

func startAllocator(t *testing.T, cfg AllocatorConfig) *Allocator {
	t.Helper()
	a := NewAllocator(cfg)
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(a.Stop)
	return a
}

func TestAllocateBeforeStart(t *testing.T) {
	a := NewAllocator(AllocatorConfig{})
	if _, err := a.Allocate(context.Background(), time.Second, nil); err != ErrNotStarted {
		t.Fatalf("Allocate before Start = %v, want ErrNotStarted", err)
	}
}

func TestAllocateDeliversConnectedDevice(t *testing.T) {
	a := startAllocator(t, AllocatorConfig{})
	a.OnConnected(newStubHandle("dev-1"))
	d, err := a.Allocate(context.Background(), 2*time.Second, nil)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if d.Serial() != "dev-1" {
		t.Fatalf("serial = %s, want dev-1", d.Serial())
	}
	if !d.isAllocated() {
		t.Fatalf("allocated device not marked allocated")
	}
}

func TestAllocateArrivalOrder(t *testing.T) {
	a := startAllocator(t, AllocatorConfig{})
	a.OnConnected(newStubHandle("dev-1"))
	a.OnConnected(newStubHandle("dev-2"))
	a.OnConnected(newStubHandle("dev-3"))

	want := []string{"dev-1", "dev-2", "dev-3"}
	for _, serial := range want {
		d, err := a.Allocate(context.Background(), 2*time.Second, nil)
		if err != nil {
			t.Fatalf("Allocate: %v", err)
		}
		if d.Serial() != serial {
			t.Fatalf("allocated %s, want %s", d.Serial(), serial)
		}
	}
}

func TestAllocateTimeout(t *testing.T) {
	a := startAllocator(t, AllocatorConfig{})
	if _, err := a.Allocate(context.Background(), 30*time.Millisecond, nil); err != ErrAllocateTimeout {
		t.Fatalf("Allocate on empty pool = %v, want ErrAllocateTimeout", err)
	}
}

func TestAllocateHonorsSelector(t *testing.T) {
	a := startAllocator(t, AllocatorConfig{})
	hA := newStubHandle("dev-1")
	hA.info.Product = "walleye"
	hB := newStubHandle("dev-2")
	hB.info.Product = "taimen"
	a.OnConnected(hA)
	a.OnConnected(hB)

	d, err := a.Allocate(context.Background(), 2*time.Second, &Selector{Products: []string{"taimen"}})
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if d.Serial() != "dev-2" {
		t.Fatalf("allocated %s, want dev-2", d.Serial())
	}
}

func TestFreeReturnsDeviceToWaiter(t *testing.T) {
	a := startAllocator(t, AllocatorConfig{})
	a.OnConnected(newStubHandle("dev-1"))
	d, err := a.Allocate(context.Background(), 2*time.Second, nil)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	got := make(chan *Device, 1)
	errCh := make(chan error, 1)
	go func() {
		next, aerr := a.Allocate(context.Background(), 2*time.Second, nil)
		if aerr != nil {
			errCh <- aerr
			return
		}
		got <- next
	}()
	// Give the second request time to register as a waiter.
	time.Sleep(20 * time.Millisecond)
	a.Free(d, FreeAvailable)

	select {
	case next := <-got:
		if next.Serial() != "dev-1" {
			t.Fatalf("waiter got %s, want dev-1", next.Serial())
		}
	case aerr := <-errCh:
		t.Fatalf("waiter Allocate: %v", aerr)
	case <-time.After(2 * time.Second):
		t.Fatalf("freed device never reached the waiter")
	}
}

func TestFreeUnresponsiveRetiresDevice(t *testing.T) {
	a := startAllocator(t, AllocatorConfig{})
	a.OnConnected(newStubHandle("dev-1"))
	d, err := a.Allocate(context.Background(), 2*time.Second, nil)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	a.Free(d, FreeUnresponsive)

	if !d.isRetired() {
		t.Fatalf("device not retired")
	}
	if got := d.Monitor().State(); got != StateUnresponsive {
		t.Fatalf("state = %s, want %s", got, StateUnresponsive)
	}
	// Even a fresh connect event must not put a retired device back in
	// circulation.
	a.OnConnected(newStubHandle("dev-1"))
	if _, err := a.Allocate(context.Background(), 50*time.Millisecond, nil); err != ErrAllocateTimeout {
		t.Fatalf("retired device was reallocated, err = %v", err)
	}
}

func TestDisconnectWhileAllocatedKeepsOwnership(t *testing.T) {
	a := startAllocator(t, AllocatorConfig{})
	h := newStubHandle("dev-1")
	a.OnConnected(h)
	d, err := a.Allocate(context.Background(), 2*time.Second, nil)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	a.OnDisconnected(h)
	if !d.Monitor().WaitForState(context.Background(), StateNotAvailable, 2*time.Second) {
		t.Fatalf("disconnect did not reach the monitor")
	}
	if !d.isAllocated() {
		t.Fatalf("disconnect revoked the allocation")
	}
	if _, err := a.Allocate(context.Background(), 50*time.Millisecond, nil); err != ErrAllocateTimeout {
		t.Fatalf("disconnected device was reassigned, err = %v", err)
	}
}

func TestStateChangeParksOfflineDevice(t *testing.T) {
	a := startAllocator(t, AllocatorConfig{})
	h := newStubHandle("dev-1")
	a.OnConnected(h)
	a.OnStateChanged(h, StateOffline)

	d := waitForDevice(t, a, "dev-1")
	if !d.Monitor().WaitForState(context.Background(), StateOffline, 2*time.Second) {
		t.Fatalf("state change did not reach the monitor")
	}
	if _, err := a.Allocate(context.Background(), 50*time.Millisecond, nil); err != ErrAllocateTimeout {
		t.Fatalf("offline device was allocated, err = %v", err)
	}

	a.OnStateChanged(h, StateOnline)
	if _, err := a.Allocate(context.Background(), 2*time.Second, nil); err != nil {
		t.Fatalf("device back online was not allocatable: %v", err)
	}
}

func TestGlobalDenyExcludesDevice(t *testing.T) {
	a := startAllocator(t, AllocatorConfig{GlobalDeny: []string{"dev-1"}})
	a.OnConnected(newStubHandle("dev-1"))
	if _, err := a.Allocate(context.Background(), 50*time.Millisecond, nil); err != ErrAllocateTimeout {
		t.Fatalf("denied device entered the pool, err = %v", err)
	}
}

func TestGlobalAllowRestrictsPool(t *testing.T) {
	a := startAllocator(t, AllocatorConfig{GlobalAllow: []string{"dev-2"}})
	a.OnConnected(newStubHandle("dev-1"))
	a.OnConnected(newStubHandle("dev-2"))
	d, err := a.Allocate(context.Background(), 2*time.Second, nil)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if d.Serial() != "dev-2" {
		t.Fatalf("allocated %s, want dev-2", d.Serial())
	}
}

func TestRecorderSeesAllocationLifecycle(t *testing.T) {
	rec := &fakeRecorder{}
	a := startAllocator(t, AllocatorConfig{Recorder: rec})
	a.OnConnected(newStubHandle("dev-1"))
	d, err := a.Allocate(context.Background(), 2*time.Second, nil)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	a.Free(d, FreeAvailable)
	a.OnConnected(newStubHandle("dev-1"))

	deadline := time.Now().Add(2 * time.Second)
	for {
		names := rec.eventNames()
		if len(names) >= 2 {
			if names[0] != "allocated" || names[1] != "freed" {
				t.Fatalf("events = %v, want [allocated freed]", names)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("recorder never saw the allocation events, got %v", names)
		}
		time.Sleep(10 * time.Millisecond)
	}
	for {
		rec.mu.Lock()
		upserts := rec.upserts
		rec.mu.Unlock()
		if upserts > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("recorder never received a pool snapshot")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSnapshotReflectsPool(t *testing.T) {
	a := startAllocator(t, AllocatorConfig{})
	a.OnConnected(newStubHandle("dev-1"))
	d, err := a.Allocate(context.Background(), 2*time.Second, nil)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	snaps := a.Snapshot()
	if len(snaps) != 1 {
		t.Fatalf("snapshot count = %d, want 1", len(snaps))
	}
	s := snaps[0]
	if s.Serial != "dev-1" || !s.Allocated || s.Retired {
		t.Fatalf("snapshot = %+v", s)
	}
	_ = d
}

func waitForDevice(t *testing.T, a *Allocator, serial string) *Device {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		a.mu.Lock()
		d := a.devices[serial]
		a.mu.Unlock()
		if d != nil {
			return d
		}
		if time.Now().After(deadline) {
			t.Fatalf("device %s never entered the pool", serial)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestConcurrentAllocateNeverDoubleIssues(t *testing.T) {
	a := startAllocator(t, AllocatorConfig{})
	const pool = 3
	for i := 0; i < pool; i++ {
		a.OnConnected(newStubHandle(fmt.Sprintf("dev-%d", i)))
	}
	for i := 0; i < pool; i++ {
		waitForDevice(t, a, fmt.Sprintf("dev-%d", i))
	}

	var heldMu sync.Mutex
	held := make(map[string]bool)
	errCh := make(chan error, 8)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				d, err := a.Allocate(context.Background(), 5*time.Second, nil)
				if err != nil {
					errCh <- err
					return
				}
				heldMu.Lock()
				if held[d.Serial()] {
					heldMu.Unlock()
					errCh <- fmt.Errorf("device %s handed to two holders", d.Serial())
					return
				}
				held[d.Serial()] = true
				heldMu.Unlock()
				time.Sleep(time.Millisecond)
				heldMu.Lock()
				held[d.Serial()] = false
				heldMu.Unlock()
				a.Free(d, FreeAvailable)
			}
		}()
	}
	wg.Wait()
	close(errCh)
	if err := <-errCh; err != nil {
		t.Fatalf("concurrent allocate: %v", err)
	}
}

func TestStopFailsBlockedWaiters(t *testing.T) {
	a := startAllocator(t, AllocatorConfig{})
	res := make(chan error, 1)
	go func() {
		_, err := a.Allocate(context.Background(), 10*time.Second, nil)
		res <- err
	}()
	time.Sleep(20 * time.Millisecond)
	a.Stop()
	select {
	case err := <-res:
		if err != ErrStopped {
			t.Fatalf("Allocate after Stop = %v, want ErrStopped", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("waiter still blocked after Stop")
	}
}
