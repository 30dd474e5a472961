package device

import (
	"context"
	"time"
)

// Snapshot is one device's pool-visible status, used for diagnostics and
// external recorders.
type Snapshot struct {
	Serial    string
	State     State
	Product   string
	Allocated bool
	Retired   bool
	LastSeen  time.Time
}

// AllocationRecord describes one allocation lifecycle event.
type AllocationRecord struct {
	Serial       string
	Event        string // "allocated", "freed", "retired"
	InvocationID string
	At           time.Time
}

// PoolRecorder receives best-effort pool bookkeeping for external dashboards.
// Implementations must tolerate being called from the allocator's dispatcher
// goroutine; errors are logged, never propagated.
type PoolRecorder interface {
	UpsertDevices(ctx context.Context, snapshots []Snapshot) error
	RecordAllocation(ctx context.Context, rec AllocationRecord) error
}
