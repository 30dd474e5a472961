package devicelab

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// InvocationContext is the mutable record of one orchestrated run: the build
// under test, the device in use, the elapsed-time accumulator, and a
// human-readable status used for diagnostics only, never control flow. It is
// mutated only by the invocation that owns it.
type InvocationContext struct {
	ID string

	mu      sync.Mutex
	buildID string
	serial  string
	elapsed time.Duration
	status  string
}

// NewInvocationContext mints a context with a fresh invocation id.
func NewInvocationContext() *InvocationContext {
	return &InvocationContext{ID: uuid.NewString(), status: "created"}
}

// SetStatus updates the diagnostic status string.
func (c *InvocationContext) SetStatus(status string) {
	c.mu.Lock()
	c.status = status
	c.mu.Unlock()
	log.Debug().Str("invocation", c.ID).Str("status", status).Msg("invocation status")
}

// Status returns the current diagnostic status.
func (c *InvocationContext) Status() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// SetBuild records the build under test.
func (c *InvocationContext) SetBuild(id string) {
	c.mu.Lock()
	c.buildID = id
	c.mu.Unlock()
}

// SetSerial records the device serial in use.
func (c *InvocationContext) SetSerial(serial string) {
	c.mu.Lock()
	c.serial = serial
	c.mu.Unlock()
}

// AddElapsed accumulates execution time across the original and any resumed
// run.
func (c *InvocationContext) AddElapsed(d time.Duration) {
	c.mu.Lock()
	c.elapsed += d
	c.mu.Unlock()
}

// Elapsed returns the accumulated execution time.
func (c *InvocationContext) Elapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.elapsed
}

// Summary renders a one-line diagnostic description.
func (c *InvocationContext) Summary() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fmt.Sprintf("invocation %s build=%s device=%s status=%s elapsed=%s",
		c.ID, c.buildID, c.serial, c.status, c.elapsed)
}
