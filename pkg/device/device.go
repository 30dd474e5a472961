// Package device tracks the pool of attached devices, their reachability
// state, and recovery-aware command execution against a single device.
package device

import (
	"context"
	"sync"
)

// State is the reachability classification of one device.
type State string

const (
	// StateNotAvailable marks a device that the transport no longer reports.
	StateNotAvailable State = "not_available"
	// StateOnline marks a device that accepts shell commands.
	StateOnline State = "online"
	// StateOffline marks a device enumerated by the transport but not yet
	// accepting commands (booting, unauthorized).
	StateOffline State = "offline"
	// StateFastboot marks a device sitting in bootloader mode.
	StateFastboot State = "fastboot"
	// StateUnresponsive marks a device whose last command attempt failed and
	// which is waiting on recovery.
	StateUnresponsive State = "unresponsive"
)

// Handle is the opaque per-device transport supplied by a provider. Exactly
// one handle is live per device at a time; reconnection may swap it out while
// the Device identity persists.
type Handle interface {
	Serial() string
	IsLive() bool
	ExecuteShell(ctx context.Context, command string) (string, error)
	ExecuteFastboot(ctx context.Context, args ...string) (string, error)
	Reconnect(ctx context.Context) error
}

// Info describes the static properties a selector can match on.
type Info struct {
	Serial     string
	Product    string
	Properties map[string]string
	Emulator   bool
	NullDevice bool
}

// InfoProvider is an optional capability on a Handle. Handles that do not
// implement it are matched on serial alone.
type InfoProvider interface {
	Info() Info
}

// Device is the stable pool identity for one serial. The handle behind it may
// be replaced on reconnection; allocation bookkeeping belongs to the
// Allocator and is only touched under its lock.
type Device struct {
	serial  string
	monitor *StateMonitor

	mu        sync.Mutex
	handle    Handle
	info      Info
	allocated bool
	retired   bool
}

func newDevice(h Handle) *Device {
	d := &Device{
		serial:  h.Serial(),
		monitor: NewStateMonitor(StateNotAvailable),
		handle:  h,
		info:    Info{Serial: h.Serial()},
	}
	if ip, ok := h.(InfoProvider); ok {
		d.info = ip.Info()
	}
	return d
}

// Serial returns the stable identity of the device.
func (d *Device) Serial() string { return d.serial }

// Monitor returns the per-device state machine.
func (d *Device) Monitor() *StateMonitor { return d.monitor }

// Handle returns the current transport handle.
func (d *Device) Handle() Handle {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handle
}

// SetHandle swaps the transport handle, typically after a reconnect.
func (d *Device) SetHandle(h Handle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handle = h
	if ip, ok := h.(InfoProvider); ok {
		d.info = ip.Info()
	}
}

// Info returns the matchable properties last reported by the handle.
func (d *Device) Info() Info {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.info
}

func (d *Device) isAllocated() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.allocated
}

func (d *Device) setAllocated(v bool) {
	d.mu.Lock()
	d.allocated = v
	d.mu.Unlock()
}

func (d *Device) isRetired() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.retired
}

func (d *Device) setRetired(v bool) {
	d.mu.Lock()
	d.retired = v
	d.mu.Unlock()
}
