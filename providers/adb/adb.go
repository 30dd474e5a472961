// Package adb bridges the adb transport to the device pool: it wraps gadb
// devices as pool handles and polls the adb server for attach, detach and
// state changes.
package adb

import (
	"context"
	"os/exec"
	"strings"
	"sync"
	"time"

	gadb "github.com/httprunner/httprunner/v5/pkg/gadb"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/httprunner/DeviceLab/internal/config"
	"github.com/httprunner/DeviceLab/pkg/device"
)

// Handle is an adb-backed device transport. The gadb device behind it is
// swapped on reconnect while the serial identity stays fixed.
type Handle struct {
	client gadb.Client
	serial string

	mu       sync.Mutex
	dev      *gadb.Device
	info     device.Info
	infoInit bool
}

// NewHandle wraps one enumerated adb device.
func NewHandle(client gadb.Client, dev *gadb.Device) *Handle {
	return &Handle{
		client: client,
		serial: strings.TrimSpace(dev.Serial()),
		dev:    dev,
	}
}

func (h *Handle) Serial() string { return h.serial }

// IsLive reports whether adb currently accepts commands for this device.
func (h *Handle) IsLive() bool {
	h.mu.Lock()
	dev := h.dev
	h.mu.Unlock()
	if dev == nil {
		return false
	}
	state, err := dev.State()
	if err != nil {
		return false
	}
	return state == gadb.StateOnline
}

// ExecuteShell runs one shell command, honoring ctx cancellation. gadb's
// command call has no context of its own, so the wait happens here.
func (h *Handle) ExecuteShell(ctx context.Context, command string) (string, error) {
	h.mu.Lock()
	dev := h.dev
	h.mu.Unlock()
	if dev == nil {
		return "", errors.Errorf("adb: device %s has no live connection", h.serial)
	}
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return "", errors.New("adb: empty shell command")
	}

	type shellResult struct {
		out string
		err error
	}
	ch := make(chan shellResult, 1)
	go func() {
		out, err := dev.RunShellCommand(fields[0], fields[1:]...)
		ch <- shellResult{out: out, err: err}
	}()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.err != nil {
			return "", errors.Wrapf(res.err, "adb: shell %q on %s failed", fields[0], h.serial)
		}
		return res.out, nil
	}
}

// ExecuteFastboot shells out to the fastboot binary; gadb only speaks to the
// adb server.
func (h *Handle) ExecuteFastboot(ctx context.Context, args ...string) (string, error) {
	full := append([]string{"-s", h.serial}, args...)
	out, err := exec.CommandContext(ctx, "fastboot", full...).CombinedOutput()
	if err != nil {
		return string(out), errors.Wrapf(err, "adb: fastboot %v on %s failed", args, h.serial)
	}
	return string(out), nil
}

// Reconnect re-resolves the gadb device for this serial from the adb server.
func (h *Handle) Reconnect(ctx context.Context) error {
	devs, err := h.client.DeviceList()
	if err != nil {
		return errors.Wrap(err, "adb: list devices failed")
	}
	for _, d := range devs {
		if d == nil || strings.TrimSpace(d.Serial()) != h.serial {
			continue
		}
		h.mu.Lock()
		h.dev = d
		h.mu.Unlock()
		return nil
	}
	return errors.Errorf("adb: device %s not enumerated", h.serial)
}

// Info reports selector-matchable properties, cached after the first read.
func (h *Handle) Info() device.Info {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.infoInit {
		return h.info
	}
	info := device.Info{
		Serial:   h.serial,
		Emulator: strings.HasPrefix(h.serial, "emulator-"),
	}
	if h.dev != nil {
		if out, err := h.dev.RunShellCommand("getprop", "ro.build.product"); err == nil {
			info.Product = strings.TrimSpace(out)
		}
	}
	h.info = info
	h.infoInit = true
	return h.info
}

// Listing is one row of the device listing output.
type Listing struct {
	Serial string
	State  string
}

// List enumerates the devices the adb server currently reports.
func List(ctx context.Context) ([]Listing, error) {
	client, err := gadb.NewClient()
	if err != nil {
		return nil, errors.Wrap(err, "adb: init client failed")
	}
	devs, err := client.DeviceList()
	if err != nil {
		return nil, errors.Wrap(err, "adb: list devices failed")
	}
	out := make([]Listing, 0, len(devs))
	for _, dev := range devs {
		if dev == nil {
			continue
		}
		serial := strings.TrimSpace(dev.Serial())
		if serial == "" {
			continue
		}
		state := string(gadb.StateUnknown)
		if raw, err := dev.State(); err == nil {
			state = string(raw)
		}
		out = append(out, Listing{Serial: serial, State: state})
	}
	return out, nil
}

// EventSink receives transport events; the device allocator implements it.
type EventSink interface {
	OnConnected(h device.Handle)
	OnDisconnected(h device.Handle)
	OnStateChanged(h device.Handle, s device.State)
}

// Discovery polls the adb server and forwards attach, detach and state
// transitions to the sink. Polling the server is the only portable way to
// observe the transport; the pool itself never polls devices.
type Discovery struct {
	client   gadb.Client
	sink     EventSink
	interval time.Duration

	handles map[string]*Handle
	states  map[string]device.State
}

// NewDiscovery builds a poller over a fresh gadb client.
func NewDiscovery(sink EventSink) (*Discovery, error) {
	client, err := gadb.NewClient()
	if err != nil {
		return nil, errors.Wrap(err, "adb: init client failed")
	}
	return &Discovery{
		client:   client,
		sink:     sink,
		interval: config.Duration("DEVICELAB_ADB_POLL_INTERVAL", 2*time.Second),
		handles:  make(map[string]*Handle),
		states:   make(map[string]device.State),
	}, nil
}

// Run polls until ctx is cancelled.
func (d *Discovery) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	d.pollOnce()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.pollOnce()
		}
	}
}

func (d *Discovery) pollOnce() {
	devs, err := d.client.DeviceList()
	if err != nil {
		log.Warn().Err(err).Msg("adb: device poll failed")
		return
	}
	seen := make(map[string]device.State, len(devs))
	for _, dev := range devs {
		if dev == nil {
			continue
		}
		serial := strings.TrimSpace(dev.Serial())
		if serial == "" {
			continue
		}
		state := device.StateOffline
		if raw, err := dev.State(); err == nil {
			switch raw {
			case gadb.StateOnline:
				state = device.StateOnline
			case gadb.StateOffline:
				state = device.StateOffline
			case gadb.StateUnknown:
				state = device.StateOffline
			}
		}
		seen[serial] = state

		h, known := d.handles[serial]
		if !known {
			h = NewHandle(d.client, dev)
			d.handles[serial] = h
			d.states[serial] = state
			d.sink.OnConnected(h)
			if state != device.StateOnline {
				d.sink.OnStateChanged(h, state)
			}
			continue
		}
		h.mu.Lock()
		h.dev = dev
		h.mu.Unlock()
		if prev := d.states[serial]; prev != state {
			d.states[serial] = state
			d.sink.OnStateChanged(h, state)
		}
	}
	for serial, h := range d.handles {
		if _, ok := seen[serial]; ok {
			continue
		}
		if _, gone := d.states[serial]; gone {
			delete(d.states, serial)
			d.sink.OnDisconnected(h)
		}
	}
}
