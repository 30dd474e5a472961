package result

import (
	"fmt"
	"io"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/httprunner/DeviceLab/pkg/build"
)

// Forwarder fans events out to multiple listeners. A misbehaving listener is
// logged per-listener and never prevents delivery to the others.
type Forwarder struct {
	listeners []Listener
}

// NewForwarder builds a fan-out over the given listeners, dropping nils.
func NewForwarder(listeners ...Listener) *Forwarder {
	kept := make([]Listener, 0, len(listeners))
	for _, l := range listeners {
		if l != nil {
			kept = append(kept, l)
		}
	}
	return &Forwarder{listeners: kept}
}

// Listeners returns the fan-out targets.
func (f *Forwarder) Listeners() []Listener {
	out := make([]Listener, len(f.listeners))
	copy(out, f.listeners)
	return out
}

func (f *Forwarder) each(event string, fn func(l Listener)) {
	for _, l := range f.listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().
						Str("event", event).
						Str("listener", fmt.Sprintf("%T", l)).
						Str("panic", fmt.Sprint(r)).
						Msg("result listener panicked")
					log.Debug().Msg(string(debug.Stack()))
				}
			}()
			fn(l)
		}()
	}
}

func (f *Forwarder) InvocationStarted(b *build.Info) {
	f.each("invocationStarted", func(l Listener) { l.InvocationStarted(b) })
}

func (f *Forwarder) InvocationFailed(err error) {
	f.each("invocationFailed", func(l Listener) { l.InvocationFailed(err) })
}

func (f *Forwarder) InvocationEnded(elapsed time.Duration) {
	f.each("invocationEnded", func(l Listener) { l.InvocationEnded(elapsed) })
}

func (f *Forwarder) TestLog(name, kind string, data io.Reader) {
	f.each("testLog", func(l Listener) { l.TestLog(name, kind, data) })
}

func (f *Forwarder) TestRunStarted(name string, testCount int) {
	f.each("testRunStarted", func(l Listener) { l.TestRunStarted(name, testCount) })
}

func (f *Forwarder) TestRunFailed(message string) {
	f.each("testRunFailed", func(l Listener) { l.TestRunFailed(message) })
}

func (f *Forwarder) TestRunEnded(elapsed time.Duration, metrics map[string]string) {
	f.each("testRunEnded", func(l Listener) { l.TestRunEnded(elapsed, metrics) })
}

func (f *Forwarder) TestStarted(id TestID) {
	f.each("testStarted", func(l Listener) { l.TestStarted(id) })
}

func (f *Forwarder) TestFailed(kind Status, id TestID, trace string) {
	f.each("testFailed", func(l Listener) { l.TestFailed(kind, id, trace) })
}

func (f *Forwarder) TestEnded(id TestID, metrics map[string]string) {
	f.each("testEnded", func(l Listener) { l.TestEnded(id, metrics) })
}
