package result

import (
	"time"

	"github.com/httprunner/DeviceLab/pkg/build"
)

// ResumeForwarder wraps the original invocation's listener for a resumed run.
// The duplicate invocationStarted is suppressed (the original attempt already
// reported it) and the prior attempt's elapsed time is folded into the single
// invocationEnded.
type ResumeForwarder struct {
	Listener
	prior time.Duration
}

// NewResumeForwarder wraps target, carrying prior elapsed time from the
// original attempt.
func NewResumeForwarder(target Listener, prior time.Duration) *ResumeForwarder {
	return &ResumeForwarder{Listener: target, prior: prior}
}

func (f *ResumeForwarder) InvocationStarted(b *build.Info) {
	// reported by the original attempt
}

func (f *ResumeForwarder) InvocationEnded(elapsed time.Duration) {
	f.Listener.InvocationEnded(f.prior + elapsed)
}
