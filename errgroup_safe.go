package devicelab

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"

	"golang.org/x/sync/errgroup"
)

// GroupGoSafe runs fn in an errgroup goroutine with panic isolation: a panic
// is logged and absorbed instead of killing the hosting process or cancelling
// sibling invocations.
//
// Returned errors keep errgroup semantics: a non-nil error cancels the
// group's derived context and surfaces from Wait(). Panics do not cancel
// siblings; the worker simply ends.
//
// Printing to stderr instead of the structured logger is deliberate: the
// logger itself may be the panic source.
func GroupGoSafe(ctx context.Context, group *errgroup.Group, name string, fn func(context.Context) error) {
	if group == nil || fn == nil {
		return
	}
	group.Go(func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				_, _ = fmt.Fprintf(os.Stderr, "WARN: %s panicked: %v\n%s\n", name, r, debug.Stack())
				err = nil
			}
		}()
		if ctx != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
		}
		return fn(ctx)
	})
}
