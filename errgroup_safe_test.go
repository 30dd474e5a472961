package devicelab

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

func TestGroupGoSafeAbsorbsPanics(t *testing.T) {
	group, gctx := errgroup.WithContext(context.Background())
	var ran int32
	GroupGoSafe(gctx, group, "panicking worker", func(ctx context.Context) error {
		panic("boom")
	})
	GroupGoSafe(gctx, group, "healthy worker", func(ctx context.Context) error {
		atomic.StoreInt32(&ran, 1)
		return nil
	})
	if err := group.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if atomic.LoadInt32(&ran) != 1 {
		t.Fatalf("sibling worker never ran")
	}
}

func TestGroupGoSafePropagatesErrors(t *testing.T) {
	group, gctx := errgroup.WithContext(context.Background())
	want := errors.New("worker failed")
	GroupGoSafe(gctx, group, "failing worker", func(ctx context.Context) error {
		return want
	})
	if err := group.Wait(); err != want {
		t.Fatalf("Wait = %v, want %v", err, want)
	}
}

func TestGroupGoSafeSkipsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	group, _ := errgroup.WithContext(context.Background())
	var ran int32
	GroupGoSafe(ctx, group, "late worker", func(ctx context.Context) error {
		atomic.StoreInt32(&ran, 1)
		return nil
	})
	if err := group.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if atomic.LoadInt32(&ran) != 0 {
		t.Fatalf("worker ran on a cancelled context")
	}
}
