package result

import (
	"errors"
	"testing"
	"time"

	"github.com/httprunner/DeviceLab/pkg/build"
)

func TestShardMasterSingleStartAndEnd(t *testing.T) {
	target := &eventLog{}
	master := NewShardMaster(target, &build.Info{ID: "b1"}, 2)
	s1 := NewShardListener(master)
	s2 := NewShardListener(master)

	s1.InvocationStarted(&build.Info{ID: "b1"})
	s2.InvocationStarted(&build.Info{ID: "b1"})
	s1.InvocationEnded(120 * time.Millisecond)
	s2.InvocationEnded(340 * time.Millisecond)

	events := target.list()
	starts, ends := 0, 0
	for _, ev := range events {
		switch ev {
		case "invocationStarted":
			starts++
		case "invocationEnded:460ms":
			ends++
		}
	}
	if starts != 1 {
		t.Fatalf("invocationStarted count = %d, events = %v", starts, events)
	}
	if ends != 1 {
		t.Fatalf("merged invocationEnded missing, events = %v", events)
	}
	if events[len(events)-1] != "invocationEnded:460ms" {
		t.Fatalf("last event = %s, want the merged end", events[len(events)-1])
	}
}

func TestShardMasterReplaysContiguousRunBlocks(t *testing.T) {
	target := &eventLog{}
	master := NewShardMaster(target, &build.Info{ID: "b1"}, 2)
	s1 := NewShardListener(master)
	s2 := NewShardListener(master)

	// Interleave the two shards' traffic; the target must still see one
	// shard's run as an unbroken block.
	s1.TestRunStarted("run_shard0", 1)
	s2.TestRunStarted("run_shard1", 1)
	s1.TestStarted(TestID{Class: "run_shard0", Name: "a"})
	s2.TestStarted(TestID{Class: "run_shard1", Name: "b"})
	s1.TestEnded(TestID{Class: "run_shard0", Name: "a"}, nil)
	s2.TestEnded(TestID{Class: "run_shard1", Name: "b"}, nil)
	s1.TestRunEnded(10*time.Millisecond, nil)
	s2.TestRunEnded(10*time.Millisecond, nil)
	s2.InvocationEnded(20 * time.Millisecond)
	s1.InvocationEnded(30 * time.Millisecond)

	want := []string{
		"invocationStarted",
		"runStarted:run_shard1:1",
		"testStarted:b",
		"testEnded:b",
		"runEnded",
		"runStarted:run_shard0:1",
		"testStarted:a",
		"testEnded:a",
		"runEnded",
		"invocationEnded:50ms",
	}
	got := target.list()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestShardMasterAbortedShardStillCompletes(t *testing.T) {
	target := &eventLog{}
	master := NewShardMaster(target, &build.Info{ID: "b1"}, 2)
	s1 := NewShardListener(master)
	s1.InvocationEnded(100 * time.Millisecond)
	master.ShardAborted()

	events := target.list()
	if events[len(events)-1] != "invocationEnded:100ms" {
		t.Fatalf("aborted shard did not complete the set, events = %v", events)
	}
}

func TestShardListenerForwardsFailuresImmediately(t *testing.T) {
	target := &eventLog{}
	master := NewShardMaster(target, &build.Info{ID: "b1"}, 2)
	s1 := NewShardListener(master)
	s1.InvocationFailed(errors.New("device lost"))

	events := target.list()
	if len(events) != 2 || events[1] != "invocationFailed:device lost" {
		t.Fatalf("shard failure not forwarded before set completion, events = %v", events)
	}
}

func TestResumeForwarder(t *testing.T) {
	target := &eventLog{}
	f := NewResumeForwarder(target, 300*time.Millisecond)
	f.InvocationStarted(&build.Info{ID: "b1"})
	f.TestRunStarted("run", 1)
	f.InvocationEnded(200 * time.Millisecond)

	events := target.list()
	for _, ev := range events {
		if ev == "invocationStarted" {
			t.Fatalf("resumed attempt re-reported the start, events = %v", events)
		}
	}
	if events[len(events)-1] != "invocationEnded:500ms" {
		t.Fatalf("prior elapsed not folded in, events = %v", events)
	}
}
