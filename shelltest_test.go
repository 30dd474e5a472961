package devicelab

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/httprunner/DeviceLab/pkg/device"
)

func newTestExecutor(t *testing.T, h device.Handle) *device.Executor {
	t.Helper()
	return device.NewExecutor(newTestDevice(t, h), nil, device.ExecutorConfig{
		MaxAttempts:     1,
		CommandTimeout:  time.Second,
		RecoveryTimeout: 10 * time.Millisecond,
	})
}

func TestShellTestRunsAllCommands(t *testing.T) {
	h := newTestHandle("dev-1")
	h.shellFn = func(ctx context.Context, command string) (string, error) {
		return command + " done", nil
	}
	unit := &ShellTest{Name: "smoke", Commands: []string{"echo a", "echo b"}}
	rec := &recListener{}
	if err := unit.Run(context.Background(), newTestExecutor(t, h), nil, rec); err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []string{
		"runStarted:smoke:2",
		"testStarted:cmd000",
		"testEnded:cmd000",
		"testStarted:cmd001",
		"testEnded:cmd001",
		"runEnded",
	}
	got := rec.list()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestShellTestDeviceLossAbortsRun(t *testing.T) {
	h := newTestHandle("dev-1")
	h.shellFn = func(ctx context.Context, command string) (string, error) {
		if command == "bad" {
			return "", errors.New("transport reset")
		}
		return "", nil
	}
	unit := &ShellTest{Name: "mixed", Commands: []string{"good", "bad", "good"}}
	rec := &recListener{}
	err := unit.Run(context.Background(), newTestExecutor(t, h), nil, rec)
	if err == nil {
		t.Fatalf("dead device did not abort the run")
	}
	if !device.IsNotAvailable(err) {
		t.Fatalf("err = %v", err)
	}
	if !rec.has("runFailed") {
		t.Fatalf("aborted run not flagged: %v", rec.list())
	}
	// The interrupted command stays incomplete so a resumed run re-executes
	// it; the trailing command never started.
	unit.mu.Lock()
	done := unit.done
	unit.mu.Unlock()
	if done != 1 {
		t.Fatalf("done = %d, want 1", done)
	}
}

func TestShellTestResumesFromLastCompleted(t *testing.T) {
	h := newTestHandle("dev-1")
	var executed []string
	h.shellFn = func(ctx context.Context, command string) (string, error) {
		executed = append(executed, command)
		if command == "c1" && len(executed) == 2 {
			return "", errors.New("transport died")
		}
		return "", nil
	}
	unit := &ShellTest{Name: "resumable", Commands: []string{"c0", "c1", "c2"}, Resume: true}
	rec := &recListener{}
	if err := unit.Run(context.Background(), newTestExecutor(t, h), nil, rec); err == nil {
		t.Fatalf("first attempt should abort on the dead device")
	}

	// Second attempt on a fresh device picks up from the incomplete command.
	h2 := newTestHandle("dev-2")
	var resumed []string
	h2.shellFn = func(ctx context.Context, command string) (string, error) {
		resumed = append(resumed, command)
		return "", nil
	}
	rec2 := &recListener{}
	if err := unit.Run(context.Background(), newTestExecutor(t, h2), nil, rec2); err != nil {
		t.Fatalf("resumed run: %v", err)
	}
	if len(resumed) != 2 || resumed[0] != "c1" || resumed[1] != "c2" {
		t.Fatalf("resumed commands = %v, want [c1 c2]", resumed)
	}
	if !rec2.has("runStarted:resumable:2") {
		t.Fatalf("resumed run did not report the remaining count: %v", rec2.list())
	}
}

func TestShellTestSplit(t *testing.T) {
	unit := &ShellTest{Name: "suite", Commands: []string{"a", "b", "c", "d", "e"}, Shards: 2, Resume: true}
	parts := unit.Split()
	if len(parts) != 2 {
		t.Fatalf("parts = %d, want 2", len(parts))
	}
	first := parts[0].(*ShellTest)
	second := parts[1].(*ShellTest)
	if first.Name != "suite_shard0" || second.Name != "suite_shard1" {
		t.Fatalf("names = %s, %s", first.Name, second.Name)
	}
	if len(first.Commands) != 3 || len(second.Commands) != 2 {
		t.Fatalf("chunks = %d, %d", len(first.Commands), len(second.Commands))
	}
	if !strings.HasPrefix(first.Commands[0], "a") || second.Commands[1] != "e" {
		t.Fatalf("chunk contents = %v, %v", first.Commands, second.Commands)
	}
	if !first.Resumable() {
		t.Fatalf("shard dropped the resume capability")
	}
	if first.Split() != nil {
		t.Fatalf("shard agreed to split again")
	}
}

func TestShellTestSplitDeclines(t *testing.T) {
	if (&ShellTest{Commands: []string{"a", "b"}}).Split() != nil {
		t.Fatalf("split without a shard budget")
	}
	if (&ShellTest{Commands: []string{"a"}, Shards: 4}).Split() != nil {
		t.Fatalf("single command split")
	}
}
