package storage

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/httprunner/DeviceLab/pkg/build"
	"github.com/httprunner/DeviceLab/pkg/result"
)

func openJournal(t *testing.T, invocationID string) (*Journal, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal.db")
	t.Setenv("DEVICELAB_DB_PATH", path)
	j, err := NewJournal(invocationID)
	if err != nil {
		t.Fatalf("NewJournal: %v", err)
	}
	t.Cleanup(func() {
		_ = j.Close()
	})
	return j, path
}

func queryRow(t *testing.T, path, query string, dest ...any) {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()
	if err := db.QueryRow(query).Scan(dest...); err != nil {
		t.Fatalf("query %q: %v", query, err)
	}
}

func TestJournalRecordsInvocation(t *testing.T) {
	j, path := openJournal(t, "inv-1")
	j.InvocationStarted(&build.Info{ID: "b1"})
	j.TestRunStarted("smoke", 2)

	pass := result.TestID{Class: "smoke", Name: "cmd000"}
	fail := result.TestID{Class: "smoke", Name: "cmd001"}
	j.TestStarted(pass)
	j.TestEnded(pass, map[string]string{"output_bytes": "4"})
	j.TestStarted(fail)
	j.TestFailed(result.StatusFailure, fail, "exit status 1")
	j.TestEnded(fail, nil)
	j.TestRunEnded(250*time.Millisecond, map[string]string{"failed_commands": "1"})
	j.InvocationEnded(300 * time.Millisecond)
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	var status, buildID string
	var elapsed int64
	queryRow(t, path, `SELECT Status, BuildID, ElapsedMS FROM invocations WHERE InvocationID='inv-1'`,
		&status, &buildID, &elapsed)
	if status != "done" || buildID != "b1" || elapsed != 300 {
		t.Fatalf("invocation row = (%s, %s, %d)", status, buildID, elapsed)
	}

	var runName string
	var expected, failed, runElapsed int64
	queryRow(t, path, `SELECT Name, ExpectedCount, Failed, ElapsedMS FROM test_runs WHERE InvocationID='inv-1'`,
		&runName, &expected, &failed, &runElapsed)
	if runName != "smoke" || expected != 2 || failed != 0 || runElapsed != 250 {
		t.Fatalf("run row = (%s, %d, %d, %d)", runName, expected, failed, runElapsed)
	}

	var passStatus, failStatus, trace string
	queryRow(t, path, `SELECT Status FROM test_results WHERE Name='cmd000'`, &passStatus)
	queryRow(t, path, `SELECT Status, Trace FROM test_results WHERE Name='cmd001'`, &failStatus, &trace)
	if passStatus != string(result.StatusPassed) {
		t.Fatalf("pass status = %s", passStatus)
	}
	// The completion event after the failure must not launder the result.
	if failStatus != string(result.StatusFailure) || trace != "exit status 1" {
		t.Fatalf("fail row = (%s, %q)", failStatus, trace)
	}
}

func TestJournalFailedInvocationStaysFailed(t *testing.T) {
	j, path := openJournal(t, "inv-2")
	j.InvocationStarted(&build.Info{ID: "b1"})
	j.InvocationFailed(errors.New("device lost"))
	j.InvocationEnded(100 * time.Millisecond)
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	var status, errMsg string
	queryRow(t, path, `SELECT Status, Error FROM invocations WHERE InvocationID='inv-2'`, &status, &errMsg)
	if status != "failed" {
		t.Fatalf("status = %s, the end event overwrote the failure", status)
	}
	if errMsg != "device lost" {
		t.Fatalf("error = %q", errMsg)
	}
}

func TestJournalRunFailureFlag(t *testing.T) {
	j, path := openJournal(t, "inv-3")
	j.InvocationStarted(&build.Info{ID: "b1"})
	j.TestRunStarted("smoke", 1)
	j.TestRunFailed("device unresponsive")
	j.TestRunEnded(10*time.Millisecond, nil)
	j.InvocationEnded(10 * time.Millisecond)
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	var failed int64
	var reason string
	queryRow(t, path, `SELECT Failed, FailureReason FROM test_runs WHERE InvocationID='inv-3'`, &failed, &reason)
	if failed != 1 || reason != "device unresponsive" {
		t.Fatalf("run row = (%d, %q)", failed, reason)
	}
}
