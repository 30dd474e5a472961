// Package storage persists invocation results to a local SQLite journal so
// runs survive process restarts and can be inspected offline.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/httprunner/DeviceLab/pkg/build"
	"github.com/httprunner/DeviceLab/pkg/result"
)

const (
	envJournalDBPath  = "DEVICELAB_DB_PATH"
	defaultDBDirName  = ".devicelab"
	defaultDBFileName = "devicelab.db"
)

// Journal is a result.Listener that writes invocation, run and test rows to
// SQLite. Reporting failures are logged, never propagated: a broken journal
// must not fail the invocation it records.
type Journal struct {
	invocationID string

	mu      sync.Mutex
	db      *sql.DB
	rowID   int64
	current *runBuffer
}

type runBuffer struct {
	name          string
	expected      int
	failed        bool
	failureReason string
	order         []result.TestID
	tests         map[result.TestID]*testRow
}

type testRow struct {
	status  result.Status
	trace   string
	metrics map[string]string
}

// NewJournal opens (or creates) the journal database and registers a new
// invocation row context.
func NewJournal(invocationID string) (*Journal, error) {
	dbPath, err := resolveDatabasePath()
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "storage: open journal db failed")
	}
	if err := configureSQLite(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := prepareSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Journal{invocationID: invocationID, db: db}, nil
}

// Close releases the underlying database handle.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.db == nil {
		return nil
	}
	err := j.db.Close()
	j.db = nil
	return err
}

func (j *Journal) InvocationStarted(b *build.Info) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.db == nil {
		return
	}
	buildID := ""
	if b != nil {
		buildID = b.ID
	}
	res, err := j.db.Exec(
		`INSERT INTO invocations (InvocationID, BuildID, StartedAt, Status) VALUES (?, ?, ?, ?)`,
		j.invocationID, buildID, time.Now().UnixMilli(), "running")
	if err != nil {
		log.Error().Err(err).Str("invocation", j.invocationID).Msg("journal: record invocation start failed")
		return
	}
	j.rowID, _ = res.LastInsertId()
}

func (j *Journal) InvocationFailed(err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.db == nil || j.rowID == 0 {
		return
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	if _, uerr := j.db.Exec(`UPDATE invocations SET Status=?, Error=? WHERE id=?`,
		"failed", truncate(msg, 512), j.rowID); uerr != nil {
		log.Error().Err(uerr).Str("invocation", j.invocationID).Msg("journal: record invocation failure failed")
	}
}

func (j *Journal) InvocationEnded(elapsed time.Duration) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.db == nil || j.rowID == 0 {
		return
	}
	if _, err := j.db.Exec(
		`UPDATE invocations SET ElapsedMS=?, Status=CASE Status WHEN 'failed' THEN 'failed' ELSE 'done' END WHERE id=?`,
		elapsed.Milliseconds(), j.rowID); err != nil {
		log.Error().Err(err).Str("invocation", j.invocationID).Msg("journal: record invocation end failed")
	}
}

// TestLog records the log name only; payload bytes stay out of the journal.
func (j *Journal) TestLog(name, kind string, data io.Reader) {
	log.Debug().Str("invocation", j.invocationID).Str("log", name).Str("kind", kind).Msg("journal: log published")
}

func (j *Journal) TestRunStarted(name string, testCount int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.current = &runBuffer{
		name:     name,
		expected: testCount,
		tests:    make(map[result.TestID]*testRow),
	}
}

func (j *Journal) TestRunFailed(message string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.current == nil {
		return
	}
	j.current.failed = true
	j.current.failureReason = message
}

func (j *Journal) TestRunEnded(elapsed time.Duration, metrics map[string]string) {
	j.mu.Lock()
	buf := j.current
	j.current = nil
	j.mu.Unlock()
	if buf == nil {
		return
	}
	if err := j.flushRun(buf, elapsed, metrics); err != nil {
		log.Error().Err(err).Str("invocation", j.invocationID).Str("run", buf.name).Msg("journal: flush run failed")
	}
}

func (j *Journal) TestStarted(id result.TestID) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.current == nil {
		return
	}
	if _, ok := j.current.tests[id]; !ok {
		j.current.order = append(j.current.order, id)
		j.current.tests[id] = &testRow{status: result.StatusIncomplete}
	}
}

func (j *Journal) TestFailed(kind result.Status, id result.TestID, trace string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.current == nil {
		return
	}
	row, ok := j.current.tests[id]
	if !ok {
		return
	}
	if kind != result.StatusFailure && kind != result.StatusError {
		kind = result.StatusFailure
	}
	row.status = kind
	row.trace = trace
}

func (j *Journal) TestEnded(id result.TestID, metrics map[string]string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.current == nil {
		return
	}
	row, ok := j.current.tests[id]
	if !ok {
		return
	}
	// A recorded failure stays a failure even when the end event looks clean.
	if row.status == result.StatusIncomplete {
		row.status = result.StatusPassed
	}
	if len(metrics) > 0 {
		if row.metrics == nil {
			row.metrics = make(map[string]string, len(metrics))
		}
		for k, v := range metrics {
			row.metrics[k] = v
		}
	}
}

// flushRun writes one run block and its tests in a single transaction so a
// crash never leaves a half-written run behind.
func (j *Journal) flushRun(buf *runBuffer, elapsed time.Duration, metrics map[string]string) error {
	j.mu.Lock()
	db := j.db
	j.mu.Unlock()
	if db == nil {
		return pkgerrors.New("storage: journal is closed")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return pkgerrors.Wrap(err, "storage: begin journal tx failed")
	}
	defer func() {
		_ = tx.Rollback()
	}()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO test_runs (InvocationID, Name, ExpectedCount, ElapsedMS, Failed, FailureReason, Metrics)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		j.invocationID, buf.name, buf.expected, elapsed.Milliseconds(),
		boolToInt(buf.failed), truncate(buf.failureReason, 512), encodeMetrics(metrics))
	if err != nil {
		return pkgerrors.Wrap(err, "storage: insert test run failed")
	}
	runID, err := res.LastInsertId()
	if err != nil {
		return pkgerrors.Wrap(err, "storage: read test run id failed")
	}
	for _, id := range buf.order {
		row := buf.tests[id]
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO test_results (RunID, Class, Name, Status, Trace, Metrics) VALUES (?, ?, ?, ?, ?, ?)`,
			runID, id.Class, id.Name, string(row.status), truncate(row.trace, 2048), encodeMetrics(row.metrics)); err != nil {
			return pkgerrors.Wrap(err, "storage: insert test result failed")
		}
	}
	return pkgerrors.Wrap(tx.Commit(), "storage: commit journal tx failed")
}

func resolveDatabasePath() (string, error) {
	if custom := strings.TrimSpace(os.Getenv(envJournalDBPath)); custom != "" {
		if err := ensureDirExists(filepath.Dir(custom)); err != nil {
			return "", err
		}
		return custom, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", pkgerrors.Wrap(err, "storage: locate user home failed")
	}
	dir := filepath.Join(home, defaultDBDirName)
	if err := ensureDirExists(dir); err != nil {
		return "", err
	}
	return filepath.Join(dir, defaultDBFileName), nil
}

func ensureDirExists(path string) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return pkgerrors.Wrapf(err, "storage: create dir %s failed", path)
	}
	return nil
}

func configureSQLite(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=60000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return pkgerrors.Wrapf(err, "storage: execute %s failed", pragma)
		}
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return nil
}

func prepareSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS invocations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			InvocationID TEXT NOT NULL,
			BuildID TEXT,
			StartedAt INTEGER NOT NULL,
			ElapsedMS INTEGER,
			Status TEXT NOT NULL,
			Error TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS test_runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			InvocationID TEXT NOT NULL,
			Name TEXT NOT NULL,
			ExpectedCount INTEGER,
			ElapsedMS INTEGER,
			Failed INTEGER NOT NULL DEFAULT 0,
			FailureReason TEXT,
			Metrics TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS test_results (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			RunID INTEGER NOT NULL,
			Class TEXT,
			Name TEXT,
			Status TEXT NOT NULL,
			Trace TEXT,
			Metrics TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_test_runs_invocation ON test_runs(InvocationID);`,
		`CREATE INDEX IF NOT EXISTS idx_test_results_run ON test_results(RunID);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return pkgerrors.Wrap(err, "storage: prepare journal schema failed")
		}
	}
	return nil
}

func encodeMetrics(metrics map[string]string) string {
	if len(metrics) == 0 {
		return ""
	}
	raw, err := json.Marshal(metrics)
	if err != nil {
		return ""
	}
	return string(raw)
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
