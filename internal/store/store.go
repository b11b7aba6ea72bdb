// Package store archives finished runs in a local SQLite database.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/NodePath81/rmbt/internal/results"
	"github.com/NodePath81/rmbt/internal/util"
)

var ErrNotFound = errors.New("test not found")

const schema = `
CREATE TABLE IF NOT EXISTS tests (
	test_id         TEXT PRIMARY KEY,
	host            TEXT NOT NULL,
	port            INTEGER NOT NULL,
	started_at      INTEGER NOT NULL,
	duration        INTEGER NOT NULL,
	workers         INTEGER NOT NULL,
	fallback        INTEGER NOT NULL,
	shortest_ping   INTEGER NOT NULL,
	median_ping     INTEGER NOT NULL,
	down_bps        REAL NOT NULL,
	up_bps          REAL NOT NULL,
	total_down      INTEGER NOT NULL,
	total_up        INTEGER NOT NULL,
	server_ip       TEXT NOT NULL DEFAULT '',
	country         TEXT NOT NULL DEFAULT '',
	asn             INTEGER NOT NULL DEFAULT 0,
	interface       TEXT NOT NULL DEFAULT '',
	result_json     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS tests_started_at ON tests(started_at);
CREATE TABLE IF NOT EXISTS thread_results (
	test_id         TEXT NOT NULL REFERENCES tests(test_id) ON DELETE CASCADE,
	worker_id       INTEGER NOT NULL,
	connection_id   TEXT NOT NULL,
	local_addr      TEXT NOT NULL,
	remote_addr     TEXT NOT NULL,
	encryption      TEXT NOT NULL,
	shortest_ping   INTEGER NOT NULL,
	down_bytes      INTEGER NOT NULL,
	down_nanos      INTEGER NOT NULL,
	up_bytes        INTEGER NOT NULL,
	up_nanos        INTEGER NOT NULL,
	total_down      INTEGER NOT NULL,
	total_up        INTEGER NOT NULL,
	reconnects      INTEGER NOT NULL,
	upload_outcome  TEXT NOT NULL,
	tcp_rtt         INTEGER NOT NULL,
	tcp_retransmits INTEGER NOT NULL,
	PRIMARY KEY (test_id, worker_id)
);`

// Store is a result archive backed by SQLite.
type Store struct {
	db     *sql.DB
	logger util.Logger
}

// Summary is one row of the run history.
type Summary struct {
	TestID       string
	Host         string
	Port         int
	StartedAt    time.Time
	Workers      int
	Fallback     bool
	ShortestPing time.Duration
	DownBps      float64
	UpBps        float64
	Country      string
}

// ThreadRow is the archived view of one worker.
type ThreadRow struct {
	WorkerID      int
	ConnectionID  string
	RemoteAddr    string
	Encryption    string
	DownBytes     int64
	DownTime      time.Duration
	UpBytes       int64
	UpTime        time.Duration
	Reconnects    int
	UploadOutcome string
}

// Open opens or creates the archive at path. ":memory:" is accepted.
func Open(path string, logger util.Logger) (*Store, error) {
	if logger == nil {
		logger = util.DiscardLogger()
	}
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	// A single connection keeps ":memory:" databases alive and serializes writers.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping archive: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	logger.Debug("archive opened", "path", path)
	return &Store{db: db, logger: logger}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func lastSample(samples []results.Sample) results.Sample {
	if len(samples) == 0 {
		return results.Sample{}
	}
	return samples[len(samples)-1]
}

// Save archives a merged result and its threads in one transaction.
func (s *Store) Save(ctx context.Context, res results.TestResult) error {
	payload, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	var path results.PathInfo
	if res.Path != nil {
		path = *res.Path
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO tests (
		test_id, host, port, started_at, duration, workers, fallback,
		shortest_ping, median_ping, down_bps, up_bps, total_down, total_up,
		server_ip, country, asn, interface, result_json
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		res.TestID, res.Host, res.Port, res.StartedAt.UnixNano(), res.Duration, res.Workers, res.Fallback,
		int64(res.ShortestPing), int64(res.MedianPing), res.Down.Bps, res.Up.Bps, res.TotalDown, res.TotalUp,
		path.ServerIP, path.Country, path.ASN, path.Interface, string(payload))
	if err != nil {
		return fmt.Errorf("failed to insert test %s: %w", res.TestID, err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO thread_results (
		test_id, worker_id, connection_id, local_addr, remote_addr, encryption, shortest_ping,
		down_bytes, down_nanos, up_bytes, up_nanos, total_down, total_up,
		reconnects, upload_outcome, tcp_rtt, tcp_retransmits
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare thread insert: %w", err)
	}
	defer stmt.Close()
	for _, t := range res.Threads {
		down := lastSample(t.Down)
		up := lastSample(t.Up)
		_, err := stmt.ExecContext(ctx,
			res.TestID, t.WorkerID, t.ConnectionID, t.Conn.LocalAddr, t.Conn.RemoteAddr, t.Conn.Encryption,
			int64(t.ShortestPing), down.Bytes, down.Nanos, up.Bytes, up.Nanos, t.TotalDown, t.TotalUp,
			t.Reconnects, t.UploadOutcome, int64(t.TCPRTT), t.TCPRetransmits)
		if err != nil {
			return fmt.Errorf("failed to insert worker %d: %w", t.WorkerID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	s.logger.Debug("result archived", "test_id", res.TestID, "threads", len(res.Threads))
	return nil
}

// Recent returns up to n runs, newest first.
func (s *Store) Recent(ctx context.Context, n int) ([]Summary, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT test_id, host, port, started_at, workers, fallback,
		shortest_ping, down_bps, up_bps, country
		FROM tests ORDER BY started_at DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var (
			sum     Summary
			started int64
			ping    int64
		)
		if err := rows.Scan(&sum.TestID, &sum.Host, &sum.Port, &started, &sum.Workers, &sum.Fallback,
			&ping, &sum.DownBps, &sum.UpBps, &sum.Country); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		sum.StartedAt = time.Unix(0, started)
		sum.ShortestPing = time.Duration(ping)
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating history: %w", err)
	}
	return out, nil
}

// Get returns the full archived result of one run.
func (s *Store) Get(ctx context.Context, testID string) (results.TestResult, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT result_json FROM tests WHERE test_id = ?`, testID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return results.TestResult{}, fmt.Errorf("%s: %w", testID, ErrNotFound)
	}
	if err != nil {
		return results.TestResult{}, fmt.Errorf("failed to load test %s: %w", testID, err)
	}
	var res results.TestResult
	if err := json.Unmarshal([]byte(payload), &res); err != nil {
		return results.TestResult{}, fmt.Errorf("failed to decode test %s: %w", testID, err)
	}
	return res, nil
}

// Threads returns the per-worker rows of one run ordered by worker.
func (s *Store) Threads(ctx context.Context, testID string) ([]ThreadRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT worker_id, connection_id, remote_addr, encryption,
		down_bytes, down_nanos, up_bytes, up_nanos, reconnects, upload_outcome
		FROM thread_results WHERE test_id = ? ORDER BY worker_id`, testID)
	if err != nil {
		return nil, fmt.Errorf("failed to query threads: %w", err)
	}
	defer rows.Close()

	var out []ThreadRow
	for rows.Next() {
		var (
			row       ThreadRow
			downNanos int64
			upNanos   int64
		)
		if err := rows.Scan(&row.WorkerID, &row.ConnectionID, &row.RemoteAddr, &row.Encryption,
			&row.DownBytes, &downNanos, &row.UpBytes, &upNanos, &row.Reconnects, &row.UploadOutcome); err != nil {
			return nil, fmt.Errorf("failed to scan thread row: %w", err)
		}
		row.DownTime = time.Duration(downNanos)
		row.UpTime = time.Duration(upNanos)
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating threads: %w", err)
	}
	return out, nil
}

// Prune deletes runs that started before cutoff and returns how many went.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tests WHERE started_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to prune archive: %w", err)
	}
	return res.RowsAffected()
}
