//go:build sqlite

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	logx "cronhost/pkg/logx"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	task        TEXT NOT NULL,
	started_ms  INTEGER NOT NULL,
	duration_ns INTEGER NOT NULL,
	err         TEXT
);
CREATE INDEX IF NOT EXISTS runs_task_started ON runs(task, started_ms DESC);
`

type sqliteStore struct {
	db     *sql.DB
	log    logx.Logger
	retain int

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, retain: cfg.Retain, pruneEvery: 100}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendRun(ctx context.Context, r RunRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if r.Started.IsZero() {
		r.Started = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(id, task, started_ms, duration_ns, err) VALUES(?,?,?,?,?)
		 ON CONFLICT(id) DO NOTHING`,
		r.ID, r.Task, r.Started.UnixMilli(), int64(r.Duration), nullStr(r.Error),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
		if perr := s.prune(pctx, r.Task); perr != nil {
			s.log.Debug("run history prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *sqliteStore) RecentRuns(ctx context.Context, task string, limit int) ([]RunRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = s.retain
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task, started_ms, duration_ns, COALESCE(err, '') FROM runs
		 WHERE task = ? ORDER BY started_ms DESC, rowid DESC LIMIT ?`,
		task, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var (
			r       RunRecord
			started int64
			dur     int64
		)
		if err := rows.Scan(&r.ID, &r.Task, &started, &dur, &r.Error); err != nil {
			return nil, err
		}
		r.Started = time.UnixMilli(started)
		r.Duration = time.Duration(dur)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) LastRun(ctx context.Context, task string) (RunRecord, bool, error) {
	rs, err := s.RecentRuns(ctx, task, 1)
	if err != nil || len(rs) == 0 {
		return RunRecord{}, false, err
	}
	return rs[0], true, nil
}

// prune keeps the newest retain rows of task.
func (s *sqliteStore) prune(ctx context.Context, task string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM runs WHERE rowid IN (
			SELECT rowid FROM runs WHERE task = ? ORDER BY started_ms DESC, rowid DESC LIMIT -1 OFFSET ?
		)`,
		task, s.retain,
	)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
