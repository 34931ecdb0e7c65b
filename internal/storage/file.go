package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	logx "cronhost/pkg/logx"
)

const compactEvery = 1000

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.runs.jsonl (append-only JSON Lines)
//
// The newest Retain runs per task are kept in memory; every compactEvery
// appends the journal is rewritten to hold only those.
type fileStore struct {
	log    logx.Logger
	retain int

	mu      sync.Mutex
	path    string
	journal *os.File
	runs    map[string][]RunRecord // oldest first
	writes  int
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:    log,
		retain: cfg.Retain,
		path:   filepath.Join(dir, base) + ".runs.jsonl",
		runs:   map[string][]RunRecord{},
	}
	skipped, err := s.replay()
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if skipped > 0 {
		log.Warn("skipped corrupt run records", logx.Int("count", skipped), logx.String("path", s.path))
	}

	jf, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	s.journal = jf
	return s, nil
}

func (s *fileStore) replay() (skipped int, err error) {
	f, err := os.Open(s.path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		var r RunRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.Task == "" {
			skipped++
			continue
		}
		s.keepLocked(r)
	}
	for task, rs := range s.runs {
		sort.SliceStable(rs, func(i, j int) bool { return rs[i].Started.Before(rs[j].Started) })
		s.runs[task] = rs
	}
	return skipped, sc.Err()
}

func (s *fileStore) keepLocked(r RunRecord) {
	rs := append(s.runs[r.Task], r)
	if over := len(rs) - s.retain; over > 0 {
		rs = append(rs[:0:0], rs[over:]...)
	}
	s.runs[r.Task] = rs
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}

func (s *fileStore) AppendRun(ctx context.Context, r RunRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(r.Task) == "" {
		return errors.New("run record without task")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.journal).Encode(r); err != nil {
		return err
	}
	s.keepLocked(r)
	s.writes++
	if s.writes%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("run journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) RecentRuns(ctx context.Context, task string, limit int) ([]RunRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rs := s.runs[task]
	if limit <= 0 || limit > len(rs) {
		limit = len(rs)
	}
	out := make([]RunRecord, 0, limit)
	for i := len(rs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, rs[i])
	}
	return out, nil
}

func (s *fileStore) LastRun(ctx context.Context, task string) (RunRecord, bool, error) {
	rs, err := s.RecentRuns(ctx, task, 1)
	if err != nil || len(rs) == 0 {
		return RunRecord{}, false, err
	}
	return rs[0], true, nil
}

// compactLocked rewrites the journal with the retained records only.
func (s *fileStore) compactLocked() error {
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, rs := range s.runs {
		for _, r := range rs {
			if err := enc.Encode(r); err != nil {
				_ = f.Close()
				return err
			}
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	_ = s.journal.Close()
	renameErr := os.Rename(tmp, s.path)
	jf, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		s.journal = nil
		return err
	}
	s.journal = jf
	return renameErr
}
