package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "agentsched/pkg/logx"
)

// fileStore is a dependency-free persistence backend: one append-only
// JSON Lines file, compacted in place once it grows past the keep bound.
type fileStore struct {
	log logx.Logger

	mu     sync.Mutex
	path   string
	f      *os.File
	keep   int
	writes int
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &fileStore{log: log, path: path, f: f, keep: cfg.KeepRecords}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

func (s *fileStore) AppendRecord(ctx context.Context, r Record) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return errors.New("history file closed")
	}
	if err := json.NewEncoder(s.f).Encode(r); err != nil {
		return err
	}
	s.writes++
	if s.writes%1000 == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("history compact failed", logx.Any("err", err))
		}
	}
	return nil
}

func (s *fileStore) RecentRecords(ctx context.Context, limit int) ([]Record, error) {
	_ = ctx
	if limit <= 0 {
		limit = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, err := readRecords(s.path)
	if err != nil {
		return nil, err
	}
	if len(recs) > limit {
		recs = recs[len(recs)-limit:]
	}
	return recs, nil
}

// compactLocked rewrites the file keeping the newest s.keep records.
func (s *fileStore) compactLocked() error {
	recs, err := readRecords(s.path)
	if err != nil {
		return err
	}
	if len(recs) <= s.keep {
		return nil
	}
	recs = recs[len(recs)-s.keep:]

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	for _, r := range recs {
		if err := enc.Encode(r); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return err
	}

	// Reopen the live handle against the compacted file.
	if s.f != nil {
		_ = s.f.Close()
	}
	s.f, err = os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	return err
}

func readRecords(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []Record
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r Record
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			// Skip torn/corrupt lines rather than failing the whole read.
			continue
		}
		out = append(out, r)
	}
	return out, sc.Err()
}
