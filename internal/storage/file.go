package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "igwatch/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.<key>.json   (one JSON document per state key, atomic replace)
//   - <prefix>.audit.jsonl  (append-only JSON Lines)
type fileStore struct {
	log logx.Logger

	prefix string

	mu        sync.Mutex
	auditFile *os.File
	auditPath string
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	auditPath := prefix + ".audit.jsonl"
	af, err := os.OpenFile(auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{log: log, prefix: prefix, auditFile: af, auditPath: auditPath}, nil
}

func (s *fileStore) statePath(key string) string {
	return s.prefix + "." + key + ".json"
}

func (s *fileStore) LoadState(ctx context.Context, key string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(s.statePath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return err
	}
	if len(b) == 0 {
		return ErrNotFound
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("state %q: %w", key, err)
	}
	return nil
}

// SaveState writes via tmp + rename so readers never observe a torn document
// and a crash mid-write preserves the previous version.
func (s *fileStore) SaveState(ctx context.Context, key string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("state %q: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.statePath(key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return errors.New("storage: closed")
	}
	if _, err := s.auditFile.Write(append(b, '\n')); err != nil {
		return err
	}
	return nil
}

func (s *fileStore) RecentAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	entries, err := s.readAudit()
	if err != nil {
		return nil, err
	}
	if len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}

func (s *fileStore) PruneAudit(ctx context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.readAuditLocked()
	if err != nil {
		return 0, err
	}
	kept := entries[:0]
	for _, e := range entries {
		if !e.At.Before(olderThan) {
			kept = append(kept, e)
		}
	}
	removed := int64(len(entries) - len(kept))
	if removed == 0 {
		return 0, nil
	}

	// Rewrite the jsonl file atomically, then reopen the append handle.
	tmp := s.auditPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, err
	}
	w := bufio.NewWriter(f)
	for _, e := range kept {
		b, err := json.Marshal(e)
		if err != nil {
			_ = f.Close()
			return 0, err
		}
		if _, err := w.Write(append(b, '\n')); err != nil {
			_ = f.Close()
			return 0, err
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return 0, err
	}
	if err := f.Close(); err != nil {
		return 0, err
	}

	_ = s.auditFile.Close()
	if err := os.Rename(tmp, s.auditPath); err != nil {
		return 0, err
	}
	af, err := os.OpenFile(s.auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, err
	}
	s.auditFile = af
	return removed, nil
}

func (s *fileStore) readAudit() ([]AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readAuditLocked()
}

func (s *fileStore) readAuditLocked() ([]AuditEntry, error) {
	f, err := os.Open(s.auditPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []AuditEntry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var e AuditEntry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			// A torn tail line (crash mid-append) is expected; skip it.
			s.log.Debug("skipping malformed audit line", logx.Err(err))
			continue
		}
		out = append(out, e)
	}
	return out, sc.Err()
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return nil
	}
	err := s.auditFile.Close()
	s.auditFile = nil
	return err
}
