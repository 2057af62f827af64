// Package filestore persists records as one JSON file per record.
//
// Files are written to a temp file and renamed into place, so a crash never
// leaves a half-written record. Files and the directory are owner-only.
package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/becomeliminal/nim-memory/memory"
)

const ext = ".json"

// Store is a directory of record files.
type Store struct {
	dir    string
	logger *log.Logger

	// mu serializes existence checks with writes.
	mu sync.Mutex
}

var _ memory.RecordStore = (*Store)(nil)

// Open creates dir if needed and returns a store rooted there.
func Open(dir string, logger *log.Logger) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: record directory is required", memory.ErrInvalidInput)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: create record directory: %w", memory.ErrBackendUnavailable, err)
	}
	if logger == nil {
		logger = log.Default()
	}
	s := &Store{dir: dir, logger: logger.WithPrefix("filestore")}
	s.removeTemps()
	return s, nil
}

// Dir returns the root directory.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) path(id string) (string, error) {
	if id == "" || id != filepath.Base(id) || strings.HasPrefix(id, ".") {
		return "", fmt.Errorf("%w: unsafe record id %q", memory.ErrInvalidInput, id)
	}
	return filepath.Join(s.dir, id+ext), nil
}

func (s *Store) Put(_ context.Context, rec *memory.Record) error {
	path, err := s.path(rec.ID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("put %s: %w", rec.ID, memory.ErrDuplicateID)
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: stat %s: %w", memory.ErrBackendUnavailable, rec.ID, err)
	}
	return s.write(path, rec)
}

func (s *Store) Update(_ context.Context, rec *memory.Record) error {
	path, err := s.path(rec.ID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("update %s: %w", rec.ID, memory.ErrNotFound)
	} else if err != nil {
		return fmt.Errorf("%w: stat %s: %w", memory.ErrBackendUnavailable, rec.ID, err)
	}
	return s.write(path, rec)
}

// write replaces path atomically.
func (s *Store) write(path string, rec *memory.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record %s: %w", rec.ID, err)
	}

	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: create temp file: %w", memory.ErrBackendUnavailable, err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}

	if err := tmp.Chmod(0o600); err != nil {
		cleanup()
		return fmt.Errorf("%w: chmod temp file: %w", memory.ErrBackendUnavailable, err)
	}
	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("%w: write record %s: %w", memory.ErrBackendUnavailable, rec.ID, err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("%w: sync record %s: %w", memory.ErrBackendUnavailable, rec.ID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: close record %s: %w", memory.ErrBackendUnavailable, rec.ID, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: rename record %s: %w", memory.ErrBackendUnavailable, rec.ID, err)
	}
	return nil
}

func (s *Store) Get(_ context.Context, id string) (*memory.Record, error) {
	path, err := s.path(id)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", id, memory.ErrNotFound)
	}
	return s.read(path, id)
}

func (s *Store) read(path, id string) (*memory.Record, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("get %s: %w", id, memory.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read record %s: %w", memory.ErrBackendUnavailable, id, err)
	}
	var rec memory.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: decode record %s: %w", memory.ErrTamperedOrCorrupted, id, err)
	}
	if rec.ID != id {
		return nil, fmt.Errorf("%w: record file %s holds id %s", memory.ErrTamperedOrCorrupted, id, rec.ID)
	}
	return &rec, nil
}

func (s *Store) Delete(_ context.Context, id string) (bool, error) {
	path, err := s.path(id)
	if err != nil {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	err = os.Remove(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: remove record %s: %w", memory.ErrBackendUnavailable, id, err)
	}
	return true, nil
}

func (s *Store) ListByScope(ctx context.Context, ownerScope string, filter memory.Filter) ([]*memory.Record, error) {
	filter.OwnerScope = ownerScope
	var out []*memory.Record
	err := s.Scan(ctx, func(rec *memory.Record) error {
		if filter.MatchesRecord(rec) {
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

// Scan reads every record file. Unreadable files are logged and skipped so
// one damaged record does not hide the rest.
func (s *Store) Scan(ctx context.Context, fn func(*memory.Record) error) error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("%w: list records: %w", memory.ErrBackendUnavailable, err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ext) || strings.HasPrefix(name, ".") {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		id := strings.TrimSuffix(name, ext)
		rec, err := s.read(filepath.Join(s.dir, name), id)
		if errors.Is(err, memory.ErrNotFound) {
			// Deleted since ReadDir.
			continue
		}
		if err != nil {
			s.logger.Warn("skipping unreadable record", "id", id, "err", err)
			continue
		}
		if err := fn(rec); err != nil {
			if errors.Is(err, memory.ErrStopScan) {
				return nil
			}
			return err
		}
	}
	return nil
}

// removeTemps clears temp files left by an interrupted write.
func (s *Store) removeTemps() {
	matches, _ := filepath.Glob(filepath.Join(s.dir, ".tmp-*"))
	for _, m := range matches {
		if err := os.Remove(m); err == nil {
			s.logger.Debug("removed stale temp file", "path", filepath.Base(m))
		}
	}
}

func (s *Store) Close() error {
	return nil
}
