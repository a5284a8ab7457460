package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileStore keeps one JSON file per stream in a directory.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates dir if needed and returns a store rooted there.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("checkpoint dir %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(streamID string) string {
	return filepath.Join(s.dir, url.PathEscape(streamID)+".json")
}

// Load implements Store.
func (s *FileStore) Load(_ context.Context, streamID string) (Checkpoint, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(streamID)
}

func (s *FileStore) read(streamID string) (Checkpoint, bool, error) {
	raw, err := os.ReadFile(s.path(streamID))
	if errors.Is(err, fs.ErrNotExist) {
		return Checkpoint{StreamID: streamID, Committed: map[int32]int64{}}, false, nil
	}
	if err != nil {
		return Checkpoint{}, false, fmt.Errorf("load checkpoint %s: %w", streamID, err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return Checkpoint{}, false, fmt.Errorf("parse checkpoint %s: %w", streamID, err)
	}
	if cp.Committed == nil {
		cp.Committed = map[int32]int64{}
	}
	return cp, true, nil
}

// Commit implements Store. The file is replaced atomically via rename and
// is on disk when Commit returns.
func (s *FileStore) Commit(_ context.Context, cp Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, _, err := s.read(cp.StreamID)
	if err != nil {
		return err
	}
	merged, err := Merge(prev.Committed, cp.Committed)
	if err != nil {
		return fmt.Errorf("commit checkpoint %s: %w", cp.StreamID, err)
	}
	cp.Committed = merged
	if cp.CommittedAt.IsZero() {
		cp.CommittedAt = time.Now().UTC()
	}

	raw, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return err
	}
	if err := s.replace(s.path(cp.StreamID), raw); err != nil {
		return fmt.Errorf("write checkpoint %s: %w", cp.StreamID, err)
	}
	return nil
}

// replace writes raw to a temp file, syncs it, renames it over path and syncs
// the directory so the new name survives a crash.
func (s *FileStore) replace(path string, raw []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(raw); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return syncDir(s.dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	// Some platforms cannot fsync a directory; the rename already happened.
	if err := d.Sync(); err != nil && !errors.Is(err, errors.ErrUnsupported) {
		return err
	}
	return nil
}
