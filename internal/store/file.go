package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "github.com/ZUA228132/wishlist-app/pkg/logx"
)

// fileStore keeps the whole document in one JSON file.
//
// Writes go to <path>.tmp and are renamed into place, so a concurrent Load
// never observes a half-written document. The single mutex serializes the
// load-mutate-save sequence of Update.
type fileStore struct {
	log logx.Logger

	mu   sync.Mutex
	path string
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("store.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &fileStore{log: log, path: path}, nil
}

func (s *fileStore) Close() error { return nil }

func (s *fileStore) Load(ctx context.Context) (*Snapshot, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *fileStore) Save(ctx context.Context, snap *Snapshot) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(snap)
}

func (s *fileStore) Update(ctx context.Context, mutate func(*Snapshot) error) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := s.loadLocked()
	if err != nil {
		return err
	}
	if err := mutate(snap); err != nil {
		return err
	}
	return s.saveLocked(snap)
}

func (s *fileStore) loadLocked() (*Snapshot, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			// First-run bootstrap.
			return NewSnapshot(), nil
		}
		return nil, fmt.Errorf("%w: read %s: %v", ErrUnavailable, s.path, err)
	}

	var snap Snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrUnavailable, s.path, err)
	}
	snap.normalize()
	return &snap, nil
}

func (s *fileStore) saveLocked(snap *Snapshot) error {
	if snap == nil {
		return errors.New("nil snapshot")
	}
	snap.normalize()

	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode: %v", ErrUnavailable, err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrUnavailable, tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("%w: rename %s: %v", ErrUnavailable, tmp, err)
	}
	return nil
}
