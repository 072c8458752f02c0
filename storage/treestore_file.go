package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/hwtrust/credman/interfaces"
)

// FileTreeStore persists hash tree snapshots as a single file on the local
// file system. Every Store attempt, successful or not, is reported to
// Diagnostics as a tree-store outcome.
type FileTreeStore struct {
	path        string
	diagnostics interfaces.Diagnostics
	log         *slog.Logger
	locationURI string
}

// NewFileTreeStore creates a file-backed tree store at path, creating the
// parent directory if needed.
func NewFileTreeStore(path string, diagnostics interfaces.Diagnostics, log *slog.Logger) (*FileTreeStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create tree store directory: %w", err)
	}

	return &FileTreeStore{
		path:        path,
		diagnostics: diagnostics,
		log:         log,
		locationURI: fmt.Sprintf("file://%s", path),
	}, nil
}

// Store persists the snapshot, replacing any previous one atomically.
func (s *FileTreeStore) Store(ctx context.Context, snapshot []byte) error {
	err := s.writeSnapshot(snapshot)
	s.diagnostics.TreeStoreOutcome(err)
	if err != nil {
		s.log.Error("Failed to store hash tree snapshot",
			slog.String("path", s.path),
			"err", err)
		return err
	}

	s.log.Debug("Stored hash tree snapshot",
		slog.String("path", s.path),
		slog.Int("size", len(snapshot)))
	return nil
}

func (s *FileTreeStore) writeSnapshot(snapshot []byte) error {
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, snapshot, 0600); err != nil {
		return fmt.Errorf("failed to write tree snapshot: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace tree snapshot: %w", err)
	}
	return nil
}

// Load returns the most recent snapshot, or ErrNoTreeSnapshot.
func (s *FileTreeStore) Load(ctx context.Context) ([]byte, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, interfaces.ErrNoTreeSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read tree snapshot: %w", err)
	}
	return data, nil
}

// LocationURI returns the URI that identifies this backend.
func (s *FileTreeStore) LocationURI() string {
	return s.locationURI
}
