package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/hwtrust/credman/interfaces"
)

// FileLookupTable implements a lookup table backend on the local file system.
// Each label is stored as one JSON envelope file carrying the metadata blob
// and its version.
type FileLookupTable struct {
	baseDir     string
	log         *slog.Logger
	locationURI string
}

// metadataEnvelope is the on-disk format of one lookup table entry.
type metadataEnvelope struct {
	Version  uint64 `json:"version"`
	Metadata []byte `json:"metadata"`
}

// NewFileLookupTable creates a file-backed lookup table rooted at baseDir,
// creating the directory if needed.
func NewFileLookupTable(baseDir string, log *slog.Logger) (*FileLookupTable, error) {
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create lookup table directory: %w", err)
	}

	return &FileLookupTable{
		baseDir:     baseDir,
		log:         log,
		locationURI: fmt.Sprintf("file://%s", baseDir),
	}, nil
}

// Write stores metadata under label, bumping the entry's version. The file is
// replaced atomically via a temp file and rename so a crash never leaves a
// torn entry behind.
func (t *FileLookupTable) Write(ctx context.Context, label interfaces.Label, metadata interfaces.CredentialMetadata) error {
	path := t.entryPath(label)

	version := uint64(1)
	if prev, err := os.ReadFile(path); err == nil {
		var env metadataEnvelope
		if err := json.Unmarshal(prev, &env); err == nil {
			version = env.Version + 1
		}
	}

	data, err := json.Marshal(metadataEnvelope{Version: version, Metadata: metadata})
	if err != nil {
		return fmt.Errorf("failed to encode metadata envelope: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write metadata file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace metadata file: %w", err)
	}

	t.log.Debug("Stored credential metadata",
		slog.String("label", label.String()),
		slog.Uint64("version", version),
		slog.Int("size", len(metadata)))

	return nil
}

// Read returns the stored metadata and its version.
func (t *FileLookupTable) Read(ctx context.Context, label interfaces.Label) (interfaces.CredentialMetadata, uint64, error) {
	data, err := os.ReadFile(t.entryPath(label))
	if os.IsNotExist(err) {
		return nil, 0, interfaces.ErrMetadataNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read metadata file: %w", err)
	}

	var env metadataEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, 0, fmt.Errorf("failed to decode metadata envelope: %w", err)
	}

	return interfaces.CredentialMetadata(env.Metadata), env.Version, nil
}

// Delete removes the entry for label. Deleting an absent label is not an
// error.
func (t *FileLookupTable) Delete(ctx context.Context, label interfaces.Label) error {
	err := os.Remove(t.entryPath(label))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete metadata file: %w", err)
	}
	return nil
}

// Reset removes every entry.
func (t *FileLookupTable) Reset(ctx context.Context) error {
	entries, err := os.ReadDir(t.baseDir)
	if err != nil {
		return fmt.Errorf("failed to list lookup table directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(t.baseDir, entry.Name())); err != nil {
			return fmt.Errorf("failed to remove metadata file: %w", err)
		}
	}

	t.log.Info("Lookup table reset", slog.String("dir", t.baseDir))
	return nil
}

// LocationURI returns the URI that identifies this backend.
func (t *FileLookupTable) LocationURI() string {
	return t.locationURI
}

// entryPath generates the file path for a label. Labels are zero-padded so
// directory listings sort numerically.
func (t *FileLookupTable) entryPath(label interfaces.Label) string {
	return filepath.Join(t.baseDir, fmt.Sprintf("%020d.json", uint64(label)))
}
