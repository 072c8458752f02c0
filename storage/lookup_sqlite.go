package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hwtrust/credman/interfaces"
)

// SqliteLookupTable implements a lookup table backend on a single sqlite3
// database file. This is the default backend: it gives atomic single-entry
// updates without the fsync bookkeeping the file backend needs.
type SqliteLookupTable struct {
	db          *sql.DB
	log         *slog.Logger
	locationURI string
}

const createCredentialsTable = `
CREATE TABLE IF NOT EXISTS credentials (
	label    INTEGER PRIMARY KEY,
	metadata BLOB NOT NULL,
	version  INTEGER NOT NULL
);`

// NewSqliteLookupTable opens (creating if necessary) the database at path and
// ensures the schema exists.
func NewSqliteLookupTable(path string, log *slog.Logger) (*SqliteLookupTable, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// A single connection sidesteps SQLITE_BUSY between the manager's
	// serialized writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(createCredentialsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create credentials table: %w", err)
	}

	return &SqliteLookupTable{
		db:          db,
		log:         log,
		locationURI: fmt.Sprintf("sqlite://%s", path),
	}, nil
}

// Write stores metadata under label, bumping the entry's version.
func (t *SqliteLookupTable) Write(ctx context.Context, label interfaces.Label, metadata interfaces.CredentialMetadata) error {
	_, err := t.db.ExecContext(ctx, `
		INSERT INTO credentials (label, metadata, version) VALUES (?, ?, 1)
		ON CONFLICT(label) DO UPDATE SET metadata = excluded.metadata, version = version + 1`,
		int64(label), []byte(metadata))
	if err != nil {
		return fmt.Errorf("failed to write credential metadata: %w", err)
	}

	t.log.Debug("Stored credential metadata",
		slog.String("label", label.String()),
		slog.Int("size", len(metadata)))

	return nil
}

// Read returns the stored metadata and its version.
func (t *SqliteLookupTable) Read(ctx context.Context, label interfaces.Label) (interfaces.CredentialMetadata, uint64, error) {
	var metadata []byte
	var version uint64
	err := t.db.QueryRowContext(ctx,
		`SELECT metadata, version FROM credentials WHERE label = ?`, int64(label)).
		Scan(&metadata, &version)
	if err == sql.ErrNoRows {
		return nil, 0, interfaces.ErrMetadataNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read credential metadata: %w", err)
	}

	return interfaces.CredentialMetadata(metadata), version, nil
}

// Delete removes the entry for label. Deleting an absent label is not an
// error.
func (t *SqliteLookupTable) Delete(ctx context.Context, label interfaces.Label) error {
	if _, err := t.db.ExecContext(ctx,
		`DELETE FROM credentials WHERE label = ?`, int64(label)); err != nil {
		return fmt.Errorf("failed to delete credential metadata: %w", err)
	}
	return nil
}

// Reset removes every entry.
func (t *SqliteLookupTable) Reset(ctx context.Context) error {
	if _, err := t.db.ExecContext(ctx, `DELETE FROM credentials`); err != nil {
		return fmt.Errorf("failed to reset lookup table: %w", err)
	}
	t.log.Info("Lookup table reset", slog.String("uri", t.locationURI))
	return nil
}

// LocationURI returns the URI that identifies this backend.
func (t *SqliteLookupTable) LocationURI() string {
	return t.locationURI
}

// Close releases the database handle.
func (t *SqliteLookupTable) Close() error {
	return t.db.Close()
}
