package storage

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hwtrust/credman/interfaces"
)

// recordingDiagnostics captures diagnostics events for assertions.
type recordingDiagnostics struct {
	mu                sync.Mutex
	counts            []uint64
	treeStoreOutcomes []error
}

func (d *recordingDiagnostics) CredentialCount(n uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.counts = append(d.counts, n)
}

func (d *recordingDiagnostics) OperationOutcome(kind interfaces.OperationKind, result error) {}

func (d *recordingDiagnostics) ResetOutcome(result error) {}

func (d *recordingDiagnostics) TreeStoreOutcome(result error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.treeStoreOutcomes = append(d.treeStoreOutcomes, result)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLookupTables(t *testing.T) {
	tests := []struct {
		name string
		open func(t *testing.T) interfaces.LookupTable
	}{
		{
			name: "file",
			open: func(t *testing.T) interfaces.LookupTable {
				table, err := NewFileLookupTable(t.TempDir(), testLogger())
				require.NoError(t, err)
				return table
			},
		},
		{
			name: "sqlite",
			open: func(t *testing.T) interfaces.LookupTable {
				table, err := NewSqliteLookupTable(filepath.Join(t.TempDir(), "lookup.db"), testLogger())
				require.NoError(t, err)
				return table
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Run("read missing", func(t *testing.T) {
				table := tt.open(t)
				_, _, err := table.Read(context.Background(), 7)
				assert.ErrorIs(t, err, interfaces.ErrMetadataNotFound)
			})

			t.Run("write read delete", func(t *testing.T) {
				table := tt.open(t)
				ctx := context.Background()

				require.NoError(t, table.Write(ctx, 3, interfaces.CredentialMetadata("blob-a")))

				got, version, err := table.Read(ctx, 3)
				require.NoError(t, err)
				assert.Equal(t, interfaces.CredentialMetadata("blob-a"), got)
				assert.Equal(t, uint64(1), version)

				require.NoError(t, table.Delete(ctx, 3))
				_, _, err = table.Read(ctx, 3)
				assert.ErrorIs(t, err, interfaces.ErrMetadataNotFound)
			})

			t.Run("version bumps on rewrite", func(t *testing.T) {
				table := tt.open(t)
				ctx := context.Background()

				require.NoError(t, table.Write(ctx, 9, interfaces.CredentialMetadata("v1")))
				require.NoError(t, table.Write(ctx, 9, interfaces.CredentialMetadata("v2")))

				got, version, err := table.Read(ctx, 9)
				require.NoError(t, err)
				assert.Equal(t, interfaces.CredentialMetadata("v2"), got)
				assert.Equal(t, uint64(2), version)
			})

			t.Run("delete absent label is not an error", func(t *testing.T) {
				table := tt.open(t)
				assert.NoError(t, table.Delete(context.Background(), 42))
			})

			t.Run("reset clears all entries", func(t *testing.T) {
				table := tt.open(t)
				ctx := context.Background()

				require.NoError(t, table.Write(ctx, 1, interfaces.CredentialMetadata("one")))
				require.NoError(t, table.Write(ctx, 2, interfaces.CredentialMetadata("two")))
				require.NoError(t, table.Reset(ctx))

				_, _, err := table.Read(ctx, 1)
				assert.ErrorIs(t, err, interfaces.ErrMetadataNotFound)
				_, _, err = table.Read(ctx, 2)
				assert.ErrorIs(t, err, interfaces.ErrMetadataNotFound)
			})
		})
	}
}
