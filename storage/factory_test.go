package storage

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hwtrust/credman/interfaces"
)

func TestFactory_LookupTableFor(t *testing.T) {
	factory := NewFactory(testLogger(), &recordingDiagnostics{})

	tests := []struct {
		name    string
		uri     string
		wantErr bool
		want    string
	}{
		{
			name: "file scheme",
			uri:  "file://" + t.TempDir(),
			want: "*storage.FileLookupTable",
		},
		{
			name: "sqlite scheme",
			uri:  fmt.Sprintf("sqlite://%s/lookup.db", t.TempDir()),
			want: "*storage.SqliteLookupTable",
		},
		{
			name: "vault scheme",
			uri:  "vault://vault.example.com:8200/secret/credman?token=abc",
			want: "*storage.VaultLookupTable",
		},
		{
			name:    "vault scheme with bad path",
			uri:     "vault://vault.example.com:8200/secret",
			wantErr: true,
		},
		{
			name:    "unsupported scheme",
			uri:     "ipfs://example.com/whatever",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			table, err := factory.LookupTableFor(tt.uri)
			if tt.wantErr {
				assert.ErrorIs(t, err, interfaces.ErrInvalidLocationURI)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, fmt.Sprintf("%T", table))
		})
	}
}

func TestFactory_TreeStoreFor(t *testing.T) {
	factory := NewFactory(testLogger(), &recordingDiagnostics{})

	store, err := factory.TreeStoreFor(fmt.Sprintf("file://%s/hashtree.json", t.TempDir()))
	require.NoError(t, err)
	assert.Equal(t, "*storage.FileTreeStore", fmt.Sprintf("%T", store))

	store, err = factory.TreeStoreFor("s3://bucket/prefix?region=eu-west-1")
	require.NoError(t, err)
	assert.Equal(t, "*storage.S3TreeStore", fmt.Sprintf("%T", store))

	_, err = factory.TreeStoreFor("vault://vault.example.com/secret/credman")
	assert.ErrorIs(t, err, interfaces.ErrInvalidLocationURI)

	_, err = factory.TreeStoreFor("s3://?region=eu-west-1")
	assert.ErrorIs(t, err, interfaces.ErrInvalidLocationURI)
}
