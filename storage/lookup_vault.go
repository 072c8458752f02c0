package storage

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hashicorp/vault/api"

	"github.com/hwtrust/credman/interfaces"
)

// VaultLookupTable implements a lookup table backend on HashiCorp Vault's KV
// v2 secrets engine. Useful when the credential metadata must live off-host;
// the tamper-resistant detail is still the hardware's, Vault only holds the
// opaque blobs.
type VaultLookupTable struct {
	client      *api.Client
	mountPath   string
	dataPath    string
	log         *slog.Logger
	locationURI string
}

// NewVaultLookupTable creates a Vault-backed lookup table.
//
// Parameters:
//   - address: Vault server address (e.g. https://vault.example.com:8200)
//   - mountPath: KV v2 mount path (e.g. "secret")
//   - dataPath: path within the mount (e.g. "credman")
//   - token: Vault token used for authentication
//   - log: structured logger for operational insights
func NewVaultLookupTable(address, mountPath, dataPath, token string, log *slog.Logger) (*VaultLookupTable, error) {
	config := api.DefaultConfig()
	config.Address = address

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	client.SetToken(token)

	mountPath = strings.TrimSuffix(mountPath, "/")
	dataPath = strings.Trim(dataPath, "/")

	return &VaultLookupTable{
		client:      client,
		mountPath:   mountPath,
		dataPath:    dataPath,
		log:         log,
		locationURI: fmt.Sprintf("vault://%s/%s/%s", address, mountPath, dataPath),
	}, nil
}

// Write stores metadata under label. KV v2 keeps the version counter for us.
func (t *VaultLookupTable) Write(ctx context.Context, label interfaces.Label, metadata interfaces.CredentialMetadata) error {
	path := t.entryPath(label)

	_, err := t.client.Logical().WriteWithContext(ctx, path, map[string]interface{}{
		"data": map[string]interface{}{
			"metadata": base64.StdEncoding.EncodeToString(metadata),
		},
	})
	if err != nil {
		t.log.Error("Failed to write to Vault",
			slog.String("path", path),
			slog.String("label", label.String()),
			"err", err)
		return fmt.Errorf("failed to write credential metadata to Vault: %w", err)
	}

	return nil
}

// Read returns the stored metadata and the KV v2 version of the entry.
func (t *VaultLookupTable) Read(ctx context.Context, label interfaces.Label) (interfaces.CredentialMetadata, uint64, error) {
	path := t.entryPath(label)

	secret, err := t.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read credential metadata from Vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, 0, interfaces.ErrMetadataNotFound
	}

	// KV v2 response format: payload under "data", version under "metadata".
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, 0, interfaces.ErrMetadataNotFound
	}
	encoded, ok := data["metadata"].(string)
	if !ok {
		return nil, 0, fmt.Errorf("metadata key not found in Vault entry at %s", path)
	}
	blob, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, 0, fmt.Errorf("invalid metadata encoding in Vault entry at %s: %w", path, err)
	}

	var version uint64
	if meta, ok := secret.Data["metadata"].(map[string]interface{}); ok {
		if v, ok := meta["version"].(json.Number); ok {
			if parsed, err := v.Int64(); err == nil {
				version = uint64(parsed)
			}
		}
	}

	return interfaces.CredentialMetadata(blob), version, nil
}

// Delete removes the entry for label including its version history.
func (t *VaultLookupTable) Delete(ctx context.Context, label interfaces.Label) error {
	path := t.metadataPath(label)

	if _, err := t.client.Logical().DeleteWithContext(ctx, path); err != nil {
		return fmt.Errorf("failed to delete credential metadata from Vault: %w", err)
	}
	return nil
}

// Reset removes every entry under the data path.
func (t *VaultLookupTable) Reset(ctx context.Context) error {
	listPath := fmt.Sprintf("%s/metadata/%s", t.mountPath, t.dataPath)

	secret, err := t.client.Logical().ListWithContext(ctx, listPath)
	if err != nil {
		return fmt.Errorf("failed to list Vault entries: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil
	}

	keys, ok := secret.Data["keys"].([]interface{})
	if !ok {
		return nil
	}
	for _, key := range keys {
		name, ok := key.(string)
		if !ok {
			continue
		}
		path := fmt.Sprintf("%s/metadata/%s/%s", t.mountPath, t.dataPath, name)
		if _, err := t.client.Logical().DeleteWithContext(ctx, path); err != nil {
			return fmt.Errorf("failed to delete Vault entry %s: %w", name, err)
		}
	}

	t.log.Info("Lookup table reset", slog.String("uri", t.locationURI))
	return nil
}

// LocationURI returns the URI that identifies this backend.
func (t *VaultLookupTable) LocationURI() string {
	return t.locationURI
}

func (t *VaultLookupTable) entryPath(label interfaces.Label) string {
	return fmt.Sprintf("%s/data/%s/%d", t.mountPath, t.dataPath, uint64(label))
}

func (t *VaultLookupTable) metadataPath(label interfaces.Label) string {
	return fmt.Sprintf("%s/metadata/%s/%d", t.mountPath, t.dataPath, uint64(label))
}
