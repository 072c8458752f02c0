package storage

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/hwtrust/credman/interfaces"
)

// Factory creates lookup table and tree store backends from URI strings.
type Factory struct {
	log         *slog.Logger
	diagnostics interfaces.Diagnostics
}

// NewFactory creates a factory instance. The diagnostics sink is handed to
// tree stores so they can report store outcomes.
func NewFactory(log *slog.Logger, diagnostics interfaces.Diagnostics) *Factory {
	return &Factory{
		log:         log,
		diagnostics: diagnostics,
	}
}

// LookupTableFor creates a lookup table backend from a location URI.
//
// Supported schemes:
//   - file:// - one JSON envelope file per label under a directory
//   - sqlite:// - single sqlite3 database file
//   - vault:// - HashiCorp Vault KV v2
//
// Returns an error if the URI is invalid or the scheme is unsupported.
func (f *Factory) LookupTableFor(locationURI string) (interfaces.LookupTable, error) {
	u, err := url.Parse(locationURI)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrInvalidLocationURI, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "file":
		return NewFileLookupTable(u.Host+u.Path, f.log)
	case "sqlite":
		return NewSqliteLookupTable(u.Host+u.Path, f.log)
	case "vault":
		return f.createVaultLookupTable(u)
	default:
		return nil, fmt.Errorf("%w: unsupported lookup table scheme: %s", interfaces.ErrInvalidLocationURI, u.Scheme)
	}
}

// TreeStoreFor creates a tree snapshot store from a location URI.
//
// Supported schemes:
//   - file:// - single snapshot file
//   - s3://   - Amazon S3 or compatible object storage
//
// Returns an error if the URI is invalid or the scheme is unsupported.
func (f *Factory) TreeStoreFor(locationURI string) (interfaces.HashTreeStorage, error) {
	u, err := url.Parse(locationURI)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrInvalidLocationURI, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "file":
		return NewFileTreeStore(u.Host+u.Path, f.diagnostics, f.log)
	case "s3":
		return f.createS3TreeStore(u)
	default:
		return nil, fmt.Errorf("%w: unsupported tree store scheme: %s", interfaces.ErrInvalidLocationURI, u.Scheme)
	}
}

// createVaultLookupTable creates a Vault lookup table backend.
// URI format: vault://vault.example.com:8200/mount/data-path?token=...&tls=true
func (f *Factory) createVaultLookupTable(u *url.URL) (interfaces.LookupTable, error) {
	f.log.Debug("Creating vault lookup table", slog.String("uri", u.Redacted()))

	parts := strings.SplitN(strings.Trim(u.Path, "/"), "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("%w: vault URI path must be /mount/data-path", interfaces.ErrInvalidLocationURI)
	}

	scheme := "https"
	if u.Query().Get("tls") == "false" {
		scheme = "http"
	}
	address := fmt.Sprintf("%s://%s", scheme, u.Host)

	token := u.Query().Get("token")
	if u.User != nil {
		if pw, ok := u.User.Password(); ok {
			token = pw
		}
	}

	return NewVaultLookupTable(address, parts[0], parts[1], token, f.log)
}

// createS3TreeStore creates an S3 tree store backend.
// URI format: s3://access:secret@bucket/prefix?region=us-west-2&endpoint=...
func (f *Factory) createS3TreeStore(u *url.URL) (interfaces.HashTreeStorage, error) {
	f.log.Debug("Creating s3 tree store", slog.String("uri", u.Redacted()))

	bucket := u.Host
	if bucket == "" {
		return nil, fmt.Errorf("%w: s3 URI must name a bucket", interfaces.ErrInvalidLocationURI)
	}

	region := u.Query().Get("region")
	if region == "" {
		region = "us-east-1"
	}
	endpoint := u.Query().Get("endpoint")

	var accessKey, secretKey string
	if u.User != nil {
		accessKey = u.User.Username()
		secretKey, _ = u.User.Password()
	}

	return NewS3TreeStore(bucket, strings.TrimPrefix(u.Path, "/"), region, endpoint, accessKey, secretKey, f.diagnostics, f.log)
}
