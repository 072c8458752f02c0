package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"

	"github.com/hwtrust/credman/interfaces"
)

// S3TreeStore persists hash tree snapshots in Amazon S3 or a compatible
// service. Intended for deployments that keep the authoritative snapshot off
// the device, e.g. fleet-managed kiosks.
type S3TreeStore struct {
	client      *s3.S3
	bucketName  string
	key         string
	diagnostics interfaces.Diagnostics
	log         *slog.Logger
	locationURI string
}

// NewS3TreeStore creates an S3-backed tree store writing to a single object
// key under the given prefix.
func NewS3TreeStore(bucketName, prefix, region, endpoint, accessKey, secretKey string, diagnostics interfaces.Diagnostics, log *slog.Logger) (*S3TreeStore, error) {
	cfg := aws.Config{
		Region: aws.String(region),
	}
	if endpoint != "" {
		cfg.Endpoint = aws.String(endpoint)
	}
	if accessKey != "" && secretKey != "" {
		cfg.Credentials = credentials.NewStaticCredentials(accessKey, secretKey, "")
	} else {
		log.Warn("No S3 credentials provided - snapshot writes may fail unless bucket is public writable")
	}

	sess, err := session.NewSession(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	uri := fmt.Sprintf("s3://%s/%s?region=%s", bucketName, prefix, region)
	if endpoint != "" {
		uri += fmt.Sprintf("&endpoint=%s", endpoint)
	}

	return &S3TreeStore{
		client:      s3.New(sess),
		bucketName:  bucketName,
		key:         path.Join(strings.TrimSuffix(prefix, "/"), "hashtree.json"),
		diagnostics: diagnostics,
		log:         log,
		locationURI: uri,
	}, nil
}

// Store uploads the snapshot, replacing any previous one.
func (s *S3TreeStore) Store(ctx context.Context, snapshot []byte) error {
	start := time.Now()

	_, err := s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucketName),
		Key:         aws.String(s.key),
		Body:        bytes.NewReader(snapshot),
		ContentType: aws.String("application/json"),
	})
	s.diagnostics.TreeStoreOutcome(err)
	if err != nil {
		s.log.Error("Failed to store hash tree snapshot in S3",
			slog.String("bucket", s.bucketName),
			slog.String("key", s.key),
			"err", err,
			slog.Duration("duration", time.Since(start)))
		return fmt.Errorf("failed to store tree snapshot in S3: %w", err)
	}

	s.log.Debug("Stored hash tree snapshot in S3",
		slog.String("bucket", s.bucketName),
		slog.String("key", s.key),
		slog.Int("size", len(snapshot)),
		slog.Duration("duration", time.Since(start)))
	return nil
}

// Load returns the most recent snapshot, or ErrNoTreeSnapshot.
func (s *S3TreeStore) Load(ctx context.Context) ([]byte, error) {
	result, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(s.key),
	})
	if err != nil {
		if strings.Contains(err.Error(), "NoSuchKey") || strings.Contains(err.Error(), "404") {
			return nil, interfaces.ErrNoTreeSnapshot
		}
		return nil, fmt.Errorf("failed to get tree snapshot from S3: %w", err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read tree snapshot body: %w", err)
	}
	return data, nil
}

// LocationURI returns the URI that identifies this backend.
func (s *S3TreeStore) LocationURI() string {
	return s.locationURI
}
