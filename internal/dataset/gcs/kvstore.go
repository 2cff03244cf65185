// Package gcs provides a KeyValueStore backed by Google Cloud Storage for
// large artifacts (page bodies, screenshots).
package gcs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string
	Prefix string
}

// KeyValueStore writes named artifacts to a configured GCS bucket.
type KeyValueStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// New creates a GCS-backed key-value store.
func New(client *storage.Client, cfg Config) (*KeyValueStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &KeyValueStore{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// SetValue uploads value under key, replacing any previous object.
func (s *KeyValueStore) SetValue(ctx context.Context, key, contentType string, value []byte) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("key is required")
	}
	writer := s.client.Bucket(s.bucket).Object(s.objectPath(key)).NewWriter(ctx)
	if contentType != "" {
		writer.ContentType = contentType
	}
	if _, err := io.Copy(writer, bytes.NewReader(value)); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close writer: %w", err)
	}
	return nil
}

// URI returns the gs:// address a key is stored under.
func (s *KeyValueStore) URI(key string) string {
	return fmt.Sprintf("gs://%s/%s", s.bucket, s.objectPath(key))
}

func (s *KeyValueStore) objectPath(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}
