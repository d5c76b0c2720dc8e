//go:build gcp

package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// GCSStore keeps blobs in a Google Cloud Storage bucket.
type GCSStore struct {
	client *storage.Client
	bucket string
}

// GCSStoreConfig configures the bucket.
type GCSStoreConfig struct {
	Bucket string
}

// NewGCSStore creates a GCS-backed artifact store using ADC credentials.
func NewGCSStore(ctx context.Context, cfg GCSStoreConfig) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("artifacts: failed to create GCS client: %w", err)
	}
	return &GCSStore{client: client, bucket: cfg.Bucket}, nil
}

func (s *GCSStore) ref(key string) Ref {
	return Ref{Scheme: "gs", Root: s.bucket, Key: key}
}

// Put uploads the blob unless the key already exists.
func (s *GCSStore) Put(ctx context.Context, data []byte, mime string) (Ref, error) {
	key := Key(Digest(data))
	obj := s.client.Bucket(s.bucket).Object(key)

	if _, err := obj.Attrs(ctx); err == nil {
		return s.ref(key), nil
	}

	w := obj.NewWriter(ctx)
	if mime == "" {
		mime = "application/octet-stream"
	}
	w.ContentType = mime
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return Ref{}, fmt.Errorf("artifacts: gcs write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return Ref{}, fmt.Errorf("artifacts: gcs commit failed: %w", err)
	}
	return s.ref(key), nil
}

func (s *GCSStore) Get(ctx context.Context, ref Ref) ([]byte, error) {
	r, err := s.client.Bucket(s.bucket).Object(ref.Key).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("artifacts: gcs get failed: %w", err)
	}
	defer func() { _ = r.Close() }()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("artifacts: gcs body read failed: %w", err)
	}
	return data, nil
}

func (s *GCSStore) Exists(ctx context.Context, ref Ref) (bool, error) {
	_, err := s.client.Bucket(s.bucket).Object(ref.Key).Attrs(ctx)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("artifacts: gcs attrs failed: %w", err)
}

func (s *GCSStore) Delete(ctx context.Context, ref Ref) error {
	err := s.client.Bucket(s.bucket).Object(ref.Key).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("artifacts: gcs delete failed: %w", err)
	}
	return nil
}
