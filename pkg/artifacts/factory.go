package artifacts

import (
	"context"
	"fmt"
)

// Backend identifies the artifact storage backend.
type Backend string

const (
	BackendFile Backend = "file"
	BackendS3   Backend = "s3"
	BackendGCS  Backend = "gcs"
)

// FactoryConfig selects and configures a backend.
type FactoryConfig struct {
	Backend  Backend
	BaseDir  string // file backend
	Bucket   string // s3/gcs backends
	Region   string // s3
	Endpoint string // s3 (MinIO/LocalStack)
}

// NewStore builds the configured artifact store.
func NewStore(ctx context.Context, cfg FactoryConfig) (Store, error) {
	switch cfg.Backend {
	case BackendFile, "":
		dir := cfg.BaseDir
		if dir == "" {
			dir = "data/artifacts"
		}
		return NewFileStore(dir)
	case BackendS3:
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("artifacts: s3 backend requires a bucket")
		}
		region := cfg.Region
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Store(ctx, S3StoreConfig{Bucket: cfg.Bucket, Region: region, Endpoint: cfg.Endpoint})
	case BackendGCS:
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("artifacts: gcs backend requires a bucket")
		}
		return newGCSStore(ctx, cfg.Bucket)
	default:
		return nil, fmt.Errorf("artifacts: unsupported backend %q", cfg.Backend)
	}
}
