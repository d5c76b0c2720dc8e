//go:build gcp

package artifacts

import "context"

func newGCSStore(ctx context.Context, bucket string) (Store, error) {
	return NewGCSStore(ctx, GCSStoreConfig{Bucket: bucket})
}
