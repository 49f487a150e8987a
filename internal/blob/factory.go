package blob

import (
	"context"
	"fmt"

	"sfmgraph/internal/config"
	fsstore "sfmgraph/internal/infra/blob/fs"
	memorystore "sfmgraph/internal/infra/blob/memory"
	s3store "sfmgraph/internal/infra/blob/s3"
)

// Open returns the blob.Store selected by cfg.Driver.
func Open(ctx context.Context, cfg config.BlobConfig) (Store, error) {
	switch Driver(cfg.Driver) {
	case DriverMemory, "":
		return memorystore.New(), nil
	case DriverFilesystem:
		return fsstore.New(cfg.FSRoot)
	case DriverS3:
		return s3store.New(ctx, s3store.Config{
			Bucket:    cfg.S3.Bucket,
			Region:    cfg.S3.Region,
			Endpoint:  cfg.S3.Endpoint,
			PathStyle: cfg.S3.PathStyle,
		})
	default:
		return nil, fmt.Errorf("unknown blob driver %s", cfg.Driver)
	}
}

// NewMemory returns an in-memory blob.Store.
func NewMemory() Store { return memorystore.New() }

// NewMockS3ForTests exposes the offline S3 store for cross-package tests.
func NewMockS3ForTests() Store { return s3store.NewMockForTests() }
