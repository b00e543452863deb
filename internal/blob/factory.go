package blob

import (
	"context"
	"fmt"

	"kgmirror/internal/config"
	infraFS "kgmirror/internal/infra/blob/fs"
	infraGCS "kgmirror/internal/infra/blob/gcs"
	infraMemory "kgmirror/internal/infra/blob/memory"
	infraS3 "kgmirror/internal/infra/blob/s3"
)

// Open selects a Store implementation from configuration.
//
//	blob.driver: fs|s3|gcs|memory (default fs)
//	blob.fs_root: directory root when driver=fs (default ./dumps)
//	blob.s3_*: bucket, region, endpoint, path style when driver=s3
//	blob.gcs_bucket: bucket when driver=gcs
func Open(ctx context.Context, cfg config.BlobConfig) (Store, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = string(DriverFilesystem)
	}
	switch Driver(driver) {
	case DriverFilesystem:
		return infraFS.New(cfg.FSRoot)
	case DriverS3:
		return infraS3.New(ctx, infraS3.Config{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			PathStyle: cfg.S3PathStyle,
		})
	case DriverGCS:
		return infraGCS.New(ctx, infraGCS.Config{Bucket: cfg.GCSBucket})
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %s", driver)
	}
}

// NewMemory returns an in-memory Store for tests.
func NewMemory() Store { return infraMemory.New() }

// NewFilesystem returns a filesystem Store rooted at root.
func NewFilesystem(root string) (Store, error) { return infraFS.New(root) }

// NewMockS3ForTests exposes the in-process S3 mock for cross-package tests.
func NewMockS3ForTests() Store { return infraS3.NewMockForTests() }
