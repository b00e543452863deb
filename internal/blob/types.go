// Package blob re-exports core blob abstractions for stable imports and
// selects a driver from configuration.
package blob

import (
	"context"
	"errors"
	"fmt"

	"kgmirror/internal/blob/core"
)

type (
	// Driver identifies a blob backend driver.
	Driver = core.Driver
	// PutOptions configures a blob write.
	PutOptions = core.PutOptions
	// Info describes stored blob metadata.
	Info = core.Info
	// Store is the interface for blob storage backends.
	Store = core.Store
)

const (
	// DriverFilesystem is the local filesystem driver.
	DriverFilesystem = core.DriverFilesystem
	// DriverS3 is the S3-compatible driver.
	DriverS3 = core.DriverS3
	// DriverGCS is the Google Cloud Storage driver.
	DriverGCS = core.DriverGCS
	// DriverMemory is the in-memory test driver.
	DriverMemory = core.DriverMemory
)

var (
	// ErrNotFound indicates a missing key.
	ErrNotFound = core.ErrNotFound
	// ErrUnsupported indicates an operation isn't supported by a driver.
	ErrUnsupported = core.ErrUnsupported
)

// Exists reports whether key is present.
func Exists(ctx context.Context, s Store, key string) (bool, error) {
	_, err := s.Head(ctx, key)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return false, err
}

// Size returns the byte size of key.
func Size(ctx context.Context, s Store, key string) (int64, error) {
	info, err := s.Head(ctx, key)
	if err != nil {
		return 0, err
	}
	return info.Size, nil
}

// Fingerprint identifies the current content of key from its metadata, so a
// re-uploaded dump is recognised as a new snapshot.
func Fingerprint(info Info) string {
	return fmt.Sprintf("%s:%d:%s", info.ETag, info.Size, info.LastModified.UTC().Format("20060102T150405Z"))
}
