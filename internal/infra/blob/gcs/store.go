// Package gcs implements core.Store on Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"kgmirror/internal/blob/core"
)

// Config selects the bucket. Credentials come from application default
// credentials unless Options override them (e.g. option.WithoutAuthentication
// against an emulator).
type Config struct {
	Bucket  string
	Options []option.ClientOption
}

// Store is a single-bucket GCS blob store.
type Store struct {
	client *storage.Client
	bucket *storage.BucketHandle
}

// New builds a Store for cfg.Bucket.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("gcs bucket required")
	}
	opts := append([]option.ClientOption{option.WithScopes(storage.ScopeReadWrite)}, cfg.Options...)
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return &Store{client: client, bucket: client.Bucket(cfg.Bucket)}, nil
}

func (s *Store) Driver() core.Driver { return core.DriverGCS }

// Close releases the underlying client.
func (s *Store) Close() error { return s.client.Close() }

func (s *Store) Put(ctx context.Context, key string, r io.Reader, opts core.PutOptions) (core.Info, error) {
	w := s.bucket.Object(key).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = opts.ContentType
	w.Metadata = opts.Metadata
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return core.Info{}, fmt.Errorf("write %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return core.Info{}, fmt.Errorf("close writer %s: %w", key, err)
	}
	return fromAttrs(w.Attrs()), nil
}

func (s *Store) Get(ctx context.Context, key string) (core.Info, io.ReadCloser, error) {
	info, err := s.Head(ctx, key)
	if err != nil {
		return core.Info{}, nil, err
	}
	rc, err := s.bucket.Object(key).NewReader(ctx)
	if err != nil {
		return core.Info{}, nil, wrapNotFound(key, err)
	}
	return info, rc, nil
}

func (s *Store) GetRange(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	if offset < 0 {
		return nil, core.ErrInvalidRange
	}
	if length < 0 {
		length = -1
	}
	rc, err := s.bucket.Object(key).NewRangeReader(ctx, offset, length)
	if err != nil {
		return nil, wrapNotFound(key, err)
	}
	return rc, nil
}

func (s *Store) Head(ctx context.Context, key string) (core.Info, error) {
	attrs, err := s.bucket.Object(key).Attrs(ctx)
	if err != nil {
		return core.Info{}, wrapNotFound(key, err)
	}
	return fromAttrs(attrs), nil
}

func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	err := s.bucket.Object(key).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]core.Info, error) {
	it := s.bucket.Objects(ctx, &storage.Query{Prefix: prefix})
	var infos []core.Info
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, err
		}
		infos = append(infos, fromAttrs(attrs))
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos, nil
}

func fromAttrs(a *storage.ObjectAttrs) core.Info {
	if a == nil {
		return core.Info{}
	}
	return core.Info{
		Key:          a.Name,
		Size:         a.Size,
		ContentType:  a.ContentType,
		ETag:         a.Etag,
		Metadata:     a.Metadata,
		LastModified: a.Updated.UTC(),
	}
}

func wrapNotFound(key string, err error) error {
	if errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("blob %s: %w", key, core.ErrNotFound)
	}
	return err
}
