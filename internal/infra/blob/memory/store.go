// Package memory keeps dump objects in process memory. It backs the blob
// driver "memory" used by tests and small local runs.
package memory

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	"kgmirror/internal/blob/core"
)

// object is immutable once stored.
type object struct {
	info core.Info
	data []byte
}

func (o object) describe() core.Info {
	info := o.info
	info.Metadata = maps.Clone(info.Metadata)
	return info
}

// window returns the bytes of [offset, offset+length), clamped to the object.
func (o object) window(offset, length int64) []byte {
	size := int64(len(o.data))
	start := min(offset, size)
	end := size
	if length >= 0 {
		end = min(start+length, size)
	}
	return o.data[start:end]
}

// Store implements core.Store. Safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	objects map[string]object
}

// New returns an empty store.
func New() *Store { return &Store{objects: make(map[string]object)} }

func (s *Store) Driver() core.Driver { return core.DriverMemory }

// Put stores r under key. Existing keys are never overwritten.
func (s *Store) Put(ctx context.Context, key string, r io.Reader, opts core.PutOptions) (core.Info, error) {
	if err := ctx.Err(); err != nil {
		return core.Info{}, err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return core.Info{}, fmt.Errorf("read blob %s: %w", key, err)
	}
	sum := md5.Sum(data)
	obj := object{
		info: core.Info{
			Key:          key,
			Size:         int64(len(data)),
			ContentType:  opts.ContentType,
			ETag:         hex.EncodeToString(sum[:]),
			Metadata:     maps.Clone(opts.Metadata),
			LastModified: time.Now().UTC(),
		},
		data: data,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.objects[key]; exists {
		return core.Info{}, fmt.Errorf("blob %s already exists", key)
	}
	s.objects[key] = obj
	return obj.describe(), nil
}

func (s *Store) get(ctx context.Context, key string) (object, error) {
	if err := ctx.Err(); err != nil {
		return object{}, err
	}
	s.mu.RLock()
	obj, ok := s.objects[key]
	s.mu.RUnlock()
	if !ok {
		return object{}, fmt.Errorf("blob %s: %w", key, core.ErrNotFound)
	}
	return obj, nil
}

func (s *Store) Get(ctx context.Context, key string) (core.Info, io.ReadCloser, error) {
	obj, err := s.get(ctx, key)
	if err != nil {
		return core.Info{}, nil, err
	}
	return obj.describe(), io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (s *Store) GetRange(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	if offset < 0 {
		return nil, core.ErrInvalidRange
	}
	obj, err := s.get(ctx, key)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(obj.window(offset, length))), nil
}

func (s *Store) Head(ctx context.Context, key string) (core.Info, error) {
	obj, err := s.get(ctx, key)
	if err != nil {
		return core.Info{}, err
	}
	return obj.describe(), nil
}

func (s *Store) Delete(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[key]; !ok {
		return false, nil
	}
	delete(s.objects, key)
	return true, nil
}

// List returns the objects whose key starts with prefix, ordered by key.
func (s *Store) List(_ context.Context, prefix string) ([]core.Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []core.Info
	for key, obj := range s.objects {
		if strings.HasPrefix(key, prefix) {
			out = append(out, obj.describe())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}
