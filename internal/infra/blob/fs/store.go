// Package fs serves dump objects from a local directory.
package fs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"kgmirror/internal/blob/core"
)

const sidecarSuffix = ".meta"

// Store implements core.Store on a directory tree. Objects written through
// Put get a JSON sidecar with their digest and metadata. Files placed in the
// root by other tools, typically a dump downloader, have no sidecar and are
// described from os.Stat with a weak ETag derived from size and mtime.
type Store struct {
	root string
}

// New returns a store rooted at root, creating the directory if needed.
func New(root string) (*Store, error) {
	if root == "" {
		root = "./dumps"
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create blob root %s: %w", root, err)
	}
	return &Store{root: root}, nil
}

func (s *Store) Driver() core.Driver { return core.DriverFilesystem }

type location struct {
	data    string
	sidecar string
}

// sanitizeKey rejects empty, absolute and traversing keys.
func sanitizeKey(key string) (string, error) {
	switch {
	case strings.TrimSpace(key) == "":
		return "", errors.New("empty key")
	case strings.HasPrefix(key, "/"):
		return "", fmt.Errorf("invalid absolute key %q", key)
	case strings.Contains(key, ".."):
		return "", fmt.Errorf("invalid key %q contains '..'", key)
	}
	return filepath.ToSlash(filepath.Clean(key)), nil
}

func (s *Store) locate(key string) (location, error) {
	k, err := sanitizeKey(key)
	if err != nil {
		return location{}, err
	}
	data := filepath.Join(s.root, filepath.FromSlash(k))
	return location{data: data, sidecar: data + sidecarSuffix}, nil
}

type sidecar struct {
	ContentType string            `json:"content_type,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	ETag        string            `json:"etag"`
	Size        int64             `json:"size"`
	WrittenAt   time.Time         `json:"written_at"`
}

func (m sidecar) info(key string) core.Info {
	return core.Info{Key: key, Size: m.Size, ContentType: m.ContentType, ETag: m.ETag, Metadata: cloneMetadata(m.Metadata), LastModified: m.WrittenAt}
}

// Put streams r into a temp file next to the target, hashing as it goes, and
// renames it into place. Cancelling ctx aborts the copy.
func (s *Store) Put(ctx context.Context, key string, r io.Reader, opts core.PutOptions) (core.Info, error) {
	loc, err := s.locate(key)
	if err != nil {
		return core.Info{}, err
	}
	if _, err := os.Stat(loc.data); err == nil {
		return core.Info{}, fmt.Errorf("blob %s already exists", key)
	}
	if err := os.MkdirAll(filepath.Dir(loc.data), 0o755); err != nil {
		return core.Info{}, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(loc.data), ".tmp-*")
	if err != nil {
		return core.Info{}, err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	h := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, h), contextReader{ctx: ctx, r: r})
	if err == nil {
		err = tmp.Sync()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return core.Info{}, fmt.Errorf("write blob %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), loc.data); err != nil {
		return core.Info{}, err
	}
	meta := sidecar{
		ContentType: opts.ContentType,
		Metadata:    cloneMetadata(opts.Metadata),
		ETag:        hex.EncodeToString(h.Sum(nil)),
		Size:        size,
		WrittenAt:   time.Now().UTC(),
	}
	if err := writeSidecar(loc.sidecar, meta); err != nil {
		return core.Info{}, err
	}
	return meta.info(key), nil
}

func (s *Store) Get(ctx context.Context, key string) (core.Info, io.ReadCloser, error) {
	info, err := s.Head(ctx, key)
	if err != nil {
		return core.Info{}, nil, err
	}
	loc, _ := s.locate(key)
	f, err := os.Open(loc.data)
	if err != nil {
		return core.Info{}, nil, notFound(key, err)
	}
	return info, f, nil
}

// GetRange returns a reader over [offset, offset+length) of the file. A
// negative length reads to the end; ranges past the end are truncated.
func (s *Store) GetRange(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	if offset < 0 {
		return nil, core.ErrInvalidRange
	}
	loc, err := s.locate(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(loc.data)
	if err != nil {
		return nil, notFound(key, err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	remaining := max(st.Size()-offset, 0)
	if length < 0 || length > remaining {
		length = remaining
	}
	return &rangeReader{SectionReader: io.NewSectionReader(f, offset, length), f: f}, nil
}

type rangeReader struct {
	*io.SectionReader
	f *os.File
}

func (r *rangeReader) Close() error { return r.f.Close() }

func (s *Store) Head(ctx context.Context, key string) (core.Info, error) {
	loc, err := s.locate(key)
	if err != nil {
		return core.Info{}, err
	}
	st, err := os.Stat(loc.data)
	if err != nil {
		return core.Info{}, notFound(key, err)
	}
	meta, err := readSidecar(loc.sidecar)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return foreignInfo(key, st), nil
	case err != nil:
		return core.Info{}, fmt.Errorf("read sidecar for %s: %w", key, err)
	}
	return meta.info(key), nil
}

// foreignInfo describes a file that was not written through Put.
func foreignInfo(key string, st fs.FileInfo) core.Info {
	mtime := st.ModTime().UTC()
	etag := "W/" + strconv.FormatInt(st.Size(), 16) + "-" + strconv.FormatInt(mtime.UnixNano(), 16)
	return core.Info{Key: key, Size: st.Size(), ETag: etag, LastModified: mtime}
}

func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	loc, err := s.locate(key)
	if err != nil {
		return false, err
	}
	if err := os.Remove(loc.data); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	_ = os.Remove(loc.sidecar)
	return true, nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]core.Info, error) {
	var infos []core.Info
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasSuffix(d.Name(), sidecarSuffix) || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := s.Head(ctx, key)
		if err != nil {
			return err
		}
		infos = append(infos, info)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos, nil
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

func notFound(key string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("blob %s: %w", key, core.ErrNotFound)
	}
	return err
}

func cloneMetadata(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func writeSidecar(path string, m sidecar) error {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

func readSidecar(path string) (sidecar, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return sidecar{}, err
	}
	var m sidecar
	if err := json.Unmarshal(b, &m); err != nil {
		return sidecar{}, err
	}
	return m, nil
}
