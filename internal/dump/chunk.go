// Package dump reads line-delimited entity dumps from blob storage in
// parallel, disjoint byte ranges.
package dump

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"

	"kgmirror/internal/blob"
)

// probeSize is the window read while searching for a line end.
const probeSize int64 = 64 << 10

// maxLineBuffer is the initial read buffer for one chunk; longer lines grow it.
const maxLineBuffer = 1 << 20

// Chunk is a byte range [Start, End) of a dump object that begins at a line
// start and ends just past a newline (or at the end of the object).
type Chunk struct {
	Index int
	Start int64
	End   int64
}

// Len returns the number of bytes in the chunk.
func (c Chunk) Len() int64 { return c.End - c.Start }

// PlanChunks splits the object at key into at most n chunks covering [0, size).
// Interior boundaries are snapped forward to just past the next newline, so no
// line straddles two chunks. Chunks that collapse to nothing are dropped.
func PlanChunks(ctx context.Context, store blob.Store, key string, n int) ([]Chunk, error) {
	size, err := blob.Size(ctx, store, key)
	if err != nil {
		return nil, fmt.Errorf("size dump %s: %w", key, err)
	}
	if size == 0 {
		return nil, nil
	}
	if n <= 0 {
		n = 1
	}
	if int64(n) > size {
		n = int(size)
	}
	chunks := make([]Chunk, 0, n)
	start := int64(0)
	for i := 1; i <= n && start < size; i++ {
		end := size
		if i < n {
			target := size * int64(i) / int64(n)
			if target <= start {
				continue
			}
			end, err = nextLineStart(ctx, store, key, target, size)
			if err != nil {
				return nil, err
			}
		}
		if end <= start {
			continue
		}
		chunks = append(chunks, Chunk{Index: len(chunks), Start: start, End: end})
		start = end
	}
	return chunks, nil
}

// nextLineStart returns the offset just past the first newline at or after
// target-1, or size when no newline follows.
func nextLineStart(ctx context.Context, store blob.Store, key string, target, size int64) (int64, error) {
	pos := target - 1
	for pos < size {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		rc, err := store.GetRange(ctx, key, pos, probeSize)
		if err != nil {
			return 0, fmt.Errorf("probe %s at %d: %w", key, pos, err)
		}
		buf, err := io.ReadAll(rc)
		_ = rc.Close()
		if err != nil {
			return 0, fmt.Errorf("probe %s at %d: %w", key, pos, err)
		}
		if idx := bytes.IndexByte(buf, '\n'); idx >= 0 {
			return pos + int64(idx) + 1, nil
		}
		if int64(len(buf)) < probeSize {
			break
		}
		pos += int64(len(buf))
	}
	return size, nil
}

// StreamChunk reads chunk with one range read and calls fn for every line,
// without the trailing newline. Lines may be arbitrarily long. The context is
// checked between lines; an error from fn stops the stream.
func StreamChunk(ctx context.Context, store blob.Store, key string, chunk Chunk, fn func(line []byte) error) error {
	if chunk.Len() <= 0 {
		return nil
	}
	rc, err := store.GetRange(ctx, key, chunk.Start, chunk.Len())
	if err != nil {
		return fmt.Errorf("open chunk %d of %s: %w", chunk.Index, key, err)
	}
	defer func() { _ = rc.Close() }()
	br := bufio.NewReaderSize(rc, maxLineBuffer)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		line, readErr := br.ReadBytes('\n')
		if len(line) > 0 {
			line = bytes.TrimRight(line, "\r\n")
			if err := fn(line); err != nil {
				return err
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("read chunk %d of %s: %w", chunk.Index, key, readErr)
		}
	}
}
