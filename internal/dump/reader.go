package dump

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"kgmirror/internal/blob"
	"kgmirror/internal/platform/logger"
	"kgmirror/internal/wikidata"
)

// Options sizes the reader pool.
type Options struct {
	// Workers is the number of concurrent chunk readers (default NumCPU).
	Workers int
	// Chunks is the number of byte ranges planned (default 4 per worker).
	Chunks int
}

// Stats counts what one Read saw.
type Stats struct {
	Chunks    int
	Lines     int64
	Entities  int64
	Skipped   int64
	Malformed int64
}

// Reader fans a dump out over a fixed pool of workers, each owning disjoint
// chunks. Workers share nothing but the atomic counters.
type Reader struct {
	store blob.Store
	opts  Options
	log   *logger.Logger
}

// NewReader returns a Reader over store.
func NewReader(store blob.Store, opts Options, log *logger.Logger) *Reader {
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.Chunks <= 0 {
		opts.Chunks = opts.Workers * 4
	}
	return &Reader{store: store, opts: opts, log: logger.OrNop(log).Component("dump")}
}

// Read streams every item in key to handle. handle is called concurrently from
// several workers and may block for backpressure; a non-nil error from handle
// or a chunk read failure cancels the remaining workers. Malformed lines are
// logged and counted, never fatal.
func (r *Reader) Read(ctx context.Context, key string, handle func(*wikidata.Entity) error) (Stats, error) {
	chunks, err := PlanChunks(ctx, r.store, key, r.opts.Chunks)
	if err != nil {
		return Stats{}, err
	}
	var lines, entities, skipped, malformed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Workers)
	for _, chunk := range chunks {
		g.Go(func() error {
			var lineNo int64
			return StreamChunk(gctx, r.store, key, chunk, func(line []byte) error {
				lineNo++
				lines.Add(1)
				e, err := ParseLine(line)
				switch {
				case errors.Is(err, ErrSkipLine):
					skipped.Add(1)
					return nil
				case err != nil:
					malformed.Add(1)
					r.log.Warn("skipping malformed line", "chunk", chunk.Index, "line", lineNo, "error", err)
					return nil
				}
				entities.Add(1)
				return handle(e)
			})
		})
	}
	err = g.Wait()
	stats := Stats{
		Chunks:    len(chunks),
		Lines:     lines.Load(),
		Entities:  entities.Load(),
		Skipped:   skipped.Load(),
		Malformed: malformed.Load(),
	}
	if err != nil {
		return stats, fmt.Errorf("read dump %s: %w", key, err)
	}
	r.log.Info("dump read", "key", key, "chunks", stats.Chunks, "entities", stats.Entities, "malformed", stats.Malformed)
	return stats, nil
}
