package core

import (
	"compress/bzip2"
	"context"
	"fmt"
	"io"
	"strings"

	"kgmirror/internal/blob"
	"kgmirror/internal/platform/logger"
	"kgmirror/pkg/domain"
)

// ExtractedKey is the key the import stages read for d.
func ExtractedKey(d domain.Dump) string {
	return strings.TrimSuffix(d.Key, ".bz2")
}

// extract streams the bzip2 object at src into dst. It is a no-op when src is
// not compressed or dst already exists, since blob keys are write-once.
func extract(ctx context.Context, store blob.Store, src, dst string, log *logger.Logger) error {
	if src == dst {
		return nil
	}
	exists, err := blob.Exists(ctx, store, dst)
	if err != nil {
		return fmt.Errorf("check %s: %w", dst, err)
	}
	if exists {
		log.Info("extracted dump already present", "key", dst)
		return nil
	}
	_, rc, err := store.Get(ctx, src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer func() { _ = rc.Close() }()
	info, err := store.Put(ctx, dst, &ctxReader{ctx: ctx, r: bzip2.NewReader(rc)}, blob.PutOptions{
		ContentType: "application/json",
		Metadata:    map[string]string{"source": src},
	})
	if err != nil {
		return fmt.Errorf("extract %s: %w", src, err)
	}
	log.Info("dump extracted", "source", src, "key", dst, "size", info.Size)
	return nil
}

// ctxReader stops a long copy when ctx is cancelled.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
