package tracking

import (
	"context"
	"fmt"
	"time"

	"kgmirror/internal/platform/logger"
	"kgmirror/pkg/domain"
)

// Skip reasons reported by Collect.
const (
	SkipNoRuns             = "no import runs"
	SkipLatestNotCompleted = "latest import run is not completed"
	SkipSingleCompletedRun = "fewer than two completed import runs"
)

// GCStore is what the collector needs from the store.
type GCStore interface {
	domain.RunStore
	domain.GarbageStore
}

// GCReport describes one collection.
type GCReport struct {
	// Skipped is set when the collection was a no-op.
	Skipped string          `json:"skipped,omitempty"`
	RunID   string          `json:"run_id,omitempty"`
	Result  domain.GCResult `json:"result"`
}

// Collector soft-deletes what the newest completed dump no longer contains.
type Collector struct {
	store GCStore
	now   func() time.Time
	log   *logger.Logger
}

// NewCollector returns a Collector over store.
func NewCollector(store GCStore, now func() time.Time, log *logger.Logger) *Collector {
	if now == nil {
		now = time.Now
	}
	return &Collector{store: store, now: now, log: logger.OrNop(log).Component("gc")}
}

// Collect acts only when the most recent run is completed and at least two
// completed runs exist. Every live entity outside the run's entity set and
// every live relation or property whose statement id is outside its statement
// set is soft-deleted. Nothing is hard-deleted.
func (c *Collector) Collect(ctx context.Context) (GCReport, error) {
	runs, err := c.store.ListImportRuns(ctx, 0)
	if err != nil {
		return GCReport{}, fmt.Errorf("list import runs: %w", err)
	}
	if len(runs) == 0 {
		return c.skip(SkipNoRuns), nil
	}
	latest := runs[0]
	if latest.Status != domain.RunCompleted {
		return c.skip(SkipLatestNotCompleted), nil
	}
	completed := 0
	for _, r := range runs {
		if r.Status == domain.RunCompleted {
			completed++
		}
	}
	if completed < 2 {
		return c.skip(SkipSingleCompletedRun), nil
	}
	res, err := c.store.SoftDeleteUntouched(ctx, c.now())
	if err != nil {
		return GCReport{}, fmt.Errorf("soft delete untouched rows: %w", err)
	}
	c.log.Info("garbage collected", "run_id", latest.ID, "entities", res.Entities, "relations", res.Relations, "properties", res.Properties)
	return GCReport{RunID: latest.ID, Result: res}, nil
}

func (c *Collector) skip(reason string) GCReport {
	c.log.Info("garbage collection skipped", "reason", reason)
	return GCReport{Skipped: reason}
}
