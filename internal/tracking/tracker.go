// Package tracking owns the import-run lifecycle, the two-dump garbage
// collection protocol and the hierarchy consistency pass.
package tracking

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"kgmirror/internal/platform/logger"
	"kgmirror/pkg/domain"
)

// Tracker starts and finishes import runs. Recording touched ids happens in
// the upsert transactions, not here.
type Tracker struct {
	store domain.RunStore
	now   func() time.Time
	log   *logger.Logger
}

// NewTracker returns a Tracker over store. now defaults to time.Now.
func NewTracker(store domain.RunStore, now func() time.Time, log *logger.Logger) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{store: store, now: now, log: logger.OrNop(log).Component("tracker")}
}

// Start aborts any running run, truncates the tracking sets and creates a new
// running run for dumpID, in one transaction.
func (t *Tracker) Start(ctx context.Context, dumpID string) (domain.ImportRun, error) {
	run := domain.ImportRun{
		ID:        uuid.NewString(),
		DumpID:    dumpID,
		Status:    domain.RunRunning,
		StartedAt: t.now().UTC(),
	}
	if err := t.store.StartImportRun(ctx, run); err != nil {
		return domain.ImportRun{}, fmt.Errorf("start import run: %w", err)
	}
	t.log.Info("import run started", "run_id", run.ID, "dump_id", dumpID)
	return run, nil
}

// Complete marks a running run completed.
func (t *Tracker) Complete(ctx context.Context, runID string) (domain.ImportRun, error) {
	return t.finish(ctx, runID, domain.RunCompleted)
}

// Abort marks a running run aborted.
func (t *Tracker) Abort(ctx context.Context, runID string) (domain.ImportRun, error) {
	return t.finish(ctx, runID, domain.RunAborted)
}

func (t *Tracker) finish(ctx context.Context, runID string, status domain.RunStatus) (domain.ImportRun, error) {
	run, err := t.store.FinishImportRun(ctx, runID, status, t.now())
	if err != nil {
		return domain.ImportRun{}, fmt.Errorf("finish import run %s: %w", runID, err)
	}
	t.log.Info("import run finished", "run_id", runID, "status", status)
	return run, nil
}
