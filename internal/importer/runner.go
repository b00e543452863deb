package importer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"kgmirror/internal/classify"
	"kgmirror/internal/dump"
	"kgmirror/internal/platform/logger"
	"kgmirror/internal/wikidata"
	"kgmirror/pkg/domain"
)

// Stage names one import pass over the dump.
type Stage string

// Import stages in pipeline order.
const (
	StageHierarchy   Stage = "hierarchy"
	StageEntities    Stage = "entities"
	StagePoliticians Stage = "politicians"
)

// DumpStage maps the import stage to the dump state it completes.
func (s Stage) DumpStage() (domain.DumpStage, error) {
	switch s {
	case StageHierarchy:
		return domain.StageHierarchyImported, nil
	case StageEntities:
		return domain.StageEntitiesImported, nil
	case StagePoliticians:
		return domain.StagePoliticiansImported, nil
	default:
		return "", fmt.Errorf("unknown import stage %q", s)
	}
}

// ErrBatchesFailed is returned by Run when at least one batch failed.
var ErrBatchesFailed = errors.New("one or more batches failed")

// RunnerOptions sizes the writer side of a stage.
type RunnerOptions struct {
	Writers   int
	BatchSize int
	// QueueSize bounds the record channel (default 4 x BatchSize).
	QueueSize int
}

// Report summarizes one stage run.
type Report struct {
	Stage         Stage      `json:"stage"`
	Processed     int64      `json:"processed"`
	Accepted      int64      `json:"accepted"`
	Rejected      int64      `json:"rejected"`
	Malformed     int64      `json:"malformed"`
	BatchesOK     int64      `json:"batches_ok"`
	BatchesFailed int64      `json:"batches_failed"`
	Dump          dump.Stats `json:"-"`
}

// Runner wires the dump reader, classifier and upserter for one stage.
type Runner struct {
	reader     *dump.Reader
	classifier *classify.Classifier
	upserter   *Upserter
	opts       RunnerOptions
	metrics    *Metrics
	log        *logger.Logger
}

// NewRunner builds a Runner. metrics may be nil.
func NewRunner(reader *dump.Reader, classifier *classify.Classifier, upserter *Upserter, opts RunnerOptions, metrics *Metrics, log *logger.Logger) *Runner {
	if opts.Writers <= 0 {
		opts.Writers = 4
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = opts.BatchSize * 4
	}
	return &Runner{
		reader:     reader,
		classifier: classifier,
		upserter:   upserter,
		opts:       opts,
		metrics:    metrics,
		log:        logger.OrNop(log).Component("importer"),
	}
}

// Select classifies e for stage and reports whether the record belongs to it.
func (r *Runner) Select(stage Stage, e *wikidata.Entity) (domain.Record, bool) {
	switch stage {
	case StageHierarchy:
		rec := r.classifier.Hierarchy(e)
		return rec, len(rec.Relations) > 0
	case StageEntities:
		rec := r.classifier.Classify(e)
		switch rec.Kind {
		case domain.KindPosition, domain.KindLocation, domain.KindCountry:
			return rec, true
		}
		return rec, false
	case StagePoliticians:
		rec := r.classifier.Classify(e)
		return rec, rec.Kind == domain.KindPolitician
	default:
		return domain.Record{}, false
	}
}

// Run streams key through the stage. Records flow from the reader pool through
// a bounded channel to the writers, which flush a batch whenever it is full and
// once more when the channel closes. A failed batch is logged and counted and
// the run continues; Run then returns ErrBatchesFailed.
func (r *Runner) Run(ctx context.Context, key string, stage Stage) (Report, error) {
	if _, err := stage.DumpStage(); err != nil {
		return Report{}, err
	}
	rep := Report{Stage: stage}
	var processed, accepted, rejected, ok, failed atomic.Int64
	up := r.upserter.ForStage(stage, r.metrics)
	queue := make(chan domain.Record, r.opts.QueueSize)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(queue)
		stats, err := r.reader.Read(gctx, key, func(e *wikidata.Entity) error {
			processed.Add(1)
			rec, keep := r.Select(stage, e)
			if !keep {
				rejected.Add(1)
				return nil
			}
			accepted.Add(1)
			select {
			case queue <- rec:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
		rep.Dump = stats
		return err
	})

	flush := func(batch []domain.Record) {
		if len(batch) == 0 {
			return
		}
		start := time.Now()
		_, err := up.UpsertBatch(gctx, batch)
		r.metrics.batch(stage, err == nil, time.Since(start).Seconds())
		if err != nil {
			failed.Add(1)
			r.log.Error("batch failed", "stage", stage, "size", len(batch), "first_id", batch[0].Entity.ID, "error", err)
			return
		}
		ok.Add(1)
	}
	for i := 0; i < r.opts.Writers; i++ {
		g.Go(func() error {
			batch := make([]domain.Record, 0, r.opts.BatchSize)
			for {
				select {
				case <-gctx.Done():
					return gctx.Err()
				case rec, open := <-queue:
					if !open {
						flush(batch)
						return nil
					}
					batch = append(batch, rec)
					if len(batch) >= r.opts.BatchSize {
						flush(batch)
						batch = make([]domain.Record, 0, r.opts.BatchSize)
					}
				}
			}
		})
	}
	err := g.Wait()

	rep.Processed = processed.Load()
	rep.Accepted = accepted.Load()
	rep.Rejected = rejected.Load()
	rep.Malformed = rep.Dump.Malformed
	rep.BatchesOK = ok.Load()
	rep.BatchesFailed = failed.Load()
	r.metrics.record(stage, "accepted", int(rep.Accepted))
	r.metrics.record(stage, "rejected", int(rep.Rejected))
	r.metrics.record(stage, "malformed", int(rep.Malformed))

	if err != nil {
		return rep, fmt.Errorf("import %s stage: %w", stage, err)
	}
	r.log.Info("stage finished", "stage", stage, "processed", rep.Processed, "accepted", rep.Accepted,
		"rejected", rep.Rejected, "malformed", rep.Malformed, "batches_ok", rep.BatchesOK, "batches_failed", rep.BatchesFailed)
	if rep.BatchesFailed > 0 {
		return rep, fmt.Errorf("%w: %d of %d batches in %s stage", ErrBatchesFailed, rep.BatchesFailed, rep.BatchesOK+rep.BatchesFailed, stage)
	}
	return rep, nil
}
