// Package core sequences the dump pipeline: registration, extraction, the
// three import stages, garbage collection and hierarchy enforcement.
package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"kgmirror/internal/blob"
	"kgmirror/internal/classify"
	"kgmirror/internal/config"
	"kgmirror/internal/dump"
	"kgmirror/internal/hierarchy"
	"kgmirror/internal/importer"
	"kgmirror/internal/platform/logger"
	"kgmirror/internal/tracking"
	"kgmirror/pkg/domain"
)

// Service owns the shared collaborators of every stage. Build it once with
// NewService and reuse it.
type Service struct {
	cfg       config.Config
	store     domain.PersistentStore
	blobs     blob.Store
	now       func() time.Time
	log       *logger.Logger
	metrics   MetricsRecorder
	tracer    Tracer
	importMet *importer.Metrics
	resolver  *hierarchy.Resolver
	tracker   *tracking.Tracker
	collector *tracking.Collector
	upserter  *importer.Upserter
	reader    *dump.Reader
}

// Option customizes a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(l *logger.Logger) Option { return func(s *Service) { s.log = l } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithMetrics sets the operation recorder.
func WithMetrics(m MetricsRecorder) Option { return func(s *Service) { s.metrics = m } }

// WithTracer sets the span tracer.
func WithTracer(t Tracer) Option { return func(s *Service) { s.tracer = t } }

// WithRegisterer registers import counters and operation metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(s *Service) {
		s.importMet = importer.NewMetrics(reg)
		if _, ok := s.metrics.(noopMetrics); ok {
			s.metrics = NewPrometheusMetricsRecorder(reg)
		}
	}
}

// NewService wires the pipeline over store and blobs.
func NewService(cfg config.Config, store domain.PersistentStore, blobs blob.Store, opts ...Option) *Service {
	s := &Service{
		cfg:     cfg,
		store:   store,
		blobs:   blobs,
		now:     time.Now,
		metrics: noopMetrics{},
		tracer:  noopTracer{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.log = logger.OrNop(s.log)
	s.resolver = hierarchy.NewResolver(store, s.log)
	s.tracker = tracking.NewTracker(store, s.now, s.log)
	s.collector = tracking.NewCollector(store, s.now, s.log)
	s.upserter = importer.NewUpserter(store, importer.RetryPolicy{
		MaxRetries: cfg.Import.MaxRetries,
		Initial:    cfg.Import.RetryInitial,
	}, s.log)
	s.reader = dump.NewReader(blobs, dump.Options{Workers: cfg.Import.Workers, Chunks: cfg.Import.Chunks}, s.log)
	return s
}

// Store returns the relational store.
func (s *Service) Store() domain.PersistentStore { return s.store }

// Upserter returns the batch write contract shared with external pipelines.
func (s *Service) Upserter() *importer.Upserter { return s.upserter }

func (s *Service) observe(ctx context.Context, op string, fn func(context.Context) error) error {
	ctx, span := s.tracer.Start(ctx, op)
	start := time.Now()
	err := fn(ctx)
	span.End(err)
	s.metrics.Observe(ctx, op, err == nil, time.Since(start))
	if err != nil {
		s.log.Error("operation failed", "operation", op, "error", err)
	}
	return err
}

// RegisterDump records the object at key as a downloaded dump. An existing
// dump with the same fingerprint (ETag, size, modification time) is returned
// instead of creating a new one.
func (s *Service) RegisterDump(ctx context.Context, key string) (domain.Dump, error) {
	var d domain.Dump
	err := s.observe(ctx, "register_dump", func(ctx context.Context) error {
		info, err := s.blobs.Head(ctx, key)
		if err != nil {
			return fmt.Errorf("head dump %s: %w", key, err)
		}
		fp := blob.Fingerprint(info)
		existing, err := s.store.FindDumpByFingerprint(ctx, fp)
		switch {
		case err == nil:
			d = existing
			s.log.Info("dump already registered", "dump_id", d.ID, "key", key)
			return nil
		case !errors.Is(err, domain.ErrNotFound):
			return err
		}
		d = domain.Dump{ID: uuid.NewString(), Key: key, Fingerprint: fp, CreatedAt: s.now().UTC()}
		if err := d.Advance(domain.StageDownloaded, s.now()); err != nil {
			return err
		}
		if err := s.store.SaveDump(ctx, d); err != nil {
			return fmt.Errorf("save dump: %w", err)
		}
		s.log.Info("dump registered", "dump_id", d.ID, "key", key, "size", info.Size)
		return nil
	})
	return d, err
}

// advance marks stage on the stored dump.
func (s *Service) advance(ctx context.Context, dumpID string, stage domain.DumpStage) (domain.Dump, error) {
	d, err := s.store.GetDump(ctx, dumpID)
	if err != nil {
		return domain.Dump{}, err
	}
	if err := d.Advance(stage, s.now()); err != nil {
		return domain.Dump{}, err
	}
	if err := s.store.SaveDump(ctx, d); err != nil {
		return domain.Dump{}, fmt.Errorf("save dump: %w", err)
	}
	return d, nil
}

// Extract decompresses the dump object into ExtractedKey. A dump stored
// uncompressed, or one already extracted, is only marked.
func (s *Service) Extract(ctx context.Context, dumpID string) (domain.Dump, error) {
	var d domain.Dump
	err := s.observe(ctx, "extract", func(ctx context.Context) error {
		cur, err := s.store.GetDump(ctx, dumpID)
		if err != nil {
			return err
		}
		if !cur.Reached(domain.StageDownloaded) {
			return fmt.Errorf("%w: dump %s is not downloaded", domain.ErrInvalidTransition, dumpID)
		}
		if err := extract(ctx, s.blobs, cur.Key, ExtractedKey(cur), s.log); err != nil {
			return err
		}
		d, err = s.advance(ctx, dumpID, domain.StageExtracted)
		return err
	})
	return d, err
}

// ImportHierarchy starts a new import run and loads the subclass edges.
func (s *Service) ImportHierarchy(ctx context.Context, dumpID string) (importer.Report, error) {
	var rep importer.Report
	err := s.observe(ctx, "import_hierarchy", func(ctx context.Context) error {
		d, err := s.requireStage(ctx, dumpID, domain.StageExtracted)
		if err != nil {
			return err
		}
		run, err := s.tracker.Start(ctx, dumpID)
		if err != nil {
			return err
		}
		rep, err = s.runStage(ctx, d, run, importer.StageHierarchy, nil)
		return err
	})
	return rep, err
}

// ImportEntities loads positions, locations and countries into the running import run.
func (s *Service) ImportEntities(ctx context.Context, dumpID string) (importer.Report, error) {
	var rep importer.Report
	err := s.observe(ctx, "import_entities", func(ctx context.Context) error {
		d, err := s.requireStage(ctx, dumpID, domain.StageHierarchyImported)
		if err != nil {
			return err
		}
		run, err := s.currentRun(ctx, dumpID)
		if err != nil {
			return err
		}
		hc, err := hierarchy.BuildContext(ctx, s.resolver, s.cfg.Hierarchy)
		if err != nil {
			return err
		}
		rep, err = s.runStage(ctx, d, run, importer.StageEntities, hc)
		return err
	})
	return rep, err
}

// ImportPoliticians loads politicians and completes the running import run.
func (s *Service) ImportPoliticians(ctx context.Context, dumpID string) (importer.Report, error) {
	var rep importer.Report
	err := s.observe(ctx, "import_politicians", func(ctx context.Context) error {
		d, err := s.requireStage(ctx, dumpID, domain.StageEntitiesImported)
		if err != nil {
			return err
		}
		run, err := s.currentRun(ctx, dumpID)
		if err != nil {
			return err
		}
		hc, err := hierarchy.BuildContext(ctx, s.resolver, s.cfg.Hierarchy)
		if err != nil {
			return err
		}
		if rep, err = s.runStage(ctx, d, run, importer.StagePoliticians, hc); err != nil {
			return err
		}
		_, err = s.tracker.Complete(ctx, run.ID)
		return err
	})
	return rep, err
}

// runStage runs one import stage and marks the dump. Any failure aborts the
// run so a partial set of touched ids never feeds garbage collection.
func (s *Service) runStage(ctx context.Context, d domain.Dump, run domain.ImportRun, stage importer.Stage, hc *hierarchy.Context) (importer.Report, error) {
	classifier := classify.New(hc, classify.Options{
		Languages:        s.cfg.Classify.Languages,
		DeathWindowYears: s.cfg.Classify.DeathWindowYears,
		Clock:            classify.ClockFunc(s.now),
	})
	runner := importer.NewRunner(s.reader, classifier, s.upserter, importer.RunnerOptions{
		Writers:   s.cfg.Import.Writers,
		BatchSize: s.cfg.Import.BatchSize,
		QueueSize: s.cfg.Import.QueueSize,
	}, s.importMet, s.log)
	rep, err := runner.Run(ctx, ExtractedKey(d), stage)
	if err != nil {
		if _, abortErr := s.tracker.Abort(context.WithoutCancel(ctx), run.ID); abortErr != nil {
			s.log.Warn("abort import run", "run_id", run.ID, "error", abortErr)
		}
		return rep, err
	}
	dumpStage, _ := stage.DumpStage()
	if _, err := s.advance(ctx, d.ID, dumpStage); err != nil {
		return rep, err
	}
	return rep, nil
}

func (s *Service) requireStage(ctx context.Context, dumpID string, stage domain.DumpStage) (domain.Dump, error) {
	d, err := s.store.GetDump(ctx, dumpID)
	if err != nil {
		return domain.Dump{}, err
	}
	if !d.Reached(stage) {
		return domain.Dump{}, fmt.Errorf("%w: dump %s has not reached %s", domain.ErrInvalidTransition, dumpID, stage)
	}
	return d, nil
}

// currentRun returns the running import run of dumpID.
func (s *Service) currentRun(ctx context.Context, dumpID string) (domain.ImportRun, error) {
	runs, err := s.store.ListImportRuns(ctx, 1)
	if err != nil {
		return domain.ImportRun{}, err
	}
	if len(runs) == 0 || runs[0].Status != domain.RunRunning || runs[0].DumpID != dumpID {
		return domain.ImportRun{}, fmt.Errorf("%w: no running import run for dump %s; import the hierarchy first", domain.ErrInvalidTransition, dumpID)
	}
	return runs[0], nil
}

// CollectGarbage applies the two-dump soft-delete protocol.
func (s *Service) CollectGarbage(ctx context.Context) (tracking.GCReport, error) {
	var rep tracking.GCReport
	err := s.observe(ctx, "collect_garbage", func(ctx context.Context) error {
		var err error
		rep, err = s.collector.Collect(ctx)
		return err
	})
	return rep, err
}

// EnforceHierarchy runs the consistency pass against the current hierarchy.
func (s *Service) EnforceHierarchy(ctx context.Context) (tracking.ConsistencyReport, error) {
	var rep tracking.ConsistencyReport
	err := s.observe(ctx, "enforce_hierarchy", func(ctx context.Context) error {
		hc, err := hierarchy.BuildContext(ctx, s.resolver, s.cfg.Hierarchy)
		if err != nil {
			return err
		}
		rep, err = tracking.NewEnforcer(s.store, s.resolver, s.now, s.log).Enforce(ctx, hc)
		return err
	})
	return rep, err
}

// Summary is the outcome of RunAll.
type Summary struct {
	Dump        domain.Dump                `json:"dump"`
	Imports     []importer.Report          `json:"imports"`
	GC          tracking.GCReport          `json:"gc"`
	Consistency tracking.ConsistencyReport `json:"consistency"`
}

// RunAll registers key and runs every stage in order, stopping at the first error.
func (s *Service) RunAll(ctx context.Context, key string) (Summary, error) {
	var sum Summary
	err := s.observe(ctx, "run_all", func(ctx context.Context) error {
		d, err := s.RegisterDump(ctx, key)
		if err != nil {
			return err
		}
		if d, err = s.Extract(ctx, d.ID); err != nil {
			return err
		}
		for _, step := range []func(context.Context, string) (importer.Report, error){
			s.ImportHierarchy, s.ImportEntities, s.ImportPoliticians,
		} {
			rep, err := step(ctx, d.ID)
			sum.Imports = append(sum.Imports, rep)
			if err != nil {
				return err
			}
		}
		if sum.GC, err = s.CollectGarbage(ctx); err != nil {
			return err
		}
		if sum.Consistency, err = s.EnforceHierarchy(ctx); err != nil {
			return err
		}
		sum.Dump, err = s.store.GetDump(ctx, d.ID)
		return err
	})
	return sum, err
}
