package tracking

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"kgmirror/internal/hierarchy"
	"kgmirror/internal/importer"
	"kgmirror/internal/infra/persistence/memory"
	"kgmirror/pkg/domain"
)

// stepClock advances one minute per call so runs have distinct start times.
func stepClock() func() time.Time {
	t := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		t = t.Add(time.Minute)
		return t
	}
}

func TestTrackerLifecycle(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	tr := NewTracker(store, stepClock(), nil)
	first, err := tr.Start(ctx, "dump-1")
	if err != nil || first.Status != domain.RunRunning || first.ID == "" {
		t.Fatalf("start: %+v %v", first, err)
	}
	second, err := tr.Start(ctx, "dump-1")
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	runs, _ := store.ListImportRuns(ctx, 0)
	if len(runs) != 2 || runs[0].ID != second.ID || runs[1].Status != domain.RunAborted {
		t.Fatalf("stale run should be aborted: %+v", runs)
	}
	done, err := tr.Complete(ctx, second.ID)
	if err != nil || done.Status != domain.RunCompleted || done.FinishedAt == nil {
		t.Fatalf("complete: %+v %v", done, err)
	}
	if _, err := tr.Abort(ctx, second.ID); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if _, err := tr.Complete(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func politician(id string, statements ...string) domain.Record {
	rec := domain.Record{Kind: domain.KindPolitician, Entity: domain.Entity{ID: id, Name: "Person " + id}}
	for _, st := range statements {
		rec.Properties = append(rec.Properties, domain.Property{PoliticianID: id, Type: domain.PropertyCitizenship, EntityID: "Q142", StatementID: st})
	}
	return rec
}

var france = domain.Record{Kind: domain.KindCountry, Entity: domain.Entity{ID: "Q142", Name: "France"}, Country: &domain.Country{ID: "Q142"}}

// importRun runs one tracked import of records and completes it.
func importRun(t *testing.T, store *memory.Store, tr *Tracker, records ...domain.Record) {
	t.Helper()
	ctx := context.Background()
	run, err := tr.Start(ctx, "dump")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	up := importer.NewUpserter(store, importer.RetryPolicy{Initial: time.Millisecond}, nil)
	if _, err := up.UpsertBatch(ctx, records); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := tr.Complete(ctx, run.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}
}

func TestCollectIsNoOpBelowTwoCompletedRuns(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	clock := stepClock()
	tr := NewTracker(store, clock, nil)
	gc := NewCollector(store, clock, nil)

	rep, err := gc.Collect(ctx)
	if err != nil || rep.Skipped != SkipNoRuns {
		t.Fatalf("no runs: %+v %v", rep, err)
	}
	importRun(t, store, tr, france, politician("QX", "S-x"), politician("QY", "S-y"))
	rep, _ = gc.Collect(ctx)
	if rep.Skipped != SkipSingleCompletedRun {
		t.Fatalf("one run: %+v", rep)
	}
	importRun(t, store, tr, france, politician("QX", "S-x"))
	if _, err := tr.Start(ctx, "dump"); err != nil {
		t.Fatalf("start: %v", err)
	}
	rep, _ = gc.Collect(ctx)
	if rep.Skipped != SkipLatestNotCompleted {
		t.Fatalf("running latest: %+v", rep)
	}
	ents, _ := store.ListEntities(ctx)
	for _, e := range ents {
		if e.Deleted() {
			t.Fatalf("skipped collection deleted %s", e.ID)
		}
	}
}

func TestCollectSoftDeletesExactlyTheVanished(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	clock := stepClock()
	tr := NewTracker(store, clock, nil)
	gc := NewCollector(store, clock, nil)

	// Dump 1 has X and Y, dump 2 only X (and X lost one statement).
	importRun(t, store, tr, france, politician("QX", "S-x1", "S-x2"), politician("QY", "S-y"))
	importRun(t, store, tr, france, politician("QX", "S-x1"))

	rep, err := gc.Collect(ctx)
	if err != nil || rep.Skipped != "" {
		t.Fatalf("collect: %+v %v", rep, err)
	}
	want := domain.GCResult{Entities: 1, Properties: 2}
	if rep.Result != want {
		t.Fatalf("got %+v want %+v", rep.Result, want)
	}
	y, _ := store.GetEntity(ctx, "QY")
	x, _ := store.GetEntity(ctx, "QX")
	if !y.Deleted() || x.Deleted() {
		t.Fatalf("expected only QY deleted: x=%+v y=%+v", x, y)
	}
	props, _ := store.ListProperties(ctx)
	var deleted []string
	for _, p := range props {
		if p.DeletedAt != nil {
			deleted = append(deleted, p.StatementID)
		}
	}
	sort.Strings(deleted)
	if len(deleted) != 2 || deleted[0] != "S-x2" || deleted[1] != "S-y" {
		t.Fatalf("deleted statements %v", deleted)
	}
	// A second collection finds nothing new.
	rep, _ = gc.Collect(ctx)
	if rep.Result.Total() != 0 {
		t.Fatalf("repeat collection counted %+v", rep.Result)
	}
	// Y reappears in dump 3 and is revived.
	importRun(t, store, tr, france, politician("QX", "S-x1"), politician("QY", "S-y"))
	if y, _ := store.GetEntity(ctx, "QY"); y.Deleted() {
		t.Fatalf("QY should be revived")
	}
}

func TestEnforceHierarchy(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if err := tx.EnsureEntities([]string{"Q4164871", "Q30185", "QX", "P1", "P2", "Q515", "L1", "Q6256", "C1", "Q1", "Z"}); err != nil {
			return err
		}
		if err := tx.UpsertRelations([]domain.Relation{
			{ParentID: "Q4164871", ChildID: "Q30185", Kind: domain.RelationSubclassOf, StatementID: "r1"},
			{ParentID: "Q30185", ChildID: "P1", Kind: domain.RelationInstanceOf, StatementID: "r2"},
			{ParentID: "QX", ChildID: "P2", Kind: domain.RelationInstanceOf, StatementID: "r3"},
			{ParentID: "Q515", ChildID: "L1", Kind: domain.RelationInstanceOf, StatementID: "r4"},
			{ParentID: "Q6256", ChildID: "C1", Kind: domain.RelationInstanceOf, StatementID: "r5"},
		}); err != nil {
			return err
		}
		if err := tx.UpsertPositions([]string{"P1", "P2"}); err != nil {
			return err
		}
		if err := tx.UpsertLocations([]string{"L1"}); err != nil {
			return err
		}
		if err := tx.UpsertCountries([]domain.Country{{ID: "C1"}}); err != nil {
			return err
		}
		if err := tx.UpsertPoliticians([]string{"Q1"}); err != nil {
			return err
		}
		return tx.UpsertProperties([]domain.Property{
			{PoliticianID: "Q1", Type: domain.PropertyPosition, EntityID: "P1", StatementID: "p1"},
			{PoliticianID: "Q1", Type: domain.PropertyPosition, EntityID: "P2", StatementID: "p2"},
			{PoliticianID: "Q1", Type: domain.PropertyBirthplace, EntityID: "L1", StatementID: "p3"},
			{PoliticianID: "Q1", Type: domain.PropertyBirthplace, EntityID: "P1", StatementID: "p4"},
			{PoliticianID: "Q1", Type: domain.PropertyCitizenship, EntityID: "C1", StatementID: "p5"},
			{PoliticianID: "Q1", Type: domain.PropertyCitizenship, EntityID: "L1", StatementID: "p6"},
		})
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	hc := hierarchy.NewContext(
		mapset.NewThreadUnsafeSet("Q4164871", "Q30185"),
		nil,
		mapset.NewThreadUnsafeSet("Q2221906", "Q515"),
		mapset.NewThreadUnsafeSet("Q6256"),
	)
	enf := NewEnforcer(store, hierarchy.NewResolver(store, nil), stepClock(), nil)
	rep, err := enf.Enforce(ctx, hc)
	if err != nil {
		t.Fatalf("enforce: %v", err)
	}
	want := ConsistencyReport{Positions: 1, Birthplaces: 1, Citizenships: 1, PositionRows: 1, LocationRows: 0, OrphansPurged: 1}
	if rep != want {
		t.Fatalf("got %+v want %+v", rep, want)
	}
	props, _ := store.ListProperties(ctx)
	for _, p := range props {
		gone := p.DeletedAt != nil
		shouldGo := p.StatementID == "p2" || p.StatementID == "p4" || p.StatementID == "p6"
		if gone != shouldGo {
			t.Fatalf("property %s deleted=%v", p.StatementID, gone)
		}
	}
	if positions, _ := store.SubtypeIDs(ctx, domain.KindPosition); len(positions) != 1 || positions[0] != "P1" {
		t.Fatalf("positions %v", positions)
	}
	if _, err := store.GetEntity(ctx, "Z"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("orphan should be purged, got %v", err)
	}
	again, _ := enf.Enforce(ctx, hc)
	if again != (ConsistencyReport{}) {
		t.Fatalf("second pass should be a no-op, got %+v", again)
	}
}

func TestEnforceDropsPositionsTypedByIgnoredBranch(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if err := tx.EnsureEntities([]string{"QROOT", "QC", "QIGN", "PE", "PV", "Q1"}); err != nil {
			return err
		}
		if err := tx.UpsertRelations([]domain.Relation{
			{ParentID: "QROOT", ChildID: "QC", Kind: domain.RelationSubclassOf, StatementID: "r1"},
			{ParentID: "QROOT", ChildID: "QIGN", Kind: domain.RelationSubclassOf, StatementID: "r2"},
			{ParentID: "QC", ChildID: "PE", Kind: domain.RelationInstanceOf, StatementID: "r3"},
			{ParentID: "QIGN", ChildID: "PE", Kind: domain.RelationInstanceOf, StatementID: "r4"},
			{ParentID: "QC", ChildID: "PV", Kind: domain.RelationInstanceOf, StatementID: "r5"},
		}); err != nil {
			return err
		}
		if err := tx.UpsertPositions([]string{"PE", "PV"}); err != nil {
			return err
		}
		if err := tx.UpsertPoliticians([]string{"Q1"}); err != nil {
			return err
		}
		return tx.UpsertProperties([]domain.Property{
			{PoliticianID: "Q1", Type: domain.PropertyPosition, EntityID: "PE", StatementID: "p1"},
			{PoliticianID: "Q1", Type: domain.PropertyPosition, EntityID: "PV", StatementID: "p2"},
		})
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	hc := hierarchy.NewContext(
		mapset.NewThreadUnsafeSet("QROOT", "QC"),
		mapset.NewThreadUnsafeSet("QIGN"),
		nil,
		nil,
	)
	rep, err := NewEnforcer(store, hierarchy.NewResolver(store, nil), stepClock(), nil).Enforce(ctx, hc)
	if err != nil {
		t.Fatalf("enforce: %v", err)
	}
	want := ConsistencyReport{Positions: 1, PositionRows: 1}
	if rep != want {
		t.Fatalf("got %+v want %+v", rep, want)
	}
	props, _ := store.ListProperties(ctx)
	for _, p := range props {
		if gone := p.DeletedAt != nil; gone != (p.StatementID == "p1") {
			t.Fatalf("property %s deleted=%v", p.StatementID, gone)
		}
	}
	if positions, _ := store.SubtypeIDs(ctx, domain.KindPosition); len(positions) != 1 || positions[0] != "PV" {
		t.Fatalf("positions %v", positions)
	}
}
