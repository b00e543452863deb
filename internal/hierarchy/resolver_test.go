package hierarchy

import (
	"context"
	"errors"
	"sort"
	"testing"

	mapset "github.com/deckarep/golang-set/v2"

	"kgmirror/internal/config"
	"kgmirror/internal/infra/persistence/memory"
	"kgmirror/pkg/domain"
)

// edgeReader serves ChildRelations from an in-memory edge list and counts calls.
type edgeReader struct {
	edges []domain.Relation
	calls int
	err   error
}

func (r *edgeReader) ChildRelations(_ context.Context, parents []string, kinds []domain.RelationKind) ([]domain.Relation, error) {
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	ps := mapset.NewThreadUnsafeSet(parents...)
	ks := mapset.NewThreadUnsafeSet(kinds...)
	var out []domain.Relation
	for _, e := range r.edges {
		if ps.Contains(e.ParentID) && ks.Contains(e.Kind) {
			out = append(out, e)
		}
	}
	return out, nil
}

func sub(parent, child string) domain.Relation {
	return domain.Relation{ParentID: parent, ChildID: child, Kind: domain.RelationSubclassOf}
}

func inst(parent, child string) domain.Relation {
	return domain.Relation{ParentID: parent, ChildID: child, Kind: domain.RelationInstanceOf}
}

func sorted(s mapset.Set[string]) []string {
	out := s.ToSlice()
	sort.Strings(out)
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestDescendantsDiamondAndCycle(t *testing.T) {
	r := &edgeReader{edges: []domain.Relation{
		sub("R", "A"), sub("R", "B"), sub("A", "C"), sub("B", "C"), sub("C", "R"),
	}}
	res := NewResolver(r, nil)
	got, err := res.Descendants(context.Background(), []string{"R"})
	if err != nil {
		t.Fatalf("descendants: %v", err)
	}
	if want := []string{"A", "B", "C", "R"}; !equal(sorted(got), want) {
		t.Fatalf("got %v want %v", sorted(got), want)
	}
	// level R, level A+B, level C, then C->R is already visited.
	if r.calls != 3 {
		t.Fatalf("expected 3 level queries, got %d", r.calls)
	}
}

func TestDescendantsEmptyRoots(t *testing.T) {
	r := &edgeReader{edges: []domain.Relation{sub("R", "A")}}
	got, err := NewResolver(r, nil).Descendants(context.Background(), nil)
	if err != nil || got.Cardinality() != 0 {
		t.Fatalf("expected empty set, got %v err=%v", got, err)
	}
	if r.calls != 0 {
		t.Fatalf("expected no queries, got %d", r.calls)
	}
}

func TestDescendantsFollowsOnlyRequestedKinds(t *testing.T) {
	r := &edgeReader{edges: []domain.Relation{sub("R", "A"), inst("R", "X"), inst("A", "Y")}}
	res := NewResolver(r, nil)
	got, _ := res.Descendants(context.Background(), []string{"R"})
	if want := []string{"A", "R"}; !equal(sorted(got), want) {
		t.Fatalf("subclass only: got %v", sorted(got))
	}
	got, _ = res.Descendants(context.Background(), []string{"R"}, domain.RelationInstanceOf, domain.RelationSubclassOf)
	if want := []string{"A", "R", "X", "Y"}; !equal(sorted(got), want) {
		t.Fatalf("both kinds: got %v", sorted(got))
	}
}

func TestResolveExcludesIgnoredBranch(t *testing.T) {
	r := &edgeReader{edges: []domain.Relation{sub("R1", "A"), sub("A", "B"), sub("R1", "C")}}
	res := NewResolver(r, nil)
	got, err := res.Resolve(context.Background(), Query{Roots: []string{"R1"}, Ignored: []string{"A"}})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if want := []string{"C", "R1"}; !equal(sorted(got), want) {
		t.Fatalf("got %v want %v", sorted(got), want)
	}
	again, _ := res.Resolve(context.Background(), Query{Roots: []string{"R1"}, Ignored: []string{"A"}})
	if !got.Equal(again) {
		t.Fatalf("resolve not idempotent: %v vs %v", sorted(got), sorted(again))
	}
}

func TestResolveIsMonotonicInEdges(t *testing.T) {
	r := &edgeReader{edges: []domain.Relation{sub("R", "A")}}
	res := NewResolver(r, nil)
	before, _ := res.Descendants(context.Background(), []string{"R"})
	r.edges = append(r.edges, sub("A", "B"), sub("Z", "R"))
	after, _ := res.Descendants(context.Background(), []string{"R"})
	if !before.IsSubset(after) {
		t.Fatalf("closure shrank: %v -> %v", sorted(before), sorted(after))
	}
	if after.Contains("Z") {
		t.Fatalf("ancestors must not be included")
	}
}

func TestInHierarchyAndMembers(t *testing.T) {
	r := &edgeReader{edges: []domain.Relation{sub("R", "A"), inst("A", "P1"), inst("R", "P2"), sub("I", "J"), inst("J", "P3")}}
	res := NewResolver(r, nil)
	ctx := context.Background()
	ok, err := res.InHierarchy(ctx, "P1", []string{"R"}, nil)
	if err != nil || !ok {
		t.Fatalf("P1 should be in hierarchy: %v %v", ok, err)
	}
	ok, _ = res.InHierarchy(ctx, "P3", []string{"R"}, nil)
	if ok {
		t.Fatalf("P3 should not be in hierarchy")
	}
	members, err := res.Members(ctx, mapset.NewThreadUnsafeSet("A", "R"))
	if err != nil {
		t.Fatalf("members: %v", err)
	}
	if want := []string{"A", "P1", "P2"}; !equal(sorted(members), want) {
		t.Fatalf("members got %v", sorted(members))
	}
	empty, _ := res.Members(ctx, nil)
	if empty.Cardinality() != 0 {
		t.Fatalf("members of nothing should be empty")
	}
}

func TestDescendantsPropagatesReaderError(t *testing.T) {
	boom := errors.New("boom")
	_, err := NewResolver(&edgeReader{err: boom}, nil).Descendants(context.Background(), []string{"R"})
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped reader error, got %v", err)
	}
}

func TestBuildContextAgainstMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if err := tx.EnsureEntities([]string{"Q4164871", "Q30185", "Q1", "Q2", "Q2285706", "Q3", "Q2221906", "Q515"}); err != nil {
			return err
		}
		return tx.UpsertRelations([]domain.Relation{
			sub("Q4164871", "Q30185"),
			sub("Q30185", "Q1"),
			sub("Q4164871", "Q2285706"),
			sub("Q2285706", "Q3"),
			sub("Q2221906", "Q515"),
		})
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	cfg := config.HierarchyConfig{
		PositionRoots:       []string{"Q4164871"},
		PositionIgnoreRoots: []string{"Q2285706"},
		LocationRoots:       []string{"Q2221906"},
		CountryTypes:        []string{"Q6256"},
	}
	hc, err := BuildContext(ctx, NewResolver(store, nil), cfg)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !hc.IsPositionClass("Q1") || hc.IsPositionClass("Q3") || hc.IsPositionClass("Q2285706") {
		t.Fatalf("unexpected position classes %v", sorted(hc.PositionClasses()))
	}
	if !hc.IsIgnoredPosition("Q3") {
		t.Fatalf("Q3 should be ignored")
	}
	if !hc.IsLocationClass("Q515") || !hc.IsCountryType("Q6256") {
		t.Fatalf("location/country sets wrong")
	}
}

func TestBuildContextIgnoredClosureFollowsInstanceOf(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if err := tx.EnsureEntities([]string{"QROOT", "QC", "QIGN", "QE", "Q2221906", "Q515"}); err != nil {
			return err
		}
		return tx.UpsertRelations([]domain.Relation{
			sub("QROOT", "QC"),
			sub("QROOT", "QIGN"),
			inst("QC", "QE"),
			inst("QIGN", "QE"),
			sub("Q2221906", "Q515"),
		})
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	cfg := config.HierarchyConfig{
		PositionRoots:       []string{"QROOT"},
		PositionIgnoreRoots: []string{"QIGN"},
		LocationRoots:       []string{"Q2221906"},
		CountryTypes:        []string{"Q6256"},
	}
	hc, err := BuildContext(ctx, NewResolver(store, nil), cfg)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !hc.IsIgnoredPosition("QE") {
		t.Fatalf("instance of an ignored class should be ignored, got %v", sorted(hc.PositionIgnored()))
	}
	if !hc.IsPositionClass("QC") || hc.IsPositionClass("QIGN") || hc.IsPositionClass("QE") {
		t.Fatalf("unexpected position classes %v", sorted(hc.PositionClasses()))
	}
}

func TestBuildContextRequiresImportedHierarchy(t *testing.T) {
	cfg := config.HierarchyConfig{PositionRoots: []string{"Q4164871"}, LocationRoots: []string{"Q2221906"}}
	_, err := BuildContext(context.Background(), NewResolver(&edgeReader{}, nil), cfg)
	if !errors.Is(err, domain.ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}
