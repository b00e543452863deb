package importer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"kgmirror/internal/blob"
	"kgmirror/internal/classify"
	"kgmirror/internal/config"
	"kgmirror/internal/dump"
	"kgmirror/internal/hierarchy"
	"kgmirror/internal/infra/persistence/memory"
	"kgmirror/pkg/domain"
)

var t0 = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

var fastRetry = RetryPolicy{MaxRetries: 3, Initial: time.Millisecond}

func newStore() *memory.Store {
	s := memory.NewStore()
	s.SetNowFunc(func() time.Time { return t0 })
	return s
}

func sampleBatch() []domain.Record {
	return []domain.Record{
		{Kind: domain.KindPosition, Entity: domain.Entity{ID: "Q30185", Name: "Mayor"},
			Relations: []domain.Relation{{ParentID: "Q4164871", ChildID: "Q30185", Kind: domain.RelationSubclassOf, StatementID: "S-sub"}}},
		{Kind: domain.KindCountry, Entity: domain.Entity{ID: "Q142", Name: "France"}, Country: &domain.Country{ID: "Q142", ISOCode: "FR"}},
		{Kind: domain.KindPolitician, Entity: domain.Entity{ID: "Q1", Name: "Ada"},
			Properties: []domain.Property{
				{PoliticianID: "Q1", Type: domain.PropertyPosition, EntityID: "Q30185", StatementID: "S-pos"},
				{PoliticianID: "Q1", Type: domain.PropertyCitizenship, EntityID: "Q142", StatementID: "S-cit"},
				{PoliticianID: "Q1", Type: domain.PropertyBirthplace, EntityID: "Q90", StatementID: "S-bp"},
			},
			Links: []domain.ArticleLink{{PoliticianID: "Q1", Site: "enwiki", Title: "Ada", URL: "https://en.wikipedia.org/wiki/Ada"}}},
		domain.Rejected("Q999", "no usable label"),
	}
}

type snapshot struct {
	Entities   []domain.Entity
	Relations  []domain.Relation
	Properties []domain.Property
	Links      []domain.ArticleLink
}

func snap(t *testing.T, s *memory.Store) snapshot {
	t.Helper()
	ctx := context.Background()
	var out snapshot
	var err error
	if out.Entities, err = s.ListEntities(ctx); err != nil {
		t.Fatalf("entities: %v", err)
	}
	if out.Relations, err = s.ListRelations(ctx); err != nil {
		t.Fatalf("relations: %v", err)
	}
	if out.Properties, err = s.ListProperties(ctx); err != nil {
		t.Fatalf("properties: %v", err)
	}
	if out.Links, err = s.ListArticleLinks(ctx); err != nil {
		t.Fatalf("links: %v", err)
	}
	return out
}

func TestUpsertBatchIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newStore()
	up := NewUpserter(store, fastRetry, nil)
	res, err := up.UpsertBatch(ctx, sampleBatch())
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if res.Records != 3 || res.Properties != 3 || res.Links != 1 || res.Attempts != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	first := snap(t, store)
	if _, err := up.UpsertBatch(ctx, sampleBatch()); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if second := snap(t, store); !reflect.DeepEqual(first, second) {
		t.Fatalf("replay changed state:\n%+v\n%+v", first, second)
	}
	// stubs for the class parent and the birthplace
	for _, id := range []string{"Q4164871", "Q90"} {
		e, err := store.GetEntity(ctx, id)
		if err != nil || e.Name != "" {
			t.Fatalf("expected nameless stub %s, got %+v err=%v", id, e, err)
		}
	}
	if ids, _ := store.SubtypeIDs(ctx, domain.KindCountry); len(ids) != 1 || ids[0] != "Q142" {
		t.Fatalf("countries: %v", ids)
	}
	if _, err := up.UpsertBatch(ctx, nil); err != nil {
		t.Fatalf("empty batch: %v", err)
	}
}

// flakyStore fails the first n transactions with err.
type flakyStore struct {
	inner TxRunner
	n     int32
	calls atomic.Int32
	err   error
}

func (f *flakyStore) RunInTransaction(ctx context.Context, fn func(domain.Transaction) error) error {
	if f.calls.Add(1) <= f.n {
		return f.err
	}
	return f.inner.RunInTransaction(ctx, fn)
}

func TestUpsertBatchRetriesTransientErrors(t *testing.T) {
	store := newStore()
	flaky := &flakyStore{inner: store, n: 2, err: domain.Transient(errors.New("connection reset"))}
	res, err := NewUpserter(flaky, fastRetry, nil).UpsertBatch(context.Background(), sampleBatch())
	if err != nil {
		t.Fatalf("expected success after retries: %v", err)
	}
	if res.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", res.Attempts)
	}
	if ents, _ := store.ListEntities(context.Background()); len(ents) == 0 {
		t.Fatalf("batch not written")
	}

	exhausted := &flakyStore{inner: newStore(), n: 10, err: domain.Transient(errors.New("busy"))}
	res, err = NewUpserter(exhausted, RetryPolicy{MaxRetries: 1, Initial: time.Millisecond}, nil).UpsertBatch(context.Background(), sampleBatch())
	if err == nil || !domain.IsTransient(err) || res.Attempts != 2 {
		t.Fatalf("expected exhausted transient error after 2 attempts, got attempts=%d err=%v", res.Attempts, err)
	}
}

func TestUpsertBatchDoesNotRetryConflicts(t *testing.T) {
	ctx := context.Background()
	store := newStore()
	up := NewUpserter(store, fastRetry, nil)
	if _, err := up.UpsertBatch(ctx, sampleBatch()); err != nil {
		t.Fatalf("seed: %v", err)
	}
	before := snap(t, store)
	clash := []domain.Record{
		{Kind: domain.KindPolitician, Entity: domain.Entity{ID: "Q2", Name: "Bob"},
			Properties: []domain.Property{{PoliticianID: "Q2", Type: domain.PropertyCitizenship, EntityID: "Q142", StatementID: "S-cit"}}},
	}
	res, err := up.UpsertBatch(ctx, clash)
	if !IsBatchConflict(err) || res.Attempts != 1 {
		t.Fatalf("expected immediate conflict, got attempts=%d err=%v", res.Attempts, err)
	}
	if after := snap(t, store); !reflect.DeepEqual(before, after) {
		t.Fatalf("failed batch leaked writes")
	}
}

func line(id, label string, claims ...string) string {
	labels := "{}"
	if label != "" {
		labels = fmt.Sprintf(`{"en":{"language":"en","value":%q}}`, label)
	}
	return fmt.Sprintf(`{"type":"item","id":%q,"labels":%s,"claims":{%s}}`, id, labels, strings.Join(claims, ","))
}

func claim(prop string, stmts ...string) string {
	return fmt.Sprintf(`%q:[%s]`, prop, strings.Join(stmts, ","))
}

func ref(id, target string) string {
	return fmt.Sprintf(`{"id":%q,"rank":"normal","mainsnak":{"snaktype":"value","property":"x","datavalue":{"type":"wikibase-entityid","value":{"entity-type":"item","id":%q}}}}`, id, target)
}

func dumpStore(t *testing.T, lines ...string) blob.Store {
	t.Helper()
	body := "[\n" + strings.Join(lines, ",\n") + "\n]\n"
	s := blob.NewMemory()
	if _, err := s.Put(context.Background(), "latest-all.json", bytes.NewReader([]byte(body)), blob.PutOptions{}); err != nil {
		t.Fatalf("put dump: %v", err)
	}
	return s
}

func TestRunnerStagesEndToEnd(t *testing.T) {
	ctx := context.Background()
	blobs := dumpStore(t,
		line("Q4164871", "position"),
		line("Q30185", "head of government", claim("P279", ref("S1", "Q4164871"))),
		line("Q2221906", "geographic location"),
		line("Q515", "city", claim("P279", ref("S2", "Q2221906"))),
		line("Q90", "Paris", claim("P31", ref("S3", "Q515"))),
		line("Q142", "France", claim("P31", ref("S4", "Q6256"))),
		line("Q1", "Ada", claim("P31", ref("S5", "Q5")), claim("P106", ref("S6", "Q82955")),
			claim("P39", ref("S7", "Q30185")), claim("P19", ref("S8", "Q90")), claim("P27", ref("S9", "Q142"))),
		line("Q2", "", claim("P31", ref("S10", "Q515"))),
		`{"type":"item","id":"Q3","claims":`,
	)
	store := newStore()
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	up := NewUpserter(store, fastRetry, nil)
	reader := dump.NewReader(blobs, dump.Options{Workers: 3, Chunks: 5}, nil)
	opts := RunnerOptions{Writers: 2, BatchSize: 2}
	clock := classify.ClockFunc(func() time.Time { return t0 })

	hierRunner := NewRunner(reader, classify.New(nil, classify.Options{Clock: clock}), up, opts, metrics, nil)
	rep, err := hierRunner.Run(ctx, "latest-all.json", StageHierarchy)
	if err != nil {
		t.Fatalf("hierarchy stage: %v", err)
	}
	if rep.Accepted != 2 || rep.Malformed != 1 || rep.Processed != 8 {
		t.Fatalf("hierarchy report %+v", rep)
	}

	hc, err := hierarchy.BuildContext(ctx, hierarchy.NewResolver(store, nil), config.HierarchyConfig{
		PositionRoots: []string{"Q4164871"},
		LocationRoots: []string{"Q2221906"},
		CountryTypes:  []string{"Q6256"},
	})
	if err != nil {
		t.Fatalf("context: %v", err)
	}
	runner := NewRunner(reader, classify.New(hc, classify.Options{Clock: clock}), up, opts, metrics, nil)
	rep, err = runner.Run(ctx, "latest-all.json", StageEntities)
	if err != nil {
		t.Fatalf("entities stage: %v", err)
	}
	// Q30185 position, Q515 location, Q90 location, Q142 country
	if rep.Accepted != 4 || rep.BatchesFailed != 0 {
		t.Fatalf("entities report %+v", rep)
	}
	rep, err = runner.Run(ctx, "latest-all.json", StagePoliticians)
	if err != nil {
		t.Fatalf("politicians stage: %v", err)
	}
	if rep.Accepted != 1 {
		t.Fatalf("politicians report %+v", rep)
	}

	for kind, want := range map[domain.RecordKind][]string{
		domain.KindPolitician: {"Q1"},
		domain.KindPosition:   {"Q30185"},
		domain.KindLocation:   {"Q515", "Q90"},
		domain.KindCountry:    {"Q142"},
	} {
		got, err := store.SubtypeIDs(ctx, kind)
		if err != nil || !reflect.DeepEqual(got, want) {
			t.Fatalf("%s: got %v want %v err=%v", kind, got, want, err)
		}
	}
	props, _ := store.ListProperties(ctx)
	if len(props) != 3 {
		t.Fatalf("expected 3 politician properties, got %+v", props)
	}
	if got := counterValue(t, reg, "kgmirror_import_batches_total", "error"); got != 0 {
		t.Fatalf("unexpected failed batches metric %v", got)
	}
	if got := counterValue(t, reg, "kgmirror_import_batches_total", "success"); got == 0 {
		t.Fatalf("expected successful batches to be counted")
	}
}

// brokenStore rejects every transaction with a non-transient error.
type brokenStore struct{}

func (brokenStore) RunInTransaction(context.Context, func(domain.Transaction) error) error {
	return errors.New("constraint violated")
}

func TestRunnerCountsFailedBatches(t *testing.T) {
	blobs := dumpStore(t,
		line("Q10", "a", claim("P279", ref("S1", "Q1"))),
		line("Q11", "b", claim("P279", ref("S2", "Q1"))),
		line("Q12", "c", claim("P279", ref("S3", "Q1"))),
	)
	runner := NewRunner(
		dump.NewReader(blobs, dump.Options{Workers: 1, Chunks: 1}, nil),
		classify.New(nil, classify.Options{}),
		NewUpserter(brokenStore{}, fastRetry, nil),
		RunnerOptions{Writers: 1, BatchSize: 2},
		nil, nil,
	)
	rep, err := runner.Run(context.Background(), "latest-all.json", StageHierarchy)
	if !errors.Is(err, ErrBatchesFailed) {
		t.Fatalf("expected ErrBatchesFailed, got %v", err)
	}
	if rep.BatchesFailed != 2 || rep.BatchesOK != 0 || rep.Accepted != 3 {
		t.Fatalf("unexpected report %+v", rep)
	}
}

func TestRunnerRejectsUnknownStage(t *testing.T) {
	runner := NewRunner(nil, classify.New(nil, classify.Options{}), NewUpserter(newStore(), fastRetry, nil), RunnerOptions{}, nil, nil)
	if _, err := runner.Run(context.Background(), "x", Stage("bogus")); err == nil {
		t.Fatalf("expected unknown stage error")
	}
}

func counterValue(t *testing.T, reg *prometheus.Registry, name, result string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "result" && lp.GetValue() == result {
					total += m.GetCounter().GetValue()
				}
			}
		}
	}
	return total
}
