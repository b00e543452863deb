package core

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"kgmirror/internal/blob"
	"kgmirror/internal/config"
	"kgmirror/internal/tracking"
	"kgmirror/pkg/domain"
)

// dumpOneBZ2 is the bzip2 compression of dumpBody(true).
const dumpOneBZ2 = "QlpoOTFBWSZTWf3f59sAAftfgEAQUAZ/8AEAaGo/79+qQAJNy5jKQMpE2iMIxDPUBNNMCYAlTTEUYhoADQA0AAikU9NTJknkygAAAGnqBSkpqNNQ00NDTQNGmQNMJwSEUsooCumqskXEgeO9NXr2rzcSEcTpMtJnuy/14DJTIgVgQPZSFTdWCrKV8/oWikbQcOSm1NnV0Hks1QyjBqjMxqjVNUaGhlNFlNZlMyjVNUYp+a0s/YuJZppwlvyO1e5IA8gViAS5S9TJNM4kRMtqsCr1EtLxqMA9YskiEit4ayTCwIxKRxHZi6qMpUXKJpCTyGeYhFhigWlUqc3ONzSS3YzOzopnZT6jn8BoddOlTKeMT47DC6O6nXTt6qdrsp3DPDl5422iapzK5cd44aeNGYpinn4dtPHj5gQoXAGcKcVIN2BpjiBTjPACeP2jv91Ngraao3AaQpidGZVQiekCmClimKOtKcY4hg4un14OKJlG1OFN/INgDIuFK0hQpZSqk1KoO62UzC1TLhigl9201kpTZepTlHADSRhYptK3qSUiamxTN25TcLXuzMzMswzMb6ZTzDhE0q305MeHBtTnA+qXlTCdQyX+pd+Uy8WNbxlML/i7kinChIfu/z7Y"

func ref(sid, target string) string {
	return fmt.Sprintf(`{"id":%q,"rank":"normal","mainsnak":{"snaktype":"value","datavalue":{"type":"wikibase-entityid","value":{"entity-type":"item","id":%q}}}}`, sid, target)
}

func item(id, label, claims, sitelinks string) string {
	s := fmt.Sprintf(`{"type":"item","id":%q,"labels":{"en":{"language":"en","value":%q}},"claims":{%s}`, id, label, claims)
	if sitelinks != "" {
		s += `,"sitelinks":` + sitelinks
	}
	return s + "}"
}

// dumpBody renders the test dump: a small hierarchy, Paris, France and the
// politicians QX and (optionally) QY.
func dumpBody(withY bool) string {
	lines := []string{
		item("Q4164871", "position", "", ""),
		item("Q30185", "head of government", `"P279":[`+ref("S1", "Q4164871")+`]`, ""),
		item("Q2221906", "geographic location", "", ""),
		item("Q515", "city", `"P279":[`+ref("S2", "Q2221906")+`]`, ""),
		item("Q90", "Paris", `"P31":[`+ref("S3", "Q515")+`]`, ""),
		item("Q142", "France", `"P31":[`+ref("S4", "Q6256")+`]`, ""),
		item("QX", "Xavier", `"P31":[`+ref("S5", "Q5")+`],"P106":[`+ref("S6", "Q82955")+`],"P39":[`+ref("S7", "Q30185")+`],"P27":[`+ref("S8", "Q142")+`]`,
			`{"enwiki":{"site":"enwiki","title":"Xavier"}}`),
	}
	if withY {
		lines = append(lines, item("QY", "Yvonne", `"P31":[`+ref("S9", "Q5")+`],"P106":[`+ref("S10", "Q82955")+`],"P19":[`+ref("S11", "Q90")+`]`, ""))
	}
	return "[\n" + strings.Join(lines, ",\n") + "\n]\n"
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Storage.Driver = "memory"
	cfg.Blob.Driver = "memory"
	cfg.Import.Workers = 2
	cfg.Import.Chunks = 3
	cfg.Import.Writers = 2
	cfg.Import.BatchSize = 2
	cfg.Import.QueueSize = 8
	cfg.Import.RetryInitial = time.Millisecond
	cfg.Hierarchy = config.HierarchyConfig{
		PositionRoots: []string{"Q4164871"},
		LocationRoots: []string{"Q2221906"},
		CountryTypes:  []string{"Q6256"},
	}
	return cfg
}

func clock() func() time.Time {
	t := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func putBlobs(t *testing.T, blobs blob.Store) {
	t.Helper()
	ctx := context.Background()
	compressed, err := base64.StdEncoding.DecodeString(dumpOneBZ2)
	if err != nil {
		t.Fatalf("decode fixture: %v", err)
	}
	if _, err := blobs.Put(ctx, "dumps/one.json.bz2", bytes.NewReader(compressed), blob.PutOptions{}); err != nil {
		t.Fatalf("put one: %v", err)
	}
	if _, err := blobs.Put(ctx, "dumps/two.json", strings.NewReader(dumpBody(false)), blob.PutOptions{}); err != nil {
		t.Fatalf("put two: %v", err)
	}
}

func newService(t *testing.T, store domain.PersistentStore, opts ...Option) (*Service, blob.Store) {
	t.Helper()
	blobs := blob.NewMemory()
	putBlobs(t, blobs)
	opts = append([]Option{WithClock(clock())}, opts...)
	return NewService(testConfig(), store, blobs, opts...), blobs
}

func openStore(t *testing.T, driver string) domain.PersistentStore {
	t.Helper()
	store, err := OpenPersistentStore(context.Background(), config.StorageConfig{
		Driver:     driver,
		SQLitePath: filepath.Join(t.TempDir(), "mirror.db"),
	})
	if err != nil {
		t.Fatalf("open %s store: %v", driver, err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestExtractedDumpMatchesFixture(t *testing.T) {
	ctx := context.Background()
	svc, blobs := newService(t, openStore(t, "memory"))
	d, err := svc.RegisterDump(ctx, "dumps/one.json.bz2")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := svc.Extract(ctx, d.ID); err != nil {
		t.Fatalf("extract: %v", err)
	}
	_, rc, err := blobs.Get(ctx, "dumps/one.json")
	if err != nil {
		t.Fatalf("get extracted: %v", err)
	}
	defer rc.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(rc)
	if buf.String() != dumpBody(true) {
		t.Fatalf("extracted body differs from fixture:\n%s", buf.String())
	}
	// A second extract keeps the existing object.
	if _, err := svc.Extract(ctx, d.ID); err != nil {
		t.Fatalf("re-extract: %v", err)
	}
}

func TestRegisterDumpReusesFingerprint(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t, openStore(t, "memory"))
	a, err := svc.RegisterDump(ctx, "dumps/two.json")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	b, err := svc.RegisterDump(ctx, "dumps/two.json")
	if err != nil || b.ID != a.ID {
		t.Fatalf("expected same dump, got %s vs %s err=%v", a.ID, b.ID, err)
	}
	if !a.Reached(domain.StageDownloaded) || a.Reached(domain.StageExtracted) {
		t.Fatalf("unexpected stages %+v", a)
	}
	if _, err := svc.RegisterDump(ctx, "dumps/missing.json"); !errors.Is(err, blob.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestStagesMustRunInOrder(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t, openStore(t, "memory"))
	d, err := svc.RegisterDump(ctx, "dumps/two.json")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := svc.ImportHierarchy(ctx, d.ID); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("hierarchy before extract: %v", err)
	}
	if _, err := svc.Extract(ctx, d.ID); err != nil {
		t.Fatalf("extract: %v", err)
	}
	if _, err := svc.ImportEntities(ctx, d.ID); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("entities before hierarchy: %v", err)
	}
	if _, err := svc.ImportHierarchy(ctx, d.ID); err != nil {
		t.Fatalf("hierarchy: %v", err)
	}
	if _, err := svc.ImportPoliticians(ctx, d.ID); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("politicians before entities: %v", err)
	}
}

func TestEntitiesStageRequiresImportedHierarchy(t *testing.T) {
	ctx := context.Background()
	store := openStore(t, "memory")
	svc, _ := newService(t, store)
	d, _ := svc.RegisterDump(ctx, "dumps/two.json")
	_, _ = svc.Extract(ctx, d.ID)
	if _, err := svc.ImportHierarchy(ctx, d.ID); err != nil {
		t.Fatalf("hierarchy: %v", err)
	}
	cfg := testConfig()
	cfg.Hierarchy.PositionRoots = []string{"Q-nothing"}
	other := NewService(cfg, store, svc.blobs, WithClock(clock()))
	_, err := other.ImportEntities(ctx, d.ID)
	if !errors.Is(err, domain.ErrConfig) {
		t.Fatalf("expected config error, got %v", err)
	}
}

func runTwoDumps(t *testing.T, store domain.PersistentStore) (Summary, Summary) {
	t.Helper()
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	tracer := NewJSONTracer(nil)
	svc, _ := newService(t, store, WithRegisterer(reg), WithTracer(tracer))
	first, err := svc.RunAll(ctx, "dumps/one.json.bz2")
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	second, err := svc.RunAll(ctx, "dumps/two.json")
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	var runAll int
	for _, e := range tracer.Entries() {
		if e.Operation == "run_all" && e.Status == "success" {
			runAll++
		}
	}
	if runAll != 2 {
		t.Fatalf("expected two traced run_all spans, got %d", runAll)
	}
	families, err := reg.Gather()
	if err != nil || len(families) == 0 {
		t.Fatalf("expected registered metrics, err=%v", err)
	}
	return first, second
}

func assertTwoDumpOutcome(t *testing.T, store domain.PersistentStore, first, second Summary) {
	t.Helper()
	ctx := context.Background()
	if first.GC.Skipped != tracking.SkipSingleCompletedRun {
		t.Fatalf("first gc should be skipped, got %+v", first.GC)
	}
	if !first.Dump.Reached(domain.StagePoliticiansImported) || !second.Dump.Reached(domain.StagePoliticiansImported) {
		t.Fatalf("dumps did not reach the last stage: %+v %+v", first.Dump, second.Dump)
	}
	if len(first.Imports) != 3 || first.Imports[2].Accepted != 2 || second.Imports[2].Accepted != 1 {
		t.Fatalf("unexpected import reports %+v / %+v", first.Imports, second.Imports)
	}
	want := domain.GCResult{Entities: 1, Properties: 1}
	if second.GC.Skipped != "" || second.GC.Result != want {
		t.Fatalf("second gc: %+v want %+v", second.GC, want)
	}
	if second.Consistency != (tracking.ConsistencyReport{}) {
		t.Fatalf("consistent mirror should need no enforcement, got %+v", second.Consistency)
	}
	y, err := store.GetEntity(ctx, "QY")
	if err != nil || !y.Deleted() {
		t.Fatalf("QY should be soft-deleted: %+v err=%v", y, err)
	}
	x, err := store.GetEntity(ctx, "QX")
	if err != nil || x.Deleted() || x.Name != "Xavier" {
		t.Fatalf("QX should be live: %+v err=%v", x, err)
	}
	root, err := store.GetEntity(ctx, "Q4164871")
	if err != nil || root.Deleted() {
		t.Fatalf("referenced root should stay live: %+v err=%v", root, err)
	}
	links, _ := store.ListArticleLinks(ctx)
	if len(links) != 1 || links[0].URL != "https://en.wikipedia.org/wiki/Xavier" {
		t.Fatalf("links: %+v", links)
	}
	for kind, want := range map[domain.RecordKind]int{
		domain.KindPolitician: 2,
		domain.KindPosition:   1,
		domain.KindLocation:   2,
		domain.KindCountry:    1,
	} {
		ids, err := store.SubtypeIDs(ctx, kind)
		if err != nil || len(ids) != want {
			t.Fatalf("%s rows: %v err=%v", kind, ids, err)
		}
	}
}

func TestRunAllTwoDumpsMemory(t *testing.T) {
	store := openStore(t, "memory")
	first, second := runTwoDumps(t, store)
	assertTwoDumpOutcome(t, store, first, second)
}

func TestRunAllTwoDumpsSQLite(t *testing.T) {
	store := openStore(t, "sqlite")
	first, second := runTwoDumps(t, store)
	assertTwoDumpOutcome(t, store, first, second)
}

func TestOpenPersistentStoreUnknownDriver(t *testing.T) {
	if _, err := OpenPersistentStore(context.Background(), config.StorageConfig{Driver: "mongo"}); err == nil {
		t.Fatalf("expected unknown driver error")
	}
}
