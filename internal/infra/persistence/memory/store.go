// Package memory provides an in-memory implementation of the relational mirror
// used for tests and ephemeral runs.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"

	"kgmirror/pkg/domain"
)

// Compile-time contract assertion ensuring memory.Store adheres to the domain persistence interface.
var _ domain.PersistentStore = (*Store)(nil)

type linkKey struct {
	politicianID string
	site         string
}

type memoryState struct {
	entities    map[string]domain.Entity
	relations   map[domain.RelationKey]domain.Relation
	politicians mapset.Set[string]
	positions   mapset.Set[string]
	locations   mapset.Set[string]
	countries   map[string]domain.Country
	properties  map[string]domain.Property
	// statements maps a statement id to the property id carrying it.
	statements map[string]string
	links      map[linkKey]domain.ArticleLink
	runs       map[string]domain.ImportRun
	dumps      map[string]domain.Dump

	touchedEntities   mapset.Set[string]
	touchedStatements mapset.Set[string]
}

func newMemoryState() memoryState {
	return memoryState{
		entities:          make(map[string]domain.Entity),
		relations:         make(map[domain.RelationKey]domain.Relation),
		politicians:       mapset.NewThreadUnsafeSet[string](),
		positions:         mapset.NewThreadUnsafeSet[string](),
		locations:         mapset.NewThreadUnsafeSet[string](),
		countries:         make(map[string]domain.Country),
		properties:        make(map[string]domain.Property),
		statements:        make(map[string]string),
		links:             make(map[linkKey]domain.ArticleLink),
		runs:              make(map[string]domain.ImportRun),
		dumps:             make(map[string]domain.Dump),
		touchedEntities:   mapset.NewThreadUnsafeSet[string](),
		touchedStatements: mapset.NewThreadUnsafeSet[string](),
	}
}

// undoLog restores the state a failed transaction touched, newest first.
type undoLog []func()

func (u *undoLog) rollback() {
	for i := len(*u) - 1; i >= 0; i-- {
		(*u)[i]()
	}
	*u = nil
}

// saveKey records the current value of m[k] before it is overwritten.
func saveKey[K comparable, V any](u *undoLog, m map[K]V, k K) {
	old, had := m[k]
	*u = append(*u, func() {
		if had {
			m[k] = old
		} else {
			delete(m, k)
		}
	})
}

// addToSet adds ids to set, recording the ids that were not yet members.
func addToSet(u *undoLog, set mapset.Set[string], ids []string) {
	for _, id := range ids {
		if set.Add(id) {
			*u = append(*u, func() { set.Remove(id) })
		}
	}
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneEntity(e domain.Entity) domain.Entity {
	e.DeletedAt = cloneTime(e.DeletedAt)
	return e
}

func cloneRelation(r domain.Relation) domain.Relation {
	r.DeletedAt = cloneTime(r.DeletedAt)
	return r
}

func cloneProperty(p domain.Property) domain.Property {
	p.DeletedAt = cloneTime(p.DeletedAt)
	if p.Qualifiers != nil {
		p.Qualifiers = append(json.RawMessage(nil), p.Qualifiers...)
	}
	return p
}

func cloneRun(r domain.ImportRun) domain.ImportRun {
	r.FinishedAt = cloneTime(r.FinishedAt)
	return r
}

// Store provides an in-memory transactional store for the mirror.
type Store struct {
	mu    sync.RWMutex
	state memoryState
	nowFn func() time.Time
}

// NewStore constructs an empty in-memory store.
func NewStore() *Store {
	return &Store{
		state: newMemoryState(),
		nowFn: func() time.Time { return time.Now().UTC() },
	}
}

// SetNowFunc overrides the clock used for timestamps.
func (s *Store) SetNowFunc(fn func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn != nil {
		s.nowFn = fn
	}
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

type transaction struct {
	state *memoryState
	now   time.Time
	undo  undoLog
}

// RunInTransaction executes fn against the live state under the write lock.
// Every write is journaled, so a failing fn is rolled back in time
// proportional to what it wrote.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx domain.Transaction) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &transaction{state: &s.state, now: s.nowFn()}
	if err := fn(tx); err != nil {
		tx.undo.rollback()
		return err
	}
	return nil
}

func (tx *transaction) UpsertEntities(entities []domain.Entity) error {
	for _, e := range entities {
		if e.ID == "" {
			return fmt.Errorf("entity id required")
		}
		cur, ok := tx.state.entities[e.ID]
		if !ok {
			cur = domain.Entity{ID: e.ID, CreatedAt: tx.now}
		}
		if e.Name != "" {
			cur.Name = e.Name
		}
		if e.Description != "" {
			cur.Description = e.Description
		}
		cur.UpdatedAt = tx.now
		cur.DeletedAt = nil
		saveKey(&tx.undo, tx.state.entities, e.ID)
		tx.state.entities[e.ID] = cur
	}
	return nil
}

// EnsureEntities creates missing endpoint rows and revives soft-deleted ones,
// since a live statement references them again.
func (tx *transaction) EnsureEntities(ids []string) error {
	for _, id := range ids {
		cur, ok := tx.state.entities[id]
		switch {
		case !ok:
			cur = domain.Entity{ID: id, CreatedAt: tx.now, UpdatedAt: tx.now}
		case cur.DeletedAt != nil:
			cur.DeletedAt = nil
			cur.UpdatedAt = tx.now
		default:
			continue
		}
		saveKey(&tx.undo, tx.state.entities, id)
		tx.state.entities[id] = cur
	}
	return nil
}

func (tx *transaction) requireEntities(table string, ids []string) error {
	for _, id := range ids {
		if _, ok := tx.state.entities[id]; !ok {
			return fmt.Errorf("%s %s: entity missing", table, id)
		}
	}
	return nil
}

func (tx *transaction) UpsertPoliticians(ids []string) error {
	if err := tx.requireEntities("politician", ids); err != nil {
		return err
	}
	addToSet(&tx.undo, tx.state.politicians, ids)
	return nil
}

func (tx *transaction) UpsertPositions(ids []string) error {
	if err := tx.requireEntities("position", ids); err != nil {
		return err
	}
	addToSet(&tx.undo, tx.state.positions, ids)
	return nil
}

func (tx *transaction) UpsertLocations(ids []string) error {
	if err := tx.requireEntities("location", ids); err != nil {
		return err
	}
	addToSet(&tx.undo, tx.state.locations, ids)
	return nil
}

func (tx *transaction) UpsertCountries(countries []domain.Country) error {
	for _, c := range countries {
		if err := tx.requireEntities("country", []string{c.ID}); err != nil {
			return err
		}
		saveKey(&tx.undo, tx.state.countries, c.ID)
		tx.state.countries[c.ID] = c
	}
	return nil
}

func (tx *transaction) UpsertRelations(relations []domain.Relation) error {
	for _, r := range relations {
		if !r.Kind.Valid() {
			return fmt.Errorf("relation %s->%s: invalid kind %q", r.ParentID, r.ChildID, r.Kind)
		}
		if err := tx.requireEntities("relation", []string{r.ParentID, r.ChildID}); err != nil {
			return err
		}
		r.DeletedAt = nil
		saveKey(&tx.undo, tx.state.relations, r.Key())
		tx.state.relations[r.Key()] = r
	}
	return nil
}

func (tx *transaction) UpsertProperties(properties []domain.Property) error {
	for _, p := range properties {
		if err := tx.requireEntities("property owner", []string{p.PoliticianID}); err != nil {
			return err
		}
		if p.EntityID != "" {
			if err := tx.requireEntities("property target", []string{p.EntityID}); err != nil {
				return err
			}
		}
		p = cloneProperty(p)
		p.DeletedAt = nil
		if p.StatementID != "" {
			if id, ok := tx.state.statements[p.StatementID]; ok {
				existing := tx.state.properties[id]
				if existing.PoliticianID != p.PoliticianID {
					return fmt.Errorf("%w: %s owned by %s", domain.ErrStatementConflict, p.StatementID, existing.PoliticianID)
				}
				p.ID = id
				if p.ArchivedPageID == "" {
					p.ArchivedPageID = existing.ArchivedPageID
				}
				saveKey(&tx.undo, tx.state.properties, id)
				tx.state.properties[id] = p
				continue
			}
		}
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		saveKey(&tx.undo, tx.state.properties, p.ID)
		tx.state.properties[p.ID] = p
		if p.StatementID != "" {
			saveKey(&tx.undo, tx.state.statements, p.StatementID)
			tx.state.statements[p.StatementID] = p.ID
		}
	}
	return nil
}

func (tx *transaction) UpsertArticleLinks(links []domain.ArticleLink) error {
	for _, l := range links {
		if !tx.state.politicians.Contains(l.PoliticianID) {
			return fmt.Errorf("article link %s/%s: politician missing", l.PoliticianID, l.Site)
		}
		k := linkKey{politicianID: l.PoliticianID, site: l.Site}
		saveKey(&tx.undo, tx.state.links, k)
		tx.state.links[k] = l
	}
	return nil
}

func (tx *transaction) TouchEntities(ids []string) error {
	addToSet(&tx.undo, tx.state.touchedEntities, ids)
	return nil
}

func (tx *transaction) TouchStatements(ids []string) error {
	addToSet(&tx.undo, tx.state.touchedStatements, ids)
	return nil
}

// ChildRelations returns live relations of kinds whose parent is in parentIDs.
func (s *Store) ChildRelations(ctx context.Context, parentIDs []string, kinds []domain.RelationKind) ([]domain.Relation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	parents := mapset.NewThreadUnsafeSet(parentIDs...)
	wanted := mapset.NewThreadUnsafeSet(kinds...)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Relation
	for _, r := range s.state.relations {
		if r.DeletedAt != nil || !parents.Contains(r.ParentID) || !wanted.Contains(r.Kind) {
			continue
		}
		out = append(out, cloneRelation(r))
	}
	sortRelations(out)
	return out, nil
}

// StartImportRun aborts running runs, clears the tracking sets and stores run.
func (s *Store) StartImportRun(ctx context.Context, run domain.ImportRun) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.state.runs[run.ID]; exists {
		return fmt.Errorf("import run %s already exists", run.ID)
	}
	now := s.nowFn()
	for id, r := range s.state.runs {
		if r.Status == domain.RunRunning {
			if err := r.Finish(domain.RunAborted, now); err != nil {
				return err
			}
			s.state.runs[id] = r
		}
	}
	s.state.touchedEntities.Clear()
	s.state.touchedStatements.Clear()
	s.state.runs[run.ID] = cloneRun(run)
	return nil
}

func (s *Store) FinishImportRun(ctx context.Context, id string, status domain.RunStatus, now time.Time) (domain.ImportRun, error) {
	if err := ctx.Err(); err != nil {
		return domain.ImportRun{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.state.runs[id]
	if !ok {
		return domain.ImportRun{}, fmt.Errorf("import run %s: %w", id, domain.ErrNotFound)
	}
	if err := run.Finish(status, now); err != nil {
		return domain.ImportRun{}, err
	}
	s.state.runs[id] = run
	return cloneRun(run), nil
}

func (s *Store) ListImportRuns(ctx context.Context, limit int) ([]domain.ImportRun, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]domain.ImportRun, 0, len(s.state.runs))
	for _, r := range s.state.runs {
		out = append(out, cloneRun(r))
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SoftDeleteUntouched marks live rows absent from the tracking sets as deleted.
// Relations and properties without a statement id are not tracked and are kept.
func (s *Store) SoftDeleteUntouched(ctx context.Context, now time.Time) (domain.GCResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.GCResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var res domain.GCResult
	at := now.UTC()
	for id, e := range s.state.entities {
		if e.DeletedAt == nil && !s.state.touchedEntities.Contains(id) {
			e.DeletedAt = cloneTime(&at)
			s.state.entities[id] = e
			res.Entities++
		}
	}
	for k, r := range s.state.relations {
		if r.DeletedAt == nil && r.StatementID != "" && !s.state.touchedStatements.Contains(r.StatementID) {
			r.DeletedAt = cloneTime(&at)
			s.state.relations[k] = r
			res.Relations++
		}
	}
	for id, p := range s.state.properties {
		if p.DeletedAt == nil && p.StatementID != "" && !s.state.touchedStatements.Contains(p.StatementID) {
			p.DeletedAt = cloneTime(&at)
			s.state.properties[id] = p
			res.Properties++
		}
	}
	return res, nil
}

func (s *Store) SoftDeletePropertiesOutside(ctx context.Context, propType domain.PropertyType, allowed []string, now time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	keep := mapset.NewThreadUnsafeSet(allowed...)
	s.mu.Lock()
	defer s.mu.Unlock()
	at := now.UTC()
	var n int64
	for id, p := range s.state.properties {
		if p.DeletedAt != nil || p.Type != propType || p.EntityID == "" || keep.Contains(p.EntityID) {
			continue
		}
		p.DeletedAt = cloneTime(&at)
		s.state.properties[id] = p
		n++
	}
	return n, nil
}

func (s *Store) DeleteSubtypesOutside(ctx context.Context, scope domain.Scope, allowed []string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	keep := mapset.NewThreadUnsafeSet(allowed...)
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	switch scope {
	case domain.ScopePositions, domain.ScopeLocations:
		set := s.state.positions
		if scope == domain.ScopeLocations {
			set = s.state.locations
		}
		for _, id := range set.ToSlice() {
			if !keep.Contains(id) {
				set.Remove(id)
				n++
			}
		}
	case domain.ScopeCountries:
		for id := range s.state.countries {
			if !keep.Contains(id) {
				delete(s.state.countries, id)
				n++
			}
		}
	default:
		return 0, fmt.Errorf("unknown scope %q", scope)
	}
	return n, nil
}

func (s *Store) DeleteOrphanEntities(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	referenced := mapset.NewThreadUnsafeSet[string]()
	referenced = referenced.Union(s.state.politicians).Union(s.state.positions).Union(s.state.locations)
	for id := range s.state.countries {
		referenced.Add(id)
	}
	for _, r := range s.state.relations {
		referenced.Add(r.ParentID)
		referenced.Add(r.ChildID)
	}
	for _, p := range s.state.properties {
		referenced.Add(p.PoliticianID)
		if p.EntityID != "" {
			referenced.Add(p.EntityID)
		}
	}
	var n int64
	for id := range s.state.entities {
		if !referenced.Contains(id) {
			delete(s.state.entities, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) SaveDump(ctx context.Context, dump domain.Dump) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if dump.ID == "" {
		return fmt.Errorf("dump id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.dumps[dump.ID] = dump
	return nil
}

func (s *Store) GetDump(ctx context.Context, id string) (domain.Dump, error) {
	if err := ctx.Err(); err != nil {
		return domain.Dump{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.state.dumps[id]
	if !ok {
		return domain.Dump{}, fmt.Errorf("dump %s: %w", id, domain.ErrNotFound)
	}
	return d, nil
}

func (s *Store) FindDumpByFingerprint(ctx context.Context, fingerprint string) (domain.Dump, error) {
	if err := ctx.Err(); err != nil {
		return domain.Dump{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found *domain.Dump
	for _, d := range s.state.dumps {
		if d.Fingerprint != fingerprint {
			continue
		}
		if found == nil || d.CreatedAt.After(found.CreatedAt) {
			d := d
			found = &d
		}
	}
	if found == nil {
		return domain.Dump{}, fmt.Errorf("dump with fingerprint %s: %w", fingerprint, domain.ErrNotFound)
	}
	return *found, nil
}

func (s *Store) GetEntity(ctx context.Context, id string) (domain.Entity, error) {
	if err := ctx.Err(); err != nil {
		return domain.Entity{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.state.entities[id]
	if !ok {
		return domain.Entity{}, fmt.Errorf("entity %s: %w", id, domain.ErrNotFound)
	}
	return cloneEntity(e), nil
}

func (s *Store) ListEntities(ctx context.Context) ([]domain.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]domain.Entity, 0, len(s.state.entities))
	for _, e := range s.state.entities {
		out = append(out, cloneEntity(e))
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) ListRelations(ctx context.Context) ([]domain.Relation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]domain.Relation, 0, len(s.state.relations))
	for _, r := range s.state.relations {
		out = append(out, cloneRelation(r))
	}
	s.mu.RUnlock()
	sortRelations(out)
	return out, nil
}

func (s *Store) ListProperties(ctx context.Context) ([]domain.Property, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]domain.Property, 0, len(s.state.properties))
	for _, p := range s.state.properties {
		out = append(out, cloneProperty(p))
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StatementID != out[j].StatementID {
			return out[i].StatementID < out[j].StatementID
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) ListArticleLinks(ctx context.Context) ([]domain.ArticleLink, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]domain.ArticleLink, 0, len(s.state.links))
	for _, l := range s.state.links {
		out = append(out, l)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].PoliticianID != out[j].PoliticianID {
			return out[i].PoliticianID < out[j].PoliticianID
		}
		return out[i].Site < out[j].Site
	})
	return out, nil
}

// SubtypeIDs lists the ids holding the subtype row of kind, sorted.
func (s *Store) SubtypeIDs(ctx context.Context, kind domain.RecordKind) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	switch kind {
	case domain.KindPolitician:
		ids = s.state.politicians.ToSlice()
	case domain.KindPosition:
		ids = s.state.positions.ToSlice()
	case domain.KindLocation:
		ids = s.state.locations.ToSlice()
	case domain.KindCountry:
		for id := range s.state.countries {
			ids = append(ids, id)
		}
	default:
		return nil, fmt.Errorf("no subtype table for %q", kind)
	}
	sort.Strings(ids)
	return ids, nil
}

func sortRelations(rs []domain.Relation) {
	sort.Slice(rs, func(i, j int) bool {
		a, b := rs[i], rs[j]
		if a.ParentID != b.ParentID {
			return a.ParentID < b.ParentID
		}
		if a.ChildID != b.ChildID {
			return a.ChildID < b.ChildID
		}
		return a.Kind < b.Kind
	})
}
