package domain

import (
	"context"
	"errors"
	"time"
)

// ErrStatementConflict is returned when a statement id is already bound to a
// different politician or property type.
var ErrStatementConflict = errors.New("conflicting statement id")

// Transaction exposes the write operations a persistence implementation must
// support within one atomic batch. Writes are insert-or-update keyed by natural
// keys so replaying a batch is safe.
type Transaction interface {
	// UpsertEntities writes entities keyed by id and revives soft-deleted rows.
	UpsertEntities(entities []Entity) error
	// EnsureEntities inserts nameless stubs for ids that do not exist yet.
	EnsureEntities(ids []string) error
	UpsertPoliticians(ids []string) error
	UpsertPositions(ids []string) error
	UpsertLocations(ids []string) error
	UpsertCountries(countries []Country) error
	// UpsertRelations writes relations keyed by (parent, child, kind).
	UpsertRelations(relations []Relation) error
	// UpsertProperties writes properties keyed by statement id when present.
	UpsertProperties(properties []Property) error
	UpsertArticleLinks(links []ArticleLink) error
	// TouchEntities records ids into the current run's entity set.
	TouchEntities(ids []string) error
	// TouchStatements records ids into the current run's statement set.
	TouchStatements(ids []string) error
}

// HierarchyReader provides the edge lookups used by hierarchy resolution.
type HierarchyReader interface {
	// ChildRelations returns live relations of the given kinds whose parent is
	// one of parentIDs.
	ChildRelations(ctx context.Context, parentIDs []string, kinds []RelationKind) ([]Relation, error)
}

// RunStore persists import runs and owns the tracking sets.
type RunStore interface {
	// StartImportRun aborts any running run, clears the tracking sets and
	// stores run, atomically.
	StartImportRun(ctx context.Context, run ImportRun) error
	// FinishImportRun moves a running run to status.
	FinishImportRun(ctx context.Context, id string, status RunStatus, now time.Time) (ImportRun, error)
	// ListImportRuns returns up to limit runs, most recently started first.
	ListImportRuns(ctx context.Context, limit int) ([]ImportRun, error)
}

// GarbageStore applies the two-dump soft-delete protocol.
type GarbageStore interface {
	// SoftDeleteUntouched soft-deletes live entities, relations and properties
	// absent from the tracking sets.
	SoftDeleteUntouched(ctx context.Context, now time.Time) (GCResult, error)
}

// ConsistencyStore applies the hierarchy consistency pass.
type ConsistencyStore interface {
	// SoftDeletePropertiesOutside soft-deletes live properties of type whose
	// target entity is not in allowed.
	SoftDeletePropertiesOutside(ctx context.Context, propType PropertyType, allowed []string, now time.Time) (int64, error)
	// DeleteSubtypesOutside removes subtype rows of scope whose id is not in allowed.
	DeleteSubtypesOutside(ctx context.Context, scope Scope, allowed []string) (int64, error)
	// DeleteOrphanEntities hard-deletes entities no table references.
	DeleteOrphanEntities(ctx context.Context) (int64, error)
}

// DumpStore persists dump metadata.
type DumpStore interface {
	SaveDump(ctx context.Context, dump Dump) error
	GetDump(ctx context.Context, id string) (Dump, error)
	FindDumpByFingerprint(ctx context.Context, fingerprint string) (Dump, error)
}

// Inspector exposes read access used by the orchestrator and tests.
type Inspector interface {
	GetEntity(ctx context.Context, id string) (Entity, error)
	ListEntities(ctx context.Context) ([]Entity, error)
	ListRelations(ctx context.Context) ([]Relation, error)
	ListProperties(ctx context.Context) ([]Property, error)
	ListArticleLinks(ctx context.Context) ([]ArticleLink, error)
	SubtypeIDs(ctx context.Context, kind RecordKind) ([]string, error)
}

// PersistentStore is the relational mirror. Implementations: memory, sqlite, postgres.
type PersistentStore interface {
	RunInTransaction(ctx context.Context, fn func(Transaction) error) error
	HierarchyReader
	RunStore
	GarbageStore
	ConsistencyStore
	DumpStore
	Inspector
	Close() error
}
