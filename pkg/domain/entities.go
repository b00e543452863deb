// Package domain defines the persistent entities, value types, and store
// contracts of the knowledge-graph mirror maintained by kgmirror.
package domain

import (
	"encoding/json"
	"time"
)

// RelationKind identifies the type of a directed edge between two entities.
type RelationKind string

// Supported relation kinds.
const (
	// RelationSubclassOf links a superclass (parent) to a subclass (child).
	RelationSubclassOf RelationKind = "SUBCLASS_OF"
	// RelationInstanceOf links a class (parent) to one of its instances (child).
	RelationInstanceOf RelationKind = "INSTANCE_OF"
)

// Valid reports whether k is a known relation kind.
func (k RelationKind) Valid() bool {
	return k == RelationSubclassOf || k == RelationInstanceOf
}

// PropertyType enumerates the facts attached to politicians.
type PropertyType string

// Canonical property types.
const (
	// PropertyBirthDate carries a date value.
	PropertyBirthDate PropertyType = "BIRTH_DATE"
	// PropertyDeathDate carries a date value.
	PropertyDeathDate PropertyType = "DEATH_DATE"
	// PropertyBirthplace references a location entity.
	PropertyBirthplace PropertyType = "BIRTHPLACE"
	// PropertyPosition references a position entity and carries start/end qualifiers.
	PropertyPosition PropertyType = "POSITION"
	// PropertyCitizenship references a country entity.
	PropertyCitizenship PropertyType = "CITIZENSHIP"
)

// IsDate reports whether the property carries a date value instead of an entity reference.
func (t PropertyType) IsDate() bool {
	return t == PropertyBirthDate || t == PropertyDeathDate
}

// Entity is a mirrored knowledge-graph node keyed by its stable external id (QID).
// Stubs created to satisfy references carry an empty Name until their own
// record is imported.
type Entity struct {
	ID          string     `json:"id"`
	Name        string     `json:"name,omitempty"`
	Description string     `json:"description,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
}

// Deleted reports whether the entity is soft-deleted.
func (e Entity) Deleted() bool { return e.DeletedAt != nil }

// Relation is a directed typed edge from ParentID to ChildID.
type Relation struct {
	ParentID    string       `json:"parent_id"`
	ChildID     string       `json:"child_id"`
	Kind        RelationKind `json:"kind"`
	StatementID string       `json:"statement_id,omitempty"`
	DeletedAt   *time.Time   `json:"deleted_at,omitempty"`
}

// Key returns the natural key of the relation.
func (r Relation) Key() RelationKey {
	return RelationKey{ParentID: r.ParentID, ChildID: r.ChildID, Kind: r.Kind}
}

// RelationKey is the composite conflict key of a relation.
type RelationKey struct {
	ParentID string
	ChildID  string
	Kind     RelationKind
}

// Country is the country specialization of an entity.
type Country struct {
	ID      string `json:"id"`
	ISOCode string `json:"iso_code,omitempty"`
}

// Property is a fact attached to a politician. Date properties carry Value and
// ValuePrecision; the others reference EntityID. StatementID anchors the fact
// to a source statement and doubles as its idempotency key. ArchivedPageID is
// extraction provenance supplied by the external extraction pipeline.
type Property struct {
	ID             string          `json:"id"`
	PoliticianID   string          `json:"politician_id"`
	Type           PropertyType    `json:"type"`
	Value          string          `json:"value,omitempty"`
	ValuePrecision int             `json:"value_precision,omitempty"`
	EntityID       string          `json:"entity_id,omitempty"`
	Qualifiers     json.RawMessage `json:"qualifiers,omitempty"`
	StatementID    string          `json:"statement_id,omitempty"`
	ArchivedPageID string          `json:"archived_page_id,omitempty"`
	DeletedAt      *time.Time      `json:"deleted_at,omitempty"`
}

// ArticleLink is a politician's article on one external site.
type ArticleLink struct {
	PoliticianID string `json:"politician_id"`
	Site         string `json:"site"`
	Title        string `json:"title"`
	URL          string `json:"url"`
}
