package domain

// RecordKind tags the variant carried by a Record.
type RecordKind string

// Record variants in classification priority order.
const (
	KindPolitician   RecordKind = "politician"
	KindPosition     RecordKind = "position"
	KindLocation     RecordKind = "location"
	KindCountry      RecordKind = "country"
	KindUnclassified RecordKind = "unclassified"
	// KindClass carries only an entity and its SUBCLASS_OF edges; it is
	// produced by the hierarchy stage and creates no subtype row.
	KindClass RecordKind = "class"
)

// Record is the classified form of one dump entity: a tagged variant of
// Politician | Position | Location | Country | Unclassified. Relations,
// Properties and Links are persisted alongside the entity; only the fields
// relevant to Kind are populated.
type Record struct {
	Kind       RecordKind
	Entity     Entity
	Country    *Country
	Relations  []Relation
	Properties []Property
	Links      []ArticleLink
	// Reason explains a rejection; empty for accepted records.
	Reason string
}

// Accepted reports whether the record classified into a persisted variant.
func (r Record) Accepted() bool {
	return r.Kind != KindUnclassified && r.Kind != ""
}

// StatementIDs returns the statement ids written by the record.
func (r Record) StatementIDs() []string {
	var ids []string
	for _, rel := range r.Relations {
		if rel.StatementID != "" {
			ids = append(ids, rel.StatementID)
		}
	}
	for _, p := range r.Properties {
		if p.StatementID != "" {
			ids = append(ids, p.StatementID)
		}
	}
	return ids
}

// Rejected builds an unclassified record for id with the supplied reason.
func Rejected(id, reason string) Record {
	return Record{Kind: KindUnclassified, Entity: Entity{ID: id}, Reason: reason}
}
