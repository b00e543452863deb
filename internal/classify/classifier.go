// Package classify turns raw dump entities into domain records.
package classify

import (
	"encoding/json"
	"sort"
	"time"

	"kgmirror/internal/hierarchy"
	"kgmirror/internal/wikidata"
	"kgmirror/pkg/domain"
)

// Rejection reasons.
const (
	ReasonNoLabel          = "no usable label"
	ReasonNoClass          = "no matching class"
	ReasonDiedBeforeWindow = "died before recency window"
	ReasonBadDeathDate     = "unparseable death date"
	ReasonIgnoredPosition  = "position in ignored branch"
)

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time { return f() }

// Options configures a Classifier.
type Options struct {
	// Languages are tried in order for labels (default en, mul).
	Languages []string
	// DeathWindowYears keeps politicians who died at most this long ago (default 5).
	DeathWindowYears int
	Clock            Clock
}

// Classifier maps entities to records. It holds only immutable state and may
// be shared by concurrent workers.
type Classifier struct {
	hc     *hierarchy.Context
	langs  []string
	window int
	clock  Clock
}

// New returns a Classifier over hc. A nil hc classifies against empty class
// sets, which is enough for the hierarchy stage.
func New(hc *hierarchy.Context, opts Options) *Classifier {
	if hc == nil {
		hc = hierarchy.NewContext(nil, nil, nil, nil)
	}
	if len(opts.Languages) == 0 {
		opts.Languages = []string{"en", "mul"}
	}
	if opts.DeathWindowYears <= 0 {
		opts.DeathWindowYears = 5
	}
	if opts.Clock == nil {
		opts.Clock = ClockFunc(time.Now)
	}
	return &Classifier{hc: hc, langs: append([]string(nil), opts.Languages...), window: opts.DeathWindowYears, clock: opts.Clock}
}

// Classify returns the first matching variant in priority order: politician,
// position, location, country. Anything else is unclassified with a reason.
func (c *Classifier) Classify(e *wikidata.Entity) domain.Record {
	name := e.Label(c.langs)
	if name == "" {
		return domain.Rejected(e.ID, ReasonNoLabel)
	}
	ent := domain.Entity{ID: e.ID, Name: name, Description: e.Description(c.langs)}

	if c.isPolitician(e) {
		return c.politician(e, ent)
	}

	classes := append(e.TruthyEntityIDs(wikidata.PropInstanceOf), e.TruthyEntityIDs(wikidata.PropSubclassOf)...)
	if anyOf(classes, c.hc.IsPositionClass) {
		if c.hc.IsIgnoredPosition(e.ID) || anyOf(classes, c.hc.IsIgnoredPosition) {
			return domain.Rejected(e.ID, ReasonIgnoredPosition)
		}
		return domain.Record{Kind: domain.KindPosition, Entity: ent, Relations: typeRelations(e)}
	}
	if anyOf(classes, c.hc.IsLocationClass) {
		return domain.Record{Kind: domain.KindLocation, Entity: ent, Relations: typeRelations(e)}
	}
	if anyOf(e.TruthyEntityIDs(wikidata.PropInstanceOf), c.hc.IsCountryType) {
		country := &domain.Country{ID: e.ID}
		for _, st := range e.Truthy(wikidata.PropISOAlpha2) {
			if code, ok := st.MainSnak.StringValue(); ok && code != "" {
				country.ISOCode = code
				break
			}
		}
		return domain.Record{Kind: domain.KindCountry, Entity: ent, Country: country, Relations: typeRelations(e)}
	}
	return domain.Rejected(e.ID, ReasonNoClass)
}

// Hierarchy returns the hierarchy-stage record: the entity, named when a label
// exists, and its truthy subclass-of edges.
func (c *Classifier) Hierarchy(e *wikidata.Entity) domain.Record {
	var rels []domain.Relation
	for _, st := range e.Truthy(wikidata.PropSubclassOf) {
		if parent, ok := st.MainSnak.EntityID(); ok && parent != e.ID {
			rels = append(rels, domain.Relation{ParentID: parent, ChildID: e.ID, Kind: domain.RelationSubclassOf, StatementID: st.ID})
		}
	}
	return domain.Record{
		Kind:      domain.KindClass,
		Entity:    domain.Entity{ID: e.ID, Name: e.Label(c.langs), Description: e.Description(c.langs)},
		Relations: rels,
	}
}

func (c *Classifier) isPolitician(e *wikidata.Entity) bool {
	if !e.HasTruthy(wikidata.PropInstanceOf, wikidata.ItemHuman) {
		return false
	}
	return e.HasTruthy(wikidata.PropOccupation, wikidata.ItemPolitician) || len(e.Truthy(wikidata.PropPositionHeld)) > 0
}

func (c *Classifier) politician(e *wikidata.Entity, ent domain.Entity) domain.Record {
	var props []domain.Property
	if p, ok := dateProperty(e, wikidata.PropBirthDate, domain.PropertyBirthDate); ok {
		props = append(props, p)
	}
	if hasDeathFact(e) {
		death, ok := dateProperty(e, wikidata.PropDeathDate, domain.PropertyDeathDate)
		if !ok {
			return domain.Rejected(e.ID, ReasonBadDeathDate)
		}
		died, ok := wikidata.TimeValue{Raw: death.Value, Precision: death.ValuePrecision}.Earliest()
		if !ok {
			return domain.Rejected(e.ID, ReasonBadDeathDate)
		}
		if died.Before(c.clock.Now().UTC().AddDate(-c.window, 0, 0)) {
			return domain.Rejected(e.ID, ReasonDiedBeforeWindow)
		}
		props = append(props, death)
	}
	for _, st := range e.Truthy(wikidata.PropCitizenship) {
		if id, ok := st.MainSnak.EntityID(); ok {
			props = append(props, domain.Property{PoliticianID: e.ID, Type: domain.PropertyCitizenship, EntityID: id, StatementID: st.ID})
		}
	}
	for _, st := range e.Truthy(wikidata.PropPositionHeld) {
		id, ok := st.MainSnak.EntityID()
		if !ok {
			continue
		}
		props = append(props, domain.Property{
			PoliticianID: e.ID,
			Type:         domain.PropertyPosition,
			EntityID:     id,
			Qualifiers:   positionQualifiers(st),
			StatementID:  st.ID,
		})
	}
	for _, st := range e.Truthy(wikidata.PropBirthplace) {
		if id, ok := st.MainSnak.EntityID(); ok {
			props = append(props, domain.Property{PoliticianID: e.ID, Type: domain.PropertyBirthplace, EntityID: id, StatementID: st.ID})
			break
		}
	}
	return domain.Record{Kind: domain.KindPolitician, Entity: ent, Properties: props, Links: articleLinks(e)}
}

// hasDeathFact reports a truthy death claim. An unknown date (somevalue)
// counts; an explicit novalue does not.
func hasDeathFact(e *wikidata.Entity) bool {
	for _, st := range e.Truthy(wikidata.PropDeathDate) {
		if st.MainSnak.SnakType != wikidata.SnakNoValue {
			return true
		}
	}
	return false
}

// dateProperty reads the first truthy statement of prop carrying a time value.
func dateProperty(e *wikidata.Entity, prop string, typ domain.PropertyType) (domain.Property, bool) {
	for _, st := range e.Truthy(prop) {
		tv, ok := st.MainSnak.Time()
		if !ok {
			continue
		}
		return domain.Property{
			PoliticianID:   e.ID,
			Type:           typ,
			Value:          tv.Raw,
			ValuePrecision: tv.Precision,
			StatementID:    st.ID,
		}, true
	}
	return domain.Property{}, false
}

// positionQualifiers keeps the start and end time qualifiers as JSON keyed by
// property id. Statements without them carry no qualifiers.
func positionQualifiers(st wikidata.Statement) json.RawMessage {
	out := map[string][]wikidata.TimeValue{}
	for _, prop := range []string{wikidata.PropStartTime, wikidata.PropEndTime} {
		for _, snak := range st.Qualifier(prop) {
			if tv, ok := snak.Time(); ok {
				out[prop] = append(out[prop], tv)
			}
		}
	}
	if len(out) == 0 {
		return nil
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return nil
	}
	return raw
}

func articleLinks(e *wikidata.Entity) []domain.ArticleLink {
	var links []domain.ArticleLink
	for _, sl := range e.Sitelinks {
		u, ok := wikidata.ArticleURL(sl)
		if !ok {
			continue
		}
		links = append(links, domain.ArticleLink{PoliticianID: e.ID, Site: sl.Site, Title: sl.Title, URL: u})
	}
	sort.Slice(links, func(i, j int) bool { return links[i].Site < links[j].Site })
	return links
}

// typeRelations returns the entity's truthy instance-of and subclass-of edges.
func typeRelations(e *wikidata.Entity) []domain.Relation {
	var rels []domain.Relation
	add := func(prop string, kind domain.RelationKind) {
		for _, st := range e.Truthy(prop) {
			if parent, ok := st.MainSnak.EntityID(); ok && parent != e.ID {
				rels = append(rels, domain.Relation{ParentID: parent, ChildID: e.ID, Kind: kind, StatementID: st.ID})
			}
		}
	}
	add(wikidata.PropInstanceOf, domain.RelationInstanceOf)
	add(wikidata.PropSubclassOf, domain.RelationSubclassOf)
	return rels
}

func anyOf(ids []string, pred func(string) bool) bool {
	for _, id := range ids {
		if pred(id) {
			return true
		}
	}
	return false
}
