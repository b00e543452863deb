// Package wikidata models the entity documents found in knowledge-graph JSON
// dumps and the truthy-claim rules used to read them.
package wikidata

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// Well-known property and item ids.
const (
	PropInstanceOf   = "P31"
	PropSubclassOf   = "P279"
	PropOccupation   = "P106"
	PropPositionHeld = "P39"
	PropBirthDate    = "P569"
	PropDeathDate    = "P570"
	PropCitizenship  = "P27"
	PropBirthplace   = "P19"
	PropStartTime    = "P580"
	PropEndTime      = "P582"
	PropISOAlpha2    = "P297"

	ItemHuman      = "Q5"
	ItemPolitician = "Q82955"
)

// Statement ranks.
const (
	RankPreferred  = "preferred"
	RankNormal     = "normal"
	RankDeprecated = "deprecated"
)

// Snak types. Only SnakValue carries a datavalue.
const (
	SnakValue     = "value"
	SnakNoValue   = "novalue"
	SnakSomeValue = "somevalue"
)

// Entity is one dump document.
type Entity struct {
	ID           string                 `json:"id"`
	Type         string                 `json:"type"`
	Labels       map[string]LangValue   `json:"labels"`
	Descriptions map[string]LangValue   `json:"descriptions"`
	Claims       map[string][]Statement `json:"claims"`
	Sitelinks    map[string]Sitelink    `json:"sitelinks"`
}

// LangValue is a language-tagged string.
type LangValue struct {
	Language string `json:"language"`
	Value    string `json:"value"`
}

// Sitelink points at the entity's article on one site.
type Sitelink struct {
	Site  string `json:"site"`
	Title string `json:"title"`
}

// Statement is a claim with its rank and qualifiers.
type Statement struct {
	ID         string            `json:"id"`
	Rank       string            `json:"rank"`
	MainSnak   Snak              `json:"mainsnak"`
	Qualifiers map[string][]Snak `json:"qualifiers"`
}

// Snak is a property/value pair.
type Snak struct {
	SnakType  string     `json:"snaktype"`
	Property  string     `json:"property"`
	DataValue *DataValue `json:"datavalue"`
}

// DataValue keeps the raw value; accessors decode it on demand.
type DataValue struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

// Decode parses one entity document.
func Decode(data []byte) (*Entity, error) {
	var e Entity
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode entity: %w", err)
	}
	if e.ID == "" {
		return nil, fmt.Errorf("decode entity: missing id")
	}
	return &e, nil
}

// Label returns the first non-empty label among langs.
func (e *Entity) Label(langs []string) string {
	return firstValue(e.Labels, langs)
}

// Description returns the first non-empty description among langs.
func (e *Entity) Description(langs []string) string {
	return firstValue(e.Descriptions, langs)
}

func firstValue(values map[string]LangValue, langs []string) string {
	for _, lang := range langs {
		if v, ok := values[lang]; ok && v.Value != "" {
			return v.Value
		}
	}
	return ""
}

// Truthy returns the best-ranked statements for prop: the preferred ones when
// any exist, otherwise the normal ones. Deprecated statements never qualify.
func (e *Entity) Truthy(prop string) []Statement {
	all := e.Claims[prop]
	var preferred, normal []Statement
	for _, st := range all {
		switch st.Rank {
		case RankPreferred:
			preferred = append(preferred, st)
		case RankDeprecated:
		default:
			normal = append(normal, st)
		}
	}
	if len(preferred) > 0 {
		return preferred
	}
	return normal
}

// TruthyEntityIDs collects the item ids referenced by the truthy statements of prop.
func (e *Entity) TruthyEntityIDs(prop string) []string {
	var ids []string
	for _, st := range e.Truthy(prop) {
		if id, ok := st.MainSnak.EntityID(); ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// HasTruthy reports whether any truthy statement of prop targets id.
func (e *Entity) HasTruthy(prop, id string) bool {
	for _, got := range e.TruthyEntityIDs(prop) {
		if got == id {
			return true
		}
	}
	return false
}

// Qualifier returns the qualifier snaks of the statement for prop.
func (s Statement) Qualifier(prop string) []Snak {
	return s.Qualifiers[prop]
}

func (s Snak) raw() ([]byte, bool) {
	if s.SnakType != SnakValue || s.DataValue == nil || len(s.DataValue.Value) == 0 {
		return nil, false
	}
	return s.DataValue.Value, true
}

// EntityID returns the referenced item id of a wikibase-entityid value.
func (s Snak) EntityID() (string, bool) {
	raw, ok := s.raw()
	if !ok || s.DataValue.Type != "wikibase-entityid" {
		return "", false
	}
	v := gjson.ParseBytes(raw)
	if id := v.Get("id").String(); id != "" {
		return id, true
	}
	if n := v.Get("numeric-id"); n.Exists() && v.Get("entity-type").String() == "item" {
		return fmt.Sprintf("Q%d", n.Int()), true
	}
	return "", false
}

// StringValue returns a plain string value.
func (s Snak) StringValue() (string, bool) {
	raw, ok := s.raw()
	if !ok || s.DataValue.Type != "string" {
		return "", false
	}
	v := gjson.ParseBytes(raw)
	if v.Type != gjson.String {
		return "", false
	}
	return v.String(), true
}

// Time returns a time value.
func (s Snak) Time() (TimeValue, bool) {
	raw, ok := s.raw()
	if !ok || s.DataValue.Type != "time" {
		return TimeValue{}, false
	}
	v := gjson.ParseBytes(raw)
	tv := TimeValue{Raw: v.Get("time").String(), Precision: int(v.Get("precision").Int())}
	if tv.Raw == "" {
		return TimeValue{}, false
	}
	return tv, true
}
