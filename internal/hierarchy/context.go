package hierarchy

import (
	"context"
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"

	"kgmirror/internal/config"
	"kgmirror/pkg/domain"
)

// Context holds the class sets classification needs. It is built once before
// workers start and never mutated afterwards, so concurrent reads are safe.
type Context struct {
	positionClasses mapset.Set[string]
	positionIgnored mapset.Set[string]
	locationClasses mapset.Set[string]
	countryTypes    mapset.Set[string]
}

// NewContext assembles a Context from precomputed sets. Nil sets are empty.
func NewContext(positions, positionIgnored, locations, countryTypes mapset.Set[string]) *Context {
	orEmpty := func(s mapset.Set[string]) mapset.Set[string] {
		if s == nil {
			return mapset.NewThreadUnsafeSet[string]()
		}
		return s
	}
	return &Context{
		positionClasses: orEmpty(positions),
		positionIgnored: orEmpty(positionIgnored),
		locationClasses: orEmpty(locations),
		countryTypes:    orEmpty(countryTypes),
	}
}

// BuildContext resolves the configured roots. A non-empty root set whose
// closure has no descendants means the hierarchy stage has not run, and fails
// with domain.ErrConfig.
func BuildContext(ctx context.Context, r *Resolver, cfg config.HierarchyConfig) (*Context, error) {
	valid, err := r.Descendants(ctx, cfg.PositionRoots)
	if err != nil {
		return nil, fmt.Errorf("resolve position classes: %w", err)
	}
	// The ignore closure also follows INSTANCE_OF so typed members of an
	// ignored branch are excluded with it.
	ignored, err := r.Descendants(ctx, cfg.PositionIgnoreRoots, domain.RelationInstanceOf, domain.RelationSubclassOf)
	if err != nil {
		return nil, fmt.Errorf("resolve ignored position classes: %w", err)
	}
	positions := valid.Difference(ignored)
	locations, err := r.Descendants(ctx, cfg.LocationRoots)
	if err != nil {
		return nil, fmt.Errorf("resolve location classes: %w", err)
	}
	if err := requireDescendants("position", cfg.PositionRoots, positions); err != nil {
		return nil, err
	}
	if err := requireDescendants("location", cfg.LocationRoots, locations); err != nil {
		return nil, err
	}
	hc := NewContext(positions, ignored, locations, mapset.NewThreadUnsafeSet(cfg.CountryTypes...))
	r.log.Info("hierarchy context built",
		"position_classes", positions.Cardinality(),
		"ignored_position_classes", ignored.Cardinality(),
		"location_classes", locations.Cardinality(),
		"country_types", hc.countryTypes.Cardinality(),
	)
	return hc, nil
}

func requireDescendants(name string, roots []string, closure mapset.Set[string]) error {
	if len(roots) == 0 {
		return nil
	}
	rootSet := mapset.NewThreadUnsafeSet(roots...)
	if closure.Difference(rootSet).Cardinality() == 0 {
		return domain.ConfigError("%s roots %v have no descendants; import the hierarchy first", name, roots)
	}
	return nil
}

// IsPositionClass reports whether id is a valid position class.
func (c *Context) IsPositionClass(id string) bool { return c.positionClasses.Contains(id) }

// IsIgnoredPosition reports whether id lies in the ignored position branches.
func (c *Context) IsIgnoredPosition(id string) bool { return c.positionIgnored.Contains(id) }

// IsLocationClass reports whether id is a location class.
func (c *Context) IsLocationClass(id string) bool { return c.locationClasses.Contains(id) }

// IsCountryType reports whether id is one of the country-like types.
func (c *Context) IsCountryType(id string) bool { return c.countryTypes.Contains(id) }

// PositionClasses returns the position class set. Callers must not mutate it.
func (c *Context) PositionClasses() mapset.Set[string] { return c.positionClasses }

// LocationClasses returns the location class set. Callers must not mutate it.
func (c *Context) LocationClasses() mapset.Set[string] { return c.locationClasses }

// CountryTypes returns the country type set. Callers must not mutate it.
func (c *Context) CountryTypes() mapset.Set[string] { return c.countryTypes }

// PositionIgnored returns the ignored position closure. Callers must not mutate it.
func (c *Context) PositionIgnored() mapset.Set[string] { return c.positionIgnored }
