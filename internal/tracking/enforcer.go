package tracking

import (
	"context"
	"fmt"
	"sort"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"kgmirror/internal/hierarchy"
	"kgmirror/internal/platform/logger"
	"kgmirror/pkg/domain"
)

// ConsistencyReport counts the rows touched by one Enforce.
type ConsistencyReport struct {
	Positions     int64 `json:"positions"`
	Birthplaces   int64 `json:"birthplaces"`
	Citizenships  int64 `json:"citizenships"`
	PositionRows  int64 `json:"position_rows"`
	LocationRows  int64 `json:"location_rows"`
	OrphansPurged int64 `json:"orphans_purged"`
}

// Enforcer keeps stored facts consistent with the current class hierarchy.
type Enforcer struct {
	store    domain.ConsistencyStore
	resolver *hierarchy.Resolver
	now      func() time.Time
	log      *logger.Logger
}

// NewEnforcer returns an Enforcer.
func NewEnforcer(store domain.ConsistencyStore, resolver *hierarchy.Resolver, now func() time.Time, log *logger.Logger) *Enforcer {
	if now == nil {
		now = time.Now
	}
	return &Enforcer{store: store, resolver: resolver, now: now, log: logger.OrNop(log).Component("consistency")}
}

// Enforce soft-deletes POSITION, BIRTHPLACE and CITIZENSHIP properties whose
// target is not a valid position, location or country, drops position and
// location subtype rows outside the hierarchy, then hard-deletes entities
// nothing references.
func (e *Enforcer) Enforce(ctx context.Context, hc *hierarchy.Context) (ConsistencyReport, error) {
	var rep ConsistencyReport
	positions, err := e.resolver.Members(ctx, hc.PositionClasses())
	if err != nil {
		return rep, err
	}
	ignoredMembers, err := e.resolver.Members(ctx, hc.PositionIgnored())
	if err != nil {
		return rep, err
	}
	positions = positions.Difference(hc.PositionIgnored()).Difference(ignoredMembers)
	locations, err := e.resolver.Members(ctx, hc.LocationClasses())
	if err != nil {
		return rep, err
	}
	countries, err := e.resolver.Members(ctx, hc.CountryTypes(), domain.RelationInstanceOf)
	if err != nil {
		return rep, err
	}
	now := e.now()

	steps := []struct {
		name string
		out  *int64
		fn   func() (int64, error)
	}{
		{"position properties", &rep.Positions, func() (int64, error) {
			return e.store.SoftDeletePropertiesOutside(ctx, domain.PropertyPosition, sorted(positions), now)
		}},
		{"birthplace properties", &rep.Birthplaces, func() (int64, error) {
			return e.store.SoftDeletePropertiesOutside(ctx, domain.PropertyBirthplace, sorted(locations), now)
		}},
		{"citizenship properties", &rep.Citizenships, func() (int64, error) {
			return e.store.SoftDeletePropertiesOutside(ctx, domain.PropertyCitizenship, sorted(countries), now)
		}},
		{"position rows", &rep.PositionRows, func() (int64, error) {
			return e.store.DeleteSubtypesOutside(ctx, domain.ScopePositions, sorted(positions))
		}},
		{"location rows", &rep.LocationRows, func() (int64, error) {
			return e.store.DeleteSubtypesOutside(ctx, domain.ScopeLocations, sorted(locations))
		}},
		{"orphan entities", &rep.OrphansPurged, func() (int64, error) {
			return e.store.DeleteOrphanEntities(ctx)
		}},
	}
	for _, step := range steps {
		n, err := step.fn()
		if err != nil {
			return rep, fmt.Errorf("enforce %s: %w", step.name, err)
		}
		*step.out = n
	}
	e.log.Info("hierarchy enforced",
		"valid_positions", positions.Cardinality(),
		"valid_locations", locations.Cardinality(),
		"countries", countries.Cardinality(),
		"soft_deleted_properties", rep.Positions+rep.Birthplaces+rep.Citizenships,
		"orphans_purged", rep.OrphansPurged,
	)
	return rep, nil
}

func sorted(s mapset.Set[string]) []string {
	out := s.ToSlice()
	sort.Strings(out)
	return out
}
