// Package hierarchy resolves class-hierarchy membership over the typed edges
// stored in the relational mirror.
package hierarchy

import (
	"context"
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"

	"kgmirror/internal/platform/logger"
	"kgmirror/pkg/domain"
)

// Resolver computes descendant closures breadth first, one ChildRelations
// query per level, with a visited set so diamonds and cycles are handled.
type Resolver struct {
	reader domain.HierarchyReader
	log    *logger.Logger
}

// NewResolver returns a Resolver reading edges from reader.
func NewResolver(reader domain.HierarchyReader, log *logger.Logger) *Resolver {
	return &Resolver{reader: reader, log: logger.OrNop(log).Component("hierarchy")}
}

// Query selects a hierarchy: everything under Roots except what is under Ignored.
type Query struct {
	Roots   []string
	Ignored []string
	// Kinds defaults to SUBCLASS_OF.
	Kinds []domain.RelationKind
}

// Descendants returns the ids reachable from roots over edges of kinds,
// roots included. Empty roots yield an empty set.
func (r *Resolver) Descendants(ctx context.Context, roots []string, kinds ...domain.RelationKind) (mapset.Set[string], error) {
	if len(kinds) == 0 {
		kinds = []domain.RelationKind{domain.RelationSubclassOf}
	}
	visited := mapset.NewThreadUnsafeSet[string]()
	var frontier []string
	for _, id := range roots {
		if id != "" && visited.Add(id) {
			frontier = append(frontier, id)
		}
	}
	for depth := 0; len(frontier) > 0; depth++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rels, err := r.reader.ChildRelations(ctx, frontier, kinds)
		if err != nil {
			return nil, fmt.Errorf("expand hierarchy level %d: %w", depth, err)
		}
		frontier = frontier[:0:0]
		for _, rel := range rels {
			if visited.Add(rel.ChildID) {
				frontier = append(frontier, rel.ChildID)
			}
		}
	}
	return visited, nil
}

// Resolve returns the closure of q.Roots minus the closure of q.Ignored.
// An ignored branch is excluded even when nested inside a valid one.
func (r *Resolver) Resolve(ctx context.Context, q Query) (mapset.Set[string], error) {
	valid, err := r.Descendants(ctx, q.Roots, q.Kinds...)
	if err != nil {
		return nil, err
	}
	if len(q.Ignored) == 0 {
		return valid, nil
	}
	ignored, err := r.Descendants(ctx, q.Ignored, q.Kinds...)
	if err != nil {
		return nil, err
	}
	return valid.Difference(ignored), nil
}

// InHierarchy reports whether id lies in the hierarchy under roots (minus
// ignored), following both INSTANCE_OF and SUBCLASS_OF edges.
func (r *Resolver) InHierarchy(ctx context.Context, id string, roots, ignored []string) (bool, error) {
	set, err := r.Resolve(ctx, Query{
		Roots:   roots,
		Ignored: ignored,
		Kinds:   []domain.RelationKind{domain.RelationInstanceOf, domain.RelationSubclassOf},
	})
	if err != nil {
		return false, err
	}
	return set.Contains(id), nil
}

// Members returns the direct children of classes over kinds (default both
// INSTANCE_OF and SUBCLASS_OF), i.e. the entities typed by one of the classes.
func (r *Resolver) Members(ctx context.Context, classes mapset.Set[string], kinds ...domain.RelationKind) (mapset.Set[string], error) {
	if len(kinds) == 0 {
		kinds = []domain.RelationKind{domain.RelationInstanceOf, domain.RelationSubclassOf}
	}
	out := mapset.NewThreadUnsafeSet[string]()
	if classes == nil || classes.Cardinality() == 0 {
		return out, nil
	}
	rels, err := r.reader.ChildRelations(ctx, classes.ToSlice(), kinds)
	if err != nil {
		return nil, fmt.Errorf("load class members: %w", err)
	}
	for _, rel := range rels {
		out.Add(rel.ChildID)
	}
	return out, nil
}
