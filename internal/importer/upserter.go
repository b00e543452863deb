// Package importer persists classified records in dependency order and runs
// the dump import stages.
package importer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"

	"kgmirror/internal/platform/logger"
	"kgmirror/pkg/domain"
)

// TxRunner is the write side of the relational store.
type TxRunner interface {
	RunInTransaction(ctx context.Context, fn func(domain.Transaction) error) error
}

// RetryPolicy bounds the retries of transient batch failures.
type RetryPolicy struct {
	MaxRetries int
	Initial    time.Duration
}

// DefaultRetryPolicy retries three times starting at half a second.
var DefaultRetryPolicy = RetryPolicy{MaxRetries: 3, Initial: 500 * time.Millisecond}

// BatchResult counts what one batch wrote.
type BatchResult struct {
	Records    int
	Entities   int
	Relations  int
	Properties int
	Links      int
	Attempts   int
}

// Upserter writes batches of records, one transaction per batch.
type Upserter struct {
	store   TxRunner
	retry   RetryPolicy
	stage   Stage
	metrics *Metrics
	log     *logger.Logger
}

// NewUpserter returns an Upserter writing to store.
func NewUpserter(store TxRunner, retry RetryPolicy, log *logger.Logger) *Upserter {
	if retry.Initial <= 0 {
		retry.Initial = DefaultRetryPolicy.Initial
	}
	if retry.MaxRetries < 0 {
		retry.MaxRetries = 0
	}
	return &Upserter{store: store, retry: retry, log: logger.OrNop(log).Component("upserter")}
}

// ForStage returns a copy labelled with stage and recording into m.
func (u *Upserter) ForStage(stage Stage, m *Metrics) *Upserter {
	cp := *u
	cp.stage = stage
	cp.metrics = m
	return &cp
}

// UpsertBatch writes the accepted records of a batch in one transaction:
// entities, subtype rows, stub endpoints, relations, properties and article
// links, then records every written or referenced entity id and every
// statement id in the current run's tracking sets. Transient failures are
// retried with exponential backoff; anything else fails the batch at once.
// Replaying a batch leaves the store unchanged.
func (u *Upserter) UpsertBatch(ctx context.Context, records []domain.Record) (BatchResult, error) {
	plan := planBatch(records)
	res := plan.result()
	if res.Records == 0 {
		return res, nil
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = u.retry.Initial
	bo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(u.retry.MaxRetries)), ctx)

	op := func() error {
		res.Attempts++
		err := u.store.RunInTransaction(ctx, plan.apply)
		if err == nil {
			return nil
		}
		if domain.IsTransient(err) && ctx.Err() == nil {
			u.metrics.retry(u.stage)
			u.log.Warn("transient batch failure", "attempt", res.Attempts, "records", res.Records, "first_id", plan.firstID, "error", err)
			return err
		}
		return backoff.Permanent(err)
	}
	if err := backoff.Retry(op, policy); err != nil {
		return res, fmt.Errorf("upsert batch of %d starting at %s: %w", res.Records, plan.firstID, err)
	}
	return res, nil
}

// batchPlan holds the rows of one batch grouped by table.
type batchPlan struct {
	firstID     string
	entities    []domain.Entity
	politicians []string
	positions   []string
	locations   []string
	countries   []domain.Country
	stubs       []string
	relations   []domain.Relation
	properties  []domain.Property
	links       []domain.ArticleLink
	touched     []string
	statements  []string
	records     int
}

func planBatch(records []domain.Record) *batchPlan {
	p := &batchPlan{}
	known := map[string]bool{}
	for _, rec := range records {
		if !rec.Accepted() || rec.Entity.ID == "" {
			continue
		}
		if p.firstID == "" {
			p.firstID = rec.Entity.ID
		}
		p.records++
		p.entities = append(p.entities, rec.Entity)
		p.touched = append(p.touched, rec.Entity.ID)
		known[rec.Entity.ID] = true
		switch rec.Kind {
		case domain.KindPolitician:
			p.politicians = append(p.politicians, rec.Entity.ID)
		case domain.KindPosition:
			p.positions = append(p.positions, rec.Entity.ID)
		case domain.KindLocation:
			p.locations = append(p.locations, rec.Entity.ID)
		case domain.KindCountry:
			c := domain.Country{ID: rec.Entity.ID}
			if rec.Country != nil {
				c.ISOCode = rec.Country.ISOCode
			}
			p.countries = append(p.countries, c)
		}
		p.relations = append(p.relations, rec.Relations...)
		p.properties = append(p.properties, rec.Properties...)
		p.links = append(p.links, rec.Links...)
		p.statements = append(p.statements, rec.StatementIDs()...)
	}
	stubs := map[string]bool{}
	addStub := func(id string) {
		if id != "" && !known[id] {
			stubs[id] = true
		}
	}
	for _, r := range p.relations {
		addStub(r.ParentID)
		addStub(r.ChildID)
	}
	for _, prop := range p.properties {
		addStub(prop.EntityID)
	}
	for id := range stubs {
		p.stubs = append(p.stubs, id)
	}
	sort.Strings(p.stubs)
	// Entities referenced by current statements are current too.
	p.touched = append(p.touched, p.stubs...)
	return p
}

func (p *batchPlan) result() BatchResult {
	return BatchResult{
		Records:    p.records,
		Entities:   len(p.entities),
		Relations:  len(p.relations),
		Properties: len(p.properties),
		Links:      len(p.links),
	}
}

func (p *batchPlan) apply(tx domain.Transaction) error {
	steps := []struct {
		name string
		fn   func() error
	}{
		{"entities", func() error { return tx.UpsertEntities(p.entities) }},
		{"politicians", func() error { return tx.UpsertPoliticians(p.politicians) }},
		{"positions", func() error { return tx.UpsertPositions(p.positions) }},
		{"locations", func() error { return tx.UpsertLocations(p.locations) }},
		{"countries", func() error { return tx.UpsertCountries(p.countries) }},
		{"stubs", func() error { return tx.EnsureEntities(p.stubs) }},
		{"relations", func() error { return tx.UpsertRelations(p.relations) }},
		{"properties", func() error { return tx.UpsertProperties(p.properties) }},
		{"article links", func() error { return tx.UpsertArticleLinks(p.links) }},
		{"touched entities", func() error { return tx.TouchEntities(p.touched) }},
		{"touched statements", func() error { return tx.TouchStatements(p.statements) }},
	}
	for _, step := range steps {
		if err := step.fn(); err != nil {
			return fmt.Errorf("%s: %w", step.name, err)
		}
	}
	return nil
}

// IsBatchConflict reports whether err is an invariant violation that retrying
// cannot fix.
func IsBatchConflict(err error) bool {
	return errors.Is(err, domain.ErrStatementConflict)
}
