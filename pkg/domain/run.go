package domain

import (
	"fmt"
	"time"
)

// RunStatus enumerates the import run lifecycle states.
type RunStatus string

// Import run states. A run starts as running and ends completed or aborted.
const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunAborted   RunStatus = "aborted"
)

// ImportRun is one pass of the import stages over a dump. Only one run is
// current at a time; its touched-id sets live in the store's tracking tables.
type ImportRun struct {
	ID         string     `json:"id"`
	DumpID     string     `json:"dump_id,omitempty"`
	Status     RunStatus  `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Finish moves a running import run to status at now.
func (r *ImportRun) Finish(status RunStatus, now time.Time) error {
	if r.Status != RunRunning {
		return fmt.Errorf("%w: run %s is %s", ErrInvalidTransition, r.ID, r.Status)
	}
	if status != RunCompleted && status != RunAborted {
		return fmt.Errorf("%w: run %s cannot become %s", ErrInvalidTransition, r.ID, status)
	}
	t := now.UTC()
	r.Status = status
	r.FinishedAt = &t
	return nil
}

// GCResult counts the rows soft-deleted by one garbage collection.
type GCResult struct {
	Entities   int64 `json:"entities"`
	Relations  int64 `json:"relations"`
	Properties int64 `json:"properties"`
}

// Total returns the number of soft-deleted rows.
func (r GCResult) Total() int64 { return r.Entities + r.Relations + r.Properties }

// Scope names a set of entity ids used by the hierarchy consistency pass.
type Scope string

// Hierarchy scopes.
const (
	ScopePositions Scope = "positions"
	ScopeLocations Scope = "locations"
	ScopeCountries Scope = "countries"
)
