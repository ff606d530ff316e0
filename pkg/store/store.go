// Package store persists the property graph and refresh run history.
//
// Two implementations exist: Postgres (pgx connection pool, schema managed
// by embedded migrations) for production, and Memory for dry runs and unit
// tests. Both give the upsert engine one transaction per record graph.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/Sternrassler/estate-sync/pkg/model"
)

var (
	// ErrConflict wraps write failures that succeed when retried:
	// serialization failures, deadlocks and unique violations from
	// concurrent inserts of the same key.
	ErrConflict = errors.New("write conflict")

	// ErrNotFound is returned for unknown properties and runs.
	ErrNotFound = errors.New("not found")
)

// PropertyRef is what the upsert engine needs to know about a stored property.
type PropertyRef struct {
	ContentHash string
	FirstSeenAt time.Time
}

// Tx is the write surface of one record graph transaction.
type Tx interface {
	// LookupProperty locks the property row until the transaction ends.
	LookupProperty(ctx context.Context, addressID string) (PropertyRef, bool, error)
	InsertProperty(ctx context.Context, p *model.Property) error
	UpdateProperty(ctx context.Context, p *model.Property) error
	TouchProperty(ctx context.Context, addressID string, seenAt time.Time) error
	ReplaceBuildings(ctx context.Context, addressID string, buildings []model.Building) error
	UpsertRegistrations(ctx context.Context, addressID string, regs []model.Registration) error
	// UpsertCase creates or updates a case in place. closed_at is set the
	// first time a non-open status is stored and never changed afterwards.
	UpsertCase(ctx context.Context, addressID string, c *model.ListingCase, seenAt time.Time) error
	// AddPriceChanges appends changes not stored yet and returns how many
	// were new.
	AddPriceChanges(ctx context.Context, caseID string, changes []model.PriceChange) (int, error)
	ReplaceCaseImages(ctx context.Context, caseID string, images []model.CaseImage) error
}

// TargetFilter selects stored properties by their listing history.
type TargetFilter struct {
	// ZipCodes restricts the match; empty matches every zip code.
	ZipCodes []int
	// OpenOnly requires an open case. Otherwise any case qualifies.
	OpenOnly bool
}

// Store is the persistence surface of the pipeline.
type Store interface {
	// WithTx runs fn in a transaction; fn's error rolls it back.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// ExistingKeys reports which of keys are stored.
	ExistingKeys(ctx context.Context, keys []string) (map[string]bool, error)

	// CountTargets returns the number of properties matching f per zip code.
	CountTargets(ctx context.Context, f TargetFilter) (map[int]int, error)
	// TargetKeys returns the keys of properties matching f in ascending order.
	TargetKeys(ctx context.Context, f TargetFilter) ([]string, error)

	// LoadGraph reads a stored property with all children.
	LoadGraph(ctx context.Context, addressID string) (*model.Graph, error)

	SaveRun(ctx context.Context, run model.Run) error
	GetRun(ctx context.Context, id string) (model.Run, error)
	// LatestRuns returns the most recently started run per policy.
	LatestRuns(ctx context.Context) (map[string]model.Run, error)
	// ListRuns returns up to limit runs, newest first.
	ListRuns(ctx context.Context, limit int) ([]model.Run, error)
	// PruneRuns deletes finished runs started before the cutoff.
	PruneRuns(ctx context.Context, before time.Time) (int64, error)

	// CountStaleOpenCases counts open cases not seen since the cutoff.
	CountStaleOpenCases(ctx context.Context, notSeenSince time.Time) (int64, error)
	Stats(ctx context.Context) (model.TableStats, error)

	Close()
}
