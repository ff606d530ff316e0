// Package checkpoint records which work items of a run have completed so an
// interrupted run can be resumed without repeating finished work.
//
// A Tracker keeps the completed set of every active run in memory behind a
// mutex and writes each change through a Persister before acknowledging
// it. Two persisters exist: Redis sets shared by every process pointed at
// the same Redis, and JSON files on local disk.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/estate-sync/pkg/workitem"
)

// ErrUnknownRun is returned for a run ID without a manifest.
var ErrUnknownRun = errors.New("unknown run")

// Manifest records the plan of a run. A resume executes the recorded items
// as they are, without planning again.
type Manifest struct {
	RunID          string          `json:"run_id"`
	Policy         string          `json:"policy"`
	Query          workitem.Query  `json:"query"`
	Municipalities []string        `json:"municipalities,omitempty"`
	EnrichDetails  bool            `json:"enrich_details,omitempty"`
	Items          []workitem.Item `json:"items"`
	CreatedAt      time.Time       `json:"created_at"`
	Status         string          `json:"status,omitempty"`
	FinishedAt     *time.Time      `json:"finished_at,omitempty"`
}

// Finished reports whether Finish was called for the run.
func (m Manifest) Finished() bool {
	return m.FinishedAt != nil
}

// Persister stores manifests and completed item IDs.
type Persister interface {
	SaveManifest(ctx context.Context, m Manifest) error
	// LoadManifest returns ErrUnknownRun when no manifest exists.
	LoadManifest(ctx context.Context, runID string) (Manifest, error)
	AddCompleted(ctx context.Context, runID, itemID string) error
	LoadCompleted(ctx context.Context, runID string) ([]string, error)
	ListManifests(ctx context.Context) ([]Manifest, error)
	Delete(ctx context.Context, runID string) error
}

type runState struct {
	manifest  Manifest
	completed map[string]bool
}

// Tracker serializes progress updates of concurrent workers.
type Tracker struct {
	mu        sync.Mutex
	persister Persister
	runs      map[string]*runState
	backend   string
	logger    zerolog.Logger
	clock     func() time.Time
}

// NewTracker creates a tracker on top of p. backend labels metrics.
func NewTracker(p Persister, backend string, logger zerolog.Logger) (*Tracker, error) {
	if p == nil {
		return nil, fmt.Errorf("persister is required")
	}
	return &Tracker{
		persister: p,
		runs:      make(map[string]*runState),
		backend:   backend,
		logger:    logger.With().Str("component", "checkpoint").Logger(),
		clock:     time.Now,
	}, nil
}

// Begin stores the manifest of a new run.
func (t *Tracker) Begin(ctx context.Context, m Manifest) error {
	if m.RunID == "" {
		return fmt.Errorf("manifest run ID is required")
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = t.clock().UTC()
	}
	m.Items = slices.Clone(m.Items)

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.persister.SaveManifest(ctx, m); err != nil {
		Writes.WithLabelValues(t.backend, "error").Inc()
		return fmt.Errorf("save manifest %s: %w", m.RunID, err)
	}
	Writes.WithLabelValues(t.backend, "ok").Inc()
	t.runs[m.RunID] = &runState{manifest: m, completed: make(map[string]bool)}

	t.logger.Debug().
		Str("run_id", m.RunID).
		Int("items", len(m.Items)).
		Msg("Checkpoint manifest written")
	return nil
}

// MarkComplete records itemID as done. It returns only after the change is
// persisted. Marking an item twice is a no-op.
func (t *Tracker) MarkComplete(ctx context.Context, runID, itemID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rs, err := t.stateLocked(ctx, runID)
	if err != nil {
		return err
	}
	if rs.completed[itemID] {
		return nil
	}

	if err := t.persister.AddCompleted(ctx, runID, itemID); err != nil {
		Writes.WithLabelValues(t.backend, "error").Inc()
		return fmt.Errorf("mark %s complete in run %s: %w", itemID, runID, err)
	}
	Writes.WithLabelValues(t.backend, "ok").Inc()
	rs.completed[itemID] = true
	return nil
}

// Completed returns the set of completed item IDs of a run.
func (t *Tracker) Completed(ctx context.Context, runID string) (map[string]bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rs, err := t.stateLocked(ctx, runID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(rs.completed))
	for id := range rs.completed {
		out[id] = true
	}
	return out, nil
}

// Manifest returns the manifest of a run.
func (t *Tracker) Manifest(ctx context.Context, runID string) (Manifest, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rs, err := t.stateLocked(ctx, runID)
	if err != nil {
		return Manifest{}, err
	}
	m := rs.manifest
	m.Items = slices.Clone(m.Items)
	return m, nil
}

// Finish stamps the final status on the manifest and drops the run from
// memory. The persisted checkpoint stays until pruned.
func (t *Tracker) Finish(ctx context.Context, runID, status string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rs, err := t.stateLocked(ctx, runID)
	if err != nil {
		return err
	}
	now := t.clock().UTC()
	m := rs.manifest
	m.Status = status
	m.FinishedAt = &now

	if err := t.persister.SaveManifest(ctx, m); err != nil {
		Writes.WithLabelValues(t.backend, "error").Inc()
		return fmt.Errorf("finish run %s: %w", runID, err)
	}
	Writes.WithLabelValues(t.backend, "ok").Inc()
	delete(t.runs, runID)
	return nil
}

// Prune deletes checkpoints created before now-olderThan. Runs still active
// in this tracker are kept.
func (t *Tracker) Prune(ctx context.Context, olderThan time.Duration) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	manifests, err := t.persister.ListManifests(ctx)
	if err != nil {
		return 0, fmt.Errorf("list checkpoints: %w", err)
	}

	cutoff := t.clock().Add(-olderThan)
	pruned := 0
	for _, m := range manifests {
		if _, active := t.runs[m.RunID]; active {
			continue
		}
		if !m.CreatedAt.Before(cutoff) {
			continue
		}
		if err := t.persister.Delete(ctx, m.RunID); err != nil {
			return pruned, fmt.Errorf("delete checkpoint %s: %w", m.RunID, err)
		}
		pruned++
	}

	if pruned > 0 {
		t.logger.Info().Int("pruned", pruned).Dur("older_than", olderThan).Msg("Checkpoints pruned")
	}
	return pruned, nil
}

// stateLocked returns the cached run state, loading it on first use.
func (t *Tracker) stateLocked(ctx context.Context, runID string) (*runState, error) {
	if rs, ok := t.runs[runID]; ok {
		return rs, nil
	}

	m, err := t.persister.LoadManifest(ctx, runID)
	if err != nil {
		return nil, err
	}
	done, err := t.persister.LoadCompleted(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load completed items of %s: %w", runID, err)
	}

	rs := &runState{manifest: m, completed: make(map[string]bool, len(done))}
	for _, id := range done {
		rs.completed[id] = true
	}
	t.runs[runID] = rs
	return rs, nil
}
