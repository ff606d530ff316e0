// Package upsert turns raw listing records into the normalized graph and
// writes them idempotently: one transaction per record, keyed by the
// natural key, with unchanged records detected by content hash.
package upsert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/estate-sync/pkg/model"
	"github.com/Sternrassler/estate-sync/pkg/store"
)

// DefaultMaxConflictRetries bounds retries after store.ErrConflict.
const DefaultMaxConflictRetries = 3

// ErrWriteConflict is returned when a record kept conflicting after all retries.
var ErrWriteConflict = errors.New("write conflict")

// Outcome is what an upsert did to the store.
type Outcome string

const (
	OutcomeInserted  Outcome = "inserted"
	OutcomeUpdated   Outcome = "updated"
	OutcomeUnchanged Outcome = "unchanged"
	// OutcomeDuplicate means another work item of the run already wrote the key.
	OutcomeDuplicate Outcome = "duplicate"
)

// Config configures an Engine.
type Config struct {
	Store store.Store

	// Ledger is optional. Without it duplicates across work items are not
	// detected.
	Ledger *KeyLedger

	MaxConflictRetries int
	ConflictBackoff    time.Duration

	Logger zerolog.Logger

	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Engine writes record graphs.
type Engine struct {
	store      store.Store
	ledger     *KeyLedger
	maxRetries int
	backoff    time.Duration
	logger     zerolog.Logger
	clock      func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
}

// New creates an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.MaxConflictRetries < 0 {
		return nil, fmt.Errorf("max conflict retries must be >= 0 (got %d)", cfg.MaxConflictRetries)
	}
	if cfg.MaxConflictRetries == 0 {
		cfg.MaxConflictRetries = DefaultMaxConflictRetries
	}
	if cfg.ConflictBackoff <= 0 {
		cfg.ConflictBackoff = 50 * time.Millisecond
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Engine{
		store:      cfg.Store,
		ledger:     cfg.Ledger,
		maxRetries: cfg.MaxConflictRetries,
		backoff:    cfg.ConflictBackoff,
		logger:     cfg.Logger.With().Str("component", "upsert").Logger(),
		clock:      cfg.Clock,
		sleep:      sleepContext,
	}, nil
}

// Upsert normalizes and writes one raw record.
func (e *Engine) Upsert(ctx context.Context, raw json.RawMessage) (Outcome, error) {
	return e.UpsertFor(ctx, "", raw)
}

// UpsertFor is Upsert on behalf of a work item; the item ID is checked
// against the ledger.
func (e *Engine) UpsertFor(ctx context.Context, itemID string, raw json.RawMessage) (Outcome, error) {
	g, err := Normalize(raw)
	if err != nil {
		Errors.WithLabelValues("invalid").Inc()
		return "", err
	}

	key := g.Key()
	if e.ledger != nil && itemID != "" {
		if owner, dup := e.ledger.Claim(key, itemID); dup {
			Records.WithLabelValues(string(OutcomeDuplicate)).Inc()
			e.logger.Warn().
				Str("address_id", key).
				Str("item_id", itemID).
				Str("owner_item_id", owner).
				Msg("Key already written by another work item")
			return OutcomeDuplicate, nil
		}
	}

	outcome, err := e.UpsertGraph(ctx, g)
	if err != nil && e.ledger != nil && itemID != "" {
		e.ledger.Release(key, itemID)
	}
	return outcome, err
}

// UpsertGraph writes an already normalized graph, retrying write conflicts.
func (e *Engine) UpsertGraph(ctx context.Context, g *model.Graph) (Outcome, error) {
	key := g.Key()
	for attempt := 1; ; attempt++ {
		start := time.Now()
		outcome, err := e.write(ctx, g)
		Duration.Observe(time.Since(start).Seconds())

		if err == nil {
			Records.WithLabelValues(string(outcome)).Inc()
			e.logger.Debug().
				Str("address_id", key).
				Str("outcome", string(outcome)).
				Int("attempt", attempt).
				Msg("Record written")
			return outcome, nil
		}

		if !errors.Is(err, store.ErrConflict) {
			Errors.WithLabelValues("store").Inc()
			return "", fmt.Errorf("upsert %s: %w", key, err)
		}
		if attempt > e.maxRetries {
			Errors.WithLabelValues("conflict").Inc()
			return "", fmt.Errorf("%w: %s after %d attempts: %w", ErrWriteConflict, key, attempt, err)
		}

		ConflictRetries.Inc()
		e.logger.Debug().
			Err(err).
			Str("address_id", key).
			Int("attempt", attempt).
			Msg("Write conflict, retrying")
		if err := e.sleep(ctx, time.Duration(attempt)*e.backoff); err != nil {
			return "", fmt.Errorf("upsert %s: %w", key, err)
		}
	}
}

// write is one transaction for the whole graph.
func (e *Engine) write(ctx context.Context, g *model.Graph) (Outcome, error) {
	now := e.clock().UTC()
	hash := g.ContentHash()
	key := g.Key()

	var outcome Outcome
	err := e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		ref, found, err := tx.LookupProperty(ctx, key)
		if err != nil {
			return err
		}

		if found && ref.ContentHash == hash {
			outcome = OutcomeUnchanged
			return tx.TouchProperty(ctx, key, now)
		}

		p := g.Property
		p.ContentHash = hash
		p.UpdatedAt = now
		p.LastSeenAt = now
		if found {
			p.FirstSeenAt = ref.FirstSeenAt
			if err := tx.UpdateProperty(ctx, &p); err != nil {
				return err
			}
			outcome = OutcomeUpdated
		} else {
			p.FirstSeenAt = now
			if err := tx.InsertProperty(ctx, &p); err != nil {
				return err
			}
			outcome = OutcomeInserted
		}

		if err := tx.ReplaceBuildings(ctx, key, g.Buildings); err != nil {
			return err
		}
		if err := tx.UpsertRegistrations(ctx, key, g.Registrations); err != nil {
			return err
		}
		for i := range g.Cases {
			c := &g.Cases[i]
			if err := tx.UpsertCase(ctx, key, c, now); err != nil {
				return err
			}
			if _, err := tx.AddPriceChanges(ctx, c.CaseID, c.PriceChanges); err != nil {
				return err
			}
			if err := tx.ReplaceCaseImages(ctx, c.CaseID, c.Images); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return outcome, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
