// Package planner splits a query whose result set exceeds the upstream
// pagination ceiling into bounded work items.
//
// A query is probed for its row count. At or below the ceiling it becomes
// one work item. Above it, the query is partitioned one level finer
// (area -> municipality -> zip code) and every partition is planned in
// turn. A zip code partition that is still above the ceiling cannot be
// split further and fails the plan with ErrPlanningInfeasible.
package planner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Sternrassler/estate-sync/pkg/cache"
	"github.com/Sternrassler/estate-sync/pkg/workitem"
)

// ErrPlanningInfeasible marks a plan that cannot keep every item under the
// ceiling without losing rows. It is fatal to the run.
var ErrPlanningInfeasible = errors.New("planning infeasible")

// InfeasibleError describes the partition that could not be planned.
type InfeasibleError struct {
	Query   workitem.Query
	Count   int
	Covered int
	Reason  string
}

func (e *InfeasibleError) Error() string {
	return fmt.Sprintf("planning infeasible for %s (%d rows): %s", e.Query, e.Count, e.Reason)
}

// Is matches ErrPlanningInfeasible.
func (e *InfeasibleError) Is(target error) bool {
	return target == ErrPlanningInfeasible
}

// Counter probes the upstream row count of a query.
type Counter interface {
	Count(ctx context.Context, q workitem.Query) (int, error)
}

// Scope supplies the partitions below the area level.
type Scope interface {
	Names() []string
	ZipCodes(municipality string) ([]int, bool)
}

// CountCache stores probe results between runs. *cache.Manager implements it.
type CountCache interface {
	GetCount(ctx context.Context, key cache.CacheKey) (int, error)
	SetCount(ctx context.Context, key cache.CacheKey, n int) error
}

// Config configures a Planner.
type Config struct {
	Counter Counter
	Scope   Scope

	// Cache is optional.
	Cache CountCache

	// Ceiling is the largest row count one work item may cover.
	Ceiling int

	// MaxUncoveredRows is the shortfall between a parent count and the sum
	// of its partitions that is still accepted as drift.
	MaxUncoveredRows int

	// ProbeConcurrency bounds parallel count probes per partition level.
	ProbeConcurrency int

	Logger zerolog.Logger
}

// Planner turns a query into an ordered list of work items.
type Planner struct {
	config Config
	logger zerolog.Logger
}

// New creates a Planner.
func New(cfg Config) (*Planner, error) {
	if cfg.Counter == nil {
		return nil, fmt.Errorf("counter is required")
	}
	if cfg.Scope == nil {
		return nil, fmt.Errorf("scope is required")
	}
	if cfg.Ceiling <= 0 {
		return nil, fmt.Errorf("ceiling must be > 0 (got %d)", cfg.Ceiling)
	}
	if cfg.MaxUncoveredRows < 0 {
		return nil, fmt.Errorf("max uncovered rows must be >= 0 (got %d)", cfg.MaxUncoveredRows)
	}
	if cfg.ProbeConcurrency <= 0 {
		cfg.ProbeConcurrency = 4
	}
	return &Planner{
		config: cfg,
		logger: cfg.Logger.With().Str("component", "planner").Logger(),
	}, nil
}

type partition struct {
	query workitem.Query
	count int
}

// Plan returns the work items covering q. The sequence is deterministic for
// a given scope and set of counts. A query matching no rows yields no items.
func (p *Planner) Plan(ctx context.Context, q workitem.Query) ([]workitem.Item, error) {
	start := time.Now()

	total, err := p.count(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("count %s: %w", q, err)
	}

	var leaves []partition
	if err := p.plan(ctx, partition{query: q, count: total}, &leaves); err != nil {
		if errors.Is(err, ErrPlanningInfeasible) {
			PlanningInfeasible.Inc()
		}
		return nil, err
	}

	items := make([]workitem.Item, len(leaves))
	for i, leaf := range leaves {
		items[i] = workitem.NewItem(i, leaf.query, leaf.count)
	}

	PlanDuration.Observe(time.Since(start).Seconds())
	ItemsPlanned.Set(float64(len(items)))

	p.logger.Info().
		Str("query", q.Canonical()).
		Int("total", total).
		Int("items", len(items)).
		Dur("duration", time.Since(start)).
		Msg("Plan complete")

	return items, nil
}

func (p *Planner) plan(ctx context.Context, part partition, out *[]partition) error {
	if part.count == 0 {
		return nil
	}
	if part.count <= p.config.Ceiling {
		*out = append(*out, part)
		return nil
	}

	children, err := p.partitions(part.query)
	if err != nil {
		return err
	}
	if len(children) == 0 {
		return &InfeasibleError{
			Query:  part.query,
			Count:  part.count,
			Reason: fmt.Sprintf("above ceiling %d and no finer partition", p.config.Ceiling),
		}
	}

	p.logger.Debug().
		Str("query", part.query.Canonical()).
		Str("level", part.query.Level().String()).
		Int("count", part.count).
		Int("partitions", len(children)).
		Msg("Splitting query")

	counts, err := p.probe(ctx, children)
	if err != nil {
		return err
	}

	covered := 0
	for _, n := range counts {
		covered += n
	}
	if covered < part.count-p.config.MaxUncoveredRows {
		return &InfeasibleError{
			Query:   part.query,
			Count:   part.count,
			Covered: covered,
			Reason:  fmt.Sprintf("partitions cover %d of %d rows", covered, part.count),
		}
	}

	for i, child := range children {
		if err := p.plan(ctx, partition{query: child, count: counts[i]}, out); err != nil {
			return err
		}
	}
	return nil
}

// partitions returns the next-finer queries of q in scope order.
func (p *Planner) partitions(q workitem.Query) ([]workitem.Query, error) {
	switch q.Level() {
	case workitem.LevelArea:
		names := q.Municipalities
		if len(names) == 0 {
			names = p.config.Scope.Names()
		}
		out := make([]workitem.Query, len(names))
		for i, name := range names {
			out[i] = q.ForMunicipality(name)
		}
		return out, nil

	case workitem.LevelMunicipality:
		zips, ok := p.config.Scope.ZipCodes(q.Municipalities[0])
		if !ok {
			return nil, &InfeasibleError{
				Query:  q,
				Reason: fmt.Sprintf("municipality %q not in boundary data", q.Municipalities[0]),
			}
		}
		out := make([]workitem.Query, len(zips))
		for i, zip := range zips {
			out[i] = q.ForZip(zip)
		}
		return out, nil

	default:
		return nil, nil
	}
}

// probe counts qs concurrently. Results keep the order of qs.
func (p *Planner) probe(ctx context.Context, qs []workitem.Query) ([]int, error) {
	counts := make([]int, len(qs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.config.ProbeConcurrency)
	for i, q := range qs {
		g.Go(func() error {
			n, err := p.count(gctx, q)
			if err != nil {
				return fmt.Errorf("count %s: %w", q, err)
			}
			counts[i] = n
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return counts, nil
}

func (p *Planner) count(ctx context.Context, q workitem.Query) (int, error) {
	var key cache.CacheKey
	if p.config.Cache != nil {
		key = cache.KeyFor(q)
		n, err := p.config.Cache.GetCount(ctx, key)
		if err == nil {
			CountProbes.WithLabelValues("cache").Inc()
			return n, nil
		}
		if !errors.Is(err, cache.ErrCacheMiss) {
			p.logger.Warn().Err(err).Str("query", q.Canonical()).Msg("Count cache read failed")
		}
	}

	n, err := p.config.Counter.Count(ctx, q)
	if err != nil {
		return 0, err
	}
	CountProbes.WithLabelValues("api").Inc()

	if p.config.Cache != nil {
		if err := p.config.Cache.SetCount(ctx, key, n); err != nil {
			p.logger.Warn().Err(err).Str("query", q.Canonical()).Msg("Count cache write failed")
		}
	}

	p.logger.Debug().Str("query", q.Canonical()).Int("count", n).Msg("Count probe")
	return n, nil
}

// Estimate sums the row estimates of items.
func Estimate(items []workitem.Item) int {
	total := 0
	for _, it := range items {
		total += it.Estimate
	}
	return total
}
