// Package refresh runs sync policies end to end: plan the target query,
// execute the work items on the pool, track progress for resume, and
// persist a summary of every run.
package refresh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/estate-sync/pkg/boundary"
	"github.com/Sternrassler/estate-sync/pkg/checkpoint"
	"github.com/Sternrassler/estate-sync/pkg/logging"
	"github.com/Sternrassler/estate-sync/pkg/model"
	"github.com/Sternrassler/estate-sync/pkg/pagination"
	"github.com/Sternrassler/estate-sync/pkg/planner"
	"github.com/Sternrassler/estate-sync/pkg/pool"
	"github.com/Sternrassler/estate-sync/pkg/store"
	"github.com/Sternrassler/estate-sync/pkg/upsert"
	"github.com/Sternrassler/estate-sync/pkg/workitem"
)

var (
	// ErrRunInProgress is returned when a run is started while another is active.
	ErrRunInProgress = errors.New("a run is already in progress")

	// ErrNotResumable is returned for runs without a checkpoint.
	ErrNotResumable = errors.New("run cannot be resumed")
)

const persistTimeout = 10 * time.Second

// Fetcher is the part of the API client a run needs.
type Fetcher interface {
	pagination.PageFetcher
	planner.Counter
	FetchAddress(ctx context.Context, id string) (json.RawMessage, error)
}

// RateSetter adjusts the shared request rate. *ratelimit.Limiter implements it.
type RateSetter interface {
	SetRate(rps float64)
}

// CleanupConfig tunes the cleanup policy.
type CleanupConfig struct {
	// Retention is how long run history and checkpoints are kept.
	Retention time.Duration
	// StaleAfter flags open cases not seen for this long.
	StaleAfter time.Duration
}

// Config wires an Orchestrator.
type Config struct {
	Store      store.Store
	Fetcher    Fetcher
	Boundaries *boundary.Set

	// Optional collaborators.
	CountCache  planner.CountCache
	Checkpoints *checkpoint.Tracker
	Limiter     RateSetter

	Ceiling          int
	MaxUncoveredRows int
	ProbeConcurrency int
	AddressTypes     []string

	// Workers is used when a RunConfig leaves it at zero.
	Workers     int
	ItemTimeout time.Duration
	Walker      pagination.Config
	Cleanup     CleanupConfig

	Logger zerolog.Logger
	Clock  func() time.Time
}

// RunConfig are the parameters of one run.
type RunConfig struct {
	Policy            Policy
	Workers           int
	RequestsPerSecond float64
	// Municipalities restricts the scope; empty means every municipality
	// in the boundary data.
	Municipalities []string
	// TimeBudget cancels the run gracefully once exceeded (0 = unbounded).
	TimeBudget    time.Duration
	EnrichDetails bool
	// ResumeRunID continues an earlier run instead of starting a new one.
	ResumeRunID string
}

// Validate checks rc.
func (rc RunConfig) Validate() error {
	var errs []error
	if rc.ResumeRunID == "" {
		if _, err := ParsePolicy(string(rc.Policy)); err != nil {
			errs = append(errs, err)
		}
	}
	if rc.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be >= 1 (got %d)", rc.Workers))
	}
	if rc.RequestsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("requests per second must be >= 0 (got %v)", rc.RequestsPerSecond))
	}
	if rc.TimeBudget < 0 {
		errs = append(errs, fmt.Errorf("time budget must be >= 0 (got %s)", rc.TimeBudget))
	}
	return errors.Join(errs...)
}

// StatusReport is what /status shows.
type StatusReport struct {
	Active *Summary           `json:"active,omitempty"`
	Latest map[Policy]Summary `json:"latest"`
	Recent []Summary          `json:"recent,omitempty"`
}

// activeRun is the mutable state of the run in progress.
type activeRun struct {
	mu      sync.Mutex
	summary Summary
}

func (r *activeRun) transition(to State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	next, err := r.summary.Status.transition(to)
	if err != nil {
		return err
	}
	r.summary.Status = next
	return nil
}

func (r *activeRun) snapshot() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.summary
	s.FailedScopes = slices.Clone(s.FailedScopes)
	return s
}

func (r *activeRun) update(fn func(s *Summary)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.summary)
}

// Orchestrator executes runs one at a time.
type Orchestrator struct {
	config Config
	logger zerolog.Logger

	mu      sync.Mutex
	current *activeRun
}

// New creates an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if cfg.Boundaries == nil || cfg.Boundaries.Len() == 0 {
		return nil, fmt.Errorf("boundary data is required")
	}
	if cfg.Ceiling <= 0 {
		return nil, fmt.Errorf("ceiling must be > 0 (got %d)", cfg.Ceiling)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Cleanup.Retention <= 0 {
		cfg.Cleanup.Retention = 30 * 24 * time.Hour
	}
	if cfg.Cleanup.StaleAfter <= 0 {
		cfg.Cleanup.StaleAfter = 14 * 24 * time.Hour
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Walker.Timeout <= 0 {
		cfg.Walker = pagination.DefaultConfig()
	}
	return &Orchestrator{
		config: cfg,
		logger: cfg.Logger.With().Str("component", "refresh").Logger(),
	}, nil
}

// Active returns a snapshot of the run in progress.
func (o *Orchestrator) Active() (Summary, bool) {
	o.mu.Lock()
	r := o.current
	o.mu.Unlock()
	if r == nil {
		return Summary{}, false
	}
	return r.snapshot(), true
}

// Status reports the active run and the latest run of every policy.
func (o *Orchestrator) Status(ctx context.Context, recent int) (StatusReport, error) {
	report := StatusReport{Latest: make(map[Policy]Summary)}
	if s, ok := o.Active(); ok {
		report.Active = &s
	}

	latest, err := o.config.Store.LatestRuns(ctx)
	if err != nil {
		return report, fmt.Errorf("latest runs: %w", err)
	}
	for policy, run := range latest {
		report.Latest[Policy(policy)] = SummaryFromRun(run)
	}

	if recent > 0 {
		runs, err := o.config.Store.ListRuns(ctx, recent)
		if err != nil {
			return report, fmt.Errorf("list runs: %w", err)
		}
		for _, run := range runs {
			report.Recent = append(report.Recent, SummaryFromRun(run))
		}
	}
	return report, nil
}

// Plan returns the work items a run with rc would execute. Upstream
// policies are planned against live counts; store-targeted policies get one
// item per zip code holding stored targets.
func (o *Orchestrator) Plan(ctx context.Context, rc RunConfig) ([]workitem.Item, error) {
	if !rc.Policy.Fetches() {
		return nil, nil
	}
	scope, q, err := o.target(rc)
	if err != nil {
		return nil, err
	}
	if rc.Policy.TargetsStore() {
		return o.planStored(ctx, scope, q)
	}

	p, err := planner.New(planner.Config{
		Counter:          o.config.Fetcher,
		Scope:            scope,
		Cache:            o.config.CountCache,
		Ceiling:          o.config.Ceiling,
		MaxUncoveredRows: o.config.MaxUncoveredRows,
		ProbeConcurrency: o.config.ProbeConcurrency,
		Logger:           o.config.Logger,
	})
	if err != nil {
		return nil, err
	}
	return p.Plan(ctx, q)
}

// Resume continues runID with the orchestrator's default settings.
func (o *Orchestrator) Resume(ctx context.Context, runID string) (Summary, error) {
	return o.Run(ctx, RunConfig{ResumeRunID: runID})
}

// Run executes one run to a terminal state. The returned error is non-nil
// only when the run could not start or ended Failed.
func (o *Orchestrator) Run(ctx context.Context, rc RunConfig) (Summary, error) {
	if rc.Workers == 0 {
		rc.Workers = o.config.Workers
	}
	if err := rc.Validate(); err != nil {
		return Summary{}, fmt.Errorf("invalid run config: %w", err)
	}

	var (
		manifest  *checkpoint.Manifest
		completed map[string]bool
		prior     model.Run
	)
	runID := rc.ResumeRunID
	if runID != "" {
		m, done, prev, err := o.loadResume(ctx, runID)
		if err != nil {
			return Summary{}, err
		}
		manifest, completed, prior = &m, done, prev
		rc.Policy = Policy(m.Policy)
		rc.Municipalities = m.Municipalities
		rc.EnrichDetails = m.EnrichDetails
	} else {
		runID = uuid.NewString()
	}

	run, err := o.begin(runID, rc.Policy, prior)
	if err != nil {
		return Summary{}, err
	}
	defer o.end()

	logger := logging.ForRun(o.logger, runID, string(rc.Policy))
	if rc.ResumeRunID != "" {
		logger.Info().Int("completed_items", len(completed)).Msg("Resuming run")
	} else {
		logger.Info().Strs("municipalities", rc.Municipalities).Msg("Run started")
	}
	o.persist(ctx, run, logger)

	if rc.RequestsPerSecond > 0 && o.config.Limiter != nil {
		o.config.Limiter.SetRate(rc.RequestsPerSecond)
	}

	runCtx := ctx
	if rc.TimeBudget > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, rc.TimeBudget)
		defer cancel()
	}

	if !rc.Policy.Fetches() {
		return o.finish(ctx, run, o.cleanup(runCtx, run, logger), logger)
	}

	var items []workitem.Item
	if manifest != nil {
		// The recorded plan is executed as is; live counts may have drifted.
		items = manifest.Items
	} else {
		items, err = o.Plan(runCtx, rc)
		if err != nil {
			if runCtx.Err() != nil && !errors.Is(err, planner.ErrPlanningInfeasible) {
				run.update(func(s *Summary) { s.Error = err.Error() })
				return o.finish(ctx, run, StateCancelled, logger)
			}
			run.update(func(s *Summary) { s.Error = fmt.Sprintf("planning: %v", err) })
			s, _ := o.finish(ctx, run, StateFailed, logger)
			return s, fmt.Errorf("run %s: %w", runID, err)
		}
		o.beginCheckpoint(ctx, runID, rc, items, logger)
	}

	pending := make([]workitem.Item, 0, len(items))
	for _, it := range items {
		if !completed[it.ID] {
			pending = append(pending, it)
		}
	}
	run.update(func(s *Summary) {
		s.Counts.ItemsTotal = len(items)
		s.Counts.ItemsCompleted = len(items) - len(pending)
		s.Counts.ItemsFailed = 0
		s.Counts.ItemsNotStarted = 0
	})

	logger.Info().
		Int("items", len(items)).
		Int("pending", len(pending)).
		Int("estimated_rows", planner.Estimate(items)).
		Int("workers", rc.Workers).
		Msg("Executing plan")

	outcome, err := o.execute(runCtx, ctx, run, rc, pending, logger)
	if err != nil {
		run.update(func(s *Summary) { s.Error = err.Error() })
		s, _ := o.finish(ctx, run, StateFailed, logger)
		return s, fmt.Errorf("run %s: %w", runID, err)
	}

	run.update(func(s *Summary) { s.Counts.ItemsNotStarted = outcome.NotStarted })

	final := StateCompleted
	switch {
	case outcome.Cancelled:
		final = StateCancelled
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			run.update(func(s *Summary) { s.Error = "time budget exceeded" })
		}
	case outcome.Failed > 0:
		final = StatePartiallyFailed
	}
	return o.finish(ctx, run, final, logger)
}

func (o *Orchestrator) execute(runCtx, ctx context.Context, run *activeRun, rc RunConfig, items []workitem.Item, logger zerolog.Logger) (pool.Outcome, error) {
	ledger := upsert.NewKeyLedger()
	engine, err := upsert.New(upsert.Config{
		Store:  o.config.Store,
		Ledger: ledger,
		Logger: logger,
		Clock:  o.config.Clock,
	})
	if err != nil {
		return pool.Outcome{}, err
	}

	walkerCfg := o.config.Walker
	walkerCfg.Logger = logger
	exec := &itemExecutor{
		walker:       pagination.NewWalker(o.config.Fetcher, walkerCfg),
		engine:       engine,
		fetcher:      o.config.Fetcher,
		store:        o.config.Store,
		policy:       rc.Policy,
		skipExisting: rc.Policy.SkipsExisting(),
		refetch:      rc.Policy.TargetsStore(),
		enrich:       rc.EnrichDetails,
		logger:       logger,
	}

	p, err := pool.New(pool.Config{
		Workers:     rc.Workers,
		ItemTimeout: o.config.ItemTimeout,
		Logger:      logger,
	})
	if err != nil {
		return pool.Outcome{}, err
	}

	runID := run.snapshot().RunID
	outcome := p.Run(runCtx, items, exec, func(r pool.Result) {
		run.update(func(s *Summary) {
			s.Counts.Add(r.Stats)
			if r.Err != nil {
				s.Counts.ItemsFailed++
				s.FailedScopes = append(s.FailedScopes, r.Item.Scope())
			} else {
				s.Counts.ItemsCompleted++
			}
		})
		if r.Err != nil || o.config.Checkpoints == nil {
			return
		}
		// The run context may be cancelled already; completed work must
		// still be recorded.
		if err := o.config.Checkpoints.MarkComplete(context.WithoutCancel(ctx), runID, r.Item.ID); err != nil {
			logger.Error().Err(err).Str("item_id", r.Item.ID).Msg("Checkpoint write failed")
		}
	})

	run.update(func(s *Summary) { s.Counts.DistinctKeys += ledger.Len() })
	logger.Debug().
		Int("distinct_keys", ledger.Len()).
		Int("duplicate_claims", ledger.Duplicates()).
		Msg("Key ledger")
	return outcome, nil
}

// target resolves the scope of rc and the query describing its targets.
func (o *Orchestrator) target(rc RunConfig) (*boundary.Set, workitem.Query, error) {
	scope, err := o.config.Boundaries.Restrict(rc.Municipalities)
	if err != nil {
		return nil, workitem.Query{}, err
	}
	q := workitem.Query{
		Municipalities: scope.Names(),
		Status:         rc.Policy.Status(),
	}
	if !rc.Policy.TargetsStore() {
		q.AddressTypes = slices.Clone(o.config.AddressTypes)
	}
	return scope, q, nil
}

// planStored splits the stored targets of q into one item per zip code. A
// zip code listed under several municipalities belongs to the first.
func (o *Orchestrator) planStored(ctx context.Context, scope *boundary.Set, q workitem.Query) ([]workitem.Item, error) {
	type zipScope struct {
		municipality string
		zip          int
	}
	var zips []zipScope
	filter := store.TargetFilter{OpenOnly: q.Status == workitem.StatusOnMarket}
	seen := make(map[int]bool)
	for _, m := range scope.Municipalities() {
		for _, z := range m.ZipCodes {
			if seen[z] {
				continue
			}
			seen[z] = true
			zips = append(zips, zipScope{municipality: m.Name, zip: z})
			filter.ZipCodes = append(filter.ZipCodes, z)
		}
	}

	counts, err := o.config.Store.CountTargets(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("count stored targets: %w", err)
	}

	var items []workitem.Item
	for _, z := range zips {
		n := counts[z.zip]
		if n == 0 {
			continue
		}
		items = append(items, workitem.NewItem(len(items), q.ForMunicipality(z.municipality).ForZip(z.zip), n))
	}

	o.logger.Info().
		Str("query", q.Canonical()).
		Int("targets", planner.Estimate(items)).
		Int("items", len(items)).
		Msg("Stored targets planned")
	return items, nil
}

// beginCheckpoint records the plan of a new run. A failure leaves the run
// without a checkpoint; it still executes.
func (o *Orchestrator) beginCheckpoint(ctx context.Context, runID string, rc RunConfig, items []workitem.Item, logger zerolog.Logger) {
	if o.config.Checkpoints == nil {
		return
	}
	_, q, err := o.target(rc)
	if err != nil {
		logger.Error().Err(err).Msg("Checkpoint manifest not written, run will not be resumable")
		return
	}
	m := checkpoint.Manifest{
		RunID:          runID,
		Policy:         string(rc.Policy),
		Query:          q,
		Municipalities: slices.Clone(rc.Municipalities),
		EnrichDetails:  rc.EnrichDetails,
		Items:          items,
	}
	if err := o.config.Checkpoints.Begin(ctx, m); err != nil {
		logger.Error().Err(err).Msg("Checkpoint manifest not written, run will not be resumable")
	}
}

// loadResume reads the checkpoint of runID and the run record of the
// earlier attempt, if one was saved.
func (o *Orchestrator) loadResume(ctx context.Context, runID string) (checkpoint.Manifest, map[string]bool, model.Run, error) {
	if o.config.Checkpoints == nil {
		return checkpoint.Manifest{}, nil, model.Run{}, fmt.Errorf("%w: checkpoints are disabled", ErrNotResumable)
	}
	m, err := o.config.Checkpoints.Manifest(ctx, runID)
	if err != nil {
		return checkpoint.Manifest{}, nil, model.Run{}, fmt.Errorf("%w: %w", ErrNotResumable, err)
	}
	if m.Status == string(StateCompleted) {
		return checkpoint.Manifest{}, nil, model.Run{}, fmt.Errorf("%w: run %s already completed", ErrNotResumable, runID)
	}
	done, err := o.config.Checkpoints.Completed(ctx, runID)
	if err != nil {
		return checkpoint.Manifest{}, nil, model.Run{}, err
	}

	prev, err := o.config.Store.GetRun(ctx, runID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return checkpoint.Manifest{}, nil, model.Run{}, fmt.Errorf("load run %s: %w", runID, err)
	}
	return m, done, prev, nil
}

// begin registers the run as active. Record counts and the start time of
// an earlier attempt carry over.
func (o *Orchestrator) begin(runID string, policy Policy, prior model.Run) (*activeRun, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current != nil {
		return nil, ErrRunInProgress
	}

	startedAt := prior.StartedAt
	if startedAt.IsZero() {
		startedAt = o.config.Clock().UTC()
	}
	run := &activeRun{summary: Summary{
		RunID:     runID,
		Policy:    policy,
		Status:    StateIdle,
		StartedAt: startedAt,
	}}
	run.summary.Counts.Add(prior.Counts)
	if err := run.transition(StateRunning); err != nil {
		return nil, err
	}
	o.current = run
	RunActive.Set(1)
	return run, nil
}

func (o *Orchestrator) end() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.current = nil
	RunActive.Set(0)
}

// finish moves the run to its terminal state and records it.
func (o *Orchestrator) finish(ctx context.Context, run *activeRun, final State, logger zerolog.Logger) (Summary, error) {
	if err := run.transition(final); err != nil {
		return run.snapshot(), err
	}
	now := o.config.Clock().UTC()
	run.update(func(s *Summary) { s.FinishedAt = &now })
	o.persist(ctx, run, logger)

	s := run.snapshot()
	if o.config.Checkpoints != nil && s.Policy.Fetches() {
		if err := o.config.Checkpoints.Finish(context.WithoutCancel(ctx), s.RunID, string(final)); err != nil &&
			!errors.Is(err, checkpoint.ErrUnknownRun) {
			logger.Error().Err(err).Msg("Checkpoint finish failed")
		}
	}

	RunsTotal.WithLabelValues(string(s.Policy), string(s.Status)).Inc()
	RunDuration.WithLabelValues(string(s.Policy)).Observe(s.Duration().Seconds())
	LastRunTimestamp.WithLabelValues(string(s.Policy)).Set(float64(now.Unix()))
	s.Log(logger)
	return s, nil
}

// persist writes the run record even when ctx is already cancelled.
func (o *Orchestrator) persist(ctx context.Context, run *activeRun, logger zerolog.Logger) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := o.config.Store.SaveRun(pctx, run.snapshot().Run()); err != nil {
		logger.Error().Err(err).Msg("Failed to save run summary")
	}
}
