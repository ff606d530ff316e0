// Package pool runs work items on a bounded set of goroutines.
//
// Items are fed through a queue channel. A worker checks for cancellation
// before it starts an item; once started, an item runs to completion on a
// context that no longer follows run cancellation and is bounded only by
// the item timeout. A failing or panicking item never affects the others.
package pool

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/estate-sync/pkg/model"
	"github.com/Sternrassler/estate-sync/pkg/workitem"
)

// ErrPanic wraps a value recovered from a panicking executor.
var ErrPanic = errors.New("executor panicked")

// Config holds pool configuration
type Config struct {
	// Workers is the number of items processed in parallel
	Workers int
	// ItemTimeout bounds one item once it started (0 = no bound)
	ItemTimeout time.Duration
	Logger      zerolog.Logger
}

// Executor processes one work item.
type Executor interface {
	Execute(ctx context.Context, item workitem.Item) (model.RunCounts, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, item workitem.Item) (model.RunCounts, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, item workitem.Item) (model.RunCounts, error) {
	return f(ctx, item)
}

// Result is the outcome of one started item.
type Result struct {
	Item     workitem.Item
	Stats    model.RunCounts
	Err      error
	Duration time.Duration
	Worker   int
}

// Outcome summarises a Run.
type Outcome struct {
	Completed  int
	Failed     int
	NotStarted int
	// Cancelled is true when cancellation left items unstarted.
	Cancelled bool
	// Pending lists the unstarted items in plan order.
	Pending []workitem.Item
}

// Pool is a bounded worker pool.
type Pool struct {
	config Config
}

// New creates a pool.
func New(cfg Config) (*Pool, error) {
	if cfg.Workers < 1 {
		return nil, fmt.Errorf("workers must be >= 1 (got %d)", cfg.Workers)
	}
	if cfg.ItemTimeout < 0 {
		return nil, fmt.Errorf("item timeout must be >= 0 (got %s)", cfg.ItemTimeout)
	}
	return &Pool{config: cfg}, nil
}

// Workers returns the configured parallelism.
func (p *Pool) Workers() int {
	return p.config.Workers
}

// Run processes items and blocks until every started item has finished.
// report is called once per started item, from the calling goroutine.
func (p *Pool) Run(ctx context.Context, items []workitem.Item, exec Executor, report func(Result)) Outcome {
	start := time.Now()
	logger := p.config.Logger

	queue := make(chan workitem.Item)
	results := make(chan Result, p.config.Workers)

	go func() {
		defer close(queue)
		for _, it := range items {
			select {
			case queue <- it:
			case <-ctx.Done():
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < p.config.Workers; i++ {
		wg.Add(1)
		go p.worker(ctx, i, exec, queue, results, &wg)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	var out Outcome
	started := make(map[string]bool, len(items))
	for r := range results {
		started[r.Item.ID] = true
		if r.Err != nil {
			out.Failed++
			ItemsProcessed.WithLabelValues("failed").Inc()
			logger.Warn().
				Err(r.Err).
				Str("item_id", r.Item.ID).
				Str("query", r.Item.Scope()).
				Dur("duration", r.Duration).
				Msg("Work item failed")
		} else {
			out.Completed++
			ItemsProcessed.WithLabelValues("completed").Inc()
		}
		if report != nil {
			report(r)
		}
	}

	for _, it := range items {
		if !started[it.ID] {
			out.Pending = append(out.Pending, it)
		}
	}
	out.NotStarted = len(out.Pending)
	out.Cancelled = out.NotStarted > 0 && ctx.Err() != nil
	ItemsProcessed.WithLabelValues("not_started").Add(float64(out.NotStarted))

	logger.Info().
		Int("completed", out.Completed).
		Int("failed", out.Failed).
		Int("not_started", out.NotStarted).
		Bool("cancelled", out.Cancelled).
		Dur("duration", time.Since(start)).
		Msg("Pool drained")
	return out
}

func (p *Pool) worker(ctx context.Context, id int, exec Executor, queue <-chan workitem.Item, results chan<- Result, wg *sync.WaitGroup) {
	defer wg.Done()
	processed := 0

	for it := range queue {
		if ctx.Err() != nil {
			continue
		}
		results <- p.execute(ctx, id, exec, it)
		processed++
	}

	p.config.Logger.Debug().
		Int("worker_id", id).
		Int("items_processed", processed).
		Msg("Worker stopped")
}

func (p *Pool) execute(ctx context.Context, id int, exec Executor, it workitem.Item) (res Result) {
	itemCtx := context.WithoutCancel(ctx)
	if p.config.ItemTimeout > 0 {
		var cancel context.CancelFunc
		itemCtx, cancel = context.WithTimeout(itemCtx, p.config.ItemTimeout)
		defer cancel()
	}

	BusyWorkers.Inc()
	start := time.Now()
	res = Result{Item: it, Worker: id}
	defer func() {
		BusyWorkers.Dec()
		res.Duration = time.Since(start)
		ItemDuration.Observe(res.Duration.Seconds())
		if r := recover(); r != nil {
			p.config.Logger.Error().
				Str("item_id", it.ID).
				Str("stack", string(debug.Stack())).
				Msgf("Executor panic: %v", r)
			res.Err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()

	res.Stats, res.Err = exec.Execute(itemCtx, it)
	return res
}
