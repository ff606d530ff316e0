package pagination

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/estate-sync/pkg/client"
	"github.com/Sternrassler/estate-sync/pkg/workitem"
)

// ErrStopped is returned by handlers to end a walk early without error.
var ErrStopped = errors.New("walk stopped")

// Config holds walker configuration
type Config struct {
	// Timeout bounds one page fetch including client retries
	Timeout time.Duration
	// ProgressEvery logs progress every N pages (0 disables)
	ProgressEvery int
	Logger        zerolog.Logger
}

// DefaultConfig returns a configuration for the listing API
func DefaultConfig() Config {
	return Config{
		Timeout:       5 * time.Minute,
		ProgressEvery: 20,
		Logger:        zerolog.Nop(),
	}
}

// PageFetcher is the part of the API client the walker needs
type PageFetcher interface {
	Fetch(ctx context.Context, q workitem.Query, token string) (client.Page, error)
}

// PageHandler consumes one page. Returning ErrStopped ends the walk cleanly.
type PageHandler func(ctx context.Context, page client.Page) error

// Stats summarises a walk
type Stats struct {
	Pages     int
	Records   int
	TotalHits int
	Duration  time.Duration
}

// Walker fetches pages of a query in order
type Walker struct {
	fetcher PageFetcher
	config  Config
}

// NewWalker creates a new walker
func NewWalker(fetcher PageFetcher, config Config) *Walker {
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Minute
	}
	if config.ProgressEvery < 0 {
		config.ProgressEvery = 0
	}
	return &Walker{
		fetcher: fetcher,
		config:  config,
	}
}

// Walk fetches every page of q and hands it to handle. On error the returned
// Stats cover the pages that were fully handled.
func (w *Walker) Walk(ctx context.Context, q workitem.Query, handle PageHandler) (Stats, error) {
	start := time.Now()
	logger := w.config.Logger.With().Str("query", q.Canonical()).Logger()

	var stats Stats
	token := ""
	for {
		if err := ctx.Err(); err != nil {
			stats.Duration = time.Since(start)
			return stats, fmt.Errorf("walk cancelled after %d pages: %w", stats.Pages, err)
		}

		pageCtx, cancel := context.WithTimeout(ctx, w.config.Timeout)
		page, err := w.fetcher.Fetch(pageCtx, q, token)
		cancel()
		if err != nil {
			stats.Duration = time.Since(start)
			logger.Warn().
				Err(err).
				Int("page", stats.Pages+1).
				Msg("Page fetch failed")
			return stats, fmt.Errorf("fetch page %d: %w", stats.Pages+1, err)
		}

		if stats.Pages == 0 {
			stats.TotalHits = page.TotalHits
			logger.Debug().
				Int("total_hits", page.TotalHits).
				Msg("Starting page walk")
		}

		if err := handle(ctx, page); err != nil {
			stats.Duration = time.Since(start)
			if errors.Is(err, ErrStopped) {
				stats.Pages++
				stats.Records += len(page.Records)
				return stats, nil
			}
			return stats, fmt.Errorf("handle page %d: %w", stats.Pages+1, err)
		}
		stats.Pages++
		stats.Records += len(page.Records)
		PagesWalked.Inc()

		if w.config.ProgressEvery > 0 && stats.Pages%w.config.ProgressEvery == 0 {
			ev := logger.Info().
				Int("pages", stats.Pages).
				Int("records", stats.Records).
				Int("total_hits", stats.TotalHits)
			if stats.TotalHits > 0 {
				ev = ev.Float64("progress_pct", float64(stats.Records)/float64(stats.TotalHits)*100)
			}
			ev.Msg("Walk progress")
		}

		if page.NextToken == "" {
			break
		}
		token = page.NextToken
	}

	stats.Duration = time.Since(start)
	logger.Debug().
		Int("pages", stats.Pages).
		Int("records", stats.Records).
		Dur("duration", stats.Duration).
		Msg("Walk complete")
	return stats, nil
}
