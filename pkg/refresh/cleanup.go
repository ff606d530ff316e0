package refresh

import (
	"context"

	"github.com/rs/zerolog"
)

// cleanup runs the maintenance steps. A failing step is recorded as a
// failed scope and does not stop the others.
func (o *Orchestrator) cleanup(ctx context.Context, run *activeRun, logger zerolog.Logger) State {
	now := o.config.Clock()
	report := &CleanupReport{}
	var failed []string

	pruned, err := o.config.Store.PruneRuns(ctx, now.Add(-o.config.Cleanup.Retention))
	if err != nil {
		logger.Warn().Err(err).Msg("Pruning run history failed")
		failed = append(failed, "cleanup:runs")
	}
	report.PrunedRuns = pruned

	if o.config.Checkpoints != nil {
		n, err := o.config.Checkpoints.Prune(ctx, o.config.Cleanup.Retention)
		if err != nil {
			logger.Warn().Err(err).Msg("Pruning checkpoints failed")
			failed = append(failed, "cleanup:checkpoints")
		}
		report.PrunedCheckpoints = n
	}

	stale, err := o.config.Store.CountStaleOpenCases(ctx, now.Add(-o.config.Cleanup.StaleAfter))
	if err != nil {
		logger.Warn().Err(err).Msg("Counting stale open cases failed")
		failed = append(failed, "cleanup:stale-cases")
	}
	report.StaleOpenCases = stale
	if stale > 0 {
		logger.Warn().
			Int64("stale_open_cases", stale).
			Dur("not_seen_for", o.config.Cleanup.StaleAfter).
			Msg("Open cases not seen recently")
	}

	stats, err := o.config.Store.Stats(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("Collecting table statistics failed")
		failed = append(failed, "cleanup:stats")
	}
	report.Tables = stats

	logger.Info().
		Int64("pruned_runs", report.PrunedRuns).
		Int("pruned_checkpoints", report.PrunedCheckpoints).
		Int64("properties", stats.Properties).
		Int64("cases", stats.Cases).
		Int64("open_cases", stats.OpenCases).
		Int64("price_changes", stats.PriceChanges).
		Msg("Cleanup complete")

	run.update(func(s *Summary) {
		s.Cleanup = report
		s.FailedScopes = append(s.FailedScopes, failed...)
	})

	switch {
	case ctx.Err() != nil:
		return StateCancelled
	case len(failed) > 0:
		return StatePartiallyFailed
	default:
		return StateCompleted
	}
}
