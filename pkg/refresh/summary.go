package refresh

import (
	"slices"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/estate-sync/pkg/model"
)

// Summary is the report of one run.
type Summary struct {
	RunID        string          `json:"run_id"`
	Policy       Policy          `json:"policy"`
	Status       State           `json:"status"`
	StartedAt    time.Time       `json:"started_at"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
	Counts       model.RunCounts `json:"counts"`
	FailedScopes []string        `json:"failed_scopes,omitempty"`
	Error        string          `json:"error,omitempty"`

	// Cleanup is only filled by the cleanup policy.
	Cleanup *CleanupReport `json:"cleanup,omitempty"`
}

// CleanupReport is what the cleanup policy did and found.
type CleanupReport struct {
	PrunedRuns        int64            `json:"pruned_runs"`
	PrunedCheckpoints int              `json:"pruned_checkpoints"`
	StaleOpenCases    int64            `json:"stale_open_cases"`
	Tables            model.TableStats `json:"tables"`
}

// Run converts s to its persisted form.
func (s Summary) Run() model.Run {
	return model.Run{
		ID:           s.RunID,
		Policy:       string(s.Policy),
		Status:       string(s.Status),
		StartedAt:    s.StartedAt,
		FinishedAt:   s.FinishedAt,
		Counts:       s.Counts,
		FailedScopes: slices.Clone(s.FailedScopes),
		Error:        s.Error,
	}
}

// SummaryFromRun converts a persisted run back.
func SummaryFromRun(r model.Run) Summary {
	return Summary{
		RunID:        r.ID,
		Policy:       Policy(r.Policy),
		Status:       State(r.Status),
		StartedAt:    r.StartedAt,
		FinishedAt:   r.FinishedAt,
		Counts:       r.Counts,
		FailedScopes: slices.Clone(r.FailedScopes),
		Error:        r.Error,
	}
}

// Duration is zero while the run is active.
func (s Summary) Duration() time.Duration {
	return s.Run().Duration()
}

// Log writes the summary as one event.
func (s Summary) Log(logger zerolog.Logger) {
	ev := logger.Info()
	switch s.Status {
	case StateFailed:
		ev = logger.Error()
	case StatePartiallyFailed, StateCancelled:
		ev = logger.Warn()
	}

	ev = ev.
		Str("run_id", s.RunID).
		Str("policy", string(s.Policy)).
		Str("status", string(s.Status)).
		Dur("duration", s.Duration()).
		Int("inserted", s.Counts.Inserted).
		Int("updated", s.Counts.Updated).
		Int("unchanged", s.Counts.Unchanged).
		Int("skipped", s.Counts.Skipped).
		Int("duplicates", s.Counts.Duplicates).
		Int("failed_records", s.Counts.FailedRecords).
		Int("distinct_keys", s.Counts.DistinctKeys).
		Int("items_total", s.Counts.ItemsTotal).
		Int("items_completed", s.Counts.ItemsCompleted).
		Int("items_failed", s.Counts.ItemsFailed).
		Int("items_not_started", s.Counts.ItemsNotStarted)
	if len(s.FailedScopes) > 0 {
		ev = ev.Strs("failed_scopes", s.FailedScopes)
	}
	if s.Error != "" {
		ev = ev.Str("error", s.Error)
	}
	ev.Msg("Run finished")
}
