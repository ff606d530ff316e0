package model

import "time"

// RunCounts aggregates the outcome of a refresh run.
type RunCounts struct {
	Inserted      int `json:"inserted"`
	Updated       int `json:"updated"`
	Unchanged     int `json:"unchanged"`
	Skipped       int `json:"skipped"`
	Duplicates    int `json:"duplicates"`
	FailedRecords int `json:"failed_records"`
	// DistinctKeys counts the entities the run upserted, unchanged ones
	// included.
	DistinctKeys  int `json:"distinct_keys"`

	ItemsTotal      int `json:"items_total"`
	ItemsCompleted  int `json:"items_completed"`
	ItemsFailed     int `json:"items_failed"`
	ItemsNotStarted int `json:"items_not_started"`
}

// Add accumulates record counts of o into c. Item counts are left alone.
func (c *RunCounts) Add(o RunCounts) {
	c.Inserted += o.Inserted
	c.Updated += o.Updated
	c.Unchanged += o.Unchanged
	c.Skipped += o.Skipped
	c.Duplicates += o.Duplicates
	c.FailedRecords += o.FailedRecords
	c.DistinctKeys += o.DistinctKeys
}

// Records is the number of records the run looked at.
func (c RunCounts) Records() int {
	return c.Inserted + c.Updated + c.Unchanged + c.Skipped + c.Duplicates + c.FailedRecords
}

// Run is a persisted refresh run summary.
type Run struct {
	ID           string     `json:"run_id"`
	Policy       string     `json:"policy"`
	Status       string     `json:"status"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	Counts       RunCounts  `json:"counts"`
	FailedScopes []string   `json:"failed_scopes,omitempty"`
	Error        string     `json:"error,omitempty"`
}

// Duration is zero until the run finished.
func (r Run) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// TableStats are row counts collected by the cleanup policy.
type TableStats struct {
	Properties    int64 `json:"properties"`
	Buildings     int64 `json:"buildings"`
	Registrations int64 `json:"registrations"`
	Cases         int64 `json:"cases"`
	OpenCases     int64 `json:"open_cases"`
	PriceChanges  int64 `json:"price_changes"`
	CaseImages    int64 `json:"case_images"`
	Runs          int64 `json:"runs"`
}
