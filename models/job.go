package models

import "time"

// Status is the lifecycle state of a Job.
type Status string

const (
	StatusPending          Status = "pending"
	StatusProcessing       Status = "processing"
	StatusDone             Status = "done"
	StatusFailedExpansion  Status = "failed_expansion"
	StatusFailedValidation Status = "failed_validation"
)

// Valid reports whether s is a known job status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusDone,
		StatusFailedExpansion, StatusFailedValidation:
		return true
	}
	return false
}

// Terminal reports whether s ends an attempt.
func (s Status) Terminal() bool {
	switch s {
	case StatusDone, StatusFailedExpansion, StatusFailedValidation:
		return true
	}
	return false
}

// Failed reports whether s is a failure state eligible for retry.
func (s Status) Failed() bool {
	return s == StatusFailedExpansion || s == StatusFailedValidation
}

// Job is the persistent record of one target item's processing lifecycle.
// The slug is the sole primary key.
type Job struct {
	Slug         string
	URL          string
	Status       Status
	LastError    string // set only when Status is a failure state
	RetryCount   int
	DiscoveredAt time.Time
}

// Run is one attempt to process a Job. Identified by (RunID, Slug);
// multiple runs may exist per slug, one per attempt.
type Run struct {
	RunID      string
	Slug       string
	StartedAt  time.Time
	FinishedAt time.Time // zero until completion
	OK         bool
	ErrorMsg   string
}

// Artifact is one captured section image belonging to a Run. Index is a
// dense zero-based ordinal reflecting top-to-bottom section order.
type Artifact struct {
	RunID        string
	Slug         string
	Index        int
	Filename     string
	SectionTitle string
	CreatedAt    time.Time
}

// Stats summarizes the store for operator reporting.
type Stats struct {
	JobsByStatus   map[Status]int `json:"jobs_by_status"`
	TotalJobs      int            `json:"total_jobs"`
	TotalRuns      int            `json:"total_runs"`
	TotalArtifacts int            `json:"total_artifacts"`
}
