package jobstore

import (
	"encoding/json"
	"time"

	"github.com/3leaps/lexbatch/pkg/lexicon"
)

// JobStatus is the lifecycle state of a moderation job.
//
// NOTE: These values are persisted and are part of the stable API contract.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobPaused    JobStatus = "paused"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// ParseJobStatus validates s.
func ParseJobStatus(s string) (JobStatus, bool) {
	switch st := JobStatus(s); st {
	case JobQueued, JobRunning, JobPaused, JobCompleted, JobFailed, JobCancelled:
		return st, true
	}
	return "", false
}

// ActiveJobStatuses are the states that count for dedupe.
var ActiveJobStatuses = []JobStatus{JobQueued, JobRunning, JobPaused}

// ItemStatus is the lifecycle state of one job item.
type ItemStatus string

const (
	ItemQueued     ItemStatus = "queued"
	ItemSubmitting ItemStatus = "submitting"
	ItemProcessing ItemStatus = "processing"
	ItemSucceeded  ItemStatus = "succeeded"
	ItemFailed     ItemStatus = "failed"
	ItemSkipped    ItemStatus = "skipped"
)

// Terminal reports whether the item has reached a final state.
func (s ItemStatus) Terminal() bool {
	return s == ItemSucceeded || s == ItemFailed || s == ItemSkipped
}

// Counters track job progress.
//
// Invariant: Succeeded + Failed <= Processed <= Submitted <= Total.
type Counters struct {
	Total     int `json:"total_items"`
	Submitted int `json:"submitted_items"`
	Processed int `json:"processed_items"`
	Succeeded int `json:"succeeded_items"`
	Failed    int `json:"failed_items"`
	Flagged   int `json:"flagged_items"`
}

// Valid reports whether the counter invariant holds.
func (c Counters) Valid() bool {
	return c.Succeeded+c.Failed <= c.Processed &&
		c.Processed <= c.Submitted &&
		c.Submitted <= c.Total &&
		c.Flagged <= c.Succeeded &&
		c.Succeeded >= 0 && c.Failed >= 0
}

// Job is a persisted moderation batch.
type Job struct {
	ID              string          `json:"id"`
	Label           string          `json:"label,omitempty"`
	Model           string          `json:"model"`
	Template        string          `json:"template"`
	Scope           json.RawMessage `json:"scope"`
	ScopeHash       string          `json:"scope_hash"`
	ServiceTier     string          `json:"service_tier"`
	ReasoningEffort string          `json:"reasoning_effort"`
	ApplyFlags      bool            `json:"apply_flags"`
	Status          JobStatus       `json:"status"`
	Counters
	InputTokens  int64      `json:"input_tokens"`
	OutputTokens int64      `json:"output_tokens"`
	LastError    string     `json:"last_error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
	Version      int64      `json:"version"`
}

// Item is one record of a job.
type Item struct {
	ID           string          `json:"id"`
	JobID        string          `json:"job_id"`
	Position     int             `json:"position"`
	RecordID     string          `json:"record_id"`
	RecordPOS    lexicon.POS     `json:"record_pos"`
	Status       ItemStatus      `json:"status"`
	LastError    *string         `json:"last_error"`
	Response     json.RawMessage `json:"response,omitempty"`
	Flagged      *bool           `json:"flagged"`
	FlagReason   string          `json:"flag_reason,omitempty"`
	InputTokens  int64           `json:"input_tokens"`
	OutputTokens int64           `json:"output_tokens"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	SubmittedAt  *time.Time      `json:"submitted_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

// Ref returns the item's record reference.
func (i Item) Ref() lexicon.Ref {
	return lexicon.Ref{ID: i.RecordID, POS: i.RecordPOS}
}

// NewJob describes a job to create.
type NewJob struct {
	Label           string
	Model           string
	Template        string
	Scope           json.RawMessage
	ScopeHash       string
	ServiceTier     string
	ReasoningEffort string
	ApplyFlags      bool
	Targets         []lexicon.Ref
}

// Bucket groups item statuses for paging.
type Bucket string

const (
	BucketAll       Bucket = "all"
	BucketPending   Bucket = "pending"
	BucketSucceeded Bucket = "succeeded"
	BucketFailed    Bucket = "failed"
	BucketSkipped   Bucket = "skipped"
	BucketFlagged   Bucket = "flagged"
)

// ParseBucket validates a bucket name. Empty means BucketAll.
func ParseBucket(s string) (Bucket, bool) {
	switch b := Bucket(s); b {
	case "":
		return BucketAll, true
	case BucketAll, BucketPending, BucketSucceeded, BucketFailed, BucketSkipped, BucketFlagged:
		return b, true
	}
	return "", false
}

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// ItemsQuery selects one page of a job's items.
type ItemsQuery struct {
	Bucket   Bucket
	Page     int
	PageSize int
}

func (q ItemsQuery) normalized() ItemsQuery {
	if q.Bucket == "" {
		q.Bucket = BucketAll
	}
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PageSize <= 0 {
		q.PageSize = DefaultPageSize
	}
	if q.PageSize > MaxPageSize {
		q.PageSize = MaxPageSize
	}
	return q
}

// ItemPage is one page of items.
type ItemPage struct {
	Items    []Item `json:"items"`
	Bucket   Bucket `json:"bucket"`
	Page     int    `json:"page"`
	PageSize int    `json:"page_size"`
	Total    int    `json:"total"`
}

// JobView is a job with one page of its items.
type JobView struct {
	Job   Job      `json:"job"`
	Items ItemPage `json:"items"`
}

// ListQuery filters ListJobs.
type ListQuery struct {
	Statuses []JobStatus
	Limit    int
}

// Outcome is the result of one moderation call.
type Outcome struct {
	Succeeded    bool
	Flagged      bool
	FlagReason   string
	Response     json.RawMessage
	Error        string
	InputTokens  int64
	OutputTokens int64
}

// CompletionResult reports what CompleteItem did.
type CompletionResult struct {
	// Applied is true when the item moved to a terminal state.
	Applied bool
	// Late is true when the item had already been skipped by a cancel; the
	// response was stored without a status change.
	Late bool
	Item Item
}
