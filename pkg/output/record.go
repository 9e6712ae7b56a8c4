// Package output provides JSONL output for job exports and CLI streams.
//
// Output is structured as typed record envelopes containing jobs, items,
// errors, progress snapshots and summaries. Each line is a self-contained
// JSON object that can be parsed independently.
package output

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/3leaps/lexbatch/pkg/jobstore"
)

// Record type constants define the envelope types for JSONL output.
// These follow the pattern: lexbatch.<type>.v<version>
const (
	// TypeJob identifies job header records.
	TypeJob = "lexbatch.job.v1"

	// TypeItem identifies item result records.
	TypeItem = "lexbatch.item.v1"

	// TypeError identifies error records.
	TypeError = "lexbatch.error.v1"

	// TypeProgress identifies progress snapshot records.
	TypeProgress = "lexbatch.progress.v1"

	// TypeSummary identifies final summary records.
	TypeSummary = "lexbatch.summary.v1"
)

// Record is the envelope for all JSONL output.
type Record struct {
	// Type identifies the record type (e.g., "lexbatch.item.v1").
	Type string `json:"type"`

	// TS is the timestamp when the record was created (RFC3339Nano).
	TS time.Time `json:"ts"`

	// JobID is the job the record belongs to.
	JobID string `json:"job_id"`

	// Model is the job's model identifier.
	Model string `json:"model,omitempty"`

	// Data contains the type-specific payload as raw JSON.
	Data json.RawMessage `json:"data"`
}

// JobRecord is the header of an export.
type JobRecord struct {
	Label           string             `json:"label,omitempty"`
	Status          jobstore.JobStatus `json:"status"`
	Template        string             `json:"template"`
	Scope           json.RawMessage    `json:"scope"`
	ServiceTier     string             `json:"service_tier"`
	ReasoningEffort string             `json:"reasoning_effort"`
	ApplyFlags      bool               `json:"apply_flags"`
	CreatedAt       time.Time          `json:"created_at"`
	StartedAt       *time.Time         `json:"started_at,omitempty"`
	CompletedAt     *time.Time         `json:"completed_at,omitempty"`
}

// NewJobRecord builds the header payload for job.
func NewJobRecord(job *jobstore.Job) *JobRecord {
	return &JobRecord{
		Label:           job.Label,
		Status:          job.Status,
		Template:        job.Template,
		Scope:           job.Scope,
		ServiceTier:     job.ServiceTier,
		ReasoningEffort: job.ReasoningEffort,
		ApplyFlags:      job.ApplyFlags,
		CreatedAt:       job.CreatedAt,
		StartedAt:       job.StartedAt,
		CompletedAt:     job.CompletedAt,
	}
}

// ItemRecord is the data payload for one item.
type ItemRecord struct {
	ItemID       string              `json:"item_id"`
	Position     int                 `json:"position"`
	RecordID     string              `json:"record_id"`
	RecordPOS    string              `json:"record_pos"`
	Status       jobstore.ItemStatus `json:"status"`
	Flagged      *bool               `json:"flagged"`
	FlagReason   string              `json:"flag_reason,omitempty"`
	LastError    *string             `json:"last_error"`
	Response     json.RawMessage     `json:"response,omitempty"`
	InputTokens  int64               `json:"input_tokens"`
	OutputTokens int64               `json:"output_tokens"`
	CompletedAt  *time.Time          `json:"completed_at,omitempty"`
}

// NewItemRecord builds the payload for it.
func NewItemRecord(it jobstore.Item) *ItemRecord {
	return &ItemRecord{
		ItemID:       it.ID,
		Position:     it.Position,
		RecordID:     it.RecordID,
		RecordPOS:    string(it.RecordPOS),
		Status:       it.Status,
		Flagged:      it.Flagged,
		FlagReason:   it.FlagReason,
		LastError:    it.LastError,
		Response:     it.Response,
		InputTokens:  it.InputTokens,
		OutputTokens: it.OutputTokens,
		CompletedAt:  it.CompletedAt,
	}
}

// ErrorRecord is the data payload for error records.
type ErrorRecord struct {
	// Code is a machine-readable error code (e.g., "NOT_FOUND").
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`

	// ItemID is the affected item, if any.
	ItemID string `json:"item_id,omitempty"`

	// Details contains additional structured error information.
	Details any `json:"details,omitempty"`
}

// Standard error codes for ErrorRecord.
const (
	ErrCodeNotFound    = "NOT_FOUND"
	ErrCodeStore       = "STORE_UNAVAILABLE"
	ErrCodeInterrupted = "INTERRUPTED"
	ErrCodeInternal    = "INTERNAL"
)

// ProgressRecord is the data payload for progress snapshots.
type ProgressRecord struct {
	Status jobstore.JobStatus `json:"status"`
	jobstore.Counters
	LastError string `json:"last_error,omitempty"`
}

// SummaryRecord is the data payload for the final record of an export.
type SummaryRecord struct {
	Status jobstore.JobStatus `json:"status"`
	jobstore.Counters

	// Skipped is the number of items skipped by a cancel or a job failure.
	Skipped int `json:"skipped_items"`

	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`

	// Exported is the number of item records written.
	Exported int64 `json:"exported_items"`

	Duration      time.Duration `json:"duration_ns"`
	DurationHuman string        `json:"duration"`
}

// Output errors.
var (
	// ErrWriterClosed indicates a write was attempted after Close.
	ErrWriterClosed = errors.New("writer is closed")
)

// WriteError wraps errors that occur during record writing.
type WriteError struct {
	Op  string // Operation that failed (e.g., "marshal_data", "write")
	Err error  // Underlying error
}

// Error implements the error interface.
func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *WriteError) Unwrap() error {
	return e.Err
}
