package output

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// Writer outputs JSONL records.
//
// Implementations must be safe for concurrent use from multiple
// goroutines. Each Write* method emits a complete record as a
// single line of JSON followed by a newline.
type Writer interface {
	WriteJob(ctx context.Context, job *JobRecord) error
	WriteItem(ctx context.Context, item *ItemRecord) error
	WriteError(ctx context.Context, err *ErrorRecord) error
	WriteProgress(ctx context.Context, prog *ProgressRecord) error
	WriteSummary(ctx context.Context, sum *SummaryRecord) error

	// Close flushes any buffered output and releases resources.
	Close() error
}

// JSONLWriter writes records as newline-delimited JSON to an io.Writer.
//
// Writes are serialized using a mutex so lines never interleave.
type JSONLWriter struct {
	w     io.Writer
	jobID string
	model string
	now   func() time.Time
	mu    sync.Mutex

	closed bool
}

// NewJSONLWriter creates a new JSONL writer for one job.
func NewJSONLWriter(w io.Writer, jobID, model string) *JSONLWriter {
	return &JSONLWriter{
		w:     w,
		jobID: jobID,
		model: model,
		now:   time.Now,
	}
}

// WriteJob emits the job header.
func (jw *JSONLWriter) WriteJob(ctx context.Context, job *JobRecord) error {
	return jw.writeRecord(ctx, TypeJob, job)
}

// WriteItem emits an item record.
func (jw *JSONLWriter) WriteItem(ctx context.Context, item *ItemRecord) error {
	return jw.writeRecord(ctx, TypeItem, item)
}

// WriteError emits an error record.
func (jw *JSONLWriter) WriteError(ctx context.Context, err *ErrorRecord) error {
	return jw.writeRecord(ctx, TypeError, err)
}

// WriteProgress emits a progress record.
func (jw *JSONLWriter) WriteProgress(ctx context.Context, prog *ProgressRecord) error {
	return jw.writeRecord(ctx, TypeProgress, prog)
}

// WriteSummary emits a summary record.
func (jw *JSONLWriter) WriteSummary(ctx context.Context, sum *SummaryRecord) error {
	return jw.writeRecord(ctx, TypeSummary, sum)
}

// Close marks the writer as closed. The underlying writer is not closed.
func (jw *JSONLWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	jw.closed = true
	return nil
}

func (jw *JSONLWriter) writeRecord(ctx context.Context, recordType string, data any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dataBytes, err := json.Marshal(data)
	if err != nil {
		return &WriteError{Op: "marshal_data", Err: err}
	}

	jw.mu.Lock()
	defer jw.mu.Unlock()

	if jw.closed {
		return ErrWriterClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	record := Record{
		Type:  recordType,
		TS:    jw.now().UTC(),
		JobID: jw.jobID,
		Model: jw.model,
		Data:  dataBytes,
	}
	recordBytes, err := json.Marshal(record)
	if err != nil {
		return &WriteError{Op: "marshal_record", Err: err}
	}

	// io.Writer may report a short write with a nil error; a truncated line
	// would corrupt the stream.
	recordBytes = append(recordBytes, '\n')
	if err := writeAll(jw.w, recordBytes); err != nil {
		return &WriteError{Op: "write", Err: err}
	}
	return nil
}

func writeAll(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}

var _ Writer = (*JSONLWriter)(nil)
