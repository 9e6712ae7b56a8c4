package output

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/lexbatch/pkg/jobstore"
	"github.com/3leaps/lexbatch/pkg/lexicon"
)

func decodeLines(t *testing.T, s string) []Record {
	t.Helper()
	var out []Record
	for _, line := range strings.Split(strings.TrimSpace(s), "\n") {
		var r Record
		require.NoError(t, json.Unmarshal([]byte(line), &r), line)
		out = append(out, r)
	}
	return out
}

func TestNewJSONLWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "job-123", "gpt-5-mini")

	assert.NotNil(t, w)
	assert.Equal(t, "job-123", w.jobID)
	assert.Equal(t, "gpt-5-mini", w.model)
}

func TestJSONLWriter_WriteItem(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "job-123", "gpt-5-mini")

	flagged := true
	completed := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	it := jobstore.Item{
		ID: "item-1", Position: 3, RecordID: "run.v.01", RecordPOS: lexicon.Verbs,
		Status: jobstore.ItemSucceeded, Flagged: &flagged, FlagReason: "violent",
		Response: json.RawMessage(`{"flagged":true,"reason":"violent"}`), InputTokens: 12, OutputTokens: 4,
		CompletedAt: &completed,
	}
	require.NoError(t, w.WriteItem(context.Background(), NewItemRecord(it)))

	records := decodeLines(t, buf.String())
	require.Len(t, records, 1)
	assert.Equal(t, TypeItem, records[0].Type)
	assert.Equal(t, "job-123", records[0].JobID)
	assert.Equal(t, "gpt-5-mini", records[0].Model)
	assert.False(t, records[0].TS.IsZero())

	var got ItemRecord
	require.NoError(t, json.Unmarshal(records[0].Data, &got))
	assert.Equal(t, "run.v.01", got.RecordID)
	assert.Equal(t, "verbs", got.RecordPOS)
	assert.Equal(t, 3, got.Position)
	require.NotNil(t, got.Flagged)
	assert.True(t, *got.Flagged)
	assert.Nil(t, got.LastError)
	assert.JSONEq(t, `{"flagged":true,"reason":"violent"}`, string(got.Response))
	assert.Equal(t, completed, *got.CompletedAt)
}

func TestItemRecord_NullableFields(t *testing.T) {
	data, err := json.Marshal(NewItemRecord(jobstore.Item{ID: "i", RecordID: "r", RecordPOS: lexicon.Nouns, Status: jobstore.ItemQueued}))
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Contains(t, m, "flagged")
	assert.Nil(t, m["flagged"])
	assert.Contains(t, m, "last_error")
	assert.NotContains(t, m, "response")
	assert.NotContains(t, m, "completed_at")
}

func TestJSONLWriter_JobAndSummary(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "job-9", "m")

	job := &jobstore.Job{
		ID: "job-9", Label: "nightly", Model: "m", Template: "{{gloss}}",
		Scope: json.RawMessage(`{"kind":"ids"}`), ServiceTier: "flex", ReasoningEffort: "low",
		Status: jobstore.JobCompleted, CreatedAt: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, w.WriteJob(context.Background(), NewJobRecord(job)))
	require.NoError(t, w.WriteSummary(context.Background(), &SummaryRecord{
		Status:   jobstore.JobCompleted,
		Counters: jobstore.Counters{Total: 2, Submitted: 2, Processed: 2, Succeeded: 1, Failed: 1},
		Exported: 2,
	}))

	records := decodeLines(t, buf.String())
	require.Len(t, records, 2)
	assert.Equal(t, TypeJob, records[0].Type)
	assert.Equal(t, TypeSummary, records[1].Type)

	var header map[string]any
	require.NoError(t, json.Unmarshal(records[0].Data, &header))
	assert.Equal(t, "nightly", header["label"])
	assert.Equal(t, map[string]any{"kind": "ids"}, header["scope"])

	var sum map[string]any
	require.NoError(t, json.Unmarshal(records[1].Data, &sum))
	assert.EqualValues(t, 2, sum["total_items"], "counters are inlined")
	assert.EqualValues(t, 1, sum["failed_items"])
	assert.EqualValues(t, 2, sum["exported_items"])
}

func TestJSONLWriter_WriteErrorAndProgress(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "job-1", "m")

	require.NoError(t, w.WriteError(context.Background(), &ErrorRecord{Code: ErrCodeStore, Message: "database is locked"}))
	require.NoError(t, w.WriteProgress(context.Background(), &ProgressRecord{
		Status:   jobstore.JobRunning,
		Counters: jobstore.Counters{Total: 10, Submitted: 4, Processed: 2},
	}))

	records := decodeLines(t, buf.String())
	require.Len(t, records, 2)
	assert.Equal(t, TypeError, records[0].Type)
	assert.JSONEq(t, `{"code":"STORE_UNAVAILABLE","message":"database is locked"}`, string(records[0].Data))
	assert.Equal(t, TypeProgress, records[1].Type)
}

func TestJSONLWriter_Close(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "job-123", "m")

	require.NoError(t, w.Close())

	err := w.WriteItem(context.Background(), &ItemRecord{ItemID: "i"})
	assert.ErrorIs(t, err, ErrWriterClosed)
}

func TestJSONLWriter_ConcurrentWrites(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "job-123", "m")

	const numWriters = 10
	const writesPerWriter = 100

	var wg sync.WaitGroup
	wg.Add(numWriters)
	for i := 0; i < numWriters; i++ {
		go func(writerID int) {
			defer wg.Done()
			for j := 0; j < writesPerWriter; j++ {
				_ = w.WriteItem(context.Background(), &ItemRecord{ItemID: "i", Position: writerID*writesPerWriter + j})
			}
		}(i)
	}
	wg.Wait()

	// No interleaving: every line is a complete record.
	assert.Len(t, decodeLines(t, buf.String()), numWriters*writesPerWriter)
}

func TestJSONLWriter_ContextCancellation(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "job-123", "m")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := w.WriteItem(ctx, &ItemRecord{ItemID: "i"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, buf.String())
}

func TestJSONLWriter_WriteFailure(t *testing.T) {
	w := NewJSONLWriter(&failingWriter{err: errors.New("disk full")}, "job-123", "m")

	err := w.WriteItem(context.Background(), &ItemRecord{ItemID: "i"})
	require.Error(t, err)

	var writeErr *WriteError
	require.True(t, errors.As(err, &writeErr))
	assert.Equal(t, "write", writeErr.Op)
}

type failingWriter struct {
	err error
}

func (f *failingWriter) Write(p []byte) (n int, err error) {
	return 0, f.err
}

func TestJSONLWriter_ShortWrite(t *testing.T) {
	sw := &shortWriteWriter{bytesPerWrite: 10}
	w := NewJSONLWriter(sw, "job-123", "m")

	require.NoError(t, w.WriteItem(context.Background(), &ItemRecord{ItemID: "item-1", RecordID: "dog.n.01"}))

	records := decodeLines(t, sw.buf.String())
	require.Len(t, records, 1)
	assert.Equal(t, TypeItem, records[0].Type)
}

func TestJSONLWriter_ZeroWrite(t *testing.T) {
	w := NewJSONLWriter(&zeroWriteWriter{}, "job-123", "m")

	err := w.WriteItem(context.Background(), &ItemRecord{ItemID: "i"})
	require.Error(t, err)
	assert.ErrorIs(t, err, io.ErrShortWrite)
}

// shortWriteWriter writes at most bytesPerWrite bytes per call.
type shortWriteWriter struct {
	buf           bytes.Buffer
	bytesPerWrite int
}

func (sw *shortWriteWriter) Write(p []byte) (n int, err error) {
	return sw.buf.Write(p[:min(len(p), sw.bytesPerWrite)])
}

type zeroWriteWriter struct{}

func (zw *zeroWriteWriter) Write(p []byte) (n int, err error) {
	return 0, nil
}

func TestWriteError(t *testing.T) {
	underlying := errors.New("underlying error")
	err := &WriteError{Op: "marshal", Err: underlying}

	assert.Equal(t, "output: marshal: underlying error", err.Error())
	assert.ErrorIs(t, err, underlying)
}
