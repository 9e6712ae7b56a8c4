// Package export writes a job and its items as JSONL to a local file or an
// S3 object.
package export

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/lexbatch/pkg/jobstore"
	"github.com/3leaps/lexbatch/pkg/output"
	"github.com/3leaps/lexbatch/pkg/provider"
	"github.com/3leaps/lexbatch/pkg/provider/file"
	"github.com/3leaps/lexbatch/pkg/provider/s3"
)

// ContentType is the media type of an export object.
const ContentType = "application/x-ndjson"

// JobSource reads a job and streams its items.
type JobSource interface {
	GetJob(ctx context.Context, id string) (*jobstore.Job, error)
	EachItem(ctx context.Context, jobID string, fn func(jobstore.Item) error) error
}

// S3Options configures S3 destinations. Bucket comes from the URI.
type S3Options struct {
	Region         string `mapstructure:"region"`
	Endpoint       string `mapstructure:"endpoint"`
	Profile        string `mapstructure:"profile"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`

	// Explicit keys override the SDK credential chain when both are set.
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

// Opener returns the provider serving dest.
type Opener func(ctx context.Context, dest provider.Destination) (provider.Provider, error)

// Result describes a finished export.
type Result struct {
	Destination string    `json:"destination"`
	JobID       string    `json:"job_id"`
	Items       int64     `json:"items"`
	Bytes       int64     `json:"bytes"`
	ETag        string    `json:"etag,omitempty"`
	WrittenAt   time.Time `json:"written_at"`
}

// Exporter renders jobs to JSONL and uploads them.
type Exporter struct {
	jobs   JobSource
	open   Opener
	logger *zap.Logger
}

// New creates an exporter that opens providers from s3opts. A nil logger
// is replaced by a no-op logger.
func New(jobs JobSource, s3opts S3Options, logger *zap.Logger) *Exporter {
	return NewWithOpener(jobs, DefaultOpener(s3opts), logger)
}

// NewWithOpener creates an exporter with a custom provider factory.
func NewWithOpener(jobs JobSource, open Opener, logger *zap.Logger) *Exporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exporter{jobs: jobs, open: open, logger: logger}
}

// DefaultOpener opens file destinations relative to their directory and S3
// destinations with opts.
func DefaultOpener(opts S3Options) Opener {
	return func(ctx context.Context, dest provider.Destination) (provider.Provider, error) {
		switch dest.Provider {
		case provider.ProviderFile:
			return file.New(file.Config{BaseDir: dest.Dir})
		case provider.ProviderS3:
			return s3.New(ctx, s3.Config{
				Bucket:          dest.Bucket,
				Region:          opts.Region,
				Endpoint:        opts.Endpoint,
				Profile:         opts.Profile,
				ForcePathStyle:  opts.ForcePathStyle,
				AccessKeyID:     opts.AccessKeyID,
				SecretAccessKey: opts.SecretAccessKey,
			})
		}
		return nil, fmt.Errorf("%w: %s", provider.ErrUnsupportedProvider, dest.Provider)
	}
}

// Export writes job jobID to uri. The whole export is rendered before the
// upload, so a failed export never leaves a partial object behind.
func (e *Exporter) Export(ctx context.Context, jobID, uri string) (*Result, error) {
	dest, err := provider.ParseDestination(uri)
	if err != nil {
		return nil, err
	}

	job, err := e.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	items, err := Render(ctx, &buf, job, e.jobs)
	if err != nil {
		return nil, err
	}

	prov, err := e.open(ctx, dest)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dest, err)
	}
	defer func() { _ = prov.Close() }()

	size := int64(buf.Len())
	meta := provider.PutOptions{
		ContentType: ContentType,
		Metadata: map[string]string{
			"lexbatch-job-id": job.ID,
			"lexbatch-status": string(job.Status),
		},
	}
	if err := prov.Put(ctx, dest.Key, &buf, size, meta); err != nil {
		return nil, err
	}

	res := &Result{Destination: dest.String(), JobID: job.ID, Items: items, Bytes: size, WrittenAt: time.Now().UTC()}
	if head, err := prov.Head(ctx, dest.Key); err == nil {
		res.ETag = head.ETag
	} else {
		e.logger.Warn("export written but head failed", zap.String("destination", res.Destination), zap.Error(err))
	}

	e.logger.Info("job exported",
		zap.String("job_id", job.ID),
		zap.String("destination", res.Destination),
		zap.Int64("items", items),
		zap.Int64("bytes", size),
	)
	return res, nil
}

// Render writes the job header, every item in scope order and a summary to
// w. It returns the number of item records written.
func Render(ctx context.Context, w io.Writer, job *jobstore.Job, items JobSource) (int64, error) {
	jw := output.NewJSONLWriter(w, job.ID, job.Model)
	defer func() { _ = jw.Close() }()

	if err := jw.WriteJob(ctx, output.NewJobRecord(job)); err != nil {
		return 0, err
	}

	var n, skipped int64
	err := items.EachItem(ctx, job.ID, func(it jobstore.Item) error {
		if it.Status == jobstore.ItemSkipped {
			skipped++
		}
		n++
		return jw.WriteItem(ctx, output.NewItemRecord(it))
	})
	if err != nil {
		return n, err
	}

	sum := &output.SummaryRecord{
		Status:       job.Status,
		Counters:     job.Counters,
		Skipped:      int(skipped),
		InputTokens:  job.InputTokens,
		OutputTokens: job.OutputTokens,
		Exported:     n,
	}
	if job.StartedAt != nil {
		end := job.UpdatedAt
		if job.CompletedAt != nil {
			end = *job.CompletedAt
		}
		sum.Duration = end.Sub(*job.StartedAt)
		sum.DurationHuman = sum.Duration.Round(time.Millisecond).String()
	}
	return n, jw.WriteSummary(ctx, sum)
}
