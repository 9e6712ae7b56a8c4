package moderation

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/lexbatch/pkg/estimate"
	"github.com/3leaps/lexbatch/pkg/export"
	"github.com/3leaps/lexbatch/pkg/jobstore"
	"github.com/3leaps/lexbatch/pkg/lexicon"
	"github.com/3leaps/lexbatch/pkg/lexicon/lexicontest"
	"github.com/3leaps/lexbatch/pkg/manifest"
	"github.com/3leaps/lexbatch/pkg/pricing"
	"github.com/3leaps/lexbatch/pkg/scope"
	"github.com/3leaps/lexbatch/pkg/sqlstore"
	"github.com/3leaps/lexbatch/pkg/template"
)

func newJobStore(t *testing.T) *jobstore.Store {
	t.Helper()
	ctx := context.Background()
	db, err := sqlstore.Open(ctx, sqlstore.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, jobstore.Migrate(ctx, db))
	return jobstore.New(db)
}

func newService(t *testing.T, records *lexicon.Store, opts Options) (*Service, *jobstore.Store) {
	t.Helper()
	jobs := newJobStore(t)
	return New(records, jobs, opts), jobs
}

func motionRequest() CreateJobRequest {
	return CreateJobRequest{
		Label:    "motion",
		Model:    "gemini-2.5-flash",
		Template: "Review {{id}}: {{gloss}}",
		Scope:    scope.FrameIDs(true, "Motion"),
	}
}

func TestValidateScope(t *testing.T) {
	svc, _ := newService(t, lexicontest.Nouns(t, 12), Options{})

	v, err := svc.ValidateScope(context.Background(), scope.Filter(lexicon.Nouns, nil, 0))
	require.NoError(t, err)
	assert.Equal(t, 12, v.TotalItems)
	require.Len(t, v.Sample, SampleSize)
	assert.Equal(t, "item0001.n.01", v.Sample[0].ID)
}

func TestValidateScope_Invalid(t *testing.T) {
	svc, _ := newService(t, lexicontest.Seeded(t), Options{})

	_, err := svc.ValidateScope(context.Background(), scope.IDs(lexicon.Verbs, "run.v.01", "fly.v.09"))
	var verr *scope.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, verr.Identifiers, "fly.v.09")
}

func TestPreview(t *testing.T) {
	svc, _ := newService(t, lexicontest.Seeded(t), Options{})

	res, err := svc.Preview(context.Background(), PreviewRequest{
		Model:    "gemini-2.5-flash",
		Template: "{{gloss}}\n{{examples}}\n{{unknown}}",
		Scope:    scope.IDs(lexicon.Verbs, "run.v.01", "walk.v.01", "think.v.01"),
		Page:     1,
		PageSize: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.TotalEntries)
	require.Len(t, res.Previews, 2)
	assert.Equal(t, "run.v.01", res.Previews[0].RecordID)
	assert.Equal(t, "to move quickly\nhe ran\nshe ran fast\n{{unknown}}", res.Previews[0].Prompt)
	assert.Equal(t, []string{"gloss", "examples"}, res.Previews[0].Used)
	assert.Contains(t, res.Variables, "lemmas_json")

	res, err = svc.Preview(context.Background(), PreviewRequest{
		Model:    "gemini-2.5-flash",
		Template: "{{gloss}}",
		Scope:    scope.IDs(lexicon.Verbs, "run.v.01", "walk.v.01", "think.v.01"),
		Page:     2,
		PageSize: 2,
	})
	require.NoError(t, err)
	require.Len(t, res.Previews, 1)
	assert.Equal(t, "think.v.01", res.Previews[0].RecordID)

	res, err = svc.Preview(context.Background(), PreviewRequest{
		Model:    "gemini-2.5-flash",
		Template: "{{gloss}}",
		Scope:    scope.IDs(lexicon.Verbs, "run.v.01"),
		Page:     5,
	})
	require.NoError(t, err)
	assert.Empty(t, res.Previews)
	assert.Equal(t, 1, res.TotalEntries)
}

func TestPreview_RendersIdenticallyToSubmission(t *testing.T) {
	records := lexicontest.Seeded(t)
	svc, _ := newService(t, records, Options{})
	tpl := "{{lemmas_json}} | {{examples_json}} | {{frame_name}}"

	res, err := svc.Preview(context.Background(), PreviewRequest{
		Model: "m", Template: tpl, Scope: scope.IDs(lexicon.Verbs, "walk.v.01"),
	})
	require.NoError(t, err)

	rec, err := records.GetOne(context.Background(), lexicon.Ref{ID: "walk.v.01", POS: lexicon.Verbs})
	require.NoError(t, err)
	direct, err := template.Render(tpl, rec)
	require.NoError(t, err)
	assert.Equal(t, direct.Text, res.Previews[0].Prompt)
}

func TestPreview_RejectsBadParams(t *testing.T) {
	svc, _ := newService(t, lexicontest.Seeded(t), Options{})
	base := PreviewRequest{Model: "m", Template: "{{gloss}}", Scope: scope.IDs(lexicon.Verbs, "run.v.01")}

	req := base
	req.ServiceTier = "turbo"
	_, err := svc.Preview(context.Background(), req)
	var rerr *RequestError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, "service_tier", rerr.Field)

	req = base
	req.Model = "bad model"
	_, err = svc.Preview(context.Background(), req)
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, "model", rerr.Field)

	req = base
	req.Template = "{{gloss"
	_, err = svc.Preview(context.Background(), req)
	var terr *template.RenderError
	assert.True(t, errors.As(err, &terr))
}

func TestEstimate(t *testing.T) {
	svc, _ := newService(t, lexicontest.Nouns(t, 30), Options{Estimate: estimate.Config{SampleSize: 4}})

	est, err := svc.Estimate(context.Background(), estimate.Request{
		Model:    "gemini-2.5-flash",
		Template: "{{gloss}}",
		Scope:    scope.Filter(lexicon.Nouns, nil, 0),
		Tier:     "flex",
	})
	require.NoError(t, err)
	assert.Equal(t, 30, est.TotalItems)
	assert.Equal(t, 4, est.SampleSize)
	assert.Equal(t, "medium", est.ReasoningEffort)

	_, err = svc.Estimate(context.Background(), estimate.Request{Model: "m", Template: "x", Tier: "gold"})
	var rerr *RequestError
	assert.True(t, errors.As(err, &rerr))
}

func TestEstimateReasoningEffort(t *testing.T) {
	svc, _ := newService(t, lexicontest.Nouns(t, 5), Options{})
	req := estimate.Request{
		Model:           "gemini-2.5-flash",
		Template:        "{{gloss}}",
		Scope:           scope.Filter(lexicon.Nouns, nil, 0),
		ReasoningEffort: "HIGH",
	}

	est, err := svc.Estimate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "high", est.ReasoningEffort)

	req.ReasoningEffort = "max"
	_, err = svc.Estimate(context.Background(), req)
	var rerr *RequestError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, "reasoning_effort", rerr.Field)
}

func TestCreateJob(t *testing.T) {
	ctx := context.Background()
	svc, jobs := newService(t, lexicontest.Seeded(t), Options{})

	job, err := svc.CreateJob(ctx, motionRequest())
	require.NoError(t, err)
	assert.Equal(t, jobstore.JobQueued, job.Status)
	assert.Equal(t, 2, job.Total)
	assert.Equal(t, "default", job.ServiceTier)
	assert.Equal(t, "medium", job.ReasoningEffort)
	assert.NotEmpty(t, job.ScopeHash)

	stored, err := scope.Decode(job.Scope)
	require.NoError(t, err)
	assert.Equal(t, scope.KindFrameIDs, stored.Kind)

	view, err := svc.GetJob(ctx, job.ID, jobstore.ItemsQuery{Bucket: jobstore.BucketPending})
	require.NoError(t, err)
	require.Len(t, view.Items.Items, 2)
	assert.Equal(t, "run.v.01", view.Items.Items[0].RecordID)
	assert.Equal(t, "walk.v.01", view.Items.Items[1].RecordID)

	list, err := jobs.ListJobs(ctx, jobstore.ListQuery{})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestCreateJob_InvalidScopeCreatesNothing(t *testing.T) {
	ctx := context.Background()
	svc, jobs := newService(t, lexicontest.Seeded(t), Options{})

	req := motionRequest()
	req.Scope = scope.FrameIDs(true, "Empty")
	_, err := svc.CreateJob(ctx, req)
	var verr *scope.ValidationError
	require.True(t, errors.As(err, &verr))

	list, err := jobs.ListJobs(ctx, jobstore.ListQuery{})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestCreateJob_Dedupe(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t, lexicontest.Seeded(t), Options{})

	first, err := svc.CreateJob(ctx, motionRequest())
	require.NoError(t, err)

	req := motionRequest()
	req.Dedupe = true
	req.Scope = scope.FrameIDs(true, "motion")
	_, err = svc.CreateJob(ctx, req)
	var dup *DuplicateJobError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, first.ID, dup.Existing.ID)
	assert.True(t, jobstore.IsConflict(err))

	_, err = svc.CancelJob(ctx, first.ID)
	require.NoError(t, err)
	_, err = svc.CreateJob(ctx, req)
	assert.NoError(t, err, "cancelled jobs do not block new ones")
}

func TestCreateJob_Budget(t *testing.T) {
	rates, err := pricing.Parse([]byte("source: test\nmodels:\n  - prefix: m\n    input: 1000000\n    output: 1000000\n"))
	require.NoError(t, err)
	svc, _ := newService(t, lexicontest.Seeded(t), Options{Rates: rates})

	req := motionRequest()
	req.Model = "m-1"
	req.MaxCostUSD = 1
	_, err = svc.CreateJob(context.Background(), req)
	var berr *BudgetError
	require.True(t, errors.As(err, &berr))
	assert.InDelta(t, 1.0, berr.CapUSD, 1e-9)
}

func TestJobLifecycleOperations(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t, lexicontest.Seeded(t), Options{})
	job, err := svc.CreateJob(ctx, motionRequest())
	require.NoError(t, err)

	paused, err := svc.PauseJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobstore.JobPaused, paused.Status)

	resumed, err := svc.ResumeJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobstore.JobQueued, resumed.Status)

	cancelled, err := svc.CancelJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobstore.JobCancelled, cancelled.Status)

	require.NoError(t, svc.DeleteJob(ctx, job.ID))
	_, err = svc.GetJob(ctx, job.ID, jobstore.ItemsQuery{})
	assert.True(t, jobstore.IsNotFound(err))
}

func TestExportJob(t *testing.T) {
	ctx := context.Background()
	jobs := newJobStore(t)
	svc := New(lexicontest.Seeded(t), jobs, Options{})

	_, err := svc.ExportJob(ctx, "x", "out.jsonl")
	assert.ErrorIs(t, err, ErrExportDisabled)

	svc = New(lexicontest.Seeded(t), jobs, Options{Exporter: export.New(jobs, export.S3Options{}, nil)})
	job, err := svc.CreateJob(ctx, motionRequest())
	require.NoError(t, err)

	res, err := svc.ExportJob(ctx, job.ID, filepath.Join(t.TempDir(), "job.jsonl"))
	require.NoError(t, err)
	assert.EqualValues(t, 2, res.Items)
}

func TestRequestFromManifest(t *testing.T) {
	m := &manifest.Manifest{
		Label:           "l",
		Model:           "gpt-5-mini",
		Template:        "{{gloss}}",
		Scope:           scope.IDs(lexicon.Nouns, "dog.n.01"),
		ServiceTier:     "flex",
		ReasoningEffort: "low",
		ApplyFlags:      true,
		Dedupe:          true,
		Estimate:        manifest.EstimateConfig{OutputTokensPerItem: 12, MaxCostUSD: 3},
	}
	req := RequestFromManifest(m)
	assert.Equal(t, "gpt-5-mini", req.Model)
	assert.True(t, req.ApplyFlags)
	assert.True(t, req.Dedupe)
	assert.InDelta(t, 3.0, req.MaxCostUSD, 1e-9)

	er := req.EstimateRequest()
	assert.Equal(t, "flex", er.Tier)
	assert.Equal(t, "low", er.ReasoningEffort)
	assert.Equal(t, 12, er.OutputTokensPerItem)
}
