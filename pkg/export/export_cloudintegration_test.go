//go:build cloudintegration

package export

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/lexbatch/pkg/output"
	"github.com/3leaps/lexbatch/test/cloudtest"
)

func TestExport_S3Moto(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	cloudtest.SetCredentialsEnv(t)
	ctx := context.Background()

	bucket := cloudtest.CreateBucket(t, ctx)
	jobs := newJobStore(t)
	job := createJob(t, jobs, 2)
	_, err := jobs.CancelJob(ctx, job.ID)
	require.NoError(t, err)

	exp := New(jobs, S3Options{
		Region:         cloudtest.Region,
		Endpoint:       cloudtest.Endpoint,
		ForcePathStyle: true,
	}, nil)
	res, err := exp.Export(ctx, job.ID, "s3://"+bucket+"/exports/"+job.ID+".jsonl")
	require.NoError(t, err)
	assert.EqualValues(t, 2, res.Items)
	assert.NotEmpty(t, res.ETag)

	data, obj := cloudtest.GetObject(t, ctx, bucket, "exports/"+job.ID+".jsonl")
	assert.EqualValues(t, res.Bytes, len(data))
	assert.Equal(t, ContentType, aws.ToString(obj.ContentType))

	recs := readRecords(t, data)
	require.Len(t, recs, 4)
	assert.Equal(t, output.TypeJob, recs[0].Type)
	assert.Equal(t, output.TypeSummary, recs[3].Type)
}
