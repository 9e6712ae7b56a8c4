// Package cloudtest provides helpers for S3 export integration tests using
// moto.
//
// Tests using this package should be tagged with //go:build cloudintegration.
//
// Usage:
//
//	func TestExportToS3(t *testing.T) {
//	    cloudtest.SkipIfUnavailable(t)
//	    bucket := cloudtest.CreateBucket(t, ctx)
//	    // ... export to s3://bucket/key ...
//	    data := cloudtest.GetObject(t, ctx, bucket, "key")
//	}
package cloudtest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const (
	// DefaultEndpoint is the default moto server endpoint.
	// Port 5555 avoids conflict with macOS AirTunes on 5000.
	DefaultEndpoint = "http://localhost:5555"

	DefaultRegion = "us-east-1"

	// moto accepts any credentials.
	TestAccessKeyID     = "testing"
	TestSecretAccessKey = "testing"
)

var (
	// Endpoint is the moto server endpoint, configurable via MOTO_ENDPOINT.
	Endpoint = getEnvOrDefault("MOTO_ENDPOINT", DefaultEndpoint)

	// Region is the AWS region for tests, configurable via MOTO_REGION.
	Region = getEnvOrDefault("MOTO_REGION", DefaultRegion)

	client     *s3.Client
	clientOnce sync.Once
	clientErr  error
)

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// Available checks if the moto server is reachable.
func Available() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, Endpoint+"/moto-api/", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// SkipIfUnavailable skips the test if moto server is not available.
func SkipIfUnavailable(t *testing.T) {
	t.Helper()
	if !Available() {
		t.Skipf("moto server not available at %s (start with: make moto-start)", Endpoint)
	}
}

// SetCredentialsEnv points the default AWS credential chain at moto for the
// duration of the test, so code that builds its own S3 client finds it.
func SetCredentialsEnv(t *testing.T) {
	t.Helper()
	t.Setenv("AWS_ACCESS_KEY_ID", TestAccessKeyID)
	t.Setenv("AWS_SECRET_ACCESS_KEY", TestSecretAccessKey)
	t.Setenv("AWS_REGION", Region)
	t.Setenv("AWS_PROFILE", "")
}

// Client returns a shared S3 client configured for moto.
func Client() (*s3.Client, error) {
	clientOnce.Do(func() {
		cfg, err := config.LoadDefaultConfig(context.Background(),
			config.WithRegion(Region),
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				TestAccessKeyID,
				TestSecretAccessKey,
				"",
			)),
		)
		if err != nil {
			clientErr = fmt.Errorf("load config: %w", err)
			return
		}
		client = s3.NewFromConfig(cfg, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(Endpoint)
			o.UsePathStyle = true
		})
	})
	return client, clientErr
}

// ClientT returns the S3 client, failing the test on error.
func ClientT(t *testing.T) *s3.Client {
	t.Helper()
	c, err := Client()
	if err != nil {
		t.Fatalf("failed to create S3 client: %v", err)
	}
	return c
}

// CreateBucket creates a bucket named after the test and registers cleanup.
func CreateBucket(t *testing.T, ctx context.Context) string {
	t.Helper()
	c := ClientT(t)

	name := strings.ToLower(t.Name())
	name = strings.ReplaceAll(name, "/", "-")
	name = strings.ReplaceAll(name, "_", "-")
	if len(name) > 50 {
		name = name[:50]
	}
	name = fmt.Sprintf("%s-%d", name, time.Now().UnixNano()%100000)

	if _, err := c.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(name)}); err != nil {
		t.Fatalf("failed to create bucket %s: %v", name, err)
	}
	t.Cleanup(func() {
		DeleteBucket(t, context.Background(), name)
	})
	return name
}

// DeleteBucket deletes a bucket and all its contents.
func DeleteBucket(t *testing.T, ctx context.Context, bucket string) {
	t.Helper()
	c := ClientT(t)

	paginator := s3.NewListObjectsV2Paginator(c, &s3.ListObjectsV2Input{Bucket: aws.String(bucket)})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			t.Logf("warning: failed to list objects in bucket %s: %v", bucket, err)
			return
		}
		for _, obj := range page.Contents {
			if _, err := c.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(bucket), Key: obj.Key}); err != nil {
				t.Logf("warning: failed to delete object %s: %v", *obj.Key, err)
			}
		}
	}
	if _, err := c.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: aws.String(bucket)}); err != nil {
		t.Logf("warning: failed to delete bucket %s: %v", bucket, err)
	}
}

// GetObject downloads an object, failing the test on error.
func GetObject(t *testing.T, ctx context.Context, bucket, key string) ([]byte, *s3.GetObjectOutput) {
	t.Helper()
	out, err := ClientT(t).GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		t.Fatalf("failed to get object %s/%s: %v", bucket, key, err)
	}
	defer func() { _ = out.Body.Close() }()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		t.Fatalf("failed to read object %s/%s: %v", bucket, key, err)
	}
	return data, out
}
