package s3

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/3leaps/lexbatch/pkg/provider"
)

// Provider implements provider.Provider for AWS S3 and S3-compatible storage.
type Provider struct {
	client *s3.Client
	bucket string
}

var _ provider.Provider = (*Provider)(nil)

// New creates an S3 provider. The SDK default credential chain is used
// unless explicit credentials are configured.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, &provider.ProviderError{Op: "New", Provider: provider.ProviderS3, Bucket: cfg.Bucket, Err: err}
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ForcePathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return &Provider{client: client, bucket: cfg.Bucket}, nil
}

func loadAWSConfig(ctx context.Context, cfg Config) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error

	// An explicit region wins; otherwise the SDK resolves env and profile.
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}
	awsCfg.Region = resolveRegion(cfg.Endpoint, awsCfg.Region)
	return awsCfg, nil
}

// Put uploads an export object.
func (p *Provider) Put(ctx context.Context, key string, body io.Reader, contentLength int64, meta provider.PutOptions) error {
	input := &s3.PutObjectInput{
		Bucket:        aws.String(p.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(contentLength),
		Metadata:      meta.Metadata,
	}
	if meta.ContentType != "" {
		input.ContentType = aws.String(meta.ContentType)
	}
	if _, err := p.client.PutObject(ctx, input); err != nil {
		return p.wrapError("Put", key, err)
	}
	return nil
}

// Head returns metadata for a single object.
func (p *Provider) Head(ctx context.Context, key string) (*provider.ObjectMeta, error) {
	out, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(p.bucket), Key: aws.String(key)})
	if err != nil {
		return nil, p.wrapError("Head", key, err)
	}
	return &provider.ObjectMeta{
		ObjectSummary: provider.ObjectSummary{
			Key:          key,
			Size:         aws.ToInt64(out.ContentLength),
			ETag:         cleanETag(aws.ToString(out.ETag)),
			LastModified: aws.ToTime(out.LastModified),
		},
		ContentType: aws.ToString(out.ContentType),
		Metadata:    out.Metadata,
	}, nil
}

// Close is a no-op; the S3 client holds no resources.
func (p *Provider) Close() error {
	return nil
}

// wrapError converts S3 errors to provider errors with appropriate sentinel errors.
func (p *Provider) wrapError(op, key string, err error) error {
	wrapped := &provider.ProviderError{
		Op:       op,
		Provider: provider.ProviderS3,
		Bucket:   p.bucket,
		Key:      key,
		Err:      err,
	}

	// Check for specific S3 error types first
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	var noSuchBucket *types.NoSuchBucket

	switch {
	case errors.As(err, &notFound), errors.As(err, &noSuchKey):
		wrapped.Err = provider.ErrNotFound
		return wrapped
	case errors.As(err, &noSuchBucket):
		wrapped.Err = provider.ErrBucketNotFound
		return wrapped
	}

	// Check smithy API errors for error codes
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		switch code {
		case "NoSuchKey", "NotFound":
			wrapped.Err = provider.ErrNotFound
		case "NoSuchBucket":
			wrapped.Err = provider.ErrBucketNotFound
		case "AccessDenied", "Forbidden":
			wrapped.Err = provider.ErrAccessDenied
		case "InvalidAccessKeyId", "SignatureDoesNotMatch":
			wrapped.Err = provider.ErrInvalidCredentials
		case "SlowDown", "Throttling", "RequestLimitExceeded":
			wrapped.Err = provider.ErrThrottled
		case "ServiceUnavailable", "InternalError":
			wrapped.Err = provider.ErrProviderUnavailable
		}
		return wrapped
	}

	// Fallback: check error message for common cases
	errMsg := err.Error()
	switch {
	case strings.Contains(errMsg, "NoSuchKey") || strings.Contains(errMsg, "NotFound") || strings.Contains(errMsg, "404"):
		wrapped.Err = provider.ErrNotFound
	case strings.Contains(errMsg, "NoSuchBucket"):
		wrapped.Err = provider.ErrBucketNotFound
	case strings.Contains(errMsg, "AccessDenied") || strings.Contains(errMsg, "Forbidden") || strings.Contains(errMsg, "403"):
		wrapped.Err = provider.ErrAccessDenied
	case strings.Contains(errMsg, "InvalidAccessKeyId") || strings.Contains(errMsg, "SignatureDoesNotMatch"):
		wrapped.Err = provider.ErrInvalidCredentials
	case strings.Contains(errMsg, "SlowDown") || strings.Contains(errMsg, "Throttling") || strings.Contains(errMsg, "429"):
		wrapped.Err = provider.ErrThrottled
	case strings.Contains(errMsg, "ServiceUnavailable") || strings.Contains(errMsg, "503"):
		wrapped.Err = provider.ErrProviderUnavailable
	}

	return wrapped
}

// cleanETag removes surrounding quotes from an ETag value.
// S3 returns ETags with quotes, e.g., "d41d8cd98f00b204e9800998ecf8427e".
func cleanETag(etag string) string {
	return strings.Trim(etag, "\"")
}

// resolveRegion applies the us-east-1 fallback for AWS when the SDK found
// no region. S3-compatible endpoints get no default.
func resolveRegion(endpoint, sdkRegion string) string {
	if sdkRegion != "" {
		return sdkRegion
	}
	if endpoint == "" {
		return DefaultAWSRegion
	}
	return ""
}
