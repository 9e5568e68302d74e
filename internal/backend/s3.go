package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/chunkdrive/chunkdrive/internal/config"
	"github.com/chunkdrive/chunkdrive/internal/errs"
)

const (
	kindS3 = "s3"

	// Single PUT ceiling.
	maxS3Object = 5 << 30
)

// S3 stores chunks as objects in an S3-compatible bucket under an optional
// key prefix.
type S3 struct {
	client        *s3.Client
	bucket        string
	prefix        string
	maxObjectSize int64
}

// NewS3 builds an S3 client for cfg. Retries are left to the retry
// decorator, so the SDK's own retryer is disabled.
func NewS3(ctx context.Context, cfg config.S3Source, httpClient *http.Client) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, &errs.ConfigError{Field: "source.bucket", Msg: "is required"}
	}
	if cfg.Region == "" {
		return nil, &errs.ConfigError{Field: "source.region", Msg: "is required"}
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithRetryer(func() aws.Retryer { return aws.NopRetryer{} }),
	}
	if httpClient != nil {
		loadOpts = append(loadOpts, awsconfig.WithHTTPClient(httpClient))
	}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
		// Many S3-compatible stores reject the newer default checksums.
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})

	maxSize := cfg.MaxObjectSize.Bytes()
	if maxSize == 0 {
		maxSize = maxS3Object
	}
	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &S3{client: client, bucket: cfg.Bucket, prefix: prefix, maxObjectSize: maxSize}, nil
}

func (b *S3) objectKey(key string) string { return b.prefix + key }

// Put uploads data under name.
func (b *S3) Put(ctx context.Context, name string, data []byte) (string, error) {
	if err := validKey(kindS3, "put", name); err != nil {
		return "", err
	}
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(b.objectKey(name)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/octet-stream"),
	})
	if err != nil {
		return "", classifyS3("put", err)
	}
	return name, nil
}

// Get downloads an object.
func (b *S3) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validKey(kindS3, "get", key); err != nil {
		return nil, err
	}
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(key)),
	})
	if err != nil {
		return nil, classifyS3("get", err)
	}
	defer func() { _ = out.Body.Close() }()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, networkError(kindS3, "get", err)
	}
	return data, nil
}

// Delete removes an object. S3 deletes are already idempotent; a 404 from a
// stricter implementation is treated the same way.
func (b *S3) Delete(ctx context.Context, key string) error {
	if err := validKey(kindS3, "delete", key); err != nil {
		return err
	}
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(key)),
	})
	if err != nil {
		if cerr := classifyS3("delete", err); !errors.Is(cerr, errs.ErrNotFound) {
			return cerr
		}
	}
	return nil
}

// List pages through every object under the prefix.
func (b *S3) List(ctx context.Context) ([]Object, error) {
	var objs []Object
	p := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(b.prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, classifyS3("list", err)
		}
		for _, o := range page.Contents {
			key := strings.TrimPrefix(aws.ToString(o.Key), b.prefix)
			if key == "" || strings.Contains(key, "/") {
				continue
			}
			objs = append(objs, Object{Key: key, Size: aws.ToInt64(o.Size)})
		}
	}
	return objs, nil
}

func (b *S3) Info() Info {
	return Info{Kind: kindS3, MaxObjectSize: b.maxObjectSize, NamedKeys: true, Listable: true}
}

// classifyS3 sorts SDK failures. Region mismatches are kept apart from bad
// credentials because they call for different fixes.
func classifyS3(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}

	status := 0
	var re *smithyhttp.ResponseError
	if errors.As(err, &re) {
		status = re.HTTPStatusCode()
	}
	code := ""
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code = apiErr.ErrorCode()
	}

	e := errs.Backend(kindS3, op, errs.Permanent, errs.ReasonInvalid, status, err)
	var nsk *types.NoSuchKey
	switch {
	case code == "AuthorizationHeaderMalformed", code == "PermanentRedirect",
		code == "IllegalLocationConstraintException", status == http.StatusMovedPermanently:
		e.Reason = errs.ReasonRegion
	case code == "InvalidAccessKeyId", code == "SignatureDoesNotMatch":
		e.Reason = errs.ReasonAuth
	case code == "AccessDenied", status == http.StatusForbidden:
		e.Reason = errs.ReasonAccessDenied
	case errors.As(err, &nsk), code == "NoSuchKey", code == "NotFound", status == http.StatusNotFound:
		e.Reason = errs.ReasonNotFound
	case code == "SlowDown", code == "Throttling", code == "RequestLimitExceeded",
		status == http.StatusTooManyRequests, status == http.StatusServiceUnavailable:
		e.Kind, e.Reason = errs.Transient, errs.ReasonRateLimit
	case code == "RequestTimeout", code == "InternalError", status >= 500:
		e.Kind, e.Reason = errs.Transient, errs.ReasonServer
	case status == http.StatusUnauthorized:
		e.Reason = errs.ReasonAuth
	case re == nil && apiErr == nil:
		// No response at all: connection refused, reset, timeout.
		e.Kind, e.Reason = errs.Transient, errs.ReasonNetwork
	}
	return e
}
