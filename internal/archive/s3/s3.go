// Package s3 is the production archive.Backend: it writes each tenant's
// batch of aged RawEvents as a single gzip-compressed newline-delimited
// JSON object to S3.
package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/gzip"

	"centinela/internal/archive"
	"centinela/internal/model"
)

// Factory parameter keys, read from ARCHIVE_BUCKET / ARCHIVE_PREFIX /
// ARCHIVE_REGION at the call site.
const (
	ParamBucket = "bucket"
	ParamPrefix = "prefix"
	ParamRegion = "region"
)

var _ archive.Backend = (*Backend)(nil)

// Client is the subset of *s3.Client the Backend calls, so tests can
// substitute a fake without standing up a real S3 endpoint.
type Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Backend writes archive batches to S3.
type Backend struct {
	client Client
	bucket string
	prefix string
}

// Config configures a Backend directly (tests, or callers that already
// have an s3.Client). Production wiring should prefer NewFactory.
type Config struct {
	Client Client
	Bucket string
	Prefix string
}

// New builds a Backend from an already-constructed client.
func New(cfg Config) *Backend {
	return &Backend{client: cfg.Client, bucket: cfg.Bucket, prefix: cfg.Prefix}
}

// NewFactory returns an archive.BackendFactory that builds S3-backed
// Backends: load the default AWS credential/config chain, validate the
// bucket parameter, return a constructed Backend. Mirrors the teacher's
// chunk/file.NewFactory: validate required params, apply defaults, fail
// with a descriptive error rather than starting any background I/O.
func NewFactory() archive.BackendFactory {
	return func(params map[string]string, logger *slog.Logger) (archive.Backend, error) {
		bucket, ok := params[ParamBucket]
		if !ok || bucket == "" {
			return nil, fmt.Errorf("missing required parameter: %s", ParamBucket)
		}

		var opts []func(*awsconfig.LoadOptions) error
		if region := params[ParamRegion]; region != "" {
			opts = append(opts, awsconfig.WithRegion(region))
		}

		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}

		return &Backend{
			client: s3.NewFromConfig(awsCfg),
			bucket: bucket,
			prefix: params[ParamPrefix],
		}, nil
	}
}

// WriteBatch implements archive.Backend.
func (b *Backend) WriteBatch(ctx context.Context, tenantID string, asOf time.Time, events []model.RawEvent) (string, error) {
	body, err := encodeBatch(events)
	if err != nil {
		return "", err
	}

	key := objectKey(b.prefix, tenantID, asOf)
	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(b.bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(body),
		ContentType:     aws.String("application/x-ndjson"),
		ContentEncoding: aws.String("gzip"),
	})
	if err != nil {
		return "", fmt.Errorf("put object %s: %w", key, err)
	}

	return key, nil
}

func encodeBatch(events []model.RawEvent) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	enc := json.NewEncoder(gz)
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			return nil, fmt.Errorf("encode raw event %s: %w", ev.ID, err)
		}
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("close gzip writer: %w", err)
	}
	return buf.Bytes(), nil
}

func objectKey(prefix, tenantID string, asOf time.Time) string {
	name := fmt.Sprintf("%s/%s/%s.ndjson.gz", tenantID, asOf.Format("2006/01/02"), asOf.Format("20060102T150405.000000000Z"))
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}
