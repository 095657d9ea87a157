package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"ArenaLedger/internal/ledger"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ObjectPutter is the subset of *s3.Client the archiver needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Options configures the S3-compatible target. Endpoint is optional and switches the
// client to path-style addressing (MinIO, R2).
type Options struct {
	Bucket          string
	Prefix          string
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// S3Archiver writes rows removed by retention jobs to object storage as JSON lines
// before they are deleted.
type S3Archiver struct {
	client ObjectPutter
	bucket string
	prefix string
	logger zerolog.Logger
	now    func() time.Time
}

// NewS3Client builds an S3 client from static credentials, falling back to the
// default AWS credential chain when none are configured.
func NewS3Client(ctx context.Context, opts Options) (*s3.Client, error) {
	region := opts.Region
	if region == "" {
		region = "auto"
	}

	loaders := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if opts.AccessKeyID != "" {
		loaders = append(loaders, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}

	cfg, err := config.LoadDefaultConfig(ctx, loaders...)
	if err != nil {
		return nil, fmt.Errorf("load s3 config: %w", err)
	}

	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

func NewS3Archiver(client ObjectPutter, bucket, prefix string, logger zerolog.Logger) *S3Archiver {
	return &S3Archiver{
		client: client,
		bucket: bucket,
		prefix: prefix,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// ArchiveAudit uploads audit entries. An empty batch is a no-op.
func (a *S3Archiver) ArchiveAudit(ctx context.Context, entries []*ledger.AuditEntry) error {
	if len(entries) == 0 {
		return nil
	}
	rows := make([]interface{}, len(entries))
	for i, e := range entries {
		rows[i] = e
	}
	return a.put(ctx, "audit", rows)
}

// ArchiveSnapshots uploads performance snapshots. An empty batch is a no-op.
func (a *S3Archiver) ArchiveSnapshots(ctx context.Context, snaps []*ledger.PerformanceSnapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	rows := make([]interface{}, len(snaps))
	for i, s := range snaps {
		rows[i] = s
	}
	return a.put(ctx, "performance", rows)
}

func (a *S3Archiver) put(ctx context.Context, kind string, rows []interface{}) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range rows {
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("encode %s row: %w", kind, err)
		}
	}

	key := a.objectKey(kind)
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return fmt.Errorf("upload %s archive to %s/%s: %w", kind, a.bucket, key, err)
	}

	a.logger.Info().
		Str("bucket", a.bucket).
		Str("key", key).
		Int("rows", len(rows)).
		Msg("archived rows")
	return nil
}

// objectKey is <prefix>/<kind>/YYYY/MM/DD/<kind>-<unix>-<id>.jsonl
func (a *S3Archiver) objectKey(kind string) string {
	now := a.now()
	name := fmt.Sprintf("%s-%d-%s.jsonl", kind, now.Unix(), uuid.NewString()[:8])
	return path.Join(a.prefix, kind, now.Format("2006/01/02"), name)
}
