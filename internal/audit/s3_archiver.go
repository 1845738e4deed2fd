package audit

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/refineryhq/refinery/internal/canonical"
)

// Archiver uploads canonical audit entry JSON to object storage.
type Archiver interface {
	ArchiveEntry(ctx context.Context, ev *Entry) error
}

// S3Archiver writes canonical audit envelopes to paths like:
//
//	s3://<bucket>/<prefix>/audit/YYYY/MM/DD/<entryID>.json
type S3Archiver struct {
	bucket   string
	prefix   string
	uploader *manager.Uploader
}

// NewS3Archiver creates an S3Archiver. region may be empty, in which case the
// SDK resolves it from the environment.
func NewS3Archiver(ctx context.Context, bucket, prefix, region string) (*S3Archiver, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket required")
	}
	var opts []func(*awsConfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsConfig.WithRegion(region))
	}
	cfg, err := awsConfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg)

	return &S3Archiver{
		bucket:   bucket,
		prefix:   prefix,
		uploader: manager.NewUploader(client),
	}, nil
}

func (s *S3Archiver) objectKey(ev *Entry) string {
	ts := time.Now().UTC()
	if !ev.Ts.IsZero() {
		ts = ev.Ts
	}
	year, month, day := ts.Date()
	return path.Join(s.prefix, "audit",
		fmt.Sprintf("%04d", year),
		fmt.Sprintf("%02d", int(month)),
		fmt.Sprintf("%02d", day),
		fmt.Sprintf("%s.json", ev.ID),
	)
}

// ArchiveEntry canonicalizes the entry envelope and uploads it.
func (s *S3Archiver) ArchiveEntry(ctx context.Context, ev *Entry) error {
	if ev == nil {
		return fmt.Errorf("nil entry")
	}
	canonBytes, err := canonical.Marshal(envelope(ev))
	if err != nil {
		return fmt.Errorf("canonicalize envelope: %w", err)
	}

	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(s.objectKey(ev)),
		Body:                 bytes.NewReader(canonBytes),
		ContentType:          aws.String("application/json"),
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
	})
	if err != nil {
		return fmt.Errorf("s3 upload failed: %w", err)
	}
	return nil
}

// ArchiveEntryAndReturnKey uploads the entry and returns the object key so
// callers can persist the S3 pointer next to the entry row.
func (s *S3Archiver) ArchiveEntryAndReturnKey(ctx context.Context, ev *Entry) (string, error) {
	if ev == nil {
		return "", fmt.Errorf("nil entry")
	}
	if err := s.ArchiveEntry(ctx, ev); err != nil {
		return "", err
	}
	return s.objectKey(ev), nil
}
