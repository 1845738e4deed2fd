package versionstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Store archives versions as objects under
// s3://<bucket>/<prefix>/versions/<targetID>/v<version>.
type S3Store struct {
	bucket   string
	prefix   string
	client   *s3.Client
	uploader *manager.Uploader
}

// NewS3Store creates an S3-backed archive store. Credentials come from the
// SDK default chain; region may be empty if AWS_REGION is set.
func NewS3Store(ctx context.Context, bucket, prefix, region string) (*S3Store, error) {
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
	return &S3Store{
		bucket:   bucket,
		prefix:   prefix,
		client:   client,
		uploader: manager.NewUploader(client),
	}, nil
}

func (s *S3Store) Archive(ctx context.Context, targetID, version string, content []byte) (string, error) {
	if targetID == "" || version == "" {
		return "", fmt.Errorf("targetID and version required")
	}
	key := s.objectKey(Key(targetID, version))

	// HeadObject pre-check; S3 PutObject would silently overwrite otherwise.
	exists, err := s.headExists(ctx, key)
	if err != nil {
		return "", err
	}
	if exists {
		return "", fmt.Errorf("archive %s: %w", key, ErrArchiveExists)
	}

	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(content),
		ContentType:          aws.String("application/octet-stream"),
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
	})
	if err != nil {
		return "", fmt.Errorf("s3 upload %s: %w", key, err)
	}
	return key, nil
}

func (s *S3Store) Restore(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.restoreKey(key)),
	})
	if err != nil {
		var noSuchKey *s3types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, fmt.Errorf("restore %s: %w", key, ErrArchiveNotFound)
		}
		return nil, fmt.Errorf("s3 get %s: %w", key, err)
	}
	defer out.Body.Close()
	b, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read s3 object %s: %w", key, err)
	}
	return b, nil
}

func (s *S3Store) Exists(ctx context.Context, key string) (bool, error) {
	return s.headExists(ctx, s.restoreKey(key))
}

func (s *S3Store) headExists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *s3types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, fmt.Errorf("s3 head %s: %w", key, err)
	}
	return true, nil
}

func (s *S3Store) objectKey(key string) string {
	return path.Join(s.prefix, "versions", key)
}

// restoreKey accepts both full object keys (as returned by Archive) and bare
// (targetID, version) keys.
func (s *S3Store) restoreKey(key string) string {
	full := path.Join(s.prefix, "versions")
	if len(key) > len(full) && key[:len(full)] == full {
		return key
	}
	return s.objectKey(key)
}
