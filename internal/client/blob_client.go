package client

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/texhub/compile-api/internal/config"
	"github.com/texhub/compile-api/internal/model"
)

// BlobStore resolves a project file reference to a URL the compile nodes can
// fetch the content from. This service never reads blob bytes itself.
type BlobStore interface {
	URLFor(ctx context.Context, projectID string, file model.FileRef) (string, error)
}

// S3BlobStore implements BlobStore with presigned GET URLs against an
// S3-compatible object store.
type S3BlobStore struct {
	presigner *s3.PresignClient
	bucket    string
	expiry    time.Duration
}

func NewS3BlobStore(cfg *config.BlobConfig) (*S3BlobStore, error) {
	if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return nil, fmt.Errorf("blob store configuration incomplete")
	}

	resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
		if cfg.Endpoint != "" {
			return aws.Endpoint{URL: cfg.Endpoint}, nil
		}
		return aws.Endpoint{}, &aws.EndpointNotFoundError{}
	})

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithEndpointResolverWithOptions(resolver),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
		awsconfig.WithRegion(cfg.Region),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &S3BlobStore{
		presigner: s3.NewPresignClient(s3.NewFromConfig(awsCfg)),
		bucket:    cfg.Bucket,
		expiry:    time.Duration(cfg.URLExpiryMinutes) * time.Minute,
	}, nil
}

// URLFor presigns a GET for the file's blob. Hash-addressed blobs are
// preferred; legacy files fall back to the (project, file) key.
func (s *S3BlobStore) URLFor(ctx context.Context, projectID string, file model.FileRef) (string, error) {
	key := fmt.Sprintf("project/%s/file/%s", projectID, file.ID)
	if file.Hash != "" {
		key = fmt.Sprintf("blobs/%s/%s", file.Hash[:2], file.Hash[2:])
	}

	input := &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}
	presigned, err := s.presigner.PresignGetObject(ctx, input, s3.WithPresignExpires(s.expiry))
	if err != nil {
		return "", fmt.Errorf("presign blob for project %s file %s: %w", projectID, file.ID, err)
	}
	return presigned.URL, nil
}
