// Package s3 implements blobstore.Store against Amazon S3 via aws-sdk-go-v2,
// adapted directly from the teacher's internal/aws.fileService: the same
// static-credentials config loader, manager.Uploader for uploads, and
// ListObjectsV2-based connectivity check, generalized from the teacher's
// fixed-bucket single-purpose uploader to the keyed raw-log layout the
// aggregator needs.
package s3

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"

	"simbatch/internal/blobstore"
)

type store struct {
	client *s3.Client
	bucket string
	region string
}

// New builds an S3-backed blobstore.Store from static credentials, the same
// credential-provider shape the teacher's NewFileService uses.
func New(ctx context.Context, accessKey, secretKey, bucket, region string) (blobstore.Store, error) {
	credProvider := aws.CredentialsProviderFunc(func(ctx context.Context) (aws.Credentials, error) {
		return aws.Credentials{AccessKeyID: accessKey, SecretAccessKey: secretKey}, nil
	})

	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credProvider),
	)
	if err != nil {
		return nil, err
	}

	return &store{client: s3.NewFromConfig(cfg), bucket: bucket, region: region}, nil
}

func (s *store) Upload(ctx context.Context, key string, body io.Reader) (string, error) {
	uploader := manager.NewUploader(s.client)
	_, err := uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   body,
	})
	if err != nil {
		log.Error().Err(err).Str("key", key).Msg("failed to upload blob")
		return "", err
	}

	url := fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.bucket, s.region, key)
	return url, nil
}

func (s *store) Fetch(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		log.Error().Err(err).Str("key", key).Msg("failed to fetch blob")
		return nil, err
	}
	return out.Body, nil
}

func (s *store) Health(ctx context.Context) error {
	_, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.bucket),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		log.Error().Err(err).Msg("blobstore health check failed")
	}
	return err
}
