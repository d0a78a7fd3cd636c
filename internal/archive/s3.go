package archive

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Provider uploads to an S3 or S3-compatible bucket.
type S3Provider struct {
	Bucket   string
	uploader *manager.Uploader
}

// NewS3Provider builds a client from the default AWS credential chain, or
// from static keys when both are given. A non-empty endpoint selects an
// S3-compatible service with path-style addressing.
func NewS3Provider(ctx context.Context, bucket, region, endpoint, accessKeyID, secretAccessKey string) (*S3Provider, error) {
	if bucket == "" || region == "" {
		return nil, errors.New("s3 bucket and region are required")
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if accessKeyID != "" && secretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Provider{Bucket: bucket, uploader: manager.NewUploader(client)}, nil
}

func (s *S3Provider) Name() string { return "s3" }

func (s *S3Provider) Upload(ctx context.Context, localPath, key string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("s3 put %s/%s: %w", s.Bucket, key, err)
	}
	return nil
}
