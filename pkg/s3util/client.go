// Package s3util provides a factory for creating AWS S3-compatible clients
// for the buckets behind cloud pools (AWS S3, MinIO, Cloudflare R2).
package s3util

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jeniawhite/noobaa-core/internal/config"
	"github.com/jeniawhite/noobaa-core/internal/types"
)

// Client wraps the AWS S3 client bound to one bucket.
type Client struct {
	S3     *s3.Client
	Bucket string
}

// NewClient creates a client for a cloud pool. Endpoint and region set on the
// pool override the global cloud config; credentials always come from cfg or
// the default AWS chain.
func NewClient(ctx context.Context, cfg config.CloudConfig, pool types.CloudPoolInfo) (*Client, error) {
	if pool.Bucket == "" {
		return nil, fmt.Errorf("cloud pool without bucket")
	}
	region := cfg.Region
	if pool.Region != "" {
		region = pool.Region
	}
	endpoint := cfg.Endpoint
	if pool.Endpoint != "" {
		endpoint = pool.Endpoint
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	s3Opts := []func(*s3.Options){}
	if endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		})
	}
	if cfg.ForcePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return &Client{
		S3:     s3.NewFromConfig(awsCfg, s3Opts...),
		Bucket: pool.Bucket,
	}, nil
}

// Ping checks connectivity by performing a HeadBucket operation.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.S3.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: &c.Bucket,
	})
	if err != nil {
		return fmt.Errorf("head bucket %q: %w", c.Bucket, err)
	}
	return nil
}
