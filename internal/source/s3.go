package source

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"dbutils/internal/config"
)

// S3API is the subset of the S3 client used to fetch archives.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// NewS3Client builds a client for AWS or any S3-compatible endpoint
func NewS3Client(ctx context.Context, cfg *config.Config) (*s3.Client, error) {
	region := cfg.S3Region
	if region == "" {
		region = "us-east-1"
	}

	cfgOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}

	// Static credentials (typical for MinIO and many S3-compatible providers)
	if cfg.S3AccessKeyID != "" && cfg.S3SecretAccessKey != "" {
		cfgOpts = append(cfgOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.S3AccessKeyID,
				cfg.S3SecretAccessKey,
				"",
			),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, cfgOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		// Custom endpoint (MinIO, Wasabi, etc.)
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
		o.UsePathStyle = cfg.S3UsePathStyle
	}), nil
}

func (o *Opener) s3API(ctx context.Context) (S3API, error) {
	o.s3Once.Do(func() {
		o.s3Client, o.s3Err = o.newS3(ctx)
	})
	return o.s3Client, o.s3Err
}

func (o *Opener) openS3(ctx context.Context, in Input) (*rawSource, error) {
	client, err := o.s3API(ctx)
	if err != nil {
		return nil, &RequestError{Kind: KindS3, Location: in.Location, Err: err}
	}

	result, err := o.s3Breaker.Execute(func() (interface{}, error) {
		return client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(in.bucket),
			Key:    aws.String(in.key),
		})
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			err = fmt.Errorf("%s: %s: %w", apiErr.ErrorCode(), apiErr.ErrorMessage(), err)
		}
		return nil, &RequestError{Kind: KindS3, Location: in.Location, Err: err}
	}

	out := result.(*s3.GetObjectOutput)
	raw := &rawSource{ReadCloser: out.Body, kind: KindS3}
	if out.ContentLength != nil && *out.ContentLength >= 0 {
		raw.size, raw.known = *out.ContentLength, true
	}
	return raw, nil
}
