package shipper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/fieldlog/datalogger/agent/internal/config"
	"github.com/fieldlog/datalogger/pkg/types"
	"github.com/fieldlog/datalogger/pkg/wire"
)

// putObjectAPI is the subset of *s3.Client the publisher uses.
type putObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// s3Publisher uploads each batch as one object. The key is derived from the
// batch's id range, so a re-send overwrites the same object.
type s3Publisher struct {
	bucket      string
	prefix      string
	deviceID    string
	format      wire.Format
	compression wire.Compression
	client      putObjectAPI
}

func newS3Publisher(ctx context.Context, cfg config.Upstream, deviceID string) (*s3Publisher, error) {
	format, err := wire.ParseFormat(cfg.Format)
	if err != nil {
		return nil, fmt.Errorf("shipper: %w", err)
	}
	compression, err := wire.ParseCompression(cfg.Compression)
	if err != nil {
		return nil, fmt.Errorf("shipper: %w", err)
	}

	// Retries are the shipping loop's job.
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRetryMaxAttempts(1),
	}
	if cfg.S3.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.S3.Region))
	}
	if cfg.S3.AccessKey() != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3.AccessKey(), cfg.S3.SecretKey(), ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("shipper: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &s3Publisher{
		bucket:      cfg.S3.Bucket,
		prefix:      cfg.S3.Prefix,
		deviceID:    deviceID,
		format:      format,
		compression: compression,
		client:      client,
	}, nil
}

// objectKey returns <prefix>/<device_id>/<first>-<last>.<ext>.
func (p *s3Publisher) objectKey(b *types.Batch) string {
	var first, last int64
	if n := len(b.Readings); n > 0 {
		first, last = b.Readings[0].ID, b.Readings[n-1].ID
	}
	name := fmt.Sprintf("%020d-%020d.%s", first, last, wire.Extension(p.format, p.compression))
	return path.Join(p.prefix, p.deviceID, name)
}

func (p *s3Publisher) Publish(ctx context.Context, b *types.Batch) error {
	body, headers, err := wire.Encode(b, p.format, p.compression)
	if err != nil {
		return &PermanentError{Err: err}
	}

	in := &s3.PutObjectInput{
		Bucket:        aws.String(p.bucket),
		Key:           aws.String(p.objectKey(b)),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String(headers.Get("Content-Type")),
		Metadata: map[string]string{
			"batch-id":  b.BatchID,
			"device-id": p.deviceID,
		},
	}
	if ce := headers.Get("Content-Encoding"); ce != "" {
		in.ContentEncoding = aws.String(ce)
	}

	if _, err := p.client.PutObject(ctx, in); err != nil {
		var re *awshttp.ResponseError
		if errors.As(err, &re) && permanentStatus(re.HTTPStatusCode()) {
			return &PermanentError{Err: err}
		}
		return fmt.Errorf("s3 put %s: %w", aws.ToString(in.Key), err)
	}
	return nil
}

func (p *s3Publisher) Close() error { return nil }
