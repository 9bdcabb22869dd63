package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"platilloadmin/internal/config"
)

// S3 stores objects in an S3 compatible bucket. Download URLs point at the
// CDN domain when one is configured and are presigned otherwise.
type S3 struct {
	client        *s3.Client
	presign       *s3.PresignClient
	bucket        string
	cdnDomain     string
	presignExpiry time.Duration
	maxBuffer     int64
}

func NewS3(ctx context.Context, cfg config.S3Config) (*S3, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("%w: S3_BUCKET is required", ErrNotConfigured)
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	expiry := cfg.PresignExpiry
	if expiry <= 0 {
		expiry = 24 * time.Hour
	}
	return &S3{
		client:        client,
		presign:       s3.NewPresignClient(client),
		bucket:        cfg.Bucket,
		cdnDomain:     strings.Trim(strings.TrimSpace(cfg.CDNDomain), "/"),
		presignExpiry: expiry,
		maxBuffer:     64 << 20,
	}, nil
}

// Upload buffers the body so the SDK can rewind it for payload signing.
func (s *S3) Upload(ctx context.Context, container, name, contentType string, body io.Reader, size int64, progress ProgressFunc) (string, error) {
	key := objectKey(container, name)
	ctx, span := tracer.Start(ctx, "s3.Upload")
	defer span.End()
	span.SetAttributes(attribute.String("storage.key", key), attribute.String("storage.bucket", s.bucket))

	if body == nil || size == 0 {
		return "", ErrEmptyPayload
	}

	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(body, s.maxBuffer+1))
	if err != nil {
		return "", fmt.Errorf("s3 upload: read body: %w", err)
	}
	if n == 0 {
		return "", ErrEmptyPayload
	}
	if n > s.maxBuffer {
		return "", fmt.Errorf("s3 upload: body exceeds %d bytes", s.maxBuffer)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          newProgressReadSeeker(bytes.NewReader(buf.Bytes()), n, progress),
		ContentLength: aws.Int64(n),
		ContentType:   aws.String(contentType),
		Metadata: map[string]string{
			"upload-time": time.Now().UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "put object failed")
		return "", fmt.Errorf("s3 upload failed: %w", err)
	}
	return name, nil
}

func (s *S3) ResolveDownloadURL(ctx context.Context, container, fileID string) (string, error) {
	key := objectKey(container, fileID)
	ctx, span := tracer.Start(ctx, "s3.ResolveDownloadURL")
	defer span.End()
	span.SetAttributes(attribute.String("storage.key", key))

	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "head object failed")
		var nf *types.NotFound
		if errors.As(err, &nf) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return "", fmt.Errorf("s3 head: %w", err)
	}

	if s.cdnDomain != "" {
		return "https://" + s.cdnDomain + "/" + escapePath(key), nil
	}

	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(s.presignExpiry))
	if err != nil {
		return "", fmt.Errorf("s3 presign: %w", err)
	}
	return req.URL, nil
}
