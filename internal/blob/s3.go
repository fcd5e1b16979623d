package blob

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

// S3Config configures an S3 or S3-compatible bucket.
type S3Config struct {
	Bucket     string
	Region     string
	Endpoint   string // optional, for MinIO/R2-style endpoints
	AccessKey  string // optional; default credential chain otherwise
	SecretKey  string
	Prefix     string
	PresignTTL time.Duration
}

type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type getPresigner interface {
	PresignGetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// S3Store keeps payloads in a bucket. References look like
// "s3://bucket/key" and resolve to presigned GET URLs.
type S3Store struct {
	bucket  string
	prefix  string
	ttl     time.Duration
	client  objectPutter
	presign getPresigner
}

// NewS3Store builds a client from the default AWS config chain, using
// static credentials when both keys are set.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("S3 bucket cannot be empty")
	}
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return newS3Store(cfg, client, s3.NewPresignClient(client)), nil
}

func newS3Store(cfg S3Config, client objectPutter, presign getPresigner) *S3Store {
	ttl := cfg.PresignTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &S3Store{
		bucket:  cfg.Bucket,
		prefix:  strings.Trim(cfg.Prefix, "/"),
		ttl:     ttl,
		client:  client,
		presign: presign,
	}
}

// Put uploads data under a fresh key.
func (s *S3Store) Put(ctx context.Context, data []byte, contentType string) (string, error) {
	key := uuid.NewString() + extensionFor(contentType)
	if s.prefix != "" {
		key = s.prefix + "/" + key
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put s3://%s/%s: %w", s.bucket, key, err)
	}
	log.Printf("[Blob] Uploaded s3://%s/%s (%d bytes)", s.bucket, key, len(data))
	return "s3://" + s.bucket + "/" + key, nil
}

// Resolve presigns a GET for a reference in this bucket. URLs pass through.
func (s *S3Store) Resolve(ctx context.Context, ref string) (string, error) {
	if IsURL(ref) {
		return ref, nil
	}
	rest, ok := strings.CutPrefix(ref, "s3://"+s.bucket+"/")
	if !ok || rest == "" {
		return "", fmt.Errorf("%w: %q", ErrNotFound, ref)
	}
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(rest),
	}, s3.WithPresignExpires(s.ttl))
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", ref, err)
	}
	return req.URL, nil
}
