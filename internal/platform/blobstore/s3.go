package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3Config names an S3-compatible bucket and its credentials.
type S3Config struct {
	Bucket          string
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// Configured reports whether an archive bucket is set.
func (c S3Config) Configured() bool { return c.Bucket != "" }

// s3API is the subset of *s3.Client the store uses.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

const sha256MetaKey = "sha256"

// S3Store keeps archive objects in a bucket. Writes are conditional on the
// key being absent so an existing archive is never overwritten.
type S3Store struct {
	client s3API
	bucket string
}

// NewS3Store builds a path-style client for cfg.
func NewS3Store(cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("archive bucket is required")
	}
	if (cfg.AccessKeyID == "") != (cfg.SecretAccessKey == "") {
		return nil, errors.New("archive access key id and secret must be set together")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	opts := s3.Options{
		Region:       region,
		UsePathStyle: true,
	}
	if cfg.AccessKeyID != "" {
		opts.Credentials = aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		))
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return newS3Store(s3.New(opts), cfg.Bucket), nil
}

func newS3Store(client s3API, bucket string) *S3Store {
	return &S3Store{client: client, bucket: bucket}
}

func (s *S3Store) Put(ctx context.Context, in PutInput) (*Object, error) {
	if err := ValidateKey(in.Key); err != nil {
		return nil, err
	}
	data, sum, err := readBody(in.Body)
	if err != nil {
		return nil, err
	}
	contentType := in.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	meta := copyMetadata(in.Metadata)
	if meta == nil {
		meta = make(map[string]string, 1)
	}
	meta[sha256MetaKey] = sum

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(in.Key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
		Metadata:      meta,
		IfNoneMatch:   aws.String("*"),
	})
	if err != nil {
		if apiErrorCode(err) == "PreconditionFailed" {
			return nil, fmt.Errorf("%w: %s", ErrObjectExists, in.Key)
		}
		return nil, fmt.Errorf("put archive object %s: %w", in.Key, err)
	}

	delete(meta, sha256MetaKey)
	return &Object{
		Key:         in.Key,
		ContentType: contentType,
		Size:        int64(len(data)),
		SHA256:      sum,
		CreatedAt:   time.Now().UTC(),
		Metadata:    copyMetadata(meta),
	}, nil
}

func (s *S3Store) Get(ctx context.Context, key string) (io.ReadCloser, *Object, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, nil, ErrObjectNotFound
		}
		return nil, nil, fmt.Errorf("get archive object %s: %w", key, err)
	}
	return out.Body, objectFrom(key, out.ContentType, out.ContentLength, out.LastModified, out.Metadata), nil
}

func (s *S3Store) Head(ctx context.Context, key string) (*Object, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("head archive object %s: %w", key, err)
	}
	return objectFrom(key, out.ContentType, out.ContentLength, out.LastModified, out.Metadata), nil
}

// List pages through every object under prefix. Listed objects carry key,
// size and time only.
func (s *S3Store) List(ctx context.Context, prefix string) ([]*Object, error) {
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	var out []*Object
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list archive objects under %q: %w", prefix, err)
		}
		for _, o := range page.Contents {
			out = append(out, &Object{
				Key:       aws.ToString(o.Key),
				Size:      aws.ToInt64(o.Size),
				CreatedAt: aws.ToTime(o.LastModified),
			})
		}
	}
	return out, nil
}

func objectFrom(key string, contentType *string, size *int64, modified *time.Time, meta map[string]string) *Object {
	obj := &Object{
		Key:         key,
		ContentType: aws.ToString(contentType),
		Size:        aws.ToInt64(size),
		CreatedAt:   aws.ToTime(modified),
	}
	rest := make(map[string]string, len(meta))
	for k, v := range meta {
		if strings.EqualFold(k, sha256MetaKey) {
			obj.SHA256 = v
			continue
		}
		rest[strings.ToLower(k)] = v
	}
	obj.Metadata = copyMetadata(rest)
	return obj
}

func isNotFound(err error) bool {
	var noKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noKey) || errors.As(err, &notFound) {
		return true
	}
	return apiErrorCode(err) == "NotFound"
}

func apiErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}
