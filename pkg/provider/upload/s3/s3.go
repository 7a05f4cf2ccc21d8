// Package s3 implements upload.Uploader on Amazon S3 or any S3-compatible
// object store (MinIO, R2, etc.).
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/MrWong99/voicesift/pkg/provider/upload"
)

// Client abstracts the S3 API operations used by [Uploader].
// The [s3.Client] type satisfies this interface.
type Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// Config describes how to reach the bucket.
type Config struct {
	Bucket string
	Prefix string
	Region string

	// Endpoint overrides the AWS endpoint for S3-compatible stores.
	Endpoint string

	// AccessKeyID and SecretAccessKey are static credentials. When empty the
	// client is anonymous, which only works against permissive buckets.
	AccessKeyID     string
	SecretAccessKey string

	// PathStyle addresses the bucket in the URL path rather than the host.
	PathStyle bool

	// PublicURL, if set, is the base of returned URLs instead of s3://.
	PublicURL string
}

// Uploader stores samples as S3 objects under an optional prefix.
type Uploader struct {
	client    Client
	bucket    string
	prefix    string
	publicURL string
}

// Compile-time interface assertion.
var _ upload.Uploader = (*Uploader)(nil)

// New creates an Uploader on a pre-configured client. Prefix is prepended
// to all object keys; pass "" for no prefix.
func New(client Client, bucket, prefix string) *Uploader {
	return &Uploader{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

// NewFromConfig builds an [s3.Client] from cfg and wraps it.
func NewFromConfig(cfg Config) (*Uploader, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3: bucket is required")
	}
	opts := s3.Options{
		Region:       cfg.Region,
		UsePathStyle: cfg.PathStyle,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	if cfg.AccessKeyID != "" {
		creds := aws.Credentials{
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
			Source:          "voicesift config",
		}
		opts.Credentials = aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
			return creds, nil
		})
	}
	u := New(s3.New(opts), cfg.Bucket, cfg.Prefix)
	u.publicURL = strings.TrimSuffix(cfg.PublicURL, "/")
	return u, nil
}

// key builds the full S3 object key for req.
func (u *Uploader) key(req upload.Request) string {
	k := upload.ObjectKey(req)
	if u.prefix == "" {
		return k
	}
	return u.prefix + "/" + k
}

// Upload stores req via PutObject. Sample metadata travels as object
// metadata; the transcript is URL-escaped because S3 metadata is ASCII.
func (u *Uploader) Upload(ctx context.Context, req upload.Request) (upload.Result, error) {
	if err := req.Validate(); err != nil {
		return upload.Result{}, err
	}
	key := u.key(req)
	meta := map[string]string{
		"speaker":    req.SpeakerID,
		"session":    req.SessionID,
		"quality":    strconv.FormatFloat(req.Metadata.Quality, 'f', 4, 64),
		"confidence": strconv.FormatFloat(req.Metadata.Confidence, 'f', 4, 64),
		"duration":   req.Duration.String(),
	}
	if req.Metadata.Transcript != "" {
		meta["transcript"] = url.QueryEscape(req.Metadata.Transcript)
	}

	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(req.Payload),
		ContentLength: aws.Int64(int64(len(req.Payload))),
		ContentType:   aws.String(upload.ContentType(req.Format)),
		Metadata:      meta,
	})
	if err != nil {
		return upload.Result{}, &upload.Error{SpeakerID: req.SpeakerID, SampleID: req.SampleID, Err: describe(err)}
	}
	return upload.Result{URL: u.url(key), Key: key, Size: len(req.Payload)}, nil
}

func (u *Uploader) url(key string) string {
	if u.publicURL != "" {
		return u.publicURL + "/" + key
	}
	return "s3://" + u.bucket + "/" + key
}

// Check reports whether the bucket is reachable. It backs the readiness
// probe.
func (u *Uploader) Check(ctx context.Context) error {
	_, err := u.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(u.bucket)})
	if err != nil {
		return fmt.Errorf("s3: head bucket %s: %w", u.bucket, describe(err))
	}
	return nil
}

// describe prefixes API errors with their S3 error code.
func describe(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%s: %w", apiErr.ErrorCode(), err)
	}
	return err
}
