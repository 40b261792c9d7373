// Package archive uploads full-call recordings to object storage.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/MrWong99/callrelay/pkg/audio"
)

// Archiver stores the inbound audio of a finished call and returns where it
// was put.
type Archiver interface {
	Upload(ctx context.Context, callID string, mulaw []byte) (string, error)
}

// S3Config configures an [S3] archiver.
type S3Config struct {
	Bucket string
	Region string
	// Prefix is prepended to every object key. Default: "calls".
	Prefix string
	// Endpoint overrides the S3 endpoint, e.g. for MinIO. Path-style
	// addressing is used when set.
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// S3 archives recordings as WAV objects in an S3 bucket.
type S3 struct {
	client *s3.Client
	bucket string
	prefix string
}

var _ Archiver = (*S3)(nil)

// NewS3 creates an S3 archiver.
func NewS3(cfg S3Config) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("archive: bucket is required")
	}
	if cfg.Region == "" {
		return nil, errors.New("archive: region is required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "calls"
	}
	opts := s3.Options{Region: cfg.Region}
	if cfg.AccessKeyID != "" {
		opts.Credentials = credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
		opts.UsePathStyle = true
	}
	return &S3{
		client: s3.New(opts),
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// Key returns the object key of callID's recording.
func (a *S3) Key(callID string) string {
	return path.Join(a.prefix, callID+".wav")
}

// Upload implements [Archiver]. The returned location is an s3:// URL.
func (a *S3) Upload(ctx context.Context, callID string, mulaw []byte) (string, error) {
	if len(mulaw) == 0 {
		return "", nil
	}
	key := a.Key(callID)
	wav := audio.WrapMulawWAV(mulaw)
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(wav),
		ContentLength: aws.Int64(int64(len(wav))),
		ContentType:   aws.String("audio/wav"),
	})
	if err != nil {
		return "", fmt.Errorf("archive: put %s: %w", key, err)
	}
	return fmt.Sprintf("s3://%s/%s", a.bucket, key), nil
}
