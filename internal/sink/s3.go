package sink

import (
	"context"
	"fmt"
	"mime"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/spf13/afero"

	"timelapser/internal/config"
)

// ObjectPutter is the part of *s3.Client the sink uses.
type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3 uploads files to an S3-compatible bucket under a key prefix.
type S3 struct {
	client ObjectPutter
	src    afero.Fs
	bucket string
	prefix string
	desc   string
}

// NewS3 builds a client authenticated with the static credentials from spec.
// Endpoint enables S3-compatible services (MinIO, R2, ...).
func NewS3(ctx context.Context, spec config.SinkSpec, src afero.Fs) (*S3, error) {
	region := spec.Region
	if region == "" {
		region = "us-east-1"
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			spec.AccessKeyID, spec.SecretAccessKey, spec.SessionToken,
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if spec.Endpoint != "" {
			o.BaseEndpoint = aws.String(spec.Endpoint)
		}
		o.UsePathStyle = spec.UsePathStyle
	})
	return NewS3WithClient(client, src, spec.Bucket, spec.StorePath, spec.String()), nil
}

func NewS3WithClient(client ObjectPutter, src afero.Fs, bucket, prefix, desc string) *S3 {
	return &S3{
		client: client,
		src:    src,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		desc:   desc,
	}
}

func (s *S3) Kind() string   { return "s3" }
func (s *S3) String() string { return s.desc }

// Key returns the object key for a local file.
func (s *S3) Key(localPath string) string {
	name := filepath.Base(localPath)
	if s.prefix == "" {
		return name
	}
	return path.Join(s.prefix, name)
}

func (s *S3) Store(ctx context.Context, localPath string) error {
	f, err := s.src.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return err
	}

	in := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.Key(localPath)),
		Body:          f,
		ContentLength: aws.Int64(st.Size()),
	}
	if ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(localPath))); ct != "" {
		in.ContentType = aws.String(ct)
	}
	if _, err := s.client.PutObject(ctx, in); err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}
