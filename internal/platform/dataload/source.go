package dataload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

var ErrMissingFile = errors.New("reference data file missing")

// Source opens the named reference data files.
type Source interface {
	Open(ctx context.Context, name string) (io.ReadCloser, error)
	String() string
}

// S3Options configures the object storage source.
type S3Options struct {
	Region   string
	Endpoint string
}

// NewSource returns an S3Source for s3://bucket/prefix locations and a
// DirSource for everything else.
func NewSource(ctx context.Context, location string, opts S3Options) (Source, error) {
	if !strings.HasPrefix(location, "s3://") {
		return DirSource{Dir: location}, nil
	}
	bucket, prefix, _ := strings.Cut(strings.TrimPrefix(location, "s3://"), "/")
	if bucket == "" {
		return nil, fmt.Errorf("invalid data source %q: missing bucket", location)
	}

	var loadOpts []func(*config.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(opts.Region))
	}
	awsConfig, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Source{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}, nil
}

// DirSource reads files from a local directory.
type DirSource struct {
	Dir string
}

func (d DirSource) Open(_ context.Context, name string) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(d.Dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrMissingFile, filepath.Join(d.Dir, name))
	}
	return f, err
}

func (d DirSource) String() string {
	return d.Dir
}

type objectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Source reads files from an S3 bucket under a key prefix.
type S3Source struct {
	client objectGetter
	bucket string
	prefix string
}

func (s *S3Source) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	key := name
	if s.prefix != "" {
		key = path.Join(s.prefix, name)
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("%w: s3://%s/%s", ErrMissingFile, s.bucket, key)
		}
		return nil, fmt.Errorf("get s3://%s/%s: %w", s.bucket, key, err)
	}
	return out.Body, nil
}

func (s *S3Source) String() string {
	if s.prefix == "" {
		return "s3://" + s.bucket
	}
	return "s3://" + s.bucket + "/" + s.prefix
}
