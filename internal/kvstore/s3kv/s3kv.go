// Package s3kv stores kvstore keys as objects under a bucket prefix.
package s3kv

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/keithlinneman/capserve/internal/kvstore"
	"github.com/keithlinneman/capserve/internal/log"
	"github.com/keithlinneman/capserve/internal/xerrors"
)

// DeleteObjects accepts at most this many keys per call.
const maxDeleteBatch = 1000

// s3API is the subset of the S3 client the store needs.
type s3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

type Options struct {
	Logger log.Logger
	Bucket string
	// Prefix is prepended to every key, e.g. "capserve" -> "capserve/package/<id>".
	Prefix string
	// AWSConfig overrides the default credential chain when set.
	AWSConfig *aws.Config
}

type Store struct {
	client s3API
	bucket string
	prefix string
	logger log.Logger
}

var _ kvstore.Store = (*Store)(nil)

// New builds a store from the default AWS config chain.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Bucket == "" {
		return nil, xerrors.New("s3kv: Bucket is required")
	}
	var awsCfg aws.Config
	if opts.AWSConfig != nil {
		awsCfg = *opts.AWSConfig
	} else {
		var err error
		awsCfg, err = config.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, xerrors.Wrap(err, "s3kv: load AWS config")
		}
	}
	return newWithClient(s3.NewFromConfig(awsCfg), opts), nil
}

func newWithClient(client s3API, opts Options) *Store {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	prefix := strings.Trim(opts.Prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &Store{client: client, bucket: opts.Bucket, prefix: prefix, logger: opts.Logger}
}

func (s *Store) objectKey(key string) string { return s.prefix + key }

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, kvstore.ErrNotFound
		}
		return nil, xerrors.Wrapf(err, "s3kv: get s3://%s/%s", s.bucket, s.objectKey(key))
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, xerrors.Wrapf(err, "s3kv: read s3://%s/%s", s.bucket, s.objectKey(key))
	}
	return data, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.objectKey(key)),
		Body:          bytes.NewReader(value),
		ContentLength: aws.Int64(int64(len(value))),
	})
	if err != nil {
		return xerrors.Wrapf(err, "s3kv: put s3://%s/%s", s.bucket, s.objectKey(key))
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, keys ...string) error {
	for start := 0; start < len(keys); start += maxDeleteBatch {
		end := min(start+maxDeleteBatch, len(keys))
		objs := make([]s3types.ObjectIdentifier, 0, end-start)
		for _, k := range keys[start:end] {
			objs = append(objs, s3types.ObjectIdentifier{Key: aws.String(s.objectKey(k))})
		}
		out, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &s3types.Delete{Objects: objs, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return xerrors.Wrapf(err, "s3kv: delete %d objects", len(objs))
		}
		if len(out.Errors) > 0 {
			first := out.Errors[0]
			return xerrors.Newf("s3kv: delete %s: %s", aws.ToString(first.Key), aws.ToString(first.Message))
		}
	}
	return nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.objectKey(prefix)),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, xerrors.Wrapf(err, "s3kv: list s3://%s/%s", s.bucket, s.objectKey(prefix))
		}
		for _, obj := range page.Contents {
			keys = append(keys, strings.TrimPrefix(aws.ToString(obj.Key), s.prefix))
		}
	}
	return keys, nil
}

func (s *Store) Ping(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		return xerrors.Wrapf(err, "s3kv: head bucket %s", s.bucket)
	}
	return nil
}

func (s *Store) Close() error { return nil }
