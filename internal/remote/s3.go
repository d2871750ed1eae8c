package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"patchsync/internal/manifest"
	"patchsync/internal/metrics"
	"patchsync/internal/retry"
	"patchsync/internal/syncerr"
)

// ManifestObject is the object name of a package manifest inside the
// package's prefix.
const ManifestObject = "manifest.json"

// S3Config holds bucket connection settings. Endpoint is only needed for
// S3-compatible stores such as MinIO; static keys override the default AWS
// credential chain.
type S3Config struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

type objectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Source serves packages laid out as {prefix}/{package}/manifest.json with
// files at {prefix}/{package}/{path}. It is safe for concurrent use.
type S3Source struct {
	client objectGetter
	bucket string
	prefix string
}

func NewS3Source(ctx context.Context, cfg S3Config) (*S3Source, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	opts := []func(*config.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return newS3Source(client, cfg.Bucket, cfg.Prefix), nil
}

func newS3Source(client objectGetter, bucket, prefix string) *S3Source {
	return &S3Source{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
	}
}

func (s *S3Source) key(parts ...string) string {
	all := append([]string{s.prefix}, parts...)
	return strings.TrimLeft(path.Join(all...), "/")
}

func (s *S3Source) get(ctx context.Context, op, key string) (io.ReadCloser, int64, error) {
	start := time.Now()
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	metrics.RecordRemoteRequest("s3", op, time.Since(start), err == nil)
	if err != nil {
		return nil, 0, classifyS3(op, key, err)
	}

	size := int64(-1)
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	return out.Body, size, nil
}

func classifyS3(op, key string, err error) error {
	var noKey *types.NoSuchKey
	if errors.As(err, &noKey) {
		return syncerr.New(syncerr.KindRemoteRejected, op, key, err)
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		code := respErr.HTTPStatusCode()
		statusErr := &StatusError{StatusCode: code, Status: fmt.Sprintf("%d", code), Body: respErr.Error()}
		if code >= 500 {
			return syncerr.New(syncerr.KindRemoteRejected, op, key, retry.Retryable(statusErr))
		}
		return syncerr.New(syncerr.KindRemoteRejected, op, key, statusErr)
	}
	return syncerr.New(syncerr.KindNetwork, op, key, retry.Retryable(err))
}

// FetchManifest reads and parses {prefix}/{pkg}/manifest.json.
func (s *S3Source) FetchManifest(ctx context.Context, pkg string) (manifest.Manifest, error) {
	rc, _, err := s.get(ctx, "manifest", s.key(pkg, ManifestObject))
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	return manifest.Parse(rc)
}

// Open streams {prefix}/{pkg}/{remotePath}.
func (s *S3Source) Open(ctx context.Context, pkg, remotePath string) (io.ReadCloser, int64, error) {
	clean := manifest.NormalizePath(remotePath)
	if clean == "" || clean == ".." || strings.HasPrefix(clean, "../") {
		return nil, 0, syncerr.Newf(syncerr.KindValidation, "file", remotePath, "path escapes package")
	}
	return s.get(ctx, "file", s.key(pkg, clean))
}
