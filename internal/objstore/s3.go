package objstore

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Options configures the S3 client.
type S3Options struct {
	// Endpoint is the host[:port] of the S3-compatible service. Empty
	// means AWS S3 in the given region.
	Endpoint string
	Region   string
	// AccessKeyID and SecretAccessKey are static credentials. When both
	// are empty the standard AWS credential chain (env, shared file, IAM)
	// is used.
	AccessKeyID     string
	SecretAccessKey string
	Insecure        bool
}

// S3Client implements Client on top of minio-go.
type S3Client struct {
	cl *minio.Client
}

// NewS3Client builds an S3 client from opts.
func NewS3Client(opts S3Options) (*S3Client, error) {
	endpoint := opts.Endpoint
	if endpoint == "" {
		region := opts.Region
		if region == "" {
			region = "us-east-1"
		}
		endpoint = fmt.Sprintf("s3.%s.amazonaws.com", region)
	}

	var creds *credentials.Credentials
	if opts.AccessKeyID != "" || opts.SecretAccessKey != "" {
		creds = credentials.NewStaticV4(opts.AccessKeyID, opts.SecretAccessKey, "")
	} else {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.FileAWSCredentials{},
			&credentials.IAM{Client: &http.Client{Timeout: 5 * time.Second}},
		})
	}

	cl, err := minio.New(endpoint, &minio.Options{
		Creds:  creds,
		Secure: !opts.Insecure,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}
	return &S3Client{cl: cl}, nil
}

// Fetch downloads the object and returns its bytes unmodified.
func (s *S3Client) Fetch(ctx context.Context, bucket, key string) ([]byte, error) {
	obj, err := s.cl.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, s3Err("get object", key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, s3Err("read object", key, err)
	}
	return data, nil
}

// List returns up to max keys under prefix, oldest first by last-modified
// time. Objects modified before since are skipped.
func (s *S3Client) List(ctx context.Context, bucket, prefix string, max int, since time.Time) ([]string, error) {
	type entry struct {
		key      string
		modified time.Time
	}

	var entries []entry
	for obj := range s.cl.ListObjects(ctx, bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, s3Err("list objects", prefix, obj.Err)
		}
		if !since.IsZero() && obj.LastModified.Before(since) {
			continue
		}
		entries = append(entries, entry{key: obj.Key, modified: obj.LastModified})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].modified.Before(entries[j].modified)
	})
	if max > 0 && len(entries) > max {
		entries = entries[:max]
	}

	keys := make([]string, len(entries))
	for i, e := range entries {
		keys[i] = e.key
	}
	return keys, nil
}

func s3Err(op, key string, err error) error {
	resp := minio.ToErrorResponse(err)
	if resp.StatusCode == http.StatusNotFound || resp.Code == "NoSuchKey" {
		return fmt.Errorf("%s %s: %w", op, key, ErrNotFound)
	}
	return fmt.Errorf("%s %s: %w", op, key, err)
}
