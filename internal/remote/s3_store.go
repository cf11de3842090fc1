package remote

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"

	"gcsgate/internal/credentials"

	"github.com/minio/minio-go/v7"
	miniocreds "github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Store is a Store for S3-compatible XML APIs (including the GCS XML API
// with HMAC interoperability keys).
type S3Store struct {
	client *minio.Client
}

// NewS3Store wraps an existing minio client.
func NewS3Store(client *minio.Client) *S3Store {
	return &S3Store{client: client}
}

func (s *S3Store) InsertObject(ctx context.Context, req InsertRequest, body io.Reader, size int64) (*ObjectDescriptor, error) {
	const op = "insert object"

	if _, err := ParseMediaType(req.MediaType); err != nil {
		return nil, err
	}

	info, err := s.client.PutObject(ctx, req.Bucket, req.Name, body, size, minio.PutObjectOptions{
		ContentType: req.MediaType,
	})
	if err != nil {
		return nil, classifyS3Error(op, err)
	}

	desc := &ObjectDescriptor{
		Kind:        "s3#object",
		Name:        info.Key,
		Bucket:      info.Bucket,
		Generation:  info.VersionID,
		ContentType: req.MediaType,
		Size:        strconv.FormatInt(info.Size, 10),
		ETag:        info.ETag,
	}
	if desc.Name == "" {
		desc.Name = req.Name
	}
	if desc.Bucket == "" {
		desc.Bucket = req.Bucket
	}

	return desc, nil
}

func (s *S3Store) DeleteObject(ctx context.Context, bucket, object string) error {
	if err := s.client.RemoveObject(ctx, bucket, object, minio.RemoveObjectOptions{}); err != nil {
		return classifyS3Error("delete object", err)
	}
	return nil
}

func classifyS3Error(op string, err error) error {
	if resp := minio.ToErrorResponse(err); resp.StatusCode != 0 {
		body := resp.Code
		if resp.Message != "" {
			body = fmt.Sprintf("%s: %s", resp.Code, resp.Message)
		}
		return &RejectedError{Op: op, StatusCode: resp.StatusCode, Body: body}
	}
	return &TransportError{Op: op, Err: err}
}

// S3Connector builds an S3Store from HMAC keys. The keys are validated on
// every Connect; the HTTP transport is created once and shared by all
// stores of the connector.
type S3Connector struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	Secure    bool

	// Transport overrides the HTTP transport, mainly for tests.
	Transport http.RoundTripper

	once         sync.Once
	transport    http.RoundTripper
	transportErr error
}

func (c *S3Connector) roundTripper() (http.RoundTripper, error) {
	c.once.Do(func() {
		if c.Transport != nil {
			c.transport = c.Transport
			return
		}
		c.transport, c.transportErr = minio.DefaultTransport(c.Secure)
	})
	return c.transport, c.transportErr
}

func (c *S3Connector) Connect(ctx context.Context) (Store, error) {
	key, err := credentials.ParseHMACKey(c.AccessKey, c.SecretKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCredentials, err)
	}

	transport, err := c.roundTripper()
	if err != nil {
		return nil, fmt.Errorf("build S3 transport: %w", err)
	}

	region := c.Region
	if region == "" {
		region = "us-east-1"
	}

	client, err := minio.New(c.Endpoint, &minio.Options{
		Creds:        miniocreds.NewStaticV4(key.AccessKey, key.SecretKey, ""),
		Secure:       c.Secure,
		Region:       region,
		BucketLookup: minio.BucketLookupPath,
		Transport:    transport,
		MaxRetries:   1,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: build S3 client for %s: %w", ErrCredentials, key, err)
	}

	return NewS3Store(client), nil
}
