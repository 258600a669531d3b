package transport

import (
	"context"
	stderr "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/plasticityai/supersqlite/internal/config"
	"github.com/plasticityai/supersqlite/pkg/errors"
)

// LoadS3Config resolves region and credentials for s3:// resources
func LoadS3Config(ctx context.Context, cfg config.S3Config) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}

	switch {
	case cfg.Anonymous:
		opts = append(opts, awsconfig.WithCredentialsProvider(aws.AnonymousCredentials{}))
	case cfg.AccessKeyID != "" && cfg.SecretAccessKey != "":
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return awsCfg, nil
}

// S3Conn issues ranged GetObject calls through a client that owns its own
// HTTP transport.
type S3Conn struct {
	client    *s3.Client
	transport *http.Transport
	bucket    string
	key       string
}

// NewS3Conn creates a connection to one object
func NewS3Conn(awsCfg aws.Config, cfg config.S3Config, bucket, key string, timeout time.Duration) *S3Conn {
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   timeout,
		ResponseHeaderTimeout: timeout,
		MaxIdleConnsPerHost:   1,
		MaxConnsPerHost:       1,
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.HTTPClient = &http.Client{Transport: tr}
		// attempts are counted by the caller
		o.Retryer = aws.NopRetryer{}
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.UsePathStyle {
			o.UsePathStyle = true
		}
	})

	return &S3Conn{
		client:    client,
		transport: tr,
		bucket:    bucket,
		key:       key,
	}
}

// GetRange implements Conn
func (c *S3Conn) GetRange(ctx context.Context, start, end int64) (io.ReadCloser, error) {
	out, err := c.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.key),
		Range:  aws.String(rangeHeader(start, end)),
	})
	if err != nil {
		return nil, c.translateError(ctx, err, "get_range")
	}
	return out.Body, nil
}

// Size implements Conn
func (c *S3Conn) Size(ctx context.Context) (int64, error) {
	out, err := c.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.key),
	})
	if err != nil {
		return 0, c.translateError(ctx, err, "size")
	}
	if out.ContentLength == nil {
		return 0, errors.NewError(errors.ErrCodeInvalidResource, "object has no content length").
			WithComponent("transport").
			WithOperation("size")
	}
	return aws.ToInt64(out.ContentLength), nil
}

// Close implements Conn
func (c *S3Conn) Close() error {
	c.transport.CloseIdleConnections()
	return nil
}

// httpStatusCoder is implemented by the SDK's response errors
type httpStatusCoder interface {
	HTTPStatusCode() int
}

func (c *S3Conn) translateError(ctx context.Context, err error, op string) error {
	switch {
	case isErrorType[*s3types.NoSuchKey](err), isErrorType[*s3types.NotFound](err):
		return statusError(http.StatusNotFound, op)
	case isErrorType[*s3types.NoSuchBucket](err):
		return statusError(http.StatusNotFound, op)
	}

	var coded httpStatusCoder
	if stderr.As(err, &coded) && coded.HTTPStatusCode() != 0 {
		return statusError(coded.HTTPStatusCode(), op)
	}

	return networkError(ctx, err, op)
}

// isErrorType checks if an error is of a specific type
func isErrorType[T error](err error) bool {
	var target T
	return stderr.As(err, &target)
}
