package transport

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/plasticityai/supersqlite/internal/config"
	"github.com/plasticityai/supersqlite/pkg/errors"
)

// Conn is one logical connection to a remote resource. Reconnecting means
// closing a Conn and dialing a fresh one.
type Conn interface {
	// GetRange requests bytes [start, end] inclusive. A negative end leaves
	// the range open so the server clamps it. The returned body yields
	// exactly the bytes of the range starting at start.
	GetRange(ctx context.Context, start, end int64) (io.ReadCloser, error)

	// Size returns the content length of the resource.
	Size(ctx context.Context) (int64, error)

	Close() error
}

// Dialer opens a new Conn to a fixed resource
type Dialer func() (Conn, error)

// NewDialer returns a Dialer for the resource's scheme
func NewDialer(ctx context.Context, res Resource, cfg config.NetworkConfig) (Dialer, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	switch res.Scheme {
	case SchemeHTTP, SchemeHTTPS:
		return func() (Conn, error) {
			return NewHTTPConn(res.URL, timeout), nil
		}, nil
	case SchemeS3:
		awsCfg, err := LoadS3Config(ctx, cfg.S3)
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeInvalidResource, err, "failed to load AWS configuration").
				WithComponent("transport")
		}
		return func() (Conn, error) {
			return NewS3Conn(awsCfg, cfg.S3, res.Bucket, res.Key, timeout), nil
		}, nil
	default:
		return nil, errors.NewError(errors.ErrCodeInvalidResource, fmt.Sprintf("unsupported scheme %q", res.Scheme)).
			WithComponent("transport")
	}
}

func statusError(status int, op string) error {
	return errors.NewError(errors.ErrCodeHTTPStatus, fmt.Sprintf("server returned status %d", status)).
		WithComponent("transport").
		WithOperation(op).
		WithHTTPStatus(status)
}

// networkError classifies a failed exchange. Caller cancellation is final,
// everything else is a transient network failure worth a reconnect.
func networkError(ctx context.Context, err error, op string) error {
	if ctx.Err() != nil {
		return errors.Wrap(errors.ErrCodeOperationCanceled, err, "request canceled").
			WithComponent("transport").
			WithOperation(op)
	}
	return errors.Wrap(errors.ErrCodeNetworkTransient, err, "network request failed").
		WithComponent("transport").
		WithOperation(op)
}

func rangeHeader(start, end int64) string {
	if end < 0 {
		return fmt.Sprintf("bytes=%d-", start)
	}
	return fmt.Sprintf("bytes=%d-%d", start, end)
}

// limitedBody closes the underlying body while reading from a limited view of it
type limitedBody struct {
	io.Reader
	io.Closer
}
