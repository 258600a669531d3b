package transport

import (
	"context"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/plasticityai/supersqlite/pkg/errors"
)

// HTTPConn issues range requests over a private transport, so closing it
// drops exactly the sockets this connection owns.
type HTTPConn struct {
	url       string
	client    *http.Client
	transport *http.Transport
}

// NewHTTPConn creates a connection to url
func NewHTTPConn(url string, timeout time.Duration) *HTTPConn {
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
		IdleConnTimeout:       90 * time.Second,
		DisableCompression:    true,
	}

	return &HTTPConn{
		url:       url,
		transport: tr,
		client: &http.Client{
			Transport: tr,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// GetRange implements Conn
func (c *HTTPConn) GetRange(ctx context.Context, start, end int64) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidResource, err, "failed to build request").
			WithComponent("transport")
	}
	req.Header.Set("Range", rangeHeader(start, end))

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, networkError(ctx, err, "get_range")
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, statusError(resp.StatusCode, "get_range")
	}

	body := io.ReadCloser(resp.Body)

	// A server that ignores Range answers 200 with the whole resource.
	if resp.StatusCode == http.StatusOK && start > 0 {
		if _, err := io.CopyN(io.Discard, resp.Body, start); err != nil {
			resp.Body.Close()
			if err == io.EOF {
				return http.NoBody, nil
			}
			return nil, networkError(ctx, err, "get_range")
		}
	}
	if resp.StatusCode == http.StatusOK && end >= 0 {
		body = limitedBody{Reader: io.LimitReader(resp.Body, end-start+1), Closer: resp.Body}
	}

	return body, nil
}

// Size implements Conn. The content length of a plain GET is used and the
// body is discarded unread.
func (c *HTTPConn) Size(ctx context.Context) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return 0, errors.Wrap(errors.ErrCodeInvalidResource, err, "failed to build request").
			WithComponent("transport")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, networkError(ctx, err, "size")
	}
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, statusError(resp.StatusCode, "size")
	}
	if resp.ContentLength < 0 {
		return 0, errors.NewError(errors.ErrCodeInvalidResource, "server did not report a content length").
			WithComponent("transport").
			WithOperation("size")
	}

	return resp.ContentLength, nil
}

// Close implements Conn
func (c *HTTPConn) Close() error {
	c.transport.CloseIdleConnections()
	return nil
}
