// Package adapters provides the outbound HTTP transport used to reach
// endpoints: bid requests and win notices.
package adapters

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// maxResponseSize limits endpoint response size to prevent OOM attacks
const maxResponseSize = 1024 * 1024 // 1MB

// ErrResponseTooLarge is returned when a response exceeds maxResponseSize
var ErrResponseTooLarge = errors.New("response too large")

// RequestData represents an HTTP request to an endpoint
type RequestData struct {
	Method  string
	URI     string
	Body    []byte
	Headers http.Header
}

// ResponseData represents an HTTP response from an endpoint
type ResponseData struct {
	StatusCode int
	Body       []byte
	Headers    http.Header
}

// HTTPClient defines the interface for HTTP requests
type HTTPClient interface {
	Do(ctx context.Context, req *RequestData, timeout time.Duration) (*ResponseData, error)
}

// DefaultHTTPClient implements HTTPClient
type DefaultHTTPClient struct {
	client *http.Client
}

// NewHTTPClient creates a new HTTP client. timeout is an upper bound; each
// call is further bounded by its context and per-call timeout.
func NewHTTPClient(timeout time.Duration) *DefaultHTTPClient {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConns = 200
	transport.MaxIdleConnsPerHost = 20
	transport.IdleConnTimeout = 90 * time.Second

	return &DefaultHTTPClient{
		client: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
	}
}

// Do executes an HTTP request with proper timeout handling
func (c *DefaultHTTPClient) Do(ctx context.Context, req *RequestData, timeout time.Duration) (*ResponseData, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	method := req.Method
	if method == "" {
		method = http.MethodPost
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URI, body)
	if err != nil {
		return nil, err
	}
	for k, v := range req.Headers {
		httpReq.Header[k] = v
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	// Read one byte past the limit to detect oversized responses
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxResponseSize {
		return nil, fmt.Errorf("%w: exceeded %d bytes", ErrResponseTooLarge, maxResponseSize)
	}

	return &ResponseData{
		StatusCode: resp.StatusCode,
		Body:       data,
		Headers:    resp.Header,
	}, nil
}

// IsTimeout reports whether err is a deadline or network timeout
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
