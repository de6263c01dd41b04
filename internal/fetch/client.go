package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/sirupsen/logrus"
)

// DefaultUserAgent is sent with every request unless overridden
const DefaultUserAgent = "resolvd/1.0 (+package-fetch)"

// Options configures a Client
type Options struct {
	UserAgent      string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	// MaxBytes caps how much of a response body is read
	MaxBytes int64
	// Transport replaces the default pooled transport, mostly for tests
	Transport http.RoundTripper
}

// Request describes one GET
type Request struct {
	URL    string
	Accept string
	// RangeEnd requests bytes 0..RangeEnd when > 0
	RangeEnd int64
}

// Response is a fully read HTTP response
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// StatusError is returned for non-success HTTP statuses
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d", e.URL, e.StatusCode)
}

// IsNotFound reports whether err is a 404 from the remote
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusNotFound
}

// Client performs plain HTTP(S) GETs with fixed timeouts
type Client struct {
	http      *http.Client
	userAgent string
	maxBytes  int64
}

// NewClient builds a Client on top of a pooled cleanhttp transport
func NewClient(opts Options) *Client {
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 30 * time.Second
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 64 << 20
	}

	transport := opts.Transport
	if transport == nil {
		pooled := cleanhttp.DefaultPooledTransport()
		pooled.DialContext = (&net.Dialer{
			Timeout:   opts.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext
		pooled.TLSHandshakeTimeout = opts.ConnectTimeout
		pooled.ResponseHeaderTimeout = opts.ReadTimeout
		transport = pooled
	}

	return &Client{
		http: &http.Client{
			Transport: transport,
			Timeout:   opts.ConnectTimeout + opts.ReadTimeout,
		},
		userAgent: opts.UserAgent,
		maxBytes:  opts.MaxBytes,
	}
}

// Get downloads a URL and returns the body on 2xx
func (c *Client) Get(ctx context.Context, url string) ([]byte, error) {
	resp, err := c.Do(ctx, Request{URL: url})
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// Do issues a GET and reads the response. Non-2xx statuses are returned as
// *StatusError together with the response.
func (c *Client) Do(ctx context.Context, r Request) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid request for %s: %w", r.URL, err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	if r.Accept != "" {
		req.Header.Set("Accept", r.Accept)
	}
	if r.RangeEnd > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=0-%d", r.RangeEnd))
	}

	logrus.Debugf("GET %s", r.URL)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", r.URL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("GET %s: reading body: %w", r.URL, err)
	}
	if int64(len(body)) > c.maxBytes {
		return nil, fmt.Errorf("GET %s: body exceeds %d bytes", r.URL, c.maxBytes)
	}

	out := &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return out, &StatusError{URL: r.URL, StatusCode: resp.StatusCode}
	}
	return out, nil
}
