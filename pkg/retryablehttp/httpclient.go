// Package retryablehttp retries HTTP requests that fail with a transport error or a
// transient server status.
package retryablehttp

import (
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const backOffMaxDuration = 3 * time.Second

type RetryableRoundTripper struct {
	Client *RetryableHTTPClient
	once   sync.Once
}

var _ http.RoundTripper = (*RetryableRoundTripper)(nil)

func (rt *RetryableRoundTripper) init() {
	if rt.Client == nil {
		rt.Client = NewClient()
	}
}

// RoundTrip executes a single HTTP transaction, but does not attempt to read the response, modify it, or close the body.
func (rt *RetryableRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	rt.once.Do(rt.init)
	return rt.Client.Do(req)
}

type Option func(*RetryableHTTPClient)

// WithMaxElapsedTime bounds the total time spent retrying one request.
func WithMaxElapsedTime(d time.Duration) Option {
	return func(c *RetryableHTTPClient) {
		c.maxElapsedTime = d
	}
}

// WithTransport sets the transport the attempts are sent through.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *RetryableHTTPClient) {
		c.internalClient.Transport = rt
	}
}

type RetryableHTTPClient struct {
	internalClient http.Client
	maxElapsedTime time.Duration
}

func NewClient(opts ...Option) *RetryableHTTPClient {
	c := &RetryableHTTPClient{
		internalClient: http.Client{},
		maxElapsedTime: backOffMaxDuration,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (client *RetryableHTTPClient) Get(url string) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return client.Do(req)
}

// retryable reports whether a response status is worth another attempt.
func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status == http.StatusBadGateway ||
		status == http.StatusServiceUnavailable || status == http.StatusGatewayTimeout
}

// Do sends req until it gets a non-transient answer, the backoff gives up or the request
// context is done. The last transient response is returned when retries run out.
func (client *RetryableHTTPClient) Do(req *http.Request) (*http.Response, error) {
	var resp *http.Response

	backoffPolicy := backoff.NewExponentialBackOff()
	backoffPolicy.MaxElapsedTime = client.maxElapsedTime

	attempt := 0
	err := backoff.Retry(
		func() error {
			if attempt > 0 && req.Body != nil {
				if req.GetBody == nil {
					return backoff.Permanent(fmt.Errorf("cannot retry %s %s: body is not rewindable", req.Method, req.URL))
				}
				body, err := req.GetBody()
				if err != nil {
					return backoff.Permanent(err)
				}
				req.Body = body
			}
			attempt++

			if resp != nil {
				_, _ = io.Copy(io.Discard, resp.Body)
				resp.Body.Close()
				resp = nil
			}

			r, err := client.internalClient.Do(req)
			if err != nil {
				return err
			}
			resp = r
			if retryable(r.StatusCode) {
				return fmt.Errorf("%s %s: %s", req.Method, req.URL, r.Status)
			}
			return nil
		},
		backoff.WithContext(backoffPolicy, req.Context()),
	)

	if resp != nil && retryable(resp.StatusCode) {
		// out of retries on a transient status: hand the last answer to the caller
		return resp, nil
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (client *RetryableHTTPClient) StandardClient() *http.Client {
	return &http.Client{
		Transport: &RetryableRoundTripper{Client: client},
	}
}
