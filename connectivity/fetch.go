package connectivity

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// FetchOptions configures FetchWithRetry.
type FetchOptions struct {
	// Timeout aborts each individual attempt. Default: 30s.
	Timeout time.Duration
	// Retry tunes the backoff between attempts.
	Retry RetryOptions
	// Client overrides the HTTP client. Default: http.DefaultClient.
	Client *http.Client
}

// HTTPStatusError is returned for retryable HTTP statuses so the retry
// matcher can see the code in the message.
type HTTPStatusError struct {
	Status int
	URL    string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("http status %d from %s", e.Status, e.URL)
}

// FetchWithRetry performs an HTTP request with a per-attempt abort timer
// and exponential backoff. A response with status >= 500 or 429 is treated
// as a retryable failure; any other response is returned as-is, including
// 4xx. The request body, if any, must be replayable (provided as bytes).
func FetchWithRetry(ctx context.Context, method, url string, body []byte, header http.Header, opts FetchOptions) (*http.Response, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	client := opts.Client
	if client == nil {
		client = http.DefaultClient
	}

	return WithRetry(ctx, opts.Retry, func(ctx context.Context) (*http.Response, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, opts.Timeout)

		var rd io.Reader
		if body != nil {
			rd = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(attemptCtx, method, url, rd)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("connectivity: new request: %w", err)
		}
		for k, vs := range header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}

		resp, err := client.Do(req)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("connectivity: do: %w", err)
		}

		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			cancel()
			return nil, &HTTPStatusError{Status: resp.StatusCode, URL: url}
		}

		// Tie the body's lifetime to the attempt context.
		resp.Body = &cancelReadCloser{rc: resp.Body, cancel: cancel}
		return resp, nil
	})
}

type cancelReadCloser struct {
	rc     io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Read(p []byte) (int, error) { return c.rc.Read(p) }

func (c *cancelReadCloser) Close() error {
	err := c.rc.Close()
	c.cancel()
	return err
}
