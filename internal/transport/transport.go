// Package transport provides an http.RoundTripper that waits out 429 responses from the model API.
package transport

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

const defaultMaxAttempts = 5

// Options tune RateLimitedTransport
type Options struct {
	// MaxWait caps a single retry-after wait. A server asking for longer gets its 429 passed through. Zero means no cap
	MaxWait time.Duration
	// MaxAttempts bounds the total number of round trips per request. Zero selects a default
	MaxAttempts int
	Logger      zerolog.Logger
}

// RateLimitedTransport retries requests rejected with 429 Too Many Requests after the delay named by the retry-after
// header
type RateLimitedTransport struct {
	base        http.RoundTripper
	maxWait     time.Duration
	maxAttempts int
	logger      zerolog.Logger
}

func WithRateLimiting(base http.RoundTripper, opts Options) *RateLimitedTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	return &RateLimitedTransport{
		base:        base,
		maxWait:     opts.MaxWait,
		maxAttempts: opts.MaxAttempts,
		logger:      opts.Logger,
	}
}

func (t *RateLimitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// Preserve the original request body for retries
	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read request body: %w", err)
		}
		err = req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to close request body: %w", err)
		}
	}

	for attempt := 1; ; attempt++ {
		if bodyBytes != nil {
			req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		}

		resp, err := t.base.RoundTrip(req)
		if err != nil {
			return resp, err
		}
		if resp.StatusCode != http.StatusTooManyRequests || attempt >= t.maxAttempts {
			return resp, nil
		}

		wait := retryAfter(resp.Header.Get("retry-after"), time.Now())
		if wait <= 0 || (t.maxWait > 0 && wait > t.maxWait) {
			return resp, nil
		}

		// Drain so the connection can be reused
		_, _ = io.Copy(io.Discard, resp.Body)
		if err := resp.Body.Close(); err != nil {
			return nil, fmt.Errorf("failed to close response body: %w", err)
		}

		t.logger.Warn().
			Dur("wait", wait).
			Int("attempt", attempt).
			Str("url", req.URL.String()).
			Msg("rate limited, waiting")
		timer := time.NewTimer(wait)
		select {
		case <-req.Context().Done():
			timer.Stop()
			return nil, req.Context().Err()
		case <-timer.C:
		}
	}
}

// retryAfter parses a retry-after value given either in seconds or as an HTTP date
func retryAfter(value string, now time.Time) time.Duration {
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		return at.Sub(now)
	}
	return 0
}
