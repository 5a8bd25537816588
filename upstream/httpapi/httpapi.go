// Package httpapi is the reference upstream adapter for JSON-over-HTTP
// providers. Operations map to GET paths on a base URL; query parameters
// carry the request params. Transport failures on these safe operations
// are retried with backoff, but a provider 429 is never retried here: it
// must reach the coordinator, which owns the cool-down reaction.
package httpapi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	"github.com/IvanBrykalov/quotagate/upstream"
)

// maxBody bounds how much of a response is read, keeping a misbehaving
// provider from exhausting memory.
const maxBody = 8 << 20

// Options configures an Adapter.
type Options struct {
	// BaseURL is the provider endpoint, without a trailing slash.
	BaseURL string

	// Paths maps operation names to URL paths. Unknown operations fail.
	Paths map[string]string

	// Timeout caps one attempt. <= 0 selects 10s.
	Timeout time.Duration

	// RetryMax is the transport retry budget. <= 0 selects 2.
	RetryMax int

	// Logger receives retry noise at debug level. nil disables.
	Logger *zerolog.Logger
}

// Adapter dispatches provider operations over HTTP.
type Adapter struct {
	base   string
	paths  map[string]string
	client *retryablehttp.Client
}

var _ upstream.Adapter = (*Adapter)(nil)

// New constructs an Adapter.
func New(opt Options) *Adapter {
	c := retryablehttp.NewClient()
	c.Logger = nil
	c.RetryMax = opt.RetryMax
	if c.RetryMax <= 0 {
		c.RetryMax = 2
	}
	c.HTTPClient.Timeout = opt.Timeout
	if c.HTTPClient.Timeout <= 0 {
		c.HTTPClient.Timeout = 10 * time.Second
	}
	if opt.Logger != nil {
		c.Logger = retryLogger{*opt.Logger}
	}
	// Retry only transport errors and 5xx; a 429 is a quota signal, not a
	// transient fault.
	c.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if err != nil {
			return true, nil
		}
		return resp.StatusCode >= 500, nil
	}
	return &Adapter{base: opt.BaseURL, paths: opt.Paths, client: c}
}

// Dispatch executes one operation and returns the raw JSON payload.
func (a *Adapter) Dispatch(ctx context.Context, operation string, params map[string]string) (upstream.Result, error) {
	path, ok := a.paths[operation]
	if !ok {
		return upstream.Result{}, fmt.Errorf("httpapi: no path for operation %q", operation)
	}

	q := url.Values{}
	for k, v := range params {
		q.Set(k, v)
	}
	u := a.base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return upstream.Result{}, fmt.Errorf("httpapi: build request: %w", err)
	}

	start := time.Now()
	resp, err := a.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return upstream.Result{}, fmt.Errorf("httpapi: %s %s: %w", operation, a.base, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return upstream.Result{}, fmt.Errorf("httpapi: read body: %w", err)
	}

	res := upstream.Result{Payload: body, Status: resp.StatusCode, Latency: latency}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return res, fmt.Errorf("%w: %s", upstream.ErrThrottled, operation)
	case resp.StatusCode >= 400:
		return res, fmt.Errorf("httpapi: %s returned %d", operation, resp.StatusCode)
	}
	return res, nil
}

// retryLogger adapts zerolog to the retryablehttp logger contract.
type retryLogger struct{ l zerolog.Logger }

func (r retryLogger) Printf(format string, args ...interface{}) {
	r.l.Debug().Msgf(format, args...)
}
