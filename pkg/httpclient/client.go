// Package httpclient provides the rate-limited HTTP executor shared by all
// source adapters. It paces requests per instance, retries transient server
// errors with growing delays, and supports per-status handlers that can
// rewrite the next attempt (used for auth-token refresh flows).
package httpclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrRetryExhausted is returned once max_retries attempts failed with
// retryable statuses.
var ErrRetryExhausted = errors.New("retries exhausted")

// StatusError is a non-2xx response that is neither retryable nor handled.
type StatusError struct {
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200]
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, string(body))
}

// Delta is a partial override of the next retry, produced by a status
// handler. Only non-nil fields are merged. Keeping the handler result
// declarative keeps retry accounting in one place.
type Delta struct {
	Headers map[string]string
	Params  map[string]string
	Body    []byte
}

// StatusHandler inspects a response and returns the override for the retry.
// Returning an error aborts the request.
type StatusHandler func(resp *http.Response, body []byte) (Delta, error)

// Request describes one outbound call.
type Request struct {
	Method  string
	URL     string
	Params  url.Values
	Headers map[string]string
	Body    []byte
}

// Response is the terminal result of a request after retries.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Options configures a Client instance. Zero values fall back to defaults.
type Options struct {
	MaxRPS        float64       // requests per second, default 10
	MaxRetries    int           // default 3
	TimeoutGrowth float64       // backoff multiplier per retry, default 2
	Timeout       time.Duration // per-request timeout, default 60s
	RetryStatus   []int         // default 500, 502, 503, 504
	Proxy         string        // outbound proxy URL, optional
}

type Client struct {
	opts     Options
	limiter  *rate.Limiter
	handlers map[int]StatusHandler
	retry    map[int]bool

	mu         sync.Mutex
	httpClient *http.Client
	backoff    time.Duration // current inter-retry delay, grows on failure
}

// New builds a client. Each provider gets its own instance so pacing is
// per-source.
func New(opts Options) (*Client, error) {
	if opts.MaxRPS <= 0 {
		opts.MaxRPS = 10
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.TimeoutGrowth <= 1 {
		opts.TimeoutGrowth = 2
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if len(opts.RetryStatus) == 0 {
		opts.RetryStatus = []int{500, 502, 503, 504}
	}

	retry := make(map[int]bool, len(opts.RetryStatus))
	for _, code := range opts.RetryStatus {
		retry[code] = true
	}

	c := &Client{
		opts:     opts,
		limiter:  rate.NewLimiter(rate.Limit(opts.MaxRPS), 1),
		handlers: make(map[int]StatusHandler),
		retry:    retry,
		backoff:  baseDelay(opts.MaxRPS),
	}
	if err := c.SwitchProxy(opts.Proxy); err != nil {
		return nil, err
	}
	return c, nil
}

func baseDelay(maxRPS float64) time.Duration {
	return time.Duration(float64(time.Second) / maxRPS)
}

// RegisterStatusHandler installs a handler for an HTTP status code. The
// handler runs at most once per request; its delta is merged into the retry
// without counting against max_retries.
func (c *Client) RegisterStatusHandler(code int, handler StatusHandler) {
	c.handlers[code] = handler
}

// SwitchProxy replaces the underlying transport with one using the given
// outbound proxy (empty for direct). In-flight state is replaced atomically.
func (c *Client) SwitchProxy(proxy string) error {
	transport := &http.Transport{}
	if proxy != "" {
		proxyURL, err := url.Parse(proxy)
		if err != nil {
			return fmt.Errorf("parse proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}
	client := &http.Client{
		Timeout:   c.opts.Timeout,
		Transport: transport,
	}
	c.mu.Lock()
	c.httpClient = client
	c.mu.Unlock()
	return nil
}

// Get is shorthand for Do with method GET.
func (c *Client) Get(ctx context.Context, rawURL string, params url.Values, headers map[string]string) (*Response, error) {
	return c.Do(ctx, Request{Method: http.MethodGet, URL: rawURL, Params: params, Headers: headers})
}

// Post is shorthand for Do with method POST.
func (c *Client) Post(ctx context.Context, rawURL string, headers map[string]string, body []byte) (*Response, error) {
	return c.Do(ctx, Request{Method: http.MethodPost, URL: rawURL, Headers: headers, Body: body})
}

// Do executes a request under the pacing and retry policy:
//  1. wait until 1/max_rps has passed since the previous request
//  2. on 2xx, reset the adaptive delay and return
//  3. on a status with a registered handler, merge the handler's delta and
//     retry once without counting against max_retries
//  4. on a retryable status, grow the delay by timeout_growth and retry
//  5. anything else is returned as *StatusError
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	handlerUsed := false

	for attempt := 0; attempt <= c.opts.MaxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		resp, body, err := c.perform(ctx, req)
		if err != nil {
			// Transport-level failure counts like a retryable status.
			if attempt == c.opts.MaxRetries {
				return nil, fmt.Errorf("%w: %v", ErrRetryExhausted, err)
			}
			if err := c.sleepBackoff(ctx); err != nil {
				return nil, err
			}
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			c.resetBackoff()
			return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
		}

		if handler, ok := c.handlers[resp.StatusCode]; ok && !handlerUsed {
			handlerUsed = true
			delta, err := handler(resp, body)
			if err != nil {
				return nil, fmt.Errorf("status handler for %d: %w", resp.StatusCode, err)
			}
			req = mergeDelta(req, delta)
			attempt-- // handled retry is free
			continue
		}

		if c.retry[resp.StatusCode] {
			if attempt == c.opts.MaxRetries {
				return nil, fmt.Errorf("%w: last status %d", ErrRetryExhausted, resp.StatusCode)
			}
			if err := c.sleepBackoff(ctx); err != nil {
				return nil, err
			}
			continue
		}

		return nil, &StatusError{StatusCode: resp.StatusCode, Body: body}
	}

	return nil, ErrRetryExhausted
}

func (c *Client) perform(ctx context.Context, req Request) (*http.Response, []byte, error) {
	fullURL := req.URL
	if len(req.Params) > 0 {
		fullURL = fmt.Sprintf("%s?%s", req.URL, req.Params.Encode())
	}

	var bodyReader io.Reader
	if req.Body != nil {
		bodyReader = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, fullURL, bodyReader)
	if err != nil {
		return nil, nil, fmt.Errorf("create request: %w", err)
	}
	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}

	c.mu.Lock()
	client := c.httpClient
	c.mu.Unlock()

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("read response body: %w", err)
	}
	return resp, body, nil
}

func (c *Client) sleepBackoff(ctx context.Context) error {
	c.mu.Lock()
	delay := c.backoff
	c.backoff = time.Duration(float64(c.backoff) * c.opts.TimeoutGrowth)
	c.mu.Unlock()

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Client) resetBackoff() {
	c.mu.Lock()
	c.backoff = baseDelay(c.opts.MaxRPS)
	c.mu.Unlock()
}

func mergeDelta(req Request, delta Delta) Request {
	if len(delta.Headers) > 0 {
		headers := make(map[string]string, len(req.Headers)+len(delta.Headers))
		for k, v := range req.Headers {
			headers[k] = v
		}
		for k, v := range delta.Headers {
			headers[k] = v
		}
		req.Headers = headers
	}
	if len(delta.Params) > 0 {
		params := url.Values{}
		for k, v := range req.Params {
			params[k] = v
		}
		for k, v := range delta.Params {
			params.Set(k, v)
		}
		req.Params = params
	}
	if delta.Body != nil {
		req.Body = delta.Body
	}
	return req
}
