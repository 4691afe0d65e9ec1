package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"bcsync/internal/config"
	"bcsync/internal/metrics"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

// maxResponseSize caps how much of an upstream body is read (10MB).
const maxResponseSize = 10 * 1024 * 1024

// Options configures a Client.
type Options struct {
	System      string
	HTTPClient  *http.Client
	TokenSource oauth2.TokenSource
	Retry       RetryPolicy
	RateLimit   float64
	Logger      *zerolog.Logger
}

// Client performs authenticated JSON calls with retries. One instance is
// shared per upstream system.
type Client struct {
	system  string
	http    *http.Client
	tokens  oauth2.TokenSource
	retry   RetryPolicy
	limiter *rate.Limiter
	logger  *zerolog.Logger

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

func New(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	retry := opts.Retry
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = 1
	}
	logger := opts.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	var limiter *rate.Limiter
	if opts.RateLimit > 0 {
		burst := int(opts.RateLimit)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return &Client{
		system:  opts.System,
		http:    httpClient,
		tokens:  opts.TokenSource,
		retry:   retry,
		limiter: limiter,
		logger:  logger,
		sleep:   sleepContext,
		now:     time.Now,
	}
}

// ForSystem builds a client for one upstream system from its config sections.
func ForSystem(system string, oauth config.OAuthConfig, rps float64, timeoutSeconds int, retry config.RetryConfig, logger *zerolog.Logger) *Client {
	timeout := 60 * time.Second
	if timeoutSeconds > 0 {
		timeout = time.Duration(timeoutSeconds) * time.Second
	}
	httpClient := &http.Client{Timeout: timeout}
	return New(Options{
		System:      system,
		HTTPClient:  httpClient,
		TokenSource: NewTokenSource(oauth, httpClient),
		Retry:       PolicyFromConfig(retry),
		RateLimit:   rps,
		Logger:      logger,
	})
}

// Request describes one call. Body is JSON-encoded once and re-sent on retry.
type Request struct {
	Method  string
	URL     string
	Body    any
	Headers map[string]string
}

// Response is a fully read upstream response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// ETag returns the response ETag header, falling back to @odata.etag in the body.
func (r *Response) ETag() string {
	if r == nil {
		return ""
	}
	if etag := r.Header.Get("ETag"); etag != "" {
		return etag
	}
	var probe struct {
		ETag string `json:"@odata.etag"`
	}
	if len(r.Body) > 0 && json.Unmarshal(r.Body, &probe) == nil {
		return probe.ETag
	}
	return ""
}

// Decode unmarshals the body into out; an empty body is not an error.
func (r *Response) Decode(out any) error {
	if out == nil || r == nil || len(bytes.TrimSpace(r.Body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Do executes req, retrying 429/503/504 and transport errors with exponential
// backoff that honors Retry-After, bounded by attempts and the retry budget.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	var payload []byte
	if req.Body != nil {
		switch b := req.Body.(type) {
		case []byte:
			payload = b
		default:
			data, err := json.Marshal(b)
			if err != nil {
				return nil, fmt.Errorf("encode request body: %w", err)
			}
			payload = data
		}
	}

	budget := retryBudget(ctx, c.retry)
	var slept time.Duration
	var lastErr error

	for attempt := 1; attempt <= c.retry.MaxAttempts; attempt++ {
		resp, err := c.once(ctx, req, payload)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		status := "transport"
		var httpErr *HTTPError
		if errors.As(err, &httpErr) {
			if !Retryable(httpErr.Status) {
				return nil, err
			}
			status = strconv.Itoa(httpErr.Status)
		} else if ctx.Err() != nil {
			return nil, err
		}
		if attempt == c.retry.MaxAttempts {
			break
		}

		delay := c.retry.NextDelay(attempt)
		if resp != nil {
			if ra, ok := RetryAfter(resp.Header, c.now()); ok {
				delay = ra
			}
		}
		if budget > 0 && slept+delay > budget {
			c.logger.Warn().Str("system", c.system).Str("url", RedactURL(req.URL)).
				Dur("slept", slept).Dur("budget", budget).Msg("retry budget exhausted")
			break
		}

		metrics.IncHTTPRetry(c.system, status)
		c.logger.Warn().Err(err).Str("system", c.system).Int("attempt", attempt).
			Dur("delay", delay).Msg("retrying upstream call")
		if err := c.sleep(ctx, delay); err != nil {
			return nil, err
		}
		slept += delay
	}
	return nil, lastErr
}

// once performs a single attempt. On HTTP failure it returns both the response
// (for Retry-After) and an *HTTPError.
func (c *Client) once(ctx context.Context, req Request, payload []byte) (*Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if c.tokens != nil {
		token, err := c.tokens.Token()
		if err != nil {
			return nil, fmt.Errorf("%s token: %w", c.system, err)
		}
		token.SetAuthHeader(httpReq)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s %s %s: %w", c.system, req.Method, RedactURL(req.URL), err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	out := &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return out, &HTTPError{
			System: c.system,
			Method: req.Method,
			Path:   RedactURL(req.URL),
			Status: resp.StatusCode,
			Body:   string(data),
		}
	}
	return out, nil
}

// GetJSON is a convenience for GET + decode.
func (c *Client) GetJSON(ctx context.Context, url string, headers map[string]string, out any) (*Response, error) {
	resp, err := c.Do(ctx, Request{Method: http.MethodGet, URL: url, Headers: headers})
	if err != nil {
		return nil, err
	}
	return resp, resp.Decode(out)
}

// Page is the OData collection envelope.
type Page struct {
	Value     []json.RawMessage `json:"value"`
	NextLink  string            `json:"@odata.nextLink"`
	DeltaLink string            `json:"@odata.deltaLink"`
}

// ErrTooManyPages is returned when paging stops at the configured page cap
// before the provider reported the end of the collection.
var ErrTooManyPages = errors.New("page limit reached before end of collection")

// Paginate follows @odata.nextLink from url, calling fn per page. It returns
// the final @odata.deltaLink if the provider issued one. maxPages <= 0 means
// unbounded.
func (c *Client) Paginate(ctx context.Context, url string, headers map[string]string, maxPages int, fn func(items []json.RawMessage) error) (string, error) {
	next := url
	for pages := 0; next != ""; pages++ {
		if maxPages > 0 && pages >= maxPages {
			return "", ErrTooManyPages
		}
		var page Page
		if _, err := c.GetJSON(ctx, next, headers, &page); err != nil {
			return "", err
		}
		if err := fn(page.Value); err != nil {
			return "", err
		}
		if page.DeltaLink != "" {
			return page.DeltaLink, nil
		}
		next = page.NextLink
	}
	return "", nil
}
