package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/ant2api/ant2api/internal/config"
	"github.com/ant2api/ant2api/internal/logging"
	"github.com/klauspost/compress/gzip"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/sjson"
	"golang.org/x/net/http2"
)

// Endpoint names one backend host. Key is the endpoint mode it serves.
type Endpoint struct {
	Key  string
	Host string
}

// CurrentEndpoint returns the endpoint for the active runtime mode.
func CurrentEndpoint() Endpoint {
	mode := config.Runtime().EndpointMode
	return Endpoint{Key: mode, Host: config.EndpointHostForMode(mode)}
}

func (e Endpoint) StreamURL() string {
	return "https://" + e.Host + "/v1internal:streamGenerateContent?alt=sse"
}

func (e Endpoint) UnaryURL() string {
	return "https://" + e.Host + "/v1internal:generateContent"
}

func (e Endpoint) FetchAvailableModelsURL() string {
	return "https://" + e.Host + "/v1internal:fetchAvailableModels"
}

// Client executes backend calls. Model listing and other housekeeping runs
// over HTTP/1.1; the generate endpoints use HTTP/2, which the backend
// requires for SSE.
type Client struct {
	unary  *http.Client
	stream *http.Client

	retryStatusCodes []int
	retryMaxAttempts int
}

// NewClient builds the two HTTP clients from cfg.
func NewClient(cfg *config.Config) (*Client, error) {
	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond

	h1 := &http.Transport{
		ForceAttemptHTTP2:   false,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}

	var streamTransport http.RoundTripper = &http2.Transport{}
	if proxy := cfg.Proxy; proxy != "" {
		parsed, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("upstream: invalid proxy %q: %w", proxy, err)
		}
		h1.Proxy = http.ProxyURL(parsed)
		// http2.Transport cannot speak through a forward proxy; fall back
		// to the stdlib transport and let ALPN negotiate h2.
		streamTransport = &http.Transport{
			Proxy:               http.ProxyURL(parsed),
			ForceAttemptHTTP2:   true,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		}
	}

	attempts := cfg.RetryMaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return &Client{
		unary:            &http.Client{Transport: h1, Timeout: timeout},
		stream:           &http.Client{Transport: streamTransport, Timeout: timeout},
		retryStatusCodes: cfg.RetryStatusCodes,
		retryMaxAttempts: attempts,
	}, nil
}

func buildHeaders(accessToken string, withGzip bool) http.Header {
	h := http.Header{}
	h.Set("User-Agent", config.Runtime().APIUserAgent)
	h.Set("Authorization", "Bearer "+accessToken)
	h.Set("Content-Type", "application/json")
	if withGzip {
		h.Set("Accept-Encoding", "gzip")
	}
	return h
}

// GenerateContent performs a unary generate call and returns the decoded
// response body.
func (c *Client) GenerateContent(ctx context.Context, endpoint Endpoint, accessToken string, body []byte, email string) ([]byte, error) {
	return withRetry(ctx, c, func() ([]byte, error) {
		return c.generateOnce(ctx, endpoint.UnaryURL(), accessToken, body, email)
	})
}

func (c *Client) generateOnce(ctx context.Context, reqURL, accessToken string, body []byte, email string) ([]byte, error) {
	level := logging.ParseLevel(config.Runtime().Debug)
	if level.BackendEnabled() {
		logging.BackendRequest(reqURL, withAccountField(body, email))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("upstream: build request: %w", err)
	}
	req.Header = buildHeaders(accessToken, true)

	start := time.Now()
	resp, err := c.stream.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream: execute request: %w", err)
	}
	defer resp.Body.Close()

	payload, err := readBody(resp)
	if err != nil {
		return nil, err
	}
	if level.BackendEnabled() {
		logging.BackendResponse(resp.StatusCode, time.Since(start), payload)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, ExtractErrorDetails(resp.StatusCode, payload)
	}
	return payload, nil
}

// GenerateContentStream opens the SSE generate call and returns the live
// response. The caller owns the body.
func (c *Client) GenerateContentStream(ctx context.Context, endpoint Endpoint, accessToken string, body []byte, email string) (*http.Response, error) {
	reqURL := endpoint.StreamURL()
	return withRetry(ctx, c, func() (*http.Response, error) {
		level := logging.ParseLevel(config.Runtime().Debug)
		if level.BackendEnabled() {
			logging.BackendRequest(reqURL, withAccountField(body, email))
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("upstream: build request: %w", err)
		}
		req.Header = buildHeaders(accessToken, false)

		start := time.Now()
		resp, err := c.stream.Do(req)
		if err != nil {
			return nil, fmt.Errorf("upstream: execute request: %w", err)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			payload, errRead := readBody(resp)
			resp.Body.Close()
			if errRead != nil {
				return nil, errRead
			}
			if level.BackendEnabled() {
				logging.BackendResponse(resp.StatusCode, time.Since(start), payload)
			}
			return nil, ExtractErrorDetails(resp.StatusCode, payload)
		}
		return resp, nil
	})
}

// FetchAvailableModels retrieves the model and quota table for a project.
// Returns the raw JSON response; callers pick out the fields they need.
func (c *Client) FetchAvailableModels(ctx context.Context, endpoint Endpoint, projectID, accessToken, email string) ([]byte, error) {
	reqURL := endpoint.FetchAvailableModelsURL()
	body, err := sjson.SetBytes([]byte(`{}`), "project", projectID)
	if err != nil {
		return nil, fmt.Errorf("upstream: build payload: %w", err)
	}

	level := logging.ParseLevel(config.Runtime().Debug)
	if level.BackendEnabled() {
		logging.BackendRequest(reqURL, withAccountField(body, email))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("upstream: build request: %w", err)
	}
	req.Header = buildHeaders(accessToken, true)

	start := time.Now()
	resp, err := c.unary.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream: execute request: %w", err)
	}
	defer resp.Body.Close()

	payload, err := readBody(resp)
	if err != nil {
		return nil, err
	}
	if level.BackendEnabled() {
		logging.BackendResponse(resp.StatusCode, time.Since(start), payload)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, ExtractErrorDetails(resp.StatusCode, payload)
	}
	return payload, nil
}

// withRetry re-runs op for retryable statuses. 401 is never retried;
// transport errors pass through untouched. The delay honours the server's
// RetryInfo when present, otherwise backs off linearly capped at 5s.
func withRetry[T any](ctx context.Context, c *Client, op func() (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt < c.retryMaxAttempts; attempt++ {
		v, err := op()
		if err == nil {
			return v, nil
		}

		status, ok := StatusOf(err)
		if !ok || status == 401 {
			return zero, err
		}
		lastErr = err

		if !c.shouldRetryStatus(status) || attempt+1 == c.retryMaxAttempts {
			break
		}

		delay := time.Duration(min64(1000*int64(attempt+1), 5000)) * time.Millisecond
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.RetryDelay > 0 {
			delay = apiErr.RetryDelay
		}
		log.Debugf("upstream: retrying after %s (status %d, attempt %d)", delay, status, attempt+1)
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay):
		}
	}

	if lastErr == nil {
		lastErr = &APIError{Status: 500, Message: "Unknown error"}
	}
	return zero, lastErr
}

func (c *Client) shouldRetryStatus(status int) bool {
	for _, s := range c.retryStatusCodes {
		if s == status {
			return true
		}
	}
	return false
}

func readBody(resp *http.Response) ([]byte, error) {
	var reader io.Reader = resp.Body
	if resp.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("upstream: open gzip body: %w", err)
		}
		defer gz.Close()
		reader = gz
	}
	payload, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("upstream: read response body: %w", err)
	}
	return payload, nil
}

// withAccountField annotates a log copy of the payload with the account
// email. The wire payload is never modified.
func withAccountField(body []byte, email string) []byte {
	annotated, err := sjson.SetBytes(append([]byte(nil), body...), "account", email)
	if err != nil {
		return body
	}
	return annotated
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
