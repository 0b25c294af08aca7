// Package upstream speaks the Antigravity code-assist wire protocol:
// request execution over HTTP/1.1 and HTTP/2, error envelope decoding, and
// SSE stream consumption.
package upstream

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// APIError is a decoded upstream error envelope.
type APIError struct {
	Status                 int
	Message                string
	RetryDelay             time.Duration
	DisableToken           bool
	ModelCapacityExhausted bool
}

func (e *APIError) Error() string {
	return fmt.Sprintf("upstream error %d: %s", e.Status, e.Message)
}

// StatusOf returns the HTTP status carried by err when it is an APIError.
func StatusOf(err error) (int, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status, true
	}
	return 0, false
}

// IsAuthFailure reports whether err means the access token was rejected.
func IsAuthFailure(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Status == 401 || apiErr.DisableToken
}

// IsModelCapacityExhausted reports whether err is the upstream's
// model-overload rejection.
func IsModelCapacityExhausted(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.ModelCapacityExhausted
}

// ExtractErrorDetails decodes a non-2xx response body into an APIError.
// A textual error.code remaps the status (RESOURCE_EXHAUSTED to 429,
// INTERNAL to 500, UNAUTHENTICATED to 401 plus token disable); a numeric
// code in (0, 65535] overrides it outright.
func ExtractErrorDetails(status int, body []byte) *APIError {
	out := &APIError{Status: status, Message: "Unknown error"}

	root := gjson.GetBytes(body, "error")
	if !root.Exists() {
		return out
	}
	if msg := root.Get("message").String(); msg != "" {
		out.Message = msg
	}

	code := root.Get("code")
	switch code.Type {
	case gjson.String:
		switch strings.ToUpper(code.String()) {
		case "RESOURCE_EXHAUSTED":
			out.Status = 429
		case "INTERNAL":
			out.Status = 500
		case "UNAUTHENTICATED":
			out.Status = 401
			out.DisableToken = true
		}
	case gjson.Number:
		if n := code.Int(); n > 0 && n <= 65535 {
			out.Status = int(n)
		}
	}

	if out.Status == 503 &&
		root.Get("status").String() == "UNAVAILABLE" &&
		strings.HasPrefix(out.Message, "No capacity available for model ") {
		for _, d := range root.Get("details").Array() {
			if d.Get("@type").String() == "type.googleapis.com/google.rpc.ErrorInfo" &&
				d.Get("reason").String() == "MODEL_CAPACITY_EXHAUSTED" &&
				d.Get("metadata.model").String() != "" {
				out.ModelCapacityExhausted = true
				break
			}
		}
	}

	for _, d := range root.Get("details").Array() {
		if !strings.Contains(d.Get("@type").String(), "RetryInfo") {
			continue
		}
		raw := d.Get("retryDelay").String()
		if raw == "" {
			raw = d.Get("retry_delay").String()
		}
		if delay, ok := parseRetryDelay(raw); ok {
			out.RetryDelay = delay
		}
	}
	return out
}

// parseRetryDelay accepts the protobuf duration form: "2s", "2.5s", "0.123s".
func parseRetryDelay(s string) (time.Duration, bool) {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "s")
	if s == "" {
		return 0, false
	}
	secs, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || secs < 0 {
		return 0, false
	}
	return time.Duration(secs * float64(time.Second)), true
}
