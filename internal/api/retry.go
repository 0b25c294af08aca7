package api

import (
	"net/http"

	"github.com/ant2api/ant2api/internal/upstream"
)

// How many capacity-exhausted rotations to tolerate before giving up on the
// model for this request.
const modelCapacityExhaustedMaxRetries = 5

const (
	msgBackendRequestFailed = "后端请求失败"
	msgModelOverloaded      = "模型已过载，请稍后再试"
	msgParseRequestFailed   = "请求 JSON 解析失败，请检查请求体格式。"
)

// shouldRetryWithNextToken reports whether the failure is worth another
// attempt on a different credential. 401 is never retried on the same token,
// but a sibling account may still be healthy.
func shouldRetryWithNextToken(err error) bool {
	if upstream.IsModelCapacityExhausted(err) {
		return true
	}
	status, ok := upstream.StatusOf(err)
	if !ok {
		return false
	}
	switch status {
	case http.StatusTooManyRequests, http.StatusUnauthorized, http.StatusForbidden:
		return true
	}
	return false
}

// finalErrorResponse folds the last attempt's error into a client status and
// message.
func finalErrorResponse(lastErr error, capacityFailures int) (int, string) {
	status := http.StatusServiceUnavailable
	msg := msgBackendRequestFailed
	if lastErr != nil {
		if st, ok := upstream.StatusOf(lastErr); ok {
			status = st
		}
		msg = lastErr.Error()
		if capacityFailures >= modelCapacityExhaustedMaxRetries && upstream.IsModelCapacityExhausted(lastErr) {
			msg = msgModelOverloaded
		}
	}
	return status, msg
}
