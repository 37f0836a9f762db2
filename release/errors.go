package release

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// RemoteAPIError is a non-2xx response or an error payload from the
// release-hosting API.
type RemoteAPIError struct {
	// StatusCode is the HTTP status of the response. An error payload
	// delivered with a 200 keeps StatusCode 200.
	StatusCode int

	// Message is the "message" field of the JSON error body, or the raw
	// body when no such field is present.
	Message string
}

func (e *RemoteAPIError) Error() string {
	return fmt.Sprintf("release: API error (HTTP %d): %s", e.StatusCode, e.Message)
}

// apiError builds a *RemoteAPIError from a response body, extracting the
// "message" field when the body is the API's JSON error object.
func apiError(statusCode int, body []byte) *RemoteAPIError {
	apiErr := &RemoteAPIError{StatusCode: statusCode}
	var wire struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &wire) == nil && wire.Message != "" {
		apiErr.Message = wire.Message
	} else {
		apiErr.Message = strings.TrimSpace(string(body))
	}
	return apiErr
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *RemoteAPIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// IsRateLimited reports whether err is a rate-limit rejection. The API
// uses 429 for secondary limits and 403 with a recognizable message for
// the primary limit.
func IsRateLimited(err error) bool {
	var apiErr *RemoteAPIError
	if !errors.As(err, &apiErr) {
		return false
	}
	if apiErr.StatusCode == http.StatusTooManyRequests {
		return true
	}
	return apiErr.StatusCode == http.StatusForbidden &&
		strings.Contains(strings.ToLower(apiErr.Message), "rate limit")
}
