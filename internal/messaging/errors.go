package messaging

import (
	"errors"
	"fmt"
	"time"
)

// ErrorClass drives the action engine's handling of a failed platform call.
type ErrorClass string

const (
	// ClassRateLimit: respect retry-after and try again later.
	ClassRateLimit ErrorClass = "rate_limit"
	// ClassForbidden: the bot lacks permission; do not retry.
	ClassForbidden ErrorClass = "forbidden"
	// ClassBadRequest: the request can never succeed; skip the action.
	ClassBadRequest ErrorClass = "bad_request"
	// ClassNetwork: transport failure; one retry with jitter.
	ClassNetwork ErrorClass = "network"
	// ClassAPI: any other platform error; log and skip.
	ClassAPI ErrorClass = "api"
)

// APIError is a classified platform failure.
type APIError struct {
	Class       ErrorClass
	Code        int
	Description string
	RetryAfter  time.Duration
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("messaging: %s (code %d): %s", e.Class, e.Code, e.Description)
	}
	return fmt.Sprintf("messaging: %s: %s", e.Class, e.Description)
}

// ClassOf extracts the error class; unclassified errors count as network
// failures, the conservative choice for transport-level surprises.
func ClassOf(err error) ErrorClass {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Class
	}
	return ClassNetwork
}

// RetryAfterOf returns the server-requested backoff, zero if none.
func RetryAfterOf(err error) time.Duration {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.RetryAfter
	}
	return 0
}

// classify maps a platform status code onto an error class.
func classify(code int) ErrorClass {
	switch {
	case code == 429:
		return ClassRateLimit
	case code == 403:
		return ClassForbidden
	case code == 400:
		return ClassBadRequest
	default:
		return ClassAPI
	}
}
