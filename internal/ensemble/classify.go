package ensemble

import (
	"context"
	"errors"
	"net"
	"strings"

	"ensemble-gateway/internal/upstream"
)

// Category buckets an upstream failure for retry policy and reporting.
type Category string

const (
	CategoryAuth            Category = "auth"
	CategoryCredits         Category = "credits"
	CategoryForbidden       Category = "forbidden"
	CategoryBadRequest      Category = "bad_request"
	CategoryNotFound        Category = "not_found"
	CategoryProviderTimeout Category = "provider_timeout"
	CategoryTimeout         Category = "timeout"
	CategoryRateLimit       Category = "rate_limit"
	CategoryServerError     Category = "server_error"
	CategoryCancelled       Category = "cancelled"
	CategoryUnknown         Category = "unknown"
)

// Retryable reports whether a failure in this category is worth another
// attempt. Cancellation is never retried: it means the caller withdrew the
// request, not that the upstream faulted.
func (c Category) Retryable() bool {
	switch c {
	case CategoryRateLimit, CategoryTimeout, CategoryProviderTimeout, CategoryServerError:
		return true
	default:
		return false
	}
}

// Classify maps an arbitrary upstream failure to a Category. It is pure and
// total: any input, including nil, yields a category and it never panics.
func Classify(err error) Category {
	if err == nil {
		return CategoryUnknown
	}

	if errors.Is(err, context.Canceled) {
		return CategoryCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout
	}

	var statusErr *upstream.StatusError
	if errors.As(err, &statusErr) {
		if cat, ok := classifyStatus(statusErr.StatusCode); ok {
			return cat
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CategoryTimeout
	}

	return classifyMessage(err.Error())
}

func classifyStatus(code int) (Category, bool) {
	switch code {
	case 400:
		return CategoryBadRequest, true
	case 401:
		return CategoryAuth, true
	case 402:
		return CategoryCredits, true
	case 403:
		return CategoryForbidden, true
	case 404:
		return CategoryNotFound, true
	case 408:
		return CategoryTimeout, true
	case 429:
		return CategoryRateLimit, true
	case 502, 503, 504:
		return CategoryServerError, true
	case 524:
		return CategoryProviderTimeout, true
	default:
		return CategoryUnknown, false
	}
}

func classifyMessage(msg string) Category {
	msg = strings.ToLower(msg)

	switch {
	case contains(msg, "api key", "unauthorized"):
		return CategoryAuth
	case contains(msg, "credits", "balance"):
		return CategoryCredits
	case contains(msg, "forbidden", "moderation"):
		return CategoryForbidden
	case contains(msg, "bad request", "validation"):
		return CategoryBadRequest
	case contains(msg, "not found"):
		return CategoryNotFound
	case contains(msg, "rate limit"):
		return CategoryRateLimit
	// Gateway phrases must win over the bare "timeout" match below.
	case contains(msg, "service unavailable", "bad gateway", "gateway timeout"):
		return CategoryServerError
	case contains(msg, "timeout"):
		return CategoryTimeout
	default:
		return CategoryUnknown
	}
}

func contains(msg string, needles ...string) bool {
	for _, needle := range needles {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}
