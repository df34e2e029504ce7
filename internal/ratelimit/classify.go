package ratelimit

import (
	stderrors "errors"
	"strings"

	"github.com/chartsense/chartsense/pkg/errors"
)

// Message fragments providers commonly put in throttling responses.
// Pattern matching is the fallback for clients that return opaque
// errors; structured error codes are always checked first.
var rateLimitFragments = []string{
	"rate limit",
	"rate-limit",
	"ratelimit",
	"too many requests",
	"too_many_requests",
	"429",
	"quota exceeded",
	"quota_exceeded",
	"throttl",
	"slow down",
}

// IsRateLimitError reports whether an external-API error should drive
// backoff state rather than a plain retry. Structured errors are
// authoritative; the fragment scan only applies to opaque errors, so a
// structured non-rate-limit error never matches by accident.
func IsRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	var chartErr *errors.Error
	if stderrors.As(err, &chartErr) {
		return errors.IsRateLimit(err)
	}

	msg := strings.ToLower(err.Error())
	for _, fragment := range rateLimitFragments {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}
