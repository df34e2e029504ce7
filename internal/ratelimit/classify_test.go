package ratelimit

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/chartsense/chartsense/pkg/errors"
)

// TestIsRateLimitError tests structured and opaque classification
func TestIsRateLimitError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "structured rate limited", err: errors.New(errors.ErrCodeRateLimited, "slow"), want: true},
		{name: "structured quota", err: errors.New(errors.ErrCodeQuotaExceeded, "out of calls"), want: true},
		{name: "structured backoff", err: errors.New(errors.ErrCodeBackoffActive, "cooling down"), want: true},
		{name: "structured exhaustion is not a rate limit", err: errors.New(errors.ErrCodeRetryExhausted, "gave up"), want: false},
		{name: "structured storage", err: errors.New(errors.ErrCodeStorageRead, "disk gone"), want: false},
		{
			name: "structured non-rate-limit wrapping throttle text",
			err:  errors.Wrap(errors.ErrCodeOperationFailed, "request failed", stderrors.New("429 too many requests")),
			want: false,
		},
		{name: "opaque 429", err: stderrors.New("HTTP 429 Too Many Requests"), want: true},
		{name: "opaque rate limit", err: stderrors.New("provider rate limit reached"), want: true},
		{name: "opaque quota", err: stderrors.New("Quota Exceeded for today"), want: true},
		{name: "opaque throttling", err: stderrors.New("request was throttled, try later"), want: true},
		{name: "opaque slow down", err: fmt.Errorf("upstream says: %s", "Slow Down"), want: true},
		{name: "opaque unrelated", err: stderrors.New("connection reset by peer"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRateLimitError(tt.err); got != tt.want {
				t.Errorf("IsRateLimitError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
