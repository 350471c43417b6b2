package earthengine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestCategorizeError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCategory
	}{
		{"nil", nil, ""},
		{"canceled", context.Canceled, ErrorCategoryCanceled},
		{"deadline", fmt.Errorf("request timeout: %w", context.DeadlineExceeded), ErrorCategoryTimeout},
		{"circuit open", ErrCircuitOpen, ErrorCategoryCircuitOpen},
		{"unauthorized", &APIError{StatusCode: 401, Message: "denied", kind: ErrUnauthorized}, ErrorCategoryUnauthorized},
		{"not found", &APIError{StatusCode: 404, kind: ErrNotFound}, ErrorCategoryNotFound},
		{"bad request", fmt.Errorf("wrap: %w", &APIError{StatusCode: 400, kind: ErrBadRequest}), ErrorCategoryBadRequest},
		{"rate limited", fmt.Errorf("exhausted retries: %w", &APIError{StatusCode: 429, kind: ErrRateLimited}), ErrorCategoryRateLimited},
		{"upstream", &APIError{StatusCode: 503, kind: ErrUpstreamFailure}, ErrorCategoryUpstream5xx},
		{"net timeout", &net.OpError{Op: "dial", Err: timeoutErr{}}, ErrorCategoryTimeout},
		{"connection refused", errors.New("dial tcp: connection refused"), ErrorCategoryNetwork},
		{"parse", errors.New("parse response: unexpected EOF"), ErrorCategoryParsing},
		{"unknown", errors.New("something else"), ErrorCategoryUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CategorizeError(tt.err); got != tt.want {
				t.Errorf("CategorizeError(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}

func TestMessage(t *testing.T) {
	apiErr := &APIError{StatusCode: 400, Message: "Image.load: Asset 'X' not found.", kind: ErrBadRequest}
	if got := Message(fmt.Errorf("exhausted retries: %w", apiErr)); got != apiErr.Message {
		t.Errorf("Message() = %q, want API message", got)
	}
	if got := Message(errors.New("plain")); got != "plain" {
		t.Errorf("Message() = %q, want plain", got)
	}
	if got := Message(nil); got != "" {
		t.Errorf("Message(nil) = %q, want empty", got)
	}
}
