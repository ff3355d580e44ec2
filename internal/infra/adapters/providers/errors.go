package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"ai-image-pipeline/internal/domain/ports/adapter"
	"ai-image-pipeline/internal/infra/metrics"
)

// normalizeHTTPStatus maps a raw HTTP status to the uniform provider error
// taxonomy and records the failure metric.
func normalizeHTTPStatus(provider, op string, status int, detail string) *adapter.ProviderError {
	var kind adapter.ProviderErrorKind
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = adapter.ErrKindAuth
	case status == http.StatusTooManyRequests:
		kind = adapter.ErrKindRateLimited
	case status >= 400 && status < 500:
		kind = adapter.ErrKindRequest
	default:
		kind = adapter.ErrKindTransport
	}
	metrics.IncProviderError(provider, op, string(kind))
	return adapter.NewProviderError(kind, provider, fmt.Sprintf("http %d: %s", status, detail), nil)
}

// normalizeTransport wraps non-HTTP failures (dial errors, deadline expiry).
func normalizeTransport(provider, op string, err error) *adapter.ProviderError {
	kind := adapter.ErrKindTransport
	if errors.Is(err, context.DeadlineExceeded) {
		kind = adapter.ErrKindTimeout
	}
	metrics.IncProviderError(provider, op, string(kind))
	return adapter.NewProviderError(kind, provider, err.Error(), err)
}
