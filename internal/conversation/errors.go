package conversation

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"didi-voice/internal/domain"
)

// Kind classifies a provider failure.
type Kind string

const (
	KindConfiguration    Kind = "configuration"
	KindTransport        Kind = "transport"
	KindTimeout          Kind = "timeout"
	KindRateLimit        Kind = "rate_limit"
	KindMalformedRequest Kind = "malformed_request"
	KindAuth             Kind = "auth"
	KindProvider         Kind = "provider"
	KindSafety           Kind = "safety"
	KindEmptyResponse    Kind = "empty_response"
	KindCanceled         Kind = "canceled"
)

// Retryable reports whether another attempt can succeed. A bad request, a
// missing credential or a caller that went away will fail the same way again.
func (k Kind) Retryable() bool {
	switch k {
	case KindConfiguration, KindMalformedRequest, KindCanceled:
		return false
	default:
		return true
	}
}

// ProviderError is a classified failure of one provider attempt.
type ProviderError struct {
	Kind    Kind
	Attempt int
	Err     error
}

func (e *ProviderError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("conversation: provider %s error on attempt %d: %v", e.Kind, e.Attempt, e.Err)
}

func (e *ProviderError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

// Classify maps a provider error to its Kind. parent is the caller's context;
// a done parent means the caller gave up, which is not a provider fault.
func Classify(parent context.Context, err error) Kind {
	if parent != nil && parent.Err() != nil {
		return KindCanceled
	}
	switch {
	case errors.Is(err, domain.ErrMissingCredential):
		return KindConfiguration
	case errors.Is(err, domain.ErrCredentialUnavailable):
		return KindTransport
	case errors.Is(err, domain.ErrSafetyBlocked):
		return KindSafety
	case errors.Is(err, domain.ErrEmptyResponse):
		return KindEmptyResponse
	}

	var statusErr httpStatusCoder
	if errors.As(err, &statusErr) {
		switch code := statusErr.HTTPStatusCode(); {
		case code == http.StatusTooManyRequests:
			return KindRateLimit
		case code == http.StatusBadRequest:
			return KindMalformedRequest
		case code == http.StatusUnauthorized || code == http.StatusForbidden:
			return KindAuth
		default:
			return KindProvider
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	var urlErr *url.Error
	var opErr *net.OpError
	if errors.As(err, &urlErr) || errors.As(err, &opErr) || netErr != nil {
		return KindTransport
	}
	return KindProvider
}

func classify(parent context.Context, attempt int, err error) *ProviderError {
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr
	}
	return &ProviderError{Kind: Classify(parent, err), Attempt: attempt, Err: err}
}
