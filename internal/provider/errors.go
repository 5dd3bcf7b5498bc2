package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/timmy/exposcan/internal/domain"
)

// ErrorKind classifies adapter failures for the retry policy and the controller.
type ErrorKind int

const (
	// Transient failures (timeouts, 5xx, rate limits, worker unavailable) are retried.
	Transient ErrorKind = iota
	// Permanent failures (bad credentials, rejected target) fail immediately.
	Permanent
	// Unavailable means the provider is disabled or not configured; the task is skipped.
	Unavailable
)

func (k ErrorKind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	case Unavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Error is the standard error returned by adapters.
type Error struct {
	Kind       ErrorKind
	Provider   domain.ProviderID
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s error (status %d): %v", e.Provider, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %s error: %v", e.Provider, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewTransient wraps err as a retryable failure.
func NewTransient(id domain.ProviderID, err error) *Error {
	return &Error{Kind: Transient, Provider: id, Err: err}
}

// NewPermanent wraps err as a non-retryable failure.
func NewPermanent(id domain.ProviderID, err error) *Error {
	return &Error{Kind: Permanent, Provider: id, Err: err}
}

// NewUnavailable reports that the provider cannot be used at all.
func NewUnavailable(id domain.ProviderID, reason string) *Error {
	return &Error{Kind: Unavailable, Provider: id, Err: errors.New(reason)}
}

// KindOf returns the classification of err. Unclassified errors are treated as
// transient when they look like network or deadline failures and permanent otherwise.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Transient
	}
	return Permanent
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return err != nil && KindOf(err) == Transient
}

// IsUnavailable reports whether err means the provider is disabled or unconfigured.
func IsUnavailable(err error) bool {
	return err != nil && KindOf(err) == Unavailable
}

// ClassifyStatus maps an HTTP status code from a provider into the error taxonomy.
// 408, 425, 429 and 5xx are transient; every other non-2xx status is permanent.
func ClassifyStatus(id domain.ProviderID, status int, detail string) *Error {
	msg := detail
	if msg == "" {
		msg = http.StatusText(status)
	}
	kind := Permanent
	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooEarly, status == http.StatusTooManyRequests:
		kind = Transient
	case status >= 500:
		kind = Transient
	}
	return &Error{Kind: kind, Provider: id, StatusCode: status, Err: errors.New(msg)}
}
