// Package provider defines the gateway capability contract and the registry
// that orders gateways for dispatch.
//
// Gateways are a closed set declared in config (see subpackages); each one
// implements Client. Wire protocols stay inside the subpackages.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Client is the capability every gateway implements.
type Client interface {
	Name() string
	// Send hands one message to the gateway. A nil error means the gateway
	// accepted it; delivery to the handset is not tracked.
	Send(ctx context.Context, recipient, body string) (Receipt, error)
	// Validate checks that credentials resolve and the gateway answers.
	Validate(ctx context.Context) error
	SupportsRecipient(recipient string) bool
}

// Receipt is what a gateway returns on acceptance.
type Receipt struct {
	MessageID string
	Status    string
}

type Kind int

const (
	KindTransient Kind = iota
	KindPermanent
)

func (k Kind) String() string {
	if k == KindPermanent {
		return "permanent"
	}
	return "transient"
}

// Code is a coarse reason used for logs, metrics and history rows.
type Code string

const (
	CodeNetwork          Code = "network"
	CodeTimeout          Code = "timeout"
	CodeServer           Code = "server"
	CodeThrottled        Code = "throttled"
	CodeInvalidRecipient Code = "invalid_recipient"
	CodeCredential       Code = "credential"
	CodeUnsupported      Code = "unsupported"
	CodeRejected         Code = "rejected"
)

// Error is the typed failure gateways return.
type Error struct {
	Provider   string
	Kind       Kind
	Code       Code
	StatusCode int
	// RetryAfter is a server hint (e.g. HTTP Retry-After). Zero means none.
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := string(e.Code)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (http %d)", msg, e.StatusCode)
	}
	if e.Provider != "" {
		msg = e.Provider + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func Transient(code Code, err error) *Error {
	return &Error{Kind: KindTransient, Code: code, Err: err}
}

func Permanent(code Code, err error) *Error {
	return &Error{Kind: KindPermanent, Code: code, Err: err}
}

// ErrCredential is wrapped by credential resolution failures.
var ErrCredential = errors.New("credential unavailable")

// Classify maps any error to a Kind and Code.
//
// Typed *Error values carry their own classification. Deadline expiry and
// network errors are transient. Anything unrecognized is treated as transient
// so the retry budget, not a guess, decides when to stop.
func Classify(err error) (Kind, Code) {
	if err == nil {
		return KindTransient, ""
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind, pe.Code
	}
	if errors.Is(err, ErrCredential) {
		return KindPermanent, CodeCredential
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient, CodeTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return KindTransient, CodeTimeout
		}
		return KindTransient, CodeNetwork
	}
	return KindTransient, CodeNetwork
}

// RetryAfterHint extracts a server-provided retry delay, if any.
func RetryAfterHint(err error) time.Duration {
	var pe *Error
	if errors.As(err, &pe) && pe.RetryAfter > 0 {
		return pe.RetryAfter
	}
	return 0
}

// FromHTTPStatus classifies a non-2xx gateway response.
// 408, 429 and 5xx are transient. 401/403 point at credentials. Other 4xx are
// permanent rejections.
func FromHTTPStatus(provider string, status int, retryAfter time.Duration, err error) *Error {
	e := &Error{Provider: provider, StatusCode: status, RetryAfter: retryAfter, Err: err}
	switch {
	case status == 408:
		e.Kind, e.Code = KindTransient, CodeTimeout
	case status == 429:
		e.Kind, e.Code = KindTransient, CodeThrottled
	case status >= 500:
		e.Kind, e.Code = KindTransient, CodeServer
	case status == 401 || status == 403:
		e.Kind, e.Code = KindPermanent, CodeCredential
	default:
		e.Kind, e.Code = KindPermanent, CodeRejected
	}
	return e
}
