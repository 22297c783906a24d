package provider

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ParseRetryAfter reads an HTTP Retry-After header (seconds or HTTP date).
func ParseRetryAfter(h string, now time.Time) time.Duration {
	h = strings.TrimSpace(h)
	if h == "" {
		return 0
	}
	if secs, err := strconv.Atoi(h); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(h); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// TransportError classifies an error returned before any HTTP status was read.
func TransportError(provider string, err error) *Error {
	code := CodeNetwork
	if errors.Is(err, context.DeadlineExceeded) {
		code = CodeTimeout
	} else if k, c := Classify(err); k == KindTransient && c == CodeTimeout {
		code = CodeTimeout
	}
	return &Error{Provider: provider, Kind: KindTransient, Code: code, Err: err}
}

// CredentialError wraps a resolution failure; it is permanent for this provider.
func CredentialError(provider string, err error) *Error {
	return &Error{Provider: provider, Kind: KindPermanent, Code: CodeCredential, Err: errors.Join(ErrCredential, err)}
}

// DefaultHTTPClient is shared by HTTP gateways that are not given one.
// Per-call deadlines come from the caller's context.
var DefaultHTTPClient = &http.Client{Timeout: 60 * time.Second}
