package exchange

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies failures across the engine. Kinds drive retry and
// alerting policy; see IsRetryable and IsFatal.
type ErrorKind int

const (
	KindConfiguration ErrorKind = iota
	KindAuth
	KindNetwork
	KindRateLimit
	KindExchangeRejected
	KindInsufficientFunds
	KindRiskBlocked
	KindDataStale
	KindDataMissing
	KindDatabaseTransient
	KindDatabaseCorrupt
	KindMLModel
	KindNotifier
	KindCircuitOpen
	KindInternal
)

func (k ErrorKind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindAuth:
		return "auth"
	case KindNetwork:
		return "network"
	case KindRateLimit:
		return "rate_limit"
	case KindExchangeRejected:
		return "exchange_rejected"
	case KindInsufficientFunds:
		return "insufficient_funds"
	case KindRiskBlocked:
		return "risk_blocked"
	case KindDataStale:
		return "data_stale"
	case KindDataMissing:
		return "data_missing"
	case KindDatabaseTransient:
		return "database_transient"
	case KindDatabaseCorrupt:
		return "database_corrupt"
	case KindMLModel:
		return "ml_model"
	case KindNotifier:
		return "notifier"
	case KindCircuitOpen:
		return "circuit_open"
	default:
		return "internal"
	}
}

// Error wraps a failure with its kind and optional exchange code
type Error struct {
	Kind       ErrorKind
	Code       string
	Msg        string
	RetryAfter time.Duration // set for rate-limit errors when known
	Err        error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s [%s]: %s", e.Kind, e.Code, e.Msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on kind so callers can use errors.Is with sentinel kinds
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// NewError builds a typed error
func NewError(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// WrapError wraps an underlying error with a kind
func WrapError(kind ErrorKind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// RateLimited builds a rate-limit error carrying the server's retry hint
func RateLimited(retryAfter time.Duration) *Error {
	return &Error{Kind: KindRateLimit, Msg: "rate limited", RetryAfter: retryAfter}
}

// KindOf extracts the kind from any error, Internal when untyped
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsRetryable reports whether the port should retry the call
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindNetwork, KindRateLimit, KindDatabaseTransient:
		return true
	case KindExchangeRejected:
		var e *Error
		if errors.As(err, &e) {
			return transientExchangeCode(e.Code)
		}
	}
	return false
}

// IsFatal reports whether the engine must refuse to continue trading
func IsFatal(err error) bool {
	switch KindOf(err) {
	case KindAuth, KindConfiguration, KindDatabaseCorrupt:
		return true
	}
	return false
}

// transientExchangeCode lists rejection codes worth a retry (timeouts and
// server-side hiccups, not validation failures).
func transientExchangeCode(code string) bool {
	switch code {
	case "-1001", "-1007", "-1021": // DISCONNECTED, TIMEOUT, timestamp drift
		return true
	}
	return false
}
