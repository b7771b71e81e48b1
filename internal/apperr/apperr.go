// Package apperr is the error taxonomy shared by services and the HTTP layer.
// Every synchronous failure leaves a service as an *Error with a Kind (which
// fixes the HTTP status) and a stable Code the clients can switch on.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindUnauthorized
	KindForbidden
	KindNotFound
	KindConflict
	KindRateLimited
	KindUpstream
)

var kindNames = map[Kind]string{
	KindInternal:     "internal",
	KindValidation:   "validation",
	KindUnauthorized: "unauthorized",
	KindForbidden:    "forbidden",
	KindNotFound:     "not_found",
	KindConflict:     "conflict",
	KindRateLimited:  "rate_limited",
	KindUpstream:     "upstream",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "internal"
}

// HTTPStatus is the fixed status mapping for a Kind.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Stable codes.
const (
	CodeInvalidRequest           = "INVALID_REQUEST"
	CodeInvalidChallenge         = "INVALID_CHALLENGE"
	CodeInvalidSignature         = "INVALID_SIGNATURE"
	CodeInvalidToken             = "INVALID_TOKEN"
	CodeAddressMismatch          = "ADDRESS_MISMATCH"
	CodeIdentityNotFound         = "IDENTITY_NOT_FOUND"
	CodeUnauthenticated          = "UNAUTHENTICATED"
	CodeForbidden                = "FORBIDDEN"
	CodeNotFound                 = "NOT_FOUND"
	CodeExpired                  = "EXPIRED"
	CodeNameReserved             = "NAME_RESERVED"
	CodeNameTaken                = "NAME_TAKEN"
	CodeRateLimited              = "RATE_LIMITED"
	CodeRetryNotAllowed          = "RETRY_NOT_ALLOWED"
	CodeCommitmentUnconfirmed    = "COMMITMENT_UNCONFIRMED"
	CodeCommitmentPayloadMissing = "COMMITMENT_PAYLOAD_MISSING"
	CodeUpstream                 = "UPSTREAM_ERROR"
	CodeInternal                 = "INTERNAL_ERROR"
)

type Error struct {
	Kind       Kind
	Code       string
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func Wrap(kind Kind, code, message string, err error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Err: err}
}

func Validation(code, message string) *Error { return New(KindValidation, code, message) }

func Unauthorized(code, message string) *Error { return New(KindUnauthorized, code, message) }

func Conflict(code, message string) *Error { return New(KindConflict, code, message) }

func Upstream(message string, err error) *Error {
	return Wrap(KindUpstream, CodeUpstream, message, err)
}

func Internal(message string, err error) *Error {
	return Wrap(KindInternal, CodeInternal, message, err)
}

func RateLimited(message string, retryAfter time.Duration) *Error {
	return &Error{Kind: KindRateLimited, Code: CodeRateLimited, Message: message, RetryAfter: retryAfter}
}

// From extracts an *Error from err's chain; anything else becomes an opaque internal error.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return Internal("internal server error", err)
}

// Is reports whether err carries the given code.
func Is(err error, code string) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.Code == code
}
