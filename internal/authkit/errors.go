package authkit

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies every failure the auth service reports to callers.
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindInvalidCredential
	KindTokenExpired
	KindTokenMalformed
	KindTokenKindMismatch
	KindInvalidOrRevokedToken
	KindAccountInactive
	KindConflict
	KindRateLimitExceeded
	KindValidation
	KindAuthRequired
	KindInvalidToken
)

// Code returns the stable machine-readable identifier of the kind.
func (kind ErrorKind) Code() string {
	switch kind {
	case KindInvalidCredential:
		return "invalid_credential"
	case KindTokenExpired:
		return "token_expired"
	case KindTokenMalformed:
		return "token_malformed"
	case KindTokenKindMismatch:
		return "token_kind_mismatch"
	case KindInvalidOrRevokedToken:
		return "invalid_or_revoked_token"
	case KindAccountInactive:
		return "account_inactive"
	case KindConflict:
		return "conflict"
	case KindRateLimitExceeded:
		return "rate_limit_exceeded"
	case KindValidation:
		return "validation_error"
	case KindAuthRequired:
		return "auth_required"
	case KindInvalidToken:
		return "invalid_token"
	case KindInternal:
		return "internal"
	default:
		return "internal"
	}
}

// HTTPStatus maps the kind onto the public HTTP surface.
func (kind ErrorKind) HTTPStatus() int {
	switch kind {
	case KindInvalidCredential, KindTokenExpired, KindTokenMalformed, KindTokenKindMismatch,
		KindInvalidOrRevokedToken, KindAuthRequired, KindInvalidToken:
		return http.StatusUnauthorized
	case KindAccountInactive:
		return http.StatusForbidden
	case KindConflict:
		return http.StatusConflict
	case KindRateLimitExceeded:
		return http.StatusTooManyRequests
	case KindValidation:
		return http.StatusBadRequest
	case KindInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func (kind ErrorKind) defaultMessage() string {
	switch kind {
	case KindInvalidCredential:
		return "invalid credentials"
	case KindTokenExpired:
		return "token has expired"
	case KindTokenMalformed:
		return "token is malformed"
	case KindTokenKindMismatch:
		return "token cannot be used here"
	case KindInvalidOrRevokedToken:
		return "refresh token is invalid or revoked"
	case KindAccountInactive:
		return "account is inactive"
	case KindConflict:
		return "resource already exists"
	case KindRateLimitExceeded:
		return "too many requests"
	case KindValidation:
		return "request validation failed"
	case KindAuthRequired:
		return "authentication required"
	case KindInvalidToken:
		return "invalid token"
	default:
		return "internal server error"
	}
}

// Error is the typed failure returned by the issuance service and the codec.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (authError *Error) Error() string {
	if authError.Err != nil {
		return fmt.Sprintf("%s: %s: %v", authError.Kind.Code(), authError.Message, authError.Err)
	}
	return fmt.Sprintf("%s: %s", authError.Kind.Code(), authError.Message)
}

func (authError *Error) Unwrap() error {
	return authError.Err
}

// NewError builds an Error; an empty message falls back to the kind default.
func NewError(kind ErrorKind, message string, cause error) *Error {
	if message == "" {
		message = kind.defaultMessage()
	}
	return &Error{Kind: kind, Message: message, Err: cause}
}

// KindOf extracts the kind of err; untyped errors are internal.
func KindOf(err error) ErrorKind {
	var authError *Error
	if errors.As(err, &authError) {
		return authError.Kind
	}
	return KindInternal
}

// PublicMessage returns the message that is safe to show a client.
func PublicMessage(err error) string {
	var authError *Error
	if errors.As(err, &authError) {
		if authError.Kind == KindInternal {
			return KindInternal.defaultMessage()
		}
		return authError.Message
	}
	return KindInternal.defaultMessage()
}

func internalError(cause error) *Error {
	return NewError(KindInternal, "", cause)
}

// KindFromCode is the inverse of ErrorKind.Code; unknown codes are internal.
func KindFromCode(code string) ErrorKind {
	for kind := KindInternal; kind <= KindInvalidToken; kind++ {
		if kind.Code() == code {
			return kind
		}
	}
	return KindInternal
}
