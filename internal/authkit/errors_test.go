package authkit

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

var errTestDatabaseDown = errors.New("database is down")

func TestErrorKindMapping(t *testing.T) {
	testCases := []struct {
		kind   ErrorKind
		code   string
		status int
	}{
		{kind: KindInvalidCredential, code: "invalid_credential", status: http.StatusUnauthorized},
		{kind: KindTokenExpired, code: "token_expired", status: http.StatusUnauthorized},
		{kind: KindTokenMalformed, code: "token_malformed", status: http.StatusUnauthorized},
		{kind: KindTokenKindMismatch, code: "token_kind_mismatch", status: http.StatusUnauthorized},
		{kind: KindInvalidOrRevokedToken, code: "invalid_or_revoked_token", status: http.StatusUnauthorized},
		{kind: KindAccountInactive, code: "account_inactive", status: http.StatusForbidden},
		{kind: KindConflict, code: "conflict", status: http.StatusConflict},
		{kind: KindRateLimitExceeded, code: "rate_limit_exceeded", status: http.StatusTooManyRequests},
		{kind: KindValidation, code: "validation_error", status: http.StatusBadRequest},
		{kind: KindAuthRequired, code: "auth_required", status: http.StatusUnauthorized},
		{kind: KindInvalidToken, code: "invalid_token", status: http.StatusUnauthorized},
		{kind: KindInternal, code: "internal", status: http.StatusInternalServerError},
	}
	for _, testCase := range testCases {
		if testCase.kind.Code() != testCase.code {
			t.Fatalf("expected code %s, got %s", testCase.code, testCase.kind.Code())
		}
		if testCase.kind.HTTPStatus() != testCase.status {
			t.Fatalf("%s: expected status %d, got %d", testCase.code, testCase.status, testCase.kind.HTTPStatus())
		}
	}
}

func TestKindOfUnwrapsAndHidesInternalCauses(t *testing.T) {
	wrapped := fmt.Errorf("handler: %w", NewError(KindConflict, "email is already registered", nil))
	if KindOf(wrapped) != KindConflict || PublicMessage(wrapped) != "email is already registered" {
		t.Fatalf("expected conflict through wrapping, got %v / %q", KindOf(wrapped), PublicMessage(wrapped))
	}
	if KindOf(errTestDatabaseDown) != KindInternal {
		t.Fatalf("untyped errors must be internal")
	}
	internal := internalError(errTestDatabaseDown)
	if PublicMessage(internal) != "internal server error" {
		t.Fatalf("internal cause leaked: %q", PublicMessage(internal))
	}
	if !errors.Is(internal, errTestDatabaseDown) {
		t.Fatalf("expected cause to stay reachable through Unwrap")
	}
	if NewError(KindAccountInactive, "", nil).Message != "account is inactive" {
		t.Fatalf("expected the default message")
	}
}

func TestKindFromCodeInvertsCode(t *testing.T) {
	for kind := KindInternal; kind <= KindInvalidToken; kind++ {
		if KindFromCode(kind.Code()) != kind {
			t.Fatalf("expected %s to round trip", kind.Code())
		}
	}
	if KindFromCode("unheard_of") != KindInternal {
		t.Fatalf("expected unknown codes to be internal")
	}
}
