package rpc

import (
	"errors"

	"github.com/tyemirov/socialauth/internal/authkit"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorDomain tags the ErrorInfo detail attached to every failed call.
const ErrorDomain = "socialauth"

// CodeForKind maps an error kind onto a gRPC status code.
func CodeForKind(kind authkit.ErrorKind) codes.Code {
	switch kind {
	case authkit.KindInvalidCredential, authkit.KindTokenExpired, authkit.KindTokenMalformed,
		authkit.KindTokenKindMismatch, authkit.KindInvalidOrRevokedToken, authkit.KindAuthRequired,
		authkit.KindInvalidToken:
		return codes.Unauthenticated
	case authkit.KindAccountInactive:
		return codes.PermissionDenied
	case authkit.KindConflict:
		return codes.AlreadyExists
	case authkit.KindRateLimitExceeded:
		return codes.ResourceExhausted
	case authkit.KindValidation:
		return codes.InvalidArgument
	case authkit.KindInternal:
		return codes.Internal
	default:
		return codes.Internal
	}
}

// statusError converts a service error into a status carrying the kind code as ErrorInfo.Reason.
func statusError(err error) error {
	if err == nil {
		return nil
	}
	kind := authkit.KindOf(err)
	base := status.New(CodeForKind(kind), authkit.PublicMessage(err))
	detailed, detailErr := base.WithDetails(&errdetails.ErrorInfo{Reason: kind.Code(), Domain: ErrorDomain})
	if detailErr != nil {
		return base.Err()
	}
	return detailed.Err()
}

// ErrorFromStatus rebuilds an *authkit.Error from a status returned by the server.
// Transport failures without an ErrorInfo detail become internal errors.
func ErrorFromStatus(err error) error {
	if err == nil {
		return nil
	}
	var authError *authkit.Error
	if errors.As(err, &authError) {
		return err
	}
	statusValue, ok := status.FromError(err)
	if !ok {
		return authkit.NewError(authkit.KindInternal, "", err)
	}
	for _, detail := range statusValue.Details() {
		if info, isInfo := detail.(*errdetails.ErrorInfo); isInfo && info.GetDomain() == ErrorDomain {
			return authkit.NewError(authkit.KindFromCode(info.GetReason()), statusValue.Message(), err)
		}
	}
	return authkit.NewError(authkit.KindInternal, "", err)
}
