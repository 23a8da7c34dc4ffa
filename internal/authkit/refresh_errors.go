package authkit

import "errors"

var (
	// ErrRefreshTokenInvalid wraps every reason a refresh token cannot be used.
	ErrRefreshTokenInvalid = errors.New("refresh_store.invalid")
	// ErrRefreshTokenNotFound indicates no refresh token matched the provided value.
	ErrRefreshTokenNotFound = errors.New("refresh_store.not_found")
	// ErrRefreshTokenRevoked indicates the refresh token has been revoked.
	ErrRefreshTokenRevoked = errors.New("refresh_store.revoked")
	// ErrRefreshTokenUsed indicates the refresh token was already exchanged.
	ErrRefreshTokenUsed = errors.New("refresh_store.used")
	// ErrRefreshTokenExpired indicates the refresh token has exceeded its expiry.
	ErrRefreshTokenExpired = errors.New("refresh_store.expired")
	// ErrRefreshTokenConflict indicates the token value already exists.
	ErrRefreshTokenConflict = errors.New("refresh_store.conflict")
	// ErrRefreshTokenEmptyOpaque indicates that the provided token text is empty.
	ErrRefreshTokenEmptyOpaque = errors.New("refresh_store.empty_token")

	// ErrUserNotFound indicates no user matched the lookup.
	ErrUserNotFound = errors.New("user_store.not_found")
	// ErrUserConflict indicates a duplicate email, username, or provider id.
	ErrUserConflict = errors.New("user_store.conflict")
)

// invalidRefresh joins the generic invalid sentinel with the concrete reason.
func invalidRefresh(reason error) error {
	return errors.Join(ErrRefreshTokenInvalid, reason)
}

// RefreshRejectReason names the concrete reason behind ErrRefreshTokenInvalid for logs.
func RefreshRejectReason(err error) string {
	switch {
	case errors.Is(err, ErrRefreshTokenNotFound), errors.Is(err, ErrRefreshTokenEmptyOpaque):
		return "not_found"
	case errors.Is(err, ErrRefreshTokenUsed):
		return "used"
	case errors.Is(err, ErrRefreshTokenRevoked):
		return "revoked"
	case errors.Is(err, ErrRefreshTokenExpired):
		return "expired"
	default:
		return "unknown"
	}
}
