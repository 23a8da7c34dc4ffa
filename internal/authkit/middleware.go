package authkit

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const contextKeyIdentity = "auth_identity"

// RequireAccessToken verifies the bearer access token and injects the caller identity.
func RequireAccessToken(codec *TokenCodec) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		token, present := BearerToken(contextGin.Request)
		if !present {
			WriteError(contextGin, NewError(KindAuthRequired, "", nil), false)
			return
		}
		verified, verifyErr := codec.Verify(TokenKindAccess, token)
		if verifyErr != nil {
			if KindOf(verifyErr) == KindTokenExpired {
				WriteError(contextGin, NewError(KindTokenExpired, "", verifyErr), false)
				return
			}
			WriteError(contextGin, NewError(KindInvalidToken, "", verifyErr), false)
			return
		}
		contextGin.Set(contextKeyIdentity, verified.Identity)
		contextGin.Next()
	}
}

// RequireActiveAccount refuses callers whose account was deactivated or deleted after the
// access token was minted. It runs after RequireAccessToken.
func RequireActiveAccount(service *Service, exposeDetail bool) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		identity, _ := IdentityFromContext(contextGin)
		if _, err := service.CurrentUser(contextGin.Request.Context(), identity.UserID); err != nil {
			WriteError(contextGin, err, exposeDetail)
			return
		}
		contextGin.Next()
	}
}

// OptionalAccessToken injects the caller identity when a valid bearer token is present
// and proceeds anonymously otherwise.
func OptionalAccessToken(codec *TokenCodec) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		if token, present := BearerToken(contextGin.Request); present {
			if verified, verifyErr := codec.Verify(TokenKindAccess, token); verifyErr == nil {
				contextGin.Set(contextKeyIdentity, verified.Identity)
			}
		}
		contextGin.Next()
	}
}

// IdentityFromContext returns the identity injected by the access-token middleware.
func IdentityFromContext(contextGin *gin.Context) (Identity, bool) {
	value, exists := contextGin.Get(contextKeyIdentity)
	if !exists {
		return Identity{}, false
	}
	identity, ok := value.(Identity)
	return identity, ok
}

// UserIDFromContext returns the authenticated user id or "".
func UserIDFromContext(contextGin *gin.Context) string {
	identity, _ := IdentityFromContext(contextGin)
	return identity.UserID
}

// RequireServiceKey admits internal callers presenting "Authorization: Bearer <serviceKey>".
func RequireServiceKey(serviceKey string) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		presented, present := BearerToken(contextGin.Request)
		if !present || subtle.ConstantTimeCompare([]byte(presented), []byte(serviceKey)) != 1 {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, Envelope{Success: false, Error: KindAuthRequired.Code(), Message: "service credentials required"})
			return
		}
		contextGin.Next()
	}
}

// BearerToken extracts the credential of an "Authorization: Bearer" header.
func BearerToken(request *http.Request) (string, bool) {
	header := strings.TrimSpace(request.Header.Get("Authorization"))
	if header == "" {
		return "", false
	}
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
