package authkit

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenKind separates the two signing contexts of the codec.
type TokenKind string

const (
	TokenKindAccess  TokenKind = "access"
	TokenKindRefresh TokenKind = "refresh"
)

var (
	errEmptySigningKey   = errors.New("jwt.codec: signing keys must be non-empty")
	errSharedSigningKey  = errors.New("jwt.codec: access and refresh signing keys must differ")
	errEmptySubject      = errors.New("jwt.mint.failure: subject must be non-empty")
	errNonPositiveTTL    = errors.New("jwt.mint.failure: ttl must be positive")
	errUnknownTokenKind  = errors.New("jwt.codec: unknown token kind")
	errUnexpectedSubject = errors.New("jwt.verify: subject missing")
)

// Identity is the caller identity carried by access and refresh tokens.
type Identity struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	Role   string `json:"role"`
}

// JwtCustomClaims are embedded in every token minted by the codec.
type JwtCustomClaims struct {
	UserEmail string    `json:"user_email"`
	UserRole  string    `json:"user_role"`
	TokenKind TokenKind `json:"token_kind"`
	jwt.RegisteredClaims
}

// VerifiedToken is the result of a successful Verify.
type VerifiedToken struct {
	Identity  Identity
	TokenID   string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// TokenCodec signs and verifies access and refresh tokens with distinct HS256 secrets.
type TokenCodec struct {
	accessKey  []byte
	refreshKey []byte
	clock      Clock
}

// NewTokenCodec validates the secrets and constructs a codec.
func NewTokenCodec(accessKey []byte, refreshKey []byte, clock Clock) (*TokenCodec, error) {
	if len(accessKey) == 0 || len(refreshKey) == 0 {
		return nil, errEmptySigningKey
	}
	if bytes.Equal(accessKey, refreshKey) {
		return nil, errSharedSigningKey
	}
	return &TokenCodec{
		accessKey:  accessKey,
		refreshKey: refreshKey,
		clock:      clockOrSystem(clock),
	}, nil
}

func (codec *TokenCodec) keyFor(kind TokenKind) ([]byte, error) {
	switch kind {
	case TokenKindAccess:
		return codec.accessKey, nil
	case TokenKindRefresh:
		return codec.refreshKey, nil
	default:
		return nil, fmt.Errorf("%w: %q", errUnknownTokenKind, kind)
	}
}

// SignedToken is a freshly minted token together with its id and expiry.
type SignedToken struct {
	Token     string
	TokenID   string
	ExpiresAt time.Time
}

// Sign mints a token of the given kind for identity, valid for ttl.
func (codec *TokenCodec) Sign(kind TokenKind, identity Identity, ttl time.Duration) (string, time.Time, error) {
	signed, err := codec.Mint(kind, identity, ttl)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed.Token, signed.ExpiresAt, nil
}

// Mint is Sign that also reports the jti, which the token store uses as record id.
func (codec *TokenCodec) Mint(kind TokenKind, identity Identity, ttl time.Duration) (SignedToken, error) {
	if strings.TrimSpace(identity.UserID) == "" {
		return SignedToken{}, errEmptySubject
	}
	if ttl <= 0 {
		return SignedToken{}, errNonPositiveTTL
	}
	signingKey, keyErr := codec.keyFor(kind)
	if keyErr != nil {
		return SignedToken{}, keyErr
	}
	tokenID := uuid.NewString()
	issuedAt := codec.clock.Now().UTC().Truncate(time.Second)
	expiresAt := issuedAt.Add(ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, JwtCustomClaims{
		UserEmail: identity.Email,
		UserRole:  identity.Role,
		TokenKind: kind,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        tokenID,
			Issuer:    TokenIssuer,
			Audience:  jwt.ClaimStrings{TokenAudience},
			Subject:   identity.UserID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt.Add(-30 * time.Second)),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	signed, err := token.SignedString(signingKey)
	if err != nil {
		return SignedToken{}, fmt.Errorf("jwt.mint.failure: %w", err)
	}
	return SignedToken{Token: signed, TokenID: tokenID, ExpiresAt: expiresAt}, nil
}

// Verify checks signature, issuer, audience, expiry, and that the token was minted for kind.
func (codec *TokenCodec) Verify(kind TokenKind, tokenString string) (VerifiedToken, error) {
	if strings.TrimSpace(tokenString) == "" {
		return VerifiedToken{}, NewError(KindTokenMalformed, "", nil)
	}
	signingKey, keyErr := codec.keyFor(kind)
	if keyErr != nil {
		return VerifiedToken{}, internalError(keyErr)
	}

	unverified := &JwtCustomClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, unverified); err != nil {
		return VerifiedToken{}, NewError(KindTokenMalformed, "", err)
	}
	if unverified.TokenKind != kind {
		return VerifiedToken{}, NewError(KindTokenKindMismatch, "", fmt.Errorf("expected %s token, got %q", kind, unverified.TokenKind))
	}

	claims := &JwtCustomClaims{}
	parsedToken, parseErr := jwt.ParseWithClaims(tokenString, claims, func(parsed *jwt.Token) (interface{}, error) {
		return signingKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(TokenIssuer),
		jwt.WithAudience(TokenAudience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(codec.clock.Now),
	)
	if parseErr != nil {
		if errors.Is(parseErr, jwt.ErrTokenExpired) {
			return VerifiedToken{}, NewError(KindTokenExpired, "", parseErr)
		}
		return VerifiedToken{}, NewError(KindTokenMalformed, "", parseErr)
	}
	if parsedToken == nil || !parsedToken.Valid {
		return VerifiedToken{}, NewError(KindTokenMalformed, "", nil)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return VerifiedToken{}, NewError(KindTokenMalformed, "", errUnexpectedSubject)
	}

	verified := VerifiedToken{
		Identity: Identity{
			UserID: claims.Subject,
			Email:  claims.UserEmail,
			Role:   claims.UserRole,
		},
		TokenID: claims.ID,
	}
	if claims.IssuedAt != nil {
		verified.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		verified.ExpiresAt = claims.ExpiresAt.Time
	}
	return verified, nil
}
