// Package trustheaders re-asserts a verified caller identity to internal services.
//
// The gateway verifies the client's access token once, then forwards the identity
// as plain headers plus a short-lived HS256 assertion binding them. Internal services
// check the assertion instead of re-verifying the original credential.
package trustheaders

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Header names set by Signer.Apply.
const (
	HeaderUserID    = "X-User-Id"
	HeaderUserEmail = "X-User-Email"
	HeaderUserRole  = "X-User-Role"
	HeaderAssertion = "X-Internal-Assertion"
)

const (
	// DefaultIssuer identifies the gateway as the asserting party.
	DefaultIssuer = "api-gateway"
	// DefaultAudience is the audience every internal service accepts.
	DefaultAudience = "internal-services"
	// DefaultTTL bounds how long one assertion may be replayed between hops.
	DefaultTTL = time.Minute
	// DefaultContextKey is used by GinMiddleware when no explicit key is provided.
	DefaultContextKey = "trusted_identity"
)

// Sentinel errors exposed by the package.
var (
	ErrMissingSigningKey = errors.New("trust.headers.missing_signing_key")
	ErrMissingSubject    = errors.New("trust.headers.missing_subject")
	ErrMissingAssertion  = errors.New("trust.headers.missing_assertion")
	ErrInvalidAssertion  = errors.New("trust.headers.invalid_assertion")
	ErrAssertionExpired  = errors.New("trust.headers.expired")
	ErrHeaderMismatch    = errors.New("trust.headers.header_mismatch")
)

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// Config configures both Signer and Validator.
type Config struct {
	SigningKey []byte
	Issuer     string
	Audience   string
	TTL        time.Duration
	Clock      Clock
}

func (configuration Config) withDefaults(scope string) (Config, error) {
	if len(configuration.SigningKey) == 0 {
		return Config{}, fmt.Errorf("trust.headers.%s: %w", scope, ErrMissingSigningKey)
	}
	if strings.TrimSpace(configuration.Issuer) == "" {
		configuration.Issuer = DefaultIssuer
	}
	if strings.TrimSpace(configuration.Audience) == "" {
		configuration.Audience = DefaultAudience
	}
	if configuration.TTL <= 0 {
		configuration.TTL = DefaultTTL
	}
	if configuration.Clock == nil {
		configuration.Clock = systemClock{}
	}
	return configuration, nil
}

// Identity is the caller the gateway vouches for.
type Identity struct {
	UserID string
	Email  string
	Role   string
}

// Claims is the payload of the internal assertion.
type Claims struct {
	UserEmail string `json:"user_email"`
	UserRole  string `json:"user_role"`
	jwt.RegisteredClaims
}

// Identity returns the asserted identity.
func (claims *Claims) Identity() Identity {
	if claims == nil {
		return Identity{}
	}
	return Identity{UserID: claims.Subject, Email: claims.UserEmail, Role: claims.UserRole}
}

// Strip removes every identity header from header. Call it on inbound client requests.
func Strip(header http.Header) {
	for _, name := range []string{HeaderUserID, HeaderUserEmail, HeaderUserRole, HeaderAssertion} {
		header.Del(name)
	}
}

// Signer mints assertions on the gateway side.
type Signer struct {
	configuration Config
}

// NewSigner validates configuration and constructs a Signer.
func NewSigner(configuration Config) (*Signer, error) {
	resolved, err := configuration.withDefaults("new_signer")
	if err != nil {
		return nil, err
	}
	return &Signer{configuration: resolved}, nil
}

// Sign returns a compact assertion for identity.
func (signer *Signer) Sign(identity Identity) (string, error) {
	if strings.TrimSpace(identity.UserID) == "" {
		return "", fmt.Errorf("trust.headers.sign: %w", ErrMissingSubject)
	}
	now := signer.configuration.Clock.Now().UTC()
	claims := Claims{
		UserEmail: identity.Email,
		UserRole:  identity.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    signer.configuration.Issuer,
			Subject:   identity.UserID,
			Audience:  jwt.ClaimStrings{signer.configuration.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(signer.configuration.TTL)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(signer.configuration.SigningKey)
	if err != nil {
		return "", fmt.Errorf("trust.headers.sign: %w", err)
	}
	return signed, nil
}

// Apply replaces any identity headers in header with signed ones for identity.
func (signer *Signer) Apply(header http.Header, identity Identity) error {
	Strip(header)
	assertion, err := signer.Sign(identity)
	if err != nil {
		return err
	}
	header.Set(HeaderUserID, identity.UserID)
	header.Set(HeaderUserEmail, identity.Email)
	header.Set(HeaderUserRole, identity.Role)
	header.Set(HeaderAssertion, assertion)
	return nil
}

// Validator checks assertions on the internal-service side.
type Validator struct {
	configuration Config
}

// New constructs a Validator after validating the supplied configuration.
func New(configuration Config) (*Validator, error) {
	resolved, err := configuration.withDefaults("new_validator")
	if err != nil {
		return nil, err
	}
	return &Validator{configuration: resolved}, nil
}

// ValidateToken verifies signature, issuer, audience and lifetime of an assertion.
func (validator *Validator) ValidateToken(tokenString string) (*Claims, error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, fmt.Errorf("trust.headers.validate_token: %w", ErrMissingAssertion)
	}
	parsedToken, parseErr := jwt.ParseWithClaims(tokenString, &Claims{}, func(parsed *jwt.Token) (interface{}, error) {
		return validator.configuration.SigningKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(validator.configuration.Issuer),
		jwt.WithAudience(validator.configuration.Audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(validator.configuration.Clock.Now),
	)
	if parseErr != nil {
		if errors.Is(parseErr, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("trust.headers.validate_token: %w", ErrAssertionExpired)
		}
		return nil, fmt.Errorf("trust.headers.validate_token: %w", ErrInvalidAssertion)
	}
	claims, ok := parsedToken.Claims.(*Claims)
	if !ok || !parsedToken.Valid || strings.TrimSpace(claims.Subject) == "" {
		return nil, fmt.Errorf("trust.headers.validate_token: %w", ErrInvalidAssertion)
	}
	return claims, nil
}

// ValidateRequest verifies the assertion header and that every identity header matches it.
func (validator *Validator) ValidateRequest(request *http.Request) (*Claims, error) {
	if request == nil {
		return nil, fmt.Errorf("trust.headers.validate_request: %w", ErrMissingAssertion)
	}
	claims, err := validator.ValidateToken(request.Header.Get(HeaderAssertion))
	if err != nil {
		return nil, err
	}
	identity := claims.Identity()
	if request.Header.Get(HeaderUserID) != identity.UserID ||
		request.Header.Get(HeaderUserEmail) != identity.Email ||
		request.Header.Get(HeaderUserRole) != identity.Role {
		return nil, fmt.Errorf("trust.headers.validate_request: %w", ErrHeaderMismatch)
	}
	return claims, nil
}

// GinMiddleware rejects requests without a matching assertion and injects the Identity.
func (validator *Validator) GinMiddleware(contextKey string) gin.HandlerFunc {
	if strings.TrimSpace(contextKey) == "" {
		contextKey = DefaultContextKey
	}
	return func(contextGin *gin.Context) {
		claims, err := validator.ValidateRequest(contextGin.Request)
		if err != nil {
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		contextGin.Set(contextKey, claims.Identity())
		contextGin.Next()
	}
}
