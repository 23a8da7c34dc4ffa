package authkit

import (
	"context"
	"time"
)

// Roles recognised by the directory. Role is a flat string.
const (
	RoleUser      = "user"
	RoleAdmin     = "admin"
	RoleModerator = "moderator"
)

// ProviderGoogle names the only external identity provider.
const ProviderGoogle = "google"

// User is an identity record held by the directory.
type User struct {
	ID                string
	Email             string
	Username          string
	DisplayName       string
	AvatarURL         string
	Provider          string
	ProviderSubjectID string
	PasswordHash      string
	Role              string
	Active            bool
	EmailVerified     bool
	LastLoginAt       time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Identity extracts the token-facing identity of the user.
func (user User) Identity() Identity {
	return Identity{UserID: user.ID, Email: user.Email, Role: user.Role}
}

// HasPassword reports whether a password credential is set.
func (user User) HasPassword() bool {
	return user.PasswordHash != ""
}

// NewUser carries the fields of a password registration.
type NewUser struct {
	Email        string
	Username     string
	DisplayName  string
	PasswordHash string
}

// ProviderClaim is the normalized identity returned by the credential verifier.
type ProviderClaim struct {
	Provider          string
	ProviderSubjectID string
	Email             string
	DisplayName       string
	AvatarURL         string
	GivenName         string
	FamilyName        string
}

// UserStore is the identity directory.
type UserStore interface {
	CreateUser(ctx context.Context, newUser NewUser) (User, error)
	UpsertFromProvider(ctx context.Context, claim ProviderClaim) (User, error)
	FindByID(ctx context.Context, userID string) (User, error)
	FindByEmail(ctx context.Context, email string) (User, error)
	RecordLogin(ctx context.Context, userID string, at time.Time) error
	SetActive(ctx context.Context, userID string, active bool) error
}

// IssueMetadata is advisory context stored with a refresh token.
type IssueMetadata struct {
	IPAddress string
	UserAgent string
	DeviceID  string
}

// RefreshTokenRecord is the durable record of one issued refresh token.
type RefreshTokenRecord struct {
	TokenID         string
	UserID          string
	ExpiresAt       time.Time
	Active          bool
	Used            bool
	UsedAt          time.Time
	RevokedAt       time.Time
	IssuedAt        time.Time
	PreviousTokenID string
	Metadata        IssueMetadata
}

// NewRefreshToken carries what the issuance service persists for a fresh token.
type NewRefreshToken struct {
	TokenID         string
	UserID          string
	Token           string
	ExpiresAt       time.Time
	PreviousTokenID string
	Metadata        IssueMetadata
}

// RefreshTokenStore manages long-lived refresh tokens. Only hashes of token values are stored.
type RefreshTokenStore interface {
	// Create inserts a record; ErrRefreshTokenConflict when the value already exists.
	Create(ctx context.Context, token NewRefreshToken) error
	// FindValid returns the record iff active, unused, and unexpired, else ErrRefreshTokenInvalid.
	FindValid(ctx context.Context, token string) (RefreshTokenRecord, error)
	// Consume atomically marks a valid token used; losers of a race get ErrRefreshTokenInvalid.
	Consume(ctx context.Context, token string) error
	// Revoke deactivates one token owned by userID. Revoking an unusable token is a no-op.
	Revoke(ctx context.Context, userID string, token string) error
	// RevokeAllForUser deactivates every active token of userID.
	RevokeAllForUser(ctx context.Context, userID string) (int64, error)
	// Sweep deletes records whose expiry is before now.
	Sweep(ctx context.Context, now time.Time) (int64, error)
}
