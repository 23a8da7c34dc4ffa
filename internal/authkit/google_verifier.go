package authkit

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/api/idtoken"
)

const googleTokenTypeIDToken = "id_token"

var (
	errGoogleIssuer        = errors.New("google.verify.invalid_issuer")
	errGoogleSubject       = errors.New("google.verify.missing_subject")
	errGoogleEmail         = errors.New("google.verify.missing_email")
	errGoogleEmailVerified = errors.New("google.verify.email_not_verified")
	errGoogleNonceMismatch = errors.New("google.verify.nonce_mismatch")
)

// GoogleTokenValidator validates Google ID tokens. *idtoken.Validator satisfies it.
type GoogleTokenValidator interface {
	Validate(ctx context.Context, idToken string, audience string) (*idtoken.Payload, error)
}

// NewGoogleTokenValidator builds the production validator backed by Google's published keys.
func NewGoogleTokenValidator(ctx context.Context) (GoogleTokenValidator, error) {
	return idtoken.NewValidator(ctx)
}

// GoogleVerifier turns a Google ID token into a verified ProviderClaim.
type GoogleVerifier struct {
	validator GoogleTokenValidator
	clientID  string
}

// NewGoogleVerifier binds a validator to the registered web client id.
func NewGoogleVerifier(validator GoogleTokenValidator, clientID string) *GoogleVerifier {
	return &GoogleVerifier{validator: validator, clientID: clientID}
}

// Verify checks signature, audience, expiry, issuer, and the email_verified claim.
// A non-empty expectedNonce must equal the token's nonce claim.
func (verifier *GoogleVerifier) Verify(ctx context.Context, idToken string, expectedNonce string) (ProviderClaim, error) {
	payload, validateErr := verifier.validator.Validate(ctx, idToken, verifier.clientID)
	if validateErr != nil {
		return ProviderClaim{}, NewError(KindInvalidCredential, "invalid google token", validateErr)
	}
	issuerValue, _ := payload.Claims["iss"].(string)
	if issuerValue == "" {
		issuerValue = payload.Issuer
	}
	if issuerValue != "https://accounts.google.com" && issuerValue != "accounts.google.com" {
		return ProviderClaim{}, NewError(KindInvalidCredential, "invalid google token", errGoogleIssuer)
	}
	subject, _ := payload.Claims["sub"].(string)
	if subject == "" {
		subject = payload.Subject
	}
	if strings.TrimSpace(subject) == "" {
		return ProviderClaim{}, NewError(KindInvalidCredential, "invalid google token", errGoogleSubject)
	}
	email, _ := payload.Claims["email"].(string)
	if strings.TrimSpace(email) == "" {
		return ProviderClaim{}, NewError(KindInvalidCredential, "invalid google token", errGoogleEmail)
	}
	if !claimIsTrue(payload.Claims["email_verified"]) {
		return ProviderClaim{}, NewError(KindInvalidCredential, "google email is not verified", errGoogleEmailVerified)
	}
	if expectedNonce != "" {
		tokenNonce, _ := payload.Claims["nonce"].(string)
		if tokenNonce != expectedNonce {
			return ProviderClaim{}, NewError(KindInvalidCredential, "invalid google token", errGoogleNonceMismatch)
		}
	}

	displayName, _ := payload.Claims["name"].(string)
	avatarURL, _ := payload.Claims["picture"].(string)
	givenName, _ := payload.Claims["given_name"].(string)
	familyName, _ := payload.Claims["family_name"].(string)
	if displayName == "" {
		displayName = strings.TrimSpace(givenName + " " + familyName)
	}
	return ProviderClaim{
		Provider:          ProviderGoogle,
		ProviderSubjectID: subject,
		Email:             normalizeEmail(email),
		DisplayName:       displayName,
		AvatarURL:         avatarURL,
		GivenName:         givenName,
		FamilyName:        familyName,
	}, nil
}

// Google has delivered email_verified both as a JSON bool and as a string.
func claimIsTrue(value interface{}) bool {
	switch typed := value.(type) {
	case bool:
		return typed
	case string:
		return strings.EqualFold(typed, "true")
	default:
		return false
	}
}
