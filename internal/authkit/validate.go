package authkit

import (
	"net/mail"
	"strings"
	"unicode"
)

const (
	minUsernameLength = 3
	maxUsernameLength = 30
	minPasswordLength = 8
	maxPasswordLength = 128
)

// RegisterInput is the payload of a password registration.
type RegisterInput struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginInput is the payload of a password login.
type LoginInput struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// GoogleAuthInput is the payload of a Google token exchange.
type GoogleAuthInput struct {
	Token     string `json:"token"`
	TokenType string `json:"tokenType"`
	Nonce     string `json:"nonce,omitempty"`
}

// ValidateRegisterInput returns the normalized input or a validation error.
func ValidateRegisterInput(input RegisterInput) (RegisterInput, error) {
	email, emailErr := validateEmail(input.Email)
	if emailErr != nil {
		return RegisterInput{}, emailErr
	}
	username := normalizeUsername(input.Username)
	if len(username) < minUsernameLength || len(username) > maxUsernameLength {
		return RegisterInput{}, NewError(KindValidation, "username must be 3 to 30 characters", nil)
	}
	for _, character := range username {
		if character != '_' && !unicode.IsLetter(character) && !unicode.IsDigit(character) {
			return RegisterInput{}, NewError(KindValidation, "username may contain only letters, digits and underscores", nil)
		}
	}
	if passwordErr := validatePassword(input.Password); passwordErr != nil {
		return RegisterInput{}, passwordErr
	}
	return RegisterInput{Email: email, Username: username, Password: input.Password}, nil
}

// ValidateLoginInput checks that both fields are present.
func ValidateLoginInput(input LoginInput) (LoginInput, error) {
	email, emailErr := validateEmail(input.Email)
	if emailErr != nil {
		return LoginInput{}, emailErr
	}
	if input.Password == "" {
		return LoginInput{}, NewError(KindValidation, "password is required", nil)
	}
	return LoginInput{Email: email, Password: input.Password}, nil
}

// ValidateGoogleAuthInput accepts only id_token exchanges.
func ValidateGoogleAuthInput(input GoogleAuthInput) (GoogleAuthInput, error) {
	token := strings.TrimSpace(input.Token)
	if token == "" {
		return GoogleAuthInput{}, NewError(KindValidation, "token is required", nil)
	}
	tokenType := strings.TrimSpace(input.TokenType)
	if tokenType == "" {
		tokenType = googleTokenTypeIDToken
	}
	if tokenType != googleTokenTypeIDToken {
		return GoogleAuthInput{}, NewError(KindValidation, "unsupported token type", nil)
	}
	return GoogleAuthInput{Token: token, TokenType: tokenType, Nonce: strings.TrimSpace(input.Nonce)}, nil
}

func validateEmail(raw string) (string, error) {
	email := normalizeEmail(raw)
	if email == "" {
		return "", NewError(KindValidation, "email is required", nil)
	}
	address, parseErr := mail.ParseAddress(email)
	if parseErr != nil || address.Address != email {
		return "", NewError(KindValidation, "email is invalid", parseErr)
	}
	return email, nil
}

func validatePassword(password string) error {
	if len(password) < minPasswordLength || len(password) > maxPasswordLength {
		return NewError(KindValidation, "password must be 8 to 128 characters", nil)
	}
	var hasLetter, hasDigit bool
	for _, character := range password {
		switch {
		case unicode.IsLetter(character):
			hasLetter = true
		case unicode.IsDigit(character):
			hasDigit = true
		}
	}
	if !hasLetter || !hasDigit {
		return NewError(KindValidation, "password must contain a letter and a digit", nil)
	}
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func normalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}
