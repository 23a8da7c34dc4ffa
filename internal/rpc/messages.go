package rpc

import "github.com/tyemirov/socialauth/internal/authkit"

// ClientMetadata describes the end user's client as seen by the gateway.
type ClientMetadata struct {
	IPAddress string `json:"ipAddress,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`
	DeviceID  string `json:"deviceId,omitempty"`
}

func (metadata ClientMetadata) issueMetadata() authkit.IssueMetadata {
	return authkit.IssueMetadata{IPAddress: metadata.IPAddress, UserAgent: metadata.UserAgent, DeviceID: metadata.DeviceID}
}

// clientAddressed is implemented by requests that carry the end user's ClientMetadata.
type clientAddressed interface {
	clientIPAddress() string
}

func (request *RegisterRequest) clientIPAddress() string { return request.Client.IPAddress }
func (request *LoginRequest) clientIPAddress() string { return request.Client.IPAddress }
func (request *GoogleAuthRequest) clientIPAddress() string { return request.Client.IPAddress }
func (request *RefreshTokenRequest) clientIPAddress() string { return request.Client.IPAddress }

type RegisterRequest struct {
	Email    string         `json:"email"`
	Username string         `json:"username"`
	Password string         `json:"password"`
	Client   ClientMetadata `json:"client"`
}

type LoginRequest struct {
	Email    string         `json:"email"`
	Password string         `json:"password"`
	Client   ClientMetadata `json:"client"`
}

type GoogleAuthRequest struct {
	Token     string         `json:"token"`
	TokenType string         `json:"tokenType,omitempty"`
	Nonce     string         `json:"nonce,omitempty"`
	Client    ClientMetadata `json:"client"`
}

type RefreshTokenRequest struct {
	RefreshToken string         `json:"refreshToken"`
	Client       ClientMetadata `json:"client"`
}

// AuthResponse is returned by every issuing call.
type AuthResponse struct {
	User   authkit.UserView  `json:"user"`
	Tokens authkit.TokenPair `json:"tokens"`
}

type LogoutRequest struct {
	UserID       string `json:"userId"`
	RefreshToken string `json:"refreshToken,omitempty"`
}

type LogoutAllRequest struct {
	UserID string `json:"userId"`
}

type RevokedResponse struct {
	Revoked int64 `json:"revoked"`
}

type ValidateTokenRequest struct {
	Token string `json:"token"`
}

// ValidateTokenResponse reports Valid=false with a Reason code for any unusable token.
type ValidateTokenResponse struct {
	Valid  bool   `json:"valid"`
	UserID string `json:"userId,omitempty"`
	Email  string `json:"email,omitempty"`
	Role   string `json:"role,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type UserRequest struct {
	UserID string `json:"userId"`
}

type Empty struct{}

func authResponse(result authkit.AuthResult) *AuthResponse {
	return &AuthResponse{User: authkit.NewUserView(result.User), Tokens: result.Tokens}
}
