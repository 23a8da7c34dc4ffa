package authkit

import (
	"time"

	"github.com/gin-gonic/gin"
)

// Envelope is the body shape of every /auth response.
type Envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
	Error   string      `json:"error,omitempty"`
	Detail  string      `json:"detail,omitempty"`
}

// UserView is the client-facing projection of a User.
type UserView struct {
	ID            string     `json:"id"`
	Email         string     `json:"email"`
	Username      string     `json:"username,omitempty"`
	DisplayName   string     `json:"displayName,omitempty"`
	AvatarURL     string     `json:"avatarUrl,omitempty"`
	Role          string     `json:"role"`
	EmailVerified bool       `json:"emailVerified"`
	LastLoginAt   *time.Time `json:"lastLoginAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
}

// NewUserView projects user for a response body.
func NewUserView(user User) UserView {
	view := UserView{
		ID:            user.ID,
		Email:         user.Email,
		Username:      user.Username,
		DisplayName:   user.DisplayName,
		AvatarURL:     user.AvatarURL,
		Role:          user.Role,
		EmailVerified: user.EmailVerified,
		CreatedAt:     user.CreatedAt,
	}
	if !user.LastLoginAt.IsZero() {
		lastLogin := user.LastLoginAt
		view.LastLoginAt = &lastLogin
	}
	return view
}

type authPayload struct {
	User   UserView  `json:"user"`
	Tokens TokenPair `json:"tokens"`
}

func writeSuccess(contextGin *gin.Context, status int, message string, data interface{}) {
	contextGin.JSON(status, Envelope{Success: true, Message: message, Data: data})
}

// WriteError renders err through its kind; internal causes reach the body only when exposeDetail is set.
func WriteError(contextGin *gin.Context, err error, exposeDetail bool) {
	kind := KindOf(err)
	envelope := Envelope{
		Success: false,
		Error:   kind.Code(),
		Message: PublicMessage(err),
	}
	if exposeDetail && err != nil {
		envelope.Detail = err.Error()
	}
	contextGin.AbortWithStatusJSON(kind.HTTPStatus(), envelope)
}
