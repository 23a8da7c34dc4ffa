package authkit

import (
	"time"
)

const (
	// TokenIssuer is embedded as iss in every token the codec signs.
	TokenIssuer = "auth-service"
	// TokenAudience is embedded as aud in every token the codec signs.
	TokenAudience = "api-gateway"
)

// ServerConfig configures secrets, TTLs, and the Google client audience.
type ServerConfig struct {
	GoogleWebClientID string
	AccessSigningKey  []byte
	RefreshSigningKey []byte
	AccessTTL         time.Duration
	RefreshTTL        time.Duration
	NonceTTL          time.Duration
	BcryptCost        int
	ExposeErrorDetail bool
	MaxIssueAttempts  int
}

func (configuration ServerConfig) issueAttempts() int {
	if configuration.MaxIssueAttempts <= 0 {
		return 3
	}
	return configuration.MaxIssueAttempts
}
