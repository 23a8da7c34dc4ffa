package main

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/tyemirov/socialauth/internal/admission"
	"github.com/tyemirov/socialauth/internal/authkit"
	"github.com/tyemirov/socialauth/internal/web"
)

const (
	configCodeMissingGoogleClientID    = "config.missing_google_web_client_id"
	configCodeMissingAccessSigningKey  = "config.missing_access_signing_key"
	configCodeMissingRefreshSigningKey = "config.missing_refresh_signing_key"
	configCodeSharedSigningKeys        = "config.shared_signing_keys"
	configCodeMissingInternalKey       = "config.missing_internal_signing_key"
	configCodeInvalidAccessTTL         = "config.invalid_access_ttl"
	configCodeInvalidRefreshTTL        = "config.invalid_refresh_ttl"
	configCodeInvalidInternalTTL       = "config.invalid_internal_token_ttl"
	configCodeInvalidNonceTTL          = "config.invalid_nonce_ttl"
	configCodeInvalidRateLimit         = "config.invalid_rate_limit"
	configCodeInvalidSweepInterval     = "config.invalid_sweep_interval"
	configCodeInvalidUpstreamURL       = "config.invalid_upstream_url"
	configCodeMissingCORSOrigins       = "config.missing_cors_allowed_origins"
	configCodeMissingDatabaseURL       = "config.missing_database_url"
	configCodeMissingServiceAPIKey     = "config.missing_service_api_key"
	configCodeEnvFile                  = "config.env_file"
	configCodeUninitializedServerConf  = "config.uninitialized_server_config"
	configCodeGoogleValidatorInit      = "config.google_validator_init"
)

// serverSettings is the validated process configuration handed from PreRunE to RunE.
type serverSettings struct {
	Auth                 authkit.ServerConfig
	Policies             authkit.RateLimitPolicies
	ListenAddr           string
	GRPCListenAddr       string
	InternalSigningKey   []byte
	InternalTokenTTL     time.Duration
	ServiceAPIKey        string
	DatabaseURL          string
	RateLimitDatabaseURL string
	SweepInterval        time.Duration
	DevMode              bool
	EnableCORS           bool
	CORSAllowedOrigins   []string
	UpstreamURL          *url.URL
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

// LoadServerConfig reads viper and validates every setting the server depends on.
func LoadServerConfig() (serverSettings, error) {
	googleWebClientID := strings.TrimSpace(viper.GetString("google_web_client_id"))
	if googleWebClientID == "" {
		return serverSettings{}, configError(configCodeMissingGoogleClientID, "google_web_client_id must be provided")
	}

	accessSigningKey := []byte(viper.GetString("access_signing_key"))
	if len(accessSigningKey) == 0 {
		return serverSettings{}, configError(configCodeMissingAccessSigningKey, "access_signing_key must be provided")
	}
	refreshSigningKey := []byte(viper.GetString("refresh_signing_key"))
	if len(refreshSigningKey) == 0 {
		return serverSettings{}, configError(configCodeMissingRefreshSigningKey, "refresh_signing_key must be provided")
	}
	if bytes.Equal(accessSigningKey, refreshSigningKey) {
		return serverSettings{}, configError(configCodeSharedSigningKeys, "access_signing_key and refresh_signing_key must differ")
	}
	internalSigningKey := []byte(viper.GetString("internal_signing_key"))
	if len(internalSigningKey) > 0 && (bytes.Equal(internalSigningKey, accessSigningKey) || bytes.Equal(internalSigningKey, refreshSigningKey)) {
		return serverSettings{}, configError(configCodeSharedSigningKeys, "internal_signing_key must differ from the token signing keys")
	}

	accessTTL := viper.GetDuration("access_ttl")
	if accessTTL <= 0 {
		return serverSettings{}, configError(configCodeInvalidAccessTTL, "access_ttl must be greater than zero")
	}
	refreshTTL := viper.GetDuration("refresh_ttl")
	if refreshTTL <= 0 {
		return serverSettings{}, configError(configCodeInvalidRefreshTTL, "refresh_ttl must be greater than zero")
	}
	internalTokenTTL := viper.GetDuration("internal_token_ttl")
	if internalTokenTTL <= 0 {
		return serverSettings{}, configError(configCodeInvalidInternalTTL, "internal_token_ttl must be greater than zero")
	}
	nonceTTL := viper.GetDuration("nonce_ttl")
	if nonceTTL <= 0 {
		return serverSettings{}, configError(configCodeInvalidNonceTTL, "nonce_ttl must be greater than zero")
	}

	policies := authkit.RateLimitPolicies{
		General: rateLimitPolicy("general"),
		Login:   rateLimitPolicy("login"),
		Refresh: rateLimitPolicy("refresh"),
	}
	for _, policy := range []admission.Policy{policies.General, policies.Login, policies.Refresh} {
		if err := policy.Validate(); err != nil {
			return serverSettings{}, configError(configCodeInvalidRateLimit, fmt.Sprintf("rate_limit_%s_max and rate_limit_%s_window must be greater than zero", policy.Name, policy.Name))
		}
	}

	sweepInterval := viper.GetDuration("sweep_interval")
	if sweepInterval <= 0 {
		return serverSettings{}, configError(configCodeInvalidSweepInterval, "sweep_interval must be greater than zero")
	}

	var upstreamURL *url.URL
	if rawUpstream := strings.TrimSpace(viper.GetString("upstream_url")); rawUpstream != "" {
		parsed, parseErr := url.Parse(rawUpstream)
		if parseErr != nil || parsed.Scheme == "" || parsed.Host == "" {
			return serverSettings{}, configError(configCodeInvalidUpstreamURL, "upstream_url must be an absolute URL")
		}
		if len(internalSigningKey) == 0 {
			return serverSettings{}, configError(configCodeMissingInternalKey, "internal_signing_key must be provided when upstream_url is set")
		}
		upstreamURL = parsed
	}

	grpcListenAddr := strings.TrimSpace(viper.GetString("grpc_listen_addr"))
	serviceAPIKey := strings.TrimSpace(viper.GetString("service_api_key"))
	if grpcListenAddr != "" && serviceAPIKey == "" {
		return serverSettings{}, configError(configCodeMissingServiceAPIKey, "service_api_key must be provided when grpc_listen_addr is set")
	}

	enableCORS := viper.GetBool("enable_cors")
	corsAllowedOrigins := corsOrigins()
	if enableCORS && len(corsAllowedOrigins) == 0 {
		return serverSettings{}, configError(configCodeMissingCORSOrigins, "cors_allowed_origins must be provided when enable_cors is true")
	}

	devMode := viper.GetBool("dev_mode")
	return serverSettings{
		Auth: authkit.ServerConfig{
			GoogleWebClientID: googleWebClientID,
			AccessSigningKey:  accessSigningKey,
			RefreshSigningKey: refreshSigningKey,
			AccessTTL:         accessTTL,
			RefreshTTL:        refreshTTL,
			NonceTTL:          nonceTTL,
			BcryptCost:        viper.GetInt("bcrypt_cost"),
			ExposeErrorDetail: devMode,
		},
		Policies:             policies,
		ListenAddr:           viper.GetString("listen_addr"),
		GRPCListenAddr:       grpcListenAddr,
		InternalSigningKey:   internalSigningKey,
		InternalTokenTTL:     internalTokenTTL,
		ServiceAPIKey:        serviceAPIKey,
		DatabaseURL:          strings.TrimSpace(viper.GetString("database_url")),
		RateLimitDatabaseURL: strings.TrimSpace(viper.GetString("rate_limit_database_url")),
		SweepInterval:        sweepInterval,
		DevMode:              devMode,
		EnableCORS:           enableCORS,
		CORSAllowedOrigins:   corsAllowedOrigins,
		UpstreamURL:          upstreamURL,
	}, nil
}

func rateLimitPolicy(name string) admission.Policy {
	return admission.Policy{
		Name:   name,
		Max:    viper.GetInt64("rate_limit_" + name + "_max"),
		Window: viper.GetDuration("rate_limit_" + name + "_window"),
	}
}

// corsOrigins accepts both a repeated flag and a comma separated APP_CORS_ALLOWED_ORIGINS value.
func corsOrigins() []string {
	origins := make([]string, 0)
	for _, entry := range viper.GetStringSlice("cors_allowed_origins") {
		origins = append(origins, web.SplitOrigins(entry)...)
	}
	return origins
}
