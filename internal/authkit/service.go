package authkit

import (
	"context"
	"errors"
	"time"

	"github.com/tyemirov/socialauth/internal/admission"
	"go.uber.org/zap"
)

var (
	errMissingCodec       = errors.New("auth.service: token codec is required")
	errMissingUserStore   = errors.New("auth.service: user store is required")
	errMissingTokenStore  = errors.New("auth.service: refresh token store is required")
	errIssueAttemptsSpent = errors.New("auth.service: refresh token conflicts exhausted retries")
)

// CredentialVerifier validates a third-party identity token.
type CredentialVerifier interface {
	Verify(ctx context.Context, idToken string, expectedNonce string) (ProviderClaim, error)
}

// TokenPair is the credential set handed to a client after authentication.
type TokenPair struct {
	AccessToken      string    `json:"accessToken"`
	RefreshToken     string    `json:"refreshToken"`
	TokenType        string    `json:"tokenType"`
	AccessExpiresAt  time.Time `json:"accessTokenExpiresAt"`
	RefreshExpiresAt time.Time `json:"refreshTokenExpiresAt"`
}

// AuthResult is what every issuing flow returns.
type AuthResult struct {
	User   User
	Tokens TokenPair
}

// ServiceDependencies wires the collaborators of the issuance service.
type ServiceDependencies struct {
	Configuration ServerConfig
	Codec         *TokenCodec
	Users         UserStore
	RefreshTokens RefreshTokenStore
	Verifier      CredentialVerifier
	Nonces        NonceStore
	Hasher        PasswordHasher
	Metrics       MetricsRecorder
	Clock         Clock
	Logger        *zap.Logger
}

// Service orchestrates the credential verifier, identity directory, codec, and token store.
type Service struct {
	configuration ServerConfig
	codec         *TokenCodec
	users         UserStore
	refreshTokens RefreshTokenStore
	verifier      CredentialVerifier
	nonces        NonceStore
	hasher        PasswordHasher
	metrics       MetricsRecorder
	clock         Clock
	logger        *zap.Logger
}

// NewService validates dependencies and constructs the issuance service.
func NewService(dependencies ServiceDependencies) (*Service, error) {
	if dependencies.Codec == nil {
		return nil, errMissingCodec
	}
	if dependencies.Users == nil {
		return nil, errMissingUserStore
	}
	if dependencies.RefreshTokens == nil {
		return nil, errMissingTokenStore
	}
	hasher := dependencies.Hasher
	if hasher == nil {
		hasher = NewBcryptHasher(dependencies.Configuration.BcryptCost)
	}
	logger := dependencies.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		configuration: dependencies.Configuration,
		codec:         dependencies.Codec,
		users:         dependencies.Users,
		refreshTokens: dependencies.RefreshTokens,
		verifier:      dependencies.Verifier,
		nonces:        dependencies.Nonces,
		hasher:        hasher,
		metrics:       metricsOrNoop(dependencies.Metrics),
		clock:         clockOrSystem(dependencies.Clock),
		logger:        logger,
	}, nil
}

// Register creates a password-based account and issues its first token pair.
func (service *Service) Register(ctx context.Context, input RegisterInput, metadata IssueMetadata) (AuthResult, error) {
	result, err := service.register(ctx, input, metadata)
	service.record(MetricRegisterSuccess, MetricRegisterFailure, err)
	return result, err
}

func (service *Service) register(ctx context.Context, input RegisterInput, metadata IssueMetadata) (AuthResult, error) {
	validated, validationErr := ValidateRegisterInput(input)
	if validationErr != nil {
		return AuthResult{}, validationErr
	}
	if _, findErr := service.users.FindByEmail(ctx, validated.Email); findErr == nil {
		return AuthResult{}, NewError(KindConflict, "email is already registered", nil)
	} else if !errors.Is(findErr, ErrUserNotFound) {
		return AuthResult{}, service.internal(ctx, "auth.register.lookup", findErr)
	}
	passwordHash, hashErr := service.hasher.Hash(validated.Password)
	if hashErr != nil {
		return AuthResult{}, service.internal(ctx, "auth.register.hash", hashErr)
	}
	user, createErr := service.users.CreateUser(ctx, NewUser{
		Email:        validated.Email,
		Username:     validated.Username,
		DisplayName:  validated.Username,
		PasswordHash: passwordHash,
	})
	if createErr != nil {
		if errors.Is(createErr, ErrUserConflict) {
			return AuthResult{}, NewError(KindConflict, "email or username is already registered", createErr)
		}
		return AuthResult{}, service.internal(ctx, "auth.register.create", createErr)
	}
	tokens, issueErr := service.issuePair(ctx, user, "", metadata)
	if issueErr != nil {
		return AuthResult{}, issueErr
	}
	service.logger.Info("user registered", zap.String("code", "auth.register.success"), zap.String("user_id", user.ID))
	return AuthResult{User: user, Tokens: tokens}, nil
}

// Login authenticates an email and password.
func (service *Service) Login(ctx context.Context, input LoginInput, metadata IssueMetadata) (AuthResult, error) {
	result, err := service.login(ctx, input, metadata)
	service.record(MetricLoginSuccess, MetricLoginFailure, err)
	return result, err
}

func (service *Service) login(ctx context.Context, input LoginInput, metadata IssueMetadata) (AuthResult, error) {
	validated, validationErr := ValidateLoginInput(input)
	if validationErr != nil {
		return AuthResult{}, validationErr
	}
	user, findErr := service.users.FindByEmail(ctx, validated.Email)
	if findErr != nil {
		if errors.Is(findErr, ErrUserNotFound) {
			return AuthResult{}, NewError(KindInvalidCredential, "", nil)
		}
		return AuthResult{}, service.internal(ctx, "auth.login.lookup", findErr)
	}
	if !user.Active || !user.HasPassword() {
		service.logger.Info("password login refused", zap.String("code", "auth.login.refused"), zap.String("user_id", user.ID), zap.Bool("active", user.Active))
		return AuthResult{}, NewError(KindInvalidCredential, "", nil)
	}
	if compareErr := service.hasher.Compare(user.PasswordHash, validated.Password); compareErr != nil {
		if isPasswordMismatch(compareErr) {
			return AuthResult{}, NewError(KindInvalidCredential, "", nil)
		}
		return AuthResult{}, service.internal(ctx, "auth.login.compare", compareErr)
	}
	return service.completeLogin(ctx, user, metadata)
}

// GoogleAuth exchanges a Google ID token for a token pair, creating or linking the account.
func (service *Service) GoogleAuth(ctx context.Context, input GoogleAuthInput, metadata IssueMetadata) (AuthResult, error) {
	result, err := service.googleAuth(ctx, input, metadata)
	service.record(MetricGoogleSuccess, MetricGoogleFailure, err)
	return result, err
}

func (service *Service) googleAuth(ctx context.Context, input GoogleAuthInput, metadata IssueMetadata) (AuthResult, error) {
	validated, validationErr := ValidateGoogleAuthInput(input)
	if validationErr != nil {
		return AuthResult{}, validationErr
	}
	if service.verifier == nil {
		return AuthResult{}, service.internal(ctx, "auth.google.unconfigured", errors.New("credential verifier is not configured"))
	}
	if validated.Nonce != "" {
		if service.nonces == nil {
			return AuthResult{}, NewError(KindInvalidCredential, "", errors.New("nonce store is not configured"))
		}
		if nonceErr := service.nonces.Consume(ctx, validated.Nonce); nonceErr != nil {
			service.logger.Info("google nonce rejected", zap.String("code", "auth.google.nonce"), zap.Error(nonceErr))
			return AuthResult{}, NewError(KindInvalidCredential, "", nonceErr)
		}
	}
	claim, verifyErr := service.verifier.Verify(ctx, validated.Token, validated.Nonce)
	if verifyErr != nil {
		service.logger.Info("google token rejected", zap.String("code", "auth.google.invalid"), zap.Error(verifyErr))
		if KindOf(verifyErr) == KindInternal {
			return AuthResult{}, service.internal(ctx, "auth.google.verify", verifyErr)
		}
		return AuthResult{}, verifyErr
	}
	user, upsertErr := service.users.UpsertFromProvider(ctx, claim)
	if upsertErr != nil {
		if errors.Is(upsertErr, ErrUserConflict) {
			return AuthResult{}, NewError(KindConflict, "email is linked to a different google account", upsertErr)
		}
		return AuthResult{}, service.internal(ctx, "auth.google.upsert", upsertErr)
	}
	if !user.Active {
		return AuthResult{}, NewError(KindAccountInactive, "", nil)
	}
	return service.completeLogin(ctx, user, metadata)
}

// Refresh rotates a refresh token: the presented one is consumed and a new pair is issued.
func (service *Service) Refresh(ctx context.Context, refreshToken string, metadata IssueMetadata) (AuthResult, error) {
	result, err := service.refresh(ctx, refreshToken, metadata)
	service.record(MetricRefreshSuccess, MetricRefreshFailure, err)
	return result, err
}

func (service *Service) refresh(ctx context.Context, refreshToken string, metadata IssueMetadata) (AuthResult, error) {
	verified, verifyErr := service.codec.Verify(TokenKindRefresh, refreshToken)
	if verifyErr != nil {
		if KindOf(verifyErr) == KindTokenKindMismatch {
			return AuthResult{}, verifyErr
		}
		service.logRefreshRejected(ctx, "codec", verifyErr)
		return AuthResult{}, NewError(KindInvalidOrRevokedToken, "", verifyErr)
	}
	record, findErr := service.refreshTokens.FindValid(ctx, refreshToken)
	if findErr != nil {
		if errors.Is(findErr, ErrRefreshTokenInvalid) {
			service.logRefreshRejected(ctx, RefreshRejectReason(findErr), findErr)
			return AuthResult{}, NewError(KindInvalidOrRevokedToken, "", nil)
		}
		return AuthResult{}, service.internal(ctx, "auth.refresh.lookup", findErr)
	}
	if record.UserID != verified.Identity.UserID {
		service.logRefreshRejected(ctx, "owner_mismatch", nil)
		return AuthResult{}, NewError(KindInvalidOrRevokedToken, "", nil)
	}
	user, userErr := service.users.FindByID(ctx, record.UserID)
	if userErr != nil {
		if errors.Is(userErr, ErrUserNotFound) {
			service.logRefreshRejected(ctx, "user_missing", userErr)
			return AuthResult{}, NewError(KindInvalidOrRevokedToken, "", nil)
		}
		return AuthResult{}, service.internal(ctx, "auth.refresh.user", userErr)
	}
	if !user.Active {
		return AuthResult{}, NewError(KindAccountInactive, "", nil)
	}
	if consumeErr := service.refreshTokens.Consume(ctx, refreshToken); consumeErr != nil {
		if errors.Is(consumeErr, ErrRefreshTokenInvalid) {
			service.logRefreshRejected(ctx, RefreshRejectReason(consumeErr), consumeErr)
			return AuthResult{}, NewError(KindInvalidOrRevokedToken, "", nil)
		}
		return AuthResult{}, service.internal(ctx, "auth.refresh.consume", consumeErr)
	}
	// From here the old token is spent; an issuance failure forces re-authentication.
	tokens, issueErr := service.issuePair(ctx, user, record.TokenID, metadata)
	if issueErr != nil {
		return AuthResult{}, issueErr
	}
	return AuthResult{User: user, Tokens: tokens}, nil
}

// Logout revokes the supplied refresh token of userID. It succeeds for unusable tokens.
func (service *Service) Logout(ctx context.Context, userID string, refreshToken string) error {
	if refreshToken != "" {
		if revokeErr := service.refreshTokens.Revoke(ctx, userID, refreshToken); revokeErr != nil {
			return service.internal(ctx, "auth.logout.revoke", revokeErr)
		}
	}
	service.metrics.Increment(MetricLogoutSuccess)
	return nil
}

// LogoutAll revokes every active refresh token of userID.
func (service *Service) LogoutAll(ctx context.Context, userID string) (int64, error) {
	revoked, revokeErr := service.refreshTokens.RevokeAllForUser(ctx, userID)
	if revokeErr != nil {
		return 0, service.internal(ctx, "auth.logout_all.revoke", revokeErr)
	}
	service.metrics.Increment(MetricLogoutAllSuccess)
	service.logger.Info("all sessions revoked", zap.String("code", "auth.logout_all.success"), zap.String("user_id", userID), zap.Int64("revoked", revoked))
	return revoked, nil
}

// Validate verifies an access token and confirms the owning account is still active.
func (service *Service) Validate(ctx context.Context, accessToken string) (Identity, error) {
	verified, verifyErr := service.codec.Verify(TokenKindAccess, accessToken)
	if verifyErr != nil {
		return Identity{}, verifyErr
	}
	user, userErr := service.users.FindByID(ctx, verified.Identity.UserID)
	if userErr != nil {
		if errors.Is(userErr, ErrUserNotFound) {
			return Identity{}, NewError(KindInvalidToken, "", userErr)
		}
		return Identity{}, service.internal(ctx, "auth.validate.user", userErr)
	}
	if !user.Active {
		return Identity{}, NewError(KindAccountInactive, "", nil)
	}
	return user.Identity(), nil
}

// CurrentUser loads the profile of an authenticated caller.
func (service *Service) CurrentUser(ctx context.Context, userID string) (User, error) {
	user, userErr := service.users.FindByID(ctx, userID)
	if userErr != nil {
		if errors.Is(userErr, ErrUserNotFound) {
			return User{}, NewError(KindInvalidToken, "", userErr)
		}
		return User{}, service.internal(ctx, "auth.me.user", userErr)
	}
	if !user.Active {
		return User{}, NewError(KindAccountInactive, "", nil)
	}
	return user, nil
}

// Deactivate disables the account and revokes all of its refresh tokens.
func (service *Service) Deactivate(ctx context.Context, userID string) error {
	if err := service.setActive(ctx, userID, false); err != nil {
		return err
	}
	if _, revokeErr := service.refreshTokens.RevokeAllForUser(ctx, userID); revokeErr != nil {
		return service.internal(ctx, "auth.deactivate.revoke", revokeErr)
	}
	service.logger.Info("account deactivated", zap.String("code", "auth.deactivate.success"), zap.String("user_id", userID))
	return nil
}

// Reactivate re-enables the account. Previously revoked tokens stay revoked.
func (service *Service) Reactivate(ctx context.Context, userID string) error {
	if err := service.setActive(ctx, userID, true); err != nil {
		return err
	}
	service.logger.Info("account reactivated", zap.String("code", "auth.reactivate.success"), zap.String("user_id", userID))
	return nil
}

// UserDeleted handles the cross-service deletion event by revoking every token of the user.
func (service *Service) UserDeleted(ctx context.Context, userID string) (int64, error) {
	if userID == "" {
		return 0, NewError(KindValidation, "user id is required", nil)
	}
	revoked, revokeErr := service.refreshTokens.RevokeAllForUser(ctx, userID)
	if revokeErr != nil {
		return 0, service.internal(ctx, "auth.user_deleted.revoke", revokeErr)
	}
	service.logger.Info("deleted user sessions revoked", zap.String("code", "auth.user_deleted.success"), zap.String("user_id", userID), zap.Int64("revoked", revoked))
	return revoked, nil
}

// IssueNonce hands out a one-time nonce for a Google sign-in.
func (service *Service) IssueNonce(ctx context.Context) (string, time.Time, error) {
	if service.nonces == nil {
		return "", time.Time{}, service.internal(ctx, "auth.nonce.unconfigured", errors.New("nonce store is not configured"))
	}
	nonce, expiresAt, issueErr := service.nonces.Issue(ctx)
	if issueErr != nil {
		return "", time.Time{}, service.internal(ctx, "auth.nonce.issue", issueErr)
	}
	return nonce, expiresAt, nil
}

// Sweep reclaims storage held by expired refresh tokens.
func (service *Service) Sweep(ctx context.Context) (int64, error) {
	return service.refreshTokens.Sweep(ctx, service.clock.Now())
}

// SweepNonces drops Google sign-in nonces that were never redeemed.
func (service *Service) SweepNonces(ctx context.Context) (int64, error) {
	if service.nonces == nil {
		return 0, nil
	}
	return service.nonces.Sweep(ctx, service.clock.Now())
}

func (service *Service) setActive(ctx context.Context, userID string, active bool) error {
	if userID == "" {
		return NewError(KindValidation, "user id is required", nil)
	}
	if err := service.users.SetActive(ctx, userID, active); err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return NewError(KindValidation, "user does not exist", err)
		}
		return service.internal(ctx, "auth.set_active", err)
	}
	return nil
}

func (service *Service) completeLogin(ctx context.Context, user User, metadata IssueMetadata) (AuthResult, error) {
	now := service.clock.Now().UTC()
	if recordErr := service.users.RecordLogin(ctx, user.ID, now); recordErr != nil {
		return AuthResult{}, service.internal(ctx, "auth.login.record", recordErr)
	}
	user.LastLoginAt = now.Truncate(time.Second)
	tokens, issueErr := service.issuePair(ctx, user, "", metadata)
	if issueErr != nil {
		return AuthResult{}, issueErr
	}
	return AuthResult{User: user, Tokens: tokens}, nil
}

// issuePair signs an access token and persists a new refresh token, regenerating on store conflicts.
func (service *Service) issuePair(ctx context.Context, user User, previousTokenID string, metadata IssueMetadata) (TokenPair, error) {
	identity := user.Identity()
	access, accessErr := service.codec.Mint(TokenKindAccess, identity, service.configuration.AccessTTL)
	if accessErr != nil {
		return TokenPair{}, service.internal(ctx, "auth.issue.access", accessErr)
	}
	for attempt := 0; attempt < service.configuration.issueAttempts(); attempt++ {
		refresh, refreshErr := service.codec.Mint(TokenKindRefresh, identity, service.configuration.RefreshTTL)
		if refreshErr != nil {
			return TokenPair{}, service.internal(ctx, "auth.issue.refresh", refreshErr)
		}
		createErr := service.refreshTokens.Create(ctx, NewRefreshToken{
			TokenID:         refresh.TokenID,
			UserID:          user.ID,
			Token:           refresh.Token,
			ExpiresAt:       refresh.ExpiresAt,
			PreviousTokenID: previousTokenID,
			Metadata:        metadata,
		})
		if createErr == nil {
			return TokenPair{
				AccessToken:      access.Token,
				RefreshToken:     refresh.Token,
				TokenType:        "Bearer",
				AccessExpiresAt:  access.ExpiresAt,
				RefreshExpiresAt: refresh.ExpiresAt,
			}, nil
		}
		if !errors.Is(createErr, ErrRefreshTokenConflict) {
			return TokenPair{}, service.internal(ctx, "auth.issue.persist", createErr)
		}
		service.logger.Warn("refresh token collision, regenerating", zap.String("code", "auth.issue.conflict"), zap.Int("attempt", attempt+1))
	}
	return TokenPair{}, service.internal(ctx, "auth.issue.persist", errIssueAttemptsSpent)
}

func (service *Service) internal(ctx context.Context, code string, cause error) error {
	service.logger.Error("auth operation failed", append(admission.LogFields(ctx), zap.String("code", code), zap.Error(cause))...)
	return internalError(cause)
}

func (service *Service) logRefreshRejected(ctx context.Context, reason string, cause error) {
	fields := append(admission.LogFields(ctx), zap.String("code", "auth.refresh.invalid"), zap.String("reason", reason))
	if cause != nil {
		fields = append(fields, zap.Error(cause))
	}
	service.logger.Info("refresh token rejected", fields...)
}

func (service *Service) record(successEvent string, failureEvent string, err error) {
	if err != nil {
		service.metrics.Increment(failureEvent)
		return
	}
	service.metrics.Increment(successEvent)
}
