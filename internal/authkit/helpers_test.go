package authkit

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	sqliteDialector "github.com/glebarez/sqlite"
	"go.uber.org/zap/zaptest"
	"google.golang.org/api/idtoken"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testClientID = "client-id"

type controllableClock struct {
	mutex   sync.Mutex
	current time.Time
}

func newControllableClock() *controllableClock {
	return &controllableClock{current: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (clock *controllableClock) Now() time.Time {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	return clock.current
}

func (clock *controllableClock) Advance(duration time.Duration) {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	clock.current = clock.current.Add(duration)
}

type validatorResult struct {
	payload          *idtoken.Payload
	err              error
	expectedAudience string
}

type fakeGoogleValidator struct {
	results map[string]validatorResult
}

func (validator *fakeGoogleValidator) Validate(ctx context.Context, token string, audience string) (*idtoken.Payload, error) {
	result, ok := validator.results[token]
	if !ok {
		return nil, errors.New("token_not_found")
	}
	if result.expectedAudience != "" && result.expectedAudience != audience {
		return nil, errors.New("audience_mismatch")
	}
	if result.err != nil {
		return nil, result.err
	}
	return result.payload, nil
}

func googlePayload(subject string, email string, verified bool) *idtoken.Payload {
	return &idtoken.Payload{
		Claims: map[string]interface{}{
			"iss":            "https://accounts.google.com",
			"sub":            subject,
			"email":          email,
			"email_verified": verified,
			"name":           "Google User",
			"picture":        "https://example.com/avatar.png",
			"given_name":     "Google",
			"family_name":    "User",
		},
	}
}

func newTestCodec(t *testing.T, clock Clock) *TokenCodec {
	t.Helper()
	codec, err := NewTokenCodec([]byte("access-secret"), []byte("refresh-secret"), clock)
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	return codec
}

func testServerConfig() ServerConfig {
	return ServerConfig{
		GoogleWebClientID: testClientID,
		AccessSigningKey:  []byte("access-secret"),
		RefreshSigningKey: []byte("refresh-secret"),
		AccessTTL:         15 * time.Minute,
		RefreshTTL:        7 * 24 * time.Hour,
		NonceTTL:          5 * time.Minute,
		BcryptCost:        4,
	}
}

type serviceFixture struct {
	service       *Service
	codec         *TokenCodec
	clock         *controllableClock
	users         UserStore
	refreshTokens RefreshTokenStore
	metrics       *CounterMetrics
	validator     *fakeGoogleValidator
}

func newServiceFixture(t *testing.T) serviceFixture {
	t.Helper()
	clock := newControllableClock()
	return newServiceFixtureWithStores(t, clock, NewMemoryUserStore(clock), NewMemoryRefreshTokenStore(clock))
}

func newServiceFixtureWithStores(t *testing.T, clock *controllableClock, users UserStore, refreshTokens RefreshTokenStore) serviceFixture {
	t.Helper()
	configuration := testServerConfig()
	codec := newTestCodec(t, clock)
	metrics := NewCounterMetrics()
	validator := &fakeGoogleValidator{results: map[string]validatorResult{}}
	service, err := NewService(ServiceDependencies{
		Configuration: configuration,
		Codec:         codec,
		Users:         users,
		RefreshTokens: refreshTokens,
		Verifier:      NewGoogleVerifier(validator, testClientID),
		Nonces:        NewMemoryNonceStore(configuration.NonceTTL, clock),
		Hasher:        NewBcryptHasher(configuration.BcryptCost),
		Metrics:       metrics,
		Clock:         clock,
		Logger:        zaptest.NewLogger(t),
	})
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	return serviceFixture{
		service:       service,
		codec:         codec,
		clock:         clock,
		users:         users,
		refreshTokens: refreshTokens,
		metrics:       metrics,
		validator:     validator,
	}
}

// openTestDatabase opens a private in-memory SQLite database per test.
func openTestDatabase(t *testing.T) *Database {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	gormDB, err := gorm.Open(sqliteDialector.Open("file:"+name+"?mode=memory&cache=shared"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := MigrateSchema(context.Background(), gormDB); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	database := &Database{DB: gormDB, Driver: "sqlite"}
	t.Cleanup(func() { _ = database.Close() })
	return database
}

func registerTestUser(t *testing.T, fixture serviceFixture, email string, username string) AuthResult {
	t.Helper()
	result, err := fixture.service.Register(context.Background(), RegisterInput{Email: email, Username: username, Password: "Passw0rd1"}, IssueMetadata{IPAddress: "10.0.0.1"})
	if err != nil {
		t.Fatalf("register %s: %v", email, err)
	}
	return result
}
