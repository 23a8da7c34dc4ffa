package authkit

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/socialauth/internal/admission"
	"go.uber.org/zap/zaptest"
)

const testServiceKey = "internal-service-key"

type routeHarness struct {
	router  *gin.Engine
	fixture serviceFixture
}

type decodedEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Error   string          `json:"error"`
	Detail  string          `json:"detail"`
}

type decodedAuthData struct {
	User   UserView  `json:"user"`
	Tokens TokenPair `json:"tokens"`
}

func newRouteHarness(t *testing.T) routeHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	fixture := newServiceFixture(t)
	limiter, err := admission.NewLimiter(admission.NewMemoryCounterStore(), zaptest.NewLogger(t),
		admission.WithRecorder(fixture.metrics),
		admission.WithTimeSource(fixture.clock.Now),
	)
	if err != nil {
		t.Fatalf("limiter: %v", err)
	}
	dependencies := RouteDependencies{
		Service: fixture.service,
		Codec:   fixture.codec,
		Limiter: limiter,
		Policies: RateLimitPolicies{
			General: admission.Policy{Name: "general", Max: 1000, Window: 15 * time.Minute},
			Login:   admission.Policy{Name: "login", Max: 5, Window: 15 * time.Minute},
			Refresh: admission.Policy{Name: "refresh", Max: 10, Window: 15 * time.Minute},
		},
		Metrics:       fixture.metrics,
		ServiceAPIKey: testServiceKey,
	}
	router := gin.New()
	UseAdmission(router, dependencies, nil)
	MountAuthRoutes(router, dependencies)
	return routeHarness{router: router, fixture: fixture}
}

func (harness routeHarness) do(t *testing.T, method string, path string, body interface{}, headers map[string]string) (*httptest.ResponseRecorder, decodedEnvelope) {
	t.Helper()
	var payload bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&payload).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	request := httptest.NewRequest(method, path, &payload)
	request.Header.Set("Content-Type", "application/json")
	request.RemoteAddr = "192.0.2.10:40000"
	for name, value := range headers {
		request.Header.Set(name, value)
	}
	recorder := httptest.NewRecorder()
	harness.router.ServeHTTP(recorder, request)

	var envelope decodedEnvelope
	if recorder.Body.Len() > 0 {
		if err := json.Unmarshal(recorder.Body.Bytes(), &envelope); err != nil {
			t.Fatalf("decode envelope %q: %v", recorder.Body.String(), err)
		}
	}
	return recorder, envelope
}

func decodeAuthData(t *testing.T, envelope decodedEnvelope) decodedAuthData {
	t.Helper()
	var data decodedAuthData
	if err := json.Unmarshal(envelope.Data, &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	return data
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func TestRegisterRouteCreatesAccountAndRejectsDuplicates(t *testing.T) {
	harness := newRouteHarness(t)

	recorder, envelope := harness.do(t, http.MethodPost, "/auth/register", RegisterInput{Email: "a@x.com", Username: "alice", Password: "Passw0rd1"}, nil)
	if recorder.Code != http.StatusCreated || !envelope.Success {
		t.Fatalf("expected 201 success, got %d %s", recorder.Code, recorder.Body.String())
	}
	data := decodeAuthData(t, envelope)
	if data.User.Email != "a@x.com" || data.Tokens.AccessToken == "" || data.Tokens.RefreshToken == "" {
		t.Fatalf("unexpected registration payload %+v", data)
	}

	recorder, envelope = harness.do(t, http.MethodPost, "/auth/register", RegisterInput{Email: "a@x.com", Username: "alice2", Password: "Passw0rd1"}, nil)
	if recorder.Code != http.StatusConflict || envelope.Success || envelope.Error != "conflict" {
		t.Fatalf("expected 409 conflict, got %d %s", recorder.Code, recorder.Body.String())
	}
}

func TestRegisterRouteRejectsMalformedBody(t *testing.T) {
	harness := newRouteHarness(t)
	request := httptest.NewRequest(http.MethodPost, "/auth/register", bytes.NewBufferString("{not json"))
	request.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	harness.router.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
}

func TestLoginRouteIsRateLimitedBeforeCredentialCheck(t *testing.T) {
	harness := newRouteHarness(t)
	registerTestUser(t, harness.fixture, "limit@x.com", "limited")

	for attempt := 1; attempt <= 5; attempt++ {
		recorder, envelope := harness.do(t, http.MethodPost, "/auth/login", LoginInput{Email: "limit@x.com", Password: "Wrong0000"}, nil)
		if recorder.Code != http.StatusUnauthorized || envelope.Error != "invalid_credential" {
			t.Fatalf("attempt %d: expected 401 invalid_credential, got %d %s", attempt, recorder.Code, recorder.Body.String())
		}
	}
	failuresBefore := harness.fixture.metrics.Count(MetricLoginFailure)

	recorder, envelope := harness.do(t, http.MethodPost, "/auth/login", LoginInput{Email: "limit@x.com", Password: "Passw0rd1"}, nil)
	if recorder.Code != http.StatusTooManyRequests || envelope.Error != "rate_limit_exceeded" {
		t.Fatalf("expected 429, got %d %s", recorder.Code, recorder.Body.String())
	}
	retryAfter, err := strconv.Atoi(recorder.Header().Get("Retry-After"))
	if err != nil || retryAfter <= 0 || retryAfter > int((15*time.Minute).Seconds()) {
		t.Fatalf("unexpected Retry-After %q", recorder.Header().Get("Retry-After"))
	}
	if harness.fixture.metrics.Count(MetricLoginFailure) != failuresBefore {
		t.Fatalf("credentials must not be checked once the budget is spent")
	}
	if harness.fixture.metrics.Count(MetricRateLimitRejected) != 1 {
		t.Fatalf("expected one rate limit rejection, got %d", harness.fixture.metrics.Count(MetricRateLimitRejected))
	}

	harness.fixture.clock.Advance(15 * time.Minute)
	recorder, _ = harness.do(t, http.MethodPost, "/auth/login", LoginInput{Email: "limit@x.com", Password: "Passw0rd1"}, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected the window to reset, got %d %s", recorder.Code, recorder.Body.String())
	}
}

func TestRefreshRouteRotatesAndRejectsReplay(t *testing.T) {
	harness := newRouteHarness(t)
	registered := registerTestUser(t, harness.fixture, "refresh@x.com", "refresher")

	recorder, envelope := harness.do(t, http.MethodPost, "/auth/refresh", map[string]string{"refreshToken": registered.Tokens.RefreshToken}, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", recorder.Code, recorder.Body.String())
	}
	if data := decodeAuthData(t, envelope); data.Tokens.RefreshToken == "" || data.Tokens.RefreshToken == registered.Tokens.RefreshToken {
		t.Fatalf("expected a rotated refresh token, got %+v", data.Tokens)
	}

	recorder, envelope = harness.do(t, http.MethodPost, "/auth/refresh", map[string]string{"refreshToken": registered.Tokens.RefreshToken}, nil)
	if recorder.Code != http.StatusUnauthorized || envelope.Error != "invalid_or_revoked_token" {
		t.Fatalf("expected 401 invalid_or_revoked_token, got %d %s", recorder.Code, recorder.Body.String())
	}

	recorder, envelope = harness.do(t, http.MethodPost, "/auth/refresh", map[string]string{}, nil)
	if recorder.Code != http.StatusBadRequest || envelope.Error != "validation_error" {
		t.Fatalf("expected 400 validation_error, got %d %s", recorder.Code, recorder.Body.String())
	}
}

func TestProtectedRoutesRequireAccessToken(t *testing.T) {
	harness := newRouteHarness(t)
	registered := registerTestUser(t, harness.fixture, "me@x.com", "meuser")

	recorder, envelope := harness.do(t, http.MethodGet, "/auth/me", nil, nil)
	if recorder.Code != http.StatusUnauthorized || envelope.Error != "auth_required" {
		t.Fatalf("expected 401 auth_required, got %d %s", recorder.Code, recorder.Body.String())
	}

	recorder, envelope = harness.do(t, http.MethodGet, "/auth/me", nil, bearer(registered.Tokens.RefreshToken))
	if recorder.Code != http.StatusUnauthorized || envelope.Error != "invalid_token" {
		t.Fatalf("expected refresh token to be refused as access token, got %d %s", recorder.Code, recorder.Body.String())
	}

	recorder, envelope = harness.do(t, http.MethodGet, "/auth/me", nil, bearer(registered.Tokens.AccessToken))
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", recorder.Code, recorder.Body.String())
	}
	var meData struct {
		User UserView `json:"user"`
	}
	if err := json.Unmarshal(envelope.Data, &meData); err != nil || meData.User.ID != registered.User.ID {
		t.Fatalf("unexpected /auth/me payload %s err=%v", string(envelope.Data), err)
	}

	harness.fixture.clock.Advance(16 * time.Minute)
	recorder, envelope = harness.do(t, http.MethodGet, "/auth/me", nil, bearer(registered.Tokens.AccessToken))
	if recorder.Code != http.StatusUnauthorized || envelope.Error != "token_expired" {
		t.Fatalf("expected 401 token_expired, got %d %s", recorder.Code, recorder.Body.String())
	}
}

func TestLogoutRoutes(t *testing.T) {
	harness := newRouteHarness(t)
	registered := registerTestUser(t, harness.fixture, "out@x.com", "outuser")
	second, err := harness.fixture.service.Login(t.Context(), LoginInput{Email: "out@x.com", Password: "Passw0rd1"}, IssueMetadata{})
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	recorder, _ := harness.do(t, http.MethodPost, "/auth/logout", map[string]string{"refreshToken": registered.Tokens.RefreshToken}, bearer(registered.Tokens.AccessToken))
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", recorder.Code, recorder.Body.String())
	}
	recorder, _ = harness.do(t, http.MethodPost, "/auth/logout", nil, bearer(registered.Tokens.AccessToken))
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected empty logout body to succeed, got %d %s", recorder.Code, recorder.Body.String())
	}

	recorder, envelope := harness.do(t, http.MethodPost, "/auth/logout-all", nil, bearer(registered.Tokens.AccessToken))
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", recorder.Code, recorder.Body.String())
	}
	var revokedData struct {
		Revoked int64 `json:"revoked"`
	}
	if err := json.Unmarshal(envelope.Data, &revokedData); err != nil || revokedData.Revoked != 1 {
		t.Fatalf("expected one remaining session revoked, got %s err=%v", string(envelope.Data), err)
	}
	if _, err := harness.fixture.service.Refresh(t.Context(), second.Tokens.RefreshToken, IssueMetadata{}); KindOf(err) != KindInvalidOrRevokedToken {
		t.Fatalf("expected logout-all to revoke the second session, got %v", err)
	}
}

func TestRequestIdentityHeadersAreEchoed(t *testing.T) {
	harness := newRouteHarness(t)

	recorder, _ := harness.do(t, http.MethodGet, "/auth/me", nil, map[string]string{
		admission.HeaderRequestID:     "req-123",
		admission.HeaderCorrelationID: "corr-456",
	})
	if recorder.Header().Get(admission.HeaderRequestID) != "req-123" || recorder.Header().Get(admission.HeaderCorrelationID) != "corr-456" {
		t.Fatalf("expected inbound ids to be echoed, got %v", recorder.Header())
	}

	recorder, _ = harness.do(t, http.MethodGet, "/auth/me", nil, nil)
	generated := recorder.Header().Get(admission.HeaderRequestID)
	if generated == "" || recorder.Header().Get(admission.HeaderCorrelationID) != generated {
		t.Fatalf("expected a generated request id shared with the correlation id, got %v", recorder.Header())
	}
}

func TestNonceRoute(t *testing.T) {
	harness := newRouteHarness(t)
	recorder, envelope := harness.do(t, http.MethodPost, "/auth/nonce", nil, nil)
	if recorder.Code != http.StatusOK || recorder.Header().Get("Cache-Control") != "no-store" {
		t.Fatalf("expected uncached 200, got %d %v", recorder.Code, recorder.Header())
	}
	var nonceData struct {
		Nonce string `json:"nonce"`
	}
	if err := json.Unmarshal(envelope.Data, &nonceData); err != nil || nonceData.Nonce == "" {
		t.Fatalf("expected a nonce, got %s err=%v", string(envelope.Data), err)
	}
}

func TestNonceRouteDoesNotSpendLoginBudget(t *testing.T) {
	harness := newRouteHarness(t)
	for attempt := 1; attempt <= 5; attempt++ {
		recorder, _ := harness.do(t, http.MethodPost, "/auth/login", LoginInput{Email: "nobody@x.com", Password: "Wrong0000"}, nil)
		if recorder.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: expected 401, got %d %s", attempt, recorder.Code, recorder.Body.String())
		}
	}
	for attempt := 1; attempt <= 3; attempt++ {
		recorder, _ := harness.do(t, http.MethodPost, "/auth/nonce", nil, nil)
		if recorder.Code != http.StatusOK {
			t.Fatalf("nonce %d: expected 200 with the login budget spent, got %d %s", attempt, recorder.Code, recorder.Body.String())
		}
	}
}

func TestLogoutRoutesRefuseDeactivatedAccounts(t *testing.T) {
	harness := newRouteHarness(t)
	registered := registerTestUser(t, harness.fixture, "gone@x.com", "goneuser")
	if err := harness.fixture.service.Deactivate(t.Context(), registered.User.ID); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	testCases := []struct {
		name string
		path string
	}{
		{name: "logout", path: "/auth/logout"},
		{name: "logout all", path: "/auth/logout-all"},
		{name: "me", path: "/auth/me"},
	}
	for _, testCase := range testCases {
		method := http.MethodPost
		if testCase.path == "/auth/me" {
			method = http.MethodGet
		}
		recorder, envelope := harness.do(t, method, testCase.path, nil, bearer(registered.Tokens.AccessToken))
		if recorder.Code != http.StatusForbidden || envelope.Error != "account_inactive" {
			t.Fatalf("%s: expected 403 account_inactive, got %d %s", testCase.name, recorder.Code, recorder.Body.String())
		}
	}
}

func TestMetricsRouteRequiresServiceKey(t *testing.T) {
	harness := newRouteHarness(t)
	registerTestUser(t, harness.fixture, "metrics@x.com", "metrics")

	recorder, _ := harness.do(t, http.MethodGet, "/internal/metrics", nil, nil)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without service key, got %d", recorder.Code)
	}
	recorder, _ = harness.do(t, http.MethodGet, "/internal/metrics", nil, bearer("wrong"))
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong service key, got %d", recorder.Code)
	}
	recorder, envelope := harness.do(t, http.MethodGet, "/internal/metrics", nil, bearer(testServiceKey))
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", recorder.Code, recorder.Body.String())
	}
	var metricsData struct {
		Counters map[string]int64 `json:"counters"`
	}
	if err := json.Unmarshal(envelope.Data, &metricsData); err != nil || metricsData.Counters[MetricRegisterSuccess] != 1 {
		t.Fatalf("unexpected counters %s err=%v", string(envelope.Data), err)
	}
}

func TestErrorDetailIsHiddenByDefault(t *testing.T) {
	gin.SetMode(gin.TestMode)
	testCases := []struct {
		name         string
		exposeDetail bool
		expectDetail bool
	}{
		{name: "hidden", exposeDetail: false, expectDetail: false},
		{name: "exposed", exposeDetail: true, expectDetail: true},
	}
	for _, testCase := range testCases {
		router := gin.New()
		router.GET("/fail", func(contextGin *gin.Context) {
			WriteError(contextGin, internalError(errTestDatabaseDown), testCase.exposeDetail)
		})
		recorder := httptest.NewRecorder()
		router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/fail", nil))
		var envelope decodedEnvelope
		if err := json.Unmarshal(recorder.Body.Bytes(), &envelope); err != nil {
			t.Fatalf("%s: decode: %v", testCase.name, err)
		}
		if recorder.Code != http.StatusInternalServerError || envelope.Error != "internal" || envelope.Message != "internal server error" {
			t.Fatalf("%s: unexpected response %d %s", testCase.name, recorder.Code, recorder.Body.String())
		}
		if (envelope.Detail != "") != testCase.expectDetail {
			t.Fatalf("%s: unexpected detail %q", testCase.name, envelope.Detail)
		}
	}
}
