package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"github.com/tyemirov/socialauth/internal/admission"
	"github.com/tyemirov/socialauth/internal/authkit"
	"github.com/tyemirov/socialauth/pkg/trustheaders"
	"go.uber.org/zap/zaptest"
)

type stubAuthenticator struct {
	identities map[string]authkit.Identity
	failures   map[string]error
}

func (authenticator stubAuthenticator) Validate(ctx context.Context, accessToken string) (authkit.Identity, error) {
	if err, failed := authenticator.failures[accessToken]; failed {
		return authkit.Identity{}, err
	}
	identity, ok := authenticator.identities[accessToken]
	if !ok {
		return authkit.Identity{}, authkit.NewError(authkit.KindTokenMalformed, "", nil)
	}
	return identity, nil
}

type observedRequest struct {
	Path          string `json:"path"`
	Authorization string `json:"authorization"`
	RequestID     string `json:"requestId"`
	CorrelationID string `json:"correlationId"`
	UserID        string `json:"userId"`
	Trusted       bool   `json:"trusted"`
}

func newGatewayRouter(t *testing.T, upstreamURL string) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	upstream, err := url.Parse(upstreamURL)
	require.NoError(t, err)
	signer, err := trustheaders.NewSigner(trustheaders.Config{SigningKey: []byte("internal-secret")})
	require.NoError(t, err)
	proxy, err := NewProxy(Config{
		Upstream: upstream,
		Signer:   signer,
		Authenticator: stubAuthenticator{
			identities: map[string]authkit.Identity{"good-token": {UserID: "user-1", Email: "a@x.com", Role: "user"}},
			failures: map[string]error{
				"expired-token":  authkit.NewError(authkit.KindTokenExpired, "", nil),
				"inactive-token": authkit.NewError(authkit.KindAccountInactive, "", nil),
			},
		},
		Logger: zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	router := gin.New()
	router.Use(admission.RequestIdentity())
	proxy.Mount(router, "/api")
	return router
}

func newTrustingUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	validator, err := trustheaders.New(trustheaders.Config{SigningKey: []byte("internal-secret")})
	require.NoError(t, err)
	upstream := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		claims, validateErr := validator.ValidateRequest(request)
		observed := observedRequest{
			Path:          request.URL.Path,
			Authorization: request.Header.Get("Authorization"),
			RequestID:     request.Header.Get(admission.HeaderRequestID),
			CorrelationID: request.Header.Get(admission.HeaderCorrelationID),
			Trusted:       validateErr == nil,
		}
		if validateErr == nil {
			observed.UserID = claims.Identity().UserID
		}
		writer.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(writer).Encode(observed)
	}))
	t.Cleanup(upstream.Close)
	return upstream
}

func TestProxyForwardsTrustedIdentity(t *testing.T) {
	upstream := newTrustingUpstream(t)
	router := newGatewayRouter(t, upstream.URL)

	request := httptest.NewRequest(http.MethodGet, "/api/orders/42", nil)
	request.Header.Set("Authorization", "Bearer good-token")
	request.Header.Set(trustheaders.HeaderUserID, "admin-impersonation")
	request.Header.Set(admission.HeaderCorrelationID, "corr-1")
	response := httptest.NewRecorder()
	router.ServeHTTP(response, request)

	require.Equal(t, http.StatusOK, response.Code, response.Body.String())
	var observed observedRequest
	require.NoError(t, json.Unmarshal(response.Body.Bytes(), &observed))
	require.True(t, observed.Trusted)
	require.Equal(t, "user-1", observed.UserID)
	require.Equal(t, "/api/orders/42", observed.Path)
	require.Empty(t, observed.Authorization)
	require.Equal(t, "corr-1", observed.CorrelationID)
	require.Equal(t, response.Header().Get(admission.HeaderRequestID), observed.RequestID)
}

func TestProxyRejectsUnauthenticatedCallers(t *testing.T) {
	upstream := newTrustingUpstream(t)
	router := newGatewayRouter(t, upstream.URL)

	testCases := []struct {
		name          string
		authorization string
		status        int
		code          string
	}{
		{name: "missing", authorization: "", status: http.StatusUnauthorized, code: "auth_required"},
		{name: "forged", authorization: "Bearer forged", status: http.StatusUnauthorized, code: "invalid_token"},
		{name: "expired", authorization: "Bearer expired-token", status: http.StatusUnauthorized, code: "token_expired"},
		{name: "inactive", authorization: "Bearer inactive-token", status: http.StatusForbidden, code: "account_inactive"},
	}
	for _, testCase := range testCases {
		request := httptest.NewRequest(http.MethodPost, "/api/orders", nil)
		if testCase.authorization != "" {
			request.Header.Set("Authorization", testCase.authorization)
		}
		response := httptest.NewRecorder()
		router.ServeHTTP(response, request)
		require.Equal(t, testCase.status, response.Code, testCase.name)
		var envelope authkit.Envelope
		require.NoError(t, json.Unmarshal(response.Body.Bytes(), &envelope), testCase.name)
		require.Equal(t, testCase.code, envelope.Error, testCase.name)
	}
}

func TestProxyReportsUnavailableUpstream(t *testing.T) {
	upstream := newTrustingUpstream(t)
	upstreamURL := upstream.URL
	upstream.Close()
	router := newGatewayRouter(t, upstreamURL)

	request := httptest.NewRequest(http.MethodGet, "/api/orders", nil)
	request.Header.Set("Authorization", "Bearer good-token")
	response := httptest.NewRecorder()
	router.ServeHTTP(response, request)
	require.Equal(t, http.StatusBadGateway, response.Code)
	require.JSONEq(t, `{"success":false,"error":"upstream_unavailable","message":"upstream service is unavailable"}`, response.Body.String())
}

func TestNewProxyValidatesConfig(t *testing.T) {
	upstream, err := url.Parse("http://127.0.0.1:9")
	require.NoError(t, err)
	signer, err := trustheaders.NewSigner(trustheaders.Config{SigningKey: []byte("k")})
	require.NoError(t, err)

	_, err = NewProxy(Config{Signer: signer, Authenticator: stubAuthenticator{}})
	require.ErrorIs(t, err, errMissingUpstream)
	_, err = NewProxy(Config{Upstream: upstream, Authenticator: stubAuthenticator{}})
	require.ErrorIs(t, err, errMissingSigner)
	_, err = NewProxy(Config{Upstream: upstream, Signer: signer})
	require.ErrorIs(t, err, errMissingAuthenticator)
}
