package web

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestConfigureCORSPreflight(t *testing.T) {
	t.Parallel()
	gin.SetMode(gin.TestMode)

	router := gin.New()
	middleware, err := ConfigureCORS(zap.NewNop(), []string{"http://localhost:3000"})
	if err != nil {
		t.Fatalf("unexpected error configuring CORS: %v", err)
	}
	router.Use(middleware)
	router.POST("/auth/login", func(contextGin *gin.Context) {
		contextGin.Status(http.StatusOK)
	})

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodOptions, "/auth/login", nil)
	request.Header.Set("Origin", "http://localhost:3000")
	request.Header.Set("Access-Control-Request-Method", http.MethodPost)
	request.Header.Set("Access-Control-Request-Headers", "Authorization, X-Device-Id")
	router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204 from preflight, got %d", recorder.Code)
	}
	if origin := recorder.Header().Get("Access-Control-Allow-Origin"); origin != "http://localhost:3000" {
		t.Fatalf("unexpected allowed origin header: %q", origin)
	}
	allowedHeaders := strings.ToLower(recorder.Header().Get("Access-Control-Allow-Headers"))
	if !strings.Contains(allowedHeaders, "authorization") || !strings.Contains(allowedHeaders, "x-device-id") {
		t.Fatalf("expected authorization and device headers to be allowed, got %q", allowedHeaders)
	}
}

func TestConfigureCORSExposesAdmissionHeaders(t *testing.T) {
	t.Parallel()
	gin.SetMode(gin.TestMode)

	router := gin.New()
	middleware, err := ConfigureCORS(nil, []string{"https://app.example.com"})
	if err != nil {
		t.Fatalf("unexpected error configuring CORS: %v", err)
	}
	router.Use(middleware)
	router.GET("/auth/me", func(contextGin *gin.Context) {
		contextGin.Status(http.StatusOK)
	})

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	request.Header.Set("Origin", "https://app.example.com")
	router.ServeHTTP(recorder, request)

	exposed := strings.ToLower(recorder.Header().Get("Access-Control-Expose-Headers"))
	for _, header := range []string{"x-request-id", "retry-after"} {
		if !strings.Contains(exposed, header) {
			t.Fatalf("expected %s to be exposed, got %q", header, exposed)
		}
	}

	foreign := httptest.NewRecorder()
	foreignRequest := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	foreignRequest.Header.Set("Origin", "https://evil.example.com")
	router.ServeHTTP(foreign, foreignRequest)
	if foreign.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for a foreign origin, got %d", foreign.Code)
	}
}

func TestSanitizeOrigins(t *testing.T) {
	testCases := []struct {
		name     string
		origins  []string
		expected []string
		err      error
	}{
		{name: "nil list", origins: nil, err: errEmptyAllowedOrigins},
		{name: "whitespace only", origins: []string{"  "}, err: errEmptyAllowedOrigins},
		{name: "wildcard", origins: []string{"*"}, err: errWildcardOrigin},
		{name: "missing scheme", origins: []string{"example.com"}, err: errInvalidOrigin},
		{name: "path segment", origins: []string{"https://example.com/app"}, err: errInvalidOrigin},
		{name: "query", origins: []string{"https://example.com?x=1"}, err: errInvalidOrigin},
		{name: "unsupported scheme", origins: []string{"ftp://example.com"}, err: errInvalidOrigin},
		{
			name:     "normalizes and deduplicates",
			origins:  []string{"HTTPS://App.Example.com/", "https://app.example.com", " http://localhost:3000 "},
			expected: []string{"http://localhost:3000", "https://app.example.com"},
		},
	}
	for _, testCase := range testCases {
		sanitized, err := sanitizeOrigins(zap.NewNop(), testCase.origins)
		if testCase.err != nil {
			if !errors.Is(err, testCase.err) {
				t.Fatalf("%s: expected %v, got %v", testCase.name, testCase.err, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: unexpected error %v", testCase.name, err)
		}
		if !reflect.DeepEqual(sanitized, testCase.expected) {
			t.Fatalf("%s: expected %v, got %v", testCase.name, testCase.expected, sanitized)
		}
	}
}

func TestSanitizeOriginsWarnsOnPlainHTTP(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	if _, err := sanitizeOrigins(zap.New(core), []string{"http://app.example.com", "http://127.0.0.1:8080"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	entries := logs.FilterMessage("unsafe cors origin configured").All()
	if len(entries) != 1 {
		t.Fatalf("expected one warning, got %d", len(entries))
	}
	if origin := entries[0].ContextMap()["origin"]; origin != "http://app.example.com" {
		t.Fatalf("unexpected warned origin %v", origin)
	}
}

func TestSplitOrigins(t *testing.T) {
	origins := SplitOrigins(" https://a.example.com, ,https://b.example.com ")
	expected := []string{"https://a.example.com", "https://b.example.com"}
	if !reflect.DeepEqual(origins, expected) {
		t.Fatalf("expected %v, got %v", expected, origins)
	}
	if len(SplitOrigins("")) != 0 {
		t.Fatalf("expected no origins for an empty value")
	}
}
