package authkit

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/socialauth/internal/admission"
)

// HeaderDeviceID optionally names the client device for refresh-token metadata.
const HeaderDeviceID = "X-Device-Id"

// RateLimitPolicies holds the three admission budgets.
type RateLimitPolicies struct {
	General admission.Policy
	Login   admission.Policy
	Refresh admission.Policy
}

// RouteDependencies carries what the /auth handlers need.
type RouteDependencies struct {
	Service           *Service
	Codec             *TokenCodec
	Limiter           *admission.Limiter
	Policies          RateLimitPolicies
	Metrics           *CounterMetrics
	ServiceAPIKey     string
	ExposeErrorDetail bool
}

// Route is one entry of the registration table.
type Route struct {
	Method   string
	Path     string
	Handlers []gin.HandlerFunc
}

// UseAdmission installs the request-wide admission chain ahead of every route.
func UseAdmission(router gin.IRouter, dependencies RouteDependencies, accessLog gin.HandlerFunc) {
	router.Use(admission.RequestIdentity())
	if accessLog != nil {
		router.Use(accessLog)
	}
	router.Use(OptionalAccessToken(dependencies.Codec))
	if dependencies.Limiter != nil {
		router.Use(dependencies.Limiter.Middleware(dependencies.Policies.General, admission.KeyByIPAndUser(UserIDFromContext)))
	}
}

// AuthRoutes builds the registration table for the public auth surface.
func AuthRoutes(dependencies RouteDependencies) []Route {
	handlers := authHandlers{service: dependencies.Service, exposeDetail: dependencies.ExposeErrorDetail}
	requireAccess := RequireAccessToken(dependencies.Codec)
	requireActive := RequireActiveAccount(dependencies.Service, dependencies.ExposeErrorDetail)
	loginLimit := limitOrPass(dependencies.Limiter, dependencies.Policies.Login)
	refreshLimit := limitOrPass(dependencies.Limiter, dependencies.Policies.Refresh)

	routes := []Route{
		{Method: http.MethodPost, Path: "/auth/register", Handlers: []gin.HandlerFunc{loginLimit, handlers.register}},
		{Method: http.MethodPost, Path: "/auth/login", Handlers: []gin.HandlerFunc{loginLimit, handlers.login}},
		{Method: http.MethodPost, Path: "/auth/google", Handlers: []gin.HandlerFunc{loginLimit, handlers.google}},
		// Nonce issuance spends only the general budget so a Google sign-in costs one login attempt.
		{Method: http.MethodPost, Path: "/auth/nonce", Handlers: []gin.HandlerFunc{handlers.nonce}},
		{Method: http.MethodPost, Path: "/auth/refresh", Handlers: []gin.HandlerFunc{refreshLimit, handlers.refresh}},
		{Method: http.MethodPost, Path: "/auth/logout", Handlers: []gin.HandlerFunc{requireAccess, requireActive, handlers.logout}},
		{Method: http.MethodPost, Path: "/auth/logout-all", Handlers: []gin.HandlerFunc{requireAccess, requireActive, handlers.logoutAll}},
		{Method: http.MethodGet, Path: "/auth/me", Handlers: []gin.HandlerFunc{requireAccess, handlers.me}},
	}
	if dependencies.Metrics != nil && dependencies.ServiceAPIKey != "" {
		routes = append(routes, Route{
			Method:   http.MethodGet,
			Path:     "/internal/metrics",
			Handlers: []gin.HandlerFunc{RequireServiceKey(dependencies.ServiceAPIKey), metricsHandler(dependencies.Metrics)},
		})
	}
	return routes
}

// MountAuthRoutes registers every entry of AuthRoutes on router.
func MountAuthRoutes(router gin.IRouter, dependencies RouteDependencies) {
	for _, route := range AuthRoutes(dependencies) {
		router.Handle(route.Method, route.Path, route.Handlers...)
	}
}

func limitOrPass(limiter *admission.Limiter, policy admission.Policy) gin.HandlerFunc {
	if limiter == nil {
		return func(contextGin *gin.Context) { contextGin.Next() }
	}
	// Credential endpoints are keyed on the address alone.
	return limiter.Middleware(policy, admission.KeyByIP)
}

type authHandlers struct {
	service      *Service
	exposeDetail bool
}

func (handlers authHandlers) register(contextGin *gin.Context) {
	var inbound RegisterInput
	if !handlers.bind(contextGin, &inbound) {
		return
	}
	result, err := handlers.service.Register(contextGin.Request.Context(), inbound, issueMetadata(contextGin))
	if err != nil {
		WriteError(contextGin, err, handlers.exposeDetail)
		return
	}
	writeSuccess(contextGin, http.StatusCreated, "registration successful", authPayload{User: NewUserView(result.User), Tokens: result.Tokens})
}

func (handlers authHandlers) login(contextGin *gin.Context) {
	var inbound LoginInput
	if !handlers.bind(contextGin, &inbound) {
		return
	}
	result, err := handlers.service.Login(contextGin.Request.Context(), inbound, issueMetadata(contextGin))
	if err != nil {
		WriteError(contextGin, err, handlers.exposeDetail)
		return
	}
	writeSuccess(contextGin, http.StatusOK, "login successful", authPayload{User: NewUserView(result.User), Tokens: result.Tokens})
}

func (handlers authHandlers) google(contextGin *gin.Context) {
	var inbound GoogleAuthInput
	if !handlers.bind(contextGin, &inbound) {
		return
	}
	result, err := handlers.service.GoogleAuth(contextGin.Request.Context(), inbound, issueMetadata(contextGin))
	if err != nil {
		WriteError(contextGin, err, handlers.exposeDetail)
		return
	}
	writeSuccess(contextGin, http.StatusOK, "login successful", authPayload{User: NewUserView(result.User), Tokens: result.Tokens})
}

func (handlers authHandlers) nonce(contextGin *gin.Context) {
	nonce, expiresAt, err := handlers.service.IssueNonce(contextGin.Request.Context())
	if err != nil {
		WriteError(contextGin, err, handlers.exposeDetail)
		return
	}
	contextGin.Header("Cache-Control", "no-store")
	writeSuccess(contextGin, http.StatusOK, "", gin.H{"nonce": nonce, "expiresAt": expiresAt})
}

func (handlers authHandlers) refresh(contextGin *gin.Context) {
	var inbound struct {
		RefreshToken string `json:"refreshToken"`
	}
	if !handlers.bind(contextGin, &inbound) {
		return
	}
	if strings.TrimSpace(inbound.RefreshToken) == "" {
		WriteError(contextGin, NewError(KindValidation, "refreshToken is required", nil), handlers.exposeDetail)
		return
	}
	result, err := handlers.service.Refresh(contextGin.Request.Context(), strings.TrimSpace(inbound.RefreshToken), issueMetadata(contextGin))
	if err != nil {
		WriteError(contextGin, err, handlers.exposeDetail)
		return
	}
	writeSuccess(contextGin, http.StatusOK, "token refreshed", gin.H{"tokens": result.Tokens})
}

func (handlers authHandlers) logout(contextGin *gin.Context) {
	var inbound struct {
		RefreshToken string `json:"refreshToken"`
	}
	if bindErr := contextGin.ShouldBindJSON(&inbound); bindErr != nil && !errors.Is(bindErr, io.EOF) {
		WriteError(contextGin, NewError(KindValidation, "request body must be JSON", bindErr), handlers.exposeDetail)
		return
	}
	identity, _ := IdentityFromContext(contextGin)
	if err := handlers.service.Logout(contextGin.Request.Context(), identity.UserID, strings.TrimSpace(inbound.RefreshToken)); err != nil {
		WriteError(contextGin, err, handlers.exposeDetail)
		return
	}
	writeSuccess(contextGin, http.StatusOK, "logged out", nil)
}

func (handlers authHandlers) logoutAll(contextGin *gin.Context) {
	identity, _ := IdentityFromContext(contextGin)
	revoked, err := handlers.service.LogoutAll(contextGin.Request.Context(), identity.UserID)
	if err != nil {
		WriteError(contextGin, err, handlers.exposeDetail)
		return
	}
	writeSuccess(contextGin, http.StatusOK, "logged out of all sessions", gin.H{"revoked": revoked})
}

func (handlers authHandlers) me(contextGin *gin.Context) {
	identity, _ := IdentityFromContext(contextGin)
	user, err := handlers.service.CurrentUser(contextGin.Request.Context(), identity.UserID)
	if err != nil {
		WriteError(contextGin, err, handlers.exposeDetail)
		return
	}
	writeSuccess(contextGin, http.StatusOK, "", gin.H{"user": NewUserView(user)})
}

func (handlers authHandlers) bind(contextGin *gin.Context, target interface{}) bool {
	if bindErr := contextGin.ShouldBindJSON(target); bindErr != nil {
		WriteError(contextGin, NewError(KindValidation, "request body must be JSON", bindErr), handlers.exposeDetail)
		return false
	}
	return true
}

func metricsHandler(metrics *CounterMetrics) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		writeSuccess(contextGin, http.StatusOK, "", gin.H{"counters": metrics.Snapshot()})
	}
}

func issueMetadata(contextGin *gin.Context) IssueMetadata {
	return IssueMetadata{
		IPAddress: contextGin.ClientIP(),
		UserAgent: contextGin.Request.UserAgent(),
		DeviceID:  strings.TrimSpace(contextGin.GetHeader(HeaderDeviceID)),
	}
}
