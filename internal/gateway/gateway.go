// Package gateway forwards authenticated /api traffic to an upstream service
// with the caller identity re-asserted through signed trust headers.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/socialauth/internal/admission"
	"github.com/tyemirov/socialauth/internal/authkit"
	"github.com/tyemirov/socialauth/internal/rpc"
	"github.com/tyemirov/socialauth/pkg/trustheaders"
	"go.uber.org/zap"
)

var (
	errMissingUpstream      = errors.New("gateway.missing_upstream")
	errMissingSigner        = errors.New("gateway.missing_signer")
	errMissingAuthenticator = errors.New("gateway.missing_authenticator")
)

// Authenticator resolves a bearer access token to an active identity.
// *authkit.Service satisfies it; RemoteAuthenticator does so over the internal channel.
type Authenticator interface {
	Validate(ctx context.Context, accessToken string) (authkit.Identity, error)
}

// RemoteAuthenticator validates tokens by calling AuthService.ValidateToken.
type RemoteAuthenticator struct {
	Client *rpc.Client
}

func (authenticator RemoteAuthenticator) Validate(ctx context.Context, accessToken string) (authkit.Identity, error) {
	response, err := authenticator.Client.ValidateToken(ctx, accessToken)
	if err != nil {
		return authkit.Identity{}, err
	}
	if !response.Valid {
		return authkit.Identity{}, authkit.NewError(authkit.KindFromCode(response.Reason), "", nil)
	}
	return authkit.Identity{UserID: response.UserID, Email: response.Email, Role: response.Role}, nil
}

// Config configures a Proxy.
type Config struct {
	Upstream          *url.URL
	Signer            *trustheaders.Signer
	Authenticator     Authenticator
	Logger            *zap.Logger
	ExposeErrorDetail bool
}

// Proxy is the reverse proxy behind the /api mount.
type Proxy struct {
	reverseProxy  *httputil.ReverseProxy
	signer        *trustheaders.Signer
	authenticator Authenticator
	logger        *zap.Logger
	exposeDetail  bool
}

// NewProxy builds the reverse proxy for configuration.Upstream.
func NewProxy(configuration Config) (*Proxy, error) {
	if configuration.Upstream == nil {
		return nil, errMissingUpstream
	}
	if configuration.Signer == nil {
		return nil, errMissingSigner
	}
	if configuration.Authenticator == nil {
		return nil, errMissingAuthenticator
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	proxy := &Proxy{
		signer:        configuration.Signer,
		authenticator: configuration.Authenticator,
		logger:        logger,
		exposeDetail:  configuration.ExposeErrorDetail,
	}
	upstream := configuration.Upstream
	proxy.reverseProxy = &httputil.ReverseProxy{
		Rewrite: func(outbound *httputil.ProxyRequest) {
			outbound.SetURL(upstream)
			outbound.SetXForwarded()
		},
		ErrorHandler: proxy.upstreamFailed,
	}
	return proxy, nil
}

// trustRequest drops client-supplied credentials and sets the trusted headers.
func (proxy *Proxy) trustRequest(request *http.Request, identity authkit.Identity) error {
	header := request.Header
	header.Del("Authorization")
	header.Set(admission.HeaderRequestID, admission.RequestIDFromContext(request.Context()))
	header.Set(admission.HeaderCorrelationID, admission.CorrelationIDFromContext(request.Context()))
	return proxy.signer.Apply(header, trustheaders.Identity{UserID: identity.UserID, Email: identity.Email, Role: identity.Role})
}

func (proxy *Proxy) upstreamFailed(writer http.ResponseWriter, request *http.Request, err error) {
	proxy.logger.Warn("upstream request failed", append(admission.LogFields(request.Context()),
		zap.String("code", "gateway.upstream"),
		zap.String("path", request.URL.Path),
		zap.Error(err),
	)...)
	writer.Header().Set("Content-Type", "application/json; charset=utf-8")
	writer.WriteHeader(http.StatusBadGateway)
	_, _ = writer.Write([]byte(`{"success":false,"error":"upstream_unavailable","message":"upstream service is unavailable"}`))
}

// Handler authenticates the caller and forwards the request upstream.
func (proxy *Proxy) Handler() gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		token, present := authkit.BearerToken(contextGin.Request)
		if !present {
			authkit.WriteError(contextGin, authkit.NewError(authkit.KindAuthRequired, "", nil), false)
			return
		}
		identity, err := proxy.authenticator.Validate(contextGin.Request.Context(), token)
		if err != nil {
			authkit.WriteError(contextGin, gatewayError(err), proxy.exposeDetail)
			return
		}
		if signErr := proxy.trustRequest(contextGin.Request, identity); signErr != nil {
			proxy.logger.Error("trust assertion signing failed", append(admission.LogFields(contextGin.Request.Context()),
				zap.String("code", "gateway.sign"),
				zap.Error(signErr),
			)...)
			authkit.WriteError(contextGin, authkit.NewError(authkit.KindInternal, "", signErr), proxy.exposeDetail)
			return
		}
		proxy.reverseProxy.ServeHTTP(contextGin.Writer, contextGin.Request)
	}
}

// Mount registers the proxy for every method under prefix.
func (proxy *Proxy) Mount(router gin.IRouter, prefix string) {
	router.Any(prefix+"/*path", proxy.Handler())
}

func gatewayError(err error) error {
	switch authkit.KindOf(err) {
	case authkit.KindTokenExpired, authkit.KindAccountInactive, authkit.KindInternal:
		return err
	default:
		return authkit.NewError(authkit.KindInvalidToken, "", err)
	}
}
