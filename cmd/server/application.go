package main

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tyemirov/socialauth/internal/admission"
	"github.com/tyemirov/socialauth/internal/authkit"
	"github.com/tyemirov/socialauth/internal/authkitpg"
	"github.com/tyemirov/socialauth/internal/gateway"
	"github.com/tyemirov/socialauth/internal/rpc"
	"github.com/tyemirov/socialauth/internal/web"
	"github.com/tyemirov/socialauth/pkg/trustheaders"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

var buildCounterPool = func(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	return authkitpg.BuildPool(ctx, databaseURL)
}

// storage groups the stores opened once per process.
type storage struct {
	users         authkit.UserStore
	refreshTokens authkit.RefreshTokenStore
	counters      admission.CounterStore
	closers       []func()
}

func (stores *storage) Close() {
	for index := len(stores.closers) - 1; index >= 0; index-- {
		stores.closers[index]()
	}
	stores.closers = nil
}

func openStorage(ctx context.Context, databaseURL string, rateLimitDatabaseURL string, clock authkit.Clock, logger *zap.Logger) (*storage, error) {
	stores := &storage{}
	if databaseURL != "" {
		database, openErr := authkit.OpenDatabase(ctx, databaseURL)
		if openErr != nil {
			return nil, openErr
		}
		stores.closers = append(stores.closers, func() { _ = database.Close() })
		stores.users = authkit.NewDatabaseUserStore(database)
		stores.refreshTokens = authkit.NewDatabaseRefreshTokenStore(database, clock)
		logger.Info("using persistent stores", zap.String("driver", database.Driver))
	} else {
		stores.users = authkit.NewMemoryUserStore(clock)
		stores.refreshTokens = authkit.NewMemoryRefreshTokenStore(clock)
		logger.Info("using in-memory stores")
	}

	if rateLimitDatabaseURL != "" {
		pool, poolErr := buildCounterPool(ctx, rateLimitDatabaseURL)
		if poolErr != nil {
			stores.Close()
			return nil, poolErr
		}
		stores.closers = append(stores.closers, pool.Close)
		if schemaErr := authkitpg.EnsureSchema(ctx, pool); schemaErr != nil {
			stores.Close()
			return nil, schemaErr
		}
		stores.counters = authkitpg.NewCounterStore(pool)
		logger.Info("using shared rate-limit counters")
	} else {
		stores.counters = admission.NewMemoryCounterStore()
	}
	return stores, nil
}

// application is the fully wired server: public router, internal channel, and their stores.
type application struct {
	router     *gin.Engine
	grpcServer *grpc.Server
	service    *authkit.Service
	limiter    *admission.Limiter
	metrics    *authkit.CounterMetrics
	stores     *storage
}

func (app *application) Close() {
	app.stores.Close()
}

func (app *application) sweepTargets() []sweepTarget {
	return []sweepTarget{
		{name: "refresh_tokens", sweep: app.service.Sweep},
		{name: "nonces", sweep: app.service.SweepNonces},
		{name: "rate_limit_counters", sweep: app.limiter.Sweep},
	}
}

func buildApplication(ctx context.Context, settings serverSettings, validator authkit.GoogleTokenValidator, logger *zap.Logger) (*application, error) {
	clock := authkit.NewSystemClock()
	stores, storageErr := openStorage(ctx, settings.DatabaseURL, settings.RateLimitDatabaseURL, clock, logger)
	if storageErr != nil {
		return nil, storageErr
	}
	app, wireErr := wireApplication(settings, stores, validator, clock, logger)
	if wireErr != nil {
		stores.Close()
		return nil, wireErr
	}
	return app, nil
}

func wireApplication(settings serverSettings, stores *storage, validator authkit.GoogleTokenValidator, clock authkit.Clock, logger *zap.Logger) (*application, error) {
	codec, codecErr := authkit.NewTokenCodec(settings.Auth.AccessSigningKey, settings.Auth.RefreshSigningKey, clock)
	if codecErr != nil {
		return nil, fmt.Errorf("server.codec: %w", codecErr)
	}
	metrics := authkit.NewCounterMetrics()
	service, serviceErr := authkit.NewService(authkit.ServiceDependencies{
		Configuration: settings.Auth,
		Codec:         codec,
		Users:         stores.users,
		RefreshTokens: stores.refreshTokens,
		Verifier:      authkit.NewGoogleVerifier(validator, settings.Auth.GoogleWebClientID),
		Nonces:        authkit.NewMemoryNonceStore(settings.Auth.NonceTTL, clock),
		Metrics:       metrics,
		Clock:         clock,
		Logger:        logger,
	})
	if serviceErr != nil {
		return nil, fmt.Errorf("server.service: %w", serviceErr)
	}
	limiter, limiterErr := admission.NewLimiter(stores.counters, logger, admission.WithRecorder(metrics), admission.WithTimeSource(clock.Now))
	if limiterErr != nil {
		return nil, fmt.Errorf("server.limiter: %w", limiterErr)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	if settings.EnableCORS {
		corsMiddleware, corsErr := web.ConfigureCORS(logger, settings.CORSAllowedOrigins)
		if corsErr != nil {
			return nil, corsErr
		}
		router.Use(corsMiddleware)
	}

	dependencies := authkit.RouteDependencies{
		Service:           service,
		Codec:             codec,
		Limiter:           limiter,
		Policies:          settings.Policies,
		Metrics:           metrics,
		ServiceAPIKey:     settings.ServiceAPIKey,
		ExposeErrorDetail: settings.Auth.ExposeErrorDetail,
	}
	authkit.UseAdmission(router, dependencies, admission.AccessLog(logger))
	authkit.MountAuthRoutes(router, dependencies)

	if settings.UpstreamURL != nil {
		signer, signerErr := trustheaders.NewSigner(trustheaders.Config{
			SigningKey: settings.InternalSigningKey,
			TTL:        settings.InternalTokenTTL,
		})
		if signerErr != nil {
			return nil, signerErr
		}
		proxy, proxyErr := gateway.NewProxy(gateway.Config{
			Upstream:          settings.UpstreamURL,
			Signer:            signer,
			Authenticator:     service,
			Logger:            logger,
			ExposeErrorDetail: settings.Auth.ExposeErrorDetail,
		})
		if proxyErr != nil {
			return nil, proxyErr
		}
		proxy.Mount(router, "/api")
		logger.Info("gateway enabled", zap.String("upstream", settings.UpstreamURL.String()))
	}

	app := &application{
		router:  router,
		service: service,
		limiter: limiter,
		metrics: metrics,
		stores:  stores,
	}
	if settings.GRPCListenAddr != "" {
		app.grpcServer = rpc.NewGRPCServer(rpc.NewServer(service, logger), logger, rpc.Security{
			ServiceKey: settings.ServiceAPIKey,
			Limiter:    limiter,
			Policies:   rpc.CredentialPolicies(settings.Policies.Login, settings.Policies.Refresh),
		})
	}
	return app, nil
}
