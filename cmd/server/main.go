package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/socialauth/internal/authkit"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

var serveGRPC = func(server *grpc.Server, listener net.Listener) error {
	return server.Serve(listener)
}

var buildGoogleTokenValidator = func(ctx context.Context) (authkit.GoogleTokenValidator, error) {
	return authkit.NewGoogleTokenValidator(ctx)
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               "socialauth",
		Short:             "Identity service with Google sign-in, password accounts, signed access tokens, and rotating refresh tokens",
		PersistentPreRunE: loadEnvFile,
		PreRunE:           prepareServerConfig,
		RunE:              runServer,
	}

	persistent := rootCmd.PersistentFlags()
	persistent.String("env_file", "", "Optional dotenv file loaded before configuration is read")
	persistent.String("database_url", "", "Datastore URL for users and refresh tokens (postgres:// or sqlite://; empty for in-memory stores)")
	persistent.String("rate_limit_database_url", "", "PostgreSQL URL for shared rate-limit counters; empty keeps counters in memory")
	persistent.Bool("dev_mode", false, "Development logging and error detail in responses")

	flags := rootCmd.Flags()
	flags.String("listen_addr", ":8080", "HTTP listen address")
	flags.String("grpc_listen_addr", ":9090", "Internal gRPC listen address; empty disables the channel")
	flags.String("google_web_client_id", "", "Google Web OAuth Client ID")
	flags.String("access_signing_key", "", "HS256 secret for access tokens")
	flags.String("refresh_signing_key", "", "HS256 secret for refresh tokens; must differ from the access secret")
	flags.String("internal_signing_key", "", "HS256 secret for gateway trust assertions")
	flags.String("service_api_key", "", "Shared key for the internal channel and /internal routes; required when grpc_listen_addr is set")
	flags.Duration("access_ttl", 15*time.Minute, "Access token TTL")
	flags.Duration("refresh_ttl", 7*24*time.Hour, "Refresh token TTL")
	flags.Duration("internal_token_ttl", time.Minute, "Gateway trust assertion TTL")
	flags.Int64("rate_limit_general_max", 100, "Requests allowed per general window")
	flags.Duration("rate_limit_general_window", 15*time.Minute, "General rate-limit window")
	flags.Int64("rate_limit_login_max", 5, "Credential attempts allowed per login window")
	flags.Duration("rate_limit_login_window", 15*time.Minute, "Login rate-limit window")
	flags.Int64("rate_limit_refresh_max", 10, "Refresh attempts allowed per refresh window")
	flags.Duration("rate_limit_refresh_window", 15*time.Minute, "Refresh rate-limit window")
	flags.Duration("sweep_interval", time.Hour, "Interval between storage reclamation passes")
	flags.Duration("nonce_ttl", 5*time.Minute, "Nonce lifetime for Google sign-in exchanges")
	flags.Int("bcrypt_cost", 12, "bcrypt cost for password hashes")
	flags.Bool("enable_cors", false, "Enable CORS for browser clients")
	flags.StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled (required if enable_cors is true)")
	flags.String("upstream_url", "", "Upstream base URL for /api/* forwarding; empty disables the gateway")

	_ = viper.BindPFlags(persistent)
	_ = viper.BindPFlags(flags)

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()

	rootCmd.AddCommand(newSweepCommand())
	return rootCmd
}

type contextKey string

const serverConfigContextKey contextKey = "serverConfig"

// loadEnvFile applies --env_file without overriding variables already set in the environment.
func loadEnvFile(command *cobra.Command, arguments []string) error {
	envFile := viper.GetString("env_file")
	if envFile == "" {
		return nil
	}
	if err := godotenv.Load(envFile); err != nil {
		return configError(configCodeEnvFile, err.Error())
	}
	return nil
}

func prepareServerConfig(command *cobra.Command, arguments []string) error {
	serverConfig, loadErr := LoadServerConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, serverConfigContextKey, serverConfig))
	return nil
}

func newLogger(devMode bool) (*zap.Logger, error) {
	if devMode {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func runServer(command *cobra.Command, arguments []string) error {
	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(serverConfigContextKey)
	}
	settings, ok := contextValue.(serverSettings)
	if !ok {
		return configError(configCodeUninitializedServerConf, "server configuration not prepared; PreRunE must execute before RunE")
	}

	logger, loggerErr := newLogger(settings.DevMode)
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	runContext, stopSignals := signal.NotifyContext(commandContext, syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	validator, validatorErr := buildGoogleTokenValidator(runContext)
	if validatorErr != nil {
		return fmt.Errorf("%s: %w", configCodeGoogleValidatorInit, validatorErr)
	}

	gin.SetMode(gin.ReleaseMode)
	app, buildErr := buildApplication(runContext, settings, validator, logger)
	if buildErr != nil {
		return buildErr
	}
	defer app.Close()

	sweeperDone := make(chan struct{})
	go func() {
		defer close(sweeperDone)
		runSweeper(runContext, settings.SweepInterval, logger, app.sweepTargets())
	}()
	defer func() {
		stopSignals()
		<-sweeperDone
	}()

	if app.grpcServer != nil {
		listener, listenErr := net.Listen("tcp", settings.GRPCListenAddr)
		if listenErr != nil {
			return fmt.Errorf("grpc listen error: %w", listenErr)
		}
		defer func() { _ = listener.Close() }()
		defer app.grpcServer.GracefulStop()
		go func() {
			logger.Info("grpc listening", zap.String("addr", listener.Addr().String()))
			if serveErr := serveGRPC(app.grpcServer, listener); serveErr != nil && !errors.Is(serveErr, grpc.ErrServerStopped) {
				logger.Error("grpc server error", zap.String("code", "server.grpc.serve"), zap.Error(serveErr))
			}
		}()
	}

	server := &http.Server{
		Addr:              settings.ListenAddr,
		Handler:           app.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-runContext.Done()
		graceCtx, graceCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("listening", zap.String("addr", settings.ListenAddr))
	if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	return nil
}
