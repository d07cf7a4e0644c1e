package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/propertyhub/authbridge/internal/authkit"
	"github.com/propertyhub/authbridge/internal/web"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

var buildIdentityBridge = func(config authkit.IdentityProviderConfig) (authkit.IdentityBridge, error) {
	return authkit.NewHTTPIdentityBridge(config, &http.Client{})
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "authbridge",
		Short:   "Auth service bridging an external identity provider to local JWT sessions with rotating refresh tokens",
		PreRunE: prepareServerConfig,
		RunE:    runServer,
	}

	flags := rootCmd.Flags()
	flags.String("listen_addr", ":8080", "HTTP listen address")
	flags.String("idp_userinfo_url", "", "Identity provider user-info endpoint")
	flags.String("idp_introspect_url", "", "Identity provider token introspection endpoint")
	flags.String("idp_client_id", "", "Client id used to authenticate introspection calls")
	flags.String("idp_client_secret", "", "Client secret used to authenticate introspection calls")
	flags.Duration("idp_timeout", authkit.DefaultIdentityProviderTimeout, "Timeout applied to every identity provider call")
	flags.String("jwt_signing_key", "", "HS256 signing secret for access tokens")
	flags.String("jwt_key_id", defaultKeyID, "Key id stamped on newly signed access tokens")
	flags.StringSlice("jwt_previous_keys", []string{}, "Retired keys still accepted for verification, as kid=secret")
	flags.String("jwt_issuer", defaultIssuer, "Issuer claim of access tokens")
	flags.Duration("access_token_ttl", authkit.DefaultAccessTokenTTL, "Access token TTL")
	flags.Duration("refresh_token_ttl", authkit.DefaultRefreshTokenTTL, "Refresh token TTL")
	flags.Bool("enforce_access_revocation", true, "Reject access tokens whose record was revoked by logout")
	flags.Bool("enable_cors", false, "Enable CORS for cross-origin clients")
	flags.StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled (required if enable_cors is true)")

	persistentFlags := rootCmd.PersistentFlags()
	persistentFlags.String("database_url", "", "Database URL (postgres:// or sqlite://; leave empty for in-memory store)")
	persistentFlags.String("store_driver", storeDriverGORM, "Persistence driver for database_url: gorm or pgx")

	_ = viper.BindPFlags(flags)
	_ = viper.BindPFlags(persistentFlags)

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()

	rootCmd.AddCommand(newUserCommand())
	return rootCmd
}

const (
	defaultKeyID  = "primary"
	defaultIssuer = "authbridge"

	configCodeMissingUserInfoURL      = "config.missing_idp_userinfo_url"
	configCodeMissingIntrospectURL    = "config.missing_idp_introspect_url"
	configCodeInvalidIdentityTimeout  = "config.invalid_idp_timeout"
	configCodeMissingJWTSigningKey    = "config.missing_jwt_signing_key"
	configCodeInvalidPreviousKeys     = "config.invalid_jwt_previous_keys"
	configCodeInvalidAccessTokenTTL   = "config.invalid_access_token_ttl"
	configCodeInvalidRefreshTokenTTL  = "config.invalid_refresh_token_ttl"
	configCodeInvalidStoreDriver      = "config.invalid_store_driver"
	configCodeUninitializedServerConf = "config.uninitialized_server_config"
	configCodeIdentityBridgeInit      = "config.identity_bridge_init"
)

type contextKey string

const serverConfigContextKey contextKey = "serverConfig"

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

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

// LoadServerConfig reads and validates the server settings bound through viper.
func LoadServerConfig() (authkit.ServerConfig, error) {
	userInfoURL := strings.TrimSpace(viper.GetString("idp_userinfo_url"))
	if userInfoURL == "" {
		return authkit.ServerConfig{}, configError(configCodeMissingUserInfoURL, "idp_userinfo_url must be provided")
	}
	introspectURL := strings.TrimSpace(viper.GetString("idp_introspect_url"))
	if introspectURL == "" {
		return authkit.ServerConfig{}, configError(configCodeMissingIntrospectURL, "idp_introspect_url must be provided")
	}
	identityTimeout := authkit.DefaultIdentityProviderTimeout
	if viper.IsSet("idp_timeout") {
		identityTimeout = viper.GetDuration("idp_timeout")
	}
	if identityTimeout <= 0 {
		return authkit.ServerConfig{}, configError(configCodeInvalidIdentityTimeout, "idp_timeout must be greater than zero")
	}

	jwtSigningKey := viper.GetString("jwt_signing_key")
	if jwtSigningKey == "" {
		return authkit.ServerConfig{}, configError(configCodeMissingJWTSigningKey, "jwt_signing_key must be provided")
	}
	keyID := strings.TrimSpace(viper.GetString("jwt_key_id"))
	if keyID == "" {
		keyID = defaultKeyID
	}
	previousKeys, parseErr := authkit.ParseKeyEntries(viper.GetStringSlice("jwt_previous_keys"))
	if parseErr != nil {
		return authkit.ServerConfig{}, configError(configCodeInvalidPreviousKeys, "jwt_previous_keys entries must look like kid=secret")
	}
	keyring, keyringErr := authkit.NewKeyring(keyID, []byte(jwtSigningKey), previousKeys)
	if keyringErr != nil {
		return authkit.ServerConfig{}, configError(configCodeInvalidPreviousKeys, keyringErr.Error())
	}

	accessTokenTTL := authkit.DefaultAccessTokenTTL
	if viper.IsSet("access_token_ttl") {
		accessTokenTTL = viper.GetDuration("access_token_ttl")
	}
	if accessTokenTTL <= 0 {
		return authkit.ServerConfig{}, configError(configCodeInvalidAccessTokenTTL, "access_token_ttl must be greater than zero")
	}
	refreshTokenTTL := authkit.DefaultRefreshTokenTTL
	if viper.IsSet("refresh_token_ttl") {
		refreshTokenTTL = viper.GetDuration("refresh_token_ttl")
	}
	if refreshTokenTTL <= 0 {
		return authkit.ServerConfig{}, configError(configCodeInvalidRefreshTokenTTL, "refresh_token_ttl must be greater than zero")
	}

	issuer := strings.TrimSpace(viper.GetString("jwt_issuer"))
	if issuer == "" {
		issuer = defaultIssuer
	}
	enforceRevocation := true
	if viper.IsSet("enforce_access_revocation") {
		enforceRevocation = viper.GetBool("enforce_access_revocation")
	}

	return authkit.ServerConfig{
		IdentityProvider: authkit.IdentityProviderConfig{
			UserInfoURL:   userInfoURL,
			IntrospectURL: introspectURL,
			ClientID:      viper.GetString("idp_client_id"),
			ClientSecret:  viper.GetString("idp_client_secret"),
			Timeout:       identityTimeout,
		},
		Keyring:                 keyring,
		AppJWTIssuer:            issuer,
		AccessTokenTTL:          accessTokenTTL,
		RefreshTokenTTL:         refreshTokenTTL,
		EnforceAccessRevocation: enforceRevocation,
	}, nil
}

func runServer(command *cobra.Command, arguments []string) error {
	logger, loggerErr := zap.NewProduction()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(serverConfigContextKey)
	}
	serverConfig, ok := contextValue.(authkit.ServerConfig)
	if !ok {
		return configError(configCodeUninitializedServerConf, "server configuration not prepared; PreRunE must execute before RunE")
	}
	if commandContext == nil {
		commandContext = context.Background()
	}

	listenAddr := viper.GetString("listen_addr")
	enableCORS := viper.GetBool("enable_cors")
	corsAllowedOrigins := viper.GetStringSlice("cors_allowed_origins")

	identityBridge, bridgeErr := buildIdentityBridge(serverConfig.IdentityProvider)
	if bridgeErr != nil {
		return fmt.Errorf("%s: %w", configCodeIdentityBridgeInit, bridgeErr)
	}

	store, closeStore, storeErr := openStore(commandContext, viper.GetString("store_driver"), viper.GetString("database_url"))
	if storeErr != nil {
		return storeErr
	}
	defer closeStore()
	logger.Info("session store ready", zap.String("driver", store.Driver()))

	clock := authkit.NewSystemClock()
	tokenIssuer, issuerErr := authkit.NewTokenIssuer(serverConfig.Keyring, serverConfig.AppJWTIssuer, serverConfig.AccessTokenTTL, clock)
	if issuerErr != nil {
		return issuerErr
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	service, serviceErr := authkit.NewService(serverConfig, authkit.ServiceDependencies{
		Identity: identityBridge,
		Users:    store,
		Sessions: store,
		Tokens:   tokenIssuer,
		Clock:    clock,
		Logger:   logger,
		Metrics:  authkit.NewPrometheusMetrics(registry),
	})
	if serviceErr != nil {
		return serviceErr
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(zapLoggerMiddleware(logger))

	if enableCORS {
		corsMiddleware, corsErr := web.ConfigureCORS(logger, corsAllowedOrigins)
		if corsErr != nil {
			return corsErr
		}
		router.Use(corsMiddleware)
	}

	router.GET("/healthz", web.HandleLiveness)
	readinessHandler, readinessErr := web.HandleReadiness(logger, store)
	if readinessErr != nil {
		return readinessErr
	}
	router.GET("/readyz", readinessHandler)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	authkit.MountAuthRoutes(router.Group("/api/auth"), service)

	server := &http.Server{
		Addr:              listenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(stopSignals)
		select {
		case <-stopSignals:
		case <-shutdownCtx.Done():
			return
		}
		graceCtx, graceCancel := context.WithTimeout(shutdownCtx, 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("listening", zap.String("addr", listenAddr))
	if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	return nil
}

func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		logger.Info("http",
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.Duration("elapsed", time.Since(startTime)),
		)
	}
}
