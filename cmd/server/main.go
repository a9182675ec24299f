package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/bilalesi/auth-vault-sub000/internal/api"
	"github.com/bilalesi/auth-vault-sub000/internal/auth"
	"github.com/bilalesi/auth-vault-sub000/internal/crypto"
	"github.com/bilalesi/auth-vault-sub000/internal/db"
	"github.com/bilalesi/auth-vault-sub000/internal/idp"
	"github.com/bilalesi/auth-vault-sub000/internal/service"
	"github.com/bilalesi/auth-vault-sub000/internal/sweeper"
	"github.com/bilalesi/auth-vault-sub000/internal/vault"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	httpAddr string
	logLevel string

	issuer       string
	clientID     string
	clientSecret string
	realm        string
	callbackURL  string

	encryptionKey string
	vaultStorage  string
	databaseURL   string

	redisHost     string
	redisPort     string
	redisPassword string
	redisTLS      bool

	refreshTTL    time.Duration
	offlineTTL    time.Duration
	sweepInterval time.Duration

	taskWebhookURL     string
	consentRedirectURL string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "auth-manager",
		Short: "Auth manager — OAuth2 token vault and broker",
		Long: `Auth manager brokers OAuth2 refresh and offline tokens against a
Keycloak-compatible identity provider. Tokens are encrypted at rest in
the vault (PostgreSQL or Redis) and exchanged for short-lived access
tokens on demand, without ever exposing the long-lived grants.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", envOrDefault("AUTH_MANAGER_HTTP_ADDR", ":8080"), "HTTP API listen address")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("AUTH_MANAGER_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	root.PersistentFlags().StringVar(&cfg.issuer, "idp-issuer", envOrDefault("IDP_ISSUER", ""), "Identity provider issuer URL, e.g. https://idp.example.com/realms/main (required)")
	root.PersistentFlags().StringVar(&cfg.clientID, "idp-client-id", envOrDefault("IDP_CLIENT_ID", ""), "OAuth2 client id (required)")
	root.PersistentFlags().StringVar(&cfg.clientSecret, "idp-client-secret", envOrDefault("IDP_CLIENT_SECRET", ""), "OAuth2 client secret (required)")
	root.PersistentFlags().StringVar(&cfg.realm, "idp-realm", envOrDefault("IDP_REALM", ""), "Realm name used for admin session operations (required)")
	root.PersistentFlags().StringVar(&cfg.callbackURL, "callback-url", envOrDefault("AUTH_MANAGER_CALLBACK_URL", ""), "Public URL of the consent callback endpoint (required)")

	root.PersistentFlags().StringVar(&cfg.encryptionKey, "encryption-key", envOrDefault("AUTH_MANAGER_TOKEN_VAULT_ENCRYPTION_KEY", ""), "Hex-encoded 32-byte AES key for token encryption at rest (required)")
	root.PersistentFlags().StringVar(&cfg.vaultStorage, "vault-storage", envOrDefault("AUTH_MANAGER_VAULT_STORAGE", "pg"), "Vault storage backend (pg or redis)")
	root.PersistentFlags().StringVar(&cfg.databaseURL, "database-url", envOrDefault("AUTH_MANAGER_DATABASE_URL", ""), "PostgreSQL DSN, or a file path when using the sqlite driver")

	root.PersistentFlags().StringVar(&cfg.redisHost, "redis-host", envOrDefault("REDIS_HOST", "localhost"), "Redis host")
	root.PersistentFlags().StringVar(&cfg.redisPort, "redis-port", envOrDefault("REDIS_PORT", "6379"), "Redis port")
	root.PersistentFlags().StringVar(&cfg.redisPassword, "redis-password", envOrDefault("REDIS_PASSWORD", ""), "Redis password")
	root.PersistentFlags().BoolVar(&cfg.redisTLS, "redis-tls", envOrDefault("REDIS_TLS", "false") == "true", "Enable TLS for the Redis connection")

	root.PersistentFlags().DurationVar(&cfg.refreshTTL, "refresh-ttl", envDurationOrDefault("AUTH_MANAGER_REFRESH_TTL", service.DefaultRefreshTTL), "Vault lifetime of refresh token entries")
	root.PersistentFlags().DurationVar(&cfg.offlineTTL, "offline-ttl", envDurationOrDefault("AUTH_MANAGER_OFFLINE_TTL", service.DefaultOfflineTTL), "Vault lifetime of offline token entries")
	root.PersistentFlags().DurationVar(&cfg.sweepInterval, "sweep-interval", envDurationOrDefault("AUTH_MANAGER_SWEEP_INTERVAL", sweeper.DefaultInterval), "Interval between expired entry sweeps")

	root.PersistentFlags().StringVar(&cfg.taskWebhookURL, "task-webhook-url", envOrDefault("AUTH_MANAGER_TASK_WEBHOOK_URL", ""), "Webhook notified when a consent flow settles (optional)")
	root.PersistentFlags().StringVar(&cfg.consentRedirectURL, "consent-redirect-url", envOrDefault("AUTH_MANAGER_CONSENT_REDIRECT_URL", ""), "Browser redirect target after the consent callback (optional)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("auth-manager %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	for _, required := range []struct{ value, flag string }{
		{cfg.issuer, "--idp-issuer / IDP_ISSUER"},
		{cfg.clientID, "--idp-client-id / IDP_CLIENT_ID"},
		{cfg.clientSecret, "--idp-client-secret / IDP_CLIENT_SECRET"},
		{cfg.realm, "--idp-realm / IDP_REALM"},
		{cfg.callbackURL, "--callback-url / AUTH_MANAGER_CALLBACK_URL"},
		{cfg.encryptionKey, "--encryption-key / AUTH_MANAGER_TOKEN_VAULT_ENCRYPTION_KEY"},
	} {
		if required.value == "" {
			return fmt.Errorf("missing required configuration: set %s", required.flag)
		}
	}

	logger.Info("starting auth manager",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("vault_storage", cfg.vaultStorage),
		zap.String("issuer", cfg.issuer),
		zap.String("log_level", cfg.logLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cipher, err := crypto.New(cfg.encryptionKey)
	if err != nil {
		return fmt.Errorf("invalid encryption key: %w", err)
	}

	store, err := buildStore(ctx, cfg, logger)
	if err != nil {
		return err
	}

	idpClient, err := idp.NewClient(idp.Config{
		Issuer:       cfg.issuer,
		ClientID:     cfg.clientID,
		ClientSecret: cfg.clientSecret,
		Realm:        cfg.realm,
		CallbackURL:  cfg.callbackURL,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to build identity provider client: %w", err)
	}

	var notifier *service.TaskNotifier
	if cfg.taskWebhookURL != "" {
		notifier = service.NewTaskNotifier(cfg.taskWebhookURL, logger)
	}

	svc := service.New(store, idpClient, cipher, service.Config{
		RefreshTTL:         cfg.refreshTTL,
		OfflineTTL:         cfg.offlineTTL,
		ConsentRedirectURL: cfg.consentRedirectURL,
	}, notifier, logger)

	authenticator := auth.NewAuthenticator(idpClient, logger)

	sweep, err := sweeper.New(store, cfg.sweepInterval, logger)
	if err != nil {
		return fmt.Errorf("failed to build sweeper: %w", err)
	}
	if err := sweep.Start(); err != nil {
		return fmt.Errorf("failed to start sweeper: %w", err)
	}
	defer sweep.Stop() //nolint:errcheck

	router := api.NewRouter(api.RouterConfig{
		Service:       svc,
		Authenticator: authenticator,
		Logger:        logger,
	})

	server := &http.Server{
		Addr:              cfg.httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.httpAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server error: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down auth manager")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown error: %w", err)
	}
	return nil
}

// buildStore opens the configured vault backend. The sqlite driver is kept
// for local development and tests.
func buildStore(ctx context.Context, cfg *config, logger *zap.Logger) (vault.Store, error) {
	switch cfg.vaultStorage {
	case "redis":
		client, err := db.NewRedisClient(ctx, db.RedisConfig{
			Host:     cfg.redisHost,
			Port:     cfg.redisPort,
			Password: cfg.redisPassword,
			TLS:      cfg.redisTLS,
		})
		if err != nil {
			return nil, err
		}
		return vault.NewRedisStore(client), nil

	case "pg", "postgres", "sqlite":
		driver := cfg.vaultStorage
		if driver != "sqlite" {
			driver = "postgres"
		}
		if cfg.databaseURL == "" {
			return nil, fmt.Errorf("missing required configuration: set --database-url / AUTH_MANAGER_DATABASE_URL")
		}
		database, err := db.New(db.Config{
			Driver:   driver,
			DSN:      cfg.databaseURL,
			Logger:   logger,
			LogLevel: gormlogger.Warn,
		})
		if err != nil {
			return nil, err
		}
		return vault.NewGormStore(database), nil

	default:
		return nil, fmt.Errorf("unsupported vault storage %q, use \"pg\" or \"redis\"", cfg.vaultStorage)
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
