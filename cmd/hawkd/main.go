package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"

	"hawk-auth-gateway/internal/gateway"
	"hawk-auth-gateway/pkg/api"
	"hawk-auth-gateway/pkg/auth"
	"hawk-auth-gateway/pkg/config"
	"hawk-auth-gateway/pkg/credstore"
	"hawk-auth-gateway/pkg/db"
	"hawk-auth-gateway/pkg/grpcauth"
	"hawk-auth-gateway/pkg/logger"
	"hawk-auth-gateway/pkg/metrics"
	"hawk-auth-gateway/pkg/models"
	"hawk-auth-gateway/pkg/replay"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if cfg.LogDir != "" {
		logger.InitWithFileLogging(cfg.LogLevel, logger.Gateway, cfg.LogDir)
	} else {
		logger.Init(cfg.LogLevel)
	}
	defer logger.Close()

	startupLogger := categoryLogger(cfg, logger.Startup)
	startupLogger.Info().
		Str("scheme", cfg.AuthScheme).
		Dur("clock_skew", cfg.GetClockSkew()).
		Str("credential_source", cfg.CredentialSource).
		Msg("Starting Hawk gateway")

	ctx := context.Background()

	// The key database backs the sqlite credential source and replay backend
	var keyDB *db.KeyDB
	if cfg.CredentialSource == config.SourceSQLite || (cfg.ReplayProtection && cfg.ReplayBackend == config.ReplaySQLite) {
		keyDB, err = db.NewKeyDB(cfg.DatabasePath)
		if err != nil {
			startupLogger.Fatal().Err(err).Msg("Failed to initialize key database")
		}
		defer keyDB.Close()
		startupLogger.Info().Str("db_path", cfg.DatabasePath).Msg("Key database initialized")
	}

	store, err := credentialStore(ctx, cfg, keyDB, startupLogger)
	if err != nil {
		startupLogger.Fatal().Err(err).Msg("Failed to initialize credential store")
	}

	recorder := metrics.NewRecorder("hawkd")

	opts := []auth.Option{
		auth.WithScheme(cfg.AuthScheme),
		auth.WithClockSkew(cfg.GetClockSkew()),
		auth.WithChallenge(cfg.SendChallenge),
		auth.WithNTPHost(cfg.NTPHost),
		auth.WithRequirePayloadHash(cfg.RequirePayloadHash),
		auth.WithLogger(categoryLogger(cfg, logger.Auth)),
	}

	var guard *replay.Guard
	if cfg.ReplayProtection {
		var closeNonces func() error
		guard, closeNonces, err = replayGuard(ctx, cfg, keyDB, startupLogger)
		if err != nil {
			startupLogger.Fatal().Err(err).Msg("Failed to initialize replay protection")
		}
		defer closeNonces()
		opts = append(opts, auth.WithReplayGuard(guard))
	}

	engine := auth.NewEngine(store, opts...)
	service := gateway.NewService(engine, recorder, categoryLogger(cfg, logger.Request),
		gateway.WithTrustedCallers(cfg.TrustedVerifyCallers...),
	)
	middleware := api.NewMiddleware(engine, recorder,
		api.WithMaxRequestSize(cfg.MaxBodyBytes),
		api.WithPayloadVerification(true),
		api.WithTrustedProxy(cfg.TrustProxyHeaders),
	)
	limiter := api.NewFailureLimiter(cfg.FailedAuthPerMinute, cfg.FailedAuthBurst, recorder,
		api.WithProxyClientIP(cfg.TrustProxyHeaders),
	)

	rc := gateway.RouterConfig{
		Middleware: middleware,
		Limiter:    limiter,
	}
	if cfg.MetricsEnabled {
		rc.Metrics = recorder
	}
	if keyDB != nil {
		rc.Ready = append(rc.Ready, keyDB)
	}
	router := gateway.NewRouter(service, rc)

	// Create HTTP server
	server := &http.Server{
		Addr:         cfg.GetHTTPAddr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		startupLogger.Info().Str("address", cfg.GetHTTPAddr()).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			startupLogger.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	var stopGRPC func(context.Context) error
	if cfg.GRPCAddr != "" {
		authenticator := grpcauth.NewAuthenticator(engine, recorder)
		grpcServer := grpc.NewServer(
			grpc.ChainUnaryInterceptor(authenticator.UnaryServerInterceptor()),
			grpc.ChainStreamInterceptor(authenticator.StreamServerInterceptor()),
		)
		grpcauth.RegisterVerifierServer(grpcServer, grpcauth.NewVerifierServer(service.Verify))
		stopGRPC, err = grpcauth.Serve(grpcServer, cfg.GRPCAddr)
		if err != nil {
			startupLogger.Fatal().Err(err).Str("addr", cfg.GRPCAddr).Msg("Failed to start gRPC server")
		}
	}

	maintenanceCtx, stopMaintenance := context.WithCancel(ctx)
	go maintenance(maintenanceCtx, cfg, guard, limiter)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range signals {
		if sig == syscall.SIGHUP {
			if err := logger.Rotate(); err != nil {
				startupLogger.Warn().Err(err).Msg("Failed to rotate log files")
			}
			continue
		}
		break
	}
	startupLogger.Info().Msg("Shutdown signal received")
	stopMaintenance()

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		startupLogger.Error().Err(err).Msg("Server shutdown error")
	}
	if stopGRPC != nil {
		if err := stopGRPC(shutdownCtx); err != nil {
			startupLogger.Error().Err(err).Msg("gRPC shutdown error")
		}
	}
	if guard != nil {
		if err := guard.Prune(shutdownCtx); err != nil {
			startupLogger.Warn().Err(err).Msg("Failed to prune nonces on shutdown")
		}
	}

	startupLogger.Info().Msg("Hawk gateway stopped")

	if cfg.LogDir != "" {
		if err := logger.CleanupOldLogs(cfg.LogDir, logger.MaxAgeDays); err != nil {
			startupLogger.Warn().Err(err).Msg("Failed to cleanup old log files")
		}
	}
}

func categoryLogger(cfg *config.Config, category logger.LogCategory) zerolog.Logger {
	if cfg.LogDir == "" {
		return log.With().Str("category", string(category)).Logger()
	}
	return logger.NewCategoryLogger(logger.Gateway, category, cfg.LogDir)
}

func credentialStore(ctx context.Context, cfg *config.Config, keyDB *db.KeyDB, startupLogger zerolog.Logger) (auth.CredentialStore, error) {
	var store auth.CredentialStore

	switch cfg.CredentialSource {
	case config.SourceEnv:
		alg, err := auth.ParseAlgorithm(cfg.Algorithm)
		if err != nil {
			return nil, err
		}
		static, err := credstore.NewStatic(auth.Credential{KeyID: cfg.KeyID, Secret: []byte(cfg.Secret), Algorithm: alg})
		if err != nil {
			return nil, err
		}
		startupLogger.Info().Str("key_id", cfg.KeyID).Msg("Loaded credential from environment")
		return static, nil

	case config.SourceFile:
		static, err := credstore.LoadFile(cfg.CredentialsFile)
		if err != nil {
			return nil, err
		}
		startupLogger.Info().Str("path", cfg.CredentialsFile).Int("count", static.Len()).Msg("Loaded credentials from file")
		return static, nil

	case config.SourceSQLite:
		if cfg.KeyID != "" && cfg.Secret != "" {
			err := keyDB.PutCredential(ctx, models.CredentialRecord{KeyID: cfg.KeyID, Secret: cfg.Secret, Algorithm: cfg.Algorithm})
			if err != nil {
				return nil, fmt.Errorf("seed credential: %w", err)
			}
			startupLogger.Info().Str("key_id", cfg.KeyID).Msg("Seeded credential into key database")
		}
		store = keyDB

	default:
		return nil, fmt.Errorf("unknown credential source %q", cfg.CredentialSource)
	}

	if cfg.CredentialCacheSize > 0 {
		cached, err := credstore.NewCached(store, cfg.CredentialCacheSize, cfg.GetCacheTTL())
		if err != nil {
			return nil, err
		}
		startupLogger.Info().Int("size", cfg.CredentialCacheSize).Dur("ttl", cfg.GetCacheTTL()).Msg("Credential cache enabled")
		return cached, nil
	}
	return store, nil
}

// replayGuard builds the nonce guard for the configured backend. The returned
// function closes a store opened here; the key database is closed by main.
func replayGuard(ctx context.Context, cfg *config.Config, keyDB *db.KeyDB, startupLogger zerolog.Logger) (*replay.Guard, func() error, error) {
	var persistence replay.Persistence
	closeFn := func() error { return nil }

	switch cfg.ReplayBackend {
	case config.ReplaySQLite:
		persistence = keyDB
	case config.ReplayLevelDB:
		ldb, err := replay.OpenLevelDB(cfg.ReplayLevelDBPath)
		if err != nil {
			return nil, nil, err
		}
		persistence = ldb
		closeFn = ldb.Close
	}

	guard := replay.NewGuard(cfg.GetNonceRetention(), cfg.NonceCapacity, time.Now, persistence)
	if err := guard.Hydrate(ctx); err != nil {
		closeFn()
		return nil, nil, err
	}
	startupLogger.Info().
		Str("backend", cfg.ReplayBackend).
		Dur("retention", guard.Retention()).
		Int("hydrated", guard.Len()).
		Msg("Replay protection enabled")
	return guard, closeFn, nil
}

// maintenance prunes expired nonces and idle limiter entries until ctx is done.
func maintenance(ctx context.Context, cfg *config.Config, guard *replay.Guard, limiter *api.FailureLimiter) {
	cleanupLogger := categoryLogger(cfg, logger.Replay)

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if guard != nil {
				if err := guard.Prune(ctx); err != nil {
					cleanupLogger.Error().Err(err).Msg("Failed to prune nonces")
				} else {
					cleanupLogger.Debug().Int("remembered", guard.Len()).Msg("Pruned expired nonces")
				}
			}
			if removed := limiter.Cleanup(10 * time.Minute); removed > 0 {
				cleanupLogger.Debug().Int("clients", removed).Msg("Forgot idle clients")
			}
		}
	}
}
