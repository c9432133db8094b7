package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aryan0dhankhar/facilityaccess/internal/domain"
	"github.com/aryan0dhankhar/facilityaccess/internal/handler"
	"github.com/aryan0dhankhar/facilityaccess/internal/infrastructure/doorbridge"
	"github.com/aryan0dhankhar/facilityaccess/internal/infrastructure/logger"
	"github.com/aryan0dhankhar/facilityaccess/internal/infrastructure/redis"
	"github.com/aryan0dhankhar/facilityaccess/internal/observability/tracing"
	"github.com/aryan0dhankhar/facilityaccess/internal/repository"
	"github.com/aryan0dhankhar/facilityaccess/internal/security"
	"github.com/aryan0dhankhar/facilityaccess/internal/security/audit"
	"github.com/aryan0dhankhar/facilityaccess/internal/security/auth"
	"github.com/aryan0dhankhar/facilityaccess/internal/security/integrity"
	"github.com/aryan0dhankhar/facilityaccess/internal/security/ratelimit"
	"github.com/aryan0dhankhar/facilityaccess/internal/service"
	"github.com/aryan0dhankhar/facilityaccess/internal/stream"
	"github.com/aryan0dhankhar/facilityaccess/internal/worker"
	"github.com/aryan0dhankhar/facilityaccess/pkg/cache"
	"github.com/aryan0dhankhar/facilityaccess/pkg/config"
	"github.com/aryan0dhankhar/facilityaccess/pkg/database"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "facilityaccess: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Configuration and logging
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := logger.NewLogger(cfg.LogLevel, cfg.Environment)
	slog.SetDefault(log)
	log.Info("starting facilityaccess server", slog.String("environment", cfg.Environment))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, log, cfg.Environment)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	// 2. Storage
	pool, err := database.NewConnectionPool(ctx, &database.Config{
		Driver:          cfg.DBDriver,
		DSN:             cfg.DatabaseURL,
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}, log)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer pool.Close()

	if cfg.SeedFile != "" {
		if err := database.SeedFromFile(ctx, pool, cfg.SeedFile); err != nil {
			return fmt.Errorf("seed database: %w", err)
		}
		log.Info("database seeded", slog.String("file", cfg.SeedFile))
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = redis.NewClient(cfg.RedisURL, log)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer redisClient.Close()
	}

	// 3. Repositories
	doors := repository.NewSQLDoorRepository(pool, log)
	users := repository.NewSQLUserRepository(pool, log)
	rules := repository.NewSQLRuleRepository(pool, log)
	tenants := repository.NewCachedTenantRepository(repository.NewSQLTenantRepository(pool, log), 30*time.Second)
	accessLogs := repository.NewSQLAccessLogRepository(pool, log)

	sweepers := []cache.Sweeper{tenants}
	var membershipCache repository.MembershipCache
	if redisClient != nil {
		membershipCache = redisClient
	} else {
		local := repository.NewLocalMembershipCache()
		membershipCache = local
		sweepers = append(sweepers, local)
	}
	go cache.SweepEvery(ctx, time.Minute, sweepers...)
	memberships := repository.NewCachedMembershipResolver(
		repository.NewSQLMembershipRepository(pool, log),
		membershipCache,
		time.Duration(cfg.MembershipCacheTTLSeconds)*time.Second,
		log,
	)

	facilityLoc, err := time.LoadLocation(cfg.FacilityTimezone)
	if err != nil {
		return fmt.Errorf("invalid FACILITY_TIMEZONE: %w", err)
	}

	// 4. Services
	key, err := chainKey(cfg, log)
	if err != nil {
		return err
	}
	sealer, err := integrity.NewSealer(key)
	if err != nil {
		return fmt.Errorf("init audit chain: %w", err)
	}

	hub := stream.NewHub(64, log)
	var publisher service.Publisher = hub
	if redisClient != nil {
		publisher = stream.NewRedisPublisher(redisClient)
		if err := stream.Relay(ctx, redisClient, hub, log); err != nil {
			return fmt.Errorf("subscribe live feed: %w", err)
		}
	}

	auditLogger := audit.NewLogger(log)
	evaluator := service.NewAccessEvaluator(doors, users, rules, memberships, log,
		service.WithCallTimeout(time.Duration(cfg.CollaboratorTimeoutMS)*time.Millisecond),
		service.WithLocationResolver(repository.TenantLocation(tenants, facilityLoc)),
	)
	logService := service.NewAccessLogService(accessLogs, sealer, publisher, log)

	var hardware domain.HardwareController
	if cfg.DoorBridgeURL != "" {
		hardware, err = doorbridge.NewHTTPController(cfg.DoorBridgeURL, log)
		if err != nil {
			return err
		}
	} else {
		log.Warn("DOOR_BRIDGE_URL not set, using simulated door hardware")
		hardware = doorbridge.NewSimulated(log)
	}
	doorControl := service.NewDoorControlService(evaluator, doors, hardware, logService, auditLogger, log, cfg.ProximityMinRSSI)
	detector := service.NewSuspiciousActivityDetector(accessLogs, users, auditLogger, log)

	// 5. HTTP
	tokenManager := auth.NewTokenManager(cfg.JWTSecret, "facilityaccess")
	authz := security.NewAuthorizationService(log)
	rateLimiter := ratelimit.NewLimiter(cfg.RateLimitPerMinute, time.Minute)
	defer rateLimiter.Stop()

	checks := map[string]handler.Pinger{"database": handler.PingFunc(pool.Health)}
	if redisClient != nil {
		checks["redis"] = redisClient
	} else {
		checks["redis"] = nil
	}

	router := handler.NewRouter(handler.RouterDeps{
		Tokens:         tokenManager,
		Authz:          authz,
		Tenants:        tenants,
		Limiter:        rateLimiter,
		Audit:          auditLogger,
		AllowedOrigins: cfg.CORSAllowedOrigins,
		Health:         handler.NewHealthHandler(checks, log),
		Evaluate:       handler.NewEvaluateHandler(evaluator, authz, log),
		Doors:          handler.NewDoorsHandler(doorControl, doors, authz, log),
		AccessLogs:     handler.NewAccessLogsHandler(logService, rateLimiter, auditLogger, log),
		Suspicious:     handler.NewSuspiciousHandler(detector, cfg.SuspiciousWindowMinutes, cfg.SuspiciousThreshold, log),
		Stream:         handler.NewStreamHandler(hub, log, cfg.CORSAllowedOrigins),
		Logger:         log,
	})

	// 6. Background workers
	retention := worker.NewRetentionWorker(
		accessLogs,
		log,
		time.Duration(cfg.RetentionIntervalMinutes)*time.Minute,
		cfg.RetentionDays,
		cfg.ArchiveDir,
	)
	go retention.Start(ctx)

	server := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.ServerPort),
		Handler:     withRequestID(router, log),
		ReadTimeout: 15 * time.Second,
		// no WriteTimeout: exports and the websocket feed are long-lived
		IdleTimeout: 60 * time.Second,
	}

	log.Info("server starting",
		slog.Int("port", cfg.ServerPort),
		slog.String("db_driver", cfg.DBDriver),
		slog.Bool("redis", redisClient != nil),
		slog.Int("rate_limit", cfg.RateLimitPerMinute),
		slog.Int("retention_days", cfg.RetentionDays),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", slog.String("error", err.Error()))
	}
	log.Info("server stopped")
	return nil
}

// chainKey decodes AUDIT_CHAIN_KEY. Development runs without one get a
// random key, so chains written by earlier runs will not verify.
func chainKey(cfg *config.Config, log *slog.Logger) ([]byte, error) {
	if cfg.AuditChainKey != "" {
		return cfg.ChainKey()
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate chain key: %w", err)
	}
	log.Warn("AUDIT_CHAIN_KEY not set, using an ephemeral key")
	return key, nil
}

// withRequestID attaches a request ID to the context and response headers for traceability
func withRequestID(next http.Handler, log *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" || len(reqID) > 64 {
			reqID = generateRequestID()
		}
		w.Header().Set("X-Request-ID", reqID)

		ctx := audit.WithRequestID(r.Context(), reqID)
		start := time.Now()

		next.ServeHTTP(w, r.WithContext(ctx))

		log.Debug("request completed",
			slog.String("request_id", reqID),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Duration("duration", time.Since(start)),
		)
	})
}

func generateRequestID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err == nil {
		return hex.EncodeToString(buf)
	}
	return fmt.Sprintf("req-%d", time.Now().UnixNano())
}
