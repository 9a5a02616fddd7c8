// Command server starts the ReelSync gateway and API service.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"reelsync/internal/api"
	"reelsync/internal/auth"
	"reelsync/internal/gateway"
	"reelsync/internal/identity"
	"reelsync/internal/notify"
	"reelsync/internal/observability/logging"
	"reelsync/internal/observability/metrics"
	"reelsync/internal/server"
	"reelsync/internal/storage"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address")
	mode := flag.String("mode", "", "server runtime mode (development or production)")
	dataPath := flag.String("data", "", "path to JSON datastore")
	storageDriver := flag.String("storage-driver", "", "datastore driver (json or postgres)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	postgresMaxConns := flag.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := flag.Int("postgres-min-conns", 0, "minimum idle connections maintained by the Postgres pool")
	postgresMaxConnLifetime := flag.Duration("postgres-max-conn-lifetime", 0, "maximum lifetime for a pooled Postgres connection")
	postgresMaxConnIdle := flag.Duration("postgres-max-conn-idle", 0, "maximum idle time for a pooled Postgres connection")
	postgresHealthInterval := flag.Duration("postgres-health-interval", 0, "interval between Postgres health checks")
	postgresAcquireTimeout := flag.Duration("postgres-acquire-timeout", 0, "timeout when acquiring a Postgres connection from the pool")
	postgresAppName := flag.String("postgres-app-name", "", "application_name reported to Postgres")
	sessionStoreDriver := flag.String("session-store", "", "session store driver (memory or postgres)")
	sessionPostgresDSN := flag.String("session-postgres-dsn", "", "Postgres DSN for the session store")
	sessionTTL := flag.Duration("session-ttl", 0, "absolute session lifetime")
	sessionIdleTimeout := flag.Duration("session-idle-timeout", 0, "idle timeout before a session expires early")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	globalRPS := flag.Float64("rate-global-rps", 0, "global request rate limit in requests per second")
	globalBurst := flag.Int("rate-global-burst", 0, "global rate limit burst allowance")
	loginLimit := flag.Int("rate-login-limit", 0, "maximum login attempts per window for a single IP")
	loginWindow := flag.Duration("rate-login-window", 0, "window for counting login attempts")
	rateRedisAddr := flag.String("rate-redis-addr", "", "Redis address for distributed login throttling")
	rateRedisPassword := flag.String("rate-redis-password", "", "Redis password for distributed login throttling")
	rateRedisTimeout := flag.Duration("rate-redis-timeout", 0, "timeout for Redis rate limit operations")
	notifyQueueDriver := flag.String("notify-queue-driver", "", "notification queue driver (memory or redis)")
	notifyRedisAddr := flag.String("notify-queue-redis-addr", "", "Redis address for the notification queue")
	notifyRedisAddrs := flag.String("notify-queue-redis-addrs", "", "comma separated Redis addresses for the notification queue")
	notifyRedisUsername := flag.String("notify-queue-redis-username", "", "Redis username for the notification queue")
	notifyRedisPassword := flag.String("notify-queue-redis-password", "", "Redis password for the notification queue")
	notifyRedisStream := flag.String("notify-queue-redis-stream", "", "Redis stream key for notification events")
	notifyRedisGroup := flag.String("notify-queue-redis-group", "", "Redis consumer group for notification events")
	notifyRedisMasterName := flag.String("notify-queue-redis-sentinel-master", "", "Redis sentinel master name for the notification queue")
	notifyRedisPoolSize := flag.Int("notify-queue-redis-pool-size", 0, "maximum Redis connections for the notification queue")
	studioOrigins := flag.String("studio-origins", "", "comma separated origins of the creator studio frontend")
	editorOrigins := flag.String("editor-origins", "", "comma separated origins of the editor workspace frontend")
	heartbeatInterval := flag.Duration("gateway-heartbeat-interval", 0, "websocket heartbeat ping cadence")
	idleTimeout := flag.Duration("gateway-idle-timeout", 0, "websocket idle timeout before a connection is reaped")
	trustActorIDs := flag.Bool("gateway-trust-actor-ids", false, "accept bare actor ids in the auth envelope (development only)")
	notificationRetention := flag.Duration("notification-retention", 0, "retention window for delivered notifications")
	purgeInterval := flag.Duration("purge-interval", 0, "interval between retention purge runs")
	flag.Parse()

	logger := logging.New(logging.Config{Level: firstNonEmpty(*logLevel, os.Getenv("REELSYNC_LOG_LEVEL"))})
	auditLogger := logging.WithComponent(logger, "audit")
	recorder := metrics.Default()

	serverMode := modeValue(*mode, os.Getenv("REELSYNC_MODE"))
	listenAddr := resolveListenAddr(*addr, serverMode, os.Getenv("REELSYNC_ADDR"))

	tlsCertPath := firstNonEmpty(*tlsCert, os.Getenv("REELSYNC_TLS_CERT"))
	tlsKeyPath := firstNonEmpty(*tlsKey, os.Getenv("REELSYNC_TLS_KEY"))

	postgresDefaultDSN := resolvePostgresDSN(*postgresDSN)
	driver, err := resolveStorageDriver(*storageDriver, os.Getenv("REELSYNC_STORAGE_DRIVER"), postgresDefaultDSN)
	if err != nil {
		logger.Error("failed to resolve storage driver", "error", err)
		os.Exit(1)
	}
	if serverMode == "production" {
		if err := validateProductionDatastore(driver, postgresDefaultDSN, os.Getenv("REELSYNC_POSTGRES_DSN")); err != nil {
			logger.Error("production datastore validation failed", "error", err)
			os.Exit(1)
		}
	}

	bootCtx := context.Background()
	var (
		store              storage.Repository
		storagePostgresDSN string
	)
	switch driver {
	case "json":
		dataFile := resolveDataPath(*dataPath, os.Getenv("REELSYNC_DATA"))
		store, err = storage.NewStorage(dataFile)
	case "postgres":
		storagePostgresDSN = postgresDefaultDSN
		if storagePostgresDSN == "" {
			logger.Error("postgres storage selected without DSN")
			os.Exit(1)
		}
		var pgOptions []storage.PostgresOption
		maxConns := resolveInt(*postgresMaxConns, "REELSYNC_POSTGRES_MAX_CONNS")
		minConns := resolveInt(*postgresMinConns, "REELSYNC_POSTGRES_MIN_CONNS")
		if maxConns > 0 || minConns > 0 {
			pgOptions = append(pgOptions, storage.WithPostgresPoolLimits(int32(maxConns), int32(minConns)))
		}
		maxLifetime := resolveDuration(*postgresMaxConnLifetime, "REELSYNC_POSTGRES_MAX_CONN_LIFETIME", 0)
		maxIdle := resolveDuration(*postgresMaxConnIdle, "REELSYNC_POSTGRES_MAX_CONN_IDLE", 0)
		healthInterval := resolveDuration(*postgresHealthInterval, "REELSYNC_POSTGRES_HEALTH_INTERVAL", 0)
		if maxLifetime > 0 || maxIdle > 0 || healthInterval > 0 {
			pgOptions = append(pgOptions, storage.WithPostgresPoolDurations(maxLifetime, maxIdle, healthInterval))
		}
		if acquireTimeout := resolveDuration(*postgresAcquireTimeout, "REELSYNC_POSTGRES_ACQUIRE_TIMEOUT", 0); acquireTimeout > 0 {
			pgOptions = append(pgOptions, storage.WithPostgresAcquireTimeout(acquireTimeout))
		}
		if appName := firstNonEmpty(*postgresAppName, os.Getenv("REELSYNC_POSTGRES_APP_NAME")); appName != "" {
			pgOptions = append(pgOptions, storage.WithPostgresApplicationName(appName))
		}
		store, err = storage.NewPostgresRepository(bootCtx, storagePostgresDSN, pgOptions...)
	default:
		logger.Error("unsupported storage driver", "driver", driver)
		os.Exit(1)
	}
	if err != nil {
		logger.Error("failed to open datastore", "error", err)
		os.Exit(1)
	}

	sessionConfig, err := resolveSessionStoreConfig(
		*sessionStoreDriver,
		os.Getenv("REELSYNC_SESSION_STORE"),
		driver,
		storagePostgresDSN,
		*sessionPostgresDSN,
		os.Getenv("REELSYNC_SESSION_POSTGRES_DSN"),
	)
	if err != nil {
		logger.Error("failed to resolve session store", "error", err)
		os.Exit(1)
	}

	var (
		sessionStore  auth.SessionStore
		sessionCloser func(context.Context) error
	)
	switch sessionConfig.Driver {
	case "memory":
		sessionStore = auth.NewMemorySessionStore()
	case "postgres":
		pgStore, err := auth.NewPostgresSessionStore(sessionConfig.DSN)
		if err != nil {
			logger.Error("failed to open session store", "error", err)
			os.Exit(1)
		}
		sessionStore = pgStore
		sessionCloser = func(ctx context.Context) error { return pgStore.Close(ctx) }
	default:
		logger.Error("unsupported session store driver", "driver", sessionConfig.Driver)
		os.Exit(1)
	}

	sessionOpts := []auth.SessionOption{auth.WithStore(sessionStore)}
	if idle := resolveDuration(*sessionIdleTimeout, "REELSYNC_SESSION_IDLE_TIMEOUT", 0); idle > 0 {
		sessionOpts = append(sessionOpts, auth.WithIdleTimeout(idle))
	}
	sessions := auth.NewSessionManager(resolveDuration(*sessionTTL, "REELSYNC_SESSION_TTL", 0), sessionOpts...)

	notifyQueueCfg := notify.RedisQueueConfig{
		Addr:       firstNonEmpty(*notifyRedisAddr, os.Getenv("REELSYNC_NOTIFY_QUEUE_REDIS_ADDR")),
		Addrs:      splitAndTrim(firstNonEmpty(*notifyRedisAddrs, os.Getenv("REELSYNC_NOTIFY_QUEUE_REDIS_ADDRS"))),
		Username:   firstNonEmpty(*notifyRedisUsername, os.Getenv("REELSYNC_NOTIFY_QUEUE_REDIS_USERNAME")),
		Password:   firstNonEmpty(*notifyRedisPassword, os.Getenv("REELSYNC_NOTIFY_QUEUE_REDIS_PASSWORD")),
		Stream:     firstNonEmpty(*notifyRedisStream, os.Getenv("REELSYNC_NOTIFY_QUEUE_REDIS_STREAM")),
		Group:      firstNonEmpty(*notifyRedisGroup, os.Getenv("REELSYNC_NOTIFY_QUEUE_REDIS_GROUP")),
		MasterName: firstNonEmpty(*notifyRedisMasterName, os.Getenv("REELSYNC_NOTIFY_QUEUE_REDIS_SENTINEL_MASTER")),
		PoolSize:   resolveInt(*notifyRedisPoolSize, "REELSYNC_NOTIFY_QUEUE_REDIS_POOL_SIZE"),
	}
	queue, err := configureNotifyQueue(firstNonEmpty(*notifyQueueDriver, os.Getenv("REELSYNC_NOTIFY_QUEUE_DRIVER")), notifyQueueCfg, logger)
	if err != nil {
		logger.Error("failed to configure notification queue", "error", err)
		os.Exit(1)
	}

	resolver := identity.NewResolver(store)
	registry := gateway.NewRegistry()
	presence := gateway.NewPresence(registry)
	router := gateway.NewRouter(gateway.RouterConfig{
		Repository: store,
		Resolver:   resolver,
		Registry:   registry,
		Queue:      queue,
		Logger:     logging.WithComponent(logger, "router"),
		Metrics:    recorder,
	})
	dispatcher := notify.NewDispatcher(notify.DispatcherConfig{
		Repository: store,
		Pusher:     registry,
		Logger:     logging.WithComponent(logger, "notify"),
		Metrics:    recorder,
	})
	gw := gateway.NewGateway(gateway.GatewayConfig{
		Registry:          registry,
		Router:            router,
		Presence:          presence,
		Resolver:          resolver,
		Queue:             queue,
		Verifier:          sessions,
		Logger:            logging.WithComponent(logger, "gateway"),
		Metrics:           recorder,
		TrustActorIDs:     resolveTrustActorIDs(*trustActorIDs, serverMode, logger),
		HeartbeatInterval: resolveDuration(*heartbeatInterval, "REELSYNC_GATEWAY_HEARTBEAT_INTERVAL", 30*time.Second),
		IdleTimeout:       resolveDuration(*idleTimeout, "REELSYNC_GATEWAY_IDLE_TIMEOUT", 0),
	})

	handler := api.NewHandler(store, sessions)
	handler.Resolver = resolver
	handler.Gateway = gw
	handler.MessageRouter = router
	handler.Presence = presence
	handler.Notifier = dispatcher
	handler.SessionCookiePolicy = api.SessionCookiePolicy{
		SecureMode: resolveSessionCookieSecureMode(serverMode),
	}

	runCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go notify.NewWorker(queue, dispatcher, logging.WithComponent(logger, "notify-worker")).Run(runCtx)

	retention := resolveDuration(*notificationRetention, "REELSYNC_NOTIFICATION_RETENTION", 30*24*time.Hour)
	retentionStop := startRetentionWorker(
		runCtx,
		logging.WithComponent(logger, "retention"),
		store,
		sessions,
		recorder,
		retention,
		resolveDuration(*purgeInterval, "REELSYNC_PURGE_INTERVAL", 15*time.Minute),
	)
	defer retentionStop()

	srv, err := server.New(handler, server.Config{
		Addr: listenAddr,
		TLS: server.TLSConfig{
			CertFile: tlsCertPath,
			KeyFile:  tlsKeyPath,
		},
		RateLimit: server.RateLimitConfig{
			GlobalRPS:     resolveFloat(*globalRPS, "REELSYNC_RATE_GLOBAL_RPS"),
			GlobalBurst:   resolveInt(*globalBurst, "REELSYNC_RATE_GLOBAL_BURST"),
			LoginLimit:    resolveInt(*loginLimit, "REELSYNC_RATE_LOGIN_LIMIT"),
			LoginWindow:   resolveDuration(*loginWindow, "REELSYNC_RATE_LOGIN_WINDOW", time.Minute),
			RedisAddr:     firstNonEmpty(*rateRedisAddr, os.Getenv("REELSYNC_RATE_REDIS_ADDR")),
			RedisPassword: firstNonEmpty(*rateRedisPassword, os.Getenv("REELSYNC_RATE_REDIS_PASSWORD")),
			RedisTimeout:  resolveDuration(*rateRedisTimeout, "REELSYNC_RATE_REDIS_TIMEOUT", 2*time.Second),
		},
		CORS: server.CORSConfig{
			StudioOrigins: splitAndTrim(firstNonEmpty(*studioOrigins, os.Getenv("REELSYNC_STUDIO_ORIGINS"))),
			EditorOrigins: splitAndTrim(firstNonEmpty(*editorOrigins, os.Getenv("REELSYNC_EDITOR_ORIGINS"))),
		},
		Logger:      logger,
		AuditLogger: auditLogger,
		Metrics:     recorder,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	logger.Info("ReelSync gateway listening", "addr", listenAddr, "mode", serverMode)
	if tlsCertPath != "" && tlsKeyPath != "" {
		logger.Info("TLS enabled", "cert_file", tlsCertPath)
	}
	logger.Info("metrics endpoint available", "path", "/metrics")

	runErr := srv.Run(runCtx)

	stop()
	retentionStop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if closer, ok := store.(interface{ Close(context.Context) error }); ok {
		if err := closer.Close(shutdownCtx); err != nil {
			logger.Warn("failed to close datastore", "error", err)
		}
	} else if closer, ok := store.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			logger.Warn("failed to close datastore", "error", err)
		}
	}

	if sessionCloser != nil {
		if err := sessionCloser(shutdownCtx); err != nil {
			logger.Warn("failed to close session store", "error", err)
		}
	}

	if runErr != nil {
		logger.Error("server error", "error", runErr)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

type sessionStoreConfig struct {
	Driver string
	DSN    string
}

func resolveSessionStoreConfig(flagDriver, envDriver, storageDriver, storageDSN, flagDSN, envDSN string) (sessionStoreConfig, error) {
	driver := strings.ToLower(strings.TrimSpace(flagDriver))
	if driver == "" {
		driver = strings.ToLower(strings.TrimSpace(envDriver))
	}

	sessionDSN := strings.TrimSpace(firstNonEmpty(flagDSN, envDSN))
	if driver == "" {
		switch {
		case sessionDSN != "":
			driver = "postgres"
		case storageDriver == "postgres":
			driver = "postgres"
		default:
			driver = "memory"
		}
	}

	switch driver {
	case "", "memory":
		return sessionStoreConfig{Driver: "memory"}, nil
	case "postgres":
		if sessionDSN == "" {
			sessionDSN = strings.TrimSpace(storageDSN)
		}
		if sessionDSN == "" {
			return sessionStoreConfig{}, fmt.Errorf("postgres session store selected without DSN")
		}
		return sessionStoreConfig{Driver: "postgres", DSN: sessionDSN}, nil
	default:
		return sessionStoreConfig{}, fmt.Errorf("unsupported session store driver %q", driver)
	}
}

func configureNotifyQueue(driver string, cfg notify.RedisQueueConfig, logger *slog.Logger) (notify.Queue, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	switch driver {
	case "redis":
		if len(cfg.Addrs) == 0 && strings.TrimSpace(cfg.Addr) == "" {
			return nil, fmt.Errorf("redis addr is required for notification queue")
		}
		cfg.Logger = logging.WithComponent(logger, "notify-queue")
		return notify.NewRedisQueue(cfg)
	case "", "memory":
		return notify.NewMemoryQueue(128), nil
	default:
		return nil, fmt.Errorf("unsupported notification queue driver %q", driver)
	}
}

func resolveSessionCookieSecureMode(mode string) api.SessionCookieSecureMode {
	if strings.ToLower(strings.TrimSpace(mode)) == "production" {
		return api.SessionCookieSecureAlways
	}
	return api.SessionCookieSecureAuto
}

// resolveTrustActorIDs refuses to honour the development shortcut in
// production, where every connection must present a real token.
func resolveTrustActorIDs(flagValue bool, mode string, logger *slog.Logger) bool {
	trusted := resolveBool(flagValue, "REELSYNC_GATEWAY_TRUST_ACTOR_IDS")
	if trusted && mode == "production" {
		logger.Warn("ignoring gateway-trust-actor-ids in production mode")
		return false
	}
	return trusted
}

func resolveListenAddr(flagValue, mode, envAddr string) string {
	listenAddr := strings.TrimSpace(flagValue)
	if listenAddr == "" {
		listenAddr = strings.TrimSpace(envAddr)
	}
	if listenAddr == "" {
		listenAddr = defaultListenForMode(mode)
	}
	return listenAddr
}

func modeValue(flagMode, envMode string) string {
	mode := strings.ToLower(strings.TrimSpace(flagMode))
	if mode == "" {
		mode = strings.ToLower(strings.TrimSpace(envMode))
	}
	if mode == "" {
		mode = "development"
	}
	return mode
}

func defaultListenForMode(mode string) string {
	if mode == "production" {
		return ":80"
	}
	return ":8080"
}

func resolveStorageDriver(flagValue, envValue, postgresDSN string) (string, error) {
	if driver := strings.ToLower(strings.TrimSpace(flagValue)); driver != "" {
		return driver, nil
	}
	if driver := strings.ToLower(strings.TrimSpace(envValue)); driver != "" {
		return driver, nil
	}
	if strings.TrimSpace(postgresDSN) != "" {
		return "postgres", nil
	}
	return "json", nil
}

func validateProductionDatastore(driver, resolvedPostgresDSN, envPostgresDSN string) error {
	if driver != "postgres" {
		return fmt.Errorf("production mode requires the postgres datastore driver, got %q", driver)
	}
	if strings.TrimSpace(envPostgresDSN) == "" {
		return fmt.Errorf("production mode requires REELSYNC_POSTGRES_DSN to be set")
	}
	if strings.TrimSpace(resolvedPostgresDSN) == "" {
		return fmt.Errorf("postgres storage selected without DSN")
	}
	return nil
}

func resolveDataPath(flagValue, envValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := strings.TrimSpace(envValue); env != "" {
		return env
	}
	return "data/reelsync.json"
}

func resolvePostgresDSN(flagValue string) string {
	return strings.TrimSpace(firstNonEmpty(flagValue, os.Getenv("REELSYNC_POSTGRES_DSN"), os.Getenv("DATABASE_URL")))
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveFloat(flagValue float64, envKey string) float64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseFloat(strings.TrimSpace(env), 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	if fallback > 0 {
		return fallback
	}
	return 0
}

func resolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if env, ok := os.LookupEnv(envKey); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return false
}
