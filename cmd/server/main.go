// Command server starts the Airwave Live API HTTP service.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"airwave-live/internal/api"
	"airwave-live/internal/auth"
	"airwave-live/internal/broadcast"
	"airwave-live/internal/icecast"
	"airwave-live/internal/listener"
	"airwave-live/internal/notify"
	"airwave-live/internal/observability/logging"
	"airwave-live/internal/observability/metrics"
	"airwave-live/internal/ratelimit"
	"airwave-live/internal/relay"
	"airwave-live/internal/server"
	"airwave-live/internal/serverutil"
	"airwave-live/internal/storage"
)

func main() {
	envFile := flag.String("env-file", "", "path to a dotenv file loaded before reading the environment")
	addr := flag.String("addr", "", "HTTP listen address")
	mode := flag.String("mode", "", "server runtime mode (development or production)")
	dataPath := flag.String("data", "", "path to JSON datastore")
	storageDriver := flag.String("storage-driver", "", "datastore driver (json or postgres)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	postgresMaxConns := flag.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := flag.Int("postgres-min-conns", 0, "minimum idle connections maintained by the Postgres pool")
	postgresAcquireTimeout := flag.Duration("postgres-acquire-timeout", 0, "timeout when acquiring a Postgres connection from the pool")
	postgresAppName := flag.String("postgres-app-name", "", "application_name reported to Postgres")
	sessionStoreDriver := flag.String("session-store", "", "session store driver (memory or postgres)")
	sessionPostgresDSN := flag.String("session-postgres-dsn", "", "Postgres DSN for the session store")
	sessionTTL := flag.Duration("session-ttl", 0, "absolute session lifetime")
	sessionIdleTimeout := flag.Duration("session-idle-timeout", 0, "idle timeout before a session is revoked")
	allowSelfSignup := flag.Bool("allow-self-signup", false, "allow unauthenticated visitors to register listener accounts")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	logLevel := flag.String("log-level", "", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	rateDisabled := flag.Bool("rate-disabled", false, "disable all rate limiting")
	rateAuthIP := flag.Int("rate-auth-ip", 0, "login attempts per IP per window")
	rateAuthUser := flag.Int("rate-auth-user", 0, "login attempts per username per window")
	rateAPIIP := flag.Int("rate-api-ip", 0, "API requests per IP per window")
	rateHandshakeIP := flag.Int("rate-handshake-ip", 0, "WebSocket handshakes per IP per window")
	rateWindow := flag.Duration("rate-window", 0, "rate limiter refill window")
	queueDriver := flag.String("queue-driver", "", "notification queue driver (memory or redis)")
	queueRedisAddr := flag.String("queue-redis-addr", "", "Redis address for the notification queue")
	queueRedisAddrs := flag.String("queue-redis-addrs", "", "comma separated Redis addresses for the notification queue")
	queueRedisUsername := flag.String("queue-redis-username", "", "Redis username for the notification queue")
	queueRedisPassword := flag.String("queue-redis-password", "", "Redis password for the notification queue")
	queueRedisStream := flag.String("queue-redis-stream", "", "Redis stream key for queue events")
	queueRedisGroup := flag.String("queue-redis-group", "", "Redis consumer group for the queue")
	queueRedisMasterName := flag.String("queue-redis-sentinel-master", "", "Redis sentinel master name for the queue")
	queueRedisPoolSize := flag.Int("queue-redis-pool-size", 0, "maximum Redis connections for the queue")
	icecastHost := flag.String("icecast-host", "", "Icecast server hostname")
	icecastPort := flag.Int("icecast-port", 0, "Icecast server port")
	icecastMount := flag.String("icecast-mount", "", "Icecast mount point for the live stream")
	icecastSourceUser := flag.String("icecast-source-user", "", "Icecast source username")
	icecastSourcePassword := flag.String("icecast-source-password", "", "Icecast source password")
	icecastStationName := flag.String("icecast-station-name", "", "station name advertised on the stream")
	icecastStationGenre := flag.String("icecast-station-genre", "", "station genre advertised on the stream")
	icecastBitrate := flag.String("icecast-bitrate", "", "encoder bitrate (e.g. 128k)")
	relayGrace := flag.Duration("relay-shutdown-grace", 0, "grace period for encoder drain on orderly relay close")
	statusInterval := flag.Duration("status-interval", 0, "listener status snapshot interval")
	heartbeatInterval := flag.Duration("listener-heartbeat-interval", 0, "ping interval for listener WebSocket connections")
	flag.Parse()

	loadEnvFile(*envFile)

	logger := logging.New(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("AIRWAVE_LIVE_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("AIRWAVE_LIVE_LOG_FORMAT")),
	})
	recorder := metrics.Default()

	serverMode := modeValue(*mode, os.Getenv("AIRWAVE_LIVE_MODE"))
	listenAddr := resolveListenAddr(*addr, serverMode, os.Getenv("AIRWAVE_LIVE_ADDR"))

	allowSelfSignupValue := *allowSelfSignup
	if env, ok := os.LookupEnv("AIRWAVE_LIVE_ALLOW_SELF_SIGNUP"); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			allowSelfSignupValue = value
		} else {
			logger.Warn("invalid AIRWAVE_LIVE_ALLOW_SELF_SIGNUP", "value", env, "error", err)
		}
	}

	postgresDefaultDSN := resolvePostgresDSN(*postgresDSN)
	driver, err := resolveStorageDriver(*storageDriver, os.Getenv("AIRWAVE_LIVE_STORAGE_DRIVER"), postgresDefaultDSN)
	if err != nil {
		logger.Error("failed to resolve storage driver", "error", err)
		os.Exit(1)
	}
	if serverMode == "production" {
		if err := validateProductionDatastore(driver, postgresDefaultDSN); err != nil {
			logger.Error("production datastore validation failed", "error", err)
			os.Exit(1)
		}
	}

	var store storage.Repository
	switch driver {
	case "json":
		dataFile := resolveDataPath(*dataPath, os.Getenv("AIRWAVE_LIVE_DATA"))
		store, err = storage.NewStorage(dataFile)
	case "postgres":
		if postgresDefaultDSN == "" {
			logger.Error("postgres storage selected without DSN")
			os.Exit(1)
		}
		store, err = storage.NewPostgresRepository(storage.PostgresConfig{
			DSN:             postgresDefaultDSN,
			MaxConnections:  int32(resolveInt(*postgresMaxConns, "AIRWAVE_LIVE_POSTGRES_MAX_CONNS")),
			MinConnections:  int32(resolveInt(*postgresMinConns, "AIRWAVE_LIVE_POSTGRES_MIN_CONNS")),
			AcquireTimeout:  resolveDuration(*postgresAcquireTimeout, "AIRWAVE_LIVE_POSTGRES_ACQUIRE_TIMEOUT", 0),
			ApplicationName: firstNonEmpty(*postgresAppName, os.Getenv("AIRWAVE_LIVE_POSTGRES_APP_NAME")),
		})
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
		os.Getenv("AIRWAVE_LIVE_SESSION_STORE"),
		driver,
		postgresDefaultDSN,
		*sessionPostgresDSN,
		os.Getenv("AIRWAVE_LIVE_SESSION_POSTGRES_DSN"),
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
		pgStore, err := auth.NewPostgresSessionStore(context.Background(), sessionConfig.DSN)
		if err != nil {
			logger.Error("failed to open session store", "error", err)
			os.Exit(1)
		}
		sessionStore = pgStore
		sessionCloser = pgStore.Close
	default:
		logger.Error("unsupported session store driver", "driver", sessionConfig.Driver)
		os.Exit(1)
	}

	sessionOpts := []auth.Option{auth.WithStore(sessionStore)}
	if idle := resolveDuration(*sessionIdleTimeout, "AIRWAVE_LIVE_SESSION_IDLE_TIMEOUT", 0); idle > 0 {
		sessionOpts = append(sessionOpts, auth.WithIdleTimeout(idle))
	}
	sessions := auth.NewManager(resolveDuration(*sessionTTL, "AIRWAVE_LIVE_SESSION_TTL", 0), sessionOpts...)

	queue, err := configureQueue(*queueDriver, notify.RedisQueueConfig{
		Addr:       firstNonEmpty(*queueRedisAddr, os.Getenv("AIRWAVE_LIVE_QUEUE_REDIS_ADDR")),
		Addrs:      splitAndTrim(firstNonEmpty(*queueRedisAddrs, os.Getenv("AIRWAVE_LIVE_QUEUE_REDIS_ADDRS"))),
		Username:   firstNonEmpty(*queueRedisUsername, os.Getenv("AIRWAVE_LIVE_QUEUE_REDIS_USERNAME")),
		Password:   firstNonEmpty(*queueRedisPassword, os.Getenv("AIRWAVE_LIVE_QUEUE_REDIS_PASSWORD")),
		Stream:     firstNonEmpty(*queueRedisStream, os.Getenv("AIRWAVE_LIVE_QUEUE_REDIS_STREAM")),
		Group:      firstNonEmpty(*queueRedisGroup, os.Getenv("AIRWAVE_LIVE_QUEUE_REDIS_GROUP")),
		MasterName: firstNonEmpty(*queueRedisMasterName, os.Getenv("AIRWAVE_LIVE_QUEUE_REDIS_SENTINEL_MASTER")),
		PoolSize:   resolveInt(*queueRedisPoolSize, "AIRWAVE_LIVE_QUEUE_REDIS_POOL_SIZE"),
	}, logger)
	if err != nil {
		logger.Error("failed to configure notification queue", "error", err)
		os.Exit(1)
	}

	limiter := ratelimit.New(resolveRateLimitConfig(
		*rateDisabled, *rateAuthIP, *rateAuthUser, *rateAPIIP, *rateHandshakeIP, *rateWindow,
	))

	icecastCfg := resolveIcecastConfig(
		*icecastHost, *icecastPort, *icecastMount,
		*icecastSourceUser, *icecastSourcePassword,
		*icecastStationName, *icecastStationGenre, *icecastBitrate,
	)
	statusClient := icecast.NewStatusClient(icecastCfg, recorder)

	relays := relay.NewManager(relay.Config{
		Icecast:       icecastCfg,
		Queue:         queue,
		Logger:        logger,
		Recorder:      recorder,
		ShutdownGrace: resolveDuration(*relayGrace, "AIRWAVE_LIVE_RELAY_SHUTDOWN_GRACE", 0),
	})
	coordinator := broadcast.NewCoordinator(broadcast.Config{
		Repository: store,
		Queue:      queue,
		Logger:     logger,
		Recorder:   recorder,
	})
	aggregator := listener.NewAggregator(listener.Config{
		Repository: store,
		Queue:      queue,
		Health:     statusClient,
		Logger:     logger,
		Recorder:   recorder,
		Interval:   resolveDuration(*statusInterval, "AIRWAVE_LIVE_STATUS_INTERVAL", 0),
	})
	gateway := listener.NewGateway(listener.GatewayConfig{
		Aggregator:        aggregator,
		Queue:             queue,
		Logger:            logger,
		HeartbeatInterval: resolveDuration(*heartbeatInterval, "AIRWAVE_LIVE_LISTENER_HEARTBEAT_INTERVAL", 0),
	})

	handler := api.NewHandler(store, sessions)
	handler.Coordinator = coordinator
	handler.Relays = relays
	handler.Aggregator = aggregator
	handler.ListenerGateway = gateway
	handler.Limiter = limiter
	handler.Queue = queue
	handler.Logger = logger
	handler.Recorder = recorder
	handler.AllowSelfSignup = allowSelfSignupValue
	handler.StreamURL = icecastCfg.StreamURL()

	srv, err := server.New(handler, server.Config{
		Addr: listenAddr,
		TLS: server.TLSConfig{
			CertFile: firstNonEmpty(*tlsCert, os.Getenv("AIRWAVE_LIVE_TLS_CERT")),
			KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("AIRWAVE_LIVE_TLS_KEY")),
		},
		Limiter:  limiter,
		Security: server.SecurityConfig{EnableHSTS: serverMode == "production"},
		Logger:   logger,
		Metrics:  recorder,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	runner := serverutil.NewRunner(logger, 10*time.Second)
	runner.AddServer("http", srv)
	runner.Add("status-aggregator", aggregator.Run)
	runner.Add("stream-watcher", aggregator.WatchStreamStatus)
	runner.Add("session-purger", sessionPurgeLoop(logging.WithComponent(logger, "session-purger"), sessions, 15*time.Minute))

	ctx, stop := serverutil.SignalContext(context.Background())
	defer stop()

	logger.Info("Airwave Live API listening",
		slog.String("addr", listenAddr),
		slog.String("mode", serverMode),
		slog.String("stream_url", icecastCfg.StreamURL()),
	)
	runErr := runner.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	relays.Shutdown(shutdownCtx)

	if err := store.Close(shutdownCtx); err != nil {
		logger.Warn("failed to close datastore", "error", err)
	}

	if sessionCloser != nil {
		if err := sessionCloser(shutdownCtx); err != nil {
			logger.Warn("failed to close session store", "error", err)
		}
	}

	if runErr != nil {
		logger.Error("server exited with error", "error", runErr)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

// loadEnvFile seeds the process environment from a dotenv file. A missing
// default file is not an error; an explicitly named file must exist.
func loadEnvFile(path string) {
	if trimmed := strings.TrimSpace(path); trimmed != "" {
		if err := godotenv.Load(trimmed); err != nil {
			fmt.Fprintf(os.Stderr, "failed to load env file %s: %v\n", trimmed, err)
			os.Exit(1)
		}
		return
	}
	_ = godotenv.Load()
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

func configureQueue(driver string, cfg notify.RedisQueueConfig, logger *slog.Logger) (notify.Queue, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	if driver == "" {
		driver = strings.ToLower(strings.TrimSpace(os.Getenv("AIRWAVE_LIVE_QUEUE_DRIVER")))
	}
	switch driver {
	case "redis":
		if len(cfg.Addrs) == 0 && strings.TrimSpace(cfg.Addr) == "" {
			return nil, fmt.Errorf("redis addr is required for the notification queue")
		}
		cfg.Logger = logging.WithComponent(logger, "notify-queue")
		return notify.NewRedisQueue(cfg)
	case "", "memory":
		return notify.NewMemoryQueue(128), nil
	default:
		return nil, fmt.Errorf("unsupported queue driver %q", driver)
	}
}

func resolveRateLimitConfig(disabled bool, authIP, authUser, apiIP, handshakeIP int, window time.Duration) ratelimit.Config {
	cfg := ratelimit.DefaultConfig()
	if resolveBool(disabled, "AIRWAVE_LIVE_RATE_DISABLED") {
		cfg.Enabled = false
		return cfg
	}
	if v := resolveInt(authIP, "AIRWAVE_LIVE_RATE_AUTH_IP"); v > 0 {
		cfg.AuthPerIPPerMinute = v
	}
	if v := resolveInt(authUser, "AIRWAVE_LIVE_RATE_AUTH_USER"); v > 0 {
		cfg.AuthPerUsernamePerMinute = v
	}
	if v := resolveInt(apiIP, "AIRWAVE_LIVE_RATE_API_IP"); v > 0 {
		cfg.APIPerIPPerMinute = v
	}
	if v := resolveInt(handshakeIP, "AIRWAVE_LIVE_RATE_HANDSHAKE_IP"); v > 0 {
		cfg.HandshakePerIPPerMinute = v
	}
	if v := resolveDuration(window, "AIRWAVE_LIVE_RATE_WINDOW", 0); v > 0 {
		cfg.Window = v
	}
	return cfg
}

func resolveIcecastConfig(host string, port int, mount, sourceUser, sourcePassword, stationName, stationGenre, bitrate string) icecast.Config {
	cfg := icecast.DefaultConfig()
	if v := firstNonEmpty(host, os.Getenv("AIRWAVE_LIVE_ICECAST_HOST")); v != "" {
		cfg.Host = v
	}
	if v := resolveInt(port, "AIRWAVE_LIVE_ICECAST_PORT"); v > 0 {
		cfg.Port = v
	}
	if v := firstNonEmpty(mount, os.Getenv("AIRWAVE_LIVE_ICECAST_MOUNT")); v != "" {
		cfg.Mount = v
	}
	if v := firstNonEmpty(sourceUser, os.Getenv("AIRWAVE_LIVE_ICECAST_SOURCE_USER")); v != "" {
		cfg.SourceUser = v
	}
	if v := firstNonEmpty(sourcePassword, os.Getenv("AIRWAVE_LIVE_ICECAST_SOURCE_PASSWORD")); v != "" {
		cfg.SourcePassword = v
	}
	if v := firstNonEmpty(stationName, os.Getenv("AIRWAVE_LIVE_ICECAST_STATION_NAME")); v != "" {
		cfg.StationName = v
	}
	if v := firstNonEmpty(stationGenre, os.Getenv("AIRWAVE_LIVE_ICECAST_STATION_GENRE")); v != "" {
		cfg.StationGenre = v
	}
	if v := firstNonEmpty(bitrate, os.Getenv("AIRWAVE_LIVE_ICECAST_BITRATE")); v != "" {
		cfg.Bitrate = v
	}
	return cfg
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

func validateProductionDatastore(driver, postgresDSN string) error {
	if driver != "postgres" {
		return fmt.Errorf("production mode requires the postgres datastore driver, got %q", driver)
	}
	if strings.TrimSpace(postgresDSN) == "" {
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
	return "data/store.json"
}

func resolvePostgresDSN(flagValue string) string {
	return strings.TrimSpace(firstNonEmpty(flagValue, os.Getenv("AIRWAVE_LIVE_POSTGRES_DSN"), os.Getenv("DATABASE_URL")))
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
	return fallback
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
