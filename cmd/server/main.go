// Command server starts the opal-relay media ingestion service.
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

	"opal-relay/internal/adapters"
	"opal-relay/internal/observability/logging"
	"opal-relay/internal/observability/metrics"
	"opal-relay/internal/relay"
	"opal-relay/internal/server"
	"opal-relay/internal/serverutil"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address")
	scratchDir := flag.String("scratch-dir", "", "directory for assembled media scratch files")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	allowedOrigins := flag.String("allowed-origins", "", "comma separated origins allowed to connect")
	heartbeatInterval := flag.Duration("heartbeat-interval", 0, "WebSocket ping interval (0 disables)")
	callTimeout := flag.Duration("call-timeout", 0, "timeout applied to each external service call")
	maxConcurrent := flag.Int("max-concurrent", 0, "maximum pipeline runs executing at once")
	enhanceLimit := flag.Int64("enhance-size-limit", 0, "maximum media size in bytes eligible for enhancement")
	queueDriver := flag.String("queue-driver", "", "telemetry queue driver (memory or redis)")
	queueRedisAddr := flag.String("queue-redis-addr", "", "Redis address for telemetry queue transport")
	queueRedisAddrs := flag.String("queue-redis-addrs", "", "comma separated Redis addresses for telemetry queue transport")
	queueRedisUsername := flag.String("queue-redis-username", "", "Redis username for telemetry queue")
	queueRedisPassword := flag.String("queue-redis-password", "", "Redis password for telemetry queue")
	queueRedisStream := flag.String("queue-redis-stream", "", "Redis stream key for telemetry events")
	queueRedisGroup := flag.String("queue-redis-group", "", "Redis consumer group for telemetry events")
	queueRedisMasterName := flag.String("queue-redis-sentinel-master", "", "Redis sentinel master name for telemetry queue")
	queueRedisPoolSize := flag.Int("queue-redis-pool-size", 0, "maximum Redis connections for telemetry queue")
	queueRedisTLSCA := flag.String("queue-redis-tls-ca", "", "path to Redis TLS CA certificate for telemetry queue")
	queueRedisTLSCert := flag.String("queue-redis-tls-cert", "", "path to Redis TLS client certificate for telemetry queue")
	queueRedisTLSKey := flag.String("queue-redis-tls-key", "", "path to Redis TLS client key for telemetry queue")
	queueRedisTLSServerName := flag.String("queue-redis-tls-server-name", "", "override Redis TLS server name for telemetry queue")
	queueRedisTLSSkipVerify := flag.Bool("queue-redis-tls-skip-verify", false, "skip Redis TLS verification for telemetry queue")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("OPAL_RELAY_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("OPAL_RELAY_LOG_FORMAT")),
	})
	recorder := metrics.Default()

	adapterConfig, err := adapters.LoadConfigFromEnv()
	if err != nil {
		logger.Error("failed to load relay configuration", "error", err)
		os.Exit(1)
	}

	listenAddr := firstNonEmpty(*addr, os.Getenv("OPAL_RELAY_ADDR"))
	if listenAddr == "" {
		listenAddr = ":8080"
	}

	scratch := firstNonEmpty(*scratchDir, os.Getenv("OPAL_RELAY_SCRATCH_DIR"))
	if scratch == "" {
		scratch = "data/scratch"
	}
	assembler, err := relay.NewAssembler(scratch)
	if err != nil {
		logger.Error("failed to prepare scratch directory", "error", err)
		os.Exit(1)
	}

	queueCfg := relay.RedisQueueConfig{
		Addr:       firstNonEmpty(*queueRedisAddr, os.Getenv("OPAL_RELAY_QUEUE_REDIS_ADDR")),
		Addrs:      splitAndTrim(firstNonEmpty(*queueRedisAddrs, os.Getenv("OPAL_RELAY_QUEUE_REDIS_ADDRS"))),
		Username:   firstNonEmpty(*queueRedisUsername, os.Getenv("OPAL_RELAY_QUEUE_REDIS_USERNAME")),
		Password:   firstNonEmpty(*queueRedisPassword, os.Getenv("OPAL_RELAY_QUEUE_REDIS_PASSWORD")),
		Stream:     firstNonEmpty(*queueRedisStream, os.Getenv("OPAL_RELAY_QUEUE_REDIS_STREAM")),
		Group:      firstNonEmpty(*queueRedisGroup, os.Getenv("OPAL_RELAY_QUEUE_REDIS_GROUP")),
		MasterName: firstNonEmpty(*queueRedisMasterName, os.Getenv("OPAL_RELAY_QUEUE_REDIS_SENTINEL_MASTER")),
		PoolSize:   resolveInt(*queueRedisPoolSize, "OPAL_RELAY_QUEUE_REDIS_POOL_SIZE"),
		TLS: relay.RedisTLSConfig{
			CAFile:             firstNonEmpty(*queueRedisTLSCA, os.Getenv("OPAL_RELAY_QUEUE_REDIS_TLS_CA")),
			CertFile:           firstNonEmpty(*queueRedisTLSCert, os.Getenv("OPAL_RELAY_QUEUE_REDIS_TLS_CERT")),
			KeyFile:            firstNonEmpty(*queueRedisTLSKey, os.Getenv("OPAL_RELAY_QUEUE_REDIS_TLS_KEY")),
			ServerName:         firstNonEmpty(*queueRedisTLSServerName, os.Getenv("OPAL_RELAY_QUEUE_REDIS_TLS_SERVER_NAME")),
			InsecureSkipVerify: resolveBool(*queueRedisTLSSkipVerify, "OPAL_RELAY_QUEUE_REDIS_TLS_SKIP_VERIFY"),
		},
	}
	queue, err := configureQueue(firstNonEmpty(*queueDriver, os.Getenv("OPAL_RELAY_QUEUE_DRIVER")), queueCfg, logger)
	if err != nil {
		logger.Error("failed to configure telemetry queue", "error", err)
		os.Exit(1)
	}

	backend := adapters.NewBackend(adapters.BackendConfig{
		BaseURL:       adapterConfig.BackendBaseURL,
		Token:         adapterConfig.BackendToken,
		Client:        adapterConfig.HTTPClient,
		Logger:        logging.WithComponent(logger, "backend"),
		MaxAttempts:   adapterConfig.BackendMaxAttempts,
		RetryInterval: adapterConfig.BackendRetryInterval,
	})
	mediaStore, err := adapters.NewMediaStore(adapters.MediaStoreConfig{
		Endpoint:       adapterConfig.StorageEndpoint,
		Bucket:         adapterConfig.StorageBucket,
		Region:         adapterConfig.StorageRegion,
		AccessKey:      adapterConfig.StorageAccessKey,
		SecretKey:      adapterConfig.StorageSecretKey,
		PublicEndpoint: adapterConfig.StoragePublicEndpoint,
		UseSSL:         adapterConfig.StorageUseSSL,
		RequestTimeout: adapterConfig.StorageTimeout,
	})
	if err != nil {
		logger.Error("failed to initialise media storage", "error", err)
		os.Exit(1)
	}

	var (
		transcriber relay.Transcriber
		summarizer  relay.Summarizer
	)
	if adapterConfig.EnhancementEnabled() {
		transcriber = adapters.NewTranscriber(adapters.TranscriberConfig{
			BaseURL: adapterConfig.OpenAIBaseURL,
			APIKey:  adapterConfig.OpenAIAPIKey,
			Model:   adapterConfig.TranscriptionModel,
			Logger:  logging.WithComponent(logger, "transcriber"),
		})
		summarizer = adapters.NewSummarizer(adapters.SummarizerConfig{
			BaseURL: adapterConfig.OpenAIBaseURL,
			APIKey:  adapterConfig.OpenAIAPIKey,
			Model:   adapterConfig.SummaryModel,
			Logger:  logging.WithComponent(logger, "summarizer"),
		})
	} else {
		logger.Info("enhancement disabled: no OpenAI key configured")
	}

	sessions := relay.NewSessionStore()
	pipeline := relay.NewOrchestrator(relay.OrchestratorConfig{
		Sessions:         sessions,
		Assembler:        assembler,
		Backend:          backend,
		Media:            mediaStore,
		Transcriber:      transcriber,
		Summarizer:       summarizer,
		Queue:            queue,
		Logger:           logging.WithComponent(logger, "pipeline"),
		CallTimeout:      resolveDuration(*callTimeout, "OPAL_RELAY_CALL_TIMEOUT", 0),
		EnhanceSizeLimit: *enhanceLimit,
		MaxConcurrent:    int64(resolveInt(*maxConcurrent, "OPAL_RELAY_MAX_CONCURRENT")),
	})
	gateway := relay.NewGateway(relay.GatewayConfig{
		Sessions:          sessions,
		Pipeline:          pipeline,
		Logger:            logging.WithComponent(logger, "gateway"),
		HeartbeatInterval: resolveDuration(*heartbeatInterval, "OPAL_RELAY_HEARTBEAT_INTERVAL", 30*time.Second),
	})

	tlsCfg := server.TLSConfig{
		CertFile: firstNonEmpty(*tlsCert, os.Getenv("OPAL_RELAY_TLS_CERT")),
		KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("OPAL_RELAY_TLS_KEY")),
	}
	srv, err := server.New(gateway, server.Config{
		Addr: listenAddr,
		TLS:  tlsCfg,
		CORS: server.CORSConfig{
			AllowedOrigins: splitAndTrim(firstNonEmpty(*allowedOrigins, os.Getenv("OPAL_RELAY_ALLOWED_ORIGINS"))),
		},
		Logger:  logger,
		Metrics: recorder,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("opal-relay listening", "addr", listenAddr, "scratch_dir", assembler.Dir())
	if tlsCfg.CertFile != "" && tlsCfg.KeyFile != "" {
		logger.Info("TLS enabled", "cert_file", tlsCfg.CertFile)
	}
	logger.Info("metrics endpoint available", "path", "/metrics")

	runTLS := serverutil.TLSConfig{CertFile: tlsCfg.CertFile, KeyFile: tlsCfg.KeyFile}
	if err := serveHTTP(ctx, srv, runTLS, nil); err != nil {
		logger.Error("server error", "error", err)
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := pipeline.Shutdown(drainCtx); err != nil {
		logger.Warn("failed to drain processing runs", "error", err)
	}

	logger.Info("server stopped")
}

// serveHTTP blocks until the context is cancelled or the server fails, then
// shuts the listener down gracefully.
func serveHTTP(ctx context.Context, srv *server.Server, tlsCfg serverutil.TLSConfig, ready chan<- struct{}) error {
	return serverutil.Run(ctx, serverutil.Config{
		Server:          srv.HTTPServer(),
		TLS:             tlsCfg,
		ShutdownTimeout: 10 * time.Second,
		Ready:           ready,
	})
}

func configureQueue(driver string, cfg relay.RedisQueueConfig, logger *slog.Logger) (relay.Queue, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	switch driver {
	case "redis":
		if len(cfg.Addrs) == 0 && strings.TrimSpace(cfg.Addr) == "" {
			return nil, fmt.Errorf("redis addr is required for telemetry queue")
		}
		cfg.Logger = logging.WithComponent(logger, "telemetry-queue")
		queue, err := relay.NewRedisQueue(cfg)
		if err != nil {
			return nil, err
		}
		return queue, nil
	case "", "memory":
		return relay.NewMemoryQueue(128), nil
	default:
		return nil, fmt.Errorf("unsupported telemetry queue driver %q", driver)
	}
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
