package main

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/md-rashed-zaman/eventrelay/libs/auth"
	"github.com/md-rashed-zaman/eventrelay/libs/config"
	"github.com/md-rashed-zaman/eventrelay/libs/db"
	"github.com/md-rashed-zaman/eventrelay/libs/httpx"
	otelx "github.com/md-rashed-zaman/eventrelay/libs/otel"
	"github.com/md-rashed-zaman/eventrelay/libs/redisx"
	"github.com/md-rashed-zaman/eventrelay/libs/runtime"
	"github.com/md-rashed-zaman/eventrelay/relay/bus"
	"github.com/md-rashed-zaman/eventrelay/relay/idempotency"
	"github.com/md-rashed-zaman/eventrelay/relay/kafkabridge"
	"github.com/md-rashed-zaman/eventrelay/relay/outbox"
	"github.com/md-rashed-zaman/eventrelay/services/relay-admin/internal/admin"
	"github.com/md-rashed-zaman/eventrelay/services/relay-admin/internal/audit"
)

func main() {
	service := config.String("SERVICE_NAME", "relay-admin")
	port, err := config.Port("PORT", "8090")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		panic(err)
	}
	pool, err := db.Open(ctx, dbURL)
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	registry := bus.NewRegistry()
	markers := idempotency.NewStore(pool)
	outboxRepo := outbox.NewRepository(pool)

	readyChecks := []runtime.ReadyCheck{
		{Name: "db", Check: db.ReadyCheck(pool)},
	}

	var eventBus outbox.Bus
	var deadLetters *bus.DeadLetters
	var rdb *redis.Client

	driver := config.String("BUS_DRIVER", "stream")
	switch driver {
	case "inprocess":
		eventBus = bus.NewInProcess(registry, logger)
	case "stream":
		redisAddr, err := config.RequiredString("REDIS_ADDR")
		if err != nil {
			panic(err)
		}
		rdb, err = redisx.Open(ctx, redisAddr)
		if err != nil {
			logger.Error("redis connection failed", "err", err)
			panic(err)
		}
		defer func() { _ = rdb.Close() }()
		readyChecks = append(readyChecks, runtime.ReadyCheck{Name: "redis", Check: redisx.ReadyCheck(rdb)})

		streamName := config.String("EVENT_STREAM", "events")
		streamBus := bus.NewStream(rdb, registry, logger, bus.StreamConfig{
			Stream: streamName,
			MaxLen: int64(config.Int("STREAM_MAXLEN", 100_000)),
		})
		eventBus = streamBus
		deadLetters = bus.NewDeadLetters(rdb, streamName, config.String("DLQ_STREAM", ""))

		consumer := bus.NewConsumer(streamBus, deadLetters, logger, bus.ConsumerConfig{
			Group:          config.String("CONSUMER_GROUP", "relay"),
			Consumer:       config.String("CONSUMER_NAME", service+"-1"),
			BatchSize:      int64(config.Int("CONSUMER_BATCH_SIZE", 50)),
			MaxRetries:     int64(config.Int("MAX_RETRIES", 3)),
			ClaimIdleAfter: config.Duration("CLAIM_IDLE_AFTER", 30*time.Second),
			SweepEvery:     config.Duration("SWEEP_EVERY", 10*time.Second),
		})
		go consumer.Run(ctx)
	default:
		logger.Error("unknown bus driver", "driver", driver)
		panic("BUS_DRIVER must be inprocess or stream")
	}

	if brokers := config.String("KAFKA_BROKERS", ""); brokers != "" {
		bridge := kafkabridge.New(kafkabridge.SplitBrokers(brokers))
		defer func() { _ = bridge.Close() }()
		types := splitList(config.String("KAFKA_BRIDGE_EVENT_TYPES", ""))
		if len(types) == 0 {
			logger.Warn("kafka bridge enabled but KAFKA_BRIDGE_EVENT_TYPES is empty")
		}
		registry.SubscribeAll(types, idempotency.Wrap(markers, bridge, logger))
		readyChecks = append(readyChecks, runtime.ReadyCheck{Name: "kafka", Check: kafkabridge.ReadyCheck(brokers)})
	}

	publisher := outbox.NewPublisher(outboxRepo, eventBus, logger, outbox.PublisherConfig{
		PollEvery:      config.Duration("OUTBOX_POLL_EVERY", 1*time.Second),
		BatchSize:      config.Int("OUTBOX_BATCH_SIZE", 50),
		PublishTimeout: config.Duration("PUBLISH_TIMEOUT", 5*time.Second),
	})
	go publisher.Run(ctx)

	mux := runtime.NewBaseMuxWithReady(readyChecks...)

	authn := &admin.Authenticator{
		Secret:         config.String("ADMIN_JWT_SECRET", ""),
		BreakGlassUser: config.String("ADMIN_BREAK_GLASS_USER", ""),
		BreakGlassHash: config.String("ADMIN_BREAK_GLASS_HASH", ""),
	}
	if jwksURL := config.String("ADMIN_JWKS_URL", ""); jwksURL != "" {
		authn.JWKS = auth.NewJWKSClient(jwksURL, 5*time.Minute)
	}

	switch {
	case deadLetters == nil:
		logger.Info("dead-letter admin API disabled (in-process bus has no dead-letter log)")
	case authn.Secret == "" && authn.JWKS == nil && authn.BreakGlassUser == "":
		logger.Warn("dead-letter admin API disabled (no operator auth configured)")
	default:
		rateLimit := httpx.NewRedisRateLimiter(rdb,
			config.Int("ADMIN_RATE_LIMIT", 60), time.Minute, "relay-admin").
			Middleware(logger, true)

		adminMux := http.NewServeMux()
		admin.NewHandler(deadLetters, audit.NewRepository(pool), logger).Register(adminMux)
		mux.Handle("/v1/", httpx.Chain(adminMux,
			rateLimit,
			authn.Middleware(logger),
			httpx.WithBodyLimit(1<<20),
		))
	}

	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithTimeout(30*time.Second),
	)
	handler = otelhttp.NewHandler(handler, service)
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")
}

func splitList(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
