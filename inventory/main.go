package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/velocart/platform/common/broker"
	"github.com/velocart/platform/common/config"
	"github.com/velocart/platform/common/inbox"
	"github.com/velocart/platform/common/logger"
	"github.com/velocart/platform/common/metrics"
	"github.com/velocart/platform/common/tracing"
	"github.com/velocart/platform/discovery"
	"github.com/velocart/platform/discovery/consul"
	"github.com/velocart/platform/lock"
)

var (
	serviceName = "inventory"
	httpAddr    = config.GetEnv("HTTP_ADDR", "localhost:2002")
	consulAddr  = config.GetEnv("CONSUL_ADDR", "localhost:8500")
	amqpUser    = config.GetEnv("RABBITMQ_USER", "guest")
	amqpPass    = config.GetEnv("RABBITMQ_PASS", "guest")
	amqpHost    = config.GetEnv("RABBITMQ_HOST", "localhost")
	amqpPort    = config.GetEnv("RABBITMQ_PORT", "5672")

	postgresHost = config.GetEnv("POSTGRES_HOST", "localhost")
	postgresPort = config.GetEnv("POSTGRES_PORT", "5432")
	postgresUser = config.GetEnv("POSTGRES_USER", "inventory")
	postgresPass = config.GetEnv("POSTGRES_PASSWORD", "inventory123")
	postgresDB   = config.GetEnv("POSTGRES_DB", "inventory")

	redisAddr = config.GetEnv("REDIS_ADDR", "localhost:6379")

	defaultTTL     = config.GetEnvDuration("RESERVATION_TTL", 15*time.Minute)
	maxTTL         = config.GetEnvDuration("RESERVATION_MAX_TTL", time.Hour)
	sweepInterval  = config.GetEnvDuration("SWEEP_INTERVAL", time.Minute)
	relayInterval  = config.GetEnvDuration("OUTBOX_RELAY_INTERVAL", 200*time.Millisecond)
	cacheTTL       = config.GetEnvDuration("STOCK_CACHE_TTL", 30*time.Second)
	inboxRetention = config.GetEnvDuration("INBOX_RETENTION", 2*time.Hour)

	lockWaitBudget  = config.GetEnvDuration("LOCK_WAIT_BUDGET", 3*time.Second)
	lockLease       = config.GetEnvDuration("LOCK_LEASE", 10*time.Second)
	lockWatchdogOff = !config.GetEnvBool("LOCK_WATCHDOG", true)
	lockFair        = config.GetEnvBool("LOCK_FAIR", true)
)

func main() {
	zlog, _ := zap.NewProduction()
	defer zlog.Sync()
	zap.ReplaceGlobals(zlog)

	slogger := logger.NewLogger(serviceName)

	shutdownTracer, err := tracing.InitTracer(serviceName)
	if err != nil {
		zlog.Fatal("failed to init tracer", zap.Error(err))
	}
	defer shutdownTracer()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		postgresUser, postgresPass, postgresHost, postgresPort, postgresDB)
	store, err := NewPostgresStore(connStr)
	if err != nil {
		zlog.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer store.Close()
	zlog.Info("connected to postgres", zap.String("database", postgresDB))

	redisClient := redis.NewClient(&redis.Options{Addr: redisAddr})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		cancel()
		zlog.Fatal("failed to connect to redis", zap.Error(err))
	}
	cancel()
	defer redisClient.Close()
	zlog.Info("connected to redis", zap.String("addr", redisAddr))

	// Local mutex first, then the cluster lease: in-process contenders queue
	// cheaply instead of hammering Redis.
	locker := lock.Chain(
		lock.NewLocalLocker(lock.LocalOptions{WaitBudget: lockWaitBudget, Fair: lockFair}),
		lock.NewRedisLocker(redisClient, lock.RedisOptions{
			WaitBudget:       lockWaitBudget,
			Lease:            lockLease,
			WatchdogDisabled: lockWatchdogOff,
		}),
	)

	httpMetrics := metrics.NewHTTPMetrics(serviceName)
	bizMetrics := metrics.NewBusinessMetrics(serviceName)

	bus, err := broker.ConnectAMQP(amqpUser, amqpPass, amqpHost, amqpPort, slogger, broker.AMQPOptions{
		DeadLetterCounter: bizMetrics.EventsDeadLettered,
	})
	if err != nil {
		zlog.Fatal("failed to connect to broker", zap.Error(err))
	}
	defer bus.Close()

	svc := NewService(store, locker, zlog, bizMetrics, ServiceOptions{
		DefaultTTL: defaultTTL,
		MaxTTL:     maxTTL,
		Cache:      NewLevelCache(redisClient, cacheTTL),
	})

	consumer := NewConsumer(svc, store, inbox.New(inboxRetention, 0), zlog, bizMetrics)
	if err := consumer.Start(ctx, bus); err != nil {
		zlog.Fatal("failed to start consumer", zap.Error(err))
	}

	go NewRelay(store, bus, zlog, relayInterval).Run(ctx)
	go NewSweeper(svc, store, zlog, sweepInterval).Run(ctx)

	registry, err := consul.NewRegistry(consulAddr)
	if err != nil {
		zlog.Fatal("failed to connect to consul", zap.Error(err))
	}
	instanceID := discovery.GenerateInstanceID(serviceName)
	if err := registry.Register(ctx, instanceID, serviceName, httpAddr); err != nil {
		zlog.Fatal("failed to register service", zap.Error(err))
	}
	defer registry.Deregister(context.Background(), instanceID, serviceName)

	go func() {
		for {
			if err := registry.HealthCheck(instanceID, serviceName); err != nil {
				zlog.Error("health check failed", zap.Error(err))
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}()

	mux := http.NewServeMux()
	NewHandler(svc, zlog, httpMetrics).registerRoutes(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("GET /actuator/metrics", promhttp.Handler())

	server := &http.Server{Addr: httpAddr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	zlog.Info("starting http server", zap.String("addr", httpAddr))
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		zlog.Fatal("failed to serve", zap.Error(err))
	}
}
