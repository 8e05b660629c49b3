package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/velocart/platform/common/broker"
	"github.com/velocart/platform/common/config"
	"github.com/velocart/platform/common/inbox"
	"github.com/velocart/platform/common/logger"
	"github.com/velocart/platform/common/metrics"
	"github.com/velocart/platform/common/tracing"
	"github.com/velocart/platform/discovery"
	"github.com/velocart/platform/discovery/consul"
	"github.com/velocart/platform/payments/processor"
)

var (
	serviceName = "payments"
	httpAddr    = config.GetEnv("HTTP_ADDR", "localhost:2003")
	consulAddr  = config.GetEnv("CONSUL_ADDR", "localhost:8500")
	amqpUser    = config.GetEnv("RABBITMQ_USER", "guest")
	amqpPass    = config.GetEnv("RABBITMQ_PASS", "guest")
	amqpHost    = config.GetEnv("RABBITMQ_HOST", "localhost")
	amqpPort    = config.GetEnv("RABBITMQ_PORT", "5672")

	stripeKey           = config.GetEnv("STRIPE_API_KEY", "")
	stripePaymentMethod = config.GetEnv("STRIPE_PAYMENT_METHOD", "pm_card_visa")
	inboxRetention      = config.GetEnvDuration("INBOX_RETENTION", 2*time.Hour)
)

func main() {
	log := logger.NewLogger(serviceName)

	shutdownTracer, err := tracing.InitTracer(serviceName)
	if err != nil {
		log.Error("failed to init tracer", "error", err)
		os.Exit(1)
	}
	defer shutdownTracer()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bizMetrics := metrics.NewBusinessMetrics(serviceName)

	bus, err := broker.ConnectAMQP(amqpUser, amqpPass, amqpHost, amqpPort, log, broker.AMQPOptions{
		DeadLetterCounter: bizMetrics.EventsDeadLettered,
	})
	if err != nil {
		log.Error("failed to connect to broker", "error", err)
		os.Exit(1)
	}
	defer bus.Close()

	var p processor.Processor
	if stripeKey != "" {
		p = processor.NewStripe(stripeKey, stripePaymentMethod)
		log.Info("using stripe processor")
	} else {
		p = processor.NewInmem()
		log.Warn("STRIPE_API_KEY not set, using in-memory processor")
	}

	svc := NewService(p, bus, log, bizMetrics)
	consumer := NewConsumer(svc, inbox.New(inboxRetention, 0), log, bizMetrics)
	if err := consumer.Start(ctx, bus); err != nil {
		log.Error("failed to start consumer", "error", err)
		os.Exit(1)
	}

	registry, err := consul.NewRegistry(consulAddr)
	if err != nil {
		log.Error("failed to connect to consul", "error", err)
		os.Exit(1)
	}
	instanceID := discovery.GenerateInstanceID(serviceName)
	if err := registry.Register(ctx, instanceID, serviceName, httpAddr); err != nil {
		log.Error("failed to register service", "error", err)
		os.Exit(1)
	}
	defer registry.Deregister(context.Background(), instanceID, serviceName)

	go func() {
		for {
			if err := registry.HealthCheck(instanceID, serviceName); err != nil {
				log.Error("health check failed", "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /actuator/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"UP"}`))
	})
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("GET /actuator/metrics", promhttp.Handler())

	server := &http.Server{Addr: httpAddr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Info("starting http server", "addr", httpAddr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("server stopped", "error", err)
		os.Exit(1)
	}
}
