package main

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/velocart/platform/common/logger"
	"github.com/velocart/platform/common/metrics"
	"github.com/velocart/platform/discovery"
	"github.com/velocart/platform/discovery/consul"
	"github.com/velocart/platform/discovery/inmem"
)

type App struct {
	registry     discovery.Registry
	httpServer   *http.Server
	registration *ServiceRegistration
	config       Config
	logger       *slog.Logger
}

func NewApp(config Config) (*App, error) {
	log := logger.NewLogger(config.ServiceName)

	registry, err := createRegistry(config.ConsulAddr, log)
	if err != nil {
		return nil, err
	}

	return &App{
		registry: registry,
		config:   config,
		logger:   log,
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	if err := godotenv.Load(); err != nil {
		a.logger.Info("no .env file found, using defaults")
	}

	registration, err := RegisterService(
		ctx,
		a.registry,
		a.config.InstanceID,
		a.config.ServiceName,
		a.config.HTTPAddr,
	)
	if err != nil {
		return err
	}
	a.registration = registration

	httpMetrics := metrics.NewHTTPMetrics(a.config.ServiceName)
	pipeMetrics := metrics.NewPipelineMetrics(a.config.ServiceName)

	limiter := a.createLimiter()
	auth := NewAuthenticator(a.config)
	proxy := NewProxy(discovery.NewBalancer(a.registry), a.config.Retry, pipeMetrics, a.logger)
	gateway := NewGateway(a.config, auth, limiter, proxy, httpMetrics, pipeMetrics, a.logger)

	mux := http.NewServeMux()
	mux.Handle("/api/", gateway)
	mux.HandleFunc("/fallback/{service}", func(w http.ResponseWriter, r *http.Request) {
		proxy.serveFallback(w, r, r.PathValue("service"))
	})
	mux.HandleFunc("GET /actuator/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"UP"}`))
	})
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("GET /actuator/metrics", promhttp.Handler())

	a.httpServer = &http.Server{
		Addr:    a.config.HTTPAddr,
		Handler: a.corsMiddleware(mux),
	}

	a.logger.Info("starting http server", slog.String("addr", a.config.HTTPAddr))
	return a.httpServer.ListenAndServe()
}

func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down gracefully")

	if a.httpServer != nil {
		if err := a.httpServer.Shutdown(ctx); err != nil {
			a.logger.Error("http server shutdown error", slog.Any("error", err))
		}
	}

	if a.registration != nil {
		return a.registration.Deregister(ctx)
	}
	return nil
}

func createRegistry(addr string, log *slog.Logger) (discovery.Registry, error) {
	if addr == "" {
		log.Warn("consul address not provided, using in-memory registry")
		return inmem.NewRegistry(), nil
	}
	return consul.NewRegistry(addr)
}

// createLimiter prefers the Redis bucket so all gateway instances drain
// one shared bucket per identity; without Redis limits apply per instance.
func (a *App) createLimiter() Limiter {
	if a.config.RedisAddr == "" {
		a.logger.Warn("redis address not provided, rate limits apply per instance")
		return NewLocalLimiter()
	}
	client := redis.NewClient(&redis.Options{Addr: a.config.RedisAddr})
	return NewRedisLimiter(client)
}

// responseRecorder wraps http.ResponseWriter to capture the status code
// for metrics.
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *responseRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}

// corsMiddleware answers preflights and sets CORS headers for the
// configured frontend origins.
func (a *App) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		for _, allowed := range a.config.CORSOrigins {
			if origin == allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				break
			}
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key, X-Correlation-ID")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
