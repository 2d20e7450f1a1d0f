package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	sghttp "github.com/specgate/specgate/internal/adapter/http"
	"github.com/specgate/specgate/internal/adapter/litellm"
	sgnats "github.com/specgate/specgate/internal/adapter/nats"
	"github.com/specgate/specgate/internal/adapter/natskv"
	sgotel "github.com/specgate/specgate/internal/adapter/otel"
	"github.com/specgate/specgate/internal/adapter/postgres"
	"github.com/specgate/specgate/internal/adapter/ristretto"
	"github.com/specgate/specgate/internal/adapter/tiered"
	"github.com/specgate/specgate/internal/adapter/ws"
	"github.com/specgate/specgate/internal/config"
	"github.com/specgate/specgate/internal/logger"
	"github.com/specgate/specgate/internal/middleware"
	"github.com/specgate/specgate/internal/resilience"
	"github.com/specgate/specgate/internal/service"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "admin" {
		if err := runAdmin(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
		return
	}

	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, logCloser := logger.NewWithCloser(cfg.Logging)
	slog.SetDefault(log)
	defer logCloser.Close()

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"dimensions", len(cfg.Gate.Dimensions),
		"call_budget", cfg.Gate.CallBudget,
	)

	ctx := context.Background()

	// --- Infrastructure ---

	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	slog.Info("postgres connected")

	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	slog.Info("migrations applied")

	queue, err := sgnats.Connect(ctx, cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	defer func() { _ = queue.Close() }()

	// Response cache: in-process L1 backed by a durable JetStream KV tier,
	// so re-audits of unchanged documents stay free across restarts.
	l1, err := ristretto.New(cfg.Cache.MaxSizeMB)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer l1.Close()

	kv, err := queue.ResponseBucket(ctx)
	if err != nil {
		return fmt.Errorf("response bucket: %w", err)
	}
	responseCache := tiered.New(l1, natskv.New(kv), cfg.Cache.L1Expire)

	breaker := resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout)
	llm := litellm.NewClient(cfg.Reviewer.URL, cfg.Reviewer.MasterKey)
	llm.SetBreaker(breaker)

	// --- Telemetry ---

	var metrics *sgotel.Metrics
	if cfg.Otel.Enabled {
		shutdown, err := sgotel.Init(ctx, cfg.Logging.Service, cfg.Otel.Endpoint)
		if err != nil {
			return fmt.Errorf("otel: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				slog.Error("otel shutdown", "error", err)
			}
		}()

		metrics, err = sgotel.NewMetrics()
		if err != nil {
			return fmt.Errorf("otel metrics: %w", err)
		}
	}

	// --- Services ---

	hub := ws.NewHub()
	store := postgres.NewStore(pool)

	dims := make([]string, 0, len(cfg.Gate.Dimensions))
	for _, d := range cfg.Gate.Dimensions {
		dims = append(dims, d.Name)
	}
	validator := service.NewValidator(dims, cfg.Gate.PassFloor)
	scheduler := service.NewScheduler(llm, responseCache, validator, cfg.Gate)

	var recorder service.MetricsRecorder
	if metrics != nil {
		recorder = metrics
	}
	gateSvc := service.NewGateService(store, queue, hub, scheduler, cfg.Gate, recorder)
	keySvc := service.NewAPIKeyService(store)

	// --- HTTP ---

	handlers := &sghttp.Handlers{Gates: gateSvc}

	r := chi.NewRouter()
	r.Use(sghttp.CORS(cfg.Server.CORSOrigin))
	r.Use(middleware.RequestID)
	r.Use(sghttp.Logger)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	if cfg.Otel.Enabled {
		r.Use(sgotel.HTTPMiddleware(cfg.Logging.Service))
	}
	r.Use(middleware.Auth(keySvc, cfg.Auth.Enabled))

	r.Get("/health", healthHandler(pool, llm, breaker, hub))
	r.Get("/ws", hub.HandleWS)
	sghttp.MountRoutes(r, handlers)

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
		}
	}()

	<-done
	slog.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}

// healthHandler reports database, reviewer proxy, and breaker health.
func healthHandler(pool interface {
	Ping(ctx context.Context) error
}, llm *litellm.Client, breaker *resilience.Breaker, hub *ws.Hub) http.HandlerFunc {
	type healthStatus struct {
		Status      string `json:"status"`
		Postgres    string `json:"postgres"`
		Reviewer    string `json:"reviewer"`
		Breaker     string `json:"breaker"`
		Connections int    `json:"ws_connections"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := healthStatus{
			Status:      "ok",
			Postgres:    "ok",
			Reviewer:    "ok",
			Breaker:     breaker.State(),
			Connections: hub.ConnectionCount(),
		}
		if err := pool.Ping(ctx); err != nil {
			status.Status = "degraded"
			status.Postgres = err.Error()
		}
		if ok, err := llm.Health(ctx); !ok {
			status.Status = "degraded"
			status.Reviewer = fmt.Sprintf("unreachable: %v", err)
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(status)
	}
}
