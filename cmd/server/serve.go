package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/cart-inception/Yohan-Interface/internal/api"
	"github.com/cart-inception/Yohan-Interface/internal/calendar"
	"github.com/cart-inception/Yohan-Interface/internal/chat"
	"github.com/cart-inception/Yohan-Interface/internal/comms"
	"github.com/cart-inception/Yohan-Interface/internal/config"
	"github.com/cart-inception/Yohan-Interface/internal/identity"
	"github.com/cart-inception/Yohan-Interface/internal/llm"
	"github.com/cart-inception/Yohan-Interface/internal/metrics"
	"github.com/cart-inception/Yohan-Interface/internal/middleware"
	"github.com/cart-inception/Yohan-Interface/internal/probe"
	"github.com/cart-inception/Yohan-Interface/internal/situation"
	"github.com/cart-inception/Yohan-Interface/internal/store"
	"github.com/cart-inception/Yohan-Interface/internal/weather"
)

const shutdownTimeout = 10 * time.Second

func runServe(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	logger.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "llm_provider", cfg.LLM.Provider)

	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		logger.Error("Failed to initialize database", "error", err)
		return err
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			logger.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(parent); err != nil {
		logger.Error("Database health check failed", "error", err)
		return err
	}
	logger.Info("Database connected", "path", cfg.DBPath)

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(promReg)

	registry := comms.NewRegistry(logger, comms.WithMetrics(m))
	monitor := comms.NewHeartbeatMonitor(registry, comms.HeartbeatConfig{
		Interval: cfg.Heartbeat.Interval,
		Timeout:  cfg.Heartbeat.Timeout,
	}, m, logger)

	weatherSrc, calendarSrc := contextSources(cfg, logger)
	aggregator := situation.NewAggregator(weatherSrc, calendarSrc, situation.Config{
		WeatherTimeout:  cfg.Weather.Timeout,
		CalendarTimeout: cfg.Calendar.Timeout,
		Location:        cfg.Weather.Location,
	}, m, logger)

	generator := llm.NewClient(newBackend(cfg, logger), llm.Config{
		Model:             cfg.LLM.Model,
		MaxTokens:         cfg.LLM.MaxTokens,
		Temperature:       float32(cfg.LLM.Temperature),
		RequestsPerMinute: cfg.LLM.RequestsPerMinute,
		RetryAttempts:     cfg.LLM.RetryAttempts,
		RetryBaseDelay:    cfg.LLM.RetryBaseDelay,
		HistoryTurns:      cfg.LLM.HistoryTurns,
	}, m, logger)

	pipeline := chat.NewPipeline(chat.Deps{
		Outbound:  registry,
		Heartbeat: monitor,
		Store:     repo,
		Context:   aggregator,
		Generator: generator,
		Metrics:   m,
		Logger:    logger,
	}, chat.Config{
		HistoryWindow: cfg.Chat.HistoryWindow,
		FrameRate:     cfg.Chat.FrameRate,
		FrameBurst:    cfg.Chat.FrameBurst,
	})

	wsHandler := comms.NewHandler(registry, monitor, pipeline, cfg.FrontendURL, cfg.IsDevelopment(), logger)
	apiHandler := api.NewHandler(api.Deps{
		Repo:        repo,
		Connections: registry,
		Heartbeat:   monitor,
		Context:     aggregator,
		Weather:     weatherSrc,
		Calendar:    calendarSrc,
		Generator:   generator,
		Logger:      logger,
	})

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(middleware.Origins(cfg.FrontendURL)))
	r.Use(identity.Middleware)

	apiHandler.RegisterRoutes(r)
	r.Handle("/metrics", m.Handler())
	r.Get("/ws/comms", wsHandler.ServeHTTP)

	// WebSocket connections are long-lived, so there is no WriteTimeout.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	monitor.Start(ctx)
	chat.StartRetentionWorker(ctx, repo, cfg.Chat.RetentionInterval, cfg.Chat.SessionIdleTTL, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if cfg.GRPCHealthPort != "" {
		hp := probe.New(repo, monitor, 0, logger)
		g.Go(func() error {
			return hp.ListenAndServe(gctx, net.JoinHostPort("", cfg.GRPCHealthPort))
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		monitor.Stop()
		registry.CloseAll("server shutting down")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Server stopped with error", "error", err)
		return err
	}
	logger.Info("Server stopped successfully")
	return nil
}

// contextSources builds the weather and calendar fetchers. A source without
// credentials or a feed URL is left nil.
func contextSources(cfg *config.Config, logger *slog.Logger) (situation.WeatherSource, situation.CalendarSource) {
	var w situation.WeatherSource
	if cfg.Weather.APIKey != "" {
		w = weather.NewClient(weather.Config{
			APIKey:   cfg.Weather.APIKey,
			BaseURL:  cfg.Weather.BaseURL,
			Default:  weather.Coordinates{Lat: cfg.Weather.Lat, Lon: cfg.Weather.Lon},
			Location: cfg.Weather.Location,
		}, logger)
	} else {
		logger.Warn("Weather API key not set, weather context disabled")
	}

	var c situation.CalendarSource
	if cfg.Calendar.ICSURL != "" {
		c = calendar.NewClient(cfg.Calendar.ICSURL, 0, logger)
	} else {
		logger.Warn("Calendar feed URL not set, calendar context disabled")
	}
	return w, c
}

func newBackend(cfg *config.Config, logger *slog.Logger) llm.Backend {
	key := cfg.LLMAPIKey()
	if key == "" {
		logger.Warn("LLM API key not set, generation requests will fail", "provider", cfg.LLM.Provider)
	}
	if cfg.LLM.Provider == config.ProviderOpenAI {
		return llm.NewOpenAIBackend(key, cfg.LLM.BaseURL, cfg.LLM.RequestTimeout, logger)
	}
	return llm.NewAnthropicBackend(key, cfg.LLM.BaseURL, cfg.LLM.RequestTimeout, logger)
}
