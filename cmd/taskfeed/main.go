package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/teamnotes/taskfeed/internal/httpapi"
	"github.com/teamnotes/taskfeed/internal/taskfeed"
	"github.com/teamnotes/taskfeed/internal/telemetry"
)

func main() {
	// .env is a dev convenience; absence is not an error
	_ = godotenv.Load()

	addr := os.Getenv("TASKFEED_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	logger := log.New(os.Stderr, "taskfeed ", log.LstdFlags)

	tracker := taskfeed.NewConnTracker(intEnv("TASKFEED_OFFLINE_AFTER", 3), logger)
	source, err := buildSourceFromEnv(tracker, logger)
	if err != nil {
		log.Fatalf("failed to initialize subscription source: %v", err)
	}

	registry := prometheus.NewRegistry()
	metrics := telemetry.New(registry)

	manager, err := taskfeed.NewManager(taskfeed.SessionOptions{
		Source:      source,
		QuietPeriod: durationEnv("TASKFEED_QUIET_PERIOD", 250*time.Millisecond),
		Retry: taskfeed.RetryPolicy{
			MaxAttempts: intEnv("TASKFEED_RETRY_MAX_ATTEMPTS", 3),
			BaseDelay:   durationEnv("TASKFEED_RETRY_BASE_DELAY", 100*time.Millisecond),
			MaxDelay:    durationEnv("TASKFEED_RETRY_MAX_DELAY", 2*time.Second),
		},
		PerAttemptTimeout: durationEnv("TASKFEED_FETCH_TIMEOUT", 5*time.Second),
		MaxTeams:          intEnv("TASKFEED_MAX_TEAMS", 50),
		Tracker:           tracker,
		Logger:            logger,
		Metrics:           metrics,
	})
	if err != nil {
		log.Fatalf("failed to initialize session manager: %v", err)
	}

	if watchFile := strings.TrimSpace(os.Getenv("TASKFEED_WATCH_FILE")); watchFile != "" {
		cfg, err := loadWatchConfig(watchFile)
		if err != nil {
			log.Fatalf("failed to load watch config %s: %v", watchFile, err)
		}
		for _, ownerID := range cfg.Owners {
			if _, err := manager.Watch(context.Background(), ownerID); err != nil {
				log.Fatalf("failed to start watch for %s: %v", ownerID, err)
			}
			logger.Printf("watching %s", ownerID)
		}
	}

	server := httpapi.NewServerWithConfig(manager, httpapi.ServerConfig{
		JWTSecret:       os.Getenv("TASKFEED_JWT_SECRET"),
		RateLimitMax:    intEnv("TASKFEED_RATE_LIMIT_MAX", 0),
		RateLimitWindow: durationEnv("TASKFEED_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:    int64Env("TASKFEED_MAX_BODY_BYTES", 0),
		Registry:        registry,
	}, logger)

	httpServer := &http.Server{Addr: addr, Handler: server}
	errCh := make(chan error, 1)
	go func() {
		logger.Printf("listening on %s", addr)
		errCh <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Printf("received %s, shutting down", sig)
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server failed: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	manager.Close()
	if closer, ok := source.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
}

// buildSourceFromEnv resolves the subscription source, either from an
// explicit DSN or a named profile.
func buildSourceFromEnv(tracker *taskfeed.ConnTracker, logger taskfeed.Logger) (taskfeed.Source, error) {
	if dsn := strings.TrimSpace(os.Getenv("TASKFEED_SOURCE_DSN")); dsn != "" {
		return taskfeed.BuildSourceFromDSN(dsn, tracker, logger)
	}
	profile := strings.ToLower(strings.TrimSpace(os.Getenv("TASKFEED_SOURCE_PROFILE")))
	dataDir := strings.TrimSpace(os.Getenv("TASKFEED_DATA_DIR"))
	if dataDir == "" {
		dataDir = ".taskfeed"
	}
	switch profile {
	case "", "memory", "inmemory":
		return taskfeed.NewMemorySource(), nil
	case "fixtures", "file":
		return taskfeed.NewFileSource(dataDir, logger)
	case "production", "prod":
		dsn := strings.TrimSpace(os.Getenv("TASKFEED_POSTGRES_DSN"))
		if dsn == "" {
			return nil, errors.New("TASKFEED_POSTGRES_DSN is required when TASKFEED_SOURCE_PROFILE=production")
		}
		return taskfeed.NewPostgresSource(dsn, tracker, logger)
	default:
		return nil, errors.New("unsupported TASKFEED_SOURCE_PROFILE: " + profile)
	}
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
