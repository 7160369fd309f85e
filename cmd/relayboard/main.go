package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/agentworkforce/relayboard/internal/board"
	"github.com/agentworkforce/relayboard/internal/httpapi"
)

func main() {
	logger := newLogger(os.Getenv("RELAYBOARD_LOG_FORMAT"), os.Getenv("RELAYBOARD_LOG_LEVEL"))
	log := logger.WithField("component", "relayboard")

	addr := envOrDefault("RELAYBOARD_ADDR", ":8080")
	backends, err := buildBackendsFromEnv()
	if err != nil {
		log.WithError(err).Fatal("failed to initialize backends")
	}

	store := board.NewStoreWithOptions(board.StoreOptions{
		StateBackend:       backends.state,
		StateFile:          strings.TrimSpace(os.Getenv("RELAYBOARD_STATE_FILE")),
		EventBus:           backends.bus,
		BackendProfile:     strings.TrimSpace(os.Getenv("RELAYBOARD_BACKEND_PROFILE")),
		MaxEventsPerTeam:   intEnv("RELAYBOARD_MAX_EVENTS_PER_TEAM", 0),
		MaxIdempotencyKeys: intEnv("RELAYBOARD_MAX_IDEMPOTENCY_KEYS", 0),
		Logger:             logger.WithField("component", "store"),
	})
	defer store.Close()
	if backends.sessions != nil {
		defer backends.sessions.Close()
	}

	handler := httpapi.NewServerWithConfig(store, httpapi.ServerConfig{
		JWTSecret:          os.Getenv("RELAYBOARD_JWT_SECRET"),
		InternalHMACSecret: os.Getenv("RELAYBOARD_INTERNAL_HMAC_SECRET"),
		InternalMaxSkew:    durationEnv("RELAYBOARD_INTERNAL_MAX_SKEW", 5*time.Minute),
		AccessTokenTTL:     durationEnv("RELAYBOARD_ACCESS_TOKEN_TTL", 15*time.Minute),
		RefreshTokenTTL:    durationEnv("RELAYBOARD_REFRESH_TOKEN_TTL", 30*24*time.Hour),
		RateLimitMax:       intEnv("RELAYBOARD_RATE_LIMIT_MAX", 0),
		RateLimitWindow:    durationEnv("RELAYBOARD_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:       int64Env("RELAYBOARD_MAX_BODY_BYTES", 0),
		PingInterval:       durationEnv("RELAYBOARD_WS_PING_INTERVAL", 30*time.Second),
		AllowedOrigins:     listEnv("RELAYBOARD_ALLOWED_ORIGINS"),
		Sessions:           backends.sessions,
		Logger:             logger.WithField("component", "httpapi"),
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", addr).Info("relayboard listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server failed")
		}
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), durationEnv("RELAYBOARD_SHUTDOWN_TIMEOUT", 10*time.Second))
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("graceful shutdown incomplete")
		}
	}
}

func newLogger(format, level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	if parsed, err := logrus.ParseLevel(strings.TrimSpace(level)); err == nil {
		logger.SetLevel(parsed)
	}
	return logger
}

type backendSet struct {
	state    board.StateBackend
	bus      board.EventBus
	sessions board.SessionStore
}

func buildBackendsFromEnv() (backendSet, error) {
	profile, err := storageProfileDefaultsFromEnv()
	if err != nil {
		return backendSet{}, err
	}
	var out backendSet

	stateDSN := firstNonEmpty(
		os.Getenv("RELAYBOARD_STATE_BACKEND_DSN"),
		os.Getenv("RELAYBOARD_STATE_FILE"),
		profile.stateDSN,
	)
	if stateDSN != "" {
		if out.state, err = board.BuildStateBackendFromDSN(stateDSN); err != nil {
			return backendSet{}, fmt.Errorf("state backend: %w", err)
		}
	}

	redisURL := strings.TrimSpace(os.Getenv("RELAYBOARD_REDIS_URL"))
	busDSN := firstNonEmpty(os.Getenv("RELAYBOARD_EVENT_BUS_DSN"), redisURL, profile.busDSN)
	if busDSN != "" {
		if out.bus, err = board.BuildEventBusFromDSN(busDSN); err != nil {
			return backendSet{}, fmt.Errorf("event bus: %w", err)
		}
	}

	sessionDSN := firstNonEmpty(os.Getenv("RELAYBOARD_SESSION_STORE_DSN"), redisURL, profile.sessionDSN)
	if sessionDSN != "" {
		if out.sessions, err = board.BuildSessionStoreFromDSN(sessionDSN); err != nil {
			if out.bus != nil {
				_ = out.bus.Close()
			}
			return backendSet{}, fmt.Errorf("session store: %w", err)
		}
	}
	return out, nil
}

type profileDefaults struct {
	stateDSN   string
	busDSN     string
	sessionDSN string
}

func storageProfileDefaultsFromEnv() (profileDefaults, error) {
	profile := strings.ToLower(strings.TrimSpace(os.Getenv("RELAYBOARD_BACKEND_PROFILE")))
	dataDir := envOrDefault("RELAYBOARD_DATA_DIR", ".relayboard")
	switch profile {
	case "", "custom":
		return profileDefaults{}, nil
	case "memory", "inmemory":
		return profileDefaults{stateDSN: "memory://", busDSN: "memory://", sessionDSN: "memory://"}, nil
	case "durable-local", "local-durable":
		return profileDefaults{
			stateDSN:   "sqlite://" + filepath.Join(dataDir, "relayboard.db"),
			busDSN:     "memory://",
			sessionDSN: "memory://",
		}, nil
	case "production", "prod":
		postgresDSN := strings.TrimSpace(os.Getenv("RELAYBOARD_POSTGRES_DSN"))
		redisURL := strings.TrimSpace(os.Getenv("RELAYBOARD_REDIS_URL"))
		if postgresDSN == "" || redisURL == "" {
			return profileDefaults{}, fmt.Errorf("RELAYBOARD_POSTGRES_DSN and RELAYBOARD_REDIS_URL are required when RELAYBOARD_BACKEND_PROFILE=%s", profile)
		}
		return profileDefaults{stateDSN: postgresDSN, busDSN: redisURL, sessionDSN: redisURL}, nil
	default:
		return profileDefaults{}, fmt.Errorf("unsupported RELAYBOARD_BACKEND_PROFILE: %s", profile)
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func listEnv(name string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(name), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func intEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		logrus.Warnf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		logrus.Warnf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		logrus.Warnf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
