package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/relayboard/internal/board"
)

func TestIntEnvParsesValue(t *testing.T) {
	t.Setenv("RELAYBOARD_TEST_INT", "42")
	if got := intEnv("RELAYBOARD_TEST_INT", 7); got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
}

func TestIntEnvFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("RELAYBOARD_TEST_INT_BAD", "not-a-number")
	if got := intEnv("RELAYBOARD_TEST_INT_BAD", 7); got != 7 {
		t.Fatalf("expected fallback 7, got %d", got)
	}
}

func TestDurationEnvParsesValue(t *testing.T) {
	t.Setenv("RELAYBOARD_TEST_DURATION", "150ms")
	if got := durationEnv("RELAYBOARD_TEST_DURATION", time.Second); got != 150*time.Millisecond {
		t.Fatalf("expected 150ms, got %s", got)
	}
}

func TestDurationEnvFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("RELAYBOARD_TEST_DURATION_BAD", "soon")
	if got := durationEnv("RELAYBOARD_TEST_DURATION_BAD", 2*time.Second); got != 2*time.Second {
		t.Fatalf("expected fallback 2s, got %s", got)
	}
}

func TestEnvHelpersUseFallbackWhenUnset(t *testing.T) {
	_ = os.Unsetenv("RELAYBOARD_TEST_INT_UNSET")
	_ = os.Unsetenv("RELAYBOARD_TEST_INT64_UNSET")

	if got := intEnv("RELAYBOARD_TEST_INT_UNSET", 9); got != 9 {
		t.Fatalf("expected fallback 9, got %d", got)
	}
	if got := int64Env("RELAYBOARD_TEST_INT64_UNSET", 1<<20); got != 1<<20 {
		t.Fatalf("expected fallback 1MiB, got %d", got)
	}
	if got := envOrDefault("RELAYBOARD_TEST_STRING_UNSET", "x"); got != "x" {
		t.Fatalf("expected fallback x, got %q", got)
	}
}

func TestListEnvSplitsAndTrims(t *testing.T) {
	t.Setenv("RELAYBOARD_TEST_LIST", " https://a.example , ,https://b.example")
	got := listEnv("RELAYBOARD_TEST_LIST")
	if len(got) != 2 || got[0] != "https://a.example" || got[1] != "https://b.example" {
		t.Fatalf("unexpected list %v", got)
	}
}

func TestStorageProfileDefaults(t *testing.T) {
	t.Setenv("RELAYBOARD_BACKEND_PROFILE", "memory")
	defaults, err := storageProfileDefaultsFromEnv()
	if err != nil {
		t.Fatalf("memory profile: %v", err)
	}
	if defaults.stateDSN != "memory://" || defaults.busDSN != "memory://" {
		t.Fatalf("unexpected memory defaults %+v", defaults)
	}

	dir := t.TempDir()
	t.Setenv("RELAYBOARD_BACKEND_PROFILE", "durable-local")
	t.Setenv("RELAYBOARD_DATA_DIR", dir)
	defaults, err = storageProfileDefaultsFromEnv()
	if err != nil {
		t.Fatalf("durable-local profile: %v", err)
	}
	if defaults.stateDSN != "sqlite://"+filepath.Join(dir, "relayboard.db") {
		t.Fatalf("unexpected durable state dsn %q", defaults.stateDSN)
	}

	t.Setenv("RELAYBOARD_BACKEND_PROFILE", "production")
	t.Setenv("RELAYBOARD_POSTGRES_DSN", "")
	t.Setenv("RELAYBOARD_REDIS_URL", "")
	if _, err := storageProfileDefaultsFromEnv(); err == nil || !strings.Contains(err.Error(), "RELAYBOARD_POSTGRES_DSN") {
		t.Fatalf("expected production profile to require dsns, got %v", err)
	}

	t.Setenv("RELAYBOARD_BACKEND_PROFILE", "cloud")
	if _, err := storageProfileDefaultsFromEnv(); err == nil {
		t.Fatalf("expected unsupported profile error")
	}
}

func TestBuildBackendsFromMemoryProfile(t *testing.T) {
	t.Setenv("RELAYBOARD_BACKEND_PROFILE", "memory")
	t.Setenv("RELAYBOARD_STATE_BACKEND_DSN", "")
	t.Setenv("RELAYBOARD_STATE_FILE", "")
	t.Setenv("RELAYBOARD_EVENT_BUS_DSN", "")
	t.Setenv("RELAYBOARD_SESSION_STORE_DSN", "")
	t.Setenv("RELAYBOARD_REDIS_URL", "")

	backends, err := buildBackendsFromEnv()
	if err != nil {
		t.Fatalf("build backends: %v", err)
	}
	defer backends.bus.Close()
	defer backends.sessions.Close()

	if _, ok := backends.state.(*board.InMemoryStateBackend); !ok {
		t.Fatalf("expected in-memory state backend, got %T", backends.state)
	}
	if _, ok := backends.bus.(*board.InMemoryEventBus); !ok {
		t.Fatalf("expected in-memory event bus, got %T", backends.bus)
	}
	if _, ok := backends.sessions.(*board.InMemorySessionStore); !ok {
		t.Fatalf("expected in-memory session store, got %T", backends.sessions)
	}
}

func TestBuildBackendsRejectsUnknownBus(t *testing.T) {
	t.Setenv("RELAYBOARD_BACKEND_PROFILE", "")
	t.Setenv("RELAYBOARD_STATE_BACKEND_DSN", "")
	t.Setenv("RELAYBOARD_STATE_FILE", "")
	t.Setenv("RELAYBOARD_REDIS_URL", "")
	t.Setenv("RELAYBOARD_EVENT_BUS_DSN", "amqp://localhost")

	if _, err := buildBackendsFromEnv(); err == nil || !strings.Contains(err.Error(), "event bus") {
		t.Fatalf("expected event bus error, got %v", err)
	}
}

func TestNewLoggerHonoursFormatAndLevel(t *testing.T) {
	logger := newLogger("json", "debug")
	if logger.GetLevel().String() != "debug" {
		t.Fatalf("expected debug level, got %s", logger.GetLevel())
	}
	if _, ok := logger.Formatter.(*logrus.JSONFormatter); !ok {
		t.Fatalf("expected json formatter, got %T", logger.Formatter)
	}
	if _, ok := newLogger("", "bogus").Formatter.(*logrus.TextFormatter); !ok {
		t.Fatalf("expected text formatter by default")
	}
}
