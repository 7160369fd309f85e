package board

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestBuildStateBackendFromDSNMemory(t *testing.T) {
	backend, err := BuildStateBackendFromDSN("memory://")
	if err != nil {
		t.Fatalf("build state backend failed: %v", err)
	}
	if err := backend.Save(&persistedState{ItemCounter: 3}); err != nil {
		t.Fatalf("memory backend save failed: %v", err)
	}
	snapshot, err := backend.Load()
	if err != nil {
		t.Fatalf("memory backend load failed: %v", err)
	}
	if snapshot == nil || snapshot.ItemCounter != 3 {
		t.Fatalf("expected itemCounter 3, got %+v", snapshot)
	}
}

func TestBuildStateBackendFromDSNFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state-backend.json")
	backend, err := BuildStateBackendFromDSN("file://" + path)
	if err != nil {
		t.Fatalf("build file state backend failed: %v", err)
	}
	if err := backend.Save(&persistedState{ItemCounter: 7}); err != nil {
		t.Fatalf("file backend save failed: %v", err)
	}
	snapshot, err := backend.Load()
	if err != nil {
		t.Fatalf("file backend load failed: %v", err)
	}
	if snapshot == nil || snapshot.ItemCounter != 7 {
		t.Fatalf("expected itemCounter 7, got %+v", snapshot)
	}
}

func TestSQLiteStateBackendRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "board.db")
	backend, err := BuildStateBackendFromDSN("sqlite://" + path)
	if err != nil {
		t.Fatalf("build sqlite state backend failed: %v", err)
	}
	sqlBackend, ok := backend.(*SQLStateBackend)
	if !ok || sqlBackend.Driver() != "sqlite3" {
		t.Fatalf("expected sqlite3 SQLStateBackend, got %T", backend)
	}
	t.Cleanup(func() { _ = sqlBackend.Close() })

	snapshot, err := backend.Load()
	if err != nil {
		t.Fatalf("initial load failed: %v", err)
	}
	if snapshot != nil {
		t.Fatalf("expected nil initial snapshot, got %+v", snapshot)
	}
	if err := backend.Save(&persistedState{ItemCounter: 4, EventCounter: 9}); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if err := backend.Save(&persistedState{ItemCounter: 5, EventCounter: 10}); err != nil {
		t.Fatalf("second save failed: %v", err)
	}
	snapshot, err = backend.Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if snapshot == nil || snapshot.ItemCounter != 5 || snapshot.EventCounter != 10 {
		t.Fatalf("expected upserted counters, got %+v", snapshot)
	}
}

func TestStoreWithSQLiteBackendSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "board.db")
	backend, err := NewSQLiteStateBackend(path)
	if err != nil {
		t.Fatalf("new sqlite backend: %v", err)
	}
	first := NewStoreWithOptions(StoreOptions{StateBackend: backend})
	item := mustCreate(t, first, "Durable")
	first.Close()

	reopened, err := NewSQLiteStateBackend(path)
	if err != nil {
		t.Fatalf("reopen sqlite backend: %v", err)
	}
	second := newTestStore(t, StoreOptions{StateBackend: reopened})
	if _, err := second.GetItem("team_1", item.ID); err != nil {
		t.Fatalf("expected item to survive restart: %v", err)
	}
}

func TestBuildStateBackendFromDSNUnsupported(t *testing.T) {
	backend, err := BuildStateBackendFromDSN("postgres://localhost/relayboard?sslmode=disable")
	if err != nil {
		t.Fatalf("expected postgres state backend to be available, got %v", err)
	}
	if backend == nil {
		t.Fatalf("expected non-nil postgres state backend")
	}
	if _, err := BuildStateBackendFromDSN("mysql://localhost/relayboard"); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected not implemented error for mysql state backend, got %v", err)
	}
	if _, err := BuildStateBackendFromDSN("ftp://somewhere"); err == nil {
		t.Fatalf("expected unsupported scheme error")
	}
}

func TestRegisterStateBackendFactory(t *testing.T) {
	scheme := "statetestcustom"
	RegisterStateBackendFactory(scheme, func(dsn string) (StateBackend, error) {
		return NewInMemoryStateBackend(), nil
	})
	backend, err := BuildStateBackendFromDSN(scheme + "://example")
	if err != nil {
		t.Fatalf("build state backend via registered factory failed: %v", err)
	}
	if _, ok := backend.(*InMemoryStateBackend); !ok {
		t.Fatalf("expected registered factory to be used, got %T", backend)
	}
}

func TestRegisterEventBusFactory(t *testing.T) {
	scheme := "bustestcustom"
	custom := NewInMemoryEventBus()
	RegisterEventBusFactory(scheme, func(dsn string) (EventBus, error) {
		return custom, nil
	})
	bus, err := BuildEventBusFromDSN(scheme + "://example")
	if err != nil {
		t.Fatalf("build event bus via registered factory failed: %v", err)
	}
	if bus != custom {
		t.Fatalf("expected registered event bus")
	}
}

func TestRegisterSessionStoreFactory(t *testing.T) {
	scheme := "SessionTestCustom"
	custom := NewInMemorySessionStore()
	RegisterSessionStoreFactory(scheme, func(dsn string) (SessionStore, error) {
		return custom, nil
	})
	RegisterSessionStoreFactory("ignoredscheme", nil)

	store, err := BuildSessionStoreFromDSN("sessiontestcustom://example")
	if err != nil {
		t.Fatalf("build session store via registered factory failed: %v", err)
	}
	if store != custom {
		t.Fatalf("expected registered session store, got %T", store)
	}
	if _, err := BuildSessionStoreFromDSN("ignoredscheme://example"); err == nil {
		t.Fatalf("expected nil factory to be ignored and the scheme rejected")
	}
}
