package board

import (
	"strings"
	"sync"
)

type StateBackendFactory func(dsn string) (StateBackend, error)
type EventBusFactory func(dsn string) (EventBus, error)
type SessionStoreFactory func(dsn string) (SessionStore, error)

// factoryRegistry maps DSN schemes to constructors. Registered schemes take
// precedence over the built-in ones.
type factoryRegistry[F any] struct {
	mu        sync.RWMutex
	factories map[string]F
}

func (r *factoryRegistry[F]) register(scheme string, factory F, isNil bool) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || isNil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.factories == nil {
		r.factories = map[string]F{}
	}
	r.factories[scheme] = factory
}

func (r *factoryRegistry[F]) lookup(scheme string) (F, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	factory, ok := r.factories[normalizeBackendScheme(scheme)]
	return factory, ok
}

var (
	stateFactories   factoryRegistry[StateBackendFactory]
	busFactories     factoryRegistry[EventBusFactory]
	sessionFactories factoryRegistry[SessionStoreFactory]
)

func RegisterStateBackendFactory(scheme string, factory StateBackendFactory) {
	stateFactories.register(scheme, factory, factory == nil)
}

func RegisterEventBusFactory(scheme string, factory EventBusFactory) {
	busFactories.register(scheme, factory, factory == nil)
}

func RegisterSessionStoreFactory(scheme string, factory SessionStoreFactory) {
	sessionFactories.register(scheme, factory, factory == nil)
}

func lookupStateBackendFactory(scheme string) (StateBackendFactory, bool) {
	return stateFactories.lookup(scheme)
}

func lookupEventBusFactory(scheme string) (EventBusFactory, bool) {
	return busFactories.lookup(scheme)
}

func lookupSessionStoreFactory(scheme string) (SessionStoreFactory, bool) {
	return sessionFactories.lookup(scheme)
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
