package board

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrSessionNotFound = errors.New("refresh session not found")

// Session is what a refresh token stands for.
type Session struct {
	Subject   string    `json:"subject"`
	TeamID    string    `json:"teamId"`
	Scopes    []string  `json:"scopes"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// SessionStore issues single-use refresh tokens. Redeem consumes the token;
// callers issue a new one to rotate.
type SessionStore interface {
	Issue(ctx context.Context, session Session) (string, error)
	Redeem(ctx context.Context, token string) (Session, error)
	Close() error
}

func BuildSessionStoreFromDSN(dsn string) (SessionStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewInMemorySessionStore(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if factory, ok := lookupSessionStoreFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewInMemorySessionStore(), nil
	case "redis", "rediss":
		opts, err := redis.ParseURL(dsn)
		if err != nil {
			return nil, fmt.Errorf("parse redis dsn: %w", err)
		}
		return NewRedisSessionStore(redis.NewClient(opts)), nil
	default:
		return nil, fmt.Errorf("unsupported session store scheme: %s", scheme)
	}
}

func newRefreshToken() string {
	return "rt_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

type InMemorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]Session
	now      func() time.Time
}

func NewInMemorySessionStore() *InMemorySessionStore {
	return &InMemorySessionStore{
		sessions: map[string]Session{},
		now:      time.Now,
	}
}

func (s *InMemorySessionStore) Issue(_ context.Context, session Session) (string, error) {
	token := newRefreshToken()
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if !session.ExpiresAt.After(now) {
		return "", ErrInvalidInput
	}
	for key, existing := range s.sessions {
		if !existing.ExpiresAt.After(now) {
			delete(s.sessions, key)
		}
	}
	s.sessions[token] = session
	return token, nil
}

func (s *InMemorySessionStore) Redeem(_ context.Context, token string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[token]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	delete(s.sessions, token)
	if !session.ExpiresAt.After(s.now()) {
		return Session{}, ErrSessionNotFound
	}
	return session, nil
}

func (s *InMemorySessionStore) Close() error {
	return nil
}

// RedisSessionStore keeps sessions as JSON strings with a TTL matching their
// expiry, and redeems them with GETDEL so a token can only be used once even
// across replicas.
type RedisSessionStore struct {
	rdb    *redis.Client
	prefix string
	now    func() time.Time
}

func NewRedisSessionStore(rdb *redis.Client) *RedisSessionStore {
	return &RedisSessionStore{rdb: rdb, prefix: "relayboard:session:", now: time.Now}
}

func (s *RedisSessionStore) Issue(ctx context.Context, session Session) (string, error) {
	ttl := session.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return "", ErrInvalidInput
	}
	payload, err := json.Marshal(session)
	if err != nil {
		return "", fmt.Errorf("failed to marshal session: %w", err)
	}
	token := newRefreshToken()
	if err := s.rdb.Set(ctx, s.prefix+token, payload, ttl).Err(); err != nil {
		return "", fmt.Errorf("failed to store session: %w", err)
	}
	return token, nil
}

func (s *RedisSessionStore) Redeem(ctx context.Context, token string) (Session, error) {
	if strings.TrimSpace(token) == "" {
		return Session{}, ErrSessionNotFound
	}
	payload, err := s.rdb.GetDel(ctx, s.prefix+token).Result()
	if errors.Is(err, redis.Nil) {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("failed to redeem session: %w", err)
	}
	var session Session
	if err := json.Unmarshal([]byte(payload), &session); err != nil {
		return Session{}, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return session, nil
}

func (s *RedisSessionStore) Close() error {
	return s.rdb.Close()
}
