package board

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

var (
	ErrBusClosed         = errors.New("event bus closed")
	ErrSubscriberLagging = errors.New("subscriber lagging, events dropped")
)

const subscriptionBuffer = 64

// EventBus fans item events out to every realtime connection of a team,
// possibly across server processes.
type EventBus interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(ctx context.Context, teamID string) (*Subscription, error)
	Close() error
}

// Subscription delivers a team's events until Close is called or the
// subscribing context ends. Errors carries decode failures and drops; a
// consumer that sees ErrSubscriberLagging should resync from the event feed.
type Subscription struct {
	events    chan Event
	errors    chan error
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (s *Subscription) Events() <-chan Event {
	return s.events
}

func (s *Subscription) Errors() <-chan error {
	return s.errors
}

func (s *Subscription) Close() error {
	s.closeOnce.Do(s.cancel)
	return nil
}

func BuildEventBusFromDSN(dsn string) (EventBus, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewInMemoryEventBus(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if factory, ok := lookupEventBusFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewInMemoryEventBus(), nil
	case "redis", "rediss":
		return NewRedisEventBus(dsn)
	case "nats", "kafka":
		return nil, fmt.Errorf("%w: event bus %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported event bus scheme: %s", scheme)
	}
}

type memorySubscriber struct {
	events chan Event
	errors chan error
	done   <-chan struct{}
}

type InMemoryEventBus struct {
	mu     sync.RWMutex
	subs   map[string]map[*memorySubscriber]struct{}
	closed bool
}

func NewInMemoryEventBus() *InMemoryEventBus {
	return &InMemoryEventBus{subs: map[string]map[*memorySubscriber]struct{}{}}
}

func (b *InMemoryEventBus) Publish(_ context.Context, event Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}
	for sub := range b.subs[event.TeamID] {
		select {
		case <-sub.done:
			continue
		default:
		}
		select {
		case sub.events <- event:
		default:
			select {
			case sub.errors <- ErrSubscriberLagging:
			default:
			}
		}
	}
	return nil
}

func (b *InMemoryEventBus) Subscribe(ctx context.Context, teamID string) (*Subscription, error) {
	if strings.TrimSpace(teamID) == "" {
		return nil, ErrInvalidInput
	}
	subCtx, cancel := context.WithCancel(ctx)
	sub := &memorySubscriber{
		events: make(chan Event, subscriptionBuffer),
		errors: make(chan error, 1),
		done:   subCtx.Done(),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		cancel()
		return nil, ErrBusClosed
	}
	if b.subs[teamID] == nil {
		b.subs[teamID] = map[*memorySubscriber]struct{}{}
	}
	b.subs[teamID][sub] = struct{}{}
	b.mu.Unlock()

	remove := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if set, ok := b.subs[teamID]; ok {
			if _, ok := set[sub]; ok {
				delete(set, sub)
				close(sub.events)
				close(sub.errors)
			}
			if len(set) == 0 {
				delete(b.subs, teamID)
			}
		}
	}
	go func() {
		<-subCtx.Done()
		remove()
	}()
	return &Subscription{events: sub.events, errors: sub.errors, cancel: cancel}, nil
}

func (b *InMemoryEventBus) SubscriberCount(teamID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[teamID])
}

func (b *InMemoryEventBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for teamID, set := range b.subs {
		for sub := range set {
			close(sub.events)
			close(sub.errors)
		}
		delete(b.subs, teamID)
	}
	return nil
}

// RedisEventBus publishes events on one Redis Pub/Sub channel per team so
// that every server process behind a load balancer sees every write.
type RedisEventBus struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisEventBus(dsn string) (*RedisEventBus, error) {
	opts, err := redis.ParseURL(strings.TrimSpace(dsn))
	if err != nil {
		return nil, fmt.Errorf("parse redis dsn: %w", err)
	}
	return NewRedisEventBusFromClient(redis.NewClient(opts)), nil
}

func NewRedisEventBusFromClient(rdb *redis.Client) *RedisEventBus {
	return &RedisEventBus{rdb: rdb, prefix: "relayboard"}
}

// TeamEventsChannel returns the Pub/Sub channel carrying a team's events.
func (b *RedisEventBus) TeamEventsChannel(teamID string) string {
	return fmt.Sprintf("%s:team:%s:events", b.prefix, teamID)
}

func (b *RedisEventBus) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := b.rdb.Publish(ctx, b.TeamEventsChannel(event.TeamID), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

func (b *RedisEventBus) Subscribe(ctx context.Context, teamID string) (*Subscription, error) {
	if strings.TrimSpace(teamID) == "" {
		return nil, ErrInvalidInput
	}
	pubsub := b.rdb.Subscribe(ctx, b.TeamEventsChannel(teamID))
	// Wait for the subscribe confirmation so no publish after return is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	eventsChan := make(chan Event, subscriptionBuffer)
	errorsChan := make(chan error, 10)
	subCtx, cancelFunc := context.WithCancel(ctx)

	go func() {
		defer close(eventsChan)
		defer close(errorsChan)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					select {
					case errorsChan <- fmt.Errorf("failed to unmarshal event: %w", err):
					case <-subCtx.Done():
						return
					}
					continue
				}
				select {
				case eventsChan <- event:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return &Subscription{events: eventsChan, errors: errorsChan, cancel: cancelFunc}, nil
}

func (b *RedisEventBus) Close() error {
	return b.rdb.Close()
}
