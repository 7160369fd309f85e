// Package realtime keeps one logical push connection to the board server and
// fans inbound frames out to topic subscribers.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

const DefaultReconnectDelay = 2 * time.Second

var ErrNoDialer = errors.New("realtime: no dialer configured")

type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
)

// Frame is the wire envelope. Type doubles as the subscription topic and
// MessageID, when present, is the deduplication key.
type Frame struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	MessageID string          `json:"messageId,omitempty"`
}

type Handler func(Frame) error

type Conn interface {
	Read(ctx context.Context) (Frame, error)
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

type Logger interface {
	Printf(format string, args ...any)
}

type Option func(*Channel)

func WithReconnectDelay(d time.Duration) Option {
	return func(c *Channel) {
		if d > 0 {
			c.reconnectDelay = d
		}
	}
}

func WithLogger(logger Logger) Option {
	return func(c *Channel) {
		c.logger = logger
	}
}

// Subscription is the handle returned by Subscribe. Its seen set is private to
// the handler it wraps.
type Subscription struct {
	id      uint64
	topic   string
	handler Handler
	channel *Channel

	mu   sync.Mutex
	seen map[string]struct{}
}

func (s *Subscription) Topic() string {
	return s.topic
}

func (s *Subscription) Unsubscribe() {
	if s == nil || s.channel == nil {
		return
	}
	s.channel.Unsubscribe(s)
}

// firstDelivery records key and reports whether it had not been seen before.
func (s *Subscription) firstDelivery(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[key]; ok {
		return false
	}
	s.seen[key] = struct{}{}
	return true
}

type subscriptionRecord struct {
	topic   string
	entries []*Subscription
}

type ReconnectHook struct {
	id uint64
	fn func()
}

type Channel struct {
	dialer         Dialer
	reconnectDelay time.Duration
	logger         Logger

	mu     sync.Mutex
	state  ConnectionState
	topics map[string]*subscriptionRecord
	hooks  []*ReconnectHook
	nextID uint64
	conn   Conn
	cancel context.CancelFunc
	done   chan struct{}
}

func NewChannel(dialer Dialer, opts ...Option) *Channel {
	c := &Channel{
		dialer:         dialer,
		reconnectDelay: DefaultReconnectDelay,
		state:          StateDisconnected,
		topics:         map[string]*subscriptionRecord{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Channel) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect starts the connection loop in the background. It is a no-op while
// the channel is already connecting or connected. The loop lives until
// Disconnect is called or ctx is cancelled.
func (c *Channel) Connect(ctx context.Context) error {
	if c.dialer == nil {
		return ErrNoDialer
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateDisconnected {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.state = StateConnecting
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(runCtx, c.done)
	return nil
}

// Disconnect stops the connection loop and waits for it to exit.
func (c *Channel) Disconnect() error {
	c.mu.Lock()
	cancel := c.cancel
	done := c.done
	conn := c.conn
	c.cancel = nil
	c.done = nil
	c.conn = nil
	c.state = StateDisconnected
	// Cancel under the lock so a dial finishing now cannot attach.
	if cancel != nil {
		cancel()
	}
	c.mu.Unlock()

	if cancel == nil {
		return nil
	}
	var err error
	if conn != nil {
		err = conn.Close()
	}
	<-done
	return err
}

func (c *Channel) Open(ctx context.Context) error {
	return c.Connect(ctx)
}

func (c *Channel) Close() error {
	return c.Disconnect()
}

func (c *Channel) run(ctx context.Context, done chan struct{}) {
	defer func() {
		c.mu.Lock()
		if c.done == done {
			// The parent context ended without Disconnect.
			c.state = StateDisconnected
			c.conn = nil
			c.cancel = nil
			c.done = nil
		}
		c.mu.Unlock()
		close(done)
	}()
	for {
		conn, err := c.dialer.Dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logf("realtime dial failed: %v; retrying in %s", err, c.reconnectDelay)
		} else if c.attach(ctx, conn) {
			c.runHooks()
			err = c.readLoop(ctx, conn)
			_ = conn.Close()
			if ctx.Err() != nil {
				return
			}
			c.logf("realtime connection closed: %v; reconnecting in %s", err, c.reconnectDelay)
		} else {
			_ = conn.Close()
			return
		}

		if !c.markConnecting(ctx) {
			return
		}
		timer := time.NewTimer(c.reconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (c *Channel) attach(ctx context.Context, conn Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ctx.Err() != nil {
		return false
	}
	c.conn = conn
	c.state = StateConnected
	return true
}

func (c *Channel) markConnecting(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ctx.Err() != nil {
		return false
	}
	c.conn = nil
	c.state = StateConnecting
	return true
}

func (c *Channel) readLoop(ctx context.Context, conn Conn) error {
	for {
		frame, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if frame.Type == "" {
			c.logf("realtime frame without type dropped")
			continue
		}
		c.Emit(frame.Type, frame)
	}
}

// Subscribe registers handler for topic. Delivery follows registration order.
func (c *Channel) Subscribe(topic string, handler Handler) *Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	sub := &Subscription{
		id:      c.nextID,
		topic:   topic,
		handler: handler,
		channel: c,
		seen:    map[string]struct{}{},
	}
	record, ok := c.topics[topic]
	if !ok {
		record = &subscriptionRecord{topic: topic}
		c.topics[topic] = record
	}
	record.entries = append(record.entries, sub)
	return sub
}

// Unsubscribe removes sub and drops its dedup set. The topic record goes away
// with its last handler.
func (c *Channel) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	record, ok := c.topics[sub.topic]
	if !ok {
		return
	}
	for i, entry := range record.entries {
		if entry.id == sub.id {
			record.entries = append(record.entries[:i:i], record.entries[i+1:]...)
			break
		}
	}
	if len(record.entries) == 0 {
		delete(c.topics, sub.topic)
	}
	sub.mu.Lock()
	sub.seen = map[string]struct{}{}
	sub.mu.Unlock()
}

func (c *Channel) HandlerCount(topic string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if record, ok := c.topics[topic]; ok {
		return len(record.entries)
	}
	return 0
}

// Emit delivers frame to every handler of topic. A failing handler is logged
// and does not stop delivery to the rest.
func (c *Channel) Emit(topic string, frame Frame) {
	c.mu.Lock()
	record, ok := c.topics[topic]
	var entries []*Subscription
	if ok {
		entries = append(entries, record.entries...)
	}
	c.mu.Unlock()

	for _, sub := range entries {
		if frame.MessageID != "" && !sub.firstDelivery(topic+":"+frame.MessageID) {
			continue
		}
		if err := c.invoke(sub.handler, frame); err != nil {
			c.logf("realtime handler for %s failed: %v", topic, err)
		}
	}
}

func (c *Channel) invoke(handler Handler, frame Frame) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return handler(frame)
}

func (c *Channel) OnReconnect(fn func()) *ReconnectHook {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	hook := &ReconnectHook{id: c.nextID, fn: fn}
	c.hooks = append(c.hooks, hook)
	return hook
}

func (c *Channel) OffReconnect(hook *ReconnectHook) {
	if hook == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, h := range c.hooks {
		if h.id == hook.id {
			c.hooks = append(c.hooks[:i:i], c.hooks[i+1:]...)
			return
		}
	}
}

func (c *Channel) runHooks() {
	c.mu.Lock()
	hooks := append([]*ReconnectHook(nil), c.hooks...)
	c.mu.Unlock()
	for _, hook := range hooks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logf("realtime reconnect hook panicked: %v", r)
				}
			}()
			hook.fn()
		}()
	}
}

func (c *Channel) logf(format string, args ...any) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}
