package boardsync

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/agentworkforce/relayboard/internal/realtime"
	"github.com/agentworkforce/relayboard/internal/workitem"
)

// Realtime topics published by the board server.
const (
	TopicItemCreated  = "workitem.created"
	TopicItemUpdated  = "workitem.updated"
	TopicItemArchived = "workitem.archived"
	TopicItemDeleted  = "workitem.deleted"
)

var ItemTopics = []string{TopicItemCreated, TopicItemUpdated, TopicItemArchived, TopicItemDeleted}

type cacheEntry struct {
	confirmed    workitem.Item
	hasConfirmed bool
	optimistic   *workitem.Item
}

func (e cacheEntry) visible() (workitem.Item, bool) {
	if e.optimistic != nil {
		return *e.optimistic, true
	}
	return e.confirmed, e.hasConfirmed
}

// ItemCache is a Sink that keeps the latest known state of each item, layering
// pending optimistic projections over server-confirmed values.
type ItemCache struct {
	versions *VersionStore

	mu           sync.RWMutex
	entries      map[string]*cacheEntry
	lastError    string
	lastConflict []string
	onChange     func(itemID string)
}

func NewItemCache(versions *VersionStore) *ItemCache {
	return &ItemCache{versions: versions, entries: map[string]*cacheEntry{}}
}

// OnChange registers fn to be called after any visible change to an item.
func (c *ItemCache) OnChange(fn func(itemID string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = fn
}

func (c *ItemCache) notify(itemID string) {
	c.mu.RLock()
	fn := c.onChange
	c.mu.RUnlock()
	if fn != nil {
		fn(itemID)
	}
}

func (c *ItemCache) entry(itemID string) *cacheEntry {
	e, ok := c.entries[itemID]
	if !ok {
		e = &cacheEntry{}
		c.entries[itemID] = e
	}
	return e
}

func (c *ItemCache) Get(itemID string) (workitem.Item, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[itemID]
	if !ok {
		return workitem.Item{}, false
	}
	return e.visible()
}

// Snapshot is what the user currently sees for itemID.
func (c *ItemCache) Snapshot(itemID string) (workitem.Item, bool) {
	return c.Get(itemID)
}

func (c *ItemCache) Confirmed(itemID string) (workitem.Item, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[itemID]
	if !ok || !e.hasConfirmed {
		return workitem.Item{}, false
	}
	return e.confirmed, true
}

func (c *ItemCache) Pending(itemID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[itemID]
	return ok && e.optimistic != nil
}

func (c *ItemCache) All() []workitem.Item {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]workitem.Item, 0, len(c.entries))
	for _, e := range c.entries {
		if it, ok := e.visible(); ok {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Put records server truth for item. Older versions than the cached one are
// ignored and reported as false.
func (c *ItemCache) Put(item workitem.Item) bool {
	if item.ID == "" {
		return false
	}
	c.mu.Lock()
	e := c.entry(item.ID)
	if e.hasConfirmed && item.Version < e.confirmed.Version {
		c.mu.Unlock()
		return false
	}
	e.confirmed = item
	e.hasConfirmed = true
	e.optimistic = nil
	c.mu.Unlock()
	if c.versions != nil {
		c.versions.Set(item.ID, item.Version)
	}
	c.notify(item.ID)
	return true
}

// Remove drops itemID unless a version newer than version is cached. A zero
// version always removes.
func (c *ItemCache) Remove(itemID string, version int64) bool {
	c.mu.Lock()
	e, ok := c.entries[itemID]
	if !ok {
		c.mu.Unlock()
		return false
	}
	if version > 0 && e.hasConfirmed && e.confirmed.Version > version {
		c.mu.Unlock()
		return false
	}
	delete(c.entries, itemID)
	c.mu.Unlock()
	if c.versions != nil {
		c.versions.Forget(itemID)
	}
	c.notify(itemID)
	return true
}

func (c *ItemCache) OnOptimisticUpdate(itemID string, projected workitem.Item) {
	c.mu.Lock()
	e := c.entry(itemID)
	p := projected
	e.optimistic = &p
	c.mu.Unlock()
	c.notify(itemID)
}

// OnOptimisticRollback restores original. A zero original means the item
// never existed on the server. Newer server truth that arrived while the
// mutation was in flight is kept.
func (c *ItemCache) OnOptimisticRollback(itemID string, original workitem.Item) {
	c.mu.Lock()
	e, ok := c.entries[itemID]
	if !ok {
		c.mu.Unlock()
		return
	}
	e.optimistic = nil
	switch {
	case original.IsZero():
		if !e.hasConfirmed {
			delete(c.entries, itemID)
		}
	case !e.hasConfirmed || original.Version >= e.confirmed.Version:
		e.confirmed = original
		e.hasConfirmed = true
	}
	c.mu.Unlock()
	c.notify(itemID)
}

func (c *ItemCache) OnSuccess(item workitem.Item) {
	if !c.Put(item) {
		// Stale response: drop the projection, keep the newer server value.
		c.mu.Lock()
		if e, ok := c.entries[item.ID]; ok {
			e.optimistic = nil
		}
		c.mu.Unlock()
	}
}

func (c *ItemCache) OnError(message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastError = message
}

func (c *ItemCache) OnConflict(messages []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastConflict = append([]string(nil), messages...)
}

// OnReconcileID drops the provisional entry kept under tempID. The server
// item arrives through OnSuccess right after.
func (c *ItemCache) OnReconcileID(tempID, serverID string) {
	c.mu.Lock()
	delete(c.entries, tempID)
	c.mu.Unlock()
	c.notify(tempID)
}

func (c *ItemCache) LastError() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastError
}

func (c *ItemCache) LastConflict() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.lastConflict...)
}

// HandleFrame applies a realtime item frame. Its signature matches
// realtime.Handler.
func (c *ItemCache) HandleFrame(frame realtime.Frame) error {
	var item workitem.Item
	if err := json.Unmarshal(frame.Payload, &item); err != nil {
		return fmt.Errorf("decode %s payload: %w", frame.Type, err)
	}
	if item.ID == "" {
		return fmt.Errorf("%s payload missing id", frame.Type)
	}
	switch frame.Type {
	case TopicItemDeleted:
		c.Remove(item.ID, item.Version)
	case TopicItemCreated, TopicItemUpdated, TopicItemArchived:
		c.Put(item)
	default:
		return fmt.Errorf("unsupported frame type %q", frame.Type)
	}
	return nil
}

// Attach subscribes the cache to every item topic on ch.
func (c *ItemCache) Attach(ch *realtime.Channel) []*realtime.Subscription {
	subs := make([]*realtime.Subscription, 0, len(ItemTopics))
	for _, topic := range ItemTopics {
		subs = append(subs, ch.Subscribe(topic, c.HandleFrame))
	}
	return subs
}
