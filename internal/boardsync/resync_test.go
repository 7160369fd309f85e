package boardsync

import (
	"context"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/agentworkforce/relayboard/internal/workitem"
)

type fakeFeed struct {
	items        map[string]workitem.Item
	events       []Event
	eventsErr    error
	listCalls    int
	getCalls     int
	eventQueries []string
}

func (f *fakeFeed) Get(_ context.Context, path string) (workitem.Item, error) {
	f.getCalls++
	id := path[strings.LastIndex(path, "/")+1:]
	item, ok := f.items[id]
	if !ok {
		return workitem.Item{}, &HTTPError{StatusCode: 404}
	}
	return item, nil
}

func (f *fakeFeed) ListItems(context.Context, string) ([]workitem.Item, error) {
	f.listCalls++
	out := make([]workitem.Item, 0, len(f.items))
	for _, it := range f.items {
		out = append(out, it)
	}
	return out, nil
}

func (f *fakeFeed) ListEvents(_ context.Context, _ string, cursor string, limit int) (EventFeed, error) {
	f.eventQueries = append(f.eventQueries, cursor)
	if f.eventsErr != nil {
		return EventFeed{}, f.eventsErr
	}
	start := 0
	if cursor != "" {
		for i, ev := range f.events {
			if ev.EventID == cursor {
				start = i + 1
			}
		}
	}
	end := start + limit
	if end > len(f.events) {
		end = len(f.events)
	}
	feed := EventFeed{Events: append([]Event(nil), f.events[start:end]...)}
	if end < len(f.events) {
		next := f.events[end-1].EventID
		feed.NextCursor = &next
	}
	return feed, nil
}

func (f *fakeFeed) appendEvent(eventType, itemID string) {
	f.events = append(f.events, Event{
		EventID: "evt_" + strconv.Itoa(len(f.events)+1),
		Type:    eventType,
		ItemID:  itemID,
	})
}

func TestResyncOnceFullPullThenIncremental(t *testing.T) {
	feed := &fakeFeed{items: map[string]workitem.Item{
		"E1": {ID: "E1", Title: "one", Version: 1},
		"E2": {ID: "E2", Title: "two", Version: 1},
	}}
	feed.appendEvent(TopicItemCreated, "E1")
	feed.appendEvent(TopicItemCreated, "E2")

	cache := NewItemCache(nil)
	cache.Put(workitem.Item{ID: "E9", Title: "gone", Version: 1})
	stateFile := filepath.Join(t.TempDir(), "state.json")
	r, err := NewResyncer(feed, ResyncerOptions{TeamID: "team_1", Cache: cache, StateFile: stateFile})
	if err != nil {
		t.Fatalf("new resyncer: %v", err)
	}

	if err := r.ResyncOnce(context.Background()); err != nil {
		t.Fatalf("first resync: %v", err)
	}
	if feed.listCalls != 1 {
		t.Fatalf("expected a full list on first resync, got %d", feed.listCalls)
	}
	if _, ok := cache.Get("E9"); ok {
		t.Fatalf("expected item missing from server to be dropped")
	}
	if r.Cursor() != "evt_2" {
		t.Fatalf("expected cursor evt_2, got %q", r.Cursor())
	}

	feed.items["E1"] = workitem.Item{ID: "E1", Title: "one v2", Version: 2}
	delete(feed.items, "E2")
	feed.appendEvent(TopicItemUpdated, "E1")
	feed.appendEvent(TopicItemDeleted, "E2")

	// A fresh resyncer picks the cursor up from the state file.
	r2, _ := NewResyncer(feed, ResyncerOptions{TeamID: "team_1", Cache: cache, StateFile: stateFile})
	if err := r2.ResyncOnce(context.Background()); err != nil {
		t.Fatalf("incremental resync: %v", err)
	}
	if feed.listCalls != 1 {
		t.Fatalf("expected incremental pull without listing, got %d list calls", feed.listCalls)
	}
	got, _ := cache.Get("E1")
	if got.Title != "one v2" {
		t.Fatalf("expected updated title, got %q", got.Title)
	}
	if _, ok := cache.Get("E2"); ok {
		t.Fatalf("expected E2 to be removed")
	}
	if r2.Cursor() != "evt_4" {
		t.Fatalf("expected cursor evt_4, got %q", r2.Cursor())
	}
}

func TestResyncOnceFallsBackToFullPullWhenCursorUnknown(t *testing.T) {
	feed := &fakeFeed{items: map[string]workitem.Item{"E1": {ID: "E1", Version: 3}}}
	cache := NewItemCache(nil)
	r, _ := NewResyncer(feed, ResyncerOptions{TeamID: "team_1", Cache: cache})
	r.state.EventsCursor = "evt_missing"
	r.loaded = true
	feed.eventsErr = &HTTPError{StatusCode: 404}

	if err := r.ResyncOnce(context.Background()); err != nil {
		t.Fatalf("resync: %v", err)
	}
	if feed.listCalls != 1 {
		t.Fatalf("expected fallback full pull")
	}
	if got, _ := cache.Get("E1"); got.Version != 3 {
		t.Fatalf("expected E1 at version 3, got %d", got.Version)
	}
	if r.Cursor() != "" {
		t.Fatalf("expected cursor to be cleared, got %q", r.Cursor())
	}
}

func TestNewResyncerValidatesOptions(t *testing.T) {
	if _, err := NewResyncer(nil, ResyncerOptions{}); err == nil {
		t.Fatalf("expected error for nil client")
	}
	if _, err := NewResyncer(&fakeFeed{}, ResyncerOptions{TeamID: "t"}); err == nil {
		t.Fatalf("expected error for missing cache")
	}
}
