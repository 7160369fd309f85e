package boardsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/agentworkforce/relayboard/internal/workitem"
)

// FeedClient is the read side the Resyncer needs.
type FeedClient interface {
	Get(ctx context.Context, path string) (workitem.Item, error)
	ListItems(ctx context.Context, teamID string) ([]workitem.Item, error)
	ListEvents(ctx context.Context, teamID, cursor string, limit int) (EventFeed, error)
}

type ResyncerOptions struct {
	TeamID    string
	Cache     *ItemCache
	StateFile string
	Logger    Logger
}

// Resyncer brings an ItemCache up to date after an outage. With a known
// cursor it replays the event feed; otherwise it lists the team's items.
type Resyncer struct {
	client    FeedClient
	teamID    string
	cache     *ItemCache
	stateFile string
	logger    Logger

	mu     sync.Mutex
	state  resyncState
	loaded bool
}

type resyncState struct {
	EventsCursor string `json:"eventsCursor,omitempty"`
}

func NewResyncer(client FeedClient, opts ResyncerOptions) (*Resyncer, error) {
	if client == nil {
		return nil, fmt.Errorf("client is required")
	}
	teamID := strings.TrimSpace(opts.TeamID)
	if teamID == "" {
		return nil, fmt.Errorf("team id is required")
	}
	if opts.Cache == nil {
		return nil, fmt.Errorf("cache is required")
	}
	return &Resyncer{
		client:    client,
		teamID:    teamID,
		cache:     opts.Cache,
		stateFile: strings.TrimSpace(opts.StateFile),
		logger:    opts.Logger,
	}, nil
}

func (r *Resyncer) Cursor() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.EventsCursor
}

// ResyncOnce is safe to call from a reconnect hook; concurrent calls run one
// after another.
func (r *Resyncer) ResyncOnce(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.loadState(); err != nil {
		return err
	}
	if err := r.pull(ctx); err != nil {
		return err
	}
	return r.saveState()
}

func (r *Resyncer) pull(ctx context.Context) error {
	if r.state.EventsCursor != "" {
		nextCursor, err := r.pullIncremental(ctx, r.state.EventsCursor)
		if err == nil {
			r.state.EventsCursor = nextCursor
			return nil
		}
		var httpErr *HTTPError
		if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusNotFound {
			return err
		}
		r.logf("event feed cursor unknown; falling back to full list")
		r.state.EventsCursor = ""
	}

	if err := r.pullFull(ctx); err != nil {
		return err
	}
	cursor, err := r.resolveLatestEventCursor(ctx)
	if err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
			return nil
		}
		return err
	}
	r.state.EventsCursor = cursor
	return nil
}

func (r *Resyncer) pullFull(ctx context.Context) error {
	items, err := r.client.ListItems(ctx, r.teamID)
	if err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		seen[item.ID] = struct{}{}
		r.cache.Put(item)
	}
	for _, cached := range r.cache.All() {
		if strings.HasPrefix(cached.ID, TempIDPrefix) {
			continue
		}
		if _, ok := seen[cached.ID]; !ok {
			r.cache.Remove(cached.ID, 0)
		}
	}
	return nil
}

func (r *Resyncer) pullIncremental(ctx context.Context, cursor string) (string, error) {
	changed := map[string]struct{}{}
	deleted := map[string]struct{}{}
	currentCursor := strings.TrimSpace(cursor)

	for {
		feed, err := r.client.ListEvents(ctx, r.teamID, currentCursor, 500)
		if err != nil {
			return cursor, err
		}
		for _, event := range feed.Events {
			if eventID := strings.TrimSpace(event.EventID); eventID != "" {
				currentCursor = eventID
			}
			if event.ItemID == "" {
				continue
			}
			switch event.Type {
			case TopicItemCreated, TopicItemUpdated, TopicItemArchived:
				changed[event.ItemID] = struct{}{}
				delete(deleted, event.ItemID)
			case TopicItemDeleted:
				deleted[event.ItemID] = struct{}{}
				delete(changed, event.ItemID)
			}
		}
		if feed.NextCursor == nil || *feed.NextCursor == "" {
			break
		}
		currentCursor = *feed.NextCursor
	}

	changedIDs := make([]string, 0, len(changed))
	for id := range changed {
		changedIDs = append(changedIDs, id)
	}
	sort.Strings(changedIDs)
	for _, id := range changedIDs {
		item, err := r.client.Get(ctx, ItemPath(r.teamID, id))
		if err != nil {
			var httpErr *HTTPError
			if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
				deleted[id] = struct{}{}
				continue
			}
			return cursor, err
		}
		r.cache.Put(item)
	}
	for id := range deleted {
		r.cache.Remove(id, 0)
	}

	if currentCursor == "" {
		currentCursor = cursor
	}
	return currentCursor, nil
}

func (r *Resyncer) resolveLatestEventCursor(ctx context.Context) (string, error) {
	cursor := ""
	latest := ""
	for {
		feed, err := r.client.ListEvents(ctx, r.teamID, cursor, 1000)
		if err != nil {
			return "", err
		}
		if len(feed.Events) > 0 {
			if eventID := strings.TrimSpace(feed.Events[len(feed.Events)-1].EventID); eventID != "" {
				latest = eventID
			}
		}
		if feed.NextCursor == nil || *feed.NextCursor == "" {
			break
		}
		cursor = *feed.NextCursor
	}
	return latest, nil
}

func (r *Resyncer) loadState() error {
	if r.loaded || r.stateFile == "" {
		r.loaded = true
		return nil
	}
	r.loaded = true
	data, err := os.ReadFile(r.stateFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	return json.Unmarshal(data, &r.state)
}

func (r *Resyncer) saveState() error {
	if r.stateFile == "" {
		return nil
	}
	data, err := json.Marshal(r.state)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(r.stateFile), 0o755); err != nil {
		return err
	}
	return writeFileAtomic(r.stateFile, data, 0o644)
}

func (r *Resyncer) logf(format string, args ...any) {
	if r.logger != nil {
		r.logger.Printf(format, args...)
	}
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
