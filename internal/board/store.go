// Package board is the authoritative item store behind the HTTP API. It
// enforces optimistic version checks, replays idempotent writes and keeps a
// per-team event log that feeds realtime fan-out and client catch-up.
package board

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relayboard/internal/workitem"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrVersionConflict     = errors.New("version conflict")
	ErrMissingPrecondition = errors.New("missing precondition")
	ErrInvalidInput        = errors.New("invalid input")
	ErrIdempotencyMismatch = errors.New("idempotency key reused for a different request")
	ErrNotImplemented      = errors.New("not implemented")
)

const (
	EventItemCreated  = "workitem.created"
	EventItemUpdated  = "workitem.updated"
	EventItemArchived = "workitem.archived"
	EventItemDeleted  = "workitem.deleted"
)

type ConflictError struct {
	ExpectedVersion int64
	CurrentVersion  int64
	Messages        []string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict: expected %d, current %d", e.ExpectedVersion, e.CurrentVersion)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrVersionConflict
}

type Event struct {
	EventID       string         `json:"eventId"`
	Type          string         `json:"type"`
	TeamID        string         `json:"teamId"`
	ItemID        string         `json:"itemId"`
	Version       int64          `json:"version"`
	Fields        []string       `json:"fields,omitempty"`
	Actor         string         `json:"actor,omitempty"`
	CorrelationID string         `json:"correlationId"`
	Timestamp     string         `json:"timestamp"`
	Item          *workitem.Item `json:"item,omitempty"`
}

type EventFeed struct {
	Events     []Event `json:"events"`
	NextCursor *string `json:"nextCursor"`
}

type CreateRequest struct {
	TeamID         string
	Draft          workitem.Delta
	IdempotencyKey string
	Actor          string
	CorrelationID  string
}

type UpdateRequest struct {
	TeamID         string
	ItemID         string
	IfMatch        int64
	Delta          workitem.Delta
	IdempotencyKey string
	Actor          string
	CorrelationID  string
}

type DeleteRequest struct {
	TeamID        string
	ItemID        string
	IfMatch       int64
	Actor         string
	CorrelationID string
}

type BackendStatus struct {
	BackendProfile string `json:"backendProfile,omitempty"`
	StateBackend   string `json:"stateBackend"`
	EventBus       string `json:"eventBus"`
	Teams          int    `json:"teams"`
	Items          int    `json:"items"`
}

type Logger interface {
	Printf(format string, args ...any)
}

type StoreOptions struct {
	StateFile          string
	StateBackend       StateBackend
	EventBus           EventBus
	BackendProfile     string
	MaxEventsPerTeam   int
	MaxIdempotencyKeys int
	Logger             Logger
	Now                func() time.Time
}

type Store struct {
	mu             sync.RWMutex
	teams          map[string]*teamState
	itemCounter    uint64
	eventCounter   uint64
	stateBackend   StateBackend
	bus            EventBus
	backendProfile string
	maxEvents      int
	maxKeys        int
	logger         Logger
	now            func() time.Time
	closeOnce      sync.Once
}

type teamState struct {
	Items       map[string]workitem.Item     `json:"items"`
	Events      []Event                      `json:"events"`
	Idempotency map[string]idempotencyRecord `json:"idempotency"`
	KeyOrder    []string                     `json:"keyOrder"`
}

// idempotencyRecord is the stored outcome of a successful keyed write.
type idempotencyRecord struct {
	Op          string        `json:"op"`
	ItemID      string        `json:"itemId,omitempty"`
	Fingerprint string        `json:"fingerprint,omitempty"`
	Result      workitem.Item `json:"result"`
}

type persistedState struct {
	ItemCounter  uint64                `json:"itemCounter"`
	EventCounter uint64                `json:"eventCounter"`
	Teams        map[string]*teamState `json:"teams"`
}

type StateBackend interface {
	Load() (*persistedState, error)
	Save(state *persistedState) error
}

type stateBackendCloser interface {
	Close() error
}

type JSONFileStateBackend struct {
	Path string
}

func NewJSONFileStateBackend(path string) *JSONFileStateBackend {
	return &JSONFileStateBackend{Path: strings.TrimSpace(path)}
}

func (b *JSONFileStateBackend) Load() (*persistedState, error) {
	if b == nil || strings.TrimSpace(b.Path) == "" {
		return nil, nil
	}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var snapshot persistedState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (b *JSONFileStateBackend) Save(state *persistedState) error {
	if b == nil || strings.TrimSpace(b.Path) == "" || state == nil {
		return nil
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	dir := filepath.Dir(b.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := b.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.Path)
}

func NewStore() *Store {
	return NewStoreWithOptions(StoreOptions{})
}

func NewStoreWithOptions(opts StoreOptions) *Store {
	maxEvents := opts.MaxEventsPerTeam
	if maxEvents <= 0 {
		maxEvents = 10000
	}
	maxKeys := opts.MaxIdempotencyKeys
	if maxKeys <= 0 {
		maxKeys = 10000
	}
	stateBackend := opts.StateBackend
	if stateBackend == nil && strings.TrimSpace(opts.StateFile) != "" {
		stateBackend = NewJSONFileStateBackend(opts.StateFile)
	}
	bus := opts.EventBus
	if bus == nil {
		bus = NewInMemoryEventBus()
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	s := &Store{
		teams:          map[string]*teamState{},
		stateBackend:   stateBackend,
		bus:            bus,
		backendProfile: strings.TrimSpace(opts.BackendProfile),
		maxEvents:      maxEvents,
		maxKeys:        maxKeys,
		logger:         opts.Logger,
		now:            now,
	}
	if err := s.loadFromDisk(); err != nil {
		s.logf("load state failed: %v", err)
	}
	return s
}

func (s *Store) Close() {
	s.closeOnce.Do(func() {
		if s.bus != nil {
			_ = s.bus.Close()
		}
		if closer, ok := s.stateBackend.(stateBackendCloser); ok && closer != nil {
			_ = closer.Close()
		}
	})
}

func (s *Store) EventBus() EventBus {
	return s.bus
}

func (s *Store) ListItems(teamID string) ([]workitem.Item, error) {
	if strings.TrimSpace(teamID) == "" {
		return nil, ErrInvalidInput
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ts, ok := s.teams[teamID]
	if !ok {
		return []workitem.Item{}, nil
	}
	out := make([]workitem.Item, 0, len(ts.Items))
	for _, item := range ts.Items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) GetItem(teamID, itemID string) (workitem.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ts, ok := s.teams[teamID]
	if !ok {
		return workitem.Item{}, ErrNotFound
	}
	item, ok := ts.Items[itemID]
	if !ok {
		return workitem.Item{}, ErrNotFound
	}
	return item, nil
}

func (s *Store) CreateItem(req CreateRequest) (workitem.Item, error) {
	if strings.TrimSpace(req.TeamID) == "" {
		return workitem.Item{}, ErrInvalidInput
	}
	if err := workitem.ValidateDraft(req.Draft); err != nil {
		return workitem.Item{}, err
	}

	s.mu.Lock()
	ts := s.ensureTeamLocked(req.TeamID)
	if replay, ok, err := s.replayLocked(ts, req.IdempotencyKey, "create", "", req.Draft); ok || err != nil {
		s.mu.Unlock()
		return replay, err
	}
	now := s.now()
	item := workitem.Item{
		ID:        s.nextItemIDLocked(),
		TeamID:    req.TeamID,
		Status:    workitem.StatusTodo,
		Priority:  workitem.PriorityMedium,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}.Apply(req.Draft)
	ts.Items[item.ID] = item
	event := s.recordEventLocked(ts, req.TeamID, EventItemCreated, item, req.Draft.Keys(), req.Actor, req.CorrelationID)
	s.rememberKeyLocked(ts, req.IdempotencyKey, idempotencyRecord{Op: "create", Fingerprint: payloadFingerprint(req.Draft), Result: item})
	if err := s.saveLocked(); err != nil {
		s.logf("save state failed: %v", err)
	}
	s.mu.Unlock()
	s.publish(event)
	return item, nil
}

// UpdateItem applies req.Delta when req.IfMatch equals the stored version.
func (s *Store) UpdateItem(req UpdateRequest) (workitem.Item, error) {
	if req.IfMatch <= 0 {
		return workitem.Item{}, ErrMissingPrecondition
	}
	if strings.TrimSpace(req.TeamID) == "" || strings.TrimSpace(req.ItemID) == "" {
		return workitem.Item{}, ErrInvalidInput
	}
	if err := workitem.ValidateDelta(req.Delta); err != nil {
		return workitem.Item{}, err
	}

	s.mu.Lock()
	ts := s.ensureTeamLocked(req.TeamID)
	if replay, ok, err := s.replayLocked(ts, req.IdempotencyKey, "update", req.ItemID, req.Delta); ok || err != nil {
		s.mu.Unlock()
		return replay, err
	}
	existing, ok := ts.Items[req.ItemID]
	if !ok {
		s.mu.Unlock()
		return workitem.Item{}, ErrNotFound
	}
	if req.IfMatch != existing.Version {
		conflict := &ConflictError{
			ExpectedVersion: req.IfMatch,
			CurrentVersion:  existing.Version,
			Messages:        conflictMessagesLocked(ts, existing, req.IfMatch, req.Delta),
		}
		s.mu.Unlock()
		return workitem.Item{}, conflict
	}

	next := existing.Apply(req.Delta)
	next.Version = existing.Version + 1
	next.UpdatedAt = s.now()
	ts.Items[next.ID] = next

	eventType := EventItemUpdated
	if next.Status == workitem.StatusArchived && existing.Status != workitem.StatusArchived {
		eventType = EventItemArchived
	}
	event := s.recordEventLocked(ts, req.TeamID, eventType, next, req.Delta.Keys(), req.Actor, req.CorrelationID)
	s.rememberKeyLocked(ts, req.IdempotencyKey, idempotencyRecord{Op: "update", ItemID: next.ID, Fingerprint: payloadFingerprint(req.Delta), Result: next})
	if err := s.saveLocked(); err != nil {
		s.logf("save state failed: %v", err)
	}
	s.mu.Unlock()
	s.publish(event)
	return next, nil
}

func (s *Store) DeleteItem(req DeleteRequest) error {
	if req.IfMatch <= 0 {
		return ErrMissingPrecondition
	}
	if strings.TrimSpace(req.TeamID) == "" || strings.TrimSpace(req.ItemID) == "" {
		return ErrInvalidInput
	}

	s.mu.Lock()
	ts := s.ensureTeamLocked(req.TeamID)
	existing, ok := ts.Items[req.ItemID]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	if req.IfMatch != existing.Version {
		s.mu.Unlock()
		return &ConflictError{
			ExpectedVersion: req.IfMatch,
			CurrentVersion:  existing.Version,
			Messages:        conflictMessagesLocked(ts, existing, req.IfMatch, nil),
		}
	}
	delete(ts.Items, req.ItemID)
	tombstone := workitem.Item{ID: existing.ID, TeamID: existing.TeamID, Version: existing.Version + 1}
	event := s.recordEventLocked(ts, req.TeamID, EventItemDeleted, tombstone, nil, req.Actor, req.CorrelationID)
	if err := s.saveLocked(); err != nil {
		s.logf("save state failed: %v", err)
	}
	s.mu.Unlock()
	s.publish(event)
	return nil
}

// GetEvents pages through a team's event log after cursor. A cursor that has
// been pruned from the log reports ErrNotFound so callers can fall back to a
// full listing.
func (s *Store) GetEvents(teamID, cursor string, limit int) (EventFeed, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ts, ok := s.teams[teamID]
	if !ok || len(ts.Events) == 0 {
		if cursor != "" {
			return EventFeed{}, ErrNotFound
		}
		return EventFeed{Events: []Event{}, NextCursor: nil}, nil
	}
	if limit <= 0 {
		limit = 200
	}
	events := ts.Events

	start := 0
	if cursor != "" {
		found := false
		for i := range events {
			if events[i].EventID == cursor {
				start = i + 1
				found = true
				break
			}
		}
		if !found {
			return EventFeed{}, ErrNotFound
		}
	}
	if start >= len(events) {
		return EventFeed{Events: []Event{}, NextCursor: nil}, nil
	}
	end := start + limit
	if end > len(events) {
		end = len(events)
	}
	chunk := append([]Event(nil), events[start:end]...)

	var nextCursor *string
	if end < len(events) {
		next := events[end-1].EventID
		nextCursor = &next
	}
	return EventFeed{Events: chunk, NextCursor: nextCursor}, nil
}

func (s *Store) GetBackendStatus() BackendStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stateBackendType := "none"
	if s.stateBackend != nil {
		stateBackendType = fmt.Sprintf("%T", s.stateBackend)
	}
	busType := "none"
	if s.bus != nil {
		busType = fmt.Sprintf("%T", s.bus)
	}
	items := 0
	for _, ts := range s.teams {
		items += len(ts.Items)
	}
	return BackendStatus{
		BackendProfile: s.backendProfile,
		StateBackend:   stateBackendType,
		EventBus:       busType,
		Teams:          len(s.teams),
		Items:          items,
	}
}

func (s *Store) ensureTeamLocked(teamID string) *teamState {
	ts, ok := s.teams[teamID]
	if ok {
		return ts
	}
	ts = &teamState{
		Items:       map[string]workitem.Item{},
		Events:      []Event{},
		Idempotency: map[string]idempotencyRecord{},
	}
	s.teams[teamID] = ts
	return ts
}

func (s *Store) nextItemIDLocked() string {
	s.itemCounter++
	return fmt.Sprintf("itm_%d", s.itemCounter)
}

func (s *Store) nextEventIDLocked() string {
	s.eventCounter++
	return fmt.Sprintf("evt_%d", s.eventCounter)
}

func (s *Store) recordEventLocked(ts *teamState, teamID, eventType string, item workitem.Item, fields []string, actor, correlationID string) Event {
	snapshot := item
	event := Event{
		EventID:       s.nextEventIDLocked(),
		Type:          eventType,
		TeamID:        teamID,
		ItemID:        item.ID,
		Version:       item.Version,
		Fields:        fields,
		Actor:         actor,
		CorrelationID: correlationID,
		Timestamp:     s.now().Format(time.RFC3339Nano),
		Item:          &snapshot,
	}
	ts.Events = append(ts.Events, event)
	if overflow := len(ts.Events) - s.maxEvents; overflow > 0 {
		ts.Events = append([]Event(nil), ts.Events[overflow:]...)
	}
	return event
}

// replayLocked returns the stored result for a key that already succeeded.
// The key must name the same operation, item and payload.
func (s *Store) replayLocked(ts *teamState, key, op, itemID string, payload workitem.Delta) (workitem.Item, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return workitem.Item{}, false, nil
	}
	record, ok := ts.Idempotency[key]
	if !ok {
		return workitem.Item{}, false, nil
	}
	if record.Op != op || record.ItemID != itemID {
		return workitem.Item{}, false, ErrIdempotencyMismatch
	}
	if record.Fingerprint != "" && record.Fingerprint != payloadFingerprint(payload) {
		return workitem.Item{}, false, ErrIdempotencyMismatch
	}
	return record.Result, true, nil
}

// payloadFingerprint hashes the JSON form of payload. Map keys are encoded in
// sorted order, so equal deltas hash equally.
func payloadFingerprint(payload workitem.Delta) string {
	raw, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func (s *Store) rememberKeyLocked(ts *teamState, key string, record idempotencyRecord) {
	key = strings.TrimSpace(key)
	if key == "" {
		return
	}
	if _, exists := ts.Idempotency[key]; !exists {
		ts.KeyOrder = append(ts.KeyOrder, key)
	}
	ts.Idempotency[key] = record
	for len(ts.KeyOrder) > s.maxKeys {
		delete(ts.Idempotency, ts.KeyOrder[0])
		ts.KeyOrder = ts.KeyOrder[1:]
	}
}

// conflictMessagesLocked explains what changed between expected and the
// current version, using the event log.
func conflictMessagesLocked(ts *teamState, current workitem.Item, expected int64, delta workitem.Delta) []string {
	changed := map[string]struct{}{}
	actors := map[string]struct{}{}
	for _, event := range ts.Events {
		if event.ItemID != current.ID || event.Version <= expected {
			continue
		}
		for _, field := range event.Fields {
			changed[field] = struct{}{}
		}
		if event.Actor != "" {
			actors[event.Actor] = struct{}{}
		}
	}

	var overlapping, others []string
	for field := range changed {
		if _, mine := delta[field]; mine {
			overlapping = append(overlapping, field)
		} else {
			others = append(others, field)
		}
	}
	sort.Strings(overlapping)
	sort.Strings(others)

	by := ""
	if len(actors) > 0 {
		names := make([]string, 0, len(actors))
		for actor := range actors {
			names = append(names, actor)
		}
		sort.Strings(names)
		by = " by " + strings.Join(names, ", ")
	}

	messages := []string{fmt.Sprintf("This item was changed%s since you loaded it (version %d, now %d).", by, expected, current.Version)}
	if len(overlapping) > 0 {
		messages = append(messages, "Your change overlaps with newer edits to: "+strings.Join(overlapping, ", ")+".")
	}
	if len(others) > 0 {
		messages = append(messages, "Other fields also changed: "+strings.Join(others, ", ")+".")
	}
	return messages
}

func (s *Store) publish(event Event) {
	if s.bus == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.bus.Publish(ctx, event); err != nil {
		s.logf("publish %s for %s failed: %v", event.Type, event.ItemID, err)
	}
}

func (s *Store) loadFromDisk() error {
	if s.stateBackend == nil {
		return nil
	}
	snapshot, err := s.stateBackend.Load()
	if err != nil {
		return err
	}
	if snapshot == nil {
		return nil
	}
	if snapshot.Teams != nil {
		s.teams = snapshot.Teams
		for _, ts := range s.teams {
			if ts.Items == nil {
				ts.Items = map[string]workitem.Item{}
			}
			if ts.Events == nil {
				ts.Events = []Event{}
			}
			if ts.Idempotency == nil {
				ts.Idempotency = map[string]idempotencyRecord{}
			}
		}
	}
	s.itemCounter = snapshot.ItemCounter
	s.eventCounter = snapshot.EventCounter
	return nil
}

func (s *Store) saveLocked() error {
	if s.stateBackend == nil {
		return nil
	}
	snapshot := persistedState{
		ItemCounter:  s.itemCounter,
		EventCounter: s.eventCounter,
		Teams:        s.teams,
	}
	return s.stateBackend.Save(&snapshot)
}

func (s *Store) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}
