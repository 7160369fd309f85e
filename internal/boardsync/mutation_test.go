package boardsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/relayboard/internal/workitem"
)

type transportResult struct {
	item workitem.Item
	err  error
}

type patchCall struct {
	path        string
	delta       workitem.Delta
	baseVersion int64
	key         string
}

// fakeTransport replays scripted results and records every call into log so
// tests can assert ordering against sink callbacks.
type fakeTransport struct {
	mu           sync.Mutex
	log          *callLog
	items        map[string]workitem.Item
	getErr       error
	getCalls     int
	patchResults []transportResult
	patchCalls   []patchCall
	postResults  []transportResult
	postKeys     []string
	refreshErr   error
	refreshCalls int
}

func (f *fakeTransport) Get(_ context.Context, path string) (workitem.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	f.log.add("get")
	if f.getErr != nil {
		return workitem.Item{}, f.getErr
	}
	id := path[strings.LastIndex(path, "/")+1:]
	item, ok := f.items[id]
	if !ok {
		return workitem.Item{}, &HTTPError{StatusCode: 404, Code: "not_found"}
	}
	return item, nil
}

func (f *fakeTransport) Post(_ context.Context, _ string, _ workitem.Delta, key string) (workitem.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log.add("post")
	f.postKeys = append(f.postKeys, key)
	return f.next(&f.postResults)
}

func (f *fakeTransport) Patch(_ context.Context, path string, delta workitem.Delta, baseVersion int64, key string) (workitem.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log.add(fmt.Sprintf("patch@%d", baseVersion))
	f.patchCalls = append(f.patchCalls, patchCall{path: path, delta: delta, baseVersion: baseVersion, key: key})
	return f.next(&f.patchResults)
}

func (f *fakeTransport) Delete(context.Context, string, int64) error {
	return nil
}

func (f *fakeTransport) RefreshToken(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshCalls++
	f.log.add("refresh")
	if f.refreshErr != nil {
		return "", f.refreshErr
	}
	return "fresh-token", nil
}

func (f *fakeTransport) next(results *[]transportResult) (workitem.Item, error) {
	if len(*results) == 0 {
		return workitem.Item{}, errors.New("unexpected request")
	}
	r := (*results)[0]
	*results = (*results)[1:]
	return r.item, r.err
}

type callLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *callLog) add(entry string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
}

func (l *callLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}

type recordingSink struct {
	log        *callLog
	optimistic []workitem.Item
	rollbacks  []workitem.Item
	successes  []workitem.Item
	errors     []string
	conflicts  [][]string
	reconciled [][2]string
}

func (s *recordingSink) OnOptimisticUpdate(id string, projected workitem.Item) {
	s.log.add("optimistic:" + id)
	s.optimistic = append(s.optimistic, projected)
}

func (s *recordingSink) OnOptimisticRollback(id string, original workitem.Item) {
	s.log.add("rollback:" + id)
	s.rollbacks = append(s.rollbacks, original)
}

func (s *recordingSink) OnSuccess(item workitem.Item) {
	s.log.add("success:" + item.ID)
	s.successes = append(s.successes, item)
}

func (s *recordingSink) OnError(message string) {
	s.log.add("error")
	s.errors = append(s.errors, message)
}

func (s *recordingSink) OnConflict(messages []string) {
	s.log.add("conflict")
	s.conflicts = append(s.conflicts, messages)
}

func (s *recordingSink) OnReconcileID(tempID, serverID string) {
	s.log.add("reconcile:" + serverID)
	s.reconciled = append(s.reconciled, [2]string{tempID, serverID})
}

func (s *recordingSink) terminalCount() int {
	return len(s.successes) + len(s.errors) + len(s.conflicts)
}

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func e1() workitem.Item {
	return workitem.Item{
		ID:       "E1",
		TeamID:   "team_1",
		Title:    "Fix login",
		Status:   workitem.StatusTodo,
		Priority: workitem.PriorityMedium,
		Version:  1,
	}
}

func newHarness(transport *fakeTransport) (*MutationClient, *recordingSink, *callLog) {
	log := &callLog{}
	transport.log = log
	if transport.items == nil {
		transport.items = map[string]workitem.Item{"E1": e1()}
	}
	sink := &recordingSink{log: log}
	client := NewMutationClient(MutationOptions{
		Transport: transport,
		Sink:      sink,
		Now:       func() time.Time { return fixedNow },
		NewKey:    func() string { return "key-1" },
	})
	return client, sink, log
}

func serverItem(status string, version int64) workitem.Item {
	it := e1()
	it.Status = status
	it.Version = version
	return it
}

func TestUpdateOptimisticThenCommit(t *testing.T) {
	transport := &fakeTransport{patchResults: []transportResult{{item: serverItem(workitem.StatusDone, 2)}}}
	client, sink, log := newHarness(transport)

	got, err := client.Update(context.Background(), "team_1", "E1", workitem.Delta{"status": "done"})
	require.NoError(t, err)

	assert.Equal(t, []string{"get", "optimistic:E1", "patch@1", "success:E1"}, log.all())
	require.Len(t, sink.optimistic, 1)
	require.Len(t, sink.successes, 1)
	assert.Equal(t, fixedNow, sink.optimistic[0].UpdatedAt)
	assert.Equal(t, sink.optimistic[0].Status, sink.successes[0].Status)
	assert.Equal(t, int64(2), got.Version)

	v, ok := client.Versions().Get("E1")
	require.True(t, ok)
	assert.Equal(t, int64(2), v)

	require.Len(t, transport.patchCalls, 1)
	assert.Equal(t, workitem.Delta{"status": "done"}, transport.patchCalls[0].delta)
	assert.Equal(t, "/v1/teams/team_1/items/E1", transport.patchCalls[0].path)
}

func TestConflictRetryThenSuccessScenario(t *testing.T) {
	transport := &fakeTransport{patchResults: []transportResult{
		{err: &HTTPError{StatusCode: 409, Code: "version_conflict", CurrentVersion: 2}},
		{item: serverItem(workitem.StatusDone, 3)},
	}}
	client, sink, log := newHarness(transport)

	got, err := client.Update(context.Background(), "team_1", "E1", workitem.Delta{"status": "done"}, WithBaseVersion(1))
	require.NoError(t, err)

	// No sink callback between the two attempts.
	assert.Equal(t, []string{"get", "optimistic:E1", "patch@1", "patch@2", "success:E1"}, log.all())
	assert.Equal(t, workitem.StatusDone, sink.optimistic[0].Status)
	assert.Equal(t, int64(3), got.Version)
	assert.Equal(t, workitem.StatusDone, sink.successes[0].Status)
	assert.Empty(t, sink.errors)
	assert.Empty(t, sink.conflicts)

	require.Len(t, transport.patchCalls, 2)
	assert.Equal(t, transport.patchCalls[0].key, transport.patchCalls[1].key)
	v, _ := client.Versions().Get("E1")
	assert.Equal(t, int64(3), v)
}

func TestSecondConflictIsSurfacedAsConflict(t *testing.T) {
	conflict := &HTTPError{StatusCode: 409, Code: "version_conflict", CurrentVersion: 4, Messages: []string{"status was changed by Dana"}}
	transport := &fakeTransport{patchResults: []transportResult{{err: conflict}, {err: conflict}}}
	client, sink, _ := newHarness(transport)

	_, err := client.Update(context.Background(), "team_1", "E1", workitem.Delta{"status": "done"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConflict)

	assert.Len(t, transport.patchCalls, 2)
	require.Len(t, sink.conflicts, 1)
	assert.Equal(t, []string{"status was changed by Dana"}, sink.conflicts[0])
	assert.Empty(t, sink.errors)
	require.Len(t, sink.rollbacks, 1)
	assert.Equal(t, e1(), sink.rollbacks[0])
	assert.Equal(t, 1, sink.terminalCount())
}

func TestAuthExpiredRefreshesOnceThenSucceeds(t *testing.T) {
	transport := &fakeTransport{patchResults: []transportResult{
		{err: &HTTPError{StatusCode: 401, Code: "unauthorized"}},
		{item: serverItem(workitem.StatusInProgress, 2)},
	}}
	client, sink, log := newHarness(transport)

	_, err := client.Update(context.Background(), "team_1", "E1", workitem.Delta{"status": "in_progress"})
	require.NoError(t, err)

	assert.Equal(t, 1, transport.refreshCalls)
	assert.Len(t, transport.patchCalls, 2)
	assert.Len(t, sink.successes, 1)
	assert.Equal(t, []string{"get", "optimistic:E1", "patch@1", "refresh", "patch@1", "success:E1"}, log.all())
}

func TestAuthExpiredWithFailedRefreshIsTerminal(t *testing.T) {
	transport := &fakeTransport{
		patchResults: []transportResult{{err: &HTTPError{StatusCode: 401}}},
		refreshErr:   &HTTPError{StatusCode: 401, Code: "invalid_refresh_token"},
	}
	client, sink, _ := newHarness(transport)

	_, err := client.Update(context.Background(), "team_1", "E1", workitem.Delta{"priority": "high"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthExpired)
	assert.Len(t, transport.patchCalls, 1)
	require.Len(t, sink.errors, 1)
	assert.Equal(t, Message(OutcomeAuthExpired, nil), sink.errors[0])
	assert.Len(t, sink.rollbacks, 1)
}

func TestAttemptBudgetIsNeverExceeded(t *testing.T) {
	transport := &fakeTransport{patchResults: []transportResult{
		{err: &HTTPError{StatusCode: 401}},
		{err: &HTTPError{StatusCode: 401}},
		{item: serverItem(workitem.StatusDone, 2)},
	}}
	client, sink, _ := newHarness(transport)

	_, err := client.Update(context.Background(), "team_1", "E1", workitem.Delta{"status": "done"})
	require.Error(t, err)
	assert.Len(t, transport.patchCalls, 2)
	assert.Equal(t, 1, transport.refreshCalls)
	assert.Len(t, sink.errors, 1)
}

func TestTerminalOutcomesAreNotRetried(t *testing.T) {
	cases := []struct {
		name    string
		err     error
		outcome Outcome
	}{
		{name: "forbidden", err: &HTTPError{StatusCode: 403}, outcome: OutcomePermissionDenied},
		{name: "not found", err: &HTTPError{StatusCode: 404}, outcome: OutcomeNotFound},
		{name: "rate limited", err: &HTTPError{StatusCode: 429}, outcome: OutcomeRateLimited},
		{name: "server error", err: &HTTPError{StatusCode: 502}, outcome: OutcomeServerError},
		{name: "network", err: errors.New("dial tcp: connection refused"), outcome: OutcomeNetworkError},
		{name: "timeout", err: context.DeadlineExceeded, outcome: OutcomeNetworkError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			transport := &fakeTransport{patchResults: []transportResult{{err: tc.err}, {item: serverItem(workitem.StatusDone, 2)}}}
			client, sink, log := newHarness(transport)

			_, err := client.Update(context.Background(), "team_1", "E1", workitem.Delta{"status": "done"})
			require.Error(t, err)

			var merr *MutationError
			require.True(t, errors.As(err, &merr))
			assert.Equal(t, tc.outcome, merr.Outcome)
			assert.Len(t, transport.patchCalls, 1)
			assert.Equal(t, []string{"get", "optimistic:E1", "patch@1", "rollback:E1", "error"}, log.all())
			assert.Equal(t, []string{Message(tc.outcome, tc.err)}, sink.errors)
			assert.Empty(t, sink.conflicts)
		})
	}
}

func TestValidationFailsBeforeAnyRequest(t *testing.T) {
	transport := &fakeTransport{}
	client, sink, log := newHarness(transport)

	_, err := client.Update(context.Background(), "team_1", "E1", workitem.Delta{"status": "done", "colour": "red"})
	require.Error(t, err)
	assert.ErrorIs(t, err, workitem.ErrValidation)
	assert.Equal(t, []string{"error"}, log.all())
	require.Len(t, sink.errors, 1)
	assert.Contains(t, sink.errors[0], "colour")
	assert.Empty(t, sink.optimistic)
}

func TestRollbackRestoresCachedState(t *testing.T) {
	cache := NewItemCache(nil)
	cache.Put(e1())
	before, _ := cache.Get("E1")

	transport := &fakeTransport{patchResults: []transportResult{{err: &HTTPError{StatusCode: 500}}}}
	log := &callLog{}
	transport.log = log
	client := NewMutationClient(MutationOptions{Transport: transport, Sink: cache, Snapshots: cache})

	var seenDuring workitem.Item
	_, err := client.Update(context.Background(), "team_1", "E1", workitem.Delta{"title": "Renamed"},
		WithSink(MultiSink{cache, SinkFuncs{Optimistic: func(id string, _ workitem.Item) { seenDuring, _ = cache.Get(id) }}}))
	require.Error(t, err)

	assert.Equal(t, "Renamed", seenDuring.Title)
	after, _ := cache.Get("E1")
	assert.Equal(t, before, after)
	assert.False(t, cache.Pending("E1"))
	assert.Equal(t, 0, transport.getCalls)
	assert.NotEmpty(t, cache.LastError())
}

func TestCreateReconcilesTemporaryID(t *testing.T) {
	created := workitem.Item{ID: "E9", TeamID: "team_1", Title: "New", Status: workitem.StatusTodo, Priority: workitem.PriorityHigh, Version: 1}
	transport := &fakeTransport{postResults: []transportResult{{item: created}}}
	client, sink, log := newHarness(transport)

	got, err := client.Create(context.Background(), "team_1", workitem.Delta{"title": "New", "priority": "high"})
	require.NoError(t, err)
	assert.Equal(t, "E9", got.ID)

	require.Len(t, sink.optimistic, 1)
	tempID := sink.optimistic[0].ID
	assert.True(t, strings.HasPrefix(tempID, TempIDPrefix))
	assert.Equal(t, workitem.PriorityHigh, sink.optimistic[0].Priority)
	assert.Equal(t, [][2]string{{tempID, "E9"}}, sink.reconciled)
	assert.Equal(t, []string{"optimistic:" + tempID, "post", "reconcile:E9", "success:E9"}, log.all())
	assert.Equal(t, []string{"key-1"}, transport.postKeys)
}

func TestCreateFailureRemovesProvisionalItem(t *testing.T) {
	cache := NewItemCache(nil)
	transport := &fakeTransport{log: &callLog{}, postResults: []transportResult{{err: &HTTPError{StatusCode: 403}}}}
	client := NewMutationClient(MutationOptions{Transport: transport, Sink: cache})

	_, err := client.Create(context.Background(), "team_1", workitem.Delta{"title": "Nope"})
	require.Error(t, err)
	assert.Empty(t, cache.All())
	assert.Equal(t, Message(OutcomePermissionDenied, nil), cache.LastError())
}

func TestCreateRequiresTitle(t *testing.T) {
	transport := &fakeTransport{}
	client, sink, log := newHarness(transport)

	_, err := client.Create(context.Background(), "team_1", workitem.Delta{"priority": "low"})
	require.Error(t, err)
	assert.Equal(t, []string{"error"}, log.all())
	assert.Len(t, sink.errors, 1)
}

func TestArchivePrefetchesWhenVersionUnknown(t *testing.T) {
	transport := &fakeTransport{patchResults: []transportResult{{item: serverItem(workitem.StatusArchived, 2)}}}
	client, sink, log := newHarness(transport)

	_, err := client.Archive(context.Background(), "team_1", "E1")
	require.NoError(t, err)
	assert.Equal(t, 1, transport.getCalls)
	assert.Equal(t, []string{"get", "optimistic:E1", "patch@1", "success:E1"}, log.all())
	assert.Equal(t, workitem.Delta{"status": "archived"}, transport.patchCalls[0].delta)
	require.Len(t, sink.optimistic, 1)
	assert.Equal(t, workitem.StatusArchived, sink.optimistic[0].Status)
	assert.Equal(t, int64(1), sink.optimistic[0].Version)
}

func TestArchiveWithKnownVersionSkipsPrefetch(t *testing.T) {
	cache := NewItemCache(nil)
	cache.Put(e1())
	transport := &fakeTransport{log: &callLog{}, patchResults: []transportResult{{item: serverItem(workitem.StatusArchived, 2)}}}
	client := NewMutationClient(MutationOptions{Transport: transport, Sink: cache, Snapshots: cache})

	_, err := client.Archive(context.Background(), "team_1", "E1", WithBaseVersion(1))
	require.NoError(t, err)
	assert.Equal(t, 0, transport.getCalls)
	got, _ := cache.Get("E1")
	assert.Equal(t, workitem.StatusArchived, got.Status)
}

func TestArchivePrefetchFailureIsTerminal(t *testing.T) {
	transport := &fakeTransport{getErr: &HTTPError{StatusCode: 404}}
	client, sink, log := newHarness(transport)

	_, err := client.Archive(context.Background(), "team_1", "E1")
	require.Error(t, err)
	assert.Equal(t, []string{"get", "error"}, log.all())
	assert.Equal(t, []string{Message(OutcomeNotFound, nil)}, sink.errors)
}

func TestChangePrioritySendsOnlyPriority(t *testing.T) {
	updated := e1()
	updated.Priority = workitem.PriorityCritical
	updated.Version = 2
	transport := &fakeTransport{patchResults: []transportResult{{item: updated}}}
	client, _, _ := newHarness(transport)
	client.Versions().Set("E1", 1)

	_, err := client.ChangePriority(context.Background(), "team_1", "E1", workitem.PriorityCritical)
	require.NoError(t, err)
	assert.Equal(t, workitem.Delta{"priority": "critical"}, transport.patchCalls[0].delta)
	assert.Equal(t, int64(1), transport.patchCalls[0].baseVersion)
}

func TestConcurrentUpdatesForDifferentItems(t *testing.T) {
	cache := NewItemCache(nil)
	items := map[string]workitem.Item{}
	for i := 0; i < 8; i++ {
		id := fmt.Sprintf("E%d", i)
		items[id] = workitem.Item{ID: id, Title: id, Status: workitem.StatusTodo, Priority: workitem.PriorityLow, Version: 1}
	}
	transport := &echoTransport{items: items}
	client := NewMutationClient(MutationOptions{Transport: transport, Sink: cache})

	var wg sync.WaitGroup
	for id := range items {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := client.Update(context.Background(), "team_1", id, workitem.Delta{"status": "done"})
			assert.NoError(t, err)
		}(id)
	}
	wg.Wait()

	for id := range items {
		got, ok := cache.Get(id)
		require.True(t, ok)
		assert.Equal(t, workitem.StatusDone, got.Status)
		assert.Equal(t, int64(2), got.Version)
	}
}

// echoTransport applies patches to its own copy of each item.
type echoTransport struct {
	fakeTransport
	mu    sync.Mutex
	items map[string]workitem.Item
}

func (e *echoTransport) Get(_ context.Context, path string) (workitem.Item, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.items[path[strings.LastIndex(path, "/")+1:]], nil
}

func (e *echoTransport) Patch(_ context.Context, path string, delta workitem.Delta, base int64, _ string) (workitem.Item, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := path[strings.LastIndex(path, "/")+1:]
	current := e.items[id]
	if current.Version != base {
		return workitem.Item{}, &HTTPError{StatusCode: 409, CurrentVersion: current.Version}
	}
	next := current.Apply(delta)
	next.Version++
	e.items[id] = next
	return next, nil
}
