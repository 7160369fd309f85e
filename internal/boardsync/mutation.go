// Package boardsync is the client side of the board: optimistic mutations,
// version tracking, conflict handling and cache reconciliation.
package boardsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/relayboard/internal/workitem"
)

const TempIDPrefix = "tmp_"

type Logger interface {
	Printf(format string, args ...any)
}

// SnapshotSource supplies the state the user is currently looking at, so an
// update does not need a round trip before projecting.
type SnapshotSource interface {
	Snapshot(itemID string) (workitem.Item, bool)
}

// PendingMutation is one logical write in flight. The idempotency key is kept
// across retries.
type PendingMutation struct {
	Op             string
	TeamID         string
	ItemID         string
	Delta          workitem.Delta
	BaseVersion    int64
	IdempotencyKey string
	Attempt        int
}

// MutationError is the terminal failure of a mutation.
type MutationError struct {
	Op       string
	ItemID   string
	Outcome  Outcome
	Messages []string
	Err      error
}

func (e *MutationError) Error() string {
	msg := strings.Join(e.Messages, "; ")
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("%s %s: %s: %s", e.Op, e.ItemID, e.Outcome, msg)
}

func (e *MutationError) Unwrap() error {
	return e.Err
}

func (e *MutationError) Is(target error) bool {
	switch target {
	case ErrConflict:
		return e.Outcome == OutcomeVersionConflict
	case ErrAuthExpired:
		return e.Outcome == OutcomeAuthExpired
	case workitem.ErrValidation:
		return e.Outcome == OutcomeValidation
	}
	return false
}

type MutationOptions struct {
	Transport Transport
	Versions  *VersionStore
	Sink      Sink
	Snapshots SnapshotSource
	Resolver  Resolver
	Logger    Logger
	Now       func() time.Time
	NewKey    func() string
}

type MutationClient struct {
	transport Transport
	versions  *VersionStore
	sink      Sink
	snapshots SnapshotSource
	resolver  Resolver
	logger    Logger
	now       func() time.Time
	newKey    func() string
}

func NewMutationClient(opts MutationOptions) *MutationClient {
	c := &MutationClient{
		transport: opts.Transport,
		versions:  opts.Versions,
		sink:      opts.Sink,
		snapshots: opts.Snapshots,
		resolver:  opts.Resolver,
		logger:    opts.Logger,
		now:       opts.Now,
		newKey:    opts.NewKey,
	}
	if c.versions == nil {
		c.versions = NewVersionStore()
	}
	if c.sink == nil {
		c.sink = SinkFuncs{}
	}
	if c.resolver.MaxAttempts <= 0 {
		c.resolver = NewResolver()
	}
	if c.now == nil {
		c.now = func() time.Time { return time.Now().UTC() }
	}
	if c.newKey == nil {
		c.newKey = uuid.NewString
	}
	return c
}

func (c *MutationClient) Versions() *VersionStore {
	return c.versions
}

type CallOption func(*callConfig)

type callConfig struct {
	sink        Sink
	baseVersion int64
	key         string
}

// WithSink routes this call's notifications to sink instead of the client's.
func WithSink(sink Sink) CallOption {
	return func(cfg *callConfig) {
		if sink != nil {
			cfg.sink = sink
		}
	}
}

func WithBaseVersion(version int64) CallOption {
	return func(cfg *callConfig) {
		cfg.baseVersion = version
	}
}

func WithIdempotencyKey(key string) CallOption {
	return func(cfg *callConfig) {
		cfg.key = strings.TrimSpace(key)
	}
}

func (c *MutationClient) config(opts []CallOption) callConfig {
	cfg := callConfig{sink: c.sink}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.key == "" {
		cfg.key = c.newKey()
	}
	return cfg
}

// Update applies delta to itemID optimistically, then writes it against the
// base version. The sink sees one optimistic projection and one terminal
// notification.
func (c *MutationClient) Update(ctx context.Context, teamID, itemID string, delta workitem.Delta, opts ...CallOption) (workitem.Item, error) {
	cfg := c.config(opts)
	return c.update(ctx, "update", teamID, itemID, delta, cfg, nil)
}

func (c *MutationClient) ChangePriority(ctx context.Context, teamID, itemID, priority string, opts ...CallOption) (workitem.Item, error) {
	cfg := c.config(opts)
	return c.update(ctx, "change_priority", teamID, itemID, workitem.Delta{workitem.FieldPriority: priority}, cfg, nil)
}

// Archive sets the item's status to archived. Without a known version the
// current item is fetched first so the rollback restores accurate data.
func (c *MutationClient) Archive(ctx context.Context, teamID, itemID string, opts ...CallOption) (workitem.Item, error) {
	cfg := c.config(opts)
	delta := workitem.Delta{workitem.FieldStatus: workitem.StatusArchived}
	if cfg.baseVersion > 0 {
		return c.update(ctx, "archive", teamID, itemID, delta, cfg, nil)
	}
	if _, known := c.versions.Get(itemID); known {
		return c.update(ctx, "archive", teamID, itemID, delta, cfg, nil)
	}
	current, err := c.transport.Get(ctx, ItemPath(teamID, itemID))
	if err != nil {
		return workitem.Item{}, c.fail(cfg.sink, "archive", itemID, Classify(err), err)
	}
	c.versions.Set(itemID, current.Version)
	return c.update(ctx, "archive", teamID, itemID, delta, cfg, &current)
}

func (c *MutationClient) update(
	ctx context.Context,
	op, teamID, itemID string,
	delta workitem.Delta,
	cfg callConfig,
	snapshot *workitem.Item,
) (workitem.Item, error) {
	if err := workitem.ValidateDelta(delta); err != nil {
		return workitem.Item{}, c.fail(cfg.sink, op, itemID, OutcomeValidation, err)
	}
	original, err := c.resolveSnapshot(ctx, teamID, itemID, snapshot)
	if err != nil {
		return workitem.Item{}, c.fail(cfg.sink, op, itemID, Classify(err), err)
	}

	base := cfg.baseVersion
	if base <= 0 {
		if known, ok := c.versions.Get(itemID); ok {
			base = known
		} else {
			base = original.Version
			c.versions.Set(itemID, base)
		}
	}

	projected := original.Apply(delta)
	projected.UpdatedAt = c.now()
	cfg.sink.OnOptimisticUpdate(itemID, projected)

	pending := &PendingMutation{
		Op:             op,
		TeamID:         teamID,
		ItemID:         itemID,
		Delta:          delta.Clone(),
		BaseVersion:    base,
		IdempotencyKey: cfg.key,
	}
	path := ItemPath(teamID, itemID)
	item, err := c.execute(ctx, pending, func(ctx context.Context, p *PendingMutation) (workitem.Item, error) {
		return c.transport.Patch(ctx, path, p.Delta, p.BaseVersion, p.IdempotencyKey)
	})
	if err != nil {
		cfg.sink.OnOptimisticRollback(itemID, original)
		c.surface(cfg.sink, err)
		return original, err
	}
	c.versions.Set(item.ID, item.Version)
	cfg.sink.OnSuccess(item)
	return item, nil
}

// Create projects a provisional item under a temporary id and posts draft.
// On success the sink learns the server id before OnSuccess.
func (c *MutationClient) Create(ctx context.Context, teamID string, draft workitem.Delta, opts ...CallOption) (workitem.Item, error) {
	cfg := c.config(opts)
	tempID := TempIDPrefix + uuid.NewString()
	if err := workitem.ValidateDraft(draft); err != nil {
		return workitem.Item{}, c.fail(cfg.sink, "create", tempID, OutcomeValidation, err)
	}

	now := c.now()
	provisional := workitem.Item{
		ID:        tempID,
		TeamID:    teamID,
		Status:    workitem.StatusTodo,
		Priority:  workitem.PriorityMedium,
		CreatedAt: now,
		UpdatedAt: now,
	}.Apply(draft)
	cfg.sink.OnOptimisticUpdate(tempID, provisional)

	pending := &PendingMutation{
		Op:             "create",
		TeamID:         teamID,
		ItemID:         tempID,
		Delta:          draft.Clone(),
		IdempotencyKey: cfg.key,
	}
	path := ItemsPath(teamID)
	item, err := c.execute(ctx, pending, func(ctx context.Context, p *PendingMutation) (workitem.Item, error) {
		return c.transport.Post(ctx, path, p.Delta, p.IdempotencyKey)
	})
	if err != nil {
		cfg.sink.OnOptimisticRollback(tempID, workitem.Item{})
		c.surface(cfg.sink, err)
		return workitem.Item{}, err
	}
	if reconciler, ok := cfg.sink.(IDReconciler); ok {
		reconciler.OnReconcileID(tempID, item.ID)
	}
	c.versions.Set(item.ID, item.Version)
	cfg.sink.OnSuccess(item)
	return item, nil
}

func (c *MutationClient) resolveSnapshot(ctx context.Context, teamID, itemID string, snapshot *workitem.Item) (workitem.Item, error) {
	if snapshot != nil {
		return *snapshot, nil
	}
	if c.snapshots != nil {
		if it, ok := c.snapshots.Snapshot(itemID); ok && !it.IsZero() {
			return it, nil
		}
	}
	it, err := c.transport.Get(ctx, ItemPath(teamID, itemID))
	if err != nil {
		return workitem.Item{}, err
	}
	c.versions.Set(it.ID, it.Version)
	return it, nil
}

type sendFunc func(ctx context.Context, p *PendingMutation) (workitem.Item, error)

// execute drives the resolver state machine until a terminal directive.
func (c *MutationClient) execute(ctx context.Context, p *PendingMutation, send sendFunc) (workitem.Item, error) {
	for {
		p.Attempt++
		item, err := send(ctx, p)
		outcome := OutcomeSuccess
		if err != nil {
			outcome = c.resolver.Classify(err)
		}
		directive := c.resolver.Decide(p.Attempt, outcome)
		switch directive {
		case DirectiveCommit:
			return item, nil
		case DirectiveRetry:
			var httpErr *HTTPError
			if errors.As(err, &httpErr) && httpErr.CurrentVersion > 0 {
				p.BaseVersion = httpErr.CurrentVersion
				c.versions.Set(p.ItemID, httpErr.CurrentVersion)
			}
			c.logf("%s %s: version conflict on attempt %d, retrying at version %d", p.Op, p.ItemID, p.Attempt, p.BaseVersion)
		case DirectiveRefreshThenRetry:
			c.logf("%s %s: access token expired, refreshing", p.Op, p.ItemID)
			if _, refreshErr := c.transport.RefreshToken(ctx); refreshErr != nil {
				return workitem.Item{}, &MutationError{
					Op:      p.Op,
					ItemID:  p.ItemID,
					Outcome: OutcomeAuthExpired,
					Err:     fmt.Errorf("refresh token: %w", refreshErr),
				}
			}
		case DirectiveConflict:
			return workitem.Item{}, &MutationError{
				Op:       p.Op,
				ItemID:   p.ItemID,
				Outcome:  OutcomeVersionConflict,
				Messages: ConflictMessages(err),
				Err:      err,
			}
		default:
			return workitem.Item{}, &MutationError{
				Op:      p.Op,
				ItemID:  p.ItemID,
				Outcome: outcome,
				Err:     err,
			}
		}
	}
}

func (c *MutationClient) fail(sink Sink, op, itemID string, outcome Outcome, err error) error {
	merr := &MutationError{Op: op, ItemID: itemID, Outcome: outcome, Err: err}
	c.surface(sink, merr)
	return merr
}

// surface reports a terminal error. Conflicts never reach OnError.
func (c *MutationClient) surface(sink Sink, err error) {
	var merr *MutationError
	if !errors.As(err, &merr) {
		merr = &MutationError{Outcome: Classify(err), Err: err}
	}
	c.logf("%s %s failed: %s", merr.Op, merr.ItemID, merr.Outcome)
	if merr.Outcome == OutcomeVersionConflict {
		msgs := merr.Messages
		if len(msgs) == 0 {
			msgs = ConflictMessages(merr.Err)
		}
		sink.OnConflict(msgs)
		return
	}
	sink.OnError(Message(merr.Outcome, merr.Err))
}

func (c *MutationClient) logf(format string, args ...any) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}
