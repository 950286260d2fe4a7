package realtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/echorelay/internal/models"
	"github.com/lalith-99/echorelay/internal/repository"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	defaultTypingTimeout = 8 * time.Second
	// snapshotTimeout bounds the shared store read behind Snapshot.
	snapshotTimeout = 5 * time.Second
)

// Publisher is where the tracker emits its events. Fanout implements it.
type Publisher interface {
	Deliver(ev OutboundEvent) int
}

type presenceKey struct {
	user      uuid.UUID
	workspace uuid.UUID
}

// Tracker owns presence for (user, workspace) pairs.
//
// Every mutation of one key runs under that key's lock as load, persist,
// commit to memory, emit. Nothing is emitted or cached unless the upsert
// succeeded, and a later transition can never be overtaken by an earlier
// one's events.
//
// Only keys of currently or recently connected users are cached; others
// are loaded from the store on demand.
type Tracker struct {
	store         repository.PresenceRepository
	pub           Publisher
	logger        *zap.Logger
	now           func() time.Time
	typingTimeout time.Duration

	locks *keyLock[presenceKey]

	mu      sync.RWMutex
	records map[presenceKey]models.PresenceRecord
	byUser  map[uuid.UUID]map[uuid.UUID]struct{}

	snapshots singleflight.Group
}

type TrackerOption func(*Tracker)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) { t.now = now }
}

// WithTypingTimeout sets how long a typing indicator lives without a
// refresh before ExpireTyping stops it.
func WithTypingTimeout(d time.Duration) TrackerOption {
	return func(t *Tracker) {
		if d > 0 {
			t.typingTimeout = d
		}
	}
}

func NewTracker(store repository.PresenceRepository, pub Publisher, logger *zap.Logger, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		store:         store,
		pub:           pub,
		logger:        logger,
		now:           time.Now,
		typingTimeout: defaultTypingTimeout,
		locks:         newKeyLock[presenceKey](),
		records:       make(map[presenceKey]models.PresenceRecord),
		byUser:        make(map[uuid.UUID]map[uuid.UUID]struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// SetStatus upserts the record with the given status. A nil statusMessage
// clears the message. Going offline also ends any typing indicator.
func (t *Tracker) SetStatus(ctx context.Context, userID, workspaceID uuid.UUID, status models.PresenceStatus, statusMessage *string) (models.PresenceRecord, error) {
	if !status.Valid() {
		return models.PresenceRecord{}, validationError("invalid status %q", status)
	}

	key := presenceKey{user: userID, workspace: workspaceID}
	unlock := t.locks.Lock(key)
	defer unlock()

	cur, err := t.load(ctx, key)
	if err != nil {
		return models.PresenceRecord{}, err
	}

	next := cur
	next.Status = status
	next.StatusMessage = statusMessage
	next.LastSeenAt = t.now()
	if status == models.StatusOffline {
		next.ClearTyping()
	}

	if err := t.commit(ctx, key, next); err != nil {
		return models.PresenceRecord{}, err
	}

	if cur.IsTyping && !next.IsTyping {
		t.emitTyping(userID, *cur.TypingChannelID, false)
	}
	t.emitStatus(next)
	return next, nil
}

// MarkConnected flips the user online when their first connection comes
// up, keeping whatever status message they had.
func (t *Tracker) MarkConnected(ctx context.Context, userID, workspaceID uuid.UUID) error {
	key := presenceKey{user: userID, workspace: workspaceID}
	unlock := t.locks.Lock(key)
	defer unlock()

	cur, err := t.load(ctx, key)
	if err != nil {
		return err
	}

	next := cur
	next.Status = models.StatusOnline
	next.LastSeenAt = t.now()
	if err := t.commit(ctx, key, next); err != nil {
		return err
	}
	t.emitStatus(next)
	return nil
}

// StartTyping marks the user typing in channelID. If they were typing in a
// different channel of the same workspace, that channel gets a stop event
// first. Repeating the current channel only refreshes the expiry.
func (t *Tracker) StartTyping(ctx context.Context, userID, workspaceID, channelID uuid.UUID) error {
	key := presenceKey{user: userID, workspace: workspaceID}
	unlock := t.locks.Lock(key)
	defer unlock()

	cur, err := t.load(ctx, key)
	if err != nil {
		return err
	}

	now := t.now()
	if cur.IsTyping && *cur.TypingChannelID == channelID {
		cur.TypingAt = now
		t.cache(key, cur)
		return nil
	}

	next := cur
	next.IsTyping = true
	next.TypingChannelID = &channelID
	next.TypingAt = now
	next.LastSeenAt = now
	if err := t.commit(ctx, key, next); err != nil {
		return err
	}

	if cur.IsTyping {
		t.emitTyping(userID, *cur.TypingChannelID, false)
	}
	t.emitTyping(userID, channelID, true)
	return nil
}

// StopTyping ends the user's typing indicator in the workspace. No-op
// without an event if they were not typing.
func (t *Tracker) StopTyping(ctx context.Context, userID, workspaceID uuid.UUID) error {
	return t.stopTyping(ctx, presenceKey{user: userID, workspace: workspaceID}, nil, time.Time{})
}

// StopTypingIn is StopTyping restricted to one channel: a stop for a
// channel the user has since moved away from is ignored.
func (t *Tracker) StopTypingIn(ctx context.Context, userID, workspaceID, channelID uuid.UUID) error {
	return t.stopTyping(ctx, presenceKey{user: userID, workspace: workspaceID}, &channelID, time.Time{})
}

// stopTyping clears typing for key when it matches channel (if non-nil)
// and, when staleBefore is set, only if the indicator was last refreshed
// before it.
func (t *Tracker) stopTyping(ctx context.Context, key presenceKey, channel *uuid.UUID, staleBefore time.Time) error {
	unlock := t.locks.Lock(key)
	defer unlock()

	// Typing state is never restored from the store, so an uncached key
	// cannot be typing.
	cur, ok := t.cached(key)
	if !ok || !cur.IsTyping {
		return nil
	}
	if channel != nil && *cur.TypingChannelID != *channel {
		return nil
	}
	if !staleBefore.IsZero() && !cur.TypingAt.Before(staleBefore) {
		return nil
	}

	next := cur
	next.ClearTyping()
	if err := t.commit(ctx, key, next); err != nil {
		return err
	}
	t.emitTyping(key.user, *cur.TypingChannelID, false)
	return nil
}

// MarkDisconnected is called when the user's last connection has gone. The
// record goes offline, typing ends, and the key leaves the cache.
func (t *Tracker) MarkDisconnected(ctx context.Context, userID, workspaceID uuid.UUID) error {
	key := presenceKey{user: userID, workspace: workspaceID}
	unlock := t.locks.Lock(key)
	defer unlock()

	cur, err := t.load(ctx, key)
	if err != nil {
		return err
	}

	next := cur
	next.Status = models.StatusOffline
	next.ClearTyping()
	next.LastSeenAt = t.now()
	if err := t.commit(ctx, key, next); err != nil {
		return err
	}

	if cur.IsTyping {
		t.emitTyping(userID, *cur.TypingChannelID, false)
	}
	t.emitStatus(next)
	t.evict(key)
	return nil
}

// Get returns the cached record for the pair, if any.
func (t *Tracker) Get(userID, workspaceID uuid.UUID) (models.PresenceRecord, bool) {
	return t.cached(presenceKey{user: userID, workspace: workspaceID})
}

// Workspaces lists the workspaces the user has cached presence in.
func (t *Tracker) Workspaces(userID uuid.UUID) []uuid.UUID {
	t.mu.RLock()
	defer t.mu.RUnlock()

	set := t.byUser[userID]
	ids := make([]uuid.UUID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}

// Snapshot reads every persisted record of a workspace, used to seed a
// client that just joined the workspace room. Concurrent calls for the
// same workspace share one store read.
func (t *Tracker) Snapshot(ctx context.Context, workspaceID uuid.UUID) ([]models.PresenceRecord, error) {
	ch := t.snapshots.DoChan(workspaceID.String(), func() (any, error) {
		// The read is shared, so one caller going away must not fail the
		// others. It gets its own deadline instead.
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), snapshotTimeout)
		defer cancel()
		return t.store.ListByWorkspace(loadCtx, workspaceID)
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, persistenceError(fmt.Errorf("snapshot %s: %w", workspaceID, ctx.Err()), "could not load presence")
	}
	v, err := res.Val, res.Err
	if err != nil {
		return nil, persistenceError(fmt.Errorf("snapshot %s: %w", workspaceID, err), "could not load presence")
	}

	shared := v.([]models.PresenceRecord)
	records := make([]models.PresenceRecord, len(shared))
	copy(records, shared)
	return records, nil
}

// ExpireTyping stops every typing indicator not refreshed within the
// typing timeout.
func (t *Tracker) ExpireTyping(ctx context.Context) {
	cutoff := t.now().Add(-t.typingTimeout)

	t.mu.RLock()
	var stale []presenceKey
	for key, rec := range t.records {
		if rec.IsTyping && rec.TypingAt.Before(cutoff) {
			stale = append(stale, key)
		}
	}
	t.mu.RUnlock()

	for _, key := range stale {
		if err := t.stopTyping(ctx, key, nil, cutoff); err != nil {
			t.logger.Warn("failed to expire typing indicator",
				zap.String("user_id", key.user.String()),
				zap.String("workspace_id", key.workspace.String()),
				zap.Error(err),
			)
		}
	}
}

// Run sweeps expired typing indicators until ctx is done.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.typingTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.ExpireTyping(ctx)
		}
	}
}

// load returns the cached record, else the stored one with typing cleared,
// else a fresh offline record. Caller holds the key lock.
func (t *Tracker) load(ctx context.Context, key presenceKey) (models.PresenceRecord, error) {
	if rec, ok := t.cached(key); ok {
		return rec, nil
	}

	stored, err := t.store.Get(ctx, key.workspace, key.user)
	if err != nil {
		return models.PresenceRecord{}, persistenceError(fmt.Errorf("load presence: %w", err), "could not load presence")
	}
	if stored != nil {
		rec := *stored
		rec.ClearTyping()
		return rec, nil
	}
	return models.PresenceRecord{
		UserID:      key.user,
		WorkspaceID: key.workspace,
		Status:      models.StatusOffline,
	}, nil
}

// commit persists rec and then caches it. Caller holds the key lock.
func (t *Tracker) commit(ctx context.Context, key presenceKey, rec models.PresenceRecord) error {
	if err := t.store.Upsert(ctx, rec); err != nil {
		return persistenceError(fmt.Errorf("upsert presence: %w", err), "could not save presence")
	}
	t.cache(key, rec)
	return nil
}

func (t *Tracker) cached(key presenceKey) (models.PresenceRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.records[key]
	return rec, ok
}

func (t *Tracker) cache(key presenceKey, rec models.PresenceRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.records[key] = rec
	set, ok := t.byUser[key.user]
	if !ok {
		set = make(map[uuid.UUID]struct{})
		t.byUser[key.user] = set
	}
	set[key.workspace] = struct{}{}
}

func (t *Tracker) evict(key presenceKey) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.records, key)
	if set, ok := t.byUser[key.user]; ok {
		delete(set, key.workspace)
		if len(set) == 0 {
			delete(t.byUser, key.user)
		}
	}
}

func (t *Tracker) emitTyping(userID, channelID uuid.UUID, typing bool) {
	t.pub.Deliver(OutboundEvent{
		Type: TypeUserTyping,
		Room: ChannelRoom(channelID),
		Payload: TypingPayload{
			UserID:    userID,
			ChannelID: channelID,
			IsTyping:  typing,
		},
	})
}

func (t *Tracker) emitStatus(rec models.PresenceRecord) {
	t.pub.Deliver(OutboundEvent{
		Type:    TypeUserStatusUpdate,
		Room:    WorkspaceRoom(rec.WorkspaceID),
		Payload: statusPayload(rec),
	})
}
