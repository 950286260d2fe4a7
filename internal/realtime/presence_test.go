package realtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/echorelay/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestTracker() (*Tracker, *fakePresenceStore, *recordingPublisher, *fakeClock) {
	store := newFakePresenceStore()
	pub := &recordingPublisher{}
	clock := &fakeClock{now: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
	tr := NewTracker(store, pub, zap.NewNop(), WithClock(clock.Now), WithTypingTimeout(5*time.Second))
	return tr, store, pub, clock
}

func typingEvents(events []OutboundEvent) []TypingPayload {
	var out []TypingPayload
	for _, ev := range events {
		if p, ok := ev.Payload.(TypingPayload); ok {
			out = append(out, p)
		}
	}
	return out
}

func TestStartTypingSwitchesChannel(t *testing.T) {
	tr, _, pub, _ := newTestTracker()
	ctx := context.Background()
	user, ws := uuid.New(), uuid.New()
	chA, chB := uuid.New(), uuid.New()

	require.NoError(t, tr.StartTyping(ctx, user, ws, chA))
	require.NoError(t, tr.StartTyping(ctx, user, ws, chB))

	got := typingEvents(pub.all())
	require.Len(t, got, 3)
	assert.Equal(t, TypingPayload{UserID: user, ChannelID: chA, IsTyping: true}, got[0])
	assert.Equal(t, TypingPayload{UserID: user, ChannelID: chA, IsTyping: false}, got[1])
	assert.Equal(t, TypingPayload{UserID: user, ChannelID: chB, IsTyping: true}, got[2])

	rec, ok := tr.Get(user, ws)
	require.True(t, ok)
	assert.True(t, rec.IsTyping)
	assert.Equal(t, chB, *rec.TypingChannelID)
}

func TestStartTypingRepeatOnlyRefreshes(t *testing.T) {
	tr, store, pub, clock := newTestTracker()
	ctx := context.Background()
	user, ws, ch := uuid.New(), uuid.New(), uuid.New()

	require.NoError(t, tr.StartTyping(ctx, user, ws, ch))
	upserts := store.upserts
	clock.Advance(time.Second)
	require.NoError(t, tr.StartTyping(ctx, user, ws, ch))

	assert.Len(t, pub.all(), 1)
	assert.Equal(t, upserts, store.upserts)
	rec, _ := tr.Get(user, ws)
	assert.Equal(t, clock.Now(), rec.TypingAt)
}

func TestStopTyping(t *testing.T) {
	tr, _, pub, _ := newTestTracker()
	ctx := context.Background()
	user, ws := uuid.New(), uuid.New()
	chA, chB := uuid.New(), uuid.New()

	require.NoError(t, tr.StopTyping(ctx, user, ws))
	assert.Empty(t, pub.all(), "not typing: no event")

	require.NoError(t, tr.StartTyping(ctx, user, ws, chA))
	require.NoError(t, tr.StopTypingIn(ctx, user, ws, chB))
	assert.Len(t, pub.all(), 1, "stop for another channel is ignored")

	require.NoError(t, tr.StopTypingIn(ctx, user, ws, chA))
	require.NoError(t, tr.StopTyping(ctx, user, ws))
	got := typingEvents(pub.all())
	require.Len(t, got, 2)
	assert.False(t, got[1].IsTyping)
	assert.Equal(t, ChannelRoom(chA), pub.all()[1].Room)
}

func TestSetStatus(t *testing.T) {
	tr, store, pub, _ := newTestTracker()
	ctx := context.Background()
	user, ws := uuid.New(), uuid.New()
	msg := "in a meeting"

	rec, err := tr.SetStatus(ctx, user, ws, models.StatusBusy, &msg)
	require.NoError(t, err)
	assert.Equal(t, models.StatusBusy, rec.Status)

	stored, ok := store.record(user, ws)
	require.True(t, ok)
	assert.Equal(t, "in a meeting", *stored.StatusMessage)

	events := pub.all()
	require.Len(t, events, 1)
	assert.Equal(t, TypeUserStatusUpdate, events[0].Type)
	assert.Equal(t, WorkspaceRoom(ws), events[0].Room)

	rec, err = tr.SetStatus(ctx, user, ws, models.StatusAway, nil)
	require.NoError(t, err)
	assert.Nil(t, rec.StatusMessage, "nil clears the message")

	_, err = tr.SetStatus(ctx, user, ws, "sleeping", nil)
	assert.Equal(t, CodeValidation, CodeOf(err))
}

func TestSetStatusOfflineStopsTyping(t *testing.T) {
	tr, _, pub, _ := newTestTracker()
	ctx := context.Background()
	user, ws, ch := uuid.New(), uuid.New(), uuid.New()

	require.NoError(t, tr.StartTyping(ctx, user, ws, ch))
	_, err := tr.SetStatus(ctx, user, ws, models.StatusOffline, nil)
	require.NoError(t, err)

	events := pub.all()
	require.Len(t, events, 3)
	assert.Equal(t, TypingPayload{UserID: user, ChannelID: ch, IsTyping: false}, events[1].Payload)
	assert.Equal(t, TypeUserStatusUpdate, events[2].Type)
}

func TestPersistFailureEmitsNothing(t *testing.T) {
	tr, store, pub, _ := newTestTracker()
	ctx := context.Background()
	user, ws := uuid.New(), uuid.New()
	store.setUpsertErr(errStoreDown)

	_, err := tr.SetStatus(ctx, user, ws, models.StatusAway, nil)
	assert.Equal(t, CodePersistence, CodeOf(err))
	assert.Error(t, tr.StartTyping(ctx, user, ws, uuid.New()))

	assert.Empty(t, pub.all())
	_, cached := tr.Get(user, ws)
	assert.False(t, cached)
}

func TestMarkConnectedKeepsStatusMessage(t *testing.T) {
	tr, store, _, _ := newTestTracker()
	ctx := context.Background()
	user, ws := uuid.New(), uuid.New()
	msg := "on leave"
	require.NoError(t, store.Upsert(ctx, models.PresenceRecord{
		UserID: user, WorkspaceID: ws, Status: models.StatusOffline, StatusMessage: &msg,
	}))

	require.NoError(t, tr.MarkConnected(ctx, user, ws))

	rec, ok := tr.Get(user, ws)
	require.True(t, ok)
	assert.Equal(t, models.StatusOnline, rec.Status)
	require.NotNil(t, rec.StatusMessage)
	assert.Equal(t, "on leave", *rec.StatusMessage)
	assert.Equal(t, []uuid.UUID{ws}, tr.Workspaces(user))
}

func TestMarkDisconnected(t *testing.T) {
	tr, store, pub, clock := newTestTracker()
	ctx := context.Background()
	user, ws, ch := uuid.New(), uuid.New(), uuid.New()

	require.NoError(t, tr.MarkConnected(ctx, user, ws))
	require.NoError(t, tr.StartTyping(ctx, user, ws, ch))
	clock.Advance(time.Minute)
	require.NoError(t, tr.MarkDisconnected(ctx, user, ws))

	stored, ok := store.record(user, ws)
	require.True(t, ok)
	assert.Equal(t, models.StatusOffline, stored.Status)
	assert.False(t, stored.IsTyping)
	assert.Equal(t, clock.Now(), stored.LastSeenAt)

	events := pub.all()
	last := events[len(events)-1]
	assert.Equal(t, TypeUserStatusUpdate, last.Type)
	assert.Equal(t, TypingPayload{UserID: user, ChannelID: ch, IsTyping: false}, events[len(events)-2].Payload)

	_, cached := tr.Get(user, ws)
	assert.False(t, cached)
	assert.Empty(t, tr.Workspaces(user))
}

func TestExpireTyping(t *testing.T) {
	tr, _, pub, clock := newTestTracker()
	ctx := context.Background()
	user, ws := uuid.New(), uuid.New()
	stale, fresh := uuid.New(), uuid.New()
	other := uuid.New()

	require.NoError(t, tr.StartTyping(ctx, user, ws, stale))
	clock.Advance(4 * time.Second)
	require.NoError(t, tr.StartTyping(ctx, other, ws, fresh))
	clock.Advance(2 * time.Second)

	tr.ExpireTyping(ctx)

	rec, _ := tr.Get(user, ws)
	assert.False(t, rec.IsTyping)
	rec, _ = tr.Get(other, ws)
	assert.True(t, rec.IsTyping)

	got := typingEvents(pub.all())
	require.Len(t, got, 3)
	assert.Equal(t, TypingPayload{UserID: user, ChannelID: stale, IsTyping: false}, got[2])
}

func TestTypingNotRestoredFromStore(t *testing.T) {
	tr, store, pub, _ := newTestTracker()
	ctx := context.Background()
	user, ws, ch := uuid.New(), uuid.New(), uuid.New()
	require.NoError(t, store.Upsert(ctx, models.PresenceRecord{
		UserID: user, WorkspaceID: ws, Status: models.StatusOnline, IsTyping: true, TypingChannelID: &ch,
	}))

	require.NoError(t, tr.MarkConnected(ctx, user, ws))
	rec, _ := tr.Get(user, ws)
	assert.False(t, rec.IsTyping)
	assert.Nil(t, rec.TypingChannelID)
	assert.Empty(t, typingEvents(pub.all()))
}

func TestSnapshot(t *testing.T) {
	tr, _, _, _ := newTestTracker()
	ctx := context.Background()
	ws := uuid.New()
	a, b := uuid.New(), uuid.New()

	require.NoError(t, tr.MarkConnected(ctx, a, ws))
	require.NoError(t, tr.MarkConnected(ctx, b, ws))
	require.NoError(t, tr.MarkConnected(ctx, uuid.New(), uuid.New()))

	records, err := tr.Snapshot(ctx, ws)
	require.NoError(t, err)
	var users []uuid.UUID
	for _, r := range records {
		users = append(users, r.UserID)
	}
	assert.ElementsMatch(t, []uuid.UUID{a, b}, users)
}

func TestSnapshotSurvivesCanceledCaller(t *testing.T) {
	tr, store, _, _ := newTestTracker()
	ws, user := uuid.New(), uuid.New()
	require.NoError(t, tr.MarkConnected(context.Background(), user, ws))

	entered, release := store.holdList()

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := tr.Snapshot(firstCtx, ws)
		firstErr <- err
	}()
	<-entered

	cancelFirst()
	assert.Error(t, <-firstErr, "the canceled caller gives up")

	type result struct {
		records []models.PresenceRecord
		err     error
	}
	second := make(chan result, 1)
	go func() {
		records, err := tr.Snapshot(context.Background(), ws)
		second <- result{records, err}
	}()
	// Let the second caller join the read still in flight.
	time.Sleep(20 * time.Millisecond)
	release()

	got := <-second
	require.NoError(t, got.err)
	require.Len(t, got.records, 1)
	assert.Equal(t, user, got.records[0].UserID)
}
