package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/echorelay/internal/models"
	"github.com/lalith-99/echorelay/internal/repository"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var errStoreDown = errors.New("store down")

type fakeMembership struct {
	mu         sync.Mutex
	channels   map[uuid.UUID]map[uuid.UUID]bool
	workspaces map[uuid.UUID]map[uuid.UUID]bool
	err        error
}

func newFakeMembership() *fakeMembership {
	return &fakeMembership{
		channels:   make(map[uuid.UUID]map[uuid.UUID]bool),
		workspaces: make(map[uuid.UUID]map[uuid.UUID]bool),
	}
}

func (f *fakeMembership) addChannel(channelID uuid.UUID, users ...uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.channels[channelID] == nil {
		f.channels[channelID] = make(map[uuid.UUID]bool)
	}
	for _, u := range users {
		f.channels[channelID][u] = true
	}
}

func (f *fakeMembership) addWorkspace(workspaceID uuid.UUID, users ...uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.workspaces[workspaceID] == nil {
		f.workspaces[workspaceID] = make(map[uuid.UUID]bool)
	}
	for _, u := range users {
		f.workspaces[workspaceID][u] = true
	}
}

func (f *fakeMembership) IsMember(_ context.Context, channelID, userID uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	return f.channels[channelID][userID], nil
}

func (f *fakeMembership) IsWorkspaceMember(_ context.Context, workspaceID, userID uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	return f.workspaces[workspaceID][userID], nil
}

type fakeChannels struct {
	channels map[uuid.UUID]*models.Channel
}

func (f *fakeChannels) GetByID(_ context.Context, channelID uuid.UUID) (*models.Channel, error) {
	return f.channels[channelID], nil
}

type reactionKey struct {
	messageID int64
	userID    uuid.UUID
	emoji     string
}

type fakeMessages struct {
	mu        sync.Mutex
	nextID    int64
	messages  map[int64]*models.Message
	reactions map[reactionKey]bool
	err       error
}

func newFakeMessages() *fakeMessages {
	return &fakeMessages{
		messages:  make(map[int64]*models.Message),
		reactions: make(map[reactionKey]bool),
	}
}

func (f *fakeMessages) Create(_ context.Context, p repository.CreateMessageParams) (*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if p.ReplyToID != nil {
		parent, ok := f.messages[*p.ReplyToID]
		if !ok || parent.IsDeleted() {
			return nil, repository.ErrNotFound
		}
		parent.ReplyCount++
	}
	f.nextID++
	msg := &models.Message{
		ID:        f.nextID,
		ChannelID: p.ChannelID,
		SenderID:  p.SenderID,
		Body:      p.Body,
		ReplyToID: p.ReplyToID,
		Mentions:  p.Mentions,
		CreatedAt: time.Now(),
	}
	f.messages[msg.ID] = msg
	cp := *msg
	return &cp, nil
}

func (f *fakeMessages) GetByID(_ context.Context, id int64) (*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	msg, ok := f.messages[id]
	if !ok {
		return nil, nil
	}
	cp := *msg
	return &cp, nil
}

func (f *fakeMessages) UpdateBody(_ context.Context, id int64, body string) (*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	msg, ok := f.messages[id]
	if !ok || msg.IsDeleted() {
		return nil, nil
	}
	now := time.Now()
	msg.Body = body
	msg.EditedAt = &now
	cp := *msg
	return &cp, nil
}

func (f *fakeMessages) SoftDelete(_ context.Context, id int64) (*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	msg, ok := f.messages[id]
	if !ok || msg.IsDeleted() {
		return nil, nil
	}
	now := time.Now()
	msg.DeletedAt = &now
	cp := *msg
	return &cp, nil
}

func (f *fakeMessages) ToggleReaction(_ context.Context, id int64, userID uuid.UUID, emoji string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	msg, ok := f.messages[id]
	if !ok || msg.IsDeleted() {
		return false, repository.ErrNotFound
	}
	key := reactionKey{messageID: id, userID: userID, emoji: emoji}
	if f.reactions[key] {
		delete(f.reactions, key)
		return true, nil
	}
	f.reactions[key] = true
	return false, nil
}

func (f *fakeMessages) hasReaction(id int64, userID uuid.UUID, emoji string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reactions[reactionKey{messageID: id, userID: userID, emoji: emoji}]
}

func (f *fakeMessages) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

type fakePresenceStore struct {
	mu        sync.Mutex
	records   map[presenceKey]models.PresenceRecord
	upserts   int
	upsertErr error

	// beforeUpsert, when set, runs ahead of every Upsert.
	beforeUpsert func(models.PresenceRecord)
	// listGate, when set, holds ListByWorkspace until it is closed.
	listGate    chan struct{}
	listEntered chan struct{}
}

func newFakePresenceStore() *fakePresenceStore {
	return &fakePresenceStore{records: make(map[presenceKey]models.PresenceRecord)}
}

func (f *fakePresenceStore) Upsert(_ context.Context, rec models.PresenceRecord) error {
	f.mu.Lock()
	hook := f.beforeUpsert
	f.mu.Unlock()
	if hook != nil {
		hook(rec)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.upserts++
	f.records[presenceKey{user: rec.UserID, workspace: rec.WorkspaceID}] = rec
	return nil
}

func (f *fakePresenceStore) Get(_ context.Context, workspaceID, userID uuid.UUID) (*models.PresenceRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[presenceKey{user: userID, workspace: workspaceID}]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (f *fakePresenceStore) ListByWorkspace(ctx context.Context, workspaceID uuid.UUID) ([]models.PresenceRecord, error) {
	f.mu.Lock()
	gate, entered := f.listGate, f.listEntered
	f.mu.Unlock()
	if gate != nil {
		entered <- struct{}{}
		<-gate
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.PresenceRecord
	for key, rec := range f.records {
		if key.workspace == workspaceID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (f *fakePresenceStore) record(userID, workspaceID uuid.UUID) (models.PresenceRecord, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[presenceKey{user: userID, workspace: workspaceID}]
	return rec, ok
}

func (f *fakePresenceStore) setBeforeUpsert(hook func(models.PresenceRecord)) {
	f.mu.Lock()
	f.beforeUpsert = hook
	f.mu.Unlock()
}

// holdList makes ListByWorkspace wait for release. entered receives once
// per call that reached the gate.
func (f *fakePresenceStore) holdList() (entered <-chan struct{}, release func()) {
	gate := make(chan struct{})
	in := make(chan struct{}, 8)
	f.mu.Lock()
	f.listGate, f.listEntered = gate, in
	f.mu.Unlock()
	return in, func() { close(gate) }
}

func (f *fakePresenceStore) setUpsertErr(err error) {
	f.mu.Lock()
	f.upsertErr = err
	f.mu.Unlock()
}

// recordingPublisher captures what the tracker emits.
type recordingPublisher struct {
	mu     sync.Mutex
	events []OutboundEvent
}

func (p *recordingPublisher) Deliver(ev OutboundEvent) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return 0
}

func (p *recordingPublisher) all() []OutboundEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]OutboundEvent(nil), p.events...)
}

type fakeAuth struct {
	identities map[string]Identity
}

func (f *fakeAuth) Authenticate(_ context.Context, token string) (Identity, error) {
	id, ok := f.identities[token]
	if !ok {
		return Identity{}, errors.New("invalid token")
	}
	return id, nil
}

// harness wires real components over fake collaborators.
type harness struct {
	registry *Registry
	rooms    *Rooms
	fanout   *Fanout
	tracker  *Tracker
	gw       *Gateway

	auth       *fakeAuth
	membership *fakeMembership
	channels   *fakeChannels
	messages   *fakeMessages
	store      *fakePresenceStore

	workspace uuid.UUID
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zap.NewNop()

	h := &harness{
		auth:       &fakeAuth{identities: make(map[string]Identity)},
		membership: newFakeMembership(),
		channels:   &fakeChannels{channels: make(map[uuid.UUID]*models.Channel)},
		messages:   newFakeMessages(),
		store:      newFakePresenceStore(),
		workspace:  uuid.New(),
	}
	h.registry = NewRegistry()
	h.rooms = NewRooms(h.membership)
	h.fanout = NewFanout(h.registry, h.rooms, logger)
	h.tracker = NewTracker(h.store, h.fanout, logger)
	h.gw = NewGateway(h.auth, h.registry, h.rooms, h.tracker, h.fanout, h.channels, h.messages, logger)
	return h
}

// addUser registers a token for a new workspace member and returns its id.
func (h *harness) addUser(token string) uuid.UUID {
	id := uuid.New()
	h.auth.identities[token] = Identity{UserID: id, WorkspaceID: h.workspace, DisplayName: token}
	h.membership.addWorkspace(h.workspace, id)
	return id
}

// addChannel creates a channel in the harness workspace with the given members.
func (h *harness) addChannel(members ...uuid.UUID) uuid.UUID {
	id := uuid.New()
	h.channels.channels[id] = &models.Channel{ID: id, TenantID: h.workspace, Name: "general"}
	h.membership.addChannel(id, members...)
	return id
}

// connect opens a session and authenticates it with the first frame.
func (h *harness) connect(t *testing.T, token string) *Session {
	t.Helper()
	s := h.gw.Open(NewConnection(NewConnID(), 64))
	require.NoError(t, h.gw.Handle(context.Background(), s, mustFrame(t, TypeAuthenticate, "auth", authenticateRequest{Token: token})))
	require.Equal(t, StateAuthenticated, s.State())
	drain(s.Conn())
	return s
}

func (h *harness) send(t *testing.T, s *Session, typ string, payload any) {
	t.Helper()
	require.NoError(t, h.gw.Handle(context.Background(), s, mustFrame(t, typ, "r1", payload)))
}

func (h *harness) join(t *testing.T, s *Session, room RoomKey) {
	t.Helper()
	h.send(t, s, TypeJoin, roomRequest{Room: room.String()})
	frames := drain(s.Conn())
	require.NotEmpty(t, frames)
	require.Equal(t, TypeJoined, frames[len(frames)-1].Type, "join reply: %s", frames[len(frames)-1].Payload)
}

func mustFrame(t *testing.T, typ, requestID string, payload any) []byte {
	t.Helper()
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		require.NoError(t, err)
		raw = b
	}
	b, err := json.Marshal(Frame{Type: typ, RequestID: requestID, Payload: raw})
	require.NoError(t, err)
	return b
}

// drain returns every frame queued on conn without blocking.
func drain(conn *Connection) []Frame {
	var frames []Frame
	for {
		select {
		case data := <-conn.Outbound():
			var f Frame
			if err := json.Unmarshal(data, &f); err == nil {
				frames = append(frames, f)
			}
		default:
			return frames
		}
	}
}

func framesOfType(frames []Frame, typ string) []Frame {
	var out []Frame
	for _, f := range frames {
		if f.Type == typ {
			out = append(out, f)
		}
	}
	return out
}

func decode[T any](t *testing.T, f Frame) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(f.Payload, &v))
	return v
}
