package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/echorelay/internal/observ"
	"github.com/lalith-99/echorelay/internal/repository"
	"go.uber.org/zap"
)

const defaultOpTimeout = 5 * time.Second

// Authenticator verifies connection credentials. auth.Verifier implements it.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (Identity, error)
}

// State is where a connection is in its lifecycle.
//
//	Connecting -> Authenticated -> Joined -> Disconnected
//	Connecting -> Rejected
//
// Leaving every room keeps a connection in Joined.
type State int

const (
	StateConnecting State = iota
	StateAuthenticated
	StateJoined
	StateDisconnected
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateJoined:
		return "joined"
	case StateDisconnected:
		return "disconnected"
	case StateRejected:
		return "rejected"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Session is the gateway's per-connection context. Apart from State, it is
// only touched by the connection's own goroutine.
type Session struct {
	conn   *Connection
	logger *zap.Logger

	mu       sync.Mutex
	state    State
	identity Identity

	// channels maps each joined channel room to its workspace.
	channels map[uuid.UUID]uuid.UUID
	// typedIn holds the workspaces this connection has started typing in.
	typedIn map[uuid.UUID]struct{}
}

func (s *Session) Conn() *Connection { return s.conn }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Identity is the zero value until the session authenticates.
func (s *Session) Identity() Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

func (s *Session) setState(next State) {
	s.mu.Lock()
	s.state = next
	s.mu.Unlock()
}

// Gateway validates and routes one connection's frames to the registry,
// rooms, tracker and fanout, and turns their errors into error frames for
// that connection only.
type Gateway struct {
	auth     Authenticator
	registry *Registry
	rooms    *Rooms
	presence *Tracker
	fanout   *Fanout
	channels repository.ChannelRepository
	messages repository.MessageRepository
	logger   *zap.Logger

	// users serializes a user's first connect against their last
	// disconnect. Without it a reconnect landing between Unregister and
	// MarkDisconnected would be persisted as offline.
	users *keyLock[uuid.UUID]

	// typists remembers which connection last started typing for each
	// (user, workspace), so closing some other tab leaves the indicator
	// alone. Writes happen under the user's lock.
	typistsMu sync.Mutex
	typists   map[presenceKey]ConnID

	opTimeout time.Duration
}

func NewGateway(
	auth Authenticator,
	registry *Registry,
	rooms *Rooms,
	presence *Tracker,
	fanout *Fanout,
	channels repository.ChannelRepository,
	messages repository.MessageRepository,
	logger *zap.Logger,
) *Gateway {
	return &Gateway{
		auth:      auth,
		registry:  registry,
		rooms:     rooms,
		presence:  presence,
		fanout:    fanout,
		channels:  channels,
		messages:  messages,
		logger:    logger,
		users:     newKeyLock[uuid.UUID](),
		typists:   make(map[presenceKey]ConnID),
		opTimeout: defaultOpTimeout,
	}
}

// Open starts a session for a freshly accepted connection.
func (g *Gateway) Open(conn *Connection) *Session {
	return &Session{
		conn:     conn,
		logger:   g.logger.With(observ.ConnFields(string(conn.ID()), uuid.Nil)...),
		state:    StateConnecting,
		channels: make(map[uuid.UUID]uuid.UUID),
		typedIn:  make(map[uuid.UUID]struct{}),
	}
}

// Authenticate verifies token and registers the connection. On failure the
// session is Rejected, the client gets an error frame, and the caller must
// close the transport.
func (g *Gateway) Authenticate(ctx context.Context, s *Session, token string) error {
	return g.authenticate(ctx, s, "", token)
}

func (g *Gateway) authenticate(ctx context.Context, s *Session, requestID, token string) error {
	if s.State() != StateConnecting {
		err := validationError("connection is already authenticated")
		g.replyError(s, requestID, err)
		return nil
	}

	opCtx, cancel := context.WithTimeout(ctx, g.opTimeout)
	defer cancel()

	id, err := g.auth.Authenticate(opCtx, token)
	if err != nil {
		s.setState(StateRejected)
		rejected := wrapError(CodeAuthenticationFailed, err, "authentication failed")
		g.replyError(s, requestID, rejected)
		s.logger.Info("connection rejected", zap.Error(err))
		return rejected
	}

	s.mu.Lock()
	s.identity = id
	s.state = StateAuthenticated
	s.mu.Unlock()
	s.logger = g.logger.With(observ.ConnFields(string(s.conn.ID()), id.UserID)...)

	unlock := g.users.Lock(id.UserID)
	first := g.registry.Register(s.conn, id)
	g.fanout.SendTo(s.conn, TypeAuthenticated, requestID, AuthenticatedPayload{
		ConnectionID: s.conn.ID(),
		UserID:       id.UserID,
		WorkspaceID:  id.WorkspaceID,
		DisplayName:  id.DisplayName,
	})
	var markErr error
	if first {
		markErr = g.presence.MarkConnected(opCtx, id.UserID, id.WorkspaceID)
	}
	unlock()

	s.logger.Info("connection authenticated",
		zap.String("workspace_id", id.WorkspaceID.String()),
		zap.Bool("first_connection", first),
	)
	if markErr != nil {
		s.logger.Warn("failed to mark user online", zap.Error(markErr))
	}
	return nil
}

// Handle processes one inbound frame. Frames of one connection must be
// handed in one at a time, in arrival order. The returned error is non-nil
// only when the connection has been rejected and must be closed.
func (g *Gateway) Handle(ctx context.Context, s *Session, raw []byte) error {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		if s.State() == StateConnecting {
			return g.reject(s, "", "first frame must be authenticate")
		}
		g.replyError(s, "", validationError("invalid frame payload"))
		return nil
	}

	switch s.State() {
	case StateConnecting:
		if f.Type != TypeAuthenticate {
			return g.reject(s, f.RequestID, "first frame must be authenticate")
		}
		var req authenticateRequest
		if err := json.Unmarshal(f.Payload, &req); err != nil || req.Token == "" {
			return g.reject(s, f.RequestID, "token is required")
		}
		return g.authenticate(ctx, s, f.RequestID, req.Token)
	case StateDisconnected, StateRejected:
		return nil
	}

	if err := g.dispatch(ctx, s, f); err != nil {
		g.replyError(s, f.RequestID, err)
		switch CodeOf(err) {
		case CodePersistence, CodeInternal:
			s.logger.Error("frame failed", zap.String("type", f.Type), zap.Error(err))
		default:
			s.logger.Debug("frame rejected", zap.String("type", f.Type), zap.Error(err))
		}
	}
	return nil
}

func (g *Gateway) dispatch(ctx context.Context, s *Session, f Frame) error {
	opCtx, cancel := context.WithTimeout(ctx, g.opTimeout)
	defer cancel()

	switch f.Type {
	case TypePing:
		g.fanout.SendTo(s.conn, TypePong, f.RequestID, nil)
		return nil
	case TypeAuthenticate:
		return validationError("connection is already authenticated")
	case TypeJoin:
		var req roomRequest
		if err := decodePayload(f, &req); err != nil {
			return err
		}
		return g.handleJoin(opCtx, s, f.RequestID, req)
	case TypeLeave:
		var req roomRequest
		if err := decodePayload(f, &req); err != nil {
			return err
		}
		return g.handleLeave(opCtx, s, f.RequestID, req)
	case TypeTypingStart:
		var req typingRequest
		if err := decodePayload(f, &req); err != nil {
			return err
		}
		return g.handleTyping(opCtx, s, req, true)
	case TypeTypingStop:
		var req typingRequest
		if err := decodePayload(f, &req); err != nil {
			return err
		}
		return g.handleTyping(opCtx, s, req, false)
	case TypeMessageSend:
		var req sendMessageRequest
		if err := decodePayload(f, &req); err != nil {
			return err
		}
		return g.handleSend(opCtx, s, req)
	case TypeMessageEdit:
		var req editMessageRequest
		if err := decodePayload(f, &req); err != nil {
			return err
		}
		return g.handleEdit(opCtx, s, req)
	case TypeMessageDelete:
		var req deleteMessageRequest
		if err := decodePayload(f, &req); err != nil {
			return err
		}
		return g.handleDelete(opCtx, s, req)
	case TypeReactionToggle:
		var req reactionRequest
		if err := decodePayload(f, &req); err != nil {
			return err
		}
		return g.handleReaction(opCtx, s, req)
	case TypeStatusUpdate:
		var req statusRequest
		if err := decodePayload(f, &req); err != nil {
			return err
		}
		return g.handleStatus(opCtx, s, req)
	}
	return validationError("unsupported frame type %q", f.Type)
}

// Close runs the disconnect path: edges first, then the registry entry,
// then presence if this was the user's last connection. It is safe to call
// more than once and from any state.
func (g *Gateway) Close(ctx context.Context, s *Session) {
	s.mu.Lock()
	prev := s.state
	switch prev {
	case StateDisconnected, StateRejected:
		s.mu.Unlock()
		s.conn.Close()
		return
	case StateConnecting:
		s.state = StateRejected
	default:
		s.state = StateDisconnected
	}
	id := s.identity
	s.mu.Unlock()

	s.conn.Close()
	if prev == StateConnecting {
		s.logger.Info("connection closed before authenticating")
		return
	}

	rooms := g.rooms.LeaveAll(s.conn.ID())

	// Unregister and the presence writes that depend on its answer run as
	// one step per user, so a concurrent reconnect sees either the old
	// connection still registered or the user already offline.
	unlock := g.users.Lock(id.UserID)
	_, last, ok := g.registry.Unregister(s.conn.ID())
	if ok && last {
		g.markOffline(ctx, s, id)
	} else if ok {
		// Other tabs keep the user online; only typing this tab started ends.
		g.stopOwnTyping(ctx, s, id.UserID)
	}
	g.forgetTypist(s, id.UserID)
	unlock()

	s.logger.Info("connection closed",
		zap.Int("rooms_left", len(rooms)),
		zap.Bool("last_connection", ok && last),
	)
}

// markOffline runs MarkDisconnected for every workspace the user has
// presence in. Caller holds the user's lock.
func (g *Gateway) markOffline(ctx context.Context, s *Session, id Identity) {
	workspaces := g.presence.Workspaces(id.UserID)
	if !containsUUID(workspaces, id.WorkspaceID) {
		workspaces = append(workspaces, id.WorkspaceID)
	}
	for _, ws := range workspaces {
		opCtx, cancel := context.WithTimeout(ctx, g.opTimeout)
		err := g.presence.MarkDisconnected(opCtx, id.UserID, ws)
		cancel()
		if err != nil {
			s.logger.Warn("failed to mark user offline",
				zap.String("workspace_id", ws.String()),
				zap.Error(err),
			)
		}
	}
}

// stopOwnTyping ends the typing indicators whose latest start came from
// this session. Caller holds the user's lock.
func (g *Gateway) stopOwnTyping(ctx context.Context, s *Session, userID uuid.UUID) {
	for ws := range s.typedIn {
		if !g.isTypist(presenceKey{user: userID, workspace: ws}, s.conn.ID()) {
			continue
		}
		opCtx, cancel := context.WithTimeout(ctx, g.opTimeout)
		err := g.presence.StopTyping(opCtx, userID, ws)
		cancel()
		if err != nil {
			s.logger.Warn("failed to stop typing on close", zap.Error(err))
		}
	}
}

func (g *Gateway) setTypist(key presenceKey, id ConnID) {
	g.typistsMu.Lock()
	g.typists[key] = id
	g.typistsMu.Unlock()
}

func (g *Gateway) isTypist(key presenceKey, id ConnID) bool {
	g.typistsMu.Lock()
	defer g.typistsMu.Unlock()
	return g.typists[key] == id
}

// forgetTypist drops the entries still pointing at s.
func (g *Gateway) forgetTypist(s *Session, userID uuid.UUID) {
	g.typistsMu.Lock()
	defer g.typistsMu.Unlock()
	for ws := range s.typedIn {
		key := presenceKey{user: userID, workspace: ws}
		if g.typists[key] == s.conn.ID() {
			delete(g.typists, key)
		}
	}
}

// Shutdown closes every registered connection and waits until their
// transports have run Close, or ctx is done.
func (g *Gateway) Shutdown(ctx context.Context) error {
	conns := g.registry.Connections()
	for _, conn := range conns {
		conn.Close()
	}
	g.logger.Info("closing all connections", zap.Int("count", len(conns)))

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for g.registry.Count() > 0 {
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for connections: %w", ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}

// Throttle tells the client a frame was dropped by the transport's rate
// limiter.
func (g *Gateway) Throttle(s *Session) {
	g.replyError(s, "", newError(CodeRateLimited, "too many frames, slow down"))
}

func (g *Gateway) reject(s *Session, requestID, message string) error {
	s.setState(StateRejected)
	err := newError(CodeAuthenticationFailed, "%s", message)
	g.replyError(s, requestID, err)
	return err
}

func (g *Gateway) replyError(s *Session, requestID string, err error) {
	g.fanout.SendTo(s.conn, TypeError, requestID, ErrorPayload{
		Code:    CodeOf(err),
		Message: clientMessage(err),
	})
}

func decodePayload(f Frame, dst any) error {
	if len(f.Payload) == 0 {
		return validationError("%s: payload is required", f.Type)
	}
	if err := json.Unmarshal(f.Payload, dst); err != nil {
		return validationError("%s: invalid payload", f.Type)
	}
	return nil
}

func containsUUID(ids []uuid.UUID, id uuid.UUID) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
