package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"chathub/internal/dispatch"
	"chathub/internal/membership"
	"chathub/internal/presence"
	"chathub/internal/registry"
	"chathub/pkg/interfaces"
	"chathub/pkg/types"
)

// Options configures the gateway.
type Options struct {
	// HistoryLimit bounds the thread history replayed on join.
	HistoryLimit int
}

// Gateway binds authenticated transport connections to the registry,
// the membership manager and the dispatcher.
type Gateway struct {
	verifier   interfaces.IdentityVerifier
	registry   *registry.Registry
	tracker    *presence.Tracker
	membership *membership.Manager
	dispatcher *dispatch.Dispatcher
	history    interfaces.ThreadHistory
	opts       Options

	mu       sync.RWMutex
	sessions map[string]*Session
	closing  bool
}

// Session is one connected client. Its ID is the registry handle ID.
type Session struct {
	ID        string
	UserID    string
	CreatedAt time.Time

	conn interfaces.Connection
	gw   *Gateway

	// mu serializes membership changes against Disconnect.
	mu     sync.Mutex
	closed bool
}

// NewGateway creates a gateway. history may be nil.
func NewGateway(
	verifier interfaces.IdentityVerifier,
	reg *registry.Registry,
	tracker *presence.Tracker,
	members *membership.Manager,
	dispatcher *dispatch.Dispatcher,
	history interfaces.ThreadHistory,
	opts Options,
) *Gateway {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 50
	}
	return &Gateway{
		verifier:   verifier,
		registry:   reg,
		tracker:    tracker,
		membership: members,
		dispatcher: dispatcher,
		history:    history,
		opts:       opts,
		sessions:   make(map[string]*Session),
	}
}

// Authenticate resolves connection credentials to a user ID.
func (g *Gateway) Authenticate(ctx context.Context, token string) (string, error) {
	return g.verifier.Verify(ctx, token)
}

// Connect registers conn as a new connection of userID and pushes the
// initial online users snapshot to it.
func (g *Gateway) Connect(ctx context.Context, userID string, conn interfaces.Connection) (*Session, error) {
	if !types.IsValidUserID(userID) {
		return nil, types.ErrInvalidUserID
	}

	s := &Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		CreatedAt: time.Now(),
		conn:      conn,
		gw:        g,
	}
	handle := &registry.Handle{ID: s.ID, CreatedAt: s.CreatedAt, Conn: conn}

	// Registered under g.mu so CloseAll never misses a live session.
	g.mu.Lock()
	if g.closing {
		g.mu.Unlock()
		return nil, ErrGatewayClosed
	}
	if _, err := g.registry.Add(userID, handle); err != nil {
		g.mu.Unlock()
		return nil, fmt.Errorf("register connection: %w", err)
	}
	g.sessions[s.ID] = s
	g.mu.Unlock()

	if err := g.tracker.SendSnapshot(handle); err != nil {
		log.Printf("Failed to send presence snapshot to %s (handle %s): %v", userID, s.ID, err)
	}

	log.Printf("Connection opened: user=%s handle=%s", userID, s.ID)
	return s, nil
}

// Disconnect removes the session from every thread and from the registry.
// It is idempotent.
func (g *Gateway) Disconnect(s *Session) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	threads := g.membership.LeaveAll(s.ID)
	g.registry.Remove(s.ID)
	s.mu.Unlock()

	g.mu.Lock()
	delete(g.sessions, s.ID)
	g.mu.Unlock()

	for _, threadID := range threads {
		g.notifyViewers(threadID)
	}

	log.Printf("Connection closed: user=%s handle=%s threads=%d", s.UserID, s.ID, len(threads))
}

// Session returns the live session with the given handle ID.
func (g *Gateway) Session(id string) (*Session, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s, ok := g.sessions[id]
	return s, ok
}

// SessionCount returns the number of live sessions.
func (g *Gateway) SessionCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.sessions)
}

// CloseAll disconnects and closes every live session. Connect fails with
// ErrGatewayClosed afterwards.
func (g *Gateway) CloseAll() {
	g.mu.Lock()
	g.closing = true
	sessions := make([]*Session, 0, len(g.sessions))
	for _, s := range g.sessions {
		sessions = append(sessions, s)
	}
	g.mu.Unlock()

	for _, s := range sessions {
		g.Disconnect(s)
		if err := s.conn.Close(); err != nil {
			log.Printf("Failed to close connection %s: %v", s.ID, err)
		}
	}
}

// JoinThread subscribes the session to threadID. Joining a direct thread
// replays its history and marks the peer's messages read.
func (s *Session) JoinThread(ctx context.Context, threadID string) error {
	if err := s.checkThread(threadID); err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrUnknownConnection
	}
	err := s.gw.membership.Join(threadID, s.ID)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.send(types.EventThreadJoined, types.ThreadRef{ThreadID: threadID})
	s.gw.notifyViewers(threadID)

	if _, _, direct := types.ParseDirectThreadID(threadID); direct {
		s.replayHistory(ctx, threadID)
	}
	return nil
}

// LeaveThread unsubscribes the session from threadID.
func (s *Session) LeaveThread(threadID string) error {
	if threadID == "" {
		return types.ErrInvalidThreadID
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrUnknownConnection
	}
	wasViewing := s.gw.membership.IsViewing(threadID, s.ID)
	err := s.gw.membership.Leave(threadID, s.ID)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.send(types.EventThreadLeft, types.ThreadRef{ThreadID: threadID})
	if wasViewing {
		s.gw.notifyViewers(threadID)
	}
	return nil
}

// SendMessage sends body to recipientID and acknowledges the stored message
// to this connection.
func (s *Session) SendMessage(ctx context.Context, recipientID, body string) (*types.Message, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrUnknownConnection
	}

	msg, err := s.gw.dispatcher.Send(ctx, s.UserID, recipientID, body)
	if err != nil {
		return nil, err
	}
	s.send(types.EventMessageSent, msg)
	return msg, nil
}

// HandleFrame decodes and executes one client frame. Failures are reported
// to the originating connection only.
func (g *Gateway) HandleFrame(ctx context.Context, s *Session, data []byte) {
	var frame types.ClientFrame
	if err := json.Unmarshal(data, &frame); err != nil || frame.Event == "" {
		s.sendError("", ErrInvalidFrame)
		return
	}

	var err error
	switch frame.Event {
	case types.FrameSendMessage:
		var req types.SendMessageRequest
		if err = decodePayload(frame.Payload, &req); err == nil {
			_, err = s.SendMessage(ctx, req.RecipientID, req.Body)
		}

	case types.FrameJoinThread:
		var ref types.ThreadRef
		if err = decodePayload(frame.Payload, &ref); err == nil {
			err = s.JoinThread(ctx, s.resolveThread(ref))
		}

	case types.FrameLeaveThread:
		var ref types.ThreadRef
		if err = decodePayload(frame.Payload, &ref); err == nil {
			err = s.LeaveThread(s.resolveThread(ref))
		}

	case types.FramePing:
		s.send(types.EventPong, nil)

	default:
		err = ErrUnknownFrame
	}

	if err != nil {
		s.sendError(frame.Event, err)
	}
}

func decodePayload(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return ErrInvalidFrame
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	return nil
}

// resolveThread maps a peer reference to the direct thread with that peer.
func (s *Session) resolveThread(ref types.ThreadRef) string {
	if ref.ThreadID == "" && ref.PeerID != "" {
		return types.DirectThreadID(s.UserID, ref.PeerID)
	}
	return ref.ThreadID
}

// checkThread rejects malformed thread IDs and direct threads the session's
// user is not part of.
func (s *Session) checkThread(threadID string) error {
	if !types.IsValidThreadID(threadID) {
		return types.ErrInvalidThreadID
	}
	if a, b, direct := types.ParseDirectThreadID(threadID); direct && a != s.UserID && b != s.UserID {
		return ErrForbiddenThread
	}
	return nil
}

func (s *Session) replayHistory(ctx context.Context, threadID string) {
	store := s.gw.history
	if store == nil {
		return
	}

	messages, err := store.ThreadMessages(ctx, threadID, s.gw.opts.HistoryLimit)
	if err != nil {
		log.Printf("Failed to load history of %s for %s: %v", threadID, s.UserID, err)
		return
	}
	if messages == nil {
		messages = []*types.Message{}
	}
	s.send(types.EventThreadHistory, types.ThreadHistory{ThreadID: threadID, Messages: messages})

	marked, err := store.MarkThreadRead(ctx, threadID, s.UserID, time.Now())
	if err != nil {
		log.Printf("Failed to mark %s read for %s: %v", threadID, s.UserID, err)
		return
	}
	if marked > 0 {
		log.Printf("Marked %d messages read: thread=%s reader=%s", marked, threadID, s.UserID)
	}
}

// notifyViewers sends the current viewer list of threadID to every viewer.
func (g *Gateway) notifyViewers(threadID string) {
	var handles []*registry.Handle
	users := make(map[string]struct{})
	for _, id := range g.membership.ViewersOf(threadID) {
		if h, ok := g.registry.Lookup(id); ok {
			handles = append(handles, h)
			users[h.UserID] = struct{}{}
		}
	}
	if len(handles) == 0 {
		return
	}

	payload := types.ThreadViewers{ThreadID: threadID, Users: make([]string, 0, len(users))}
	for userID := range users {
		payload.Users = append(payload.Users, userID)
	}
	sort.Strings(payload.Users)

	for _, h := range handles {
		if err := h.Conn.Send(types.EventThreadViewers, payload); err != nil {
			log.Printf("Failed to send thread viewers to %s (handle %s): %v", h.UserID, h.ID, err)
		}
	}
}

func (s *Session) send(event string, payload interface{}) {
	if err := s.conn.Send(event, payload); err != nil {
		log.Printf("Failed to send %s to %s (handle %s): %v", event, s.UserID, s.ID, err)
	}
}

func (s *Session) sendError(frame string, err error) {
	s.send(types.EventError, types.ErrorPayload{
		Frame:   frame,
		Code:    errorCode(err),
		Message: err.Error(),
	})
}
