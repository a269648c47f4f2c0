package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"relaychat/db"
	"relaychat/metrics"
	"relaychat/models"
	"relaychat/protocol"
)

var (
	ErrReceiverRequired = errors.New("receiver id and message are required")
	ErrEmptyMessage     = errors.New("message cannot be empty")
	ErrReceiverNotFound = errors.New("receiver not found")
	ErrSaveFailed       = errors.New("failed to save message")
)

// Close reasons sent with server-initiated closes.
const (
	reasonLoggedOut  = "User logged out"
	reasonSuperseded = "Superseded by a new connection"
	reasonShutdown   = "Server shutting down"
)

const defaultCleanupTimeout = 5 * time.Second

// presenceStripes bounds the number of per-user presence locks.
const presenceStripes = 64

// Router applies inbound frames to the registry and the store.
type Router struct {
	store    db.Store
	registry *Registry
	log      zerolog.Logger
	names    *lru.Cache[int64, string]

	cleanupTimeout time.Duration

	// Serialises the registry change, the online flag write and the
	// broadcast for one user so they cannot interleave across connections.
	presence [presenceStripes]sync.Mutex
}

func NewRouter(store db.Store, registry *Registry, log zerolog.Logger, nameCacheSize int) (*Router, error) {
	if nameCacheSize <= 0 {
		nameCacheSize = 1
	}
	names, err := lru.New[int64, string](nameCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create name cache: %w", err)
	}
	return &Router{
		store:          store,
		registry:       registry,
		log:            log,
		names:          names,
		cleanupTimeout: defaultCleanupTimeout,
	}, nil
}

func (rt *Router) IsOnline(userID int64) bool {
	return rt.registry.IsOnline(userID)
}

func (rt *Router) OnlineUsers() []int64 {
	return rt.registry.OnlineUsers()
}

func (rt *Router) lockPresence(userID int64) func() {
	idx := userID % presenceStripes
	if idx < 0 {
		idx = -idx
	}
	mu := &rt.presence[idx]
	mu.Lock()
	return mu.Unlock
}

// Handle processes one inbound frame. Frames for a session must be passed
// in arrival order from a single goroutine.
func (rt *Router) Handle(ctx context.Context, sess *Session, data []byte) {
	if sess.state == stateClosed {
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			sess.log.Error().Interface("panic", rec).Msg("frame handler panicked")
			sess.reply(protocol.Error(protocol.ErrTextInternal))
		}
	}()

	if rt.superseded(sess) {
		// The socket is closing; its frames no longer speak for the user.
		sess.log.Debug().Msg("dropping frame from superseded connection")
		metrics.FrameErrors.WithLabelValues("superseded").Inc()
		sess.state = stateClosed
		return
	}

	if sess.limiter != nil && !sess.limiter.Allow() {
		rt.reject(sess, "rate_limited", protocol.ErrTextRateLimited)
		return
	}

	in, err := protocol.Parse(data)
	if err != nil {
		sess.log.Debug().Err(err).Msg("unparseable frame")
		rt.reject(sess, "invalid_format", protocol.ErrTextInvalidFormat)
		return
	}
	metrics.FramesReceived.WithLabelValues(frameLabel(in.Type)).Inc()

	switch in.Type {
	case protocol.TypePing:
		sess.reply(protocol.Pong())
	case protocol.TypeTestConnection:
		sess.reply(protocol.TestConnection())
	case protocol.TypeStatus:
		rt.handleAnnounce(ctx, sess, in)
	case protocol.TypeChat, protocol.TypeTyping, protocol.TypeTypingStopped,
		protocol.TypeMarkRead, protocol.TypeLogout:
		if sess.state != stateAnnounced {
			rt.reject(sess, "not_authenticated", protocol.ErrTextNotAuthenticated)
			return
		}
		rt.dispatch(ctx, sess, in)
	default:
		rt.reject(sess, "unknown_type", protocol.ErrTextUnknownType)
	}
}

// superseded reports whether an announced session has lost its registry
// entry to a newer connection.
func (rt *Router) superseded(sess *Session) bool {
	if sess.state != stateAnnounced {
		return false
	}
	conn, ok := rt.registry.Get(sess.userID)
	return !ok || conn != sess.conn
}

func (rt *Router) dispatch(ctx context.Context, sess *Session, in *protocol.Inbound) {
	switch in.Type {
	case protocol.TypeChat:
		rt.handleChat(ctx, sess, in)
	case protocol.TypeTyping, protocol.TypeTypingStopped:
		rt.handleTyping(ctx, sess, in)
	case protocol.TypeMarkRead:
		rt.handleMarkRead(ctx, sess, in)
	case protocol.TypeLogout:
		rt.handleLogout(ctx, sess)
	}
}

func (rt *Router) reject(sess *Session, reason, text string) {
	metrics.FrameErrors.WithLabelValues(reason).Inc()
	sess.reply(protocol.Error(text))
}

func (rt *Router) handleAnnounce(ctx context.Context, sess *Session, in *protocol.Inbound) {
	if in.UserID == nil {
		rt.reject(sess, "missing_user", protocol.ErrTextUserIDRequired)
		return
	}
	userID := int64(*in.UserID)

	if sess.authUserID != nil && *sess.authUserID != userID {
		rt.reject(sess, "identity_mismatch", protocol.ErrTextIdentityMismatch)
		return
	}
	if sess.state == stateAnnounced && sess.userID != userID {
		rt.reject(sess, "already_announced", protocol.ErrTextAlreadyAnnounced)
		return
	}

	if sess.state == stateUnannounced {
		sess.log = sess.log.With().Int64("user_id", userID).Logger()
	}
	sess.state = stateAnnounced
	sess.userID = userID

	unlock := rt.lockPresence(userID)
	defer unlock()

	if prev := rt.registry.Register(userID, sess.conn); prev != nil {
		sess.log.Info().Str("prev_conn_id", prev.ID()).Msg("superseding previous connection")
		prev.Close(protocol.CloseSuperseded, reasonSuperseded)
	}

	if err := rt.setOnline(ctx, userID, true); err != nil {
		sess.log.Warn().Err(err).Msg("failed to persist online status")
	}

	sess.reply(protocol.StatusAck(userID))
	n := rt.registry.BroadcastExcept(userID, protocol.PeerStatus(userID, protocol.StatusOnline))
	sess.log.Info().Int("notified", n).Msg("user online")
}

// ChatResult is the outcome of a persisted chat message.
type ChatResult struct {
	Message   *models.Message
	View      protocol.MessageView
	Delivered bool
}

// SubmitChat validates, persists and then live-delivers a chat message from
// senderID. A nil receiverID means the receiver was not given. Content is
// stored trimmed of surrounding whitespace. The message is
// stored before any delivery is attempted, and a failed delivery leaves it
// stored.
func (rt *Router) SubmitChat(ctx context.Context, senderID int64, receiverID *int64, content, kind string) (*ChatResult, error) {
	if receiverID == nil || content == "" {
		return nil, ErrReceiverRequired
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyMessage
	}
	receiver := *receiverID

	if !models.IsAdmin(receiver) {
		start := time.Now()
		exists, err := rt.store.UserExists(ctx, receiver)
		observe("user_exists", start)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSaveFailed, err)
		}
		if !exists {
			return nil, ErrReceiverNotFound
		}
	}

	start := time.Now()
	saved, err := rt.store.SaveMessage(ctx, &models.Message{
		SenderID:   senderID,
		ReceiverID: receiver,
		Body:       content,
		Kind:       kind,
	})
	observe("save_message", start)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSaveFailed, err)
	}
	metrics.MessagesPersisted.Inc()

	view := protocol.NewMessageView(saved, rt.displayName(ctx, senderID))
	delivered := rt.deliver(protocol.TypeChat, receiver, protocol.Chat(view))

	return &ChatResult{Message: saved, View: view, Delivered: delivered}, nil
}

// ChatErrorText is the text a sender is shown for a SubmitChat error.
func ChatErrorText(err error) string {
	switch {
	case errors.Is(err, ErrReceiverRequired):
		return protocol.ErrTextChatRequired
	case errors.Is(err, ErrEmptyMessage):
		return protocol.ErrTextEmptyMessage
	case errors.Is(err, ErrReceiverNotFound):
		return protocol.ErrTextReceiverNotFound
	default:
		return protocol.ErrTextSaveFailed
	}
}

func (rt *Router) handleChat(ctx context.Context, sess *Session, in *protocol.Inbound) {
	var receiver *int64
	if in.ReceiverID != nil {
		id := int64(*in.ReceiverID)
		receiver = &id
	}

	res, err := rt.SubmitChat(ctx, sess.userID, receiver, in.Content, in.MessageType)
	if err != nil {
		if errors.Is(err, ErrSaveFailed) {
			sess.log.Error().Err(err).Msg("chat not persisted")
		}
		sess.reply(protocol.MessageFailed(ChatErrorText(err)))
		return
	}

	sess.log.Debug().
		Int64("message_id", res.Message.ID).
		Int64("receiver_id", res.Message.ReceiverID).
		Bool("delivered", res.Delivered).
		Msg("chat routed")
	sess.reply(protocol.MessageSent(res.View, res.Delivered))
}

func (rt *Router) handleTyping(ctx context.Context, sess *Session, in *protocol.Inbound) {
	if in.ReceiverID == nil {
		rt.reject(sess, "missing_receiver", protocol.ErrTextReceiverRequired)
		return
	}
	receiver := int64(*in.ReceiverID)

	if !rt.registry.IsOnline(receiver) {
		metrics.Deliveries.WithLabelValues(in.Type, "offline").Inc()
		return
	}
	frame := protocol.Typing(in.Type, sess.userID, rt.displayName(ctx, sess.userID), receiver)
	rt.deliver(in.Type, receiver, frame)
}

// MarkRead marks every unread message from senderID to readerID as read and
// notifies the sender when anything changed. It returns the number of
// messages updated.
func (rt *Router) MarkRead(ctx context.Context, readerID, senderID int64) (int64, error) {
	start := time.Now()
	count, err := rt.store.MarkAsRead(ctx, senderID, readerID)
	observe("mark_as_read", start)
	if err != nil {
		return 0, err
	}
	if count > 0 && senderID != readerID {
		rt.deliver(protocol.TypeMessagesRead, senderID, protocol.MessagesRead(readerID, count))
	}
	return count, nil
}

func (rt *Router) handleMarkRead(ctx context.Context, sess *Session, in *protocol.Inbound) {
	if in.SenderID == nil {
		rt.reject(sess, "missing_sender", protocol.ErrTextSenderRequired)
		return
	}
	sender := int64(*in.SenderID)

	count, err := rt.MarkRead(ctx, sess.userID, sender)
	if err != nil {
		sess.log.Error().Err(err).Int64("sender_id", sender).Msg("mark as read failed")
		sess.reply(protocol.Error(protocol.ErrTextInternal))
		return
	}
	sess.reply(protocol.ReadConfirmed(sender, count))
}

func (rt *Router) handleLogout(ctx context.Context, sess *Session) {
	sess.log.Info().Msg("logout")
	rt.Release(ctx, sess)
	sess.conn.Close(websocket.CloseNormalClosure, reasonLoggedOut)
}

// Release runs the offline cleanup for a session whose connection is going
// away. It is a no-op for sessions that never announced or were already
// released, and when a newer connection has taken over the user.
func (rt *Router) Release(ctx context.Context, sess *Session) {
	if sess.state != stateAnnounced {
		sess.state = stateClosed
		return
	}
	sess.state = stateClosed
	userID := sess.userID

	unlock := rt.lockPresence(userID)
	defer unlock()

	if !rt.registry.UnregisterConn(userID, sess.conn) {
		sess.log.Debug().Msg("connection already superseded, presence unchanged")
		return
	}

	// Cleanup must finish even when the request context is already gone.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rt.cleanupTimeout)
	defer cancel()
	if err := rt.setOnline(ctx, userID, false); err != nil {
		sess.log.Warn().Err(err).Msg("failed to persist offline status")
	}

	n := rt.registry.BroadcastExcept(userID, protocol.PeerStatus(userID, protocol.StatusOffline))
	sess.log.Info().Int("notified", n).Msg("user offline")
}

func (rt *Router) setOnline(ctx context.Context, userID int64, online bool) error {
	if models.IsAdmin(userID) {
		return nil
	}
	start := time.Now()
	defer observe("set_online", start)
	return rt.store.SetOnline(ctx, userID, online)
}

// displayName returns the sender name attached to pushed frames, or "" when
// it cannot be resolved.
func (rt *Router) displayName(ctx context.Context, userID int64) string {
	if models.IsAdmin(userID) {
		return models.AdminUserName
	}
	if name, ok := rt.names.Get(userID); ok {
		return name
	}

	start := time.Now()
	u, err := rt.store.GetUser(ctx, userID)
	observe("get_user", start)
	if err != nil {
		if !errors.Is(err, db.ErrNoRows) {
			rt.log.Warn().Err(err).Int64("user_id", userID).Msg("failed to resolve display name")
		}
		return ""
	}
	rt.names.Add(userID, u.Name)
	return u.Name
}

// deliver pushes frame to userID if online and records the outcome.
func (rt *Router) deliver(kind string, userID int64, frame []byte) bool {
	conn, ok := rt.registry.Get(userID)
	if !ok {
		metrics.Deliveries.WithLabelValues(kind, "offline").Inc()
		return false
	}
	if !safeSend(conn, frame) {
		metrics.Deliveries.WithLabelValues(kind, "dropped").Inc()
		return false
	}
	metrics.Deliveries.WithLabelValues(kind, "delivered").Inc()
	return true
}

func observe(op string, start time.Time) {
	metrics.StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func frameLabel(t string) string {
	switch t {
	case protocol.TypeStatus, protocol.TypeChat, protocol.TypeTyping, protocol.TypeTypingStopped,
		protocol.TypeMarkRead, protocol.TypeLogout, protocol.TypeTestConnection, protocol.TypePing:
		return t
	default:
		return "unknown"
	}
}
