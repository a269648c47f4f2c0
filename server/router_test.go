package server

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"

	"relaychat/db"
	"relaychat/models"
	"relaychat/protocol"
)

// setupTestRouter creates a router over a temporary database.
func setupTestRouter(t *testing.T) (*Router, *db.SQLiteStore) {
	t.Helper()
	store, err := db.New(filepath.Join(t.TempDir(), "test.db"), db.WithPasswordCost(bcrypt.MinCost))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	rt, err := NewRouter(store, NewRegistry(), zerolog.Nop(), 16)
	require.NoError(t, err)
	return rt, store
}

func createUser(t *testing.T, store db.Store, name string) *models.User {
	t.Helper()
	u, err := store.CreateUser(context.Background(), name+"@example.com", name, "password123")
	require.NoError(t, err)
	return u
}

// connect opens an unannounced session.
func connect(id string) (*Session, *fakeConn) {
	conn := newFakeConn(id)
	return NewSession(conn, zerolog.Nop(), nil, nil), conn
}

// announce connects and announces userID, discarding the acknowledgement.
func announce(t *testing.T, rt *Router, userID int64) (*Session, *fakeConn) {
	t.Helper()
	sess, conn := connect(fmt.Sprintf("conn-%d", userID))
	send(rt, sess, fmt.Sprintf(`{"type":"status","userId":%d}`, userID))
	ack := conn.last(t)
	require.Equal(t, protocol.TypeStatus, ack.Type)
	conn.reset()
	return sess, conn
}

func send(rt *Router, sess *Session, frame string) {
	rt.Handle(context.Background(), sess, []byte(frame))
}

func isOnlineInStore(t *testing.T, store db.Store, id int64) bool {
	t.Helper()
	u, err := store.GetUser(context.Background(), id)
	require.NoError(t, err)
	return u.Online
}

func TestAnnounce(t *testing.T) {
	rt, store := setupTestRouter(t)
	alice := createUser(t, store, "alice")
	bob := createUser(t, store, "bob")

	sessA, connA := connect("a")
	send(rt, sessA, fmt.Sprintf(`{"type":"status","userId":%d}`, alice.ID))

	ack := connA.last(t)
	assert.Equal(t, protocol.TypeStatus, ack.Type)
	assert.Equal(t, alice.ID, ack.UserID)
	assert.Equal(t, protocol.StatusOnline, ack.Status)
	assert.True(t, rt.IsOnline(alice.ID))
	assert.True(t, isOnlineInStore(t, store, alice.ID))

	uid, ok := sessA.UserID()
	assert.True(t, ok)
	assert.Equal(t, alice.ID, uid)

	// String ids are accepted.
	sessB, connB := connect("b")
	send(rt, sessB, fmt.Sprintf(`{"type":"status","userId":"%d"}`, bob.ID))
	assert.Equal(t, protocol.TypeStatus, connB.last(t).Type)

	peers := connA.ofType(t, protocol.TypePeerStatus)
	require.Len(t, peers, 1)
	assert.Equal(t, bob.ID, peers[0].UserID)
	assert.Equal(t, protocol.StatusOnline, peers[0].Status)

	assert.Empty(t, connB.ofType(t, protocol.TypePeerStatus), "announcer is not told about itself")
}

func TestAnnounceRejections(t *testing.T) {
	rt, store := setupTestRouter(t)
	alice := createUser(t, store, "alice")
	bob := createUser(t, store, "bob")

	t.Run("missing user id", func(t *testing.T) {
		sess, conn := connect("x")
		send(rt, sess, `{"type":"status"}`)
		assert.Equal(t, protocol.ErrTextUserIDRequired, conn.last(t).Error)
		_, ok := sess.UserID()
		assert.False(t, ok)
	})

	t.Run("token identity mismatch", func(t *testing.T) {
		conn := newFakeConn("x")
		sess := NewSession(conn, zerolog.Nop(), &alice.ID, nil)
		send(rt, sess, fmt.Sprintf(`{"type":"status","userId":%d}`, bob.ID))
		assert.Equal(t, protocol.ErrTextIdentityMismatch, conn.last(t).Error)
		assert.False(t, rt.IsOnline(bob.ID))
	})

	t.Run("rebinding a connection", func(t *testing.T) {
		sess, conn := announce(t, rt, alice.ID)
		send(rt, sess, fmt.Sprintf(`{"type":"status","userId":%d}`, bob.ID))
		assert.Equal(t, protocol.ErrTextAlreadyAnnounced, conn.last(t).Error)
		assert.False(t, rt.IsOnline(bob.ID))

		uid, _ := sess.UserID()
		assert.Equal(t, alice.ID, uid)
	})
}

func TestReannounceSameConnection(t *testing.T) {
	rt, store := setupTestRouter(t)
	alice := createUser(t, store, "alice")

	sess, conn := announce(t, rt, alice.ID)
	send(rt, sess, fmt.Sprintf(`{"type":"status","userId":%d}`, alice.ID))

	assert.Equal(t, protocol.TypeStatus, conn.last(t).Type)
	assert.Equal(t, 1, rt.registry.Len())
	closed, _, _ := conn.isClosed()
	assert.False(t, closed, "a connection never supersedes itself")
}

func TestFramesBeforeAnnounce(t *testing.T) {
	rt, _ := setupTestRouter(t)

	frames := []string{
		`{"type":"chat","receiverId":2,"content":"hi"}`,
		`{"type":"typing","receiverId":2}`,
		`{"type":"typing_stopped","receiverId":2}`,
		`{"type":"mark_read","senderId":2}`,
		`{"type":"logout"}`,
	}
	for _, frame := range frames {
		sess, conn := connect("x")
		send(rt, sess, frame)
		f := conn.last(t)
		assert.Equal(t, protocol.TypeError, f.Type, frame)
		assert.Equal(t, protocol.ErrTextNotAuthenticated, f.Error, frame)
		closed, _, _ := conn.isClosed()
		assert.False(t, closed, "protocol errors are not fatal")
	}

	sess, conn := connect("x")
	send(rt, sess, `{"type":"ping"}`)
	assert.Equal(t, protocol.TypePong, conn.last(t).Type)
	send(rt, sess, `{"type":"testConnection"}`)
	assert.Equal(t, protocol.TypeTestConnection, conn.last(t).Type)
}

func TestMalformedFrames(t *testing.T) {
	rt, store := setupTestRouter(t)
	alice := createUser(t, store, "alice")
	sess, conn := announce(t, rt, alice.ID)

	for _, frame := range []string{`not json`, `{}`, `{"type":""}`, `[]`} {
		send(rt, sess, frame)
		assert.Equal(t, protocol.ErrTextInvalidFormat, conn.last(t).Error, frame)
	}

	send(rt, sess, `{"type":"dance"}`)
	assert.Equal(t, protocol.ErrTextUnknownType, conn.last(t).Error)

	assert.True(t, rt.IsOnline(alice.ID), "session survives bad frames")
}

// Scenario: 1 and 2 announce, 1 chats "hi" to 2, 2 marks it read.
func TestChatDeliveryAndReadScenario(t *testing.T) {
	rt, store := setupTestRouter(t)
	ctx := context.Background()
	alice := createUser(t, store, "alice")
	bob := createUser(t, store, "bob")

	sessA, connA := announce(t, rt, alice.ID)
	sessB, connB := announce(t, rt, bob.ID)
	connA.reset()

	send(rt, sessA, fmt.Sprintf(`{"type":"chat","receiverId":%d,"content":"hi"}`, bob.ID))

	pushed := connB.ofType(t, protocol.TypeChat)
	require.Len(t, pushed, 1)
	assert.Equal(t, "hi", pushed[0].Content)
	assert.Equal(t, alice.ID, pushed[0].SenderID)
	assert.Equal(t, bob.ID, pushed[0].ReceiverID)
	assert.Equal(t, "alice", pushed[0].SenderName)
	assert.Equal(t, models.DefaultMessageKind, pushed[0].MessageType)
	assert.False(t, pushed[0].IsRead)
	_, err := time.Parse(protocol.TimeLayout, pushed[0].Timestamp)
	assert.NoError(t, err)

	confirm := connA.last(t)
	assert.Equal(t, protocol.TypeMessageSent, confirm.Type)
	require.NotNil(t, confirm.Success)
	assert.True(t, *confirm.Success)
	assert.True(t, confirm.Delivered)
	require.NotNil(t, confirm.Message)
	assert.Equal(t, pushed[0].ID, confirm.Message.ID)

	history, err := store.GetMessages(ctx, alice.ID, bob.ID, 0, 50)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "hi", history[0].Body)
	assert.Equal(t, alice.ID, history[0].SenderID)
	assert.Equal(t, bob.ID, history[0].ReceiverID)
	assert.False(t, history[0].Read)

	connA.reset()
	send(rt, sessB, fmt.Sprintf(`{"type":"mark_read","senderId":%d}`, alice.ID))

	confirmed := connB.last(t)
	assert.Equal(t, protocol.TypeReadConfirmed, confirmed.Type)
	assert.Equal(t, alice.ID, confirmed.SenderID)
	assert.Equal(t, int64(1), confirmed.Count)

	receipt := connA.ofType(t, protocol.TypeMessagesRead)
	require.Len(t, receipt, 1)
	assert.Equal(t, bob.ID, receipt[0].ReaderID)
	assert.Equal(t, int64(1), receipt[0].Count)

	history, err = store.GetMessages(ctx, alice.ID, bob.ID, 0, 50)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].Read)

	// A second mark changes nothing and sends no receipt.
	connA.reset()
	send(rt, sessB, fmt.Sprintf(`{"type":"mark_read","senderId":%d}`, alice.ID))
	assert.Equal(t, int64(0), connB.last(t).Count)
	assert.Empty(t, connA.received(t))
}

func TestChatToOfflineReceiver(t *testing.T) {
	rt, store := setupTestRouter(t)
	alice := createUser(t, store, "alice")
	bob := createUser(t, store, "bob")

	sessA, connA := announce(t, rt, alice.ID)
	send(rt, sessA, fmt.Sprintf(`{"type":"chat","receiverId":%d,"content":"are you there"}`, bob.ID))

	confirm := connA.last(t)
	require.NotNil(t, confirm.Success)
	assert.True(t, *confirm.Success)
	assert.False(t, confirm.Delivered)

	history, err := store.GetMessages(context.Background(), alice.ID, bob.ID, 0, 50)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "are you there", history[0].Body)
}

func TestChatToSelfAndAdmin(t *testing.T) {
	rt, store := setupTestRouter(t)
	alice := createUser(t, store, "alice")
	sessA, connA := announce(t, rt, alice.ID)

	send(rt, sessA, fmt.Sprintf(`{"type":"chat","receiverId":%d,"content":"note to self"}`, alice.ID))
	assert.Len(t, connA.ofType(t, protocol.TypeChat), 1)
	assert.True(t, *connA.last(t).Success)

	connA.reset()
	send(rt, sessA, `{"type":"chat","receiverId":0,"content":"help","messageType":"support"}`)
	confirm := connA.last(t)
	require.NotNil(t, confirm.Success)
	assert.True(t, *confirm.Success, "admin receiver needs no user row")
	assert.Equal(t, "support", confirm.Message.MessageType)

	// The admin can announce and receives pushes like anyone else.
	_, connAdmin := announce(t, rt, models.AdminUserID)
	send(rt, sessA, `{"type":"chat","receiverId":0,"content":"again"}`)
	pushed := connAdmin.ofType(t, protocol.TypeChat)
	require.Len(t, pushed, 1)
	assert.Equal(t, "again", pushed[0].Content)
}

func TestChatValidation(t *testing.T) {
	rt, store := setupTestRouter(t)
	alice := createUser(t, store, "alice")
	bob := createUser(t, store, "bob")
	sessA, connA := announce(t, rt, alice.ID)
	_, connB := announce(t, rt, bob.ID)

	tests := []struct {
		frame string
		want  string
	}{
		{`{"type":"chat","content":"hi"}`, protocol.ErrTextChatRequired},
		{fmt.Sprintf(`{"type":"chat","receiverId":%d}`, bob.ID), protocol.ErrTextChatRequired},
		{fmt.Sprintf(`{"type":"chat","receiverId":%d,"content":"   "}`, bob.ID), protocol.ErrTextEmptyMessage},
		{`{"type":"chat","receiverId":999,"content":"hi"}`, protocol.ErrTextReceiverNotFound},
	}
	for _, tt := range tests {
		send(rt, sessA, tt.frame)
		f := connA.last(t)
		assert.Equal(t, protocol.TypeMessageSent, f.Type, tt.frame)
		require.NotNil(t, f.Success, tt.frame)
		assert.False(t, *f.Success, tt.frame)
		assert.Equal(t, tt.want, f.Error, tt.frame)
	}

	assert.Empty(t, connB.ofType(t, protocol.TypeChat))
	n, err := store.CountMessages(context.Background(), alice.ID, bob.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

// faultyStore fails selected operations of an otherwise working store.
type faultyStore struct {
	db.Store
	saveErr     error
	onlineErr   error
	panicOnSave bool
}

func (s *faultyStore) SaveMessage(ctx context.Context, msg *models.Message) (*models.Message, error) {
	if s.panicOnSave {
		panic("driver exploded")
	}
	if s.saveErr != nil {
		return nil, s.saveErr
	}
	return s.Store.SaveMessage(ctx, msg)
}

func (s *faultyStore) SetOnline(ctx context.Context, id int64, online bool) error {
	if s.onlineErr != nil {
		return s.onlineErr
	}
	return s.Store.SetOnline(ctx, id, online)
}

func setupFaultyRouter(t *testing.T, faulty *faultyStore) (*Router, *db.SQLiteStore) {
	t.Helper()
	_, store := setupTestRouter(t)
	faulty.Store = store
	rt, err := NewRouter(faulty, NewRegistry(), zerolog.Nop(), 16)
	require.NoError(t, err)
	return rt, store
}

func TestChatPersistenceFailure(t *testing.T) {
	rt, store := setupFaultyRouter(t, &faultyStore{saveErr: errors.New("disk full")})
	alice := createUser(t, store, "alice")
	bob := createUser(t, store, "bob")
	sessA, connA := announce(t, rt, alice.ID)
	_, connB := announce(t, rt, bob.ID)

	send(rt, sessA, fmt.Sprintf(`{"type":"chat","receiverId":%d,"content":"hi"}`, bob.ID))

	f := connA.last(t)
	require.NotNil(t, f.Success)
	assert.False(t, *f.Success)
	assert.Equal(t, protocol.ErrTextSaveFailed, f.Error)
	assert.Empty(t, connB.ofType(t, protocol.TypeChat), "nothing is pushed before it is stored")
}

func TestPresenceWriteFailureIsSwallowed(t *testing.T) {
	rt, store := setupFaultyRouter(t, &faultyStore{onlineErr: errors.New("locked")})
	alice := createUser(t, store, "alice")
	bob := createUser(t, store, "bob")

	_, connB := announce(t, rt, bob.ID)
	sessA, _ := announce(t, rt, alice.ID)
	assert.True(t, rt.IsOnline(alice.ID))
	assert.Len(t, connB.ofType(t, protocol.TypePeerStatus), 1)

	rt.Release(context.Background(), sessA)
	assert.False(t, rt.IsOnline(alice.ID))
	assert.Len(t, connB.ofType(t, protocol.TypePeerStatus), 2)
}

func TestHandlerPanicIsRecovered(t *testing.T) {
	rt, store := setupFaultyRouter(t, &faultyStore{panicOnSave: true})
	alice := createUser(t, store, "alice")
	bob := createUser(t, store, "bob")
	sessA, connA := announce(t, rt, alice.ID)

	require.NotPanics(t, func() {
		send(rt, sessA, fmt.Sprintf(`{"type":"chat","receiverId":%d,"content":"hi"}`, bob.ID))
	})
	assert.Equal(t, protocol.ErrTextInternal, connA.last(t).Error)

	send(rt, sessA, `{"type":"ping"}`)
	assert.Equal(t, protocol.TypePong, connA.last(t).Type)
}

func TestTyping(t *testing.T) {
	rt, store := setupTestRouter(t)
	alice := createUser(t, store, "alice")
	bob := createUser(t, store, "bob")
	carol := createUser(t, store, "carol")

	sessA, connA := announce(t, rt, alice.ID)
	_, connB := announce(t, rt, bob.ID)
	connA.reset()

	send(rt, sessA, fmt.Sprintf(`{"type":"typing","receiverId":%d}`, bob.ID))
	send(rt, sessA, fmt.Sprintf(`{"type":"typing_stopped","receiverId":%d}`, bob.ID))

	frames := connB.received(t)
	require.Len(t, frames, 2)
	assert.Equal(t, protocol.TypeTyping, frames[0].Type)
	assert.Equal(t, protocol.TypeTypingStopped, frames[1].Type)
	assert.Equal(t, alice.ID, frames[0].SenderID)
	assert.Equal(t, "alice", frames[0].SenderName)
	assert.Equal(t, bob.ID, frames[0].ReceiverID)

	// Offline receiver: silently dropped, nothing stored.
	send(rt, sessA, fmt.Sprintf(`{"type":"typing","receiverId":%d}`, carol.ID))
	assert.Empty(t, connA.received(t))
	n, err := store.CountMessages(context.Background(), alice.ID, carol.ID)
	require.NoError(t, err)
	assert.Zero(t, n)

	send(rt, sessA, `{"type":"typing"}`)
	assert.Equal(t, protocol.ErrTextReceiverRequired, connA.last(t).Error)
}

func TestLogout(t *testing.T) {
	rt, store := setupTestRouter(t)
	alice := createUser(t, store, "alice")
	bob := createUser(t, store, "bob")

	sessA, connA := announce(t, rt, alice.ID)
	_, connB := announce(t, rt, bob.ID)
	connA.reset()

	send(rt, sessA, `{"type":"logout"}`)

	closed, code, reason := connA.isClosed()
	assert.True(t, closed)
	assert.Equal(t, websocket.CloseNormalClosure, code)
	assert.Equal(t, "User logged out", reason)
	assert.True(t, sessA.Closed())
	assert.False(t, rt.IsOnline(alice.ID))
	assert.False(t, isOnlineInStore(t, store, alice.ID))

	// The close that follows logout must not broadcast a second time.
	rt.Release(context.Background(), sessA)

	offline := connB.ofType(t, protocol.TypePeerStatus)
	require.Len(t, offline, 1)
	assert.Equal(t, alice.ID, offline[0].UserID)
	assert.Equal(t, protocol.StatusOffline, offline[0].Status)

	// Frames after close are ignored.
	send(rt, sessA, `{"type":"ping"}`)
	assert.Empty(t, connA.received(t))
}

func TestDisconnectCleanup(t *testing.T) {
	rt, store := setupTestRouter(t)
	alice := createUser(t, store, "alice")
	bob := createUser(t, store, "bob")
	carol := createUser(t, store, "carol")

	sessA, connA := announce(t, rt, alice.ID)
	_, connB := announce(t, rt, bob.ID)
	_, connC := announce(t, rt, carol.ID)
	connA.reset()
	connB.reset()
	connC.reset()

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // request context is gone by the time cleanup runs
	rt.Release(ctx, sessA)

	assert.False(t, rt.IsOnline(alice.ID))
	assert.False(t, isOnlineInStore(t, store, alice.ID))
	for _, conn := range []*fakeConn{connB, connC} {
		frames := conn.ofType(t, protocol.TypePeerStatus)
		require.Len(t, frames, 1)
		assert.Equal(t, protocol.StatusOffline, frames[0].Status)
	}
	assert.Empty(t, connA.received(t), "nothing is sent to the closed connection")

	// Unannounced sessions have nothing to clean up.
	sess, _ := connect("x")
	rt.Release(context.Background(), sess)
	assert.Len(t, connB.ofType(t, protocol.TypePeerStatus), 1)
}

func TestSupersedingConnection(t *testing.T) {
	rt, store := setupTestRouter(t)
	alice := createUser(t, store, "alice")
	bob := createUser(t, store, "bob")

	_, connB := announce(t, rt, bob.ID)
	oldSess, oldConn := announce(t, rt, alice.ID)
	newSess, newConn := connect("alice-2")
	send(rt, newSess, fmt.Sprintf(`{"type":"status","userId":%d}`, alice.ID))

	closed, code, reason := oldConn.isClosed()
	assert.True(t, closed)
	assert.Equal(t, protocol.CloseSuperseded, code)
	assert.Equal(t, "Superseded by a new connection", reason)

	conn, ok := rt.registry.Get(alice.ID)
	require.True(t, ok)
	assert.Same(t, newConn, conn)

	// Frames the old socket reads before it finishes closing are dropped.
	oldConn.reset()
	send(rt, oldSess, fmt.Sprintf(`{"type":"chat","receiverId":%d,"content":"stale"}`, bob.ID))
	send(rt, oldSess, fmt.Sprintf(`{"type":"typing","receiverId":%d}`, bob.ID))
	assert.Empty(t, oldConn.received(t))
	assert.Empty(t, connB.ofType(t, protocol.TypeChat))
	assert.Empty(t, connB.ofType(t, protocol.TypeTyping))
	count, err := store.CountMessages(context.Background(), alice.ID, bob.ID)
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.True(t, oldSess.Closed())

	// The old connection's close leaves the user online.
	connB.reset()
	rt.Release(context.Background(), oldSess)
	assert.True(t, rt.IsOnline(alice.ID))
	assert.True(t, isOnlineInStore(t, store, alice.ID))
	assert.Empty(t, connB.ofType(t, protocol.TypePeerStatus))

	// Messages now reach the new connection.
	sessB := NewSession(connB, zerolog.Nop(), nil, nil)
	send(rt, sessB, fmt.Sprintf(`{"type":"status","userId":%d}`, bob.ID))
	send(rt, sessB, fmt.Sprintf(`{"type":"chat","receiverId":%d,"content":"hello"}`, alice.ID))
	assert.Len(t, newConn.ofType(t, protocol.TypeChat), 1)
}

func TestOfflineBroadcastExactlyOnce(t *testing.T) {
	rt, store := setupTestRouter(t)
	users := make([]*models.User, 4)
	sessions := make([]*Session, 4)
	conns := make([]*fakeConn, 4)
	for i := range users {
		users[i] = createUser(t, store, fmt.Sprintf("user%d", i))
		sessions[i], conns[i] = announce(t, rt, users[i].ID)
	}
	for _, c := range conns {
		c.reset()
	}

	send(rt, sessions[0], `{"type":"logout"}`)
	rt.Release(context.Background(), sessions[0])
	rt.Release(context.Background(), sessions[1])

	for i := 2; i < 4; i++ {
		var offline0, offline1 int
		for _, f := range conns[i].ofType(t, protocol.TypePeerStatus) {
			switch f.UserID {
			case users[0].ID:
				offline0++
			case users[1].ID:
				offline1++
			}
		}
		assert.Equal(t, 1, offline0, "user %d", i)
		assert.Equal(t, 1, offline1, "user %d", i)
	}
}

func TestMarkReadValidation(t *testing.T) {
	rt, store := setupTestRouter(t)
	alice := createUser(t, store, "alice")
	sessA, connA := announce(t, rt, alice.ID)

	send(rt, sessA, `{"type":"mark_read"}`)
	assert.Equal(t, protocol.ErrTextSenderRequired, connA.last(t).Error)
}

func TestFrameRateLimit(t *testing.T) {
	rt, _ := setupTestRouter(t)
	conn := newFakeConn("x")
	sess := NewSession(conn, zerolog.Nop(), nil, rate.NewLimiter(rate.Every(time.Hour), 2))

	send(rt, sess, `{"type":"ping"}`)
	send(rt, sess, `{"type":"ping"}`)
	send(rt, sess, `{"type":"ping"}`)

	frames := conn.received(t)
	require.Len(t, frames, 3)
	assert.Equal(t, protocol.TypePong, frames[0].Type)
	assert.Equal(t, protocol.TypePong, frames[1].Type)
	assert.Equal(t, protocol.ErrTextRateLimited, frames[2].Error)
}

func TestSubmitChatErrors(t *testing.T) {
	rt, store := setupTestRouter(t)
	alice := createUser(t, store, "alice")
	ctx := context.Background()
	missing := int64(12345)

	_, err := rt.SubmitChat(ctx, alice.ID, nil, "hi", "")
	assert.ErrorIs(t, err, ErrReceiverRequired)

	_, err = rt.SubmitChat(ctx, alice.ID, &missing, "hi", "")
	assert.ErrorIs(t, err, ErrReceiverNotFound)
	assert.Equal(t, protocol.ErrTextReceiverNotFound, ChatErrorText(err))

	assert.Equal(t, protocol.ErrTextSaveFailed, ChatErrorText(fmt.Errorf("%w: boom", ErrSaveFailed)))
}
