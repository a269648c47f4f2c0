package server

import (
	"sort"
	"sync"

	"relaychat/metrics"
)

// Conn is a live client connection as seen by the routing layer.
type Conn interface {
	ID() string
	// Send queues frame without blocking and reports whether it was accepted.
	Send(frame []byte) bool
	// Close is idempotent.
	Close(code int, reason string)
}

// Registry maps each online user to their single live connection.
type Registry struct {
	mu    sync.RWMutex
	conns map[int64]Conn
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[int64]Conn)}
}

// Register installs conn for userID, replacing any existing entry. The
// replaced connection is returned so the caller can close it; nil means
// there was none or it was conn itself.
func (r *Registry) Register(userID int64, conn Conn) Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.conns[userID]
	r.conns[userID] = conn
	metrics.UsersOnline.Set(float64(len(r.conns)))

	if prev == conn {
		return nil
	}
	return prev
}

func (r *Registry) Unregister(userID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.conns, userID)
	metrics.UsersOnline.Set(float64(len(r.conns)))
}

// UnregisterConn removes userID only while conn is still its registered
// connection, and reports whether it did.
func (r *Registry) UnregisterConn(userID int64, conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.conns[userID]; !ok || cur != conn {
		return false
	}
	delete(r.conns, userID)
	metrics.UsersOnline.Set(float64(len(r.conns)))
	return true
}

func (r *Registry) Get(userID int64) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[userID]
	return conn, ok
}

func (r *Registry) IsOnline(userID int64) bool {
	_, ok := r.Get(userID)
	return ok
}

// Send delivers frame to userID's connection if there is one. It never
// blocks and never changes the registry.
func (r *Registry) Send(userID int64, frame []byte) bool {
	conn, ok := r.Get(userID)
	if !ok {
		return false
	}
	return safeSend(conn, frame)
}

// BroadcastExcept sends frame to every registered user other than userID and
// returns how many connections accepted it.
func (r *Registry) BroadcastExcept(userID int64, frame []byte) int {
	r.mu.RLock()
	targets := make([]Conn, 0, len(r.conns))
	for id, conn := range r.conns {
		if id != userID {
			targets = append(targets, conn)
		}
	}
	r.mu.RUnlock()

	sent := 0
	for _, conn := range targets {
		if safeSend(conn, frame) {
			sent++
		}
	}
	return sent
}

// OnlineUsers returns the registered user ids in ascending order.
func (r *Registry) OnlineUsers() []int64 {
	r.mu.RLock()
	users := make([]int64, 0, len(r.conns))
	for id := range r.conns {
		users = append(users, id)
	}
	r.mu.RUnlock()

	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })
	return users
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// safeSend isolates the caller from a misbehaving connection.
func safeSend(conn Conn, frame []byte) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	return conn.Send(frame)
}
