package server

import (
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

type sessionState int

const (
	stateUnannounced sessionState = iota
	stateAnnounced
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateUnannounced:
		return "unannounced"
	case stateAnnounced:
		return "announced"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is the routing state of one connection. It is owned by that
// connection's read loop and is not safe for concurrent use.
type Session struct {
	conn    Conn
	log     zerolog.Logger
	limiter *rate.Limiter

	state  sessionState
	userID int64

	// Identity proven by a token at connect time, nil when none was given.
	authUserID *int64
}

// NewSession starts an unannounced session on conn. limiter may be nil.
func NewSession(conn Conn, log zerolog.Logger, authUserID *int64, limiter *rate.Limiter) *Session {
	return &Session{
		conn:       conn,
		log:        log,
		limiter:    limiter,
		authUserID: authUserID,
	}
}

// UserID returns the bound user id once the session is announced.
func (s *Session) UserID() (int64, bool) {
	return s.userID, s.state == stateAnnounced
}

func (s *Session) Closed() bool {
	return s.state == stateClosed
}

func (s *Session) reply(frame []byte) {
	safeSend(s.conn, frame)
}
