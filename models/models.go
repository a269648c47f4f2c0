package models

import "time"

// AdminUserID is the reserved receiver identifier for the administrator
// account. It has no row in the users table and skips existence checks.
const AdminUserID int64 = 0

// AdminUserName is the display name reported for AdminUserID.
const AdminUserName = "Admin User"

// TimeLayout is the fixed-width UTC form of every stored and transmitted
// timestamp. Lexical order matches chronological order.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

// DefaultMessageKind is used when a message is sent without a kind tag.
const DefaultMessageKind = "text"

type User struct {
	ID           int64
	Name         string
	Email        string
	PasswordHash string // bcrypt
	Online       bool
	CreatedAt    time.Time
}

type Message struct {
	ID         int64
	SenderID   int64
	ReceiverID int64
	Body       string
	Kind       string
	Read       bool
	CreatedAt  time.Time
}

// Conversation is derived from the message log, one per peer.
type Conversation struct {
	PeerID        int64
	PeerName      string
	LastMessage   string
	LastMessageAt time.Time
	UnreadCount   int
}

// IsAdmin reports whether id is the reserved admin identifier.
func IsAdmin(id int64) bool {
	return id == AdminUserID
}
