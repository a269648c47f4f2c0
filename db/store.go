package db

import (
	"context"
	"errors"
	"time"

	"relaychat/models"
)

var (
	ErrNoRows             = errors.New("no rows found")
	ErrEmailTaken         = errors.New("an account with this email already exists")
	ErrNameTaken          = errors.New("this username is already taken")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrEmptyMessage       = errors.New("message body must not be empty")
)

// Store is the durable record of users and messages. SQLiteStore and
// PostgresStore implement it.
//
// The online flag is written only through SetOnline and ResetPresence, and
// the read flag only through MarkAsRead, which never resets it to false.
type Store interface {
	Close() error
	Ping(ctx context.Context) error

	// Users
	CreateUser(ctx context.Context, email, name, password string) (*models.User, error)
	AuthenticateUser(ctx context.Context, email, password string) (*models.User, error)
	GetUser(ctx context.Context, id int64) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	ListUsers(ctx context.Context) ([]models.User, error)
	UserExists(ctx context.Context, id int64) (bool, error)

	// Presence
	SetOnline(ctx context.Context, id int64, online bool) error
	ResetPresence(ctx context.Context) (int64, error)

	// Messages
	SaveMessage(ctx context.Context, msg *models.Message) (*models.Message, error)
	GetMessages(ctx context.Context, userA, userB int64, offset, limit int) ([]models.Message, error)
	CountMessages(ctx context.Context, userA, userB int64) (int, error)
	GetConversations(ctx context.Context, userID int64) ([]models.Conversation, error)
	MarkAsRead(ctx context.Context, senderID, receiverID int64) (int64, error)
}

// DefaultPasswordCost matches the cost the web client was built against.
const DefaultPasswordCost = 12

type options struct {
	passwordCost int
	now          func() time.Time
}

// Option configures a store.
type Option func(*options)

// WithPasswordCost sets the bcrypt cost used by CreateUser.
func WithPasswordCost(cost int) Option {
	return func(o *options) {
		o.passwordCost = cost
	}
}

// WithClock overrides the clock used to stamp messages and users.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

func buildOptions(opts []Option) options {
	o := options{
		passwordCost: DefaultPasswordCost,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// stamp returns the current time in the precision every backend can store.
func (o options) stamp() time.Time {
	return o.now().UTC().Truncate(time.Microsecond)
}

func normalizeMessage(msg *models.Message) error {
	if msg.Body == "" {
		return ErrEmptyMessage
	}
	if msg.Kind == "" {
		msg.Kind = models.DefaultMessageKind
	}
	return nil
}

var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PostgresStore)(nil)
)
