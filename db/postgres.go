package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"

	"relaychat/models"
)

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
	opts options
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS users (
	id BIGSERIAL PRIMARY KEY,
	email TEXT UNIQUE NOT NULL,
	username TEXT UNIQUE NOT NULL,
	password_hash TEXT NOT NULL,
	is_online BOOLEAN NOT NULL DEFAULT FALSE,
	last_seen TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS messages (
	id BIGSERIAL PRIMARY KEY,
	sender_id BIGINT NOT NULL,
	receiver_id BIGINT NOT NULL,
	message TEXT NOT NULL,
	message_type TEXT NOT NULL DEFAULT 'text',
	is_read BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_messages_pair ON messages(sender_id, receiver_id, created_at);
CREATE INDEX IF NOT EXISTS idx_messages_unread ON messages(receiver_id, is_read);
`

// NewPostgresStore connects to databaseURL and creates the schema if needed.
func NewPostgresStore(ctx context.Context, databaseURL string, opts ...Option) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool, opts: buildOptions(opts)}, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) CreateUser(ctx context.Context, email, name, password string) (*models.User, error) {
	if taken, err := s.exists(ctx, "SELECT COUNT(*) FROM users WHERE email = $1", email); err != nil {
		return nil, err
	} else if taken {
		return nil, ErrEmailTaken
	}
	if taken, err := s.exists(ctx, "SELECT COUNT(*) FROM users WHERE username = $1", name); err != nil {
		return nil, err
	} else if taken {
		return nil, ErrNameTaken
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(password), s.opts.passwordCost)
	if err != nil {
		return nil, err
	}

	user := &models.User{Name: name, Email: email, PasswordHash: string(hashed)}
	err = s.pool.QueryRow(ctx, `
		INSERT INTO users (email, username, password_hash, created_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`, email, name, user.PasswordHash, s.opts.stamp()).Scan(&user.ID, &user.CreatedAt)
	if err != nil {
		return nil, err
	}
	user.CreatedAt = user.CreatedAt.UTC()
	return user, nil
}

func (s *PostgresStore) AuthenticateUser(ctx context.Context, email, password string) (*models.User, error) {
	user, err := s.GetUserByEmail(ctx, email)
	if errors.Is(err, ErrNoRows) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id int64) (*models.User, error) {
	return s.scanUser(s.pool.QueryRow(ctx, "SELECT "+userColumns+" FROM users WHERE id = $1", id))
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return s.scanUser(s.pool.QueryRow(ctx, "SELECT "+userColumns+" FROM users WHERE email = $1", email))
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]models.User, error) {
	rows, err := s.pool.Query(ctx, "SELECT "+userColumns+" FROM users ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		u, err := s.scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

func (s *PostgresStore) UserExists(ctx context.Context, id int64) (bool, error) {
	return s.exists(ctx, "SELECT COUNT(*) FROM users WHERE id = $1", id)
}

func (s *PostgresStore) exists(ctx context.Context, query string, args ...any) (bool, error) {
	var count int64
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *PostgresStore) SetOnline(ctx context.Context, id int64, online bool) error {
	tag, err := s.pool.Exec(ctx,
		"UPDATE users SET is_online = $1, last_seen = $2 WHERE id = $3",
		online, s.opts.stamp(), id,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNoRows
	}
	return nil
}

func (s *PostgresStore) ResetPresence(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, "UPDATE users SET is_online = FALSE WHERE is_online")
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) SaveMessage(ctx context.Context, msg *models.Message) (*models.Message, error) {
	saved := *msg
	if err := normalizeMessage(&saved); err != nil {
		return nil, err
	}
	saved.Read = false

	err := s.pool.QueryRow(ctx, `
		INSERT INTO messages (sender_id, receiver_id, message, message_type, is_read, created_at)
		VALUES ($1, $2, $3, $4, FALSE, $5)
		RETURNING id, created_at
	`, saved.SenderID, saved.ReceiverID, saved.Body, saved.Kind, s.opts.stamp()).Scan(&saved.ID, &saved.CreatedAt)
	if err != nil {
		return nil, err
	}
	saved.CreatedAt = saved.CreatedAt.UTC()
	return &saved, nil
}

func (s *PostgresStore) GetMessages(ctx context.Context, userA, userB int64, offset, limit int) ([]models.Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, sender_id, receiver_id, message, message_type, is_read, created_at
		FROM messages
		WHERE (sender_id = $1 AND receiver_id = $2) OR (sender_id = $2 AND receiver_id = $1)
		ORDER BY created_at ASC, id ASC
		LIMIT $3 OFFSET $4
	`, userA, userB, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []models.Message{}
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Body, &m.Kind, &m.Read, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.CreatedAt = m.CreatedAt.UTC()
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (s *PostgresStore) CountMessages(ctx context.Context, userA, userB int64) (int, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM messages
		WHERE (sender_id = $1 AND receiver_id = $2) OR (sender_id = $2 AND receiver_id = $1)
	`, userA, userB).Scan(&count)
	return int(count), err
}

func (s *PostgresStore) GetConversations(ctx context.Context, userID int64) ([]models.Conversation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT c.peer_id, COALESCE(u.username, ''), m.message, m.created_at,
			(SELECT COUNT(*) FROM messages x
			 WHERE x.sender_id = c.peer_id AND x.receiver_id = $1 AND NOT x.is_read)
		FROM (
			SELECT CASE WHEN sender_id = $1 THEN receiver_id ELSE sender_id END AS peer_id,
				MAX(id) AS last_id
			FROM messages
			WHERE sender_id = $1 OR receiver_id = $1
			GROUP BY peer_id
		) c
		JOIN messages m ON m.id = c.last_id
		LEFT JOIN users u ON u.id = c.peer_id
		ORDER BY m.id DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	conversations := []models.Conversation{}
	for rows.Next() {
		var c models.Conversation
		var unread int64
		if err := rows.Scan(&c.PeerID, &c.PeerName, &c.LastMessage, &c.LastMessageAt, &unread); err != nil {
			return nil, err
		}
		c.UnreadCount = int(unread)
		c.LastMessageAt = c.LastMessageAt.UTC()
		if models.IsAdmin(c.PeerID) && c.PeerName == "" {
			c.PeerName = models.AdminUserName
		}
		conversations = append(conversations, c)
	}
	return conversations, rows.Err()
}

func (s *PostgresStore) MarkAsRead(ctx context.Context, senderID, receiverID int64) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		"UPDATE messages SET is_read = TRUE WHERE sender_id = $1 AND receiver_id = $2 AND NOT is_read",
		senderID, receiverID,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) scanUser(row pgx.Row) (*models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.Name, &u.Email, &u.PasswordHash, &u.Online, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoRows
	}
	if err != nil {
		return nil, err
	}
	u.CreatedAt = u.CreatedAt.UTC()
	return &u, nil
}
