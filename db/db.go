package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/bcrypt"

	"relaychat/models"
)

// SQLiteStore keeps users and messages in a single SQLite file.
type SQLiteStore struct {
	conn *sql.DB
	opts options
}

func New(path string, opts ...Option) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	// A single connection serialises writers instead of surfacing SQLITE_BUSY.
	conn.SetMaxOpenConns(1)

	db := &SQLiteStore{conn: conn, opts: buildOptions(opts)}
	if err := db.init(); err != nil {
		conn.Close()
		return nil, err
	}

	return db, nil
}

func (db *SQLiteStore) Close() error {
	return db.conn.Close()
}

func (db *SQLiteStore) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

func (db *SQLiteStore) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			email TEXT UNIQUE NOT NULL,
			username TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			sender_id INTEGER NOT NULL,
			receiver_id INTEGER NOT NULL,
			message TEXT NOT NULL,
			message_type TEXT NOT NULL DEFAULT 'text',
			is_read INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_pair ON messages(sender_id, receiver_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_unread ON messages(receiver_id, is_read)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return err
		}
	}

	return db.migrate()
}

// migrate adds presence columns to databases created before they existed.
func (db *SQLiteStore) migrate() error {
	if !db.columnExists("users", "is_online") {
		if _, err := db.conn.Exec("ALTER TABLE users ADD COLUMN is_online INTEGER NOT NULL DEFAULT 0"); err != nil {
			return err
		}
	}

	if !db.columnExists("users", "last_seen") {
		if _, err := db.conn.Exec("ALTER TABLE users ADD COLUMN last_seen TEXT NOT NULL DEFAULT ''"); err != nil {
			return err
		}
	}

	return nil
}

// columnExists checks if a column exists in a table
func (db *SQLiteStore) columnExists(table, column string) bool {
	query := "SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?"
	var count int
	err := db.conn.QueryRow(query, table, column).Scan(&count)
	if err != nil {
		return false
	}
	return count > 0
}

// User methods

const userColumns = "id, username, email, password_hash, is_online, created_at"

func (db *SQLiteStore) CreateUser(ctx context.Context, email, name, password string) (*models.User, error) {
	if taken, err := db.exists(ctx, "SELECT COUNT(*) FROM users WHERE email = ?", email); err != nil {
		return nil, err
	} else if taken {
		return nil, ErrEmailTaken
	}
	if taken, err := db.exists(ctx, "SELECT COUNT(*) FROM users WHERE username = ?", name); err != nil {
		return nil, err
	} else if taken {
		return nil, ErrNameTaken
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(password), db.opts.passwordCost)
	if err != nil {
		return nil, err
	}

	now := db.opts.stamp()
	res, err := db.conn.ExecContext(ctx,
		"INSERT INTO users (email, username, password_hash, created_at) VALUES (?, ?, ?, ?)",
		email, name, string(hashed), now.Format(models.TimeLayout),
	)
	if err != nil {
		return nil, err
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	return &models.User{
		ID:           id,
		Name:         name,
		Email:        email,
		PasswordHash: string(hashed),
		CreatedAt:    now,
	}, nil
}

func (db *SQLiteStore) AuthenticateUser(ctx context.Context, email, password string) (*models.User, error) {
	user, err := db.GetUserByEmail(ctx, email)
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

func (db *SQLiteStore) GetUser(ctx context.Context, id int64) (*models.User, error) {
	row := db.conn.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE id = ?", id)
	return scanUser(row)
}

func (db *SQLiteStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	row := db.conn.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE email = ?", email)
	return scanUser(row)
}

func (db *SQLiteStore) ListUsers(ctx context.Context) ([]models.User, error) {
	rows, err := db.conn.QueryContext(ctx, "SELECT "+userColumns+" FROM users ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

func (db *SQLiteStore) UserExists(ctx context.Context, id int64) (bool, error) {
	return db.exists(ctx, "SELECT COUNT(*) FROM users WHERE id = ?", id)
}

func (db *SQLiteStore) exists(ctx context.Context, query string, args ...any) (bool, error) {
	var count int
	if err := db.conn.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

// Presence methods

func (db *SQLiteStore) SetOnline(ctx context.Context, id int64, online bool) error {
	result, err := db.conn.ExecContext(ctx,
		"UPDATE users SET is_online = ?, last_seen = ? WHERE id = ?",
		online, db.opts.stamp().Format(models.TimeLayout), id,
	)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrNoRows
	}
	return nil
}

// ResetPresence marks every user offline. It runs at startup, before any
// connection is accepted.
func (db *SQLiteStore) ResetPresence(ctx context.Context) (int64, error) {
	result, err := db.conn.ExecContext(ctx, "UPDATE users SET is_online = 0 WHERE is_online != 0")
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Message methods

func (db *SQLiteStore) SaveMessage(ctx context.Context, msg *models.Message) (*models.Message, error) {
	saved := *msg
	if err := normalizeMessage(&saved); err != nil {
		return nil, err
	}
	saved.Read = false
	saved.CreatedAt = db.opts.stamp()

	res, err := db.conn.ExecContext(ctx,
		"INSERT INTO messages (sender_id, receiver_id, message, message_type, is_read, created_at) VALUES (?, ?, ?, ?, 0, ?)",
		saved.SenderID, saved.ReceiverID, saved.Body, saved.Kind, saved.CreatedAt.Format(models.TimeLayout),
	)
	if err != nil {
		return nil, err
	}

	if saved.ID, err = res.LastInsertId(); err != nil {
		return nil, err
	}
	return &saved, nil
}

func (db *SQLiteStore) GetMessages(ctx context.Context, userA, userB int64, offset, limit int) ([]models.Message, error) {
	query := `
		SELECT id, sender_id, receiver_id, message, message_type, is_read, created_at
		FROM messages
		WHERE (sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)
		ORDER BY created_at ASC, id ASC
		LIMIT ? OFFSET ?
	`

	rows, err := db.conn.QueryContext(ctx, query, userA, userB, userB, userA, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []models.Message{}
	for rows.Next() {
		var m models.Message
		var timestampStr string
		if err := rows.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Body, &m.Kind, &m.Read, &timestampStr); err != nil {
			return nil, err
		}
		if m.CreatedAt, err = parseTime(timestampStr); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}

	return messages, rows.Err()
}

func (db *SQLiteStore) CountMessages(ctx context.Context, userA, userB int64) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM messages WHERE (sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)",
		userA, userB, userB, userA,
	).Scan(&count)
	return count, err
}

// GetConversations groups the message log by peer, newest conversation first.
func (db *SQLiteStore) GetConversations(ctx context.Context, userID int64) ([]models.Conversation, error) {
	query := `
		SELECT c.peer_id, COALESCE(u.username, ''), m.message, m.created_at,
			(SELECT COUNT(*) FROM messages x
			 WHERE x.sender_id = c.peer_id AND x.receiver_id = ? AND x.is_read = 0)
		FROM (
			SELECT CASE WHEN sender_id = ? THEN receiver_id ELSE sender_id END AS peer_id,
				MAX(id) AS last_id
			FROM messages
			WHERE sender_id = ? OR receiver_id = ?
			GROUP BY peer_id
		) c
		JOIN messages m ON m.id = c.last_id
		LEFT JOIN users u ON u.id = c.peer_id
		ORDER BY m.id DESC
	`

	rows, err := db.conn.QueryContext(ctx, query, userID, userID, userID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	conversations := []models.Conversation{}
	for rows.Next() {
		var c models.Conversation
		var timestampStr string
		if err := rows.Scan(&c.PeerID, &c.PeerName, &c.LastMessage, &timestampStr, &c.UnreadCount); err != nil {
			return nil, err
		}
		if c.LastMessageAt, err = parseTime(timestampStr); err != nil {
			return nil, err
		}
		if models.IsAdmin(c.PeerID) && c.PeerName == "" {
			c.PeerName = models.AdminUserName
		}
		conversations = append(conversations, c)
	}

	return conversations, rows.Err()
}

// MarkAsRead flips the read flag on every unread message from sender to
// receiver and returns how many rows changed.
func (db *SQLiteStore) MarkAsRead(ctx context.Context, senderID, receiverID int64) (int64, error) {
	result, err := db.conn.ExecContext(ctx,
		"UPDATE messages SET is_read = 1 WHERE sender_id = ? AND receiver_id = ? AND is_read = 0",
		senderID, receiverID,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*models.User, error) {
	var u models.User
	var createdStr string
	err := row.Scan(&u.ID, &u.Name, &u.Email, &u.PasswordHash, &u.Online, &createdStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoRows
	}
	if err != nil {
		return nil, err
	}
	if u.CreatedAt, err = parseTime(createdStr); err != nil {
		return nil, err
	}
	return &u, nil
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(models.TimeLayout, s)
	if err == nil {
		return t, nil
	}
	// Rows written by older builds used second precision or SQLite's
	// CURRENT_TIMESTAMP format.
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err2 := time.Parse(layout, s); err2 == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
}
