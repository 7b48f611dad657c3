package database

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

var (
	// ErrUserExists indicates the username is already registered.
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound indicates no user has the requested name.
	ErrUserNotFound = errors.New("user not found")
	// ErrInvalidMessage indicates a message violates the persistence invariant.
	ErrInvalidMessage = errors.New("message needs sender, recipient and text or file")
)

// User represents a registered user record
type User struct {
	ID           string
	Name         string
	PasswordHash string
	CreatedAt    int64 // Unix timestamp in milliseconds
}

// Message represents a persisted direct message
type Message struct {
	ID        int64
	Sender    string
	Recipient string
	Text      *string
	File      *string
	CreatedAt int64 // Unix timestamp in milliseconds
}

// Validate checks the invariant every stored message must satisfy
func (m *Message) Validate() error {
	if m.Sender == "" || m.Recipient == "" || (m.Text == nil && m.File == nil) {
		return ErrInvalidMessage
	}
	return nil
}

// DB wraps the SQLite database connection
type DB struct {
	conn      *sql.DB // Read connection pool
	writeConn *sql.DB // Dedicated write connection (1 connection)
	snowflake *Snowflake
}

var pragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA busy_timeout = 5000",
	"PRAGMA foreign_keys = ON",
	"PRAGMA synchronous = NORMAL",
}

func openPool(path string, maxOpen int) (*sql.DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(maxOpen)
	conn.SetMaxIdleConns(maxOpen)

	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}
	return conn, nil
}

// Open opens the SQLite database at the given path and applies pending migrations
func Open(path string) (*DB, error) {
	conn, err := openPool(path, 10)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	conn.SetConnMaxLifetime(5 * time.Minute)

	// SQLite allows a single writer; funnel all writes through one connection
	writeConn, err := openPool(path, 1)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open write connection: %w", err)
	}

	migrations, err := loadMigrations()
	if err != nil {
		conn.Close()
		writeConn.Close()
		return nil, err
	}

	if err := runMigrations(writeConn, path, migrations); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &DB{
		conn:      conn,
		writeConn: writeConn,
		snowflake: NewSnowflake(defaultEpoch, 0),
	}, nil
}

// Close closes the database connections
func (db *DB) Close() error {
	db.writeConn.Close()
	return db.conn.Close()
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// CreateUser registers a new user and returns it
func (db *DB) CreateUser(name, passwordHash string) (*User, error) {
	user := &User{
		ID:           uuid.NewString(),
		Name:         name,
		PasswordHash: passwordHash,
		CreatedAt:    nowMillis(),
	}

	_, err := db.writeConn.Exec(`
		INSERT INTO User (id, name, password_hash, created_at) VALUES (?, ?, ?, ?)
	`, user.ID, user.Name, user.PasswordHash, user.CreatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, ErrUserExists
		}
		return nil, err
	}

	return user, nil
}

// GetUserByName looks a user up by username
func (db *DB) GetUserByName(name string) (*User, error) {
	user := &User{}
	err := db.conn.QueryRow(`
		SELECT id, name, password_hash, created_at FROM User WHERE name = ?
	`, name).Scan(&user.ID, &user.Name, &user.PasswordHash, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}

// ListUsers returns every registered user ordered by name
func (db *DB) ListUsers() ([]*User, error) {
	rows, err := db.conn.Query(`SELECT id, name, password_hash, created_at FROM User ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u := &User{}
		if err := rows.Scan(&u.ID, &u.Name, &u.PasswordHash, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// AppendMessage persists a message, filling in its ID and CreatedAt
func (db *DB) AppendMessage(msg *Message) (int64, error) {
	if err := msg.Validate(); err != nil {
		return 0, err
	}

	msg.ID = db.snowflake.NextID()
	if msg.CreatedAt == 0 {
		msg.CreatedAt = nowMillis()
	}

	var text, file sql.NullString
	if msg.Text != nil {
		text = sql.NullString{String: *msg.Text, Valid: true}
	}
	if msg.File != nil {
		file = sql.NullString{String: *msg.File, Valid: true}
	}

	_, err := db.writeConn.Exec(`
		INSERT INTO Message (id, sender, recipient, text, file, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.Sender, msg.Recipient, text, file, msg.CreatedAt)
	if err != nil {
		return 0, err
	}

	return msg.ID, nil
}

// ConversationMessages returns every message exchanged between userA and userB, oldest first
func (db *DB) ConversationMessages(userA, userB string) ([]*Message, error) {
	rows, err := db.conn.Query(`
		SELECT id, sender, recipient, text, file, created_at
		FROM Message
		WHERE (sender = ? AND recipient = ?) OR (sender = ? AND recipient = ?)
		ORDER BY created_at ASC, id ASC
	`, userA, userB, userB, userA)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanMessages(rows)
}

// scanMessages is a helper to scan multiple message rows
func scanMessages(rows *sql.Rows) ([]*Message, error) {
	var messages []*Message

	for rows.Next() {
		msg := &Message{}
		var text, file sql.NullString

		if err := rows.Scan(&msg.ID, &msg.Sender, &msg.Recipient, &text, &file, &msg.CreatedAt); err != nil {
			return nil, err
		}

		if text.Valid {
			msg.Text = &text.String
		}
		if file.Valid {
			msg.File = &file.String
		}

		messages = append(messages, msg)
	}

	return messages, rows.Err()
}
