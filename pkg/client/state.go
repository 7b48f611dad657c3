package client

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// State manages client-side persistent state: session tokens per server and
// the last open conversation
type State struct {
	db  *sql.DB
	dir string
}

// OpenState opens or creates the client state database
func OpenState(path string) (*State, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}

	// Client only needs one connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	state := &State{
		db:  db,
		dir: dir,
	}

	if err := state.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return state, nil
}

// Close closes the state database
func (s *State) Close() error {
	return s.db.Close()
}

func (s *State) initSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS Config (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS Session (
	server_address TEXT PRIMARY KEY,
	username TEXT NOT NULL,
	token TEXT NOT NULL,
	last_peer TEXT NOT NULL DEFAULT ''
);
`
	_, err := s.db.Exec(schema)
	return err
}

// GetConfig retrieves a configuration value
func (s *State) GetConfig(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM Config WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

// SetConfig stores a configuration value
func (s *State) SetConfig(key, value string) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO Config (key, value) VALUES (?, ?)
	`, key, value)
	return err
}

// GetSession returns the stored username and token for a server, empty if none
func (s *State) GetSession(serverAddress string) (username, token string, err error) {
	err = s.db.QueryRow(
		"SELECT username, token FROM Session WHERE server_address = ?", serverAddress,
	).Scan(&username, &token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", nil
	}
	return username, token, err
}

// SaveSession stores the token for a server, keeping the last peer
func (s *State) SaveSession(serverAddress, username, token string) error {
	_, err := s.db.Exec(`
		INSERT INTO Session (server_address, username, token) VALUES (?, ?, ?)
		ON CONFLICT(server_address) DO UPDATE SET username = excluded.username, token = excluded.token
	`, serverAddress, username, token)
	return err
}

// ClearSession forgets the token for a server
func (s *State) ClearSession(serverAddress string) error {
	_, err := s.db.Exec("DELETE FROM Session WHERE server_address = ?", serverAddress)
	return err
}

// GetLastPeer returns the conversation that was open when the client last exited
func (s *State) GetLastPeer(serverAddress string) string {
	var peer string
	if err := s.db.QueryRow("SELECT last_peer FROM Session WHERE server_address = ?", serverAddress).Scan(&peer); err != nil {
		return ""
	}
	return peer
}

// SetLastPeer records the open conversation for a server with a stored session
func (s *State) SetLastPeer(serverAddress, peer string) error {
	_, err := s.db.Exec("UPDATE Session SET last_peer = ? WHERE server_address = ?", peer, serverAddress)
	return err
}

// GetStateDir returns the directory holding the state database
func (s *State) GetStateDir() string {
	return s.dir
}
