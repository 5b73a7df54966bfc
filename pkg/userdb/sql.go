package userdb

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"
)

// SQLStore is a SQLite-backed CredentialStore.
type SQLStore struct {
	db *sql.DB
}

// OpenSQL opens (or creates) the SQLite credential database at path.
func OpenSQL(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("userdb: open db: %w", err)
	}

	// WAL mode for concurrent verify during add-user
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("userdb: set WAL: %w", err)
	}
	// Busy timeout to avoid "database is locked" under concurrency
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("userdb: set busy_timeout: %w", err)
	}

	const schema = `
	CREATE TABLE IF NOT EXISTS users (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		username      TEXT    NOT NULL UNIQUE CHECK(length(username) > 0),
		password_hash TEXT    NOT NULL,
		created_at    TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("userdb: migrate: %w", err)
	}

	return &SQLStore{db: db}, nil
}

// AddUser registers a username with a bcrypt-hashed password.
func (s *SQLStore) AddUser(username, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("userdb: hash password: %w", err)
	}

	_, err = s.db.Exec("INSERT INTO users (username, password_hash) VALUES (?, ?)", username, string(hash))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return ErrUserExists
		}
		return fmt.Errorf("userdb: add user: %w", err)
	}
	return nil
}

// Verify checks a username/password pair against the stored hash.
func (s *SQLStore) Verify(username, password string) (bool, error) {
	var hash string
	err := s.db.QueryRow("SELECT password_hash FROM users WHERE username = ?", username).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("userdb: lookup user: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return false, nil
	}
	return true, nil
}

// Close closes the database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Compile-time check: *SQLStore implements CredentialStore.
var _ CredentialStore = (*SQLStore)(nil)
