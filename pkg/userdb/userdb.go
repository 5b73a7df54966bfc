// Package userdb stores registered chat credentials and verifies passwords.
//
// Two implementations are provided: an in-memory store for tests and open
// servers, and a SQLite-backed store for servers that persist registrations.
// Both hash passwords with bcrypt; plaintext is never retained.
package userdb

import "errors"

var (
	// ErrUserExists reports an add-user for a username already registered.
	ErrUserExists = errors.New("userdb: user already exists")
)

// CredentialStore is the password-verification oracle the session protocol
// authenticates against. Verify never reveals whether the username or the
// password was wrong.
type CredentialStore interface {
	Verify(username, password string) (bool, error)
	AddUser(username, password string) error
	Close() error
}
