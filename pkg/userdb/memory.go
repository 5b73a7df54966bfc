package userdb

import (
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// Memory is an in-memory CredentialStore. Reads run concurrently; add-user is
// mutually exclusive with them so registration is atomic.
type Memory struct {
	mu    sync.RWMutex
	users map[string][]byte // username -> bcrypt hash
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{users: make(map[string][]byte)}
}

// AddUser registers a username with a bcrypt-hashed password.
func (m *Memory) AddUser(username, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("userdb: hash password: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.users[username]; exists {
		return ErrUserExists
	}
	m.users[username] = hash
	return nil
}

// Verify checks a username/password pair against the stored hash.
func (m *Memory) Verify(username, password string) (bool, error) {
	m.mu.RLock()
	hash, ok := m.users[username]
	m.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil {
		return false, nil
	}
	return true, nil
}

// Close is a no-op for the in-memory store.
func (m *Memory) Close() error {
	return nil
}

// Compile-time check: *Memory implements CredentialStore.
var _ CredentialStore = (*Memory)(nil)
