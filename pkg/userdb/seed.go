package userdb

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// SeedUser is one credential entry in a YAML users file.
type SeedUser struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// UsersFile is the top-level YAML shape for seeding credentials.
type UsersFile struct {
	Users []SeedUser `yaml:"users"`
}

// DefaultSeed returns the built-in starter accounts.
func DefaultSeed() []SeedUser {
	return []SeedUser{
		{Username: "alice", Password: "p1"},
		{Username: "bob", Password: "p2"},
		{Username: "cam", Password: "p3"},
	}
}

// LoadSeedFile reads a YAML users file.
func LoadSeedFile(path string) ([]SeedUser, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path from user-provided CLI config
	if err != nil {
		return nil, fmt.Errorf("userdb: read users file: %w", err)
	}
	var f UsersFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("userdb: parse users file: %w", err)
	}
	return f.Users, nil
}

// Seed registers users into the store, skipping ones already present.
func Seed(store CredentialStore, users []SeedUser) error {
	for _, u := range users {
		if err := store.AddUser(u.Username, u.Password); err != nil {
			if errors.Is(err, ErrUserExists) {
				slog.Debug("seed user already registered", "user", u.Username)
				continue
			}
			return err
		}
		slog.Debug("seeded user", "user", u.Username)
	}
	return nil
}
