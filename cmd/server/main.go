package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/jzhou/qchat/pkg/logging"
	"github.com/jzhou/qchat/pkg/registry"
	"github.com/jzhou/qchat/pkg/server"
	"github.com/jzhou/qchat/pkg/userdb"
)

func main() {
	cfg := server.DefaultConfig()

	flag.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "QUIC bind address")
	flag.StringVar(&cfg.DBPath, "db", "", "SQLite user database file path (empty for in-memory store)")
	flag.StringVar(&cfg.CertFile, "cert", "", "TLS certificate file (auto-generated if empty)")
	flag.StringVar(&cfg.KeyFile, "key", "", "TLS private key file (auto-generated if empty)")
	flag.StringVar(&cfg.DataDir, "data", cfg.DataDir, "Data directory for generated files")
	flag.StringVar(&cfg.UsersFile, "users-file", "", "YAML file of users to seed on startup")

	logLevel := flag.String("log-level", "info", "Log level: "+logging.LevelNames())
	logFormat := flag.String("log-format", "text", "Log format: text or json")
	flag.Parse()

	// Configure structured logging
	if err := logging.Setup(logging.Options{
		Level:  *logLevel,
		Format: *logFormat,
		Output: os.Stdout,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "invalid logging config: %v\n", err)
		os.Exit(1)
	}

	store, err := openStore(cfg)
	if err != nil {
		slog.Error("open user store", "err", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	if err := seedStore(store, cfg.UsersFile); err != nil {
		slog.Error("seed users", "err", err)
		os.Exit(1)
	}

	srv := server.New(cfg, server.Dependencies{Registry: registry.New(store)})
	if err := srv.Run(); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
}

func openStore(cfg server.Config) (userdb.CredentialStore, error) {
	if cfg.DBPath == "" {
		slog.Info("using in-memory user store")
		return userdb.NewMemory(), nil
	}
	return userdb.OpenSQL(cfg.DBPath)
}

func seedStore(store userdb.CredentialStore, usersFile string) error {
	users := userdb.DefaultSeed()
	if usersFile != "" {
		loaded, err := userdb.LoadSeedFile(usersFile)
		if err != nil {
			return err
		}
		users = loaded
	}
	return userdb.Seed(store, users)
}
