// Package server implements the chat server side of the session protocol.
package server

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jzhou/qchat/pkg/registry"
	"github.com/jzhou/qchat/pkg/transport"
)

// Config holds server configuration.
type Config struct {
	ListenAddr string // QUIC bind address (e.g. ":4433")
	CertFile   string // TLS certificate file path
	KeyFile    string // TLS private key file path
	DataDir    string // directory for generated certs and data
	DBPath     string // SQLite credential database path (empty = in-memory store)
	UsersFile  string // YAML file seeding users on startup (empty = built-in seed)

	MaxLoginAttempts int           // bounded login retries per connection
	LoginRetryWait   time.Duration // how long to wait for the next attempt after a retry
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:       ":4433",
		DataDir:          ".",
		MaxLoginAttempts: 3,
		LoginRetryWait:   60 * time.Second,
	}
}

// Dependencies holds external dependencies for the server.
type Dependencies struct {
	Registry *registry.Registry
}

// Server accepts chat connections and drives one session protocol loop per
// connection.
type Server struct {
	cfg      Config
	registry *registry.Registry
	listener *transport.Listener
	ctx      context.Context
	cancel   context.CancelFunc
}

// New creates a new Server instance.
func New(cfg Config, deps Dependencies) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:      cfg,
		registry: deps.Registry,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Registry returns the user/session registry.
func (s *Server) Registry() *registry.Registry {
	return s.registry
}

// Start binds the QUIC listener and begins accepting connections.
func (s *Server) Start() error {
	cert, err := loadOrGenerateTLS(s.cfg)
	if err != nil {
		return fmt.Errorf("server: tls: %w", err)
	}

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
		NextProtos:   []string{transport.ALPN},
	}

	ln, err := transport.Listen(s.cfg.ListenAddr, tlsCfg)
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	s.listener = ln

	slog.Info("chat server listening", "addr", s.cfg.ListenAddr)

	go func() {
		for {
			link, err := ln.Accept(s.ctx)
			if err != nil {
				select {
				case <-s.ctx.Done():
					return
				default:
					slog.Error("accept error", "err", err)
					continue
				}
			}
			go s.handleConn(link)
		}
	}()

	return nil
}

// handleConn runs one session protocol loop for an accepted connection.
func (s *Server) handleConn(link transport.Link) {
	conn := transport.NewEstablishedConn(link)
	sess := newSession(s.registry, conn, s.cfg)
	sess.run(s.ctx)
}

// Addr returns the listener address, useful when binding to port 0.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Run starts the server and blocks until shutdown signal.
func (s *Server) Run() error {
	if s.registry == nil {
		return fmt.Errorf("server: missing registry dependency")
	}
	if err := s.Start(); err != nil {
		return err
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutting down...")
	s.Shutdown()
	return nil
}

// Shutdown stops accepting connections and cancels all session loops.
func (s *Server) Shutdown() {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
}

// loadOrGenerateTLS loads TLS cert/key from disk or generates a self-signed pair.
func loadOrGenerateTLS(cfg Config) (tls.Certificate, error) {
	certPath := cfg.CertFile
	keyPath := cfg.KeyFile

	if certPath == "" {
		certPath = filepath.Join(cfg.DataDir, "server.crt")
	}
	if keyPath == "" {
		keyPath = filepath.Join(cfg.DataDir, "server.key")
	}

	// Try loading existing cert
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err == nil {
		slog.Info("loaded TLS certificate", "cert", certPath)
		return cert, nil
	}

	// Generate self-signed certificate
	slog.Info("generating self-signed TLS certificate")
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate key: %w", err)
	}

	serialNumber, _ := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject:      pkix.Name{Organization: []string{"QChat Server"}},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("create cert: %w", err)
	}

	// Write cert
	certOut, err := os.Create(certPath) //nolint:gosec // path from server config
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("write cert: %w", err)
	}
	if err := pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: certDER}); err != nil {
		_ = certOut.Close()
		return tls.Certificate{}, fmt.Errorf("encode cert: %w", err)
	}
	if err := certOut.Close(); err != nil {
		return tls.Certificate{}, fmt.Errorf("close cert file: %w", err)
	}

	// Write key
	privBytes, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("marshal key: %w", err)
	}
	keyOut, err := os.OpenFile(keyPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600) //nolint:gosec // path from server config
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("write key: %w", err)
	}
	if err := pem.Encode(keyOut, &pem.Block{Type: "EC PRIVATE KEY", Bytes: privBytes}); err != nil {
		_ = keyOut.Close()
		return tls.Certificate{}, fmt.Errorf("encode key: %w", err)
	}
	if err := keyOut.Close(); err != nil {
		return tls.Certificate{}, fmt.Errorf("close key file: %w", err)
	}

	slog.Info("TLS certificate generated", "cert", certPath, "key", keyPath)

	return tls.LoadX509KeyPair(certPath, keyPath)
}
