package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jzhou/qchat/pkg/client"
	"github.com/jzhou/qchat/pkg/logging"
)

func main() {
	cfg := client.DefaultConfig()

	flag.StringVar(&cfg.ServerAddr, "server", "localhost:4433", "chat server address (host:port)")
	flag.BoolVar(&cfg.Insecure, "insecure", false, "accept self-signed server certificates")
	flag.DurationVar(&cfg.KeepAliveInterval, "keep-alive", cfg.KeepAliveInterval, "keep-alive interval")

	logLevel := flag.String("log-level", "warn", "Log level: "+logging.LevelNames())
	logFormat := flag.String("log-format", "text", "Log format: text or json")
	flag.Parse()

	if err := logging.Setup(logging.Options{
		Level:  *logLevel,
		Format: *logFormat,
		Output: os.Stderr,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "invalid logging config: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := client.New(cfg, os.Stdin, os.Stdout)
	if err := c.Connect(ctx, nil); err != nil {
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		os.Exit(1)
	}
	if err := c.Login(ctx); err != nil {
		if errors.Is(err, client.ErrLoginRejected) {
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "login: %v\n", err)
		os.Exit(1)
	}
	if err := c.Run(ctx); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "session error: %v\n", err)
		os.Exit(1)
	}
}
