package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/crypto/bcrypt"

	"github.com/alexjbarnes/sessionkeeper/internal/authserver"
	"github.com/alexjbarnes/sessionkeeper/internal/config"
	"github.com/alexjbarnes/sessionkeeper/internal/logging"
	"github.com/alexjbarnes/sessionkeeper/internal/server"
)

var Version = "dev"

func main() {
	// Handle hash-password subcommand before config loading.
	if len(os.Args) > 1 && os.Args[1] == "hash-password" {
		hashPassword()
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// hashPassword prints a bcrypt hash of a password read from stdin, for
// comparing against stored hashes when debugging.
func hashPassword() {
	fmt.Fprint(os.Stderr, "Enter password: ")

	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		fmt.Fprintln(os.Stderr, "no input")
		os.Exit(1)
	}

	hash, err := bcrypt.GenerateFromPassword(scanner.Bytes(), bcrypt.DefaultCost)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(string(hash))
}

func run() error {
	cfg, err := config.LoadServer()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLoggerLevel(cfg.Environment, cfg.LogLevel)

	users, err := cfg.ParseUsers()
	if err != nil {
		return fmt.Errorf("parsing AUTHSERVER_USERS: %w", err)
	}

	srv, err := authserver.New(authserver.Config{
		SigningKey:    []byte(cfg.SigningKey),
		PublicURL:     cfg.PublicURL,
		AccessTTL:     cfg.AccessTTL,
		RefreshTTL:    cfg.RefreshTTL,
		TwoFactorCode: cfg.TwoFactorCode,
		Users:         users,
		Logger:        logger,
		OnResetToken: func(email, token string) {
			// There is no mail delivery; the token is logged for local use.
			logger.Info("password reset requested", slog.String("email", email), slog.String("reset_token", token))
		},
	})
	if err != nil {
		return err
	}
	defer srv.Close()

	if cfg.IsProduction() {
		logger.Warn("the reference auth server keeps accounts in memory and accepts a fixed two-factor code; do not expose it")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpServer := server.New(cfg.ListenAddr, srv.Handler())
	// Session event streams stay open far longer than any write timeout.
	httpServer.WriteTimeout = 0

	logger.Info("authserver starting",
		slog.String("version", Version),
		slog.String("public_url", cfg.PublicURL),
		slog.Int("users", len(users)),
	)

	return server.Serve(ctx, httpServer, logger)
}
