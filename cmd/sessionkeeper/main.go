package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/alexjbarnes/sessionkeeper/internal/config"
	"github.com/alexjbarnes/sessionkeeper/internal/logging"
	"github.com/alexjbarnes/sessionkeeper/internal/manager"
	"github.com/alexjbarnes/sessionkeeper/internal/metrics"
)

var Version = "dev"

// errFailed marks a command whose Result was printed but unsuccessful.
var errFailed = errors.New("command failed")

const usage = `Usage: sessionkeeper [--output text|json|yaml] <command> [flags]

Commands:
  status                  restore the saved session and report its status
  login [email]           sign in with email and password
  register [email]        create an account and sign in
  logout                  sign out (--all, --keep-current)
  whoami                  show the signed-in user
  token                   print a fresh access token
  sessions                list the account's sessions
  revoke <session-id>     revoke one session
  oauth <provider>        sign in (or --link) with an OAuth provider
  2fa enable|disable|backup-codes
  password forgot|reset|change
  profile                 update --name and --avatar-url
  watch                   keep the session fresh until interrupted
  version                 print the version
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		if !errors.Is(err, errFailed) {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}

		os.Exit(1)
	}
}

// app carries what every command needs.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	mgr     *manager.Manager
	metrics *metrics.Recorder

	stdin  io.Reader
	input  *bufio.Reader
	stdout io.Writer
	stderr io.Writer
	format string
}

type command func(ctx context.Context, args []string) error

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	global := pflag.NewFlagSet("sessionkeeper", pflag.ContinueOnError)
	global.SetInterspersed(false)
	global.SetOutput(stderr)
	global.Usage = func() { fmt.Fprint(stderr, usage) }

	format := global.StringP("output", "o", "text", "output format: text, json or yaml")

	if err := global.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}

		return err
	}

	if global.NArg() == 0 {
		fmt.Fprint(stderr, usage)
		return errFailed
	}

	switch *format {
	case "text", "json", "yaml":
	default:
		return fmt.Errorf("unknown output format %q", *format)
	}

	name, rest := global.Arg(0), global.Args()[1:]
	if name == "version" {
		fmt.Fprintln(stdout, Version)
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLoggerLevel(cfg.Environment, cfg.LogLevel)

	store, closeStore, err := cfg.OpenStore()
	if err != nil {
		return fmt.Errorf("opening %s store: %w", cfg.Store, err)
	}
	defer closeStore()

	rec := metrics.New()

	mgr, err := manager.New(manager.Options{
		BaseURL:     cfg.APIURL,
		Timeout:     cfg.HTTPTimeout,
		Durable:     store,
		DeviceName:  cfg.DeviceName,
		RefreshLead: cfg.RefreshLead,
		ClockSkew:   cfg.ClockSkew,
		Logger:      logger,
		Metrics:     rec,
	})
	if err != nil {
		return err
	}
	defer mgr.Close()

	a := &app{
		cfg:     cfg,
		logger:  logger,
		mgr:     mgr,
		metrics: rec,
		stdin:   stdin,
		input:   bufio.NewReader(stdin),
		stdout:  stdout,
		stderr:  stderr,
		format:  *format,
	}

	commands := map[string]command{
		"status":   a.cmdStatus,
		"login":    a.cmdLogin,
		"register": a.cmdRegister,
		"logout":   a.cmdLogout,
		"whoami":   a.cmdWhoami,
		"token":    a.cmdToken,
		"sessions": a.cmdSessions,
		"revoke":   a.cmdRevoke,
		"oauth":    a.cmdOAuth,
		"2fa":      a.cmd2FA,
		"password": a.cmdPassword,
		"profile":  a.cmdProfile,
		"watch":    a.cmdWatch,
	}

	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", name, usage)
		return errFailed
	}

	logger.Debug("sessionkeeper starting",
		slog.String("version", Version),
		slog.String("command", name),
		slog.String("store", cfg.Store),
	)

	// Every command starts from the persisted session.
	if _, err := mgr.Restore(ctx); err != nil {
		logger.Warn("restoring session", slog.String("error", err.Error()))
	}

	return cmd(ctx, rest)
}

func (a *app) flags(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(a.stderr)

	return fs
}
