package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	skerrors "github.com/alexjbarnes/sessionkeeper/internal/errors"
	"github.com/alexjbarnes/sessionkeeper/internal/events"
	"github.com/alexjbarnes/sessionkeeper/internal/manager"
	"github.com/alexjbarnes/sessionkeeper/internal/models"
	"github.com/alexjbarnes/sessionkeeper/internal/server"
)

func (a *app) cmdStatus(_ context.Context, args []string) error {
	if err := a.flags("status").Parse(args); err != nil {
		return err
	}

	res := &manager.Result{Success: true, Status: a.mgr.Status()}
	if f := a.mgr.Error(); f != nil {
		res.Success, res.Error, res.ErrorCode, res.ServerCode = false, f.Message, f.Code, f.ServerCode
	}

	return a.report(res, nil)
}

func (a *app) cmdLogin(ctx context.Context, args []string) error {
	fs := a.flags("login")
	code := fs.String("code", "", "two-factor code, prompted for when required")
	backup := fs.Bool("backup-code", false, "the two-factor code is a backup code")

	if err := fs.Parse(args); err != nil {
		return err
	}

	email, err := a.valueOr(fs.Arg(0), "Email: ", false)
	if err != nil {
		return err
	}

	password, err := a.prompt("Password: ", true)
	if err != nil {
		return err
	}

	res, err := a.mgr.Login(ctx, email, password)

	return a.finish2FA(ctx, res, err, *code, *backup)
}

const maxCodePrompts = 3

// finish2FA answers a two-factor challenge raised by res in the same
// process, since the challenge is not persisted.
func (a *app) finish2FA(ctx context.Context, res *manager.Result, err error, code string, backup bool) error {
	if err != nil || res == nil || !res.Requires2FA {
		return a.report(res, err)
	}

	for attempt := 1; ; attempt++ {
		c, perr := a.valueOr(code, "Two-factor code: ", true)
		if perr != nil {
			a.mgr.Cancel2FA()
			return perr
		}

		res, err = a.mgr.Verify2FA(ctx, c, backup)

		// A wrong code keeps the challenge open; ask again only when the
		// code came from the prompt.
		if err == nil && res.Requires2FA && res.Error != "" && code == "" && attempt < maxCodePrompts {
			fmt.Fprintf(a.stderr, "%s\n", res.Error)
			continue
		}

		return a.report(res, err)
	}
}

func (a *app) cmdRegister(ctx context.Context, args []string) error {
	fs := a.flags("register")
	name := fs.String("name", "", "display name")

	if err := fs.Parse(args); err != nil {
		return err
	}

	email, err := a.valueOr(fs.Arg(0), "Email: ", false)
	if err != nil {
		return err
	}

	password, err := a.prompt("Password: ", true)
	if err != nil {
		return err
	}

	confirm, err := a.prompt("Confirm password: ", true)
	if err != nil {
		return err
	}

	return a.report(a.mgr.Register(ctx, manager.RegisterInput{
		Email:           email,
		Password:        password,
		ConfirmPassword: confirm,
		Name:            *name,
	}))
}

func (a *app) cmdLogout(ctx context.Context, args []string) error {
	fs := a.flags("logout")
	all := fs.Bool("all", false, "sign out every device")
	keep := fs.Bool("keep-current", false, "with --all, keep this device signed in")

	if err := fs.Parse(args); err != nil {
		return err
	}

	if *all {
		return a.report(a.mgr.LogoutAllDevices(ctx, *keep))
	}

	return a.report(a.mgr.Logout(ctx))
}

func (a *app) cmdWhoami(ctx context.Context, args []string) error {
	if err := a.flags("whoami").Parse(args); err != nil {
		return err
	}

	return a.report(a.mgr.CurrentUser(ctx))
}

func (a *app) cmdToken(ctx context.Context, args []string) error {
	if err := a.flags("token").Parse(args); err != nil {
		return err
	}

	tok, err := a.mgr.AccessToken(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintln(a.stdout, tok)

	return nil
}

func (a *app) cmdSessions(ctx context.Context, args []string) error {
	if err := a.flags("sessions").Parse(args); err != nil {
		return err
	}

	return a.report(a.mgr.FetchSessions(ctx))
}

func (a *app) cmdRevoke(ctx context.Context, args []string) error {
	fs := a.flags("revoke")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if fs.NArg() != 1 {
		return errors.New("usage: sessionkeeper revoke <session-id>")
	}

	return a.report(a.mgr.RevokeSession(ctx, fs.Arg(0)))
}

func (a *app) cmdOAuth(ctx context.Context, args []string) error {
	fs := a.flags("oauth")
	link := fs.Bool("link", false, "link the provider to the signed-in account")

	if err := fs.Parse(args); err != nil {
		return err
	}

	if fs.NArg() != 1 {
		return errors.New("usage: sessionkeeper oauth <provider> [--link]")
	}

	provider := fs.Arg(0)

	begin := a.mgr.BeginOAuthLogin
	if *link {
		begin = a.mgr.BeginOAuthLink
	}

	res, err := begin(ctx, provider)
	if err != nil || !res.Success {
		return a.report(res, err)
	}

	fmt.Fprintf(a.stderr, "Open this URL to continue:\n\n  %s\n\n", res.URL)

	state := ""
	if u, perr := url.Parse(res.URL); perr == nil {
		state = u.Query().Get("state")
	}

	input, err := a.prompt("Paste the callback URL or code: ", false)
	if err != nil {
		return err
	}

	code, cbState := callbackCode(input)
	if cbState != "" {
		state = cbState
	}

	if *link {
		return a.report(a.mgr.CompleteOAuthLink(ctx, provider, code, state))
	}

	res, err = a.mgr.CompleteOAuthLogin(ctx, provider, code, state)

	return a.finish2FA(ctx, res, err, "", false)
}

func (a *app) cmd2FA(ctx context.Context, args []string) error {
	fs := a.flags("2fa")
	code := fs.String("code", "", "current two-factor code")

	if err := fs.Parse(args); err != nil {
		return err
	}

	switch fs.Arg(0) {
	case "enable":
		res, err := a.mgr.Enable2FA(ctx)
		if err != nil || !res.Success {
			return a.report(res, err)
		}

		fmt.Fprintf(a.stderr, "Add this secret to your authenticator app:\n  %s\n  %s\n", res.Secret, res.OTPAuthURL)

		c, err := a.valueOr(*code, "Code from the app: ", true)
		if err != nil {
			return err
		}

		return a.report(a.mgr.Confirm2FA(ctx, c))

	case "disable":
		password, err := a.prompt("Password: ", true)
		if err != nil {
			return err
		}

		c, err := a.valueOr(*code, "Two-factor code: ", true)
		if err != nil {
			return err
		}

		return a.report(a.mgr.Disable2FA(ctx, c, password))

	case "backup-codes":
		c, err := a.valueOr(*code, "Two-factor code: ", true)
		if err != nil {
			return err
		}

		return a.report(a.mgr.RegenerateBackupCodes(ctx, c))
	}

	return errors.New("usage: sessionkeeper 2fa enable|disable|backup-codes")
}

func (a *app) cmdPassword(ctx context.Context, args []string) error {
	fs := a.flags("password")
	token := fs.String("token", "", "reset token from the reset email")

	if err := fs.Parse(args); err != nil {
		return err
	}

	switch fs.Arg(0) {
	case "forgot":
		email, err := a.valueOr(fs.Arg(1), "Email: ", false)
		if err != nil {
			return err
		}

		return a.report(a.mgr.ForgotPassword(ctx, email))

	case "reset":
		tok, err := a.valueOr(*token, "Reset token: ", true)
		if err != nil {
			return err
		}

		next, confirm, err := a.newPassword()
		if err != nil {
			return err
		}

		return a.report(a.mgr.ResetPassword(ctx, tok, next, confirm))

	case "change":
		current, err := a.prompt("Current password: ", true)
		if err != nil {
			return err
		}

		next, confirm, err := a.newPassword()
		if err != nil {
			return err
		}

		return a.report(a.mgr.ChangePassword(ctx, current, next, confirm))
	}

	return errors.New("usage: sessionkeeper password forgot|reset|change")
}

func (a *app) newPassword() (next, confirm string, err error) {
	if next, err = a.prompt("New password: ", true); err != nil {
		return "", "", err
	}

	if confirm, err = a.prompt("Confirm new password: ", true); err != nil {
		return "", "", err
	}

	return next, confirm, nil
}

func (a *app) cmdProfile(ctx context.Context, args []string) error {
	fs := a.flags("profile")
	name := fs.String("name", "", "display name")
	avatar := fs.String("avatar-url", "", "avatar image URL")

	if err := fs.Parse(args); err != nil {
		return err
	}

	var update models.ProfileUpdate
	if fs.Changed("name") {
		update.Name = name
	}

	if fs.Changed("avatar-url") {
		update.AvatarURL = avatar
	}

	if update.Name == nil && update.AvatarURL == nil {
		return a.report(a.mgr.CurrentUser(ctx))
	}

	return a.report(a.mgr.UpdateProfile(ctx, update))
}

// cmdWatch keeps the session fresh in the foreground: the proactive
// refresh timer runs, server events and store changes are followed, and
// metrics are served when configured. It returns when the session ends
// or the process is interrupted.
func (a *app) cmdWatch(ctx context.Context, args []string) error {
	if err := a.flags("watch").Parse(args); err != nil {
		return err
	}

	if !a.mgr.IsAuthenticated() {
		return a.report(&manager.Result{Status: a.mgr.Status(), Error: "not signed in", ErrorCode: skerrors.CodeSessionExpired}, nil)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var ended atomic.Bool

	unsubscribe := a.mgr.Subscribe(func(s models.AuthStatus) {
		a.logger.Info("status changed", slog.String("status", string(s)))

		if s == models.StatusUnauthenticated {
			ended.Store(true)
			cancel()
		}
	})
	defer unsubscribe()

	g, gctx := errgroup.WithContext(ctx)

	if a.cfg.Events {
		g.Go(func() error {
			return a.mgr.WatchEvents(gctx, events.Options{})
		})
	}

	g.Go(func() error {
		return a.mgr.WatchStore(gctx)
	})

	if a.cfg.MetricsListenAddr != "" {
		srv := server.New(a.cfg.MetricsListenAddr, server.NewMux(server.MuxConfig{
			Metrics: a.metrics.Handler(),
			Ready:   a.mgr.IsAuthenticated,
		}))

		g.Go(func() error {
			return server.Serve(gctx, srv, a.logger.With(slog.String("service", "metrics")))
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	a.logger.Info("watching session", slog.Bool("events", a.cfg.Events))

	err := g.Wait()

	if ended.Load() {
		res := &manager.Result{Status: a.mgr.Status(), Error: "session ended"}
		if f := a.mgr.Error(); f != nil {
			res.Error, res.ErrorCode = f.Message, f.Code
		}

		return a.report(res, nil)
	}

	return err
}
