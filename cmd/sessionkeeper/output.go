package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/alexjbarnes/sessionkeeper/internal/manager"
)

// report prints res and maps an unsuccessful result to errFailed. A
// transport error takes precedence. An open two-factor challenge with no
// error is not a failure.
func (a *app) report(res *manager.Result, err error) error {
	if res != nil {
		if perr := a.print(res); perr != nil {
			return perr
		}
	}

	if err != nil {
		return err
	}

	if res != nil && !res.Success && (res.Error != "" || !res.Requires2FA) {
		return errFailed
	}

	return nil
}

func (a *app) print(res *manager.Result) error {
	switch a.format {
	case "json":
		enc := json.NewEncoder(a.stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(res)

	case "yaml":
		enc := yaml.NewEncoder(a.stdout)
		enc.SetIndent(2)

		if err := enc.Encode(res); err != nil {
			return err
		}

		return enc.Close()
	}

	printText(a.stdout, res)

	return nil
}

func printText(w io.Writer, res *manager.Result) {
	if !res.Success && res.Error != "" {
		code := res.ErrorCode
		if res.ServerCode != "" {
			code += "/" + res.ServerCode
		}

		fmt.Fprintf(w, "error: %s (%s)\n", res.Error, code)
	}

	if res.Requires2FA && res.Error == "" {
		fmt.Fprintln(w, "two-factor verification required")
	}

	if res.Status != "" {
		fmt.Fprintf(w, "status: %s\n", res.Status)
	}

	if u := res.User; u != nil {
		fmt.Fprintf(w, "user:   %s", u.Email)

		if u.Name != "" {
			fmt.Fprintf(w, " (%s)", u.Name)
		}

		fmt.Fprintln(w)

		if u.TwoFactorEnabled {
			fmt.Fprintln(w, "2fa:    enabled")
		}

		if len(u.LinkedProviders) > 0 {
			fmt.Fprintf(w, "linked: %s\n", strings.Join(u.LinkedProviders, ", "))
		}
	}

	if res.URL != "" {
		fmt.Fprintf(w, "url:    %s\n", res.URL)
	}

	if res.RevokedCount > 0 {
		fmt.Fprintf(w, "revoked %d session(s)\n", res.RevokedCount)
	}

	if res.Secret != "" {
		fmt.Fprintf(w, "secret: %s\n", res.Secret)
		fmt.Fprintf(w, "otpauth: %s\n", res.OTPAuthURL)
	}

	if len(res.BackupCodes) > 0 {
		fmt.Fprintln(w, "backup codes (each works once):")

		for _, c := range res.BackupCodes {
			fmt.Fprintf(w, "  %s\n", c)
		}
	}

	if len(res.Sessions) > 0 {
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "\nID\tDEVICE\tIP\tLAST ACTIVE\tSTATUS\t")

		for _, s := range res.Sessions {
			id := s.ID
			if s.Current {
				id += " *"
			}

			device := s.DeviceInfo.Name
			if device == "" {
				device = s.DeviceID
			}

			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t\n", id, device, s.IPAddress, s.LastActivity.Format(time.RFC3339), s.Status)
		}

		tw.Flush()
	}
}

// prompt reads one line from stdin after printing label to stderr. Secret
// input is not echoed when stdin is a terminal.
func (a *app) prompt(label string, secret bool) (string, error) {
	fmt.Fprint(a.stderr, label)

	if f, ok := a.stdin.(*os.File); ok && secret && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(a.stderr)

		if err != nil {
			return "", fmt.Errorf("reading input: %w", err)
		}

		return string(b), nil
	}

	line, err := a.input.ReadString('\n')
	if err != nil && (!errors.Is(err, io.EOF) || line == "") {
		return "", fmt.Errorf("reading input: %w", err)
	}

	return strings.TrimRight(line, "\r\n"), nil
}

// valueOr returns v, prompting for it when empty.
func (a *app) valueOr(v, label string, secret bool) (string, error) {
	if v != "" {
		return v, nil
	}

	return a.prompt(label, secret)
}

// callbackCode accepts either a bare authorization code or the full
// callback URL and returns the code, plus the state when the URL has one.
func callbackCode(input string) (code, state string) {
	input = strings.TrimSpace(input)

	u, err := url.Parse(input)
	if err != nil || u.RawQuery == "" {
		return input, ""
	}

	q := u.Query()
	if q.Get("code") == "" {
		return input, ""
	}

	return q.Get("code"), q.Get("state")
}
