// Package credentials holds the local checks applied to user input before
// anything is sent to the server.
package credentials

import (
	"fmt"
	"net/mail"
	"strings"
	"unicode"
	"unicode/utf8"

	skerrors "github.com/alexjbarnes/sessionkeeper/internal/errors"
	"golang.org/x/text/unicode/norm"
)

const (
	MinPasswordLength = 8
	MaxPasswordLength = 128
)

// NormalizeEmail applies NFKC, trims and lower-cases.
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(norm.NFKC.String(s)))
}

// ValidateEmail normalizes s and checks it parses as a bare address.
func ValidateEmail(s string) (string, error) {
	email := NormalizeEmail(s)
	if email == "" {
		return "", fmt.Errorf("email: %w", skerrors.ErrMissingField)
	}

	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || !strings.Contains(email[strings.LastIndex(email, "@")+1:], ".") {
		return "", skerrors.ErrInvalidEmail
	}

	return email, nil
}

// ValidatePassword checks the password policy. Length counts runes.
func ValidatePassword(pw string) error {
	n := utf8.RuneCountInString(pw)
	if n == 0 {
		return fmt.Errorf("password: %w", skerrors.ErrMissingField)
	}

	if n < MinPasswordLength {
		return fmt.Errorf("%w: at least %d characters required", skerrors.ErrWeakPassword, MinPasswordLength)
	}

	if n > MaxPasswordLength {
		return fmt.Errorf("%w: at most %d characters allowed", skerrors.ErrWeakPassword, MaxPasswordLength)
	}

	if looksVeryWeak(pw) {
		return skerrors.ErrWeakPassword
	}

	return nil
}

// ValidateNewPassword checks the policy and that confirm matches.
func ValidateNewPassword(pw, confirm string) error {
	if pw != confirm {
		return skerrors.ErrPasswordMismatch
	}

	return ValidatePassword(pw)
}

func looksVeryWeak(pw string) bool {
	s := strings.TrimSpace(pw)
	if s == "" {
		return true
	}

	first, _ := utf8.DecodeRuneInString(s)
	allSame, onlyDigits := true, true

	for _, r := range s {
		if r != first {
			allSame = false
		}

		if !unicode.IsDigit(r) {
			onlyDigits = false
		}
	}

	if allSame {
		return true
	}

	// PIN-like.
	if onlyDigits && utf8.RuneCountInString(s) < 12 {
		return true
	}

	switch strings.ToLower(s) {
	case "password", "password1", "password123", "12345678", "123456789",
		"qwerty", "qwerty123", "qwertyuiop", "iloveyou", "letmein1":
		return true
	}

	return false
}
