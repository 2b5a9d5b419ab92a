package credentials

import (
	"strings"
	"testing"

	skerrors "github.com/alexjbarnes/sessionkeeper/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeEmail(t *testing.T) {
	assert.Equal(t, "alice@example.com", NormalizeEmail("  Alice@Example.COM "))
	// Fullwidth letters fold under NFKC.
	assert.Equal(t, "bob@example.com", NormalizeEmail("ｂｏｂ@example.com"))
}

func TestValidateEmail(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
		err   error
	}{
		{"valid", "User@Example.com", "user@example.com", nil},
		{"empty", "   ", "", skerrors.ErrMissingField},
		{"no at", "userexample.com", "", skerrors.ErrInvalidEmail},
		{"no tld", "user@localhost", "", skerrors.ErrInvalidEmail},
		{"display name", "Bob <bob@example.com>", "", skerrors.ErrInvalidEmail},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ValidateEmail(tt.input)
			if tt.err != nil {
				require.ErrorIs(t, err, tt.err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidatePassword(t *testing.T) {
	tests := []struct {
		name string
		pw   string
		err  error
	}{
		{"ok", "correct horse battery", nil},
		{"empty", "", skerrors.ErrMissingField},
		{"short", "abc1", skerrors.ErrWeakPassword},
		{"too long", strings.Repeat("ab", 70), skerrors.ErrWeakPassword},
		{"all same", "aaaaaaaaaa", skerrors.ErrWeakPassword},
		{"pin", "1234567890", skerrors.ErrWeakPassword},
		{"long digits ok", "123456789012345", nil},
		{"common", "Password123", skerrors.ErrWeakPassword},
		{"unicode counts runes", "пароль-ок", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePassword(tt.pw)
			if tt.err == nil {
				assert.NoError(t, err)
				return
			}

			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestValidateNewPassword_Mismatch(t *testing.T) {
	err := ValidateNewPassword("correct horse battery", "correct horse batterx")
	assert.ErrorIs(t, err, skerrors.ErrPasswordMismatch)

	assert.NoError(t, ValidateNewPassword("correct horse battery", "correct horse battery"))
}
