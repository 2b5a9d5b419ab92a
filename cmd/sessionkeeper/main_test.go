package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"github.com/alexjbarnes/sessionkeeper/internal/authserver"
)

// setup starts a reference auth server and points the CLI at it with a
// file store in a temp dir, so state carries over between runs.
func setup(t *testing.T) {
	t.Helper()

	srv, err := authserver.New(authserver.Config{
		SigningKey: []byte("0123456789abcdef0123456789abcdef"),
		PublicURL:  "http://auth.example.test",
		BcryptCost: bcrypt.MinCost,
		Users: []authserver.Seed{
			{Email: "plain@example.com", Password: "Correct#Horse1"},
			{Email: "twofa@example.com", Password: "Correct#Horse1", TwoFactor: true},
		},
	})
	require.NoError(t, err)

	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		hs.Close()
		srv.Close()
	})

	t.Setenv("SESSIONKEEPER_API_URL", hs.URL)
	t.Setenv("SESSIONKEEPER_STORE", "file")
	t.Setenv("SESSIONKEEPER_FILE_PATH", filepath.Join(t.TempDir(), "session.json"))
	t.Setenv("SESSIONKEEPER_STORE_KEY", "test-secret")
	t.Setenv("DEVICE_NAME", "cli-test")
	t.Setenv("LOG_LEVEL", "error")
}

func runCLI(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()

	var stdout, stderr bytes.Buffer
	err := run(context.Background(), args, strings.NewReader(stdin), &stdout, &stderr)

	return stdout.String(), err
}

func TestVersion(t *testing.T) {
	out, err := runCLI(t, "", "version")
	require.NoError(t, err)
	assert.Equal(t, Version+"\n", out)
}

func TestUnknownCommand(t *testing.T) {
	setup(t)

	_, err := runCLI(t, "", "frobnicate")
	assert.ErrorIs(t, err, errFailed)
}

func TestUnknownFormat(t *testing.T) {
	_, err := runCLI(t, "", "--output", "xml", "status")
	require.Error(t, err)
}

func TestLoginPersistsAcrossRuns(t *testing.T) {
	setup(t)

	out, err := runCLI(t, "Correct#Horse1\n", "-o", "json", "login", "plain@example.com")
	require.NoError(t, err)
	assert.True(t, gjson.Get(out, "success").Bool())
	assert.Equal(t, "authenticated", gjson.Get(out, "status").String())

	out, err = runCLI(t, "", "-o", "json", "whoami")
	require.NoError(t, err)
	assert.Equal(t, "plain@example.com", gjson.Get(out, "user.email").String())

	out, err = runCLI(t, "", "-o", "yaml", "sessions")
	require.NoError(t, err)

	var doc struct {
		Sessions []struct {
			Current bool `yaml:"current"`
		} `yaml:"sessions"`
	}
	require.NoError(t, yaml.Unmarshal([]byte(out), &doc))
	require.Len(t, doc.Sessions, 1)
	assert.True(t, doc.Sessions[0].Current)

	out, err = runCLI(t, "", "token")
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(out), "."), 3, "a JWT")

	_, err = runCLI(t, "", "logout")
	require.NoError(t, err)

	out, err = runCLI(t, "", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "status: unauthenticated")
}

func TestLogin_WrongPassword(t *testing.T) {
	setup(t)

	out, err := runCLI(t, "nope\n", "login", "plain@example.com")
	assert.ErrorIs(t, err, errFailed)
	assert.Contains(t, out, "Invalid email or password")
	assert.Contains(t, out, "INVALID_CREDENTIALS")
}

func TestLogin_TwoFactorRetriesPromptedCode(t *testing.T) {
	setup(t)

	out, err := runCLI(t, "Correct#Horse1\n000000\n123456\n", "-o", "json", "login", "twofa@example.com")
	require.NoError(t, err)

	// Only the final outcome is printed; the wrong code goes to stderr.
	assert.True(t, gjson.Get(out, "success").Bool())
	assert.Equal(t, "authenticated", gjson.Get(out, "status").String())
}

func TestLogin_TwoFactorCodeFlagIsNotRetried(t *testing.T) {
	setup(t)

	_, err := runCLI(t, "Correct#Horse1\n", "login", "--code", "000000", "twofa@example.com")
	assert.ErrorIs(t, err, errFailed)
}

func TestRevoke_Usage(t *testing.T) {
	setup(t)

	_, err := runCLI(t, "", "revoke")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "usage")
}

func TestCallbackCode(t *testing.T) {
	code, state := callbackCode("http://localhost/provider/callback?code=abc&state=xyz&provider=github")
	assert.Equal(t, "abc", code)
	assert.Equal(t, "xyz", state)

	code, state = callbackCode("  plain-code ")
	assert.Equal(t, "plain-code", code)
	assert.Empty(t, state)
}
