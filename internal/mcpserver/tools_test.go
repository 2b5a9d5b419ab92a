package mcpserver

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/alexjbarnes/sessionkeeper/internal/authserver"
	"github.com/alexjbarnes/sessionkeeper/internal/manager"
	"github.com/alexjbarnes/sessionkeeper/internal/models"
	"github.com/alexjbarnes/sessionkeeper/internal/refresh"
)

type noopStopper struct{}

func (noopStopper) Stop() bool { return true }

func noTimers(_ time.Duration, _ func()) refresh.Stopper { return noopStopper{} }

// testSetup starts a reference auth server, wires a Manager to it,
// registers tools on an MCP server, and returns a connected client
// session for calling tools.
func testSetup(t *testing.T) (*mcp.ClientSession, *manager.Manager) {
	t.Helper()

	srv, err := authserver.New(authserver.Config{
		SigningKey: []byte("0123456789abcdef0123456789abcdef"),
		PublicURL:  "http://auth.example.test",
		BcryptCost: bcrypt.MinCost,
		Users: []authserver.Seed{
			{Email: "plain@example.com", Password: "Correct#Horse1", Name: "Plain"},
			{Email: "twofa@example.com", Password: "Correct#Horse1", TwoFactor: true},
		},
	})
	require.NoError(t, err)

	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		hs.Close()
		srv.Close()
	})

	m, err := manager.New(manager.Options{
		BaseURL:    hs.URL,
		DeviceName: "mcp-test",
		AfterFunc:  noTimers,
	})
	require.NoError(t, err)
	t.Cleanup(m.Close)

	server := mcp.NewServer(
		&mcp.Implementation{Name: "sessionkeeper-mcp-test", Version: "test"},
		nil,
	)
	RegisterTools(server, m)

	ctx := context.Background()
	t1, t2 := mcp.NewInMemoryTransports()
	_, err = server.Connect(ctx, t1, nil)
	require.NoError(t, err)

	client := mcp.NewClient(
		&mcp.Implementation{Name: "test-client", Version: "test"},
		nil,
	)
	session, err := client.Connect(ctx, t2, nil)
	require.NoError(t, err)
	t.Cleanup(func() { session.Close() })

	return session, m
}

// callTool is a helper that calls a tool and returns the result.
func callTool(t *testing.T, session *mcp.ClientSession, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()

	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	require.NoError(t, err)

	return result
}

// extractJSON unmarshals the first text content from a CallToolResult.
func extractJSON(t *testing.T, result *mcp.CallToolResult, dest any) {
	t.Helper()
	require.NotEmpty(t, result.Content, "result has no content")

	tc, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok, "first content is not TextContent")
	require.NoError(t, json.Unmarshal([]byte(tc.Text), dest))
}

func TestListTools(t *testing.T) {
	session, _ := testSetup(t)

	res, err := session.ListTools(context.Background(), nil)
	require.NoError(t, err)

	var names []string
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}

	assert.ElementsMatch(t, []string{
		"auth_status", "auth_login", "auth_verify_2fa", "auth_logout",
		"oauth_begin", "oauth_complete", "sessions_list", "sessions_revoke", "user_profile",
	}, names)
}

func TestStatus_Idle(t *testing.T) {
	session, _ := testSetup(t)

	result := callTool(t, session, "auth_status", map[string]any{})
	assert.False(t, result.IsError)

	var out StatusResult
	extractJSON(t, result, &out)
	assert.Equal(t, models.StatusIdle, out.Status)
	assert.False(t, out.Authenticated)
}

func TestLogin_WrongPasswordIsToolError(t *testing.T) {
	session, m := testSetup(t)

	result := callTool(t, session, "auth_login", map[string]any{"email": "plain@example.com", "password": "nope"})
	assert.True(t, result.IsError)

	var out manager.Result
	extractJSON(t, result, &out)
	assert.False(t, out.Success)
	assert.Equal(t, "INVALID_CREDENTIALS", out.ServerCode)
	assert.Equal(t, models.StatusUnauthenticated, m.Status())
}

func TestLogin_TwoFactorThenVerify(t *testing.T) {
	session, m := testSetup(t)

	result := callTool(t, session, "auth_login", map[string]any{"email": "twofa@example.com", "password": "Correct#Horse1"})
	assert.False(t, result.IsError, "a pending challenge is not an error")

	var out manager.Result
	extractJSON(t, result, &out)
	assert.True(t, out.Requires2FA)
	assert.Equal(t, models.StatusRequires2FA, m.Status())

	result = callTool(t, session, "auth_verify_2fa", map[string]any{"code": "000000"})
	assert.True(t, result.IsError)
	assert.Equal(t, models.StatusRequires2FA, m.Status())

	result = callTool(t, session, "auth_verify_2fa", map[string]any{"code": "123456"})
	require.False(t, result.IsError)
	assert.Equal(t, models.StatusAuthenticated, m.Status())
}

func TestSessionsAndLogout(t *testing.T) {
	session, m := testSetup(t)

	result := callTool(t, session, "auth_login", map[string]any{"email": "plain@example.com", "password": "Correct#Horse1"})
	require.False(t, result.IsError)

	result = callTool(t, session, "user_profile", map[string]any{})
	require.False(t, result.IsError)

	var profile manager.Result
	extractJSON(t, result, &profile)
	require.NotNil(t, profile.User)
	assert.Equal(t, "plain@example.com", profile.User.Email)

	result = callTool(t, session, "sessions_list", map[string]any{})
	require.False(t, result.IsError)

	var list manager.Result
	extractJSON(t, result, &list)
	require.Len(t, list.Sessions, 1)
	assert.True(t, list.Sessions[0].Current)

	result = callTool(t, session, "auth_logout", map[string]any{})
	assert.False(t, result.IsError)
	assert.Equal(t, models.StatusUnauthenticated, m.Status())

	result = callTool(t, session, "sessions_list", map[string]any{})
	assert.True(t, result.IsError)
}

func TestOAuthBegin_ReturnsConsentURL(t *testing.T) {
	session, _ := testSetup(t)

	result := callTool(t, session, "oauth_begin", map[string]any{"provider": "github"})
	require.False(t, result.IsError)

	var out manager.Result
	extractJSON(t, result, &out)
	assert.True(t, strings.HasPrefix(out.URL, "http://auth.example.test/provider/github/consent?state="))

	result = callTool(t, session, "oauth_begin", map[string]any{"provider": "github", "link": true})
	assert.True(t, result.IsError, "linking requires a signed-in account")
}

func TestOAuthComplete_UnknownStateIsToolError(t *testing.T) {
	session, m := testSetup(t)

	result := callTool(t, session, "oauth_complete", map[string]any{"provider": "github", "code": "c", "state": "forged"})
	assert.True(t, result.IsError)
	assert.False(t, m.IsAuthenticated())
}

func TestMissingRequiredArgument(t *testing.T) {
	session, _ := testSetup(t)

	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "sessions_revoke",
		Arguments: map[string]any{},
	})
	// The SDK rejects schema violations either as a protocol error or as
	// a tool error depending on version.
	if err == nil {
		assert.True(t, result.IsError)
	}
}
