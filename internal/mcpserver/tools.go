// Package mcpserver registers MCP tools that drive a session Manager.
// It adapts the manager package to the MCP SDK's tool handler interface.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/alexjbarnes/sessionkeeper/internal/manager"
	"github.com/alexjbarnes/sessionkeeper/internal/models"
)

// RegisterTools adds all session tools to the given MCP server.
func RegisterTools(server *mcp.Server, m *manager.Manager) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "auth_status",
		Description: "Report the current authentication status (idle, loading, authenticated, unauthenticated, requires_2fa) and the last error, if any. Makes no network calls.",
	}, statusHandler(m))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "auth_login",
		Description: "Sign in with email and password. When the account has two-factor authentication on, the result has requires_2fa set; follow up with auth_verify_2fa.",
	}, loginHandler(m))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "auth_verify_2fa",
		Description: "Answer the pending two-factor challenge with a 6-digit code or a backup code.",
	}, verifyHandler(m))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "auth_logout",
		Description: "Sign out. With all_devices set, every session of the account is revoked; keep_current then keeps this one.",
	}, logoutHandler(m))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "oauth_begin",
		Description: "Start an OAuth sign-in (or, with link set, link a provider to the signed-in account). Returns the authorization URL the user must open.",
	}, oauthBeginHandler(m))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "oauth_complete",
		Description: "Finish an OAuth flow with the code and state the provider redirected back with.",
	}, oauthCompleteHandler(m))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "sessions_list",
		Description: "List the account's sessions across devices. The session of this client is marked current.",
	}, sessionsHandler(m))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "sessions_revoke",
		Description: "Revoke one session by id. Revoking the current session signs this client out.",
	}, revokeHandler(m))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "user_profile",
		Description: "Return the signed-in user's profile.",
	}, profileHandler(m))
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// StatusInput has no parameters.
type StatusInput struct{}

// LoginInput holds parameters for auth_login.
type LoginInput struct {
	Email    string `json:"email" jsonschema:"required,account email address"`
	Password string `json:"password" jsonschema:"required,account password"`
}

// VerifyInput holds parameters for auth_verify_2fa.
type VerifyInput struct {
	Code         string `json:"code" jsonschema:"required,verification or backup code"`
	IsBackupCode bool   `json:"is_backup_code,omitempty" jsonschema:"true when code is a backup code"`
}

// LogoutInput holds parameters for auth_logout.
type LogoutInput struct {
	AllDevices  bool `json:"all_devices,omitempty" jsonschema:"revoke every session of the account"`
	KeepCurrent bool `json:"keep_current,omitempty" jsonschema:"with all_devices, keep this client's session"`
}

// OAuthBeginInput holds parameters for oauth_begin.
type OAuthBeginInput struct {
	Provider string `json:"provider" jsonschema:"required,provider name such as github or google"`
	Link     bool   `json:"link,omitempty" jsonschema:"link the provider to the signed-in account instead of signing in"`
}

// OAuthCompleteInput holds parameters for oauth_complete.
type OAuthCompleteInput struct {
	Provider string `json:"provider" jsonschema:"required,provider name"`
	Code     string `json:"code" jsonschema:"required,authorization code from the redirect"`
	State    string `json:"state" jsonschema:"required,state from the redirect"`
	Link     bool   `json:"link,omitempty" jsonschema:"true when completing a link flow"`
}

// ListSessionsInput has no parameters.
type ListSessionsInput struct{}

// RevokeInput holds parameters for sessions_revoke.
type RevokeInput struct {
	SessionID string `json:"session_id" jsonschema:"required,id of the session to revoke"`
}

// ProfileInput has no parameters.
type ProfileInput struct{}

// StatusResult is the auth_status output.
type StatusResult struct {
	Status        models.AuthStatus `json:"status"`
	Authenticated bool              `json:"authenticated"`
	Error         string            `json:"error,omitempty"`
	ErrorCode     string            `json:"error_code,omitempty"`
}

// --- Handlers ---
// Outputs are untyped: Result carries timestamps the schema inference
// cannot describe, so the JSON text content is the contract.

func statusHandler(m *manager.Manager) mcp.ToolHandlerFor[StatusInput, any] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ StatusInput) (*mcp.CallToolResult, any, error) {
		out := StatusResult{Status: m.Status(), Authenticated: m.IsAuthenticated()}
		if f := m.Error(); f != nil {
			out.Error, out.ErrorCode = f.Message, f.Code
		}

		return textResult(out), nil, nil
	}
}

func loginHandler(m *manager.Manager) mcp.ToolHandlerFor[LoginInput, any] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input LoginInput) (*mcp.CallToolResult, any, error) {
		return outcome(m.Login(ctx, input.Email, input.Password))
	}
}

func verifyHandler(m *manager.Manager) mcp.ToolHandlerFor[VerifyInput, any] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input VerifyInput) (*mcp.CallToolResult, any, error) {
		return outcome(m.Verify2FA(ctx, input.Code, input.IsBackupCode))
	}
}

func logoutHandler(m *manager.Manager) mcp.ToolHandlerFor[LogoutInput, any] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input LogoutInput) (*mcp.CallToolResult, any, error) {
		if input.AllDevices {
			return outcome(m.LogoutAllDevices(ctx, input.KeepCurrent))
		}

		return outcome(m.Logout(ctx))
	}
}

func oauthBeginHandler(m *manager.Manager) mcp.ToolHandlerFor[OAuthBeginInput, any] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input OAuthBeginInput) (*mcp.CallToolResult, any, error) {
		if input.Link {
			return outcome(m.BeginOAuthLink(ctx, input.Provider))
		}

		return outcome(m.BeginOAuthLogin(ctx, input.Provider))
	}
}

func oauthCompleteHandler(m *manager.Manager) mcp.ToolHandlerFor[OAuthCompleteInput, any] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input OAuthCompleteInput) (*mcp.CallToolResult, any, error) {
		if input.Link {
			return outcome(m.CompleteOAuthLink(ctx, input.Provider, input.Code, input.State))
		}

		return outcome(m.CompleteOAuthLogin(ctx, input.Provider, input.Code, input.State))
	}
}

func sessionsHandler(m *manager.Manager) mcp.ToolHandlerFor[ListSessionsInput, any] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ ListSessionsInput) (*mcp.CallToolResult, any, error) {
		return outcome(m.FetchSessions(ctx))
	}
}

func revokeHandler(m *manager.Manager) mcp.ToolHandlerFor[RevokeInput, any] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input RevokeInput) (*mcp.CallToolResult, any, error) {
		return outcome(m.RevokeSession(ctx, input.SessionID))
	}
}

func profileHandler(m *manager.Manager) mcp.ToolHandlerFor[ProfileInput, any] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ ProfileInput) (*mcp.CallToolResult, any, error) {
		return outcome(m.CurrentUser(ctx))
	}
}

// outcome turns a Manager result into a tool result. A freshly issued
// two-factor challenge is not a tool error; every other unsuccessful
// result is.
func outcome(res *manager.Result, err error) (*mcp.CallToolResult, any, error) {
	if res == nil {
		return nil, nil, err
	}

	out := textResult(res)
	if !res.Success && (res.Error != "" || !res.Requires2FA) {
		out.IsError = true
	}

	return out, nil, nil
}

// textResult builds a CallToolResult with JSON text content from any value.
func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
