// Package api is the JSON client for the auth server's wire contract.
package api

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	skerrors "github.com/alexjbarnes/sessionkeeper/internal/errors"
	"github.com/alexjbarnes/sessionkeeper/internal/device"
	"github.com/oklog/ulid/v2"
	"github.com/tidwall/gjson"
)

const (
	// maxRedirects matches the default net/http limit.
	maxRedirects = 10

	// DefaultTimeout applies when no http.Client is supplied.
	DefaultTimeout = 30 * time.Second

	// maxAPIResponseBytes caps response body reads. Auth responses are
	// small JSON payloads.
	maxAPIResponseBytes = 1024 * 1024

	// HeaderRequestID carries a ULID per request for server-side tracing.
	HeaderRequestID = "X-Request-ID"
)

// Client talks to the auth server. Requests on the anonymous client carry
// no credentials; requests on the authenticated client go through the
// transport installed by WithAuthTransport.
type Client struct {
	httpClient *http.Client
	authClient *http.Client
	baseURL    string
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host, so bearer tokens never leak to a
// third-party domain.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewHTTPClient returns an http.Client with the given timeout and the
// same-host redirect policy.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &http.Client{
		Timeout:       timeout,
		CheckRedirect: sameHostRedirectPolicy,
	}
}

// NewClient creates a client for the server at baseURL. If httpClient is
// nil, NewHTTPClient(DefaultTimeout) is used. Until WithAuthTransport is
// called, authenticated endpoints go out without credentials.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = NewHTTPClient(DefaultTimeout)
	}

	return &Client{
		httpClient: httpClient,
		authClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

// WithAuthTransport returns a copy of c whose authenticated endpoints use
// rt. The anonymous endpoints keep the original client.
func (c *Client) WithAuthTransport(rt http.RoundTripper) *Client {
	auth := *c.httpClient
	auth.Transport = rt

	return &Client{
		httpClient: c.httpClient,
		authClient: &auth,
		baseURL:    c.baseURL,
	}
}

// BaseURL returns the server base URL without a trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Transport returns the transport of the anonymous client, or
// http.DefaultTransport.
func (c *Client) Transport() http.RoundTripper {
	if c.httpClient.Transport != nil {
		return c.httpClient.Transport
	}

	return http.DefaultTransport
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}

func newRequestID() string {
	id, err := ulid.New(ulid.Timestamp(time.Now()), rand.Reader)
	if err != nil {
		return ""
	}

	return id.String()
}

// do sends a JSON request and decodes the response into result. A nil
// body sends no payload.
func (c *Client) do(ctx context.Context, hc *http.Client, method, endpoint string, body, result any) error {
	var reader io.Reader

	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshalling request body: %w", err)
		}

		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", device.UserAgent)

	if id := newRequestID(); id != "" {
		req.Header.Set(HeaderRequestID, id)
	}

	resp, err := hc.Do(req)
	if err != nil {
		// A session that ended while refreshing is definitive, not a
		// network failure.
		if errors.Is(err, skerrors.ErrSessionExpired) {
			return fmt.Errorf("%s %s: %w", method, endpoint, err)
		}

		wrapped := fmt.Errorf("%w: sending request to %s: %w", skerrors.ErrAPIRequest, endpoint, err)

		return &skerrors.TransientError{Err: wrapped}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return &skerrors.TransientError{Err: fmt.Errorf("%w: reading response from %s: %w", skerrors.ErrAPIRequest, endpoint, err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(endpoint, resp.StatusCode, respBody)
	}

	// Some endpoints report failure as 200 {success:false,error:...}. A
	// two-factor challenge is not a failure.
	if gjson.GetBytes(respBody, "success").Type == gjson.False && !gjson.GetBytes(respBody, "requires2FA").Bool() {
		if ae := parseAPIError(resp.StatusCode, respBody); ae != nil {
			return ae
		}

		return &skerrors.AuthError{Status: resp.StatusCode, Message: "request was not successful"}
	}

	if result != nil && len(bytes.TrimSpace(respBody)) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			// A truncated or garbled body says nothing about the request.
			return &skerrors.TransientError{Err: fmt.Errorf("%w: decoding response from %s: %w", skerrors.ErrAPIResponse, endpoint, err)}
		}
	}

	return nil
}

func statusError(endpoint string, status int, body []byte) error {
	if isTransientStatus(status) {
		msg := sanitizeResponseBody(body)
		if ae := parseAPIError(status, body); ae != nil {
			msg = ae.Message
		}

		return &skerrors.TransientError{
			Err: fmt.Errorf("%w: %s returned status %d: %s", skerrors.ErrAPIRequest, endpoint, status, msg),
		}
	}

	if ae := parseAPIError(status, body); ae != nil {
		return ae
	}

	return &skerrors.AuthError{
		Status:  status,
		Message: fmt.Sprintf("%s returned status %d: %s", endpoint, status, sanitizeResponseBody(body)),
	}
}

// parseAPIError extracts {error:"msg"} or {error:{code,message}}. A
// top-level "code" next to a string error is honoured too.
func parseAPIError(status int, body []byte) *skerrors.AuthError {
	if !gjson.ValidBytes(body) {
		return nil
	}

	res := gjson.ParseBytes(body)
	e := res.Get("error")

	switch {
	case e.Type == gjson.String && e.String() != "":
		return &skerrors.AuthError{Status: status, Code: res.Get("code").String(), Message: e.String()}
	case e.IsObject():
		msg := e.Get("message").String()
		if msg == "" {
			msg = http.StatusText(status)
		}

		return &skerrors.AuthError{Status: status, Code: e.Get("code").String(), Message: msg}
	case res.Get("message").Type == gjson.String:
		return &skerrors.AuthError{Status: status, Code: res.Get("code").String(), Message: res.Get("message").String()}
	}

	return nil
}

// isTransientStatus returns true for HTTP status codes that indicate a
// temporary server-side problem.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}

// IsStatus reports whether err is an AuthError with the given HTTP status.
func IsStatus(err error, status int) bool {
	ae, ok := skerrors.AsAuthError(err)
	return ok && ae.Status == status
}
