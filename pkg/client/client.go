// Package client provides the HTTP client for the Modular API, used by
// the CLI run command and by tests.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// CliVersionHeader mirrors the header the server's version gate reads.
const CliVersionHeader = "Modular-Cli-Version"

// Client is the Modular API client.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      string
	refresh    string
	cliVersion string
}

// Config holds client configuration.
type Config struct {
	BaseURL    string
	Token      string
	CliVersion string
	Timeout    time.Duration
}

// New creates a new Modular API client.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 90 * time.Second
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: timeout},
		token:      cfg.Token,
		cliVersion: cfg.CliVersion,
	}
}

// SetToken sets the bearer token used for subsequent calls.
func (c *Client) SetToken(token string) {
	c.token = token
}

// APIError is the decoded error payload of a failed call.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error (%d %s): %s", e.Status, e.Code, e.Message)
}

type errorResponse struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details,omitempty"`
	} `json:"error"`
}

// LoginResponse is the token pair returned by login and refresh.
type LoginResponse struct {
	AccessToken  string          `json:"access_token"`
	RefreshToken string          `json:"refresh_token"`
	TokenType    string          `json:"token_type"`
	ExpiresIn    int64           `json:"expires_in"`
	Version      string          `json:"version"`
	Meta         json.RawMessage `json:"meta,omitempty"`
}

// Login exchanges basic credentials for a token pair. With meta true
// the response carries the caller's API meta.
func (c *Client) Login(ctx context.Context, username, password string, meta bool) (*LoginResponse, error) {
	path := "/login"
	if meta {
		path += "?meta=true"
	}
	req, err := c.newRequest(ctx, http.MethodPost, path, nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(username, password)

	var resp LoginResponse
	if err := c.do(req, &resp); err != nil {
		return nil, err
	}
	c.token = resp.AccessToken
	c.refresh = resp.RefreshToken
	return &resp, nil
}

// Refresh rotates the token pair using the stored refresh token.
func (c *Client) Refresh(ctx context.Context) (*LoginResponse, error) {
	if c.refresh == "" {
		return nil, fmt.Errorf("no refresh token held")
	}
	body, err := json.Marshal(map[string]string{"refresh_token": c.refresh})
	if err != nil {
		return nil, fmt.Errorf("marshal refresh request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/refresh", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	var resp LoginResponse
	if err := c.do(req, &resp); err != nil {
		return nil, err
	}
	c.token = resp.AccessToken
	c.refresh = resp.RefreshToken
	return &resp, nil
}

// Logout revokes every session token of the caller.
func (c *Client) Logout(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodPost, "/logout", nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

// InvokeResult is the raw outcome of a module command call.
type InvokeResult struct {
	Status int
	Body   []byte
}

// Invoke calls a module route with the given parameters as the query
// string and returns the backend response verbatim.
func (c *Client) Invoke(ctx context.Context, method, path string, params url.Values) (*InvokeResult, error) {
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	req, err := c.newRequest(ctx, method, path, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, decodeError(resp.StatusCode, body)
	}
	return &InvokeResult{Status: resp.StatusCode, Body: body}, nil
}

// Health checks API health.
func (c *Client) Health(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/health_check", nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" && req.Header.Get("Authorization") == "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.cliVersion != "" {
		req.Header.Set(CliVersionHeader, c.cliVersion)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, result any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return decodeError(resp.StatusCode, body)
	}
	if result != nil {
		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

func decodeError(status int, body []byte) error {
	var errResp errorResponse
	if json.Unmarshal(body, &errResp) == nil && errResp.Error.Code != "" {
		return &APIError{Status: status, Code: errResp.Error.Code, Message: errResp.Error.Message}
	}
	return &APIError{Status: status, Code: "UNKNOWN", Message: string(body)}
}
