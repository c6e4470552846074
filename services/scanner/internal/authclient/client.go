package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"dermascan/internal/util"
)

// Client calls a GoTrue-compatible hosted auth API over HTTP.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// APIError represents an auth provider error response.
type APIError struct {
	Status  int
	Message string
	Code    string
}

func (e *APIError) Error() string {
	return e.Message
}

// User is the provider's view of an account.
type User struct {
	ID           string         `json:"id"`
	Email        string         `json:"email"`
	UserMetadata map[string]any `json:"user_metadata"`
}

// Metadata returns a trimmed string metadata value or "".
func (u User) Metadata(key string) string {
	v, ok := u.UserMetadata[key].(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(v)
}

// Session is an issued token pair.
type Session struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	ExpiresAt    int64  `json:"expires_at"`
	RefreshToken string `json:"refresh_token"`
	User         User   `json:"user"`
}

// Expiry resolves the absolute expiry, preferring expires_at.
func (s Session) Expiry(now time.Time) time.Time {
	if s.ExpiresAt > 0 {
		return time.Unix(s.ExpiresAt, 0).UTC()
	}
	if s.ExpiresIn > 0 {
		return now.Add(time.Duration(s.ExpiresIn) * time.Second).UTC()
	}
	return time.Time{}
}

// NewClient constructs a hosted auth client.
func NewClient(baseURL, apiKey string) *Client {
	return NewClientWithHTTP(baseURL, apiKey, &http.Client{
		Timeout:   10 * time.Second,
		Transport: util.WithRequestLog("authclient", nil),
	})
}

// NewClientWithHTTP constructs a client around an existing http.Client.
func NewClientWithHTTP(baseURL, apiKey string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     strings.TrimSpace(apiKey),
		httpClient: httpClient,
	}
}

// SignUp registers an account. The returned session is nil when the
// provider requires email confirmation before the first sign-in.
func (c *Client) SignUp(ctx context.Context, email, password string, metadata map[string]any) (*Session, User, error) {
	payload := map[string]any{"email": email, "password": password}
	if len(metadata) > 0 {
		payload["data"] = metadata
	}
	var resp signUpResponse
	if err := c.doJSON(ctx, http.MethodPost, "/auth/v1/signup", "", payload, &resp); err != nil {
		return nil, User{}, err
	}
	if resp.AccessToken == "" {
		user := resp.User
		if user.ID == "" {
			user = User{ID: resp.ID, Email: resp.Email, UserMetadata: resp.UserMetadata}
		}
		return nil, user, nil
	}
	session := resp.Session
	return &session, session.User, nil
}

func (c *Client) SignIn(ctx context.Context, email, password string) (Session, error) {
	payload := map[string]string{"email": email, "password": password}
	var resp Session
	if err := c.doJSON(ctx, http.MethodPost, "/auth/v1/token?grant_type=password", "", payload, &resp); err != nil {
		return Session{}, err
	}
	return resp, nil
}

func (c *Client) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	payload := map[string]string{"refresh_token": refreshToken}
	var resp Session
	if err := c.doJSON(ctx, http.MethodPost, "/auth/v1/token?grant_type=refresh_token", "", payload, &resp); err != nil {
		return Session{}, err
	}
	return resp, nil
}

func (c *Client) SignOut(ctx context.Context, accessToken string) error {
	return c.doJSON(ctx, http.MethodPost, "/auth/v1/logout", accessToken, nil, nil)
}

func (c *Client) User(ctx context.Context, accessToken string) (User, error) {
	var user User
	if err := c.doJSON(ctx, http.MethodGet, "/auth/v1/user", accessToken, nil, &user); err != nil {
		return User{}, err
	}
	return user, nil
}

func (c *Client) doJSON(ctx context.Context, method, path, token string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode auth response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) *APIError {
	var errResp struct {
		ErrorCode        string `json:"error_code"`
		Error            string `json:"error"`
		Code             any    `json:"code"`
		Msg              string `json:"msg"`
		ErrorDescription string `json:"error_description"`
		Message          string `json:"message"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&errResp)

	code := errResp.ErrorCode
	if code == "" {
		if s, ok := errResp.Code.(string); ok {
			code = s
		}
	}
	if code == "" {
		code = errResp.Error
	}
	msg := errResp.Msg
	if msg == "" {
		msg = errResp.ErrorDescription
	}
	if msg == "" {
		msg = errResp.Message
	}
	if msg == "" {
		msg = errResp.Error
	}
	if msg == "" {
		msg = resp.Status
	}
	return &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(msg), Code: strings.TrimSpace(code)}
}

type signUpResponse struct {
	Session
	ID           string         `json:"id"`
	Email        string         `json:"email"`
	UserMetadata map[string]any `json:"user_metadata"`
}
