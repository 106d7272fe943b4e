// Package backend is the client for the REST API the chat surfaces read from.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ashureev/chatsync/internal/domain"
)

var (
	// ErrUnauthorized is returned for a 401 that survived any token refresh.
	ErrUnauthorized = errors.New("backend: unauthorized")
	// ErrRejected is returned when the API answers with well_received=false.
	ErrRejected = errors.New("backend: request rejected")
)

// maxResponseSize bounds decoded response bodies (4MB).
const maxResponseSize = 4 << 20

// Client calls the REST API.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// New creates a client. A nil httpClient gets a 15s timeout default client.
func New(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		logger:  logger,
	}
}

// Profile is the profile endpoint response.
type Profile struct {
	WellReceived bool                   `json:"well_received"`
	ProfileData  map[string]interface{} `json:"profile_data"`
}

// Profile fetches the profile for userID.
func (c *Client) Profile(ctx context.Context, userID string) (*Profile, error) {
	var p Profile
	if err := c.do(ctx, http.MethodGet, "/api/profile/"+url.PathEscape(userID), nil, &p); err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	if !p.WellReceived {
		return nil, fmt.Errorf("get profile: %w", ErrRejected)
	}
	return &p, nil
}

// ChatHistory returns the direct or assistant conversation between ownID and otherID.
func (c *Client) ChatHistory(ctx context.Context, ownID, otherID string) ([]domain.Record, error) {
	q := url.Values{}
	q.Set("own_id", ownID)
	q.Set("recipient_id", otherID)

	var resp struct {
		MessageHistory []domain.Record `json:"message_history"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/chat/history?"+q.Encode(), nil, &resp); err != nil {
		return nil, fmt.Errorf("get chat history: %w", err)
	}
	return resp.MessageHistory, nil
}

// GroupHistory returns the project group chat between a project and a client.
func (c *Client) GroupHistory(ctx context.Context, projectID, clientID string) ([]domain.Record, error) {
	q := url.Values{}
	q.Set("project_id", projectID)
	q.Set("client_id", clientID)

	var resp struct {
		Messages []domain.Record `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/group-chat/messages?"+q.Encode(), nil, &resp); err != nil {
		return nil, fmt.Errorf("get group history: %w", err)
	}
	return resp.Messages, nil
}

// Tokens is a refreshed token pair.
type Tokens struct {
	AccessToken  string
	RefreshToken string
}

// RefreshTokens exchanges refreshToken for a new token pair. The refresh
// token is kept when the response omits a new one.
func (c *Client) RefreshTokens(ctx context.Context, refreshToken string) (Tokens, error) {
	var resp struct {
		WellReceived bool   `json:"well_received"`
		AccessJWT    string `json:"access_jwt"`
		AccessToken  string `json:"access_token"`
		RefreshJWT   string `json:"refresh_jwt"`
		RefreshToken string `json:"refresh_token"`
	}
	body := map[string]string{"refresh_token": refreshToken}
	if err := c.do(ctx, http.MethodPost, "/api/token/refresh", body, &resp); err != nil {
		return Tokens{}, fmt.Errorf("refresh tokens: %w", err)
	}

	t := Tokens{
		AccessToken:  firstNonEmpty(resp.AccessJWT, resp.AccessToken),
		RefreshToken: firstNonEmpty(resp.RefreshJWT, resp.RefreshToken, refreshToken),
	}
	if !resp.WellReceived || t.AccessToken == "" {
		return Tokens{}, fmt.Errorf("refresh tokens: %w", ErrRejected)
	}
	return t, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	var payload []byte
	if in != nil {
		var err error
		payload, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
		// Lets the auth transport replay the body after a refresh.
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(payload)), nil
		}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Debug("Failed to close response body", "error", closeErr)
		}
	}()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrUnauthorized
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
