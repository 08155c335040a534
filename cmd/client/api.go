package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/Avicted/courier/internal/message"
)

type APIClient struct {
	serverURL  string
	httpClient *http.Client
}

type apiError struct {
	Error string `json:"error"`
}

type HistoryResponse struct {
	With     string            `json:"with"`
	Messages []message.Payload `json:"messages"`
}

type PresenceResponse struct {
	UserID string `json:"user_id"`
	Online bool   `json:"online"`
}

type TokenResponse struct {
	Token     string `json:"token"`
	UserID    string `json:"user_id"`
	ExpiresAt string `json:"expires_at"`
}

func NewAPIClient(serverURL string) *APIClient {
	return &APIClient{
		serverURL: serverURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// IssueToken asks the server for a session token for userID. It needs the
// server's admin token.
func (c *APIClient) IssueToken(ctx context.Context, adminToken, userID string) (*TokenResponse, error) {
	data, err := json.Marshal(map[string]string{"user_id": userID})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.serverURL+"/auth/tokens", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Admin-Token", adminToken)

	var resp TokenResponse
	if err := c.do(req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *APIClient) History(ctx context.Context, token, peer string) ([]message.Payload, error) {
	query := url.Values{}
	query.Set("with", peer)
	var resp HistoryResponse
	if err := c.doJSON(ctx, http.MethodGet, "/messages?"+query.Encode(), token, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

func (c *APIClient) Hide(ctx context.Context, token string, id message.ID) error {
	return c.doJSON(ctx, http.MethodPost, "/messages/hide", token, map[string]message.ID{"message_id": id}, nil)
}

func (c *APIClient) DeleteForEveryone(ctx context.Context, token string, id message.ID) error {
	return c.doJSON(ctx, http.MethodPost, "/messages/delete-for-everyone", token, map[string]message.ID{"message_id": id}, nil)
}

func (c *APIClient) Presence(ctx context.Context, token, userID string) (bool, error) {
	query := url.Values{}
	query.Set("user", userID)
	var resp PresenceResponse
	if err := c.doJSON(ctx, http.MethodGet, "/presence?"+query.Encode(), token, nil, &resp); err != nil {
		return false, err
	}
	return resp.Online, nil
}

func (c *APIClient) doJSON(ctx context.Context, method, path, token string, payload any, out any) error {
	var body *bytes.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.serverURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return c.do(req, out)
}

func (c *APIClient) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr apiError
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error != "" {
			return fmt.Errorf("server: %s", apiErr.Error)
		}
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
