package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// maxPages caps how many pages a listing call follows.
const maxPages = 50

// ErrNoToken is returned by authenticated calls made before SetToken.
var ErrNoToken = errors.New("rest: no bearer token")

// Client provides access to the messaging history service.
type Client struct {
	baseURL    string
	httpClient *http.Client

	mu    sync.RWMutex
	token string
}

// NewClient creates a new REST API client.
// baseURL should be the base URL of the API, e.g., "http://localhost:8000/api/messaging".
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// SetHTTPClient allows setting a custom HTTP client.
func (c *Client) SetHTTPClient(client *http.Client) {
	if client != nil {
		c.httpClient = client
	}
}

// SetToken sets the bearer token for authenticated requests.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) bearer() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// ListConversations returns every conversation of the authenticated user,
// following pagination.
func (c *Client) ListConversations(ctx context.Context) ([]ConversationInfo, error) {
	return listAll[ConversationInfo](ctx, c, "/conversations/")
}

// ListMessages returns the message history of one conversation, following pagination.
func (c *Client) ListMessages(ctx context.Context, conversationID int64) ([]MessageInfo, error) {
	return listAll[MessageInfo](ctx, c, fmt.Sprintf("/conversations/%d/messages/", conversationID))
}

// MarkConversationRead marks every message of the conversation addressed to
// the authenticated user as read.
func (c *Client) MarkConversationRead(ctx context.Context, conversationID int64) error {
	return c.post(ctx, c.baseURL+fmt.Sprintf("/conversations/%d/mark_read/", conversationID), nil, nil)
}

func listAll[T any](ctx context.Context, c *Client, path string) ([]T, error) {
	var out []T
	next := c.baseURL + path
	for i := 0; next != ""; i++ {
		if i == maxPages {
			return out, fmt.Errorf("list %s: more than %d pages", path, maxPages)
		}
		var raw json.RawMessage
		if err := c.get(ctx, next, &raw); err != nil {
			return nil, err
		}
		// Unpaginated deployments answer with a bare array.
		if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 && trimmed[0] == '[' {
			var items []T
			if err := json.Unmarshal(trimmed, &items); err != nil {
				return nil, fmt.Errorf("unmarshal response: %w", err)
			}
			return append(out, items...), nil
		}
		var page Page[T]
		if err := json.Unmarshal(raw, &page); err != nil {
			return nil, fmt.Errorf("unmarshal response: %w", err)
		}
		out = append(out, page.Results...)
		next = ""
		if page.Next != nil {
			next = *page.Next
		}
	}
	return out, nil
}

// Helper methods

func (c *Client) post(ctx context.Context, url string, body, dest any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, dest)
}

func (c *Client) get(ctx context.Context, url string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	return c.do(req, dest)
}

func (c *Client) do(req *http.Request, dest any) error {
	token := c.bearer()
	if token == "" {
		return ErrNoToken
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseAPIError(resp.StatusCode, body)
	}

	if dest != nil && len(body) > 0 {
		if err := json.Unmarshal(body, dest); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}

	return nil
}
