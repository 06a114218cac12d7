// Package backend is the REST client for the chat server.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/chat"
)

// ErrNotFound is returned when the server answers 404.
var ErrNotFound = errors.New("backend: not found")

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("backend: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("backend: HTTP %d: %s", e.StatusCode, e.Body)
}

// Is makes a 404 StatusError match ErrNotFound.
func (e *StatusError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// Backend is the REST surface the sync controller depends on.
type Backend interface {
	CreateConversation(ctx context.Context, participants [2]string, title string) (*chat.Conversation, error)
	ListConversations(ctx context.Context) ([]chat.Conversation, error)
	// FindConversation returns nil, nil when no conversation exists between a and b.
	FindConversation(ctx context.Context, a, b string) (*chat.Conversation, error)
	DeleteConversation(ctx context.Context, id string) error
	// MarkConversationRead returns the unread count the server reports afterwards.
	MarkConversationRead(ctx context.Context, id string) (int, error)
	SendMessage(ctx context.Context, req SendRequest) (*chat.Message, error)
	ListMessages(ctx context.Context, conversationID string, page, limit int) (*chat.MessagePage, error)
	UnreadCount(ctx context.Context) (int, error)
}

// SendRequest is the body of POST /messages.
type SendRequest struct {
	ConversationID string `json:"conversationId"`
	FromID         string `json:"fromId"`
	ToID           string `json:"toId"`
	Content        string `json:"content"`
	CorrelationID  string `json:"correlationId,omitempty"`
}

// Config configures a Client.
type Config struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client talks JSON over HTTP to the chat server.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *zap.Logger
}

var _ Backend = (*Client)(nil)

// NewClient creates a client for cfg.BaseURL.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 15 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		httpClient: hc,
		logger:     logger.Named("backend"),
	}
}

func (c *Client) CreateConversation(ctx context.Context, participants [2]string, title string) (*chat.Conversation, error) {
	body := struct {
		ParticipantIDs [2]string `json:"participantIds"`
		Title          string    `json:"title,omitempty"`
	}{participants, title}
	var out chat.Conversation
	if err := c.do(ctx, http.MethodPost, "/conversations", nil, body, &out); err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return &out, nil
}

func (c *Client) ListConversations(ctx context.Context) ([]chat.Conversation, error) {
	var out struct {
		Conversations []chat.Conversation `json:"conversations"`
	}
	if err := c.do(ctx, http.MethodGet, "/conversations", nil, nil, &out); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return out.Conversations, nil
}

func (c *Client) FindConversation(ctx context.Context, a, b string) (*chat.Conversation, error) {
	q := url.Values{"userA": {a}, "userB": {b}}
	var out chat.Conversation
	err := c.do(ctx, http.MethodGet, "/conversations/find", q, nil, &out)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find conversation: %w", err)
	}
	if out.ID == "" {
		return nil, nil
	}
	return &out, nil
}

func (c *Client) DeleteConversation(ctx context.Context, id string) error {
	if err := c.do(ctx, http.MethodDelete, "/conversations/"+url.PathEscape(id), nil, nil, nil); err != nil {
		return fmt.Errorf("delete conversation %s: %w", id, err)
	}
	return nil
}

func (c *Client) MarkConversationRead(ctx context.Context, id string) (int, error) {
	var out struct {
		UnreadCount int `json:"unreadCount"`
	}
	if err := c.do(ctx, http.MethodPost, "/conversations/"+url.PathEscape(id)+"/read", nil, nil, &out); err != nil {
		return 0, fmt.Errorf("mark read %s: %w", id, err)
	}
	return out.UnreadCount, nil
}

func (c *Client) SendMessage(ctx context.Context, req SendRequest) (*chat.Message, error) {
	var out chat.Message
	if err := c.do(ctx, http.MethodPost, "/messages", nil, req, &out); err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}
	return &out, nil
}

func (c *Client) ListMessages(ctx context.Context, conversationID string, page, limit int) (*chat.MessagePage, error) {
	q := url.Values{"page": {strconv.Itoa(page)}, "limit": {strconv.Itoa(limit)}}
	var out chat.MessagePage
	path := "/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.do(ctx, http.MethodGet, path, q, nil, &out); err != nil {
		return nil, fmt.Errorf("list messages %s page %d: %w", conversationID, page, err)
	}
	if out.Page == 0 {
		out.Page = page
	}
	return &out, nil
}

func (c *Client) UnreadCount(ctx context.Context) (int, error) {
	var out struct {
		Count int `json:"count"`
	}
	if err := c.do(ctx, http.MethodGet, "/messages/unread-count", nil, nil, &out); err != nil {
		return 0, fmt.Errorf("unread count: %w", err)
	}
	return out.Count, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	c.logger.Debug("request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("took", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}
