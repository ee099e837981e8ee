package transport

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
)

// ErrUnavailable marks a transient transport failure: the request may be
// retried. Anything else the REST client returns is terminal.
var ErrUnavailable = errors.New("transport unavailable")

// ConversationDTO is a conversation row from the list endpoint. UnreadCount
// is a pointer because some server versions omit it.
type ConversationDTO struct {
	ID             string   `json:"id"`
	Participants   []string `json:"participants"`
	Type           string   `json:"type,omitempty"`
	LastMessage    string   `json:"lastMessage,omitempty"`
	LastActivityAt int64    `json:"lastActivityAt"`
	UnreadCount    *int     `json:"unreadCount,omitempty"`
}

// MessagePageDTO is one page of a conversation's history. NextCursor is empty
// on the last page.
type MessagePageDTO struct {
	Messages   []MessageDTO `json:"messages"`
	NextCursor string       `json:"nextCursor,omitempty"`
}

// OutboundMessage is the body of a send request.
type OutboundMessage struct {
	CorrelationID  string          `json:"tempId"`
	ConversationID string          `json:"conversationId,omitempty"`
	RecipientID    string          `json:"recipientId,omitempty"`
	Content        string          `json:"content"`
	ReplyToID      string          `json:"replyTo,omitempty"`
	Type           string          `json:"type,omitempty"`
	Attachments    []AttachmentDTO `json:"attachments,omitempty"`
}

// SendResult is the synchronous part of a send acknowledgment.
type SendResult struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	Status         string `json:"status,omitempty"`
	Timestamp      int64  `json:"timestamp"`
}

// Client talks to the collaborator's REST API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *zap.Logger
}

// NewClient creates a REST client for the given server.
func NewClient(baseURL, token string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
	}
}

// ListConversations fetches the full conversation list for reconciliation.
func (c *Client) ListConversations(ctx context.Context) ([]ConversationDTO, error) {
	var out []ConversationDTO
	if err := c.get(ctx, "/conversations", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListMessages fetches one page of a conversation's history, newest first.
// cursor is the opaque token from the previous page; empty fetches the head.
func (c *Client) ListMessages(ctx context.Context, conversationID, cursor string, limit int) (*MessagePageDTO, error) {
	q := url.Values{"limit": {strconv.Itoa(limit)}}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var page MessagePageDTO
	if err := c.get(ctx, "/conversations/"+url.PathEscape(conversationID)+"/messages", q, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// SendMessage submits an outgoing message. The durable id comes back
// synchronously; delivered/read receipts arrive later on the push channel.
func (c *Client) SendMessage(ctx context.Context, msg OutboundMessage) (*SendResult, error) {
	var res SendResult
	if err := c.post(ctx, "/messages", msg, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// DeleteMessage deletes a message for everyone. The server enforces its own
// window; the client pre-checks but does not trust its clock alone.
func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	return c.do(ctx, http.MethodDelete, "/messages/"+url.PathEscape(messageID), nil, nil, nil)
}

// ClearConversation clears all messages of a conversation for this user.
func (c *Client) ClearConversation(ctx context.Context, conversationID string) error {
	return c.do(ctx, http.MethodDelete, "/conversations/"+url.PathEscape(conversationID)+"/messages", nil, nil, nil)
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	return c.do(ctx, http.MethodGet, path, q, nil, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	return c.do(ctx, http.MethodPost, path, nil, bytes.NewReader(raw), out)
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, body io.Reader, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrUnavailable, method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 500 {
		c.logger.Warn("server error", zap.String("path", path), zap.Int("status", resp.StatusCode))
		return fmt.Errorf("%w: %s %s: status %d", ErrUnavailable, method, path, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
