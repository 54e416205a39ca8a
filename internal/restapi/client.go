// Package restapi fetches conversation and message history from the backend
// REST API.
package restapi

import (
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

	"github.com/capitalize-ai/support-session/internal/model"
	"github.com/capitalize-ai/support-session/pkg/logger"
	"github.com/capitalize-ai/support-session/pkg/metrics"
)

// ErrFetchFailed is returned for non-2xx responses and for responses whose
// envelope reports success=false.
var ErrFetchFailed = errors.New("fetch failed")

const (
	defaultTimeout = 15 * time.Second
	maxBodyBytes   = 8 << 20
	// maxPages bounds paging in case the server keeps reporting more pages.
	maxPages = 1000
)

// Client is a REST API client.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	log     *logger.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		c.http = h
	}
}

// New creates a client for baseURL authenticating with a bearer token.
func New(baseURL, token string, log *logger.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: defaultTimeout},
		log:     logger.OrGlobal(log).Component("restapi"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ListConversations fetches one page of conversations.
func (c *Client) ListConversations(ctx context.Context, page, limit int) ([]model.Conversation, model.Pagination, error) {
	var resp model.ListConversationsResponse
	if err := c.get(ctx, "conversations", "/api/v1/conversations", page, limit, &resp); err != nil {
		return nil, model.Pagination{}, err
	}
	if !resp.Success {
		return nil, resp.Pagination, envelopeError("conversations", resp.Error)
	}
	out := make([]model.Conversation, 0, len(resp.Conversations))
	for _, snap := range resp.Conversations {
		out = append(out, snap.ToConversation())
	}
	return out, resp.Pagination, nil
}

// ListMessages fetches one page of a conversation's messages.
func (c *Client) ListMessages(ctx context.Context, conversationID string, page, limit int) ([]model.Message, model.Pagination, error) {
	var resp model.ListMessagesResponse
	path := "/api/v1/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.get(ctx, "messages", path, page, limit, &resp); err != nil {
		return nil, model.Pagination{}, err
	}
	if !resp.Success {
		return nil, resp.Pagination, envelopeError("messages", resp.Error)
	}
	out := make([]model.Message, 0, len(resp.Messages))
	for _, p := range resp.Messages {
		if p.ConversationID == "" {
			p.ConversationID = conversationID
		}
		out = append(out, p.ToMessage())
	}
	return out, resp.Pagination, nil
}

// AllConversations pages through every conversation.
func (c *Client) AllConversations(ctx context.Context, limit int) ([]model.Conversation, error) {
	var all []model.Conversation
	for page := 1; page <= maxPages; page++ {
		items, p, err := c.ListConversations(ctx, page, limit)
		if err != nil {
			return all, err
		}
		all = append(all, items...)
		if page >= p.TotalPages || len(items) == 0 {
			break
		}
	}
	return all, nil
}

// AllMessages pages through every message of a conversation.
func (c *Client) AllMessages(ctx context.Context, conversationID string, limit int) ([]model.Message, error) {
	var all []model.Message
	for page := 1; page <= maxPages; page++ {
		items, p, err := c.ListMessages(ctx, conversationID, page, limit)
		if err != nil {
			return all, err
		}
		all = append(all, items...)
		if page >= p.TotalPages || len(items) == 0 {
			break
		}
	}
	return all, nil
}

func (c *Client) get(ctx context.Context, resource, path string, page, limit int, out any) error {
	q := url.Values{}
	if page > 0 {
		q.Set("page", strconv.Itoa(page))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("build %s request: %w", resource, err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.FetchDuration.WithLabelValues(resource, "error").Observe(time.Since(start).Seconds())
		return fmt.Errorf("get %s: %w", resource, err)
	}
	defer resp.Body.Close()
	metrics.FetchDuration.WithLabelValues(resource, strconv.Itoa(resp.StatusCode)).Observe(time.Since(start).Seconds())

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("read %s response: %w", resource, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var env struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(body, &env)
		msg := env.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		c.log.Warn("fetch failed",
			zap.String("resource", resource),
			zap.Int("status", resp.StatusCode),
			zap.String("error", msg),
		)
		return fmt.Errorf("%s: status %d: %s: %w", resource, resp.StatusCode, msg, ErrFetchFailed)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s response: %w", resource, err)
	}
	return nil
}

func envelopeError(resource, msg string) error {
	if msg == "" {
		msg = "server reported failure"
	}
	return fmt.Errorf("%s: %s: %w", resource, msg, ErrFetchFailed)
}
