// Package talkweave provides the Go client SDK for the TalkWeave messaging
// platform: a REST client for accounts, conversations, and history, plus a
// real-time synchronization engine over websocket.
//
// Example:
//
//	client := talkweave.NewClient("tw-token-...")
//
//	// REST API
//	convs, _ := client.Conversations.List(ctx)
//	page, _ := client.Messages.History(ctx, convs[0].ID, "", 50)
//
//	// Real-time engine
//	engine := talkweave.NewEngine(client, &talkweave.Config{AutoReconnect: true})
//	engine.Connect(ctx, talkweave.Identity{UserID: "u1", Token: "tw-token-..."})
//	engine.SendText(ctx, convs[0].ID, "Hello!", "")
package talkweave

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultBaseURL = "https://talkweave.app"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the REST API client. Sub-clients group the endpoint families.
type Client struct {
	token      string
	baseURL    string
	userAgent  string
	httpClient *http.Client
	log        zerolog.Logger

	Account       *AccountClient
	Conversations *ConversationsClient
	Messages      *MessagesClient
	Contacts      *ContactsClient
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithUserAgent(agent string) ClientOption {
	return func(c *Client) { c.userAgent = agent }
}

func WithLogger(log zerolog.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// NewClient creates a new TalkWeave client.
// token is optional — pass "" for anonymous registration.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		log: zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.Account = &AccountClient{c}
	c.Conversations = &ConversationsClient{c}
	c.Messages = &MessagesClient{c}
	c.Contacts = &ContactsClient{c}
	return c
}

// SetToken sets or updates the auth token. Useful after anonymous
// registration to adopt the returned token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the configured server base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// GetConversation fetches one conversation's full record. Satisfies the
// engine's out-of-band lookup for conversations pushed before they are known
// locally.
func (c *Client) GetConversation(ctx context.Context, conversationID string) (*Conversation, error) {
	return c.Conversations.Get(ctx, conversationID)
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	c.log.Debug().Str("method", method).Str("path", path).Msg("API request")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}

// call performs a request and unwraps the standard response envelope into v.
// A server-side rejection comes back as the *APIError itself.
func (c *Client) call(ctx context.Context, method, path string, body interface{}, query map[string]string, v interface{}) error {
	data, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		return err
	}
	var result APIResult
	if err := json.Unmarshal(data, &result); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if !result.OK {
		if result.Error != nil {
			return result.Error
		}
		return fmt.Errorf("request rejected")
	}
	if v == nil {
		return nil
	}
	return result.Decode(v)
}

// ============================================================================
// Account API
// ============================================================================

type AccountClient struct{ c *Client }

// Register creates an account, or re-binds an existing one by username. The
// returned token authenticates both REST and real-time access.
func (a *AccountClient) Register(ctx context.Context, opts *RegisterOptions) (*RegisterData, error) {
	var out RegisterData
	if err := a.c.call(ctx, "POST", "/api/account/register", opts, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Me returns the authenticated user's profile.
func (a *AccountClient) Me(ctx context.Context) (*Profile, error) {
	var out Profile
	if err := a.c.call(ctx, "GET", "/api/account/me", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ============================================================================
// Conversations API
// ============================================================================

type ConversationsClient struct{ c *Client }

func (cv *ConversationsClient) List(ctx context.Context) ([]*Conversation, error) {
	var out []*Conversation
	if err := cv.c.call(ctx, "GET", "/api/conversations", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (cv *ConversationsClient) Get(ctx context.Context, conversationID string) (*Conversation, error) {
	var out Conversation
	if err := cv.c.call(ctx, "GET", "/api/conversations/"+conversationID, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateDirect returns the private conversation with a user, creating it on
// first contact.
func (cv *ConversationsClient) CreateDirect(ctx context.Context, userID string) (*Conversation, error) {
	var out Conversation
	payload := map[string]string{"userId": userID}
	if err := cv.c.call(ctx, "POST", "/api/conversations/direct", payload, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (cv *ConversationsClient) CreateGroup(ctx context.Context, title string, memberIDs []string) (*Conversation, error) {
	var out Conversation
	payload := map[string]interface{}{"title": title, "memberIds": memberIDs}
	if err := cv.c.call(ctx, "POST", "/api/conversations/group", payload, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MarkRead persists the read cursor server-side; the engine handles the
// per-message status fan-out separately.
func (cv *ConversationsClient) MarkRead(ctx context.Context, conversationID string) error {
	return cv.c.call(ctx, "POST", "/api/conversations/"+conversationID+"/read", nil, nil, nil)
}

// Pin persists the pinned flag server-side so other devices see the same
// list ordering.
func (cv *ConversationsClient) Pin(ctx context.Context, conversationID string, pinned bool) error {
	body := map[string]bool{"pinned": pinned}
	return cv.c.call(ctx, "POST", "/api/conversations/"+conversationID+"/pin", body, nil, nil)
}

// Leave exits a conversation durably.
func (cv *ConversationsClient) Leave(ctx context.Context, conversationID string) error {
	return cv.c.call(ctx, "POST", "/api/conversations/"+conversationID+"/leave", nil, nil, nil)
}

// ============================================================================
// Messages API
// ============================================================================

type MessagesClient struct{ c *Client }

// History pages backwards through a conversation's durable history. An empty
// cursor starts from the newest message.
func (m *MessagesClient) History(ctx context.Context, conversationID, cursor string, limit int) (*HistoryPage, error) {
	query := map[string]string{}
	if cursor != "" {
		query["cursor"] = cursor
	}
	if limit > 0 {
		query["limit"] = strconv.Itoa(limit)
	}
	var out HistoryPage
	if err := m.c.call(ctx, "GET", "/api/conversations/"+conversationID+"/messages", nil, query, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Send posts a message over REST. It bypasses the engine's optimistic
// pipeline, so the returned message is already canonical.
func (m *MessagesClient) Send(ctx context.Context, conversationID, body string) (*Message, error) {
	req := map[string]string{"body": body}
	var out Message
	if err := m.c.call(ctx, "POST", "/api/conversations/"+conversationID+"/messages", req, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ============================================================================
// Contacts API
// ============================================================================

type ContactsClient struct{ c *Client }

func (ct *ContactsClient) List(ctx context.Context) ([]*Contact, error) {
	var out []*Contact
	if err := ct.c.call(ctx, "GET", "/api/contacts", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Discover looks up users by username prefix.
func (ct *ContactsClient) Discover(ctx context.Context, prefix string) ([]*Contact, error) {
	var out []*Contact
	if err := ct.c.call(ctx, "GET", "/api/contacts/discover", nil, map[string]string{"q": prefix}, &out); err != nil {
		return nil, err
	}
	return out, nil
}
