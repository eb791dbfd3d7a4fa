package talkweave

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents a server-side error, from either the REST API or the
// real-time channel.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Well-known server rejection codes.
const (
	CodePermissionDenied = "PERMISSION_DENIED"
	CodeNotFound         = "NOT_FOUND"
	CodePayloadTooLarge  = "PAYLOAD_TOO_LARGE"
	CodeUnsupportedType  = "UNSUPPORTED_TYPE"
)

// APIResult is the generic REST API response envelope.
type APIResult struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Meta  map[string]any  `json:"meta,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *APIResult) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// Identity is a signed-in user as seen by the engine. One live connection is
// permitted per identity.
type Identity struct {
	UserID string
	Token  string
}

// ============================================================================
// Conversations
// ============================================================================

// ConversationKind distinguishes the conversation flavors the server supports.
type ConversationKind string

const (
	KindPrivate   ConversationKind = "private"
	KindGroup     ConversationKind = "group"
	KindAssistant ConversationKind = "assistant"
)

// Member is a conversation participant.
type Member struct {
	UserID      string `json:"userId"`
	Username    string `json:"username,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	Role        string `json:"role,omitempty"`
}

// IsAdmin reports whether the member may perform admin-only actions such as
// deleting another sender's message for everyone. Advisory on the client; the
// server enforces it authoritatively.
func (m Member) IsAdmin() bool {
	return m.Role == "admin" || m.Role == "owner"
}

// Conversation is the local view of one conversation: identity, membership
// and the summary fields the list reconciler keeps ordered.
type Conversation struct {
	ID           string           `json:"id"`
	Kind         ConversationKind `json:"kind"`
	Title        string           `json:"title,omitempty"`
	Members      []Member         `json:"members,omitempty"`
	Pinned       bool             `json:"pinned,omitempty"`
	Preview      string           `json:"preview,omitempty"`
	UnreadCount  int              `json:"unreadCount,omitempty"`
	LastActivity time.Time        `json:"lastActivity,omitempty"`
	CreatedAt    time.Time        `json:"createdAt,omitempty"`
}

// MemberByID returns the member with the given user id, if present.
func (c *Conversation) MemberByID(userID string) (Member, bool) {
	for _, m := range c.Members {
		if m.UserID == userID {
			return m, true
		}
	}
	return Member{}, false
}

// ============================================================================
// Messages
// ============================================================================

// MessageState is the lifecycle state of a locally-visible message.
type MessageState string

const (
	MessageSending MessageState = "sending"
	MessageSent    MessageState = "sent"
	MessageFailed  MessageState = "failed"
)

// Attachment is the canonical server-side reference to an uploaded payload.
type Attachment struct {
	ID       string `json:"id,omitempty"`
	URL      string `json:"url,omitempty"`
	FileName string `json:"fileName,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// AttachmentMeta describes an upload before the server has assigned a
// canonical reference.
type AttachmentMeta struct {
	FileName string `json:"fileName"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size"`
}

// Message is one entry in a conversation timeline. Identity is either
// provisional (ProvisionalID set, ID empty) or canonical (ID set). After
// reconciliation the canonical record keeps its ProvisionalID so callers that
// captured the token from SendText can still find it, but at most one visible
// record ever exists per token.
type Message struct {
	ID             string       `json:"id,omitempty"`
	ProvisionalID  string       `json:"provisionalId,omitempty"`
	ConversationID string       `json:"conversationId"`
	SenderID       string       `json:"senderId"`
	Body           string       `json:"body"`
	ReplyToID      string       `json:"replyToId,omitempty"`
	Attachment     *Attachment  `json:"attachment,omitempty"`
	State          MessageState `json:"state"`
	Edited         bool         `json:"edited,omitempty"`
	Deleted        bool         `json:"deleted,omitempty"`
	System         bool         `json:"system,omitempty"`
	FailReason     string       `json:"failReason,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`
	UpdatedAt      time.Time    `json:"updatedAt,omitempty"`
}

// Canonical reports whether the message has a server-assigned id.
func (m *Message) Canonical() bool {
	return m.ID != ""
}

// ============================================================================
// Presence
// ============================================================================

// PresenceRecord is the full current presence fact for one user. It is
// replaced wholesale on each incoming event; there is nothing to merge.
type PresenceRecord struct {
	UserID   string    `json:"userId"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"lastSeen,omitempty"`
}

// ============================================================================
// Delivery status
// ============================================================================

// Delivery states for a (message, recipient) pair, ordered: a status record
// only ever moves forward through sent < delivered < read.
const (
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
)

var statusRank = map[string]int{
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// ============================================================================
// Account
// ============================================================================

// RegisterOptions creates or re-binds an account.
type RegisterOptions struct {
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`
}

// RegisterData is the response payload for a successful registration.
type RegisterData struct {
	UserID      string `json:"userId"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`
	Token       string `json:"token"`
	IsNew       bool   `json:"isNew"`
}

// Profile is the authenticated user's own record.
type Profile struct {
	UserID      string `json:"userId"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// Contact is a directory entry with its direct-conversation pointer.
type Contact struct {
	UserID         string `json:"userId"`
	Username       string `json:"username"`
	DisplayName    string `json:"displayName,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
}

// HistoryPage is one page of durable message history from the REST API.
type HistoryPage struct {
	Messages []*Message `json:"messages"`
	HasMore  bool       `json:"hasMore"`
	Cursor   string     `json:"cursor,omitempty"`
}
