package talkweave

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Wire Format
// ============================================================================

// Envelope is the wire format for all server-pushed real-time events.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Command is a client-to-server command sent over the real-time channel.
type Command struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	RequestID string      `json:"requestId,omitempty"`
}

// Inbound event names.
const (
	EventAuthenticated      = "authenticated"
	EventMessageCreated     = "message_created"
	EventMessageUpdated     = "message_updated"
	EventMessageDeleted     = "message_deleted_everyone"
	EventStatusUpdated      = "status_updated"
	EventUserOnline         = "user_online"
	EventUserOffline        = "user_offline"
	EventTypingStart        = "typing_start"
	EventTypingStop         = "typing_stop"
	EventMemberAdded        = "member_added"
	EventMemberRemoved      = "member_removed"
	EventAttachmentProgress = "attachment_progress"
	EventSendError          = "send_error"
	EventEditError          = "edit_error"
	EventDeleteError        = "delete_error"
	EventPong               = "pong"
)

// Outbound command names.
const (
	CmdJoinRoom        = "join_room"
	CmdLeaveRoom       = "leave_room"
	CmdSendMessage     = "send_message"
	CmdAttachmentChunk = "send_attachment_chunk"
	CmdEditMessage     = "edit_message"
	CmdDeleteEveryone  = "delete_message_everyone"
	CmdTypingStart     = "typing_start"
	CmdTypingStop      = "typing_stop"
	CmdUpdateStatus    = "update_status"
	CmdPing            = "ping"
)

// ============================================================================
// Outbound Payloads
// ============================================================================

type roomPayload struct {
	ConversationID string `json:"conversationId"`
}

type sendMessagePayload struct {
	ConversationID   string `json:"conversationId"`
	Body             string `json:"body"`
	CorrelationToken string `json:"correlationToken"`
	ReplyToID        string `json:"replyToId,omitempty"`
}

type attachmentChunkPayload struct {
	CorrelationToken string          `json:"correlationToken"`
	ChunkIndex       int             `json:"chunkIndex"`
	TotalChunks      int             `json:"totalChunks"`
	ChunkData        []byte          `json:"chunkData"` // base64 on the wire
	IsFirst          bool            `json:"isFirst"`
	IsLast           bool            `json:"isLast"`
	Metadata         *AttachmentMeta `json:"metadata,omitempty"`
}

type editMessagePayload struct {
	MessageID string `json:"messageId"`
	Body      string `json:"body"`
}

type deleteEveryonePayload struct {
	MessageID string `json:"messageId"`
}

type updateStatusPayload struct {
	MessageID string `json:"messageId"`
	NewState  string `json:"newState"`
}

// ============================================================================
// Inbound Payloads
// ============================================================================

// AuthenticatedPayload is the first frame on a freshly established connection.
type AuthenticatedPayload struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// MessageCreatedPayload announces a canonical message. CorrelationToken is
// echoed only for messages originated by this client, and is the sole key
// used to reconcile the provisional record.
type MessageCreatedPayload struct {
	ID               string      `json:"id"`
	ConversationID   string      `json:"conversationId"`
	SenderID         string      `json:"senderId"`
	Body             string      `json:"body"`
	ReplyToID        string      `json:"replyToId,omitempty"`
	Attachment       *Attachment `json:"attachment,omitempty"`
	CorrelationToken string      `json:"correlationToken,omitempty"`
	CreatedAt        time.Time   `json:"createdAt"`
}

func (p *MessageCreatedPayload) toMessage() *Message {
	return &Message{
		ID:             p.ID,
		ProvisionalID:  p.CorrelationToken,
		ConversationID: p.ConversationID,
		SenderID:       p.SenderID,
		Body:           p.Body,
		ReplyToID:      p.ReplyToID,
		Attachment:     p.Attachment,
		State:          MessageSent,
		CreatedAt:      p.CreatedAt,
	}
}

// MessageUpdatedPayload carries an authoritative edit.
type MessageUpdatedPayload struct {
	ID        string    `json:"id"`
	Body      string    `json:"body"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// MessageDeletedPayload announces a delete-for-everyone.
type MessageDeletedPayload struct {
	MessageID string `json:"messageId"`
}

// StatusUpdatedPayload advances one (message, recipient) delivery record.
type StatusUpdatedPayload struct {
	MessageID   string `json:"messageId"`
	RecipientID string `json:"recipientId"`
	State       string `json:"state"`
}

// UserOnlinePayload and UserOfflinePayload replace a presence record wholesale.
type UserOnlinePayload struct {
	UserID string `json:"userId"`
}

type UserOfflinePayload struct {
	UserID   string    `json:"userId"`
	LastSeen time.Time `json:"lastSeen"`
}

// TypingPayload is a remote typing start/stop signal.
type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

// MemberChangePayload announces membership changes.
type MemberChangePayload struct {
	ConversationID string `json:"conversationId"`
	Member         Member `json:"member"`
}

// AttachmentProgressPayload acknowledges one uploaded chunk. The final
// chunk's acknowledgment carries the canonical attachment reference.
type AttachmentProgressPayload struct {
	CorrelationToken string      `json:"correlationToken"`
	ChunkIndex       int         `json:"chunkIndex"`
	Progress         float64     `json:"progress"`
	Attachment       *Attachment `json:"attachment,omitempty"`
}

// WireErrorPayload is the shape of send_error, edit_error and delete_error.
type WireErrorPayload struct {
	CorrelationToken string `json:"correlationToken,omitempty"`
	MessageID        string `json:"messageId,omitempty"`
	Code             string `json:"code"`
	Message          string `json:"message"`
}

// PongPayload resolves an outstanding heartbeat ping.
type PongPayload struct {
	RequestID string `json:"requestId"`
}
