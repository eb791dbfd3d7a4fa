package talkweave

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// TypingChange reports who is currently typing in a conversation.
type TypingChange struct {
	ConversationID string
	Users          []string
}

// ============================================================================
// Inbound Event Router
// ============================================================================

// eventRouter is the single dispatch point for server-pushed events. Each
// named event maps to one reducer; reducers run synchronously on the read
// loop, strictly in arrival order, so per-conversation causality holds
// without locking ceremony. Malformed payloads are logged and skipped.
type eventRouter struct {
	store     *memoryStore
	pipeline  *outboundPipeline
	transfers *transferManager
	ledger    *statusLedger
	presence  *presenceTracker
	list      *listReconciler
	emit      func(event string, payload interface{})
	selfID    func() string
	log       zerolog.Logger

	reducers map[string]func(ctx context.Context, payload json.RawMessage) error
}

func newEventRouter(store *memoryStore, pipeline *outboundPipeline, transfers *transferManager, ledger *statusLedger, presence *presenceTracker, list *listReconciler, emit func(string, interface{}), selfID func() string, log zerolog.Logger) *eventRouter {
	r := &eventRouter{
		store:     store,
		pipeline:  pipeline,
		transfers: transfers,
		ledger:    ledger,
		presence:  presence,
		list:      list,
		emit:      emit,
		selfID:    selfID,
		log:       log.With().Str("component", "router").Logger(),
	}
	r.reducers = map[string]func(context.Context, json.RawMessage) error{
		EventMessageCreated:     r.onMessageCreated,
		EventMessageUpdated:     r.onMessageUpdated,
		EventMessageDeleted:     r.onMessageDeleted,
		EventStatusUpdated:      r.onStatusUpdated,
		EventUserOnline:         r.onUserOnline,
		EventUserOffline:        r.onUserOffline,
		EventTypingStart:        r.onTypingStart,
		EventTypingStop:         r.onTypingStop,
		EventMemberAdded:        r.onMemberAdded,
		EventMemberRemoved:      r.onMemberRemoved,
		EventAttachmentProgress: r.onAttachmentProgress,
		EventSendError:          r.onSendError,
		EventEditError:          r.onWireError,
		EventDeleteError:        r.onWireError,
	}
	return r
}

// handle applies one inbound envelope. Unknown event types are ignored so new
// server events never break older clients.
func (r *eventRouter) handle(ctx context.Context, env Envelope) {
	if env.Type == EventAuthenticated {
		return
	}
	reducer, ok := r.reducers[env.Type]
	if !ok {
		r.log.Debug().Str("type", env.Type).Msg("Ignoring unknown event")
		return
	}
	if err := reducer(ctx, env.Payload); err != nil {
		r.log.Warn().Err(err).Str("type", env.Type).Msg("Dropping event")
	}
}

func decode[T any](raw json.RawMessage) (*T, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return &v, nil
}

// ── Messages ─────────────────────────────────────────────

func (r *eventRouter) onMessageCreated(ctx context.Context, raw json.RawMessage) error {
	p, err := decode[MessageCreatedPayload](raw)
	if err != nil {
		return err
	}

	// Our own echo: the correlation token resolves the provisional record in
	// place. Whichever of ack and push arrives second falls through to the
	// duplicate check below.
	if r.pipeline.reconcile(p) {
		if m := r.store.messageByID(p.ID); m != nil {
			r.list.touch(m)
		}
		return nil
	}

	if r.store.hasCanonical(p.ID) {
		r.log.Debug().Str("id", p.ID).Msg("Duplicate canonical message")
		return nil
	}

	if _, err := r.list.ensure(ctx, p.ConversationID); err != nil {
		return err
	}

	m := p.toMessage()
	r.store.appendMessage(m)
	r.emit(EngineMessageCreated, m)
	r.list.touch(m)
	return nil
}

func (r *eventRouter) onMessageUpdated(_ context.Context, raw json.RawMessage) error {
	p, err := decode[MessageUpdatedPayload](raw)
	if err != nil {
		return err
	}
	m := r.store.applyEdit(p.ID, p.Body, p.UpdatedAt)
	if m == nil {
		r.log.Debug().Str("id", p.ID).Msg("Edit for unknown message")
		return nil
	}
	r.emit(EngineMessageUpdated, m)
	return nil
}

func (r *eventRouter) onMessageDeleted(_ context.Context, raw json.RawMessage) error {
	p, err := decode[MessageDeletedPayload](raw)
	if err != nil {
		return err
	}
	m := r.store.applyDelete(p.MessageID)
	if m == nil {
		r.log.Debug().Str("id", p.MessageID).Msg("Delete for unknown message")
		return nil
	}
	r.ledger.forget(p.MessageID)
	r.emit(EngineMessageDeleted, m)
	return nil
}

// ── Status ───────────────────────────────────────────────

func (r *eventRouter) onStatusUpdated(_ context.Context, raw json.RawMessage) error {
	p, err := decode[StatusUpdatedPayload](raw)
	if err != nil {
		return err
	}
	if r.ledger.apply(p.MessageID, p.RecipientID, p.State) {
		r.emit(EngineStatusChanged, p)
	}
	return nil
}

// ── Presence & typing ────────────────────────────────────

func (r *eventRouter) onUserOnline(_ context.Context, raw json.RawMessage) error {
	p, err := decode[UserOnlinePayload](raw)
	if err != nil {
		return err
	}
	r.presence.setOnline(p.UserID)
	rec, _ := r.presence.record(p.UserID)
	r.emit(EnginePresenceChanged, rec)
	return nil
}

func (r *eventRouter) onUserOffline(_ context.Context, raw json.RawMessage) error {
	p, err := decode[UserOfflinePayload](raw)
	if err != nil {
		return err
	}
	r.presence.setOffline(p.UserID, p.LastSeen)
	rec, _ := r.presence.record(p.UserID)
	r.emit(EnginePresenceChanged, rec)
	return nil
}

func (r *eventRouter) onTypingStart(_ context.Context, raw json.RawMessage) error {
	p, err := decode[TypingPayload](raw)
	if err != nil {
		return err
	}
	if p.UserID == r.selfID() {
		return nil
	}
	r.presence.typingStart(p.ConversationID, p.UserID)
	r.emit(EngineTypingChanged, TypingChange{
		ConversationID: p.ConversationID,
		Users:          r.presence.typingUsersIn(p.ConversationID),
	})
	return nil
}

func (r *eventRouter) onTypingStop(_ context.Context, raw json.RawMessage) error {
	p, err := decode[TypingPayload](raw)
	if err != nil {
		return err
	}
	r.presence.typingStop(p.ConversationID, p.UserID)
	r.emit(EngineTypingChanged, TypingChange{
		ConversationID: p.ConversationID,
		Users:          r.presence.typingUsersIn(p.ConversationID),
	})
	return nil
}

// ── Membership ───────────────────────────────────────────

func (r *eventRouter) onMemberAdded(ctx context.Context, raw json.RawMessage) error {
	p, err := decode[MemberChangePayload](raw)
	if err != nil {
		return err
	}
	if _, err := r.list.ensure(ctx, p.ConversationID); err != nil {
		return err
	}
	r.store.updateConversation(p.ConversationID, func(conv *Conversation) {
		if _, ok := conv.MemberByID(p.Member.UserID); !ok {
			conv.Members = append(conv.Members, p.Member)
		}
	})
	r.synthesizeSystemMessage(p.ConversationID, fmt.Sprintf("%s joined", memberName(p.Member)))
	return nil
}

func (r *eventRouter) onMemberRemoved(_ context.Context, raw json.RawMessage) error {
	p, err := decode[MemberChangePayload](raw)
	if err != nil {
		return err
	}
	if !r.store.updateConversation(p.ConversationID, func(conv *Conversation) {
		for i, m := range conv.Members {
			if m.UserID == p.Member.UserID {
				conv.Members = append(conv.Members[:i], conv.Members[i+1:]...)
				break
			}
		}
	}) {
		return nil
	}
	r.synthesizeSystemMessage(p.ConversationID, fmt.Sprintf("%s left", memberName(p.Member)))
	return nil
}

func memberName(m Member) string {
	if m.DisplayName != "" {
		return m.DisplayName
	}
	if m.Username != "" {
		return m.Username
	}
	return m.UserID
}

// synthesizeSystemMessage appends a locally generated timeline entry for a
// membership change. System entries have no sender and no delivery status.
func (r *eventRouter) synthesizeSystemMessage(conversationID, body string) {
	m := &Message{
		ConversationID: conversationID,
		Body:           body,
		System:         true,
		State:          MessageSent,
		CreatedAt:      time.Now(),
	}
	r.store.appendMessage(m)
	r.emit(EngineMessageCreated, m)
}

// ── Attachments & errors ─────────────────────────────────

func (r *eventRouter) onAttachmentProgress(_ context.Context, raw json.RawMessage) error {
	p, err := decode[AttachmentProgressPayload](raw)
	if err != nil {
		return err
	}
	if !r.transfers.deliverAck(p) {
		r.log.Debug().Str("token", p.CorrelationToken).Msg("Ack for finished transfer")
	}
	return nil
}

func (r *eventRouter) onSendError(_ context.Context, raw json.RawMessage) error {
	p, err := decode[WireErrorPayload](raw)
	if err != nil {
		return err
	}
	// An in-flight transfer stops before the owning message is failed so no
	// further chunks go out.
	r.transfers.abort(p.CorrelationToken)
	r.pipeline.handleSendError(p)
	r.emit(EngineError, p)
	return nil
}

func (r *eventRouter) onWireError(_ context.Context, raw json.RawMessage) error {
	p, err := decode[WireErrorPayload](raw)
	if err != nil {
		return err
	}
	r.log.Debug().Str("code", p.Code).Str("id", p.MessageID).Msg("Server rejected operation")
	r.emit(EngineError, p)
	return nil
}
