package talkweave

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrNoIdentity is returned when an operation requires a connected identity.
var ErrNoIdentity = errors.New("talkweave: no identity, call Connect first")

// ============================================================================
// Engine
// ============================================================================

// Engine is the client-side synchronization engine: one physical real-time
// channel shared by all conversation views, with optimistic sends, a serial
// inbound reducer chain, delivery status tracking, presence, typing, chunked
// attachment uploads, and the ordered conversation list. Construct one per
// identity session; there is no package-level instance.
//
// All inbound events are reduced on the connection's read loop, strictly in
// arrival order. User-facing methods may be called from any goroutine.
type Engine struct {
	rest   *Client
	conn   *Conn
	config *Config
	log    zerolog.Logger

	store     *memoryStore
	rooms     *roomTracker
	events    *eventEmitter
	ledger    *statusLedger
	presence  *presenceTracker
	typing    *typingEmitter
	pipeline  *outboundPipeline
	transfers *transferManager
	list      *listReconciler
	router    *eventRouter

	mu       sync.Mutex
	self     Identity
	ctx      context.Context
	cancel   context.CancelFunc
	connSubs []*Subscription
}

// NewEngine builds an engine on top of a REST client. The config controls
// reconnection, heartbeats, ack deadlines, typing windows, and chunk sizing;
// a zero Config gets defaults.
func NewEngine(rest *Client, config *Config) *Engine {
	if config == nil {
		config = &Config{AutoReconnect: true}
	}
	cfg := *config
	cfg.defaults()
	log := rest.log.With().Str("component", "engine").Logger()

	e := &Engine{
		rest:     rest,
		config:   &cfg,
		log:      log,
		store:    newMemoryStore(),
		rooms:    newRoomTracker(),
		events:   newEventEmitter(),
		ledger:   newStatusLedger(rest.log),
		presence: newPresenceTracker(cfg.TypingTTL),
	}
	e.conn = NewConn(rest.baseURL, &cfg, rest.log)
	e.typing = newTypingEmitter(cfg.TypingThrottle, cfg.TypingIdle, e.sendTypingSignal)

	selfID := e.SelfID
	e.pipeline = newOutboundPipeline(e.conn, e.store, e.events.emit, cfg.AckTimeout, selfID, rest.log)
	e.transfers = newTransferManager(e.conn, e.pipeline, e.store, e.events.emit, &cfg, selfID, rest.log)
	e.list = newListReconciler(e.store, rest, e.joinRoom, e.events.emit, selfID, rest.log)
	e.router = newEventRouter(e.store, e.pipeline, e.transfers, e.ledger, e.presence, e.list, e.events.emit, selfID, rest.log)
	return e
}

// SelfID returns the connected user's id, or "" before Connect.
func (e *Engine) SelfID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.self.UserID
}

// Conn exposes the connection manager for lifecycle subscriptions and state
// queries.
func (e *Engine) Conn() *Conn { return e.conn }

// On subscribes to one engine event. The returned handle's Off removes the
// listener.
func (e *Engine) On(event string, h EventHandler) *Subscription {
	return e.events.on(event, h)
}

// OnAny subscribes to every engine event.
func (e *Engine) OnAny(h EventHandler) *Subscription {
	return e.events.onAny(h)
}

// ── Lifecycle ────────────────────────────────────────────

// Connect establishes the real-time channel for the given identity.
// Connecting as a different identity than the current one tears the old
// session down first: listeners are dropped and room refcounts cleared, so
// nothing from the previous identity can leak into the new one.
func (e *Engine) Connect(ctx context.Context, identity Identity) error {
	e.mu.Lock()
	if e.self != (Identity{}) && e.self != identity {
		e.teardownLocked()
	}
	e.self = identity
	if e.ctx == nil {
		e.ctx, e.cancel = context.WithCancel(context.Background())
		go runTypingSweeper(e.ctx, e.presence, e.config.TypingTTL/2)
	}
	if len(e.connSubs) == 0 {
		e.connSubs = []*Subscription{
			e.conn.OnEnvelope(e.handleEvent),
			e.conn.OnConnected(e.replayRooms),
		}
	}
	e.mu.Unlock()

	return e.conn.Connect(ctx, identity)
}

// teardownLocked severs everything tied to the previous identity: listeners,
// rooms, timers, pending sends, and the local view itself. Timelines, the
// conversation set, delivery states and presence all belong to one user; a
// new identity starts from nothing. Callers hold e.mu.
func (e *Engine) teardownLocked() {
	for _, sub := range e.connSubs {
		sub.Off()
	}
	e.connSubs = nil
	e.conn.Disconnect()
	e.rooms.reset()
	e.typing.shutdown()
	e.transfers.shutdown()
	e.pipeline.shutdown()
	e.store.reset()
	e.ledger.reset()
	e.presence.reset()
	e.list.reset()
}

// Close shuts the engine down: in-flight transfers abort, timers stop, and
// the channel closes. A pending reconnection attempt is cancelled.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.cancel != nil {
		e.cancel()
		e.ctx, e.cancel = nil, nil
	}
	for _, sub := range e.connSubs {
		sub.Off()
	}
	e.connSubs = nil
	e.mu.Unlock()

	e.typing.shutdown()
	e.transfers.shutdown()
	e.pipeline.shutdown()
	return e.conn.Disconnect()
}

// handleEvent is the single sink feeding the router. It runs on the read
// loop so reducers see events in exact arrival order.
func (e *Engine) handleEvent(env Envelope) {
	e.mu.Lock()
	ctx := e.ctx
	e.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	e.router.handle(ctx, env)
}

// replayRooms rejoins every refcounted room after a (re)connect; the
// transport does not preserve membership.
func (e *Engine) replayRooms() {
	e.mu.Lock()
	ctx := e.ctx
	e.mu.Unlock()
	if ctx == nil {
		return
	}
	for _, id := range e.rooms.active() {
		if err := e.conn.Send(ctx, &Command{Type: CmdJoinRoom, Payload: roomPayload{ConversationID: id}}); err != nil {
			e.log.Warn().Err(err).Str("conversation_id", id).Msg("Room replay failed")
			return
		}
	}
}

// ── Rooms & conversation views ───────────────────────────

// joinRoom takes a reference on a conversation's room, emitting join_room on
// the wire only for the first reference.
func (e *Engine) joinRoom(ctx context.Context, conversationID string) {
	if e.rooms.join(conversationID) {
		if err := e.conn.Send(ctx, &Command{Type: CmdJoinRoom, Payload: roomPayload{ConversationID: conversationID}}); err != nil {
			e.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("Join failed")
		}
	}
}

// leaveRoom drops one reference, emitting leave_room only when the last
// reference goes.
func (e *Engine) leaveRoom(ctx context.Context, conversationID string) {
	if e.rooms.leave(conversationID) {
		if err := e.conn.Send(ctx, &Command{Type: CmdLeaveRoom, Payload: roomPayload{ConversationID: conversationID}}); err != nil {
			e.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("Leave failed")
		}
	}
}

// OpenConversation brings a conversation on screen: join its room, clear the
// unread counter, and mark everything from others as read.
func (e *Engine) OpenConversation(ctx context.Context, conversationID string) error {
	if _, err := e.list.ensure(ctx, conversationID); err != nil {
		return err
	}
	e.joinRoom(ctx, conversationID)
	if err := e.list.open(conversationID); err != nil {
		return err
	}
	return e.ReadAll(ctx, conversationID)
}

// CloseConversation releases one view of a conversation. Other views keep
// the room membership alive.
func (e *Engine) CloseConversation(ctx context.Context, conversationID string) {
	e.list.close(conversationID)
	e.leaveRoom(ctx, conversationID)
}

// LeaveConversation exits a conversation entirely: the room is left, the
// conversation and its timeline are dropped, and, if it was open, the
// selection clears.
func (e *Engine) LeaveConversation(ctx context.Context, conversationID string) error {
	if !e.rooms.drop(conversationID) {
		// Never joined; still remove it from the list if present.
	} else if err := e.conn.Send(ctx, &Command{Type: CmdLeaveRoom, Payload: roomPayload{ConversationID: conversationID}}); err != nil {
		e.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("Leave failed")
	}
	if !e.list.remove(conversationID) {
		return ErrUnknownConversation
	}
	return nil
}

// PinConversation toggles a conversation's pinned flag.
func (e *Engine) PinConversation(conversationID string, pinned bool) error {
	return e.list.setPinned(conversationID, pinned)
}

// Conversations returns the summary list in display order: pinned first,
// then most recent activity.
func (e *Engine) Conversations() []*Conversation {
	return e.list.list()
}

// Messages returns a snapshot of one conversation's timeline in arrival
// order. The returned records are copies.
func (e *Engine) Messages(conversationID string) []*Message {
	return e.store.messagesSnapshot(conversationID)
}

// ── Sending ──────────────────────────────────────────────

// SendText sends a message optimistically. The returned message is the
// provisional record, already in the timeline; its ProvisionalID is the
// correlation token used by Resend and Discard.
func (e *Engine) SendText(ctx context.Context, conversationID, body, replyToID string) (*Message, error) {
	if e.SelfID() == "" {
		return nil, ErrNoIdentity
	}
	return e.pipeline.sendText(ctx, conversationID, body, replyToID)
}

// Resend retries a failed message under a fresh correlation token.
func (e *Engine) Resend(ctx context.Context, token string) (*Message, error) {
	return e.pipeline.resend(ctx, token)
}

// Discard drops a failed message from the timeline.
func (e *Engine) Discard(token string) error {
	return e.pipeline.discard(token)
}

// EditMessage sends an edit for a confirmed message. Editing a message that
// is still provisional returns ErrNotCanonical; retry once it reconciles.
func (e *Engine) EditMessage(ctx context.Context, messageID, body string) error {
	return e.pipeline.edit(ctx, messageID, body)
}

// DeleteMessage deletes a confirmed message. DeleteForSelf is local only;
// DeleteForEveryone goes to the server and requires being the sender or a
// group admin. The server enforces the same rule authoritatively.
func (e *Engine) DeleteMessage(ctx context.Context, messageID string, scope DeleteScope) error {
	return e.pipeline.delete(ctx, messageID, scope)
}

// ── Attachments ──────────────────────────────────────────

// UploadAttachment sends a file to a conversation. Large payloads are
// chunked and uploaded sequentially; onProgress (optional) observes
// acknowledgment progress. The returned provisional message's token cancels
// the transfer via CancelUpload.
func (e *Engine) UploadAttachment(ctx context.Context, conversationID string, data []byte, meta AttachmentMeta, onProgress func(TransferProgress)) (*Message, error) {
	if e.SelfID() == "" {
		return nil, ErrNoIdentity
	}
	if meta.Size == 0 {
		meta.Size = int64(len(data))
	}
	return e.transfers.upload(ctx, conversationID, data, meta, onProgress)
}

// CancelUpload stops an in-flight transfer and discards its provisional
// message.
func (e *Engine) CancelUpload(token string) error {
	return e.transfers.cancelTransfer(token)
}

// ── Status ───────────────────────────────────────────────

// ReadAll marks every confirmed message in the conversation not authored by
// the current user as read, locally and on the wire.
func (e *Engine) ReadAll(ctx context.Context, conversationID string) error {
	self := e.SelfID()
	if self == "" {
		return ErrNoIdentity
	}
	for _, m := range e.store.messagesIn(conversationID) {
		if !m.Canonical() || m.System || m.SenderID == self {
			continue
		}
		if !e.ledger.apply(m.ID, self, StatusRead) {
			continue
		}
		if err := e.conn.Send(ctx, &Command{
			Type:    CmdUpdateStatus,
			Payload: updateStatusPayload{MessageID: m.ID, NewState: StatusRead},
		}); err != nil {
			return err
		}
	}
	return nil
}

// StatusOf returns the per-recipient delivery states for a message.
func (e *Engine) StatusOf(messageID string) map[string]string {
	return e.ledger.statesFor(messageID)
}

// AggregateStatusOf returns the lowest delivery state across recipients,
// which is what check-mark rendering wants.
func (e *Engine) AggregateStatusOf(messageID string) string {
	return e.ledger.aggregateFor(messageID)
}

// ── Presence & typing ────────────────────────────────────

// OnlineUsers returns the ids of users currently online.
func (e *Engine) OnlineUsers() []string {
	return e.presence.onlineUsers()
}

// LastSeen returns a user's last-seen time. ok is false if no presence fact
// has been received for them.
func (e *Engine) LastSeen(userID string) (time.Time, bool) {
	rec, ok := e.presence.record(userID)
	if !ok {
		return time.Time{}, false
	}
	return rec.LastSeen, true
}

// TypingUsersIn returns who is typing in a conversation, expired signals
// excluded.
func (e *Engine) TypingUsersIn(conversationID string) []string {
	return e.presence.typingUsersIn(conversationID)
}

// Typing signals local keyboard activity in a conversation. Emission is
// throttled on the wire; an idle period emits the matching stop.
func (e *Engine) Typing(conversationID string) {
	e.typing.keystroke(conversationID)
}

// StopTyping force-emits typing_stop, e.g. when the composer is cleared by a
// send.
func (e *Engine) StopTyping(conversationID string) {
	e.typing.stop(conversationID)
}

func (e *Engine) sendTypingSignal(cmdType, conversationID string) {
	e.mu.Lock()
	ctx := e.ctx
	e.mu.Unlock()
	if ctx == nil {
		return
	}
	if err := e.conn.Send(ctx, &Command{Type: cmdType, Payload: roomPayload{ConversationID: conversationID}}); err != nil && !errors.Is(err, ErrNotConnected) {
		e.log.Debug().Err(err).Msg("Typing signal failed")
	}
}
