package talkweave

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrUnknownMessage is returned when an operation targets a message id
	// the local store has never seen.
	ErrUnknownMessage = errors.New("talkweave: unknown message")

	// ErrNotCanonical is returned when an edit or delete targets a message
	// that has not been confirmed by the server yet.
	ErrNotCanonical = errors.New("talkweave: message not yet confirmed")

	// ErrNotFailed is returned by Resend and Discard when the target message
	// is not in the failed state.
	ErrNotFailed = errors.New("talkweave: message is not failed")

	// ErrNotPermitted is returned when a delete-for-everyone is attempted by
	// someone who is neither the sender nor a conversation admin.
	ErrNotPermitted = errors.New("talkweave: not permitted")
)

// Failure reasons recorded on a failed provisional message.
const (
	failTransport   = "transport"
	failTimeout     = "timeout"
	failTooLarge    = "too_large"
	failUnsupported = "unsupported"
	failRejected    = "rejected"
)

// commandSender is the slice of Conn the pipeline needs. Tests substitute a
// recording fake.
type commandSender interface {
	Send(ctx context.Context, cmd *Command) error
}

type pendingSend struct {
	token          string
	conversationID string
	timer          *time.Timer
}

// ============================================================================
// Outbound Pipeline
// ============================================================================

// outboundPipeline owns the optimistic send path: every outbound message gets
// a correlation token, an immediately visible provisional record, and a
// pending entry keyed by that token. The canonical echo (or an explicit
// rejection, or the ack timeout) consumes the entry exactly once.
type outboundPipeline struct {
	sender  commandSender
	store   *memoryStore
	emit    func(event string, payload interface{})
	log     zerolog.Logger
	timeout time.Duration
	selfID  func() string
	now     func() time.Time

	mu      sync.Mutex
	pending map[string]*pendingSend
}

func newOutboundPipeline(sender commandSender, store *memoryStore, emit func(string, interface{}), timeout time.Duration, selfID func() string, log zerolog.Logger) *outboundPipeline {
	return &outboundPipeline{
		sender:  sender,
		store:   store,
		emit:    emit,
		log:     log.With().Str("component", "outbound").Logger(),
		timeout: timeout,
		selfID:  selfID,
		now:     time.Now,
		pending: make(map[string]*pendingSend),
	}
}

// sendText inserts a provisional message at the end of the conversation's
// timeline and emits the wire send. The returned message carries the
// correlation token as its provisional id.
func (p *outboundPipeline) sendText(ctx context.Context, conversationID, body, replyToID string) (*Message, error) {
	token := uuid.NewString()
	msg := &Message{
		ProvisionalID:  token,
		ConversationID: conversationID,
		SenderID:       p.selfID(),
		Body:           body,
		ReplyToID:      replyToID,
		State:          MessageSending,
		CreatedAt:      p.now(),
	}
	p.store.appendMessage(msg)
	p.emit(EngineMessageCreated, msg)

	p.track(token, conversationID)
	if err := p.sender.Send(ctx, &Command{
		Type: CmdSendMessage,
		Payload: sendMessagePayload{
			ConversationID:   conversationID,
			Body:             body,
			CorrelationToken: token,
			ReplyToID:        replyToID,
		},
	}); err != nil {
		p.log.Debug().Err(err).Str("token", token).Msg("Send failed at transport")
		p.fail(token, failTransport)
	}
	return msg, nil
}

// track registers a pending entry with an ack deadline. Also used by the
// transfer manager, which sends its own frames but shares this bookkeeping.
func (p *outboundPipeline) track(token, conversationID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending[token] = &pendingSend{
		token:          token,
		conversationID: conversationID,
		timer: time.AfterFunc(p.timeout, func() {
			p.fail(token, failTimeout)
		}),
	}
}

// untrack consumes the pending entry for token. Returns false if the entry
// was already consumed (the other reconciliation path won).
func (p *outboundPipeline) untrack(token string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	ps, ok := p.pending[token]
	if !ok {
		return false
	}
	ps.timer.Stop()
	delete(p.pending, token)
	return true
}

// suspendTimer pauses the ack deadline for a token whose confirmation is
// gated on a longer exchange (chunked uploads).
func (p *outboundPipeline) suspendTimer(token string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ps, ok := p.pending[token]; ok {
		ps.timer.Stop()
	}
}

// reconcile resolves a provisional message against its canonical echo. It is
// idempotent: the token is consumed on first use, so a duplicate echo returns
// false and the caller treats it as an ordinary (likely duplicate) canonical
// event.
func (p *outboundPipeline) reconcile(payload *MessageCreatedPayload) bool {
	token := payload.CorrelationToken
	if token == "" {
		return false
	}
	p.untrack(token)
	if !p.store.resolveProvisional(token, payload.toMessage()) {
		return false
	}
	resolved := p.store.messageByID(payload.ID)
	p.log.Debug().Str("token", token).Str("id", payload.ID).Msg("Reconciled provisional message")
	p.emit(EngineMessageReconciled, resolved)
	return true
}

// fail marks the provisional record failed and keeps it visible for resend or
// discard.
func (p *outboundPipeline) fail(token, reason string) {
	if !p.untrack(token) {
		// Already reconciled or already failed.
		if p.store.messageByToken(token) == nil {
			return
		}
	}
	if m := p.store.markFailed(token, reason); m != nil {
		p.log.Debug().Str("token", token).Str("reason", reason).Msg("Message failed")
		p.emit(EngineMessageFailed, m)
	}
}

// handleSendError maps a wire rejection onto the provisional record.
func (p *outboundPipeline) handleSendError(payload *WireErrorPayload) {
	reason := failRejected
	switch payload.Code {
	case CodePayloadTooLarge:
		reason = failTooLarge
	case CodeUnsupportedType:
		reason = failUnsupported
	}
	p.fail(payload.CorrelationToken, reason)
}

// resend retries a failed message under a fresh correlation token. The old
// token is retired; the record keeps its timeline position.
func (p *outboundPipeline) resend(ctx context.Context, token string) (*Message, error) {
	m := p.store.messageByToken(token)
	if m == nil {
		return nil, ErrUnknownMessage
	}
	if m.State != MessageFailed {
		return nil, ErrNotFailed
	}

	fresh := uuid.NewString()
	m = p.store.rekeyProvisional(token, fresh)
	if m == nil {
		return nil, ErrUnknownMessage
	}
	p.emit(EngineMessageUpdated, m)

	p.track(fresh, m.ConversationID)
	if err := p.sender.Send(ctx, &Command{
		Type: CmdSendMessage,
		Payload: sendMessagePayload{
			ConversationID:   m.ConversationID,
			Body:             m.Body,
			CorrelationToken: fresh,
			ReplyToID:        m.ReplyToID,
		},
	}); err != nil {
		p.fail(fresh, failTransport)
	}
	return m, nil
}

// discard drops a failed provisional message entirely.
func (p *outboundPipeline) discard(token string) error {
	m := p.store.messageByToken(token)
	if m == nil {
		return ErrUnknownMessage
	}
	if m.State != MessageFailed {
		return ErrNotFailed
	}
	p.untrack(token)
	p.store.removeProvisional(token)
	p.emit(EngineMessageDeleted, m)
	return nil
}

// edit sends an authoritative edit for a canonical message. Edits of
// still-provisional messages are rejected locally; retry after the send
// confirms.
func (p *outboundPipeline) edit(ctx context.Context, messageID, body string) error {
	if p.store.messageByID(messageID) == nil {
		if p.store.messageByToken(messageID) != nil {
			return ErrNotCanonical
		}
		return ErrUnknownMessage
	}
	return p.sender.Send(ctx, &Command{
		Type:    CmdEditMessage,
		Payload: editMessagePayload{MessageID: messageID, Body: body},
	})
}

// DeleteScope selects who a message delete affects.
type DeleteScope string

const (
	DeleteForSelf     DeleteScope = "self"
	DeleteForEveryone DeleteScope = "everyone"
)

// delete removes a canonical message. Scope self is purely local; scope
// everyone goes over the wire and is allowed only for the sender or a group
// admin. The server re-checks either way.
func (p *outboundPipeline) delete(ctx context.Context, messageID string, scope DeleteScope) error {
	m := p.store.messageByID(messageID)
	if m == nil {
		if p.store.messageByToken(messageID) != nil {
			return ErrNotCanonical
		}
		return ErrUnknownMessage
	}

	if scope == DeleteForSelf {
		if d := p.store.applyDelete(messageID); d != nil {
			p.emit(EngineMessageDeleted, d)
		}
		return nil
	}

	if m.SenderID != p.selfID() {
		self, ok := p.store.memberOf(m.ConversationID, p.selfID())
		if !ok || !self.IsAdmin() {
			return ErrNotPermitted
		}
	}
	return p.sender.Send(ctx, &Command{
		Type:    CmdDeleteEveryone,
		Payload: deleteEveryonePayload{MessageID: messageID},
	})
}

// shutdown stops every pending ack timer.
func (p *outboundPipeline) shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for token, ps := range p.pending {
		ps.timer.Stop()
		delete(p.pending, token)
	}
}
