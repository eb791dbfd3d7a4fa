package talkweave

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// ============================================================================
// Optimistic sends & reconciliation
// ============================================================================

func TestSendText(t *testing.T) {
	ctx := context.Background()

	t.Run("optimistic insert at end of timeline", func(t *testing.T) {
		h := newHarness(nil)
		h.seedConversation("conv-1", false, time.Now())

		msg, err := h.pipeline.sendText(ctx, "conv-1", "hello", "")
		require.NoError(t, err)
		require.NotEmpty(t, msg.ProvisionalID)
		require.Empty(t, msg.ID)
		require.Equal(t, MessageSending, msg.State)
		require.Equal(t, testSelfID, msg.SenderID)

		tl := h.store.messagesIn("conv-1")
		require.Len(t, tl, 1)
		require.Same(t, msg, tl[0])

		sends := h.sender.commandsOfType(CmdSendMessage)
		require.Len(t, sends, 1)
		payload := sends[0].Payload.(sendMessagePayload)
		require.Equal(t, msg.ProvisionalID, payload.CorrelationToken)
		require.Equal(t, "hello", payload.Body)
	})

	t.Run("canonical echo resolves in place", func(t *testing.T) {
		h := newHarness(nil)
		h.seedConversation("conv-1", false, time.Now())

		before, _ := h.pipeline.sendText(ctx, "conv-1", "first", "")
		msg, _ := h.pipeline.sendText(ctx, "conv-1", "hello", "")

		h.push(t, EventMessageCreated, MessageCreatedPayload{
			ID:               "msg-42",
			ConversationID:   "conv-1",
			SenderID:         testSelfID,
			Body:             "hello",
			CorrelationToken: msg.ProvisionalID,
			CreatedAt:        time.Now(),
		})

		tl := h.store.messagesIn("conv-1")
		require.Len(t, tl, 2, "echo must not add a second record")
		require.Same(t, before, tl[0])
		require.Same(t, msg, tl[1], "timeline position preserved")
		require.Equal(t, "msg-42", msg.ID)
		require.Equal(t, MessageSent, msg.State)
		require.Len(t, h.eventsNamed(EngineMessageReconciled), 1)
	})

	t.Run("duplicate echo is a no-op", func(t *testing.T) {
		h := newHarness(nil)
		h.seedConversation("conv-1", false, time.Now())
		msg, _ := h.pipeline.sendText(ctx, "conv-1", "hello", "")

		echo := MessageCreatedPayload{
			ID:               "msg-42",
			ConversationID:   "conv-1",
			SenderID:         testSelfID,
			Body:             "hello",
			CorrelationToken: msg.ProvisionalID,
			CreatedAt:        time.Now(),
		}
		h.push(t, EventMessageCreated, echo)
		h.push(t, EventMessageCreated, echo)

		require.Len(t, h.store.messagesIn("conv-1"), 1)
		require.Len(t, h.eventsNamed(EngineMessageReconciled), 1)
	})

	t.Run("ack timeout marks failed and retains record", func(t *testing.T) {
		h := newHarness(&Config{AckTimeout: 20 * time.Millisecond})
		h.seedConversation("conv-1", false, time.Now())

		msg, _ := h.pipeline.sendText(ctx, "conv-1", "hello", "")
		h.waitEvent(t, EngineMessageFailed)

		require.Equal(t, MessageFailed, msg.State)
		require.Equal(t, failTimeout, msg.FailReason)
		require.Len(t, h.store.messagesIn("conv-1"), 1, "failed message stays visible")
	})

	t.Run("transport failure fails immediately", func(t *testing.T) {
		h := newHarness(nil)
		h.seedConversation("conv-1", false, time.Now())
		h.sender.fail(errors.New("broken pipe"))

		msg, err := h.pipeline.sendText(ctx, "conv-1", "hello", "")
		require.NoError(t, err)
		require.Equal(t, MessageFailed, msg.State)
		require.Equal(t, failTransport, msg.FailReason)
	})

	t.Run("overlapping failure paths settle on one failure", func(t *testing.T) {
		h := newHarness(nil)
		h.seedConversation("conv-1", false, time.Now())
		msg, _ := h.pipeline.sendText(ctx, "conv-1", "hello", "")

		h.pipeline.fail(msg.ProvisionalID, failTransport)
		h.pipeline.fail(msg.ProvisionalID, failTimeout)

		require.Equal(t, MessageFailed, msg.State)
		require.Equal(t, failTransport, msg.FailReason, "first reason wins")
		require.Len(t, h.eventsNamed(EngineMessageFailed), 1)
	})
}

func TestSendRejection(t *testing.T) {
	ctx := context.Background()

	t.Run("send_error maps code to reason", func(t *testing.T) {
		h := newHarness(nil)
		h.seedConversation("conv-1", false, time.Now())
		msg, _ := h.pipeline.sendText(ctx, "conv-1", "hello", "")

		h.push(t, EventSendError, WireErrorPayload{
			CorrelationToken: msg.ProvisionalID,
			Code:             CodePayloadTooLarge,
			Message:          "too big",
		})

		require.Equal(t, MessageFailed, msg.State)
		require.Equal(t, failTooLarge, msg.FailReason)
	})

	t.Run("rejection after reconciliation is ignored", func(t *testing.T) {
		h := newHarness(nil)
		h.seedConversation("conv-1", false, time.Now())
		msg, _ := h.pipeline.sendText(ctx, "conv-1", "hello", "")
		token := msg.ProvisionalID

		h.push(t, EventMessageCreated, MessageCreatedPayload{
			ID: "msg-1", ConversationID: "conv-1", SenderID: testSelfID,
			Body: "hello", CorrelationToken: token, CreatedAt: time.Now(),
		})
		h.push(t, EventSendError, WireErrorPayload{CorrelationToken: token, Code: CodePayloadTooLarge})

		require.Equal(t, MessageSent, msg.State)
	})
}

func TestResendAndDiscard(t *testing.T) {
	ctx := context.Background()

	t.Run("resend uses a fresh token", func(t *testing.T) {
		h := newHarness(nil)
		h.seedConversation("conv-1", false, time.Now())
		msg, _ := h.pipeline.sendText(ctx, "conv-1", "hello", "")
		oldToken := msg.ProvisionalID
		h.push(t, EventSendError, WireErrorPayload{CorrelationToken: oldToken, Code: "INTERNAL"})

		again, err := h.pipeline.resend(ctx, oldToken)
		require.NoError(t, err)
		require.Same(t, msg, again)
		require.NotEqual(t, oldToken, again.ProvisionalID)
		require.Equal(t, MessageSending, again.State)
		require.Empty(t, again.FailReason)
		require.Len(t, h.store.messagesIn("conv-1"), 1)

		// The echo for the fresh token reconciles as usual.
		h.push(t, EventMessageCreated, MessageCreatedPayload{
			ID: "msg-9", ConversationID: "conv-1", SenderID: testSelfID,
			Body: "hello", CorrelationToken: again.ProvisionalID, CreatedAt: time.Now(),
		})
		require.Equal(t, "msg-9", msg.ID)
		require.Equal(t, MessageSent, msg.State)
	})

	t.Run("resend of a non-failed message is rejected", func(t *testing.T) {
		h := newHarness(nil)
		h.seedConversation("conv-1", false, time.Now())
		msg, _ := h.pipeline.sendText(ctx, "conv-1", "hello", "")

		_, err := h.pipeline.resend(ctx, msg.ProvisionalID)
		require.ErrorIs(t, err, ErrNotFailed)
	})

	t.Run("discard removes the record", func(t *testing.T) {
		h := newHarness(nil)
		h.seedConversation("conv-1", false, time.Now())
		msg, _ := h.pipeline.sendText(ctx, "conv-1", "hello", "")
		h.push(t, EventSendError, WireErrorPayload{CorrelationToken: msg.ProvisionalID, Code: "INTERNAL"})

		require.NoError(t, h.pipeline.discard(msg.ProvisionalID))
		require.Empty(t, h.store.messagesIn("conv-1"))
		require.ErrorIs(t, h.pipeline.discard(msg.ProvisionalID), ErrUnknownMessage)
	})
}

// ============================================================================
// Edits & deletes
// ============================================================================

func TestEditMessage(t *testing.T) {
	ctx := context.Background()

	t.Run("edit of a provisional message is rejected locally", func(t *testing.T) {
		h := newHarness(nil)
		h.seedConversation("conv-1", false, time.Now())
		msg, _ := h.pipeline.sendText(ctx, "conv-1", "hello", "")

		err := h.pipeline.edit(ctx, msg.ProvisionalID, "hi")
		require.ErrorIs(t, err, ErrNotCanonical)
		require.Empty(t, h.sender.commandsOfType(CmdEditMessage))
	})

	t.Run("edit of a canonical message goes on the wire", func(t *testing.T) {
		h := newHarness(nil)
		h.seedConversation("conv-1", false, time.Now())
		msg, _ := h.pipeline.sendText(ctx, "conv-1", "hello", "")
		h.push(t, EventMessageCreated, MessageCreatedPayload{
			ID: "msg-1", ConversationID: "conv-1", SenderID: testSelfID,
			Body: "hello", CorrelationToken: msg.ProvisionalID, CreatedAt: time.Now(),
		})

		require.NoError(t, h.pipeline.edit(ctx, "msg-1", "hi"))
		edits := h.sender.commandsOfType(CmdEditMessage)
		require.Len(t, edits, 1)
		require.Equal(t, editMessagePayload{MessageID: "msg-1", Body: "hi"}, edits[0].Payload)

		// The authoritative update applies on echo.
		h.push(t, EventMessageUpdated, MessageUpdatedPayload{ID: "msg-1", Body: "hi", UpdatedAt: time.Now()})
		require.Equal(t, "hi", msg.Body)
		require.True(t, msg.Edited)
	})

	t.Run("edit of an unknown id", func(t *testing.T) {
		h := newHarness(nil)
		require.ErrorIs(t, h.pipeline.edit(ctx, "nope", "hi"), ErrUnknownMessage)
	})
}

func TestDeleteMessage(t *testing.T) {
	ctx := context.Background()

	seed := func(t *testing.T, h *harness, senderID string) *Message {
		t.Helper()
		h.push(t, EventMessageCreated, MessageCreatedPayload{
			ID: "msg-1", ConversationID: "conv-1", SenderID: senderID,
			Body: "hello", CreatedAt: time.Now(),
		})
		return h.store.messageByID("msg-1")
	}

	t.Run("delete for self is local only", func(t *testing.T) {
		h := newHarness(nil)
		h.seedConversation("conv-1", false, time.Now())
		msg := seed(t, h, "user-peer")

		require.NoError(t, h.pipeline.delete(ctx, "msg-1", DeleteForSelf))
		require.True(t, msg.Deleted)
		require.Empty(t, msg.Body)
		require.Empty(t, h.sender.commandsOfType(CmdDeleteEveryone))
	})

	t.Run("delete for everyone by sender", func(t *testing.T) {
		h := newHarness(nil)
		h.seedConversation("conv-1", false, time.Now())
		seed(t, h, testSelfID)

		require.NoError(t, h.pipeline.delete(ctx, "msg-1", DeleteForEveryone))
		require.Len(t, h.sender.commandsOfType(CmdDeleteEveryone), 1)
	})

	t.Run("delete for everyone by non-admin is rejected", func(t *testing.T) {
		h := newHarness(nil)
		h.seedConversation("conv-1", false, time.Now())
		seed(t, h, "user-peer")

		require.ErrorIs(t, h.pipeline.delete(ctx, "msg-1", DeleteForEveryone), ErrNotPermitted)
	})

	t.Run("delete for everyone by admin", func(t *testing.T) {
		h := newHarness(nil)
		conv := h.seedConversation("conv-1", false, time.Now())
		conv.Members[0].Role = "admin"
		seed(t, h, "user-peer")

		require.NoError(t, h.pipeline.delete(ctx, "msg-1", DeleteForEveryone))
		require.Len(t, h.sender.commandsOfType(CmdDeleteEveryone), 1)
	})

	t.Run("delete of a provisional message is rejected", func(t *testing.T) {
		h := newHarness(nil)
		h.seedConversation("conv-1", false, time.Now())
		msg, _ := h.pipeline.sendText(ctx, "conv-1", "hello", "")

		require.ErrorIs(t, h.pipeline.delete(ctx, msg.ProvisionalID, DeleteForEveryone), ErrNotCanonical)
	})
}
