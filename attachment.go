package talkweave

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrNoTransfer is returned when cancelling a token with no transfer in
// flight.
var ErrNoTransfer = errors.New("talkweave: no transfer in flight")

// TransferProgress is the payload of transfer progress notifications.
type TransferProgress struct {
	Token          string
	ConversationID string
	ChunksAcked    int
	TotalChunks    int
	BytesAcked     int
	TotalBytes     int
	Fraction       float64
}

type attachmentTransfer struct {
	token          string
	conversationID string
	meta           AttachmentMeta
	chunks         [][]byte
	totalBytes     int

	acked      int
	bytesAcked int
	fraction   float64

	ackCh      chan *AttachmentProgressPayload
	cancel     context.CancelFunc
	onProgress func(TransferProgress)
}

// ============================================================================
// Transfer Manager
// ============================================================================

// transferManager uploads attachments over the real-time channel. Small
// payloads go as a single frame; larger ones are split into fixed-size chunks
// sent strictly in order, each gated on the previous chunk's acknowledgment,
// so a failure is attributable to exactly one chunk. A transfer record exists
// only while the upload is in flight.
type transferManager struct {
	sender     commandSender
	pipeline   *outboundPipeline
	store      *memoryStore
	emit       func(event string, payload interface{})
	log        zerolog.Logger
	chunkSize  int
	frameLimit int
	ackTimeout time.Duration
	selfID     func() string

	mu        sync.Mutex
	transfers map[string]*attachmentTransfer
}

func newTransferManager(sender commandSender, pipeline *outboundPipeline, store *memoryStore, emit func(string, interface{}), config *Config, selfID func() string, log zerolog.Logger) *transferManager {
	return &transferManager{
		sender:     sender,
		pipeline:   pipeline,
		store:      store,
		emit:       emit,
		log:        log.With().Str("component", "transfer").Logger(),
		chunkSize:  config.ChunkSize,
		frameLimit: config.SingleFrameLimit,
		ackTimeout: config.AckTimeout,
		selfID:     selfID,
		transfers:  make(map[string]*attachmentTransfer),
	}
}

// upload inserts a provisional message for the attachment and starts the
// transfer. The upload itself runs on its own goroutine; everything it does
// to shared state goes through the store and the pipeline.
func (t *transferManager) upload(ctx context.Context, conversationID string, data []byte, meta AttachmentMeta, onProgress func(TransferProgress)) (*Message, error) {
	token := uuid.NewString()
	msg := &Message{
		ProvisionalID:  token,
		ConversationID: conversationID,
		SenderID:       t.selfID(),
		Attachment: &Attachment{
			FileName: meta.FileName,
			MimeType: meta.MimeType,
			Size:     meta.Size,
		},
		State:     MessageSending,
		CreatedAt: time.Now(),
	}
	t.store.appendMessage(msg)
	t.emit(EngineMessageCreated, msg)

	// The pipeline tracks the token so the canonical echo reconciles the
	// message, but its single ack deadline is replaced by per-chunk waits.
	t.pipeline.track(token, conversationID)
	t.pipeline.suspendTimer(token)

	runCtx, cancel := context.WithCancel(ctx)
	xfer := &attachmentTransfer{
		token:          token,
		conversationID: conversationID,
		meta:           meta,
		chunks:         t.split(data),
		totalBytes:     len(data),
		ackCh:          make(chan *AttachmentProgressPayload, 1),
		cancel:         cancel,
		onProgress:     onProgress,
	}
	t.mu.Lock()
	t.transfers[token] = xfer
	t.mu.Unlock()

	go t.run(runCtx, xfer)
	return msg, nil
}

func (t *transferManager) split(data []byte) [][]byte {
	if len(data) <= t.frameLimit {
		return [][]byte{data}
	}
	var chunks [][]byte
	for off := 0; off < len(data); off += t.chunkSize {
		end := off + t.chunkSize
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, data[off:end])
	}
	return chunks
}

func (t *transferManager) run(ctx context.Context, xfer *attachmentTransfer) {
	total := len(xfer.chunks)
	for i, chunk := range xfer.chunks {
		payload := attachmentChunkPayload{
			CorrelationToken: xfer.token,
			ChunkIndex:       i,
			TotalChunks:      total,
			ChunkData:        chunk,
			IsFirst:          i == 0,
			IsLast:           i == total-1,
		}
		if i == 0 {
			payload.Metadata = &xfer.meta
		}
		if err := t.sender.Send(ctx, &Command{Type: CmdAttachmentChunk, Payload: payload}); err != nil {
			t.log.Debug().Err(err).Str("token", xfer.token).Int("chunk", i).Msg("Chunk send failed")
			t.abort(xfer.token)
			t.pipeline.fail(xfer.token, failTransport)
			return
		}

		ack, ok := t.awaitAck(ctx, xfer, i)
		if !ok {
			return
		}
		xfer.acked++
		xfer.bytesAcked += len(chunk)

		fraction := ack.Progress
		if computed := float64(xfer.bytesAcked) / float64(max(xfer.totalBytes, 1)); computed > fraction {
			fraction = computed
		}
		// Progress never moves backwards even if acks carry stale
		// fractions.
		if fraction > xfer.fraction {
			xfer.fraction = fraction
		}
		t.notify(xfer)

		if i == total-1 {
			t.complete(xfer, ack)
			return
		}
	}
}

// awaitAck blocks until the acknowledgment for the given chunk index arrives.
// The wire may redeliver acks, so anything carrying another index is a
// duplicate or stale and is discarded without advancing the transfer. Returns
// false when the context is cancelled or the ack deadline passes; the
// deadline covers the whole wait, redeliveries do not extend it.
func (t *transferManager) awaitAck(ctx context.Context, xfer *attachmentTransfer, index int) (*AttachmentProgressPayload, bool) {
	deadline := time.NewTimer(t.ackTimeout)
	defer deadline.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, false
		case <-deadline.C:
			t.log.Debug().Str("token", xfer.token).Int("chunk", index).Msg("Chunk ack timed out")
			t.abort(xfer.token)
			t.pipeline.fail(xfer.token, failTimeout)
			return nil, false
		case ack := <-xfer.ackCh:
			if ack.ChunkIndex != index {
				t.log.Debug().Str("token", xfer.token).Int("chunk", ack.ChunkIndex).
					Int("want", index).Msg("Discarding duplicate chunk ack")
				continue
			}
			return ack, true
		}
	}
}

func (t *transferManager) notify(xfer *attachmentTransfer) {
	progress := TransferProgress{
		Token:          xfer.token,
		ConversationID: xfer.conversationID,
		ChunksAcked:    xfer.acked,
		TotalChunks:    len(xfer.chunks),
		BytesAcked:     xfer.bytesAcked,
		TotalBytes:     xfer.totalBytes,
		Fraction:       xfer.fraction,
	}
	if xfer.onProgress != nil {
		xfer.onProgress(progress)
	}
	t.emit(EngineTransferProgress, progress)
}

// complete folds the canonical attachment reference into the owning message
// and clears the transfer. The message itself still turns canonical through
// the usual message_created reconciliation, so the pending deadline is
// re-armed for that echo.
func (t *transferManager) complete(xfer *attachmentTransfer, ack *AttachmentProgressPayload) {
	if ack.Attachment != nil {
		t.store.setAttachment(xfer.token, ack.Attachment)
	}
	t.mu.Lock()
	delete(t.transfers, xfer.token)
	t.mu.Unlock()
	t.pipeline.track(xfer.token, xfer.conversationID)
	t.log.Debug().Str("token", xfer.token).Int("chunks", xfer.acked).Msg("Transfer complete")
}

// deliverAck routes an attachment_progress event to its transfer. Returns
// false when no transfer owns the token.
func (t *transferManager) deliverAck(payload *AttachmentProgressPayload) bool {
	t.mu.Lock()
	xfer, ok := t.transfers[payload.CorrelationToken]
	t.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case xfer.ackCh <- payload:
	default:
	}
	return true
}

// abort stops the chunk loop and drops the transfer record. The owning
// message's fate is decided by the caller.
func (t *transferManager) abort(token string) bool {
	t.mu.Lock()
	xfer, ok := t.transfers[token]
	if ok {
		delete(t.transfers, token)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	xfer.cancel()
	return true
}

// cancel is the user-initiated path: stop sending and discard the provisional
// message entirely.
func (t *transferManager) cancelTransfer(token string) error {
	if !t.abort(token) {
		return ErrNoTransfer
	}
	t.pipeline.untrack(token)
	if m := t.store.messageByToken(token); m != nil {
		t.store.removeProvisional(token)
		t.emit(EngineMessageDeleted, m)
	}
	t.log.Debug().Str("token", token).Msg("Transfer cancelled")
	return nil
}

// shutdown aborts every in-flight transfer.
func (t *transferManager) shutdown() {
	t.mu.Lock()
	xfers := make([]*attachmentTransfer, 0, len(t.transfers))
	for token, xfer := range t.transfers {
		xfers = append(xfers, xfer)
		delete(t.transfers, token)
	}
	t.mu.Unlock()
	for _, xfer := range xfers {
		xfer.cancel()
	}
}
