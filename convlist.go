package talkweave

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// ErrUnknownConversation is returned when an operation targets a conversation
// outside the active set.
var ErrUnknownConversation = errors.New("talkweave: unknown conversation")

// conversationFetcher is the slice of the REST client the reconciler needs to
// resolve conversations it has never seen.
type conversationFetcher interface {
	GetConversation(ctx context.Context, id string) (*Conversation, error)
}

// ============================================================================
// Conversation List Reconciler
// ============================================================================

// listReconciler maintains the ordered conversation summary list: pinned
// conversations first, each group sorted by last activity, newest first.
// Events for conversations outside the active set trigger an out-of-band
// fetch, collapsed under singleflight so a burst of messages for one new
// conversation fetches it once.
type listReconciler struct {
	store    *memoryStore
	fetcher  conversationFetcher
	joinRoom func(ctx context.Context, conversationID string)
	emit     func(event string, payload interface{})
	selfID   func() string
	log      zerolog.Logger

	group singleflight.Group

	mu     sync.Mutex
	openID string
}

func newListReconciler(store *memoryStore, fetcher conversationFetcher, joinRoom func(context.Context, string), emit func(string, interface{}), selfID func() string, log zerolog.Logger) *listReconciler {
	return &listReconciler{
		store:    store,
		fetcher:  fetcher,
		joinRoom: joinRoom,
		emit:     emit,
		selfID:   selfID,
		log:      log.With().Str("component", "convlist").Logger(),
	}
}

// list returns the conversations in display order.
func (r *listReconciler) list() []*Conversation {
	out := r.store.conversationList()
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Pinned != out[j].Pinned {
			return out[i].Pinned
		}
		return out[i].LastActivity.After(out[j].LastActivity)
	})
	return out
}

// openConversation reports the currently open conversation, if any.
func (r *listReconciler) openConversation() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.openID
}

// touch updates a conversation's summary for a new canonical message. The
// unread counter advances only for messages from others in conversations not
// currently open.
func (r *listReconciler) touch(m *Message) {
	r.mu.Lock()
	open := r.openID == m.ConversationID
	r.mu.Unlock()
	countUnread := !open && m.SenderID != r.selfID()

	ok := r.store.updateConversation(m.ConversationID, func(conv *Conversation) {
		conv.Preview = previewOf(m)
		if m.CreatedAt.After(conv.LastActivity) {
			conv.LastActivity = m.CreatedAt
		}
		if countUnread {
			conv.UnreadCount++
		}
	})
	if !ok {
		return
	}
	r.changed()
}

func previewOf(m *Message) string {
	switch {
	case m.Deleted:
		return ""
	case m.Body != "":
		return m.Body
	case m.Attachment != nil:
		return "\U0001F4CE " + m.Attachment.FileName
	default:
		return ""
	}
}

// ensure resolves a conversation that may not be in the active set yet. A
// miss fetches the full record, inserts it, and joins its room; concurrent
// misses for the same id share one fetch.
func (r *listReconciler) ensure(ctx context.Context, conversationID string) (*Conversation, error) {
	if conv := r.store.conversation(conversationID); conv != nil {
		return conv, nil
	}
	v, err, _ := r.group.Do(conversationID, func() (interface{}, error) {
		if conv := r.store.conversation(conversationID); conv != nil {
			return conv, nil
		}
		conv, err := r.fetcher.GetConversation(ctx, conversationID)
		if err != nil {
			return nil, fmt.Errorf("fetch conversation %s: %w", conversationID, err)
		}
		r.store.upsertConversation(conv)
		r.joinRoom(ctx, conversationID)
		r.log.Debug().Str("conversation_id", conversationID).Msg("Adopted new conversation")
		r.changed()
		return conv, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Conversation), nil
}

// setPinned toggles a conversation's pinned flag and re-sorts.
func (r *listReconciler) setPinned(conversationID string, pinned bool) error {
	toggled := false
	ok := r.store.updateConversation(conversationID, func(conv *Conversation) {
		if conv.Pinned != pinned {
			conv.Pinned = pinned
			toggled = true
		}
	})
	if !ok {
		return ErrUnknownConversation
	}
	if toggled {
		r.changed()
	}
	return nil
}

// open marks a conversation as the one on screen and clears its unread count.
func (r *listReconciler) open(conversationID string) error {
	cleared := false
	ok := r.store.updateConversation(conversationID, func(conv *Conversation) {
		if conv.UnreadCount != 0 {
			conv.UnreadCount = 0
			cleared = true
		}
	})
	if !ok {
		return ErrUnknownConversation
	}
	r.mu.Lock()
	r.openID = conversationID
	r.mu.Unlock()
	if cleared {
		r.changed()
	}
	return nil
}

// close clears the open selection if it is the given conversation.
func (r *listReconciler) close(conversationID string) {
	r.mu.Lock()
	if r.openID == conversationID {
		r.openID = ""
	}
	r.mu.Unlock()
}

// remove drops a conversation and its timeline from the active set. If it
// was open, the selection is cleared.
func (r *listReconciler) remove(conversationID string) bool {
	if !r.store.removeConversation(conversationID) {
		return false
	}
	r.store.dropTimeline(conversationID)
	r.close(conversationID)
	r.changed()
	return true
}

// reset clears the open selection. Used on identity teardown; the backing
// conversation set is reset by the store.
func (r *listReconciler) reset() {
	r.mu.Lock()
	r.openID = ""
	r.mu.Unlock()
}

func (r *listReconciler) changed() {
	r.emit(EngineListChanged, r.list())
}
