package talkweave

import (
	"sync"
	"time"
)

// memoryStore holds the engine's local view: per-conversation ordered
// timelines plus the active conversation set. Every field write goes through
// a method holding the lock, so UI-side queries can read snapshots from any
// goroutine. Snapshot methods return copies; the identity-preserving
// accessors (messagesIn, conversation) hand out live records and are for the
// serial event path.
type memoryStore struct {
	mu            sync.RWMutex
	timelines     map[string][]*Message // conversationID -> arrival order
	canonical     map[string]*Message   // canonical id -> message
	provisional   map[string]*Message   // correlation token -> unresolved message
	conversations map[string]*Conversation
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		timelines:     make(map[string][]*Message),
		canonical:     make(map[string]*Message),
		provisional:   make(map[string]*Message),
		conversations: make(map[string]*Conversation),
	}
}

// reset drops everything. Used on identity teardown so one user's timelines
// never survive into another user's session.
func (s *memoryStore) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timelines = make(map[string][]*Message)
	s.canonical = make(map[string]*Message)
	s.provisional = make(map[string]*Message)
	s.conversations = make(map[string]*Conversation)
}

// ── Messages ─────────────────────────────────────────────

// appendMessage inserts a message at the end of its conversation timeline and
// indexes it by canonical id or correlation token.
func (s *memoryStore) appendMessage(m *Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timelines[m.ConversationID] = append(s.timelines[m.ConversationID], m)
	if m.ID != "" {
		s.canonical[m.ID] = m
	} else if m.ProvisionalID != "" {
		s.provisional[m.ProvisionalID] = m
	}
}

func (s *memoryStore) hasCanonical(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.canonical[id]
	return ok
}

func (s *memoryStore) messageByID(id string) *Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.canonical[id]
}

func (s *memoryStore) messageByToken(token string) *Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.provisional[token]
}

// resolveProvisional replaces the provisional record for token with the
// canonical one, in place, preserving its timeline position. Returns false if
// no provisional record with that token exists.
func (s *memoryStore) resolveProvisional(token string, canonical *Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	prov, ok := s.provisional[token]
	if !ok {
		return false
	}
	delete(s.provisional, token)

	// Mutate the existing record so the timeline slot is reused: same
	// position, one visible message.
	prov.ID = canonical.ID
	prov.SenderID = canonical.SenderID
	prov.Body = canonical.Body
	prov.State = MessageSent
	prov.FailReason = ""
	prov.CreatedAt = canonical.CreatedAt
	if canonical.Attachment != nil {
		prov.Attachment = canonical.Attachment
	}
	s.canonical[prov.ID] = prov
	return true
}

// rekeyProvisional moves an unresolved record to a fresh correlation token
// and resets it to the sending state (a resend is a new outbound attempt
// with a new token).
func (s *memoryStore) rekeyProvisional(oldToken, newToken string) *Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.provisional[oldToken]
	if !ok {
		return nil
	}
	delete(s.provisional, oldToken)
	m.ProvisionalID = newToken
	m.State = MessageSending
	m.FailReason = ""
	s.provisional[newToken] = m
	return m
}

// setAttachment folds a canonical attachment reference into an unresolved
// record.
func (s *memoryStore) setAttachment(token string, att *Attachment) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.provisional[token]
	if !ok {
		return false
	}
	m.Attachment = att
	return true
}

// removeProvisional discards an unresolved record entirely (user discard or
// cancelled attachment transfer).
func (s *memoryStore) removeProvisional(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.provisional[token]
	if !ok {
		return false
	}
	delete(s.provisional, token)
	tl := s.timelines[m.ConversationID]
	for i, e := range tl {
		if e == m {
			s.timelines[m.ConversationID] = append(tl[:i:i], tl[i+1:]...)
			break
		}
	}
	return true
}

// markFailed transitions an unresolved record to the failed state. Returns
// nil when the token is unknown or the record already failed; the first
// failure reason wins.
func (s *memoryStore) markFailed(token, reason string) *Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.provisional[token]
	if !ok || m.State == MessageFailed {
		return nil
	}
	m.State = MessageFailed
	m.FailReason = reason
	return m
}

func (s *memoryStore) applyEdit(id, body string, at time.Time) *Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.canonical[id]
	if !ok {
		return nil
	}
	m.Body = body
	m.Edited = true
	m.UpdatedAt = at
	return m
}

func (s *memoryStore) applyDelete(id string) *Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.canonical[id]
	if !ok {
		return nil
	}
	m.Deleted = true
	m.Body = ""
	m.Attachment = nil
	return m
}

// messagesIn returns the live records of one conversation's timeline in a
// fresh slice. For use on the serial event path and in tests that assert on
// record identity.
func (s *memoryStore) messagesIn(conversationID string) []*Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tl := s.timelines[conversationID]
	out := make([]*Message, len(tl))
	copy(out, tl)
	return out
}

// messagesSnapshot returns copies of one conversation's timeline for reads
// outside the event path. Attachment records are immutable once set, so the
// pointer is shared.
func (s *memoryStore) messagesSnapshot(conversationID string) []*Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tl := s.timelines[conversationID]
	out := make([]*Message, 0, len(tl))
	for _, m := range tl {
		cp := *m
		out = append(out, &cp)
	}
	return out
}

// dropTimeline removes a conversation's messages and their indexes.
func (s *memoryStore) dropTimeline(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.timelines[conversationID] {
		if m.ID != "" {
			delete(s.canonical, m.ID)
		}
		if m.ProvisionalID != "" {
			delete(s.provisional, m.ProvisionalID)
		}
	}
	delete(s.timelines, conversationID)
}

// ── Conversations ────────────────────────────────────────

func (s *memoryStore) conversation(id string) *Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conversations[id]
}

func (s *memoryStore) upsertConversation(c *Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[c.ID] = c
}

// updateConversation applies fn to a conversation under the lock. Summary
// and membership writes go through here so they never race with snapshot
// reads. Returns false when the id is unknown.
func (s *memoryStore) updateConversation(id string, fn func(*Conversation)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return false
	}
	fn(c)
	return true
}

// memberOf looks up one member of a conversation.
func (s *memoryStore) memberOf(conversationID, userID string) (Member, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return Member{}, false
	}
	return c.MemberByID(userID)
}

func (s *memoryStore) removeConversation(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[id]; !ok {
		return false
	}
	delete(s.conversations, id)
	return true
}

// conversationList returns copies of the active set so callers can sort and
// read summaries from any goroutine.
func (s *memoryStore) conversationList() []*Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		cp := *c
		cp.Members = append([]Member(nil), c.Members...)
		out = append(out, &cp)
	}
	return out
}
