package talkweave

import "sync"

// roomTracker reference-counts conversation room membership so two open views
// of the same conversation share one join, and closing one view never leaves
// the room for the other. The transport does not preserve membership across
// reconnects; active() drives the replay.
type roomTracker struct {
	mu   sync.Mutex
	refs map[string]int
}

func newRoomTracker() *roomTracker {
	return &roomTracker{refs: make(map[string]int)}
}

// join increments the refcount and reports whether this was the first
// reference, i.e. a join_room should go on the wire.
func (r *roomTracker) join(conversationID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refs[conversationID]++
	return r.refs[conversationID] == 1
}

// leave decrements the refcount and reports whether the last reference is
// gone, i.e. a leave_room should go on the wire.
func (r *roomTracker) leave(conversationID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.refs[conversationID]
	if !ok {
		return false
	}
	if n <= 1 {
		delete(r.refs, conversationID)
		return true
	}
	r.refs[conversationID] = n - 1
	return false
}

// active returns every conversation with a non-zero refcount.
func (r *roomTracker) active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.refs))
	for id := range r.refs {
		out = append(out, id)
	}
	return out
}

// drop removes a conversation's membership regardless of refcount and
// reports whether it was active. Used when exiting a conversation entirely.
func (r *roomTracker) drop(conversationID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.refs[conversationID]
	delete(r.refs, conversationID)
	return ok
}

// reset drops all memberships. Used on identity teardown.
func (r *roomTracker) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refs = make(map[string]int)
}
