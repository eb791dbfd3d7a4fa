package talkweave

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// presenceTracker stores presence records and remote typing signals. Typing
// signals self-expire after a TTL so a lost typing_stop (or an abrupt peer
// disconnect) can never wedge an indicator.
type presenceTracker struct {
	mu       sync.RWMutex
	presence map[string]PresenceRecord
	typing   map[string]map[string]time.Time // conversationID -> userID -> expiresAt
	ttl      time.Duration
	now      func() time.Time
}

func newPresenceTracker(ttl time.Duration) *presenceTracker {
	return &presenceTracker{
		presence: make(map[string]PresenceRecord),
		typing:   make(map[string]map[string]time.Time),
		ttl:      ttl,
		now:      time.Now,
	}
}

// setOnline and setOffline replace the user's record wholesale: each event
// carries the full current fact.
func (p *presenceTracker) setOnline(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.presence[userID] = PresenceRecord{UserID: userID, Online: true}
}

func (p *presenceTracker) setOffline(userID string, lastSeen time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.presence[userID] = PresenceRecord{UserID: userID, Online: false, LastSeen: lastSeen}
	// A user who dropped off the channel cannot still be typing.
	for _, sigs := range p.typing {
		delete(sigs, userID)
	}
}

// reset drops all presence records and typing signals. Used on identity
// teardown.
func (p *presenceTracker) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.presence = make(map[string]PresenceRecord)
	p.typing = make(map[string]map[string]time.Time)
}

func (p *presenceTracker) record(userID string) (PresenceRecord, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	r, ok := p.presence[userID]
	return r, ok
}

func (p *presenceTracker) onlineUsers() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []string
	for id, r := range p.presence {
		if r.Online {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// typingStart records or refreshes a remote typing signal with a fresh TTL.
func (p *presenceTracker) typingStart(conversationID, userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sigs := p.typing[conversationID]
	if sigs == nil {
		sigs = make(map[string]time.Time)
		p.typing[conversationID] = sigs
	}
	sigs[userID] = p.now().Add(p.ttl)
}

func (p *presenceTracker) typingStop(conversationID, userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.typing[conversationID], userID)
}

// typingUsersIn returns users currently typing in a conversation, pruning
// expired signals as it goes.
func (p *presenceTracker) typingUsersIn(conversationID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	var out []string
	for userID, expires := range p.typing[conversationID] {
		if now.Before(expires) {
			out = append(out, userID)
		} else {
			delete(p.typing[conversationID], userID)
		}
	}
	sort.Strings(out)
	return out
}

// sweep prunes every expired typing signal. Run on a timer so indicators
// clear even without queries.
func (p *presenceTracker) sweep() {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	for conv, sigs := range p.typing {
		for userID, expires := range sigs {
			if !now.Before(expires) {
				delete(sigs, userID)
			}
		}
		if len(sigs) == 0 {
			delete(p.typing, conv)
		}
	}
}

// ============================================================================
// Local typing emitter
// ============================================================================

// typingEmitter debounces the local user's keystrokes into at most one
// typing_start per throttle window, followed by a typing_stop after an idle
// period with no further input.
type typingEmitter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	timers   map[string]*time.Timer
	throttle time.Duration
	idle     time.Duration
	send     func(cmdType, conversationID string)
}

func newTypingEmitter(throttle, idle time.Duration, send func(cmdType, conversationID string)) *typingEmitter {
	return &typingEmitter{
		limiters: make(map[string]*rate.Limiter),
		timers:   make(map[string]*time.Timer),
		throttle: throttle,
		idle:     idle,
		send:     send,
	}
}

// keystroke is called on every local input event in a conversation.
func (t *typingEmitter) keystroke(conversationID string) {
	t.mu.Lock()
	lim := t.limiters[conversationID]
	if lim == nil {
		lim = rate.NewLimiter(rate.Every(t.throttle), 1)
		t.limiters[conversationID] = lim
	}
	emit := lim.Allow()

	if timer := t.timers[conversationID]; timer != nil {
		timer.Stop()
	}
	t.timers[conversationID] = time.AfterFunc(t.idle, func() {
		t.stop(conversationID)
	})
	t.mu.Unlock()

	if emit {
		t.send(CmdTypingStart, conversationID)
	}
}

// stop emits typing_stop and resets the throttle so the next keystroke emits
// a fresh typing_start immediately.
func (t *typingEmitter) stop(conversationID string) {
	t.mu.Lock()
	if timer := t.timers[conversationID]; timer != nil {
		timer.Stop()
		delete(t.timers, conversationID)
	}
	delete(t.limiters, conversationID)
	t.mu.Unlock()

	t.send(CmdTypingStop, conversationID)
}

// shutdown cancels all pending idle timers without emitting stop signals.
func (t *typingEmitter) shutdown() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, timer := range t.timers {
		timer.Stop()
		delete(t.timers, id)
	}
}

// runTypingSweeper expires remote typing signals on an interval until the
// context is cancelled.
func runTypingSweeper(ctx context.Context, p *presenceTracker, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}
