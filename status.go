package talkweave

import (
	"sync"

	"github.com/rs/zerolog"
)

type statusKey struct {
	messageID   string
	recipientID string
}

// statusLedger tracks per-message, per-recipient delivery state. For a fixed
// (message, recipient) pair the state is monotonically non-decreasing in the
// order sent < delivered < read; stale updates are dropped.
type statusLedger struct {
	mu      sync.RWMutex
	records map[statusKey]string
	log     zerolog.Logger
}

func newStatusLedger(log zerolog.Logger) *statusLedger {
	return &statusLedger{
		records: make(map[statusKey]string),
		log:     log.With().Str("component", "status_ledger").Logger(),
	}
}

// apply records a new delivery state. Returns true if the record advanced,
// false if the update was unknown, stale or a duplicate.
func (l *statusLedger) apply(messageID, recipientID, state string) bool {
	rank, ok := statusRank[state]
	if !ok {
		l.log.Warn().Str("state", state).Str("message_id", messageID).
			Msg("Dropping status update with unknown state")
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	key := statusKey{messageID, recipientID}
	if cur, ok := l.records[key]; ok && statusRank[cur] >= rank {
		if statusRank[cur] > rank {
			l.log.Debug().Str("message_id", messageID).Str("recipient_id", recipientID).
				Str("have", cur).Str("got", state).
				Msg("Dropping out-of-order status regression")
		}
		return false
	}
	l.records[key] = state
	return true
}

// reset drops all records. Used on identity teardown.
func (l *statusLedger) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = make(map[statusKey]string)
}

// stateFor returns the recorded state for a (message, recipient) pair, or ""
// if none exists yet.
func (l *statusLedger) stateFor(messageID, recipientID string) string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.records[statusKey{messageID, recipientID}]
}

// statesFor returns every recipient's recorded state for a message, so the
// UI can render single/double/colored check marks.
func (l *statusLedger) statesFor(messageID string) map[string]string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]string)
	for k, v := range l.records {
		if k.messageID == messageID {
			out[k.recipientID] = v
		}
	}
	return out
}

// aggregateFor returns the lowest state across all recipients of a message:
// the message is only "read" once every tracked recipient has read it.
// Returns "" when no recipient is tracked.
func (l *statusLedger) aggregateFor(messageID string) string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	lowest := ""
	for k, v := range l.records {
		if k.messageID != messageID {
			continue
		}
		if lowest == "" || statusRank[v] < statusRank[lowest] {
			lowest = v
		}
	}
	return lowest
}

// unreadBy returns the message ids among candidates whose state for the given
// recipient has not yet reached read.
func (l *statusLedger) unreadBy(recipientID string, candidates []string) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []string
	for _, id := range candidates {
		if l.records[statusKey{id, recipientID}] != StatusRead {
			out = append(out, id)
		}
	}
	return out
}

func (l *statusLedger) forget(messageID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for k := range l.records {
		if k.messageID == messageID {
			delete(l.records, k)
		}
	}
}
