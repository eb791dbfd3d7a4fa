package talkweave

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Test Helpers
// ============================================================================

const testSelfID = "user-self"

// fakeSender records commands instead of writing to a websocket.
type fakeSender struct {
	mu   sync.Mutex
	cmds []*Command
	sent chan *Command
	err  error
}

func newFakeSender() *fakeSender {
	return &fakeSender{sent: make(chan *Command, 64)}
}

func (f *fakeSender) Send(_ context.Context, cmd *Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.cmds = append(f.cmds, cmd)
	select {
	case f.sent <- cmd:
	default:
	}
	return nil
}

func (f *fakeSender) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeSender) commands() []*Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Command, len(f.cmds))
	copy(out, f.cmds)
	return out
}

func (f *fakeSender) commandsOfType(cmdType string) []*Command {
	var out []*Command
	for _, c := range f.commands() {
		if c.Type == cmdType {
			out = append(out, c)
		}
	}
	return out
}

// waitCommand blocks until the next command of the given type goes out.
func (f *fakeSender) waitCommand(t *testing.T, cmdType string) *Command {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case cmd := <-f.sent:
			if cmd.Type == cmdType {
				return cmd
			}
		case <-deadline:
			t.Fatalf("no %s command within deadline", cmdType)
			return nil
		}
	}
}

// fakeFetcher resolves conversations for the list reconciler.
type fakeFetcher struct {
	mu     sync.Mutex
	calls  int
	lookup func(id string) (*Conversation, error)
}

func (f *fakeFetcher) GetConversation(_ context.Context, id string) (*Conversation, error) {
	f.mu.Lock()
	f.calls++
	fn := f.lookup
	f.mu.Unlock()
	if fn == nil {
		return &Conversation{ID: id, Kind: KindGroup, Title: "fetched"}, nil
	}
	return fn(id)
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordedEvent struct {
	name    string
	payload any
}

// harness wires the reducers, pipeline, and transfer manager around a fake
// sender so tests drive the inbound path directly.
type harness struct {
	sender    *fakeSender
	fetcher   *fakeFetcher
	store     *memoryStore
	ledger    *statusLedger
	presence  *presenceTracker
	pipeline  *outboundPipeline
	transfers *transferManager
	list      *listReconciler
	router    *eventRouter

	mu     sync.Mutex
	events []recordedEvent
	joins  []string
}

func newHarness(config *Config) *harness {
	if config == nil {
		config = &Config{}
	}
	cfg := *config
	cfg.defaults()
	if config.AckTimeout == 0 {
		cfg.AckTimeout = time.Minute
	}

	log := zerolog.Nop()
	h := &harness{
		sender:  newFakeSender(),
		fetcher: &fakeFetcher{},
		store:   newMemoryStore(),
		ledger:  newStatusLedger(log),
	}
	h.presence = newPresenceTracker(cfg.TypingTTL)
	selfID := func() string { return testSelfID }
	h.pipeline = newOutboundPipeline(h.sender, h.store, h.emit, cfg.AckTimeout, selfID, log)
	h.transfers = newTransferManager(h.sender, h.pipeline, h.store, h.emit, &cfg, selfID, log)
	h.list = newListReconciler(h.store, h.fetcher, h.joinRoom, h.emit, selfID, log)
	h.router = newEventRouter(h.store, h.pipeline, h.transfers, h.ledger, h.presence, h.list, h.emit, selfID, log)
	return h
}

func (h *harness) emit(event string, payload any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, recordedEvent{name: event, payload: payload})
}

func (h *harness) joinRoom(_ context.Context, conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.joins = append(h.joins, conversationID)
}

func (h *harness) eventsNamed(name string) []recordedEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []recordedEvent
	for _, e := range h.events {
		if e.name == name {
			out = append(out, e)
		}
	}
	return out
}

// waitEvent polls for an event emitted from a background goroutine.
func (h *harness) waitEvent(t *testing.T, name string) recordedEvent {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if evs := h.eventsNamed(name); len(evs) > 0 {
			return evs[len(evs)-1]
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no %s event within deadline", name)
	return recordedEvent{}
}

// push feeds one inbound event through the router, the way the read loop
// does.
func (h *harness) push(t *testing.T, eventType string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	h.router.handle(context.Background(), Envelope{Type: eventType, Payload: raw})
}

// seedConversation puts a conversation in the active set.
func (h *harness) seedConversation(id string, pinned bool, lastActivity time.Time) *Conversation {
	conv := &Conversation{
		ID:           id,
		Kind:         KindGroup,
		Title:        id,
		Pinned:       pinned,
		LastActivity: lastActivity,
		Members: []Member{
			{UserID: testSelfID, Username: "self"},
			{UserID: "user-peer", Username: "peer"},
		},
	}
	h.store.upsertConversation(conv)
	return conv
}
