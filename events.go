package talkweave

import "sync"

// Engine-level event names surfaced to the rendering layer.
const (
	EngineMessageCreated    = "message.created"
	EngineMessageReconciled = "message.reconciled"
	EngineMessageUpdated    = "message.updated"
	EngineMessageDeleted    = "message.deleted"
	EngineMessageFailed     = "message.failed"
	EngineStatusChanged     = "status.changed"
	EnginePresenceChanged   = "presence.changed"
	EngineTypingChanged     = "typing.changed"
	EngineListChanged       = "list.changed"
	EngineTransferProgress  = "transfer.progress"
	EngineError             = "error"
)

// EventHandler receives engine events. The payload type depends on the event:
// *Message for message.* events, PresenceRecord for presence.changed, and so
// on.
type EventHandler func(event string, payload any)

// Subscription is a handle returned by every listener registration. Off
// removes the listener; calling it more than once is a no-op. Handles make
// listener cleanup explicit so reconnect cycles cannot leak callbacks.
type Subscription struct {
	once sync.Once
	off  func()
}

// Off removes the subscribed handler.
func (s *Subscription) Off() {
	if s == nil {
		return
	}
	s.once.Do(s.off)
}

type eventEmitter struct {
	mu     sync.RWMutex
	nextID int
	exact  map[string]map[int]EventHandler
	all    map[int]EventHandler
}

func newEventEmitter() *eventEmitter {
	return &eventEmitter{
		exact: make(map[string]map[int]EventHandler),
		all:   make(map[int]EventHandler),
	}
}

// on registers a handler for one event name.
func (e *eventEmitter) on(event string, h EventHandler) *Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := e.nextID
	if e.exact[event] == nil {
		e.exact[event] = make(map[int]EventHandler)
	}
	e.exact[event][id] = h
	return &Subscription{off: func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.exact[event], id)
	}}
}

// onAny registers a handler for every event.
func (e *eventEmitter) onAny(h EventHandler) *Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := e.nextID
	e.all[id] = h
	return &Subscription{off: func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.all, id)
	}}
}

// emit invokes matching handlers. Panics in user callbacks are swallowed so a
// broken handler cannot halt event processing.
func (e *eventEmitter) emit(event string, payload any) {
	e.mu.RLock()
	handlers := make([]EventHandler, 0, len(e.exact[event])+len(e.all))
	for _, h := range e.exact[event] {
		handlers = append(handlers, h)
	}
	for _, h := range e.all {
		handlers = append(handlers, h)
	}
	e.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() { recover() }()
			h(event, payload)
		}()
	}
}

func (e *eventEmitter) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.exact = make(map[string]map[int]EventHandler)
	e.all = make(map[int]EventHandler)
}
