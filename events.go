package electrum

import (
	"sync"

	"github.com/google/uuid"
)

// EventKind tags the Agent's observer-pattern event surface.
type EventKind int

const (
	EventBlock EventKind = iota
	EventTransactionAdded
	EventTransactionMined
	EventSyncing
	EventSynced
	EventClose
)

// BlockEvent accompanies EventBlock.
type BlockEvent struct {
	Header PlainBlockHeader
}

// TransactionEvent accompanies EventTransactionAdded and
// EventTransactionMined; Block is nil for EventTransactionAdded.
type TransactionEvent struct {
	Transaction PlainTransaction
	Block       *PlainBlockHeader
}

// CloseEvent accompanies EventClose, firing at most once per Agent.
type CloseEvent struct {
	Reason error
}

// listener is the internal record behind a registration handle.
type listener struct {
	kind EventKind
	fn   interface{}
}

// eventSinks is a typed observer registry keyed by handle, replacing the
// source's dynamically-keyed event handlers with a single listener table
// keyed by a uuid.UUID handle whose Off() deregisters it; each entry records
// its event kind, and emitters dispatch only to entries of that kind.
//
// Grounded in the uuid-as-handle pattern orbas1-Synnergy uses for entity
// identifiers, applied here to event registrations.
type eventSinks struct {
	mu        sync.Mutex
	listeners map[uuid.UUID]listener
}

func newEventSinks() *eventSinks {
	return &eventSinks{listeners: make(map[uuid.UUID]listener)}
}

func (s *eventSinks) on(kind EventKind, fn interface{}) uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.New()
	s.listeners[id] = listener{kind: kind, fn: fn}
	return id
}

func (s *eventSinks) off(handle uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.listeners, handle)
}

func (s *eventSinks) emitBlock(ev BlockEvent) {
	for _, fn := range s.snapshot(EventBlock) {
		if cb, ok := fn.(func(BlockEvent)); ok {
			cb(ev)
		}
	}
}

func (s *eventSinks) emitTransaction(kind EventKind, ev TransactionEvent) {
	for _, fn := range s.snapshot(kind) {
		if cb, ok := fn.(func(TransactionEvent)); ok {
			cb(ev)
		}
	}
}

func (s *eventSinks) emitSimple(kind EventKind) {
	for _, fn := range s.snapshot(kind) {
		if cb, ok := fn.(func()); ok {
			cb()
		}
	}
}

func (s *eventSinks) emitClose(ev CloseEvent) {
	for _, fn := range s.snapshot(EventClose) {
		if cb, ok := fn.(func(CloseEvent)); ok {
			cb(ev)
		}
	}
}

func (s *eventSinks) snapshot(kind EventKind) []interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []interface{}
	for _, l := range s.listeners {
		if l.kind == kind {
			out = append(out, l.fn)
		}
	}
	return out
}
