package session

import (
	"log"
	"sync"

	"gwsession/wire"
)

// EventKind classifies a NotifyEvent by the domain meaning of its
// payload_type, mirroring the variants of client/event.rs's NotifyEvent
// enum. Dispatch on payload_type is a dense integer switch (dispatch
// below), not a virtual table.
type EventKind int

const (
	EventUnknown EventKind = iota
	EventTrailingSLChanged
	EventSymbolChanged
	EventTraderUpdated
	EventExecution
	EventSpot
	EventOrderError
	EventMarginChanged
	EventAccountsTokenInvalidated
	EventClientDisconnect
	EventDepth
	EventMarginCallUpdate
	EventMarginCallTrigger
)

// NotifyEvent is the domain event a Session rebroadcasts to its
// subscribers. Raw always carries the original payload bytes so a caller
// who needs a field this port doesn't parse can decode it directly; the
// cheap fields below (SymbolID, AccountIDs, Reason) are populated only
// for the event kinds that carry them.
type NotifyEvent struct {
	Kind        EventKind
	PayloadType uint32
	Raw         []byte

	SymbolID   int64
	AccountIDs []int64
	Reason     string
}

// dispatch classifies an unsolicited wire message into a NotifyEvent.
// Grounded in client/event.rs's dispatch_event match arms; payload types
// the server uses for transport bookkeeping (heartbeat, transport error,
// correlated application error) never reach here because
// processor.Processor filters them before a message is surfaced as an
// event at all.
func dispatch(m *wire.Message) NotifyEvent {
	ev := NotifyEvent{PayloadType: m.PayloadType, Raw: m.Payload}

	switch m.PayloadType {
	case payloadTypeTrailingSLChanged:
		ev.Kind = EventTrailingSLChanged
	case payloadTypeSymbolChanged:
		ev.Kind = EventSymbolChanged
	case payloadTypeTraderUpdated:
		ev.Kind = EventTraderUpdated
	case payloadTypeExecution:
		ev.Kind = EventExecution
	case payloadTypeSpot:
		ev.Kind = EventSpot
		if parsed, err := parseSpotOrDepthEvent(m.Payload); err == nil {
			ev.SymbolID = parsed.SymbolID
		}
	case payloadTypeOrderError:
		ev.Kind = EventOrderError
	case payloadTypeMarginChanged:
		ev.Kind = EventMarginChanged
	case payloadTypeAccountsTokenInvalid:
		ev.Kind = EventAccountsTokenInvalidated
		if parsed, err := parseAccountsTokenInvalidated(m.Payload); err == nil {
			ev.AccountIDs = parsed.AccountIDs
			ev.Reason = parsed.Reason
		}
	case payloadTypeClientDisconnect:
		ev.Kind = EventClientDisconnect
	case payloadTypeDepth:
		ev.Kind = EventDepth
		if parsed, err := parseSpotOrDepthEvent(m.Payload); err == nil {
			ev.SymbolID = parsed.SymbolID
		}
	case payloadTypeMarginCallUpdate:
		ev.Kind = EventMarginCallUpdate
	case payloadTypeMarginCallTrigger:
		ev.Kind = EventMarginCallTrigger
	default:
		log.Printf("session: unknown notify event payload_type %d", m.PayloadType)
	}
	return ev
}

// broadcastBuffer bounds how many undelivered events a single slow
// subscriber can accumulate before new ones are dropped for it. There is
// no ecosystem pub-sub library anywhere in the retrieval pack to build
// this on, so it is a small hand-rolled fan-out in the same spirit as
// processor's own eventBus.
const broadcastBuffer = 64

// broadcaster fans a NotifyEvent out to any number of subscribers,
// preserving per-subscriber FIFO order. A subscriber whose channel is
// full has the event dropped for it (logged) rather than stalling
// delivery to every other subscriber.
type broadcaster struct {
	mu   sync.Mutex
	subs map[chan NotifyEvent]struct{}
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[chan NotifyEvent]struct{})}
}

func (b *broadcaster) Subscribe() chan NotifyEvent {
	ch := make(chan NotifyEvent, broadcastBuffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *broadcaster) Unsubscribe(ch chan NotifyEvent) {
	b.mu.Lock()
	delete(b.subs, ch)
	b.mu.Unlock()
	close(ch)
}

func (b *broadcaster) publish(ev NotifyEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
			log.Printf("session: subscriber channel full, dropping event payload_type %d", ev.PayloadType)
		}
	}
}

func (b *broadcaster) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
}
