// Package processor implements the session's protocol bookkeeping: minting
// correlation ids, matching incoming replies to the request that asked for
// them, tracking liveness for the heartbeat watchdog, and fanning unsolicited
// messages and connection-state transitions out to subscribers.
//
// A Processor is owned exclusively by the I/O task goroutine — every method
// that touches the pending-request table is called from that one goroutine,
// so the table itself needs no lock. The event fan-out is the one part
// observed from other goroutines (the connection facade's Listen), and it is
// backed by an unbounded queue for exactly that reason.
package processor

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"gwsession/gwerrors"
	"gwsession/gwevent"
	"gwsession/internal/unbounded"
	"gwsession/wire"
)

// Processor tracks in-flight requests and connection liveness for the whole
// lifetime of an I/O task, surviving reconnects so its Events channel stays
// a stable handle for subscribers. The I/O task owns the heartbeat timers
// and the watchdog threshold; Processor only maintains the two clocks they
// are compared against.
type Processor struct {
	pending map[string]chan gwevent.Response

	lastMu       sync.Mutex
	lastIncoming time.Time
	lastOutgoing time.Time

	events *eventBus
}

// New creates a Processor.
func New() *Processor {
	return &Processor{
		pending: make(map[string]chan gwevent.Response),
		events:  newEventBus(),
	}
}

// Events returns the channel of unsolicited messages and connection-state
// transitions. It is safe to read from a different goroutine than the one
// driving the rest of the Processor.
func (p *Processor) Events() <-chan gwevent.Event {
	return p.events.out
}

// Close tears down the event fan-out. Call once the I/O task has fully
// stopped driving this Processor.
func (p *Processor) Close() {
	p.events.close()
}

// PrepareOutgoing mints a wire message for payload. When replyTo is
// non-nil, a fresh correlation id is minted and stamped into the message,
// and replyTo is registered under it directly — the channel HandleIncoming
// or OnDisconnected will eventually deliver to or close is the caller's own
// channel, not an intermediate. A nil replyTo produces a fire-and-forget
// message with no correlation id (PostMessage and friends).
func (p *Processor) PrepareOutgoing(payloadType uint32, payload []byte, replyTo chan gwevent.Response) *wire.Message {
	p.touchOutgoing()

	if replyTo == nil {
		return &wire.Message{PayloadType: payloadType, Payload: payload}
	}

	id := p.createUniqueID()
	p.pending[id] = replyTo
	return &wire.Message{PayloadType: payloadType, Payload: payload, ClientMsgID: id}
}

// PrepareHeartbeat builds the client keep-alive frame and records that an
// outgoing frame was sent, so the client heartbeat timer can be reset from
// the same clock used everywhere else.
func (p *Processor) PrepareHeartbeat() *wire.Message {
	p.touchOutgoing()
	return wire.Heartbeat()
}

// HandleIncoming routes a decoded wire message: a server heartbeat only
// updates the liveness clock; an unsolicited transport error fails the
// connection outright; a correlated reply (including one carrying an
// application-error payload) completes the matching pending request;
// anything else is fanned out as an unsolicited event. A missing
// correlation-id match (a late reply after the caller's own timeout) is
// logged and dropped — there is nothing left to deliver it to.
func (p *Processor) HandleIncoming(m *wire.Message) error {
	p.touchIncoming()

	if m.PayloadType == wire.PayloadTypeHeartbeat {
		return nil
	}

	if m.HasCorrelationID() {
		if ch, ok := p.pending[m.ClientMsgID]; ok {
			delete(p.pending, m.ClientMsgID)
			ch <- gwevent.MessageResponse(m)
			close(ch)
		} else {
			log.Printf("processor: no pending request for client_msg_id %q (payload_type %d), dropping", m.ClientMsgID, m.PayloadType)
		}
		return nil
	}

	if m.PayloadType == wire.PayloadTypeTransportError {
		return gwerrors.TransportError
	}

	p.events.push(gwevent.MessageEvent(m))
	return nil
}

// OnConnected resets the liveness clocks and announces the transition.
func (p *Processor) OnConnected() {
	now := time.Now()
	p.lastMu.Lock()
	p.lastIncoming = now
	p.lastOutgoing = now
	p.lastMu.Unlock()

	p.events.push(gwevent.ControlEvent(gwevent.Connected))
}

// OnDisconnected announces the transition and abandons every pending
// request by closing its reply channel with no value sent. A caller
// blocked on that channel wakes immediately; the facade converts the
// resulting zero-value, closed-channel read into gwerrors.TransportError
// (or gwerrors.Cancelled when shutdown was requested), so no per-entry
// synthetic error needs to travel through the channel itself.
func (p *Processor) OnDisconnected() {
	p.events.push(gwevent.ControlEvent(gwevent.Disconnected))

	for id, ch := range p.pending {
		delete(p.pending, id)
		close(ch)
	}
}

// SinceIncoming reports how long it has been since the last frame (of any
// kind) was read from the wire. The I/O task's server-heartbeat watchdog
// uses this to decide a connection is dead.
func (p *Processor) SinceIncoming() time.Duration {
	p.lastMu.Lock()
	defer p.lastMu.Unlock()
	return time.Since(p.lastIncoming)
}

// SinceOutgoing reports how long it has been since the last frame was
// written to the wire. The I/O task's client-heartbeat timer uses this to
// avoid sending a redundant heartbeat right after other traffic.
func (p *Processor) SinceOutgoing() time.Duration {
	p.lastMu.Lock()
	defer p.lastMu.Unlock()
	return time.Since(p.lastOutgoing)
}

func (p *Processor) touchIncoming() {
	p.lastMu.Lock()
	p.lastIncoming = time.Now()
	p.lastMu.Unlock()
}

func (p *Processor) touchOutgoing() {
	p.lastMu.Lock()
	p.lastOutgoing = time.Now()
	p.lastMu.Unlock()
}

func (p *Processor) createUniqueID() string {
	return uuid.NewString()
}

// eventBus forwards pushed events to a channel without ever blocking the
// pusher, decoupling the I/O task's read loop from however fast (or slow)
// the subscriber drains Listen.
type eventBus struct {
	backlog *unbounded.Queue[gwevent.Event]
	out     chan gwevent.Event
	ctx     context.Context
	cancel  context.CancelFunc
}

func newEventBus() *eventBus {
	ctx, cancel := context.WithCancel(context.Background())
	b := &eventBus{
		backlog: unbounded.New[gwevent.Event](),
		out:     make(chan gwevent.Event),
		ctx:     ctx,
		cancel:  cancel,
	}
	go b.pump()
	return b
}

func (b *eventBus) push(e gwevent.Event) {
	b.backlog.Push(e)
}

func (b *eventBus) close() {
	b.backlog.Close()
	b.cancel()
}

func (b *eventBus) pump() {
	defer close(b.out)
	for {
		item, ok := b.backlog.Pop(b.ctx)
		if !ok {
			return
		}
		select {
		case b.out <- item:
		case <-b.ctx.Done():
			return
		}
	}
}
