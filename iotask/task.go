// Package iotask runs the long-lived goroutine that owns a session's TLS
// stream: it multiplexes two rate-limited outgoing lanes onto the
// connection, drives the client and server heartbeat timers, hands incoming
// frames to a processor.Processor, and reconnects automatically on
// transient failure.
package iotask

import (
	"context"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"gwsession/gwevent"
	"gwsession/processor"
	"gwsession/ratelimit"
	"gwsession/wire"
)

type state int

const (
	stateDisconnected state = iota
	stateConnected
	stateHalted
)

// Task is the I/O task. Exactly one goroutine (Run) drives its state
// machine and is the sole reader/writer of the underlying connection.
type Task struct {
	opts Options

	general    *ratelimit.Queue[*gwevent.Request]
	historical *ratelimit.Queue[*gwevent.Request]
	proc       *processor.Processor

	state state
	conn  net.Conn

	cancel     chan struct{}
	cancelOnce sync.Once

	firstConnect     chan struct{}
	firstConnectOnce sync.Once

	done chan struct{}
}

// New constructs a Task. Run must be started in its own goroutine before
// the queues are of any use.
func New(opts Options, general, historical *ratelimit.Queue[*gwevent.Request]) *Task {
	return &Task{
		opts:         opts,
		general:      general,
		historical:   historical,
		proc:         processor.New(),
		state:        stateDisconnected,
		cancel:       make(chan struct{}),
		firstConnect: make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Events returns the processor's event stream: unsolicited messages and
// connection-state transitions. Stable across reconnects.
func (t *Task) Events() <-chan gwevent.Event {
	return t.proc.Events()
}

// FirstConnect resolves once the first successful connection is made, or
// never if the task halts before one occurs — callers should select
// alongside Done().
func (t *Task) FirstConnect() <-chan struct{} {
	return t.firstConnect
}

// Done closes once Run has returned.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Cancel requests a clean shutdown. Safe to call more than once and from
// any goroutine.
func (t *Task) Cancel() {
	t.cancelOnce.Do(func() { close(t.cancel) })
}

// Cancelled reports whether Cancel has been called, so a caller whose
// in-flight request was abandoned can tell a deliberate shutdown apart
// from an unexpected disconnect.
func (t *Task) Cancelled() bool {
	select {
	case <-t.cancel:
		return true
	default:
		return false
	}
}

// Run drives the state machine until halted or cancelled. Call it in its
// own goroutine; Done() reports completion.
func (t *Task) Run() {
	defer close(t.done)
	defer t.proc.Close()

	for {
		switch t.state {
		case stateHalted:
			return
		case stateDisconnected:
			if err := t.tryConnect(); err != nil {
				log.Printf("iotask: connect failed: %v", err)
				if !t.opts.AutomaticConnect {
					t.state = stateHalted
					continue
				}
				select {
				case <-time.After(t.opts.ConnectRetryDelay):
				case <-t.cancel:
					t.state = stateHalted
				}
				continue
			}
			t.firstConnectOnce.Do(func() { close(t.firstConnect) })
			t.proc.OnConnected()
		case stateConnected:
			t.runConnected()
		}
	}
}

func (t *Task) tryConnect() error {
	ctx, cancel := context.WithTimeout(context.Background(), t.opts.ConnectTimeout)
	defer cancel()

	conn, err := dialTLS(ctx, t.opts)
	if err != nil {
		return err
	}
	t.conn = conn
	t.state = stateConnected
	return nil
}

type readResult struct {
	msg *wire.Message
	err error
}

// runConnected executes the inner select loop for exactly one connection
// lifetime: it reads frames, drains the two outgoing lanes under their
// rate limits, drives both heartbeat timers, and watches the cancel
// signal. Any error or a cancellation tears the connection down and
// returns control to Run's outer loop.
func (t *Task) runConnected() {
	conn := t.conn
	frames := make(chan readResult, 1)
	readerStop := make(chan struct{})
	go t.readFrames(conn, frames, readerStop)
	defer close(readerStop)

	clientTimer := time.NewTimer(t.clientHeartbeatDelay())
	defer clientTimer.Stop()
	serverTimer := time.NewTimer(t.opts.ServerKeepAlive)
	defer serverTimer.Stop()

	for {
		select {
		case r := <-frames:
			if r.err != nil {
				log.Printf("iotask: read error: %v", r.err)
				t.shutdownConn()
				return
			}
			if err := t.proc.HandleIncoming(r.msg); err != nil {
				log.Printf("iotask: %v", err)
				t.shutdownConn()
				return
			}

		case req, ok := <-t.general.Out():
			if !ok {
				// The lane only closes as part of a full shutdown, which
				// always also closes t.cancel; treat it the same way.
				t.shutdownConn()
				t.state = stateHalted
				return
			}
			if !t.sendRequest(req) {
				t.shutdownConn()
				return
			}
			clientTimer.Reset(t.clientHeartbeatDelay())

		case req, ok := <-t.historical.Out():
			if !ok {
				t.shutdownConn()
				t.state = stateHalted
				return
			}
			if !t.sendRequest(req) {
				t.shutdownConn()
				return
			}
			clientTimer.Reset(t.clientHeartbeatDelay())

		case <-clientTimer.C:
			hb := t.proc.PrepareHeartbeat()
			if !t.writeFrame(hb) {
				t.shutdownConn()
				return
			}
			clientTimer.Reset(t.clientHeartbeatDelay())

		case <-serverTimer.C:
			if t.proc.SinceIncoming() > t.opts.ServerKeepAlive+2*time.Second {
				log.Printf("iotask: server heartbeat watchdog expired")
				t.shutdownConn()
				return
			}
			// The next check falls due ServerKeepAlive after the last incoming
			// frame, or a full ServerKeepAlive from now if that has passed.
			next := t.opts.ServerKeepAlive - t.proc.SinceIncoming()
			if next <= 0 {
				next = t.opts.ServerKeepAlive
			}
			serverTimer.Reset(next)

		case <-t.cancel:
			t.shutdownConn()
			t.state = stateHalted
			return
		}
	}
}

// clientHeartbeatDelay computes the time remaining until the next client
// heartbeat is due, counting from the last frame actually written to the
// wire (of any kind) rather than from now: a request sent a moment ago
// defers the heartbeat by the same amount, so the two never needlessly
// stack. The one-second margin tolerates network jitter without the
// server marking the client dead.
func (t *Task) clientHeartbeatDelay() time.Duration {
	d := t.opts.ClientKeepAlive - t.proc.SinceOutgoing() - time.Second
	if d < 0 {
		d = 0
	}
	return d
}

func (t *Task) sendRequest(req *gwevent.Request) bool {
	msg := t.proc.PrepareOutgoing(req.Message.PayloadType, req.Message.Payload, req.ReplyTo)
	return t.writeFrame(msg)
}

func (t *Task) writeFrame(m *wire.Message) bool {
	if err := wire.EncodeFrame(t.conn, m.Marshal()); err != nil {
		log.Printf("iotask: write error: %v", err)
		return false
	}
	return true
}

func (t *Task) readFrames(conn net.Conn, out chan<- readResult, stop <-chan struct{}) {
	for {
		body, err := wire.DecodeFrame(conn, t.opts.MaxPacketLen)
		if err != nil {
			out <- readResult{err: err}
			return
		}
		msg, err := wire.Unmarshal(body)
		if err != nil {
			out <- readResult{err: err}
			return
		}
		select {
		case out <- readResult{msg: msg}:
		case <-stop:
			return
		}
	}
}

// shutdownConn tears down the current connection: it clears the connected
// state, announces the disconnect, and closes the socket. The
// pending-request table is not explicitly drained here — the processor's
// own OnDisconnected call does that by closing each reply channel.
func (t *Task) shutdownConn() {
	t.state = stateDisconnected
	t.proc.OnDisconnected()
	if t.conn != nil {
		if err := t.conn.Close(); err != nil && err != io.EOF {
			log.Printf("iotask: error closing connection: %v", err)
		}
		t.conn = nil
	}
}
