// Package connection exposes the small facade callers drive directly:
// Connect, Shutdown, the four request/post operations split across the
// general and historical lanes, and Listen for unsolicited events. It owns
// no protocol state itself — that all lives in the iotask.Task it spawns
// and joins.
package connection

import (
	"context"
	"fmt"
	"sync"

	"gwsession/gwerrors"
	"gwsession/gwevent"
	"gwsession/iotask"
	"gwsession/ratelimit"
	"gwsession/wire"
)

// Connection is a single TLS session to the gateway: one I/O task, two
// rate-limited outgoing lanes, and the event stream it produces.
type Connection struct {
	opts iotask.Options

	general    *ratelimit.Queue[*gwevent.Request]
	historical *ratelimit.Queue[*gwevent.Request]

	mu    sync.Mutex
	task  *iotask.Task
	wg    sync.WaitGroup
	state bool // true once Connect has spawned a task
}

// New constructs a Connection from its I/O options. It holds no socket
// until Connect is called.
func New(opts iotask.Options) *Connection {
	return &Connection{
		opts:       opts,
		general:    ratelimit.NewQueue[*gwevent.Request](50, 50),
		historical: ratelimit.NewQueue[*gwevent.Request](5, 5),
	}
}

// Connect spawns the I/O task and blocks until either the first connection
// succeeds or the task halts without ever connecting. Calling Connect twice
// on the same Connection is an error.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state {
		c.mu.Unlock()
		return fmt.Errorf("gwsession: Connect called twice on the same connection")
	}
	c.state = true
	task := iotask.New(c.opts, c.general, c.historical)
	c.task = task
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		task.Run()
	}()

	select {
	case <-task.FirstConnect():
		return nil
	case <-task.Done():
		if task.Cancelled() {
			return gwerrors.Cancelled
		}
		return gwerrors.Disconnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown signals the I/O task to stop and waits for it to exit. Safe to
// call once; a second call is a no-op.
func (c *Connection) Shutdown() {
	c.mu.Lock()
	task := c.task
	c.mu.Unlock()

	if task == nil {
		return
	}
	task.Cancel()
	c.wg.Wait()

	c.general.Close()
	c.historical.Close()
}

// SendRequest submits msg on the general lane and blocks for a matching
// reply, up to opts.IOTimeout or ctx's own deadline, whichever comes first.
func (c *Connection) SendRequest(ctx context.Context, msg *wire.Message) (*wire.Message, error) {
	return c.sendRequest(ctx, c.general, msg)
}

// SendHistoricalRequest is SendRequest via the historical (candle/tick
// download) lane, which runs under a much lower rate limit.
func (c *Connection) SendHistoricalRequest(ctx context.Context, msg *wire.Message) (*wire.Message, error) {
	return c.sendRequest(ctx, c.historical, msg)
}

// PostMessage submits msg on the general lane with no reply expected.
func (c *Connection) PostMessage(msg *wire.Message) error {
	return c.post(c.general, msg)
}

// PostHistoricalMessage is PostMessage via the historical lane.
func (c *Connection) PostHistoricalMessage(msg *wire.Message) error {
	return c.post(c.historical, msg)
}

// Listen returns the next unsolicited event: either an application message
// with no correlation id, or a connection-state transition. The second
// return value is false once the underlying event stream has ended (the
// task has stopped and been torn down).
func (c *Connection) Listen(ctx context.Context) (gwevent.Event, bool) {
	c.mu.Lock()
	task := c.task
	c.mu.Unlock()

	if task == nil {
		return gwevent.Event{}, false
	}

	select {
	case ev, ok := <-task.Events():
		return ev, ok
	case <-ctx.Done():
		return gwevent.Event{}, false
	}
}

func (c *Connection) sendRequest(ctx context.Context, lane *ratelimit.Queue[*gwevent.Request], msg *wire.Message) (*wire.Message, error) {
	c.mu.Lock()
	task := c.task
	c.mu.Unlock()
	if task == nil {
		return nil, gwerrors.Disconnected
	}
	select {
	case <-task.Done():
		return nil, gwerrors.Disconnected
	default:
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.opts.IOTimeout)
	defer cancel()

	replyCh := make(chan gwevent.Response, 1)
	lane.Send(&gwevent.Request{Message: msg, ReplyTo: replyCh})

	select {
	case resp, ok := <-replyCh:
		if !ok {
			if task.Cancelled() {
				return nil, gwerrors.Cancelled
			}
			return nil, gwerrors.TransportError
		}
		if resp.Message.PayloadType == wire.PayloadTypeApplicationError {
			return nil, &gwerrors.ApplicationError{
				PayloadType: resp.Message.PayloadType,
				Details:     string(resp.Message.Payload),
			}
		}
		return resp.Message, nil
	case <-reqCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &gwerrors.Timeout{Milliseconds: c.opts.IOTimeout.Milliseconds()}
	}
}

func (c *Connection) post(lane *ratelimit.Queue[*gwevent.Request], msg *wire.Message) error {
	c.mu.Lock()
	task := c.task
	c.mu.Unlock()
	if task == nil {
		return gwerrors.Disconnected
	}
	select {
	case <-task.Done():
		return gwerrors.Disconnected
	default:
	}

	lane.Send(&gwevent.Request{Message: msg})
	return nil
}
