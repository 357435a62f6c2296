package processor

import (
	"testing"
	"time"

	"gwsession/gwerrors"
	"gwsession/gwevent"
	"gwsession/wire"
)

func TestPrepareOutgoingWithReplyRegistersPending(t *testing.T) {
	p := New()
	defer p.Close()

	replyCh := make(chan gwevent.Response, 1)
	msg := p.PrepareOutgoing(2123, []byte("req"), replyCh)
	if !msg.HasCorrelationID() {
		t.Fatal("expected a correlation id to be minted")
	}

	reply := &wire.Message{PayloadType: 2124, Payload: []byte("ok"), ClientMsgID: msg.ClientMsgID}
	p.HandleIncoming(reply)

	select {
	case resp := <-replyCh:
		if resp.Message.PayloadType != 2124 {
			t.Errorf("got payload type %d, want 2124", resp.Message.PayloadType)
		}
	case <-time.After(time.Second):
		t.Fatal("reply was not delivered")
	}
}

func TestPrepareOutgoingFireAndForgetHasNoCorrelationID(t *testing.T) {
	p := New()
	defer p.Close()

	msg := p.PrepareOutgoing(2105, []byte("post"), nil)
	if msg.HasCorrelationID() {
		t.Error("fire-and-forget message should carry no correlation id")
	}
}

func TestHandleIncomingHeartbeatUpdatesLivenessOnly(t *testing.T) {
	p := New()
	defer p.Close()

	before := p.SinceIncoming()
	time.Sleep(5 * time.Millisecond)
	p.HandleIncoming(wire.Heartbeat())

	if p.SinceIncoming() >= before {
		t.Error("expected SinceIncoming to reset after a heartbeat frame")
	}

	select {
	case <-p.Events():
		t.Fatal("a heartbeat frame should not be surfaced as an event")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHandleIncomingUnsolicitedMessageIsSurfaced(t *testing.T) {
	p := New()
	defer p.Close()

	m := &wire.Message{PayloadType: 2131, Payload: []byte("tick")}
	p.HandleIncoming(m)

	select {
	case ev := <-p.Events():
		if ev.Kind != gwevent.KindMessage {
			t.Fatalf("expected KindMessage, got %v", ev.Kind)
		}
		if ev.Message.PayloadType != 2131 {
			t.Errorf("got payload type %d, want 2131", ev.Message.PayloadType)
		}
	case <-time.After(time.Second):
		t.Fatal("unsolicited message was not surfaced")
	}
}

func TestHandleIncomingUnsolicitedTransportErrorFailsConnection(t *testing.T) {
	p := New()
	defer p.Close()

	err := p.HandleIncoming(&wire.Message{PayloadType: wire.PayloadTypeTransportError})
	if err != gwerrors.TransportError {
		t.Fatalf("got err %v, want gwerrors.TransportError", err)
	}
}

func TestHandleIncomingCorrelatedApplicationErrorIsDeliveredNotFatal(t *testing.T) {
	p := New()
	defer p.Close()

	replyCh := make(chan gwevent.Response, 1)
	msg := p.PrepareOutgoing(2106, []byte("req"), replyCh)

	errReply := &wire.Message{PayloadType: wire.PayloadTypeApplicationError, Payload: []byte("bad request"), ClientMsgID: msg.ClientMsgID}
	if err := p.HandleIncoming(errReply); err != nil {
		t.Fatalf("a correlated application error must not fail the connection, got %v", err)
	}

	select {
	case resp := <-replyCh:
		if resp.Message.PayloadType != wire.PayloadTypeApplicationError {
			t.Errorf("got payload type %d, want PayloadTypeApplicationError", resp.Message.PayloadType)
		}
	case <-time.After(time.Second):
		t.Fatal("the correlated error reply was not delivered")
	}
}

func TestOnConnectedAndOnDisconnectedAnnounceTransitions(t *testing.T) {
	p := New()
	defer p.Close()

	p.OnConnected()
	ev := <-p.Events()
	if ev.Kind != gwevent.KindControl || ev.State != gwevent.Connected {
		t.Fatalf("expected Connected control event, got %+v", ev)
	}

	p.OnDisconnected()
	ev = <-p.Events()
	if ev.Kind != gwevent.KindControl || ev.State != gwevent.Disconnected {
		t.Fatalf("expected Disconnected control event, got %+v", ev)
	}
}

func TestOnDisconnectedAbandonsPendingRequests(t *testing.T) {
	p := New()
	defer p.Close()

	replyCh := make(chan gwevent.Response, 1)
	p.PrepareOutgoing(2123, []byte("req"), replyCh)

	p.OnDisconnected()
	<-p.Events() // the Disconnected control event

	select {
	case _, ok := <-replyCh:
		if ok {
			t.Fatal("expected the reply channel to be closed with no value on disconnect")
		}
	case <-time.After(time.Second):
		t.Fatal("pending request was not abandoned on disconnect")
	}
}

func TestCreateUniqueIDsAreDistinct(t *testing.T) {
	p := New()
	defer p.Close()

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		msg := p.PrepareOutgoing(2123, nil, make(chan gwevent.Response, 1))
		if seen[msg.ClientMsgID] {
			t.Fatalf("duplicate correlation id minted: %s", msg.ClientMsgID)
		}
		seen[msg.ClientMsgID] = true
	}
}
