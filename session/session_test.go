package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"gwsession/credentials"
	"gwsession/gwerrors"
	"gwsession/gwevent"
	"gwsession/iotask"
	"gwsession/wire"
)

// fakeTransport stands in for *connection.Connection in these tests: it
// answers each SendRequest with a canned payload keyed by the request's
// payload_type, and lets the test script unsolicited events onto its own
// channel to drive listenLoop directly.
type fakeTransport struct {
	mu         sync.Mutex
	connectErr error
	responses  map[uint32][]byte
	sent       []*wire.Message
	events     chan gwevent.Event
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		responses: make(map[uint32][]byte),
		events:    make(chan gwevent.Event, 16),
	}
}

func (f *fakeTransport) setResponse(payloadType uint32, payload []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[payloadType] = payload
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeTransport) Connect(ctx context.Context) error { return f.connectErr }
func (f *fakeTransport) Shutdown()                         {}

func (f *fakeTransport) SendRequest(ctx context.Context, msg *wire.Message) (*wire.Message, error) {
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	payload, ok := f.responses[msg.PayloadType]
	f.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("fake transport: no canned response for payload_type %d", msg.PayloadType)
	}
	return &wire.Message{PayloadType: msg.PayloadType, Payload: payload, ClientMsgID: msg.ClientMsgID}, nil
}

func (f *fakeTransport) SendHistoricalRequest(ctx context.Context, msg *wire.Message) (*wire.Message, error) {
	return f.SendRequest(ctx, msg)
}

func (f *fakeTransport) PostMessage(msg *wire.Message) error           { return nil }
func (f *fakeTransport) PostHistoricalMessage(msg *wire.Message) error { return nil }

func (f *fakeTransport) Listen(ctx context.Context) (gwevent.Event, bool) {
	select {
	case ev, ok := <-f.events:
		return ev, ok
	case <-ctx.Done():
		return gwevent.Event{}, false
	}
}

func testCredentials() (credentials.ApplicationCredentials, credentials.AccountCredentials) {
	return credentials.ApplicationCredentials{ClientID: "cid", ClientSecret: "csecret"},
		credentials.AccountCredentials{AccountID: 7, AccessToken: "tok", TokenType: "bearer", ExpiresIn: 3600, RefreshToken: "refresh"}
}

func primeHandshakeResponses(f *fakeTransport, version string) {
	f.setResponse(payloadTypeVersionReq, appendStringField(nil, 1, version))
	f.setResponse(payloadTypeApplicationAuthReq, nil)
	f.setResponse(payloadTypeAccountAuthReq, appendVarintField(nil, 1, 7))
	f.setResponse(payloadTypeSymbolsListReq, appendRepeatedInt64(nil, 1, []int64{1, 2, 3}))
	f.setResponse(payloadTypeAccountLogoutReq, nil)
}

func TestConnectRunsFullHandshakeAndLoadsSymbols(t *testing.T) {
	app, acct := testCredentials()
	f := newFakeTransport()
	primeHandshakeResponses(f, "88")

	s := newSession(app, acct, iotask.DefaultOptions(), f)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer s.Shutdown()

	if s.ServerVersion() != 88 {
		t.Errorf("got version %d, want 88", s.ServerVersion())
	}
	if got := s.SymbolIDs(); len(got) != 3 || got[0] != 1 || got[2] != 3 {
		t.Errorf("got symbol ids %v, want [1 2 3]", got)
	}

	wantOrder := []uint32{payloadTypeVersionReq, payloadTypeApplicationAuthReq, payloadTypeAccountAuthReq, payloadTypeSymbolsListReq}
	if f.sentCount() != len(wantOrder) {
		t.Fatalf("got %d requests sent, want %d", f.sentCount(), len(wantOrder))
	}
	for i, pt := range wantOrder {
		if f.sent[i].PayloadType != pt {
			t.Errorf("request %d: got payload_type %d, want %d", i, f.sent[i].PayloadType, pt)
		}
	}
}

func TestConnectVersionMismatchStopsBeforeAuthenticating(t *testing.T) {
	app, acct := testCredentials()
	f := newFakeTransport()
	primeHandshakeResponses(f, "50") // below baselineVersion (88)

	s := newSession(app, acct, iotask.DefaultOptions(), f)
	err := s.Connect(context.Background())

	var mismatch *gwerrors.VersionMismatch
	if !errors.As(err, &mismatch) {
		t.Fatalf("got err %v, want *gwerrors.VersionMismatch", err)
	}
	if mismatch.Required != baselineVersion || mismatch.Actual != 50 {
		t.Errorf("got %+v, want required=%d actual=50", mismatch, baselineVersion)
	}
	if f.sentCount() != 1 {
		t.Fatalf("got %d requests sent, want 1 (version query only)", f.sentCount())
	}
}

func TestSubscribeSpotCommitsOnlyAfterServerAck(t *testing.T) {
	app, acct := testCredentials()
	f := newFakeTransport()
	f.setResponse(payloadTypeSubscribeSpotsReq, appendVarintField(nil, 1, acct.AccountID))

	s := newSession(app, acct, iotask.DefaultOptions(), f)
	if err := s.SubscribeSpot(context.Background(), []int64{100, 200}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := s.spotSymbols.Items(); len(got) != 2 || got[0] != 100 || got[1] != 200 {
		t.Fatalf("got %v, want [100 200]", got)
	}
}

func TestSubscribeSpotDoesNotCommitOnError(t *testing.T) {
	app, acct := testCredentials()
	f := newFakeTransport() // no canned response -> SendRequest errors

	s := newSession(app, acct, iotask.DefaultOptions(), f)
	if err := s.SubscribeSpot(context.Background(), []int64{100}); err == nil {
		t.Fatal("expected an error from the fake transport")
	}
	if got := s.spotSymbols.Items(); len(got) != 0 {
		t.Fatalf("got %v, want no committed subscriptions", got)
	}
}

// TestConcurrentSubscribeAndResubscribeDoNotRace exercises the scenario a
// reviewer flagged: a caller subscribing from its own goroutine while
// listenLoop's goroutine replays subscriptions after a reconnect. Both
// sides must only ever touch the subscription sets under s.mu; run with
// -race this catches a regression immediately, and either way it must
// complete without a fatal concurrent-map-style panic.
func TestConcurrentSubscribeAndResubscribeDoNotRace(t *testing.T) {
	app, acct := testCredentials()
	f := newFakeTransport()
	f.setResponse(payloadTypeSubscribeSpotsReq, appendVarintField(nil, 1, acct.AccountID))

	s := newSession(app, acct, iotask.DefaultOptions(), f)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			_ = s.SubscribeSpot(context.Background(), []int64{id})
		}(int64(i))
	}
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.resubscribeAll()
		}()
	}
	wg.Wait()
}

func TestRefreshTokenAndReauthReplacesTokenFieldsAndReauthenticates(t *testing.T) {
	app, acct := testCredentials()
	f := newFakeTransport()
	var refreshPayload []byte
	refreshPayload = appendStringField(refreshPayload, 1, "new-access")
	refreshPayload = appendStringField(refreshPayload, 2, "bearer")
	refreshPayload = appendStringField(refreshPayload, 3, "new-refresh")
	refreshPayload = appendVarintField(refreshPayload, 4, 1800)
	f.setResponse(payloadTypeRefreshTokenReq, refreshPayload)
	f.setResponse(payloadTypeAccountAuthReq, appendVarintField(nil, 1, acct.AccountID))

	s := newSession(app, acct, iotask.DefaultOptions(), f)
	if err := s.RefreshTokenAndReauth(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := s.Account()
	if got.AccessToken != "new-access" || got.RefreshToken != "new-refresh" || got.TokenType != "bearer" || got.ExpiresIn != 1800 {
		t.Fatalf("unexpected account state after refresh: %+v", got)
	}
	if f.sentCount() != 2 {
		t.Fatalf("got %d requests sent, want 2 (refresh + re-auth)", f.sentCount())
	}
	if f.sent[1].PayloadType != payloadTypeAccountAuthReq {
		t.Fatalf("got second request payload_type %d, want account auth", f.sent[1].PayloadType)
	}
}

func TestRefreshTokenAndReauthLeavesAccountUntouchedOnFailure(t *testing.T) {
	app, acct := testCredentials()
	f := newFakeTransport() // no canned refresh response -> errors

	s := newSession(app, acct, iotask.DefaultOptions(), f)
	if err := s.RefreshTokenAndReauth(context.Background()); err == nil {
		t.Fatal("expected an error from the fake transport")
	}
	if got := s.Account(); got != acct {
		t.Fatalf("account state changed despite failed refresh: %+v", got)
	}
}

func TestReconnectReplaysSubscriptionsInRecordedOrder(t *testing.T) {
	app, acct := testCredentials()
	f := newFakeTransport()
	primeHandshakeResponses(f, "88")
	f.setResponse(payloadTypeSubscribeSpotsReq, appendVarintField(nil, 1, acct.AccountID))

	s := newSession(app, acct, iotask.DefaultOptions(), f)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected error on initial connect: %v", err)
	}
	defer s.Shutdown()

	if err := s.SubscribeSpot(context.Background(), []int64{1, 2}); err != nil {
		t.Fatalf("unexpected error subscribing: %v", err)
	}

	baseline := f.sentCount()

	// The first Connected control event is the one Connect's own call
	// already accounted for synchronously; listenLoop must swallow it.
	f.events <- gwevent.ControlEvent(gwevent.Connected)
	// A second Connected event simulates an automatic reconnect: it must
	// trigger a fresh authenticate() plus a subscription replay.
	f.events <- gwevent.ControlEvent(gwevent.Connected)

	const wantAfterReconnect = 4 // version + app auth + account auth + spot-subscribe replay
	deadline := time.Now().Add(2 * time.Second)
	for f.sentCount() < baseline+wantAfterReconnect && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	if f.sentCount() != baseline+wantAfterReconnect {
		t.Fatalf("got %d requests sent after reconnect, want %d (version+appauth+acctauth+subscribe replay)", f.sentCount(), baseline+wantAfterReconnect)
	}
	last := f.sent[len(f.sent)-1]
	if last.PayloadType != payloadTypeSubscribeSpotsReq {
		t.Fatalf("got last request payload_type %d, want subscribe-spots replay", last.PayloadType)
	}
}

func TestListenLoopRebroadcastsDomainEvents(t *testing.T) {
	app, acct := testCredentials()
	f := newFakeTransport()
	primeHandshakeResponses(f, "88")

	s := newSession(app, acct, iotask.DefaultOptions(), f)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer s.Shutdown()

	ch := s.Subscribe()
	defer s.Unsubscribe(ch)

	f.events <- gwevent.MessageEvent(&wire.Message{PayloadType: payloadTypeSpot, Payload: appendVarintField(nil, 1, 55)})

	select {
	case ev := <-ch:
		if ev.Kind != EventSpot || ev.SymbolID != 55 {
			t.Fatalf("got %+v, want a spot event for symbol 55", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive the rebroadcast spot event")
	}
}
