// Package session layers authentication, token refresh, and subscription
// bookkeeping on top of a connection.Connection. It is the surface a
// caller actually builds against: a Builder configures it, Connect drives
// the whole handshake (transport connect, version check, two-stage auth,
// symbol metadata load), and Subscribe hands back a channel of rebroadcast
// domain events.
package session

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"sync"

	"gwsession/credentials"
	"gwsession/gwerrors"
	"gwsession/gwevent"
	"gwsession/iotask"
	"gwsession/wire"
)

// baselineVersion is the lowest server protocol version this port has
// been validated against, mirroring client/mod.rs's
// LIBRARY_IMPL_FOR_SERVER_VERSION constant.
const baselineVersion uint32 = 88

// transport is the slice of connection.Connection's API the Session needs.
// Accepting an interface here (rather than *connection.Connection
// directly) lets tests drive the authentication and subscription-replay
// logic against a fake, without a real TLS listener.
type transport interface {
	Connect(ctx context.Context) error
	Shutdown()
	SendRequest(ctx context.Context, msg *wire.Message) (*wire.Message, error)
	SendHistoricalRequest(ctx context.Context, msg *wire.Message) (*wire.Message, error)
	PostMessage(msg *wire.Message) error
	PostHistoricalMessage(msg *wire.Message) error
	Listen(ctx context.Context) (gwevent.Event, bool)
}

// Session is a single authenticated association with the gateway: one
// Connection, plus the auth/subscription state layered on top of it.
type Session struct {
	Application credentials.ApplicationCredentials

	opts iotask.Options
	conn transport

	mu        sync.Mutex
	account   credentials.AccountCredentials
	version   uint32
	symbolIDs []int64

	broadcaster *broadcaster

	// spotSymbols, depthSymbols, and liveBars are mutated both from a
	// caller's goroutine (Subscribe*/Unsubscribe*) and from listenLoop's
	// goroutine (resubscribeAll, after an automatic reconnect); all access
	// to them must hold mu.
	spotSymbols  *orderedSet[int64]
	depthSymbols *orderedSet[int64]
	liveBars     *orderedSet[barSub]

	seenFirstConnected bool // touched only by listenLoop's own goroutine

	cancelListen context.CancelFunc
	listenDone   chan struct{}
}

func newSession(app credentials.ApplicationCredentials, account credentials.AccountCredentials, opts iotask.Options, conn transport) *Session {
	return &Session{
		Application:  app,
		opts:         opts,
		conn:         conn,
		account:      account,
		broadcaster:  newBroadcaster(),
		spotSymbols:  newOrderedSet[int64](),
		depthSymbols: newOrderedSet[int64](),
		liveBars:     newOrderedSet[barSub](),
	}
}

// Account returns a snapshot of the current account credentials,
// reflecting the most recent token refresh if any.
func (s *Session) Account() credentials.AccountCredentials {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.account
}

// ServerVersion returns the protocol version reported by the server on
// the most recent successful version query.
func (s *Session) ServerVersion() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// SymbolIDs returns the symbol ids loaded during Connect.
func (s *Session) SymbolIDs() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, len(s.symbolIDs))
	copy(out, s.symbolIDs)
	return out
}

func (s *Session) accountID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.account.AccountID
}

// Connect runs the full handshake: transport connect, server version
// query, application auth, account auth, and symbol metadata load. Once
// it returns successfully a background goroutine is consuming the
// transport's event stream, rebroadcasting domain events and replaying
// subscriptions across any future automatic reconnect.
func (s *Session) Connect(ctx context.Context) error {
	if err := s.conn.Connect(ctx); err != nil {
		return err
	}
	if err := s.authenticate(ctx); err != nil {
		return err
	}
	if err := s.loadSymbolMetadata(ctx); err != nil {
		return err
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	s.cancelListen = cancel
	s.listenDone = make(chan struct{})
	go s.listenLoop(listenCtx)
	return nil
}

// authenticate runs the version-check-then-two-stage-auth sequence. It is
// called once synchronously from Connect, then again (with a fresh
// context) from listenLoop every time the transport reconnects.
func (s *Session) authenticate(ctx context.Context) error {
	version, err := s.queryServerVersion(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.version = version
	s.mu.Unlock()
	if version < baselineVersion {
		return &gwerrors.VersionMismatch{Required: baselineVersion, Actual: version}
	}

	if err := s.authApplication(ctx); err != nil {
		return err
	}
	return s.authAccount(ctx)
}

func (s *Session) queryServerVersion(ctx context.Context) (uint32, error) {
	resp, err := s.conn.SendRequest(ctx, &wire.Message{PayloadType: payloadTypeVersionReq, Payload: versionReq{}.Marshal()})
	if err != nil {
		return 0, err
	}
	parsed, err := parseVersionRes(resp.Payload)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(parsed.Version, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: server version %q is not numeric", gwerrors.ProtocolViolation, parsed.Version)
	}
	return uint32(v), nil
}

func (s *Session) authApplication(ctx context.Context) error {
	req := applicationAuthReq{ClientID: s.Application.ClientID, ClientSecret: s.Application.ClientSecret}
	_, err := s.conn.SendRequest(ctx, &wire.Message{PayloadType: payloadTypeApplicationAuthReq, Payload: req.Marshal()})
	return err
}

func (s *Session) authAccount(ctx context.Context) error {
	s.mu.Lock()
	acct := s.account
	s.mu.Unlock()

	req := accountAuthReq{AccountID: acct.AccountID, AccessToken: acct.AccessToken}
	resp, err := s.conn.SendRequest(ctx, &wire.Message{PayloadType: payloadTypeAccountAuthReq, Payload: req.Marshal()})
	if err != nil {
		return err
	}
	if parsed, err := parseAccountAuthRes(resp.Payload); err == nil && parsed.AccountID != acct.AccountID {
		log.Printf("session: auth_account account id %d != %d", parsed.AccountID, acct.AccountID)
	}
	return nil
}

func (s *Session) loadSymbolMetadata(ctx context.Context) error {
	req := symbolsListReq{AccountID: s.accountID()}
	resp, err := s.conn.SendRequest(ctx, &wire.Message{PayloadType: payloadTypeSymbolsListReq, Payload: req.Marshal()})
	if err != nil {
		return err
	}
	parsed, err := parseSymbolsListRes(resp.Payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.symbolIDs = parsed.SymbolIDs
	s.mu.Unlock()
	return nil
}

// RefreshTokenAndReauth issues a refresh-token request, replaces the
// account's token fields in place on success, and re-authenticates the
// account with the new access token. On failure the old token state is
// left untouched and the error is returned as-is; there is no retry — per
// the protocol's own contract, a failed refresh means the client must be
// restarted by hand.
func (s *Session) RefreshTokenAndReauth(ctx context.Context) error {
	s.mu.Lock()
	refreshToken := s.account.RefreshToken
	s.mu.Unlock()

	req := refreshTokenReq{RefreshToken: refreshToken}
	resp, err := s.conn.SendRequest(ctx, &wire.Message{PayloadType: payloadTypeRefreshTokenReq, Payload: req.Marshal()})
	if err != nil {
		log.Printf("session: refresh token request failed, client must be restarted manually: %v", err)
		return err
	}
	parsed, err := parseRefreshTokenRes(resp.Payload)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.account.AccessToken = parsed.AccessToken
	s.account.RefreshToken = parsed.RefreshToken
	s.account.TokenType = parsed.TokenType
	s.account.ExpiresIn = parsed.ExpiresIn
	s.mu.Unlock()

	return s.authAccount(ctx)
}

func (s *Session) accountLogout(ctx context.Context) error {
	req := accountLogoutReq{AccountID: s.accountID()}
	_, err := s.conn.SendRequest(ctx, &wire.Message{PayloadType: payloadTypeAccountLogoutReq, Payload: req.Marshal()})
	return err
}

// Shutdown logs the trading account out, stops the event pump, and tears
// down the transport. Safe to call once.
func (s *Session) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.IOTimeout)
	if err := s.accountLogout(ctx); err != nil {
		log.Printf("session: logout request failed: %v", err)
	}
	cancel()

	if s.cancelListen != nil {
		s.cancelListen()
		<-s.listenDone
	}
	s.conn.Shutdown()
	s.broadcaster.closeAll()
}

// Subscribe returns a channel of rebroadcast domain events. Call
// Unsubscribe with the same channel to stop receiving and release it.
func (s *Session) Subscribe() chan NotifyEvent {
	return s.broadcaster.Subscribe()
}

// Unsubscribe stops delivery to ch and closes it.
func (s *Session) Unsubscribe(ch chan NotifyEvent) {
	s.broadcaster.Unsubscribe(ch)
}

// SendRequest, SendHistoricalRequest, PostMessage, and
// PostHistoricalMessage pass straight through to the underlying
// Connection so a caller can drive any request this package doesn't wrap
// directly (the full order/position/account surface of the original
// client is out of scope here — see DESIGN.md).
func (s *Session) SendRequest(ctx context.Context, msg *wire.Message) (*wire.Message, error) {
	return s.conn.SendRequest(ctx, msg)
}

func (s *Session) SendHistoricalRequest(ctx context.Context, msg *wire.Message) (*wire.Message, error) {
	return s.conn.SendHistoricalRequest(ctx, msg)
}

func (s *Session) PostMessage(msg *wire.Message) error {
	return s.conn.PostMessage(msg)
}

func (s *Session) PostHistoricalMessage(msg *wire.Message) error {
	return s.conn.PostHistoricalMessage(msg)
}

// SubscribeSpot subscribes to spot price events for the given symbols.
// The symbol set is only extended locally once the server acknowledges
// the request.
func (s *Session) SubscribeSpot(ctx context.Context, symbolIDs []int64) error {
	req := symbolBatchReq{AccountID: s.accountID(), SymbolIDs: symbolIDs}
	_, err := s.conn.SendRequest(ctx, &wire.Message{PayloadType: payloadTypeSubscribeSpotsReq, Payload: req.Marshal()})
	if err != nil {
		return err
	}
	s.mu.Lock()
	for _, id := range symbolIDs {
		s.spotSymbols.Add(id)
	}
	s.mu.Unlock()
	return nil
}

// UnsubscribeSpot is the inverse of SubscribeSpot.
func (s *Session) UnsubscribeSpot(ctx context.Context, symbolIDs []int64) error {
	req := symbolBatchReq{AccountID: s.accountID(), SymbolIDs: symbolIDs}
	_, err := s.conn.SendRequest(ctx, &wire.Message{PayloadType: payloadTypeUnsubscribeSpotsReq, Payload: req.Marshal()})
	if err != nil {
		return err
	}
	s.mu.Lock()
	for _, id := range symbolIDs {
		s.spotSymbols.Remove(id)
	}
	s.mu.Unlock()
	return nil
}

// SubscribeDepth subscribes to market-depth events for the given symbols.
func (s *Session) SubscribeDepth(ctx context.Context, symbolIDs []int64) error {
	req := symbolBatchReq{AccountID: s.accountID(), SymbolIDs: symbolIDs}
	_, err := s.conn.SendRequest(ctx, &wire.Message{PayloadType: payloadTypeSubscribeDepthReq, Payload: req.Marshal()})
	if err != nil {
		return err
	}
	s.mu.Lock()
	for _, id := range symbolIDs {
		s.depthSymbols.Add(id)
	}
	s.mu.Unlock()
	return nil
}

// UnsubscribeDepth is the inverse of SubscribeDepth.
func (s *Session) UnsubscribeDepth(ctx context.Context, symbolIDs []int64) error {
	req := symbolBatchReq{AccountID: s.accountID(), SymbolIDs: symbolIDs}
	_, err := s.conn.SendRequest(ctx, &wire.Message{PayloadType: payloadTypeUnsubscribeDepthReq, Payload: req.Marshal()})
	if err != nil {
		return err
	}
	s.mu.Lock()
	for _, id := range symbolIDs {
		s.depthSymbols.Remove(id)
	}
	s.mu.Unlock()
	return nil
}

// SubscribeLiveBar subscribes to live trend-bar updates for one
// (period, symbol) pair. Requires an existing spot subscription on the
// same symbol, per the protocol's own contract.
func (s *Session) SubscribeLiveBar(ctx context.Context, period int32, symbolID int64) error {
	req := liveBarReq{AccountID: s.accountID(), Period: period, SymbolID: symbolID}
	_, err := s.conn.SendRequest(ctx, &wire.Message{PayloadType: payloadTypeSubscribeLiveBarReq, Payload: req.Marshal()})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.liveBars.Add(barSub{Period: period, SymbolID: symbolID})
	s.mu.Unlock()
	return nil
}

// UnsubscribeLiveBar is the inverse of SubscribeLiveBar.
func (s *Session) UnsubscribeLiveBar(ctx context.Context, period int32, symbolID int64) error {
	req := liveBarReq{AccountID: s.accountID(), Period: period, SymbolID: symbolID}
	_, err := s.conn.SendRequest(ctx, &wire.Message{PayloadType: payloadTypeUnsubscribeLiveBarReq, Payload: req.Marshal()})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.liveBars.Remove(barSub{Period: period, SymbolID: symbolID})
	s.mu.Unlock()
	return nil
}

// resubscribeAll replays every recorded subscription, in insertion order,
// against a freshly (re)authenticated connection. Called only from
// listenLoop after a reconnect; errors are logged, not returned, since
// there is no caller waiting synchronously for a background reconnect.
func (s *Session) resubscribeAll() {
	acctID := s.accountID()

	s.mu.Lock()
	spots := s.spotSymbols.Items()
	depths := s.depthSymbols.Items()
	bars := s.liveBars.Items()
	s.mu.Unlock()

	if len(spots) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.IOTimeout)
		req := symbolBatchReq{AccountID: acctID, SymbolIDs: spots}
		_, err := s.conn.SendRequest(ctx, &wire.Message{PayloadType: payloadTypeSubscribeSpotsReq, Payload: req.Marshal()})
		cancel()
		if err != nil {
			log.Printf("session: failed to replay spot subscriptions after reconnect: %v", err)
		}
	}

	if len(depths) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.IOTimeout)
		req := symbolBatchReq{AccountID: acctID, SymbolIDs: depths}
		_, err := s.conn.SendRequest(ctx, &wire.Message{PayloadType: payloadTypeSubscribeDepthReq, Payload: req.Marshal()})
		cancel()
		if err != nil {
			log.Printf("session: failed to replay depth subscriptions after reconnect: %v", err)
		}
	}

	for _, bs := range bars {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.IOTimeout)
		req := liveBarReq{AccountID: acctID, Period: bs.Period, SymbolID: bs.SymbolID}
		_, err := s.conn.SendRequest(ctx, &wire.Message{PayloadType: payloadTypeSubscribeLiveBarReq, Payload: req.Marshal()})
		cancel()
		if err != nil {
			log.Printf("session: failed to replay live bar subscription (period=%d symbol=%d) after reconnect: %v", bs.Period, bs.SymbolID, err)
		}
	}
}

// listenLoop is the Session's one background goroutine: it drains the
// transport's event stream for the life of the Session, rebroadcasting
// domain events and driving reconnect recovery.
func (s *Session) listenLoop(ctx context.Context) {
	defer close(s.listenDone)
	for {
		ev, ok := s.conn.Listen(ctx)
		if !ok {
			return
		}
		switch ev.Kind {
		case gwevent.KindControl:
			s.handleControl(ev)
		case gwevent.KindMessage:
			s.handleMessage(ev.Message)
		}
	}
}

func (s *Session) handleControl(ev gwevent.Event) {
	switch ev.State {
	case gwevent.Connected:
		if !s.seenFirstConnected {
			// Connect already ran the auth sequence synchronously before
			// this goroutine was even started; this is that same event.
			s.seenFirstConnected = true
			return
		}
		log.Printf("session: transport reconnected, re-authenticating")
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.IOTimeout)
		err := s.authenticate(ctx)
		cancel()
		if err != nil {
			log.Printf("session: re-authentication after reconnect failed: %v", err)
			return
		}
		s.resubscribeAll()
	case gwevent.Disconnected:
		log.Printf("session: transport disconnected")
	}
}

func (s *Session) handleMessage(m *wire.Message) {
	ev := dispatch(m)
	if ev.Kind == EventAccountsTokenInvalidated {
		log.Printf("session: account(s) %v terminated by server, reason %q", ev.AccountIDs, ev.Reason)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), s.opts.IOTimeout)
			defer cancel()
			if err := s.RefreshTokenAndReauth(ctx); err != nil {
				log.Printf("session: automatic refresh after token invalidation failed: %v", err)
			}
		}()
	}
	s.broadcaster.publish(ev)
}
