package session

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Payload-kind codes for the small slice of the cTrader Open API surface
// this package drives directly (version check, the two-stage auth
// handshake, token refresh, logout, and spot/depth/trendbar subscription).
// original_source's protobuf enum file was filtered out of the retrieval
// pack (proto definitions aren't "code or build config"), so these numbers
// are this port's own assignment; they are kept disjoint from the event
// codes below, which *are* grounded in client/event.rs's dispatch table.
const (
	payloadTypeVersionReq uint32 = 2104
	payloadTypeVersionRes uint32 = 2105

	payloadTypeApplicationAuthReq uint32 = 2100
	payloadTypeApplicationAuthRes uint32 = 2101

	payloadTypeAccountAuthReq uint32 = 2102
	payloadTypeAccountAuthRes uint32 = 2103

	payloadTypeAccountLogoutReq uint32 = 2136
	payloadTypeAccountLogoutRes uint32 = 2137

	payloadTypeRefreshTokenReq uint32 = 2173
	payloadTypeRefreshTokenRes uint32 = 2174

	payloadTypeSubscribeSpotsReq   uint32 = 2108
	payloadTypeSubscribeSpotsRes   uint32 = 2109
	payloadTypeUnsubscribeSpotsReq uint32 = 2110
	payloadTypeUnsubscribeSpotsRes uint32 = 2111

	payloadTypeSubscribeDepthReq   uint32 = 2156
	payloadTypeSubscribeDepthRes   uint32 = 2157
	payloadTypeUnsubscribeDepthReq uint32 = 2158
	payloadTypeUnsubscribeDepthRes uint32 = 2159

	payloadTypeSubscribeLiveBarReq   uint32 = 2144
	payloadTypeSubscribeLiveBarRes   uint32 = 2145
	payloadTypeUnsubscribeLiveBarReq uint32 = 2150
	payloadTypeUnsubscribeLiveBarRes uint32 = 2151

	payloadTypeSymbolsListReq uint32 = 2114
	payloadTypeSymbolsListRes uint32 = 2115
)

// Event payload-kind codes the server sends unsolicited. These are
// grounded directly in client/event.rs's dispatch_event match arms.
const (
	payloadTypeTrailingSLChanged      uint32 = 2107
	payloadTypeSymbolChanged          uint32 = 2120
	payloadTypeTraderUpdated          uint32 = 2123
	payloadTypeExecution              uint32 = 2126
	payloadTypeSpot                   uint32 = 2131
	payloadTypeOrderError             uint32 = 2132
	payloadTypeMarginChanged          uint32 = 2141
	payloadTypeAccountsTokenInvalid   uint32 = 2147
	payloadTypeClientDisconnect       uint32 = 2148
	payloadTypeDepth                  uint32 = 2155
	payloadTypeMarginCallUpdate       uint32 = 2171
	payloadTypeMarginCallTrigger      uint32 = 2172
)

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendRepeatedInt64(b []byte, num protowire.Number, vs []int64) []byte {
	for _, v := range vs {
		b = appendVarintField(b, num, uint64(v))
	}
	return b
}

// scanFields walks the tag/value pairs of a flat, single-message protobuf
// payload, the same shape wire.Unmarshal uses for the envelope itself. fn
// returns the number of bytes it consumed from data starting right after
// the tag, or -1 to signal a decode error.
func scanFields(data []byte, fn func(num protowire.Number, typ protowire.Type, data []byte) int) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("session: bad tag: %w", protowire.ParseError(n))
		}
		data = data[n:]
		consumed := fn(num, typ, data)
		if consumed < 0 {
			return fmt.Errorf("session: bad field %d: %w", num, protowire.ParseError(consumed))
		}
		data = data[consumed:]
	}
	return nil
}

type versionReq struct{}

func (versionReq) Marshal() []byte { return nil }

type versionRes struct {
	Version string
}

func parseVersionRes(data []byte) (versionRes, error) {
	var out versionRes
	err := scanFields(data, func(num protowire.Number, typ protowire.Type, data []byte) int {
		if num == 1 {
			v, n := protowire.ConsumeString(data)
			out.Version = v
			return n
		}
		return int(protowire.ConsumeFieldValue(num, typ, data))
	})
	return out, err
}

type applicationAuthReq struct {
	ClientID     string
	ClientSecret string
}

func (r applicationAuthReq) Marshal() []byte {
	var b []byte
	b = appendStringField(b, 1, r.ClientID)
	b = appendStringField(b, 2, r.ClientSecret)
	return b
}

type accountAuthReq struct {
	AccountID   int64
	AccessToken string
}

func (r accountAuthReq) Marshal() []byte {
	var b []byte
	b = appendVarintField(b, 1, uint64(r.AccountID))
	b = appendStringField(b, 2, r.AccessToken)
	return b
}

type accountAuthRes struct {
	AccountID int64
}

func parseAccountAuthRes(data []byte) (accountAuthRes, error) {
	var out accountAuthRes
	err := scanFields(data, func(num protowire.Number, typ protowire.Type, data []byte) int {
		if num == 1 {
			v, n := protowire.ConsumeVarint(data)
			out.AccountID = int64(v)
			return n
		}
		return int(protowire.ConsumeFieldValue(num, typ, data))
	})
	return out, err
}

type accountLogoutReq struct {
	AccountID int64
}

func (r accountLogoutReq) Marshal() []byte {
	return appendVarintField(nil, 1, uint64(r.AccountID))
}

type refreshTokenReq struct {
	RefreshToken string
}

func (r refreshTokenReq) Marshal() []byte {
	return appendStringField(nil, 1, r.RefreshToken)
}

type refreshTokenRes struct {
	AccessToken  string
	TokenType    string
	RefreshToken string
	ExpiresIn    uint64
}

func parseRefreshTokenRes(data []byte) (refreshTokenRes, error) {
	var out refreshTokenRes
	err := scanFields(data, func(num protowire.Number, typ protowire.Type, data []byte) int {
		switch num {
		case 1:
			v, n := protowire.ConsumeString(data)
			out.AccessToken = v
			return n
		case 2:
			v, n := protowire.ConsumeString(data)
			out.TokenType = v
			return n
		case 3:
			v, n := protowire.ConsumeString(data)
			out.RefreshToken = v
			return n
		case 4:
			v, n := protowire.ConsumeVarint(data)
			out.ExpiresIn = v
			return n
		default:
			return int(protowire.ConsumeFieldValue(num, typ, data))
		}
	})
	return out, err
}

// symbolBatchReq covers both the spot and depth subscribe/unsubscribe
// requests: each is {account id, repeated symbol id}, differing only in
// the payload_type stamped on the envelope.
type symbolBatchReq struct {
	AccountID int64
	SymbolIDs []int64
}

func (r symbolBatchReq) Marshal() []byte {
	var b []byte
	b = appendVarintField(b, 1, uint64(r.AccountID))
	b = appendRepeatedInt64(b, 2, r.SymbolIDs)
	return b
}

type liveBarReq struct {
	AccountID int64
	Period    int32
	SymbolID  int64
}

func (r liveBarReq) Marshal() []byte {
	var b []byte
	b = appendVarintField(b, 1, uint64(r.AccountID))
	b = appendVarintField(b, 2, uint64(uint32(r.Period)))
	b = appendVarintField(b, 3, uint64(r.SymbolID))
	return b
}

type symbolsListReq struct {
	AccountID int64
}

func (r symbolsListReq) Marshal() []byte {
	return appendVarintField(nil, 1, uint64(r.AccountID))
}

type symbolsListRes struct {
	SymbolIDs []int64
}

func parseSymbolsListRes(data []byte) (symbolsListRes, error) {
	var out symbolsListRes
	err := scanFields(data, func(num protowire.Number, typ protowire.Type, data []byte) int {
		if num == 1 {
			v, n := protowire.ConsumeVarint(data)
			out.SymbolIDs = append(out.SymbolIDs, int64(v))
			return n
		}
		return int(protowire.ConsumeFieldValue(num, typ, data))
	})
	return out, err
}

// accountsTokenInvalidated is the one unsolicited event payload this
// package parses eagerly, since it drives the automatic refresh flow.
type accountsTokenInvalidated struct {
	AccountIDs []int64
	Reason     string
}

func parseAccountsTokenInvalidated(data []byte) (accountsTokenInvalidated, error) {
	var out accountsTokenInvalidated
	err := scanFields(data, func(num protowire.Number, typ protowire.Type, data []byte) int {
		switch num {
		case 1:
			v, n := protowire.ConsumeVarint(data)
			out.AccountIDs = append(out.AccountIDs, int64(v))
			return n
		case 2:
			v, n := protowire.ConsumeString(data)
			out.Reason = v
			return n
		default:
			return int(protowire.ConsumeFieldValue(num, typ, data))
		}
	})
	return out, err
}

// spotOrDepthEvent covers both ProtoOASpotEvent and ProtoOADepthEvent for
// the cheap convenience field NotifyEvent exposes: both lead with the
// symbol id the event concerns.
type spotOrDepthEvent struct {
	SymbolID int64
}

func parseSpotOrDepthEvent(data []byte) (spotOrDepthEvent, error) {
	var out spotOrDepthEvent
	err := scanFields(data, func(num protowire.Number, typ protowire.Type, data []byte) int {
		if num == 1 {
			v, n := protowire.ConsumeVarint(data)
			out.SymbolID = int64(v)
			return n
		}
		return int(protowire.ConsumeFieldValue(num, typ, data))
	})
	return out, err
}
