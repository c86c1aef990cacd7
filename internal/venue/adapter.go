// Package venue implements one capability-interface adapter per exchange:
// URL selection, subscribe/unsubscribe frame construction, heartbeats, and
// inbound-frame normalization into the canonical model.
package venue

import (
	"context"
	"time"

	"github.com/sawpanic/marketfeed/internal/model"
)

// TradingClass selects which URL/instrument family an adapter targets.
type TradingClass string

const (
	ClassSpot            TradingClass = "spot"
	ClassLinearPerpetual TradingClass = "linear-perpetual"
)

// Endpoint is what URLFor returns: the transport URL plus any
// server-mandated heartbeat interval discovered during a pre-session
// handshake (zero when the venue doesn't supply one).
type Endpoint struct {
	URL               string
	HeartbeatInterval time.Duration
}

// FrameKind classifies an inbound frame for the Connection's dispatch loop.
type FrameKind int

const (
	FrameData FrameKind = iota
	FrameSubscribeAck
	FrameHeartbeatReply
	FrameError
	FrameOther
)

// Dispatch is the result of classifying one inbound frame.
type Dispatch struct {
	Kind    FrameKind
	Channel string // the venue channel/topic tag, set only for FrameData
	Err     error  // set only for FrameError
}

// Normalized is the union of records a single inbound frame can produce.
// Exactly one of these slices is populated per DataKind that a frame
// maps to; a composite frame (e.g. a Bybit linear ticker push carrying both
// quote fields and a funding rate) can populate more than one.
type Normalized struct {
	Tickers      []model.Ticker
	Depths       []model.Depth
	Trades       []model.Trade
	FundingRates []model.FundingRate
	Klines       []model.Kline
}

// Empty reports whether a Normalized carries no records at all — the
// "absent" case a normalizer returns for an unparsable or irrelevant frame.
func (n Normalized) Empty() bool {
	return len(n.Tickers) == 0 && len(n.Depths) == 0 && len(n.Trades) == 0 &&
		len(n.FundingRates) == 0 && len(n.Klines) == 0
}

// Adapter is the capability interface every venue implements. Adapters are
// concrete structs, never a runtime switch(venue) in the hot path: the
// Connection and Pool only ever hold an Adapter value.
type Adapter interface {
	// Name is the venue's canonical lowercase identifier (e.g. "binance").
	Name() string

	// URLFor resolves the transport endpoint for a trading class,
	// performing any required pre-session HTTP handshake.
	URLFor(ctx context.Context, class TradingClass) (Endpoint, error)

	// BuildSubscribe and BuildUnsubscribe serialize the venue's native
	// frame for one (symbol, kind) pair into bytes ready to send.
	BuildSubscribe(key model.Key) ([]byte, error)
	BuildUnsubscribe(key model.Key) ([]byte, error)

	// Heartbeat returns the frame to send on each heartbeat tick, or nil
	// if the venue relies purely on transport-layer pings.
	Heartbeat() []byte

	// DispatchFrame classifies one inbound frame.
	DispatchFrame(raw []byte) Dispatch

	// Normalize parses one inbound data frame (already known to be
	// FrameData) into zero or more canonical records, tagged with the
	// channel DispatchFrame reported.
	Normalize(channel string, raw []byte, localTimestamp int64) (Normalized, error)
}
