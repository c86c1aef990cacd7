// Package model holds the canonical market-data schema every venue adapter
// normalizes into.
package model

// DataKind identifies which canonical record shape a subscription carries.
type DataKind string

const (
	KindTicker      DataKind = "ticker"
	KindDepth       DataKind = "depth"
	KindTrade       DataKind = "trade"
	KindFundingRate DataKind = "fundingRate"
	KindKline       DataKind = "kline"
)

// Valid reports whether k is one of the recognized data kinds.
func (k DataKind) Valid() bool {
	switch k {
	case KindTicker, KindDepth, KindTrade, KindFundingRate, KindKline:
		return true
	}
	return false
}

// Side of a trade.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Key is a venue-scoped subscription key: one data kind for one canonical
// symbol. Interval is only meaningful for KindKline (e.g. "1m", "1h"); it is
// the empty string for every other kind and DefaultKlineInterval is assumed
// when a caller omits it for a Kline subscription.
type Key struct {
	Kind     DataKind
	Symbol   string
	Interval string
}

// DefaultKlineInterval is used when a Kline subscription doesn't specify one.
const DefaultKlineInterval = "1m"

// VenueKey is a Key scoped to a venue, used wherever the registry or cache
// needs a globally unique composite key.
type VenueKey struct {
	Venue string
	Key
}

// Base carries the fields every canonical record shares.
type Base struct {
	Venue             string
	Symbol            string
	ExchangeTimestamp int64 // unix millis, as supplied by the venue; 0 if absent
	LocalTimestamp    int64 // unix millis, wall clock at normalization time
	UnifiedTimestamp  int64 // unix millis, see clock.UnifiedTimestamp
}

// PriceLevel is one resting order at a price.
type PriceLevel struct {
	Price float64
	Size  float64
}

// Ticker is a best-bid/ask + 24h-stats snapshot.
type Ticker struct {
	Base

	Last          float64
	Bid           float64
	BidSize       float64
	Ask           float64
	AskSize       float64
	Open          float64
	High          float64
	Low           float64
	Volume        float64
	QuoteVolume   float64
	Change        float64
	ChangePercent float64

	// Optional perpetual-only fields. Nil means absent, not zero.
	MarkPrice       *float64
	IndexPrice      *float64
	FundingRate     *float64
	NextFundingTime *int64
}

// Depth is an order-book snapshot at whatever resolution the venue pushed.
type Depth struct {
	Base

	Bids []PriceLevel
	Asks []PriceLevel
}

// Trade is a single executed trade.
type Trade struct {
	Base

	TradeID string
	Price   float64
	Amount  float64
	Side    Side
}

// FundingRate is a perpetual's periodic funding snapshot.
type FundingRate struct {
	Base

	FundingRate              float64
	MarkPrice                *float64
	IndexPrice               *float64
	NextFundingTime          *int64
	PredictedNextFundingRate *float64
}

// Kline is one OHLCV candle.
type Kline struct {
	Base

	Interval    string
	OpenTime    int64
	CloseTime   int64
	Open        float64
	High        float64
	Low         float64
	Close       float64
	Volume      float64
	QuoteVolume float64
	Trades      int64
	IsClosed    bool
}
