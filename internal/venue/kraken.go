package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/sawpanic/marketfeed/internal/model"
	"github.com/sawpanic/marketfeed/internal/normalize"
	"github.com/sawpanic/marketfeed/internal/symbol"
)

// Kraken implements Adapter for both Kraken's spot websocket (array-shaped
// data frames keyed by pair string, e.g. "XBT/USDT") and its futures
// websocket (object-shaped {feed, product_id, ...} frames). BTC<->XBT is
// the one base-ticker alias kept from the venue's legacy naming; USDT is
// rewritten to USD only for the futures product_id, which Kraken quotes
// exclusively in USD.
type Kraken struct {
	class  TradingClass
	alias  *symbol.Alias
	nextID int64
}

func NewKraken(class TradingClass) *Kraken {
	return &Kraken{class: class, alias: symbol.NewAlias(map[string]string{"BTC": "XBT"})}
}

func (k *Kraken) Name() string { return "kraken" }

func (k *Kraken) URLFor(ctx context.Context, class TradingClass) (Endpoint, error) {
	if class == ClassLinearPerpetual {
		return Endpoint{URL: "wss://futures.kraken.com/ws/v1"}, nil
	}
	return Endpoint{URL: "wss://ws.kraken.com"}, nil
}

// spotPair renders the canonical symbol as Kraken's spot "BASE/QUOTE" pair,
// applying only the base alias (scenario c: BTC/USDT -> XBT/USDT).
func (k *Kraken) spotPair(canonical string) (string, error) {
	canonical = symbol.StripPerpetualSuffix(canonical)
	base, quote, err := symbol.Split(canonical)
	if err != nil {
		return "", err
	}
	return k.alias.ToVenue(base) + "/" + quote, nil
}

// futuresProductID renders the canonical symbol as Kraken futures'
// "PI_<BASE><QUOTE>" identifier, with USDT rewritten to USD.
func (k *Kraken) futuresProductID(canonical string) (string, error) {
	canonical = symbol.StripPerpetualSuffix(canonical)
	base, quote, err := symbol.Split(canonical)
	if err != nil {
		return "", err
	}
	if quote == "USDT" {
		quote = "USD"
	}
	return "PI_" + k.alias.ToVenue(base) + quote, nil
}

func (k *Kraken) canonicalFromSpotPair(pair string) string {
	parts := strings.SplitN(pair, "/", 2)
	if len(parts) != 2 {
		return pair
	}
	base := k.alias.FromVenue(parts[0])
	return symbol.Canonical(base, parts[1])
}

func (k *Kraken) canonicalFromFuturesProductID(productID string) string {
	id := strings.TrimPrefix(productID, "PI_")
	base, quote, ok := symbol.ProbeSplit(id, []string{"USD", "USDT"})
	if !ok {
		return productID
	}
	return symbol.Canonical(k.alias.FromVenue(base), quote)
}

func krakenSpotChannel(kind model.DataKind) (string, error) {
	switch kind {
	case model.KindTicker:
		return "ticker", nil
	case model.KindDepth:
		return "book-10", nil
	case model.KindTrade:
		return "trade", nil
	case model.KindKline:
		return "ohlc", nil
	default:
		return "", fmt.Errorf("kraken: unsupported spot data kind %q", kind)
	}
}

type krakenSubscriptionSpec struct {
	Name     string `json:"name"`
	Interval int    `json:"interval,omitempty"`
	Depth    int    `json:"depth,omitempty"`
}

type krakenSpotEventFrame struct {
	Event        string                 `json:"event"`
	Pair         []string               `json:"pair,omitempty"`
	Subscription krakenSubscriptionSpec `json:"subscription,omitempty"`
	ReqID        int64                  `json:"reqid,omitempty"`
}

type krakenFuturesEventFrame struct {
	Event      string   `json:"event,omitempty"`
	Feed       string   `json:"feed"`
	ProductIDs []string `json:"product_ids"`
}

func krakenIntervalMinutes(interval string) int {
	switch interval {
	case "1m":
		return 1
	case "5m":
		return 5
	case "15m":
		return 15
	case "1h":
		return 60
	case "4h":
		return 240
	case "1d":
		return 1440
	default:
		return 1
	}
}

func (k *Kraken) buildSpot(event string, key model.Key) ([]byte, error) {
	pair, err := k.spotPair(key.Symbol)
	if err != nil {
		return nil, err
	}
	channel, err := krakenSpotChannel(key.Kind)
	if err != nil {
		return nil, err
	}
	spec := krakenSubscriptionSpec{Name: channel}
	switch key.Kind {
	case model.KindKline:
		interval := key.Interval
		if interval == "" {
			interval = model.DefaultKlineInterval
		}
		spec.Interval = krakenIntervalMinutes(interval)
	case model.KindDepth:
		spec.Depth = 10
	}
	return json.Marshal(krakenSpotEventFrame{
		Event: event, Pair: []string{pair}, Subscription: spec,
		ReqID: atomic.AddInt64(&k.nextID, 1),
	})
}

func krakenFuturesFeed(kind model.DataKind) (string, error) {
	switch kind {
	case model.KindTicker, model.KindFundingRate:
		return "ticker", nil
	case model.KindTrade:
		return "trade", nil
	case model.KindDepth:
		return "book", nil
	default:
		return "", fmt.Errorf("kraken: unsupported futures data kind %q", kind)
	}
}

func (k *Kraken) buildFutures(event string, key model.Key) ([]byte, error) {
	productID, err := k.futuresProductID(key.Symbol)
	if err != nil {
		return nil, err
	}
	feed, err := krakenFuturesFeed(key.Kind)
	if err != nil {
		return nil, err
	}
	return json.Marshal(krakenFuturesEventFrame{Event: event, Feed: feed, ProductIDs: []string{productID}})
}

func (k *Kraken) BuildSubscribe(key model.Key) ([]byte, error) {
	if k.class == ClassLinearPerpetual {
		return k.buildFutures("subscribe", key)
	}
	return k.buildSpot("subscribe", key)
}

func (k *Kraken) BuildUnsubscribe(key model.Key) ([]byte, error) {
	if k.class == ClassLinearPerpetual {
		return k.buildFutures("unsubscribe", key)
	}
	return k.buildSpot("unsubscribe", key)
}

func (k *Kraken) Heartbeat() []byte { return nil } // transport-layer ping/pong only

type krakenControlFrame struct {
	Event        string `json:"event"`
	Status       string `json:"status"`
	ChannelName  string `json:"channelName,omitempty"`
	Pair         string `json:"pair,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	Feed         string `json:"feed,omitempty"`
}

func (k *Kraken) DispatchFrame(raw []byte) Dispatch {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return Dispatch{Kind: FrameOther}
	}

	if trimmed[0] == '[' {
		var arr []json.RawMessage
		if err := json.Unmarshal(raw, &arr); err != nil || len(arr) < 3 {
			return Dispatch{Kind: FrameOther}
		}
		var channelName, pair string
		json.Unmarshal(arr[len(arr)-2], &channelName)
		json.Unmarshal(arr[len(arr)-1], &pair)
		return Dispatch{Kind: FrameData, Channel: channelName + ":" + pair}
	}

	var f krakenControlFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Dispatch{Kind: FrameOther}
	}
	switch f.Event {
	case "subscriptionStatus":
		if f.Status == "error" {
			return Dispatch{Kind: FrameError, Err: fmt.Errorf("kraken: %s", f.ErrorMessage)}
		}
		return Dispatch{Kind: FrameSubscribeAck}
	case "heartbeat":
		return Dispatch{Kind: FrameHeartbeatReply}
	case "pong", "systemStatus":
		return Dispatch{Kind: FrameOther}
	}
	if f.Feed != "" && f.Event == "" {
		return Dispatch{Kind: FrameData, Channel: f.Feed}
	}
	return Dispatch{Kind: FrameOther}
}

type krakenTickerArrayData struct {
	Ask  []string `json:"a"`
	Bid  []string `json:"b"`
	Last []string `json:"c"`
	Vol  []string `json:"v"`
	High []string `json:"h"`
	Low  []string `json:"l"`
	Open []string `json:"o"`
}

func (k *Kraken) Normalize(channel string, raw []byte, localTimestamp int64) (Normalized, error) {
	parts := strings.SplitN(channel, ":", 2)
	channelName := parts[0]
	pair := ""
	if len(parts) == 2 {
		pair = parts[1]
	}

	if pair != "" {
		return k.normalizeSpot(channelName, pair, raw, localTimestamp)
	}
	return k.normalizeFutures(channelName, raw, localTimestamp)
}

func (k *Kraken) normalizeSpot(channelName, pair string, raw []byte, localTimestamp int64) (Normalized, error) {
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err != nil || len(arr) < 2 {
		return Normalized{}, fmt.Errorf("kraken: spot frame decode: %w", err)
	}
	sym := k.canonicalFromSpotPair(pair)
	base := model.Base{Venue: "kraken", Symbol: sym, LocalTimestamp: localTimestamp}

	switch {
	case channelName == "ticker":
		var t krakenTickerArrayData
		if err := json.Unmarshal(arr[1], &t); err != nil {
			return Normalized{}, fmt.Errorf("kraken: ticker decode: %w", err)
		}
		get := func(s []string, i int) float64 {
			if i >= len(s) {
				return 0
			}
			f, _ := normalize.ParseFloatString(s[i])
			return f
		}
		out := model.Ticker{
			Base: base,
			Ask:  get(t.Ask, 0), AskSize: get(t.Ask, 2),
			Bid: get(t.Bid, 0), BidSize: get(t.Bid, 2),
			Last: get(t.Last, 0), Volume: get(t.Vol, 1),
			High: get(t.High, 1), Low: get(t.Low, 1), Open: get(t.Open, 0),
		}
		return Normalized{Tickers: []model.Ticker{out}}, nil

	case channelName == "trade":
		var trades [][]interface{}
		if err := json.Unmarshal(arr[1], &trades); err != nil {
			return Normalized{}, fmt.Errorf("kraken: trade decode: %w", err)
		}
		out := make([]model.Trade, 0, len(trades))
		for _, t := range trades {
			if len(t) < 4 {
				continue
			}
			priceStr, _ := t[0].(string)
			volStr, _ := t[1].(string)
			timeStr, _ := t[2].(string)
			sideStr, _ := t[3].(string)
			price, _ := normalize.ParseFloatString(priceStr)
			vol, _ := normalize.ParseFloatString(volStr)
			ts, _ := normalize.ParseFloatString(timeStr)
			side := model.SideBuy
			if sideStr == "s" {
				side = model.SideSell
			}
			out = append(out, model.Trade{
				Base:    model.Base{Venue: "kraken", Symbol: sym, ExchangeTimestamp: int64(ts * 1000), LocalTimestamp: localTimestamp},
				Price:   price, Amount: vol, Side: side,
			})
		}
		return Normalized{Trades: out}, nil

	case channelName == "ohlc":
		var o []interface{}
		if err := json.Unmarshal(arr[1], &o); err != nil || len(o) < 8 {
			return Normalized{}, fmt.Errorf("kraken: ohlc decode: %w", err)
		}
		str := func(i int) string { s, _ := o[i].(string); return s }
		openT, _ := normalize.ParseFloatString(str(0))
		open, _ := normalize.ParseFloatString(str(2))
		high, _ := normalize.ParseFloatString(str(3))
		low, _ := normalize.ParseFloatString(str(4))
		cl, _ := normalize.ParseFloatString(str(5))
		vol, _ := normalize.ParseFloatString(str(7))
		kl := model.Kline{
			Base:     model.Base{Venue: "kraken", Symbol: sym, ExchangeTimestamp: int64(openT * 1000), LocalTimestamp: localTimestamp},
			OpenTime: int64(openT * 1000),
			Open:     open, High: high, Low: low, Close: cl, Volume: vol,
		}
		return Normalized{Klines: []model.Kline{kl}}, nil

	case strings.HasPrefix(channelName, "book"):
		var payload struct {
			As [][2]string `json:"as"`
			Bs [][2]string `json:"bs"`
			A  [][2]string `json:"a"`
			B  [][2]string `json:"b"`
		}
		if err := json.Unmarshal(arr[1], &payload); err != nil {
			return Normalized{}, fmt.Errorf("kraken: book decode: %w", err)
		}
		asks, bids := payload.As, payload.Bs
		if len(asks) == 0 {
			asks = payload.A
		}
		if len(bids) == 0 {
			bids = payload.B
		}
		d := model.Depth{
			Base: base,
			Asks: normalize.Levels(asks),
			Bids: normalize.Levels(bids),
		}
		return Normalized{Depths: []model.Depth{d}}, nil

	default:
		return Normalized{}, nil
	}
}

type krakenFuturesTicker struct {
	ProductID       string  `json:"product_id"`
	Time            int64   `json:"time"`
	Bid             float64 `json:"bid"`
	BidSize         float64 `json:"bidSize"`
	Ask             float64 `json:"ask"`
	AskSize         float64 `json:"askSize"`
	Last            float64 `json:"last"`
	Open24h         float64 `json:"open24h"`
	High24h         float64 `json:"high24h"`
	Low24h          float64 `json:"low24h"`
	Volume          float64 `json:"vol24h"`
	FundingRate     float64 `json:"fundingRate"`
	NextFundingTime int64   `json:"nextFundingRateTime"`
	MarkPrice       float64 `json:"markPrice"`
}

type krakenFuturesTrade struct {
	ProductID string  `json:"product_id"`
	Time      int64   `json:"time"`
	TradeID   string  `json:"uid"`
	Price     float64 `json:"price"`
	Qty       float64 `json:"qty"`
	Side      string  `json:"side"`
}

func (k *Kraken) normalizeFutures(feed string, raw []byte, localTimestamp int64) (Normalized, error) {
	switch {
	case strings.HasPrefix(feed, "ticker"):
		var t krakenFuturesTicker
		if err := json.Unmarshal(raw, &t); err != nil {
			return Normalized{}, fmt.Errorf("kraken: futures ticker decode: %w", err)
		}
		sym := k.canonicalFromFuturesProductID(t.ProductID)
		base := model.Base{Venue: "kraken", Symbol: sym, ExchangeTimestamp: t.Time, LocalTimestamp: localTimestamp}
		n := Normalized{Tickers: []model.Ticker{{
			Base: base, Last: t.Last, Bid: t.Bid, BidSize: t.BidSize, Ask: t.Ask, AskSize: t.AskSize,
			Open: t.Open24h, High: t.High24h, Low: t.Low24h, Volume: t.Volume,
			MarkPrice: normalize.FloatPtr(t.MarkPrice, t.MarkPrice != 0),
		}}}
		if t.FundingRate != 0 {
			n.FundingRates = []model.FundingRate{{
				Base: base, FundingRate: t.FundingRate,
				MarkPrice:       normalize.FloatPtr(t.MarkPrice, t.MarkPrice != 0),
				NextFundingTime: normalize.IntPtr(t.NextFundingTime, t.NextFundingTime != 0),
			}}
		}
		return n, nil

	case strings.HasPrefix(feed, "trade"):
		var t krakenFuturesTrade
		if err := json.Unmarshal(raw, &t); err != nil {
			return Normalized{}, fmt.Errorf("kraken: futures trade decode: %w", err)
		}
		side := model.SideBuy
		if t.Side == "sell" {
			side = model.SideSell
		}
		tr := model.Trade{
			Base:    model.Base{Venue: "kraken", Symbol: k.canonicalFromFuturesProductID(t.ProductID), ExchangeTimestamp: t.Time, LocalTimestamp: localTimestamp},
			TradeID: t.TradeID, Price: t.Price, Amount: t.Qty, Side: side,
		}
		return Normalized{Trades: []model.Trade{tr}}, nil

	default:
		return Normalized{}, nil
	}
}

var _ Adapter = (*Kraken)(nil)
