package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sawpanic/marketfeed/internal/model"
	"github.com/sawpanic/marketfeed/internal/normalize"
	"github.com/sawpanic/marketfeed/internal/symbol"
)

// Gate implements Adapter for Gate.io, whose frames are wrapped in a
// {time, channel, event, payload} envelope. Depth, trade and kline records
// take their exchange timestamp from the payload; tickers, whose payload
// carries no time, take the envelope's "time" (seconds, scaled to millis);
// funding-rate records use the local receive time. Ticker, depth, trade
// and kline subscriptions use Gate's spot.* channels for both trading
// classes, also on the futures endpoint; only funding rate uses a
// futures.* channel.
type Gate struct {
	class TradingClass
}

func NewGate(class TradingClass) *Gate { return &Gate{class: class} }

func (g *Gate) Name() string { return "gate" }

func (g *Gate) URLFor(ctx context.Context, class TradingClass) (Endpoint, error) {
	if class == ClassLinearPerpetual {
		return Endpoint{URL: "wss://fx-ws.gateio.ws/v4/ws/usdt"}, nil
	}
	return Endpoint{URL: "wss://api.gateio.ws/ws/v4/"}, nil
}

func (g *Gate) gateSymbol(canonical string) (string, error) {
	canonical = symbol.StripPerpetualSuffix(canonical)
	base, quote, err := symbol.Split(canonical)
	if err != nil {
		return "", err
	}
	return base + "_" + quote, nil
}

func (g *Gate) channel(kind model.DataKind) (string, error) {
	switch kind {
	case model.KindTicker:
		return "spot.tickers", nil
	case model.KindDepth:
		return "spot.order_book", nil
	case model.KindTrade:
		return "spot.trades", nil
	case model.KindFundingRate:
		return "futures.funding_rate", nil
	case model.KindKline:
		return "spot.candlesticks", nil
	default:
		return "", fmt.Errorf("gate: unsupported data kind %q", kind)
	}
}

type gateFrame struct {
	Time    int64           `json:"time"`
	Channel string          `json:"channel"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (g *Gate) buildEvent(event string, key model.Key) ([]byte, error) {
	sym, err := g.gateSymbol(key.Symbol)
	if err != nil {
		return nil, err
	}
	ch, err := g.channel(key.Kind)
	if err != nil {
		return nil, err
	}
	var payload []string
	if key.Kind == model.KindKline {
		interval := key.Interval
		if interval == "" {
			interval = model.DefaultKlineInterval
		}
		payload = []string{interval, sym}
	} else {
		payload = []string{sym}
	}
	payloadRaw, _ := json.Marshal(payload)
	return json.Marshal(gateFrame{Channel: ch, Event: event, Payload: payloadRaw})
}

func (g *Gate) BuildSubscribe(key model.Key) ([]byte, error) {
	return g.buildEvent("subscribe", key)
}

func (g *Gate) BuildUnsubscribe(key model.Key) ([]byte, error) {
	return g.buildEvent("unsubscribe", key)
}

func (g *Gate) Heartbeat() []byte {
	raw, _ := json.Marshal(gateFrame{Channel: "spot.ping", Event: "ping"})
	return raw
}

func (g *Gate) DispatchFrame(raw []byte) Dispatch {
	var f gateFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Dispatch{Kind: FrameOther}
	}
	if f.Error != nil {
		return Dispatch{Kind: FrameError, Err: fmt.Errorf("gate: %s (code %d)", f.Error.Message, f.Error.Code)}
	}
	switch f.Event {
	case "subscribe", "unsubscribe":
		return Dispatch{Kind: FrameSubscribeAck}
	case "pong":
		return Dispatch{Kind: FrameHeartbeatReply}
	case "update":
		return Dispatch{Kind: FrameData, Channel: f.Channel}
	default:
		return Dispatch{Kind: FrameOther}
	}
}

type gateTickerPayload struct {
	CurrencyPair string `json:"currency_pair"`
	Last         string `json:"last"`
	LowestAsk    string `json:"lowest_ask"`
	HighestBid   string `json:"highest_bid"`
	ChangePct    string `json:"change_percentage"`
	High24h      string `json:"high_24h"`
	Low24h       string `json:"low_24h"`
	BaseVolume   string `json:"base_volume"`
	QuoteVolume  string `json:"quote_volume"`
}

type gateDepthPayload struct {
	CurrencyPair string      `json:"s"`
	Bids         [][2]string `json:"bids"`
	Asks         [][2]string `json:"asks"`
	Time         int64       `json:"t"`
}

type gateTradePayload struct {
	CurrencyPair string `json:"currency_pair"`
	ID           int64  `json:"id"`
	Price        string `json:"price"`
	Amount       string `json:"amount"`
	Side         string `json:"side"`
	CreateTimeMs string `json:"create_time_ms"`
}

type gateFundingPayload struct {
	Contract        string `json:"contract"`
	FundingRate     string `json:"funding_rate"`
	FundingNext     int64  `json:"funding_next_apply"`
}

type gateCandlePayload struct {
	Timestamp    string `json:"t"`
	Volume       string `json:"v"`
	Close        string `json:"c"`
	High         string `json:"h"`
	Low          string `json:"l"`
	Open         string `json:"o"`
	QuoteVolume  string `json:"a"`
	NameWithInt  string `json:"n"` // "<interval>_<pair>"
}

func (g *Gate) canonicalSymbol(pair string) string {
	parts := strings.SplitN(pair, "_", 2)
	if len(parts) != 2 {
		return pair
	}
	return symbol.Canonical(parts[0], parts[1])
}

func (g *Gate) Normalize(channel string, raw []byte, localTimestamp int64) (Normalized, error) {
	var f gateFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Normalized{}, fmt.Errorf("gate: frame decode: %w", err)
	}

	switch channel {
	case "spot.tickers":
		var p gateTickerPayload
		if err := json.Unmarshal(f.Result, &p); err != nil {
			return Normalized{}, fmt.Errorf("gate: ticker decode: %w", err)
		}
		last, _ := normalize.ParseFloatString(p.Last)
		ask, _ := normalize.ParseFloatString(p.LowestAsk)
		bid, _ := normalize.ParseFloatString(p.HighestBid)
		chgPct, _ := normalize.ParseFloatString(p.ChangePct)
		high, _ := normalize.ParseFloatString(p.High24h)
		low, _ := normalize.ParseFloatString(p.Low24h)
		vol, _ := normalize.ParseFloatString(p.BaseVolume)
		qvol, _ := normalize.ParseFloatString(p.QuoteVolume)
		t := model.Ticker{
			Base: model.Base{Venue: "gate", Symbol: g.canonicalSymbol(p.CurrencyPair), ExchangeTimestamp: f.Time * 1000, LocalTimestamp: localTimestamp},
			Last: last, Bid: bid, Ask: ask, High: high, Low: low, Volume: vol, QuoteVolume: qvol, ChangePercent: chgPct,
		}
		return Normalized{Tickers: []model.Ticker{t}}, nil

	case "spot.order_book":
		var p gateDepthPayload
		if err := json.Unmarshal(f.Result, &p); err != nil {
			return Normalized{}, fmt.Errorf("gate: depth decode: %w", err)
		}
		d := model.Depth{
			Base: model.Base{Venue: "gate", Symbol: g.canonicalSymbol(p.CurrencyPair), ExchangeTimestamp: p.Time, LocalTimestamp: localTimestamp},
			Bids: normalize.Levels(p.Bids),
			Asks: normalize.Levels(p.Asks),
		}
		return Normalized{Depths: []model.Depth{d}}, nil

	case "spot.trades":
		var p gateTradePayload
		if err := json.Unmarshal(f.Result, &p); err != nil {
			return Normalized{}, fmt.Errorf("gate: trade decode: %w", err)
		}
		price, _ := normalize.ParseFloatString(p.Price)
		amount, _ := normalize.ParseFloatString(p.Amount)
		ts, _ := normalize.ParseFloatString(p.CreateTimeMs)
		side := model.SideBuy
		if p.Side == "sell" {
			side = model.SideSell
		}
		tr := model.Trade{
			Base:    model.Base{Venue: "gate", Symbol: g.canonicalSymbol(p.CurrencyPair), ExchangeTimestamp: int64(ts), LocalTimestamp: localTimestamp},
			TradeID: fmt.Sprintf("%d", p.ID), Price: price, Amount: amount, Side: side,
		}
		return Normalized{Trades: []model.Trade{tr}}, nil

	case "futures.funding_rate":
		var p gateFundingPayload
		if err := json.Unmarshal(f.Result, &p); err != nil {
			return Normalized{}, fmt.Errorf("gate: funding decode: %w", err)
		}
		rate, ok := normalize.ParseFloatString(p.FundingRate)
		if !ok {
			return Normalized{}, nil
		}
		fr := model.FundingRate{
			Base:        model.Base{Venue: "gate", Symbol: g.canonicalSymbol(p.Contract), ExchangeTimestamp: localTimestamp, LocalTimestamp: localTimestamp},
			FundingRate: rate,
			// Gate's next-funding field is a heuristic "now + 8h" when
			// the venue doesn't supply it directly; left absent here
			// since FundingNext already carries the real value when set.
			NextFundingTime: normalize.IntPtr(p.FundingNext*1000, p.FundingNext > 0),
		}
		return Normalized{FundingRates: []model.FundingRate{fr}}, nil

	case "spot.candlesticks":
		var p gateCandlePayload
		if err := json.Unmarshal(f.Result, &p); err != nil {
			return Normalized{}, fmt.Errorf("gate: candle decode: %w", err)
		}
		ts, _ := normalize.ParseFloatString(p.Timestamp)
		open, _ := normalize.ParseFloatString(p.Open)
		high, _ := normalize.ParseFloatString(p.High)
		low, _ := normalize.ParseFloatString(p.Low)
		cl, _ := normalize.ParseFloatString(p.Close)
		vol, _ := normalize.ParseFloatString(p.Volume)
		qvol, _ := normalize.ParseFloatString(p.QuoteVolume)
		nameParts := strings.SplitN(p.NameWithInt, "_", 2)
		interval, pair := "", ""
		if len(nameParts) == 2 {
			interval, pair = nameParts[0], nameParts[1]
		}
		k := model.Kline{
			Base:     model.Base{Venue: "gate", Symbol: g.canonicalSymbol(pair), ExchangeTimestamp: int64(ts) * 1000, LocalTimestamp: localTimestamp},
			Interval: interval, OpenTime: int64(ts) * 1000,
			Open: open, High: high, Low: low, Close: cl, Volume: vol, QuoteVolume: qvol,
		}
		return Normalized{Klines: []model.Kline{k}}, nil

	default:
		return Normalized{}, nil
	}
}

var _ Adapter = (*Gate)(nil)
