package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/sawpanic/marketfeed/internal/model"
	"github.com/sawpanic/marketfeed/internal/normalize"
	"github.com/sawpanic/marketfeed/internal/symbol"
)

// Binance implements Adapter for Binance spot and USDT-margined futures.
// It always connects to the combined-stream endpoint and drives it with
// live SUBSCRIBE/UNSUBSCRIBE ops, per the venue notes in §6: this keeps one
// socket able to carry every channel the pool seats on it instead of
// dialing once per stream the way the teacher's adapter did.
type Binance struct {
	class  TradingClass
	nextID int64
}

// NewBinance returns a Binance adapter for the given trading class.
func NewBinance(class TradingClass) *Binance {
	return &Binance{class: class}
}

func (b *Binance) Name() string { return "binance" }

func (b *Binance) URLFor(ctx context.Context, class TradingClass) (Endpoint, error) {
	switch class {
	case ClassLinearPerpetual:
		return Endpoint{URL: "wss://fstream.binance.com/stream"}, nil
	default:
		return Endpoint{URL: "wss://stream.binance.com:9443/stream"}, nil
	}
}

func (b *Binance) binanceSymbol(canonical string) (string, error) {
	canonical = symbol.StripPerpetualSuffix(canonical)
	base, quote, err := symbol.Split(canonical)
	if err != nil {
		return "", err
	}
	return strings.ToLower(base + quote), nil
}

func (b *Binance) streamName(key model.Key) (string, error) {
	sym, err := b.binanceSymbol(key.Symbol)
	if err != nil {
		return "", err
	}
	switch key.Kind {
	case model.KindTicker:
		return sym + "@ticker", nil
	case model.KindDepth:
		return sym + "@depth20@100ms", nil
	case model.KindTrade:
		return sym + "@trade", nil
	case model.KindFundingRate:
		return sym + "@markPrice@1s", nil
	case model.KindKline:
		interval := key.Interval
		if interval == "" {
			interval = model.DefaultKlineInterval
		}
		return sym + "@kline_" + interval, nil
	default:
		return "", fmt.Errorf("binance: unsupported data kind %q", key.Kind)
	}
}

type binanceSubscribeFrame struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

func (b *Binance) BuildSubscribe(key model.Key) ([]byte, error) {
	stream, err := b.streamName(key)
	if err != nil {
		return nil, err
	}
	frame := binanceSubscribeFrame{
		Method: "SUBSCRIBE",
		Params: []string{stream},
		ID:     atomic.AddInt64(&b.nextID, 1),
	}
	return json.Marshal(frame)
}

func (b *Binance) BuildUnsubscribe(key model.Key) ([]byte, error) {
	stream, err := b.streamName(key)
	if err != nil {
		return nil, err
	}
	frame := binanceSubscribeFrame{
		Method: "UNSUBSCRIBE",
		Params: []string{stream},
		ID:     atomic.AddInt64(&b.nextID, 1),
	}
	return json.Marshal(frame)
}

// Heartbeat returns nil: Binance relies on transport-layer ping/pong, which
// gorilla/websocket answers automatically.
func (b *Binance) Heartbeat() []byte { return nil }

type binanceEnvelope struct {
	Result json.RawMessage `json:"result"`
	ID     *int64          `json:"id"`
	Error  *struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	} `json:"error"`
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

func (b *Binance) DispatchFrame(raw []byte) Dispatch {
	var env binanceEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Dispatch{Kind: FrameOther}
	}
	if env.Error != nil {
		return Dispatch{Kind: FrameError, Err: fmt.Errorf("binance: %s (code %d)", env.Error.Msg, env.Error.Code)}
	}
	if env.Stream != "" && len(env.Data) > 0 {
		return Dispatch{Kind: FrameData, Channel: env.Stream}
	}
	if env.ID != nil {
		return Dispatch{Kind: FrameSubscribeAck}
	}
	return Dispatch{Kind: FrameOther}
}

type binanceTickerPayload struct {
	EventTime   int64  `json:"E"`
	Symbol      string `json:"s"`
	Last        string `json:"c"`
	Bid         string `json:"b"`
	BidQty      string `json:"B"`
	Ask         string `json:"a"`
	AskQty      string `json:"A"`
	Open        string `json:"o"`
	High        string `json:"h"`
	Low         string `json:"l"`
	Volume      string `json:"v"`
	QuoteVolume string `json:"q"`
	Change      string `json:"p"`
	ChangePct   string `json:"P"`
}

type binanceDepthPayload struct {
	EventTime int64      `json:"E"`
	Symbol    string     `json:"s"`
	Bids      [][2]string `json:"b"`
	Asks      [][2]string `json:"a"`
}

type binanceTradePayload struct {
	EventTime    int64  `json:"E"`
	TradeTime    int64  `json:"T"`
	Symbol       string `json:"s"`
	TradeID      int64  `json:"t"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	IsBuyerMaker bool   `json:"m"`
}

type binanceMarkPricePayload struct {
	EventTime       int64  `json:"E"`
	Symbol          string `json:"s"`
	MarkPrice       string `json:"p"`
	IndexPrice      string `json:"i"`
	FundingRate     string `json:"r"`
	NextFundingTime int64  `json:"T"`
}

type binanceKlinePayload struct {
	EventTime int64 `json:"E"`
	Symbol    string `json:"s"`
	Kline     struct {
		OpenTime    int64  `json:"t"`
		CloseTime   int64  `json:"T"`
		Interval    string `json:"i"`
		Open        string `json:"o"`
		Close       string `json:"c"`
		High        string `json:"h"`
		Low         string `json:"l"`
		Volume      string `json:"v"`
		Trades      int64  `json:"n"`
		IsClosed    bool   `json:"x"`
		QuoteVolume string `json:"q"`
	} `json:"k"`
}

func (b *Binance) canonicalSymbol(venueSymbol string) string {
	base, quote, ok := symbol.ProbeSplit(venueSymbol, symbol.DefaultProbeList)
	if !ok {
		return venueSymbol
	}
	return symbol.Canonical(base, quote)
}

// Normalize re-parses the combined-stream envelope to recover the channel's
// data payload, then dispatches on the stream-name suffix.
func (b *Binance) Normalize(channel string, raw []byte, localTimestamp int64) (Normalized, error) {
	var env binanceEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Normalized{}, fmt.Errorf("binance: envelope decode: %w", err)
	}
	data := env.Data

	switch {
	case strings.HasSuffix(channel, "@ticker"):
		var p binanceTickerPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return Normalized{}, fmt.Errorf("binance: ticker decode: %w", err)
		}
		last, _ := normalize.ParseFloatString(p.Last)
		bid, _ := normalize.ParseFloatString(p.Bid)
		bidSize, _ := normalize.ParseFloatString(p.BidQty)
		ask, _ := normalize.ParseFloatString(p.Ask)
		askSize, _ := normalize.ParseFloatString(p.AskQty)
		open, _ := normalize.ParseFloatString(p.Open)
		high, _ := normalize.ParseFloatString(p.High)
		low, _ := normalize.ParseFloatString(p.Low)
		vol, _ := normalize.ParseFloatString(p.Volume)
		qvol, _ := normalize.ParseFloatString(p.QuoteVolume)
		chg, _ := normalize.ParseFloatString(p.Change)
		chgPct, _ := normalize.ParseFloatString(p.ChangePct)
		t := model.Ticker{
			Base: model.Base{
				Venue: "binance", Symbol: b.canonicalSymbol(p.Symbol),
				ExchangeTimestamp: p.EventTime, LocalTimestamp: localTimestamp,
			},
			Last: last, Bid: bid, BidSize: bidSize, Ask: ask, AskSize: askSize,
			Open: open, High: high, Low: low, Volume: vol, QuoteVolume: qvol,
			Change: chg, ChangePercent: chgPct,
		}
		return Normalized{Tickers: []model.Ticker{t}}, nil

	case strings.Contains(channel, "@depth"):
		var p binanceDepthPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return Normalized{}, fmt.Errorf("binance: depth decode: %w", err)
		}
		d := model.Depth{
			Base: model.Base{
				Venue: "binance", Symbol: b.canonicalSymbol(p.Symbol),
				ExchangeTimestamp: p.EventTime, LocalTimestamp: localTimestamp,
			},
			Bids: normalize.Levels(p.Bids),
			Asks: normalize.Levels(p.Asks),
		}
		return Normalized{Depths: []model.Depth{d}}, nil

	case strings.HasSuffix(channel, "@trade"):
		var p binanceTradePayload
		if err := json.Unmarshal(data, &p); err != nil {
			return Normalized{}, fmt.Errorf("binance: trade decode: %w", err)
		}
		price, _ := normalize.ParseFloatString(p.Price)
		qty, _ := normalize.ParseFloatString(p.Quantity)
		side := model.SideBuy
		if p.IsBuyerMaker {
			side = model.SideSell
		}
		tr := model.Trade{
			Base: model.Base{
				Venue: "binance", Symbol: b.canonicalSymbol(p.Symbol),
				ExchangeTimestamp: p.TradeTime, LocalTimestamp: localTimestamp,
			},
			TradeID: strconv.FormatInt(p.TradeID, 10),
			Price:   price, Amount: qty, Side: side,
		}
		return Normalized{Trades: []model.Trade{tr}}, nil

	case strings.Contains(channel, "@markPrice"):
		var p binanceMarkPricePayload
		if err := json.Unmarshal(data, &p); err != nil {
			return Normalized{}, fmt.Errorf("binance: markPrice decode: %w", err)
		}
		rate, ok := normalize.ParseFloatString(p.FundingRate)
		if !ok {
			return Normalized{}, nil
		}
		mark, markOK := normalize.ParseFloatString(p.MarkPrice)
		index, indexOK := normalize.ParseFloatString(p.IndexPrice)
		fr := model.FundingRate{
			Base: model.Base{
				Venue: "binance", Symbol: b.canonicalSymbol(p.Symbol),
				ExchangeTimestamp: p.EventTime, LocalTimestamp: localTimestamp,
			},
			FundingRate:     rate,
			MarkPrice:       normalize.FloatPtr(mark, markOK),
			IndexPrice:      normalize.FloatPtr(index, indexOK),
			NextFundingTime: normalize.IntPtr(p.NextFundingTime, p.NextFundingTime > 0),
		}
		return Normalized{FundingRates: []model.FundingRate{fr}}, nil

	case strings.Contains(channel, "@kline_"):
		var p binanceKlinePayload
		if err := json.Unmarshal(data, &p); err != nil {
			return Normalized{}, fmt.Errorf("binance: kline decode: %w", err)
		}
		open, _ := normalize.ParseFloatString(p.Kline.Open)
		high, _ := normalize.ParseFloatString(p.Kline.High)
		low, _ := normalize.ParseFloatString(p.Kline.Low)
		cl, _ := normalize.ParseFloatString(p.Kline.Close)
		vol, _ := normalize.ParseFloatString(p.Kline.Volume)
		qvol, _ := normalize.ParseFloatString(p.Kline.QuoteVolume)
		k := model.Kline{
			Base: model.Base{
				Venue: "binance", Symbol: b.canonicalSymbol(p.Symbol),
				ExchangeTimestamp: p.EventTime, LocalTimestamp: localTimestamp,
			},
			Interval: p.Kline.Interval, OpenTime: p.Kline.OpenTime, CloseTime: p.Kline.CloseTime,
			Open: open, High: high, Low: low, Close: cl, Volume: vol, QuoteVolume: qvol,
			Trades: p.Kline.Trades, IsClosed: p.Kline.IsClosed,
		}
		return Normalized{Klines: []model.Kline{k}}, nil

	default:
		return Normalized{}, nil
	}
}

var _ Adapter = (*Binance)(nil)
