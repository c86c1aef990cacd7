package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/sawpanic/marketfeed/internal/model"
	"github.com/sawpanic/marketfeed/internal/normalize"
	"github.com/sawpanic/marketfeed/internal/symbol"
)

// Bybit implements Adapter for Bybit v5 public spot/linear channels.
type Bybit struct {
	class TradingClass
}

func NewBybit(class TradingClass) *Bybit { return &Bybit{class: class} }

func (b *Bybit) Name() string { return "bybit" }

func (b *Bybit) URLFor(ctx context.Context, class TradingClass) (Endpoint, error) {
	if class == ClassLinearPerpetual {
		return Endpoint{URL: "wss://stream.bybit.com/v5/public/linear"}, nil
	}
	return Endpoint{URL: "wss://stream.bybit.com/v5/public/spot"}, nil
}

func (b *Bybit) bybitSymbol(canonical string) (string, error) {
	canonical = symbol.StripPerpetualSuffix(canonical)
	base, quote, err := symbol.Split(canonical)
	if err != nil {
		return "", err
	}
	return base + quote, nil
}

func (b *Bybit) topic(key model.Key) (string, error) {
	sym, err := b.bybitSymbol(key.Symbol)
	if err != nil {
		return "", err
	}
	switch key.Kind {
	case model.KindTicker, model.KindFundingRate:
		// Bybit's linear tickers push both best-bid/ask and funding
		// fields on the same topic; the funding-rate record is
		// extracted from the same frame the ticker normalizer reads.
		return "tickers." + sym, nil
	case model.KindDepth:
		return "orderbook.50." + sym, nil
	case model.KindTrade:
		return "publicTrade." + sym, nil
	case model.KindKline:
		interval := key.Interval
		if interval == "" {
			interval = model.DefaultKlineInterval
		}
		return "kline." + bybitInterval(interval) + "." + sym, nil
	default:
		return "", fmt.Errorf("bybit: unsupported data kind %q", key.Kind)
	}
}

func bybitInterval(interval string) string {
	// Bybit spells minute intervals as bare numbers ("1","5","60") and day
	// or above with a letter suffix ("D","W","M"); canonical intervals use
	// the usual "1m"/"1h"/"1d" form.
	switch {
	case strings.HasSuffix(interval, "m"):
		return strings.TrimSuffix(interval, "m")
	case strings.HasSuffix(interval, "h"):
		n, _ := strconv.Atoi(strings.TrimSuffix(interval, "h"))
		return strconv.Itoa(n * 60)
	case strings.HasSuffix(interval, "d"):
		return "D"
	case strings.HasSuffix(interval, "w"):
		return "W"
	default:
		return interval
	}
}

type bybitOpFrame struct {
	Op   string   `json:"op"`
	Args []string `json:"args"`
}

func (b *Bybit) BuildSubscribe(key model.Key) ([]byte, error) {
	t, err := b.topic(key)
	if err != nil {
		return nil, err
	}
	return json.Marshal(bybitOpFrame{Op: "subscribe", Args: []string{t}})
}

func (b *Bybit) BuildUnsubscribe(key model.Key) ([]byte, error) {
	t, err := b.topic(key)
	if err != nil {
		return nil, err
	}
	return json.Marshal(bybitOpFrame{Op: "unsubscribe", Args: []string{t}})
}

func (b *Bybit) Heartbeat() []byte {
	raw, _ := json.Marshal(map[string]string{"op": "ping"})
	return raw
}

type bybitFrame struct {
	Op      string          `json:"op,omitempty"`
	Success *bool           `json:"success,omitempty"`
	RetMsg  string          `json:"ret_msg,omitempty"`
	Topic   string          `json:"topic,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Ts      int64           `json:"ts,omitempty"`
}

func (b *Bybit) DispatchFrame(raw []byte) Dispatch {
	var f bybitFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Dispatch{Kind: FrameOther}
	}
	if f.Op == "pong" {
		return Dispatch{Kind: FrameHeartbeatReply}
	}
	if f.Op == "subscribe" || f.Op == "unsubscribe" {
		if f.Success != nil && !*f.Success {
			return Dispatch{Kind: FrameError, Err: fmt.Errorf("bybit: %s", f.RetMsg)}
		}
		return Dispatch{Kind: FrameSubscribeAck}
	}
	if f.Topic != "" && len(f.Data) > 0 {
		return Dispatch{Kind: FrameData, Channel: f.Topic}
	}
	return Dispatch{Kind: FrameOther}
}

type bybitTickerData struct {
	Symbol          string `json:"symbol"`
	LastPrice       string `json:"lastPrice"`
	Bid1Price       string `json:"bid1Price"`
	Bid1Size        string `json:"bid1Size"`
	Ask1Price       string `json:"ask1Price"`
	Ask1Size        string `json:"ask1Size"`
	Volume24h       string `json:"volume24h"`
	Turnover24h     string `json:"turnover24h"`
	HighPrice24h    string `json:"highPrice24h"`
	LowPrice24h     string `json:"lowPrice24h"`
	PrevPrice24h    string `json:"prevPrice24h"`
	FundingRate     string `json:"fundingRate"`
	NextFundingTime string `json:"nextFundingTime"`
	MarkPrice       string `json:"markPrice"`
	IndexPrice      string `json:"indexPrice"`
}

type bybitDepthData struct {
	Symbol string      `json:"s"`
	Bids   [][2]string `json:"b"`
	Asks   [][2]string `json:"a"`
}

type bybitTradeData struct {
	Symbol  string `json:"s"`
	Price   string `json:"p"`
	Size    string `json:"v"`
	Side    string `json:"S"`
	TradeID string `json:"i"`
	Ts      int64  `json:"T"`
}

type bybitKlineData struct {
	Start    int64  `json:"start"`
	End      int64  `json:"end"`
	Interval string `json:"interval"`
	Open     string `json:"open"`
	Close    string `json:"close"`
	High     string `json:"high"`
	Low      string `json:"low"`
	Volume   string `json:"volume"`
	Turnover string `json:"turnover"`
	Confirm  bool   `json:"confirm"`
}

func (b *Bybit) canonicalSymbol(venueSymbol string) string {
	base, quote, ok := symbol.ProbeSplit(venueSymbol, symbol.DefaultProbeList)
	if !ok {
		return venueSymbol
	}
	return symbol.Canonical(base, quote)
}

func (b *Bybit) Normalize(channel string, raw []byte, localTimestamp int64) (Normalized, error) {
	var f bybitFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Normalized{}, fmt.Errorf("bybit: frame decode: %w", err)
	}

	switch {
	case strings.HasPrefix(channel, "tickers."):
		var p bybitTickerData
		if err := json.Unmarshal(f.Data, &p); err != nil {
			return Normalized{}, fmt.Errorf("bybit: ticker decode: %w", err)
		}
		var n Normalized
		last, _ := normalize.ParseFloatString(p.LastPrice)
		bid, _ := normalize.ParseFloatString(p.Bid1Price)
		bidSz, _ := normalize.ParseFloatString(p.Bid1Size)
		ask, _ := normalize.ParseFloatString(p.Ask1Price)
		askSz, _ := normalize.ParseFloatString(p.Ask1Size)
		high, _ := normalize.ParseFloatString(p.HighPrice24h)
		low, _ := normalize.ParseFloatString(p.LowPrice24h)
		open, _ := normalize.ParseFloatString(p.PrevPrice24h)
		vol, _ := normalize.ParseFloatString(p.Volume24h)
		qvol, _ := normalize.ParseFloatString(p.Turnover24h)
		n.Tickers = []model.Ticker{{
			Base: model.Base{
				Venue: "bybit", Symbol: b.canonicalSymbol(p.Symbol),
				ExchangeTimestamp: f.Ts, LocalTimestamp: localTimestamp,
			},
			Last: last, Bid: bid, BidSize: bidSz, Ask: ask, AskSize: askSz,
			Open: open, High: high, Low: low, Volume: vol, QuoteVolume: qvol,
		}}
		if rate, ok := normalize.ParseFloatString(p.FundingRate); ok {
			next, nextOK := normalize.ParseFloatString(p.NextFundingTime)
			mark, markOK := normalize.ParseFloatString(p.MarkPrice)
			index, indexOK := normalize.ParseFloatString(p.IndexPrice)
			n.FundingRates = []model.FundingRate{{
				Base: model.Base{
					Venue: "bybit", Symbol: b.canonicalSymbol(p.Symbol),
					ExchangeTimestamp: f.Ts, LocalTimestamp: localTimestamp,
				},
				FundingRate:     rate,
				MarkPrice:       normalize.FloatPtr(mark, markOK),
				IndexPrice:      normalize.FloatPtr(index, indexOK),
				NextFundingTime: normalize.IntPtr(int64(next), nextOK),
			}}
		}
		return n, nil

	case strings.HasPrefix(channel, "orderbook."):
		var p bybitDepthData
		if err := json.Unmarshal(f.Data, &p); err != nil {
			return Normalized{}, fmt.Errorf("bybit: depth decode: %w", err)
		}
		d := model.Depth{
			Base: model.Base{
				Venue: "bybit", Symbol: b.canonicalSymbol(p.Symbol),
				ExchangeTimestamp: f.Ts, LocalTimestamp: localTimestamp,
			},
			Bids: normalize.Levels(p.Bids),
			Asks: normalize.Levels(p.Asks),
		}
		return Normalized{Depths: []model.Depth{d}}, nil

	case strings.HasPrefix(channel, "publicTrade."):
		var items []bybitTradeData
		if err := json.Unmarshal(f.Data, &items); err != nil {
			return Normalized{}, fmt.Errorf("bybit: trade decode: %w", err)
		}
		out := make([]model.Trade, 0, len(items))
		for _, p := range items {
			price, _ := normalize.ParseFloatString(p.Price)
			size, _ := normalize.ParseFloatString(p.Size)
			side := model.SideBuy
			if p.Side == "Sell" {
				side = model.SideSell
			}
			out = append(out, model.Trade{
				Base: model.Base{
					Venue: "bybit", Symbol: b.canonicalSymbol(p.Symbol),
					ExchangeTimestamp: p.Ts, LocalTimestamp: localTimestamp,
				},
				TradeID: p.TradeID, Price: price, Amount: size, Side: side,
			})
		}
		return Normalized{Trades: out}, nil

	case strings.HasPrefix(channel, "kline."):
		var items []bybitKlineData
		if err := json.Unmarshal(f.Data, &items); err != nil {
			return Normalized{}, fmt.Errorf("bybit: kline decode: %w", err)
		}
		parts := strings.SplitN(channel, ".", 3)
		venueSym := ""
		if len(parts) == 3 {
			venueSym = parts[2]
		}
		out := make([]model.Kline, 0, len(items))
		for _, p := range items {
			open, _ := normalize.ParseFloatString(p.Open)
			high, _ := normalize.ParseFloatString(p.High)
			low, _ := normalize.ParseFloatString(p.Low)
			cl, _ := normalize.ParseFloatString(p.Close)
			vol, _ := normalize.ParseFloatString(p.Volume)
			qvol, _ := normalize.ParseFloatString(p.Turnover)
			out = append(out, model.Kline{
				Base: model.Base{
					Venue: "bybit", Symbol: b.canonicalSymbol(venueSym),
					ExchangeTimestamp: p.Start, LocalTimestamp: localTimestamp,
				},
				OpenTime: p.Start, CloseTime: p.End,
				Open: open, High: high, Low: low, Close: cl, Volume: vol, QuoteVolume: qvol,
				IsClosed: p.Confirm,
			})
		}
		return Normalized{Klines: out}, nil

	default:
		return Normalized{}, nil
	}
}

var _ Adapter = (*Bybit)(nil)
