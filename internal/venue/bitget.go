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

// Bitget implements Adapter for Bitget's v2 public channel, which shares one
// websocket endpoint across spot and futures and disambiguates with the
// instType argument.
type Bitget struct {
	class TradingClass
}

func NewBitget(class TradingClass) *Bitget { return &Bitget{class: class} }

func (b *Bitget) Name() string { return "bitget" }

func (b *Bitget) URLFor(ctx context.Context, class TradingClass) (Endpoint, error) {
	return Endpoint{URL: "wss://ws.bitget.com/v2/ws/public"}, nil
}

func (b *Bitget) instType() string {
	if b.class == ClassLinearPerpetual {
		return "USDT-FUTURES"
	}
	return "SPOT"
}

func (b *Bitget) bitgetSymbol(canonical string) (string, error) {
	canonical = symbol.StripPerpetualSuffix(canonical)
	base, quote, err := symbol.Split(canonical)
	if err != nil {
		return "", err
	}
	return base + quote, nil
}

func (b *Bitget) channel(kind model.DataKind, interval string) (string, error) {
	switch kind {
	case model.KindTicker, model.KindFundingRate:
		return "ticker", nil
	case model.KindDepth:
		return "books15", nil
	case model.KindTrade:
		return "trade", nil
	case model.KindKline:
		if interval == "" {
			interval = model.DefaultKlineInterval
		}
		return "candle" + strings.ToUpper(interval), nil
	default:
		return "", fmt.Errorf("bitget: unsupported data kind %q", kind)
	}
}

type bitgetArg struct {
	InstType string `json:"instType"`
	Channel  string `json:"channel"`
	InstID   string `json:"instId"`
}

type bitgetFrame struct {
	Op    string          `json:"op,omitempty"`
	Args  []bitgetArg     `json:"args,omitempty"`
	Arg   *bitgetArg      `json:"arg,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Event string          `json:"event,omitempty"`
	Code  int             `json:"code,omitempty"`
	Msg   string          `json:"msg,omitempty"`
}

func (b *Bitget) buildOp(op string, key model.Key) ([]byte, error) {
	sym, err := b.bitgetSymbol(key.Symbol)
	if err != nil {
		return nil, err
	}
	ch, err := b.channel(key.Kind, key.Interval)
	if err != nil {
		return nil, err
	}
	frame := bitgetFrame{Op: op, Args: []bitgetArg{{InstType: b.instType(), Channel: ch, InstID: sym}}}
	return json.Marshal(frame)
}

func (b *Bitget) BuildSubscribe(key model.Key) ([]byte, error)   { return b.buildOp("subscribe", key) }
func (b *Bitget) BuildUnsubscribe(key model.Key) ([]byte, error) { return b.buildOp("unsubscribe", key) }

func (b *Bitget) Heartbeat() []byte { return []byte("ping") }

func (b *Bitget) DispatchFrame(raw []byte) Dispatch {
	if string(raw) == "pong" {
		return Dispatch{Kind: FrameHeartbeatReply}
	}
	var f bitgetFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Dispatch{Kind: FrameOther}
	}
	if f.Event == "error" || f.Code != 0 {
		return Dispatch{Kind: FrameError, Err: fmt.Errorf("bitget: %s (code %d)", f.Msg, f.Code)}
	}
	if f.Event == "subscribe" || f.Event == "unsubscribe" {
		return Dispatch{Kind: FrameSubscribeAck}
	}
	if f.Arg != nil && len(f.Data) > 0 {
		return Dispatch{Kind: FrameData, Channel: f.Arg.Channel}
	}
	return Dispatch{Kind: FrameOther}
}

type bitgetTickerData struct {
	InstID      string `json:"instId"`
	LastPr      string `json:"lastPr"`
	BidPr       string `json:"bidPr"`
	AskPr       string `json:"askPr"`
	Open24h     string `json:"open24h"`
	High24h     string `json:"high24h"`
	Low24h      string `json:"low24h"`
	BaseVolume  string `json:"baseVolume"`
	QuoteVolume string `json:"quoteVolume"`
	FundingRate string `json:"fundingRate"`
	Ts          string `json:"ts"`
}

type bitgetDepthData struct {
	Bids [][2]string `json:"bids"`
	Asks [][2]string `json:"asks"`
	Ts   string      `json:"ts"`
}

type bitgetTradeData struct {
	TradeID string `json:"tradeId"`
	Price   string `json:"price"`
	Size    string `json:"size"`
	Side    string `json:"side"`
	Ts      string `json:"ts"`
}

func (b *Bitget) canonicalSymbol(venueSymbol string) string {
	base, quote, ok := symbol.ProbeSplit(venueSymbol, symbol.DefaultProbeList)
	if !ok {
		return venueSymbol
	}
	return symbol.Canonical(base, quote)
}

func (b *Bitget) Normalize(channel string, raw []byte, localTimestamp int64) (Normalized, error) {
	var f bitgetFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Normalized{}, fmt.Errorf("bitget: frame decode: %w", err)
	}
	instID := ""
	if f.Arg != nil {
		instID = f.Arg.InstID
	}

	switch channel {
	case "ticker":
		var items []bitgetTickerData
		if err := json.Unmarshal(f.Data, &items); err != nil {
			return Normalized{}, fmt.Errorf("bitget: ticker decode: %w", err)
		}
		var n Normalized
		for _, p := range items {
			last, _ := normalize.ParseFloatString(p.LastPr)
			bid, _ := normalize.ParseFloatString(p.BidPr)
			ask, _ := normalize.ParseFloatString(p.AskPr)
			open, _ := normalize.ParseFloatString(p.Open24h)
			high, _ := normalize.ParseFloatString(p.High24h)
			low, _ := normalize.ParseFloatString(p.Low24h)
			vol, _ := normalize.ParseFloatString(p.BaseVolume)
			qvol, _ := normalize.ParseFloatString(p.QuoteVolume)
			ts, _ := normalize.ParseFloatString(p.Ts)
			sym := b.canonicalSymbol(p.InstID)
			if sym == "" {
				sym = b.canonicalSymbol(instID)
			}
			base := model.Base{Venue: "bitget", Symbol: sym, ExchangeTimestamp: int64(ts), LocalTimestamp: localTimestamp}
			n.Tickers = append(n.Tickers, model.Ticker{
				Base: base, Last: last, Bid: bid, Ask: ask, Open: open, High: high, Low: low, Volume: vol, QuoteVolume: qvol,
			})
			if rate, ok := normalize.ParseFloatString(p.FundingRate); ok {
				n.FundingRates = append(n.FundingRates, model.FundingRate{Base: base, FundingRate: rate})
			}
		}
		return n, nil

	case "books15":
		var items []bitgetDepthData
		if err := json.Unmarshal(f.Data, &items); err != nil {
			return Normalized{}, fmt.Errorf("bitget: depth decode: %w", err)
		}
		out := make([]model.Depth, 0, len(items))
		for _, p := range items {
			ts, _ := normalize.ParseFloatString(p.Ts)
			out = append(out, model.Depth{
				Base: model.Base{Venue: "bitget", Symbol: b.canonicalSymbol(instID), ExchangeTimestamp: int64(ts), LocalTimestamp: localTimestamp},
				Bids: normalize.Levels(p.Bids),
				Asks: normalize.Levels(p.Asks),
			})
		}
		return Normalized{Depths: out}, nil

	case "trade":
		var items []bitgetTradeData
		if err := json.Unmarshal(f.Data, &items); err != nil {
			return Normalized{}, fmt.Errorf("bitget: trade decode: %w", err)
		}
		out := make([]model.Trade, 0, len(items))
		for _, p := range items {
			price, _ := normalize.ParseFloatString(p.Price)
			size, _ := normalize.ParseFloatString(p.Size)
			ts, _ := normalize.ParseFloatString(p.Ts)
			side := model.SideBuy
			if p.Side == "sell" {
				side = model.SideSell
			}
			out = append(out, model.Trade{
				Base:    model.Base{Venue: "bitget", Symbol: b.canonicalSymbol(instID), ExchangeTimestamp: int64(ts), LocalTimestamp: localTimestamp},
				TradeID: p.TradeID, Price: price, Amount: size, Side: side,
			})
		}
		return Normalized{Trades: out}, nil

	default:
		return Normalized{}, nil
	}
}

var _ Adapter = (*Bitget)(nil)
