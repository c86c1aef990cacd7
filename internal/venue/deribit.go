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

// Deribit implements Adapter over Deribit's JSON-RPC 2.0 public API. Deribit
// is options/perpetual-only; ClassSpot is unused but accepted for interface
// symmetry with the other venues.
type Deribit struct {
	testnet bool
	nextID  int64
}

func NewDeribit(testnet bool) *Deribit { return &Deribit{testnet: testnet} }

func (d *Deribit) Name() string { return "deribit" }

func (d *Deribit) URLFor(ctx context.Context, class TradingClass) (Endpoint, error) {
	if d.testnet {
		return Endpoint{URL: "wss://test.deribit.com/ws/api/v2"}, nil
	}
	return Endpoint{URL: "wss://www.deribit.com/ws/api/v2"}, nil
}

func (d *Deribit) instrument(canonical string) (string, error) {
	canonical = symbol.StripPerpetualSuffix(canonical)
	base, _, err := symbol.Split(canonical)
	if err != nil {
		return "", err
	}
	// Deribit's perpetuals are named "<BASE>-PERPETUAL" regardless of
	// quote currency; USD is the only quote this engine maps them to.
	return base + "-PERPETUAL", nil
}

func (d *Deribit) channel(key model.Key) (string, error) {
	instrument, err := d.instrument(key.Symbol)
	if err != nil {
		return "", err
	}
	switch key.Kind {
	case model.KindTicker, model.KindFundingRate:
		return "ticker." + instrument + ".100ms", nil
	case model.KindDepth:
		return "book." + instrument + ".100ms", nil
	case model.KindTrade:
		return "trades." + instrument + ".100ms", nil
	case model.KindKline:
		interval := key.Interval
		if interval == "" {
			interval = model.DefaultKlineInterval
		}
		return "chart.trades." + instrument + "." + deribitResolution(interval), nil
	default:
		return "", fmt.Errorf("deribit: unsupported data kind %q", key.Kind)
	}
}

// deribitResolution maps a canonical interval ("1m", "1h", "1d") to the
// minute-count resolution string Deribit's chart.trades channel expects
// ("1", "60", "1D").
func deribitResolution(interval string) string {
	switch {
	case strings.HasSuffix(interval, "m"):
		return strings.TrimSuffix(interval, "m")
	case strings.HasSuffix(interval, "h"):
		n := 0
		fmt.Sscanf(interval, "%dh", &n)
		return fmt.Sprintf("%d", n*60)
	case strings.HasSuffix(interval, "d"):
		return "1D"
	default:
		return interval
	}
}

type deribitRPCFrame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type deribitSubscribeParams struct {
	Channels []string `json:"channels"`
}

func (d *Deribit) buildRPC(method string, key model.Key) ([]byte, error) {
	ch, err := d.channel(key)
	if err != nil {
		return nil, err
	}
	params, _ := json.Marshal(deribitSubscribeParams{Channels: []string{ch}})
	return json.Marshal(deribitRPCFrame{
		JSONRPC: "2.0",
		ID:      atomic.AddInt64(&d.nextID, 1),
		Method:  method,
		Params:  params,
	})
}

func (d *Deribit) BuildSubscribe(key model.Key) ([]byte, error) {
	return d.buildRPC("public/subscribe", key)
}

func (d *Deribit) BuildUnsubscribe(key model.Key) ([]byte, error) {
	return d.buildRPC("public/unsubscribe", key)
}

func (d *Deribit) Heartbeat() []byte {
	raw, _ := json.Marshal(deribitRPCFrame{
		JSONRPC: "2.0",
		ID:      atomic.AddInt64(&d.nextID, 1),
		Method:  "public/test",
	})
	return raw
}

type deribitChannelParams struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

func (d *Deribit) DispatchFrame(raw []byte) Dispatch {
	var f deribitRPCFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Dispatch{Kind: FrameOther}
	}
	if f.Error != nil {
		return Dispatch{Kind: FrameError, Err: fmt.Errorf("deribit: %s (code %d)", f.Error.Message, f.Error.Code)}
	}
	if f.Method == "subscription" {
		var p deribitChannelParams
		if err := json.Unmarshal(f.Params, &p); err == nil && p.Channel != "" {
			return Dispatch{Kind: FrameData, Channel: p.Channel}
		}
		return Dispatch{Kind: FrameOther}
	}
	if f.Method == "heartbeat" {
		return Dispatch{Kind: FrameHeartbeatReply}
	}
	if len(f.Result) > 0 {
		return Dispatch{Kind: FrameSubscribeAck}
	}
	return Dispatch{Kind: FrameOther}
}

type deribitTickerData struct {
	InstrumentName  string  `json:"instrument_name"`
	Timestamp       int64   `json:"timestamp"`
	LastPrice       float64 `json:"last_price"`
	BestBidPrice    float64 `json:"best_bid_price"`
	BestBidAmount   float64 `json:"best_bid_amount"`
	BestAskPrice    float64 `json:"best_ask_price"`
	BestAskAmount   float64 `json:"best_ask_amount"`
	Stats           struct {
		High   float64 `json:"high"`
		Low    float64 `json:"low"`
		Volume float64 `json:"volume"`
	} `json:"stats"`
	MarkPrice             float64 `json:"mark_price"`
	IndexPrice            float64 `json:"index_price"`
	CurrentFunding        float64 `json:"current_funding"`
	FundingRate8h         float64 `json:"funding_8h"`
}

type deribitBookData struct {
	InstrumentName string      `json:"instrument_name"`
	Timestamp      int64       `json:"timestamp"`
	Bids           [][2]interface{} `json:"bids"`
	Asks           [][2]interface{} `json:"asks"`
}

type deribitTradeData struct {
	InstrumentName string  `json:"instrument_name"`
	TradeID        string  `json:"trade_id"`
	Price          float64 `json:"price"`
	Amount         float64 `json:"amount"`
	Direction      string  `json:"direction"`
	Timestamp      int64   `json:"timestamp"`
}

func (d *Deribit) canonicalSymbol(instrumentName string) string {
	base := strings.Split(instrumentName, "-")[0]
	return symbol.Canonical(base, "USD")
}

func levelPairs(raw [][2]interface{}) [][2]string {
	out := make([][2]string, 0, len(raw))
	for _, lvl := range raw {
		price := fmt.Sprintf("%v", lvl[0])
		size := fmt.Sprintf("%v", lvl[1])
		out = append(out, [2]string{price, size})
	}
	return out
}

func (d *Deribit) Normalize(channel string, raw []byte, localTimestamp int64) (Normalized, error) {
	var f deribitRPCFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Normalized{}, fmt.Errorf("deribit: frame decode: %w", err)
	}
	var p deribitChannelParams
	if err := json.Unmarshal(f.Params, &p); err != nil {
		return Normalized{}, fmt.Errorf("deribit: params decode: %w", err)
	}

	switch {
	case strings.HasPrefix(channel, "ticker."):
		var t deribitTickerData
		if err := json.Unmarshal(p.Data, &t); err != nil {
			return Normalized{}, fmt.Errorf("deribit: ticker decode: %w", err)
		}
		sym := d.canonicalSymbol(t.InstrumentName)
		base := model.Base{Venue: "deribit", Symbol: sym, ExchangeTimestamp: t.Timestamp, LocalTimestamp: localTimestamp}
		n := Normalized{Tickers: []model.Ticker{{
			Base: base, Last: t.LastPrice, Bid: t.BestBidPrice, BidSize: t.BestBidAmount,
			Ask: t.BestAskPrice, AskSize: t.BestAskAmount, High: t.Stats.High, Low: t.Stats.Low,
			Volume: t.Stats.Volume,
			MarkPrice:  normalize.FloatPtr(t.MarkPrice, t.MarkPrice != 0),
			IndexPrice: normalize.FloatPtr(t.IndexPrice, t.IndexPrice != 0),
		}}}
		if t.FundingRate8h != 0 || t.CurrentFunding != 0 {
			n.FundingRates = []model.FundingRate{{
				Base: base, FundingRate: t.CurrentFunding,
				MarkPrice: normalize.FloatPtr(t.MarkPrice, t.MarkPrice != 0),
			}}
		}
		return n, nil

	case strings.HasPrefix(channel, "book."):
		var b deribitBookData
		if err := json.Unmarshal(p.Data, &b); err != nil {
			return Normalized{}, fmt.Errorf("deribit: book decode: %w", err)
		}
		depth := model.Depth{
			Base: model.Base{Venue: "deribit", Symbol: d.canonicalSymbol(b.InstrumentName), ExchangeTimestamp: b.Timestamp, LocalTimestamp: localTimestamp},
			Bids: normalize.Levels(levelPairs(b.Bids)),
			Asks: normalize.Levels(levelPairs(b.Asks)),
		}
		return Normalized{Depths: []model.Depth{depth}}, nil

	case strings.HasPrefix(channel, "trades."):
		var items []deribitTradeData
		if err := json.Unmarshal(p.Data, &items); err != nil {
			return Normalized{}, fmt.Errorf("deribit: trades decode: %w", err)
		}
		out := make([]model.Trade, 0, len(items))
		for _, item := range items {
			side := model.SideBuy
			if item.Direction == "sell" {
				side = model.SideSell
			}
			out = append(out, model.Trade{
				Base:    model.Base{Venue: "deribit", Symbol: d.canonicalSymbol(item.InstrumentName), ExchangeTimestamp: item.Timestamp, LocalTimestamp: localTimestamp},
				TradeID: item.TradeID, Price: item.Price, Amount: item.Amount, Side: side,
			})
		}
		return Normalized{Trades: out}, nil

	default:
		return Normalized{}, nil
	}
}

var _ Adapter = (*Deribit)(nil)
