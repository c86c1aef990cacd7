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

// OKX implements Adapter for OKX public channels (spot and perpetual swaps
// share one websocket endpoint; the instId suffix carries the distinction).
type OKX struct {
	class TradingClass
}

func NewOKX(class TradingClass) *OKX { return &OKX{class: class} }

func (o *OKX) Name() string { return "okx" }

func (o *OKX) URLFor(ctx context.Context, class TradingClass) (Endpoint, error) {
	return Endpoint{URL: "wss://ws.okx.com:8443/ws/v5/public"}, nil
}

func (o *OKX) instID(canonical string) (string, error) {
	canonical = symbol.StripPerpetualSuffix(canonical)
	base, quote, err := symbol.Split(canonical)
	if err != nil {
		return "", err
	}
	if o.class == ClassLinearPerpetual {
		return fmt.Sprintf("%s-%s-SWAP", base, quote), nil
	}
	return fmt.Sprintf("%s-%s", base, quote), nil
}

func (o *OKX) channel(kind model.DataKind, interval string) (string, error) {
	switch kind {
	case model.KindTicker:
		return "tickers", nil
	case model.KindDepth:
		return "books5", nil
	case model.KindTrade:
		return "trades", nil
	case model.KindFundingRate:
		return "funding-rate", nil
	case model.KindKline:
		if interval == "" {
			interval = model.DefaultKlineInterval
		}
		return "candle" + okxInterval(interval), nil
	default:
		return "", fmt.Errorf("okx: unsupported data kind %q", kind)
	}
}

func okxInterval(interval string) string {
	// OKX candle channels spell intervals like "1H"/"1m" with the unit
	// letter's case carrying meaning (H=hour, m=minute); canonical
	// intervals already use that convention ("1h", "1m") so just upper
	// the unit letter for hour/day/week/month, leave minute lowercase.
	if strings.HasSuffix(interval, "m") {
		return interval
	}
	return strings.ToUpper(interval)
}

type okxWSArg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

type okxWSFrame struct {
	Op    string          `json:"op,omitempty"`
	Args  []okxWSArg      `json:"args,omitempty"`
	Arg   *okxWSArg       `json:"arg,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Event string          `json:"event,omitempty"`
	Code  string          `json:"code,omitempty"`
	Msg   string          `json:"msg,omitempty"`
}

func (o *OKX) BuildSubscribe(key model.Key) ([]byte, error) {
	return o.buildOp("subscribe", key)
}

func (o *OKX) BuildUnsubscribe(key model.Key) ([]byte, error) {
	return o.buildOp("unsubscribe", key)
}

func (o *OKX) buildOp(op string, key model.Key) ([]byte, error) {
	instID, err := o.instID(key.Symbol)
	if err != nil {
		return nil, err
	}
	channel, err := o.channel(key.Kind, key.Interval)
	if err != nil {
		return nil, err
	}
	frame := okxWSFrame{Op: op, Args: []okxWSArg{{Channel: channel, InstID: instID}}}
	return json.Marshal(frame)
}

func (o *OKX) Heartbeat() []byte { return []byte("ping") }

func (o *OKX) DispatchFrame(raw []byte) Dispatch {
	if string(raw) == "pong" {
		return Dispatch{Kind: FrameHeartbeatReply}
	}
	var f okxWSFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Dispatch{Kind: FrameOther}
	}
	if f.Event == "error" || f.Code != "" && f.Code != "0" {
		return Dispatch{Kind: FrameError, Err: fmt.Errorf("okx: %s (code %s)", f.Msg, f.Code)}
	}
	if f.Event == "subscribe" || f.Event == "unsubscribe" {
		return Dispatch{Kind: FrameSubscribeAck}
	}
	if f.Arg != nil && len(f.Data) > 0 {
		return Dispatch{Kind: FrameData, Channel: f.Arg.Channel}
	}
	return Dispatch{Kind: FrameOther}
}

type okxTickerData struct {
	InstID  string `json:"instId"`
	Last    string `json:"last"`
	BidPx   string `json:"bidPx"`
	BidSz   string `json:"bidSz"`
	AskPx   string `json:"askPx"`
	AskSz   string `json:"askSz"`
	Open24h string `json:"open24h"`
	High24h string `json:"high24h"`
	Low24h  string `json:"low24h"`
	Vol24h  string `json:"vol24h"`
	VolCcy  string `json:"volCcy24h"`
	Ts      string `json:"ts"`
}

// okxDepthDataRaw mirrors the wire shape, where each level is a 4-tuple
// [price, size, deprecated, numOrders] and we only need the first two.
type okxDepthDataRaw struct {
	Asks [][]string `json:"asks"`
	Bids [][]string `json:"bids"`
	Ts   string     `json:"ts"`
}

type okxTradeData struct {
	InstID  string `json:"instId"`
	TradeID string `json:"tradeId"`
	Px      string `json:"px"`
	Sz      string `json:"sz"`
	Side    string `json:"side"`
	Ts      string `json:"ts"`
}

type okxFundingData struct {
	InstID          string `json:"instId"`
	FundingRate     string `json:"fundingRate"`
	NextFundingTime string `json:"nextFundingTime"`
	Ts              string `json:"ts"`
}

func (o *OKX) canonicalSymbol(instID string) string {
	instID = strings.TrimSuffix(instID, "-SWAP")
	parts := strings.SplitN(instID, "-", 2)
	if len(parts) != 2 {
		return instID
	}
	return symbol.Canonical(parts[0], parts[1])
}

func pairsOf(raw [][]string) [][2]string {
	out := make([][2]string, 0, len(raw))
	for _, lvl := range raw {
		if len(lvl) < 2 {
			continue
		}
		out = append(out, [2]string{lvl[0], lvl[1]})
	}
	return out
}

func (o *OKX) Normalize(channel string, raw []byte, localTimestamp int64) (Normalized, error) {
	var f okxWSFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Normalized{}, fmt.Errorf("okx: frame decode: %w", err)
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(f.Data, &arr); err != nil {
		return Normalized{}, fmt.Errorf("okx: data array decode: %w", err)
	}

	switch {
	case channel == "tickers":
		var out []model.Ticker
		for _, item := range arr {
			var p okxTickerData
			if err := json.Unmarshal(item, &p); err != nil {
				continue
			}
			last, _ := normalize.ParseFloatString(p.Last)
			bid, _ := normalize.ParseFloatString(p.BidPx)
			bidSz, _ := normalize.ParseFloatString(p.BidSz)
			ask, _ := normalize.ParseFloatString(p.AskPx)
			askSz, _ := normalize.ParseFloatString(p.AskSz)
			open, _ := normalize.ParseFloatString(p.Open24h)
			high, _ := normalize.ParseFloatString(p.High24h)
			low, _ := normalize.ParseFloatString(p.Low24h)
			vol, _ := normalize.ParseFloatString(p.Vol24h)
			qvol, _ := normalize.ParseFloatString(p.VolCcy)
			ts, _ := normalize.ParseFloatString(p.Ts)
			out = append(out, model.Ticker{
				Base: model.Base{
					Venue: "okx", Symbol: o.canonicalSymbol(p.InstID),
					ExchangeTimestamp: int64(ts), LocalTimestamp: localTimestamp,
				},
				Last: last, Bid: bid, BidSize: bidSz, Ask: ask, AskSize: askSz,
				Open: open, High: high, Low: low, Volume: vol, QuoteVolume: qvol,
			})
		}
		return Normalized{Tickers: out}, nil

	case channel == "books5" || channel == "books":
		var out []model.Depth
		for _, item := range arr {
			var p okxDepthDataRaw
			if err := json.Unmarshal(item, &p); err != nil {
				continue
			}
			ts, _ := normalize.ParseFloatString(p.Ts)
			out = append(out, model.Depth{
				Base: model.Base{
					Venue: "okx", Symbol: canonicalFromArg(f.Arg, o),
					ExchangeTimestamp: int64(ts), LocalTimestamp: localTimestamp,
				},
				Bids: normalize.Levels(pairsOf(p.Bids)),
				Asks: normalize.Levels(pairsOf(p.Asks)),
			})
		}
		return Normalized{Depths: out}, nil

	case channel == "trades":
		var out []model.Trade
		for _, item := range arr {
			var p okxTradeData
			if err := json.Unmarshal(item, &p); err != nil {
				continue
			}
			px, _ := normalize.ParseFloatString(p.Px)
			sz, _ := normalize.ParseFloatString(p.Sz)
			ts, _ := normalize.ParseFloatString(p.Ts)
			side := model.SideBuy
			if p.Side == "sell" {
				side = model.SideSell
			}
			out = append(out, model.Trade{
				Base: model.Base{
					Venue: "okx", Symbol: o.canonicalSymbol(p.InstID),
					ExchangeTimestamp: int64(ts), LocalTimestamp: localTimestamp,
				},
				TradeID: p.TradeID, Price: px, Amount: sz, Side: side,
			})
		}
		return Normalized{Trades: out}, nil

	case channel == "funding-rate":
		var out []model.FundingRate
		for _, item := range arr {
			var p okxFundingData
			if err := json.Unmarshal(item, &p); err != nil {
				continue
			}
			rate, ok := normalize.ParseFloatString(p.FundingRate)
			if !ok {
				continue
			}
			ts, _ := normalize.ParseFloatString(p.Ts)
			next, nextOK := normalize.ParseFloatString(p.NextFundingTime)
			out = append(out, model.FundingRate{
				Base: model.Base{
					Venue: "okx", Symbol: o.canonicalSymbol(p.InstID),
					ExchangeTimestamp: int64(ts), LocalTimestamp: localTimestamp,
				},
				FundingRate:     rate,
				NextFundingTime: normalize.IntPtr(int64(next), nextOK),
			})
		}
		return Normalized{FundingRates: out}, nil

	case strings.HasPrefix(channel, "candle"):
		var out []model.Kline
		interval := strings.TrimPrefix(channel, "candle")
		for _, item := range arr {
			var fields []string
			if err := json.Unmarshal(item, &fields); err != nil || len(fields) < 6 {
				continue
			}
			var ts, open, high, low, cl, vol, qvol float64
			ts = parseF(fields[0])
			open = parseF(fields[1])
			high = parseF(fields[2])
			low = parseF(fields[3])
			cl = parseF(fields[4])
			vol = parseF(fields[5])
			if len(fields) > 7 {
				qvol = parseF(fields[7])
			}
			out = append(out, model.Kline{
				Base: model.Base{
					Venue: "okx", Symbol: canonicalFromArg(f.Arg, o),
					ExchangeTimestamp: int64(ts), LocalTimestamp: localTimestamp,
				},
				Interval: interval, OpenTime: int64(ts),
				Open: open, High: high, Low: low, Close: cl, Volume: vol, QuoteVolume: qvol,
			})
		}
		return Normalized{Klines: out}, nil

	default:
		return Normalized{}, nil
	}
}

func canonicalFromArg(arg *okxWSArg, o *OKX) string {
	if arg == nil {
		return ""
	}
	return o.canonicalSymbol(arg.InstID)
}

func parseF(s string) float64 {
	f, _ := normalize.ParseFloatString(s)
	return f
}

var _ Adapter = (*OKX)(nil)
