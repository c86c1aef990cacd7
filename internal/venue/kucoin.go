package venue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/sawpanic/marketfeed/internal/breaker"
	"github.com/sawpanic/marketfeed/internal/model"
	"github.com/sawpanic/marketfeed/internal/normalize"
	"github.com/sawpanic/marketfeed/internal/symbol"
)

// KuCoin implements Adapter for KuCoin's token-derived websocket handshake:
// a POST to bullet-public (on the spot or the futures API host) returns a short-lived
// token, a server host list, and the heartbeat interval to honor.
type KuCoin struct {
	class      TradingClass
	httpClient *http.Client
	handshake  *breaker.Breaker
	nextID     int64
}

func NewKuCoin(class TradingClass) *KuCoin {
	return &KuCoin{
		class:      class,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		handshake:  breaker.New("kucoin-bullet-public"),
	}
}

func (k *KuCoin) Name() string { return "kucoin" }

type kucoinBulletInstanceServer struct {
	Endpoint     string `json:"endpoint"`
	PingInterval int64  `json:"pingInterval"`
}

type kucoinBulletData struct {
	Token           string                       `json:"token"`
	InstanceServers []kucoinBulletInstanceServer `json:"instanceServers"`
}

type kucoinBulletResponse struct {
	Code string           `json:"code"`
	Data kucoinBulletData `json:"data"`
}

func (k *KuCoin) URLFor(ctx context.Context, class TradingClass) (Endpoint, error) {
	path := "https://api.kucoin.com/api/v1/bullet-public"
	if class == ClassLinearPerpetual {
		path = "https://api-futures.kucoin.com/api/v1/bullet-public"
	}

	result, err := k.handshake.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, path, bytes.NewReader(nil))
		if err != nil {
			return nil, err
		}
		resp, err := k.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("kucoin: bullet-public request: %w", err)
		}
		defer resp.Body.Close()

		var parsed kucoinBulletResponse
		if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
			return nil, fmt.Errorf("kucoin: bullet-public decode: %w", err)
		}
		if parsed.Code != "200000" || len(parsed.Data.InstanceServers) == 0 {
			return nil, fmt.Errorf("kucoin: bullet-public returned code %q", parsed.Code)
		}
		return parsed.Data, nil
	})
	if err != nil {
		return Endpoint{}, err
	}

	data := result.(kucoinBulletData)
	server := data.InstanceServers[0]
	wsURL := fmt.Sprintf("%s?token=%s&connectId=%s", server.Endpoint, data.Token, uuid.NewString())
	return Endpoint{URL: wsURL, HeartbeatInterval: time.Duration(server.PingInterval) * time.Millisecond}, nil
}

func (k *KuCoin) kucoinSymbol(canonical string) (string, error) {
	canonical = symbol.StripPerpetualSuffix(canonical)
	base, quote, err := symbol.Split(canonical)
	if err != nil {
		return "", err
	}
	return base + "-" + quote, nil
}

func (k *KuCoin) topic(key model.Key) (string, error) {
	sym, err := k.kucoinSymbol(key.Symbol)
	if err != nil {
		return "", err
	}
	switch key.Kind {
	case model.KindTicker:
		return "/market/ticker:" + sym, nil
	case model.KindDepth:
		return "/market/level2Depth5:" + sym, nil
	case model.KindTrade:
		return "/market/match:" + sym, nil
	case model.KindFundingRate:
		return "/contract/instrument:" + sym, nil
	case model.KindKline:
		interval := key.Interval
		if interval == "" {
			interval = model.DefaultKlineInterval
		}
		return "/market/candles:" + sym + "_" + kucoinInterval(interval), nil
	default:
		return "", fmt.Errorf("kucoin: unsupported data kind %q", key.Kind)
	}
}

func kucoinInterval(interval string) string {
	switch interval {
	case "1m":
		return "1min"
	case "1h":
		return "1hour"
	case "1d":
		return "1day"
	default:
		return interval
	}
}

type kucoinFrame struct {
	ID             string          `json:"id,omitempty"`
	Type           string          `json:"type"`
	Topic          string          `json:"topic,omitempty"`
	PrivateChannel bool            `json:"privateChannel,omitempty"`
	Response       bool            `json:"response,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
}

func (k *KuCoin) buildFrame(frameType string, key model.Key) ([]byte, error) {
	topic, err := k.topic(key)
	if err != nil {
		return nil, err
	}
	f := kucoinFrame{
		ID:             fmt.Sprintf("%d", atomic.AddInt64(&k.nextID, 1)),
		Type:           frameType,
		Topic:          topic,
		PrivateChannel: false,
		Response:       true,
	}
	return json.Marshal(f)
}

func (k *KuCoin) BuildSubscribe(key model.Key) ([]byte, error) {
	return k.buildFrame("subscribe", key)
}

func (k *KuCoin) BuildUnsubscribe(key model.Key) ([]byte, error) {
	return k.buildFrame("unsubscribe", key)
}

func (k *KuCoin) Heartbeat() []byte {
	raw, _ := json.Marshal(kucoinFrame{ID: fmt.Sprintf("%d", atomic.AddInt64(&k.nextID, 1)), Type: "ping"})
	return raw
}

func (k *KuCoin) DispatchFrame(raw []byte) Dispatch {
	var f kucoinFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Dispatch{Kind: FrameOther}
	}
	switch f.Type {
	case "error":
		return Dispatch{Kind: FrameError, Err: fmt.Errorf("kucoin: error frame %s", f.ID)}
	case "ack":
		return Dispatch{Kind: FrameSubscribeAck}
	case "pong":
		return Dispatch{Kind: FrameHeartbeatReply}
	case "message":
		return Dispatch{Kind: FrameData, Channel: f.Topic}
	default:
		return Dispatch{Kind: FrameOther}
	}
}

type kucoinTickerData struct {
	Sequence    string `json:"sequence"`
	Price       string `json:"price"`
	BestBid     string `json:"bestBid"`
	BestBidSize string `json:"bestBidSize"`
	BestAsk     string `json:"bestAsk"`
	BestAskSize string `json:"bestAskSize"`
	Size        string `json:"size"`
	Time        int64  `json:"time"`
}

type kucoinDepthData struct {
	Asks [][2]string `json:"asks"`
	Bids [][2]string `json:"bids"`
	Time int64       `json:"timestamp"`
}

type kucoinMatchData struct {
	TradeID string `json:"tradeId"`
	Price   string `json:"price"`
	Size    string `json:"size"`
	Side    string `json:"side"`
	Time    string `json:"time"` // nanoseconds, string-encoded
}

func (k *KuCoin) canonicalSymbol(topic string) string {
	parts := strings.SplitN(topic, ":", 2)
	if len(parts) != 2 {
		return ""
	}
	symParts := strings.SplitN(parts[1], "-", 2)
	if len(symParts) != 2 {
		return ""
	}
	return symbol.Canonical(symParts[0], symParts[1])
}

func (k *KuCoin) Normalize(channel string, raw []byte, localTimestamp int64) (Normalized, error) {
	var f kucoinFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Normalized{}, fmt.Errorf("kucoin: frame decode: %w", err)
	}
	sym := k.canonicalSymbol(channel)

	switch {
	case strings.HasPrefix(channel, "/market/ticker:"):
		var p kucoinTickerData
		if err := json.Unmarshal(f.Data, &p); err != nil {
			return Normalized{}, fmt.Errorf("kucoin: ticker decode: %w", err)
		}
		last, _ := normalize.ParseFloatString(p.Price)
		bid, _ := normalize.ParseFloatString(p.BestBid)
		bidSz, _ := normalize.ParseFloatString(p.BestBidSize)
		ask, _ := normalize.ParseFloatString(p.BestAsk)
		askSz, _ := normalize.ParseFloatString(p.BestAskSize)
		t := model.Ticker{
			Base: model.Base{Venue: "kucoin", Symbol: sym, ExchangeTimestamp: p.Time / 1_000_000, LocalTimestamp: localTimestamp},
			Last: last, Bid: bid, BidSize: bidSz, Ask: ask, AskSize: askSz,
		}
		return Normalized{Tickers: []model.Ticker{t}}, nil

	case strings.HasPrefix(channel, "/market/level2Depth5:"):
		var p kucoinDepthData
		if err := json.Unmarshal(f.Data, &p); err != nil {
			return Normalized{}, fmt.Errorf("kucoin: depth decode: %w", err)
		}
		d := model.Depth{
			Base: model.Base{Venue: "kucoin", Symbol: sym, ExchangeTimestamp: p.Time / 1_000_000, LocalTimestamp: localTimestamp},
			Bids: normalize.Levels(p.Bids),
			Asks: normalize.Levels(p.Asks),
		}
		return Normalized{Depths: []model.Depth{d}}, nil

	case strings.HasPrefix(channel, "/market/match:"):
		var p kucoinMatchData
		if err := json.Unmarshal(f.Data, &p); err != nil {
			return Normalized{}, fmt.Errorf("kucoin: match decode: %w", err)
		}
		price, _ := normalize.ParseFloatString(p.Price)
		size, _ := normalize.ParseFloatString(p.Size)
		nanos, _ := normalize.ParseFloatString(p.Time)
		side := model.SideBuy
		if p.Side == "sell" {
			side = model.SideSell
		}
		tr := model.Trade{
			Base:    model.Base{Venue: "kucoin", Symbol: sym, ExchangeTimestamp: int64(nanos) / 1_000_000, LocalTimestamp: localTimestamp},
			TradeID: p.TradeID, Price: price, Amount: size, Side: side,
		}
		return Normalized{Trades: []model.Trade{tr}}, nil

	default:
		return Normalized{}, nil
	}
}

var _ Adapter = (*KuCoin)(nil)
