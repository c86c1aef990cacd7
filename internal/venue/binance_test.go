package venue

import (
	"strings"
	"testing"

	"github.com/sawpanic/marketfeed/internal/model"
)

func TestBinanceBuildSubscribeSpotTicker(t *testing.T) {
	b := NewBinance(ClassSpot)
	raw, err := b.BuildSubscribe(model.Key{Kind: model.KindTicker, Symbol: "BTC/USDT"})
	if err != nil {
		t.Fatalf("BuildSubscribe: %v", err)
	}
	if !strings.Contains(string(raw), `"btcusdt@ticker"`) {
		t.Fatalf("expected lowercase concatenated stream name in %s", raw)
	}
	if !strings.Contains(string(raw), `"method":"SUBSCRIBE"`) {
		t.Fatalf("expected SUBSCRIBE method in %s", raw)
	}
}

func TestBinanceNormalizeTickerRoundtrip(t *testing.T) {
	b := NewBinance(ClassSpot)
	raw := []byte(`{"stream":"btcusdt@ticker","data":{"E":1700000000000,"s":"BTCUSDT","c":"65000.50","b":"65000.00","B":"1.5","a":"65001.00","A":"2.0","o":"64000.00","h":"66000.00","l":"63000.00","v":"1000.0","q":"65000000.0","p":"1000.50","P":"1.56"}}`)

	n, err := b.Normalize("btcusdt@ticker", raw, 1700000000500)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len(n.Tickers) != 1 {
		t.Fatalf("expected exactly one ticker, got %d", len(n.Tickers))
	}
	ticker := n.Tickers[0]
	if ticker.Symbol != "BTC/USDT" {
		t.Fatalf("expected canonical symbol BTC/USDT, got %s", ticker.Symbol)
	}
	if ticker.Last != 65000.50 {
		t.Fatalf("expected last=65000.50, got %v", ticker.Last)
	}
	if ticker.ExchangeTimestamp != 1700000000000 {
		t.Fatalf("expected exchange timestamp preserved, got %d", ticker.ExchangeTimestamp)
	}
	if ticker.LocalTimestamp != 1700000000500 {
		t.Fatalf("expected local timestamp passed through, got %d", ticker.LocalTimestamp)
	}
	if len(n.Depths) != 0 || len(n.Trades) != 0 || len(n.FundingRates) != 0 || len(n.Klines) != 0 {
		t.Fatalf("ticker frame should not populate any other record kind, got %+v", n)
	}
}

func TestBinanceDispatchFrameClassifiesEnvelope(t *testing.T) {
	b := NewBinance(ClassSpot)

	d := b.DispatchFrame([]byte(`{"stream":"btcusdt@trade","data":{}}`))
	if d.Kind != FrameData || d.Channel != "btcusdt@trade" {
		t.Fatalf("expected FrameData for btcusdt@trade, got %+v", d)
	}

	ack := b.DispatchFrame([]byte(`{"result":null,"id":1}`))
	if ack.Kind != FrameSubscribeAck {
		t.Fatalf("expected FrameSubscribeAck, got %+v", ack)
	}

	errFrame := b.DispatchFrame([]byte(`{"error":{"code":2,"msg":"unknown property"},"id":1}`))
	if errFrame.Kind != FrameError {
		t.Fatalf("expected FrameError, got %+v", errFrame)
	}
}

func TestBinanceKlineDefaultsInterval(t *testing.T) {
	b := NewBinance(ClassSpot)
	raw, err := b.BuildSubscribe(model.Key{Kind: model.KindKline, Symbol: "ETH/USDT"})
	if err != nil {
		t.Fatalf("BuildSubscribe: %v", err)
	}
	if !strings.Contains(string(raw), "@kline_1m") {
		t.Fatalf("expected default kline interval 1m in %s", raw)
	}
}
