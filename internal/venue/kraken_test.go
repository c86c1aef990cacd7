package venue

import (
	"strings"
	"testing"

	"github.com/sawpanic/marketfeed/internal/model"
)

func TestKrakenSpotSubscribeAliasesBaseTicker(t *testing.T) {
	k := NewKraken(ClassSpot)
	raw, err := k.BuildSubscribe(model.Key{Kind: model.KindTicker, Symbol: "BTC/USDT"})
	if err != nil {
		t.Fatalf("BuildSubscribe: %v", err)
	}
	if !strings.Contains(string(raw), `"pair":["XBT/USDT"]`) {
		t.Fatalf("expected outbound pair XBT/USDT (BTC aliased), got %s", raw)
	}
}

func TestKrakenNormalizeTickerRecoversCanonicalBase(t *testing.T) {
	k := NewKraken(ClassSpot)
	// Array-shaped spot ticker push: [channelID, data, channelName, pair].
	raw := []byte(`[336, {"a":["65001.0","1","1.5"],"b":["65000.0","1","2.0"],"c":["65000.5","0.1"],"v":["1000.0","2000.0"],"h":["66000.0","66500.0"],"l":["64000.0","63500.0"],"o":["64500.0","64600.0"]}, "ticker", "XBT/USDT"]`)

	dispatch := k.DispatchFrame(raw)
	if dispatch.Kind != FrameData {
		t.Fatalf("expected FrameData, got %+v", dispatch)
	}
	if dispatch.Channel != "ticker:XBT/USDT" {
		t.Fatalf("expected channel tag ticker:XBT/USDT, got %s", dispatch.Channel)
	}

	n, err := k.Normalize(dispatch.Channel, raw, 1700000000500)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len(n.Tickers) != 1 {
		t.Fatalf("expected exactly one ticker, got %d", len(n.Tickers))
	}
	ticker := n.Tickers[0]
	if ticker.Symbol != "BTC/USDT" {
		t.Fatalf("expected canonical symbol BTC/USDT (XBT unaliased), got %s", ticker.Symbol)
	}
	if ticker.Venue != "kraken" {
		t.Fatalf("expected venue kraken, got %s", ticker.Venue)
	}
	if ticker.Last != 65000.5 {
		t.Fatalf("expected last=65000.5, got %v", ticker.Last)
	}
}

func TestKrakenFuturesProductIDRewritesUSDTtoUSD(t *testing.T) {
	k := NewKraken(ClassLinearPerpetual)
	raw, err := k.BuildSubscribe(model.Key{Kind: model.KindTicker, Symbol: "BTC/USDT"})
	if err != nil {
		t.Fatalf("BuildSubscribe: %v", err)
	}
	if !strings.Contains(string(raw), `"PI_XBTUSD"`) {
		t.Fatalf("expected futures product id PI_XBTUSD, got %s", raw)
	}
}

func TestKrakenDispatchFrameRoutesControlMessages(t *testing.T) {
	k := NewKraken(ClassSpot)

	ack := k.DispatchFrame([]byte(`{"event":"subscriptionStatus","status":"subscribed","channelName":"ticker","pair":"XBT/USDT"}`))
	if ack.Kind != FrameSubscribeAck {
		t.Fatalf("expected FrameSubscribeAck, got %+v", ack)
	}

	errFrame := k.DispatchFrame([]byte(`{"event":"subscriptionStatus","status":"error","errorMessage":"Subscription depth not supported"}`))
	if errFrame.Kind != FrameError {
		t.Fatalf("expected FrameError, got %+v", errFrame)
	}

	hb := k.DispatchFrame([]byte(`{"event":"heartbeat"}`))
	if hb.Kind != FrameHeartbeatReply {
		t.Fatalf("expected FrameHeartbeatReply, got %+v", hb)
	}
}

func TestKrakenNormalizeTrade(t *testing.T) {
	k := NewKraken(ClassSpot)
	raw := []byte(`[337, [["65000.1","0.5","1700000000.123456","b","m",""]], "trade", "XBT/USDT"]`)

	dispatch := k.DispatchFrame(raw)
	n, err := k.Normalize(dispatch.Channel, raw, 1700000000500)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len(n.Trades) != 1 {
		t.Fatalf("expected exactly one trade, got %d", len(n.Trades))
	}
	tr := n.Trades[0]
	if tr.Symbol != "BTC/USDT" {
		t.Fatalf("expected canonical symbol BTC/USDT, got %s", tr.Symbol)
	}
	if tr.Side != model.SideBuy {
		t.Fatalf("expected buy side for kraken 'b' marker, got %s", tr.Side)
	}
	if tr.Price != 65000.1 || tr.Amount != 0.5 {
		t.Fatalf("unexpected price/amount: %+v", tr)
	}
}
