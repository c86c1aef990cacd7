package venue

import (
	"strings"
	"testing"

	"github.com/sawpanic/marketfeed/internal/model"
)

func TestOKXBuildSubscribePerpetualUsesSwapSuffix(t *testing.T) {
	o := NewOKX(ClassLinearPerpetual)
	raw, err := o.BuildSubscribe(model.Key{Kind: model.KindDepth, Symbol: "BTC/USDT"})
	if err != nil {
		t.Fatalf("BuildSubscribe: %v", err)
	}
	if !strings.Contains(string(raw), `"instId":"BTC-USDT-SWAP"`) {
		t.Fatalf("expected SWAP-suffixed instId in %s", raw)
	}
	if !strings.Contains(string(raw), `"channel":"books5"`) {
		t.Fatalf("expected books5 channel in %s", raw)
	}
}

func TestOKXBuildSubscribeSpotHasNoSwapSuffix(t *testing.T) {
	o := NewOKX(ClassSpot)
	raw, err := o.BuildSubscribe(model.Key{Kind: model.KindDepth, Symbol: "BTC/USDT"})
	if err != nil {
		t.Fatalf("BuildSubscribe: %v", err)
	}
	if strings.Contains(string(raw), "SWAP") {
		t.Fatalf("spot instId should not carry -SWAP, got %s", raw)
	}
	if !strings.Contains(string(raw), `"instId":"BTC-USDT"`) {
		t.Fatalf("expected plain instId in %s", raw)
	}
}

func TestOKXDispatchFrameTagsChannelFromArg(t *testing.T) {
	o := NewOKX(ClassSpot)
	d := o.DispatchFrame([]byte(`{"arg":{"channel":"books5","instId":"BTC-USDT"},"data":[{"asks":[],"bids":[],"ts":"1700000000000"}]}`))
	if d.Kind != FrameData || d.Channel != "books5" {
		t.Fatalf("expected FrameData tagged books5, got %+v", d)
	}
}

func TestOKXNormalizeDepth(t *testing.T) {
	o := NewOKX(ClassSpot)
	raw := []byte(`{"arg":{"channel":"books5","instId":"BTC-USDT"},"data":[{"asks":[["65010.0","1.2","0","3"]],"bids":[["65000.0","0.8","0","2"]],"ts":"1700000000000"}]}`)

	n, err := o.Normalize("books5", raw, 1700000000400)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len(n.Depths) != 1 {
		t.Fatalf("expected exactly one depth record, got %d", len(n.Depths))
	}
	d := n.Depths[0]
	if d.Symbol != "BTC/USDT" {
		t.Fatalf("expected canonical symbol BTC/USDT, got %s", d.Symbol)
	}
	if len(d.Asks) != 1 || d.Asks[0].Price != 65010.0 || d.Asks[0].Size != 1.2 {
		t.Fatalf("unexpected asks: %+v", d.Asks)
	}
	if len(d.Bids) != 1 || d.Bids[0].Price != 65000.0 || d.Bids[0].Size != 0.8 {
		t.Fatalf("unexpected bids: %+v", d.Bids)
	}
	if d.ExchangeTimestamp != 1700000000000 {
		t.Fatalf("expected exchange timestamp 1700000000000, got %d", d.ExchangeTimestamp)
	}
}

func TestOKXCandleChannelCasesIntervalUnit(t *testing.T) {
	o := NewOKX(ClassSpot)
	raw, err := o.BuildSubscribe(model.Key{Kind: model.KindKline, Symbol: "BTC/USDT", Interval: "1h"})
	if err != nil {
		t.Fatalf("BuildSubscribe: %v", err)
	}
	if !strings.Contains(string(raw), `"candle1H"`) {
		t.Fatalf("expected candle1H channel in %s", raw)
	}
}
