package cache

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/sawpanic/marketfeed/internal/model"
	"github.com/sawpanic/marketfeed/internal/venue"
)

// recordingStore counts writes instead of talking to Redis.
type recordingStore struct {
	mu         sync.Mutex
	snapshots  int
	trades     int
	publishes  int
}

func (s *recordingStore) WriteSnapshot(ctx context.Context, kind model.DataKind, venueName, symbol string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots++
	return nil
}

func (s *recordingStore) AppendTrade(ctx context.Context, venueName, symbol string, payload []byte, maxLen int64, approxTrim bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trades++
	return nil
}

func (s *recordingStore) Publish(ctx context.Context, envelope []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publishes++
	return nil
}

func (s *recordingStore) Close() error { return nil }

type recordingEmitter struct {
	mu     sync.Mutex
	events []Event
}

func (e *recordingEmitter) Emit(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

func (e *recordingEmitter) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.events)
}

func float64p(f float64) *float64 { return &f }
func int64p(i int64) *int64       { return &i }

func TestFundingRateDedupSuppressesRepeat(t *testing.T) {
	mem := NewMemStore(0, 0)
	store := &recordingStore{}
	emitter := &recordingEmitter{}
	sink := NewSink(mem, store, emitter, StreamConfig{}, zerolog.Nop())

	fr := model.FundingRate{
		Base:            model.Base{Venue: "binance", Symbol: "BTC/USDT"},
		FundingRate:     0.0001,
		NextFundingTime: int64p(1700000000000),
	}

	sink.Accept("binance", venue.Normalized{FundingRates: []model.FundingRate{fr}})
	sink.Accept("binance", venue.Normalized{FundingRates: []model.FundingRate{fr}})

	if emitter.count() != 1 {
		t.Fatalf("expected exactly one fundingRate event for two identical frames, got %d", emitter.count())
	}
	if store.snapshots != 1 {
		t.Fatalf("expected exactly one snapshot write, got %d", store.snapshots)
	}
	if store.publishes != 1 {
		t.Fatalf("expected exactly one publish, got %d", store.publishes)
	}

	stats := sink.Stats()
	if stats.FundingRateDropped != 1 {
		t.Fatalf("expected one dropped duplicate, got %d", stats.FundingRateDropped)
	}
}

func TestFundingRateDedupAdmitsChangedRate(t *testing.T) {
	mem := NewMemStore(0, 0)
	store := &recordingStore{}
	emitter := &recordingEmitter{}
	sink := NewSink(mem, store, emitter, StreamConfig{}, zerolog.Nop())

	base := model.FundingRate{
		Base:            model.Base{Venue: "binance", Symbol: "BTC/USDT"},
		FundingRate:     0.0001,
		NextFundingTime: int64p(1700000000000),
	}
	changed := base
	changed.FundingRate = 0.0002

	sink.Accept("binance", venue.Normalized{FundingRates: []model.FundingRate{base}})
	sink.Accept("binance", venue.Normalized{FundingRates: []model.FundingRate{changed}})

	if emitter.count() != 2 {
		t.Fatalf("expected two fundingRate events for two distinct rates, got %d", emitter.count())
	}
}

func TestMemStoreAppendKlineReplacesTailOnMatchingOpenTime(t *testing.T) {
	mem := NewMemStore(10, 5)

	forming := model.Kline{Base: model.Base{Symbol: "BTC/USDT"}, Interval: "1m", OpenTime: 1000, Close: 100}
	mem.AppendKline("binance", forming)

	updated := model.Kline{Base: model.Base{Symbol: "BTC/USDT"}, Interval: "1m", OpenTime: 1000, Close: 105}
	mem.AppendKline("binance", updated)

	history := mem.Klines("binance", "BTC/USDT", "1m")
	if len(history) != 1 {
		t.Fatalf("expected the forming candle to be replaced in place, not appended, got %d entries", len(history))
	}
	if history[0].Close != 105 {
		t.Fatalf("expected tail candle's close to be updated to 105, got %v", history[0].Close)
	}

	closed := model.Kline{Base: model.Base{Symbol: "BTC/USDT"}, Interval: "1m", OpenTime: 1060, Close: 110}
	mem.AppendKline("binance", closed)

	history = mem.Klines("binance", "BTC/USDT", "1m")
	if len(history) != 2 {
		t.Fatalf("expected a new bar at a new openTime to append, got %d entries", len(history))
	}
}

func TestMemStoreAppendKlineCapsHistory(t *testing.T) {
	mem := NewMemStore(3, 2)

	for i := int64(0); i < 5; i++ {
		mem.AppendKline("binance", model.Kline{Base: model.Base{Symbol: "BTC/USDT"}, Interval: "1m", OpenTime: i * 60, Close: float64(i)})
	}

	history := mem.Klines("binance", "BTC/USDT", "1m")
	if len(history) != 3 {
		t.Fatalf("expected history capped at 3 entries, got %d", len(history))
	}
	if history[len(history)-1].OpenTime != 4*60 {
		t.Fatalf("expected the most recent bar to survive capping, got openTime=%d", history[len(history)-1].OpenTime)
	}
}

func TestSinkKlineEventCarriesTailWindow(t *testing.T) {
	mem := NewMemStore(10, 2)
	store := &recordingStore{}
	emitter := &recordingEmitter{}
	sink := NewSink(mem, store, emitter, StreamConfig{}, zerolog.Nop())

	for i := int64(0); i < 3; i++ {
		sink.Accept("binance", venue.Normalized{Klines: []model.Kline{
			{Base: model.Base{Symbol: "BTC/USDT"}, Interval: "1m", OpenTime: i * 60, Close: float64(i)},
		}})
	}

	if emitter.count() != 3 {
		t.Fatalf("expected 3 candle events, got %d", emitter.count())
	}
	last := emitter.events[len(emitter.events)-1]
	if len(last.History) != 2 {
		t.Fatalf("expected the tail window capped at 2, got %d", len(last.History))
	}
}

func TestSinkTickerWritesSnapshotAndUpdatesMemStore(t *testing.T) {
	mem := NewMemStore(0, 0)
	store := &recordingStore{}
	emitter := &recordingEmitter{}
	sink := NewSink(mem, store, emitter, StreamConfig{}, zerolog.Nop())

	ticker := model.Ticker{Base: model.Base{Venue: "binance", Symbol: "BTC/USDT"}, Last: 65000.5, Bid: 65000, Ask: 65001}
	sink.Accept("binance", venue.Normalized{Tickers: []model.Ticker{ticker}})

	got, ok := mem.Ticker("binance", "BTC/USDT")
	if !ok {
		t.Fatalf("expected ticker to be cached")
	}
	if got.Last != 65000.5 {
		t.Fatalf("expected cached last=65000.5, got %v", got.Last)
	}
	if store.snapshots != 1 {
		t.Fatalf("expected one snapshot write, got %d", store.snapshots)
	}
}
