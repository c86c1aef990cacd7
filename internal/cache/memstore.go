// Package cache holds the in-process most-recent-record store plus the
// external snapshot/stream/broadcast sink, grounded on the teacher's
// RedisCacheManager (in-memory hit/miss bookkeeping, PIT-style snapshot
// writes) but reshaped around the canonical market-data schema instead of
// an arbitrary interface{} cache entry.
package cache

import (
	"sync"

	"github.com/sawpanic/marketfeed/internal/model"
)

// DefaultKlineCapacity bounds how much candle history MemStore retains per
// (venue, symbol, interval) before the oldest entries are dropped.
const DefaultKlineCapacity = 1000

// DefaultKlineTail is how many of the most recent klines are attached to
// each emitted candle event for strategy context.
const DefaultKlineTail = 200

// MemStore holds the one most-recent Ticker/Depth/FundingRate per
// (venue, symbol), plus a bounded ordered Kline history per
// (venue, symbol, interval). It lives for the process lifetime: entries are
// created on first receipt and mutated in place, never expired.
type MemStore struct {
	mu sync.RWMutex

	tickers      map[model.VenueKey]model.Ticker
	depths       map[model.VenueKey]model.Depth
	fundingRates map[model.VenueKey]model.FundingRate
	klines       map[model.VenueKey][]model.Kline

	klineCapacity int
	klineTail     int
}

// NewMemStore returns an empty MemStore. A capacity or tail of 0 uses the
// package defaults.
func NewMemStore(klineCapacity, klineTail int) *MemStore {
	if klineCapacity <= 0 {
		klineCapacity = DefaultKlineCapacity
	}
	if klineTail <= 0 {
		klineTail = DefaultKlineTail
	}
	return &MemStore{
		tickers:       make(map[model.VenueKey]model.Ticker),
		depths:        make(map[model.VenueKey]model.Depth),
		fundingRates:  make(map[model.VenueKey]model.FundingRate),
		klines:        make(map[model.VenueKey][]model.Kline),
		klineCapacity: klineCapacity,
		klineTail:     klineTail,
	}
}

func tickerKey(venue string, t model.Ticker) model.VenueKey {
	return model.VenueKey{Venue: venue, Key: model.Key{Kind: model.KindTicker, Symbol: t.Symbol}}
}

func depthKey(venue string, d model.Depth) model.VenueKey {
	return model.VenueKey{Venue: venue, Key: model.Key{Kind: model.KindDepth, Symbol: d.Symbol}}
}

func fundingKey(venue string, f model.FundingRate) model.VenueKey {
	return model.VenueKey{Venue: venue, Key: model.Key{Kind: model.KindFundingRate, Symbol: f.Symbol}}
}

func klineKey(venue string, k model.Kline) model.VenueKey {
	interval := k.Interval
	if interval == "" {
		interval = model.DefaultKlineInterval
	}
	return model.VenueKey{Venue: venue, Key: model.Key{Kind: model.KindKline, Symbol: k.Symbol, Interval: interval}}
}

// PutTicker replaces the most-recent Ticker for (venue, symbol).
func (s *MemStore) PutTicker(venue string, t model.Ticker) {
	key := tickerKey(venue, t)
	s.mu.Lock()
	s.tickers[key] = t
	s.mu.Unlock()
}

// Ticker returns the most-recent Ticker for (venue, symbol), if any.
func (s *MemStore) Ticker(venue, symbol string) (model.Ticker, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tickers[model.VenueKey{Venue: venue, Key: model.Key{Kind: model.KindTicker, Symbol: symbol}}]
	return t, ok
}

// PutDepth replaces the most-recent Depth for (venue, symbol).
func (s *MemStore) PutDepth(venue string, d model.Depth) {
	key := depthKey(venue, d)
	s.mu.Lock()
	s.depths[key] = d
	s.mu.Unlock()
}

// Depth returns the most-recent Depth for (venue, symbol), if any.
func (s *MemStore) Depth(venue, symbol string) (model.Depth, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.depths[model.VenueKey{Venue: venue, Key: model.Key{Kind: model.KindDepth, Symbol: symbol}}]
	return d, ok
}

// PutFundingRate replaces the most-recent FundingRate for (venue, symbol).
// Callers run the dedup gate (see FundingDedup) before calling this.
func (s *MemStore) PutFundingRate(venue string, f model.FundingRate) {
	key := fundingKey(venue, f)
	s.mu.Lock()
	s.fundingRates[key] = f
	s.mu.Unlock()
}

// FundingRate returns the most-recent FundingRate for (venue, symbol), if any.
func (s *MemStore) FundingRate(venue, symbol string) (model.FundingRate, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.fundingRates[model.VenueKey{Venue: venue, Key: model.Key{Kind: model.KindFundingRate, Symbol: symbol}}]
	return f, ok
}

// AppendKline appends k to (venue, symbol, interval)'s history, replacing
// the tail entry in place when k.OpenTime matches it (an update to the
// still-forming candle) rather than appending a duplicate. The history is
// trimmed to klineCapacity from the front once it grows past that bound.
// Returns the tail window (most recent klineTail entries) for attaching to
// the emitted candle event.
func (s *MemStore) AppendKline(venue string, k model.Kline) []model.Kline {
	key := klineKey(venue, k)

	s.mu.Lock()
	defer s.mu.Unlock()

	history := s.klines[key]
	if n := len(history); n > 0 && history[n-1].OpenTime == k.OpenTime {
		history[n-1] = k
	} else {
		history = append(history, k)
	}
	if over := len(history) - s.klineCapacity; over > 0 {
		history = append([]model.Kline(nil), history[over:]...)
	}
	s.klines[key] = history

	tailFrom := len(history) - s.klineTail
	if tailFrom < 0 {
		tailFrom = 0
	}
	tail := make([]model.Kline, len(history)-tailFrom)
	copy(tail, history[tailFrom:])
	return tail
}

// Klines returns the full retained history for (venue, symbol, interval).
func (s *MemStore) Klines(venue, symbol, interval string) []model.Kline {
	if interval == "" {
		interval = model.DefaultKlineInterval
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	history := s.klines[model.VenueKey{Venue: venue, Key: model.Key{Kind: model.KindKline, Symbol: symbol, Interval: interval}}]
	out := make([]model.Kline, len(history))
	copy(out, history)
	return out
}
