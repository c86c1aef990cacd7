package cache

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/sawpanic/marketfeed/internal/clock"
	"github.com/sawpanic/marketfeed/internal/model"
	"github.com/sawpanic/marketfeed/internal/venue"
)

// StreamConfig bounds the trade log's per-stream length.
type StreamConfig struct {
	MaxLen     int64
	TrimApprox bool
}

// Event is the in-process notification the facade exposes to listeners, one
// per normalized record. For KindKline it carries History: the tail window
// of recent candles for strategy context.
type Event struct {
	Kind   model.DataKind
	Venue  string
	Symbol string

	Ticker      *model.Ticker
	Depth       *model.Depth
	Trade       *model.Trade
	FundingRate *model.FundingRate
	Kline       *model.Kline

	History []model.Kline
}

// Emitter receives every admitted Event. The facade implements this with a
// typed multi-subscriber fan-out; Sink itself stays ignorant of how events
// are distributed downstream.
type Emitter interface {
	Emit(Event)
}

// Stats is a point-in-time snapshot of Sink activity.
type Stats struct {
	RecordsAccepted     int64
	ExternalWriteErrors int64
	FundingRateDropped  int64
}

// Sink is the connection.RecordSink every venue's Connection feeds: on each
// normalized record it updates MemStore, writes through to the external
// store and broadcast channel (best-effort per spec — failures are logged
// and counted, never propagated to the caller), and emits the in-process
// Event. FundingRate records pass the dedup gate first; a dropped record
// skips all three downstream steps.
type Sink struct {
	mem     *MemStore
	dedup   *FundingDedup
	store   ExternalStore
	emitter Emitter
	stream  StreamConfig
	log     zerolog.Logger

	accepted    int64
	writeErrors int64
	deduped     int64
}

// NewSink wires the in-memory store, external store, and event emitter into
// one connection.RecordSink.
func NewSink(mem *MemStore, store ExternalStore, emitter Emitter, stream StreamConfig, log zerolog.Logger) *Sink {
	if stream.MaxLen <= 0 {
		stream.MaxLen = 10000
	}
	return &Sink{mem: mem, dedup: NewFundingDedup(), store: store, emitter: emitter, stream: stream, log: log}
}

// Accept implements connection.RecordSink.
func (s *Sink) Accept(venueName string, records venue.Normalized) {
	ctx := context.Background()
	stamp := func(b *model.Base) {
		var venueTs *int64
		if b.ExchangeTimestamp != 0 {
			ts := b.ExchangeTimestamp
			venueTs = &ts
		}
		b.UnifiedTimestamp = clock.UnifiedTimestamp(venueTs, b.LocalTimestamp)
	}

	for _, t := range records.Tickers {
		stamp(&t.Base)
		s.acceptTicker(ctx, venueName, t)
	}
	for _, d := range records.Depths {
		stamp(&d.Base)
		s.acceptDepth(ctx, venueName, d)
	}
	for _, tr := range records.Trades {
		stamp(&tr.Base)
		s.acceptTrade(ctx, venueName, tr)
	}
	for _, f := range records.FundingRates {
		stamp(&f.Base)
		s.acceptFundingRate(ctx, venueName, f)
	}
	for _, k := range records.Klines {
		stamp(&k.Base)
		s.acceptKline(ctx, venueName, k)
	}
}

func (s *Sink) acceptTicker(ctx context.Context, venueName string, t model.Ticker) {
	s.mem.PutTicker(venueName, t)
	payload, err := json.Marshal(t)
	if err != nil {
		s.log.Error().Err(err).Str("venue", venueName).Str("symbol", t.Symbol).Msg("marshal ticker failed")
		return
	}
	s.writeSnapshot(ctx, model.KindTicker, venueName, t.Symbol, payload)
	s.publish(ctx, model.KindTicker, t, t.UnifiedTimestamp)
	atomic.AddInt64(&s.accepted, 1)
	s.emit(Event{Kind: model.KindTicker, Venue: venueName, Symbol: t.Symbol, Ticker: &t})
}

func (s *Sink) acceptDepth(ctx context.Context, venueName string, d model.Depth) {
	s.mem.PutDepth(venueName, d)
	payload, err := json.Marshal(d)
	if err != nil {
		s.log.Error().Err(err).Str("venue", venueName).Str("symbol", d.Symbol).Msg("marshal depth failed")
		return
	}
	s.writeSnapshot(ctx, model.KindDepth, venueName, d.Symbol, payload)
	s.publish(ctx, model.KindDepth, d, d.UnifiedTimestamp)
	atomic.AddInt64(&s.accepted, 1)
	s.emit(Event{Kind: model.KindDepth, Venue: venueName, Symbol: d.Symbol, Depth: &d})
}

func (s *Sink) acceptTrade(ctx context.Context, venueName string, tr model.Trade) {
	payload, err := json.Marshal(tr)
	if err != nil {
		s.log.Error().Err(err).Str("venue", venueName).Str("symbol", tr.Symbol).Msg("marshal trade failed")
		return
	}
	if err := s.store.AppendTrade(ctx, venueName, tr.Symbol, payload, s.stream.MaxLen, s.stream.TrimApprox); err != nil {
		s.recordWriteError(err)
	}
	s.publish(ctx, model.KindTrade, tr, tr.UnifiedTimestamp)
	atomic.AddInt64(&s.accepted, 1)
	s.emit(Event{Kind: model.KindTrade, Venue: venueName, Symbol: tr.Symbol, Trade: &tr})
}

func (s *Sink) acceptFundingRate(ctx context.Context, venueName string, f model.FundingRate) {
	if !s.dedup.Admit(venueName, f) {
		atomic.AddInt64(&s.deduped, 1)
		return
	}
	s.mem.PutFundingRate(venueName, f)
	payload, err := json.Marshal(f)
	if err != nil {
		s.log.Error().Err(err).Str("venue", venueName).Str("symbol", f.Symbol).Msg("marshal funding rate failed")
		return
	}
	s.writeSnapshot(ctx, model.KindFundingRate, venueName, f.Symbol, payload)
	s.publish(ctx, model.KindFundingRate, f, f.UnifiedTimestamp)
	atomic.AddInt64(&s.accepted, 1)
	s.emit(Event{Kind: model.KindFundingRate, Venue: venueName, Symbol: f.Symbol, FundingRate: &f})
}

func (s *Sink) acceptKline(ctx context.Context, venueName string, k model.Kline) {
	tail := s.mem.AppendKline(venueName, k)
	payload, err := json.Marshal(k)
	if err != nil {
		s.log.Error().Err(err).Str("venue", venueName).Str("symbol", k.Symbol).Msg("marshal kline failed")
		return
	}
	s.writeSnapshot(ctx, model.KindKline, venueName, k.Symbol, payload)
	s.publish(ctx, model.KindKline, k, k.UnifiedTimestamp)
	atomic.AddInt64(&s.accepted, 1)
	s.emit(Event{Kind: model.KindKline, Venue: venueName, Symbol: k.Symbol, Kline: &k, History: tail})
}

func (s *Sink) writeSnapshot(ctx context.Context, kind model.DataKind, venueName, symbol string, payload []byte) {
	if err := s.store.WriteSnapshot(ctx, kind, venueName, symbol, payload); err != nil {
		s.recordWriteError(err)
	}
}

func (s *Sink) publish(ctx context.Context, kind model.DataKind, data interface{}, timestamp int64) {
	envelope, err := marshalEnvelope(kind, data, timestamp)
	if err != nil {
		s.log.Error().Err(err).Str("kind", string(kind)).Msg("marshal broadcast envelope failed")
		return
	}
	if err := s.store.Publish(ctx, envelope); err != nil {
		s.recordWriteError(err)
	}
}

func (s *Sink) recordWriteError(err error) {
	atomic.AddInt64(&s.writeErrors, 1)
	s.log.Error().Err(err).Msg("external store write failed")
}

func (s *Sink) emit(e Event) {
	if s.emitter != nil {
		s.emitter.Emit(e)
	}
}

// Stats returns a point-in-time snapshot of Sink activity.
func (s *Sink) Stats() Stats {
	return Stats{
		RecordsAccepted:     atomic.LoadInt64(&s.accepted),
		ExternalWriteErrors: atomic.LoadInt64(&s.writeErrors),
		FundingRateDropped:  atomic.LoadInt64(&s.deduped),
	}
}

// Mem exposes the underlying MemStore for getTicker/getDepth/getFundingRate
// reads.
func (s *Sink) Mem() *MemStore { return s.mem }
