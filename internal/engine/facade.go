// Package engine exposes the single public surface described in spec §4.10:
// start/stop, subscribe/unsubscribe, cached-record reads, and status/stats
// snapshots, composing the venue pools, registries, and cache sink built by
// cmd/marketfeed into one facade. Grounded on the teacher's DataFacade
// (per-provider registration, a config struct, a running flag) but reshaped
// around live streaming subscriptions instead of request/response polling.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/sawpanic/marketfeed/internal/cache"
	"github.com/sawpanic/marketfeed/internal/connection"
	"github.com/sawpanic/marketfeed/internal/model"
	"github.com/sawpanic/marketfeed/internal/registry"
	"github.com/sawpanic/marketfeed/internal/symbol"
)

// Venue bundles one venue's Pool and Registry; Facade treats every venue
// uniformly through this pair plus its name.
type Venue struct {
	Name     string
	Pool     *connection.Pool
	Registry *registry.Registry
}

// Config assembles a Facade. RequireExternalStore makes start() fail if the
// external store can't be reached; when false (the default for
// enableRedis=false deployments) start() never blocks on store health.
type Config struct {
	RequireExternalStore bool
}

// storePinger is implemented by cache.ExternalStore backends that can prove
// reachability (cache.RedisStore); cache.NoopStore does not, and is treated
// as always reachable.
type storePinger interface {
	Ping(ctx context.Context) error
}

// Facade is the engine's public surface. Construct one Venue per enabled
// exchange (via cmd/marketfeed's wiring) and pass them all to New.
type Facade struct {
	cfg     Config
	venues  map[string]*Venue
	sink    *cache.Sink
	emitter *Emitter
	metrics *MetricsRegistry
	store   cache.ExternalStore
	log     zerolog.Logger

	running atomic.Bool
}

// New builds a Facade over the given venues. venues must already have their
// Pool wired to sink as its RecordSink; Facade only orchestrates lifecycle
// and read/subscribe operations on top.
func New(cfg Config, venues []*Venue, sink *cache.Sink, emitter *Emitter, metrics *MetricsRegistry, store cache.ExternalStore, log zerolog.Logger) *Facade {
	byName := make(map[string]*Venue, len(venues))
	for _, v := range venues {
		byName[v.Name] = v
	}
	return &Facade{
		cfg:     cfg,
		venues:  byName,
		sink:    sink,
		emitter: emitter,
		metrics: metrics,
		store:   store,
		log:     log,
	}
}

// Running reports whether Start has completed (and Stop has not since).
func (f *Facade) Running() bool { return f.running.Load() }

// Start is idempotent: opening one Connection per enabled venue and arming
// their timers. If cfg.RequireExternalStore is set and the store can't be
// pinged, Start fails without opening any venue connection.
func (f *Facade) Start(ctx context.Context) error {
	if !f.running.CompareAndSwap(false, true) {
		return nil
	}

	if f.cfg.RequireExternalStore {
		if pinger, ok := f.store.(storePinger); ok {
			if err := pinger.Ping(ctx); err != nil {
				f.running.Store(false)
				return fmt.Errorf("engine: external store unreachable: %w", err)
			}
		}
	}

	for name, v := range f.venues {
		if err := v.Pool.EnsureConnection(ctx); err != nil {
			f.log.Error().Err(err).Str("venue", name).Msg("failed to open initial connection")
		}
	}
	f.log.Info().Int("venues", len(f.venues)).Msg("engine started")
	return nil
}

// Stop is idempotent: it flips running false, closes every Connection with
// a clean code, and closes the external store client.
func (f *Facade) Stop() error {
	if !f.running.CompareAndSwap(true, false) {
		return nil
	}
	for _, v := range f.venues {
		v.Pool.Shutdown()
	}
	err := f.store.Close()
	f.log.Info().Msg("engine stopped")
	return err
}

func normalizeSymbol(canonical string) string {
	return symbol.StripPerpetualSuffix(canonical)
}

func (f *Facade) venueList(filter []string) []*Venue {
	if len(filter) == 0 {
		out := make([]*Venue, 0, len(f.venues))
		for _, v := range f.venues {
			out = append(out, v)
		}
		return out
	}
	out := make([]*Venue, 0, len(filter))
	for _, name := range filter {
		if v, ok := f.venues[name]; ok {
			out = append(out, v)
		}
	}
	return out
}

// Subscribe registers (kind, symbol) on every venue in venues (all enabled
// venues if venues is empty) and, for any pair not already desired, seats it
// on a Connection. Repeated calls for an already-desired pair are no-ops.
func (f *Facade) Subscribe(ctx context.Context, canonicalSymbol string, kinds []model.DataKind, venues []string) error {
	sym := normalizeSymbol(canonicalSymbol)
	for _, kind := range kinds {
		if !kind.Valid() {
			return fmt.Errorf("engine: invalid data kind %q", kind)
		}
	}

	for _, v := range f.venueList(venues) {
		for _, kind := range kinds {
			key := model.Key{Kind: kind, Symbol: sym}
			if kind == model.KindKline && key.Interval == "" {
				key.Interval = model.DefaultKlineInterval
			}
			if !v.Registry.Add(key) {
				continue // already desired: at-most-once
			}
			if err := v.Pool.AddSubscription(ctx, key); err != nil {
				f.log.Warn().Err(err).Str("venue", v.Name).Interface("key", key).Msg("subscribe failed")
				continue
			}
			if f.metrics != nil {
				f.metrics.SubscriptionsActive.WithLabelValues(v.Name).Set(float64(v.Registry.Size()))
			}
		}
	}
	return nil
}

// Unsubscribe removes (kind, symbol) from every venue in venues (all
// enabled venues if empty). Missing keys are no-ops.
func (f *Facade) Unsubscribe(ctx context.Context, canonicalSymbol string, kinds []model.DataKind, venues []string) error {
	sym := normalizeSymbol(canonicalSymbol)
	for _, v := range f.venueList(venues) {
		for _, kind := range kinds {
			key := model.Key{Kind: kind, Symbol: sym}
			if kind == model.KindKline && key.Interval == "" {
				key.Interval = model.DefaultKlineInterval
			}
			if !v.Registry.Remove(key) {
				continue
			}
			if err := v.Pool.RemoveSubscription(ctx, key); err != nil {
				f.log.Warn().Err(err).Str("venue", v.Name).Interface("key", key).Msg("unsubscribe failed")
			}
			if f.metrics != nil {
				f.metrics.SubscriptionsActive.WithLabelValues(v.Name).Set(float64(v.Registry.Size()))
			}
		}
	}
	return nil
}

// BatchSubscribe runs Subscribe concurrently across symbols. No ordering
// across symbols is guaranteed; the first error per symbol is collected but
// does not halt the others.
func (f *Facade) BatchSubscribe(ctx context.Context, symbols []string, kinds []model.DataKind, venues []string) []error {
	return f.batch(ctx, symbols, kinds, venues, f.Subscribe)
}

// BatchUnsubscribe runs Unsubscribe concurrently across symbols.
func (f *Facade) BatchUnsubscribe(ctx context.Context, symbols []string, kinds []model.DataKind, venues []string) []error {
	return f.batch(ctx, symbols, kinds, venues, f.Unsubscribe)
}

func (f *Facade) batch(ctx context.Context, symbols []string, kinds []model.DataKind, venues []string, op func(context.Context, string, []model.DataKind, []string) error) []error {
	errs := make([]error, len(symbols))
	var wg sync.WaitGroup
	for i, sym := range symbols {
		wg.Add(1)
		go func(i int, sym string) {
			defer wg.Done()
			errs[i] = op(ctx, sym, kinds, venues)
		}(i, sym)
	}
	wg.Wait()
	return errs
}

// GetTicker returns the cached Ticker for symbol, searching the given venue
// only if set, or every enabled venue (first match wins) otherwise.
func (f *Facade) GetTicker(symbol string, venue string) (model.Ticker, bool) {
	sym := normalizeSymbol(symbol)
	if venue != "" {
		return f.sink.Mem().Ticker(venue, sym)
	}
	for name := range f.venues {
		if t, ok := f.sink.Mem().Ticker(name, sym); ok {
			return t, true
		}
	}
	return model.Ticker{}, false
}

// GetDepth returns the cached Depth for symbol, same venue-resolution rule
// as GetTicker.
func (f *Facade) GetDepth(symbol string, venue string) (model.Depth, bool) {
	sym := normalizeSymbol(symbol)
	if venue != "" {
		return f.sink.Mem().Depth(venue, sym)
	}
	for name := range f.venues {
		if d, ok := f.sink.Mem().Depth(name, sym); ok {
			return d, true
		}
	}
	return model.Depth{}, false
}

// GetFundingRate returns the cached FundingRate for symbol, same
// venue-resolution rule as GetTicker.
func (f *Facade) GetFundingRate(symbol string, venue string) (model.FundingRate, bool) {
	sym := normalizeSymbol(symbol)
	if venue != "" {
		return f.sink.Mem().FundingRate(venue, sym)
	}
	for name := range f.venues {
		if fr, ok := f.sink.Mem().FundingRate(name, sym); ok {
			return fr, true
		}
	}
	return model.FundingRate{}, false
}

// Subscribe to an Emitter kind stream directly, for callers that want the
// in-process event feed rather than polling cached records.
func (f *Facade) Events(kind model.DataKind) <-chan cache.Event {
	return f.emitter.Subscribe(kind)
}

// ConnectionStatus is one venue's row in GetConnectionStatus's result.
type ConnectionStatus struct {
	Venue          string
	Connected      bool
	Reconnecting   bool
	AttemptCounter int
	Connections    int
	DesiredKeys    int
}

// GetConnectionStatus snapshots every venue's connection health.
func (f *Facade) GetConnectionStatus() []ConnectionStatus {
	out := make([]ConnectionStatus, 0, len(f.venues))
	for name, v := range f.venues {
		st := v.Pool.Status()
		out = append(out, ConnectionStatus{
			Venue:          name,
			Connected:      st.Connected,
			Reconnecting:   st.Reconnecting,
			AttemptCounter: st.AttemptCounter,
			Connections:    len(st.ConnectionIDs),
			DesiredKeys:    v.Registry.Size(),
		})
		if f.metrics != nil {
			open := 0
			for _, c := range v.Pool.Connections() {
				if c.State() == connection.StateOpen {
					open++
				}
			}
			f.metrics.ConnectionsOpen.WithLabelValues(name).Set(float64(open))
		}
	}
	return out
}

// Stats is a process-wide snapshot, combining cache.Sink activity with the
// in-process event emitter's backpressure counter.
type Stats struct {
	cache.Stats
	SubscriberEventsDropped int64
	Running                 bool
}

// GetStats snapshots process-wide activity counters.
func (f *Facade) GetStats() Stats {
	return Stats{
		Stats:                   f.sink.Stats(),
		SubscriberEventsDropped: f.emitter.Dropped(),
		Running:                 f.Running(),
	}
}
