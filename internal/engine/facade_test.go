package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/sawpanic/marketfeed/internal/cache"
	"github.com/sawpanic/marketfeed/internal/connection"
	"github.com/sawpanic/marketfeed/internal/model"
	"github.com/sawpanic/marketfeed/internal/registry"
	"github.com/sawpanic/marketfeed/internal/venue"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

func newMockVenueServer(t *testing.T) string {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

type stubAdapter struct{ url string }

func (s stubAdapter) Name() string { return "stub" }

func (s stubAdapter) URLFor(ctx context.Context, class venue.TradingClass) (venue.Endpoint, error) {
	return venue.Endpoint{URL: s.url}, nil
}

func (stubAdapter) BuildSubscribe(key model.Key) ([]byte, error)   { return []byte("sub"), nil }
func (stubAdapter) BuildUnsubscribe(key model.Key) ([]byte, error) { return []byte("unsub"), nil }
func (stubAdapter) Heartbeat() []byte                              { return nil }
func (stubAdapter) DispatchFrame(raw []byte) venue.Dispatch        { return venue.Dispatch{Kind: venue.FrameOther} }
func (stubAdapter) Normalize(channel string, raw []byte, localTimestamp int64) (venue.Normalized, error) {
	return venue.Normalized{}, nil
}

func newTestFacade(t *testing.T) (*Facade, *cache.MemStore) {
	t.Helper()
	url := newMockVenueServer(t)

	mem := cache.NewMemStore(0, 0)
	store := cache.NoopStore{}
	emitter := NewEmitter(0)
	sink := cache.NewSink(mem, store, emitter, cache.StreamConfig{}, zerolog.Nop())

	reg := registry.New()
	pool := connection.NewPool("stub", stubAdapter{url: url}, venue.ClassSpot, connection.PoolConfig{}, sink, reg, func() bool { return true }, zerolog.Nop())

	f := New(Config{}, []*Venue{{Name: "stub", Pool: pool, Registry: reg}}, sink, emitter, nil, store, zerolog.Nop())
	return f, mem
}

func TestFacadeStartIsIdempotent(t *testing.T) {
	f, _ := newTestFacade(t)
	ctx := context.Background()

	if err := f.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := f.Start(ctx); err != nil {
		t.Fatalf("second Start should be a no-op, got %v", err)
	}
	if !f.Running() {
		t.Fatalf("expected Running() true after Start")
	}

	if err := f.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := f.Stop(); err != nil {
		t.Fatalf("second Stop should be a no-op, got %v", err)
	}
	if f.Running() {
		t.Fatalf("expected Running() false after Stop")
	}
}

func TestFacadeSubscribeIsAtMostOnce(t *testing.T) {
	f, _ := newTestFacade(t)
	ctx := context.Background()
	if err := f.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer f.Stop()

	if err := f.Subscribe(ctx, "BTC/USDT", []model.DataKind{model.KindTicker}, nil); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := f.Subscribe(ctx, "BTC/USDT", []model.DataKind{model.KindTicker}, nil); err != nil {
		t.Fatalf("repeat Subscribe: %v", err)
	}

	status := f.GetConnectionStatus()
	if len(status) != 1 || status[0].DesiredKeys != 1 {
		t.Fatalf("expected exactly one desired key after a repeated subscribe, got %+v", status)
	}
}

func TestFacadeUnsubscribeUnknownKeyIsNoOp(t *testing.T) {
	f, _ := newTestFacade(t)
	ctx := context.Background()
	if err := f.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer f.Stop()

	if err := f.Unsubscribe(ctx, "BTC/USDT", []model.DataKind{model.KindTicker}, nil); err != nil {
		t.Fatalf("Unsubscribe on unknown key should be a no-op, got %v", err)
	}
}

func TestFacadeGetTickerReadsMemStore(t *testing.T) {
	f, mem := newTestFacade(t)
	mem.PutTicker("stub", model.Ticker{Base: model.Base{Venue: "stub", Symbol: "BTC/USDT"}, Last: 100})

	ticker, ok := f.GetTicker("BTC/USDT", "")
	if !ok {
		t.Fatalf("expected a cached ticker")
	}
	if ticker.Last != 100 {
		t.Fatalf("expected last=100, got %v", ticker.Last)
	}

	if _, ok := f.GetTicker("ETH/USDT", ""); ok {
		t.Fatalf("expected no cached ticker for a symbol never written")
	}
}

func TestFacadeBatchSubscribeCoversEverySymbol(t *testing.T) {
	f, _ := newTestFacade(t)
	ctx := context.Background()
	if err := f.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer f.Stop()

	errs := f.BatchSubscribe(ctx, []string{"BTC/USDT", "ETH/USDT", "SOL/USDT"}, []model.DataKind{model.KindTicker}, nil)
	for i, err := range errs {
		if err != nil {
			t.Fatalf("symbol %d: %v", i, err)
		}
	}

	status := f.GetConnectionStatus()
	if status[0].DesiredKeys != 3 {
		t.Fatalf("expected 3 desired keys after batch subscribe, got %d", status[0].DesiredKeys)
	}
}
