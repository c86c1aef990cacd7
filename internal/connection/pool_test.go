package connection

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/sawpanic/marketfeed/internal/model"
	"github.com/sawpanic/marketfeed/internal/registry"
	"github.com/sawpanic/marketfeed/internal/venue"
)

var testUpgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// mockWSServer upgrades every request and then just reads (and discards)
// whatever the client sends, never pushing data of its own — enough for a
// Connection to dial, Send subscribe frames, and sit open.
type mockWSServer struct {
	server *httptest.Server
}

func newMockWSServer() *mockWSServer {
	mux := http.NewServeMux()
	m := &mockWSServer{}
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
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
	m.server = httptest.NewServer(mux)
	return m
}

func (m *mockWSServer) wsURL() string {
	return "ws" + strings.TrimPrefix(m.server.URL, "http") + "/ws"
}

func (m *mockWSServer) Close() { m.server.Close() }

// fakeAdapter is a minimal venue.Adapter stand-in pointed at a local mock
// server instead of a real exchange: no real wire format, just enough to
// exercise Pool's subscription routing.
type fakeAdapter struct {
	url string
}

func (f fakeAdapter) Name() string { return "fake" }

func (f fakeAdapter) URLFor(ctx context.Context, class venue.TradingClass) (venue.Endpoint, error) {
	return venue.Endpoint{URL: f.url}, nil
}

func (fakeAdapter) BuildSubscribe(key model.Key) ([]byte, error) {
	return []byte(fmt.Sprintf("sub:%s:%s", key.Kind, key.Symbol)), nil
}

func (fakeAdapter) BuildUnsubscribe(key model.Key) ([]byte, error) {
	return []byte(fmt.Sprintf("unsub:%s:%s", key.Kind, key.Symbol)), nil
}

func (fakeAdapter) Heartbeat() []byte { return nil }

func (fakeAdapter) DispatchFrame(raw []byte) venue.Dispatch {
	return venue.Dispatch{Kind: venue.FrameOther}
}

func (fakeAdapter) Normalize(channel string, raw []byte, localTimestamp int64) (venue.Normalized, error) {
	return venue.Normalized{}, nil
}

type nopSink struct{}

func (nopSink) Accept(venueName string, records venue.Normalized) {}

func TestPoolEnforcesPerConnectionSubscriptionCap(t *testing.T) {
	srv := newMockWSServer()
	defer srv.Close()

	reg := registry.New()
	pool := NewPool(
		"fake",
		fakeAdapter{url: srv.wsURL()},
		venue.ClassSpot,
		PoolConfig{MaxSubscriptionsPerConnection: 2},
		nopSink{},
		reg,
		func() bool { return true },
		zerolog.Nop(),
	)
	defer pool.Shutdown()

	keys := []model.Key{
		{Kind: model.KindTicker, Symbol: "BTC/USDT"},
		{Kind: model.KindTicker, Symbol: "ETH/USDT"},
		{Kind: model.KindTicker, Symbol: "SOL/USDT"},
	}

	ctx := context.Background()
	for _, key := range keys {
		if err := pool.AddSubscription(ctx, key); err != nil {
			t.Fatalf("AddSubscription(%v): %v", key, err)
		}
	}

	conns := pool.Connections()
	if len(conns) != 2 {
		t.Fatalf("expected exactly 2 connections for 3 keys capped at 2/connection, got %d", len(conns))
	}

	counts := make([]int, 0, 2)
	for _, c := range conns {
		counts = append(counts, c.CarriedCount())
	}
	total := counts[0] + counts[1]
	if total != 3 {
		t.Fatalf("expected carried counts to sum to 3, got %v (sum %d)", counts, total)
	}
	if !((counts[0] == 2 && counts[1] == 1) || (counts[0] == 1 && counts[1] == 2)) {
		t.Fatalf("expected carried counts {2,1} in some order, got %v", counts)
	}

	for _, key := range keys {
		if _, ok := reg.Carrier(key); !ok {
			t.Fatalf("expected registry to record a carrier for %v", key)
		}
	}
}

func TestPoolRemoveSubscriptionIsNoOpForUnknownKey(t *testing.T) {
	srv := newMockWSServer()
	defer srv.Close()

	reg := registry.New()
	pool := NewPool(
		"fake",
		fakeAdapter{url: srv.wsURL()},
		venue.ClassSpot,
		PoolConfig{},
		nopSink{},
		reg,
		func() bool { return true },
		zerolog.Nop(),
	)
	defer pool.Shutdown()

	key := model.Key{Kind: model.KindTicker, Symbol: "BTC/USDT"}
	if err := pool.RemoveSubscription(context.Background(), key); err != nil {
		t.Fatalf("RemoveSubscription on unknown key should be a no-op, got %v", err)
	}
}
