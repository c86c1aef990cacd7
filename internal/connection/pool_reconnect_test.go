package connection

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/sawpanic/marketfeed/internal/model"
	"github.com/sawpanic/marketfeed/internal/registry"
	"github.com/sawpanic/marketfeed/internal/venue"
)

// starvingMockServer upgrades every dial, sends one frame, then goes silent
// so a connection's data-starvation watchdog eventually trips.
type starvingMockServer struct {
	server       *httptest.Server
	dialCount    int32
	subscribeMsg int32
}

func newStarvingMockServer() *starvingMockServer {
	m := &starvingMockServer{}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&m.dialCount, 1)
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"hello":true}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
			atomic.AddInt32(&m.subscribeMsg, 1)
		}
	})
	m.server = httptest.NewServer(mux)
	return m
}

func (m *starvingMockServer) wsURL() string {
	return "ws" + strings.TrimPrefix(m.server.URL, "http") + "/ws"
}

func (m *starvingMockServer) Close() { m.server.Close() }

func TestPoolReplaysSubscriptionsAfterWatchdogReconnect(t *testing.T) {
	srv := newStarvingMockServer()
	defer srv.Close()

	reg := registry.New()
	pool := NewPool(
		"fake",
		fakeAdapter{url: srv.wsURL()},
		venue.ClassSpot,
		PoolConfig{
			ConnectionConfig: Config{
				DataTimeout:      150 * time.Millisecond,
				DataTimeoutCheck: 50 * time.Millisecond,
			},
			ReconnectMaxAttempts: 5,
			ReconnectBaseDelay:   20 * time.Millisecond,
			ReconnectMaxDelay:    200 * time.Millisecond,
		},
		nopSink{},
		reg,
		func() bool { return true },
		zerolog.Nop(),
	)
	defer pool.Shutdown()

	ctx := context.Background()
	key := model.Key{Kind: model.KindTicker, Symbol: "BTC/USDT"}
	if err := pool.AddSubscription(ctx, key); err != nil {
		t.Fatalf("AddSubscription: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(&srv.dialCount) >= 2 {
			break
		}
		time.Sleep(25 * time.Millisecond)
	}
	if atomic.LoadInt32(&srv.dialCount) < 2 {
		t.Fatalf("expected the watchdog to force at least one reconnect dial, got %d dials", srv.dialCount)
	}

	deadline = time.Now().Add(5 * time.Second)
	var carrierID string
	var ok bool
	for time.Now().Before(deadline) {
		carrierID, ok = reg.Carrier(key)
		if ok {
			conns := pool.Connections()
			for _, c := range conns {
				if c.ID == carrierID && c.State() == StateOpen && c.CarriedCount() == 1 {
					return
				}
			}
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("expected the subscription to be replayed onto a new open connection, last carrier=%q ok=%v", carrierID, ok)
}
