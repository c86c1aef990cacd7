package httpstatus

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/sawpanic/marketfeed/internal/cache"
	"github.com/sawpanic/marketfeed/internal/connection"
	"github.com/sawpanic/marketfeed/internal/engine"
	"github.com/sawpanic/marketfeed/internal/model"
	"github.com/sawpanic/marketfeed/internal/registry"
	"github.com/sawpanic/marketfeed/internal/venue"
)

var testUpgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

func newMockVenueServer(t *testing.T) string {
	t.Helper()
	mux := http.NewServeMux()
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

func newTestFacade(t *testing.T) *engine.Facade {
	t.Helper()
	url := newMockVenueServer(t)

	mem := cache.NewMemStore(0, 0)
	store := cache.NoopStore{}
	emitter := engine.NewEmitter(0)
	sink := cache.NewSink(mem, store, emitter, cache.StreamConfig{}, zerolog.Nop())

	reg := registry.New()
	pool := connection.NewPool("stub", stubAdapter{url: url}, venue.ClassSpot, connection.PoolConfig{}, sink, reg, func() bool { return true }, zerolog.Nop())

	return engine.New(engine.Config{}, []*engine.Venue{{Name: "stub", Pool: pool, Registry: reg}}, sink, emitter, nil, store, zerolog.Nop())
}

func TestHealthzReportsNotRunningBeforeStart(t *testing.T) {
	facade := newTestFacade(t)
	srv := New(DefaultConfig(), facade, nil, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before Start, got %d", rec.Code)
	}

	var body struct {
		Running     bool                      `json:"running"`
		Connections []engine.ConnectionStatus `json:"connections"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode healthz body: %v", err)
	}
	if body.Running {
		t.Fatalf("expected running=false before Start")
	}
}

func TestHealthzReportsRunningAfterStart(t *testing.T) {
	facade := newTestFacade(t)
	if err := facade.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer facade.Stop()

	srv := New(DefaultConfig(), facade, nil, zerolog.Nop())
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 after Start, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("expected JSON content type, got %q", ct)
	}
}

func TestStatsReturnsFacadeSnapshot(t *testing.T) {
	facade := newTestFacade(t)
	srv := New(DefaultConfig(), facade, nil, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var stats engine.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats body: %v", err)
	}
	if stats.Running {
		t.Fatalf("expected running=false, facade was never started")
	}
}

func TestRequestIDHeaderIsSetOnEveryResponse(t *testing.T) {
	facade := newTestFacade(t)
	srv := New(DefaultConfig(), facade, nil, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected a non-empty X-Request-ID header")
	}
}
