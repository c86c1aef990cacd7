package registry

import (
	"testing"

	"github.com/sawpanic/marketfeed/internal/model"
)

func key(symbol string) model.Key {
	return model.Key{Kind: model.KindTicker, Symbol: symbol}
}

func TestAddUnsubscribeAtMostOnce(t *testing.T) {
	r := New()

	if !r.Add(key("BTC/USDT")) {
		t.Fatal("first Add should return true")
	}
	if r.Add(key("BTC/USDT")) {
		t.Fatal("repeated Add should be a no-op and return false")
	}
	if r.Size() != 1 {
		t.Fatalf("size = %d, want 1", r.Size())
	}

	if !r.Remove(key("BTC/USDT")) {
		t.Fatal("first Remove should return true")
	}
	if r.Remove(key("BTC/USDT")) {
		t.Fatal("repeated Remove should be a no-op and return false")
	}
	if r.Size() != 0 {
		t.Fatalf("size = %d, want 0", r.Size())
	}
}

func TestDesiredSetMatchesSubscribeUnsubscribeSequence(t *testing.T) {
	r := New()
	keys := []model.Key{key("BTC/USDT"), key("ETH/USDT"), key("SOL/USDT")}

	for _, k := range keys {
		r.Add(k)
	}
	r.Remove(keys[1]) // unsubscribe ETH/USDT

	if r.Size() != 2 {
		t.Fatalf("size = %d, want 2", r.Size())
	}
	snap := r.Snapshot()
	seen := make(map[model.Key]bool)
	for _, k := range snap {
		seen[k] = true
	}
	if !seen[keys[0]] || !seen[keys[2]] || seen[keys[1]] {
		t.Fatalf("unexpected snapshot contents: %+v", snap)
	}
}

func TestEveryDesiredEntryHasExactlyOneCarrier(t *testing.T) {
	r := New()
	k := key("BTC/USDT")
	r.Add(k)
	r.SetCarrier(k, "conn-1")

	got, ok := r.Carrier(k)
	if !ok || got != "conn-1" {
		t.Fatalf("Carrier = (%q, %v), want (conn-1, true)", got, ok)
	}

	r.SetCarrier(k, "conn-2")
	got, ok = r.Carrier(k)
	if !ok || got != "conn-2" {
		t.Fatalf("re-seat Carrier = (%q, %v), want (conn-2, true)", got, ok)
	}
}

func TestDropCarrierKeepsDesired(t *testing.T) {
	r := New()
	k := key("BTC/USDT")
	r.Add(k)
	r.SetCarrier(k, "conn-1")

	r.DropCarrier(k)
	if _, ok := r.Carrier(k); ok {
		t.Fatal("expected no carrier after DropCarrier")
	}
	if r.Size() != 1 {
		t.Fatal("DropCarrier must not affect the desired set")
	}
}

func TestKeysForReturnsOnlyMatchingConnection(t *testing.T) {
	r := New()
	a, b, c := key("BTC/USDT"), key("ETH/USDT"), key("SOL/USDT")
	r.Add(a)
	r.Add(b)
	r.Add(c)
	r.SetCarrier(a, "conn-1")
	r.SetCarrier(b, "conn-1")
	r.SetCarrier(c, "conn-2")

	got := r.KeysFor("conn-1")
	if len(got) != 2 {
		t.Fatalf("KeysFor(conn-1) returned %d keys, want 2", len(got))
	}
}

func TestSnapshotIsACopySafeToIterateDuringMutation(t *testing.T) {
	r := New()
	r.Add(key("BTC/USDT"))
	r.Add(key("ETH/USDT"))

	snap := r.Snapshot()
	// Mutating the registry after taking the snapshot must not change it.
	r.Add(key("SOL/USDT"))
	if len(snap) != 2 {
		t.Fatalf("snapshot mutated after Add: len = %d, want 2", len(snap))
	}
}
