package clock

import "testing"

func TestUnifiedTimestampAbsentVenue(t *testing.T) {
	local := int64(1700000000000)
	got := UnifiedTimestamp(nil, local)
	if got != local {
		t.Fatalf("got %d want %d", got, local)
	}
}

func TestUnifiedTimestampAverages(t *testing.T) {
	venue := int64(1700000000000)
	local := int64(1700000002000)
	got := UnifiedTimestamp(&venue, local)
	want := int64(1700000001000)
	if got != want {
		t.Fatalf("got %d want %d", got, want)
	}
}

func TestUnifiedTimestampWithinBounds(t *testing.T) {
	cases := []struct{ a, b int64 }{
		{1700000000000, 1700000000500},
		{1700000005000, 1700000000000},
		{0, 1700000000000},
	}
	for _, c := range cases {
		got := UnifiedTimestamp(&c.a, c.b)
		lo, hi := c.a, c.b
		if lo > hi {
			lo, hi = hi, lo
		}
		if got < lo || got > hi {
			t.Fatalf("UnifiedTimestamp(%d,%d) = %d, want in [%d,%d]", c.a, c.b, got, lo, hi)
		}
	}
}
