// Package normalize holds venue-agnostic parsing helpers shared by every
// venue adapter's Normalize* methods.
package normalize

import (
	"encoding/json"
	"math"
	"strconv"

	"github.com/sawpanic/marketfeed/internal/model"
)

// Float parses a JSON number that may arrive as either a string or a
// numeric literal, which venues do inconsistently even within one message.
// It reports ok=false (absent) rather than zero when the value is missing,
// empty, or unparsable.
func Float(raw json.RawMessage) (v float64, ok bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, false
	}
	return f, true
}

// ParseFloatString parses a string-typed numeric field, reporting ok=false
// for an empty string or a parse failure instead of returning zero.
func ParseFloatString(s string) (v float64, ok bool) {
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// FloatPtr returns a pointer to f, or nil when ok is false. Used to make the
// absent-vs-zero distinction explicit in canonical optional fields.
func FloatPtr(f float64, ok bool) *float64 {
	if !ok {
		return nil
	}
	return &f
}

// IntPtr returns a pointer to n, or nil when ok is false.
func IntPtr(n int64, ok bool) *int64 {
	if !ok {
		return nil
	}
	return &n
}

// Finite reports whether f is neither NaN nor infinite.
func Finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// Levels converts a venue's raw [price, size] pair list (already decoded as
// [][2]string) into canonical price levels, skipping any pair that fails to
// parse instead of erroring the whole book out.
func Levels(raw [][2]string) []model.PriceLevel {
	out := make([]model.PriceLevel, 0, len(raw))
	for _, pair := range raw {
		price, ok1 := ParseFloatString(pair[0])
		size, ok2 := ParseFloatString(pair[1])
		if !ok1 || !ok2 {
			continue
		}
		out = append(out, model.PriceLevel{Price: price, Size: size})
	}
	return out
}
