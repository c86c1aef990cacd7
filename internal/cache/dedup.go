package cache

import (
	"sync"

	"github.com/sawpanic/marketfeed/internal/model"
)

// fundingSignature is the (rate, nextFundingTime) pair the dedup gate
// compares against the last-emitted one for a (venue, symbol).
type fundingSignature struct {
	rate            float64
	nextFundingTime int64
	hasNext         bool
}

func signatureOf(f model.FundingRate) fundingSignature {
	sig := fundingSignature{rate: f.FundingRate}
	if f.NextFundingTime != nil {
		sig.hasNext = true
		sig.nextFundingTime = *f.NextFundingTime
	}
	return sig
}

// FundingDedup drops repeat FundingRate records: an incoming record whose
// (fundingRate, nextFundingTime) pair is unchanged from the last one emitted
// for the same (venue, symbol) produces no event, no store write, no
// publish.
type FundingDedup struct {
	mu   sync.Mutex
	last map[model.VenueKey]fundingSignature
}

// NewFundingDedup returns an empty dedup gate.
func NewFundingDedup() *FundingDedup {
	return &FundingDedup{last: make(map[model.VenueKey]fundingSignature)}
}

// Admit reports whether f is new information for (venue, symbol) and, if
// so, records it as the new last-emitted signature.
func (d *FundingDedup) Admit(venue string, f model.FundingRate) bool {
	key := fundingKey(venue, f)
	sig := signatureOf(f)

	d.mu.Lock()
	defer d.mu.Unlock()
	if prev, ok := d.last[key]; ok && prev == sig {
		return false
	}
	d.last[key] = sig
	return true
}
