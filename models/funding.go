package models

import (
	"time"
)

// FundingEvent is one exchange-reported upcoming funding payout for a
// perpetual contract. Events are re-fetched on every scheduler tick and are
// never persisted directly.
type FundingEvent struct {
	Symbol      string    `json:"symbol"`
	FundingRate float64   `json:"funding_rate"`
	FundingTime time.Time `json:"funding_time"`
}

// EventKey identifies a funding round. Two events belong to the same round
// when their funding times fall into the same cadence bucket.
type EventKey string

// NewEventKey buckets a funding time to the collection cadence and formats it
// as a stable UTC string.
func NewEventKey(fundingTime time.Time, cadence time.Duration) EventKey {
	if cadence <= 0 {
		cadence = time.Minute
	}
	return EventKey(fundingTime.UTC().Truncate(cadence).Format(time.RFC3339))
}

// SymbolRate pairs a symbol with the funding rate observed when the round was
// ranked.
type SymbolRate struct {
	Symbol string  `json:"symbol"`
	Rate   float64 `json:"rate"`
}

// RankedSnapshot holds the top-N symbols by absolute funding rate for a single
// funding round. Snapshots are immutable once stored in the cache; insertion
// order of TopSymbols is rank order, highest magnitude first.
type RankedSnapshot struct {
	Key         EventKey     `json:"event_key"`
	FundingTime time.Time    `json:"funding_time"`
	TopSymbols  []SymbolRate `json:"top_symbols"`
	ComputedAt  time.Time    `json:"computed_at"`
}

// Symbols returns the ranked symbol names in order.
func (s RankedSnapshot) Symbols() []string {
	out := make([]string, len(s.TopSymbols))
	for i, sr := range s.TopSymbols {
		out[i] = sr.Symbol
	}
	return out
}
