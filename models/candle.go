package models

import (
	"time"

	"github.com/google/uuid"
)

// Interval enumerates the kline resolutions captured around a funding event.
// The values are the interval names understood by the MEXC contract API.
type Interval string

const (
	IntervalMin1  Interval = "Min1"
	IntervalMin10 Interval = "Min10"
	IntervalHour1 Interval = "Hour1"
	IntervalDay1  Interval = "Day1"
)

// CaptureIntervals is the fixed set of intervals collected for every capture
// batch, coarsest first.
var CaptureIntervals = []Interval{IntervalDay1, IntervalHour1, IntervalMin10, IntervalMin1}

// Label returns the short name used in output rows and log fields.
func (i Interval) Label() string {
	switch i {
	case IntervalMin1:
		return "1m"
	case IntervalMin10:
		return "10m"
	case IntervalHour1:
		return "1h"
	case IntervalDay1:
		return "daily"
	default:
		return string(i)
	}
}

// Valid reports whether the interval is one of the supported resolutions.
func (i Interval) Valid() bool {
	switch i {
	case IntervalMin1, IntervalMin10, IntervalHour1, IntervalDay1:
		return true
	}
	return false
}

// CandleRow is a single OHLCV record collected for a funding round. Rows are
// immutable once written; identity is (Symbol, FundingTime, Interval,
// Timestamp).
type CandleRow struct {
	Symbol      string    `json:"symbol"`
	FundingTime time.Time `json:"funding_time"`
	Interval    Interval  `json:"interval"`
	Timestamp   time.Time `json:"timestamp"`
	Open        float64   `json:"open"`
	High        float64   `json:"high"`
	Low         float64   `json:"low"`
	Close       float64   `json:"close"`
	Volume      float64   `json:"volume"`
}

// CaptureBatch groups all candle rows collected for one symbol in one funding
// round. A batch is the unit handed to the data sink.
type CaptureBatch struct {
	BatchID     string      `json:"batch_id"`
	Symbol      string      `json:"symbol"`
	FundingTime time.Time   `json:"funding_time"`
	Rows        []CandleRow `json:"rows"`
	RecordCount int         `json:"record_count"`
	CollectedAt time.Time   `json:"collected_at"`
}

// NewCaptureBatch builds a batch for the given symbol and round.
func NewCaptureBatch(symbol string, fundingTime time.Time, rows []CandleRow) CaptureBatch {
	return CaptureBatch{
		BatchID:     uuid.New().String(),
		Symbol:      symbol,
		FundingTime: fundingTime,
		Rows:        rows,
		RecordCount: len(rows),
		CollectedAt: time.Now().UTC(),
	}
}
