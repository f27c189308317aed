package mexc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/lduynkerke/FundingRateLogger/logger"
	"github.com/lduynkerke/FundingRateLogger/models"
)

// Candles fetches OHLCV rows for a contract over [start, end]. The contract
// kline endpoint returns rows of [timestamp_ms, open, high, low, close,
// volume]; rows are returned oldest first with Symbol and Interval stamped.
// The funding round a row belongs to is assigned by the caller.
func (c *Client) Candles(ctx context.Context, symbol string, interval models.Interval, start, end time.Time) ([]models.CandleRow, error) {
	if !interval.Valid() {
		return nil, fmt.Errorf("unsupported interval %q", interval)
	}

	params := url.Values{}
	params.Set("interval", string(interval))
	params.Set("start", strconv.FormatInt(start.Unix(), 10))
	params.Set("end", strconv.FormatInt(end.Unix(), 10))

	data, err := c.get(ctx, "/api/v1/contract/kline/"+symbol, params)
	if err != nil {
		return nil, fmt.Errorf("klines %s %s: %w", symbol, interval, err)
	}
	logger.IncrementCandleRead(len(data))

	var raw [][]float64
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode klines %s %s: %w", symbol, interval, err)
	}

	rows := make([]models.CandleRow, 0, len(raw))
	for _, k := range raw {
		if len(k) < 6 {
			continue
		}
		rows = append(rows, models.CandleRow{
			Symbol:    symbol,
			Interval:  interval,
			Timestamp: time.UnixMilli(int64(k[0])).UTC(),
			Open:      k[1],
			High:      k[2],
			Low:       k[3],
			Close:     k[4],
			Volume:    k[5],
		})
	}

	c.log.WithComponent("mexc_reader").WithFields(logger.Fields{
		"symbol":   symbol,
		"interval": interval.Label(),
		"rows":     len(rows),
	}).Debug("fetched klines")

	return rows, nil
}
