package mexc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lduynkerke/FundingRateLogger/logger"
	"github.com/lduynkerke/FundingRateLogger/models"
)

type contractDetail struct {
	Symbol    string `json:"symbol"`
	QuoteCoin string `json:"quoteCoin"`
}

type fundingRateData struct {
	Symbol         string  `json:"symbol"`
	FundingRate    float64 `json:"fundingRate"`
	NextSettleTime int64   `json:"nextSettleTime"`
}

// ListSymbols returns all USDT-quoted perpetual contract symbols.
func (c *Client) ListSymbols(ctx context.Context) ([]string, error) {
	data, err := c.get(ctx, "/api/v1/contract/detail", nil)
	if err != nil {
		return nil, fmt.Errorf("list contracts: %w", err)
	}

	var details []contractDetail
	if err := json.Unmarshal(data, &details); err != nil {
		return nil, fmt.Errorf("decode contracts: %w", err)
	}

	symbols := make([]string, 0, len(details))
	for _, d := range details {
		if d.Symbol != "" && d.QuoteCoin == "USDT" {
			symbols = append(symbols, d.Symbol)
		}
	}

	c.log.WithComponent("mexc_reader").WithFields(logger.Fields{
		"symbols": len(symbols),
	}).Debug("fetched perpetual symbols")

	return symbols, nil
}

// FundingRate fetches the current funding rate and next settlement time for a
// single contract.
func (c *Client) FundingRate(ctx context.Context, symbol string) (models.FundingEvent, error) {
	data, err := c.get(ctx, "/api/v1/contract/funding_rate/"+symbol, nil)
	if err != nil {
		return models.FundingEvent{}, fmt.Errorf("funding rate %s: %w", symbol, err)
	}
	logger.IncrementFundingRead(len(data))

	var fr fundingRateData
	if err := json.Unmarshal(data, &fr); err != nil {
		return models.FundingEvent{}, fmt.Errorf("decode funding rate %s: %w", symbol, err)
	}
	if fr.Symbol == "" {
		fr.Symbol = symbol
	}

	return models.FundingEvent{
		Symbol:      fr.Symbol,
		FundingRate: fr.FundingRate,
		FundingTime: time.UnixMilli(fr.NextSettleTime).UTC(),
	}, nil
}

// ListFundingEvents fetches funding rates for every USDT perpetual with
// bounded concurrency. Per-symbol failures are logged and skipped; the call
// fails only when the symbol listing itself is unreachable or no symbol
// yielded data.
func (c *Client) ListFundingEvents(ctx context.Context) ([]models.FundingEvent, error) {
	log := c.log.WithComponent("mexc_reader").WithFields(logger.Fields{"operation": "list_funding_events"})

	symbols, err := c.ListSymbols(ctx)
	if err != nil {
		return nil, err
	}
	if len(symbols) == 0 {
		return nil, fmt.Errorf("%w: contract listing returned no symbols", models.ErrSourceUnavailable)
	}

	var (
		mu     sync.Mutex
		events = make([]models.FundingEvent, 0, len(symbols))
		failed int
	)

	g, gctx := errgroup.WithContext(ctx)
	if limit := c.config.Source.Mexc.MaxConcurrent; limit > 0 {
		g.SetLimit(limit)
	}

	for _, symbol := range symbols {
		symbol := symbol
		g.Go(func() error {
			event, err := c.FundingRate(gctx, symbol)
			if err != nil {
				// A dead context or an exhausted limiter budget poisons the
				// whole fan-out; skipping those symbols would hand the caller
				// a truncated universe that still looks like a success.
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, errRateBudget) {
					return err
				}
				log.WithError(err).WithFields(logger.Fields{"symbol": symbol}).Warn("failed to fetch funding rate")
				mu.Lock()
				failed++
				mu.Unlock()
				return nil
			}
			mu.Lock()
			events = append(events, event)
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		if errors.Is(err, errRateBudget) {
			return nil, fmt.Errorf("%w: funding fan-out aborted: %v", models.ErrSourceUnavailable, err)
		}
		return nil, fmt.Errorf("funding fan-out: %w", err)
	}

	if len(events) == 0 {
		return nil, fmt.Errorf("%w: all %d funding rate fetches failed", models.ErrSourceUnavailable, failed)
	}

	// Deterministic order keeps downstream ranking reproducible.
	sort.Slice(events, func(i, j int) bool { return events[i].Symbol < events[j].Symbol })

	log.WithFields(logger.Fields{
		"events": len(events),
		"failed": failed,
	}).Info("funding events fetched")

	return events, nil
}
