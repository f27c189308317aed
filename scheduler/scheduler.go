package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	appconfig "github.com/lduynkerke/FundingRateLogger/config"
	"github.com/lduynkerke/FundingRateLogger/logger"
	"github.com/lduynkerke/FundingRateLogger/models"
	"github.com/lduynkerke/FundingRateLogger/processor"

	"golang.org/x/sync/errgroup"
)

// FundingSource lists the upcoming funding events across all tracked symbols.
type FundingSource interface {
	ListFundingEvents(ctx context.Context) ([]models.FundingEvent, error)
}

// CandleSource fetches OHLCV rows for one symbol and interval over a time range.
type CandleSource interface {
	Candles(ctx context.Context, symbol string, interval models.Interval, start, end time.Time) ([]models.CandleRow, error)
}

// Sink persists ranked snapshots and captured candle batches.
type Sink interface {
	AppendCandles(ctx context.Context, batch models.CaptureBatch) error
	AppendFundingSnapshot(ctx context.Context, snapshot models.RankedSnapshot) error
}

// Janitor is implemented by sinks that prune expired capture files.
type Janitor interface {
	CleanupOld(maxAge time.Duration)
}

// Scheduler drives the collection loop: on every tick it discovers funding
// events, ranks the symbols approaching their payout, and captures candle
// windows for the symbols ranked earlier in the same round.
type Scheduler struct {
	config  *appconfig.Config
	funding FundingSource
	candles CandleSource
	sink    Sink
	cache   *processor.SnapshotCache

	capMu    sync.Mutex
	captured map[models.EventKey]time.Time

	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	inFlight atomic.Bool
	log      *logger.Log
}

// NewScheduler wires the collection loop to its sources and sink.
func NewScheduler(cfg *appconfig.Config, funding FundingSource, candles CandleSource, sink Sink) *Scheduler {
	return &Scheduler{
		config:   cfg,
		funding:  funding,
		candles:  candles,
		sink:     sink,
		cache:    processor.NewSnapshotCache(cfg.Scheduler.CaptureLeadTime),
		captured: make(map[models.EventKey]time.Time),
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
	}
}

// Start launches the tick loop. The first tick runs immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	s.ctx = ctx
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logUpcomingEvents(ctx)
	}()

	s.wg.Add(1)
	go s.run()

	s.log.WithComponent("scheduler").WithFields(logger.Fields{
		"tick_interval": s.config.Scheduler.TickInterval.String(),
		"rank_lead":     s.config.Scheduler.RankLeadTime.String(),
		"capture_lead":  s.config.Scheduler.CaptureLeadTime.String(),
		"top_n":         s.config.Scheduler.TopNSymbols,
	}).Info("scheduler started")
	return nil
}

// Stop waits for the loop and any in-flight tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.log.WithComponent("scheduler").Info("stopping scheduler")
	s.wg.Wait()
	s.log.WithComponent("scheduler").Info("scheduler stopped")
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Scheduler.TickInterval)
	defer ticker.Stop()

	s.launchTick(time.Now().UTC())

	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			s.launchTick(now.UTC())
		}
	}
}

// launchTick starts one tick in its own goroutine. A tick that outlives the
// cadence causes subsequent ticks to be dropped rather than queued.
func (s *Scheduler) launchTick(now time.Time) {
	if !s.inFlight.CompareAndSwap(false, true) {
		s.log.WithComponent("scheduler").WithFields(logger.Fields{
			"tick": now.Format(time.RFC3339),
		}).Warn("previous tick still running, skipping")
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.inFlight.Store(false)
		s.tick(s.ctx, now)
	}()
}

func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	log := s.log.WithComponent("scheduler")
	started := time.Now()

	if evicted := s.cache.Evict(now); evicted > 0 {
		log.WithFields(logger.Fields{"evicted": evicted}).Debug("evicted expired ranking snapshots")
	}
	s.pruneCaptured(now)

	if retention := s.config.Scheduler.Retention; retention > 0 {
		if j, ok := s.sink.(Janitor); ok {
			j.CleanupOld(retention)
		}
	}

	// The listing fans out one rate-limited request per contract, so its
	// duration scales with the symbol universe. Bounding it with CallTimeout
	// would starve the limiter and truncate the ranking universe; the only
	// bound here is the tick context, with per-request timeouts inside the
	// client.
	events, err := s.funding.ListFundingEvents(ctx)
	if err != nil {
		log.WithError(err).Error("failed to list funding events, skipping tick")
		return
	}

	tickInterval := s.config.Scheduler.TickInterval
	rankRounds := s.groupByRound(events, now, s.config.Scheduler.RankLeadTime, tickInterval)
	captureRounds := s.groupByRound(events, now, s.config.Scheduler.CaptureLeadTime, tickInterval)

	for key, round := range rankRounds {
		s.rankRound(ctx, now, key, round)
	}
	for key, round := range captureRounds {
		s.captureRound(ctx, key, round)
	}

	logger.LogPerformanceEntry(log, "scheduler", "tick", time.Since(started), logger.Fields{
		"events":         len(events),
		"rank_rounds":    len(rankRounds),
		"capture_rounds": len(captureRounds),
	})
}

// fundingRound is one settlement moment plus the funding events that share it.
type fundingRound struct {
	fundingTime time.Time
	events      []models.FundingEvent
}

// groupByRound buckets the events whose lead time falls inside the window
// (lead-tick, lead] by their settlement round.
func (s *Scheduler) groupByRound(events []models.FundingEvent, now time.Time, lead, tick time.Duration) map[models.EventKey]fundingRound {
	rounds := make(map[models.EventKey]fundingRound)
	for _, ev := range events {
		remaining := ev.FundingTime.Sub(now)
		if remaining <= lead-tick || remaining > lead {
			continue
		}
		key := models.NewEventKey(ev.FundingTime, tick)
		round := rounds[key]
		if round.fundingTime.IsZero() {
			round.fundingTime = ev.FundingTime.UTC().Truncate(tick)
		}
		round.events = append(round.events, ev)
		rounds[key] = round
	}
	return rounds
}

// rankRound computes and persists the top-N snapshot for one settlement
// round. A round that already has a snapshot is left untouched.
func (s *Scheduler) rankRound(ctx context.Context, now time.Time, key models.EventKey, round fundingRound) {
	log := s.log.WithComponent("scheduler").WithFields(logger.Fields{
		"round":        string(key),
		"funding_time": round.fundingTime.Format(time.RFC3339),
	})

	if s.cache.Has(key) {
		log.Debug("ranking snapshot already cached, skipping")
		return
	}

	top := processor.Rank(round.events, s.config.Scheduler.TopNSymbols)
	if len(top) == 0 {
		log.Warn("no rankable symbols for funding round")
		return
	}

	snapshot := models.RankedSnapshot{
		Key:         key,
		FundingTime: round.fundingTime,
		TopSymbols:  top,
		ComputedAt:  now,
	}
	if err := s.cache.Put(snapshot); err != nil {
		if errors.Is(err, models.ErrSnapshotExists) {
			return
		}
		log.WithError(err).Error("failed to cache ranking snapshot")
		return
	}
	logger.IncrementRank()

	writeCtx, cancel := context.WithTimeout(ctx, s.config.Scheduler.CallTimeout)
	err := s.sink.AppendFundingSnapshot(writeCtx, snapshot)
	cancel()
	if err != nil {
		log.WithError(err).Warn("snapshot write failed, retrying once")
		// The first context may already be spent; the retry gets its own.
		retryCtx, cancel := context.WithTimeout(ctx, s.config.Scheduler.CallTimeout)
		defer cancel()
		if err := s.sink.AppendFundingSnapshot(retryCtx, snapshot); err != nil {
			log.WithError(err).Error("failed to persist ranking snapshot")
		}
	}

	symbols := make([]string, 0, len(top))
	for _, sr := range top {
		symbols = append(symbols, sr.Symbol)
	}
	log.WithFields(logger.Fields{"symbols": symbols}).Info("ranked funding round")
}

// captureRound fetches the configured candle windows for every ranked symbol
// of one settlement round and hands the batches to the sink. Each round is
// captured at most once per process lifetime.
func (s *Scheduler) captureRound(ctx context.Context, key models.EventKey, round fundingRound) {
	log := s.log.WithComponent("scheduler").WithFields(logger.Fields{
		"round":        string(key),
		"funding_time": round.fundingTime.Format(time.RFC3339),
	})

	s.capMu.Lock()
	if _, done := s.captured[key]; done {
		s.capMu.Unlock()
		log.Debug("round already captured, skipping")
		return
	}
	s.captured[key] = round.fundingTime
	s.capMu.Unlock()

	var symbols []string
	if snapshot, ok := s.cache.Get(key); ok {
		symbols = snapshot.Symbols()
	} else {
		// The ranking tick was missed, likely after a restart. Rank from
		// the events still visible now so the capture is not lost.
		log.Warn("no ranking snapshot for round, ranking from current events")
		for _, sr := range processor.Rank(round.events, s.config.Scheduler.TopNSymbols) {
			symbols = append(symbols, sr.Symbol)
		}
	}
	if len(symbols) == 0 {
		log.Warn("no symbols to capture for funding round")
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	if limit := s.config.Source.Mexc.MaxConcurrent; limit > 0 {
		g.SetLimit(limit)
	}
	for _, symbol := range symbols {
		symbol := symbol
		g.Go(func() error {
			s.captureSymbol(gctx, symbol, round.fundingTime)
			return nil
		})
	}
	g.Wait()

	log.WithFields(logger.Fields{"symbols": symbols}).Info("captured funding round")
}

// captureSymbol collects every configured interval for one symbol. Failing
// intervals are logged and skipped so the remaining rows still get written.
func (s *Scheduler) captureSymbol(ctx context.Context, symbol string, fundingTime time.Time) {
	log := s.log.WithComponent("scheduler").WithFields(logger.Fields{
		"symbol":       symbol,
		"funding_time": fundingTime.Format(time.RFC3339),
	})

	var rows []models.CandleRow
	for _, interval := range models.CaptureIntervals {
		start, end := s.captureRange(interval, fundingTime)

		callCtx, cancel := context.WithTimeout(ctx, s.config.Scheduler.CallTimeout)
		fetched, err := s.candles.Candles(callCtx, symbol, interval, start, end)
		cancel()
		if err != nil {
			log.WithError(err).WithFields(logger.Fields{
				"interval": string(interval),
			}).Warn("failed to fetch candle window")
			continue
		}
		for i := range fetched {
			fetched[i].FundingTime = fundingTime
		}
		rows = append(rows, fetched...)
	}

	batch := models.NewCaptureBatch(symbol, fundingTime, rows)
	if batch.RecordCount == 0 {
		log.Warn("no candle rows collected for symbol")
		return
	}

	writeCtx, cancel := context.WithTimeout(ctx, s.config.Scheduler.CallTimeout)
	err := s.sink.AppendCandles(writeCtx, batch)
	cancel()
	if err != nil {
		log.WithError(err).Warn("sink write failed, retrying once")
		// The first context may already be spent; the retry gets its own.
		retryCtx, cancel := context.WithTimeout(ctx, s.config.Scheduler.CallTimeout)
		defer cancel()
		if err := s.sink.AppendCandles(retryCtx, batch); err != nil {
			log.WithError(err).WithFields(logger.Fields{
				"rows": batch.RecordCount,
			}).Error("sink write failed again, dropping capture batch")
		}
	}
}

// pruneCaptured drops completion marks for rounds whose capture window has
// fully passed, mirroring the snapshot cache eviction rule.
func (s *Scheduler) pruneCaptured(now time.Time) {
	s.capMu.Lock()
	defer s.capMu.Unlock()
	for key, fundingTime := range s.captured {
		if fundingTime.Add(s.config.Scheduler.CaptureLeadTime).Before(now) {
			delete(s.captured, key)
		}
	}
}

// logUpcomingEvents reports the next settlement moments at startup so an
// operator can tell when the first captures will happen.
func (s *Scheduler) logUpcomingEvents(ctx context.Context) {
	events, err := s.funding.ListFundingEvents(ctx)
	if err != nil {
		s.log.WithComponent("scheduler").WithError(err).Warn("could not list upcoming funding events at startup")
		return
	}

	now := time.Now().UTC()
	seen := make(map[time.Time]int)
	for _, ev := range events {
		if ev.FundingTime.After(now) {
			seen[ev.FundingTime.UTC()]++
		}
	}
	times := make([]time.Time, 0, len(seen))
	for t := range seen {
		times = append(times, t)
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
	if len(times) > 5 {
		times = times[:5]
	}

	for _, t := range times {
		s.log.WithComponent("scheduler").WithFields(logger.Fields{
			"funding_time": t.Format(time.RFC3339),
			"symbols":      seen[t],
			"in":           t.Sub(now).Round(time.Second).String(),
		}).Info("upcoming funding settlement")
	}
}
