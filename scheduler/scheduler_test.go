package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	appconfig "github.com/lduynkerke/FundingRateLogger/config"
	"github.com/lduynkerke/FundingRateLogger/models"
)

type fakeFunding struct {
	mu          sync.Mutex
	events      []models.FundingEvent
	err         error
	calls       int
	sawDeadline bool
}

func (f *fakeFunding) ListFundingEvents(ctx context.Context) ([]models.FundingEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if _, ok := ctx.Deadline(); ok {
		f.sawDeadline = true
	}
	if f.err != nil {
		return nil, f.err
	}
	return append([]models.FundingEvent(nil), f.events...), nil
}

type fakeCandles struct {
	mu    sync.Mutex
	fail  map[string]error
	calls []candleCall
}

type candleCall struct {
	symbol   string
	interval models.Interval
	start    time.Time
	end      time.Time
}

func (f *fakeCandles) Candles(ctx context.Context, symbol string, interval models.Interval, start, end time.Time) ([]models.CandleRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, candleCall{symbol, interval, start, end})
	if err, ok := f.fail[symbol]; ok {
		return nil, err
	}
	return []models.CandleRow{{
		Symbol:    symbol,
		Interval:  interval,
		Timestamp: start,
		Open:      1, High: 2, Low: 0.5, Close: 1.5, Volume: 10,
	}}, nil
}

type fakeSink struct {
	mu               sync.Mutex
	batches          []models.CaptureBatch
	snapshots        []models.RankedSnapshot
	batchAttempts    int
	failBatches      int
	failDelay        time.Duration
	attemptDeadlines []time.Time
}

func (f *fakeSink) AppendCandles(ctx context.Context, batch models.CaptureBatch) error {
	f.mu.Lock()
	f.batchAttempts++
	if d, ok := ctx.Deadline(); ok {
		f.attemptDeadlines = append(f.attemptDeadlines, d)
	}
	if f.failBatches > 0 {
		f.failBatches--
		delay := f.failDelay
		f.mu.Unlock()
		time.Sleep(delay)
		return fmt.Errorf("sink unavailable")
	}
	f.batches = append(f.batches, batch)
	f.mu.Unlock()
	return nil
}

func (f *fakeSink) AppendFundingSnapshot(ctx context.Context, snapshot models.RankedSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots = append(f.snapshots, snapshot)
	return nil
}

func testSchedulerConfig() *appconfig.Config {
	return &appconfig.Config{
		Scheduler: appconfig.SchedulerConfig{
			TickInterval:    5 * time.Minute,
			RankLeadTime:    15 * time.Minute,
			CaptureLeadTime: 10 * time.Minute,
			TopNSymbols:     2,
			CallTimeout:     time.Second,
		},
		Windows: appconfig.WindowsConfig{
			DailyDaysBack:       7,
			HourlyHoursBack:     24,
			TenMinHoursBefore:   6,
			OneMinMinutesBefore: 30,
			OneMinMinutesAfter:  5,
		},
		Source: appconfig.SourceConfig{
			Mexc: appconfig.MexcSourceConfig{MaxConcurrent: 4},
		},
	}
}

func testScheduler(funding FundingSource, candles CandleSource, sink Sink) *Scheduler {
	s := NewScheduler(testSchedulerConfig(), funding, candles, sink)
	s.ctx = context.Background()
	return s
}

func fundingScenario(fundingTime time.Time) []models.FundingEvent {
	return []models.FundingEvent{
		{Symbol: "BTC_USDT", FundingRate: 0.02, FundingTime: fundingTime},
		{Symbol: "ETH_USDT", FundingRate: -0.05, FundingTime: fundingTime},
		{Symbol: "XRP_USDT", FundingRate: 0.01, FundingTime: fundingTime},
	}
}

func TestTickRanksThenCaptures(t *testing.T) {
	fundingTime := time.Date(2024, 3, 1, 16, 0, 0, 0, time.UTC)
	funding := &fakeFunding{events: fundingScenario(fundingTime)}
	candles := &fakeCandles{}
	sink := &fakeSink{}
	s := testScheduler(funding, candles, sink)

	// 15 minutes out: ranking window.
	s.tick(context.Background(), fundingTime.Add(-15*time.Minute))

	if len(sink.snapshots) != 1 {
		t.Fatalf("expected 1 ranking snapshot, got %d", len(sink.snapshots))
	}
	top := sink.snapshots[0].TopSymbols
	if len(top) != 2 || top[0].Symbol != "ETH_USDT" || top[1].Symbol != "BTC_USDT" {
		t.Fatalf("unexpected ranking: %+v", top)
	}
	if len(sink.batches) != 0 {
		t.Fatalf("capture must not run in the ranking window, got %d batches", len(sink.batches))
	}

	// 10 minutes out: capture window.
	s.tick(context.Background(), fundingTime.Add(-10*time.Minute))

	if len(sink.snapshots) != 1 {
		t.Fatalf("ranking must not repeat, got %d snapshots", len(sink.snapshots))
	}
	if len(sink.batches) != 2 {
		t.Fatalf("expected a batch per ranked symbol, got %d", len(sink.batches))
	}
	seen := map[string]models.CaptureBatch{}
	for _, b := range sink.batches {
		seen[b.Symbol] = b
	}
	for _, sym := range []string{"ETH_USDT", "BTC_USDT"} {
		b, ok := seen[sym]
		if !ok {
			t.Fatalf("missing batch for %s", sym)
		}
		if b.RecordCount != len(models.CaptureIntervals) {
			t.Errorf("%s: expected %d rows, got %d", sym, len(models.CaptureIntervals), b.RecordCount)
		}
		for _, row := range b.Rows {
			if !row.FundingTime.Equal(fundingTime) {
				t.Errorf("%s: row not stamped with funding time: %v", sym, row.FundingTime)
			}
		}
	}
	if _, ok := seen["XRP_USDT"]; ok {
		t.Error("XRP_USDT is outside the top 2 and must not be captured")
	}
}

func TestTickRepeatIsIdempotent(t *testing.T) {
	fundingTime := time.Date(2024, 3, 1, 16, 0, 0, 0, time.UTC)
	funding := &fakeFunding{events: fundingScenario(fundingTime)}
	sink := &fakeSink{}
	s := testScheduler(funding, &fakeCandles{}, sink)

	s.tick(context.Background(), fundingTime.Add(-15*time.Minute))
	s.tick(context.Background(), fundingTime.Add(-15*time.Minute))
	if len(sink.snapshots) != 1 {
		t.Fatalf("duplicate ranking tick must be a no-op, got %d snapshots", len(sink.snapshots))
	}

	s.tick(context.Background(), fundingTime.Add(-10*time.Minute))
	s.tick(context.Background(), fundingTime.Add(-10*time.Minute))
	if len(sink.batches) != 2 {
		t.Fatalf("duplicate capture tick must be a no-op, got %d batches", len(sink.batches))
	}
}

func TestCaptureFallbackRanksFromCurrentEvents(t *testing.T) {
	fundingTime := time.Date(2024, 3, 1, 16, 0, 0, 0, time.UTC)
	funding := &fakeFunding{events: fundingScenario(fundingTime)}
	sink := &fakeSink{}
	s := testScheduler(funding, &fakeCandles{}, sink)

	// No ranking tick happened; the capture tick ranks on the spot.
	s.tick(context.Background(), fundingTime.Add(-10*time.Minute))

	if len(sink.batches) != 2 {
		t.Fatalf("expected degraded capture to still produce 2 batches, got %d", len(sink.batches))
	}
	symbols := map[string]bool{}
	for _, b := range sink.batches {
		symbols[b.Symbol] = true
	}
	if !symbols["ETH_USDT"] || !symbols["BTC_USDT"] {
		t.Fatalf("fallback ranking picked wrong symbols: %v", symbols)
	}
}

func TestCaptureSymbolFailureIsolated(t *testing.T) {
	fundingTime := time.Date(2024, 3, 1, 16, 0, 0, 0, time.UTC)
	funding := &fakeFunding{events: fundingScenario(fundingTime)}
	candles := &fakeCandles{fail: map[string]error{"ETH_USDT": models.ErrSourceUnavailable}}
	sink := &fakeSink{}
	s := testScheduler(funding, candles, sink)

	s.tick(context.Background(), fundingTime.Add(-15*time.Minute))
	s.tick(context.Background(), fundingTime.Add(-10*time.Minute))

	if len(sink.batches) != 1 {
		t.Fatalf("expected the healthy symbol to be captured, got %d batches", len(sink.batches))
	}
	if sink.batches[0].Symbol != "BTC_USDT" {
		t.Fatalf("unexpected captured symbol %s", sink.batches[0].Symbol)
	}
}

func TestSinkWriteRetriedOnce(t *testing.T) {
	fundingTime := time.Date(2024, 3, 1, 16, 0, 0, 0, time.UTC)
	funding := &fakeFunding{events: []models.FundingEvent{
		{Symbol: "BTC_USDT", FundingRate: 0.02, FundingTime: fundingTime},
	}}
	sink := &fakeSink{failBatches: 1}
	s := testScheduler(funding, &fakeCandles{}, sink)

	s.tick(context.Background(), fundingTime.Add(-10*time.Minute))

	if len(sink.batches) != 1 {
		t.Fatalf("expected retry to land the batch, got %d", len(sink.batches))
	}
	if sink.batchAttempts != 2 {
		t.Fatalf("expected exactly 2 write attempts, got %d", sink.batchAttempts)
	}
}

func TestTickListingNotBoundedByPerCallTimeout(t *testing.T) {
	fundingTime := time.Date(2024, 3, 1, 16, 0, 0, 0, time.UTC)
	funding := &fakeFunding{events: fundingScenario(fundingTime)}
	s := testScheduler(funding, &fakeCandles{}, &fakeSink{})

	s.tick(context.Background(), fundingTime.Add(-15*time.Minute))

	// The listing is one request per contract and scales with the symbol
	// universe; a per-call deadline here would truncate the ranking input.
	if funding.sawDeadline {
		t.Fatal("funding event listing must not run under the per-call timeout")
	}
}

func TestSinkRetryGetsFreshDeadline(t *testing.T) {
	fundingTime := time.Date(2024, 3, 1, 16, 0, 0, 0, time.UTC)
	funding := &fakeFunding{events: []models.FundingEvent{
		{Symbol: "BTC_USDT", FundingRate: 0.02, FundingTime: fundingTime},
	}}
	sink := &fakeSink{failBatches: 1, failDelay: 20 * time.Millisecond}
	s := testScheduler(funding, &fakeCandles{}, sink)

	s.tick(context.Background(), fundingTime.Add(-10*time.Minute))

	if len(sink.attemptDeadlines) != 2 {
		t.Fatalf("expected 2 write attempts with deadlines, got %d", len(sink.attemptDeadlines))
	}
	if !sink.attemptDeadlines[1].After(sink.attemptDeadlines[0]) {
		t.Fatal("retry must run under a fresh deadline, not the spent one")
	}
}

func TestCaptureWindowUsesConfiguredLookbacks(t *testing.T) {
	fundingTime := time.Date(2024, 3, 1, 16, 0, 0, 0, time.UTC)
	funding := &fakeFunding{events: []models.FundingEvent{
		{Symbol: "BTC_USDT", FundingRate: 0.02, FundingTime: fundingTime},
	}}
	candles := &fakeCandles{}
	s := testScheduler(funding, candles, &fakeSink{})

	s.tick(context.Background(), fundingTime.Add(-10*time.Minute))

	ranges := map[models.Interval]candleCall{}
	for _, c := range candles.calls {
		ranges[c.interval] = c
	}
	if got := ranges[models.IntervalDay1]; !got.start.Equal(fundingTime.AddDate(0, 0, -7)) || !got.end.Equal(fundingTime) {
		t.Errorf("daily window wrong: %v..%v", got.start, got.end)
	}
	if got := ranges[models.IntervalMin1]; !got.end.Equal(fundingTime.Add(5 * time.Minute)) {
		t.Errorf("1m window must extend past the payout, got end %v", got.end)
	}
	if got := ranges[models.IntervalMin10]; !got.start.Equal(fundingTime.Add(-6 * time.Hour)) {
		t.Errorf("10m window wrong start: %v", got.start)
	}
}

func TestTickSkippedWhenListFails(t *testing.T) {
	funding := &fakeFunding{err: errors.New("source down")}
	sink := &fakeSink{}
	s := testScheduler(funding, &fakeCandles{}, sink)

	s.tick(context.Background(), time.Now().UTC())

	if len(sink.snapshots) != 0 || len(sink.batches) != 0 {
		t.Fatal("a failed event listing must not produce output")
	}
}

func TestLaunchTickSkipsWhenBusy(t *testing.T) {
	funding := &fakeFunding{}
	s := testScheduler(funding, &fakeCandles{}, &fakeSink{})

	s.inFlight.Store(true)
	s.launchTick(time.Now().UTC())
	s.wg.Wait()

	if funding.calls != 0 {
		t.Fatalf("busy guard must drop the tick, saw %d listings", funding.calls)
	}
}

func TestEventsWithDifferentRoundsRankedSeparately(t *testing.T) {
	roundA := time.Date(2024, 3, 1, 16, 0, 0, 0, time.UTC)
	roundB := roundA.Add(4 * time.Hour)
	funding := &fakeFunding{events: []models.FundingEvent{
		{Symbol: "BTC_USDT", FundingRate: 0.02, FundingTime: roundA},
		{Symbol: "DOGE_USDT", FundingRate: 0.08, FundingTime: roundB},
	}}
	sink := &fakeSink{}
	s := testScheduler(funding, &fakeCandles{}, sink)

	// Only round A is inside the ranking window at this moment.
	s.tick(context.Background(), roundA.Add(-15*time.Minute))

	if len(sink.snapshots) != 1 {
		t.Fatalf("expected only the near round to rank, got %d snapshots", len(sink.snapshots))
	}
	if !sink.snapshots[0].FundingTime.Equal(roundA) {
		t.Fatalf("ranked wrong round: %v", sink.snapshots[0].FundingTime)
	}
	if sink.snapshots[0].TopSymbols[0].Symbol != "BTC_USDT" {
		t.Fatalf("round A snapshot contains foreign symbols: %+v", sink.snapshots[0].TopSymbols)
	}
}
