package writer

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	appconfig "github.com/lduynkerke/FundingRateLogger/config"
	"github.com/lduynkerke/FundingRateLogger/models"
)

func testWriter(t *testing.T) *CaptureWriter {
	t.Helper()
	cfg := &appconfig.Config{
		Storage: appconfig.StorageConfig{OutputDir: t.TempDir()},
	}
	w, err := NewCaptureWriter(cfg)
	if err != nil {
		t.Fatalf("NewCaptureWriter failed: %v", err)
	}
	return w
}

func testBatch(symbol string, fundingTime time.Time) models.CaptureBatch {
	rows := []models.CandleRow{
		{
			Symbol:      symbol,
			FundingTime: fundingTime,
			Interval:    models.IntervalMin1,
			Timestamp:   fundingTime.Add(-time.Minute),
			Open:        100, High: 101, Low: 99.5, Close: 100.5, Volume: 12.25,
		},
		{
			Symbol:      symbol,
			FundingTime: fundingTime,
			Interval:    models.IntervalHour1,
			Timestamp:   fundingTime.Add(-time.Hour),
			Open:        98, High: 102, Low: 97, Close: 100, Volume: 500,
		},
	}
	return models.NewCaptureBatch(symbol, fundingTime, rows)
}

func TestAppendCandlesWritesNamedFile(t *testing.T) {
	w := testWriter(t)
	funding := time.Date(2024, 3, 1, 16, 0, 0, 0, time.UTC)

	if err := w.AppendCandles(context.Background(), testBatch("BTC_USDT", funding)); err != nil {
		t.Fatalf("AppendCandles failed: %v", err)
	}

	path := filepath.Join(w.config.Storage.OutputDir, "funding_data_BTC_USDT_2024-03-01_16-00.csv")
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("capture file missing: %v", err)
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected header + 2 rows, got %d records", len(records))
	}
	if records[0][0] != "Symbol" || records[0][8] != "Volume" {
		t.Errorf("unexpected header: %v", records[0])
	}
	if records[1][2] != "1m" || records[2][2] != "1h" {
		t.Errorf("unexpected interval labels: %v %v", records[1][2], records[2][2])
	}
	if records[1][4] != "100" || records[1][8] != "12.25" {
		t.Errorf("unexpected numeric formatting: %v", records[1])
	}
}

func TestAppendCandlesOverwritesSameRound(t *testing.T) {
	w := testWriter(t)
	funding := time.Date(2024, 3, 1, 16, 0, 0, 0, time.UTC)

	if err := w.AppendCandles(context.Background(), testBatch("ETH_USDT", funding)); err != nil {
		t.Fatalf("first append: %v", err)
	}

	// Re-capture of the same round replaces the file instead of appending.
	second := testBatch("ETH_USDT", funding)
	second.Rows = second.Rows[:1]
	second.RecordCount = 1
	if err := w.AppendCandles(context.Background(), second); err != nil {
		t.Fatalf("second append: %v", err)
	}

	path := filepath.Join(w.config.Storage.OutputDir, "funding_data_ETH_USDT_2024-03-01_16-00.csv")
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("capture file missing: %v", err)
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected header + 1 row after overwrite, got %d", len(records))
	}
}

func TestAppendCandlesSkipsEmptyBatch(t *testing.T) {
	w := testWriter(t)
	funding := time.Date(2024, 3, 1, 16, 0, 0, 0, time.UTC)

	batch := models.NewCaptureBatch("BTC_USDT", funding, nil)
	if err := w.AppendCandles(context.Background(), batch); err != nil {
		t.Fatalf("AppendCandles failed: %v", err)
	}

	entries, err := os.ReadDir(w.config.Storage.OutputDir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("empty batch must not produce files, found %d", len(entries))
	}
}

func TestAppendFundingSnapshot(t *testing.T) {
	w := testWriter(t)
	funding := time.Date(2024, 3, 1, 16, 0, 0, 0, time.UTC)

	snapshot := models.RankedSnapshot{
		Key:         models.NewEventKey(funding, 5*time.Minute),
		FundingTime: funding,
		TopSymbols: []models.SymbolRate{
			{Symbol: "ETH_USDT", Rate: -0.05},
			{Symbol: "BTC_USDT", Rate: 0.02},
		},
		ComputedAt: funding.Add(-15 * time.Minute),
	}

	if err := w.AppendFundingSnapshot(context.Background(), snapshot); err != nil {
		t.Fatalf("AppendFundingSnapshot failed: %v", err)
	}

	path := filepath.Join(w.config.Storage.OutputDir, "funding_rates_2024-03-01_16-00.csv")
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("snapshot file missing: %v", err)
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected header + 2 rows, got %d", len(records))
	}
	if records[1][0] != "1" || records[1][1] != "ETH_USDT" {
		t.Errorf("rank order not preserved: %v", records[1])
	}
	if records[2][0] != "2" || records[2][1] != "BTC_USDT" {
		t.Errorf("rank order not preserved: %v", records[2])
	}
}

func TestCleanupOld(t *testing.T) {
	w := testWriter(t)
	dir := w.config.Storage.OutputDir

	old := filepath.Join(dir, "funding_data_BTC_USDT_2024-01-01_00-00.csv")
	if err := os.WriteFile(old, []byte("x"), 0o644); err != nil {
		t.Fatalf("write old file: %v", err)
	}
	stale := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(old, stale, stale); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	fresh := filepath.Join(dir, "funding_data_ETH_USDT_2024-03-01_16-00.csv")
	if err := os.WriteFile(fresh, []byte("x"), 0o644); err != nil {
		t.Fatalf("write fresh file: %v", err)
	}
	unrelated := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(unrelated, []byte("x"), 0o644); err != nil {
		t.Fatalf("write unrelated file: %v", err)
	}
	if err := os.Chtimes(unrelated, stale, stale); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	w.CleanupOld(24 * time.Hour)

	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Error("stale capture file should have been removed")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Error("fresh capture file should survive cleanup")
	}
	if _, err := os.Stat(unrelated); err != nil {
		t.Error("unrelated files must not be touched by cleanup")
	}
}
