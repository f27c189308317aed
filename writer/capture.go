package writer

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	appconfig "github.com/lduynkerke/FundingRateLogger/config"
	"github.com/lduynkerke/FundingRateLogger/logger"
	"github.com/lduynkerke/FundingRateLogger/models"
)

// roundTimestamp formats a funding time for filenames. Colons are not
// filesystem safe, so rounds are encoded as 2024-03-01_16-00.
const roundTimestamp = "2006-01-02_15-04"

// CaptureWriter persists capture batches and funding snapshots under the
// configured output directory, one file per symbol per round. Files are
// written whole and replace any previous file for the same round, so
// re-capturing after a restart converges instead of duplicating rows.
type CaptureWriter struct {
	config   *appconfig.Config
	log      *logger.Log
	uploader *s3Uploader

	// Metrics
	batchesWritten int64
	rowsWritten    int64
	errorsCount    int64
}

// NewCaptureWriter creates the output directory and, when configured, the S3
// uploader for finished capture files.
func NewCaptureWriter(cfg *appconfig.Config) (*CaptureWriter, error) {
	log := logger.GetLogger()

	if err := os.MkdirAll(cfg.Storage.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}

	w := &CaptureWriter{
		config: cfg,
		log:    log,
	}

	if cfg.Storage.S3.Enabled {
		uploader, err := newS3Uploader(cfg)
		if err != nil {
			return nil, fmt.Errorf("create s3 uploader: %w", err)
		}
		w.uploader = uploader
	}

	log.WithComponent("capture_writer").WithFields(logger.Fields{
		"output_dir": cfg.Storage.OutputDir,
		"parquet":    cfg.Storage.Formats.Parquet.Enabled,
		"s3":         cfg.Storage.S3.Enabled,
	}).Info("capture writer initialized")

	return w, nil
}

// AppendCandles writes one capture batch. The CSV file is always produced;
// a parquet sibling is added when the format is enabled. Finished files are
// uploaded to S3 when storage.s3.enabled is set.
func (w *CaptureWriter) AppendCandles(ctx context.Context, batch models.CaptureBatch) error {
	log := w.log.WithComponent("capture_writer").WithFields(logger.Fields{
		"batch_id":     batch.BatchID,
		"symbol":       batch.Symbol,
		"funding_time": batch.FundingTime.Format(time.RFC3339),
		"record_count": batch.RecordCount,
	})

	if batch.RecordCount == 0 {
		log.Debug("batch has no records, skipping")
		return nil
	}

	name := captureFileName(batch.Symbol, batch.FundingTime)
	path := filepath.Join(w.config.Storage.OutputDir, name)

	if err := w.writeCandleCSV(path, batch); err != nil {
		atomic.AddInt64(&w.errorsCount, 1)
		return fmt.Errorf("write capture csv: %w", err)
	}

	files := []string{path}
	if w.config.Storage.Formats.Parquet.Enabled {
		parquetPath := strings.TrimSuffix(path, ".csv") + ".parquet"
		if err := w.writeCandleParquet(parquetPath, batch); err != nil {
			// CSV already landed; parquet is best effort.
			log.WithError(err).Error("failed to write parquet capture file")
		} else {
			files = append(files, parquetPath)
		}
	}

	if w.uploader != nil {
		for _, f := range files {
			if err := w.uploader.uploadFile(ctx, f, batch.Symbol, batch.FundingTime); err != nil {
				log.WithError(err).WithEnv("S3_BUCKET").Error("failed to upload capture file to S3")
			}
		}
	}

	atomic.AddInt64(&w.batchesWritten, 1)
	atomic.AddInt64(&w.rowsWritten, int64(batch.RecordCount))

	if info, err := os.Stat(path); err == nil {
		logger.IncrementCaptureWrite(info.Size())
	}
	logger.LogDataFlowEntry(log, "scheduler", "capture_file", batch.RecordCount, "candle_rows")
	log.WithFields(logger.Fields{"file": name}).Info("capture batch written")

	return nil
}

func (w *CaptureWriter) writeCandleCSV(path string, batch models.CaptureBatch) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}

	cw := csv.NewWriter(f)
	if err := cw.Write([]string{"Symbol", "FundingTime", "Interval", "Timestamp", "Open", "High", "Low", "Close", "Volume"}); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}

	for _, row := range batch.Rows {
		record := []string{
			row.Symbol,
			row.FundingTime.UTC().Format(time.RFC3339),
			row.Interval.Label(),
			row.Timestamp.UTC().Format(time.RFC3339),
			formatFloat(row.Open),
			formatFloat(row.High),
			formatFloat(row.Low),
			formatFloat(row.Close),
			formatFloat(row.Volume),
		}
		if err := cw.Write(record); err != nil {
			f.Close()
			os.Remove(tmp)
			return err
		}
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}

	// Rename makes the replace atomic for readers tailing the directory.
	return os.Rename(tmp, path)
}

// AppendFundingSnapshot records the ranked funding rates for a round. One
// file per round, overwritten on conflict for the same idempotence semantics
// as candle captures.
func (w *CaptureWriter) AppendFundingSnapshot(ctx context.Context, snapshot models.RankedSnapshot) error {
	log := w.log.WithComponent("capture_writer").WithFields(logger.Fields{
		"event_key": string(snapshot.Key),
		"symbols":   len(snapshot.TopSymbols),
	})

	name := fmt.Sprintf("funding_rates_%s.csv", snapshot.FundingTime.UTC().Format(roundTimestamp))
	path := filepath.Join(w.config.Storage.OutputDir, name)

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		atomic.AddInt64(&w.errorsCount, 1)
		return fmt.Errorf("write funding snapshot: %w", err)
	}

	cw := csv.NewWriter(f)
	if err := cw.Write([]string{"Rank", "Symbol", "FundingRate", "FundingTime", "ComputedAt"}); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write funding snapshot: %w", err)
	}
	for i, sr := range snapshot.TopSymbols {
		record := []string{
			strconv.Itoa(i + 1),
			sr.Symbol,
			formatFloat(sr.Rate),
			snapshot.FundingTime.UTC().Format(time.RFC3339),
			snapshot.ComputedAt.UTC().Format(time.RFC3339),
		}
		if err := cw.Write(record); err != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("write funding snapshot: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write funding snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write funding snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("write funding snapshot: %w", err)
	}

	if w.uploader != nil {
		if err := w.uploader.uploadFile(ctx, path, "funding_rates", snapshot.FundingTime); err != nil {
			log.WithError(err).Error("failed to upload funding snapshot to S3")
		}
	}

	log.WithFields(logger.Fields{"file": name}).Info("funding snapshot written")
	return nil
}

// CleanupOld removes capture and snapshot files older than maxAge, keeping
// the output directory bounded on long-running deployments.
func (w *CaptureWriter) CleanupOld(maxAge time.Duration) {
	log := w.log.WithComponent("capture_writer")

	cutoff := time.Now().Add(-maxAge)
	entries, err := os.ReadDir(w.config.Storage.OutputDir)
	if err != nil {
		log.WithError(err).Warn("failed to scan output directory for cleanup")
		return
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasPrefix(name, "funding_data_") && !strings.HasPrefix(name, "funding_rates_") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(w.config.Storage.OutputDir, name)); err == nil {
				removed++
			}
		}
	}

	if removed > 0 {
		log.WithFields(logger.Fields{"removed": removed}).Info("cleaned up old capture files")
	}
}

// Stats returns writer counters for the periodic report.
func (w *CaptureWriter) Stats() (batches, rows, errs int64) {
	return atomic.LoadInt64(&w.batchesWritten), atomic.LoadInt64(&w.rowsWritten), atomic.LoadInt64(&w.errorsCount)
}

// captureFileName encodes symbol and round so files from different rounds
// never collide and re-captures of the same round overwrite.
func captureFileName(symbol string, fundingTime time.Time) string {
	return fmt.Sprintf("funding_data_%s_%s.csv", symbol, fundingTime.UTC().Format(roundTimestamp))
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
