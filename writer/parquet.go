package writer

import (
	"bytes"
	"fmt"
	"os"

	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	parquetwriter "github.com/xitongsys/parquet-go/writer"

	"github.com/lduynkerke/FundingRateLogger/models"
)

// candleRecord is the parquet schema for capture rows.
type candleRecord struct {
	Symbol        string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	FundingTimeMs int64   `parquet:"name=funding_time_ms, type=INT64"`
	Interval      string  `parquet:"name=interval, type=BYTE_ARRAY, convertedtype=UTF8"`
	TimestampMs   int64   `parquet:"name=timestamp_ms, type=INT64"`
	Open          float64 `parquet:"name=open, type=DOUBLE"`
	High          float64 `parquet:"name=high, type=DOUBLE"`
	Low           float64 `parquet:"name=low, type=DOUBLE"`
	Close         float64 `parquet:"name=close, type=DOUBLE"`
	Volume        float64 `parquet:"name=volume, type=DOUBLE"`
}

// memoryFileWriter implements ParquetFile for in-memory writing.
type memoryFileWriter struct {
	buffer *bytes.Buffer
}

func newMemoryFileWriter() *memoryFileWriter {
	return &memoryFileWriter{buffer: &bytes.Buffer{}}
}

func (mfw *memoryFileWriter) Create(name string) (source.ParquetFile, error) { return mfw, nil }
func (mfw *memoryFileWriter) Open(name string) (source.ParquetFile, error)   { return mfw, nil }

func (mfw *memoryFileWriter) Seek(offset int64, whence int) (int64, error) {
	// Write-only usage; report the current end of buffer.
	return int64(mfw.buffer.Len()), nil
}

func (mfw *memoryFileWriter) Read(b []byte) (int, error)  { return mfw.buffer.Read(b) }
func (mfw *memoryFileWriter) Write(b []byte) (int, error) { return mfw.buffer.Write(b) }
func (mfw *memoryFileWriter) Close() error                { return nil }
func (mfw *memoryFileWriter) Bytes() []byte               { return mfw.buffer.Bytes() }

// writeCandleParquet renders a batch to a parquet file beside the CSV.
func (w *CaptureWriter) writeCandleParquet(path string, batch models.CaptureBatch) error {
	fw := newMemoryFileWriter()

	pw, err := parquetwriter.NewParquetWriter(fw, new(candleRecord), 4)
	if err != nil {
		return fmt.Errorf("create parquet writer: %w", err)
	}

	switch w.config.Storage.Formats.Parquet.Compression {
	case "snappy":
		pw.CompressionType = parquet.CompressionCodec_SNAPPY
	case "gzip":
		pw.CompressionType = parquet.CompressionCodec_GZIP
	default:
		pw.CompressionType = parquet.CompressionCodec_UNCOMPRESSED
	}

	for _, row := range batch.Rows {
		record := candleRecord{
			Symbol:        row.Symbol,
			FundingTimeMs: row.FundingTime.UnixMilli(),
			Interval:      row.Interval.Label(),
			TimestampMs:   row.Timestamp.UnixMilli(),
			Open:          row.Open,
			High:          row.High,
			Low:           row.Low,
			Close:         row.Close,
			Volume:        row.Volume,
		}
		if err := pw.Write(record); err != nil {
			pw.WriteStop()
			return fmt.Errorf("write parquet record: %w", err)
		}
	}

	if err := pw.WriteStop(); err != nil {
		return fmt.Errorf("finalize parquet file: %w", err)
	}

	if err := os.WriteFile(path, fw.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write parquet file: %w", err)
	}
	return nil
}
