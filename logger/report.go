package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type flowStat struct {
	messages int64
	bytes    int64
}

var (
	errorsReader    int64
	errorsScheduler int64
	errorsWriter    int64
	warnsReader     int64
	warnsScheduler  int64
	warnsWriter     int64
	fundingReads    int64
	candleReads     int64
	ranksComputed   int64
	captureBatches  int64
	flows           sync.Map // map[string]*flowStat
)

func recordWarn(component string) {
	switch {
	case strings.Contains(component, "reader"):
		atomic.AddInt64(&warnsReader, 1)
	case strings.Contains(component, "scheduler"):
		atomic.AddInt64(&warnsScheduler, 1)
	case strings.Contains(component, "writer"):
		atomic.AddInt64(&warnsWriter, 1)
	}
}

func recordError(component string) {
	switch {
	case strings.Contains(component, "reader"):
		atomic.AddInt64(&errorsReader, 1)
	case strings.Contains(component, "scheduler"):
		atomic.AddInt64(&errorsScheduler, 1)
	case strings.Contains(component, "writer"):
		atomic.AddInt64(&errorsWriter, 1)
	}
}

// IncrementFundingRead records one funding-rate poll and its payload size.
func IncrementFundingRead(size int) {
	atomic.AddInt64(&fundingReads, 1)
	recordFlow("funding_rest", size)
}

// IncrementCandleRead records one kline fetch and its payload size.
func IncrementCandleRead(size int) {
	atomic.AddInt64(&candleReads, 1)
	recordFlow("kline_rest", size)
}

// IncrementRank records one ranking snapshot computation.
func IncrementRank() {
	atomic.AddInt64(&ranksComputed, 1)
}

// IncrementCaptureWrite records one capture batch persisted by the sink.
func IncrementCaptureWrite(size int64) {
	atomic.AddInt64(&captureBatches, 1)
	recordFlow("capture_write", int(size))
}

func recordFlow(name string, size int) {
	v, _ := flows.LoadOrStore(name, &flowStat{})
	fs := v.(*flowStat)
	atomic.AddInt64(&fs.messages, 1)
	atomic.AddInt64(&fs.bytes, int64(size))
}

func startReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

// StartReport begins periodic logging of system and pipeline statistics.
// It exposes the internal startReport function for use by other packages.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	startReport(ctx, log, interval)
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	diskStats, _ := disk.Usage("/")
	flowData := map[string]map[string]int64{}
	flows.Range(func(k, v any) bool {
		name := k.(string)
		fs := v.(*flowStat)
		flowData[name] = map[string]int64{
			"messages": atomic.LoadInt64(&fs.messages),
			"bytes":    atomic.LoadInt64(&fs.bytes),
		}
		return true
	})

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}

	fields := Fields{
		"errors_reader":    atomic.LoadInt64(&errorsReader),
		"errors_scheduler": atomic.LoadInt64(&errorsScheduler),
		"errors_writer":    atomic.LoadInt64(&errorsWriter),
		"warns_reader":     atomic.LoadInt64(&warnsReader),
		"warns_scheduler":  atomic.LoadInt64(&warnsScheduler),
		"warns_writer":     atomic.LoadInt64(&warnsWriter),
		"funding_reads":    atomic.LoadInt64(&fundingReads),
		"candle_reads":     atomic.LoadInt64(&candleReads),
		"ranks_computed":   atomic.LoadInt64(&ranksComputed),
		"capture_batches":  atomic.LoadInt64(&captureBatches),
		"goroutines":       runtime.NumGoroutine(),
		"cpu_percent":      cpuPct,
		"memory_mb":        int64(memStats.Used) / 1024 / 1024,
		"disk_mb":          int64(diskStats.Used) / 1024 / 1024,
		"flows":            flowData,
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	var data []cwtypes.MetricDatum
	data = append(data,
		cwtypes.MetricDatum{MetricName: aws.String("FRL-CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		cwtypes.MetricDatum{MetricName: aws.String("FRL-MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("FRL-DiskMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(diskStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("FRL-ErrorsReader"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_reader"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("FRL-ErrorsScheduler"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_scheduler"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("FRL-ErrorsWriter"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_writer"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("FRL-FundingReads"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["funding_reads"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("FRL-CandleReads"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["candle_reads"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("FRL-RanksComputed"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["ranks_computed"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("FRL-CaptureBatches"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["capture_batches"].(int64)))},
	)

	for name, stats := range flowData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("FRL-FlowMessages"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Flow"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["messages"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("FRL-FlowBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Flow"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}
