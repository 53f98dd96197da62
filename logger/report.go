package logger

import (
	"context"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/aws/aws-sdk-go-v2/aws"                              //cloudwatch
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types" //cloudwatch
)

type streamStat struct {
	messages int64
	bytes    int64
}

type levelStat struct {
	warns  int64
	errors int64
}

var (
	eventsForwarded int64
	ordersRelayed   int64
	txnsFilled      int64
	artifactWrites  int64
	artifactBytes   int64
	heartbeats      int64
	streams         sync.Map // map[string]*streamStat
	components      sync.Map // map[string]*levelStat
)

func componentStat(component string) *levelStat {
	v, _ := components.LoadOrStore(component, &levelStat{})
	return v.(*levelStat)
}

func recordWarn(component string) {
	atomic.AddInt64(&componentStat(component).warns, 1)
}

func recordError(component string) {
	atomic.AddInt64(&componentStat(component).errors, 1)
}

// IncrementEventForwarded counts one event leaving the feed stage.
func IncrementEventForwarded() {
	atomic.AddInt64(&eventsForwarded, 1)
}

// IncrementOrderRelayed counts one order re-injected into the feed.
func IncrementOrderRelayed() {
	atomic.AddInt64(&ordersRelayed, 1)
}

// IncrementTransactionFilled counts one simulated fill.
func IncrementTransactionFilled() {
	atomic.AddInt64(&txnsFilled, 1)
}

// IncrementArtifactWrite counts one run artifact written, with its size.
func IncrementArtifactWrite(size int64) {
	atomic.AddInt64(&artifactWrites, 1)
	atomic.AddInt64(&artifactBytes, size)
}

// IncrementHeartbeat counts one heartbeat accepted by the controller.
func IncrementHeartbeat() {
	atomic.AddInt64(&heartbeats, 1)
}

// RecordStreamMessage accounts one frame on a named stream.
func RecordStreamMessage(name string, size int) {
	v, _ := streams.LoadOrStore(name, &streamStat{})
	ss := v.(*streamStat)
	atomic.AddInt64(&ss.messages, 1)
	atomic.AddInt64(&ss.bytes, int64(size))
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

// StartReport begins periodic logging of process and stream statistics.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	startReport(ctx, log, interval)
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()

	rss := int64(0)
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil && proc != nil {
		if mi, err := proc.MemoryInfo(); err == nil && mi != nil {
			rss = int64(mi.RSS)
		}
	}

	streamData := map[string]map[string]int64{}
	streams.Range(func(k, v any) bool {
		name := k.(string)
		ss := v.(*streamStat)
		streamData[name] = map[string]int64{
			"messages": atomic.LoadInt64(&ss.messages),
			"bytes":    atomic.LoadInt64(&ss.bytes),
		}
		return true
	})

	warnData := map[string]int64{}
	errorData := map[string]int64{}
	components.Range(func(k, v any) bool {
		name := k.(string)
		ls := v.(*levelStat)
		if w := atomic.LoadInt64(&ls.warns); w > 0 {
			warnData[name] = w
		}
		if e := atomic.LoadInt64(&ls.errors); e > 0 {
			errorData[name] = e
		}
		return true
	})

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}

	fields := Fields{
		"events_forwarded": atomic.LoadInt64(&eventsForwarded),
		"orders_relayed":   atomic.LoadInt64(&ordersRelayed),
		"txns_filled":      atomic.LoadInt64(&txnsFilled),
		"artifact_writes":  atomic.LoadInt64(&artifactWrites),
		"artifact_bytes":   atomic.LoadInt64(&artifactBytes),
		"heartbeats":       atomic.LoadInt64(&heartbeats),
		"goroutines":       runtime.NumGoroutine(),
		"cpu_percent":      cpuPct,
		"memory_mb":        int64(memStats.Used) / 1024 / 1024,
		"rss_mb":           rss / 1024 / 1024,
		"streams":          streamData,
		"warns":            warnData,
		"errors":           errorData,
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	var data []cwtypes.MetricDatum
	data = append(data,
		cwtypes.MetricDatum{MetricName: aws.String("Sim-CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		cwtypes.MetricDatum{MetricName: aws.String("Sim-MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("Sim-EventsForwarded"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["events_forwarded"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Sim-OrdersRelayed"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["orders_relayed"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Sim-TxnsFilled"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["txns_filled"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Sim-ArtifactWrites"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["artifact_writes"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Sim-Heartbeats"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["heartbeats"].(int64)))},
	)

	for name, stats := range streamData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("Sim-StreamMessages"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Stream"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["messages"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("Sim-StreamBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Stream"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}
