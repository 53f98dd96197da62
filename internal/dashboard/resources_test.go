package dashboard

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"simflow/logger"
)

func TestResourceSamplerCollectsSamples(t *testing.T) {
	sampler := newResourceSampler(3, 10*time.Millisecond, "/", logger.Logger())

	// Stub the collectors so the test never touches the host.
	originalCPU := cpuPercentFn
	originalMem := memoryStatsFn
	originalDisk := diskUsageFn
	t.Cleanup(func() {
		cpuPercentFn = originalCPU
		memoryStatsFn = originalMem
		diskUsageFn = originalDisk
	})

	var cpuCalls atomic.Int32
	cpuPercentFn = func(ctx context.Context, interval time.Duration) ([]float64, error) {
		cpuCalls.Add(1)
		return []float64{42.5}, nil
	}
	memoryStatsFn = func(ctx context.Context) (*mem.VirtualMemoryStat, error) {
		return &mem.VirtualMemoryStat{Used: 512 << 20, Total: 1024 << 20, UsedPercent: 50}, nil
	}
	diskUsageFn = func(ctx context.Context, path string) (*disk.UsageStat, error) {
		return &disk.UsageStat{Used: 4096, Total: 8192, UsedPercent: 50}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sampler.start(ctx)

	deadline := time.Now().Add(250 * time.Millisecond)
	for len(sampler.snapshot()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("resource sampler collected no samples in time")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	sampler.stop()

	snapshots := sampler.snapshot()
	if len(snapshots) == 0 {
		t.Fatal("expected at least one resource snapshot")
	}

	latest := snapshots[len(snapshots)-1]
	if latest.CPUPercent != 42.5 || latest.MemoryPct != 50 || latest.DiskPct != 50 {
		t.Fatalf("unexpected snapshot data: %#v", latest)
	}
	if cpuCalls.Load() == 0 {
		t.Fatal("cpu collector never invoked")
	}
}

func TestResourceSamplerPausesAfterCollectorFailure(t *testing.T) {
	sampler := newResourceSampler(3, 5*time.Millisecond, "/", logger.Logger())

	originalCPU := cpuPercentFn
	t.Cleanup(func() { cpuPercentFn = originalCPU })

	var cpuCalls atomic.Int32
	cpuPercentFn = func(ctx context.Context, interval time.Duration) ([]float64, error) {
		cpuCalls.Add(1)
		return nil, context.DeadlineExceeded
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sampler.start(ctx)
	time.Sleep(40 * time.Millisecond)
	cancel()
	sampler.stop()

	if got := len(sampler.snapshot()); got != 0 {
		t.Fatalf("snapshot length = %d, want 0 after failures", got)
	}
	// 40ms of 5ms pauses allows a handful of attempts; an unpaused loop
	// would rack up thousands.
	if calls := cpuCalls.Load(); calls == 0 || calls > 20 {
		t.Fatalf("cpu collector attempts = %d, want paced retries", calls)
	}
}
