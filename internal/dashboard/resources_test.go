package dashboard

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestRuntimeSamplerCollectsSamples(t *testing.T) {
	original := readRuntime
	t.Cleanup(func() { readRuntime = original })

	var calls atomic.Int32
	readRuntime = func() runtimeSnapshot {
		calls.Add(1)
		return runtimeSnapshot{Timestamp: time.Now(), Goroutines: 7, HeapAlloc: 1024}
	}

	sampler := newRuntimeSampler(3, 5*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sampler.start(ctx)

	deadline := time.Now().Add(time.Second)
	for len(sampler.snapshot()) < 3 {
		if time.Now().After(deadline) {
			t.Fatal("runtime sampler did not collect samples in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
	sampler.stop()

	snapshots := sampler.snapshot()
	if len(snapshots) != 3 {
		t.Fatalf("ring kept %d samples", len(snapshots))
	}
	if latest := snapshots[len(snapshots)-1]; latest.Goroutines != 7 || latest.HeapAlloc != 1024 {
		t.Fatalf("unexpected snapshot data: %#v", latest)
	}
	if calls.Load() < 3 {
		t.Fatalf("sampler invoked %d times", calls.Load())
	}
}
