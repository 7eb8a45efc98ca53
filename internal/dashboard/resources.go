package dashboard

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// runtimeSnapshot is one sample of the process runtime.
type runtimeSnapshot struct {
	Timestamp  time.Time `json:"timestamp"`
	Goroutines int       `json:"goroutines"`
	HeapAlloc  uint64    `json:"heap_alloc"`
	HeapSys    uint64    `json:"heap_sys"`
	NumGC      uint32    `json:"num_gc"`
}

var readRuntime = func() runtimeSnapshot {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return runtimeSnapshot{
		Timestamp:  time.Now(),
		Goroutines: runtime.NumGoroutine(),
		HeapAlloc:  ms.HeapAlloc,
		HeapSys:    ms.HeapSys,
		NumGC:      ms.NumGC,
	}
}

type runtimeSampler struct {
	samples  *ring[runtimeSnapshot]
	interval time.Duration

	cancel  context.CancelFunc
	running atomic.Bool
	wg      sync.WaitGroup
}

func newRuntimeSampler(limit int, interval time.Duration) *runtimeSampler {
	if interval <= 0 {
		interval = time.Second
	}
	return &runtimeSampler{samples: newRing[runtimeSnapshot](limit), interval: interval}
}

func (s *runtimeSampler) start(ctx context.Context) {
	if s.running.Swap(true) {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			s.samples.add(readRuntime())
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func (s *runtimeSampler) stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.running.Store(false)
}

func (s *runtimeSampler) snapshot() []runtimeSnapshot {
	return s.samples.snapshot()
}
