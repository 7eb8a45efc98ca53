package logger

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type componentStat struct {
	warns  int64
	errors int64
}

var (
	components sync.Map // map[string]*componentStat
	counters   sync.Map // map[string]*int64
)

func statFor(component string) *componentStat {
	v, _ := components.LoadOrStore(component, &componentStat{})
	return v.(*componentStat)
}

func recordWarn(component string) {
	atomic.AddInt64(&statFor(component).warns, 1)
}

func recordError(component string) {
	atomic.AddInt64(&statFor(component).errors, 1)
}

// Count bumps a named runtime counter included in the periodic report.
func Count(name string, delta int64) {
	v, _ := counters.LoadOrStore(name, new(int64))
	atomic.AddInt64(v.(*int64), delta)
}

// Counter returns the current value of a runtime counter.
func Counter(name string) int64 {
	if v, ok := counters.Load(name); ok {
		return atomic.LoadInt64(v.(*int64))
	}
	return 0
}

// ComponentIssues returns the warn and error counts logged by a component.
func ComponentIssues(component string) (warns, errors int64) {
	v, ok := components.Load(component)
	if !ok {
		return 0, 0
	}
	cs := v.(*componentStat)
	return atomic.LoadInt64(&cs.warns), atomic.LoadInt64(&cs.errors)
}

// StartReport logs runtime and counter statistics every interval until ctx ends.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

func snapshotCounters() map[string]int64 {
	out := map[string]int64{}
	counters.Range(func(k, v any) bool {
		out[k.(string)] = atomic.LoadInt64(v.(*int64))
		return true
	})
	return out
}

func logReport(ctx context.Context, log *Log) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	issues := map[string]map[string]int64{}
	components.Range(func(k, v any) bool {
		cs := v.(*componentStat)
		issues[k.(string)] = map[string]int64{
			"warns":  atomic.LoadInt64(&cs.warns),
			"errors": atomic.LoadInt64(&cs.errors),
		}
		return true
	})
	counts := snapshotCounters()

	log.WithComponent("report").WithFields(Fields{
		"goroutines": runtime.NumGoroutine(),
		"heap_mb":    mem.HeapAlloc / 1024 / 1024,
		"components": issues,
		"counters":   counts,
	}).Info("runtime report")

	data := []cwtypes.MetricDatum{
		{MetricName: aws.String("goroutines"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(runtime.NumGoroutine()))},
		{MetricName: aws.String("heap_mb"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(mem.HeapAlloc) / 1024 / 1024)},
	}
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		data = append(data, cwtypes.MetricDatum{
			MetricName: aws.String(name),
			Unit:       cwtypes.StandardUnitCount,
			Value:      aws.Float64(float64(counts[name])),
		})
	}
	publishMetrics(ctx, data)
}
