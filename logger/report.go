package logger

import (
	"context"
	"runtime"
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

type streamStat struct {
	frames int64
	bytes  int64
}

var (
	dispatched  int64
	uploads     int64
	uploadBytes int64
	components  sync.Map // map[string]*componentStat
	streams     sync.Map // map[string]*streamStat
)

func recordWarn(component string) {
	v, _ := components.LoadOrStore(component, &componentStat{})
	atomic.AddInt64(&v.(*componentStat).warns, 1)
}

func recordError(component string) {
	v, _ := components.LoadOrStore(component, &componentStat{})
	atomic.AddInt64(&v.(*componentStat).errors, 1)
}

// IncrementFrameRead records one inbound frame on the named stream
// connection.
func IncrementFrameRead(stream string, size int) {
	v, _ := streams.LoadOrStore(stream, &streamStat{})
	st := v.(*streamStat)
	atomic.AddInt64(&st.frames, 1)
	atomic.AddInt64(&st.bytes, int64(size))
}

// IncrementDispatch records callbacks invoked during event dispatch.
func IncrementDispatch(n int) {
	atomic.AddInt64(&dispatched, int64(n))
}

// IncrementUpload records one archive upload of the given size.
func IncrementUpload(size int64) {
	atomic.AddInt64(&uploads, 1)
	atomic.AddInt64(&uploadBytes, size)
}

// StartReport begins periodic logging of runtime and stream statistics,
// publishing them to CloudWatch when that client is initialised.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
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

func logReport(ctx context.Context, log *Log) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	streamData := map[string]map[string]int64{}
	streams.Range(func(k, v any) bool {
		st := v.(*streamStat)
		streamData[k.(string)] = map[string]int64{
			"frames": atomic.LoadInt64(&st.frames),
			"bytes":  atomic.LoadInt64(&st.bytes),
		}
		return true
	})

	var warns, errors int64
	components.Range(func(_, v any) bool {
		cs := v.(*componentStat)
		warns += atomic.LoadInt64(&cs.warns)
		errors += atomic.LoadInt64(&cs.errors)
		return true
	})

	fields := Fields{
		"warns":        warns,
		"errors":       errors,
		"dispatched":   atomic.LoadInt64(&dispatched),
		"uploads":      atomic.LoadInt64(&uploads),
		"upload_bytes": atomic.LoadInt64(&uploadBytes),
		"goroutines":   runtime.NumGoroutine(),
		"heap_mb":      int64(memStats.HeapAlloc) / 1024 / 1024,
		"streams":      streamData,
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	data := []cwtypes.MetricDatum{
		{MetricName: aws.String("Warns"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(warns))},
		{MetricName: aws.String("Errors"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(errors))},
		{MetricName: aws.String("Dispatched"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&dispatched)))},
		{MetricName: aws.String("Uploads"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&uploads)))},
		{MetricName: aws.String("UploadBytes"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(atomic.LoadInt64(&uploadBytes)))},
		{MetricName: aws.String("HeapMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memStats.HeapAlloc) / 1024 / 1024)},
		{MetricName: aws.String("Goroutines"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(runtime.NumGoroutine()))},
	}

	for name, stats := range streamData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("StreamFrames"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Stream"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["frames"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("StreamBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Stream"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}
