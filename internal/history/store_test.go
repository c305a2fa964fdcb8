package history

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llm-threaderd/internal/model"
)

func floatPtr(v float64) *float64 { return &v }

type fakeSink struct {
	persisted []model.ScalingDecision
	persistErr error
	recentErr  error
	closed     bool
}

func (f *fakeSink) Persist(ctx context.Context, d model.ScalingDecision) error {
	if f.persistErr != nil {
		return f.persistErr
	}
	f.persisted = append(f.persisted, d)
	return nil
}

func (f *fakeSink) Recent(ctx context.Context, limit int) ([]model.ScalingDecision, error) {
	if f.recentErr != nil {
		return nil, f.recentErr
	}
	n := limit
	if n <= 0 || n > len(f.persisted) {
		n = len(f.persisted)
	}
	return f.persisted[len(f.persisted)-n:], nil
}

func (f *fakeSink) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

func (f *fakeSink) Close() error {
	f.closed = true
	return nil
}

func TestAppendPerfPoint_EvictsBeyondRingSize(t *testing.T) {
	s := New(Config{MaxPerformanceHistory: 3}, nil, nil)
	for i := 0; i < 10; i++ {
		s.AppendPerfPoint(context.Background(), model.PerfPoint{ThreadCount: i})
	}
	points := s.AllPerf()
	require.Len(t, points, 3)
	assert.Equal(t, 7, points[0].ThreadCount)
	assert.Equal(t, 9, points[len(points)-1].ThreadCount)
}

func TestAppendDemandPoint_EvictsBeyondRingSize(t *testing.T) {
	s := New(Config{MaxDemandHistory: 2}, nil, nil)
	for i := 0; i < 5; i++ {
		s.AppendDemandPoint(model.DemandPoint{QueuePressure: i})
	}
	points := s.RecentDemand(10)
	require.Len(t, points, 2)
	assert.Equal(t, 3, points[0].QueuePressure)
}

func TestAppendSample_EvictsByAgeThenCount(t *testing.T) {
	s := New(Config{MaxHistoryAgeMinutes: 1, MaxDataPoints: 100}, nil, nil)
	old := model.TelemetrySample{Ts: time.Now().Add(-2 * time.Minute)}
	fresh := model.TelemetrySample{Ts: time.Now()}
	s.AppendSample(old)
	s.AppendSample(fresh)
	all := s.All()
	require.Len(t, all, 1)
	assert.True(t, all[0].Ts.Equal(fresh.Ts))
}

func TestAppendSample_EvictsByCountWhenAgeUnbounded(t *testing.T) {
	s := New(Config{MaxDataPoints: 2}, nil, nil)
	for i := 0; i < 5; i++ {
		s.AppendSample(model.TelemetrySample{Ts: time.Now()})
	}
	assert.Len(t, s.All(), 2)
}

func TestStats_AveragesOnlyDefinedValues(t *testing.T) {
	s := New(Config{}, nil, nil)
	base := time.Now()
	s.AppendSample(model.TelemetrySample{Ts: base, CPUUsage: floatPtr(50)})
	s.AppendSample(model.TelemetrySample{Ts: base.Add(time.Second), CPUUsage: nil})
	s.AppendSample(model.TelemetrySample{Ts: base.Add(2 * time.Second), CPUUsage: floatPtr(70)})

	stats := s.Stats()
	require.NotNil(t, stats.Averages.CPUUsage)
	assert.InDelta(t, 60.0, *stats.Averages.CPUUsage, 1e-9) // average of 50 and 70, skipping the absent sample
}

func TestStats_EmptyStoreHasNilAverages(t *testing.T) {
	s := New(Config{}, nil, nil)
	stats := s.Stats()
	assert.Equal(t, 0, stats.DataPoints)
	assert.Nil(t, stats.Averages.CPUUsage)
}

func TestPersistScaling_FallsBackToInMemoryWhenSinkFails(t *testing.T) {
	sink := &fakeSink{persistErr: errors.New("db down")}
	s := New(Config{}, sink, nil)
	s.PersistScaling(context.Background(), model.ScalingDecision{RecommendedThreads: 4})

	hist := s.ScalingHistory(context.Background(), 10)
	require.Len(t, hist, 1)
	assert.Equal(t, 4, hist[0].RecommendedThreads)
}

func TestScalingHistory_PrefersSinkWhenAvailable(t *testing.T) {
	sink := &fakeSink{}
	s := New(Config{}, sink, nil)
	s.PersistScaling(context.Background(), model.ScalingDecision{RecommendedThreads: 2})
	s.PersistScaling(context.Background(), model.ScalingDecision{RecommendedThreads: 3})

	hist := s.ScalingHistory(context.Background(), 1)
	require.Len(t, hist, 1)
	assert.Equal(t, 3, hist[0].RecommendedThreads)
}

func TestScalingHistory_FallsBackToInMemoryWhenSinkReadFails(t *testing.T) {
	sink := &fakeSink{recentErr: errors.New("read failed")}
	s := New(Config{}, sink, nil)
	s.PersistScaling(context.Background(), model.ScalingDecision{RecommendedThreads: 9})

	hist := s.ScalingHistory(context.Background(), 10)
	require.Len(t, hist, 1)
	assert.Equal(t, 9, hist[0].RecommendedThreads)
}

func TestClose_NilSinkIsNoOp(t *testing.T) {
	s := New(Config{}, nil, nil)
	assert.NoError(t, s.Close())
}

func TestClose_ClosesConfiguredSink(t *testing.T) {
	sink := &fakeSink{}
	s := New(Config{}, sink, nil)
	require.NoError(t, s.Close())
	assert.True(t, sink.closed)
}

func TestEnforceRetention_NoOpWithoutSinkOrRetentionWindow(t *testing.T) {
	s := New(Config{}, nil, nil)
	assert.NotPanics(t, func() { s.EnforceRetention(context.Background()) })
}

type fakeUsageSink struct {
	fakeSink
	usageSamples int
	profiles     map[string]int
}

func (f *fakeUsageSink) RecordUsageSample(ctx context.Context, ts time.Time, cpu, cpuTemp, mem, gpuUsage, gpuTemp *float64, threads, active, queuePressure int, opMixJSON string, intensity float64) error {
	f.usageSamples++
	return nil
}

func (f *fakeUsageSink) UpsertOperationProfile(ctx context.Context, opType string, cpu, gpu, mem, temp, durationMs float64) error {
	if f.profiles == nil {
		f.profiles = make(map[string]int)
	}
	f.profiles[opType]++
	return nil
}

func TestAppendPerfPoint_WritesUsageSinkWhenPresent(t *testing.T) {
	sink := &fakeUsageSink{}
	s := New(Config{}, sink, nil)
	s.AppendPerfPoint(context.Background(), model.PerfPoint{
		ThreadCount:  2,
		OperationMix: model.OperationMix{"chat": 0.7, "embed": 0.3},
	})
	assert.Equal(t, 1, sink.usageSamples)
	assert.Equal(t, 1, sink.profiles["chat"])
	assert.Equal(t, 1, sink.profiles["embed"])
}

func TestAppendPerfPoint_NoUsageSinkIsNoOp(t *testing.T) {
	sink := &fakeSink{}
	s := New(Config{}, sink, nil)
	assert.NotPanics(t, func() {
		s.AppendPerfPoint(context.Background(), model.PerfPoint{ThreadCount: 1, OperationMix: model.OperationMix{"chat": 1}})
	})
}
