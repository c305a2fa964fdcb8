package engine

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llm-threaderd/internal/model"
)

func testConfig() Config {
	return Config{
		MaxThreads:        intPtr(16),
		EmergencyCPUTemp:  90,
		EmergencyCPUUsage: 95,
		EmergencyMemUsage: 95,
		EmergencyGPUTemp:  90,
		EmergencyGPUUsage: 95,
		HighCPUUsage:      80,
		HighCPUTemp:       80,
		HighMemUsage:      80,
		HighGPUTemp:       80,
		HighGPUUsage:      80,
		PIDKp:             0.5,
		PIDKi:             0.1,
		PIDKd:             0.05,
		PIDSetpoint:       60,
		ScaleCooldownMs:   0,
	}
}

func intPtr(v int) *int          { return &v }
func floatPtrE(v float64) *float64 { return &v }

func TestDecide_HardEmergencyClampsToOne(t *testing.T) {
	e := New(testConfig(), nil)
	e.lastRecommended = 8

	sample := model.TelemetrySample{Ts: time.Now(), CPUTemp: floatPtrE(95)}
	d := e.Decide(context.Background(), time.Now(), sample, QueueSnapshot{}, MixContext{}, EmergencyFlags{}, nil)

	assert.Equal(t, 1, d.Threads)
	assert.Equal(t, "hard_emergency_clamp", d.Reason)
	assert.Equal(t, 1.0, d.Confidence)
}

func TestDecide_RepeatedEmergencyFlagsForceOverrideToOne(t *testing.T) {
	e := New(testConfig(), nil)
	e.lastRecommended = 4

	sample := model.TelemetrySample{Ts: time.Now(), CPUUsage: floatPtrE(70)}
	flags := EmergencyFlags{IsEmergency: true}

	var last Decision
	for i := 0; i < 6; i++ {
		last = e.Decide(context.Background(), time.Now(), sample, QueueSnapshot{Backlog: 1}, MixContext{}, flags, nil)
	}
	assert.Equal(t, 1, last.Threads)
	assert.Equal(t, "emergency_override", last.Reason)
}

func TestDecide_ScaleUpGatedUntilValidationWindowElapses(t *testing.T) {
	e := New(testConfig(), nil)
	e.lastRecommended = 1
	now := time.Now()

	// force a pending validation by directly recording a scale-up
	e.recordAndReturn(now, 2, "test_seed", 0.7)
	require.NotNil(t, e.pending)

	sample := model.TelemetrySample{Ts: now, CPUUsage: floatPtrE(50)}
	d := e.Decide(context.Background(), now.Add(time.Millisecond), sample, QueueSnapshot{Backlog: 5, ActiveThreads: 2}, MixContext{}, EmergencyFlags{}, nil)

	// with a live pending validation and too few samples, the rollback
	// step can't conclude yet, but scale-up gating still can't advance
	// past a fresh pending validation.
	assert.LessOrEqual(t, d.Threads, 2)
}

func TestDecide_ValidationRollbackRevertsToBaselineOnRegression(t *testing.T) {
	e := New(testConfig(), nil)
	e.lastRecommended = 4
	now := time.Now()

	e.pending = &model.PendingValidation{
		TargetThreads:   4,
		BaselineThreads: 2,
		StartedAt:       now,
		Guardrails: model.Guardrails{
			SamplesRequired:      1,
			DegradationTolerance: 0.1,
			ValidationWindowMs:   0,
		},
	}
	// seed perf samples so AvgCumulativeTime resolves for both thread counts,
	// with the target clearly worse than the baseline. A zero measured
	// throughput makes the tracker derive it as threadCount/latency, so the
	// target's cumulative time is 1/(4/2)=0.5 against the baseline's
	// 1/(2/0.5)=0.25.
	slow := 2.0
	fast := 0.5
	for i := 0; i < 5; i++ {
		e.perfTracker.Record(4, floatPtrE(0), floatPtrE(slow*1000), floatPtrE(0))
		e.perfTracker.Record(2, floatPtrE(0), floatPtrE(fast*1000), floatPtrE(0))
	}

	sample := model.TelemetrySample{Ts: now, CPUUsage: floatPtrE(50)}
	d := e.Decide(context.Background(), now, sample, QueueSnapshot{Backlog: 1}, MixContext{}, EmergencyFlags{}, nil)

	assert.Equal(t, 2, d.Threads)
	assert.Nil(t, e.pending)
}

func TestDemandDecision_UnmetDemandProposesScaleUp(t *testing.T) {
	e := New(testConfig(), nil)
	e.lastRecommended = 2

	q := QueueSnapshot{Backlog: 5, ActiveThreads: 2, QueuePressure: 3}
	d, matched := e.demandDecision(time.Now(), q, MixContext{}, 16, nil)
	require.True(t, matched)
	assert.Equal(t, 3, d.Threads)
	assert.Equal(t, "unmet_demand_scale_up", d.Reason)
}

func TestDemandDecision_LowUtilizationProposesScaleDown(t *testing.T) {
	e := New(testConfig(), nil)
	e.lastRecommended = 4

	q := QueueSnapshot{Backlog: 0, ActiveThreads: 0, QueuePressure: 0}
	d, matched := e.demandDecision(time.Now(), q, MixContext{}, 16, nil)
	require.True(t, matched)
	assert.Equal(t, 3, d.Threads)
	assert.Equal(t, "low_utilization_scale_down", d.Reason)
}

func TestDemandDecision_RecentHighDemandBlocksScaleDown(t *testing.T) {
	e := New(testConfig(), nil)
	e.lastRecommended = 4

	recent := []model.DemandPoint{{HasUnmetDemand: true}}
	q := QueueSnapshot{Backlog: 0, ActiveThreads: 0, QueuePressure: 0}
	_, matched := e.demandDecision(time.Now(), q, MixContext{}, 16, recent)
	assert.False(t, matched)
}

func TestDemandDecision_AtCeilingReturnsNoMatchWhenDemandUnmet(t *testing.T) {
	e := New(testConfig(), nil)
	e.lastRecommended = 16

	q := QueueSnapshot{Backlog: 20, ActiveThreads: 16, QueuePressure: 5}
	_, matched := e.demandDecision(time.Now(), q, MixContext{}, 16, nil)
	assert.False(t, matched)
}

func TestRecentHighDemand_OnlyLooksAtLastFive(t *testing.T) {
	old := make([]model.DemandPoint, 10)
	old[0] = model.DemandPoint{HasUnmetDemand: true}
	assert.False(t, recentHighDemand(old))

	recent := make([]model.DemandPoint, 10)
	recent[9] = model.DemandPoint{Utilization: 0.9}
	assert.True(t, recentHighDemand(recent))
}

func TestCandidatePoints_IncludesEndpointsAndIsSorted(t *testing.T) {
	pts := candidatePoints(2, 10, 5)
	require.NotEmpty(t, pts)
	assert.Equal(t, 2, pts[0])
	assert.Equal(t, 10, pts[len(pts)-1])
	for i := 1; i < len(pts); i++ {
		assert.Greater(t, pts[i], pts[i-1])
	}
}

func TestCandidatePoints_DegenerateRangeReturnsSinglePoint(t *testing.T) {
	assert.Equal(t, []int{5}, candidatePoints(5, 5, 5))
}

func TestPerThreadImpact_FallsBackWithInsufficientSamples(t *testing.T) {
	got := perThreadImpact(nil, func(s observedSample) float64 { return s.cpu }, 42)
	assert.Equal(t, 42.0, got)
}

func TestPerThreadImpact_RecoversKnownSlope(t *testing.T) {
	similar := []observedSample{
		{threadCount: 1, cpu: 10},
		{threadCount: 2, cpu: 20},
		{threadCount: 3, cpu: 30},
	}
	got := perThreadImpact(similar, func(s observedSample) float64 { return s.cpu }, -1)
	assert.InDelta(t, 10.0, got, 1e-9)
}

func TestPredictLoadWithThreads_NaiveCascadeWithFewSamples(t *testing.T) {
	e := New(testConfig(), nil)
	e.recentSamples = []sampleSnapshot{{threadCount: 2, cpu: 40, temp: 50, gpuUsage: 10, gpuTemp: 30}}

	pred := e.predictLoadWithThreads(4)
	assert.InDelta(t, 80.0, pred.cpu, 1e-9) // ratio 2x
	assert.InDelta(t, 20.0, pred.gpuUsage, 1e-9)
}

func TestPredictLoadWithThreads_MedianImpactWithEnoughSimilarPeriods(t *testing.T) {
	e := New(testConfig(), nil)
	for i := 0; i < 15; i++ {
		e.recentSamples = append(e.recentSamples, sampleSnapshot{
			threadCount: i%3 + 1,
			cpu:         40 + float64(i%3)*10,
			temp:        50,
			gpuUsage:    10 + float64(i%3)*5,
			gpuTemp:     30,
		})
	}
	pred := e.predictLoadWithThreads(4)
	assert.Greater(t, pred.confidence, 0.0)
}

func TestAvgUtilization_DefaultsBeforeAnyRecord(t *testing.T) {
	e := New(testConfig(), nil)
	assert.Equal(t, 0.5, e.avgUtilization())
}

func TestAvgUtilization_AveragesRecordedWindow(t *testing.T) {
	e := New(testConfig(), nil)
	e.recordUtilization(0.2)
	e.recordUtilization(0.8)
	assert.InDelta(t, 0.5, e.avgUtilization(), 1e-9)
}

func TestAvgUtilization_WindowNeverExceeds50(t *testing.T) {
	e := New(testConfig(), nil)
	for i := 0; i < 80; i++ {
		e.recordUtilization(1)
	}
	assert.Len(t, e.recentUtilizations, 50)
}

func TestExploreCeiling_RespectsConfiguredMaxThreads(t *testing.T) {
	e := New(testConfig(), nil)
	assert.Equal(t, 16.0, e.exploreCeiling(nil))
}

func TestExploreCeiling_AutotunesWithoutConfiguredMax(t *testing.T) {
	cfg := testConfig()
	cfg.MaxThreads = nil
	e := New(cfg, nil)
	e.lastRecommended = 5
	ceiling := e.exploreCeiling(nil)
	assert.GreaterOrEqual(t, ceiling, 4.0)
}

func TestDeriveGuardrails_SamplesRequiredIsBoundedAndPositive(t *testing.T) {
	e := New(testConfig(), nil)
	g := e.deriveGuardrails(2, 4)
	assert.GreaterOrEqual(t, g.SamplesRequired, 2)
	assert.LessOrEqual(t, g.SamplesRequired, 25)
	assert.Greater(t, g.ValidationWindowMs, int64(0))
}

func TestEstimateThermalConstant_DefaultsWithoutThermalSignal(t *testing.T) {
	e := New(testConfig(), nil)
	assert.Equal(t, 5.0, e.estimateThermalConstant())
}

func TestRecordAndReturn_CreatesPendingValidationOnScaleUp(t *testing.T) {
	e := New(testConfig(), nil)
	e.lastRecommended = 2
	d := e.recordAndReturn(time.Now(), 3, "test", 0.5)
	assert.Equal(t, 3, d.Threads)
	require.NotNil(t, e.pending)
	assert.Equal(t, 3, e.pending.TargetThreads)
	assert.Equal(t, 2, e.pending.BaselineThreads)
}

func TestRecordAndReturn_NoPendingValidationOnScaleDownOrHold(t *testing.T) {
	e := New(testConfig(), nil)
	e.lastRecommended = 3
	e.recordAndReturn(time.Now(), 2, "test", 0.5)
	assert.Nil(t, e.pending)

	e.lastRecommended = 2
	e.recordAndReturn(time.Now(), 2, "test", 0.5)
	assert.Nil(t, e.pending)
}

func TestRecord_FeedsPerfTrackerAndRollingWindows(t *testing.T) {
	e := New(testConfig(), nil)
	e.Record(model.PerfPoint{
		TelemetrySample: model.TelemetrySample{Ts: time.Now(), CPUTemp: floatPtrE(60), CPUUsage: floatPtrE(40)},
		ThreadCount:     3,
		Throughput:      floatPtrE(1),
		AvgLatencyMs:    floatPtrE(100),
		OperationMix:    model.OperationMix{"chat": 1},
	})
	assert.Len(t, e.observedThreadCounts, 1)
	assert.Len(t, e.recentOperationMixes, 1)
	assert.Len(t, e.recentSamples, 1)
}

func TestLastRecommendedAndPending_Accessors(t *testing.T) {
	e := New(testConfig(), nil)
	assert.Equal(t, 1, e.LastRecommended())
	assert.Nil(t, e.Pending())
}

func TestDecide_CPUAtOrAboveEmergencyTempAlwaysClampsToOne(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("cpuTemp at or above the emergency threshold always forces threads to 1", prop.ForAll(
		func(cpuTemp float64, lastRecommended int) bool {
			e := New(testConfig(), nil)
			e.lastRecommended = lastRecommended

			sample := model.TelemetrySample{Ts: time.Now(), CPUTemp: floatPtrE(cpuTemp)}
			d := e.Decide(context.Background(), time.Now(), sample, QueueSnapshot{}, MixContext{}, EmergencyFlags{}, nil)
			return d.Threads == 1
		},
		gen.Float64Range(90, 140),
		gen.IntRange(1, 32),
	))

	properties.TestingRun(t)
}

func TestDecide_RecommendationNeverExceedsConfiguredMaxThreads(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("threads never exceed maxThreads across a run of demand-driven ticks", prop.ForAll(
		func(maxThreads int, cpu float64) bool {
			cfg := testConfig()
			cfg.MaxThreads = intPtr(maxThreads)
			e := New(cfg, nil)

			now := time.Now()
			var last Decision
			for i := 0; i < 40; i++ {
				now = now.Add(time.Second)
				sample := model.TelemetrySample{Ts: now, CPUUsage: floatPtrE(cpu)}
				q := QueueSnapshot{QueuePressure: 50, ActiveThreads: e.lastRecommended, Backlog: 100}
				e.Record(model.PerfPoint{
					TelemetrySample: sample, ThreadCount: e.lastRecommended,
					Throughput: floatPtrE(10), AvgLatencyMs: floatPtrE(50),
				})
				last = e.Decide(context.Background(), now, sample, q, MixContext{}, EmergencyFlags{}, nil)
				if last.Threads > maxThreads {
					return false
				}
			}
			return last.Threads <= maxThreads
		},
		gen.IntRange(4, 24),
		gen.Float64Range(0, 70),
	))

	properties.TestingRun(t)
}
