// Package history maintains the bounded telemetry/performance/demand
// rings and the optional durable scaling log, grounded on the bucketed
// retention idiom of internal/service/gpu_usage_service.go
// (CleanupOldStatistics's per-granularity named retention windows) and
// on pkg/monitoring/aggregator.go's windowed-bucket shape.
package history

import (
	"context"
	"encoding/json"
	"math"
	"sort"
	"sync"
	"time"

	"llm-threaderd/internal/logging"
	"llm-threaderd/internal/model"
)

const (
	defaultPerfRingSize   = 200
	defaultDemandRingSize = 50
)

// ScalingSink is the optional durable log. Implementations must be
// safe to leave nil: the store degrades to in-memory-only in that case.
type ScalingSink interface {
	Persist(ctx context.Context, d model.ScalingDecision) error
	Recent(ctx context.Context, limit int) ([]model.ScalingDecision, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	Close() error
}

// UsageSink is the optional durable usage_history/operation_profiles
// writer spec.md §6 names. A ScalingSink that also implements UsageSink
// (sqlstore.Datastore does) gets both tables populated; a sink that
// doesn't just leaves usage/profile recording as a no-op.
type UsageSink interface {
	RecordUsageSample(ctx context.Context, ts time.Time, cpu, cpuTemp, mem, gpuUsage, gpuTemp *float64, threads, active, queuePressure int, opMixJSON string, intensity float64) error
	UpsertOperationProfile(ctx context.Context, opType string, cpu, gpu, mem, temp, durationMs float64) error
}

// Config bounds the store's rings and retention.
type Config struct {
	MaxHistoryAgeMinutes         int
	MaxDataPoints                int
	MaxPerformanceHistory        int // default 200
	MaxDemandHistory             int // default 50
	ScalingHistoryRetentionHours float64
}

// Stats is the shape returned by Store.Stats.
type Stats struct {
	DataPoints  int
	TimeSpanSec float64
	Averages    Averages
	Ranges      Ranges
}

type Averages struct {
	CPUUsage, CPUTemp, MemUsage *float64
	GPUUsage, GPUTemp           *float64
}

type Ranges struct {
	CPUUsageMin, CPUUsageMax *float64
	CPUTempMin, CPUTempMax   *float64
}

// Store is single-writer (the Supervisor) with multi-reader snapshot
// access for introspection, per spec.md §5.
type Store struct {
	mu sync.RWMutex

	cfg Config
	log *logging.Logger

	telemetry []model.TelemetrySample
	perf      []model.PerfPoint
	demand    []model.DemandPoint

	sink        ScalingSink
	usageSink   UsageSink // nil unless sink also implements UsageSink
	inMemoryLog []model.ScalingDecision // fallback when sink is nil or fails
	sinkFailed  bool                    // set once a Persist to sink has failed
}

// New builds a Store. sink may be nil, in which case scaling decisions
// are kept purely in memory per spec.md §4.2. If sink also implements
// UsageSink, usage_history and operation_profiles rows are populated
// alongside the scaling log.
func New(cfg Config, sink ScalingSink, log *logging.Logger) *Store {
	if cfg.MaxPerformanceHistory <= 0 {
		cfg.MaxPerformanceHistory = defaultPerfRingSize
	}
	if cfg.MaxDemandHistory <= 0 {
		cfg.MaxDemandHistory = defaultDemandRingSize
	}
	if log == nil {
		log = logging.Nop()
	}
	s := &Store{cfg: cfg, sink: sink, log: log}
	if us, ok := sink.(UsageSink); ok {
		s.usageSink = us
	}
	return s
}

// AppendSample records a telemetry sample, evicting by age then count.
func (s *Store) AppendSample(sample model.TelemetrySample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.telemetry = append(s.telemetry, sample)
	s.evictTelemetryLocked()
}

// AppendPerfPoint records one tick's performance point in the bounded
// ring (default 200), and, when a durable UsageSink is configured,
// mirrors it into the usage_history/operation_profiles relations of
// spec.md §6.
func (s *Store) AppendPerfPoint(ctx context.Context, p model.PerfPoint) {
	s.mu.Lock()
	s.perf = append(s.perf, p)
	if over := len(s.perf) - s.cfg.MaxPerformanceHistory; over > 0 {
		s.perf = s.perf[over:]
	}
	s.mu.Unlock()

	if s.usageSink == nil {
		return
	}
	mixJSON := ""
	if len(p.OperationMix) > 0 {
		if b, err := json.Marshal(p.OperationMix); err == nil {
			mixJSON = string(b)
		}
	}
	if err := s.usageSink.RecordUsageSample(ctx, p.Ts, p.CPUUsage, p.CPUTemp, p.MemUsage, p.GPUUsage, p.GPUTemp,
		p.ThreadCount, p.ActiveThreads, p.QueuePressure, mixJSON, p.Intensity); err != nil {
		s.log.WarnCtx(ctx, "history: usage_history write failed: %v", err)
	}

	durationMs := 0.0
	if p.AvgLatencyMs != nil {
		durationMs = *p.AvgLatencyMs
	}
	for opType := range p.OperationMix {
		if err := s.usageSink.UpsertOperationProfile(ctx, opType,
			derefOrZero(p.CPUUsage), derefOrZero(p.GPUUsage), derefOrZero(p.MemUsage), derefOrZero(p.CPUTemp), durationMs); err != nil {
			s.log.WarnCtx(ctx, "history: operation_profiles upsert failed for %q: %v", opType, err)
		}
	}
}

func derefOrZero(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

// AppendDemandPoint records one tick's demand point in the bounded
// ring (default 50).
func (s *Store) AppendDemandPoint(d model.DemandPoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.demand = append(s.demand, d)
	if over := len(s.demand) - s.cfg.MaxDemandHistory; over > 0 {
		s.demand = s.demand[over:]
	}
}

func (s *Store) evictTelemetryLocked() {
	if s.cfg.MaxHistoryAgeMinutes > 0 {
		cutoff := time.Now().Add(-time.Duration(s.cfg.MaxHistoryAgeMinutes) * time.Minute)
		idx := 0
		for idx < len(s.telemetry) && s.telemetry[idx].Ts.Before(cutoff) {
			idx++
		}
		if idx > 0 {
			s.telemetry = s.telemetry[idx:]
		}
	}
	if s.cfg.MaxDataPoints > 0 {
		if over := len(s.telemetry) - s.cfg.MaxDataPoints; over > 0 {
			s.telemetry = s.telemetry[over:]
		}
	}
}

// Recent returns telemetry samples within the last windowSec seconds.
func (s *Store) Recent(windowSec int) []model.TelemetrySample {
	s.mu.Lock()
	s.evictTelemetryLocked()
	cutoff := time.Now().Add(-time.Duration(windowSec) * time.Second)
	out := make([]model.TelemetrySample, 0, len(s.telemetry))
	for _, t := range s.telemetry {
		if !t.Ts.Before(cutoff) {
			out = append(out, t)
		}
	}
	s.mu.Unlock()
	return out
}

// All performs lazy eviction first, then returns every retained sample.
func (s *Store) All() []model.TelemetrySample {
	s.mu.Lock()
	s.evictTelemetryLocked()
	out := make([]model.TelemetrySample, len(s.telemetry))
	copy(out, s.telemetry)
	s.mu.Unlock()
	return out
}

// RecentPerf returns the last n performance points (or all if fewer).
func (s *Store) RecentPerf(n int) []model.PerfPoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n <= 0 || n > len(s.perf) {
		n = len(s.perf)
	}
	out := make([]model.PerfPoint, n)
	copy(out, s.perf[len(s.perf)-n:])
	return out
}

// AllPerf returns every retained performance point.
func (s *Store) AllPerf() []model.PerfPoint {
	return s.RecentPerf(-1)
}

// RecentDemand returns the last n demand points (or all if fewer).
func (s *Store) RecentDemand(n int) []model.DemandPoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n <= 0 || n > len(s.demand) {
		n = len(s.demand)
	}
	out := make([]model.DemandPoint, n)
	copy(out, s.demand[len(s.demand)-n:])
	return out
}

// Stats summarizes the telemetry ring: point count, time span, and
// averages/ranges computed over defined values only (never coercing
// an absent sensor to zero).
func (s *Store) Stats() Stats {
	s.mu.Lock()
	s.evictTelemetryLocked()
	samples := make([]model.TelemetrySample, len(s.telemetry))
	copy(samples, s.telemetry)
	s.mu.Unlock()

	st := Stats{DataPoints: len(samples)}
	if len(samples) == 0 {
		return st
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i].Ts.Before(samples[j].Ts) })
	st.TimeSpanSec = samples[len(samples)-1].Ts.Sub(samples[0].Ts).Seconds()

	st.Averages.CPUUsage = meanOf(samples, func(t model.TelemetrySample) *float64 { return t.CPUUsage })
	st.Averages.CPUTemp = meanOf(samples, func(t model.TelemetrySample) *float64 { return t.CPUTemp })
	st.Averages.MemUsage = meanOf(samples, func(t model.TelemetrySample) *float64 { return t.MemUsage })
	st.Averages.GPUUsage = meanOf(samples, func(t model.TelemetrySample) *float64 { return t.GPUUsage })
	st.Averages.GPUTemp = meanOf(samples, func(t model.TelemetrySample) *float64 { return t.GPUTemp })

	st.Ranges.CPUUsageMin, st.Ranges.CPUUsageMax = rangeOf(samples, func(t model.TelemetrySample) *float64 { return t.CPUUsage })
	st.Ranges.CPUTempMin, st.Ranges.CPUTempMax = rangeOf(samples, func(t model.TelemetrySample) *float64 { return t.CPUTemp })

	return st
}

func meanOf(samples []model.TelemetrySample, field func(model.TelemetrySample) *float64) *float64 {
	var sum float64
	var n int
	for _, s := range samples {
		if v := field(s); v != nil && !math.IsNaN(*v) {
			sum += *v
			n++
		}
	}
	if n == 0 {
		return nil
	}
	m := sum / float64(n)
	return &m
}

func rangeOf(samples []model.TelemetrySample, field func(model.TelemetrySample) *float64) (min, max *float64) {
	for _, s := range samples {
		v := field(s)
		if v == nil || math.IsNaN(*v) {
			continue
		}
		if min == nil || *v < *min {
			val := *v
			min = &val
		}
		if max == nil || *v > *max {
			val := *v
			max = &val
		}
	}
	return
}

// PersistScaling writes a scaling decision to the durable sink, falling
// back to (and always additionally keeping, bounded) an in-memory
// record so ScalingHistory works even without a configured sink.
func (s *Store) PersistScaling(ctx context.Context, d model.ScalingDecision) {
	s.mu.Lock()
	s.inMemoryLog = append(s.inMemoryLog, d)
	if over := len(s.inMemoryLog) - defaultPerfRingSize; over > 0 {
		s.inMemoryLog = s.inMemoryLog[over:]
	}
	s.mu.Unlock()

	if s.sink == nil {
		return
	}
	if err := s.sink.Persist(ctx, d); err != nil {
		s.log.WarnCtx(ctx, "history: scaling decision persistence failed, staying in-memory: %v", err)
		s.mu.Lock()
		s.sinkFailed = true
		s.mu.Unlock()
	}
}

// ScalingHistory returns up to limit most-recent scaling decisions,
// preferring the durable sink when present and no write to it has
// failed; otherwise it reads the in-memory record.
func (s *Store) ScalingHistory(ctx context.Context, limit int) []model.ScalingDecision {
	s.mu.RLock()
	useSink := s.sink != nil && !s.sinkFailed
	s.mu.RUnlock()
	if useSink {
		if decisions, err := s.sink.Recent(ctx, limit); err == nil {
			return decisions
		} else {
			s.log.WarnCtx(ctx, "history: reading durable scaling log failed, using in-memory: %v", err)
		}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := limit
	if n <= 0 || n > len(s.inMemoryLog) {
		n = len(s.inMemoryLog)
	}
	out := make([]model.ScalingDecision, n)
	copy(out, s.inMemoryLog[len(s.inMemoryLog)-n:])
	return out
}

// EnforceRetention deletes scaling-log rows older than
// ScalingHistoryRetentionHours from the durable sink, mirroring
// gpu_usage_service.go's CleanupOldStatistics age-based deletion calls.
func (s *Store) EnforceRetention(ctx context.Context) {
	if s.sink == nil || s.cfg.ScalingHistoryRetentionHours <= 0 {
		return
	}
	cutoff := time.Now().Add(-time.Duration(s.cfg.ScalingHistoryRetentionHours * float64(time.Hour)))
	if _, err := s.sink.DeleteOlderThan(ctx, cutoff); err != nil {
		s.log.WarnCtx(ctx, "history: scaling log retention cleanup failed: %v", err)
	}
}

// Close releases the durable sink, if any.
func (s *Store) Close() error {
	if s.sink == nil {
		return nil
	}
	return s.sink.Close()
}
