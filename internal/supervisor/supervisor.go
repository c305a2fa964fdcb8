// Package supervisor implements Supervisor (spec.md §4.9): the
// single-flight fixed-interval tick that samples telemetry, feeds the
// DecisionEngine, and applies its recommendation to the admission
// limit. Grounded on cmd/main.go's top-level signal-aware run loop
// shape and pkg/autoscaler's periodic-reconcile ticker, generalized
// from a Kubernetes reconcile loop to this spec's tick body. The
// control loop must never die: any panic inside a tick is caught,
// logged, and the ticker continues on schedule, per spec.md §7.
package supervisor

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"llm-threaderd/internal/admission"
	"llm-threaderd/internal/engine"
	"llm-threaderd/internal/history"
	"llm-threaderd/internal/logging"
	"llm-threaderd/internal/model"
	"llm-threaderd/internal/telemetry"
)

// Mirror is the optional, best-effort introspection sink. A nil Mirror
// disables publishing entirely.
type Mirror interface {
	Publish(ctx context.Context, snapshot any)
}

// Config bundles the Supervisor's collaborators and tunables.
type Config struct {
	IntervalMs int

	EmergencyCPUTemp, EmergencyCPUUsage, EmergencyMemUsage float64
	EmergencyGPUTemp, EmergencyGPUUsage                    float64
	HighCPUUsage, HighCPUTemp, HighMemUsage                float64
	HighGPUTemp, HighGPUUsage                              float64
}

// Supervisor owns the ticker that drives one tick of telemetry
// sampling, decision-making, and admission-limit application.
type Supervisor struct {
	cfg Config
	log *logging.Logger

	telemetrySource telemetry.Source
	admissionMgr    *admission.Manager
	decisionEngine  *engine.Engine
	historyStore    *history.Store
	mirror          Mirror

	mu      sync.Mutex
	running bool
	ticker  *time.Ticker
	stopCh  chan struct{}
	wg      sync.WaitGroup

	inFlight atomic.Bool
}

// New constructs a Supervisor. mirror may be nil.
func New(cfg Config, source telemetry.Source, adm *admission.Manager, eng *engine.Engine, store *history.Store, mirror Mirror, log *logging.Logger) *Supervisor {
	if log == nil {
		log = logging.Nop()
	}
	if cfg.IntervalMs <= 0 {
		cfg.IntervalMs = 1000
	}
	return &Supervisor{
		cfg: cfg, log: log,
		telemetrySource: source, admissionMgr: adm, decisionEngine: eng,
		historyStore: store, mirror: mirror,
	}
}

// Start begins ticking. Idempotent: a second call while already
// running is a no-op, per spec.md §8's initialize-twice invariant.
func (s *Supervisor) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.ticker = time.NewTicker(time.Duration(s.cfg.IntervalMs) * time.Millisecond)
	s.stopCh = make(chan struct{})

	ticker, stop := s.ticker, s.stopCh
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-ticker.C:
				s.tick(context.Background())
			case <-stop:
				return
			}
		}
	}()
}

// Stop cancels the ticker and waits for the in-flight loop goroutine
// to exit. Idempotent.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.ticker.Stop()
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
}

// tick implements spec.md §4.9's five-step body, guarded by a
// single-flight CAS and a recover() so a panic anywhere inside never
// kills the ticker.
func (s *Supervisor) tick(ctx context.Context) {
	if !s.inFlight.CompareAndSwap(false, true) {
		return
	}
	defer s.inFlight.Store(false)
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorf("supervisor: tick panic recovered: %v", r)
		}
	}()

	sample := s.telemetrySource.Sample(ctx)
	qstats := s.admissionMgr.QueueStats()

	intervalSec := float64(s.cfg.IntervalMs) / 1000
	throughput, avgLatency := s.admissionMgr.SampleThroughput(intervalSec)
	opMix, intensity, totalOps := s.admissionMgr.MixSnapshot()

	backlog := qstats.Queued + qstats.Active
	utilization := float64(qstats.Active) / math.Max(float64(qstats.Limit), 1)

	perfPoint := model.PerfPoint{
		TelemetrySample: sample,
		ThreadCount:     qstats.Limit,
		ActiveThreads:   qstats.Active,
		QueuePressure:   qstats.Queued,
		Backlog:         backlog,
		Utilization:     utilization,
		Throughput:      throughput,
		AvgLatencyMs:    avgLatency,
		OperationMix:    opMix,
		Intensity:       intensity,
	}
	s.historyStore.AppendSample(sample)
	s.historyStore.AppendPerfPoint(ctx, perfPoint)

	hasUnmetDemand := qstats.Queued > 0 && qstats.Active >= qstats.Limit
	s.historyStore.AppendDemandPoint(model.DemandPoint{
		Ts: sample.Ts, QueuePressure: qstats.Queued, ActiveThreads: qstats.Active,
		Utilization: utilization, HasUnmetDemand: hasUnmetDemand, Backlog: backlog,
	})

	flags := s.emergencyFlags(sample)

	s.decisionEngine.Record(perfPoint)
	recentDemand := s.historyStore.RecentDemand(20)
	decision := s.decisionEngine.Decide(ctx, sample.Ts, sample, engine.QueueSnapshot{
		QueuePressure: qstats.Queued, ActiveThreads: qstats.Active, Backlog: backlog,
		Throughput: throughput, LatencyMs: avgLatency,
	}, engine.MixContext{CurrentIntensity: intensity, TotalOperations: totalOps, Mix: opMix}, flags, recentDemand)

	threads, reason, confidence := decision.Threads, decision.Reason, decision.Confidence
	if !isValidRecommendation(threads) {
		threads, reason, confidence = 1, "fallback_safety", 0.5
	}

	old := qstats.Limit
	if threads != old {
		// AdmissionManager owns the authoritative limit and is the sole
		// caller of onScalingUpdate: an immediate change fires it once,
		// from here; a deferred scale-down (active work hasn't drained)
		// fires it later, from terminal(), when the limit actually
		// changes — never both, and never ahead of the real change.
		s.admissionMgr.UpdateLimit(threads)
	}

	s.historyStore.PersistScaling(ctx, model.ScalingDecision{
		Ts: sample.Ts, RecommendedThreads: threads, PreviousThreads: old,
		Reason: reason, Confidence: confidence,
		CPUUsage: sample.CPUUsage, GPUUsage: sample.GPUUsage, MemUsage: sample.MemUsage, Temperature: sample.CPUTemp,
		ActiveOperations: qstats.Active, QueueLength: qstats.Queued,
		PIDOutput: decision.PIDOutput, BayesOptimization: decision.BayesOptimization, DemandScore: decision.DemandScore,
	})
	s.historyStore.EnforceRetention(ctx)

	if s.mirror != nil {
		s.mirror.Publish(ctx, map[string]any{
			"ts": sample.Ts, "recommended": threads, "previous": old,
			"reason": reason, "confidence": confidence, "queue": qstats,
		})
	}
}

func isValidRecommendation(v int) bool {
	return v >= 1
}

// emergencyFlags derives isEmergency/isNearEmergency from the tick's
// telemetry against the configured absolute and high thresholds.
func (s *Supervisor) emergencyFlags(sample model.TelemetrySample) engine.EmergencyFlags {
	isEmergency := exceeds(sample.CPUTemp, s.cfg.EmergencyCPUTemp) ||
		exceeds(sample.CPUUsage, s.cfg.EmergencyCPUUsage) ||
		exceeds(sample.MemUsage, s.cfg.EmergencyMemUsage) ||
		exceeds(sample.GPUTemp, s.cfg.EmergencyGPUTemp) ||
		exceeds(sample.GPUUsage, s.cfg.EmergencyGPUUsage)

	isNearEmergency := exceeds(sample.CPUTemp, s.cfg.HighCPUTemp) ||
		exceeds(sample.CPUUsage, s.cfg.HighCPUUsage) ||
		exceeds(sample.MemUsage, s.cfg.HighMemUsage) ||
		exceeds(sample.GPUTemp, s.cfg.HighGPUTemp) ||
		exceeds(sample.GPUUsage, s.cfg.HighGPUUsage)

	return engine.EmergencyFlags{IsEmergency: isEmergency, IsNearEmergency: isNearEmergency}
}

func exceeds(v *float64, threshold float64) bool {
	return v != nil && *v >= threshold
}
