// Package engine implements DecisionEngine (spec.md §4.7): the staged
// guard chain that blends a PID controller, a bounded Bayesian search,
// and per-thread-count performance tracking into one recommended
// concurrency limit. Grounded on pkg/autoscaler/decision_engine.go's
// staged MakeDecisions shape (ordered guard clauses returning as soon
// as one matches, small named helpers), generalized from Kubernetes
// replica scale-up/down to this spec's integer thread count. The
// Bayesian search step has no library precedent anywhere in the
// retrieval pack (confirmed: no optimization library is imported by
// any example), so it is implemented directly against stdlib math.
package engine

import (
	"context"
	"math"
	"sort"
	"strconv"
	"time"

	"llm-threaderd/internal/logging"
	"llm-threaderd/internal/model"
	"llm-threaderd/internal/perf"
	"llm-threaderd/internal/pid"
	"llm-threaderd/internal/reward"
	"llm-threaderd/internal/trend"
)

// QueueSnapshot is the admission-side view the engine consumes each
// tick, per spec.md §4.7's "Inputs".
type QueueSnapshot struct {
	QueuePressure int
	ActiveThreads int
	Backlog       int
	Throughput    *float64
	LatencyMs     *float64
	P95LatencyMs  *float64
}

// MixContext is the caller-reported operation-mix context for the tick.
type MixContext struct {
	CurrentIntensity float64
	TotalOperations  int
	Mix              model.OperationMix
}

// EmergencyFlags are computed by the caller from the tick's telemetry
// against config.Options' emergency/high thresholds.
type EmergencyFlags struct {
	IsEmergency     bool
	IsNearEmergency bool
}

// Config bundles every tunable the engine's formulas reference.
type Config struct {
	MaxThreads *int // nil = autotune

	EmergencyCPUTemp, EmergencyCPUUsage, EmergencyMemUsage float64
	EmergencyGPUTemp, EmergencyGPUUsage                    float64

	HighCPUUsage, HighCPUTemp, HighMemUsage float64
	HighGPUTemp, HighGPUUsage               float64

	PIDKp, PIDKi, PIDKd, PIDSetpoint float64

	ScaleCooldownMs int64
}

// Decision is one tick's recommendation. The three optional signals
// mirror the durable scaling_history relation of spec.md §6 and are
// nil whenever the guard stage that produced Threads never computed
// them (e.g. a hard emergency clamp never runs the model blend).
type Decision struct {
	Threads    int
	Reason     string
	Confidence float64

	PIDOutput         *float64
	BayesOptimization *float64
	DemandScore       *float64
}

// Engine owns the PID controller, the per-thread-count performance
// tracker, and the staged decision logic. A single Engine is meant to
// be driven exclusively by the Supervisor's single-flight tick; it is
// not safe for concurrent Decide calls.
type Engine struct {
	cfg Config
	log *logging.Logger

	pidController *pid.Controller
	perfTracker   *perf.Tracker

	lastRecommended      int
	lastScalingDecision  time.Time
	consecutiveEmergencies int
	stableSince          time.Time
	hasStableSince       bool

	pending *model.PendingValidation

	// tick-scoped signals, reset at the top of every Decide call and
	// populated by whichever stage actually computes them, so
	// recordAndReturn can carry them into the Decision it emits.
	tickPIDOutput         *float64
	tickBayesOptimization *float64
	tickDemandScore       *float64

	// history of observed thread counts / operation mixes / telemetry
	// samples / utilizations, kept small and local to the engine rather than re-deriving
	// from the HistoryStore on every call.
	observedThreadCounts []int
	recentOperationMixes []map[string]float64
	recentSamples        []sampleSnapshot
	recentUtilizations   []float64
}

type sampleSnapshot struct {
	ts            time.Time
	threadCount   int
	cpu           float64
	temp          float64
	mem           float64
	gpuUsage      float64
	gpuTemp       float64
	threadCountUp bool
	tempUp        bool
}

// New builds an Engine with a fresh PID controller and performance
// tracker.
func New(cfg Config, log *logging.Logger) *Engine {
	if log == nil {
		log = logging.Nop()
	}
	outputMax := 100.0
	if cfg.MaxThreads != nil {
		outputMax = float64(*cfg.MaxThreads)
	}
	return &Engine{
		cfg:           cfg,
		log:           log,
		pidController: pid.New(cfg.PIDKp, cfg.PIDKi, cfg.PIDKd, cfg.PIDSetpoint, 1, outputMax),
		perfTracker:   perf.New(),
		lastRecommended: 1,
	}
}

// PerfTracker exposes the tracker for introspection (usageStatistics).
func (e *Engine) PerfTracker() *perf.Tracker { return e.perfTracker }

// Record ingests one tick's PerfPoint into the per-thread-count
// tracker and the engine's small rolling context, ahead of Decide.
func (e *Engine) Record(p model.PerfPoint) {
	e.perfTracker.Record(p.ThreadCount, p.Throughput, p.AvgLatencyMs, floatPtr(float64(p.Backlog)))
	e.perfTracker.UpdateOptimal()

	e.observedThreadCounts = append(e.observedThreadCounts, p.ThreadCount)
	if over := len(e.observedThreadCounts) - 200; over > 0 {
		e.observedThreadCounts = e.observedThreadCounts[over:]
	}

	if p.OperationMix != nil {
		e.recentOperationMixes = append(e.recentOperationMixes, p.OperationMix)
		if over := len(e.recentOperationMixes) - 5; over > 0 {
			e.recentOperationMixes = e.recentOperationMixes[over:]
		}
	}

	if p.CPUTemp != nil {
		last := sampleSnapshot{ts: p.Ts, threadCount: p.ThreadCount, temp: *p.CPUTemp}
		if p.CPUUsage != nil {
			last.cpu = *p.CPUUsage
		}
		if p.MemUsage != nil {
			last.mem = *p.MemUsage
		}
		if p.GPUUsage != nil {
			last.gpuUsage = *p.GPUUsage
		}
		if p.GPUTemp != nil {
			last.gpuTemp = *p.GPUTemp
		}
		if n := len(e.recentSamples); n > 0 {
			prev := e.recentSamples[n-1]
			last.threadCountUp = p.ThreadCount > prev.threadCount
			last.tempUp = last.temp-prev.temp > 2
		}
		e.recentSamples = append(e.recentSamples, last)
		if over := len(e.recentSamples) - 200; over > 0 {
			e.recentSamples = e.recentSamples[over:]
		}
	}
}

func floatPtr(v float64) *float64 { return &v }

// Decide runs the full staged guard chain of spec.md §4.7 and returns
// the recommendation for this tick.
func (e *Engine) Decide(ctx context.Context, now time.Time, sample model.TelemetrySample, q QueueSnapshot, mix MixContext, flags EmergencyFlags, recentDemand []model.DemandPoint) Decision {
	e.tickPIDOutput = nil
	e.tickBayesOptimization = nil
	e.tickDemandScore = nil

	// 1. Hard emergency clamp.
	if e.hardEmergencyClamp(sample) {
		e.consecutiveEmergencies++
		e.hasStableSince = false
		return e.recordAndReturn(now, 1, "hard_emergency_clamp", 1.0)
	}

	// 2. Emergency adaptation.
	if flags.IsEmergency || flags.IsNearEmergency {
		e.consecutiveEmergencies++
		e.hasStableSince = false
	} else {
		if !e.hasStableSince {
			e.stableSince = now
			e.hasStableSince = true
		} else if now.Sub(e.stableSince) >= 30*time.Second {
			e.consecutiveEmergencies = 0
		}
	}
	if flags.IsEmergency && e.consecutiveEmergencies > 3 {
		return e.recordAndReturn(now, 1, "emergency_override", 0.95)
	}
	if flags.IsNearEmergency && e.consecutiveEmergencies > 10 {
		return e.recordAndReturn(now, 1, "emergency_override", 0.9)
	}

	adjustedMax := e.adjustedMax(mix.CurrentIntensity, recentDemand)

	// 3. Scale-up validation rollback.
	if d, rolled := e.scaleUpValidationRollback(now); rolled {
		return e.recordAndReturn(now, d.Threads, d.Reason, d.Confidence)
	}

	// 4. Demand-driven decision.
	if d, matched := e.demandDecision(now, q, mix, adjustedMax, recentDemand); matched {
		return e.recordAndReturn(now, d.Threads, d.Reason, d.Confidence)
	}

	// 5. Model blend.
	proposed := e.modelBlend(sample, q, mix, adjustedMax)

	// 6. Scale-up gating.
	if proposed > e.lastRecommended {
		if !e.canScaleUpGradually(e.lastRecommended, proposed, now) {
			reason := "awaiting_scale_up_validation_window"
			if e.perfTracker.SampleCount(proposed) > 0 {
				reason = "historical_block_scale_up"
			}
			return e.recordAndReturn(now, e.lastRecommended, reason, 0.6)
		}
	}

	// 7. Demand cap.
	cap := q.Backlog
	if cap < 1 {
		cap = 1
	}
	if proposed > cap {
		proposed = cap
	}

	return e.recordAndReturn(now, proposed, "model_blend", 0.65)
}

// hardEmergencyClamp implements spec.md §4.7 step 1.
func (e *Engine) hardEmergencyClamp(s model.TelemetrySample) bool {
	if s.CPUTemp != nil && *s.CPUTemp >= e.cfg.EmergencyCPUTemp {
		return true
	}
	if s.CPUUsage != nil && *s.CPUUsage >= e.cfg.EmergencyCPUUsage {
		return true
	}
	if s.MemUsage != nil && *s.MemUsage >= e.cfg.EmergencyMemUsage {
		return true
	}
	if s.GPUTemp != nil && *s.GPUTemp >= e.cfg.EmergencyGPUTemp {
		return true
	}
	if s.GPUUsage != nil && *s.GPUUsage >= e.cfg.EmergencyGPUUsage {
		return true
	}
	return false
}

// exploreCeiling implements spec.md §4.7's "Exploration ceiling".
func (e *Engine) exploreCeiling(recentDemand []model.DemandPoint) float64 {
	if e.cfg.MaxThreads != nil {
		return float64(*e.cfg.MaxThreads)
	}

	historyMax := float64(e.lastRecommended)
	for _, t := range e.observedThreadCounts {
		if float64(t) > historyMax {
			historyMax = float64(t)
		}
	}

	optimalBias := 0.0
	if cap, ok := e.perfTracker.OptimalCap(); ok {
		optimalBias = float64(cap)
	}

	demandPush := 0.0
	for _, d := range recentDemand {
		v := float64(d.QueuePressure + d.ActiveThreads)
		if v > demandPush {
			demandPush = v
		}
	}

	return math.Max(4, math.Ceil(math.Max(historyMax*2, math.Max(optimalBias, demandPush+historyMax+1))))
}

// adjustedMax implements spec.md §4.7's "Intensity-adjusted ceiling".
func (e *Engine) adjustedMax(intensity float64, recentDemand []model.DemandPoint) int {
	ceiling := e.exploreCeiling(recentDemand)
	factor := trend.Clamp(1-0.3*intensity, 0.5, 1.5)
	return int(math.Floor(ceiling * factor))
}

// scaleUpValidationRollback implements spec.md §4.7 step 3.
func (e *Engine) scaleUpValidationRollback(now time.Time) (Decision, bool) {
	if e.pending == nil {
		return Decision{}, false
	}
	samples := e.perfTracker.SampleCount(e.pending.TargetThreads)
	if samples < e.pending.Guardrails.SamplesRequired {
		return Decision{}, false
	}

	targetCum, ok := e.perfTracker.AvgCumulativeTime(e.pending.TargetThreads)
	if !ok {
		return Decision{}, false
	}
	baselineCum, ok := e.perfTracker.AvgCumulativeTime(e.pending.BaselineThreads)
	if !ok {
		e.pending = nil
		return Decision{}, false
	}

	tolerance := e.pending.Guardrails.DegradationTolerance
	if targetCum > baselineCum*(1+tolerance) {
		baseline := e.pending.BaselineThreads
		e.pending = nil
		return Decision{Threads: baseline, Reason: reasonFor(baseline), Confidence: 0.85}, true
	}

	e.pending = nil
	return Decision{}, false
}

func reasonFor(target int) string {
	return "validation_regression_target_" + strconv.Itoa(target)
}

// demandDecision implements spec.md §4.7 step 4.
func (e *Engine) demandDecision(now time.Time, q QueueSnapshot, mix MixContext, adjustedMax int, recentDemand []model.DemandPoint) (Decision, bool) {
	limit := e.lastRecommended
	if limit < 1 {
		limit = 1
	}
	utilization := float64(q.ActiveThreads) / math.Max(float64(limit), 1)
	e.recordUtilization(utilization)
	e.tickDemandScore = floatPtr(utilization)
	hasUnmetDemand := q.Backlog >= limit || (q.QueuePressure > 0 && q.ActiveThreads >= limit)

	if hasUnmetDemand || utilization > 0.8 {
		if limit < adjustedMax {
			proposed := limit + 1
			if e.canScaleUpGradually(limit, proposed, now) {
				return Decision{Threads: proposed, Reason: "unmet_demand_scale_up", Confidence: 0.75}, true
			}
			reason := "awaiting_scale_up_validation_window"
			if e.perfTracker.SampleCount(proposed) > 0 {
				reason = "historical_block_scale_up"
			}
			return Decision{Threads: limit, Reason: reason, Confidence: 0.6}, true
		}
		return Decision{}, false
	}

	utilLowThreshold := 0.3
	if mix.CurrentIntensity > 0.7 {
		utilLowThreshold = 0.4
	}
	if utilization < utilLowThreshold && q.QueuePressure == 0 && !recentHighDemand(recentDemand) && limit > 1 {
		return Decision{Threads: limit - 1, Reason: "low_utilization_scale_down", Confidence: 0.7}, true
	}

	return Decision{}, false
}

// recentHighDemand reports whether any of the last 5 demand points
// show unmet demand or high utilization, guarding the low-utilization
// scale-down branch against a brief dip right after a demand spike.
func recentHighDemand(points []model.DemandPoint) bool {
	n := len(points)
	if n > 5 {
		points = points[n-5:]
	}
	for _, d := range points {
		if d.HasUnmetDemand || d.Utilization > 0.8 {
			return true
		}
	}
	return false
}

// modelBlend implements spec.md §4.7 step 5: PID + Bayesian + trend.
func (e *Engine) modelBlend(sample model.TelemetrySample, q QueueSnapshot, mix MixContext, adjustedMax int) int {
	e.pidController.SetOutputMax(float64(adjustedMax))
	cpu := 0.0
	if sample.CPUUsage != nil {
		cpu = *sample.CPUUsage
	}
	pidTarget := e.pidController.Update(cpu, sample.Ts)
	e.tickPIDOutput = floatPtr(float64(pidTarget))

	searchMin := int(math.Max(1, float64(pidTarget-1)))
	searchMax := int(math.Max(float64(pidTarget), float64(adjustedMax)))
	bayesThreads := e.bayesianSearch(searchMin, searchMax, sample, q)
	e.tickBayesOptimization = floatPtr(float64(bayesThreads))

	trendThreads := e.trendThreads(sample, adjustedMax, mix)

	proposed := math.Round(0.2*float64(trendThreads) + 0.5*float64(bayesThreads) + 0.3*float64(pidTarget))
	if proposed > float64(e.lastRecommended+1) {
		proposed = float64(e.lastRecommended + 1)
	}
	return int(proposed)
}

// bayesianSearch implements spec.md §4.7's 5-iteration bounded search
// over [searchMin, searchMax] maximizing RewardCalculator fed by
// predictLoadWithThreads. No library in the pack offers Bayesian
// optimization; this is a plain evaluate-and-keep-best loop over
// integer candidates spaced across the range, which is what a 5-shot
// budget can afford without a real surrogate model.
func (e *Engine) bayesianSearch(searchMin, searchMax int, sample model.TelemetrySample, q QueueSnapshot) int {
	if searchMax < searchMin {
		searchMax = searchMin
	}
	candidates := candidatePoints(searchMin, searchMax, 5)

	thresholds := reward.DefaultThresholds(
		e.cfg.HighCPUUsage, e.cfg.EmergencyCPUUsage,
		e.cfg.HighCPUTemp, e.cfg.EmergencyCPUTemp,
		e.cfg.HighGPUUsage, e.cfg.EmergencyGPUUsage,
		e.cfg.HighGPUTemp, e.cfg.EmergencyGPUTemp,
	)

	best := searchMin
	bestScore := math.Inf(-1)
	for _, t := range candidates {
		pred := e.predictLoadWithThreads(t)
		throughput := effectiveThroughputProjection(q, t, e.lastRecommended)
		r := reward.Calculate(reward.Inputs{
			Throughput:        throughput,
			LatencyMs:         derefOr(q.LatencyMs, 0),
			Backlog:           float64(q.Backlog),
			PredictedCPU:      pred.cpu,
			PredictedTemp:     pred.temp,
			PredictedGPUUsage: pred.gpuUsage,
			PredictedGPUTemp:  pred.gpuTemp,
		}, thresholds)
		if r > bestScore {
			bestScore, best = r, t
		}
	}
	return trend.ClampInt(int(math.Round(float64(best))), searchMin, searchMax)
}

// candidatePoints spaces n integer candidates across [lo, hi]
// inclusive, always including the endpoints.
func candidatePoints(lo, hi, n int) []int {
	if lo >= hi {
		return []int{lo}
	}
	span := hi - lo
	seen := make(map[int]bool)
	var out []int
	for i := 0; i < n; i++ {
		v := lo + (span*i)/(n-1)
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	sort.Ints(out)
	return out
}

func effectiveThroughputProjection(q QueueSnapshot, t, lastRecommended int) float64 {
	if q.Throughput != nil && lastRecommended > 0 {
		return *q.Throughput * (float64(t) / float64(lastRecommended))
	}
	latencySec := 1.0
	if q.LatencyMs != nil && *q.LatencyMs > 0 {
		latencySec = *q.LatencyMs / 1000
	}
	return float64(t) / latencySec
}

func derefOr(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

// trendThreads maps TrendAnalyzer.Recommend to a +-1 step around
// lastRecommended, further adjusted by the latest operation-mix
// intensity change, per spec.md §4.7 step 5.
func (e *Engine) trendThreads(sample model.TelemetrySample, adjustedMax int, mix MixContext) int {
	var cpuSeries []float64
	for _, t := range e.recentSamples {
		cpuSeries = append(cpuSeries, t.cpu)
	}
	slope := trend.Slope(cpuSeries)

	cpu, temp := 0.0, 0.0
	if sample.CPUUsage != nil {
		cpu = *sample.CPUUsage
	}
	if sample.CPUTemp != nil {
		temp = *sample.CPUTemp
	}

	secs, ok := trend.PredictTimeToThreshold(cpu, trend.RateOfChange(cpuSeries), e.cfg.HighCPUUsage)

	rec := trend.Recommend(len(cpuSeries), cpu, temp, slope, secs, ok, trend.Thresholds{
		HighCPUUsage: e.cfg.HighCPUUsage,
		HighTemp:     e.cfg.HighCPUTemp,
	})

	threads := e.lastRecommended
	switch rec.Action {
	case trend.ScaleUp:
		threads++
	case trend.ScaleDown:
		threads--
	}
	threads = trend.ClampInt(threads, 1, adjustedMax)

	if len(e.recentOperationMixes) >= 2 {
		diffs := trend.OperationMixDiff(e.recentOperationMixes)
		if len(diffs) > 0 {
			change := diffs[len(diffs)-1].IntensityChange
			if change > 0 {
				threads--
			} else if change < 0 {
				threads++
			}
		}
	}
	_ = mix
	return trend.ClampInt(threads, 1, adjustedMax)
}

type predictedLoad struct {
	cpu, temp, mem, gpuUsage, gpuTemp float64
	confidence                        float64
}

// predictLoadWithThreads implements spec.md §4.7's
// predictLoadWithThreads naive/similar-period/power-law cascade.
func (e *Engine) predictLoadWithThreads(t int) predictedLoad {
	points := e.recentPerfForPrediction()
	last := e.lastObservedSample()

	if len(points) < 10 {
		return e.naivePrediction(last, t)
	}

	similar := filterSimilarPeriods(points, last)
	if len(similar) >= 3 {
		return medianImpactPrediction(similar, last, t)
	}

	return powerLawPrediction(last, t)
}

type observedSample struct {
	cpu, temp, mem, gpuUsage, gpuTemp float64
	threadCount                       int
}

func (e *Engine) lastObservedSample() observedSample {
	n := len(e.recentSamples)
	if n == 0 {
		return observedSample{threadCount: max(e.lastRecommended, 1)}
	}
	last := e.recentSamples[n-1]
	return observedSample{
		cpu: last.cpu, temp: last.temp, mem: last.mem,
		gpuUsage: last.gpuUsage, gpuTemp: last.gpuTemp,
		threadCount: max(last.threadCount, 1),
	}
}

func (e *Engine) recentPerfForPrediction() []observedSample {
	// The engine keeps only a thin rolling window locally; this returns
	// that locally tracked window, not the HistoryStore's full perf ring.
	out := make([]observedSample, 0, len(e.recentSamples))
	for _, t := range e.recentSamples {
		out = append(out, observedSample{
			cpu: t.cpu, temp: t.temp, mem: t.mem,
			gpuUsage: t.gpuUsage, gpuTemp: t.gpuTemp,
			threadCount: max(t.threadCount, 1),
		})
	}
	return out
}

func (e *Engine) naivePrediction(last observedSample, t int) predictedLoad {
	ratio := float64(t) / float64(max(last.threadCount, 1))
	return predictedLoad{
		cpu:        last.cpu * ratio,
		temp:       last.temp + (ratio-1)*5,
		mem:        last.mem * math.Sqrt(ratio),
		gpuUsage:   last.gpuUsage * ratio,
		gpuTemp:    last.gpuTemp + (ratio-1)*5,
		confidence: 0.3,
	}
}

func filterSimilarPeriods(points []observedSample, last observedSample) []observedSample {
	var out []observedSample
	for _, p := range points {
		if math.Abs(p.cpu-last.cpu) < 20 && math.Abs(p.temp-last.temp) < 10 {
			out = append(out, p)
		}
	}
	return out
}

func medianImpactPrediction(similar []observedSample, last observedSample, t int) predictedLoad {
	deltaCPU := perThreadImpact(similar, func(s observedSample) float64 { return s.cpu }, 3)
	deltaTemp := perThreadImpact(similar, func(s observedSample) float64 { return s.temp }, 1)
	deltaMem := perThreadImpact(similar, func(s observedSample) float64 { return s.mem }, 2)
	deltaGPUUsage := perThreadImpact(similar, func(s observedSample) float64 { return s.gpuUsage }, 3)
	deltaGPUTemp := perThreadImpact(similar, func(s observedSample) float64 { return s.gpuTemp }, 1)

	diff := float64(t - last.threadCount)
	confidence := math.Min(float64(len(similar))/10, 0.9)
	return predictedLoad{
		cpu:        last.cpu + deltaCPU*diff,
		temp:       last.temp + deltaTemp*diff,
		mem:        last.mem + deltaMem*diff,
		gpuUsage:   last.gpuUsage + deltaGPUUsage*diff,
		gpuTemp:    last.gpuTemp + deltaGPUTemp*diff,
		confidence: confidence,
	}
}

// perThreadImpact fits a least-squares line of metric against
// threadCount across similar and returns its slope: the observed
// marginal change in metric per additional thread. Falls back to a
// fixed per-thread estimate when the sample's thread counts are too
// uniform to fit a meaningful slope.
func perThreadImpact(similar []observedSample, metric func(observedSample) float64, fallback float64) float64 {
	n := len(similar)
	if n < 2 {
		return fallback
	}
	var sumX, sumY, sumXY, sumXX float64
	for _, s := range similar {
		x := float64(s.threadCount)
		y := metric(s)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	fn := float64(n)
	denom := fn*sumXX - sumX*sumX
	if denom == 0 {
		return fallback
	}
	return (fn*sumXY - sumX*sumY) / denom
}

func powerLawPrediction(last observedSample, t int) predictedLoad {
	ratio := float64(t) / float64(max(last.threadCount, 1))
	return predictedLoad{
		cpu:        last.cpu * math.Pow(ratio, 0.8),
		temp:       last.temp * math.Pow(ratio, 0.6),
		mem:        last.mem * math.Pow(ratio, 0.7),
		gpuUsage:   last.gpuUsage * math.Pow(ratio, 0.8),
		gpuTemp:    last.gpuTemp * math.Pow(ratio, 0.6),
		confidence: 0.5,
	}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// canScaleUpGradually implements spec.md §4.7's scale-up gating.
func (e *Engine) canScaleUpGradually(prev, proposed int, now time.Time) bool {
	if e.pending != nil {
		return false
	}

	if avgCum, ok := e.perfTracker.AvgCumulativeTime(proposed); ok {
		if prevCum, ok2 := e.perfTracker.AvgCumulativeTime(prev); ok2 {
			g := e.deriveGuardrails(prev, proposed)
			if avgCum > prevCum*(1+g.DegradationTolerance) {
				return false
			}
		}
	}

	g := e.deriveGuardrails(prev, proposed)
	minWait := g.ValidationWindowMs
	if e.cfg.ScaleCooldownMs > minWait {
		minWait = e.cfg.ScaleCooldownMs
	}
	if !e.lastScalingDecision.IsZero() && now.Sub(e.lastScalingDecision) < time.Duration(minWait)*time.Millisecond {
		return false
	}
	return true
}

// deriveGuardrails implements spec.md §4.7's getScaleUpGuardrails.
func (e *Engine) deriveGuardrails(prev, next int) model.Guardrails {
	thermalConstant := e.estimateThermalConstant()

	sampleDensity := float64(e.perfTracker.SampleCount(prev))
	if s := float64(e.perfTracker.SampleCount(next)); s > sampleDensity {
		sampleDensity = s
	}
	totalTicks := e.perfTracker.TotalTicks()
	if hd := math.Ceil(float64(totalTicks) * 0.1); hd > sampleDensity {
		sampleDensity = hd
	}
	samplesRequired := trend.ClampInt(int(math.Ceil(math.Sqrt(sampleDensity+float64(next)))), 2, 25)

	degradationTolerance := 1 / math.Max(float64(prev+next), 1e-6)
	if cov, ok := e.perfTracker.CumulativeTimeCoV(prev); ok {
		if alt := cov + e.avgUtilization()/math.Max(float64(next), 1); alt > degradationTolerance {
			degradationTolerance = alt
		}
	} else if cov, ok := e.perfTracker.CumulativeTimeCoV(next); ok {
		if alt := cov + e.avgUtilization()/math.Max(float64(next), 1); alt > degradationTolerance {
			degradationTolerance = alt
		}
	}

	avgLatencyMs := 0.0
	if avgCum, ok := e.perfTracker.AvgCumulativeTime(prev); ok {
		avgLatencyMs = avgCum * 1000
	}
	minDataWindow := 10000.0
	validationWindowMs := math.Max(
		math.Max(avgLatencyMs*float64(samplesRequired), float64(e.cfg.ScaleCooldownMs)*0.5),
		math.Max(thermalConstant*0.75*1000, 1000),
	)
	if validationWindowMs > math.Max(minDataWindow*0.5, 5000) {
		validationWindowMs = math.Max(minDataWindow*0.5, 5000)
	}
	if int64(validationWindowMs) < e.cfg.ScaleCooldownMs {
		validationWindowMs = float64(e.cfg.ScaleCooldownMs)
	}

	return model.Guardrails{
		ThermalConstantSec:   thermalConstant,
		SamplesRequired:      samplesRequired,
		DegradationTolerance: degradationTolerance,
		ValidationWindowMs:   int64(validationWindowMs),
	}
}

func (e *Engine) estimateThermalConstant() float64 {
	var deltas []float64
	for i := 1; i < len(e.recentSamples); i++ {
		if e.recentSamples[i].threadCountUp && e.recentSamples[i].tempUp {
			deltas = append(deltas, e.recentSamples[i].ts.Sub(e.recentSamples[i-1].ts).Seconds())
		}
	}
	if len(deltas) == 0 {
		return 5
	}
	var sum float64
	for _, d := range deltas {
		sum += d
	}
	mean := sum / float64(len(deltas))
	return trend.Clamp(mean, 2, 20)
}

// recordUtilization keeps a bounded rolling window of recent
// ActiveThreads/limit ratios, sampled once per demandDecision call.
func (e *Engine) recordUtilization(u float64) {
	e.recentUtilizations = append(e.recentUtilizations, u)
	if over := len(e.recentUtilizations) - 50; over > 0 {
		e.recentUtilizations = e.recentUtilizations[over:]
	}
}

func (e *Engine) avgUtilization() float64 {
	if len(e.recentUtilizations) == 0 {
		return 0.5
	}
	var sum float64
	for _, u := range e.recentUtilizations {
		sum += u
	}
	return sum / float64(len(e.recentUtilizations))
}

// recordAndReturn implements spec.md §4.7 step 8.
func (e *Engine) recordAndReturn(now time.Time, threads int, reason string, confidence float64) Decision {
	if threads != e.lastRecommended {
		e.lastScalingDecision = now
		if threads > e.lastRecommended {
			e.pending = &model.PendingValidation{
				TargetThreads:   threads,
				BaselineThreads: e.lastRecommended,
				StartedAt:       now,
				Guardrails:      e.deriveGuardrails(e.lastRecommended, threads),
			}
		}
	}
	e.lastRecommended = threads
	return Decision{
		Threads: threads, Reason: reason, Confidence: confidence,
		PIDOutput: e.tickPIDOutput, BayesOptimization: e.tickBayesOptimization, DemandScore: e.tickDemandScore,
	}
}

// LastRecommended exposes the last recommendation for introspection.
func (e *Engine) LastRecommended() int { return e.lastRecommended }

// Pending exposes the live PendingValidation, if any.
func (e *Engine) Pending() *model.PendingValidation { return e.pending }
