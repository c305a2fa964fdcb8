// Package perf implements PerformanceByThreadCount (spec.md §4.6):
// per-concurrency-level sample windows and the efficiency comparison
// used to lock in an "optimal" ceiling. Structurally grounded on
// pkg/autoscaler/metrics_collector.go's per-key sliding state guarded
// by sync.RWMutex (there, map[string]replicaSnapshot; here,
// map[int]*threadWindow).
package perf

import (
	"math"
	"sync"
)

const windowSize = 20

type samplePoint struct {
	throughput     float64
	latencySec     float64
	cumulativeTime float64
}

type threadWindow struct {
	samples []samplePoint
}

func (w *threadWindow) push(s samplePoint) {
	w.samples = append(w.samples, s)
	if over := len(w.samples) - windowSize; over > 0 {
		w.samples = w.samples[over:]
	}
}

func (w *threadWindow) avgCumulativeTime() float64 { return avg(w.samples, func(s samplePoint) float64 { return s.cumulativeTime }) }
func (w *threadWindow) avgThroughput() float64     { return avg(w.samples, func(s samplePoint) float64 { return s.throughput }) }
func (w *threadWindow) avgLatencySec() float64     { return avg(w.samples, func(s samplePoint) float64 { return s.latencySec }) }

func avg(samples []samplePoint, field func(samplePoint) float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += field(s)
	}
	return sum / float64(len(samples))
}

// Tracker records per-threadCount performance windows and locks in the
// "optimal" concurrency level once enough evidence has accumulated.
type Tracker struct {
	mu         sync.RWMutex
	windows    map[int]*threadWindow
	totalTicks int

	optimal    *int
	optimalEff float64
}

// New constructs an empty Tracker.
func New() *Tracker {
	return &Tracker{windows: make(map[int]*threadWindow)}
}

// Record ingests one tick's measurement for threadCount, per spec.md
// §4.6's normalization: only ticks reporting a defined throughput and
// latency are recorded.
func (t *Tracker) Record(threadCount int, measuredThroughput *float64, latencyMs *float64, backlog *float64) {
	if measuredThroughput == nil || latencyMs == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	latencySec := *latencyMs
	if latencySec < 1 {
		latencySec = 1
	}
	latencySec /= 1000

	effectiveThroughput := *measuredThroughput
	if effectiveThroughput <= 0 {
		effectiveThroughput = float64(threadCount) / latencySec
	}

	b := float64(threadCount)
	if backlog != nil && *backlog > 1 {
		b = *backlog
	} else if backlog != nil && *backlog >= 0 {
		b = math.Max(*backlog, 1)
	}

	cumulativeTime := b / math.Max(effectiveThroughput, 1e-6)

	w, ok := t.windows[threadCount]
	if !ok {
		w = &threadWindow{}
		t.windows[threadCount] = w
	}
	w.push(samplePoint{throughput: effectiveThroughput, latencySec: latencySec, cumulativeTime: cumulativeTime})
	t.totalTicks++
}

// sampleCount returns how many recorded points exist at level t.
func (t *Tracker) sampleCount(level int) int {
	if w, ok := t.windows[level]; ok {
		return len(w.samples)
	}
	return 0
}

// prevLevelWithData returns the largest recorded level strictly below
// t that has at least one sample, or 0, false if none exists.
func (t *Tracker) prevLevelWithData(level int) (int, bool) {
	best := -1
	for l, w := range t.windows {
		if l < level && len(w.samples) > 0 && l > best {
			best = l
		}
	}
	if best < 0 {
		return 0, false
	}
	return best, true
}

// Efficiency computes eff(t) per spec.md §4.6, including the
// regression penalty against the next-lower level with data. Returns
// ok=false if level has no recorded samples.
func (t *Tracker) Efficiency(level int) (float64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.efficiencyLocked(level)
}

func (t *Tracker) efficiencyLocked(level int) (float64, bool) {
	w, ok := t.windows[level]
	if !ok || len(w.samples) == 0 {
		return 0, false
	}

	avgCumTime := w.avgCumulativeTime()
	avgThroughput := w.avgThroughput()
	avgLatencySec := w.avgLatencySec()

	eff := -avgCumTime + math.Log(avgThroughput+1) - 0.1*math.Log(avgLatencySec+1) - 0.02*math.Log(float64(level)+1)

	if prevLevel, ok := t.prevLevelWithData(level); ok {
		pw := t.windows[prevLevel]
		prevCumTime := pw.avgCumulativeTime()
		prevThroughput := pw.avgThroughput()
		prevLatencyMs := pw.avgLatencySec() * 1000
		avgLatencyMs := avgLatencySec * 1000

		if avgCumTime > prevCumTime*1.03 {
			eff -= 5 * (avgCumTime - prevCumTime)
		}
		if avgThroughput < prevThroughput*0.97 {
			eff -= 10 * (prevThroughput - avgThroughput)
		}
		if avgLatencyMs > prevLatencyMs*1.05 {
			eff -= 5 * ((avgLatencyMs - prevLatencyMs) / 1000)
		}
	}

	return eff, true
}

// UpdateOptimal re-evaluates whether a new level should replace the
// current optimum, per spec.md §4.6's margin rule. totalTicks is the
// total tick count across the whole controller (used for the
// ceil(history*0.05) floor on required per-level samples).
func (t *Tracker) UpdateOptimal() {
	t.mu.Lock()
	defer t.mu.Unlock()

	minSamples := int(math.Ceil(float64(t.totalTicks) * 0.05))
	if minSamples < 5 {
		minSamples = 5
	}

	var bestLevel int
	var bestEff float64
	found := false
	for level, w := range t.windows {
		if len(w.samples) < minSamples {
			continue
		}
		eff, ok := t.efficiencyLocked(level)
		if !ok {
			continue
		}
		if !found || eff > bestEff {
			bestLevel, bestEff, found = level, eff, true
		}
	}
	if !found {
		return
	}

	if t.optimal == nil {
		lvl := bestLevel
		t.optimal = &lvl
		t.optimalEff = bestEff
		return
	}

	margin := math.Max(5, 0.02*math.Max(math.Max(math.Abs(t.optimalEff), math.Abs(bestEff)), 1))
	if bestEff > t.optimalEff+margin {
		lvl := bestLevel
		t.optimal = &lvl
		t.optimalEff = bestEff
	}
}

// Optimal returns the locked-in optimum level, or nil if none has been
// established yet.
func (t *Tracker) Optimal() *int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.optimal == nil {
		return nil
	}
	v := *t.optimal
	return &v
}

// OptimalCap returns the upper bound derived from the optimum (optimal
// + 4, per spec.md §4.7's optimalBias), or ok=false when no optimum is
// known yet, in which case the caller treats the search as unbounded.
func (t *Tracker) OptimalCap() (cap int, ok bool) {
	o := t.Optimal()
	if o == nil {
		return 0, false
	}
	return *o + 4, true
}

// AvgCumulativeTime exposes the raw per-level average for guardrail
// derivation (DecisionEngine's getScaleUpGuardrails).
func (t *Tracker) AvgCumulativeTime(level int) (float64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	w, ok := t.windows[level]
	if !ok || len(w.samples) == 0 {
		return 0, false
	}
	return w.avgCumulativeTime(), true
}

// SampleCount exposes the per-level sample count for guardrail
// derivation.
func (t *Tracker) SampleCount(level int) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sampleCount(level)
}

// TotalTicks returns the total number of recorded ticks across all
// levels.
func (t *Tracker) TotalTicks() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.totalTicks
}

// CumulativeTimeCoV returns the coefficient of variation of cumulativeTime at
// level, used by getScaleUpGuardrails' degradationTolerance term.
func (t *Tracker) CumulativeTimeCoV(level int) (float64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	w, ok := t.windows[level]
	if !ok || len(w.samples) < 2 {
		return 0, false
	}
	mean := w.avgCumulativeTime()
	if mean == 0 {
		return 0, false
	}
	var sumSq float64
	for _, s := range w.samples {
		d := s.cumulativeTime - mean
		sumSq += d * d
	}
	variance := sumSq / float64(len(w.samples))
	return math.Sqrt(variance) / mean, true
}
