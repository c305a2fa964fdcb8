// Package reward implements the closed-form scoring function spec.md
// §4.5 describes. No reward/scoring library exists anywhere in the
// retrieval pack; the same justification as internal/pid applies.
package reward

import "math"

// Inputs bundles the measured and predicted metrics one reward
// evaluation needs.
type Inputs struct {
	Throughput float64
	LatencyMs  float64
	Backlog    float64

	PredictedCPU     float64
	PredictedTemp    float64
	PredictedGPUUsage float64
	PredictedGPUTemp  float64
}

// Thresholds carries the high/emergency ceilings and penalty weights
// for each predicted metric.
type Thresholds struct {
	CPUHigh, CPUEmergency, CPUWeight float64
	TempHigh, TempEmergency, TempWeight float64
	GPUUsageHigh, GPUUsageEmergency, GPUUsageWeight float64
	GPUTempHigh, GPUTempEmergency, GPUTempWeight float64
}

// DefaultThresholds returns the weights spec.md §4.5 names: CPU 0.5,
// temp 0.7, GPU% 0.3, GPU°C 0.5. High/emergency values are supplied by
// the caller from config.Options.
func DefaultThresholds(highCPU, emCPU, highTemp, emTemp, highGPUUsage, emGPUUsage, highGPUTemp, emGPUTemp float64) Thresholds {
	return Thresholds{
		CPUHigh: highCPU, CPUEmergency: emCPU, CPUWeight: 0.5,
		TempHigh: highTemp, TempEmergency: emTemp, TempWeight: 0.7,
		GPUUsageHigh: highGPUUsage, GPUUsageEmergency: emGPUUsage, GPUUsageWeight: 0.3,
		GPUTempHigh: highGPUTemp, GPUTempEmergency: emGPUTemp, GPUTempWeight: 0.5,
	}
}

// Calculate implements spec.md §4.5's formula exactly.
func Calculate(in Inputs, t Thresholds) float64 {
	latencySec := in.LatencyMs
	if latencySec < 1 {
		latencySec = 1
	}
	latencySec /= 1000

	backlog := in.Backlog
	if backlog < 0 {
		backlog = 0
	}

	r := 1.0*in.Throughput - 0.2*latencySec - 0.1*backlog

	r += penalty(in.PredictedCPU, t.CPUHigh, t.CPUEmergency, t.CPUWeight)
	r += penalty(in.PredictedTemp, t.TempHigh, t.TempEmergency, t.TempWeight)
	r += penalty(in.PredictedGPUUsage, t.GPUUsageHigh, t.GPUUsageEmergency, t.GPUUsageWeight)
	r += penalty(in.PredictedGPUTemp, t.GPUTempHigh, t.GPUTempEmergency, t.GPUTempWeight)

	return r
}

// penalty implements spec.md §4.5's penal(v, hi, em, w): 0 if v<=hi or
// v is non-finite; -1e6 if v>=em; else -w*(v-hi)^2.
func penalty(v, hi, em, w float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v <= hi {
		return 0
	}
	if v >= em {
		return -1e6
	}
	diff := v - hi
	return -w * diff * diff
}
