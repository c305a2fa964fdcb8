// Package model holds the data shapes shared across the controller's
// internal packages, grounded on the type-alias pattern
// pkg/autoscaler/types.go uses to share domain structs between layers.
//
// Optional numeric fields are *float64, never a bare float64 defaulted
// to zero: spec.md §9 calls out the teacher's habit of coalescing
// "absent" into "zero" via ??/||/||0 chains as the anti-pattern to
// avoid, so every average and average-of-averages in this module
// computes over non-nil values only.
package model

import "time"

// TelemetrySample is one host-metrics snapshot. A nil field means the
// corresponding sensor was unavailable on this sample, not that it
// read zero.
type TelemetrySample struct {
	Ts       time.Time
	CPUUsage *float64 // percent
	CPUTemp  *float64 // degrees C
	MemUsage *float64 // percent
	GPUUsage *float64 // percent, absent if no GPU controller discoverable
	GPUTemp  *float64 // degrees C, absent if no GPU controller discoverable
}

// OperationMix maps an operation type name to its relative weight in
// the current tick's workload.
type OperationMix map[string]float64

// PerfPoint is a TelemetrySample enriched with the admission-side view
// of demand for that same tick.
type PerfPoint struct {
	TelemetrySample

	ThreadCount   int
	ActiveThreads int
	QueuePressure int
	Backlog       int
	Utilization   float64

	Throughput   *float64 // operations/sec
	AvgLatencyMs *float64
	P95LatencyMs *float64

	OperationMix OperationMix
	Intensity    float64 // caller-supplied [0,1]
}

// DemandPoint is the lighter-weight record the DecisionEngine consults
// to evaluate recent unmet demand without re-reading the full perf ring.
type DemandPoint struct {
	Ts             time.Time
	QueuePressure  int
	ActiveThreads  int
	Utilization    float64
	HasUnmetDemand bool
	Backlog        int
}

// ScalingDecision is one emitted change (or hold) in recommended
// concurrency, optionally persisted. CPUUsage through QueueLength are
// the tick's telemetry/queue snapshot, filled in by the caller;
// PIDOutput, BayesOptimization, and DemandScore are the model-blend
// signals the DecisionEngine actually computed for this tick, nil when
// a guard stage short-circuited before computing them.
type ScalingDecision struct {
	Ts                 time.Time
	RecommendedThreads int
	PreviousThreads    int
	Reason             string
	Confidence         float64

	CPUUsage    *float64
	GPUUsage    *float64
	MemUsage    *float64
	Temperature *float64

	ActiveOperations int
	QueueLength      int

	PIDOutput         *float64
	BayesOptimization *float64
	DemandScore       *float64
}

// Guardrails are the derived thresholds a pending scale-up must clear
// before another upward step is permitted.
type Guardrails struct {
	ThermalConstantSec   float64
	SamplesRequired      int
	DegradationTolerance float64
	ValidationWindowMs   int64
}

// PendingValidation tracks a single in-flight scale-up awaiting proof
// it did not regress throughput. At most one is ever live.
type PendingValidation struct {
	TargetThreads   int
	BaselineThreads int
	StartedAt       time.Time
	Guardrails      Guardrails
}

// RequestState is the lifecycle stage of an admitted Request.
type RequestState string

const (
	RequestQueued    RequestState = "queued"
	RequestActive    RequestState = "active"
	RequestCompleted RequestState = "completed"
	RequestFailed    RequestState = "failed"
	RequestCanceled  RequestState = "canceled"
)

// Terminal reports whether s is one of the immutable end states.
func (s RequestState) Terminal() bool {
	return s == RequestCompleted || s == RequestFailed || s == RequestCanceled
}
