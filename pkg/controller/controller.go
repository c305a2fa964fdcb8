// Package controller is the public facade (spec.md §6): Controller
// wires telemetry, history, the decision engine, admission, and the
// supervisor together and exposes the execute/state/usage* surface a
// caller drives. Grounded on cmd/app.go's Application: an ordered
// Initialize step list, idempotent Initialize/Shutdown, and a
// registerCleanup stack run in reverse on shutdown — generalized from
// gin handlers/HTTP servers to this package's admission Future API.
package controller

import (
	"context"
	"fmt"
	"sync"

	"llm-threaderd/internal/admission"
	"llm-threaderd/internal/config"
	"llm-threaderd/internal/engine"
	"llm-threaderd/internal/history"
	"llm-threaderd/internal/history/mirror"
	"llm-threaderd/internal/history/sqlstore"
	"llm-threaderd/internal/logging"
	"llm-threaderd/internal/model"
	"llm-threaderd/internal/supervisor"
	"llm-threaderd/internal/telemetry"
)

// Operation is re-exported so callers don't need to import
// internal/admission directly.
type Operation = admission.Operation

// SubmitOptions is re-exported for the same reason.
type SubmitOptions = admission.SubmitOptions

// CancelToken is re-exported for the same reason.
type CancelToken = admission.CancelToken

// NewCancelToken re-exports admission.NewCancelToken.
func NewCancelToken() *CancelToken { return admission.NewCancelToken() }

// Future is re-exported for the same reason.
type Future = admission.Future

// StateSnapshot is Controller.state()'s return shape: admission
// queue stats plus the engine's current recommendation.
type StateSnapshot struct {
	Admission        admission.StateSnapshot
	ScalingRecommendation int
	PendingValidation     *model.PendingValidation
}

// Controller is the Controller of spec.md §6.
type Controller struct {
	opts *config.Options
	log  *logging.Logger

	telemetrySource telemetry.Source
	historyStore    *history.Store
	sqlDatastore    *sqlstore.Datastore
	redisMirror     *mirror.Mirror
	admissionMgr    *admission.Manager
	decisionEngine  *engine.Engine
	sup             *supervisor.Supervisor

	mu          sync.Mutex
	initialized bool
	shutdown    bool

	cleanupFuncs []func()
}

// New builds every collaborator from opts but does not start the
// Supervisor — call Initialize for that.
func New(opts *config.Options) (*Controller, error) {
	if opts == nil {
		opts = config.Defaults()
	}
	log, err := logging.Configure(logging.Config{Level: opts.Logging.Level, Output: opts.Logging.Output, File: logging.FileConfig{Path: opts.Logging.File.Path}})
	if err != nil {
		return nil, fmt.Errorf("controller: configure logging: %w", err)
	}

	c := &Controller{opts: opts, log: log}

	c.telemetrySource = telemetry.NewHostSource(log)

	var sink history.ScalingSink
	ds, err := sqlstore.Open(opts.Persistence.Driver, opts.Persistence.DSN)
	if err != nil {
		log.Warnf("controller: durable scaling store unavailable, continuing in-memory: %v", err)
	} else {
		sink = ds
		c.sqlDatastore = ds
	}

	c.historyStore = history.New(history.Config{
		MaxHistoryAgeMinutes:         opts.MaxHistoryAgeMinutes,
		MaxDataPoints:                opts.MaxDataPoints,
		ScalingHistoryRetentionHours: opts.ScalingHistoryRetentionHours,
	}, sink, log)

	if opts.Mirror.Addr != "" {
		c.redisMirror = mirror.New(opts.Mirror.Addr, opts.Mirror.Key, log)
	}

	c.admissionMgr = admission.New(admission.Config{
		Limit:           initialLimit(opts),
		MaxHistorySize:  opts.MaxHistorySize,
		OnScalingUpdate: opts.OnScalingUpdate,
	}, log)

	c.decisionEngine = engine.New(engine.Config{
		MaxThreads:          opts.MaxThreads,
		EmergencyCPUTemp:    opts.EmergencyAbsoluteLimits.CPUTemp,
		EmergencyCPUUsage:   opts.EmergencyAbsoluteLimits.CPUUsage,
		EmergencyMemUsage:   opts.EmergencyAbsoluteLimits.MemoryUsage,
		EmergencyGPUTemp:    opts.EmergencyAbsoluteLimits.GPUTemp,
		EmergencyGPUUsage:   opts.EmergencyAbsoluteLimits.GPUUsage,
		HighCPUUsage:        opts.HighThresholds.CPUUsage,
		HighCPUTemp:         opts.HighThresholds.CPUTemp,
		HighMemUsage:        opts.HighThresholds.MemoryUsage,
		HighGPUTemp:         opts.HighThresholds.GPUTemp,
		HighGPUUsage:        opts.HighThresholds.GPUUsage,
		PIDKp:               opts.PID.Kp,
		PIDKi:               opts.PID.Ki,
		PIDKd:               opts.PID.Kd,
		PIDSetpoint:         opts.PID.Setpoint,
		ScaleCooldownMs:     int64(opts.ScaleCooldownMs),
	}, log)

	var mir supervisor.Mirror
	if c.redisMirror != nil {
		mir = c.redisMirror
	}
	c.sup = supervisor.New(supervisor.Config{
		IntervalMs:          opts.MonitoringIntervalMs,
		EmergencyCPUTemp:    opts.EmergencyAbsoluteLimits.CPUTemp,
		EmergencyCPUUsage:   opts.EmergencyAbsoluteLimits.CPUUsage,
		EmergencyMemUsage:   opts.EmergencyAbsoluteLimits.MemoryUsage,
		EmergencyGPUTemp:    opts.EmergencyAbsoluteLimits.GPUTemp,
		EmergencyGPUUsage:   opts.EmergencyAbsoluteLimits.GPUUsage,
		HighCPUUsage:        opts.HighThresholds.CPUUsage,
		HighCPUTemp:         opts.HighThresholds.CPUTemp,
		HighMemUsage:        opts.HighThresholds.MemoryUsage,
		HighGPUTemp:         opts.HighThresholds.GPUTemp,
		HighGPUUsage:        opts.HighThresholds.GPUUsage,
	}, c.telemetrySource, c.admissionMgr, c.decisionEngine, c.historyStore, mir, log)

	return c, nil
}

// initialLimit is the AdmissionManager's starting concurrency limit:
// always 1, per spec.md §6 — the Supervisor's first tick raises it once
// telemetry and demand justify doing so.
func initialLimit(opts *config.Options) int {
	return 1
}

// Initialize starts the Supervisor's tick. Idempotent.
func (c *Controller) Initialize() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initialized {
		return nil
	}
	c.sup.Start()
	c.initialized = true
	return nil
}

// Shutdown stops the Supervisor and releases the durable store and
// mirror connections. Idempotent.
func (c *Controller) Shutdown() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shutdown {
		return nil
	}
	c.shutdown = true

	if c.initialized {
		c.sup.Stop()
	}

	for i := len(c.cleanupFuncs) - 1; i >= 0; i-- {
		c.cleanupFuncs[i]()
	}

	if err := c.historyStore.Close(); err != nil {
		c.log.Warnf("controller: closing durable store: %v", err)
	}
	if c.redisMirror != nil {
		_ = c.redisMirror.Close()
	}
	_ = c.log.Sync()
	return nil
}

// Execute submits op for admission and returns a Future settled when
// it reaches a terminal state.
func (c *Controller) Execute(op Operation, opts SubmitOptions) *Future {
	return c.admissionMgr.Submit(op, opts)
}

// State returns the admission/scaling snapshot Controller.state()
// describes.
func (c *Controller) State() StateSnapshot {
	return StateSnapshot{
		Admission:             c.admissionMgr.State(),
		ScalingRecommendation: c.decisionEngine.LastRecommended(),
		PendingValidation:     c.decisionEngine.Pending(),
	}
}

// UsageHistory returns the retained telemetry samples.
func (c *Controller) UsageHistory() []model.TelemetrySample {
	return c.historyStore.All()
}

// UsageStatistics returns averages/ranges over the retained telemetry.
func (c *Controller) UsageStatistics() history.Stats {
	return c.historyStore.Stats()
}

// UsageTrends returns the most recent performance points, the raw
// material a caller would run through internal/trend themselves.
func (c *Controller) UsageTrends(ctx context.Context) []model.PerfPoint {
	return c.historyStore.AllPerf()
}

// ScalingHistory returns up to limit recent scaling decisions.
func (c *Controller) ScalingHistory(ctx context.Context, limit int) []model.ScalingDecision {
	return c.historyStore.ScalingHistory(ctx, limit)
}

// registerCleanup mirrors cmd/app.go's cleanup stack, for collaborators
// constructed outside New (tests/embedders wiring in extra resources).
func (c *Controller) registerCleanup(fn func()) {
	c.cleanupFuncs = append(c.cleanupFuncs, fn)
}
