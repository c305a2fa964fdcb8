// Package config defines the controller's option struct and loads it
// from YAML, the way the teacher's pkg/config package loads its own
// top-level Config — but returned to the caller rather than stashed in
// a package-level global, and rejecting unknown fields instead of
// silently ignoring them.
package config

import (
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

// EmergencyLimits are the absolute ceilings that trigger the hard
// emergency clamp.
type EmergencyLimits struct {
	CPUTemp     float64 `yaml:"cpuTemp"`
	CPUUsage    float64 `yaml:"cpuUsage"`
	MemoryUsage float64 `yaml:"memoryUsage"`
	GPUTemp     float64 `yaml:"gpuTemp"`
	GPUUsage    float64 `yaml:"gpuUsage"`
}

// HighThresholds are the "uncomfortable but not yet emergency" ceilings
// used by the reward penalty and the trend recommendation.
type HighThresholds struct {
	CPUUsage    float64 `yaml:"cpuUsage"`
	CPUTemp     float64 `yaml:"cpuTemp"`
	MemoryUsage float64 `yaml:"memoryUsage"`
	GPUTemp     float64 `yaml:"gpuTemp"`
	GPUUsage    float64 `yaml:"gpuUsage"`
}

// PID carries the four controller knobs plus the target signal.
type PID struct {
	Kp       float64 `yaml:"kp"`
	Ki       float64 `yaml:"ki"`
	Kd       float64 `yaml:"kd"`
	Setpoint float64 `yaml:"setpoint"`
}

// Persistence configures the durable scaling-history store. A
// zero-value Persistence opens the local sqlite default (see DSN); the
// in-memory history is used when that store cannot be opened or written.
type Persistence struct {
	// DSN is a gorm DSN. Empty means "use the local sqlite default under
	// the platform data directory".
	DSN string `yaml:"dsn"`
	// Driver selects the gorm dialect: "sqlite" (default) or "mysql".
	Driver string `yaml:"driver"`
}

// Mirror configures the optional read-only Redis introspection mirror.
// A zero-value Mirror disables it.
type Mirror struct {
	Addr string `yaml:"addr"`
	Key  string `yaml:"key"`
}

// Options are every construction-time knob the controller recognizes.
// Per the redesign note in spec.md §9, this is the single enumerated
// surface: there is no open option bag, and Load rejects YAML documents
// containing fields outside it.
type Options struct {
	MaxThreads *int `yaml:"maxThreads"`

	MonitoringIntervalMs int `yaml:"monitoringIntervalMs"`
	MaxHistoryAgeMinutes int `yaml:"maxHistoryAgeMinutes"`
	MaxDataPoints        int `yaml:"maxDataPoints"`
	MaxHistorySize       int `yaml:"maxHistorySize"`

	EmergencyAbsoluteLimits EmergencyLimits `yaml:"emergencyAbsoluteLimits"`
	HighThresholds          HighThresholds  `yaml:"highThresholds"`
	PID                     PID             `yaml:"pid"`

	ScaleCooldownMs              int     `yaml:"scaleCooldownMs"`
	ScalingHistoryRetentionHours float64 `yaml:"scalingHistoryRetentionHours"`

	Persistence Persistence `yaml:"persistence"`
	Mirror      Mirror      `yaml:"mirror"`

	Logging LoggingConfig `yaml:"logging"`

	// OnScalingUpdate, when set, is invoked every time the admitted
	// limit changes. Never set from YAML; a Go caller assigns it after
	// Load or Defaults returns.
	OnScalingUpdate func(newLimit, oldLimit int) `yaml:"-"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Output string `yaml:"output"`
	File   struct {
		Path string `yaml:"path"`
	} `yaml:"file"`
}

// Defaults returns the option set spec.md §6 describes when a caller
// supplies nothing.
func Defaults() *Options {
	return &Options{
		MaxThreads:           nil,
		MonitoringIntervalMs: 1000,
		MaxHistoryAgeMinutes: 5,
		MaxDataPoints:        300,
		MaxHistorySize:       100,
		EmergencyAbsoluteLimits: EmergencyLimits{
			CPUTemp:     95,
			CPUUsage:    98,
			MemoryUsage: 95,
			GPUTemp:     95,
			GPUUsage:    98,
		},
		HighThresholds: HighThresholds{
			CPUUsage:    85,
			CPUTemp:     85,
			MemoryUsage: 85,
			GPUTemp:     85,
			GPUUsage:    85,
		},
		PID: PID{
			Kp:       0.5,
			Ki:       0.05,
			Kd:       0.1,
			Setpoint: 90,
		},
		ScaleCooldownMs:              10000,
		ScalingHistoryRetentionHours: 1.0 / 3.0,
		Logging: LoggingConfig{
			Level:  "info",
			Output: "console",
		},
	}
}

// EnvConfigPath mirrors the teacher's CONFIG_PATH environment variable.
const EnvConfigPath = "CONFIG_PATH"

// Load reads YAML from path (or $CONFIG_PATH, or "config/controller.yaml"
// if path is empty and the env var is unset), merges it over Defaults,
// and rejects any field the document names that Options does not
// recognize.
func Load(path string) (*Options, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path == "" {
		path = "config/controller.yaml"
	}

	opts := Defaults()

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return opts, nil
		}
		return nil, fmt.Errorf("open config %q: %w", path, err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(opts); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}

	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return opts, nil
}

// Validate enforces the constraints implied by spec.md §6/§7: illegal
// values are a construction-time error here rather than the silent
// coercion the admission-side IllegalArgument kind uses for runtime
// calls like updateLimit.
func (o *Options) Validate() error {
	if o.MaxThreads != nil && *o.MaxThreads < 1 {
		return fmt.Errorf("config: maxThreads must be >= 1, got %d", *o.MaxThreads)
	}
	if o.MonitoringIntervalMs <= 0 {
		return fmt.Errorf("config: monitoringIntervalMs must be > 0")
	}
	if o.MaxHistoryAgeMinutes <= 0 {
		return fmt.Errorf("config: maxHistoryAgeMinutes must be > 0")
	}
	if o.MaxDataPoints <= 0 {
		return fmt.Errorf("config: maxDataPoints must be > 0")
	}
	if o.MaxHistorySize <= 0 {
		return fmt.Errorf("config: maxHistorySize must be > 0")
	}
	if o.ScaleCooldownMs < 0 {
		return fmt.Errorf("config: scaleCooldownMs must be >= 0")
	}
	if math.IsNaN(o.PID.Setpoint) || math.IsInf(o.PID.Setpoint, 0) {
		return fmt.Errorf("config: pid.setpoint must be finite")
	}
	return nil
}
