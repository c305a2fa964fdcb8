// Package telemetry provides the host-metrics probe. It has no close
// precedent in the retrieval pack (the teacher reads Kubernetes
// resource requests, never live sensors), so its shape follows the
// teacher's general style — a small struct, a constructor, one main
// method — rather than any specific file.
package telemetry

import (
	"context"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/sensors"

	"llm-threaderd/internal/logging"
	"llm-threaderd/internal/model"
)

// Source is the contract spec.md §4.1 describes: sample() must never
// fail. Partial sensor failure is represented by absent (nil) fields,
// never by a zero value.
type Source interface {
	Sample(ctx context.Context) model.TelemetrySample
}

// HostSource reads CPU load/temperature and memory pressure via
// gopsutil, and GPU load/temperature by shelling out to nvidia-smi
// when it is present on PATH. No GPU telemetry library exists anywhere
// in the retrieval pack, so the GPU probe is the one place this
// package reaches for os/exec instead of a library call.
type HostSource struct {
	log          *logging.Logger
	gpuAvailable bool
	gpuChecked   bool
}

// NewHostSource constructs the default TelemetrySource.
func NewHostSource(log *logging.Logger) *HostSource {
	if log == nil {
		log = logging.Nop()
	}
	return &HostSource{log: log}
}

// Sample implements Source. It never panics or returns an error;
// any sensor that cannot be read is simply absent from the result.
func (h *HostSource) Sample(ctx context.Context) model.TelemetrySample {
	s := model.TelemetrySample{Ts: time.Now()}

	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		v := pct[0]
		s.CPUUsage = &v
	} else if err != nil {
		h.log.WarnCtx(ctx, "telemetry: cpu usage unavailable: %v", err)
	}

	if temp := h.cpuTemperature(ctx); temp != nil {
		s.CPUTemp = temp
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		v := vm.UsedPercent
		s.MemUsage = &v
	} else {
		h.log.WarnCtx(ctx, "telemetry: memory usage unavailable: %v", err)
	}

	if usage, gtemp, ok := h.gpuSample(ctx); ok {
		s.GPUUsage = usage
		s.GPUTemp = gtemp
	}

	return s
}

// cpuTemperature is the arithmetic mean of the package sensor, all
// per-core sensors, and the max sensor, over whichever are present —
// exactly spec.md §4.1's definition.
func (h *HostSource) cpuTemperature(ctx context.Context) *float64 {
	stats, err := sensors.TemperaturesWithContext(ctx)
	if err != nil || len(stats) == 0 {
		return nil
	}

	var pkg, max *float64
	var cores []float64
	for _, sensor := range stats {
		name := strings.ToLower(sensor.SensorKey)
		t := sensor.Temperature
		switch {
		case strings.Contains(name, "package"):
			v := t
			pkg = &v
		case strings.Contains(name, "max"):
			v := t
			max = &v
		case strings.Contains(name, "core"):
			cores = append(cores, t)
		}
	}

	var sum float64
	var n int
	if pkg != nil {
		sum += *pkg
		n++
	}
	if max != nil {
		sum += *max
		n++
	}
	for _, c := range cores {
		sum += c
		n++
	}
	if n == 0 {
		// No sensor matched a known label; fall back to the mean of
		// every reading rather than reporting absent outright.
		for _, sensor := range stats {
			sum += sensor.Temperature
			n++
		}
	}
	if n == 0 {
		return nil
	}
	mean := sum / float64(n)
	return &mean
}

// gpuSample shells out to nvidia-smi. Absence of the binary, or any
// parse failure, is reported as "no primary GPU controller
// discoverable" rather than as an error.
func (h *HostSource) gpuSample(ctx context.Context) (usage, tempC *float64, ok bool) {
	if !h.checkGPU() {
		return nil, nil, false
	}

	cmd := exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu=utilization.gpu,temperature.gpu",
		"--format=csv,noheader,nounits")
	out, err := cmd.Output()
	if err != nil {
		h.log.WarnCtx(ctx, "telemetry: nvidia-smi query failed: %v", err)
		return nil, nil, false
	}

	line := strings.TrimSpace(strings.SplitN(string(out), "\n", 2)[0])
	parts := strings.Split(line, ",")
	if len(parts) != 2 {
		return nil, nil, false
	}
	u, err1 := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	t, err2 := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err1 != nil || err2 != nil {
		return nil, nil, false
	}
	return &u, &t, true
}

func (h *HostSource) checkGPU() bool {
	if h.gpuChecked {
		return h.gpuAvailable
	}
	h.gpuChecked = true
	_, err := exec.LookPath("nvidia-smi")
	h.gpuAvailable = err == nil
	return h.gpuAvailable
}
