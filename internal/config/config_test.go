package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults_PassesValidate(t *testing.T) {
	require.NoError(t, Defaults().Validate())
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	opts, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Defaults().MonitoringIntervalMs, opts.MonitoringIntervalMs)
}

func TestLoad_MergesOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "controller.yaml")
	require.NoError(t, os.WriteFile(path, []byte("monitoringIntervalMs: 2500\n"), 0644))

	opts, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2500, opts.MonitoringIntervalMs)
	assert.Equal(t, Defaults().MaxDataPoints, opts.MaxDataPoints) // untouched field keeps its default
}

func TestLoad_RejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "controller.yaml")
	require.NoError(t, os.WriteFile(path, []byte("totallyUnknownField: true\n"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_InvalidValuesFailValidation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "controller.yaml")
	require.NoError(t, os.WriteFile(path, []byte("monitoringIntervalMs: -1\n"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate_RejectsSubOneMaxThreads(t *testing.T) {
	o := Defaults()
	zero := 0
	o.MaxThreads = &zero
	assert.Error(t, o.Validate())
}

func TestValidate_NilMaxThreadsIsValid(t *testing.T) {
	o := Defaults()
	o.MaxThreads = nil
	assert.NoError(t, o.Validate())
}

func TestValidate_RejectsNonFiniteSetpoint(t *testing.T) {
	o := Defaults()
	o.PID.Setpoint = 1
	o.PID.Setpoint = o.PID.Setpoint / 0 // +Inf
	assert.Error(t, o.Validate())
}

func TestValidate_RejectsNonPositiveCounters(t *testing.T) {
	cases := []func(*Options){
		func(o *Options) { o.MonitoringIntervalMs = 0 },
		func(o *Options) { o.MaxHistoryAgeMinutes = 0 },
		func(o *Options) { o.MaxDataPoints = 0 },
		func(o *Options) { o.MaxHistorySize = 0 },
		func(o *Options) { o.ScaleCooldownMs = -1 },
	}
	for _, mutate := range cases {
		o := Defaults()
		mutate(o)
		assert.Error(t, o.Validate())
	}
}
