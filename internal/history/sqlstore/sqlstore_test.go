package sqlstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llm-threaderd/internal/model"
)

// openTestStore bypasses the package-level Open/sync.Once so each test
// gets its own isolated sqlite file instead of sharing the first
// process-wide connection.
func openTestStore(t *testing.T) *Datastore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scaling.db")
	ds, err := open("sqlite", path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ds.Close() })
	return ds
}

func TestPersistAndRecent_RoundTrips(t *testing.T) {
	ds := openTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Minute)
	require.NoError(t, ds.Persist(ctx, model.ScalingDecision{Ts: base, RecommendedThreads: 2, Reason: "first"}))
	require.NoError(t, ds.Persist(ctx, model.ScalingDecision{Ts: base.Add(time.Second), RecommendedThreads: 3, Reason: "second"}))

	decisions, err := ds.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, decisions, 2)
	assert.Equal(t, "second", decisions[0].Reason) // ordered newest first
}

func TestPersistAndRecent_RoundTripsModelBlendSignals(t *testing.T) {
	ds := openTestStore(t)
	ctx := context.Background()

	cpu, gpu, mem, temp := 40.0, 55.0, 60.0, 65.0
	pidOut, bayes, demand := 5.0, 6.0, 0.75

	require.NoError(t, ds.Persist(ctx, model.ScalingDecision{
		Ts: time.Now(), RecommendedThreads: 5, Reason: "model_blend",
		CPUUsage: &cpu, GPUUsage: &gpu, MemUsage: &mem, Temperature: &temp,
		ActiveOperations: 4, QueueLength: 2,
		PIDOutput: &pidOut, BayesOptimization: &bayes, DemandScore: &demand,
	}))

	decisions, err := ds.Recent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	got := decisions[0]
	require.NotNil(t, got.PIDOutput)
	require.NotNil(t, got.BayesOptimization)
	require.NotNil(t, got.DemandScore)
	assert.InDelta(t, pidOut, *got.PIDOutput, 1e-9)
	assert.InDelta(t, bayes, *got.BayesOptimization, 1e-9)
	assert.InDelta(t, demand, *got.DemandScore, 1e-9)
	assert.Equal(t, 4, got.ActiveOperations)
	assert.Equal(t, 2, got.QueueLength)
}

func TestRecent_DefaultsLimitWhenNonPositive(t *testing.T) {
	ds := openTestStore(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, ds.Persist(ctx, model.ScalingDecision{Ts: time.Now(), RecommendedThreads: i}))
	}
	decisions, err := ds.Recent(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, decisions, 3)
}

func TestDeleteOlderThan_RemovesOnlyStaleRows(t *testing.T) {
	ds := openTestStore(t)
	ctx := context.Background()

	old := time.Now().Add(-time.Hour)
	fresh := time.Now()
	require.NoError(t, ds.Persist(ctx, model.ScalingDecision{Ts: old, RecommendedThreads: 1}))
	require.NoError(t, ds.Persist(ctx, model.ScalingDecision{Ts: fresh, RecommendedThreads: 2}))

	n, err := ds.DeleteOlderThan(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	remaining, err := ds.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, 2, remaining[0].RecommendedThreads)
}

func TestUpsertOperationProfile_AveragesAcrossCalls(t *testing.T) {
	ds := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, ds.UpsertOperationProfile(ctx, "chat", 10, 0, 20, 40, 100))
	require.NoError(t, ds.UpsertOperationProfile(ctx, "chat", 30, 0, 40, 60, 300))

	var row OperationProfileRow
	require.NoError(t, ds.db.WithContext(ctx).Where("operation_type = ?", "chat").First(&row).Error)
	assert.Equal(t, int64(2), row.Count)
	assert.InDelta(t, 20.0, row.CPUAvg, 1e-9)
	assert.InDelta(t, 200.0, row.DurationAvg, 1e-9)
}

func TestRecordUsage_Inserts(t *testing.T) {
	ds := openTestStore(t)
	cpu := 55.0
	err := ds.RecordUsage(context.Background(), UsageHistoryRow{Ts: time.Now(), CPUUsage: &cpu, ConcurrentThreads: 3})
	require.NoError(t, err)

	var count int64
	require.NoError(t, ds.db.Model(&UsageHistoryRow{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestDataDir_NeverEmpty(t *testing.T) {
	assert.NotEmpty(t, dataDir())
}
