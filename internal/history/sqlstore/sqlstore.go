// Package sqlstore is the optional durable scaling-history backend,
// grounded on pkg/store/mysql/datastore.go's Datastore wrapper and
// pkg/store/mysql/scaling_event_repository.go's repository shape.
// Unlike the teacher, which hard-wires MySQL, this package defaults to
// a local modernc.org/sqlite file under the platform data directory
// (spec.md §6) and only reaches for gorm's MySQL dialect when a DSN is
// configured — the distributed autoscaler lock the teacher uses to
// guard concurrent opens is dropped (see DESIGN.md); a sync.Once
// guarding gorm.Open is sufficient for a single process.
package sqlstore

import (
	"context"
	"fmt"
	"log"
	"os"
	"runtime"
	"sync"
	"time"

	sqlitedialect "github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"llm-threaderd/internal/model"
)

// UsageHistoryRow is the usage_history relation of spec.md §6.
type UsageHistoryRow struct {
	ID                uint `gorm:"primaryKey"`
	Ts                time.Time
	CPUUsage          *float64
	CPUTemp           *float64
	MemoryUsage       *float64
	GPUUsage          *float64
	GPUTemp           *float64
	ConcurrentThreads int
	ActiveThreads     int
	QueuePressure     int
	OperationMix      string
	OperationIntensity float64
}

// ScalingHistoryRow is the scaling_history relation of spec.md §6.
type ScalingHistoryRow struct {
	ID               uint `gorm:"primaryKey;autoIncrement"`
	Ts               time.Time `gorm:"index"`
	ThreadCount      int
	CPUUsage         *float64
	GPUUsage         *float64
	MemoryUsage      *float64
	Temperature      *float64
	ActiveOperations int
	QueueLength      int
	ScalingDecision  string
	PIDOutput        *float64
	BayesOptimization *float64
	DemandScore      *float64
	Reason           string
	Confidence       float64
}

// OperationProfileRow is the operation_profiles relation of
// spec.md §6, keyed by operation type.
type OperationProfileRow struct {
	OperationType string `gorm:"primaryKey"`
	CPUAvg        float64
	GPUAvg        float64
	MemoryAvg     float64
	TemperatureAvg float64
	DurationAvg   float64
	Count         int64
	LastUpdated   time.Time
}

// Datastore wraps a gorm.DB the way pkg/store/mysql/datastore.go does,
// generalized to pick its dialect from the configured driver.
type Datastore struct {
	db *gorm.DB
}

var (
	openOnce   sync.Once
	openResult *Datastore
	openErr    error
)

// Open connects to either a local sqlite file (driver == "" or
// "sqlite") or a MySQL DSN (driver == "mysql"), and migrates the three
// relations. The first call performs the actual connection; concurrent
// or later calls within the same process block on and then reuse that
// result, since gorm's own connection pool — not a second dialector —
// is what should serve every subsequent caller.
func Open(driver, dsn string) (*Datastore, error) {
	openOnce.Do(func() {
		openResult, openErr = open(driver, dsn)
	})
	return openResult, openErr
}

func open(driver, dsn string) (*Datastore, error) {
	gl := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             500 * time.Millisecond,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)

	var dialector gorm.Dialector
	switch driver {
	case "mysql":
		dialector = mysql.Open(dsn)
	default:
		if dsn == "" {
			dsn = defaultSQLitePath()
		}
		dialector = sqlitedialect.Open(dsn)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: gl, SkipDefaultTransaction: true})
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open: %w", err)
	}
	if err := db.AutoMigrate(&UsageHistoryRow{}, &ScalingHistoryRow{}, &OperationProfileRow{}); err != nil {
		return nil, fmt.Errorf("sqlstore: migrate: %w", err)
	}

	sqlDB, err := db.DB()
	if err == nil {
		sqlDB.SetMaxOpenConns(10)
		sqlDB.SetMaxIdleConns(2)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	return &Datastore{db: db}, nil
}

func defaultSQLitePath() string {
	dir := dataDir()
	_ = os.MkdirAll(dir, 0755)
	return dir + "/scaling.db"
}

// dataDir resolves the platform-standard per-user application data
// directory per spec.md §6, with an "llm-threader" subdirectory.
func dataDir() string {
	sub := "llm-threader"
	switch runtime.GOOS {
	case "windows":
		if v := os.Getenv("LOCALAPPDATA"); v != "" {
			return v + "/" + sub
		}
	case "darwin":
		if home, err := os.UserHomeDir(); err == nil {
			return home + "/Library/Application Support/" + sub
		}
	default:
		if v := os.Getenv("XDG_DATA_HOME"); v != "" {
			return v + "/" + sub
		}
		if home, err := os.UserHomeDir(); err == nil {
			return home + "/.local/share/" + sub
		}
	}
	if dir, err := os.UserConfigDir(); err == nil {
		return dir + "/" + sub
	}
	return "." + sub
}

// Persist implements history.ScalingSink.
func (ds *Datastore) Persist(ctx context.Context, d model.ScalingDecision) error {
	row := ScalingHistoryRow{
		Ts:                d.Ts,
		ThreadCount:       d.RecommendedThreads,
		CPUUsage:          d.CPUUsage,
		GPUUsage:          d.GPUUsage,
		MemoryUsage:       d.MemUsage,
		Temperature:       d.Temperature,
		ActiveOperations:  d.ActiveOperations,
		QueueLength:       d.QueueLength,
		ScalingDecision:   d.Reason,
		PIDOutput:         d.PIDOutput,
		BayesOptimization: d.BayesOptimization,
		DemandScore:       d.DemandScore,
		Reason:            d.Reason,
		Confidence:        d.Confidence,
	}
	return ds.db.WithContext(ctx).Create(&row).Error
}

// Recent implements history.ScalingSink.
func (ds *Datastore) Recent(ctx context.Context, limit int) ([]model.ScalingDecision, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []ScalingHistoryRow
	if err := ds.db.WithContext(ctx).Order("ts DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("sqlstore: recent: %w", err)
	}
	out := make([]model.ScalingDecision, len(rows))
	for i, r := range rows {
		out[i] = model.ScalingDecision{
			Ts:                 r.Ts,
			RecommendedThreads: r.ThreadCount,
			Reason:             r.Reason,
			Confidence:         r.Confidence,
			CPUUsage:           r.CPUUsage,
			GPUUsage:           r.GPUUsage,
			MemUsage:           r.MemoryUsage,
			Temperature:        r.Temperature,
			ActiveOperations:   r.ActiveOperations,
			QueueLength:        r.QueueLength,
			PIDOutput:          r.PIDOutput,
			BayesOptimization:  r.BayesOptimization,
			DemandScore:        r.DemandScore,
		}
	}
	return out, nil
}

// DeleteOlderThan implements history.ScalingSink, mirroring
// scaling_event_repository.go's DeleteOldEvents age-based cleanup.
func (ds *Datastore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result := ds.db.WithContext(ctx).Where("ts < ?", cutoff).Delete(&ScalingHistoryRow{})
	if result.Error != nil {
		return 0, fmt.Errorf("sqlstore: delete old rows: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// RecordUsage appends a usage_history row.
func (ds *Datastore) RecordUsage(ctx context.Context, row UsageHistoryRow) error {
	return ds.db.WithContext(ctx).Create(&row).Error
}

// RecordUsageSample builds and stores a usage_history row from the
// primitive fields history.Store's tick loop has on hand, so callers
// outside this package never need to import UsageHistoryRow directly.
func (ds *Datastore) RecordUsageSample(ctx context.Context, ts time.Time, cpu, cpuTemp, mem, gpuUsage, gpuTemp *float64, threads, active, queuePressure int, opMixJSON string, intensity float64) error {
	return ds.RecordUsage(ctx, UsageHistoryRow{
		Ts: ts, CPUUsage: cpu, CPUTemp: cpuTemp, MemoryUsage: mem, GPUUsage: gpuUsage, GPUTemp: gpuTemp,
		ConcurrentThreads: threads, ActiveThreads: active, QueuePressure: queuePressure,
		OperationMix: opMixJSON, OperationIntensity: intensity,
	})
}

// UpsertOperationProfile maintains a running average for one operation
// type, the same running-aggregate idea as
// internal/service/gpu_usage_service.go's per-bucket aggregation.
func (ds *Datastore) UpsertOperationProfile(ctx context.Context, opType string, cpu, gpu, mem, temp, durationMs float64) error {
	var existing OperationProfileRow
	err := ds.db.WithContext(ctx).Where("operation_type = ?", opType).First(&existing).Error
	if err == gorm.ErrRecordNotFound {
		return ds.db.WithContext(ctx).Create(&OperationProfileRow{
			OperationType: opType, CPUAvg: cpu, GPUAvg: gpu, MemoryAvg: mem,
			TemperatureAvg: temp, DurationAvg: durationMs, Count: 1, LastUpdated: time.Now(),
		}).Error
	}
	if err != nil {
		return fmt.Errorf("sqlstore: lookup operation profile: %w", err)
	}

	n := float64(existing.Count)
	existing.CPUAvg = (existing.CPUAvg*n + cpu) / (n + 1)
	existing.GPUAvg = (existing.GPUAvg*n + gpu) / (n + 1)
	existing.MemoryAvg = (existing.MemoryAvg*n + mem) / (n + 1)
	existing.TemperatureAvg = (existing.TemperatureAvg*n + temp) / (n + 1)
	existing.DurationAvg = (existing.DurationAvg*n + durationMs) / (n + 1)
	existing.Count++
	existing.LastUpdated = time.Now()
	return ds.db.WithContext(ctx).Save(&existing).Error
}

// Close implements history.ScalingSink.
func (ds *Datastore) Close() error {
	sqlDB, err := ds.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
