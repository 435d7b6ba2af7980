// Package registry records runs and their epochs in a SQL database.
package registry

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/tsawler/go-cxr/checkpoints"
	"github.com/tsawler/go-cxr/config"
	"github.com/tsawler/go-cxr/training"
)

var (
	ErrRunNotFound = errors.New("run not found")
	ErrInvalidID   = errors.New("invalid run id")
)

const (
	defaultLimit = 20
	maxLimit     = 500
)

// Registry stores runs. It is safe for concurrent use.
type Registry struct {
	db     *gorm.DB
	logger *zap.Logger
}

// Open connects to the sqlite database at dsn and migrates the schema.
func Open(dsn string, logger *zap.Logger) (*Registry, error) {
	if dsn == "" {
		return nil, errors.New("registry dsn is empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "open registry %s", dsn)
	}
	if err := db.AutoMigrate(&Run{}, &Epoch{}); err != nil {
		return nil, errors.Wrap(err, "migrate registry")
	}
	logger.Debug("registry opened", zap.String("dsn", dsn))
	return &Registry{db: db, logger: logger.With(zap.String("component", "registry"))}, nil
}

// Close releases the database connection.
func (r *Registry) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return errors.Wrap(err, "registry connection")
	}
	return sqlDB.Close()
}

// StartRun inserts a running run.
func (r *Registry) StartRun(id string, cfg *config.Config) error {
	if id == "" {
		return ErrInvalidID
	}
	run := &Run{ID: id, Status: StatusRunning}
	if cfg != nil {
		run.TargetAccuracy = cfg.Training.TargetAccuracy
		run.DataRoot = cfg.Data.Root
	}
	if err := r.db.Create(run).Error; err != nil {
		return errors.Wrapf(err, "insert run %s", id)
	}
	r.logger.Info("run started", zap.String("run_id", id))
	return nil
}

// EpochReporter returns a training.Reporter that stores epochs under id.
func (r *Registry) EpochReporter(id string) training.Reporter {
	return training.ReporterFunc(func(rec training.EpochRecord) error {
		e := &Epoch{
			RunID:         id,
			Variant:       string(rec.Variant),
			Phase:         string(rec.Phase),
			EpochIndex:    rec.EpochIndex,
			TrainLoss:     rec.TrainLoss,
			TrainAccuracy: rec.TrainAccuracy,
			ValLoss:       rec.ValLoss,
			ValAccuracy:   rec.ValAccuracy,
			LearningRate:  rec.LearningRate,
		}
		return errors.Wrapf(r.db.Create(e).Error, "insert epoch of run %s", id)
	})
}

// FinishRun marks a run succeeded with its deployment, or failed with runErr.
func (r *Registry) FinishRun(id string, m *checkpoints.Manifest, runErr error) error {
	now := time.Now().UTC()
	updates := map[string]interface{}{"finished_at": &now}
	if runErr != nil {
		updates["status"] = StatusFailed
		updates["error"] = runErr.Error()
	} else {
		updates["status"] = StatusSucceeded
	}
	if m != nil {
		members := make([]string, len(m.Members))
		for i, v := range m.Members {
			members[i] = string(v)
		}
		deployed := string(m.Members[0])
		if m.Ensemble {
			deployed = string(checkpoints.Ensemble)
		}
		updates["deployed"] = deployed
		updates["members"] = strings.Join(members, ",")
		updates["accuracy"] = m.Accuracy
	}
	res := r.db.Model(&Run{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return errors.Wrapf(res.Error, "update run %s", id)
	}
	if res.RowsAffected == 0 {
		return errors.Wrapf(ErrRunNotFound, "run %s", id)
	}
	r.logger.Info("run finished", zap.String("run_id", id), zap.String("status", updates["status"].(string)))
	return nil
}

// GetRun returns one run.
func (r *Registry) GetRun(ctx context.Context, id string) (*Run, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	var run Run
	err := r.db.WithContext(ctx).First(&run, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Wrapf(ErrRunNotFound, "run %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "query run %s", id)
	}
	return &run, nil
}

// ListRuns returns the most recent runs first.
func (r *Registry) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	var runs []Run
	err := r.db.WithContext(ctx).Order("started_at desc").Limit(limit).Find(&runs).Error
	return runs, errors.Wrap(err, "list runs")
}

// Epochs returns the epochs of a run in the order they were reported.
func (r *Registry) Epochs(ctx context.Context, runID string) ([]Epoch, error) {
	if _, err := r.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	var epochs []Epoch
	err := r.db.WithContext(ctx).Where("run_id = ?", runID).Order("id").Find(&epochs).Error
	return epochs, errors.Wrapf(err, "list epochs of run %s", runID)
}
