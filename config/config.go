// Package config loads the YAML configuration for a triage run.
package config

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/tsawler/go-cxr/errdefs"
)

// Config is the top-level configuration.
type Config struct {
	Data        DataConfig       `yaml:"data"`
	Training    TrainingConfig   `yaml:"training"`
	Backbones   BackbonesConfig  `yaml:"backbones"`
	Checkpoints CheckpointConfig `yaml:"checkpoints"`
	Log         LogConfig        `yaml:"log"`
	Registry    RegistryConfig   `yaml:"registry"`
	Server      ServerConfig     `yaml:"server"`
}

// DataConfig describes the image folder and how batches are produced from it.
type DataConfig struct {
	Root            string    `yaml:"root"`
	ImageSize       int       `yaml:"image_size"`
	BatchSize       int       `yaml:"batch_size"`
	ValidationSplit float64   `yaml:"validation_split"`
	Seed            int64     `yaml:"seed"`
	CacheSize       int       `yaml:"cache_size"`
	Workers         int       `yaml:"workers"`
	Prefetch        int       `yaml:"prefetch"`
	HorizontalFlip  bool      `yaml:"horizontal_flip"`
	Mean            []float32 `yaml:"mean"`
	Std             []float32 `yaml:"std"`
}

// PhaseBudget is the epoch budget of one training phase.
type PhaseBudget struct {
	Epochs       int     `yaml:"epochs"`
	LearningRate float64 `yaml:"learning_rate"`
}

// VariantPlan holds the phase budgets of a pretrained-backbone variant.
type VariantPlan struct {
	WarmUp               PhaseBudget `yaml:"warm_up"`
	FineTune             PhaseBudget `yaml:"fine_tune"`
	FrozenBackbonePrefix int         `yaml:"frozen_backbone_prefix"`
}

// TrainingConfig holds the escalation target and every training hyperparameter.
type TrainingConfig struct {
	TargetAccuracy     float64     `yaml:"target_accuracy"`
	Optimizer          string      `yaml:"optimizer"`
	BackboneA          VariantPlan `yaml:"backbone_a"`
	BackboneB          VariantPlan `yaml:"backbone_b"`
	Custom             PhaseBudget `yaml:"custom_cnn"`
	EarlyStopPatience  int         `yaml:"early_stop_patience"`
	PlateauPatience    int         `yaml:"plateau_patience"`
	PlateauFactor      float64     `yaml:"plateau_factor"`
	PlateauMinDelta    float64     `yaml:"plateau_min_delta"`
	MinLearningRate    float64     `yaml:"min_learning_rate"`
	RestoreBestWeights bool        `yaml:"restore_best_weights"`
	Seed               int64       `yaml:"seed"`
}

// BackbonesConfig points at pretrained backbone weight files.
type BackbonesConfig struct {
	APretrained string `yaml:"a_pretrained"`
	BPretrained string `yaml:"b_pretrained"`
}

// CheckpointConfig configures artifact persistence.
type CheckpointConfig struct {
	Dir    string `yaml:"dir"`
	Format string `yaml:"format"` // "json" or "proto"
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level      string `yaml:"level"`
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Console    bool   `yaml:"console"`
}

// RegistryConfig configures the run registry database.
type RegistryConfig struct {
	DSN string `yaml:"dsn"`
}

// ServerConfig configures the HTTP inference adapter.
type ServerConfig struct {
	Addr        string `yaml:"addr"`
	MaxUploadMB int    `yaml:"max_upload_mb"`
}

// Default returns the standard three-class training recipe.
func Default() *Config {
	return &Config{
		Data: DataConfig{
			ImageSize:       224,
			BatchSize:       32,
			ValidationSplit: 0.2,
			Seed:            42,
			CacheSize:       2048,
			Workers:         4,
			Prefetch:        2,
			HorizontalFlip:  true,
			Mean:            []float32{0.485, 0.456, 0.406},
			Std:             []float32{0.229, 0.224, 0.225},
		},
		Training: TrainingConfig{
			TargetAccuracy: 0.95,
			Optimizer:      "adam",
			BackboneA: VariantPlan{
				WarmUp:               PhaseBudget{Epochs: 20, LearningRate: 1e-3},
				FineTune:             PhaseBudget{Epochs: 30, LearningRate: 1e-4},
				FrozenBackbonePrefix: 12,
			},
			BackboneB: VariantPlan{
				WarmUp:               PhaseBudget{Epochs: 20, LearningRate: 1e-3},
				FineTune:             PhaseBudget{Epochs: 10, LearningRate: 1e-4},
				FrozenBackbonePrefix: 18,
			},
			Custom:             PhaseBudget{Epochs: 50, LearningRate: 1e-3},
			EarlyStopPatience:  10,
			PlateauPatience:    5,
			PlateauFactor:      0.2,
			PlateauMinDelta:    1e-4,
			MinLearningRate:    1e-6,
			RestoreBestWeights: true,
			Seed:               42,
		},
		Checkpoints: CheckpointConfig{
			Dir:    "checkpoints",
			Format: "json",
		},
		Log: LogConfig{
			Level:      "info",
			Path:       "logs/cxr-triage.log",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
			Console:    true,
		},
		Registry: RegistryConfig{
			DSN: "cxr-registry.db",
		},
		Server: ServerConfig{
			Addr:        ":8080",
			MaxUploadMB: 10,
		},
	}
}

// Load reads a YAML file over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errdefs.Configuration("parse %s: %v", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every hyperparameter the pipeline needs.
func (c *Config) Validate() error {
	d := c.Data
	switch {
	case d.ImageSize <= 0:
		return errdefs.Configuration("data.image_size must be positive")
	case d.BatchSize <= 0:
		return errdefs.Configuration("data.batch_size must be positive")
	case d.ValidationSplit <= 0 || d.ValidationSplit >= 1:
		return errdefs.Configuration("data.validation_split must be in (0, 1)")
	case len(d.Mean) != 3 || len(d.Std) != 3:
		return errdefs.Configuration("data.mean and data.std need one value per RGB channel")
	}
	for i, s := range d.Std {
		if s <= 0 {
			return errdefs.Configuration("data.std[%d] must be positive", i)
		}
	}

	t := c.Training
	if t.TargetAccuracy <= 0 || t.TargetAccuracy > 1 {
		return errdefs.Configuration("training.target_accuracy must be in (0, 1]")
	}
	switch strings.ToLower(t.Optimizer) {
	case "adam", "sgd":
	default:
		return errdefs.Configuration("training.optimizer %q is not adam or sgd", t.Optimizer)
	}
	if err := t.BackboneA.validate("training.backbone_a"); err != nil {
		return err
	}
	if err := t.BackboneB.validate("training.backbone_b"); err != nil {
		return err
	}
	if err := t.Custom.validate("training.custom_cnn"); err != nil {
		return err
	}
	switch {
	case t.EarlyStopPatience <= 0:
		return errdefs.Configuration("training.early_stop_patience must be positive")
	case t.PlateauPatience <= 0:
		return errdefs.Configuration("training.plateau_patience must be positive")
	case t.PlateauFactor <= 0 || t.PlateauFactor >= 1:
		return errdefs.Configuration("training.plateau_factor must be in (0, 1)")
	case t.MinLearningRate < 0:
		return errdefs.Configuration("training.min_learning_rate must not be negative")
	}

	switch strings.ToLower(c.Checkpoints.Format) {
	case "json", "proto":
	default:
		return errdefs.Configuration("checkpoints.format %q is not json or proto", c.Checkpoints.Format)
	}
	if c.Checkpoints.Dir == "" {
		return errdefs.Configuration("checkpoints.dir is required")
	}
	return nil
}

func (p PhaseBudget) validate(field string) error {
	if p.Epochs <= 0 {
		return errdefs.Configuration("%s.epochs must be positive", field)
	}
	if p.LearningRate <= 0 {
		return errdefs.Configuration("%s.learning_rate must be positive", field)
	}
	return nil
}

func (p VariantPlan) validate(field string) error {
	if err := p.WarmUp.validate(field + ".warm_up"); err != nil {
		return err
	}
	if err := p.FineTune.validate(field + ".fine_tune"); err != nil {
		return err
	}
	if p.FrozenBackbonePrefix < 0 {
		return errdefs.Configuration("%s.frozen_backbone_prefix must not be negative", field)
	}
	return nil
}
