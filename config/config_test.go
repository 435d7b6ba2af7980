package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-cxr/errdefs"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cxr.yaml")
	yml := `
data:
  root: /data/train
  image_size: 64
training:
  target_accuracy: 0.9
  custom_cnn:
    epochs: 5
    learning_rate: 0.01
checkpoints:
  format: proto
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/data/train", cfg.Data.Root)
	assert.Equal(t, 64, cfg.Data.ImageSize)
	assert.Equal(t, 32, cfg.Data.BatchSize)
	assert.Equal(t, 0.9, cfg.Training.TargetAccuracy)
	assert.Equal(t, 5, cfg.Training.Custom.Epochs)
	assert.Equal(t, 20, cfg.Training.BackboneA.WarmUp.Epochs)
	assert.Equal(t, "proto", cfg.Checkpoints.Format)
}

func TestValidateRejectsMissingHyperparameters(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero batch size", func(c *Config) { c.Data.BatchSize = 0 }},
		{"split out of range", func(c *Config) { c.Data.ValidationSplit = 1 }},
		{"no warm-up epochs", func(c *Config) { c.Training.BackboneA.WarmUp.Epochs = 0 }},
		{"no fine-tune lr", func(c *Config) { c.Training.BackboneB.FineTune.LearningRate = 0 }},
		{"no custom epochs", func(c *Config) { c.Training.Custom.Epochs = 0 }},
		{"bad plateau factor", func(c *Config) { c.Training.PlateauFactor = 1.5 }},
		{"bad target", func(c *Config) { c.Training.TargetAccuracy = 0 }},
		{"unknown format", func(c *Config) { c.Checkpoints.Format = "h5" }},
		{"missing std", func(c *Config) { c.Data.Std = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errdefs.IsConfiguration(err))
		})
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("data: [unterminated"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.True(t, errdefs.IsConfiguration(err))
}
