package checkpoints

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/tsawler/go-cxr/errdefs"
	"github.com/tsawler/go-cxr/layers"
	"github.com/tsawler/go-cxr/vision/preprocessing"
)

// Variant tags a model family. It doubles as the checkpoint store key.
type Variant string

const (
	BackboneA Variant = "backbone-a"
	BackboneB Variant = "backbone-b"
	CustomCNN Variant = "custom-cnn"
	Ensemble  Variant = "ensemble"
)

// Phase is the training phase that produced a checkpoint.
type Phase string

const (
	PhaseWarmUp       Phase = "warm-up"
	PhaseFineTune     Phase = "fine-tune"
	PhaseFull         Phase = "full"
	PhasePostTraining Phase = "post-training"
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatProto
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatProto:
		return "Proto"
	default:
		return "Unknown"
	}
}

// Extension is the file suffix used for the format.
func (cf CheckpointFormat) Extension() string {
	if cf == FormatProto {
		return ".pb"
	}
	return ".json"
}

// ParseFormat maps a config value ("json" or "proto") to a format.
func ParseFormat(s string) (CheckpointFormat, error) {
	switch strings.ToLower(s) {
	case "json", "":
		return FormatJSON, nil
	case "proto", "pb", "protobuf":
		return FormatProto, nil
	}
	return FormatJSON, errdefs.Configuration("unknown checkpoint format %q", s)
}

// FormatForPath picks the format from a file extension.
func FormatForPath(path string) CheckpointFormat {
	if filepath.Ext(path) == ".pb" {
		return FormatProto
	}
	return FormatJSON
}

// Checkpoint represents a complete model state including weights, optimizer state, and training metadata
type Checkpoint struct {
	// Model architecture and weights
	ModelSpec *layers.ModelSpec `json:"model_spec"`
	Weights   []WeightTensor    `json:"weights"`

	// Training state
	TrainingState TrainingState `json:"training_state"`

	// Optimizer state (if available)
	OptimizerState *OptimizerState `json:"optimizer_state,omitempty"`

	// Metadata
	Metadata CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
	Layer string    `json:"layer"`
	Type  string    `json:"type"` // "weight", "bias", "gamma", "beta", "running_mean", "running_var"
}

// TrainingState captures the current training progress
type TrainingState struct {
	Epoch        int     `json:"epoch"`
	Step         int     `json:"step"`
	LearningRate float32 `json:"learning_rate"`
	BestLoss     float32 `json:"best_loss"`
	BestAccuracy float32 `json:"best_accuracy"`
	TotalSteps   int     `json:"total_steps"`
}

// OptimizerState captures optimizer-specific state (momentum, variance, etc.)
type OptimizerState struct {
	Type      string            `json:"type"`
	Step      int64             `json:"step"`
	StateData []OptimizerTensor `json:"state_data"`
}

// OptimizerTensor represents optimizer state tensors (momentum, variance, etc.)
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float32 `json:"data"`
	StateType string    `json:"state_type"` // "m" or "v"
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`

	Variant       Variant                 `json:"variant"`
	Phase         Phase                   `json:"phase"`
	ValAccuracy   float64                 `json:"val_accuracy"`
	ClassLabels   []string                `json:"class_labels"`
	Preprocessing preprocessing.Transform `json:"preprocessing"`
}

const (
	frameworkName    = "go-cxr"
	frameworkVersion = "1.0.0"
)

// stamp fills in the framework fields when the producer left them empty.
func (c *Checkpoint) stamp() {
	if c.Metadata.Framework == "" {
		c.Metadata.Framework = frameworkName
		c.Metadata.Version = frameworkVersion
	}
	if c.Metadata.CreatedAt.IsZero() {
		c.Metadata.CreatedAt = time.Now().UTC()
	}
}

// WeightMap indexes weights by name.
func (c *Checkpoint) WeightMap() map[string]WeightTensor {
	m := make(map[string]WeightTensor, len(c.Weights))
	for _, w := range c.Weights {
		m[w.Name] = w
	}
	return m
}

// Validate checks that a checkpoint is usable for inference.
func (c *Checkpoint) Validate() error {
	if c.ModelSpec == nil {
		return errors.New("checkpoint has no model spec")
	}
	if len(c.Weights) == 0 {
		return errors.New("checkpoint has no weights")
	}
	for _, w := range c.Weights {
		n := 1
		for _, d := range w.Shape {
			n *= d
		}
		if n != len(w.Data) {
			return errors.Errorf("weight %s: shape %v holds %d values, data has %d", w.Name, w.Shape, n, len(w.Data))
		}
	}
	return nil
}

// Marshal encodes the checkpoint in the given format.
func Marshal(c *Checkpoint, format CheckpointFormat) ([]byte, error) {
	c.stamp()
	switch format {
	case FormatJSON:
		data, err := json.MarshalIndent(c, "", "  ")
		return data, errors.Wrap(err, "encode checkpoint")
	case FormatProto:
		return marshalProto(c)
	default:
		return nil, errors.Errorf("unsupported checkpoint format: %s", format)
	}
}

// Unmarshal decodes a checkpoint and recompiles its layer spec.
func Unmarshal(data []byte, format CheckpointFormat) (*Checkpoint, error) {
	var c *Checkpoint
	switch format {
	case FormatJSON:
		c = &Checkpoint{}
		if err := json.Unmarshal(data, c); err != nil {
			return nil, errors.Wrap(err, "decode checkpoint")
		}
	case FormatProto:
		var err error
		if c, err = unmarshalProto(data); err != nil {
			return nil, err
		}
	default:
		return nil, errors.Errorf("unsupported checkpoint format: %s", format)
	}

	if c.ModelSpec != nil && len(c.ModelSpec.Layers) > 0 {
		if err := c.ModelSpec.Recompile(); err != nil {
			return nil, errors.Wrap(err, "recompile model spec")
		}
	}
	return c, nil
}

// ReadFile loads a checkpoint from path, choosing the format by extension.
func ReadFile(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read checkpoint")
	}
	c, err := Unmarshal(data, FormatForPath(path))
	return c, errors.WithMessagef(err, "checkpoint %s", path)
}

// WriteFile atomically writes a checkpoint to path, choosing the format by extension.
func WriteFile(path string, c *Checkpoint) error {
	data, err := Marshal(c, FormatForPath(path))
	if err != nil {
		return err
	}
	return writeAtomic(path, data)
}

// writeAtomic writes to a temp file in the target directory, syncs it and
// renames it over path so readers never observe a partial file.
func writeAtomic(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return errors.Wrap(err, "create temp checkpoint")
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		return errors.Wrap(err, "write temp checkpoint")
	}
	if err = tmp.Sync(); err != nil {
		return errors.Wrap(err, "sync temp checkpoint")
	}
	if err = tmp.Close(); err != nil {
		return errors.Wrap(err, "close temp checkpoint")
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return errors.Wrap(err, "rename checkpoint")
	}
	return nil
}
