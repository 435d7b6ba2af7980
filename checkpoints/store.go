package checkpoints

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ErrNotFound is returned when the store holds nothing under a key.
var ErrNotFound = errors.New("checkpoint not found")

// FinalKey is the slot holding the deployment manifest.
const FinalKey = "final"

// Manifest describes the deployed predictor: one artifact or an ensemble of
// artifacts, each referenced by its variant key in the same store.
type Manifest struct {
	RunID       string    `json:"run_id"`
	Members     []Variant `json:"members"`
	Ensemble    bool      `json:"ensemble"`
	Accuracy    float64   `json:"accuracy"`
	ClassLabels []string  `json:"class_labels"`
	CreatedAt   time.Time `json:"created_at"`
}

// Validate checks the manifest shape.
func (m *Manifest) Validate() error {
	if len(m.Members) == 0 {
		return errors.New("manifest lists no members")
	}
	if !m.Ensemble && len(m.Members) != 1 {
		return errors.Errorf("single-model manifest lists %d members", len(m.Members))
	}
	return nil
}

// Store keeps one current checkpoint per variant key in a directory. A save
// replaces the previous file atomically; concurrent saves to the same key are
// serialized.
type Store struct {
	dir    string
	format CheckpointFormat
	logger *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore creates the directory if needed.
func NewStore(dir string, format CheckpointFormat, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create checkpoint dir %s", dir)
	}
	return &Store{
		dir:    dir,
		format: format,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}, nil
}

// Dir returns the store directory.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the file backing a variant.
func (s *Store) Path(v Variant) string {
	return filepath.Join(s.dir, string(v)+s.format.Extension())
}

func (s *Store) lock(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

// Save replaces the checkpoint stored for v.
func (s *Store) Save(v Variant, c *Checkpoint) error {
	l := s.lock(string(v))
	l.Lock()
	defer l.Unlock()

	data, err := Marshal(c, s.format)
	if err != nil {
		return errors.WithMessagef(err, "save %s", v)
	}
	if err := writeAtomic(s.Path(v), data); err != nil {
		return errors.WithMessagef(err, "save %s", v)
	}
	s.logger.Debug("checkpoint saved",
		zap.String("variant", string(v)),
		zap.String("phase", string(c.Metadata.Phase)),
		zap.Float64("val_accuracy", c.Metadata.ValAccuracy),
		zap.Int("bytes", len(data)))
	return nil
}

// Load reads the checkpoint stored for v.
func (s *Store) Load(v Variant) (*Checkpoint, error) {
	l := s.lock(string(v))
	l.Lock()
	defer l.Unlock()

	data, err := os.ReadFile(s.Path(v))
	if os.IsNotExist(err) {
		return nil, errors.Wrapf(ErrNotFound, "variant %s", v)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load %s", v)
	}
	c, err := Unmarshal(data, s.format)
	return c, errors.WithMessagef(err, "load %s", v)
}

// Exists reports whether a checkpoint is stored for v.
func (s *Store) Exists(v Variant) bool {
	_, err := os.Stat(s.Path(v))
	return err == nil
}

func (s *Store) manifestPath() string {
	return filepath.Join(s.dir, FinalKey+".json")
}

// SaveManifest writes the deployment manifest into the final slot.
func (s *Store) SaveManifest(m *Manifest) error {
	if err := m.Validate(); err != nil {
		return err
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	l := s.lock(FinalKey)
	l.Lock()
	defer l.Unlock()

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode manifest")
	}
	return writeAtomic(s.manifestPath(), data)
}

// LoadManifest reads the deployment manifest.
func (s *Store) LoadManifest() (*Manifest, error) {
	l := s.lock(FinalKey)
	l.Lock()
	defer l.Unlock()

	data, err := os.ReadFile(s.manifestPath())
	if os.IsNotExist(err) {
		return nil, errors.Wrap(ErrNotFound, "manifest")
	}
	if err != nil {
		return nil, errors.Wrap(err, "read manifest")
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrap(err, "decode manifest")
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}
