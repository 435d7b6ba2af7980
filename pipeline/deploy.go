package pipeline

import (
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/tsawler/go-cxr/checkpoints"
	"github.com/tsawler/go-cxr/inference"
)

// Manifest converts a deployment into the store's final-slot record.
func (d DeployedPredictor) Manifest(runID string, classes []string) *checkpoints.Manifest {
	return &checkpoints.Manifest{
		RunID:       runID,
		Members:     append([]checkpoints.Variant(nil), d.Members...),
		Ensemble:    d.Ensemble(),
		Accuracy:    d.Accuracy,
		ClassLabels: append([]string(nil), classes...),
		CreatedAt:   time.Now().UTC(),
	}
}

// Finalize re-tags every member artifact of d as post-training and records the
// deployment accuracy in its description. Weights are left untouched.
func (d DeployedPredictor) Finalize(store *checkpoints.Store, runID string) error {
	for _, v := range d.Members {
		ckpt, err := store.Load(v)
		if err != nil {
			return errors.WithMessage(err, "deployed member")
		}
		ckpt.Metadata.Phase = checkpoints.PhasePostTraining
		ckpt.Metadata.Description = fmt.Sprintf("Deployed as %s by run %s, accuracy %.2f%%", d.Variant, runID, d.Accuracy*100)
		if err := store.Save(v, ckpt); err != nil {
			return err
		}
	}
	return nil
}

// LoadDeployed rebuilds the deployed predictor recorded in store's manifest.
func LoadDeployed(store *checkpoints.Store) (inference.Predictor, *checkpoints.Manifest, error) {
	m, err := store.LoadManifest()
	if err != nil {
		return nil, nil, err
	}
	preds := make([]inference.Predictor, len(m.Members))
	for i, v := range m.Members {
		ckpt, err := store.Load(v)
		if err != nil {
			return nil, nil, errors.WithMessage(err, "deployed member")
		}
		if preds[i], err = inference.LoadModelPredictor(ckpt); err != nil {
			return nil, nil, err
		}
	}
	if !m.Ensemble {
		return preds[0], m, nil
	}
	ens, err := inference.NewEnsemble(preds...)
	if err != nil {
		return nil, nil, err
	}
	return ens, m, nil
}
