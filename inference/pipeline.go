package inference

import (
	"context"
	"os"

	"github.com/pkg/errors"

	"github.com/tsawler/go-cxr/errdefs"
	"github.com/tsawler/go-cxr/tensor"
	"github.com/tsawler/go-cxr/vision/preprocessing"
)

// PredictionResult is the outcome of classifying one image.
type PredictionResult struct {
	Label         string             `json:"class"`
	Index         int                `json:"index"`
	Confidence    float64            `json:"confidence"` // percent, 0..100
	Probabilities map[string]float64 `json:"predictions"`
}

// ImagePipeline decodes raw uploads, preprocesses them exactly as in training
// and classifies them with a Predictor.
type ImagePipeline struct {
	predictor Predictor
	processor *preprocessing.ImageProcessor
}

// NewImagePipeline builds a pipeline around p using p's preprocessing.
func NewImagePipeline(p Predictor) (*ImagePipeline, error) {
	if p == nil {
		return nil, errdefs.Configuration("image pipeline needs a predictor")
	}
	processor, err := preprocessing.NewImageProcessor(p.Transform())
	if err != nil {
		return nil, err
	}
	return &ImagePipeline{predictor: p, processor: processor}, nil
}

// Predictor returns the underlying predictor.
func (ip *ImagePipeline) Predictor() Predictor { return ip.predictor }

// PredictImage classifies one encoded image (JPEG, PNG, GIF, BMP, TIFF or
// WebP). Undecodable input yields an InputError.
func (ip *ImagePipeline) PredictImage(ctx context.Context, raw []byte) (PredictionResult, error) {
	img, err := ip.processor.PreprocessBytes(raw)
	if err != nil {
		return PredictionResult{}, err
	}
	x, err := tensor.FromData(img.Data, 1, img.Height, img.Width, img.Channels)
	if err != nil {
		return PredictionResult{}, errdefs.Input(err, "image tensor")
	}
	probs, err := ip.predictor.Predict(ctx, x)
	if err != nil {
		return PredictionResult{}, err
	}

	classes := ip.predictor.Classes()
	if len(probs.Shape) != 2 || probs.Shape[0] != 1 || probs.Shape[1] != len(classes) {
		return PredictionResult{}, errdefs.Configuration("predictor returned shape %v for %d classes", probs.Shape, len(classes))
	}
	row := probs.Row(0)
	best := tensor.ArgMax(row)
	result := PredictionResult{
		Label:         classes[best],
		Index:         best,
		Confidence:    float64(row[best]) * 100,
		Probabilities: make(map[string]float64, len(classes)),
	}
	for i, c := range classes {
		result.Probabilities[c] = float64(row[i])
	}
	return result, nil
}

// PredictFile reads and classifies the image at path.
func (ip *ImagePipeline) PredictFile(ctx context.Context, path string) (PredictionResult, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return PredictionResult{}, errors.Wrapf(err, "read %s", path)
	}
	return ip.PredictImage(ctx, raw)
}
