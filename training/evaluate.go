package training

import (
	"context"
	"io"

	"github.com/pkg/errors"

	"github.com/tsawler/go-cxr/tensor"
	"github.com/tsawler/go-cxr/vision/dataloader"
)

// Classifier produces class probabilities [n, classes] for a batch of images.
type Classifier interface {
	Predict(ctx context.Context, images *tensor.Tensor) (*tensor.Tensor, error)
}

// Evaluate runs c over one full epoch of stream and returns the confusion
// matrix. The stream is reset before and after.
func Evaluate(ctx context.Context, c Classifier, stream dataloader.Stream, labels []string) (*ConfusionMatrix, error) {
	cm := NewConfusionMatrix(labels)
	stream.Reset()
	defer stream.Reset()
	for {
		batch, err := stream.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "read validation batch")
		}
		probs, err := c.Predict(ctx, batch.Images)
		if err != nil {
			return nil, err
		}
		if err := cm.Update(probs, batch.Labels); err != nil {
			return nil, err
		}
	}
	if cm.Total == 0 {
		return nil, errors.New("validation stream yielded no samples")
	}
	return cm, nil
}
