package dataset

import (
	"math/rand"

	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"

	"github.com/tsawler/go-cxr/vision/preprocessing"
)

// ClassDimensions summarizes the image sizes sampled from one class.
type ClassDimensions struct {
	Class        string
	Sampled      int
	Unreadable   int
	MeanWidth    float64
	MedianWidth  float64
	MeanHeight   float64
	MedianHeight float64
	MinWidth     float64
	MaxWidth     float64
	MinHeight    float64
	MaxHeight    float64
}

// SurveyDimensions reads the headers of up to perClass random images of every
// class and reports their width and height statistics.
func SurveyDimensions(d *ImageFolderDataset, perClass int, seed int64) ([]ClassDimensions, error) {
	if perClass <= 0 {
		return nil, errors.Errorf("samples per class must be positive, got %d", perClass)
	}
	byClass := make([][]string, len(d.classNames))
	for i, label := range d.labels {
		byClass[label] = append(byClass[label], d.imagePaths[i])
	}

	rng := rand.New(rand.NewSource(seed))
	out := make([]ClassDimensions, 0, len(byClass))
	for label, paths := range byClass {
		rng.Shuffle(len(paths), func(i, j int) { paths[i], paths[j] = paths[j], paths[i] })
		if len(paths) > perClass {
			paths = paths[:perClass]
		}

		summary := ClassDimensions{Class: d.classNames[label]}
		var widths, heights stats.Float64Data
		for _, p := range paths {
			w, h, err := preprocessing.DimensionsOf(p)
			if err != nil {
				summary.Unreadable++
				continue
			}
			widths = append(widths, float64(w))
			heights = append(heights, float64(h))
		}
		summary.Sampled = len(widths)
		if len(widths) > 0 {
			if err := describe(widths, &summary.MeanWidth, &summary.MedianWidth, &summary.MinWidth, &summary.MaxWidth); err != nil {
				return nil, errors.Wrapf(err, "class %s widths", summary.Class)
			}
			if err := describe(heights, &summary.MeanHeight, &summary.MedianHeight, &summary.MinHeight, &summary.MaxHeight); err != nil {
				return nil, errors.Wrapf(err, "class %s heights", summary.Class)
			}
		}
		out = append(out, summary)
	}
	return out, nil
}

func describe(data stats.Float64Data, mean, median, min, max *float64) error {
	var err error
	if *mean, err = data.Mean(); err != nil {
		return err
	}
	if *median, err = data.Median(); err != nil {
		return err
	}
	if *min, err = data.Min(); err != nil {
		return err
	}
	*max, err = data.Max()
	return err
}
