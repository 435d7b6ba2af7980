package training

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	chart "github.com/wcharczuk/go-chart"

	"github.com/tsawler/go-cxr/checkpoints"
)

// ChartReporter collects epochs per variant and renders training curves as
// PNG: accuracy on the left axis, loss on the right.
type ChartReporter struct {
	mu        sync.Mutex
	histories map[checkpoints.Variant][]EpochRecord
}

// NewChartReporter creates an empty chart reporter.
func NewChartReporter() *ChartReporter {
	return &ChartReporter{histories: make(map[checkpoints.Variant][]EpochRecord)}
}

func (c *ChartReporter) ReportEpoch(r EpochRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.histories[r.Variant] = append(c.histories[r.Variant], r)
	return nil
}

// Epochs returns the collected epochs of a variant.
func (c *ChartReporter) Epochs(v checkpoints.Variant) []EpochRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]EpochRecord(nil), c.histories[v]...)
}

// Render draws the combined curves of a variant, numbering epochs
// continuously across its phases.
func (c *ChartReporter) Render(v checkpoints.Variant, w io.Writer) error {
	return RenderCurves(string(v), c.Epochs(v), w)
}

// RenderFile writes the curves of a variant to path.
func (c *ChartReporter) RenderFile(v checkpoints.Variant, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "create %s", filepath.Dir(path))
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create %s", path)
	}
	if err := c.Render(v, f); err != nil {
		f.Close()
		return err
	}
	return errors.Wrapf(f.Close(), "close %s", path)
}

// RenderCurves draws train/validation accuracy and loss for epochs.
func RenderCurves(title string, epochs []EpochRecord, w io.Writer) error {
	if len(epochs) < 2 {
		return errors.Errorf("need at least two epochs to plot %s, have %d", title, len(epochs))
	}
	n := len(epochs)
	x := make([]float64, n)
	trainAcc := make([]float64, n)
	valAcc := make([]float64, n)
	trainLoss := make([]float64, n)
	valLoss := make([]float64, n)
	maxLoss := 0.0
	for i, e := range epochs {
		x[i] = float64(i + 1)
		trainAcc[i], valAcc[i] = e.TrainAccuracy, e.ValAccuracy
		trainLoss[i], valLoss[i] = e.TrainLoss, e.ValLoss
		if e.TrainLoss > maxLoss {
			maxLoss = e.TrainLoss
		}
		if e.ValLoss > maxLoss {
			maxLoss = e.ValLoss
		}
	}
	if maxLoss <= 0 {
		maxLoss = 1
	}

	series := func(name string, y []float64, i int, axis chart.YAxisType, dashed bool) chart.Series {
		var dashes []float64
		if dashed {
			dashes = []float64{5.0, 5.0}
		}
		return chart.ContinuousSeries{
			Name:    name,
			XValues: x,
			YValues: y,
			YAxis:   axis,
			Style: chart.Style{
				Show:            true,
				StrokeColor:     chart.GetAlternateColor(i),
				StrokeDashArray: dashes,
			},
		}
	}

	graph := chart.Chart{
		Title:      title + " training curves",
		TitleStyle: chart.StyleShow(),
		XAxis: chart.XAxis{
			Name:      "Epoch",
			NameStyle: chart.StyleShow(),
			Style:     chart.StyleShow(),
		},
		YAxis: chart.YAxis{
			Name:      "Accuracy",
			NameStyle: chart.StyleShow(),
			Style:     chart.StyleShow(),
			Range:     &chart.ContinuousRange{Min: 0, Max: 1},
		},
		YAxisSecondary: chart.YAxis{
			Name:      "Loss",
			NameStyle: chart.StyleShow(),
			Style:     chart.StyleShow(),
			Range:     &chart.ContinuousRange{Min: 0, Max: maxLoss * 1.1},
		},
		Series: []chart.Series{
			series("train accuracy", trainAcc, 0, chart.YAxisPrimary, false),
			series("val accuracy", valAcc, 1, chart.YAxisPrimary, false),
			series("train loss", trainLoss, 2, chart.YAxisSecondary, true),
			series("val loss", valLoss, 3, chart.YAxisSecondary, true),
		},
	}
	graph.Elements = []chart.Renderable{
		chart.Legend(&graph),
	}
	return errors.Wrap(graph.Render(chart.PNG, w), "render training curves")
}
