package training

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Reporter receives every completed epoch.
type Reporter interface {
	ReportEpoch(EpochRecord) error
}

// ReporterFunc adapts a function to a Reporter.
type ReporterFunc func(EpochRecord) error

func (f ReporterFunc) ReportEpoch(r EpochRecord) error { return f(r) }

// MultiReporter fans each record out to several reporters. Every reporter is
// called even when an earlier one fails; the first error is returned.
type MultiReporter []Reporter

func (m MultiReporter) ReportEpoch(r EpochRecord) error {
	var first error
	for _, rep := range m {
		if rep == nil {
			continue
		}
		if err := rep.ReportEpoch(r); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// LogReporter writes one structured log line per epoch.
type LogReporter struct {
	Logger *zap.Logger
}

func (l LogReporter) ReportEpoch(r EpochRecord) error {
	logger := l.Logger
	if logger == nil {
		return nil
	}
	logger.Info("epoch complete",
		zap.String("variant", string(r.Variant)),
		zap.String("phase", string(r.Phase)),
		zap.Int("epoch", r.EpochIndex+1),
		zap.Float64("train_loss", r.TrainLoss),
		zap.Float64("train_accuracy", r.TrainAccuracy),
		zap.Float64("val_loss", r.ValLoss),
		zap.Float64("val_accuracy", r.ValAccuracy),
		zap.Float64("learning_rate", r.LearningRate))
	return nil
}

// MemoryReporter keeps every record. It is safe for concurrent use.
type MemoryReporter struct {
	mu      sync.Mutex
	records []EpochRecord
}

func (m *MemoryReporter) ReportEpoch(r EpochRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, r)
	return nil
}

// Records returns a copy of the collected records.
func (m *MemoryReporter) Records() []EpochRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]EpochRecord(nil), m.records...)
}

// ProgressBar renders a single-line batch progress bar to a terminal.
type ProgressBar struct {
	out         io.Writer
	description string
	total       int
	current     int
	startTime   time.Time
	width       int
	metrics     map[string]float64
	keys        []string
}

// NewProgressBar creates a new progress bar
func NewProgressBar(out io.Writer, description string, total int) *ProgressBar {
	return &ProgressBar{
		out:         out,
		description: description,
		total:       total,
		startTime:   time.Now(),
		width:       30,
		metrics:     make(map[string]float64),
	}
}

// Update advances the progress bar and replaces the displayed metrics.
func (pb *ProgressBar) Update(step int, metrics map[string]float64) {
	pb.current = step
	for k, v := range metrics {
		if _, ok := pb.metrics[k]; !ok {
			pb.keys = append(pb.keys, k)
		}
		pb.metrics[k] = v
	}
	pb.render()
}

// Finish completes the progress bar
func (pb *ProgressBar) Finish() {
	pb.current = pb.total
	pb.render()
	fmt.Fprintln(pb.out)
}

func (pb *ProgressBar) render() {
	if pb.out == nil {
		return
	}
	percentage := 1.0
	if pb.total > 0 {
		percentage = float64(pb.current) / float64(pb.total)
	}
	if percentage > 1 {
		percentage = 1
	}
	filled := int(percentage * float64(pb.width))
	bar := strings.Repeat("█", filled) + strings.Repeat(" ", pb.width-filled)

	line := fmt.Sprintf("\r%s: %3.0f%%|%s| %d/%d [%s",
		pb.description, percentage*100, bar, pb.current, pb.total,
		formatDuration(time.Since(pb.startTime)))
	for _, key := range pb.keys {
		value := pb.metrics[key]
		if strings.Contains(key, "acc") {
			line += fmt.Sprintf(", %s=%.2f%%", key, value*100)
		} else {
			line += fmt.Sprintf(", %s=%.4f", key, value)
		}
	}
	line += "]"
	fmt.Fprint(pb.out, line)
}

// formatDuration formats duration as MM:SS
func formatDuration(d time.Duration) string {
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

// ConsoleReporter prints a one-line summary per epoch.
type ConsoleReporter struct {
	Out io.Writer
}

func (c ConsoleReporter) ReportEpoch(r EpochRecord) error {
	_, err := fmt.Fprintf(c.Out, "%s %s epoch %d: loss %.4f acc %.2f%% | val loss %.4f val acc %.2f%% | lr %.2g\n",
		r.Variant, r.Phase, r.EpochIndex+1,
		r.TrainLoss, r.TrainAccuracy*100, r.ValLoss, r.ValAccuracy*100, r.LearningRate)
	return errors.Wrap(err, "write epoch summary")
}
