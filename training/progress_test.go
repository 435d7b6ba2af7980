package training

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/tsawler/go-cxr/checkpoints"
)

func TestMultiReporterCallsEveryReporter(t *testing.T) {
	var a, b MemoryReporter
	boom := errors.New("boom")
	failing := ReporterFunc(func(EpochRecord) error { return boom })

	m := MultiReporter{&a, failing, nil, &b}
	err := m.ReportEpoch(EpochRecord{EpochIndex: 3})
	assert.ErrorIs(t, err, boom)
	assert.Len(t, a.Records(), 1)
	assert.Len(t, b.Records(), 1)
	assert.Equal(t, 3, b.Records()[0].EpochIndex)
}

func TestLogReporter(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	r := LogReporter{Logger: zap.New(core)}
	require.NoError(t, r.ReportEpoch(EpochRecord{
		Variant: checkpoints.CustomCNN, Phase: checkpoints.PhaseFull, EpochIndex: 0, ValAccuracy: 0.9,
	}))

	entries := logs.FilterMessage("epoch complete").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "custom-cnn", fields["variant"])
	assert.Equal(t, int64(1), fields["epoch"])
	assert.Equal(t, 0.9, fields["val_accuracy"])

	assert.NoError(t, LogReporter{}.ReportEpoch(EpochRecord{}))
}

func TestConsoleReporter(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, ConsoleReporter{Out: &buf}.ReportEpoch(EpochRecord{
		Variant: checkpoints.BackboneA, Phase: checkpoints.PhaseWarmUp, EpochIndex: 1,
		TrainAccuracy: 0.5, ValAccuracy: 0.25, LearningRate: 1e-3,
	}))
	assert.Contains(t, buf.String(), "backbone-a warm-up epoch 2")
	assert.Contains(t, buf.String(), "val acc 25.00%")
}

func TestProgressBar(t *testing.T) {
	var buf bytes.Buffer
	pb := NewProgressBar(&buf, "train", 4)
	pb.Update(2, map[string]float64{"loss": 0.5})
	pb.Update(3, map[string]float64{"acc": 0.75})
	pb.Finish()

	out := buf.String()
	assert.Contains(t, out, " 50%")
	assert.Contains(t, out, "100%")
	assert.Contains(t, out, "4/4")
	last := out[strings.LastIndex(out, "\r"):]
	assert.Contains(t, last, "loss=0.5000, acc=75.00%")
	assert.True(t, strings.HasSuffix(out, "\n"))
}
