// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package training defines the fit-parameter defaults and the opaque
// training executor contract the worker's Training state calls into.
package training

import (
	"context"

	"github.com/aibomgen/platform/pkg/dataset"
)

// FitParams are the Keras-style fit() arguments a submission may
// override; every field falls back to its documented default when
// absent from the submission's fit_params.
type FitParams struct {
	Epochs           int
	ValidationSplit  float64
	InitialEpoch     int
	BatchSize        int
	StepsPerEpoch    *int
	ValidationSteps  *int
	ValidationFreq   int
}

// DefaultFitParams returns the documented defaults.
func DefaultFitParams() FitParams {
	return FitParams{
		Epochs:          50,
		ValidationSplit: 0.2,
		InitialEpoch:    0,
		BatchSize:       32,
		ValidationFreq:  1,
	}
}

// HistoryEntry is one epoch's recorded metrics, e.g. {"loss": 0.4,
// "accuracy": 0.8}.
type HistoryEntry map[string]float64

// Result is everything the worker's Capturing state persists.
type Result struct {
	History []HistoryEntry
}

// Split partitions a dataset into training and validation row counts
// per the fit params' validation_split, taking the first
// floor((1-v)*N) rows as training and the remainder as validation.
func Split(n int, validationSplit float64) (trainN, valN int) {
	if validationSplit <= 0 {
		return n, 0
	}
	trainN = int(float64(n) * (1 - validationSplit))
	return trainN, n - trainN
}

// SplitDataset applies Split to a loaded dataset, returning bounded
// views over its rows. A zero validation_split returns ds unchanged
// with a nil validation set.
func SplitDataset(ds dataset.Dataset, validationSplit float64) (train, validation dataset.Dataset) {
	if ds == nil {
		return nil, nil
	}
	trainN, valN := Split(ds.Len(), validationSplit)
	if valN == 0 {
		return ds, nil
	}
	return &boundedDataset{inner: ds, n: trainN}, &boundedDataset{inner: ds, n: valN}
}

// boundedDataset is a fixed-length window over another dataset.
type boundedDataset struct {
	inner dataset.Dataset
	n     int
}

func (d *boundedDataset) Len() int          { return d.n }
func (d *boundedDataset) Columns() []string { return d.inner.Columns() }

// Executor runs a single training job. It is intentionally opaque:
// this system does not implement an ML framework itself, only the
// orchestration around one. validation is nil when the fit params
// yield no validation set.
type Executor interface {
	Fit(ctx context.Context, modelPath string, train, validation dataset.Dataset, params FitParams) (Result, error)
}

// SyntheticExecutor is a reference Executor used in tests and local
// development when no real ML framework is wired in: it produces
// monotonically improving synthetic metrics so the rest of the
// pipeline (capturing, attesting, publishing) can be exercised without
// a GPU or framework binding.
type SyntheticExecutor struct{}

func (SyntheticExecutor) Fit(ctx context.Context, _ string, _, validation dataset.Dataset, params FitParams) (Result, error) {
	history := make([]HistoryEntry, 0, params.Epochs)
	freq := params.ValidationFreq
	if freq <= 0 {
		freq = 1
	}
	for epoch := params.InitialEpoch; epoch < params.Epochs; epoch++ {
		select {
		case <-ctx.Done():
			return Result{History: history}, ctx.Err()
		default:
		}
		progress := float64(epoch+1) / float64(max(params.Epochs, 1))
		entry := HistoryEntry{
			"loss":     1.0 - 0.5*progress,
			"accuracy": 0.5 + 0.4*progress,
		}
		if validation != nil && (epoch+1)%freq == 0 {
			entry["val_loss"] = 1.05 - 0.5*progress
			entry["val_accuracy"] = 0.45 + 0.4*progress
		}
		history = append(history, entry)
	}
	return Result{History: history}, nil
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

var _ Executor = SyntheticExecutor{}
