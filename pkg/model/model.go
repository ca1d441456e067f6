// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package model introspects a trained model artifact for the tensor
// shapes and architecture summary the worker and BOM assembler need.
// No Keras/SavedModel binding exists for Go, so introspection reads a
// small JSON sidecar the training executor writes alongside the model
// file rather than parsing the model format itself.
package model

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
)

// Shape is a tensor shape excluding the batch dimension.
type Shape []int

// Equal reports whether two shapes are exactly equal, element by
// element.
func (s Shape) Equal(other Shape) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

// ShapeMismatch is returned when a model's actual input/output shape
// disagrees with the dataset definition's declared shape.
var ShapeMismatch = errors.New("ShapeMismatch")

// sidecar is the JSON document the training executor writes next to a
// model file, e.g. "model.keras" -> "model.keras.shapes.json".
type sidecar struct {
	InputShape  Shape  `json:"input_shape"`
	OutputShape Shape  `json:"output_shape"`
	Summary     string `json:"summary"`
}

// Introspector extracts tensor shapes and a human-readable architecture
// summary from a model artifact on disk.
type Introspector interface {
	InputShape(path string) (Shape, error)
	OutputShape(path string) (Shape, error)
	Summary(path string) (string, error)
}

// SidecarIntrospector is the production Introspector: it reads
// "<path>.shapes.json", written by the training step immediately after
// the model is loaded.
type SidecarIntrospector struct{}

func (SidecarIntrospector) read(path string) (*sidecar, error) {
	b, err := os.ReadFile(path + ".shapes.json")
	if err != nil {
		return nil, errors.Wrap(err, "reading model shape sidecar")
	}
	var sc sidecar
	if err := json.Unmarshal(b, &sc); err != nil {
		return nil, errors.Wrap(err, "parsing model shape sidecar")
	}
	return &sc, nil
}

func (i SidecarIntrospector) InputShape(path string) (Shape, error) {
	sc, err := i.read(path)
	if err != nil {
		return nil, err
	}
	return sc.InputShape, nil
}

func (i SidecarIntrospector) OutputShape(path string) (Shape, error) {
	sc, err := i.read(path)
	if err != nil {
		return nil, err
	}
	return sc.OutputShape, nil
}

func (i SidecarIntrospector) Summary(path string) (string, error) {
	sc, err := i.read(path)
	if err != nil {
		return "", err
	}
	return sc.Summary, nil
}

var _ Introspector = SidecarIntrospector{}

// ValidateShapes checks a model's introspected input/output shapes
// against a dataset definition's declared shapes.
func ValidateShapes(intro Introspector, modelPath string, wantInput, wantOutput Shape) error {
	gotInput, err := intro.InputShape(modelPath)
	if err != nil {
		return err
	}
	if !gotInput.Equal(wantInput) {
		return errors.Wrapf(ShapeMismatch, "model input shape %v does not match dataset input shape %v", gotInput, wantInput)
	}
	gotOutput, err := intro.OutputShape(modelPath)
	if err != nil {
		return err
	}
	if !gotOutput.Equal(wantOutput) {
		return errors.Wrapf(ShapeMismatch, "model output shape %v does not match dataset output shape %v", gotOutput, wantOutput)
	}
	return nil
}
