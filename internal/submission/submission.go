// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package submission implements the HTTP-facing job submission flow:
// staging the three uploaded materials, validating image dataset
// archives against the zip-bomb/traversal policy, enqueuing the
// training task, and recording the job in the registry.
package submission

import (
	"archive/zip"
	"context"
	"io"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/aibomgen/platform/internal/api"
	"github.com/aibomgen/platform/internal/blobstore"
	"github.com/aibomgen/platform/internal/registry"
	"github.com/aibomgen/platform/internal/taskqueue"
	"github.com/aibomgen/platform/pkg/dataset"
)

// InvalidInput is returned for malformed uploads, zip policy
// violations, or missing form fields.
var InvalidInput = errors.New("InvalidInput")

const (
	maxImageZipBytes    = 100 * 1024 * 1024
	maxImageFileBytes   = 50 * 1024 * 1024
	maxImageTotalBytes  = 500 * 1024 * 1024
)

var imageExtensionAllowlist = map[string]bool{".jpg": true, ".png": true, ".csv": true}

// ValidateImageZip enforces the image dataset archive policy: overall
// size, valid zip structure, path traversal / absolute path rejection,
// extension allow-list, per-file and running-total uncompressed size.
func ValidateImageZip(size int64, r interface {
	io.ReaderAt
}) error {
	if size > maxImageZipBytes {
		return errors.Wrapf(InvalidInput, "image archive exceeds %d bytes", maxImageZipBytes)
	}
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return errors.Wrap(InvalidInput, "not a valid zip archive")
	}
	var total int64
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		if path.IsAbs(f.Name) || strings.Contains(f.Name, "..") {
			return errors.Wrapf(InvalidInput, "zip entry %q is an absolute path or contains path traversal", f.Name)
		}
		ext := strings.ToLower(path.Ext(f.Name))
		if !imageExtensionAllowlist[ext] {
			return errors.Wrapf(InvalidInput, "zip entry %q has a disallowed extension", f.Name)
		}
		if int64(f.UncompressedSize64) > maxImageFileBytes {
			return errors.Wrapf(InvalidInput, "zip entry %q exceeds per-file size limit", f.Name)
		}
		total += int64(f.UncompressedSize64)
		if total > maxImageTotalBytes {
			return errors.Wrap(InvalidInput, "zip archive exceeds total uncompressed size limit")
		}
	}
	return nil
}

// Metadata carries the submission's free-text and structured fields.
type Metadata struct {
	Framework          string
	ModelName          string
	ModelVersion        string
	ModelDescription    string
	Author              string
	ModelType           string
	BaseModel           string
	BaseModelSource     string
	IntendedUse         string
	OutOfScope          string
	MisuseOrMalicious   string
	LicenseName         string
}

// FitParamsInput is the raw, possibly-absent fit parameter overrides a
// submission may supply.
type FitParamsInput struct {
	Epochs          *int
	ValidationSplit *float64
	InitialEpoch    *int
	BatchSize       *int
	StepsPerEpoch   *int
	ValidationSteps *int
	ValidationFreq  *int
}

// Result is returned to the caller on successful submission.
type Result struct {
	JobID      string
	StagingDir string
}

// Upload describes one of the three uploaded materials.
type Upload struct {
	Filename string
	Size     int64
	Reader   io.Reader
	ReaderAt interface {
		io.ReaderAt
	} // non-nil only when the upload can be seeked, required for image zip validation
}

// Service wires together the blob store, registry, and broker that
// submission depends on.
type Service struct {
	Store       blobstore.Store
	Registry    registry.Registry
	Queue       taskqueue.Queue
	Bucket      string
	WorkerURL   string
	limiters    map[string]*rate.Limiter
	limitersMu  sync.Mutex
}

// NewService constructs a Service. bucket is where materials are
// staged; workerURL is the training_queue task's target handler URL.
func NewService(store blobstore.Store, reg registry.Registry, queue taskqueue.Queue, bucket, workerURL string) *Service {
	return &Service{
		Store:     store,
		Registry:  reg,
		Queue:     queue,
		Bucket:    bucket,
		WorkerURL: workerURL,
		limiters:  make(map[string]*rate.Limiter),
	}
}

// Allow enforces the 5-submissions-per-minute-per-client-address rate
// limit using golang.org/x/time/rate token buckets keyed by address.
func (s *Service) Allow(clientAddr string) bool {
	s.limitersMu.Lock()
	defer s.limitersMu.Unlock()
	l, ok := s.limiters[clientAddr]
	if !ok {
		l = rate.NewLimiter(rate.Every(time.Minute/5), 5)
		s.limiters[clientAddr] = l
	}
	return l.Allow()
}

// trainingMessage is the payload enqueued on training_queue.
type trainingMessage struct {
	StagingDir     string                 `json:"staging_dir"`
	ModelURL       string                 `json:"model_url"`
	DatasetURL     string                 `json:"dataset_url"`
	DefinitionURL  string                 `json:"definition_url"`
	OptionalParams map[string]string      `json:"optional_params"`
	FitParams      map[string]any         `json:"fit_params"`
}

var _ api.Message = (*trainingMessage)(nil)

func (m *trainingMessage) Validate() error {
	if m.StagingDir == "" || m.ModelURL == "" || m.DatasetURL == "" || m.DefinitionURL == "" {
		return errors.New("training message missing required field")
	}
	return nil
}

// Submit runs the full C8 algorithm: stage the three materials,
// validate the dataset definition (and, for image datasets, the
// archive policy), upload materials, enqueue training, and record the
// job in the registry.
func Submit(ctx context.Context, svc *Service, ownerID string, model, ds, definition Upload, meta Metadata, fit FitParamsInput) (*Result, error) {
	jobID := uuid.New().String()
	stagingDir := jobID

	defBytes, err := io.ReadAll(definition.Reader)
	if err != nil {
		return nil, errors.Wrap(InvalidInput, "reading dataset definition")
	}
	def, err := dataset.ParseDefinition(strings.NewReader(string(defBytes)))
	if err != nil {
		return nil, errors.Wrap(InvalidInput, err.Error())
	}
	if def.Type == dataset.KindImage {
		if ds.ReaderAt == nil {
			return nil, errors.Wrap(InvalidInput, "image dataset upload must be seekable")
		}
		if err := ValidateImageZip(ds.Size, ds.ReaderAt); err != nil {
			return nil, err
		}
	}

	modelURL, err := svc.Store.Put(ctx, svc.Bucket, path.Join(stagingDir, "model", model.Filename), model.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "uploading model")
	}
	datasetURL, err := svc.Store.Put(ctx, svc.Bucket, path.Join(stagingDir, "dataset", ds.Filename), ds.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "uploading dataset")
	}
	definitionURL, err := svc.Store.Put(ctx, svc.Bucket, path.Join(stagingDir, "definition", definition.Filename), strings.NewReader(string(defBytes)))
	if err != nil {
		return nil, errors.Wrap(err, "uploading dataset definition")
	}

	msg := &trainingMessage{
		StagingDir:    stagingDir,
		ModelURL:      modelURL,
		DatasetURL:    datasetURL,
		DefinitionURL: definitionURL,
		OptionalParams: map[string]string{
			"model_name": meta.ModelName, "model_version": meta.ModelVersion,
			"model_description": meta.ModelDescription, "author": meta.Author,
			"model_type": meta.ModelType, "base_model": meta.BaseModel,
			"base_model_source": meta.BaseModelSource, "intended_use": meta.IntendedUse,
			"out_of_scope": meta.OutOfScope, "misuse_or_malicious": meta.MisuseOrMalicious,
			"license_name": meta.LicenseName, "framework": meta.Framework,
		},
		FitParams: fitParamsToMap(fit),
	}
	if _, err := svc.Queue.Add(ctx, taskqueue.TrainingQueue, jobID, svc.WorkerURL, msg); err != nil {
		return nil, errors.Wrap(err, "enqueuing training task")
	}

	if err := svc.Registry.Create(ctx, jobID, registry.Record{OwnerID: ownerID, StagingDir: stagingDir}); err != nil {
		return nil, errors.Wrap(err, "recording job")
	}

	return &Result{JobID: jobID, StagingDir: stagingDir}, nil
}

func fitParamsToMap(fit FitParamsInput) map[string]any {
	out := map[string]any{}
	if fit.Epochs != nil {
		out["epochs"] = *fit.Epochs
	}
	if fit.ValidationSplit != nil {
		out["validation_split"] = *fit.ValidationSplit
	}
	if fit.InitialEpoch != nil {
		out["initial_epoch"] = *fit.InitialEpoch
	}
	if fit.BatchSize != nil {
		out["batch_size"] = *fit.BatchSize
	}
	if fit.StepsPerEpoch != nil {
		out["steps_per_epoch"] = *fit.StepsPerEpoch
	}
	if fit.ValidationSteps != nil {
		out["validation_steps"] = *fit.ValidationSteps
	}
	if fit.ValidationFreq != nil {
		out["validation_freq"] = *fit.ValidationFreq
	}
	return out
}
