// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package jobservice exposes the developer-facing HTTP surface: job
// submission, status, and artifact listing/retrieval. Unlike
// internal/api/verifyservice, these endpoints are plain http.HandlerFunc
// values rather than api.Handler instances, since submission takes a
// multipart body and status/artifacts are path-addressed GETs — neither
// fits the generic form-encoded Message contract api.Handler assumes.
// Authentication is an external collaborator: every handler here reads
// the already-authenticated caller's owner ID from a header set by the
// upstream auth middleware rather than validating a token itself.
package jobservice

import (
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/aibomgen/platform/internal/blobstore"
	"github.com/aibomgen/platform/internal/registry"
	"github.com/aibomgen/platform/internal/submission"
	"github.com/aibomgen/platform/internal/taskqueue"
)

// OwnerHeader is the header the auth middleware is expected to set
// with the authenticated caller's owner ID before a request reaches
// this package's handlers.
const OwnerHeader = "X-Auth-Owner-ID"

// ArtifactPresignTTL is the lifetime of the redirect URL issued by
// GET /developer/job_artifacts/{job_id}/{name}.
const ArtifactPresignTTL = time.Hour

// Deps wires every handler in this package to its collaborators.
type Deps struct {
	Submission *submission.Service
	Registry   registry.Registry
	Queue      taskqueue.Queue
	Store      blobstore.Store
	Bucket     string
	WorkerURL  string
}

func ownerID(r *http.Request) string {
	return r.Header.Get(OwnerHeader)
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}

func writeError(rw http.ResponseWriter, status int, msg string) {
	writeJSON(rw, status, map[string]string{"error": msg})
}

// SubmitResponse is returned on successful submission.
type SubmitResponse struct {
	JobID      string `json:"job_id"`
	Status     string `json:"status"`
	StagingDir string `json:"staging_dir"`
}

func formFile(form *multipart.Form, name string) (submission.Upload, bool) {
	fhs := form.File[name]
	if len(fhs) == 0 {
		return submission.Upload{}, false
	}
	fh := fhs[0]
	f, err := fh.Open()
	if err != nil {
		return submission.Upload{}, false
	}
	var ra interface {
		io.ReaderAt
	}
	if seeker, ok := f.(io.ReaderAt); ok {
		ra = seeker
	}
	return submission.Upload{Filename: fh.Filename, Size: fh.Size, Reader: f, ReaderAt: ra}, true
}

func optionalInt(v string) *int {
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return nil
	}
	return &n
}

func optionalFloat(v string) *float64 {
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil
	}
	return &f
}

// NewSubmitHandler handles POST /developer/submit_job_by_model_and_data:
// a multipart upload of the model, dataset, and dataset-definition
// files plus scalar metadata and fit-parameter fields.
func NewSubmitHandler(deps *Deps) http.HandlerFunc {
	// ParseMultipartForm keeps up to this many bytes of file parts in
	// memory and writes the rest to temporary files; it does not cap the
	// request size.
	const maxUploadBytes = 600 * 1024 * 1024
	return func(rw http.ResponseWriter, r *http.Request) {
		owner := ownerID(r)
		if owner == "" {
			writeError(rw, http.StatusUnauthorized, "missing authenticated owner")
			return
		}
		if !deps.Submission.Allow(r.RemoteAddr) {
			writeError(rw, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
			writeError(rw, http.StatusBadRequest, "parsing multipart form: "+err.Error())
			return
		}
		model, ok := formFile(r.MultipartForm, "model")
		if !ok {
			writeError(rw, http.StatusBadRequest, "missing model file part")
			return
		}
		dataset, ok := formFile(r.MultipartForm, "dataset")
		if !ok {
			writeError(rw, http.StatusBadRequest, "missing dataset file part")
			return
		}
		definition, ok := formFile(r.MultipartForm, "dataset_definition")
		if !ok {
			writeError(rw, http.StatusBadRequest, "missing dataset_definition file part")
			return
		}
		get := func(name string) string {
			if vs, ok := r.MultipartForm.Value[name]; ok && len(vs) > 0 {
				return vs[0]
			}
			return ""
		}
		if get("framework") == "" {
			writeError(rw, http.StatusBadRequest, "missing required field: framework")
			return
		}
		meta := submission.Metadata{
			Framework:         get("framework"),
			ModelName:         get("model_name"),
			ModelVersion:      get("model_version"),
			ModelDescription:  get("model_description"),
			Author:            get("author"),
			ModelType:         get("model_type"),
			BaseModel:         get("base_model"),
			BaseModelSource:   get("base_model_source"),
			IntendedUse:       get("intended_use"),
			OutOfScope:        get("out_of_scope"),
			MisuseOrMalicious: get("misuse_or_malicious"),
			LicenseName:       get("license_name"),
		}
		fit := submission.FitParamsInput{
			Epochs:          optionalInt(get("epochs")),
			ValidationSplit: optionalFloat(get("validation_split")),
			InitialEpoch:    optionalInt(get("initial_epoch")),
			BatchSize:       optionalInt(get("batch_size")),
			StepsPerEpoch:   optionalInt(get("steps_per_epoch")),
			ValidationSteps: optionalInt(get("validation_steps")),
			ValidationFreq:  optionalInt(get("validation_freq")),
		}

		result, err := submission.Submit(r.Context(), deps.Submission, owner, model, dataset, definition, meta, fit)
		if err != nil {
			if errors.Is(err, submission.InvalidInput) {
				writeError(rw, http.StatusBadRequest, err.Error())
				return
			}
			writeError(rw, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(rw, http.StatusOK, SubmitResponse{JobID: result.JobID, Status: "Training started", StagingDir: result.StagingDir})
	}
}

// StatusResponse is the body of GET /developer/job_status/{job_id}.
type StatusResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// NewJobStatusHandler handles GET /developer/job_status/{job_id},
// mapping the broker's task state onto pending/running/succeeded/failed
// and rejecting non-owner callers with 403.
func NewJobStatusHandler(deps *Deps) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		jobID := r.PathValue("job_id")
		rec, err := deps.Registry.Get(r.Context(), jobID)
		if errors.Is(err, registry.ErrNotFound) {
			writeError(rw, http.StatusNotFound, "unknown job")
			return
		}
		if err != nil {
			writeError(rw, http.StatusInternalServerError, err.Error())
			return
		}
		if rec.OwnerID != ownerID(r) {
			writeError(rw, http.StatusForbidden, "forbidden")
			return
		}
		st, err := deps.Queue.Status(r.Context(), jobID)
		if err != nil {
			writeError(rw, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(rw, http.StatusOK, StatusResponse{JobID: jobID, Status: jobStatus(st.State)})
	}
}

func jobStatus(state taskqueue.TaskState) string {
	switch state {
	case taskqueue.TaskPending:
		return "pending"
	case taskqueue.TaskRunning:
		return "running"
	case taskqueue.TaskSucceeded:
		return "succeeded"
	case taskqueue.TaskFailed:
		return "failed"
	default:
		return "pending"
	}
}

// ArtifactsResponse is the body of GET /developer/job_artifacts/{job_id}.
type ArtifactsResponse struct {
	Artifacts []string `json:"artifacts"`
}

// NewJobArtifactsHandler handles GET /developer/job_artifacts/{job_id}:
// the list of keys staged under the job's staging directory.
func NewJobArtifactsHandler(deps *Deps) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		jobID := r.PathValue("job_id")
		rec, err := deps.Registry.Get(r.Context(), jobID)
		if errors.Is(err, registry.ErrNotFound) {
			writeError(rw, http.StatusNotFound, "unknown job")
			return
		}
		if err != nil {
			writeError(rw, http.StatusInternalServerError, err.Error())
			return
		}
		if rec.OwnerID != ownerID(r) {
			writeError(rw, http.StatusForbidden, "forbidden")
			return
		}
		keys, err := deps.Store.List(r.Context(), deps.Bucket, rec.StagingDir+"/")
		if err != nil {
			writeError(rw, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(rw, http.StatusOK, ArtifactsResponse{Artifacts: keys})
	}
}

// NewJobArtifactHandler handles GET /developer/job_artifacts/{job_id}/{name}:
// a redirect to a 1-hour presigned URL for a single artifact.
func NewJobArtifactHandler(deps *Deps) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		jobID := r.PathValue("job_id")
		name := r.PathValue("name")
		rec, err := deps.Registry.Get(r.Context(), jobID)
		if errors.Is(err, registry.ErrNotFound) {
			writeError(rw, http.StatusNotFound, "unknown job")
			return
		}
		if err != nil {
			writeError(rw, http.StatusInternalServerError, err.Error())
			return
		}
		if rec.OwnerID != ownerID(r) {
			writeError(rw, http.StatusForbidden, "forbidden")
			return
		}
		url, err := deps.Store.Presign(r.Context(), deps.Bucket, rec.StagingDir+"/"+name, ArtifactPresignTTL)
		if err != nil {
			writeError(rw, http.StatusNotFound, err.Error())
			return
		}
		http.Redirect(rw, r, url, http.StatusFound)
	}
}

// MyTasksResponse is the body of GET /celery_utils/tasks/my.
type MyTasksResponse struct {
	Tasks []TaskSummary `json:"tasks"`
}

// TaskSummary is one task entry in MyTasksResponse.
type TaskSummary struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// NewMyTasksHandler handles GET /celery_utils/tasks/my: every job owned
// by the caller plus its current broker-derived status.
func NewMyTasksHandler(deps *Deps) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		owner := ownerID(r)
		if owner == "" {
			writeError(rw, http.StatusUnauthorized, "missing authenticated owner")
			return
		}
		records, err := deps.Registry.ListByOwner(r.Context(), owner)
		if err != nil {
			writeError(rw, http.StatusInternalServerError, err.Error())
			return
		}
		tasks := make([]TaskSummary, 0, len(records))
		for jobID := range records {
			st, err := deps.Queue.Status(r.Context(), jobID)
			status := "pending"
			if err == nil {
				status = jobStatus(st.State)
			}
			tasks = append(tasks, TaskSummary{JobID: jobID, Status: status})
		}
		writeJSON(rw, http.StatusOK, MyTasksResponse{Tasks: tasks})
	}
}
