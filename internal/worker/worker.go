// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package worker implements the per-job training state machine: fetch
// materials, load the dataset, train the model, capture products,
// attest, and publish. Each worker process owns a single execution
// slot; there is no in-process concurrency across jobs.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/aibomgen/platform/internal/attestation"
	"github.com/aibomgen/platform/internal/blobstore"
	"github.com/aibomgen/platform/internal/bom"
	"github.com/aibomgen/platform/internal/crypto"
	"github.com/aibomgen/platform/internal/envinfo"
	"github.com/aibomgen/platform/internal/taskqueue"
	"github.com/aibomgen/platform/pkg/dataset"
	"github.com/aibomgen/platform/pkg/model"
	"github.com/aibomgen/platform/pkg/training"
)

// State is one node of the per-job state machine.
type State string

const (
	StateIdle       State = "Idle"
	StateFetching   State = "Fetching"
	StateLoading    State = "Loading"
	StateTraining   State = "Training"
	StateCapturing  State = "Capturing"
	StateAttesting  State = "Attesting"
	StatePublishing State = "Publishing"
	StateDone       State = "Done"
	StateFailing    State = "Failing"
)

// InputMissing is returned when a material cannot be fetched.
var InputMissing = errors.New("InputMissing")

// NoDeviceAvailable names the device-selection failure. Run does not
// return it: when no GPU is visible it logs and falls back to the CPU.
var NoDeviceAvailable = errors.New("NoDeviceAvailable")

const wallClockBudget = 3600 * time.Second

// Message is the training_queue payload the worker consumes.
type Message struct {
	StagingDir     string            `json:"staging_dir"`
	ModelURL       string            `json:"model_url"`
	DatasetURL     string            `json:"dataset_url"`
	DefinitionURL  string            `json:"definition_url"`
	OptionalParams map[string]string `json:"optional_params"`
	FitParams      map[string]any    `json:"fit_params"`
}

// Deps wires every C1-C7 handle the worker needs.
type Deps struct {
	Store          blobstore.Store
	Bucket         string
	ScanBucket     string
	Signer         *crypto.SignerVerifier
	Introspector   model.Introspector
	Executor       training.Executor
	DeviceHasGPU   func() bool
	TaskDescriptor envinfo.TaskDescriptor
	// Queue, when set, receives the job's terminal status so
	// job-status queries never need a second source of truth. Tests
	// that don't exercise status reporting leave it nil.
	Queue taskqueue.Queue
}

// Result is the structured outcome the worker reports back through the
// task-status mirror.
type Result struct {
	Status     string `json:"status"`
	JobID      string `json:"job_id"`
	StagingDir string `json:"staging_dir"`
	Error      string `json:"error,omitempty"`
}

// Run executes the full per-job state machine against msg, returning
// once the job reaches Done or Failing. Any error a state returns
// transitions the job to Failing, writes logs.log and error_logs.txt
// to the staging dir, and returns a structured error result rather
// than propagating the error to the caller. Panics are not recovered.
func Run(parent context.Context, deps Deps, jobID string, msg Message) Result {
	ctx, cancel := context.WithTimeout(parent, wallClockBudget)
	defer cancel()

	var logLines []string
	logf := func(format string, args ...any) {
		line := fmt.Sprintf(format, args...)
		logLines = append(logLines, line)
		log.Println(line)
	}

	result, err := run(ctx, deps, jobID, msg, logf)
	if err != nil {
		logf("job failed in state %s: %v", result.Status, err)
		errorLog := fmt.Sprintf("job %s failed: %v\n", jobID, err)
		publishLogs(ctx, deps, msg.StagingDir, strings.Join(logLines, "\n"), errorLog)
		failed := Result{Status: string(StateFailing), JobID: jobID, StagingDir: msg.StagingDir, Error: err.Error()}
		reportStatus(ctx, deps, jobID, taskqueue.TaskFailed, failed.Error)
		return failed
	}
	publishLogs(ctx, deps, msg.StagingDir, strings.Join(logLines, "\n"), "")
	reportStatus(ctx, deps, jobID, taskqueue.TaskSucceeded, "")
	return result
}

// reportStatus mirrors the job's terminal outcome into the broker's
// status tracker, keyed by jobID so job-status lookups never need to
// know the underlying Cloud Tasks resource name.
func reportStatus(ctx context.Context, deps Deps, jobID string, state taskqueue.TaskState, errMsg string) {
	if deps.Queue == nil {
		return
	}
	if err := deps.Queue.ReportStatus(ctx, jobID, taskqueue.TaskStatus{State: state, Error: errMsg}); err != nil {
		log.Printf("reporting task status for job %s: %v", jobID, err)
	}
}

func publishLogs(ctx context.Context, deps Deps, stagingDir, logs, errorLogs string) {
	if deps.Store == nil {
		return
	}
	deps.Store.Put(ctx, deps.Bucket, path.Join(stagingDir, "output", "logs.log"), strings.NewReader(logs))
	if errorLogs != "" {
		deps.Store.Put(ctx, deps.Bucket, path.Join(stagingDir, "output", "error_logs.txt"), strings.NewReader(errorLogs))
	}
}

func run(ctx context.Context, deps Deps, jobID string, msg Message, logf func(string, ...any)) (Result, error) {
	state := StateFetching
	logf("state=%s", state)

	// Fetching: download the three materials.
	modelBytes, err := fetchMaterial(ctx, deps, msg.ModelURL)
	if err != nil {
		return Result{Status: string(state)}, errors.Wrap(InputMissing, err.Error())
	}
	datasetBytes, err := fetchMaterial(ctx, deps, msg.DatasetURL)
	if err != nil {
		return Result{Status: string(state)}, errors.Wrap(InputMissing, err.Error())
	}
	definitionBytes, err := fetchMaterial(ctx, deps, msg.DefinitionURL)
	if err != nil {
		return Result{Status: string(state)}, errors.Wrap(InputMissing, err.Error())
	}

	state = StateLoading
	logf("state=%s", state)
	def, err := dataset.ParseDefinition(strings.NewReader(string(definitionBytes)))
	if err != nil {
		return Result{Status: string(state)}, err
	}
	ds, err := dataset.Load(def, strings.NewReader(string(datasetBytes)))
	if err != nil {
		return Result{Status: string(state)}, err
	}

	state = StateTraining
	logf("state=%s", state)
	if deps.DeviceHasGPU != nil && !deps.DeviceHasGPU() {
		logf("no GPU visible, falling back to CPU")
	}
	fitParams := parseFitParams(msg.FitParams)

	modelPath, cleanup, err := writeTempModel(modelBytes)
	if err != nil {
		return Result{Status: string(state)}, errors.Wrap(err, "staging model for introspection")
	}
	defer cleanup()
	if deps.Introspector != nil && (len(def.InputShape) > 0 || len(def.OutputShape) > 0) {
		if err := model.ValidateShapes(deps.Introspector, modelPath, def.InputShape, def.OutputShape); err != nil {
			return Result{Status: string(state)}, err
		}
	}

	trainDS, valDS := training.SplitDataset(ds, fitParams.ValidationSplit)
	result, err := deps.Executor.Fit(ctx, modelPath, trainDS, valDS, fitParams)
	if err != nil {
		return Result{Status: string(state)}, err
	}

	state = StateCapturing
	logf("state=%s", state)
	metricsJSON, err := json.Marshal(result.History)
	if err != nil {
		return Result{Status: string(state)}, errors.Wrap(err, "marshalling metrics")
	}
	trainedModelBytes := modelBytes // the reference executor does not mutate weights in place

	state = StateAttesting
	logf("state=%s", state)
	_, modelKey, _ := blobRefFromURL(msg.ModelURL, deps.Bucket)
	_, datasetKey, _ := blobRefFromURL(msg.DatasetURL, deps.Bucket)
	_, definitionKey, _ := blobRefFromURL(msg.DefinitionURL, deps.Bucket)
	trainedModelKey := path.Join(msg.StagingDir, "output", "trained_model.keras")
	metricsKey := path.Join(msg.StagingDir, "output", "metrics.json")
	materials := map[string]attestation.DigestSet{
		modelKey:      {"sha256": sha256Hex(modelBytes)},
		datasetKey:    {"sha256": sha256Hex(datasetBytes)},
		definitionKey: {"sha256": sha256Hex(definitionBytes)},
	}
	products := map[string]attestation.DigestSet{
		trainedModelKey: {"sha256": sha256Hex(trainedModelBytes)},
		metricsKey:      {"sha256": sha256Hex(metricsJSON)},
	}
	linkBlob, linkFilename, err := attestation.BuildLink("run_training", materials, products, []string{"train.py"}, deps.Signer)
	if err != nil {
		return Result{Status: string(state)}, err
	}
	linkKey := path.Join(msg.StagingDir, "output", linkFilename)
	if _, err := deps.Store.Put(ctx, deps.Bucket, linkKey, strings.NewReader(string(linkBlob))); err != nil {
		return Result{Status: string(state)}, err
	}

	state = StatePublishing
	logf("state=%s", state)
	task := deps.TaskDescriptor
	if task.ID == "" {
		task = envinfo.TaskDescriptor{ID: jobID, Name: "run_training", Queue: "training_queue"}
	}
	info := envinfo.Collect(ctx, task, deps.Store, deps.ScanBucket)
	var archSummary string
	if deps.Introspector != nil {
		if s, err := deps.Introspector.Summary(modelPath); err == nil {
			archSummary = s
		}
	}
	doc := buildBOM(info, def, msg, materials, products, datasetKey, trainedModelKey, metricsKey, deps.Bucket, linkKey, result.History, archSummary)
	if err := bom.Validate(doc); err != nil {
		return Result{Status: string(state)}, err
	}
	signer := bom.SignerFunc(func(data []byte) ([]byte, error) { return deps.Signer.Sign(ctx, data) })
	signed, err := bom.Sign(*doc, signer, time.Now())
	if err != nil {
		return Result{Status: string(state)}, err
	}
	bomBytes, err := bom.Marshal(signed)
	if err != nil {
		return Result{Status: string(state)}, err
	}
	if _, err := deps.Store.Put(ctx, deps.Bucket, path.Join(msg.StagingDir, "output", "cyclonedx_bom.json"), strings.NewReader(string(bomBytes))); err != nil {
		return Result{Status: string(state)}, err
	}
	if _, err := deps.Store.Put(ctx, deps.Bucket, path.Join(msg.StagingDir, "output", "trained_model.keras"), strings.NewReader(string(trainedModelBytes))); err != nil {
		return Result{Status: string(state)}, err
	}
	if _, err := deps.Store.Put(ctx, deps.Bucket, path.Join(msg.StagingDir, "output", "metrics.json"), strings.NewReader(string(metricsJSON))); err != nil {
		return Result{Status: string(state)}, err
	}

	state = StateDone
	logf("state=%s", state)
	return Result{Status: string(state), JobID: jobID, StagingDir: msg.StagingDir}, nil
}

// writeTempModel persists modelBytes to a scratch file so the model
// introspector and executor, both of which operate on disk paths, can
// read it. The returned cleanup removes the file; run defers it, so the
// file stays in place until the job finishes.
func writeTempModel(modelBytes []byte) (path string, cleanup func(), err error) {
	f, err := os.CreateTemp("", "aibomgen-model-*")
	if err != nil {
		return "", nil, err
	}
	if _, err := f.Write(modelBytes); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", nil, err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", nil, err
	}
	return f.Name(), func() { os.Remove(f.Name()) }, nil
}

func fetchMaterial(ctx context.Context, deps Deps, url string) ([]byte, error) {
	bucket, key, err := blobRefFromURL(url, deps.Bucket)
	if err != nil {
		return nil, err
	}
	r, err := deps.Store.Get(ctx, bucket, key)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// blobRefFromURL extracts the bucket/key from a blob store Put URL.
// Every backend prefixes the URL differently (gs://, file://, blob://)
// so this trims whichever scheme is present and falls back to the
// worker's configured bucket when the URL is bucket-relative.
func blobRefFromURL(url, defaultBucket string) (bucket, key string, err error) {
	rest := url
	for _, prefix := range []string{"gs://", "file://", "blob://"} {
		if strings.HasPrefix(rest, prefix) {
			rest = strings.TrimPrefix(rest, prefix)
			parts := strings.SplitN(rest, "/", 2)
			if len(parts) == 2 {
				return parts[0], parts[1], nil
			}
			return defaultBucket, rest, nil
		}
	}
	return defaultBucket, rest, nil
}

func parseFitParams(raw map[string]any) training.FitParams {
	params := training.DefaultFitParams()
	if v, ok := raw["epochs"]; ok {
		params.Epochs = toInt(v)
	}
	if v, ok := raw["validation_split"]; ok {
		params.ValidationSplit = toFloat(v)
	}
	if v, ok := raw["initial_epoch"]; ok {
		params.InitialEpoch = toInt(v)
	}
	if v, ok := raw["batch_size"]; ok {
		params.BatchSize = toInt(v)
	}
	if v, ok := raw["steps_per_epoch"]; ok {
		n := toInt(v)
		params.StepsPerEpoch = &n
	}
	if v, ok := raw["validation_steps"]; ok {
		n := toInt(v)
		params.ValidationSteps = &n
	}
	if v, ok := raw["validation_freq"]; ok {
		params.ValidationFreq = toInt(v)
	}
	return params
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	default:
		return 0
	}
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	default:
		return 0
	}
}

func sha256Hex(b []byte) string {
	h, _ := crypto.SHA256Reader(strings.NewReader(string(b)))
	return h
}

func buildBOM(info envinfo.Info, def *dataset.Definition, msg Message, materials, products map[string]attestation.DigestSet, datasetKey, trainedModelKey, metricsKey, bucket, linkKey string, history []training.HistoryEntry, archSummary string) *bom.Document {
	doc := bom.NewDocument([]bom.OrganizationalEntity{{Name: msg.OptionalParams["author"]}})
	envProps := []bom.Property{
		{Name: "os", Value: info.OS},
		{Name: "runtime_version", Value: info.RuntimeVersion},
		{Name: "framework_version", Value: info.FrameworkVersion},
		{Name: "cpu_count", Value: info.CPUCount},
		{Name: "memory_total_mib", Value: info.MemoryTotalMiB},
		{Name: "disk_total_mib", Value: info.DiskTotalMiB},
		{Name: "task_id", Value: info.Task.ID},
		{Name: "task_name", Value: info.Task.Name},
		{Name: "task_queue", Value: info.Task.Queue},
		{Name: "container_id", Value: info.Docker.ContainerID},
		{Name: "image_name", Value: info.Docker.ImageName},
		{Name: "image_id", Value: info.Docker.ImageID},
	}
	for i, gpu := range info.GPUs {
		prefix := fmt.Sprintf("gpu_%d_", i)
		envProps = append(envProps,
			bom.Property{Name: prefix + "name", Value: gpu.Name},
			bom.Property{Name: prefix + "memory_total_mib", Value: gpu.MemoryTotal},
			bom.Property{Name: prefix + "memory_used_mib", Value: gpu.MemoryUsed})
	}
	for sev, count := range info.VulnerabilityScan {
		envProps = append(envProps, bom.Property{Name: "vulnerability_" + sev, Value: count})
	}
	dataProps := []bom.Property{
		{Name: "dataset-hash", Value: materials[datasetKey]["sha256"]},
		{Name: "file-path", Value: datasetKey},
	}
	if def != nil && def.Preprocessing.Normalize {
		dataProps = append(dataProps, bom.Property{Name: "preprocessing_normalize", Value: "true"})
	}
	modelProps := []bom.Property{}
	if archSummary != "" {
		modelProps = append(modelProps, bom.Property{Name: "architecture_summary", Value: archSummary})
	}
	for k, v := range msg.OptionalParams {
		modelProps = append(modelProps, bom.Property{Name: k, Value: v})
	}
	for k, v := range msg.FitParams {
		modelProps = append(modelProps, bom.Property{Name: fmt.Sprintf("fit_%s", k), Value: fmt.Sprintf("%v", v)})
	}
	if len(history) > 0 {
		final := history[len(history)-1]
		for name, v := range final {
			modelProps = append(modelProps, bom.Property{Name: "metric_" + name, Value: strconv.FormatFloat(v, 'g', -1, 64)})
		}
	}

	doc.Components = []bom.Component{
		{
			Type:       bom.ComponentTypePlatform,
			BOMRef:     bom.RefEnvironment,
			Name:       "training-environment",
			Properties: envProps,
		},
		{
			Type:       bom.ComponentTypeData,
			BOMRef:     bom.RefData,
			Name:       "training-data",
			Hashes:     []bom.Hash{{Alg: "SHA-256", Content: dataProps[0].Value}},
			Properties: dataProps,
		},
		{
			Type:        bom.ComponentTypeMLModel,
			BOMRef:      bom.RefModel,
			Name:        msg.OptionalParams["model_name"],
			Version:     msg.OptionalParams["model_version"],
			Description: msg.OptionalParams["model_description"],
			Properties:  modelProps,
			Hashes: []bom.Hash{
				{Alg: "SHA-256", Content: products[trainedModelKey]["sha256"]},
				{Alg: "SHA-256", Content: products[metricsKey]["sha256"]},
			},
		},
	}
	doc.ExternalReferences = []bom.ExternalReference{
		{Type: "attestation", URL: "blob://" + bucket + "/" + linkKey},
	}
	return doc
}
