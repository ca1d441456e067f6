// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"

	"github.com/aibomgen/platform/internal/api"
	"github.com/aibomgen/platform/internal/api/form"
	"github.com/aibomgen/platform/internal/blobstore"
	"github.com/aibomgen/platform/internal/crypto"
	"github.com/aibomgen/platform/internal/taskqueue"
	"github.com/aibomgen/platform/internal/worker"
	"github.com/aibomgen/platform/pkg/model"
	"github.com/aibomgen/platform/pkg/training"
)

var (
	project        = flag.String("project", "", "GCP Project ID for Firestore")
	bucket         = flag.String("bucket", "", "GCS bucket materials and products live in")
	scanBucket     = flag.String("scan-bucket", "", "GCS bucket vulnerability scan reports are read from")
	privateKeyPath = flag.String("private-key", "/run/secrets/worker_private_key", "path to the worker's PEM-encoded Ed25519 private key")
	publicKeyPath  = flag.String("public-key", "/run/secrets/worker_public_key", "path to the worker's securesystemslib-shaped public key document")
)

const (
	retryAttempts  = 3
	retryBaseDelay = 60 * time.Second
)

// trainingRequest mirrors internal/submission's private trainingMessage
// field-for-field so form.Unmarshal can decode the task body Cloud
// Tasks posts without either package needing to export it.
type trainingRequest struct {
	StagingDir     string
	ModelURL       string
	DatasetURL     string
	DefinitionURL  string
	OptionalParams map[string]string
	FitParams      map[string]any
}

func (r trainingRequest) Validate() error {
	if r.StagingDir == "" || r.ModelURL == "" || r.DatasetURL == "" || r.DefinitionURL == "" {
		return errors.New("training message missing required field")
	}
	return nil
}

var _ api.Message = trainingRequest{}

func main() {
	flag.Parse()
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, continuing with process environment")
	}
	ctx := context.Background()

	gcs, err := blobstore.NewGCSStore(ctx)
	if err != nil {
		log.Fatalf("connecting to GCS: %v", err)
	}
	store := blobstore.NewRetryingStore(gcs, time.Second, 3)

	keypair, err := crypto.LoadKeypair(*privateKeyPath, *publicKeyPath)
	if err != nil {
		log.Fatalf("loading worker keypair: %v", err)
	}
	signer := &crypto.SignerVerifier{Keypair: keypair}

	fsClient, err := firestore.NewClient(ctx, *project)
	if err != nil {
		log.Fatalf("connecting to firestore: %v", err)
	}
	queue, err := taskqueue.NewQueue(ctx, fsClient, "", "", "")
	if err != nil {
		log.Fatalf("connecting to task queue: %v", err)
	}

	deps := worker.Deps{
		Store:        store,
		Bucket:       *bucket,
		ScanBucket:   *scanBucket,
		Signer:       signer,
		Introspector: model.SidecarIntrospector{},
		Executor:     training.SyntheticExecutor{},
		DeviceHasGPU: deviceHasGPU,
		Queue:        queue,
	}

	http.HandleFunc("/train", func(rw http.ResponseWriter, req *http.Request) {
		handleTrain(rw, req, deps)
	})

	log.Println("worker listening on :8080")
	if err := http.ListenAndServe(":8080", nil); err != nil {
		log.Fatalln(err)
	}
}

func handleTrain(rw http.ResponseWriter, req *http.Request, deps worker.Deps) {
	ctx := context.Background()
	if err := req.ParseForm(); err != nil {
		http.Error(rw, "bad request", http.StatusBadRequest)
		return
	}
	var treq trainingRequest
	if err := form.Unmarshal(req.Form, &treq); err != nil {
		log.Println(errors.Wrap(err, "parsing training request"))
		http.Error(rw, "bad request", http.StatusBadRequest)
		return
	}
	if err := treq.Validate(); err != nil {
		http.Error(rw, "bad request", http.StatusBadRequest)
		return
	}

	msg := worker.Message{
		StagingDir:     treq.StagingDir,
		ModelURL:       treq.ModelURL,
		DatasetURL:     treq.DatasetURL,
		DefinitionURL:  treq.DefinitionURL,
		OptionalParams: treq.OptionalParams,
		FitParams:      treq.FitParams,
	}
	jobID := treq.StagingDir

	if deps.Queue != nil {
		deps.Queue.ReportStatus(ctx, jobID, taskqueue.TaskStatus{State: taskqueue.TaskRunning})
	}

	var result worker.Result
	for attempt := 0; attempt <= retryAttempts; attempt++ {
		result = worker.Run(ctx, deps, jobID, msg)
		if result.Status != string(worker.StateFailing) || !strings.Contains(result.Error, "blob store unavailable") {
			break
		}
		if attempt == retryAttempts {
			break
		}
		log.Printf("job %s hit a retryable store failure, retry %d/%d", jobID, attempt+1, retryAttempts)
		time.Sleep(retryBaseDelay)
	}

	// Always ack with 200: a failed job is recorded in task_status, not
	// signaled through Cloud Tasks' own retry mechanism.
	rw.WriteHeader(http.StatusOK)
}

// deviceHasGPU reports whether nvidia-smi is reachable on PATH, the
// same best-effort check envinfo.Collect uses for GPU reporting.
func deviceHasGPU() bool {
	_, err := exec.LookPath("nvidia-smi")
	return err == nil
}
