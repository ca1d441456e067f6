// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/joho/godotenv"

	"github.com/aibomgen/platform/internal/api/jobservice"
	"github.com/aibomgen/platform/internal/blobstore"
	"github.com/aibomgen/platform/internal/registry"
	"github.com/aibomgen/platform/internal/submission"
	"github.com/aibomgen/platform/internal/taskqueue"
)

var (
	project            = flag.String("project", "", "GCP Project ID for Firestore and Cloud Tasks")
	stagingBucket      = flag.String("staging-bucket", "", "GCS bucket materials are staged into")
	workerURL          = flag.String("worker-url", "", "URL of the worker's training handler")
	trainingQueuePath  = flag.String("training-queue-path", "", "Cloud Tasks queue path for training_queue")
	scannerQueuePath   = flag.String("scanner-queue-path", "", "Cloud Tasks queue path for scanner_queue")
	taskServiceAccount = flag.String("task-service-account", "", "Service account email Cloud Tasks uses to authenticate dispatched requests")
	localFSRoot        = flag.String("local-fs-root", "", "when set, use a local filesystem blob store rooted here instead of GCS")
)

func main() {
	flag.Parse()
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, continuing with process environment")
	}
	ctx := context.Background()

	var store blobstore.Store
	if *localFSRoot != "" {
		store = blobstore.NewFSStore(osfs.New(*localFSRoot))
	} else {
		gcs, err := blobstore.NewGCSStore(ctx)
		if err != nil {
			log.Fatalf("connecting to GCS: %v", err)
		}
		store = blobstore.NewRetryingStore(gcs, time.Second, 3)
	}

	reg, err := registry.Connect(ctx, *project)
	if err != nil {
		log.Fatalf("connecting to registry: %v", err)
	}

	fsClient, err := firestore.NewClient(ctx, *project)
	if err != nil {
		log.Fatalf("connecting to firestore: %v", err)
	}
	queue, err := taskqueue.NewQueue(ctx, fsClient, *trainingQueuePath, *scannerQueuePath, *taskServiceAccount)
	if err != nil {
		log.Fatalf("connecting to task queue: %v", err)
	}

	svc := submission.NewService(store, reg, queue, *stagingBucket, *workerURL)
	deps := &jobservice.Deps{
		Submission: svc,
		Registry:   reg,
		Queue:      queue,
		Store:      store,
		Bucket:     *stagingBucket,
		WorkerURL:  *workerURL,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /developer/submit_job_by_model_and_data", jobservice.NewSubmitHandler(deps))
	mux.HandleFunc("GET /developer/job_status/{job_id}", jobservice.NewJobStatusHandler(deps))
	mux.HandleFunc("GET /developer/job_artifacts/{job_id}", jobservice.NewJobArtifactsHandler(deps))
	mux.HandleFunc("GET /developer/job_artifacts/{job_id}/{name}", jobservice.NewJobArtifactHandler(deps))
	mux.HandleFunc("GET /celery_utils/tasks/my", jobservice.NewMyTasksHandler(deps))

	log.Println("submitserver listening on :8080")
	if err := http.ListenAndServe(":8080", mux); err != nil {
		log.Fatalln(err)
	}
}
