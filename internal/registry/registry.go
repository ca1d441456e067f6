// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package registry is the job registry: the durable record mapping a
// job_id to its owner and staging directory. It intentionally never
// stores job state — state is always re-derived from the broker
// (internal/taskqueue) so the registry and the broker cannot drift out
// of sync with each other.
package registry

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/pkg/errors"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const jobsCollection = "jobs"

// connectAttempts and connectInterval implement the bounded linear
// backoff a service must complete before accepting traffic.
const (
	connectAttempts = 60
	connectInterval = 10 * time.Second
)

// ErrNotFound is returned by Get when no record exists for a job ID.
var ErrNotFound = errors.New("job not found")

// ErrAlreadyExists is returned by Create when the job ID is already
// registered, enforcing the uniqueness constraint.
var ErrAlreadyExists = errors.New("job already exists")

// Record is the entirety of what the registry stores for a job.
type Record struct {
	OwnerID    string `firestore:"owner_id"`
	StagingDir string `firestore:"staging_dir"`
}

// Registry is the job registry contract.
type Registry interface {
	Create(ctx context.Context, jobID string, rec Record) error
	Get(ctx context.Context, jobID string) (*Record, error)
	ListByOwner(ctx context.Context, ownerID string) (map[string]Record, error)
}

type firestoreRegistry struct {
	client *firestore.Client
}

// Connect dials Firestore, retrying with bounded linear backoff (60
// attempts x 10s) before giving up. Callers should treat a non-nil
// error as a fatal startup failure.
func Connect(ctx context.Context, projectID string) (Registry, error) {
	var client *firestore.Client
	var err error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		client, err = firestore.NewClient(ctx, projectID)
		if err == nil {
			if _, pingErr := client.Collection(jobsCollection).Limit(1).Documents(ctx).GetAll(); pingErr == nil {
				return &firestoreRegistry{client: client}, nil
			} else {
				err = pingErr
			}
		}
		if attempt == connectAttempts {
			break
		}
		select {
		case <-time.After(connectInterval):
		case <-ctx.Done():
			return nil, errors.Wrap(ctx.Err(), "connecting to registry")
		}
	}
	return nil, errors.Wrapf(err, "registry unreachable after %d attempts", connectAttempts)
}

func (r *firestoreRegistry) Create(ctx context.Context, jobID string, rec Record) error {
	_, err := r.client.Collection(jobsCollection).Doc(jobID).Create(ctx, rec)
	if status.Code(err) == codes.AlreadyExists {
		return ErrAlreadyExists
	}
	return errors.Wrap(err, "creating job record")
}

func (r *firestoreRegistry) Get(ctx context.Context, jobID string) (*Record, error) {
	doc, err := r.client.Collection(jobsCollection).Doc(jobID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "fetching job record")
	}
	var rec Record
	if err := doc.DataTo(&rec); err != nil {
		return nil, errors.Wrap(err, "decoding job record")
	}
	return &rec, nil
}

func (r *firestoreRegistry) ListByOwner(ctx context.Context, ownerID string) (map[string]Record, error) {
	iter := r.client.Collection(jobsCollection).Where("owner_id", "==", ownerID).Documents(ctx)
	docs, err := iter.GetAll()
	if err != nil {
		return nil, errors.Wrap(err, "listing job records")
	}
	out := make(map[string]Record, len(docs))
	for _, doc := range docs {
		var rec Record
		if err := doc.DataTo(&rec); err != nil {
			return nil, errors.Wrap(err, "decoding job record")
		}
		out[doc.Ref.ID] = rec
	}
	return out, nil
}

var _ Registry = &firestoreRegistry{}
