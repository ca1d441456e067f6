// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package taskqueue wraps Cloud Tasks as the broker for training and
// scanning work. A job enters exactly one of two named queues and is
// addressed by task ID from then on; the queue itself is treated as a
// dumb delivery mechanism; the only state recorded here is what Cloud
// Tasks cannot report: perceived completion status of the task as
// reported by the worker, since Cloud Tasks offers no introspection
// into handler outcome once a task is dispatched.
package taskqueue

import (
	"context"
	"fmt"

	cloudtasks "cloud.google.com/go/cloudtasks/apiv2"
	taskspb "cloud.google.com/go/cloudtasks/apiv2/cloudtaskspb"
	"cloud.google.com/go/firestore"

	"github.com/aibomgen/platform/internal/api"
	"github.com/aibomgen/platform/internal/api/form"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// QueueName identifies one of the two broker queues this system uses.
type QueueName string

const (
	TrainingQueue QueueName = "training_queue"
	ScannerQueue  QueueName = "scanner_queue"
)

func (q QueueName) prefix() string {
	switch q {
	case TrainingQueue:
		return "training."
	case ScannerQueue:
		return "scanner."
	default:
		return "task."
	}
}

// TaskState is the worker-reported lifecycle of a dispatched task, kept
// separate from the worker's own per-job state machine since a single
// task can be retried multiple times before succeeding.
type TaskState string

const (
	TaskPending   TaskState = "PENDING"
	TaskRunning   TaskState = "RUNNING"
	TaskSucceeded TaskState = "SUCCEEDED"
	TaskFailed    TaskState = "FAILED"
)

// TaskStatus is the worker-reported outcome of a dispatched task.
type TaskStatus struct {
	TaskID string    `firestore:"-"`
	State  TaskState `firestore:"state"`
	Result string    `firestore:"result,omitempty"`
	Error  string    `firestore:"error,omitempty"`
}

// Queue is the broker abstraction: tasks go in via Add, workers report
// progress via ReportStatus, and callers (e.g. the job-status endpoint)
// poll via Status or InspectActive.
type Queue interface {
	// Add dispatches msg to queue via url and seeds the task-status
	// mirror under taskID, the key ReportStatus and Status use for the
	// lifetime of the task. Callers pass their own stable identifier
	// (a job ID) since Cloud Tasks' generated resource name is not
	// known until after the task is created.
	Add(ctx context.Context, queue QueueName, taskID, url string, msg api.Message) (*taskspb.Task, error)
	ReportStatus(ctx context.Context, taskID string, st TaskStatus) error
	Status(ctx context.Context, taskID string) (*TaskStatus, error)
	InspectActive(ctx context.Context) ([]TaskStatus, error)
}

type queuePaths struct {
	training string
	scanner  string
}

type queue struct {
	client              *cloudtasks.Client
	paths               queuePaths
	serviceAccountEmail string
	fs                  *firestore.Client
}

// NewQueue dials Cloud Tasks and Firestore (for the status mirror) and
// returns a Queue bound to the given queue paths.
func NewQueue(ctx context.Context, fs *firestore.Client, trainingQueuePath, scannerQueuePath, serviceAccountEmail string) (Queue, error) {
	client, err := cloudtasks.NewClient(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "creating TaskQueue client")
	}
	return &queue{
		client:              client,
		paths:               queuePaths{training: trainingQueuePath, scanner: scannerQueuePath},
		serviceAccountEmail: serviceAccountEmail,
		fs:                  fs,
	}, nil
}

func (q *queue) pathFor(name QueueName) (string, error) {
	switch name {
	case TrainingQueue:
		return q.paths.training, nil
	case ScannerQueue:
		return q.paths.scanner, nil
	default:
		return "", errors.Errorf("unknown queue: %s", name)
	}
}

func (q *queue) Add(ctx context.Context, name QueueName, taskID, url string, msg api.Message) (*taskspb.Task, error) {
	if err := msg.Validate(); err != nil {
		return nil, errors.Wrap(err, "validating message")
	}
	parent, err := q.pathFor(name)
	if err != nil {
		return nil, err
	}
	values, err := form.Marshal(msg)
	if err != nil {
		return nil, errors.Wrap(err, "marshalling message")
	}
	req := &taskspb.CreateTaskRequest{
		Parent: parent,
		Task: &taskspb.Task{
			Name: parent + "/tasks/" + name.prefix() + uuid.New().String(),
			MessageType: &taskspb.Task_HttpRequest{
				HttpRequest: &taskspb.HttpRequest{
					HttpMethod: taskspb.HttpMethod_POST,
					Url:        url,
					Headers: map[string]string{
						"Content-Type": "application/x-www-form-urlencoded",
					},
					Body: []byte(values.Encode()),
					AuthorizationHeader: &taskspb.HttpRequest_OidcToken{
						OidcToken: &taskspb.OidcToken{
							ServiceAccountEmail: q.serviceAccountEmail,
						},
					},
				},
			},
		},
	}
	task, err := q.client.CreateTask(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("cloudtasks.CreateTask: %w", err)
	}
	if _, err := q.fs.Collection("task_status").Doc(taskID).Set(ctx, TaskStatus{State: TaskPending}); err != nil {
		return nil, errors.Wrap(err, "recording initial task status")
	}
	return task, nil
}

// ReportStatus is called by the worker as it progresses through a task,
// and is the only place task outcome is ever recorded.
func (q *queue) ReportStatus(ctx context.Context, taskID string, st TaskStatus) error {
	_, err := q.fs.Collection("task_status").Doc(taskID).Set(ctx, st)
	return errors.Wrap(err, "reporting task status")
}

func (q *queue) Status(ctx context.Context, taskID string) (*TaskStatus, error) {
	doc, err := q.fs.Collection("task_status").Doc(taskID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, errors.Errorf("unknown task: %s", taskID)
		}
		return nil, errors.Wrap(err, "fetching task status")
	}
	var st TaskStatus
	if err := doc.DataTo(&st); err != nil {
		return nil, errors.Wrap(err, "decoding task status")
	}
	st.TaskID = taskID
	return &st, nil
}

// InspectActive lists every task not yet in a terminal state, used by
// operator tooling to see what the broker currently has in flight.
func (q *queue) InspectActive(ctx context.Context) ([]TaskStatus, error) {
	iter := q.fs.Collection("task_status").Where("state", "in", []TaskState{TaskPending, TaskRunning}).Documents(ctx)
	var out []TaskStatus
	docs, err := iter.GetAll()
	if err != nil {
		return nil, errors.Wrap(err, "listing active tasks")
	}
	for _, doc := range docs {
		var st TaskStatus
		if err := doc.DataTo(&st); err != nil {
			return nil, errors.Wrap(err, "decoding task status")
		}
		st.TaskID = doc.Ref.ID
		out = append(out, st)
	}
	return out, nil
}

var _ Queue = &queue{}
