// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package taskqueue

import (
	"context"
	"testing"

	"cloud.google.com/go/firestore"

	"github.com/aibomgen/platform/internal/firestoretest"
)

func newTestQueue(ctx context.Context, t *testing.T) *queue {
	t.Helper()
	if err := <-firestoretest.StartEmulator(ctx, t); err != nil {
		t.Fatalf("starting firestore emulator: %v", err)
	}
	client, err := firestore.NewClient(ctx, "test-project")
	if err != nil {
		t.Fatalf("firestore.NewClient(): %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return &queue{fs: client}
}

func TestReportAndGetStatus(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(ctx, t)

	if err := q.ReportStatus(ctx, "training.task-1", TaskStatus{State: TaskRunning}); err != nil {
		t.Fatalf("ReportStatus(): %v", err)
	}
	st, err := q.Status(ctx, "training.task-1")
	if err != nil {
		t.Fatalf("Status(): %v", err)
	}
	if st.State != TaskRunning {
		t.Errorf("State: want=%s got=%s", TaskRunning, st.State)
	}
	if st.TaskID != "training.task-1" {
		t.Errorf("TaskID: want=training.task-1 got=%s", st.TaskID)
	}
}

func TestStatusUnknownTask(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(ctx, t)

	if _, err := q.Status(ctx, "nonexistent"); err == nil {
		t.Error("Status() on unknown task: want error, got nil")
	}
}

func TestInspectActive(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(ctx, t)

	cases := map[string]TaskState{
		"training.t1": TaskPending,
		"training.t2": TaskRunning,
		"training.t3": TaskSucceeded,
		"scanner.t4":  TaskFailed,
	}
	for id, state := range cases {
		if err := q.ReportStatus(ctx, id, TaskStatus{State: state}); err != nil {
			t.Fatalf("ReportStatus(%s): %v", id, err)
		}
	}

	active, err := q.InspectActive(ctx)
	if err != nil {
		t.Fatalf("InspectActive(): %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("InspectActive(): want 2 active tasks, got %d (%+v)", len(active), active)
	}
	for _, st := range active {
		if st.State != TaskPending && st.State != TaskRunning {
			t.Errorf("InspectActive() returned terminal task: %+v", st)
		}
	}
}
