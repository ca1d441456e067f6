// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package scanner

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/memfs"

	"github.com/aibomgen/platform/internal/blobstore"
)

type fakeScanner struct {
	report []byte
	err    error
	calls  []string
}

func (f *fakeScanner) Scan(_ context.Context, imageRef string) ([]byte, error) {
	f.calls = append(f.calls, imageRef)
	if f.err != nil {
		return nil, f.err
	}
	return f.report, nil
}

func TestRunOnceWritesTimestampedReportPerTarget(t *testing.T) {
	store := blobstore.NewFSStore(memfs.New())
	fs := &fakeScanner{report: []byte(`{"Results":[]}`)}
	svc := &Service{
		Scanner: fs,
		Store:   store,
		Bucket:  "scans",
		Targets: []Target{
			{Name: "worker", Ref: "gcr.io/proj/worker:latest"},
			{Name: "scanner", Ref: "gcr.io/proj/scanner:latest"},
		},
		Now: func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) },
	}

	if err := svc.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce(): %v", err)
	}
	if len(fs.calls) != 2 {
		t.Fatalf("Scan() calls: want 2, got %d", len(fs.calls))
	}

	keys, err := store.List(context.Background(), "scans", "worker/")
	if err != nil {
		t.Fatalf("List(): %v", err)
	}
	if len(keys) != 1 {
		t.Fatalf("worker reports: want 1, got %d (%v)", len(keys), keys)
	}

	r, err := store.Get(context.Background(), "scans", keys[0])
	if err != nil {
		t.Fatalf("Get(): %v", err)
	}
	defer r.Close()
	body, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("reading report: %v", err)
	}
	if strings.TrimSpace(string(body)) != `{"Results":[]}` {
		t.Errorf("report body: got %q", body)
	}
}

func TestRunOnceCollectsPerTargetFailuresWithoutAbortingOthers(t *testing.T) {
	store := blobstore.NewFSStore(memfs.New())
	fs := &fakeScanner{err: ScanUnavailable}
	svc := &Service{
		Scanner: fs,
		Store:   store,
		Bucket:  "scans",
		Targets: []Target{{Name: "worker", Ref: "gcr.io/proj/worker:latest"}, {Name: "scanner", Ref: "gcr.io/proj/scanner:latest"}},
	}

	err := svc.RunOnce(context.Background())
	if err == nil {
		t.Fatal("RunOnce(): want error when every target fails")
	}
	if len(fs.calls) != 2 {
		t.Errorf("Scan() calls: want both targets attempted, got %d", len(fs.calls))
	}
}

func TestRunOnceRejectsNonJSONReport(t *testing.T) {
	store := blobstore.NewFSStore(memfs.New())
	fs := &fakeScanner{report: []byte("not json")}
	svc := &Service{
		Scanner: fs,
		Store:   store,
		Bucket:  "scans",
		Targets: []Target{{Name: "worker", Ref: "gcr.io/proj/worker:latest"}},
	}

	if err := svc.RunOnce(context.Background()); err == nil {
		t.Fatal("RunOnce(): want error for non-JSON scanner output")
	}
	keys, _ := store.List(context.Background(), "scans", "worker/")
	if len(keys) != 0 {
		t.Errorf("want no report published for invalid output, got %v", keys)
	}
}

func TestRunRunsImmediatelyThenOnInterval(t *testing.T) {
	store := blobstore.NewFSStore(memfs.New())
	fs := &fakeScanner{report: []byte(`{"Results":[]}`)}
	svc := &Service{
		Scanner: fs,
		Store:   store,
		Bucket:  "scans",
		Targets: []Target{{Name: "worker", Ref: "gcr.io/proj/worker:latest"}},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 25*time.Millisecond)
	defer cancel()
	var logged []string
	Run(ctx, svc, 10*time.Millisecond, func(format string, args ...any) { logged = append(logged, format) })

	if len(fs.calls) < 2 {
		t.Errorf("want at least 2 scans (immediate + ticked), got %d", len(fs.calls))
	}
	if len(logged) != 0 {
		t.Errorf("want no logged failures, got %v", logged)
	}
}
