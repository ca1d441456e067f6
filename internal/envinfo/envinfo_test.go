// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package envinfo

import (
	"context"
	"strings"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"

	"github.com/aibomgen/platform/internal/blobstore"
)

func TestCollectNeverPanics(t *testing.T) {
	store := blobstore.NewFSStore(memfs.New())
	info := Collect(context.Background(), TaskDescriptor{ID: "t1", Name: "run_training", Queue: "training_queue"}, store, "scans")
	if info.OS == "" {
		t.Error("OS: want non-empty value")
	}
	if info.RuntimeVersion == "" {
		t.Error("RuntimeVersion: want non-empty value")
	}
	if info.Task.ID != "t1" {
		t.Errorf("Task.ID: want=t1 got=%s", info.Task.ID)
	}
	if info.VulnerabilityScan == nil {
		t.Error("VulnerabilityScan: want non-nil map")
	}
}

func TestFrameworkVersionDefaultsToUnknown(t *testing.T) {
	t.Setenv("FRAMEWORK_VERSION", "")
	if got := frameworkVersion(); got != Unknown {
		t.Errorf("frameworkVersion(): want=%s got=%s", Unknown, got)
	}
}

func TestFrameworkVersionFromEnv(t *testing.T) {
	t.Setenv("FRAMEWORK_VERSION", "tensorflow-2.16.1")
	if got := frameworkVersion(); got != "tensorflow-2.16.1" {
		t.Errorf("frameworkVersion(): want=tensorflow-2.16.1 got=%s", got)
	}
}

func TestParseScanSummaryClean(t *testing.T) {
	got := parseScanSummary(strings.NewReader(`{"Results":[]}`))
	if got["status"] != "clean" {
		t.Errorf("parseScanSummary(): want status=clean got=%+v", got)
	}
}

func TestParseScanSummaryCountsBySeverity(t *testing.T) {
	report := `{"Results":[{"Vulnerabilities":[{"Severity":"HIGH"},{"Severity":"high"},{"Severity":"CRITICAL"}]}]}`
	got := parseScanSummary(strings.NewReader(report))
	if got["HIGH"] != "2" {
		t.Errorf("HIGH count: want=2 got=%s", got["HIGH"])
	}
	if got["CRITICAL"] != "1" {
		t.Errorf("CRITICAL count: want=1 got=%s", got["CRITICAL"])
	}
}

func TestParseScanSummaryMalformedDefaultsUnknown(t *testing.T) {
	got := parseScanSummary(strings.NewReader(`not json`))
	if got["status"] != Unknown {
		t.Errorf("parseScanSummary(): want status=Unknown got=%+v", got)
	}
}

func TestDockerInfoOutsideContainer(t *testing.T) {
	// Whether or not /.dockerenv exists where the test runs, ContainerID
	// is never left empty: it is either Unknown or a real value.
	info := dockerInfo()
	if info.ContainerID != Unknown && info.ContainerID == "" {
		t.Errorf("ContainerID: want Unknown or a real value, got empty string")
	}
}
