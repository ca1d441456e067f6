// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package scanner implements the out-of-band vulnerability scan service:
// on an hourly schedule it invokes an opaque scanner against a set of
// image references and writes the resulting report under a
// timestamped key in a dedicated bucket. It never interprets the
// report itself; envinfo.Collect reads back the newest key.
package scanner

import (
	"context"
	"encoding/json"
	"os/exec"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/aibomgen/platform/internal/blobstore"
)

// ScanUnavailable is returned when the underlying scanner binary could
// not be invoked at all (missing binary, exec failure). A scan that
// ran but found vulnerabilities is not an error.
var ScanUnavailable = errors.New("scan unavailable")

// Target identifies one image to scan.
type Target struct {
	Name string // human-readable label used in the report key, e.g. "worker" or "scanner"
	Ref  string // image reference passed to the scanner, e.g. "gcr.io/project/worker:latest"
}

// Scanner is the opaque vulnerability scanner invoked once per target.
// Report implementations shell out to a real scanner binary; they
// never need to understand the report shape, only produce it.
type Scanner interface {
	Scan(ctx context.Context, imageRef string) ([]byte, error)
}

// TrivyScanner shells out to the Trivy CLI, matching the report shape
// internal/envinfo.parseScanSummary already decodes.
type TrivyScanner struct {
	// Path to the trivy binary. Defaults to "trivy" on PATH when empty.
	Path string
}

// Scan runs `trivy image --format json <imageRef>` and returns its
// stdout verbatim.
func (t TrivyScanner) Scan(ctx context.Context, imageRef string) ([]byte, error) {
	bin := t.Path
	if bin == "" {
		bin = "trivy"
	}
	cmd := exec.CommandContext(ctx, bin, "image", "--format", "json", "--quiet", imageRef)
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, errors.Wrapf(ScanUnavailable, "trivy image %s: %v: %s", imageRef, err, stderr.String())
	}
	return []byte(stdout.String()), nil
}

// Service runs scheduled scans and publishes their reports.
type Service struct {
	Scanner Scanner
	Store   blobstore.Store
	Bucket  string
	Targets []Target
	Now     func() time.Time // overridable for tests; defaults to time.Now
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// RunOnce scans every configured target and writes each report under a
// lexicographically-sortable key of the form
// "<target>/<RFC3339Nano timestamp>.json", so that the newest report
// for a target always sorts last. Individual target failures are
// collected and returned together; a failure on one target does not
// prevent the others from running.
func (s *Service) RunOnce(ctx context.Context) error {
	var errs []error
	ts := s.now().UTC().Format(time.RFC3339Nano)
	for _, target := range s.Targets {
		report, err := s.Scanner.Scan(ctx, target.Ref)
		if err != nil {
			errs = append(errs, errors.Wrapf(err, "scanning %s", target.Name))
			continue
		}
		if !json.Valid(report) {
			errs = append(errs, errors.Errorf("scanner produced invalid JSON for %s", target.Name))
			continue
		}
		key := target.Name + "/" + ts + ".json"
		if _, err := s.Store.Put(ctx, s.Bucket, key, strings.NewReader(string(report))); err != nil {
			errs = append(errs, errors.Wrapf(err, "publishing report for %s", target.Name))
			continue
		}
	}
	if len(errs) > 0 {
		return errors.Errorf("%d of %d scans failed: %v", len(errs), len(s.Targets), errs)
	}
	return nil
}

// Run invokes RunOnce immediately and then every interval until ctx is
// done, logging failures via logf rather than aborting the loop — a
// single bad scan must not stop future scheduled scans from running.
func Run(ctx context.Context, s *Service, interval time.Duration, logf func(format string, args ...any)) {
	if err := s.RunOnce(ctx); err != nil {
		logf("scan failed: %v", err)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				logf("scan failed: %v", err)
			}
		}
	}
}
