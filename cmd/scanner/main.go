// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/aibomgen/platform/internal/blobstore"
	"github.com/aibomgen/platform/internal/scanner"
)

var (
	scanBucket  = flag.String("scan-bucket", "", "GCS bucket scan reports are published to")
	targets     = flag.String("targets", "worker=gcr.io/project/worker:latest,scanner=gcr.io/project/scanner:latest", "comma-separated name=imageRef pairs to scan")
	trivyPath   = flag.String("trivy-path", "", "path to the trivy binary, defaults to trivy on PATH")
	interval    = flag.Duration("interval", time.Hour, "how often to re-scan every target")
)

func parseTargets(s string) []scanner.Target {
	var out []scanner.Target
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, ref, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		out = append(out, scanner.Target{Name: name, Ref: ref})
	}
	return out
}

func main() {
	flag.Parse()
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, continuing with process environment")
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	gcs, err := blobstore.NewGCSStore(ctx)
	if err != nil {
		log.Fatalf("connecting to GCS: %v", err)
	}

	svc := &scanner.Service{
		Scanner: scanner.TrivyScanner{Path: *trivyPath},
		Store:   gcs,
		Bucket:  *scanBucket,
		Targets: parseTargets(*targets),
	}

	log.Printf("scanner running against %d targets every %s", len(svc.Targets), *interval)
	scanner.Run(ctx, svc, *interval, log.Printf)
	log.Println("scanner shutting down")
}
