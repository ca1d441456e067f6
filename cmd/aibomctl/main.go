// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// aibomctl is a debugging and operator tool for the platform: submit
// training jobs, poll their status, list and fetch artifacts, and
// exercise the verifier's four operations directly against a blob.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/aibomgen/platform/internal/api"
	"github.com/aibomgen/platform/internal/api/jobservice"
	"github.com/aibomgen/platform/internal/api/verifyservice"
	"github.com/aibomgen/platform/internal/httpx"
	"github.com/aibomgen/platform/internal/urlx"
	"github.com/aibomgen/platform/internal/verifier"
)

var rootCmd = &cobra.Command{
	Use:   "aibomctl",
	Short: "A debugging tool for the AI bill-of-materials platform",
}

var (
	submitAPI = flag.String("submit-api", "http://localhost:8080", "base URL of the submission service")
	verifyAPI = flag.String("verify-api", "http://localhost:8081", "base URL of the verifier service")
	owner     = flag.String("owner", "", "owner ID sent as the authenticated caller, standing in for the upstream auth middleware")

	modelPath  = flag.String("model", "", "path to the model file")
	dataPath   = flag.String("dataset", "", "path to the dataset file or zip archive")
	defPath    = flag.String("definition", "", "path to the dataset definition YAML file")
	framework  = flag.String("framework", "", "training framework, e.g. tensorflow")
	jobID      = flag.String("job", "", "job ID")
	artifact   = flag.String("artifact", "", "artifact name within a job's staging directory")

	layoutPath    = flag.String("layout", "", "path to a signed verification layout blob")
	linkPath      = flag.String("link", "", "path to an in-toto link blob")
	candidatePath = flag.String("candidate", "", "path to a candidate file checked against a recorded hash")
	filename      = flag.String("filename", "", "basename the candidate file is recorded under in the link")
	bomPath       = flag.String("bom", "", "path to a signed CycloneDX BOM blob")
)

func client() httpx.BasicClient {
	return &httpx.WithUserAgent{BasicClient: http.DefaultClient, UserAgent: "aibomctl"}
}

func mustReadFile(path string) []byte {
	b, err := os.ReadFile(path)
	if err != nil {
		log.Fatal(errors.Wrapf(err, "reading %s", path))
	}
	return b
}

func printJSON(v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		log.Fatal(errors.Wrap(err, "marshalling response"))
	}
	fmt.Println(string(b))
}

var submitJob = &cobra.Command{
	Use:   "submit --model <path> --dataset <path> --definition <path> --framework <name>",
	Short: "Submit a training job",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		if *modelPath == "" || *dataPath == "" || *defPath == "" || *framework == "" {
			log.Fatal("--model, --dataset, --definition, and --framework are required")
		}
		var body bytes.Buffer
		w := multipart.NewWriter(&body)
		if err := attachFile(w, "model", *modelPath); err != nil {
			log.Fatal(err)
		}
		if err := attachFile(w, "dataset", *dataPath); err != nil {
			log.Fatal(err)
		}
		if err := attachFile(w, "dataset_definition", *defPath); err != nil {
			log.Fatal(err)
		}
		if err := w.WriteField("framework", *framework); err != nil {
			log.Fatal(err)
		}
		if err := w.Close(); err != nil {
			log.Fatal(err)
		}
		u := urlx.MustParse(*submitAPI).JoinPath("developer", "submit_job_by_model_and_data")
		req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, u.String(), &body)
		if err != nil {
			log.Fatal(errors.Wrap(err, "building request"))
		}
		req.Header.Set("Content-Type", w.FormDataContentType())
		req.Header.Set(jobservice.OwnerHeader, *owner)
		resp, err := client().Do(req)
		if err != nil {
			log.Fatal(errors.Wrap(err, "sending request"))
		}
		defer resp.Body.Close()
		var out jobservice.SubmitResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			log.Fatal(errors.Wrap(err, "decoding response"))
		}
		printJSON(out)
	},
}

func attachFile(w *multipart.Writer, field, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "opening %s", path)
	}
	defer f.Close()
	part, err := w.CreateFormFile(field, filepath.Base(path))
	if err != nil {
		return errors.Wrap(err, "creating form file")
	}
	_, err = io.Copy(part, f)
	return errors.Wrap(err, "copying file into request body")
}

var jobStatus = &cobra.Command{
	Use:   "status --job <id>",
	Short: "Fetch a job's status",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		if *jobID == "" {
			log.Fatal("--job is required")
		}
		u := urlx.MustParse(*submitAPI).JoinPath("developer", "job_status", *jobID)
		req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, u.String(), nil)
		if err != nil {
			log.Fatal(errors.Wrap(err, "building request"))
		}
		req.Header.Set(jobservice.OwnerHeader, *owner)
		resp, err := client().Do(req)
		if err != nil {
			log.Fatal(errors.Wrap(err, "sending request"))
		}
		defer resp.Body.Close()
		var out jobservice.StatusResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			log.Fatal(errors.Wrap(err, "decoding response"))
		}
		printJSON(out)
	},
}

var listArtifacts = &cobra.Command{
	Use:   "artifacts --job <id> [--artifact <name>]",
	Short: "List a job's artifacts, or print a presigned URL for one",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		if *jobID == "" {
			log.Fatal("--job is required")
		}
		base := urlx.MustParse(*submitAPI).JoinPath("developer", "job_artifacts", *jobID)
		u := base
		if *artifact != "" {
			u = base.JoinPath(*artifact)
		}
		req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, u.String(), nil)
		if err != nil {
			log.Fatal(errors.Wrap(err, "building request"))
		}
		req.Header.Set(jobservice.OwnerHeader, *owner)
		redirClient := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
		resp, err := redirClient.Do(req)
		if err != nil {
			log.Fatal(errors.Wrap(err, "sending request"))
		}
		defer resp.Body.Close()
		if loc := resp.Header.Get("Location"); loc != "" {
			fmt.Println(loc)
			return
		}
		var out jobservice.ArtifactsResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			log.Fatal(errors.Wrap(err, "decoding response"))
		}
		printJSON(out)
	},
}

func verifyStub[I api.Message, O any](cmd *cobra.Command, path string, req I) *O {
	u := urlx.MustParse(*verifyAPI).JoinPath(path)
	stub := api.Stub[I, O](client(), u)
	out, err := stub(cmd.Context(), req)
	if err != nil {
		log.Fatal(errors.Wrap(err, "calling verifier"))
	}
	return out
}

var verifyLink = &cobra.Command{
	Use:   "verify-link --layout <path> --link <path>",
	Short: "Verify an in-toto link against a signed layout",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		if *layoutPath == "" || *linkPath == "" {
			log.Fatal("--layout and --link are required")
		}
		req := verifyservice.VerifyLinkRequest{
			LayoutBlob: mustReadFile(*layoutPath),
			LinkBlob:   mustReadFile(*linkPath),
		}
		printJSON(verifyStub[verifyservice.VerifyLinkRequest, verifier.LinkVerdict](cmd, "verifier/verify_in-toto_link", req))
	},
}

var verifyFileHash = &cobra.Command{
	Use:   "verify-hash --link <path> --filename <name> --candidate <path>",
	Short: "Verify a candidate file against the hash recorded in a link",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		if *linkPath == "" || *filename == "" || *candidatePath == "" {
			log.Fatal("--link, --filename, and --candidate are required")
		}
		req := verifyservice.VerifyFileHashRequest{
			LinkBlob:      mustReadFile(*linkPath),
			Filename:      *filename,
			CandidateBlob: mustReadFile(*candidatePath),
		}
		printJSON(verifyStub[verifyservice.VerifyFileHashRequest, verifyservice.VerifyFileHashResponse](cmd, "verifier/verify_file_hash", req))
	},
}

var verifyArtifacts = &cobra.Command{
	Use:   "verify-artifacts --link <path>",
	Short: "Re-hash every material and product a link records against the blob store",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		if *linkPath == "" {
			log.Fatal("--link is required")
		}
		req := verifyservice.VerifyStagedArtifactsRequest{LinkBlob: mustReadFile(*linkPath)}
		printJSON(verifyStub[verifyservice.VerifyStagedArtifactsRequest, verifier.StagedArtifactsVerdict](cmd, "verifier/verify_minio_artifacts", req))
	},
}

var verifyBOM = &cobra.Command{
	Use:   "verify-bom --bom <path> --layout <path>",
	Short: "Verify a signed BOM's signature and its linked attestation",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		if *bomPath == "" || *layoutPath == "" {
			log.Fatal("--bom and --layout are required")
		}
		req := verifyservice.VerifyBOMAndLinkRequest{
			BomBlob:    mustReadFile(*bomPath),
			LayoutBlob: mustReadFile(*layoutPath),
		}
		printJSON(verifyStub[verifyservice.VerifyBOMAndLinkRequest, verifier.LinkVerdict](cmd, "verifier/verify_bom_and_link", req))
	},
}

func init() {
	submitJob.Flags().AddGoFlag(flag.Lookup("submit-api"))
	submitJob.Flags().AddGoFlag(flag.Lookup("owner"))
	submitJob.Flags().AddGoFlag(flag.Lookup("model"))
	submitJob.Flags().AddGoFlag(flag.Lookup("dataset"))
	submitJob.Flags().AddGoFlag(flag.Lookup("definition"))
	submitJob.Flags().AddGoFlag(flag.Lookup("framework"))

	jobStatus.Flags().AddGoFlag(flag.Lookup("submit-api"))
	jobStatus.Flags().AddGoFlag(flag.Lookup("owner"))
	jobStatus.Flags().AddGoFlag(flag.Lookup("job"))

	listArtifacts.Flags().AddGoFlag(flag.Lookup("submit-api"))
	listArtifacts.Flags().AddGoFlag(flag.Lookup("owner"))
	listArtifacts.Flags().AddGoFlag(flag.Lookup("job"))
	listArtifacts.Flags().AddGoFlag(flag.Lookup("artifact"))

	verifyLink.Flags().AddGoFlag(flag.Lookup("verify-api"))
	verifyLink.Flags().AddGoFlag(flag.Lookup("layout"))
	verifyLink.Flags().AddGoFlag(flag.Lookup("link"))

	verifyFileHash.Flags().AddGoFlag(flag.Lookup("verify-api"))
	verifyFileHash.Flags().AddGoFlag(flag.Lookup("link"))
	verifyFileHash.Flags().AddGoFlag(flag.Lookup("filename"))
	verifyFileHash.Flags().AddGoFlag(flag.Lookup("candidate"))

	verifyArtifacts.Flags().AddGoFlag(flag.Lookup("verify-api"))
	verifyArtifacts.Flags().AddGoFlag(flag.Lookup("link"))

	verifyBOM.Flags().AddGoFlag(flag.Lookup("verify-api"))
	verifyBOM.Flags().AddGoFlag(flag.Lookup("bom"))
	verifyBOM.Flags().AddGoFlag(flag.Lookup("layout"))

	rootCmd.AddCommand(submitJob, jobStatus, listArtifacts, verifyLink, verifyFileHash, verifyArtifacts, verifyBOM)
}

func main() {
	flag.Parse()
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
