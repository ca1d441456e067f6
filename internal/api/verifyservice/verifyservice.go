// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package verifyservice adapts internal/verifier's four verification
// operations to the api.Handler request/response contract so they can
// be exposed over HTTP by cmd/verifyserver.
package verifyservice

import (
	"bytes"
	"context"
	"crypto/ed25519"

	"github.com/pkg/errors"
	"google.golang.org/grpc/codes"

	"github.com/aibomgen/platform/internal/api"
	"github.com/aibomgen/platform/internal/blobstore"
	"github.com/aibomgen/platform/internal/crypto"
	"github.com/aibomgen/platform/internal/verifier"
)

// Deps is shared by every handler in this package: the trust store of
// authority public keys the layout signature and link functionary
// signatures are checked against, the blob store staged artifacts and
// links are read from, and the worker's public key used to verify BOM
// signatures.
type Deps struct {
	Authorities     map[string]crypto.Keypair
	Store           blobstore.Store
	Bucket          string
	WorkerPublicKey ed25519.PublicKey
}

// verifierErrorCode maps the verifier package's error taxonomy onto
// gRPC codes, so the generic api.Handler can translate them to HTTP
// status without this package repeating the switch at every handler.
func verifierErrorCode(err error) codes.Code {
	switch {
	case errors.Is(err, verifier.LinkMissing):
		return codes.NotFound
	case errors.Is(err, verifier.SignatureInvalid),
		errors.Is(err, verifier.LayoutExpired),
		errors.Is(err, verifier.ThresholdUnmet),
		errors.Is(err, verifier.RuleViolation),
		errors.Is(err, verifier.BomInvalid):
		return codes.InvalidArgument
	default:
		return codes.Internal
	}
}

// VerifyLinkRequest is operation 1's request: a link blob checked
// against a signed verification layout.
type VerifyLinkRequest struct {
	LayoutBlob []byte `form:"layout_blob,required"`
	LinkBlob   []byte `form:"link_blob,required"`
}

func (r VerifyLinkRequest) Validate() error {
	if len(r.LayoutBlob) == 0 || len(r.LinkBlob) == 0 {
		return errors.New("layout_blob and link_blob are required")
	}
	return nil
}

var _ api.Message = VerifyLinkRequest{}

// VerifyLink handles POST /verifier/verify_in-toto_link.
func VerifyLink(ctx context.Context, req VerifyLinkRequest, deps *Deps) (*verifier.LinkVerdict, error) {
	verdict, err := verifier.VerifyLink(req.LayoutBlob, req.LinkBlob, deps.Authorities)
	if err != nil {
		return nil, api.AsStatus(verifierErrorCode(err), err)
	}
	return verdict, nil
}

// VerifyFileHashRequest is operation 2's request: a candidate file
// checked against the digest recorded for its basename in the link.
type VerifyFileHashRequest struct {
	LinkBlob      []byte `form:"link_blob,required"`
	Filename      string `form:"filename,required"`
	CandidateBlob []byte `form:"candidate_blob,required"`
}

func (r VerifyFileHashRequest) Validate() error {
	if len(r.LinkBlob) == 0 || r.Filename == "" {
		return errors.New("link_blob and filename are required")
	}
	return nil
}

var _ api.Message = VerifyFileHashRequest{}

// VerifyFileHashResponse wraps the verdict string so it round-trips as
// a JSON object rather than a bare string.
type VerifyFileHashResponse struct {
	Status verifier.FileHashVerdict `json:"status"`
}

// VerifyFileHash handles POST /verifier/verify_file_hash.
func VerifyFileHash(ctx context.Context, req VerifyFileHashRequest, deps *Deps) (*VerifyFileHashResponse, error) {
	status, err := verifier.VerifyFileHash(req.LinkBlob, req.Filename, bytes.NewReader(req.CandidateBlob))
	if err != nil {
		return nil, api.AsStatus(verifierErrorCode(err), err)
	}
	return &VerifyFileHashResponse{Status: status}, nil
}

// VerifyStagedArtifactsRequest is operation 3's request: re-hash every
// material and product the link records against the blob store.
type VerifyStagedArtifactsRequest struct {
	LinkBlob []byte `form:"link_blob,required"`
}

func (r VerifyStagedArtifactsRequest) Validate() error {
	if len(r.LinkBlob) == 0 {
		return errors.New("link_blob is required")
	}
	return nil
}

var _ api.Message = VerifyStagedArtifactsRequest{}

// VerifyStagedArtifacts handles POST /verifier/verify_minio_artifacts.
func VerifyStagedArtifacts(ctx context.Context, req VerifyStagedArtifactsRequest, deps *Deps) (*verifier.StagedArtifactsVerdict, error) {
	verdict, err := verifier.VerifyStagedArtifacts(ctx, req.LinkBlob, deps.Store, deps.Bucket)
	if err != nil {
		return nil, api.AsStatus(verifierErrorCode(err), err)
	}
	return verdict, nil
}

// VerifyBOMAndLinkRequest is operation 4's request: a signed BOM whose
// embedded signature and linked attestation are both checked.
type VerifyBOMAndLinkRequest struct {
	BomBlob    []byte `form:"bom_blob,required"`
	LayoutBlob []byte `form:"layout_blob,required"`
}

func (r VerifyBOMAndLinkRequest) Validate() error {
	if len(r.BomBlob) == 0 || len(r.LayoutBlob) == 0 {
		return errors.New("bom_blob and layout_blob are required")
	}
	return nil
}

var _ api.Message = VerifyBOMAndLinkRequest{}

// VerifyBOMAndLink handles POST /verifier/verify_bom_and_link.
func VerifyBOMAndLink(ctx context.Context, req VerifyBOMAndLinkRequest, deps *Deps) (*verifier.LinkVerdict, error) {
	verdict, err := verifier.VerifyBOMAndLink(ctx, req.BomBlob, deps.WorkerPublicKey, deps.Store, deps.Bucket, req.LayoutBlob, deps.Authorities)
	if err != nil {
		return nil, api.AsStatus(verifierErrorCode(err), err)
	}
	return verdict, nil
}
