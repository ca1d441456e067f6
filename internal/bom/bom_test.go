// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package bom

import (
	"crypto/ed25519"
	"crypto/rand"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
)

func testDocument() Document {
	doc := NewDocument([]OrganizationalEntity{{Name: "AIBoMGen"}})
	doc.Components = []Component{
		{Type: ComponentTypeMLModel, BOMRef: RefModel, Name: "trained_model.keras"},
		{Type: ComponentTypeData, BOMRef: RefData, Name: "dataset.csv"},
		{Type: ComponentTypePlatform, BOMRef: RefEnvironment, Name: "training-environment"},
	}
	doc.ExternalReferences = []ExternalReference{
		{Type: "attestation", URL: "gs://bucket/jobs/job-1/run_training.abcdef01.link"},
	}
	return *doc
}

func testSigner(t *testing.T) (Signer, ed25519.PublicKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey(): %v", err)
	}
	return SignerFunc(func(data []byte) ([]byte, error) {
		return ed25519.Sign(priv, data), nil
	}), pub
}

func TestValidateRequiresCoreFields(t *testing.T) {
	doc := testDocument()
	if err := Validate(&doc); err != nil {
		t.Fatalf("Validate(): %v", err)
	}
}

func TestValidateRejectsMissingComponents(t *testing.T) {
	doc := testDocument()
	doc.Components = nil
	err := Validate(&doc)
	if !errors.Is(err, ErrBomInvalid) {
		t.Fatalf("Validate(): want ErrBomInvalid, got %v", err)
	}
}

func TestValidateRejectsMissingExternalReference(t *testing.T) {
	doc := testDocument()
	doc.ExternalReferences = nil
	err := Validate(&doc)
	if !errors.Is(err, ErrBomInvalid) {
		t.Fatalf("Validate(): want ErrBomInvalid, got %v", err)
	}
}

func TestValidateBytesRejectsWrongShape(t *testing.T) {
	blob := []byte(`{"bomFormat":"CycloneDX","specVersion":"1.6","metadata":{},"components":"not-a-list"}`)
	err := ValidateBytes(blob)
	if !errors.Is(err, ErrBomInvalid) {
		t.Fatalf("ValidateBytes(): want ErrBomInvalid, got %v", err)
	}
}

func TestValidateBytesRejectsMissingRequiredField(t *testing.T) {
	blob := []byte(`{"bomFormat":"CycloneDX","specVersion":"1.6","metadata":{}}`)
	err := ValidateBytes(blob)
	if !errors.Is(err, ErrBomInvalid) {
		t.Fatalf("ValidateBytes(): want ErrBomInvalid, got %v", err)
	}
}

func TestValidateBytesAcceptsSignedDocument(t *testing.T) {
	doc := testDocument()
	signer, _ := testSigner(t)
	signed, err := Sign(doc, signer, time.Unix(0, 0))
	if err != nil {
		t.Fatalf("Sign(): %v", err)
	}
	b, err := Marshal(signed)
	if err != nil {
		t.Fatalf("Marshal(): %v", err)
	}
	if err := ValidateBytes(b); err != nil {
		t.Fatalf("ValidateBytes(): %v", err)
	}
}

func TestCanonicalizeStripsSignatureAndTimestamp(t *testing.T) {
	doc := testDocument()
	doc.Metadata.Timestamp = "2026-01-01T00:00:00Z"
	doc.Metadata.Properties = []Property{{Name: bomSignatureProperty, Value: "deadbeef"}}

	canonical, err := Canonicalize(doc)
	if err != nil {
		t.Fatalf("Canonicalize(): %v", err)
	}
	if strings.Contains(string(canonical), "deadbeef") {
		t.Error("Canonicalize(): signature property leaked into canonical bytes")
	}
	if strings.Contains(string(canonical), "2026-01-01") {
		t.Error("Canonicalize(): timestamp leaked into canonical bytes")
	}
}

func TestSignThenExtractSignatureVerifies(t *testing.T) {
	doc := testDocument()
	signer, pub := testSigner(t)

	signed, err := Sign(doc, signer, time.Unix(0, 0))
	if err != nil {
		t.Fatalf("Sign(): %v", err)
	}
	if signed.Metadata.Timestamp == "" {
		t.Error("Sign(): want timestamp to be set")
	}

	sig, ok, err := ExtractSignature(signed)
	if err != nil {
		t.Fatalf("ExtractSignature(): %v", err)
	}
	if !ok {
		t.Fatal("ExtractSignature(): want signature present")
	}

	canonical, err := Canonicalize(signed)
	if err != nil {
		t.Fatalf("Canonicalize(): %v", err)
	}
	if !ed25519.Verify(pub, canonical, sig) {
		t.Error("signature does not verify over canonical bytes")
	}
}

func TestSignRejectsTamperedDocument(t *testing.T) {
	doc := testDocument()
	signer, pub := testSigner(t)

	signed, err := Sign(doc, signer, time.Unix(0, 0))
	if err != nil {
		t.Fatalf("Sign(): %v", err)
	}
	sig, _, err := ExtractSignature(signed)
	if err != nil {
		t.Fatalf("ExtractSignature(): %v", err)
	}

	signed.Components[0].Name = "tampered.keras"
	canonical, err := Canonicalize(signed)
	if err != nil {
		t.Fatalf("Canonicalize(): %v", err)
	}
	if ed25519.Verify(pub, canonical, sig) {
		t.Error("signature verified over tampered document")
	}
}

func TestMarshalProducesValidJSON(t *testing.T) {
	doc := testDocument()
	b, err := Marshal(doc)
	if err != nil {
		t.Fatalf("Marshal(): %v", err)
	}
	if !strings.Contains(string(b), `"bomFormat": "CycloneDX"`) {
		t.Errorf("Marshal(): missing bomFormat field: %s", b)
	}
}
