// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package bom assembles and signs the CycloneDX-shaped bill of
// materials published for every completed training job, and provides
// the canonicalization routine shared with the verifier service.
package bom

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"
	sjsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

const (
	BomFormat   = "CycloneDX"
	SpecVersion = "1.6"

	bomSignatureProperty = "BOM Signature"
)

// Property is a single CycloneDX name/value property.
type Property struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Hash records a single algorithm/content digest pair.
type Hash struct {
	Alg     string `json:"alg"`
	Content string `json:"content"`
}

// OrganizationalEntity identifies the supplier of a component or tool.
type OrganizationalEntity struct {
	Name string   `json:"name"`
	URLs []string `json:"url,omitempty"`
}

// Tool identifies one piece of software that produced the BOM.
type Tool struct {
	Name     string                `json:"name"`
	Version  string                `json:"version"`
	Vendor   *OrganizationalEntity `json:"vendor,omitempty"`
}

// Metadata is the BOM's metadata block.
type Metadata struct {
	Timestamp  string                `json:"timestamp,omitempty"`
	Tools      []Tool                `json:"tools,omitempty"`
	Authors    []OrganizationalEntity `json:"authors,omitempty"`
	Supplier   *OrganizationalEntity `json:"supplier,omitempty"`
	Properties []Property            `json:"properties,omitempty"`
}

// ComponentType enumerates the CycloneDX component types this system
// emits.
type ComponentType string

const (
	ComponentTypePlatform ComponentType = "platform"
	ComponentTypeData     ComponentType = "data"
	ComponentTypeMLModel  ComponentType = "machine-learning-model"
)

// Component is one CycloneDX component entry.
type Component struct {
	Type        ComponentType `json:"type"`
	BOMRef      string        `json:"bom-ref"`
	Name        string        `json:"name"`
	Version     string        `json:"version,omitempty"`
	Description string        `json:"description,omitempty"`
	Hashes      []Hash        `json:"hashes,omitempty"`
	Properties  []Property    `json:"properties,omitempty"`
}

// ExternalReference points at an artifact outside the BOM itself, used
// here for the link to the published attestation link.
type ExternalReference struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

// Dependency records one component's dependency edges.
type Dependency struct {
	Ref       string   `json:"ref"`
	DependsOn []string `json:"dependsOn,omitempty"`
}

// Document is the CycloneDX-shaped BOM this system produces.
type Document struct {
	BOMFormat           string               `json:"bomFormat"`
	SpecVersion         string               `json:"specVersion"`
	Metadata            Metadata             `json:"metadata"`
	Components          []Component          `json:"components"`
	ExternalReferences  []ExternalReference  `json:"externalReferences,omitempty"`
	Dependencies        []Dependency         `json:"dependencies,omitempty"`
}

// BomRefs used for the fixed dependency edges this system always
// produces: exactly one model, data, and environment component.
const (
	RefModel       = "ai-model"
	RefData        = "training-data"
	RefEnvironment = "training-environment"
)

// NewDocument assembles the skeleton every BOM shares: tool identity,
// supplier, and the model -> {data, environment} dependency edge. The
// caller fills in the environment/data/model components and adds the
// attestation external reference before calling Sign.
func NewDocument(authors []OrganizationalEntity) *Document {
	return &Document{
		BOMFormat:   BomFormat,
		SpecVersion: SpecVersion,
		Metadata: Metadata{
			Tools: []Tool{{
				Name:    "aibomgen",
				Version: "0.1.0",
				Vendor:  &OrganizationalEntity{Name: "Ghent University", URLs: []string{"https://www.ugent.be/"}},
			}},
			Authors:  authors,
			Supplier: &OrganizationalEntity{Name: "Ghent University", URLs: []string{"https://www.ugent.be/"}},
		},
		Dependencies: []Dependency{
			{Ref: RefModel, DependsOn: []string{RefData, RefEnvironment}},
		},
	}
}

// The document schema is reflected once from Document's field tags and
// compiled into a validator the first time Validate runs; reflection
// and compilation cannot change at runtime, so the result is cached
// for the life of the process.
var (
	schemaOnce sync.Once
	schema     *sjsonschema.Schema
	schemaErr  error
)

func documentSchema() (*sjsonschema.Schema, error) {
	schemaOnce.Do(func() {
		reflected, err := json.Marshal(jsonschema.Reflect(&Document{}))
		if err != nil {
			schemaErr = errors.Wrap(err, "marshalling reflected schema")
			return
		}
		compiler := sjsonschema.NewCompiler()
		if err := compiler.AddResource("bom.schema.json", strings.NewReader(string(reflected))); err != nil {
			schemaErr = errors.Wrap(err, "registering reflected schema")
			return
		}
		schema, schemaErr = compiler.Compile("bom.schema.json")
	})
	return schema, schemaErr
}

// ErrBomInvalid is returned by Validate when a document does not carry
// the required top-level CycloneDX v1.6 fields or fails schema
// validation.
var ErrBomInvalid = errors.New("BomInvalid")

// Validate checks doc's top-level CycloneDX identity fields, then
// validates the marshalled document against the reflected schema.
func Validate(doc *Document) error {
	if doc.BOMFormat != BomFormat {
		return errors.Wrapf(ErrBomInvalid, "bomFormat=%q, want %q", doc.BOMFormat, BomFormat)
	}
	if doc.SpecVersion != SpecVersion {
		return errors.Wrapf(ErrBomInvalid, "specVersion=%q, want %q", doc.SpecVersion, SpecVersion)
	}
	if len(doc.Components) == 0 {
		return errors.Wrap(ErrBomInvalid, "no components")
	}
	if len(doc.ExternalReferences) == 0 {
		return errors.Wrap(ErrBomInvalid, "missing attestation external reference")
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return errors.Wrap(ErrBomInvalid, err.Error())
	}
	return ValidateBytes(b)
}

// ValidateBytes validates a raw BOM blob against the reflected schema.
// Verifiers call this on incoming blobs before decoding them into a
// Document, since decoding into the typed struct would silently
// normalize away the shape violations the schema exists to catch.
func ValidateBytes(blob []byte) error {
	sch, err := documentSchema()
	if err != nil {
		return errors.Wrap(ErrBomInvalid, err.Error())
	}
	var v any
	if err := json.Unmarshal(blob, &v); err != nil {
		return errors.Wrap(ErrBomInvalid, err.Error())
	}
	if err := sch.Validate(v); err != nil {
		return errors.Wrapf(ErrBomInvalid, "schema validation: %v", err)
	}
	return nil
}

// Canonicalize strips the BOM Signature property and the metadata
// timestamp, then serialises with encoding/json, whose map-key and
// struct-field ordering is always deterministic. C10's BOM+link
// verifier must perform the identical strip before re-hashing.
func Canonicalize(doc Document) ([]byte, error) {
	doc.Metadata.Timestamp = ""
	props := make([]Property, 0, len(doc.Metadata.Properties))
	for _, p := range doc.Metadata.Properties {
		if p.Name == bomSignatureProperty {
			continue
		}
		props = append(props, p)
	}
	doc.Metadata.Properties = props
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, errors.Wrap(err, "marshalling canonical BOM")
	}
	return b, nil
}

// Signer is the minimal signing capability Sign needs.
type Signer interface {
	Sign(data []byte) ([]byte, error)
}

type signerFunc func([]byte) ([]byte, error)

func (f signerFunc) Sign(data []byte) ([]byte, error) { return f(data) }

// SignerFunc adapts a plain function to Signer.
func SignerFunc(f func([]byte) ([]byte, error)) Signer { return signerFunc(f) }

// Sign computes the Ed25519 signature over doc's canonical bytes (per
// the canonicalization contract), re-inserts it as the "BOM Signature"
// metadata property, and sets the timestamp. It returns the finalised,
// signable document.
func Sign(doc Document, signer Signer, now time.Time) (Document, error) {
	canonical, err := Canonicalize(doc)
	if err != nil {
		return Document{}, err
	}
	sig, err := signer.Sign(canonical)
	if err != nil {
		return Document{}, errors.Wrap(err, "signing BOM")
	}
	doc.Metadata.Timestamp = now.UTC().Format(time.RFC3339)
	doc.Metadata.Properties = append(doc.Metadata.Properties, Property{
		Name:  bomSignatureProperty,
		Value: base64.StdEncoding.EncodeToString(sig),
	})
	return doc, nil
}

// ExtractSignature pulls the base64-decoded "BOM Signature" property
// out of doc's metadata, if present.
func ExtractSignature(doc Document) ([]byte, bool, error) {
	for _, p := range doc.Metadata.Properties {
		if p.Name == bomSignatureProperty {
			sig, err := base64.StdEncoding.DecodeString(p.Value)
			if err != nil {
				return nil, false, errors.Wrap(err, "decoding BOM signature")
			}
			return sig, true, nil
		}
	}
	return nil, false, nil
}

// Marshal serialises doc with a trailing newline, matching the
// convention used for every other blob this system publishes.
func Marshal(doc Document) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return nil, errors.Wrap(err, "marshalling BOM")
	}
	return buf.Bytes(), nil
}
