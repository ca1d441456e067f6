// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package attestation builds and verifies the classic in-toto Link
// metadata this system uses to record a training run's materials,
// products, and command. The pinned in-toto-golang dependency exposes
// the classic Link/Metablock data types but its signing helpers target
// the newer SLSA provenance surface, so signing and verification here
// are hand-rolled directly against those data types and the Ed25519
// primitives in internal/crypto rather than assumed Metablock methods.
package attestation

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/aibomgen/platform/internal/crypto"
	"github.com/in-toto/in-toto-golang/in_toto"
	"github.com/pkg/errors"
)

// DigestSet records a material or product's recorded hashes, keyed by
// algorithm name (this system only ever populates "sha256").
type DigestSet map[string]string

// shortKeyIDLen is how many leading hex characters of a key ID are used in
// the published link filename.
const shortKeyIDLen = 8

// BuildLink assembles a signed in-toto Link recording materials,
// products, and the command that produced them, and returns both the
// canonical signed bytes and the filename it should be published under.
func BuildLink(stepName string, materials, products map[string]DigestSet, command []string, signer *crypto.SignerVerifier) (signed []byte, filename string, err error) {
	link := in_toto.Link{
		Type:       "link",
		Name:       stepName,
		Materials:  toArtifacts(materials),
		Products:   toArtifacts(products),
		ByProducts: map[string]interface{}{},
		Command:    command,
	}
	signedBytes, err := json.Marshal(link)
	if err != nil {
		return nil, "", errors.Wrap(err, "marshalling link")
	}
	sig, err := signer.Sign(context.Background(), signedBytes)
	if err != nil {
		return nil, "", errors.Wrap(err, "signing link")
	}
	keyID, err := signer.KeyID()
	if err != nil {
		return nil, "", errors.Wrap(err, "reading key id")
	}
	mb := in_toto.Metablock{
		Signed: link,
		Signatures: []in_toto.Signature{
			{KeyID: keyID, Sig: hex.EncodeToString(sig)},
		},
	}
	out, err := json.Marshal(mb)
	if err != nil {
		return nil, "", errors.Wrap(err, "marshalling metablock")
	}
	shortID := keyID
	if len(shortID) > shortKeyIDLen {
		shortID = shortID[:shortKeyIDLen]
	}
	return out, fmt.Sprintf("%s.%s.link", stepName, shortID), nil
}

// ParseLink decodes a published link blob back into its Metablock
// envelope and the classic in_toto.Link it wraps.
func ParseLink(blob []byte) (*in_toto.Metablock, *in_toto.Link, error) {
	var mb struct {
		Signed     in_toto.Link       `json:"signed"`
		Signatures []in_toto.Signature `json:"signatures"`
	}
	if err := json.Unmarshal(blob, &mb); err != nil {
		return nil, nil, errors.Wrap(err, "parsing link")
	}
	return &in_toto.Metablock{Signed: mb.Signed, Signatures: mb.Signatures}, &mb.Signed, nil
}

// VerifySignatures reports whether at least one signature on the link
// blob verifies under the given trusted key IDs -> public key material.
// Signatures from untrusted key IDs or with undecodable bytes are
// skipped; the remaining signatures are not required to verify.
func VerifySignatures(blob []byte, trusted map[string]crypto.Keypair) (bool, error) {
	var raw struct {
		Signed     json.RawMessage     `json:"signed"`
		Signatures []in_toto.Signature `json:"signatures"`
	}
	if err := json.Unmarshal(blob, &raw); err != nil {
		return false, errors.Wrap(err, "parsing link envelope")
	}
	canonical, err := canonicalizeSigned(raw.Signed)
	if err != nil {
		return false, err
	}
	for _, sig := range raw.Signatures {
		kp, ok := trusted[sig.KeyID]
		if !ok {
			continue
		}
		sigBytes, err := hex.DecodeString(sig.Sig)
		if err != nil {
			continue
		}
		if crypto.Verify(kp.PublicKey, canonical, sigBytes) {
			return true, nil
		}
	}
	return false, nil
}

// canonicalizeSigned re-serialises a signed field so verification uses
// exactly the bytes BuildLink signed: json.Marshal on a Go value with a
// single struct definition always emits the same field order, and map
// keys are always emitted sorted, so round-tripping through
// encoding/json is sufficient to canonicalize.
func canonicalizeSigned(signed json.RawMessage) ([]byte, error) {
	var link in_toto.Link
	if err := json.Unmarshal(signed, &link); err != nil {
		return nil, errors.Wrap(err, "parsing signed link")
	}
	return json.Marshal(link)
}

func toArtifacts(in map[string]DigestSet) map[string]in_toto.HashObj {
	out := make(map[string]in_toto.HashObj, len(in))
	for path, ds := range in {
		out[path] = map[string]string(ds)
	}
	return out
}

// SortedPaths returns the keys of a materials/products map in sorted
// order, used when the common staging_dir prefix must be derived
// deterministically.
func SortedPaths(ds map[string]DigestSet) []string {
	paths := make([]string, 0, len(ds))
	for p := range ds {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// CommonStagingDir returns the longest common directory prefix shared
// by every material and product path, i.e. the job's staging_dir.
func CommonStagingDir(paths []string) string {
	if len(paths) == 0 {
		return ""
	}
	idx := lastSlash(paths[0])
	if idx < 0 {
		return ""
	}
	prefix := paths[0][:idx]
	for _, p := range paths[1:] {
		for !bytes.HasPrefix([]byte(p), []byte(prefix+"/")) {
			idx := lastSlash(prefix)
			if idx < 0 {
				return ""
			}
			prefix = prefix[:idx]
		}
	}
	return prefix
}

func lastSlash(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '/' {
			return i
		}
	}
	return -1
}
