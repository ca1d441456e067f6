// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/aibomgen/platform/internal/api"
	"github.com/aibomgen/platform/internal/api/verifyservice"
	"github.com/aibomgen/platform/internal/blobstore"
	"github.com/aibomgen/platform/internal/crypto"
)

var (
	bucket          = flag.String("bucket", "", "GCS bucket staged materials and products are read from")
	authoritiesPath = flag.String("authorities", "/run/secrets/authorities.yaml", "path to the YAML document listing trusted functionary public keys")
	workerPublicKey = flag.String("worker-public-key", "/run/secrets/worker_public_key", "path to the worker's securesystemslib-shaped public key document, used to verify BOM signatures")
)

// authorityDoc is the on-disk shape of the authorities file: a flat list
// of key ID / hex-encoded Ed25519 public key pairs. It is not the
// keytype/scheme/keyval document shape used for the worker's own public
// key.
type authorityDoc struct {
	Authorities []struct {
		KeyID  string `yaml:"keyid"`
		Public string `yaml:"public"`
	} `yaml:"authorities"`
}

func loadAuthorities(path string) (map[string]crypto.Keypair, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading authorities document")
	}
	var doc authorityDoc
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, errors.Wrap(err, "parsing authorities document")
	}
	out := make(map[string]crypto.Keypair, len(doc.Authorities))
	for _, a := range doc.Authorities {
		pub, err := hex.DecodeString(a.Public)
		if err != nil {
			return nil, errors.Wrapf(err, "decoding public key for authority %s", a.KeyID)
		}
		out[a.KeyID] = crypto.Keypair{KeyID: a.KeyID, PublicKey: ed25519.PublicKey(pub)}
	}
	return out, nil
}

// loadWorkerPublicKey reads the same securesystemslib-shaped JSON
// document internal/crypto.LoadKeypair expects for a public key, since
// the verifier only ever needs the worker's public half.
func loadWorkerPublicKey(path string) (ed25519.PublicKey, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading worker public key")
	}
	var doc struct {
		KeyType string `json:"keytype"`
		KeyVal  struct {
			Public string `json:"public"`
		} `json:"keyval"`
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, errors.Wrap(err, "parsing worker public key")
	}
	if doc.KeyType != "ed25519" {
		return nil, errors.Wrapf(crypto.UnsupportedKey, "keytype=%q", doc.KeyType)
	}
	pub, err := hex.DecodeString(doc.KeyVal.Public)
	if err != nil {
		return nil, errors.Wrap(err, "decoding worker public key hex")
	}
	return ed25519.PublicKey(pub), nil
}

func main() {
	flag.Parse()
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, continuing with process environment")
	}
	ctx := context.Background()

	authorities, err := loadAuthorities(*authoritiesPath)
	if err != nil {
		log.Fatalf("loading trusted authorities: %v", err)
	}
	workerPub, err := loadWorkerPublicKey(*workerPublicKey)
	if err != nil {
		log.Fatalf("loading worker public key: %v", err)
	}

	gcs, err := blobstore.NewGCSStore(ctx)
	if err != nil {
		log.Fatalf("connecting to GCS: %v", err)
	}

	deps := &verifyservice.Deps{
		Authorities:     authorities,
		Store:           gcs,
		Bucket:          *bucket,
		WorkerPublicKey: workerPub,
	}
	initDeps := func(context.Context) (*verifyservice.Deps, error) { return deps, nil }

	http.HandleFunc("/verifier/verify_in-toto_link", api.Handler(initDeps, verifyservice.VerifyLink))
	http.HandleFunc("/verifier/verify_file_hash", api.Handler(initDeps, verifyservice.VerifyFileHash))
	http.HandleFunc("/verifier/verify_minio_artifacts", api.Handler(initDeps, verifyservice.VerifyStagedArtifacts))
	http.HandleFunc("/verifier/verify_bom_and_link", api.Handler(initDeps, verifyservice.VerifyBOMAndLink))

	log.Println("verifyserver listening on :8080")
	if err := http.ListenAndServe(":8080", nil); err != nil {
		log.Fatalln(err)
	}
}
