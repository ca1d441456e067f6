// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package crypto loads the Ed25519 signing keypair shared by the worker
// and verifier services and performs the digest and signature
// operations layered on top of it: streaming SHA-256 of staged files,
// raw sign/verify, and the dsse.SignerVerifier adapter consumed by the
// attestation and BOM-signing packages.
package crypto

import (
	"bufio"
	"context"
	stdcrypto "crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"io"
	"os"

	"github.com/pkg/errors"
)

// Digests are computed streaming in 8 KiB blocks.
const sha256BlockSize = 8192

// UnsupportedKey is returned when a key document names anything other
// than an Ed25519 key.
var UnsupportedKey = errors.New("unsupported key type")

// SHA256File streams path in fixed-size blocks and returns its hex digest.
func SHA256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Wrap(err, "opening file")
	}
	defer f.Close()
	return SHA256Reader(f)
}

// SHA256Reader streams r in fixed-size blocks and returns its hex digest.
func SHA256Reader(r io.Reader) (string, error) {
	h := sha256.New()
	br := bufio.NewReaderSize(r, sha256BlockSize)
	if _, err := io.CopyBuffer(h, br, make([]byte, sha256BlockSize)); err != nil {
		return "", errors.Wrap(err, "hashing stream")
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// sslibKeyDoc mirrors the JSON shape securesystemslib's SSlibKey.from_dict
// expects/produces: {"keyid", "keytype", "scheme", "keyval": {"public": hex}}.
type sslibKeyDoc struct {
	KeyID   string `json:"keyid"`
	KeyType string `json:"keytype"`
	Scheme  string `json:"scheme"`
	KeyVal  struct {
		Public string `json:"public"`
	} `json:"keyval"`
}

// Keypair is an Ed25519 signing keypair plus the key ID under which its
// signatures are recorded in in-toto links and BOM signatures.
type Keypair struct {
	KeyID      string
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
}

// LoadKeypair parses a PEM-encoded Ed25519 private key and a securesystemslib
// -shaped JSON public key document, rejecting anything that isn't Ed25519.
func LoadKeypair(privPath, pubPath string) (*Keypair, error) {
	pubBytes, err := os.ReadFile(pubPath)
	if err != nil {
		return nil, errors.Wrap(err, "reading public key")
	}
	var doc sslibKeyDoc
	if err := json.Unmarshal(pubBytes, &doc); err != nil {
		return nil, errors.Wrap(err, "parsing public key document")
	}
	if doc.KeyType != "ed25519" {
		return nil, errors.Wrapf(UnsupportedKey, "keytype=%q", doc.KeyType)
	}
	pubHex, err := hex.DecodeString(doc.KeyVal.Public)
	if err != nil {
		return nil, errors.Wrap(err, "decoding public key hex")
	}
	if len(pubHex) != ed25519.PublicKeySize {
		return nil, errors.Wrap(UnsupportedKey, "public key has wrong length")
	}

	privPEMBytes, err := os.ReadFile(privPath)
	if err != nil {
		return nil, errors.Wrap(err, "reading private key")
	}
	block, _ := pem.Decode(privPEMBytes)
	if block == nil {
		return nil, errors.New("no PEM block found in private key")
	}
	priv, err := parseEd25519PrivateKey(block.Bytes)
	if err != nil {
		return nil, errors.Wrap(err, "parsing private key")
	}

	return &Keypair{
		KeyID:      doc.KeyID,
		PublicKey:  ed25519.PublicKey(pubHex),
		PrivateKey: priv,
	}, nil
}

// Sign produces a raw Ed25519 signature over msg.
func Sign(priv ed25519.PrivateKey, msg []byte) []byte {
	return ed25519.Sign(priv, msg)
}

// Verify reports whether sig is a valid Ed25519 signature of msg under pub.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	return ed25519.Verify(pub, msg, sig)
}

// SignerVerifier implements dsse.SignerVerifier over an Ed25519 keypair,
// letting the same keypair drive both in-toto link signatures and the
// BOM's embedded signature property through go-securesystemslib/dsse.
type SignerVerifier struct {
	Keypair *Keypair
}

// Sign implements dsse.Signer.
func (s *SignerVerifier) Sign(_ context.Context, data []byte) ([]byte, error) {
	if s.Keypair.PrivateKey == nil {
		return nil, errors.New("no private key loaded")
	}
	return Sign(s.Keypair.PrivateKey, data), nil
}

// KeyID implements dsse.Signer/dsse.Verifier.
func (s *SignerVerifier) KeyID() (string, error) {
	return s.Keypair.KeyID, nil
}

// Public implements dsse.Verifier.
func (s *SignerVerifier) Public() stdcrypto.PublicKey {
	return s.Keypair.PublicKey
}

// Verify implements dsse.Verifier.
func (s *SignerVerifier) Verify(_ context.Context, data, sig []byte) error {
	if !Verify(s.Keypair.PublicKey, data, sig) {
		return errors.New("signature verification failed")
	}
	return nil
}

// GenerateKeypair creates a fresh Ed25519 keypair, used by tooling that
// provisions new worker/verifier key material.
func GenerateKeypair(keyID string) (*Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "generating ed25519 key")
	}
	return &Keypair{KeyID: keyID, PublicKey: pub, PrivateKey: priv}, nil
}

// parseEd25519PrivateKey accepts a PKCS8-wrapped Ed25519 private key, the
// standard "PRIVATE KEY" PEM block produced by openssl genpkey.
func parseEd25519PrivateKey(der []byte) (ed25519.PrivateKey, error) {
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, errors.Wrap(err, "parsing PKCS8 key")
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.Wrapf(UnsupportedKey, "PKCS8 key is %T, not ed25519", key)
	}
	return priv, nil
}
