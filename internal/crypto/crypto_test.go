// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTestKeypair(t *testing.T) (privPath, pubPath string, kp *Keypair) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey(): %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		t.Fatalf("MarshalPKCS8PrivateKey(): %v", err)
	}
	dir := t.TempDir()
	privPath = filepath.Join(dir, "private.pem")
	if err := os.WriteFile(privPath, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), 0o600); err != nil {
		t.Fatalf("WriteFile(private): %v", err)
	}
	doc := sslibKeyDoc{KeyID: "test-key", KeyType: "ed25519", Scheme: "ed25519"}
	doc.KeyVal.Public = hex.EncodeToString(pub)
	b, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("json.Marshal(): %v", err)
	}
	pubPath = filepath.Join(dir, "public.json")
	if err := os.WriteFile(pubPath, b, 0o600); err != nil {
		t.Fatalf("WriteFile(public): %v", err)
	}
	return privPath, pubPath, &Keypair{KeyID: "test-key", PublicKey: pub, PrivateKey: priv}
}

func TestSHA256ReaderMatchesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.bin")
	content := strings.Repeat("the quick brown fox jumps over the lazy dog", 1000)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile(): %v", err)
	}
	fromFile, err := SHA256File(path)
	if err != nil {
		t.Fatalf("SHA256File(): %v", err)
	}
	fromReader, err := SHA256Reader(strings.NewReader(content))
	if err != nil {
		t.Fatalf("SHA256Reader(): %v", err)
	}
	if fromFile != fromReader {
		t.Errorf("SHA256File()=%s != SHA256Reader()=%s", fromFile, fromReader)
	}
	if len(fromFile) != 64 {
		t.Errorf("digest length: want=64 got=%d", len(fromFile))
	}
}

func TestLoadKeypair(t *testing.T) {
	privPath, pubPath, want := writeTestKeypair(t)
	got, err := LoadKeypair(privPath, pubPath)
	if err != nil {
		t.Fatalf("LoadKeypair(): %v", err)
	}
	if got.KeyID != want.KeyID {
		t.Errorf("KeyID: want=%s got=%s", want.KeyID, got.KeyID)
	}
	if !got.PublicKey.Equal(want.PublicKey) {
		t.Error("PublicKey mismatch")
	}
	if !got.PrivateKey.Equal(want.PrivateKey) {
		t.Error("PrivateKey mismatch")
	}
}

func TestLoadKeypairRejectsNonEd25519(t *testing.T) {
	dir := t.TempDir()
	privPath := filepath.Join(dir, "private.pem")
	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	der, _ := x509.MarshalPKCS8PrivateKey(priv)
	os.WriteFile(privPath, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), 0o600)
	pubPath := filepath.Join(dir, "public.json")
	os.WriteFile(pubPath, []byte(`{"keyid":"x","keytype":"rsa","scheme":"rsassa-pss-sha256","keyval":{"public":"00"}}`), 0o600)

	if _, err := LoadKeypair(privPath, pubPath); err == nil {
		t.Fatal("LoadKeypair(): want error for non-ed25519 key, got nil")
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	_, _, kp := writeTestKeypair(t)
	msg := []byte("attestation payload")
	sig := Sign(kp.PrivateKey, msg)
	if !Verify(kp.PublicKey, msg, sig) {
		t.Error("Verify(): want true for valid signature")
	}
	if Verify(kp.PublicKey, []byte("tampered"), sig) {
		t.Error("Verify(): want false for tampered message")
	}
}

func TestSignerVerifier(t *testing.T) {
	_, _, kp := writeTestKeypair(t)
	sv := &SignerVerifier{Keypair: kp}
	ctx := context.Background()

	keyID, err := sv.KeyID()
	if err != nil {
		t.Fatalf("KeyID(): %v", err)
	}
	if keyID != kp.KeyID {
		t.Errorf("KeyID(): want=%s got=%s", kp.KeyID, keyID)
	}

	msg := []byte("dsse envelope payload")
	sig, err := sv.Sign(ctx, msg)
	if err != nil {
		t.Fatalf("Sign(): %v", err)
	}
	if err := sv.Verify(ctx, msg, sig); err != nil {
		t.Errorf("Verify(): %v", err)
	}
	if err := sv.Verify(ctx, []byte("other payload"), sig); err == nil {
		t.Error("Verify(): want error for mismatched payload")
	}
}
