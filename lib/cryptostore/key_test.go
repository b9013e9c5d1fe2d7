// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cryptostore

import (
	"bytes"
	"testing"

	"github.com/bureau-foundation/syncengine/lib/sealed"
	"github.com/bureau-foundation/syncengine/lib/secret"
)

func TestStoreKeySealRoundTrip(t *testing.T) {
	key, err := GenerateStoreKey()
	if err != nil {
		t.Fatalf("GenerateStoreKey: %v", err)
	}
	defer key.Close()

	keypair, err := sealed.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	defer keypair.Close()

	ciphertext, err := SealStoreKey(key, []string{keypair.PublicKey})
	if err != nil {
		t.Fatalf("SealStoreKey: %v", err)
	}
	opened, err := OpenStoreKey(ciphertext, keypair.PrivateKey)
	if err != nil {
		t.Fatalf("OpenStoreKey: %v", err)
	}
	defer opened.Close()
	if !bytes.Equal(opened.Bytes(), key.Bytes()) {
		t.Error("opened key differs from the sealed key")
	}
}

func TestSealStoreKeyRejectsWrongSize(t *testing.T) {
	short, err := secret.New(8)
	if err != nil {
		t.Fatalf("secret.New: %v", err)
	}
	defer short.Close()
	keypair, err := sealed.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	defer keypair.Close()
	if _, err := SealStoreKey(short, []string{keypair.PublicKey}); err == nil {
		t.Error("SealStoreKey accepted an 8-byte key")
	}
	if _, err := SealStoreKey(nil, []string{keypair.PublicKey}); err == nil {
		t.Error("SealStoreKey accepted a nil key")
	}
}

func TestOpenStoreKeyWrongIdentity(t *testing.T) {
	key, err := GenerateStoreKey()
	if err != nil {
		t.Fatalf("GenerateStoreKey: %v", err)
	}
	defer key.Close()
	owner, err := sealed.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	defer owner.Close()
	stranger, err := sealed.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	defer stranger.Close()

	ciphertext, err := SealStoreKey(key, []string{owner.PublicKey})
	if err != nil {
		t.Fatalf("SealStoreKey: %v", err)
	}
	if _, err := OpenStoreKey(ciphertext, stranger.PrivateKey); err == nil {
		t.Error("OpenStoreKey succeeded with an unrelated identity")
	}
}
