// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cryptostore

import (
	"crypto/rand"
	"fmt"

	"github.com/bureau-foundation/syncengine/lib/recordfile"
	"github.com/bureau-foundation/syncengine/lib/sealed"
	"github.com/bureau-foundation/syncengine/lib/secret"
)

// GenerateStoreKey returns a new random key for encrypting records at
// rest. The caller must close it.
func GenerateStoreKey() (*secret.Buffer, error) {
	key, err := secret.New(recordfile.KeySize)
	if err != nil {
		return nil, fmt.Errorf("cryptostore: allocating store key: %w", err)
	}
	if _, err := rand.Read(key.Bytes()); err != nil {
		key.Close()
		return nil, fmt.Errorf("cryptostore: generating store key: %w", err)
	}
	return key, nil
}

// SealStoreKey encrypts the store key to age recipients for backup.
// The result is a single line of base64.
func SealStoreKey(key *secret.Buffer, recipients []string) (string, error) {
	if key == nil || key.Len() != recordfile.KeySize {
		return "", fmt.Errorf("cryptostore: store key must be %d bytes", recordfile.KeySize)
	}
	ciphertext, err := sealed.Encrypt(key.Bytes(), recipients)
	if err != nil {
		return "", fmt.Errorf("cryptostore: sealing store key: %w", err)
	}
	return ciphertext, nil
}

// OpenStoreKey decrypts a key sealed by SealStoreKey with an age
// private key. The caller must close the returned buffer.
func OpenStoreKey(ciphertext string, privateKey *secret.Buffer) (*secret.Buffer, error) {
	key, err := sealed.Decrypt(ciphertext, privateKey)
	if err != nil {
		return nil, fmt.Errorf("cryptostore: opening store key: %w", err)
	}
	if key.Len() != recordfile.KeySize {
		key.Close()
		return nil, fmt.Errorf("cryptostore: sealed store key has %d bytes, want %d", key.Len(), recordfile.KeySize)
	}
	return key, nil
}
