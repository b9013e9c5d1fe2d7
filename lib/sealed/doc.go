// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sealed wraps filippo.io/age for backing up the crypto store
// record key.
//
// The record key encrypts every crypto store file at rest. Losing it
// means losing every Olm and Megolm session, so "syncengine
// export-key" seals it to one or more age recipients with [Encrypt];
// recovery unseals it with [Decrypt] and an age identity. Ciphertext
// is base64 so the backup is a single printable line.
//
// Private keys and decrypted plaintext are returned as
// [secret.Buffer] values.
package sealed
