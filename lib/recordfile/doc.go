// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package recordfile stores small versioned records on disk with a
// crash-safe rename swap.
//
// Every record is wrapped in an envelope:
//
//	[magic "SREC": 4] [format version: 1] [compression: 1] [flags: 1]
//	[reserved: 1] [plaintext length: 4, big endian]
//	[BLAKE3 checksum of body: 32] [body]
//
// The body is the caller's payload, optionally compressed with zstd
// and optionally sealed with XChaCha20-Poly1305 under a key derived by
// HKDF-SHA256 from the store key. The record kind (for example
// "session" or "metadata") is bound into the AEAD as additional data,
// so a sealed record cannot be moved to a slot of another kind.
//
// # Rename swap
//
// [Codec.Write] replaces a file in four steps:
//
//  1. Delete any stale path.tmp.
//  2. Rename the current file to path.tmp.
//  3. Write the new content to path and fsync it.
//  4. Delete path.tmp.
//
// A crash at any point leaves at least one complete copy. [Codec.Read]
// prefers path.tmp when it exists: its presence means step 4 never
// ran, and the temp copy is the last write known to be complete.
package recordfile
