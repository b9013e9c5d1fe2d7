// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the CBOR configuration shared by every
// on-disk format in this module.
//
// The module uses two serialization formats with a clear boundary:
//
//   - JSON for the Matrix client-server API (/sync, push rules,
//     account data) and CLI output.
//   - CBOR for local persistence: crypto store records (inside a
//     lib/recordfile envelope) and event blobs in the room store.
//
// The encoder uses Core Deterministic Encoding (RFC 8949 §4.2), so
// the same logical record always produces identical bytes and the
// record checksum is stable across rewrites.
//
//	data, err := codec.Marshal(record)
//	err = codec.Unmarshal(data, &record)
//
// # Struct Tag Rules
//
//   - `cbor` tag: the type is only ever persisted locally (crypto
//     store records, metadata).
//   - `json` tag: the type also crosses the Matrix API boundary
//     (messaging.Event). fxamacker/cbor reads `json` tags when `cbor`
//     tags are absent, so one tag controls both formats.
//
// Never use both tags on the same field.
package codec
