// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ref provides strongly typed, immutable Matrix identifiers:
// user IDs, room IDs, event IDs, device IDs, server names, and event
// types.
//
// Identifiers arrive from the homeserver as bare strings inside /sync
// responses, push rule payloads, and to-device messages. They are
// parsed into these types at the JSON boundary (every type implements
// encoding.TextMarshaler and encoding.TextUnmarshaler) so the sync
// processor, rule engine, and crypto store never pass an event ID
// where a room ID is expected.
//
// All constructors validate structure only. Localpart character sets
// are not enforced: remote servers are free to mint identifiers this
// client would never create itself.
package ref
