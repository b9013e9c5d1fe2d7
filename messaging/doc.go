// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package messaging wraps the parts of the Matrix client-server API
// the sync engine needs: password login, /sync long-polling, profile
// lookup, and the push rule endpoints.
//
// [Client] is unauthenticated and holds the homeserver URL and HTTP
// transport. [Client.Login] and [Client.Session] produce a
// [DirectSession], which carries the access token in mmap-backed
// secret memory; callers must Close it.
//
// The wire types ([SyncResponse], [Event], [PushRuleSet]) follow the
// JSON shapes of the client-server API. Two fields on [Event] are
// local-only: Decrypted holds the cleartext event once the crypto
// layer has decrypted an m.room.encrypted event, and DecryptionError
// records why decryption failed. Neither is serialized.
//
// All API errors are returned as [*MatrixError] with the standard
// Matrix error code and HTTP status. [IsMatrixError] tests for a
// specific code. Request URLs are built by string concatenation
// rather than url.URL to avoid double-encoding of escaped path
// segments (push rule ids may contain '/' and '!').
package messaging
