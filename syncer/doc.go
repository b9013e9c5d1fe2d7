// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package syncer applies Matrix /sync deltas to the local room store
// and tells observers what changed.
//
// A [Processor] owns one account's room store. Deltas passed to
// [Processor.Apply] are applied strictly in arrival order on a single
// worker goroutine, in a fixed phase order:
//
//  1. to-device events, decrypted and published one at a time
//  2. joined rooms, purged from the Departed partition first
//  3. invited rooms (a room also in the leave section is left first)
//  4. left rooms, deleted from Live or moved to Departed
//  5. presence
//  6. account data: ignored users, push rules, direct chats
//  7. the stream token, committed when any room changed
//  8. the crypto hook, which may start the crypto subsystem
//  9. OnInitialSyncComplete or OnLiveEventsChunkProcessed
//
// Observers registered with [Processor.Subscribe] run on a separate
// dispatch goroutine (see lib/dispatch), never concurrently with delta
// application or with each other. An observer that returns an error
// or panics is logged and counted; delivery to the others continues.
//
// A [Poller] drives a Processor from a homeserver: it resumes from
// the stored stream token, long-polls /sync with backoff and reports
// connectivity changes to the push rule engine so a failed rule load
// is retried on reconnect.
package syncer
