// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package roomstore is the room repository of the sync engine: one
// SQLite database holding every room the account knows about, plus
// per-user presence, global account data and the sync stream token.
//
// Rooms live in one of two partitions. [Live] holds joined and
// invited rooms. [Departed] holds rooms the user left voluntarily,
// retained so their last state stays browsable. A room id belongs to
// exactly one partition at a time: the rooms table is keyed by room
// id, and every per-room operation names the partition it expects
// and fails with [ErrWrongPartition] when the room is in the other
// one. [Store.Move] changes a room's partition in one immediate
// transaction, so state, summary, timeline and receipts move
// together and a crash leaves the room in exactly one place.
//
// Writes to a room go through [Store.Update], which runs a callback
// against a [Tx] inside one immediate transaction. The sync worker is
// the only writer; readers (observer callbacks, the rule engine's
// member lookups) take their own pooled connections.
//
// Event and summary blobs are CBOR (lib/codec) compressed with LZ4
// block compression when that makes them smaller. The database runs
// with synchronous=FULL.
package roomstore
