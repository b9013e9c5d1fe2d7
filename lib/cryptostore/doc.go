// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package cryptostore persists one account's end-to-end encryption
// state: the device identity (account), the pairwise sessions with
// other devices, the inbound group sessions that decrypt room
// messages, the known devices of every tracked user, and the metadata
// that ties the store to a user and device.
//
// The cryptographic objects themselves are opaque. A [Handle] is
// something that can pickle itself and must be released when no
// longer used; a [Factory] turns pickles back into handles. The store
// never looks inside either.
//
// # Layout
//
// Each account has its own directory, <base>/crypto/<hex user id>/:
//
//	metadata          Metadata record
//	account           pickled account
//	algorithms        room id -> encryption algorithm
//	tracking          user id -> device list tracking status
//	devices.d/<hex user id>
//	sessions.d/<hex device key>/<hex session id>
//	groupsessions.d/<hex sender key>/<hex session id>
//
// Names are uppercase hex of the UTF-8 key, so any key is a valid
// filename and decodes back exactly. Every file is a
// [recordfile] envelope written with the rename swap, so an
// interrupted write leaves either the old or the new record readable.
//
// Stores written by older releases kept devices, sessions and group
// sessions in single files named devices, sessions and groupsessions.
// Open migrates them to the per-key layout and deletes them.
//
// # Lifecycle
//
// A Store is created with [New] and does nothing until [Store.Open].
// Open loads the metadata and resets the whole tree when it is
// missing, was written by another version, or belongs to another user
// or device. Until Open succeeds, writes fail with [ErrNotReady] and
// reads return zero values; after [Store.Close] writes fail with
// [ErrClosed]. Both cases are logged, since they indicate a caller bug.
//
// A record that cannot be decoded is deleted and the store is marked
// corrupted ([Store.IsCorrupted]). The flag stays set until
// [Store.Reset].
//
// # Ownership
//
// For each (device key, session id) and (sender key, session id) the
// store holds exactly one live handle. Storing a different handle for
// an existing pair releases the previous one before the new one is
// installed; storing the same handle again only rewrites the file.
// Close releases every handle the store holds, once, and keeps the
// files.
package cryptostore
