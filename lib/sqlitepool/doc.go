// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool provides the SQLite connection pool behind the
// room store.
//
// It wraps zombiezen.com/go/sqlite with WAL journaling, a busy
// timeout, and a selectable synchronous level. Callers [Pool.Take] a
// connection, perform work, and [Pool.Put] it back (or use
// [Pool.With]). Connections are not safe for concurrent use.
//
// # Pragmas
//
//   - journal_mode=WAL: readers never block the sync worker's writes.
//   - synchronous=NORMAL or FULL (see [Synchronous]).
//   - busy_timeout=5000: wait up to 5 seconds for the write lock.
//   - foreign_keys=OFF: the room store manages partition integrity in
//     its own transactions.
//   - cache_size=-8192: 8 MB page cache per connection.
//   - temp_store=MEMORY.
//
// # Usage
//
//	pool, err := sqlitepool.Open(sqlitepool.Config{
//	    Path:        filepath.Join(stateDir, "rooms.db"),
//	    Synchronous: sqlitepool.SynchronousFull,
//	    OnConnect: func(conn *sqlite.Conn) error {
//	        return sqlitex.ExecuteScript(conn, schema, nil)
//	    },
//	})
//
// The package is intentionally thin: callers write SQL, use
// sqlitex.Execute for cached statements, and manage transactions with
// sqlitex.ImmediateTransaction.
package sqlitepool
