// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers.
//
// [RequireReceive], [RequireNoReceive], and [RequireClosed]
// encapsulate the timeout safety valve pattern (select with a
// time.After fallback) so that individual tests do not need direct
// time.After calls. Observer callbacks run on the dispatch goroutine,
// so tests funnel them into channels and read them through these
// helpers. They are the only place in the test suite where real
// wall-clock timeouts are used.
//
// [WriteFile] and [ListFiles] plant and inspect on-disk store
// layouts.
//
// [UniqueID] generates monotonically increasing identifiers for test
// disambiguation.
//
// All helpers call t.Fatalf on failure rather than returning errors,
// since test setup failures are not recoverable.
package testutil
