// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for the sync
// engine.
//
// Configuration is loaded from a single file named either by the
// SYNCENGINE_CONFIG environment variable (via [Load]) or a --config
// flag (via [LoadFile]). There is no automatic file search.
//
// After the file is merged over [Default], a small set of SYNCENGINE_*
// variables (SYNCENGINE_HOMESERVER, SYNCENGINE_USER_ID,
// SYNCENGINE_STATE_DIR and a few more) replace the corresponding
// fields, so containers can inject per-instance values without
// rewriting the file. Path fields then have ${HOME}, ${STATE_DIR} and
// ${VAR:-default} patterns expanded.
//
// [LoadFilter] reads a /sync filter written in JSONC and returns the
// compact JSON sent to the server.
//
// This package depends on no other syncengine packages.
package config
