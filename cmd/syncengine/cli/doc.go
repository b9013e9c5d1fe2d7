// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package cli is the command framework for the syncengine binary:
// a tree of [Command] values with pflag flag sets, typo suggestions
// for unknown commands and flags, categorized errors ([ToolError])
// that pick the exit status, and helpers for reading passwords and
// secret files without leaving copies on the heap.
package cli
