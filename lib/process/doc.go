// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides entrypoint helpers for vatrpc binaries.
//
// A binary's main() runs everything in a run() function and hands any
// error to [Fatal]. Errors reach stderr as plain text because they may
// come from flag parsing or config loading, before a structured logger
// exists.
package process
