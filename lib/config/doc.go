// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the configuration of a vat host.
//
// Configuration is loaded from a single file specified by either the
// VATRPC_CONFIG environment variable (via [Load]) or a --config flag
// (via [LoadFile]). There are no fallbacks and no automatic file
// search. Files are YAML, or JSON with comments when the name ends in
// .json or .jsonc.
//
// The file may contain environment-specific sections (development,
// staging, production) that override base values when
// [Config].Environment matches. Production without an explicit section
// logs JSON at warn level and bounds calls to ten seconds.
//
// After loading, ${VAR} and ${VAR:-default} patterns are expanded in
// address, log file, history database and TURN credential fields. No other
// environment variables override config values.
//
// This package depends on no other vatrpc packages.
package config
