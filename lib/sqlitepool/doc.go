// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool opens pools of SQLite connections for host-side
// state that outlives a process, such as chat room history.
//
// It wraps zombiezen.com/go/sqlite's sqlitex.Pool. Callers [Pool.Take]
// a connection, use it from one goroutine, and [Pool.Put] it back, or
// let [Pool.With] do both. Every connection runs the same pragmas on
// first use: WAL journaling, synchronous=NORMAL, a five second busy
// timeout and in-memory temp storage. A [Config.Schema] script runs
// after the pragmas, so tables exist before any caller sees the
// connection.
//
// SQL is written directly against the zombiezen API (sqlitex.Execute,
// sqlitex.ImmediateTransaction). There is no query builder.
package sqlitepool
