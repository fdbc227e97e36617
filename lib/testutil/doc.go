// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for vatrpc packages.
//
// [RequireReceive], [RequireSend], and [RequireClosed] wrap the
// select-with-timeout pattern so that a test waiting on a connection's
// receive loop, a rendezvous channel, or a Done channel fails with a
// message instead of hanging the test binary. These are the only
// helpers that use real wall-clock timeouts; connection timing that a
// test wants to control goes through lib/clock.
//
// All helpers call t.Fatalf on failure.
//
// This package has no vatrpc-internal dependencies.
package testutil
