// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source.
//
// A vat connection bounds how long a caller waits for an answer and
// how long it spends trying to deliver a final abort frame. Both go
// through a Clock so tests can expire a question deterministically:
//
//	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	conn := v.NewConn(t, vat.ConnOptions{Clock: fake, CallTimeout: time.Second})
//	go conn.CallMethod(ctx, ...)
//	fake.WaitForTimers(1)   // the call has registered its deadline
//	fake.Advance(time.Second)
//
// Real() forwards to the time package.
package clock
