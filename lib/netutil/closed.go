// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil classifies network errors for the stream transports.
package netutil

import (
	"errors"
	"io"
	"net"
	"syscall"
)

// IsExpectedCloseError reports whether err is a normal end of a
// stream: EOF, a read on a closed pipe or connection, a broken pipe,
// or a connection reset. A stream transport maps all of these to its
// "closed" signal so the vat connection can tell an orderly peer
// disconnect apart from a protocol failure.
//
// io.ErrUnexpectedEOF is not included: a peer that
// vanishes halfway through a frame has not closed cleanly.
func IsExpectedCloseError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}
	return false
}
