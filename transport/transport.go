// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"net"
)

// ErrClosed is the distinguishable "closed" signal. Receive returns an
// error wrapping ErrClosed when the transport was closed locally or
// the peer ended the stream in an orderly way; Send returns it once
// the transport can no longer deliver frames.
var ErrClosed = errors.New("transport closed")

// Transport carries whole protocol frames between two vats. Frames are
// delivered in send order, exactly once, or not at all once the
// transport closes.
//
// Send may be called from multiple goroutines. Receive is called from
// exactly one goroutine: the owning connection's receive loop.
type Transport interface {
	// Send delivers one frame to the peer. The transport does not
	// retain frame after Send returns.
	Send(ctx context.Context, frame []byte) error

	// Receive blocks until the next frame arrives, the context is
	// done, or the transport closes. A closed transport yields an
	// error wrapping ErrClosed.
	Receive(ctx context.Context) ([]byte, error)

	// Close releases the transport. A Receive blocked on the local
	// side returns ErrClosed; the peer sees ErrClosed after it has
	// drained the frames already sent. Close is idempotent.
	Close() error
}

// Listener accepts inbound stream connections from peer vats. The
// hosting process wraps each accepted net.Conn in a StreamTransport and
// hands it to a new vat connection.
type Listener interface {
	// Accept blocks until a peer connects, ctx is cancelled, or the
	// listener is closed. A closed listener returns net.ErrClosed.
	Accept(ctx context.Context) (net.Conn, error)

	// Address returns the address peers dial. The format is
	// transport-specific ("127.0.0.1:7450" for TCP, a peer id for
	// WebRTC).
	Address() string

	// Close stops accepting connections. Accepted connections are
	// unaffected.
	Close() error
}

// Dialer opens outbound stream connections to peer vats.
type Dialer interface {
	// DialContext connects to the peer at address. The address format
	// matches what the peer's Listener.Address returns.
	DialContext(ctx context.Context, address string) (net.Conn, error)
}
