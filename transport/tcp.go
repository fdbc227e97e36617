// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"net"
	"time"
)

var (
	_ Listener = (*TCPListener)(nil)
	_ Dialer   = (*TCPDialer)(nil)
)

// TCPListener accepts inbound TCP connections from peer vats. It
// requires direct reachability between hosts; use WebRTCTransport
// when peers sit behind NAT.
type TCPListener struct {
	listener net.Listener
}

// NewTCPListener listens on address (":7450", "127.0.0.1:0", ...).
// Port 0 picks a free port; Address reports the one chosen.
func NewTCPListener(address string) (*TCPListener, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	return &TCPListener{listener: listener}, nil
}

// Accept waits for the next inbound connection. Cancelling ctx
// unblocks the wait without closing the listener.
func (l *TCPListener) Accept(ctx context.Context) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	accepted := make(chan result, 1)
	go func() {
		conn, err := l.listener.Accept()
		accepted <- result{conn, err}
	}()

	select {
	case r := <-accepted:
		return r.conn, r.err
	case <-ctx.Done():
		// The pending Accept is still running. Closing whatever it
		// eventually returns keeps the goroutine from leaking a
		// connection nobody will serve.
		go func() {
			if r := <-accepted; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// Address returns the listening address in "host:port" form.
func (l *TCPListener) Address() string {
	return l.listener.Addr().String()
}

// Close stops the listener.
func (l *TCPListener) Close() error {
	return l.listener.Close()
}

// TCPDialer opens TCP connections to peer vats.
type TCPDialer struct {
	// Timeout bounds connection establishment. Zero means only the
	// context deadline applies.
	Timeout time.Duration
}

// DialContext connects to address ("host:port").
func (d *TCPDialer) DialContext(ctx context.Context, address string) (net.Conn, error) {
	return (&net.Dialer{Timeout: d.Timeout}).DialContext(ctx, "tcp", address)
}
