// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport moves vat protocol frames between processes.
//
// A vat connection needs only the [Transport] interface: Send one
// whole frame, Receive the next one, Close. Frames arrive in order and
// exactly once. When the transport shuts down, Receive returns an
// error wrapping [ErrClosed], which the connection treats as the end
// of the session rather than a failure.
//
// [Pipe] returns two connected in-memory transports for vats in the
// same process and for tests.
//
// [StreamTransport] frames messages over any net.Conn. Each frame
// carries a nine-byte header (payload length, compression tag,
// uncompressed length) and an optional LZ4 or zstd payload encoding
// chosen per stream with [StreamOptions]. Frames below the compression
// threshold, and frames that do not shrink, go out uncompressed.
//
// Byte streams come from a [Listener] on the accepting side and a
// [Dialer] on the connecting side. [TCPListener] and [TCPDialer] need
// direct reachability. [WebRTCTransport] implements both interfaces
// over pion/webrtc data channels with ICE for NAT traversal: one
// PeerConnection per remote peer, one data channel per vat connection.
// [DataChannelConn] adapts a detached, message-oriented data channel
// into a net.Conn.
//
// WebRTC signaling goes through a [Signaler]. [MemorySignaler] keeps
// offers and answers in process. When two peers dial each other at the
// same time, the one with the lexicographically smaller peer id keeps
// its offer and the other drops its PeerConnection.
package transport
