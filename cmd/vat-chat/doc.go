// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Vat-chat hosts and uses the chat service over vat connections.
//
//	vat-chat serve [--listen host:port] [--metrics host:port]
//	vat-chat send [--address host:port] [--room name] message...
//	vat-chat demo [--transport tcp|webrtc] message...
//
// serve accepts TCP connections and offers a RoomFactory as each
// connection's bootstrap capability. Prometheus metrics for every
// connection are served on /metrics.
//
// send connects, bootstraps, opens a room with create_room, sends each
// argument as a message and prints the room's history.
//
// demo runs both sides in one process. With --transport webrtc the
// connection is a pion data channel negotiated through an in-process
// signaler, with the ICE servers from the webrtc section of the
// configuration.
//
// All commands accept --config, or read VATRPC_CONFIG. Without either,
// built-in defaults apply.
package main
