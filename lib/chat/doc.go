// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package chat is a small chat service published over vat
// capabilities.
//
// Three interfaces make up the service:
//
//   - RoomFactory (0x2345): create_room(name) returns a Room, creating
//     it on first use. A vat hosting the service offers a factory as
//     its bootstrap capability.
//   - Room (0x2346): send_message(text), history(), and
//     subscribe(listener).
//   - Listener (0x2347): on_message(room, text), implemented by
//     clients that want to be told about new messages.
//
// Each interface has a Go interface of the same name with two
// implementations: the hosted object ([Factory], [Room]) and a client
// stub ([RoomFactoryClient], [RoomClient], [ListenerClient]) that
// forwards every method through a [vat.Capability]. A stub works the
// same whether the capability is local or imported from a peer.
//
// Rooms notify listeners from their own goroutines. A room handler
// runs on the receive loop of the connection that delivered the call,
// and a listener may live behind that same connection.
//
// History lives in memory unless the factory has a [HistoryStore].
// [SQLiteHistory] keeps it in a SQLite file so rooms survive a
// restart of the hosting process.
package chat
