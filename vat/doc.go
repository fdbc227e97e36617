// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package vat implements capability-based RPC between vats: processes
// that hand each other references to objects and invoke methods on
// them, with no broker in between. Holding a [Capability] is both
// necessary and sufficient to call it.
//
// An [Interface] declares a capability type: a numeric id chosen by
// the application and a static table of methods, each with a numeric
// id and a [MethodFunc]. [NewLocal] wraps an object as a
// [LocalCapability]; capabilities received from a peer arrive as
// [RemoteCapability] values. Both satisfy [Capability] and are called
// the same way.
//
// A [Vat] holds the registry of known interfaces and the bootstrap
// capability offered to any peer that asks. [Vat.NewConn] attaches a
// [Conn] to a [transport.Transport]; the owner runs [Conn.Run] in a
// goroutine, which reads and handles inbound messages one at a time
// until the connection ends.
//
// # Wire protocol
//
// Every frame is one CBOR map with a "type" field:
//
//	{type: "bootstrap", questionId}
//	{type: "call", questionId, target: {importedCap}, interfaceId, methodId, params, capTable?}
//	{type: "return", answerId, results? | exception: {reason}, capTable?}
//	{type: "finish", questionId}
//	{type: "abort", reason}
//	{type: "unimplemented", original}
//
// Question ids count up from zero per connection. Capabilities inside
// params and results are replaced by {capRef: index} placeholders that
// index the message's capability table, whose entries are either
// {senderHosted: exportId, interfaceId} for an object the sender hosts
// or {importedCap: exportId, interfaceId} for one the receiver hosts.
// Call params carry {"args": [...], "kwargs": {...}}.
//
// Call failures travel back in-band as an exception with a reason
// string and surface to the caller as a [*RemoteError]. Protocol
// violations and transport failures end the connection: the side that
// detects them sends abort, and the peer's Run returns a
// [*RemoteAbortError].
//
// Exported capabilities are never released while a connection is up.
// Export and import tables are cleared when it closes.
package vat
