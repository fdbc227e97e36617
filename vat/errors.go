// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package vat

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownMethod is returned by Capability.Call when the method
	// name is not declared on the capability's interface. Nothing is
	// sent and no handler runs.
	ErrUnknownMethod = errors.New("unknown method")

	// ErrMethodNotFound means an inbound call named an (interface id,
	// method id) pair the target capability does not implement.
	ErrMethodNotFound = errors.New("method not found")

	// ErrInvalidCapability means an inbound call targeted an export id
	// this connection never handed out.
	ErrInvalidCapability = errors.New("invalid capability")

	// ErrProtocolConflict is returned by Vat.RegisterProtocol when a
	// different descriptor is already registered under the same id.
	ErrProtocolConflict = errors.New("interface id already registered with a different descriptor")

	// ErrUnknownProtocol means a capability table named an interface
	// id the vat has no descriptor for.
	ErrUnknownProtocol = errors.New("no known protocol for interface id")

	// ErrCapRefOutOfRange means a capRef placeholder indexed past the
	// end of its message's capability table.
	ErrCapRefOutOfRange = errors.New("capRef index out of range")

	// ErrMalformedCapRef means a capRef placeholder or capability
	// table entry had the wrong shape.
	ErrMalformedCapRef = errors.New("malformed capability reference")

	// ErrForeignCapability means a payload carried a remote capability
	// imported over a different connection. Handing capabilities to a
	// third vat is not supported.
	ErrForeignCapability = errors.New("capability belongs to another connection")

	// ErrConnClosed is returned for questions on a connection that has
	// stopped, and wraps the terminal error for questions that were
	// pending when it stopped.
	ErrConnClosed = errors.New("connection closed")

	// ErrConnectionLost is the terminal error when the transport closes
	// underneath a connection that still expected answers.
	ErrConnectionLost = errors.New("connection lost")

	// ErrCallTimeout is returned when ConnOptions.CallTimeout elapses
	// before the answer arrives.
	ErrCallTimeout = errors.New("call timed out")
)

// Exception reasons with fixed text. Peers match on these strings.
const (
	reasonInvalidCapability = "Invalid capability"
	reasonMethodNotFound    = "Method not found"
	reasonNoBootstrap       = "No bootstrap capability"
)

// RemoteError is a call-level failure reported by the peer in a return
// message. Reason is the peer's text verbatim.
type RemoteError struct {
	Reason string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote call failed: %s", e.Reason)
}

// IsRemoteError reports whether err carries a RemoteError with the
// given reason.
func IsRemoteError(err error, reason string) bool {
	var remoteErr *RemoteError
	if errors.As(err, &remoteErr) {
		return remoteErr.Reason == reason
	}
	return false
}

// RemoteAbortError is the terminal error of a connection whose peer
// sent an abort message.
type RemoteAbortError struct {
	Reason string
}

func (e *RemoteAbortError) Error() string {
	return fmt.Sprintf("peer aborted connection: %s", e.Reason)
}

// exceptionReason maps a call failure onto the reason string sent in
// the return message.
func exceptionReason(err error) string {
	var remoteErr *RemoteError
	switch {
	case errors.Is(err, ErrInvalidCapability):
		return reasonInvalidCapability
	case errors.Is(err, ErrMethodNotFound):
		return reasonMethodNotFound
	case errors.As(err, &remoteErr):
		return remoteErr.Reason
	default:
		return err.Error()
	}
}
