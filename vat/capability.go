// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package vat

import (
	"context"
	"fmt"
)

// Capability is a resolved reference to an object that can be invoked.
// The two implementations are *LocalCapability, which wraps an object
// in this process, and *RemoteCapability, which forwards calls over a
// connection. Application code handles both the same way.
type Capability interface {
	// Interface returns the descriptor of the referenced object.
	Interface() *Interface

	// Call invokes the named method and returns its result. A name the
	// interface does not declare fails with ErrUnknownMethod before
	// anything runs or is sent.
	Call(ctx context.Context, method string, args Args) (any, error)
}

var (
	_ Capability = (*LocalCapability)(nil)
	_ Capability = (*RemoteCapability)(nil)
)

// LocalCapability wraps an object hosted by this process. Sending one
// to a peer exports it on that connection; the same pointer is always
// exported under the same id.
type LocalCapability struct {
	iface    *Interface
	instance any
}

// NewLocal wraps instance as a capability of type iface. The
// interface's handlers receive instance as their receiver.
func NewLocal(iface *Interface, instance any) *LocalCapability {
	return &LocalCapability{iface: iface, instance: instance}
}

func (c *LocalCapability) Interface() *Interface { return c.iface }

// Instance returns the wrapped object.
func (c *LocalCapability) Instance() any { return c.instance }

func (c *LocalCapability) Call(ctx context.Context, method string, args Args) (any, error) {
	m, ok := c.iface.Method(method)
	if !ok {
		return nil, fmt.Errorf("%s.%s: %w", c.iface.Name, method, ErrUnknownMethod)
	}
	return c.invoke(ctx, m, args)
}

// invoke runs a handler. A panicking handler fails the call instead of
// taking down the connection's receive loop.
func (c *LocalCapability) invoke(ctx context.Context, method *Method, args Args) (result any, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			result = nil
			err = fmt.Errorf("%s.%s panicked: %v", c.iface.Name, method.Name, recovered)
		}
	}()
	return method.Handler(ctx, c.instance, args)
}

// RemoteCapability is a capability hosted by the peer of a connection.
// It is usable only while that connection is open.
type RemoteCapability struct {
	conn     *Conn
	importID uint64
	iface    *Interface
}

func (c *RemoteCapability) Interface() *Interface { return c.iface }

// ImportID returns the id the peer assigned when exporting this
// capability.
func (c *RemoteCapability) ImportID() uint64 { return c.importID }

// Conn returns the connection the capability was imported over.
func (c *RemoteCapability) Conn() *Conn { return c.conn }

func (c *RemoteCapability) Call(ctx context.Context, method string, args Args) (any, error) {
	m, ok := c.iface.Method(method)
	if !ok {
		return nil, fmt.Errorf("%s.%s: %w", c.iface.Name, method, ErrUnknownMethod)
	}
	return c.CallByID(ctx, m.ID, args)
}

// CallByID sends a call for any method id, declared or not. An id the
// peer does not implement comes back as a RemoteError with reason
// "Method not found".
func (c *RemoteCapability) CallByID(ctx context.Context, methodID uint64, args Args) (any, error) {
	return c.conn.CallMethod(ctx, c.importID, c.iface.ID, methodID, args.params())
}

func (c *RemoteCapability) String() string {
	return fmt.Sprintf("remote %s #%d", c.iface, c.importID)
}
