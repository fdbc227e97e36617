// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package vat

import (
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/bureau-foundation/vatrpc/transport"
)

// Vat is one party in the capability system: the protocol registry and
// bootstrap capability shared by every connection it makes.
type Vat struct {
	logger *slog.Logger

	mu        sync.RWMutex
	protocols map[uint64]*Interface
	bootstrap *LocalCapability
}

// New creates a vat with no protocols and no bootstrap capability. A
// nil logger discards output.
func New(logger *slog.Logger) *Vat {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Vat{
		logger:    logger,
		protocols: make(map[uint64]*Interface),
	}
}

// RegisterProtocol makes iface known for decoding capabilities the
// peer sends. Registering the same descriptor again is a no-op; a
// different descriptor under an existing id is rejected rather than
// overwriting what other connections may already rely on.
func (v *Vat) RegisterProtocol(iface *Interface) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if existing, ok := v.protocols[iface.ID]; ok {
		if existing == iface {
			return nil
		}
		return fmt.Errorf("registering %s over %s: %w", iface, existing, ErrProtocolConflict)
	}
	v.protocols[iface.ID] = iface
	return nil
}

// LookupProtocol returns the descriptor registered under id.
func (v *Vat) LookupProtocol(id uint64) (*Interface, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	iface, ok := v.protocols[id]
	return iface, ok
}

// SetBootstrap installs the capability offered to peers that send a
// bootstrap request, replacing any earlier one. Its interface is
// registered as a side effect.
func (v *Vat) SetBootstrap(capability *LocalCapability) error {
	if err := v.RegisterProtocol(capability.Interface()); err != nil {
		return err
	}
	v.mu.Lock()
	v.bootstrap = capability
	v.mu.Unlock()
	return nil
}

// Bootstrap returns the installed bootstrap capability, or nil.
func (v *Vat) Bootstrap() *LocalCapability {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.bootstrap
}

// NewConn attaches a connection to t. The connection is Open at once
// and sends immediately, but answers are only read once the caller
// starts Run.
func (v *Vat) NewConn(t transport.Transport, options ConnOptions) *Conn {
	return newConn(v, t, options)
}
