// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package vat

import (
	"context"
	"errors"
	"testing"
)

func TestRegisterProtocol(t *testing.T) {
	v := New(nil)
	if err := v.RegisterProtocol(recorderInterface); err != nil {
		t.Fatalf("first RegisterProtocol: %v", err)
	}
	if err := v.RegisterProtocol(recorderInterface); err != nil {
		t.Errorf("registering the same descriptor again = %v, want nil", err)
	}

	impostor := MustInterface(recorderInterfaceID, "Impostor",
		Method{ID: 0, Name: "noop", Handler: func(context.Context, any, Args) (any, error) { return nil, nil }})
	if err := v.RegisterProtocol(impostor); !errors.Is(err, ErrProtocolConflict) {
		t.Errorf("registering a different descriptor = %v, want ErrProtocolConflict", err)
	}

	found, ok := v.LookupProtocol(recorderInterfaceID)
	if !ok || found != recorderInterface {
		t.Errorf("LookupProtocol = %v, %v; want the original descriptor", found, ok)
	}
	if _, ok := v.LookupProtocol(0x999); ok {
		t.Error("LookupProtocol found an unregistered id")
	}
}

func TestSetBootstrapReplaces(t *testing.T) {
	v := New(nil)
	if v.Bootstrap() != nil {
		t.Fatal("new vat has a bootstrap capability")
	}

	first := NewLocal(recorderInterface, &recorder{})
	second := NewLocal(recorderInterface, &recorder{})
	if err := v.SetBootstrap(first); err != nil {
		t.Fatalf("SetBootstrap(first): %v", err)
	}
	if err := v.SetBootstrap(second); err != nil {
		t.Fatalf("SetBootstrap(second): %v", err)
	}
	if v.Bootstrap() != second {
		t.Error("the last SetBootstrap did not win")
	}
	if _, ok := v.LookupProtocol(recorderInterfaceID); !ok {
		t.Error("SetBootstrap did not register the interface")
	}
}

func TestLocalCapabilityCall(t *testing.T) {
	hosted := &recorder{}
	local := NewLocal(recorderInterface, hosted)
	ctx := context.Background()

	if _, err := local.Call(ctx, "record", Positional("direct")); err != nil {
		t.Fatalf("record: %v", err)
	}
	if got := hosted.snapshot(); len(got) != 1 || got[0] != "direct" {
		t.Errorf("entries = %v, want [direct]", got)
	}
	if local.Instance() != hosted {
		t.Error("Instance does not return the wrapped object")
	}

	if _, err := local.Call(ctx, "nope", Args{}); !errors.Is(err, ErrUnknownMethod) {
		t.Errorf("unknown method = %v, want ErrUnknownMethod", err)
	}
	if _, err := local.Call(ctx, "panic", Args{}); err == nil {
		t.Error("panicking handler returned no error")
	}
}

func TestHandlerReceiverMismatch(t *testing.T) {
	local := NewLocal(recorderInterface, "not a recorder")
	if _, err := local.Call(context.Background(), "entries", Args{}); err == nil {
		t.Error("handler accepted a receiver of the wrong type")
	}
}

func TestExceptionReason(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"invalid capability", errors.Join(errors.New("context"), ErrInvalidCapability), "Invalid capability"},
		{"method not found", ErrMethodNotFound, "Method not found"},
		{"relayed remote error", &RemoteError{Reason: "upstream"}, "upstream"},
		{"application error", errors.New("room is full"), "room is full"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := exceptionReason(test.err); got != test.want {
				t.Errorf("exceptionReason = %q, want %q", got, test.want)
			}
		})
	}
}
