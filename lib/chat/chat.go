// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package chat

import (
	"context"
	"fmt"

	"github.com/bureau-foundation/vatrpc/vat"
)

// Wire identities of the chat interfaces.
const (
	RoomFactoryInterfaceID uint64 = 0x2345
	RoomInterfaceID        uint64 = 0x2346
	ListenerInterfaceID    uint64 = 0x2347
)

// Method ids, per interface.
const (
	methodCreateRoom uint64 = 0

	methodSendMessage uint64 = 0
	methodHistory     uint64 = 1
	methodSubscribe   uint64 = 2

	methodOnMessage uint64 = 0
)

// RoomFactory hands out rooms by name.
type RoomFactory interface {
	CreateRoom(ctx context.Context, name string) (RoomHandle, error)
}

// RoomHandle is the capability set of a room.
type RoomHandle interface {
	SendMessage(ctx context.Context, text string) error
	History(ctx context.Context) ([]string, error)
	Subscribe(ctx context.Context, listener Listener) error
}

// Listener is told about every message sent to a room it subscribed
// to.
type Listener interface {
	OnMessage(ctx context.Context, room, text string) error
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, room, text string) error

func (f ListenerFunc) OnMessage(ctx context.Context, room, text string) error {
	return f(ctx, room, text)
}

var (
	// RoomFactoryInterface describes RoomFactory. Handlers expect a
	// *Factory receiver.
	RoomFactoryInterface = vat.MustInterface(RoomFactoryInterfaceID, "RoomFactory",
		vat.Method{ID: methodCreateRoom, Name: "create_room", Handler: vat.Handler(handleCreateRoom)},
	)

	// RoomInterface describes a room. Handlers expect a *Room receiver.
	RoomInterface = vat.MustInterface(RoomInterfaceID, "Room",
		vat.Method{ID: methodSendMessage, Name: "send_message", Handler: vat.Handler(handleSendMessage)},
		vat.Method{ID: methodHistory, Name: "history", Handler: vat.Handler(handleHistory)},
		vat.Method{ID: methodSubscribe, Name: "subscribe", Handler: vat.Handler(handleSubscribe)},
	)

	// ListenerInterface describes a listener. Handlers accept any
	// Listener as the receiver.
	ListenerInterface = vat.MustInterface(ListenerInterfaceID, "Listener",
		vat.Method{ID: methodOnMessage, Name: "on_message", Handler: vat.Handler(handleOnMessage)},
	)
)

// Register makes the chat interfaces known to v so capabilities of
// these types can be received from peers.
func Register(v *vat.Vat) error {
	for _, iface := range []*vat.Interface{RoomFactoryInterface, RoomInterface, ListenerInterface} {
		if err := v.RegisterProtocol(iface); err != nil {
			return fmt.Errorf("registering chat protocols: %w", err)
		}
	}
	return nil
}

func handleCreateRoom(ctx context.Context, factory *Factory, args vat.Args) (any, error) {
	name, err := args.StringArg(0, "name")
	if err != nil {
		return nil, err
	}
	room, err := factory.Room(ctx, name)
	if err != nil {
		return nil, err
	}
	return room.Capability(), nil
}

func handleSendMessage(ctx context.Context, room *Room, args vat.Args) (any, error) {
	text, err := args.StringArg(0, "text")
	if err != nil {
		return nil, err
	}
	return nil, room.SendMessage(ctx, text)
}

func handleHistory(ctx context.Context, room *Room, args vat.Args) (any, error) {
	return room.History(ctx)
}

func handleSubscribe(ctx context.Context, room *Room, args vat.Args) (any, error) {
	capability, err := args.CapabilityArg(0, "listener")
	if err != nil {
		return nil, err
	}
	if capability.Interface().ID != ListenerInterfaceID {
		return nil, fmt.Errorf("subscribe needs a %s, got %s", ListenerInterface, capability.Interface())
	}
	return nil, room.Subscribe(ctx, NewListenerClient(capability))
}

func handleOnMessage(ctx context.Context, listener Listener, args vat.Args) (any, error) {
	room, err := args.StringArg(0, "room")
	if err != nil {
		return nil, err
	}
	text, err := args.StringArg(1, "text")
	if err != nil {
		return nil, err
	}
	return nil, listener.OnMessage(ctx, room, text)
}
