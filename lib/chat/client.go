// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package chat

import (
	"context"
	"fmt"

	"github.com/bureau-foundation/vatrpc/vat"
)

// RoomFactoryClient calls a RoomFactory capability.
type RoomFactoryClient struct {
	capability vat.Capability
}

var _ RoomFactory = (*RoomFactoryClient)(nil)

// NewRoomFactoryClient wraps capability, typically the bootstrap
// capability of a chat host.
func NewRoomFactoryClient(capability vat.Capability) *RoomFactoryClient {
	return &RoomFactoryClient{capability: capability}
}

func (c *RoomFactoryClient) CreateRoom(ctx context.Context, name string) (RoomHandle, error) {
	result, err := c.capability.Call(ctx, "create_room", vat.Positional(name))
	if err != nil {
		return nil, fmt.Errorf("create_room %q: %w", name, err)
	}
	room, ok := result.(vat.Capability)
	if !ok {
		return nil, fmt.Errorf("create_room %q returned %T, want a capability", name, result)
	}
	return NewRoomClient(room), nil
}

// RoomClient calls a Room capability.
type RoomClient struct {
	capability vat.Capability
}

var _ RoomHandle = (*RoomClient)(nil)

func NewRoomClient(capability vat.Capability) *RoomClient {
	return &RoomClient{capability: capability}
}

// Capability returns the wrapped room capability.
func (c *RoomClient) Capability() vat.Capability { return c.capability }

func (c *RoomClient) SendMessage(ctx context.Context, text string) error {
	if _, err := c.capability.Call(ctx, "send_message", vat.Positional(text)); err != nil {
		return fmt.Errorf("send_message: %w", err)
	}
	return nil
}

func (c *RoomClient) History(ctx context.Context) ([]string, error) {
	result, err := c.capability.Call(ctx, "history", vat.Args{})
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	return stringList(result)
}

// Subscribe registers listener with the room. A listener that is not
// already a capability is exported from this process for the room to
// call back.
func (c *RoomClient) Subscribe(ctx context.Context, listener Listener) error {
	var capability vat.Capability
	switch typed := listener.(type) {
	case *ListenerClient:
		capability = typed.capability
	default:
		capability = vat.NewLocal(ListenerInterface, listener)
	}
	if _, err := c.capability.Call(ctx, "subscribe", vat.Positional(capability)); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	return nil
}

// ListenerClient calls a Listener capability.
type ListenerClient struct {
	capability vat.Capability
}

var _ Listener = (*ListenerClient)(nil)

func NewListenerClient(capability vat.Capability) *ListenerClient {
	return &ListenerClient{capability: capability}
}

func (c *ListenerClient) OnMessage(ctx context.Context, room, text string) error {
	if _, err := c.capability.Call(ctx, "on_message", vat.Positional(room, text)); err != nil {
		return fmt.Errorf("on_message: %w", err)
	}
	return nil
}

// stringList converts a decoded array of strings. Values that crossed
// a connection arrive as []any; local calls return []string.
func stringList(value any) ([]string, error) {
	switch typed := value.(type) {
	case []string:
		return typed, nil
	case nil:
		return nil, nil
	case []any:
		out := make([]string, len(typed))
		for index, item := range typed {
			text, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("history entry %d is %T, want a string", index, item)
			}
			out[index] = text
		}
		return out, nil
	default:
		return nil, fmt.Errorf("history returned %T, want an array", value)
	}
}
