// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package vat

import (
	"fmt"
	"reflect"
)

// capRefKey marks a payload map that stands in for a capability.
const capRefKey = "capRef"

// capTableEncoder replaces capabilities in an outbound payload with
// {capRef: index} placeholders and collects the matching descriptors.
type capTableEncoder struct {
	conn  *Conn
	table []CapDescriptor
}

// encodeValue prepares value for a call's params or a return's
// results. Local capabilities are exported on c as a side effect.
func (c *Conn) encodeValue(value any) (any, []CapDescriptor, error) {
	encoder := &capTableEncoder{conn: c}
	encoded, err := encoder.encode(value)
	if err != nil {
		return nil, nil, err
	}
	return encoded, encoder.table, nil
}

func (e *capTableEncoder) encode(value any) (any, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case *LocalCapability:
		exportID := e.conn.export(v)
		return e.reference(CapDescriptor{SenderHosted: &exportID, InterfaceID: v.iface.ID}), nil
	case *RemoteCapability:
		if v.conn != e.conn {
			return nil, fmt.Errorf("%s: %w", v, ErrForeignCapability)
		}
		importID := v.importID
		return e.reference(CapDescriptor{ImportedCap: &importID, InterfaceID: v.iface.ID}), nil
	case Capability:
		return nil, fmt.Errorf("cannot send capability of type %T", value)
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			encoded, err := e.encode(item)
			if err != nil {
				return nil, err
			}
			out[key] = encoded
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for index, item := range v {
			encoded, err := e.encode(item)
			if err != nil {
				return nil, err
			}
			out[index] = encoded
		}
		return out, nil
	case string, []byte, bool, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64, float32, float64:
		return v, nil
	}
	return e.encodeReflected(value)
}

// encodeReflected walks typed collections ([]string, map[string]int,
// [3]any, []*LocalCapability ...) so capabilities inside them are
// found too. Anything else, structs included, is left for the CBOR
// encoder.
func (e *capTableEncoder) encodeReflected(value any) (any, error) {
	reflected := reflect.ValueOf(value)
	switch reflected.Kind() {
	case reflect.Map:
		if reflected.Type().Key().Kind() != reflect.String {
			return value, nil
		}
		out := make(map[string]any, reflected.Len())
		iterator := reflected.MapRange()
		for iterator.Next() {
			encoded, err := e.encode(iterator.Value().Interface())
			if err != nil {
				return nil, err
			}
			out[iterator.Key().String()] = encoded
		}
		return out, nil
	case reflect.Slice, reflect.Array:
		if reflected.Type().Elem().Kind() == reflect.Uint8 {
			return value, nil
		}
		if reflected.Kind() == reflect.Slice && reflected.IsNil() {
			return nil, nil
		}
		out := make([]any, reflected.Len())
		for index := range out {
			encoded, err := e.encode(reflected.Index(index).Interface())
			if err != nil {
				return nil, err
			}
			out[index] = encoded
		}
		return out, nil
	default:
		return value, nil
	}
}

func (e *capTableEncoder) reference(descriptor CapDescriptor) map[string]any {
	e.table = append(e.table, descriptor)
	return map[string]any{capRefKey: uint64(len(e.table) - 1)}
}

// decodeValue materializes the capabilities referenced by placeholders
// in an inbound payload. Any map with a capRef key is a placeholder;
// other maps and arrays are rebuilt with their contents decoded.
func (c *Conn) decodeValue(value any, table []CapDescriptor) (any, error) {
	switch v := value.(type) {
	case map[string]any:
		if ref, ok := v[capRefKey]; ok {
			return c.resolveCapRef(ref, table)
		}
		out := make(map[string]any, len(v))
		for key, item := range v {
			decoded, err := c.decodeValue(item, table)
			if err != nil {
				return nil, err
			}
			out[key] = decoded
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for index, item := range v {
			decoded, err := c.decodeValue(item, table)
			if err != nil {
				return nil, err
			}
			out[index] = decoded
		}
		return out, nil
	default:
		return value, nil
	}
}

func (c *Conn) resolveCapRef(ref any, table []CapDescriptor) (Capability, error) {
	index, ok := ref.(uint64)
	if !ok {
		return nil, fmt.Errorf("%w: capRef is %T, want a non-negative integer", ErrMalformedCapRef, ref)
	}
	if index >= uint64(len(table)) {
		return nil, fmt.Errorf("%w: capRef %d with %d table entries", ErrCapRefOutOfRange, index, len(table))
	}
	descriptor := table[index]

	iface, ok := c.vat.LookupProtocol(descriptor.InterfaceID)
	if !ok {
		return nil, fmt.Errorf("%w %#x", ErrUnknownProtocol, descriptor.InterfaceID)
	}

	switch {
	case descriptor.SenderHosted != nil && descriptor.ImportedCap != nil:
		return nil, fmt.Errorf("%w: entry %d sets both senderHosted and importedCap", ErrMalformedCapRef, index)
	case descriptor.SenderHosted != nil:
		return c.importCapability(*descriptor.SenderHosted, iface), nil
	case descriptor.ImportedCap != nil:
		// The peer is handing back something we exported to it. The
		// id is in our export space, so it resolves to our own object.
		local, ok := c.lookupExport(*descriptor.ImportedCap)
		if !ok {
			return nil, fmt.Errorf("%w: importedCap %d was never exported on this connection",
				ErrInvalidCapability, *descriptor.ImportedCap)
		}
		if local.iface.ID != iface.ID {
			return nil, fmt.Errorf("%w: importedCap %d is %s, table says %s",
				ErrMalformedCapRef, *descriptor.ImportedCap, local.iface, iface)
		}
		return local, nil
	default:
		return nil, fmt.Errorf("%w: entry %d sets neither senderHosted nor importedCap", ErrMalformedCapRef, index)
	}
}
