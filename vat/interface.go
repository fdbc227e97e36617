// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package vat

import (
	"context"
	"fmt"
)

// MethodFunc implements one remotely invokable method. receiver is the
// instance wrapped by the LocalCapability being called.
type MethodFunc func(ctx context.Context, receiver any, args Args) (any, error)

// Method declares one method of an Interface.
type Method struct {
	ID      uint64
	Name    string
	Handler MethodFunc
}

// Interface describes a capability type: its process-wide id and the
// methods it declares. Build one with NewInterface at startup; it is
// immutable afterwards and safe to share between goroutines.
type Interface struct {
	ID      uint64
	Name    string
	Methods []Method

	byName map[string]*Method
	byID   map[uint64]*Method
}

// NewInterface validates and indexes a descriptor. Method ids and
// names must each be unique, and every method needs a handler.
func NewInterface(id uint64, name string, methods ...Method) (*Interface, error) {
	iface := &Interface{
		ID:      id,
		Name:    name,
		Methods: append([]Method(nil), methods...),
		byName:  make(map[string]*Method, len(methods)),
		byID:    make(map[uint64]*Method, len(methods)),
	}
	for index := range iface.Methods {
		method := &iface.Methods[index]
		if method.Name == "" {
			return nil, fmt.Errorf("interface %s: method id %d has no name", name, method.ID)
		}
		if method.Handler == nil {
			return nil, fmt.Errorf("interface %s: method %s has no handler", name, method.Name)
		}
		if _, exists := iface.byName[method.Name]; exists {
			return nil, fmt.Errorf("interface %s: duplicate method name %q", name, method.Name)
		}
		if existing, exists := iface.byID[method.ID]; exists {
			return nil, fmt.Errorf("interface %s: methods %s and %s share id %d",
				name, existing.Name, method.Name, method.ID)
		}
		iface.byName[method.Name] = method
		iface.byID[method.ID] = method
	}
	return iface, nil
}

// MustInterface is NewInterface for package-level descriptors. It
// panics on an invalid declaration.
func MustInterface(id uint64, name string, methods ...Method) *Interface {
	iface, err := NewInterface(id, name, methods...)
	if err != nil {
		panic("vat: " + err.Error())
	}
	return iface
}

// Method looks up a method by name.
func (i *Interface) Method(name string) (*Method, bool) {
	method, ok := i.byName[name]
	return method, ok
}

// MethodByID looks up a method by its wire id.
func (i *Interface) MethodByID(id uint64) (*Method, bool) {
	method, ok := i.byID[id]
	return method, ok
}

func (i *Interface) String() string {
	return fmt.Sprintf("%s(%#x)", i.Name, i.ID)
}

// Handler adapts a function over a concrete receiver type to a
// MethodFunc. The returned MethodFunc fails when the capability wraps
// some other type.
func Handler[T any](fn func(ctx context.Context, receiver T, args Args) (any, error)) MethodFunc {
	return func(ctx context.Context, receiver any, args Args) (any, error) {
		typed, ok := receiver.(T)
		if !ok {
			var want T
			return nil, fmt.Errorf("receiver is %T, want %T", receiver, want)
		}
		return fn(ctx, typed, args)
	}
}
