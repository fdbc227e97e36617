// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package vat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/vatrpc/lib/codec"
	"github.com/bureau-foundation/vatrpc/lib/testutil"
	"github.com/bureau-foundation/vatrpc/transport"
)

const testTimeout = 5 * time.Second

// recorder is the object behind the test interface. Its handlers run
// on the receive loop of whichever connection delivered the call.
type recorder struct {
	mu      sync.Mutex
	entries []string
	held    []Capability
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.entries...)
}

func (r *recorder) heldCapability(index int) Capability {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.held[index]
}

const recorderInterfaceID = 0x100

// recorderInterface is built in init: spawn refers back to it.
var recorderInterface *Interface

func init() {
	recorderInterface = MustInterface(recorderInterfaceID, "Recorder",
		Method{ID: 0, Name: "record", Handler: Handler(func(ctx context.Context, r *recorder, args Args) (any, error) {
			entry, err := args.StringArg(0, "entry")
			if err != nil {
				return nil, err
			}
			r.mu.Lock()
			defer r.mu.Unlock()
			r.entries = append(r.entries, entry)
			return uint64(len(r.entries)), nil
		})},
		Method{ID: 1, Name: "entries", Handler: Handler(func(ctx context.Context, r *recorder, args Args) (any, error) {
			return r.snapshot(), nil
		})},
		Method{ID: 2, Name: "fail", Handler: Handler(func(ctx context.Context, r *recorder, args Args) (any, error) {
			return nil, errors.New("boom")
		})},
		Method{ID: 3, Name: "echo", Handler: Handler(func(ctx context.Context, r *recorder, args Args) (any, error) {
			value, _ := args.Value(0, "value")
			return value, nil
		})},
		Method{ID: 4, Name: "hold", Handler: Handler(func(ctx context.Context, r *recorder, args Args) (any, error) {
			capability, err := args.CapabilityArg(0, "capability")
			if err != nil {
				return nil, err
			}
			r.mu.Lock()
			defer r.mu.Unlock()
			r.held = append(r.held, capability)
			return nil, nil
		})},
		Method{ID: 5, Name: "spawn", Handler: Handler(func(ctx context.Context, r *recorder, args Args) (any, error) {
			return NewLocal(recorderInterface, &recorder{}), nil
		})},
		Method{ID: 6, Name: "panic", Handler: Handler(func(ctx context.Context, r *recorder, args Args) (any, error) {
			panic("handler exploded")
		})},
	)
}

// runConn starts conn's receive loop and returns a channel carrying
// Run's result.
func runConn(t *testing.T, conn *Conn) <-chan error {
	t.Helper()
	result := make(chan error, 1)
	go func() { result <- conn.Run(context.Background()) }()
	t.Cleanup(func() {
		conn.Close()
		testutil.RequireClosed(t, conn.Done(), testTimeout, "connection shutdown")
	})
	return result
}

// connectedPair returns a serving connection whose vat offers a
// recorder as bootstrap and a client connection to it, both running.
func connectedPair(t *testing.T) (server, client *Conn, hosted *recorder) {
	t.Helper()
	serverVat := New(nil)
	hosted = &recorder{}
	if err := serverVat.SetBootstrap(NewLocal(recorderInterface, hosted)); err != nil {
		t.Fatalf("SetBootstrap: %v", err)
	}
	clientVat := New(nil)
	if err := clientVat.RegisterProtocol(recorderInterface); err != nil {
		t.Fatalf("RegisterProtocol: %v", err)
	}

	serverEnd, clientEnd := transport.Pipe()
	server = serverVat.NewConn(serverEnd, ConnOptions{Serving: true})
	client = clientVat.NewConn(clientEnd, ConnOptions{})
	runConn(t, server)
	runConn(t, client)
	return server, client, hosted
}

// rawPeer drives one side of a connection by hand.
type rawPeer struct {
	t         *testing.T
	transport transport.Transport
}

// newRawPeer attaches conn, built from v with options, to a pipe whose
// other end the test controls.
func newRawPeer(t *testing.T, v *Vat, options ConnOptions) (*Conn, *rawPeer) {
	t.Helper()
	connEnd, peerEnd := transport.Pipe()
	t.Cleanup(func() { peerEnd.Close() })
	return v.NewConn(connEnd, options), &rawPeer{t: t, transport: peerEnd}
}

func (p *rawPeer) send(message any) {
	p.t.Helper()
	frame, err := codec.Marshal(message)
	if err != nil {
		p.t.Fatalf("encoding %T: %v", message, err)
	}
	p.sendFrame(frame)
}

func (p *rawPeer) sendFrame(frame []byte) {
	p.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := p.transport.Send(ctx, frame); err != nil {
		p.t.Fatalf("raw send: %v", err)
	}
}

func (p *rawPeer) receiveFrame() []byte {
	p.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	frame, err := p.transport.Receive(ctx)
	if err != nil {
		p.t.Fatalf("raw receive: %v", err)
	}
	return frame
}

// receive decodes the next frame into a generic map.
func (p *rawPeer) receive() map[string]any {
	p.t.Helper()
	var message map[string]any
	if err := codec.Unmarshal(p.receiveFrame(), &message); err != nil {
		p.t.Fatalf("decoding frame: %v", err)
	}
	return message
}

// expectNothing asserts that no frame arrives within a short window.
func (p *rawPeer) expectNothing() {
	p.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	frame, err := p.transport.Receive(ctx)
	if err == nil {
		p.t.Fatalf("unexpected frame: %x", frame)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		p.t.Fatalf("Receive = %v, want deadline exceeded", err)
	}
}

func requireReason(t *testing.T, message map[string]any, want string) {
	t.Helper()
	raw, ok := message["exception"].(map[string]any)
	if !ok {
		t.Fatalf("message has no exception: %v", message)
	}
	reason, _ := raw["reason"].(string)
	if !strings.Contains(reason, want) {
		t.Fatalf("exception reason = %q, want it to contain %q", reason, want)
	}
}

func requireUint(t *testing.T, message map[string]any, key string, want uint64) {
	t.Helper()
	if got, ok := message[key].(uint64); !ok || got != want {
		t.Fatalf("%s = %#v, want %d (message %v)", key, message[key], want, message)
	}
}
