// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package vat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/vatrpc/lib/clock"
	"github.com/bureau-foundation/vatrpc/lib/codec"
	"github.com/bureau-foundation/vatrpc/lib/testutil"
)

func TestBootstrapAndCall(t *testing.T) {
	_, client, hosted := connectedPair(t)
	ctx := context.Background()

	root, err := client.Bootstrap(ctx)
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if root.Interface() != recorderInterface {
		t.Errorf("bootstrap interface = %v, want %v", root.Interface(), recorderInterface)
	}

	count, err := root.Call(ctx, "record", Positional("hello"))
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if count != uint64(1) {
		t.Errorf("record returned %#v, want uint64(1)", count)
	}

	entries, err := root.Call(ctx, "entries", Args{})
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	list, ok := entries.([]any)
	if !ok || len(list) != 1 || list[0] != "hello" {
		t.Errorf("entries returned %#v, want [hello]", entries)
	}
	if got := hosted.snapshot(); len(got) != 1 || got[0] != "hello" {
		t.Errorf("hosted entries = %v, want [hello]", got)
	}
}

func TestKeywordArguments(t *testing.T) {
	_, client, hosted := connectedPair(t)
	ctx := context.Background()

	root, err := client.Bootstrap(ctx)
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if _, err := root.Call(ctx, "record", Args{Keyword: map[string]any{"entry": "by keyword"}}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if got := hosted.snapshot(); len(got) != 1 || got[0] != "by keyword" {
		t.Errorf("hosted entries = %v, want [by keyword]", got)
	}
}

func TestBootstrapReusesExport(t *testing.T) {
	_, client, _ := connectedPair(t)
	ctx := context.Background()

	first, err := client.Bootstrap(ctx)
	if err != nil {
		t.Fatalf("first Bootstrap: %v", err)
	}
	second, err := client.Bootstrap(ctx)
	if err != nil {
		t.Fatalf("second Bootstrap: %v", err)
	}
	if first != second {
		t.Errorf("bootstrap imported twice: %v and %v", first, second)
	}
}

func TestBootstrapWithoutCapability(t *testing.T) {
	serverVat := New(nil)
	server, peer := newRawPeer(t, serverVat, ConnOptions{Serving: true})
	runConn(t, server)

	peer.send(bootstrapMessage{Type: typeBootstrap, QuestionID: 0})
	reply := peer.receive()
	if reply["type"] != typeReturn {
		t.Fatalf("reply type = %v, want return", reply["type"])
	}
	requireUint(t, reply, "answerId", 0)
	requireReason(t, reply, "No bootstrap capability")
}

func TestBootstrapReply(t *testing.T) {
	serverVat := New(nil)
	serverVat.SetBootstrap(NewLocal(recorderInterface, &recorder{}))
	server, peer := newRawPeer(t, serverVat, ConnOptions{Serving: true})
	runConn(t, server)

	peer.send(bootstrapMessage{Type: typeBootstrap, QuestionID: 7})
	reply := peer.receive()
	requireUint(t, reply, "answerId", 7)

	results, ok := reply["results"].(map[string]any)
	if !ok {
		t.Fatalf("results = %#v, want a capRef map", reply["results"])
	}
	requireUint(t, results, "capRef", 0)

	table, ok := reply["capTable"].([]any)
	if !ok || len(table) != 1 {
		t.Fatalf("capTable = %#v, want one entry", reply["capTable"])
	}
	entry := table[0].(map[string]any)
	requireUint(t, entry, "senderHosted", 0)
	requireUint(t, entry, "interfaceId", recorderInterfaceID)
}

func TestQuestionIDsAreSequential(t *testing.T) {
	clientVat := New(nil)
	clientVat.RegisterProtocol(recorderInterface)
	client, peer := newRawPeer(t, clientVat, ConnOptions{})
	runConn(t, client)

	const count = 6
	for index := range count {
		result := make(chan error, 1)
		go func() {
			var err error
			if index%2 == 0 {
				_, err = client.Bootstrap(context.Background())
			} else {
				_, err = client.CallMethod(context.Background(), 0, recorderInterfaceID, 1, Args{}.params())
			}
			result <- err
		}()

		request := peer.receive()
		requireUint(t, request, "questionId", uint64(index))

		capRef := uint64(0)
		exportID := uint64(0)
		peer.send(returnMessage{
			Type:     typeReturn,
			AnswerID: uint64(index),
			Results:  map[string]any{"capRef": capRef},
			CapTable: []CapDescriptor{{SenderHosted: &exportID, InterfaceID: recorderInterfaceID}},
		})
		if err := testutil.RequireReceive(t, result, testTimeout, "question %d", index); err != nil {
			t.Fatalf("question %d: %v", index, err)
		}
	}
}

func TestUnknownMethodFailsBeforeSend(t *testing.T) {
	clientVat := New(nil)
	client, peer := newRawPeer(t, clientVat, ConnOptions{})
	runConn(t, client)

	remote := &RemoteCapability{conn: client, importID: 0, iface: recorderInterface}
	_, err := remote.Call(context.Background(), "no_such_method", Args{})
	if !errors.Is(err, ErrUnknownMethod) {
		t.Fatalf("Call = %v, want ErrUnknownMethod", err)
	}
	peer.expectNothing()
}

func TestMethodNotFoundRunsNoHandler(t *testing.T) {
	_, client, hosted := connectedPair(t)
	ctx := context.Background()

	root, err := client.Bootstrap(ctx)
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	tests := []struct {
		name string
		call func() error
	}{
		{"undeclared method id", func() error {
			_, err := root.CallByID(ctx, 99, Positional("x"))
			return err
		}},
		{"wrong interface id", func() error {
			_, err := client.CallMethod(ctx, root.ImportID(), 0x999, 0, Positional("x").params())
			return err
		}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := test.call()
			if !IsRemoteError(err, "Method not found") {
				t.Fatalf("error = %v, want RemoteError \"Method not found\"", err)
			}
		})
	}
	if got := hosted.snapshot(); len(got) != 0 {
		t.Errorf("a handler ran: entries = %v", got)
	}
}

func TestInvalidCapabilityKeepsConnectionOpen(t *testing.T) {
	server, client, _ := connectedPair(t)
	ctx := context.Background()

	_, err := client.CallMethod(ctx, 42, recorderInterfaceID, 0, Positional("x").params())
	if !IsRemoteError(err, "Invalid capability") {
		t.Fatalf("error = %v, want RemoteError \"Invalid capability\"", err)
	}
	if server.State() != StateOpen || client.State() != StateOpen {
		t.Fatalf("states = %v/%v, want open/open", server.State(), client.State())
	}

	root, err := client.Bootstrap(ctx)
	if err != nil {
		t.Fatalf("Bootstrap after failed call: %v", err)
	}
	if _, err := root.Call(ctx, "record", Positional("still works")); err != nil {
		t.Fatalf("record after failed call: %v", err)
	}
}

func TestInvalidCapabilityExactReason(t *testing.T) {
	serverVat := New(nil)
	server, peer := newRawPeer(t, serverVat, ConnOptions{Serving: true})
	runConn(t, server)

	peer.send(callMessage{
		Type:        typeCall,
		QuestionID:  3,
		Target:      callTarget{ImportedCap: 5},
		InterfaceID: recorderInterfaceID,
		Params:      Args{}.params(),
	})
	reply := peer.receive()
	requireUint(t, reply, "answerId", 3)
	exceptionBody := reply["exception"].(map[string]any)
	if exceptionBody["reason"] != "Invalid capability" {
		t.Errorf("reason = %q, want exactly %q", exceptionBody["reason"], "Invalid capability")
	}
	if server.State() != StateOpen {
		t.Errorf("state = %v, want open", server.State())
	}
}

func TestApplicationErrorsAreCallLevel(t *testing.T) {
	server, client, _ := connectedPair(t)
	ctx := context.Background()

	root, err := client.Bootstrap(ctx)
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	if _, err := root.Call(ctx, "fail", Args{}); !IsRemoteError(err, "boom") {
		t.Errorf("fail = %v, want RemoteError \"boom\"", err)
	}
	_, err = root.Call(ctx, "panic", Args{})
	var remoteErr *RemoteError
	if !errors.As(err, &remoteErr) || !strings.Contains(remoteErr.Reason, "handler exploded") {
		t.Errorf("panic = %v, want RemoteError mentioning the panic", err)
	}
	if _, err := root.Call(ctx, "record", Args{}); err == nil || !strings.Contains(err.Error(), "missing argument") {
		t.Errorf("record without args = %v, want missing argument", err)
	}

	if server.State() != StateOpen {
		t.Errorf("server state = %v, want open", server.State())
	}
	if _, err := root.Call(ctx, "record", Positional("after")); err != nil {
		t.Errorf("record after failures: %v", err)
	}
}

func TestCapabilityRoundTrip(t *testing.T) {
	_, client, hosted := connectedPair(t)
	ctx := context.Background()

	root, err := client.Bootstrap(ctx)
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	// Hand the server a capability hosted by the client.
	clientSide := &recorder{}
	if _, err := root.Call(ctx, "hold", Positional(NewLocal(recorderInterface, clientSide))); err != nil {
		t.Fatalf("hold: %v", err)
	}

	held, ok := hosted.heldCapability(0).(*RemoteCapability)
	if !ok {
		t.Fatalf("server holds %T, want *RemoteCapability", hosted.heldCapability(0))
	}

	// Invoke it from the server side, off the receive loop.
	if _, err := held.Call(ctx, "record", Positional("called back")); err != nil {
		t.Fatalf("calling the held capability: %v", err)
	}
	if got := clientSide.snapshot(); len(got) != 1 || got[0] != "called back" {
		t.Errorf("client-side entries = %v, want [called back]", got)
	}
}

func TestSameLocalCapabilityExportedOnce(t *testing.T) {
	_, client, hosted := connectedPair(t)
	ctx := context.Background()

	root, err := client.Bootstrap(ctx)
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	local := NewLocal(recorderInterface, &recorder{})
	for range 2 {
		if _, err := root.Call(ctx, "hold", Positional(local)); err != nil {
			t.Fatalf("hold: %v", err)
		}
	}
	if hosted.heldCapability(0) != hosted.heldCapability(1) {
		t.Error("the same local capability was imported under two ids")
	}
}

func TestCapabilityReturnedToItsHost(t *testing.T) {
	_, client, _ := connectedPair(t)
	ctx := context.Background()

	root, err := client.Bootstrap(ctx)
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	// The server receives its own export back and echoes it; the
	// client must see the capability it already imported.
	echoed, err := root.Call(ctx, "echo", Positional(root))
	if err != nil {
		t.Fatalf("echo: %v", err)
	}
	if echoed != Capability(root) {
		t.Errorf("echo returned %v, want the bootstrap import %v", echoed, root)
	}
}

func TestReturnedCapabilitiesAreCallable(t *testing.T) {
	_, client, _ := connectedPair(t)
	ctx := context.Background()

	root, err := client.Bootstrap(ctx)
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	spawned, err := root.Call(ctx, "spawn", Args{})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	child, ok := spawned.(*RemoteCapability)
	if !ok {
		t.Fatalf("spawn returned %T, want *RemoteCapability", spawned)
	}
	if child.ImportID() == root.ImportID() {
		t.Errorf("child shares import id %d with the bootstrap", child.ImportID())
	}
	if _, err := child.Call(ctx, "record", Positional("child")); err != nil {
		t.Fatalf("record on child: %v", err)
	}
	entries, err := child.Call(ctx, "entries", Args{})
	if err != nil {
		t.Fatalf("entries on child: %v", err)
	}
	if list := entries.([]any); len(list) != 1 || list[0] != "child" {
		t.Errorf("child entries = %v, want [child]", list)
	}
}

func TestReturnsFollowCallOrder(t *testing.T) {
	serverVat := New(nil)
	serverVat.SetBootstrap(NewLocal(recorderInterface, &recorder{}))
	server, peer := newRawPeer(t, serverVat, ConnOptions{Serving: true})
	runConn(t, server)

	peer.send(bootstrapMessage{Type: typeBootstrap, QuestionID: 0})
	requireUint(t, peer.receive(), "answerId", 0)

	const count = 5
	for index := range count {
		peer.send(callMessage{
			Type:        typeCall,
			QuestionID:  uint64(index + 1),
			Target:      callTarget{ImportedCap: 0},
			InterfaceID: recorderInterfaceID,
			MethodID:    0,
			Params:      Positional(fmt.Sprintf("entry %d", index)).params(),
		})
	}
	for index := range count {
		reply := peer.receive()
		requireUint(t, reply, "answerId", uint64(index+1))
		requireUint(t, reply, "results", uint64(index+1))
	}
}

func TestCapRefOutOfRangeOnWire(t *testing.T) {
	serverVat := New(nil)
	serverVat.SetBootstrap(NewLocal(recorderInterface, &recorder{}))
	server, peer := newRawPeer(t, serverVat, ConnOptions{Serving: true})
	runConn(t, server)

	peer.send(bootstrapMessage{Type: typeBootstrap, QuestionID: 0})
	peer.receive()

	peer.send(callMessage{
		Type:        typeCall,
		QuestionID:  1,
		Target:      callTarget{ImportedCap: 0},
		InterfaceID: recorderInterfaceID,
		MethodID:    4,
		Params:      map[string]any{"args": []any{map[string]any{"capRef": uint64(3)}}, "kwargs": map[string]any{}},
	})
	reply := peer.receive()
	requireUint(t, reply, "answerId", 1)
	requireReason(t, reply, ErrCapRefOutOfRange.Error())
	if server.State() != StateOpen {
		t.Errorf("state = %v, want open", server.State())
	}
}

func TestPeerAbort(t *testing.T) {
	clientVat := New(nil)
	client, peer := newRawPeer(t, clientVat, ConnOptions{})
	result := runConn(t, client)

	peer.send(abortMessage{Type: typeAbort, Reason: "x"})

	err := testutil.RequireReceive(t, result, testTimeout, "waiting for Run")
	var abortErr *RemoteAbortError
	if !errors.As(err, &abortErr) {
		t.Fatalf("Run = %v, want *RemoteAbortError", err)
	}
	if !strings.Contains(err.Error(), "x") || abortErr.Reason != "x" {
		t.Errorf("abort error = %v, want reason x", err)
	}
	if client.State() == StateOpen {
		t.Error("connection still open after peer abort")
	}

	// Nothing was sent back: the peer sees only the close.
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if frame, err := peer.transport.Receive(ctx); err == nil {
		t.Errorf("connection sent a frame after abort: %x", frame)
	}
}

func TestPendingQuestionsFailOnAbort(t *testing.T) {
	clientVat := New(nil)
	client, peer := newRawPeer(t, clientVat, ConnOptions{})
	runConn(t, client)

	result := make(chan error, 1)
	go func() {
		_, err := client.Bootstrap(context.Background())
		result <- err
	}()
	peer.receive()
	peer.send(abortMessage{Type: typeAbort, Reason: "shutting down"})

	err := testutil.RequireReceive(t, result, testTimeout, "waiting for Bootstrap")
	if !errors.Is(err, ErrConnClosed) {
		t.Errorf("Bootstrap = %v, want ErrConnClosed", err)
	}
	if !strings.Contains(err.Error(), "shutting down") {
		t.Errorf("Bootstrap = %v, want the abort reason", err)
	}
}

func TestUnknownMessageTypeAnsweredUnimplemented(t *testing.T) {
	server, peer := newRawPeer(t, New(nil), ConnOptions{Serving: true})
	runConn(t, server)

	original, err := codec.Marshal(map[string]any{"type": "disembargo", "id": uint64(1)})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	peer.sendFrame(original)

	var reply struct {
		Type     string           `cbor:"type"`
		Original codec.RawMessage `cbor:"original"`
	}
	if err := codec.Unmarshal(peer.receiveFrame(), &reply); err != nil {
		t.Fatalf("decoding reply: %v", err)
	}
	if reply.Type != typeUnimplemented {
		t.Errorf("reply type = %q, want unimplemented", reply.Type)
	}
	if string(reply.Original) != string(original) {
		t.Errorf("original = %x, want %x", []byte(reply.Original), original)
	}
	if server.State() != StateOpen {
		t.Errorf("state = %v, want open", server.State())
	}
}

func TestMalformedMessagesAreIgnored(t *testing.T) {
	serverVat := New(nil)
	serverVat.SetBootstrap(NewLocal(recorderInterface, &recorder{}))
	server, peer := newRawPeer(t, serverVat, ConnOptions{Serving: true})
	runConn(t, server)

	peer.sendFrame([]byte{0xFF, 0x00})
	peer.send(map[string]any{"type": typeCall})
	peer.send(map[string]any{"type": typeReturn, "answerId": uint64(9)})
	peer.send(map[string]any{"type": typeUnimplemented, "original": map[string]any{"type": "call"}})
	peer.send(finishMessage{Type: typeFinish, QuestionID: 12})

	peer.send(bootstrapMessage{Type: typeBootstrap, QuestionID: 0})
	reply := peer.receive()
	requireUint(t, reply, "answerId", 0)
	if server.State() != StateOpen {
		t.Errorf("state = %v, want open", server.State())
	}
}

func TestCallTimeoutSendsFinish(t *testing.T) {
	fakeClock := clock.Fake(time.Unix(1735689600, 0))
	clientVat := New(nil)
	client, peer := newRawPeer(t, clientVat, ConnOptions{Clock: fakeClock, CallTimeout: time.Second})
	runConn(t, client)

	result := make(chan error, 1)
	go func() {
		_, err := client.CallMethod(context.Background(), 0, recorderInterfaceID, 1, Args{}.params())
		result <- err
	}()

	requireUint(t, peer.receive(), "questionId", 0)
	fakeClock.WaitForTimers(1)
	fakeClock.Advance(time.Second)

	err := testutil.RequireReceive(t, result, testTimeout, "waiting for CallMethod")
	if !errors.Is(err, ErrCallTimeout) {
		t.Fatalf("CallMethod = %v, want ErrCallTimeout", err)
	}

	finish := peer.receive()
	if finish["type"] != typeFinish {
		t.Fatalf("after timeout got %v, want finish", finish["type"])
	}
	requireUint(t, finish, "questionId", 0)

	// The answer shows up after all; it is dropped.
	peer.send(returnMessage{Type: typeReturn, AnswerID: 0, Results: "late"})
	peer.send(bootstrapMessage{Type: typeBootstrap, QuestionID: 0})
	reply := peer.receive()
	requireUint(t, reply, "answerId", 0)
	if client.State() != StateOpen {
		t.Errorf("state = %v, want open", client.State())
	}
}

func TestContextCancelSendsFinish(t *testing.T) {
	client, peer := newRawPeer(t, New(nil), ConnOptions{})
	runConn(t, client)

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() {
		_, err := client.Bootstrap(ctx)
		result <- err
	}()

	peer.receive()
	cancel()

	err := testutil.RequireReceive(t, result, testTimeout, "waiting for Bootstrap")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Bootstrap = %v, want context.Canceled", err)
	}
	finish := peer.receive()
	if finish["type"] != typeFinish {
		t.Fatalf("after cancel got %v, want finish", finish["type"])
	}
}

func TestClientTransportLossIsFatal(t *testing.T) {
	client, peer := newRawPeer(t, New(nil), ConnOptions{})
	result := runConn(t, client)

	pending := make(chan error, 1)
	go func() {
		_, err := client.Bootstrap(context.Background())
		pending <- err
	}()
	peer.receive()
	peer.transport.Close()

	err := testutil.RequireReceive(t, result, testTimeout, "waiting for Run")
	if !errors.Is(err, ErrConnectionLost) {
		t.Fatalf("Run = %v, want ErrConnectionLost", err)
	}
	err = testutil.RequireReceive(t, pending, testTimeout, "waiting for Bootstrap")
	if !errors.Is(err, ErrConnClosed) || !errors.Is(err, ErrConnectionLost) {
		t.Errorf("Bootstrap = %v, want ErrConnClosed wrapping ErrConnectionLost", err)
	}
	if !errors.Is(client.Err(), ErrConnectionLost) {
		t.Errorf("Err() = %v, want ErrConnectionLost", client.Err())
	}
}

func TestServingPeerDisconnectIsClean(t *testing.T) {
	server, peer := newRawPeer(t, New(nil), ConnOptions{Serving: true})
	result := runConn(t, server)

	peer.transport.Close()
	if err := testutil.RequireReceive(t, result, testTimeout, "waiting for Run"); err != nil {
		t.Fatalf("Run = %v, want nil", err)
	}
	if server.State() != StateClosed {
		t.Errorf("state = %v, want closed", server.State())
	}
}

func TestCloseIsClean(t *testing.T) {
	_, client, _ := connectedPair(t)
	root, err := client.Bootstrap(context.Background())
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	client.Close()
	testutil.RequireClosed(t, client.Done(), testTimeout, "client shutdown")
	if client.Err() != nil {
		t.Errorf("Err() = %v, want nil", client.Err())
	}
	if client.State() != StateClosed {
		t.Errorf("state = %v, want closed", client.State())
	}
	if _, err := root.Call(context.Background(), "entries", Args{}); !errors.Is(err, ErrConnClosed) {
		t.Errorf("call after close = %v, want ErrConnClosed", err)
	}
}

func TestRunTwice(t *testing.T) {
	client, _ := newRawPeer(t, New(nil), ConnOptions{})
	runConn(t, client)

	// Give the first Run a moment to claim the connection.
	deadline := time.Now().Add(testTimeout)
	for !client.running.Load() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if err := client.Run(context.Background()); err == nil {
		t.Error("second Run returned nil, want an error")
	}
}

func TestCloseWithoutRun(t *testing.T) {
	client, _ := newRawPeer(t, New(nil), ConnOptions{})
	client.Close()
	testutil.RequireClosed(t, client.Done(), testTimeout, "shutdown without Run")
	if _, err := client.Bootstrap(context.Background()); !errors.Is(err, ErrConnClosed) {
		t.Errorf("Bootstrap after Close = %v, want ErrConnClosed", err)
	}
}
