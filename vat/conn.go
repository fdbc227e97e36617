// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package vat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/vatrpc/lib/clock"
	"github.com/bureau-foundation/vatrpc/lib/codec"
	"github.com/bureau-foundation/vatrpc/transport"
)

// State is the lifecycle position of a connection.
type State int32

const (
	// StateOpen: the connection accepts new questions.
	StateOpen State = iota
	// StateClosing: Close was called and the receive loop is winding
	// down. New questions are refused.
	StateClosing
	// StateClosed: the transport is released and every pending
	// question has failed.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// DefaultAbortTimeout bounds the attempt to send an abort message
// while a connection fails.
const DefaultAbortTimeout = 5 * time.Second

// ConnOptions configures a connection.
type ConnOptions struct {
	// Serving marks the accepting side. When its transport closes with
	// no questions outstanding, Run treats that as the peer hanging up
	// and returns nil.
	Serving bool

	// Logger defaults to the vat's logger.
	Logger *slog.Logger

	// Observer receives metrics events. Nil means none.
	Observer Observer

	// Clock drives call and abort timeouts. Defaults to clock.Real().
	Clock clock.Clock

	// CallTimeout bounds how long Bootstrap and CallMethod wait for an
	// answer. Zero waits until the context ends or the connection
	// closes.
	CallTimeout time.Duration

	// AbortTimeout defaults to DefaultAbortTimeout.
	AbortTimeout time.Duration
}

// Conn runs the protocol with one peer vat over one transport.
//
// Exactly one goroutine runs Run, which reads and handles every inbound
// message in order. Any number of goroutines may call Bootstrap,
// CallMethod or RemoteCapability.Call concurrently; each blocks until
// its own answer arrives.
//
// Inbound calls execute on the Run goroutine, one at a time. A method
// handler must not wait on an outbound call over the same connection:
// the answer could only be read by the goroutine the handler is
// blocking.
type Conn struct {
	vat       *Vat
	transport transport.Transport
	id        string
	serving   bool

	logger       *slog.Logger
	observer     Observer
	clock        clock.Clock
	callTimeout  time.Duration
	abortTimeout time.Duration

	state   atomic.Int32
	running atomic.Bool

	// mu guards the tables below. It is never held across transport
	// I/O or a method handler.
	mu             sync.Mutex
	terminated     bool
	nextQuestionID uint64
	questions      map[uint64]*question
	answers        map[uint64]struct{}
	nextExportID   uint64
	exports        map[uint64]*LocalCapability
	exportIDs      map[*LocalCapability]uint64
	imports        map[uint64]*RemoteCapability

	shutdownOnce sync.Once
	done         chan struct{}
	err          error
}

// question is an outbound bootstrap or call waiting for its return.
type question struct {
	// result receives exactly one value: from the receive loop when
	// the return arrives, or from shutdown. Capacity 1 so neither
	// sender ever blocks.
	result chan callResult
}

// callResult is the outcome delivered to a waiting question.
type callResult struct {
	value any
	err   error
}

func newConn(v *Vat, t transport.Transport, options ConnOptions) *Conn {
	id := uuid.NewString()
	logger := options.Logger
	if logger == nil {
		logger = v.logger
	}
	observer := options.Observer
	if observer == nil {
		observer = nopObserver{}
	}
	clk := options.Clock
	if clk == nil {
		clk = clock.Real()
	}
	abortTimeout := options.AbortTimeout
	if abortTimeout <= 0 {
		abortTimeout = DefaultAbortTimeout
	}

	return &Conn{
		vat:          v,
		transport:    t,
		id:           id,
		serving:      options.Serving,
		logger:       logger.With("connection", id),
		observer:     observer,
		clock:        clk,
		callTimeout:  options.CallTimeout,
		abortTimeout: abortTimeout,
		questions:    make(map[uint64]*question),
		answers:      make(map[uint64]struct{}),
		exports:      make(map[uint64]*LocalCapability),
		exportIDs:    make(map[*LocalCapability]uint64),
		imports:      make(map[uint64]*RemoteCapability),
		done:         make(chan struct{}),
	}
}

// ID returns a random identifier for correlating log lines.
func (c *Conn) ID() string { return c.id }

// State returns the current lifecycle state.
func (c *Conn) State() State { return State(c.state.Load()) }

// Done is closed once the connection reaches StateClosed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns the terminal error after Done is closed: nil for a clean
// shutdown.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Run reads and handles inbound messages until the connection ends.
// It returns nil when the connection was closed locally or (on the
// serving side) the peer hung up with nothing outstanding, ctx.Err()
// when ctx ends, a *RemoteAbortError when the peer aborted, and
// otherwise the error that broke the loop. Run may be called once.
func (c *Conn) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("vat: Run called twice on one connection")
	}
	c.logger.Debug("connection running", "serving", c.serving)
	err := c.receiveLoop(ctx)
	c.shutdown(err)
	return err
}

func (c *Conn) receiveLoop(ctx context.Context) error {
	for {
		frame, err := c.transport.Receive(ctx)
		if err != nil {
			if errors.Is(err, transport.ErrClosed) {
				return c.transportClosed()
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return c.fail(fmt.Errorf("receiving: %w", err))
		}
		if len(frame) == 0 {
			return nil
		}

		if err := c.dispatch(ctx, frame); err != nil {
			var abortErr *RemoteAbortError
			if errors.As(err, &abortErr) {
				return err
			}
			return c.fail(err)
		}
	}
}

// transportClosed decides how a closed transport ends the loop.
func (c *Conn) transportClosed() error {
	if c.State() != StateOpen {
		return nil
	}
	c.mu.Lock()
	outstanding := len(c.questions)
	c.mu.Unlock()

	if c.serving && outstanding == 0 {
		c.logger.Debug("peer disconnected")
		return nil
	}
	return fmt.Errorf("transport closed with %d questions outstanding: %w", outstanding, ErrConnectionLost)
}

// fail tells the peer why the connection is ending, as far as the
// transport still allows within abortTimeout, and returns err.
func (c *Conn) fail(err error) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	timer := c.clock.AfterFunc(c.abortTimeout, cancel)
	defer timer.Stop()

	if sendErr := c.send(ctx, typeAbort, abortMessage{Type: typeAbort, Reason: err.Error()}); sendErr != nil {
		c.logger.Debug("sending abort failed", "error", sendErr)
	}
	return err
}

// shutdown moves to StateClosed, releases the transport and fails every
// pending question. Safe to call more than once.
func (c *Conn) shutdown(err error) {
	c.shutdownOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		if closeErr := c.transport.Close(); closeErr != nil {
			c.logger.Debug("closing transport failed", "error", closeErr)
		}

		c.mu.Lock()
		c.terminated = true
		pending := c.questions
		c.questions = make(map[uint64]*question)
		clear(c.answers)
		clear(c.exports)
		clear(c.exportIDs)
		clear(c.imports)
		c.mu.Unlock()

		failure := ErrConnClosed
		if err != nil {
			failure = fmt.Errorf("%w: %w", ErrConnClosed, err)
		}
		for _, q := range pending {
			q.result <- callResult{err: failure}
		}

		c.err = err
		c.observer.ConnectionClosed(err)
		close(c.done)
		if err != nil {
			c.logger.Warn("connection failed", "error", err, "pending_questions", len(pending))
		} else {
			c.logger.Debug("connection closed")
		}
	})
}

// Close requests a clean shutdown. A running receive loop observes the
// closed transport and returns nil; pending questions fail with
// ErrConnClosed.
func (c *Conn) Close() error {
	c.state.CompareAndSwap(int32(StateOpen), int32(StateClosing))
	err := c.transport.Close()
	if !c.running.Load() {
		c.shutdown(nil)
	}
	return err
}

// dispatch handles one inbound frame. A returned error is fatal to the
// connection; call-level failures are answered in-band instead.
func (c *Conn) dispatch(ctx context.Context, frame []byte) error {
	var header messageHeader
	if err := codec.Unmarshal(frame, &header); err != nil {
		c.observer.MessageReceived("")
		c.logger.Warn("ignoring undecodable frame", "error", err, "size", len(frame))
		return nil
	}
	c.observer.MessageReceived(header.Type)

	switch header.Type {
	case typeBootstrap:
		return c.handleBootstrap(ctx, header)
	case typeCall:
		return c.handleCall(ctx, frame, header)
	case typeReturn:
		c.handleReturn(frame, header)
		return nil
	case typeFinish:
		c.handleFinish(header)
		return nil
	case typeAbort:
		var message abortMessage
		if err := codec.Unmarshal(frame, &message); err != nil {
			return &RemoteAbortError{Reason: fmt.Sprintf("malformed abort: %v", err)}
		}
		return &RemoteAbortError{Reason: message.Reason}
	case typeUnimplemented:
		c.logUnimplemented(frame)
		return nil
	default:
		c.logger.Debug("answering unknown message type", "type", header.Type)
		return c.reply(ctx, typeUnimplemented, unimplementedMessage{
			Type:     typeUnimplemented,
			Original: codec.RawMessage(frame),
		})
	}
}

func (c *Conn) handleBootstrap(ctx context.Context, header messageHeader) error {
	if header.QuestionID == nil {
		c.logger.Warn("ignoring bootstrap without questionId")
		return nil
	}
	answerID := *header.QuestionID
	c.beginAnswer(answerID)
	defer c.endAnswer(answerID)

	bootstrap := c.vat.Bootstrap()
	if bootstrap == nil {
		return c.replyException(ctx, answerID, reasonNoBootstrap)
	}
	exportID := c.export(bootstrap)
	return c.reply(ctx, typeReturn, returnMessage{
		Type:     typeReturn,
		AnswerID: answerID,
		Results:  map[string]any{capRefKey: uint64(0)},
		CapTable: []CapDescriptor{{SenderHosted: &exportID, InterfaceID: bootstrap.iface.ID}},
	})
}

func (c *Conn) handleCall(ctx context.Context, frame []byte, header messageHeader) error {
	if header.QuestionID == nil {
		c.logger.Warn("ignoring call without questionId")
		return nil
	}
	answerID := *header.QuestionID

	var message callMessage
	if err := codec.Unmarshal(frame, &message); err != nil {
		c.logger.Warn("malformed call", "answer_id", answerID, "error", err)
		return c.replyException(ctx, answerID, fmt.Sprintf("malformed call: %v", err))
	}

	c.beginAnswer(answerID)
	defer c.endAnswer(answerID)

	started := c.clock.Now()
	results, capTable, err := c.invoke(ctx, &message)
	c.observer.CallHandled(message.InterfaceID, message.MethodID, c.clock.Now().Sub(started), err)
	if err != nil {
		c.logger.Debug("call failed",
			"answer_id", answerID,
			"interface_id", message.InterfaceID,
			"method_id", message.MethodID,
			"error", err,
		)
		return c.replyException(ctx, answerID, exceptionReason(err))
	}
	return c.reply(ctx, typeReturn, returnMessage{
		Type:     typeReturn,
		AnswerID: answerID,
		Results:  results,
		CapTable: capTable,
	})
}

// invoke resolves, decodes, runs and encodes one inbound call.
func (c *Conn) invoke(ctx context.Context, message *callMessage) (any, []CapDescriptor, error) {
	target, ok := c.lookupExport(message.Target.ImportedCap)
	if !ok {
		return nil, nil, fmt.Errorf("export %d: %w", message.Target.ImportedCap, ErrInvalidCapability)
	}

	params, err := c.decodeValue(message.Params, message.CapTable)
	if err != nil {
		return nil, nil, fmt.Errorf("decoding params: %w", err)
	}
	args, err := argsFromParams(params)
	if err != nil {
		return nil, nil, err
	}

	method, ok := target.iface.MethodByID(message.MethodID)
	if !ok || message.InterfaceID != target.iface.ID {
		return nil, nil, fmt.Errorf("%#x.%d on %s: %w",
			message.InterfaceID, message.MethodID, target.iface, ErrMethodNotFound)
	}

	value, err := target.invoke(ctx, method, args)
	if err != nil {
		return nil, nil, err
	}
	results, capTable, err := c.encodeValue(value)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding results of %s.%s: %w", target.iface.Name, method.Name, err)
	}
	return results, capTable, nil
}

func (c *Conn) handleReturn(frame []byte, header messageHeader) {
	if header.AnswerID == nil {
		c.logger.Warn("ignoring return without answerId")
		return
	}
	answerID := *header.AnswerID

	q := c.takeQuestion(answerID)
	if q == nil {
		c.logger.Debug("ignoring return for unknown question", "question_id", answerID)
		return
	}

	var message returnMessage
	if err := codec.Unmarshal(frame, &message); err != nil {
		q.result <- callResult{err: fmt.Errorf("malformed return: %w", err)}
		return
	}
	if message.Exception != nil {
		q.result <- callResult{err: &RemoteError{Reason: message.Exception.Reason}}
		return
	}
	value, err := c.decodeValue(message.Results, message.CapTable)
	if err != nil {
		err = fmt.Errorf("decoding results: %w", err)
	}
	q.result <- callResult{value: value, err: err}
}

func (c *Conn) handleFinish(header messageHeader) {
	if header.QuestionID == nil {
		c.logger.Warn("ignoring finish without questionId")
		return
	}
	c.endAnswer(*header.QuestionID)
}

func (c *Conn) logUnimplemented(frame []byte) {
	var message unimplementedMessage
	if err := codec.Unmarshal(frame, &message); err != nil {
		c.logger.Warn("peer reported an unimplemented message", "error", err)
		return
	}
	original, err := codec.Diagnose(message.Original)
	if err != nil {
		original = fmt.Sprintf("%x", []byte(message.Original))
	}
	c.logger.Warn("peer reported an unimplemented message", "original", original)
}

// Bootstrap asks the peer for its bootstrap capability.
func (c *Conn) Bootstrap(ctx context.Context) (*RemoteCapability, error) {
	value, err := c.ask(ctx, typeBootstrap, func(questionID uint64) any {
		return bootstrapMessage{Type: typeBootstrap, QuestionID: questionID}
	})
	if err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}
	capability, ok := value.(*RemoteCapability)
	if !ok {
		return nil, fmt.Errorf("bootstrap: peer returned %T, want a capability it hosts", value)
	}
	return capability, nil
}

// CallMethod calls method methodID of interface interfaceID on the
// peer's export targetExportID and waits for the result. params is
// encoded with capabilities replaced by table references; the decoded
// result may contain capabilities.
func (c *Conn) CallMethod(ctx context.Context, targetExportID, interfaceID, methodID uint64, params any) (any, error) {
	encoded, capTable, err := c.encodeValue(params)
	if err != nil {
		return nil, fmt.Errorf("encoding params: %w", err)
	}
	return c.ask(ctx, typeCall, func(questionID uint64) any {
		return callMessage{
			Type:        typeCall,
			QuestionID:  questionID,
			Target:      callTarget{ImportedCap: targetExportID},
			InterfaceID: interfaceID,
			MethodID:    methodID,
			Params:      encoded,
			CapTable:    capTable,
		}
	})
}

// ask registers a question, sends the message build returns for its
// id, and waits for the answer. The question is registered before the
// send so a fast return always finds it.
func (c *Conn) ask(ctx context.Context, kind string, build func(questionID uint64) any) (any, error) {
	if c.State() != StateOpen {
		return nil, ErrConnClosed
	}

	q := &question{result: make(chan callResult, 1)}
	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		return nil, ErrConnClosed
	}
	questionID := c.nextQuestionID
	c.nextQuestionID++
	c.questions[questionID] = q
	c.mu.Unlock()

	c.observer.QuestionOpened()
	started := c.clock.Now()
	value, err := c.await(ctx, kind, questionID, q, build(questionID))
	c.observer.QuestionClosed(kind, c.clock.Now().Sub(started), err)
	return value, err
}

func (c *Conn) await(ctx context.Context, kind string, questionID uint64, q *question, message any) (any, error) {
	if err := c.send(ctx, kind, message); err != nil {
		c.takeQuestion(questionID)
		return nil, fmt.Errorf("sending %s %d: %w", kind, questionID, err)
	}

	var timeout <-chan time.Time
	if c.callTimeout > 0 {
		timeout = c.clock.After(c.callTimeout)
	}

	select {
	case result := <-q.result:
		return result.value, result.err
	case <-ctx.Done():
		c.abandon(questionID)
		return nil, ctx.Err()
	case <-timeout:
		c.abandon(questionID)
		return nil, fmt.Errorf("%s %d after %s: %w", kind, questionID, c.callTimeout, ErrCallTimeout)
	}
}

// abandon forgets a question whose caller stopped waiting and tells
// the peer it may drop its answer. A return that arrives later is
// ignored.
func (c *Conn) abandon(questionID uint64) {
	if c.takeQuestion(questionID) == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	timer := c.clock.AfterFunc(c.abortTimeout, cancel)
	defer timer.Stop()

	if err := c.send(ctx, typeFinish, finishMessage{Type: typeFinish, QuestionID: questionID}); err != nil {
		c.logger.Debug("sending finish failed", "question_id", questionID, "error", err)
	}
}

// send encodes and transmits one message.
func (c *Conn) send(ctx context.Context, messageType string, message any) error {
	frame, err := codec.Marshal(message)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", messageType, err)
	}
	if err := c.transport.Send(ctx, frame); err != nil {
		return err
	}
	c.observer.MessageSent(messageType)
	return nil
}

// reply sends a message from the receive loop. A transport that has
// already closed is not fatal here: the next Receive reports the
// closure and the loop decides what it means.
func (c *Conn) reply(ctx context.Context, messageType string, message any) error {
	err := c.send(ctx, messageType, message)
	if err != nil && errors.Is(err, transport.ErrClosed) {
		c.logger.Debug("dropping reply on closed transport", "type", messageType)
		return nil
	}
	if err != nil {
		return fmt.Errorf("sending %s: %w", messageType, err)
	}
	return nil
}

func (c *Conn) replyException(ctx context.Context, answerID uint64, reason string) error {
	return c.reply(ctx, typeReturn, returnMessage{
		Type:      typeReturn,
		AnswerID:  answerID,
		Exception: &exception{Reason: reason},
	})
}

// export returns the export id of capability on this connection,
// allocating one the first time it is sent.
func (c *Conn) export(capability *LocalCapability) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if exportID, ok := c.exportIDs[capability]; ok {
		return exportID
	}
	exportID := c.nextExportID
	c.nextExportID++
	c.exports[exportID] = capability
	c.exportIDs[capability] = exportID
	return exportID
}

func (c *Conn) lookupExport(exportID uint64) (*LocalCapability, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	capability, ok := c.exports[exportID]
	return capability, ok
}

// importCapability returns the RemoteCapability for the peer's export
// importID, reusing the one built when the id was first seen.
func (c *Conn) importCapability(importID uint64, iface *Interface) *RemoteCapability {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.imports[importID]; ok {
		return existing
	}
	capability := &RemoteCapability{conn: c, importID: importID, iface: iface}
	c.imports[importID] = capability
	return capability
}

// takeQuestion removes and returns a pending question, or nil.
func (c *Conn) takeQuestion(questionID uint64) *question {
	c.mu.Lock()
	defer c.mu.Unlock()
	q, ok := c.questions[questionID]
	if !ok {
		return nil
	}
	delete(c.questions, questionID)
	return q
}

func (c *Conn) beginAnswer(answerID uint64) {
	c.mu.Lock()
	c.answers[answerID] = struct{}{}
	c.mu.Unlock()
}

func (c *Conn) endAnswer(answerID uint64) {
	c.mu.Lock()
	delete(c.answers, answerID)
	c.mu.Unlock()
}
