// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"sync"
)

// Pipe returns two connected in-memory transports. Frames sent on one
// end are received on the other in order. Sends never block: each
// direction buffers without bound, so two receive loops that are both
// busy handling calls cannot deadlock each other through the pipe.
func Pipe() (Transport, Transport) {
	aToB := newFrameQueue()
	bToA := newFrameQueue()
	return &pipeEnd{inbound: bToA, outbound: aToB},
		&pipeEnd{inbound: aToB, outbound: bToA}
}

type pipeEnd struct {
	inbound  *frameQueue
	outbound *frameQueue
}

var _ Transport = (*pipeEnd)(nil)

func (p *pipeEnd) Send(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.outbound.push(frame)
}

func (p *pipeEnd) Receive(ctx context.Context) ([]byte, error) {
	return p.inbound.pop(ctx)
}

func (p *pipeEnd) Close() error {
	p.outbound.close()
	p.inbound.close()
	return nil
}

// frameQueue is one direction of a Pipe: an unbounded FIFO with a
// single consumer.
type frameQueue struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool

	// signal has capacity 1 and is written without blocking after
	// every push and on close. The single consumer re-checks the
	// queue after each wakeup, so coalesced signals lose nothing.
	signal chan struct{}
}

func newFrameQueue() *frameQueue {
	return &frameQueue{signal: make(chan struct{}, 1)}
}

func (q *frameQueue) push(frame []byte) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return fmt.Errorf("pipe send: %w", ErrClosed)
	}
	q.frames = append(q.frames, append([]byte(nil), frame...))
	q.mu.Unlock()
	q.wake()
	return nil
}

// pop returns queued frames before reporting closure, so frames sent
// before the peer closed are still delivered.
func (q *frameQueue) pop(ctx context.Context) ([]byte, error) {
	for {
		q.mu.Lock()
		if len(q.frames) > 0 {
			frame := q.frames[0]
			q.frames[0] = nil
			q.frames = q.frames[1:]
			q.mu.Unlock()
			return frame, nil
		}
		if q.closed {
			q.mu.Unlock()
			return nil, fmt.Errorf("pipe receive: %w", ErrClosed)
		}
		q.mu.Unlock()

		select {
		case <-q.signal:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (q *frameQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

func (q *frameQueue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
