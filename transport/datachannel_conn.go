// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"io"
	"net"
	"sync"
	"time"
)

// maxDataChannelMessage bounds each message written to a detached data
// channel. SCTP peers advertise a maximum message size (64 KiB by
// default in pion); writes are split to stay under it.
const maxDataChannelMessage = 16 << 10

// DataChannelConn presents a detached pion data channel as a net.Conn.
//
// A detached data channel preserves message boundaries: each Read
// returns exactly one message and fails when the buffer is too small.
// DataChannelConn buffers a whole message and serves it across as many
// Read calls as the caller needs, so stream framing code can use
// io.ReadFull on it the way it would on a TCP socket.
//
// Deadlines close the channel when they fire, unblocking pending I/O.
// The conn is unusable afterwards.
type DataChannelConn struct {
	rwc        io.ReadWriteCloser
	localLabel string
	peerLabel  string

	readMu  sync.Mutex
	message []byte
	pending []byte

	writeMu sync.Mutex

	mu             sync.Mutex
	readTimer      *time.Timer
	writeTimer     *time.Timer
	deadlineClosed bool
}

var _ net.Conn = (*DataChannelConn)(nil)

// NewDataChannelConn wraps a detached data channel. The labels name
// the two endpoints in LocalAddr and RemoteAddr.
func NewDataChannelConn(rwc io.ReadWriteCloser, localLabel, peerLabel string) *DataChannelConn {
	return &DataChannelConn{
		rwc:        rwc,
		localLabel: localLabel,
		peerLabel:  peerLabel,
		message:    make([]byte, maxDataChannelMessage),
	}
}

func (c *DataChannelConn) Read(buffer []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if len(c.pending) == 0 {
		count, err := c.rwc.Read(c.message)
		if count == 0 {
			return 0, err
		}
		c.pending = c.message[:count]
	}
	copied := copy(buffer, c.pending)
	c.pending = c.pending[copied:]
	return copied, nil
}

func (c *DataChannelConn) Write(buffer []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	written := 0
	for written < len(buffer) {
		end := min(written+maxDataChannelMessage, len(buffer))
		count, err := c.rwc.Write(buffer[written:end])
		written += count
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

func (c *DataChannelConn) Close() error {
	c.mu.Lock()
	stopTimer(&c.readTimer)
	stopTimer(&c.writeTimer)
	c.mu.Unlock()
	return c.rwc.Close()
}

func (c *DataChannelConn) LocalAddr() net.Addr {
	return dataChannelAddr(c.localLabel)
}

func (c *DataChannelConn) RemoteAddr() net.Addr {
	return dataChannelAddr(c.peerLabel)
}

// SetDeadline sets both deadlines. The zero time clears them.
func (c *DataChannelConn) SetDeadline(deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.armLocked(&c.readTimer, deadline)
	c.armLocked(&c.writeTimer, deadline)
	return nil
}

func (c *DataChannelConn) SetReadDeadline(deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.armLocked(&c.readTimer, deadline)
	return nil
}

func (c *DataChannelConn) SetWriteDeadline(deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.armLocked(&c.writeTimer, deadline)
	return nil
}

// armLocked replaces the timer in slot with one that closes the channel
// at deadline. Caller holds c.mu.
func (c *DataChannelConn) armLocked(slot **time.Timer, deadline time.Time) {
	stopTimer(slot)
	if deadline.IsZero() || c.deadlineClosed {
		return
	}
	remaining := time.Until(deadline)
	if remaining <= 0 {
		c.closeFromDeadlineLocked()
		return
	}
	*slot = time.AfterFunc(remaining, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.closeFromDeadlineLocked()
	})
}

func (c *DataChannelConn) closeFromDeadlineLocked() {
	if c.deadlineClosed {
		return
	}
	c.deadlineClosed = true
	c.rwc.Close()
}

func stopTimer(slot **time.Timer) {
	if *slot != nil {
		(*slot).Stop()
		*slot = nil
	}
}

// dataChannelAddr names one end of a data channel ("peer/vat-3").
type dataChannelAddr string

func (a dataChannelAddr) Network() string { return "webrtc" }
func (a dataChannelAddr) String() string  { return string(a) }
