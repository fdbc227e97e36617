// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/bureau-foundation/vatrpc/lib/netutil"
)

// Stream frame header layout, all integers big-endian:
//
//	offset 0: payload length       (uint32)
//	offset 4: compression tag      (uint8)
//	offset 5: uncompressed length  (uint32)
//
// The payload follows immediately. For CompressionNone the two
// lengths are equal.
const frameHeaderSize = 9

const (
	// DefaultCompressThreshold is the smallest frame worth
	// compressing. Typical call and return frames are well below it.
	DefaultCompressThreshold = 512

	// DefaultMaxFrameSize bounds the uncompressed size of one frame.
	// A header announcing more than this is a protocol error and
	// closes the stream.
	DefaultMaxFrameSize = 16 << 20
)

// StreamOptions configures a StreamTransport. The zero value sends
// every frame uncompressed with the default size limit.
type StreamOptions struct {
	// Compression is applied to outbound frames of at least
	// CompressThreshold bytes. Inbound frames may use any tag
	// regardless of this setting.
	Compression CompressionTag

	// CompressThreshold defaults to DefaultCompressThreshold.
	CompressThreshold int

	// MaxFrameSize defaults to DefaultMaxFrameSize.
	MaxFrameSize int
}

// StreamTransport frames protocol messages over a byte stream such as
// a TCP connection or a detached WebRTC data channel.
type StreamTransport struct {
	conn    net.Conn
	options StreamOptions

	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error

	// closedLocally distinguishes "we closed it" from a failed read
	// so that Receive can report ErrClosed for the former.
	mu            sync.Mutex
	closedLocally bool
}

var _ Transport = (*StreamTransport)(nil)

// NewStreamTransport wraps conn. The transport owns conn from here on
// and closes it in Close.
func NewStreamTransport(conn net.Conn, options StreamOptions) *StreamTransport {
	if options.CompressThreshold <= 0 {
		options.CompressThreshold = DefaultCompressThreshold
	}
	if options.MaxFrameSize <= 0 {
		options.MaxFrameSize = DefaultMaxFrameSize
	}
	return &StreamTransport{conn: conn, options: options}
}

// Send writes one frame. A context deadline becomes the write
// deadline; cancellation without a deadline is only checked before
// the write starts.
func (s *StreamTransport) Send(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(frame) > s.options.MaxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit of %d", len(frame), s.options.MaxFrameSize)
	}

	tag := CompressionNone
	payload := frame
	if s.options.Compression != CompressionNone && len(frame) >= s.options.CompressThreshold {
		compressed, err := compressPayload(frame, s.options.Compression)
		switch {
		case err == nil:
			tag = s.options.Compression
			payload = compressed
		case errors.Is(err, errIncompressible):
		default:
			return err
		}
	}

	var header [frameHeaderSize]byte
	binary.BigEndian.PutUint32(header[0:4], uint32(len(payload)))
	header[4] = byte(tag)
	binary.BigEndian.PutUint32(header[5:9], uint32(len(frame)))

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	deadline, _ := ctx.Deadline()
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return s.wrapIOError("setting write deadline", err)
	}
	if _, err := s.conn.Write(header[:]); err != nil {
		return s.wrapIOError("writing frame header", err)
	}
	if _, err := s.conn.Write(payload); err != nil {
		return s.wrapIOError("writing frame payload", err)
	}
	return nil
}

// Receive reads one frame. Cancelling ctx interrupts a blocked read by
// moving the read deadline into the past; the stream stays usable
// only if no bytes of the frame had been consumed, so callers treat a
// cancelled Receive as the end of the stream.
func (s *StreamTransport) Receive(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() {
		s.conn.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()

	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(s.conn, header[:]); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, s.wrapIOError("reading frame header", err)
	}

	payloadLength := int(binary.BigEndian.Uint32(header[0:4]))
	tag := CompressionTag(header[4])
	rawLength := int(binary.BigEndian.Uint32(header[5:9]))
	if rawLength > s.options.MaxFrameSize || payloadLength > s.options.MaxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes (%d on the wire) exceeds limit of %d",
			rawLength, payloadLength, s.options.MaxFrameSize)
	}

	payload := make([]byte, payloadLength)
	if _, err := io.ReadFull(s.conn, payload); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// A stream that ends mid-frame is a broken peer, not an
		// orderly close.
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("reading frame payload: %w", io.ErrUnexpectedEOF)
		}
		return nil, s.wrapIOError("reading frame payload", err)
	}

	frame, err := decompressPayload(payload, tag, rawLength)
	if err != nil {
		return nil, fmt.Errorf("frame with compression %s: %w", tag, err)
	}
	return frame, nil
}

// Close closes the underlying connection. It is idempotent.
func (s *StreamTransport) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closedLocally = true
		s.mu.Unlock()
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

// RemoteAddr reports the peer address of the underlying connection.
func (s *StreamTransport) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

func (s *StreamTransport) isClosedLocally() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closedLocally
}

// wrapIOError maps orderly shutdown (either side) onto ErrClosed and
// leaves everything else as a transport failure.
func (s *StreamTransport) wrapIOError(operation string, err error) error {
	if s.isClosedLocally() || netutil.IsExpectedCloseError(err) {
		return fmt.Errorf("%s: %w", operation, errors.Join(ErrClosed, err))
	}
	return fmt.Errorf("%s: %w", operation, err)
}
