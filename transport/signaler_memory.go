// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"sync"
)

var _ Signaler = (*MemorySignaler)(nil)

// MemorySignaler is an in-process Signaler. Two WebRTC transports that
// share one MemorySignaler can reach each other without any signaling
// server; vat-chat uses it for its loopback demo and the tests use it
// everywhere.
type MemorySignaler struct {
	mu sync.Mutex

	// Keyed by "offerer|target". A newer publish for the same pair
	// replaces the older one and is delivered again.
	offers  map[string]memorySignal
	answers map[string]memorySignal

	// delivered records the generation of each signal already
	// returned to a poller.
	delivered  map[string]uint64
	generation uint64
}

type memorySignal struct {
	message    SignalMessage
	offererID  string
	targetID   string
	generation uint64
}

// NewMemorySignaler creates an empty signaler.
func NewMemorySignaler() *MemorySignaler {
	return &MemorySignaler{
		offers:    make(map[string]memorySignal),
		answers:   make(map[string]memorySignal),
		delivered: make(map[string]uint64),
	}
}

func (s *MemorySignaler) PublishOffer(_ context.Context, peerID, targetID, sdp string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generation++
	s.offers[signalKey(peerID, targetID)] = memorySignal{
		message:    SignalMessage{PeerID: peerID, SDP: sdp},
		offererID:  peerID,
		targetID:   targetID,
		generation: s.generation,
	}
	return nil
}

func (s *MemorySignaler) PublishAnswer(_ context.Context, offererID, peerID, sdp string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generation++
	s.answers[signalKey(offererID, peerID)] = memorySignal{
		message:    SignalMessage{PeerID: peerID, SDP: sdp},
		offererID:  offererID,
		targetID:   peerID,
		generation: s.generation,
	}
	return nil
}

func (s *MemorySignaler) PollOffers(_ context.Context, peerID string) ([]SignalMessage, error) {
	return s.poll("offer", s.offers, func(signal memorySignal) bool {
		return signal.targetID == peerID
	}), nil
}

func (s *MemorySignaler) PollAnswers(_ context.Context, peerID string) ([]SignalMessage, error) {
	return s.poll("answer", s.answers, func(signal memorySignal) bool {
		return signal.offererID == peerID
	}), nil
}

func (s *MemorySignaler) poll(kind string, store map[string]memorySignal, match func(memorySignal) bool) []SignalMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	var messages []SignalMessage
	for key, signal := range store {
		if !match(signal) {
			continue
		}
		deliveredKey := kind + ":" + key
		if s.delivered[deliveredKey] >= signal.generation {
			continue
		}
		s.delivered[deliveredKey] = signal.generation
		messages = append(messages, signal.message)
	}
	return messages
}

func signalKey(offererID, targetID string) string {
	return offererID + "|" + targetID
}
