// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import "context"

// Signaler exchanges WebRTC session descriptions between peers. Peers
// are named by opaque peer ids; the WebRTC transport's Address is its
// own peer id.
//
// Signaling is vanilla ICE: every candidate is gathered before the SDP
// is published, so establishing a PeerConnection takes one offer and
// one answer.
type Signaler interface {
	// PublishOffer stores an SDP offer from peerID addressed to
	// targetID.
	PublishOffer(ctx context.Context, peerID, targetID, sdp string) error

	// PublishAnswer stores an SDP answer from peerID to an offer
	// previously made by offererID.
	PublishAnswer(ctx context.Context, offererID, peerID, sdp string) error

	// PollOffers returns offers addressed to peerID that have not been
	// returned by an earlier call.
	PollOffers(ctx context.Context, peerID string) ([]SignalMessage, error)

	// PollAnswers returns answers to offers made by peerID that have
	// not been returned by an earlier call.
	PollAnswers(ctx context.Context, peerID string) ([]SignalMessage, error)
}

// SignalMessage is one offer or answer.
type SignalMessage struct {
	// PeerID is the other party: the offerer for a received offer,
	// the answerer for a received answer.
	PeerID string

	// SDP carries the complete session description with all ICE
	// candidates embedded.
	SDP string
}
