// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
)

var (
	_ Listener = (*WebRTCTransport)(nil)
	_ Dialer   = (*WebRTCTransport)(nil)
)

const (
	// offerPollInterval is how often Start checks for inbound offers.
	offerPollInterval = 250 * time.Millisecond

	// answerPollInterval is how often a dial checks for its answer.
	answerPollInterval = 100 * time.Millisecond

	iceGatherTimeout   = 15 * time.Second
	answerTimeout      = 30 * time.Second
	channelOpenTimeout = 10 * time.Second
)

// triggerLabel names the data channel created only so that the first
// offer carries an SCTP section. Nobody reads or writes on it.
const triggerLabel = "init"

// WebRTCTransport carries vat connections over WebRTC data channels.
// One PeerConnection is kept per remote peer; each DialContext opens a
// fresh ordered, reliable data channel on it, and each data channel
// the remote side opens is returned by Accept. Every data channel is
// one vat connection.
type WebRTCTransport struct {
	signaler Signaler
	peerID   string
	logger   *slog.Logger

	configMu  sync.RWMutex
	iceConfig ICEConfig

	mu    sync.Mutex
	peers map[string]*peerState

	inbound chan net.Conn

	closed    chan struct{}
	closeOnce sync.Once

	channelCounter atomic.Uint64
}

// peerState is the PeerConnection to one remote peer. Guarded by
// WebRTCTransport.mu.
type peerState struct {
	connection  *webrtc.PeerConnection
	peerID      string
	established chan struct{}
	markOnce    sync.Once
}

// NewWebRTCTransport creates a transport that identifies itself to the
// signaler as peerID. Call Start before expecting inbound connections.
func NewWebRTCTransport(signaler Signaler, peerID string, iceConfig ICEConfig, logger *slog.Logger) *WebRTCTransport {
	return &WebRTCTransport{
		signaler:  signaler,
		peerID:    peerID,
		iceConfig: iceConfig,
		logger:    logger,
		peers:     make(map[string]*peerState),
		inbound:   make(chan net.Conn, 16),
		closed:    make(chan struct{}),
	}
}

// Start runs the offer poller in the background until ctx is done or
// the transport is closed.
func (wt *WebRTCTransport) Start(ctx context.Context) {
	go wt.pollOffers(ctx)
}

// Accept returns the next data channel opened by a remote peer.
func (wt *WebRTCTransport) Accept(ctx context.Context) (net.Conn, error) {
	select {
	case conn := <-wt.inbound:
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-wt.closed:
		return nil, net.ErrClosed
	}
}

// Address returns this transport's peer id.
func (wt *WebRTCTransport) Address() string {
	return wt.peerID
}

// Close tears down every PeerConnection. Data channels handed out
// earlier fail on their next read or write.
func (wt *WebRTCTransport) Close() error {
	wt.closeOnce.Do(func() { close(wt.closed) })

	wt.mu.Lock()
	defer wt.mu.Unlock()
	for peerID, peer := range wt.peers {
		peer.connection.Close()
		delete(wt.peers, peerID)
	}
	return nil
}

// UpdateICEConfig replaces the ICE servers used for PeerConnections
// created from now on.
func (wt *WebRTCTransport) UpdateICEConfig(config ICEConfig) {
	wt.configMu.Lock()
	defer wt.configMu.Unlock()
	wt.iceConfig = config
}

// DialContext opens a data channel to the peer whose id is address,
// establishing the PeerConnection first if there is none.
func (wt *WebRTCTransport) DialContext(ctx context.Context, address string) (net.Conn, error) {
	select {
	case <-wt.closed:
		return nil, net.ErrClosed
	default:
	}

	peer, err := wt.peerFor(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("connecting to peer %s: %w", address, err)
	}

	select {
	case <-peer.established:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-wt.closed:
		return nil, net.ErrClosed
	}
	return wt.openDataChannel(ctx, peer)
}

// peerFor returns the live PeerConnection to peerID, creating and
// signaling one when needed. Concurrent dials to the same peer share
// one attempt: the entry goes into the map before signaling starts.
func (wt *WebRTCTransport) peerFor(ctx context.Context, peerID string) (*peerState, error) {
	wt.mu.Lock()
	if peer, ok := wt.peers[peerID]; ok {
		if isLive(peer.connection) {
			wt.mu.Unlock()
			return peer, nil
		}
		peer.connection.Close()
		delete(wt.peers, peerID)
	}

	pc, err := wt.newPeerConnection()
	if err != nil {
		wt.mu.Unlock()
		return nil, fmt.Errorf("creating PeerConnection: %w", err)
	}
	peer := &peerState{connection: pc, peerID: peerID, established: make(chan struct{})}
	wt.peers[peerID] = peer
	wt.mu.Unlock()

	if err := wt.offer(ctx, peer); err != nil {
		wt.forget(peer)
		pc.Close()
		return nil, err
	}
	return peer, nil
}

// offer runs the offering half of signaling for peer.
func (wt *WebRTCTransport) offer(ctx context.Context, peer *peerState) error {
	pc := peer.connection
	wt.watch(peer)

	if _, err := pc.CreateDataChannel(triggerLabel, nil); err != nil {
		return fmt.Errorf("creating trigger data channel: %w", err)
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("creating SDP offer: %w", err)
	}
	sdp, err := wt.gather(ctx, pc, offer)
	if err != nil {
		return err
	}
	if err := wt.signaler.PublishOffer(ctx, wt.peerID, peer.peerID, sdp); err != nil {
		return fmt.Errorf("publishing SDP offer: %w", err)
	}
	wt.logger.Debug("webrtc offer published", "peer", peer.peerID)

	answerSDP, err := wt.waitForAnswer(ctx, peer.peerID)
	if err != nil {
		return fmt.Errorf("waiting for SDP answer: %w", err)
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answerSDP,
	}); err != nil {
		return fmt.Errorf("setting remote description: %w", err)
	}
	return nil
}

// gather sets description as the local description and waits for ICE
// gathering to finish, returning the complete SDP.
func (wt *WebRTCTransport) gather(ctx context.Context, pc *webrtc.PeerConnection, description webrtc.SessionDescription) (string, error) {
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(description); err != nil {
		return "", fmt.Errorf("setting local description: %w", err)
	}
	select {
	case <-gatherComplete:
	case <-time.After(iceGatherTimeout):
		return "", fmt.Errorf("ICE gathering timed out after %s", iceGatherTimeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return pc.LocalDescription().SDP, nil
}

func (wt *WebRTCTransport) waitForAnswer(ctx context.Context, peerID string) (string, error) {
	deadline := time.After(answerTimeout)
	ticker := time.NewTicker(answerPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-deadline:
			return "", fmt.Errorf("no answer after %s", answerTimeout)
		case <-ctx.Done():
			return "", ctx.Err()
		case <-wt.closed:
			return "", net.ErrClosed
		case <-ticker.C:
			answers, err := wt.signaler.PollAnswers(ctx, wt.peerID)
			if err != nil {
				wt.logger.Warn("polling for SDP answers failed", "error", err)
				continue
			}
			for _, answer := range answers {
				if answer.PeerID == peerID {
					return answer.SDP, nil
				}
			}
		}
	}
}

func (wt *WebRTCTransport) pollOffers(ctx context.Context) {
	ticker := time.NewTicker(offerPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-wt.closed:
			return
		case <-ticker.C:
		}

		offers, err := wt.signaler.PollOffers(ctx, wt.peerID)
		if err != nil {
			wt.logger.Warn("polling for SDP offers failed", "error", err)
			continue
		}
		for _, offer := range offers {
			if !wt.yieldTo(offer.PeerID) {
				continue
			}
			if err := wt.answer(ctx, offer); err != nil {
				wt.logger.Error("answering webrtc offer failed", "peer", offer.PeerID, "error", err)
			}
		}
	}
}

// yieldTo decides whether an inbound offer from peerID replaces our
// own PeerConnection to it. When both sides dial at once, the peer
// with the lexicographically smaller id is the offerer.
func (wt *WebRTCTransport) yieldTo(peerID string) bool {
	wt.mu.Lock()
	defer wt.mu.Unlock()

	existing, ok := wt.peers[peerID]
	if !ok {
		return true
	}
	if isLive(existing.connection) && peerID > wt.peerID {
		return false
	}
	existing.connection.Close()
	delete(wt.peers, peerID)
	return true
}

// answer runs the answering half of signaling for an inbound offer.
func (wt *WebRTCTransport) answer(ctx context.Context, offer SignalMessage) error {
	pc, err := wt.newPeerConnection()
	if err != nil {
		return fmt.Errorf("creating PeerConnection: %w", err)
	}
	peer := &peerState{connection: pc, peerID: offer.PeerID, established: make(chan struct{})}
	wt.watch(peer)

	fail := func(err error) error {
		pc.Close()
		return err
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offer.SDP,
	}); err != nil {
		return fail(fmt.Errorf("setting remote description: %w", err))
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fail(fmt.Errorf("creating SDP answer: %w", err))
	}
	sdp, err := wt.gather(ctx, pc, answer)
	if err != nil {
		return fail(err)
	}
	if err := wt.signaler.PublishAnswer(ctx, offer.PeerID, wt.peerID, sdp); err != nil {
		return fail(fmt.Errorf("publishing SDP answer: %w", err))
	}

	wt.mu.Lock()
	wt.peers[offer.PeerID] = peer
	wt.mu.Unlock()

	wt.logger.Debug("webrtc offer answered", "peer", offer.PeerID)
	return nil
}

// watch installs the inbound data channel and ICE state handlers.
func (wt *WebRTCTransport) watch(peer *peerState) {
	peer.connection.OnDataChannel(func(dc *webrtc.DataChannel) {
		wt.acceptDataChannel(dc, peer.peerID)
	})
	peer.connection.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		wt.logger.Debug("ICE state change", "peer", peer.peerID, "state", state.String())
		switch state {
		case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
			peer.markOnce.Do(func() { close(peer.established) })
		case webrtc.ICEConnectionStateFailed:
			wt.logger.Warn("webrtc connection failed; next dial re-establishes it", "peer", peer.peerID)
		case webrtc.ICEConnectionStateClosed:
			wt.forget(peer)
		}
	})
}

func (wt *WebRTCTransport) forget(peer *peerState) {
	wt.mu.Lock()
	defer wt.mu.Unlock()
	if current, ok := wt.peers[peer.peerID]; ok && current == peer {
		delete(wt.peers, peer.peerID)
	}
}

func (wt *WebRTCTransport) acceptDataChannel(dc *webrtc.DataChannel, peerID string) {
	if dc.Label() == triggerLabel {
		dc.OnOpen(func() { dc.Close() })
		return
	}
	dc.OnOpen(func() {
		raw, err := dc.Detach()
		if err != nil {
			wt.logger.Error("detaching inbound data channel failed",
				"peer", peerID, "label", dc.Label(), "error", err)
			return
		}
		conn := NewDataChannelConn(raw, wt.peerID+"/"+dc.Label(), peerID+"/"+dc.Label())
		select {
		case wt.inbound <- conn:
		case <-wt.closed:
			conn.Close()
		}
	})
}

func (wt *WebRTCTransport) openDataChannel(ctx context.Context, peer *peerState) (net.Conn, error) {
	label := fmt.Sprintf("vat-%d", wt.channelCounter.Add(1))
	ordered := true
	dc, err := peer.connection.CreateDataChannel(label, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return nil, fmt.Errorf("creating data channel %s: %w", label, err)
	}

	opened := make(chan struct{})
	dc.OnOpen(func() { close(opened) })
	select {
	case <-opened:
	case <-time.After(channelOpenTimeout):
		dc.Close()
		return nil, fmt.Errorf("data channel %s did not open within %s", label, channelOpenTimeout)
	case <-ctx.Done():
		dc.Close()
		return nil, ctx.Err()
	case <-wt.closed:
		dc.Close()
		return nil, net.ErrClosed
	}

	raw, err := dc.Detach()
	if err != nil {
		dc.Close()
		return nil, fmt.Errorf("detaching data channel %s: %w", label, err)
	}
	return NewDataChannelConn(raw, wt.peerID+"/"+label, peer.peerID+"/"+label), nil
}

func (wt *WebRTCTransport) newPeerConnection() (*webrtc.PeerConnection, error) {
	wt.configMu.RLock()
	config := webrtc.Configuration{ICEServers: wt.iceConfig.Servers}
	wt.configMu.RUnlock()

	// Detached data channels give a ReadWriteCloser; loopback
	// candidates let two transports on one host find each other.
	settingEngine := webrtc.SettingEngine{}
	settingEngine.DetachDataChannels()
	settingEngine.SetIncludeLoopbackCandidate(true)

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	return api.NewPeerConnection(config)
}

func isLive(pc *webrtc.PeerConnection) bool {
	state := pc.ICEConnectionState()
	return state != webrtc.ICEConnectionStateFailed && state != webrtc.ICEConnectionStateClosed
}
