// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package vat

import "time"

// Observer receives connection events for metrics. Implementations
// must be safe for concurrent use and must not block: methods run on
// the receive loop and on calling goroutines.
type Observer interface {
	// MessageSent and MessageReceived count frames by message type.
	// Frames whose type cannot be decoded are reported as "".
	MessageSent(messageType string)
	MessageReceived(messageType string)

	// QuestionOpened is called when an outbound bootstrap or call is
	// registered; QuestionClosed when its caller stops waiting, with
	// kind "bootstrap" or "call" and the outcome.
	QuestionOpened()
	QuestionClosed(kind string, duration time.Duration, err error)

	// CallHandled reports an inbound call after its return was built.
	CallHandled(interfaceID, methodID uint64, duration time.Duration, err error)

	// ConnectionClosed reports the terminal error, nil for a clean
	// shutdown.
	ConnectionClosed(err error)
}

type nopObserver struct{}

func (nopObserver) MessageSent(string) {}
func (nopObserver) MessageReceived(string) {}
func (nopObserver) QuestionOpened() {}
func (nopObserver) QuestionClosed(string, time.Duration, error) {}
func (nopObserver) CallHandled(uint64, uint64, time.Duration, error) {}
func (nopObserver) ConnectionClosed(error) {}
