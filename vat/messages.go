// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package vat

import "github.com/bureau-foundation/vatrpc/lib/codec"

// Message type names, the "type" field of every frame.
const (
	typeBootstrap     = "bootstrap"
	typeCall          = "call"
	typeReturn        = "return"
	typeFinish        = "finish"
	typeAbort         = "abort"
	typeUnimplemented = "unimplemented"
)

// messageHeader is decoded from every inbound frame before the typed
// body, to route it and to check required ids. The ids are pointers so
// a missing field is distinguishable from zero.
type messageHeader struct {
	Type       string  `cbor:"type"`
	QuestionID *uint64 `cbor:"questionId"`
	AnswerID   *uint64 `cbor:"answerId"`
}

// CapDescriptor is one capability table entry. Exactly one of
// SenderHosted and ImportedCap is set: SenderHosted names an export of
// the message's sender, ImportedCap names an export of its receiver.
type CapDescriptor struct {
	SenderHosted *uint64 `cbor:"senderHosted,omitempty"`
	ImportedCap  *uint64 `cbor:"importedCap,omitempty"`
	InterfaceID  uint64  `cbor:"interfaceId"`
}

type bootstrapMessage struct {
	Type       string `cbor:"type"`
	QuestionID uint64 `cbor:"questionId"`
}

type callTarget struct {
	ImportedCap uint64 `cbor:"importedCap"`
}

type callMessage struct {
	Type        string          `cbor:"type"`
	QuestionID  uint64          `cbor:"questionId"`
	Target      callTarget      `cbor:"target"`
	InterfaceID uint64          `cbor:"interfaceId"`
	MethodID    uint64          `cbor:"methodId"`
	Params      any             `cbor:"params"`
	CapTable    []CapDescriptor `cbor:"capTable,omitempty"`
}

type exception struct {
	Reason string `cbor:"reason"`
}

type returnMessage struct {
	Type      string          `cbor:"type"`
	AnswerID  uint64          `cbor:"answerId"`
	Results   any             `cbor:"results,omitempty"`
	Exception *exception      `cbor:"exception,omitempty"`
	CapTable  []CapDescriptor `cbor:"capTable,omitempty"`
}

type finishMessage struct {
	Type       string `cbor:"type"`
	QuestionID uint64 `cbor:"questionId"`
}

type abortMessage struct {
	Type   string `cbor:"type"`
	Reason string `cbor:"reason"`
}

// unimplementedMessage echoes a frame this side did not understand.
// Original holds the frame's CBOR bytes unchanged.
type unimplementedMessage struct {
	Type     string           `cbor:"type"`
	Original codec.RawMessage `cbor:"original"`
}
