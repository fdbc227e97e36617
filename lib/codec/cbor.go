// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// encMode uses Core Deterministic Encoding (RFC 8949 §4.2) so that a
// protocol frame has exactly one byte representation. Tests compare
// frames byte-for-byte.
var encMode cbor.EncMode

// decMode decodes untyped payload values into map[string]any and
// []any. Vat payloads are generic structures: params and results are
// walked by the capability-table codec, which only understands
// string-keyed maps.
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		// Integers that fit decode as uint64 (non-negative) or int64
		// (negative) when the target is any. Message ids are always
		// non-negative, so ids from untyped payloads are uint64.
		IntDec: cbor.IntDecConvertNone,
		// A peer could otherwise make us allocate an arbitrarily
		// deep structure before the frame size limit is consulted.
		MaxNestedLevels: 64,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to CBOR using Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Valid reports whether data holds exactly one well-formed CBOR item.
func Valid(data []byte) error {
	return decMode.Wellformed(data)
}

// RawMessage is an encoded CBOR value whose decoding is deferred. The
// vat uses it to echo an unrecognized frame back to its sender inside
// an unimplemented message without re-encoding it.
type RawMessage = cbor.RawMessage

// Diagnose returns the CBOR diagnostic notation (RFC 8949 §8) for
// data. Connections log this for frames they cannot interpret.
func Diagnose(data []byte) (string, error) {
	return cbor.Diagnose(data)
}
