// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the CBOR encoding used for vat protocol
// frames.
//
// Every frame a connection sends is one CBOR map produced by
// [Marshal]. The receiving side decodes the frame twice: once into a
// small header struct to learn the message type, and once into the
// typed body for that message. Payload fields (call params and return
// results) are decoded into untyped values, so maps come back as
// map[string]any, arrays as []any, and non-negative integers as
// uint64.
//
// Struct tags on protocol types use `cbor` tags: these types never
// appear in JSON. Field names are the camelCase keys of the wire
// format (questionId, capTable, ...).
//
// This package depends on no other vatrpc packages.
package codec
