// Copyright 2026 The RoaringRoster Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the CBOR encoding used for everything that is
// hashed, signed, or put on the wire: trust graph events, document
// snapshots, encrypted store records, and sync protocol frames.
//
// Encoding is Core Deterministic Encoding (RFC 8949 §4.2), so the same
// logical value always produces identical bytes. Trust graph event
// identity is the BLAKE3 hash of the encoded event; without
// deterministic encoding, replicas would disagree about event ids.
package codec

import (
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var encMode cbor.EncMode

// decMode accepts standard CBOR and silently ignores unknown fields
// for forward compatibility with newer replicas.
var decMode cbor.DecMode

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	// Typed identifiers (ref.ShareID, ref.DocumentID, ref.ActorID, …)
	// implement encoding.TextMarshaler and must serialize as CBOR text
	// strings. Without this, their unexported fields would serialize
	// as empty CBOR maps, losing the identity.
	encOptions.TextMarshaler = cbor.TextMarshalerTextString
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Map keys are always strings in our schemas. When decoding
		// into any-typed targets (message payloads), pick
		// map[string]any rather than the CBOR default
		// map[interface{}]interface{}.
		DefaultMapType:  reflect.TypeOf(map[string]any(nil)),
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
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

// RawMessage is a raw encoded CBOR value, used to delay decoding of
// message payloads whose type depends on the message kind.
type RawMessage = cbor.RawMessage

// NewEncoder returns a CBOR stream encoder writing to w with the
// deterministic configuration.
func NewEncoder(w io.Writer) *cbor.Encoder {
	return encMode.NewEncoder(w)
}

// NewDecoder returns a CBOR stream decoder reading from r.
func NewDecoder(r io.Reader) *cbor.Decoder {
	return decMode.NewDecoder(r)
}
