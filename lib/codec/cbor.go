// Copyright 2026 The Mailroom Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides Mailroom's standard CBOR encoding.
//
// Bridge frames and spool checksums need byte-stable encoding: the
// same logical value must always produce identical bytes, so hashes
// and signatures computed over encoded frames are reproducible across
// hosts. All encoding goes through Core Deterministic Encoding
// (RFC 8949 §4.2): sorted map keys, smallest integer encoding, no
// indefinite-length items.
package codec

import (
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var encMode cbor.EncMode

// decMode accepts standard CBOR. Unknown fields are silently ignored
// for forward compatibility with newer peers.
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// CBOR allows non-string map keys, so the decoder's default
		// for any-typed targets is map[interface{}]interface{}. That
		// type is incompatible with encoding/json and most Go code.
		// Mailroom never uses non-string keys; decode to
		// map[string]any instead. Struct field decoding is unaffected.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
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

// Encoder is a CBOR stream encoder. Type alias so consumers import
// only lib/codec, not fxamacker/cbor directly.
type Encoder = cbor.Encoder

// Decoder is a CBOR stream decoder. Type alias so consumers import
// only lib/codec, not fxamacker/cbor directly.
type Decoder = cbor.Decoder

// RawMessage is a raw encoded CBOR value, used to delay decoding or
// pass through pre-encoded output.
type RawMessage = cbor.RawMessage

// NewEncoder returns a CBOR encoder that writes to w using the
// standard deterministic configuration.
func NewEncoder(w io.Writer) *Encoder {
	return encMode.NewEncoder(w)
}

// NewDecoder returns a CBOR decoder that reads from r using the
// standard decoding configuration.
func NewDecoder(r io.Reader) *Decoder {
	return decMode.NewDecoder(r)
}
