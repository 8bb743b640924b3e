// Copyright 2026 The Otaforge Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the CBOR encoding used for persisted state
// (the update history journal). Encoding is Core Deterministic
// Encoding (RFC 8949 §4.2): the same logical record always produces
// identical bytes, so journal files are stable and diffable.
package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var encMode cbor.EncMode
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Journal records only ever use string map keys. Decoding into
		// an any-typed target should therefore produce map[string]any,
		// not the CBOR default map[any]any.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to deterministic CBOR.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v. Unknown fields are ignored for
// forward compatibility.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}
