// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec holds outpost's single CBOR configuration.
//
// Two properties matter to callers. Encoding is Core Deterministic
// (RFC 8949 §4.2: sorted map keys, shortest integers, definite lengths),
// so equal values always produce equal bytes; shellstate relies on this
// to derive content hashes from encoded snapshots. Decoding ignores
// unknown fields, so a newer helper can add packet fields without
// breaking an older front-end.
//
// Types that only travel over the helper protocol or into the state
// store carry `cbor` struct tags. Types that are also printed as JSON by
// the CLI carry `json` tags, which fxamacker/cbor reads as a fallback.
package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: building CBOR encoder: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: building CBOR decoder: " + err.Error())
	}
}

// Marshal encodes v deterministically.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// RawMessage is an encoded CBOR item whose decoding is deferred. The
// packet layer uses it to decode the type tag before the body.
type RawMessage = cbor.RawMessage
