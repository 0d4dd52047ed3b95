// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides deterministic CBOR encoding for durable
// records.
//
// All persisted binary payloads (credential bundles, audit exports)
// use CBOR Core Deterministic Encoding so that equal values always
// produce byte-identical encodings. Decoding rejects duplicate map
// keys and decodes untyped maps as map[string]any.
//
// Key exports: Marshal, Unmarshal, NewEncoder, NewDecoder.
package codec

import (
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var mapStringAnyType = reflect.TypeOf(map[string]any(nil))

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	encOptions := cbor.CoreDetEncOptions()
	var err error
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("codec: building CBOR encode mode: " + err.Error())
	}

	decOptions := cbor.DecOptions{
		DupMapKey:      cbor.DupMapKeyEnforcedAPF,
		DefaultMapType: mapStringAnyType,
	}
	decMode, err = decOptions.DecMode()
	if err != nil {
		panic("codec: building CBOR decode mode: " + err.Error())
	}
}

// Marshal encodes value using CBOR Core Deterministic Encoding.
func Marshal(value any) ([]byte, error) {
	return encMode.Marshal(value)
}

// Unmarshal decodes CBOR data into value. Duplicate map keys are
// rejected.
func Unmarshal(data []byte, value any) error {
	return decMode.Unmarshal(data, value)
}

// NewEncoder returns a streaming CBOR encoder writing deterministic
// encodings to writer.
func NewEncoder(writer io.Writer) *cbor.Encoder {
	return encMode.NewEncoder(writer)
}

// NewDecoder returns a streaming CBOR decoder reading from reader.
func NewDecoder(reader io.Reader) *cbor.Decoder {
	return decMode.NewDecoder(reader)
}
