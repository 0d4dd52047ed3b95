// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"testing"
)

type sampleRecord struct {
	Name  string `cbor:"name"`
	Count int    `cbor:"count"`
	Tags  []string
}

func TestMarshalIsDeterministic(t *testing.T) {
	record := sampleRecord{Name: "alpha", Count: 3, Tags: []string{"x", "y"}}

	first, err := Marshal(record)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	second, err := Marshal(record)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Errorf("encodings differ:\n  %x\n  %x", first, second)
	}
}

func TestRoundtrip(t *testing.T) {
	original := sampleRecord{Name: "beta", Count: -7, Tags: []string{"z"}}

	data, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var decoded sampleRecord
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if decoded.Name != original.Name || decoded.Count != original.Count {
		t.Errorf("decoded %+v, want %+v", decoded, original)
	}
}

func TestUntypedMapsDecodeAsStringKeyed(t *testing.T) {
	data, err := Marshal(map[string]any{"outer": map[string]any{"inner": int64(1)}})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var decoded any
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	outer, ok := decoded.(map[string]any)
	if !ok {
		t.Fatalf("decoded type %T, want map[string]any", decoded)
	}
	if _, ok := outer["outer"].(map[string]any); !ok {
		t.Errorf("nested value type %T, want map[string]any", outer["outer"])
	}
}

func TestStreamingEncoderDecoder(t *testing.T) {
	var buffer bytes.Buffer
	encoder := NewEncoder(&buffer)
	for index := 0; index < 3; index++ {
		if err := encoder.Encode(sampleRecord{Name: "rec", Count: index}); err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
	}

	decoder := NewDecoder(&buffer)
	for index := 0; index < 3; index++ {
		var record sampleRecord
		if err := decoder.Decode(&record); err != nil {
			t.Fatalf("Decode failed at %d: %v", index, err)
		}
		if record.Count != index {
			t.Errorf("record %d has Count %d", index, record.Count)
		}
	}
}
