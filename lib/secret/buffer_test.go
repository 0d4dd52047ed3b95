// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"bytes"
	"testing"
)

func TestNewFromBytesZeroesSource(t *testing.T) {
	source := []byte("hunter2-hunter2")
	buffer, err := NewFromBytes(bytes.Clone(source))
	if err != nil {
		t.Fatalf("NewFromBytes failed: %v", err)
	}
	defer buffer.Close()

	cleared := make([]byte, len(source))
	copied := bytes.Clone(source)
	if _, err := NewFromBytes(copied); err != nil {
		t.Fatalf("NewFromBytes failed: %v", err)
	}
	if !bytes.Equal(copied, cleared) {
		t.Errorf("source not zeroed after NewFromBytes: %q", copied)
	}

	if got, want := buffer.String(), string(source); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestBufferRoundtrip(t *testing.T) {
	buffer, err := New(32)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer buffer.Close()

	if got, want := buffer.Len(), 32; got != want {
		t.Errorf("Len() = %d, want %d", got, want)
	}

	copy(buffer.Bytes(), "0123456789abcdef0123456789abcdef")
	if got, want := buffer.String(), "0123456789abcdef0123456789abcdef"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestBufferEqual(t *testing.T) {
	buffer, err := NewFromBytes([]byte("token-value"))
	if err != nil {
		t.Fatalf("NewFromBytes failed: %v", err)
	}
	defer buffer.Close()

	if !buffer.Equal([]byte("token-value")) {
		t.Error("Equal returned false for matching contents")
	}
	if buffer.Equal([]byte("token-other")) {
		t.Error("Equal returned true for differing contents")
	}
	if buffer.Equal([]byte("token")) {
		t.Error("Equal returned true for shorter input")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	buffer, err := New(16)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := buffer.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if err := buffer.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
}

func TestAccessAfterClosePanics(t *testing.T) {
	buffer, err := New(16)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	buffer.Close()

	defer func() {
		if recover() == nil {
			t.Error("Bytes on closed buffer did not panic")
		}
	}()
	buffer.Bytes()
}

func TestNewRejectsBadSize(t *testing.T) {
	if _, err := New(0); err == nil {
		t.Error("New(0) succeeded, want error")
	}
	if _, err := New(-1); err == nil {
		t.Error("New(-1) succeeded, want error")
	}
	if _, err := NewFromBytes(nil); err == nil {
		t.Error("NewFromBytes(nil) succeeded, want error")
	}
}
