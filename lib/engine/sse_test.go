// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"strings"
	"testing"
)

func TestSSEScannerParsesEvents(t *testing.T) {
	input := strings.Join([]string{
		": keepalive comment",
		"event: message_start",
		"data: {\"type\":\"message_start\"}",
		"",
		"event: content_block_delta",
		"data: {\"a\":1}",
		"data: {\"b\":2}",
		"",
	}, "\n")

	scanner := NewSSEScanner(strings.NewReader(input))

	if !scanner.Next() {
		t.Fatal("first Next returned false")
	}
	if got, want := scanner.Event(), "message_start"; got != want {
		t.Errorf("Event() = %q, want %q", got, want)
	}
	if got, want := string(scanner.Data()), `{"type":"message_start"}`; got != want {
		t.Errorf("Data() = %q, want %q", got, want)
	}

	if !scanner.Next() {
		t.Fatal("second Next returned false")
	}
	if got, want := string(scanner.Data()), "{\"a\":1}\n{\"b\":2}"; got != want {
		t.Errorf("multi-line Data() = %q, want %q", got, want)
	}

	if scanner.Next() {
		t.Error("Next returned true past end of stream")
	}
	if err := scanner.Err(); err != nil {
		t.Errorf("Err() = %v", err)
	}
}

func TestSSEScannerFinalEventWithoutBlankLine(t *testing.T) {
	scanner := NewSSEScanner(strings.NewReader("event: done\ndata: x"))

	if !scanner.Next() {
		t.Fatal("Next returned false")
	}
	if scanner.Event() != "done" || string(scanner.Data()) != "x" {
		t.Errorf("got (%q, %q), want (done, x)", scanner.Event(), scanner.Data())
	}
	if scanner.Next() {
		t.Error("Next returned true after final event")
	}
}

func TestSSEScannerSkipsComments(t *testing.T) {
	scanner := NewSSEScanner(strings.NewReader(":only comments\n:here\n"))
	if scanner.Next() {
		t.Error("Next returned true for comment-only stream")
	}
}
