// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"bufio"
	"bytes"
	"io"
)

// SSEScanner parses a text/event-stream body into discrete events.
// Comment lines (leading colon) are skipped, multiple data lines in
// one event are joined with newlines, and an event is emitted at each
// blank line.
type SSEScanner struct {
	scanner *bufio.Scanner

	eventName string
	data      []byte
}

// NewSSEScanner wraps a response body. The buffer tolerates events up
// to one megabyte.
func NewSSEScanner(reader io.Reader) *SSEScanner {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	return &SSEScanner{scanner: scanner}
}

// Next advances to the next complete event. It returns false at end
// of stream or on a read error, available via Err.
func (s *SSEScanner) Next() bool {
	s.eventName = ""
	s.data = nil

	for s.scanner.Scan() {
		line := s.scanner.Bytes()

		if len(line) == 0 {
			if s.eventName != "" || len(s.data) > 0 {
				return true
			}
			continue
		}
		if line[0] == ':' {
			continue
		}

		field, value, found := bytes.Cut(line, []byte(":"))
		if !found {
			field = line
			value = nil
		}
		value = bytes.TrimPrefix(value, []byte(" "))

		switch string(field) {
		case "event":
			s.eventName = string(value)
		case "data":
			if len(s.data) > 0 {
				s.data = append(s.data, '\n')
			}
			s.data = append(s.data, value...)
		}
	}

	// A final event without a trailing blank line still counts.
	return s.eventName != "" || len(s.data) > 0
}

// Event returns the current event's name, which may be empty.
func (s *SSEScanner) Event() string {
	return s.eventName
}

// Data returns the current event's data payload.
func (s *SSEScanner) Data() []byte {
	return s.data
}

// Err returns the first read error, if any.
func (s *SSEScanner) Err() error {
	return s.scanner.Err()
}
