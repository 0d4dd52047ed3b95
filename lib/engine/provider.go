// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

// Package engine abstracts the language model behind a small provider
// interface with both buffered and streaming completion.
//
// A Provider turns a Request into either a complete Response or an
// EventStream of incremental events. The EventStream accumulates the
// full Response as it goes, so callers that stream still end up with
// the same structured result a buffered call would return. Provider
// failures carry enough classification (rate limited, overloaded) for
// the caller to decide whether a retry is worthwhile.
//
// Key exports: Provider, EventStream, StreamEvent, ProviderError,
// Retryable.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Provider is a language model backend.
type Provider interface {
	// Complete performs a buffered completion.
	Complete(ctx context.Context, request *Request) (*Response, error)

	// Stream performs a streaming completion. The caller must drain
	// or close the returned stream.
	Stream(ctx context.Context, request *Request) (*EventStream, error)
}

// StreamEventType identifies a streaming event.
type StreamEventType string

const (
	// EventTextDelta carries an incremental fragment of text output.
	EventTextDelta StreamEventType = "text_delta"

	// EventBlockDone signals that one content block is complete.
	EventBlockDone StreamEventType = "block_done"

	// EventPing is a keepalive with no payload.
	EventPing StreamEventType = "ping"

	// EventDone signals the end of the response.
	EventDone StreamEventType = "done"
)

// StreamEvent is one incremental event from a streaming completion.
type StreamEvent struct {
	Type StreamEventType

	// TextDelta is set for EventTextDelta.
	TextDelta string

	// Block is set for EventBlockDone.
	Block *ContentBlock
}

// EventStream delivers streaming events and accumulates the final
// Response.
//
// Usage follows the scanner idiom:
//
//	for stream.Next() {
//		event := stream.Event()
//		...
//	}
//	response, err := stream.Result()
type EventStream struct {
	next  func() (StreamEvent, error)
	close func() error

	event    StreamEvent
	response *Response
	err      error
	done     bool
}

// NewEventStream builds a stream from a pull function and a closer.
// The pull function returns EventDone with a final response attached
// via SetResult, then is not called again. Providers use this;
// callers receive streams from Provider.Stream.
func NewEventStream(next func() (StreamEvent, error), close func() error) *EventStream {
	return &EventStream{next: next, close: close}
}

// SetResult records the accumulated response. Called by the provider
// before emitting EventDone.
func (s *EventStream) SetResult(response *Response) {
	s.response = response
}

// Next advances to the next event. It returns false when the stream
// is exhausted or failed; check Result afterwards.
func (s *EventStream) Next() bool {
	if s.done || s.err != nil {
		return false
	}
	event, err := s.next()
	if err != nil {
		s.err = err
		s.close()
		return false
	}
	if event.Type == EventDone {
		s.done = true
		s.close()
		return false
	}
	s.event = event
	return true
}

// Event returns the current event. Valid only after Next returned
// true.
func (s *EventStream) Event() StreamEvent {
	return s.event
}

// Result returns the accumulated response once Next has returned
// false, or the error that terminated the stream.
func (s *EventStream) Result() (*Response, error) {
	if s.err != nil {
		return nil, s.err
	}
	if !s.done {
		return nil, fmt.Errorf("engine: stream not drained")
	}
	return s.response, nil
}

// Close abandons the stream. Safe to call at any point; draining
// normally also closes.
func (s *EventStream) Close() error {
	if s.done || s.err != nil {
		return nil
	}
	s.err = errors.New("engine: stream closed by caller")
	return s.close()
}

// ProviderError is a structured failure from the model backend.
type ProviderError struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("engine: provider error %d (%s): %s", e.StatusCode, e.Type, e.Message)
}

// IsRateLimited reports whether the backend asked us to slow down.
func (e *ProviderError) IsRateLimited() bool {
	return e.StatusCode == 429 || e.Type == "rate_limit_error"
}

// IsOverloaded reports whether the backend is shedding load.
func (e *ProviderError) IsOverloaded() bool {
	return e.StatusCode == 529 || e.Type == "overloaded_error"
}

// Retryable reports whether a completion failure is worth one more
// attempt: rate limiting, overload, and transport-level errors
// qualify; everything else does not.
func Retryable(err error) bool {
	var providerError *ProviderError
	if errors.As(err, &providerError) {
		return providerError.IsRateLimited() || providerError.IsOverloaded()
	}
	var netError net.Error
	return errors.As(err, &netError)
}
