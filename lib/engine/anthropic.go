// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hearth-dev/hearth/lib/secret"
)

const (
	anthropicVersion    = "2023-06-01"
	defaultAnthropicURL = "https://api.anthropic.com"
)

// AnthropicConfig describes an Anthropic-compatible backend.
type AnthropicConfig struct {
	// BaseURL is the API origin. Defaults to the public endpoint.
	BaseURL string

	// APIKey holds the API key. Required. The provider borrows the
	// buffer; the caller owns its lifetime.
	APIKey *secret.Buffer

	// HTTPClient defaults to a client with a five minute timeout.
	HTTPClient *http.Client

	// Logger receives request-level events at debug level. Defaults
	// to discard.
	Logger *slog.Logger
}

// Anthropic is a Provider speaking the Anthropic Messages API,
// including its streaming variant.
type Anthropic struct {
	baseURL    string
	apiKey     *secret.Buffer
	httpClient *http.Client
	logger     *slog.Logger
}

// NewAnthropic builds the provider.
func NewAnthropic(config AnthropicConfig) *Anthropic {
	if config.APIKey == nil {
		panic("engine: AnthropicConfig.APIKey is required")
	}
	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = defaultAnthropicURL
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Minute}
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Anthropic{
		baseURL:    baseURL,
		apiKey:     config.APIKey,
		httpClient: httpClient,
		logger:     logger,
	}
}

// Wire-format types for the Messages API.

type wireRequest struct {
	Model     string        `json:"model"`
	MaxTokens int           `json:"max_tokens"`
	System    string        `json:"system,omitempty"`
	Messages  []wireMessage `json:"messages"`
	Tools     []wireTool    `json:"tools,omitempty"`
	Stream    bool          `json:"stream,omitempty"`
}

type wireMessage struct {
	Role    string      `json:"role"`
	Content []wireBlock `json:"content"`
}

type wireBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

type wireTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type wireResponse struct {
	ID         string      `json:"id"`
	Model      string      `json:"model"`
	Content    []wireBlock `json:"content"`
	StopReason string      `json:"stop_reason"`
	Usage      wireUsage   `json:"usage"`
}

type wireUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type wireError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func encodeRequest(request *Request, stream bool) ([]byte, error) {
	wire := wireRequest{
		Model:     request.Model,
		MaxTokens: request.MaxTokens,
		System:    request.System,
		Stream:    stream,
	}
	for _, tool := range request.Tools {
		wire.Tools = append(wire.Tools, wireTool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.InputSchema,
		})
	}
	for _, message := range request.Messages {
		wireMsg := wireMessage{Role: string(message.Role)}
		for _, block := range message.Content {
			switch block.Type {
			case ContentText:
				wireMsg.Content = append(wireMsg.Content, wireBlock{Type: "text", Text: block.Text})
			case ContentToolUse:
				wireMsg.Content = append(wireMsg.Content, wireBlock{
					Type:  "tool_use",
					ID:    block.ToolUse.ID,
					Name:  block.ToolUse.Name,
					Input: block.ToolUse.Input,
				})
			case ContentToolResult:
				wireMsg.Content = append(wireMsg.Content, wireBlock{
					Type:      "tool_result",
					ToolUseID: block.ToolResult.ToolUseID,
					Content:   block.ToolResult.Content,
					IsError:   block.ToolResult.IsError,
				})
			default:
				return nil, fmt.Errorf("engine: unsupported content block type %q", block.Type)
			}
		}
		wire.Messages = append(wire.Messages, wireMsg)
	}
	return json.Marshal(wire)
}

func decodeBlock(block wireBlock) (ContentBlock, error) {
	switch block.Type {
	case "text":
		return TextBlock(block.Text), nil
	case "tool_use":
		return ContentBlock{
			Type: ContentToolUse,
			ToolUse: &ToolUse{
				ID:    block.ID,
				Name:  block.Name,
				Input: block.Input,
			},
		}, nil
	default:
		return ContentBlock{}, fmt.Errorf("engine: unexpected response block type %q", block.Type)
	}
}

func decodeResponse(wire *wireResponse) (*Response, error) {
	response := &Response{
		ID:         wire.ID,
		Model:      wire.Model,
		StopReason: StopReason(wire.StopReason),
		Usage: Usage{
			InputTokens:  wire.Usage.InputTokens,
			OutputTokens: wire.Usage.OutputTokens,
		},
	}
	for _, block := range wire.Content {
		decoded, err := decodeBlock(block)
		if err != nil {
			return nil, err
		}
		response.Content = append(response.Content, decoded)
	}
	return response, nil
}

func (a *Anthropic) post(ctx context.Context, request *Request, stream bool) (*http.Response, error) {
	body, err := encodeRequest(request, stream)
	if err != nil {
		return nil, err
	}

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("engine: building request: %w", err)
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	httpRequest.Header.Set("X-Api-Key", a.apiKey.String())
	httpRequest.Header.Set("Anthropic-Version", anthropicVersion)

	httpResponse, err := a.httpClient.Do(httpRequest)
	if err != nil {
		return nil, fmt.Errorf("engine: sending request: %w", err)
	}
	if httpResponse.StatusCode != http.StatusOK {
		defer httpResponse.Body.Close()
		return nil, decodeHTTPError(httpResponse)
	}
	return httpResponse, nil
}

func decodeHTTPError(httpResponse *http.Response) error {
	providerError := &ProviderError{StatusCode: httpResponse.StatusCode}
	body, err := io.ReadAll(io.LimitReader(httpResponse.Body, 64*1024))
	if err == nil {
		var wire wireError
		if json.Unmarshal(body, &wire) == nil && wire.Error.Type != "" {
			providerError.Type = wire.Error.Type
			providerError.Message = wire.Error.Message
			return providerError
		}
		providerError.Message = string(body)
	}
	return providerError
}

// Complete implements Provider.
func (a *Anthropic) Complete(ctx context.Context, request *Request) (*Response, error) {
	started := time.Now()
	httpResponse, err := a.post(ctx, request, false)
	if err != nil {
		return nil, err
	}
	defer httpResponse.Body.Close()

	var wire wireResponse
	if err := json.NewDecoder(httpResponse.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("engine: decoding response: %w", err)
	}
	response, err := decodeResponse(&wire)
	if err != nil {
		return nil, err
	}

	a.logger.Debug("completion finished",
		"model", response.Model, "stop_reason", response.StopReason,
		"output_tokens", response.Usage.OutputTokens,
		"elapsed", time.Since(started))
	return response, nil
}

// Stream implements Provider. Events arrive as they are generated;
// the accumulated Response is available from the stream once drained.
func (a *Anthropic) Stream(ctx context.Context, request *Request) (*EventStream, error) {
	httpResponse, err := a.post(ctx, request, true)
	if err != nil {
		return nil, err
	}

	accumulator := &streamAccumulator{
		scanner:  NewSSEScanner(httpResponse.Body),
		response: &Response{},
	}
	stream := NewEventStream(accumulator.next, httpResponse.Body.Close)
	accumulator.stream = stream
	return stream, nil
}

// streamAccumulator converts Messages API SSE events into StreamEvents
// while rebuilding the complete Response. Tool-use blocks arrive as
// partial JSON fragments that are reassembled at content_block_stop.
type streamAccumulator struct {
	scanner  *SSEScanner
	stream   *EventStream
	response *Response

	// block currently under construction
	partialType  string
	partialBlock wireBlock
	partialJSON  bytes.Buffer
	partialText  bytes.Buffer
}

type wireStreamEvent struct {
	Type    string `json:"type"`
	Message struct {
		ID    string    `json:"id"`
		Model string    `json:"model"`
		Usage wireUsage `json:"usage"`
	} `json:"message"`
	ContentBlock wireBlock `json:"content_block"`
	Delta        struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`
	Usage wireUsage `json:"usage"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (s *streamAccumulator) next() (StreamEvent, error) {
	for s.scanner.Next() {
		var wire wireStreamEvent
		if err := json.Unmarshal(s.scanner.Data(), &wire); err != nil {
			return StreamEvent{}, fmt.Errorf("engine: decoding stream event: %w", err)
		}

		switch wire.Type {
		case "message_start":
			s.response.ID = wire.Message.ID
			s.response.Model = wire.Message.Model
			s.response.Usage.InputTokens = wire.Message.Usage.InputTokens

		case "content_block_start":
			s.partialType = wire.ContentBlock.Type
			s.partialBlock = wire.ContentBlock
			s.partialJSON.Reset()
			s.partialText.Reset()
			s.partialText.WriteString(wire.ContentBlock.Text)

		case "content_block_delta":
			switch wire.Delta.Type {
			case "text_delta":
				s.partialText.WriteString(wire.Delta.Text)
				return StreamEvent{Type: EventTextDelta, TextDelta: wire.Delta.Text}, nil
			case "input_json_delta":
				s.partialJSON.WriteString(wire.Delta.PartialJSON)
			}

		case "content_block_stop":
			block, err := s.finishBlock()
			if err != nil {
				return StreamEvent{}, err
			}
			s.response.Content = append(s.response.Content, block)
			return StreamEvent{Type: EventBlockDone, Block: &block}, nil

		case "message_delta":
			if wire.Delta.StopReason != "" {
				s.response.StopReason = StopReason(wire.Delta.StopReason)
			}
			if wire.Usage.OutputTokens != 0 {
				s.response.Usage.OutputTokens = wire.Usage.OutputTokens
			}

		case "message_stop":
			s.stream.SetResult(s.response)
			return StreamEvent{Type: EventDone}, nil

		case "ping":
			return StreamEvent{Type: EventPing}, nil

		case "error":
			return StreamEvent{}, &ProviderError{
				StatusCode: http.StatusOK,
				Type:       wire.Error.Type,
				Message:    wire.Error.Message,
			}
		}
	}

	if err := s.scanner.Err(); err != nil {
		return StreamEvent{}, fmt.Errorf("engine: reading stream: %w", err)
	}
	return StreamEvent{}, fmt.Errorf("engine: stream ended without message_stop")
}

func (s *streamAccumulator) finishBlock() (ContentBlock, error) {
	switch s.partialType {
	case "text":
		return TextBlock(s.partialText.String()), nil
	case "tool_use":
		// Clone: the builder buffer is reused for the next block.
		input := json.RawMessage(bytes.Clone(s.partialJSON.Bytes()))
		if s.partialJSON.Len() == 0 {
			input = s.partialBlock.Input
		}
		if len(input) == 0 {
			input = json.RawMessage("{}")
		}
		return ContentBlock{
			Type: ContentToolUse,
			ToolUse: &ToolUse{
				ID:    s.partialBlock.ID,
				Name:  s.partialBlock.Name,
				Input: input,
			},
		}, nil
	default:
		return ContentBlock{}, fmt.Errorf("engine: unexpected stream block type %q", s.partialType)
	}
}
