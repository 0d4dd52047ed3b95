// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"encoding/json"
	"strings"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ContentBlockType identifies the kind of a content block.
type ContentBlockType string

const (
	ContentText       ContentBlockType = "text"
	ContentToolUse    ContentBlockType = "tool_use"
	ContentToolResult ContentBlockType = "tool_result"
)

// ContentBlock is one element of a message. Exactly one of the
// payload fields is populated, selected by Type.
type ContentBlock struct {
	Type       ContentBlockType
	Text       string
	ToolUse    *ToolUse
	ToolResult *ToolResult
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: ContentText, Text: text}
}

// ToolUse is a model request to invoke a tool.
type ToolUse struct {
	// ID correlates the eventual tool result with this request.
	ID string

	// Name is the tool to invoke.
	Name string

	// Input is the raw JSON arguments.
	Input json.RawMessage
}

// ToolResult carries the output of a tool invocation back to the
// model.
type ToolResult struct {
	ToolUseID string
	Content   string
	IsError   bool
}

// Message is one conversation entry.
type Message struct {
	Role    Role
	Content []ContentBlock
}

// UserMessage builds a plain text user message.
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Content: []ContentBlock{TextBlock(text)}}
}

// ToolResultsMessage wraps tool results as the user-role message the
// protocol expects them in.
func ToolResultsMessage(results []ToolResult) Message {
	blocks := make([]ContentBlock, len(results))
	for index := range results {
		blocks[index] = ContentBlock{
			Type:       ContentToolResult,
			ToolResult: &results[index],
		}
	}
	return Message{Role: RoleUser, Content: blocks}
}

// ToolDefinition describes a tool offered to the model.
type ToolDefinition struct {
	Name        string
	Description string

	// InputSchema is the JSON Schema for the tool's arguments.
	InputSchema json.RawMessage
}

// Request is a completion request.
type Request struct {
	Model     string
	MaxTokens int
	System    string
	Messages  []Message
	Tools     []ToolDefinition
}

// StopReason explains why the model stopped generating.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
)

// Usage reports token consumption for one request.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Response is a complete model turn.
type Response struct {
	ID         string
	Model      string
	Content    []ContentBlock
	StopReason StopReason
	Usage      Usage
}

// ToolUses returns the tool invocations requested in this response,
// in order.
func (r *Response) ToolUses() []ToolUse {
	var uses []ToolUse
	for _, block := range r.Content {
		if block.Type == ContentToolUse && block.ToolUse != nil {
			uses = append(uses, *block.ToolUse)
		}
	}
	return uses
}

// TextContent concatenates the response's text blocks.
func (r *Response) TextContent() string {
	var builder strings.Builder
	for _, block := range r.Content {
		if block.Type == ContentText {
			builder.WriteString(block.Text)
		}
	}
	return builder.String()
}

// AssistantMessage converts the response into a conversation message
// for the next request.
func (r *Response) AssistantMessage() Message {
	return Message{Role: RoleAssistant, Content: r.Content}
}
