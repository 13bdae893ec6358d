// Package schema defines the canonical, provider-agnostic representation of a
// chat exchange. Every wire format the gateway speaks is decoded into these
// types and encoded back out of them; nothing here knows about JSON shapes,
// SSE framing, or any particular vendor.
package schema

import (
	"encoding/json"
	"strings"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishToolCalls     FinishReason = "tool_calls"
	FinishContentFilter FinishReason = "content_filter"
	FinishUpstreamError FinishReason = "upstream_error"
)

type BlockType string

const (
	BlockText       BlockType = "text"
	BlockToolCall   BlockType = "tool_call"
	BlockToolResult BlockType = "tool_result"
)

// Block is one content segment of a message turn. The Type field selects the
// variant; fields outside the variant are zero. Adapters switching on Type
// must cover every variant and panic on anything else.
type Block struct {
	Type BlockType

	// Text is set for BlockText.
	Text string

	// ID, Name and Arguments are set for BlockToolCall. Arguments is the
	// serialized JSON argument object as produced by the model, which may
	// be malformed when an upstream truncates a stream.
	ID        string
	Name      string
	Arguments string

	// ToolCallID and Content are set for BlockToolResult. ToolCallID must
	// reference a BlockToolCall that appeared earlier in the exchange.
	ToolCallID string
	Content    string
}

func TextBlock(text string) Block { return Block{Type: BlockText, Text: text} }

func ToolCallBlock(id, name, arguments string) Block {
	return Block{Type: BlockToolCall, ID: id, Name: name, Arguments: arguments}
}

func ToolResultBlock(toolCallID, content string) Block {
	return Block{Type: BlockToolResult, ToolCallID: toolCallID, Content: content}
}

// Message is one turn of an exchange. Block order is significant and is
// preserved exactly as given through every transformation.
type Message struct {
	Role   Role
	Blocks []Block
}

// Text concatenates the message's text blocks.
func (m Message) Text() string {
	var b strings.Builder
	for _, blk := range m.Blocks {
		if blk.Type == BlockText {
			b.WriteString(blk.Text)
		}
	}
	return b.String()
}

// ToolCalls returns the message's tool_call blocks in order.
func (m Message) ToolCalls() []Block {
	var calls []Block
	for _, blk := range m.Blocks {
		if blk.Type == BlockToolCall {
			calls = append(calls, blk)
		}
	}
	return calls
}

func (m Message) Clone() Message {
	out := m
	if m.Blocks != nil {
		out.Blocks = append([]Block(nil), m.Blocks...)
	}
	return out
}

// ToolDefinition describes a tool the model may call. Parameters is a JSON
// Schema object.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

type ToolChoiceMode string

const (
	ToolChoiceAuto     ToolChoiceMode = "auto"
	ToolChoiceNone     ToolChoiceMode = "none"
	ToolChoiceRequired ToolChoiceMode = "required"
	ToolChoiceFunction ToolChoiceMode = "function"
)

// ToolChoice carries the caller's tool-usage preference. Name is set only for
// ToolChoiceFunction.
type ToolChoice struct {
	Mode ToolChoiceMode
	Name string
}

// Request is a decoded chat-completion request. It is immutable once built:
// components that need a variant (model rewrite, token clamp) derive one via
// Clone rather than mutating in place.
type Request struct {
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature *float64
	TopP        *float64
	Stop        []string
	Tools       []ToolDefinition
	ToolChoice  *ToolChoice
	Stream      bool
}

func (r *Request) Clone() *Request {
	out := *r
	out.Messages = make([]Message, len(r.Messages))
	for i := range r.Messages {
		out.Messages[i] = r.Messages[i].Clone()
	}
	if r.Temperature != nil {
		v := *r.Temperature
		out.Temperature = &v
	}
	if r.TopP != nil {
		v := *r.TopP
		out.TopP = &v
	}
	if r.Stop != nil {
		out.Stop = append([]string(nil), r.Stop...)
	}
	if r.Tools != nil {
		out.Tools = make([]ToolDefinition, len(r.Tools))
		for i, t := range r.Tools {
			t.Parameters = append(json.RawMessage(nil), t.Parameters...)
			out.Tools[i] = t
		}
	}
	if r.ToolChoice != nil {
		v := *r.ToolChoice
		out.ToolChoice = &v
	}
	return &out
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Response is a complete, non-streaming model turn.
type Response struct {
	ID           string
	Model        string
	Message      Message
	FinishReason FinishReason
	Usage        Usage
}
