// Package openai implements the chat-completions wire format: requests and
// responses as OpenAI serves them, including the chunked streaming shape with
// index-keyed tool calls and the data-only SSE framing ending in [DONE].
package openai

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/llmrelay/llmrelay/internal/schema"
	"github.com/llmrelay/llmrelay/internal/transformer"
)

const FormatName = "openai"

type Transformer struct{}

func New() *Transformer { return &Transformer{} }

func (t *Transformer) Name() string     { return FormatName }
func (t *Transformer) Endpoint() string { return "/chat/completions" }

func (t *Transformer) ApplyAuth(h http.Header, apiKey string) {
	h.Set("Authorization", "Bearer "+apiKey)
}

// Wire shapes. Content is raw because the API accepts both a bare string and
// an array of typed parts.

type wireRequest struct {
	Model       string          `json:"model"`
	Messages    []wireMessage   `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	Stop        json.RawMessage `json:"stop,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
	Tools       []wireTool      `json:"tools,omitempty"`
	ToolChoice  json.RawMessage `json:"tool_choice,omitempty"`
}

type wireMessage struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content,omitempty"`
	ToolCalls  []wireToolCall  `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

type wireContentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type wireToolCall struct {
	// Index is only present on streaming chunks.
	Index    *int         `json:"index,omitempty"`
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments"`
}

type wireTool struct {
	Type     string          `json:"type"`
	Function wireToolDetails `json:"function"`
}

type wireToolDetails struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type wireResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []wireChoice `json:"choices"`
	Usage   *wireUsage   `json:"usage,omitempty"`
}

type wireChoice struct {
	Index        int                  `json:"index"`
	Message      *wireChoiceMessage   `json:"message,omitempty"`
	Delta        *wireChoiceMessage   `json:"delta,omitempty"`
	FinishReason *schema.FinishReason `json:"finish_reason"`
}

type wireChoiceMessage struct {
	Role      string         `json:"role,omitempty"`
	Content   *string        `json:"content,omitempty"`
	ToolCalls []wireToolCall `json:"tool_calls,omitempty"`
}

type wireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type wireError struct {
	Error wireErrorBody `json:"error"`
}

type wireErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

func (t *Transformer) DecodeRequest(body []byte) (*schema.Request, error) {
	var wire wireRequest
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, decodeErr(err)
	}
	if wire.Model == "" {
		return nil, transformer.NewUnsupportedSchema("model is required")
	}
	if len(wire.Messages) == 0 {
		return nil, transformer.NewUnsupportedSchema("messages is required")
	}

	req := &schema.Request{
		Model:       wire.Model,
		MaxTokens:   wire.MaxTokens,
		Temperature: wire.Temperature,
		TopP:        wire.TopP,
		Stream:      wire.Stream,
	}

	if len(wire.Stop) > 0 {
		stop, err := decodeStop(wire.Stop)
		if err != nil {
			return nil, err
		}
		req.Stop = stop
	}

	for i, msg := range wire.Messages {
		converted, err := decodeMessage(i, msg)
		if err != nil {
			return nil, err
		}
		req.Messages = append(req.Messages, converted...)
	}

	for _, tool := range wire.Tools {
		if tool.Function.Name == "" {
			return nil, transformer.NewInvalidField("tools", "function name is required")
		}
		req.Tools = append(req.Tools, schema.ToolDefinition{
			Name:        tool.Function.Name,
			Description: tool.Function.Description,
			Parameters:  append(json.RawMessage(nil), tool.Function.Parameters...),
		})
	}

	if len(wire.ToolChoice) > 0 {
		choice, err := decodeToolChoice(wire.ToolChoice)
		if err != nil {
			return nil, err
		}
		req.ToolChoice = choice
	}

	return req, nil
}

func decodeMessage(i int, msg wireMessage) ([]schema.Message, error) {
	switch msg.Role {
	case "system", "user":
		blocks, err := decodeContentBlocks(msg.Content)
		if err != nil {
			return nil, err
		}
		return []schema.Message{{Role: schema.Role(msg.Role), Blocks: blocks}}, nil

	case "assistant":
		var blocks []schema.Block
		if len(msg.Content) > 0 && string(msg.Content) != "null" {
			textBlocks, err := decodeContentBlocks(msg.Content)
			if err != nil {
				return nil, err
			}
			blocks = append(blocks, textBlocks...)
		}
		for _, tc := range msg.ToolCalls {
			if tc.ID == "" {
				return nil, transformer.NewInvalidField("tool_calls", "message %d: tool call id is required", i)
			}
			blocks = append(blocks, schema.ToolCallBlock(tc.ID, tc.Function.Name, tc.Function.Arguments))
		}
		return []schema.Message{{Role: schema.RoleAssistant, Blocks: blocks}}, nil

	case "tool":
		if msg.ToolCallID == "" {
			return nil, transformer.NewInvalidField("tool_call_id", "message %d: required for tool role", i)
		}
		content, err := decodeContentText(msg.Content)
		if err != nil {
			return nil, err
		}
		return []schema.Message{{
			Role:   schema.RoleTool,
			Blocks: []schema.Block{schema.ToolResultBlock(msg.ToolCallID, content)},
		}}, nil

	case "":
		return nil, transformer.NewInvalidField("role", "message %d: role is required", i)
	default:
		return nil, transformer.NewInvalidField("role", "message %d: unknown role %q", i, msg.Role)
	}
}

// decodeContentBlocks accepts the two wire encodings of message content: a
// bare string or an array of typed parts.
func decodeContentBlocks(raw json.RawMessage) ([]schema.Block, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return nil, nil
		}
		return []schema.Block{schema.TextBlock(s)}, nil
	}
	var parts []wireContentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return nil, transformer.NewInvalidField("content", "expected string or array of parts")
	}
	var blocks []schema.Block
	for _, p := range parts {
		switch p.Type {
		case "text":
			blocks = append(blocks, schema.TextBlock(p.Text))
		default:
			// Non-text parts (images, audio) are not routable through
			// every backend; reject rather than silently dropping.
			return nil, transformer.NewInvalidField("content", "unsupported part type %q", p.Type)
		}
	}
	return blocks, nil
}

func decodeContentText(raw json.RawMessage) (string, error) {
	blocks, err := decodeContentBlocks(raw)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, blk := range blocks {
		b.WriteString(blk.Text)
	}
	return b.String(), nil
}

func decodeStop(raw json.RawMessage) ([]string, error) {
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return []string{single}, nil
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err != nil {
		return nil, transformer.NewInvalidField("stop", "expected string or array of strings")
	}
	return many, nil
}

func decodeToolChoice(raw json.RawMessage) (*schema.ToolChoice, error) {
	var mode string
	if err := json.Unmarshal(raw, &mode); err == nil {
		switch mode {
		case "auto":
			return &schema.ToolChoice{Mode: schema.ToolChoiceAuto}, nil
		case "none":
			return &schema.ToolChoice{Mode: schema.ToolChoiceNone}, nil
		case "required":
			return &schema.ToolChoice{Mode: schema.ToolChoiceRequired}, nil
		default:
			return nil, transformer.NewInvalidField("tool_choice", "unknown mode %q", mode)
		}
	}
	var obj struct {
		Type     string `json:"type"`
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil || obj.Type != "function" || obj.Function.Name == "" {
		return nil, transformer.NewInvalidField("tool_choice", "expected mode string or function object")
	}
	return &schema.ToolChoice{Mode: schema.ToolChoiceFunction, Name: obj.Function.Name}, nil
}

func (t *Transformer) EncodeRequest(req *schema.Request) ([]byte, error) {
	wire := wireRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      req.Stream,
	}

	if len(req.Stop) > 0 {
		raw, err := json.Marshal(req.Stop)
		if err != nil {
			return nil, err
		}
		wire.Stop = raw
	}

	for _, msg := range req.Messages {
		encoded, err := encodeMessage(msg)
		if err != nil {
			return nil, err
		}
		wire.Messages = append(wire.Messages, encoded...)
	}

	for _, tool := range req.Tools {
		wire.Tools = append(wire.Tools, wireTool{
			Type: "function",
			Function: wireToolDetails{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		})
	}

	if req.ToolChoice != nil {
		raw, err := encodeToolChoice(req.ToolChoice)
		if err != nil {
			return nil, err
		}
		wire.ToolChoice = raw
	}

	return json.Marshal(wire)
}

func encodeMessage(msg schema.Message) ([]wireMessage, error) {
	switch msg.Role {
	case schema.RoleSystem, schema.RoleUser:
		content, err := encodeContent(msg.Blocks)
		if err != nil {
			return nil, err
		}
		return []wireMessage{{Role: string(msg.Role), Content: content}}, nil

	case schema.RoleAssistant:
		out := wireMessage{Role: "assistant"}
		var texts []string
		for _, blk := range msg.Blocks {
			switch blk.Type {
			case schema.BlockText:
				texts = append(texts, blk.Text)
			case schema.BlockToolCall:
				out.ToolCalls = append(out.ToolCalls, wireToolCall{
					ID:   blk.ID,
					Type: "function",
					Function: wireFunction{
						Name:      blk.Name,
						Arguments: blk.Arguments,
					},
				})
			case schema.BlockToolResult:
				return nil, fmt.Errorf("tool_result block in assistant message")
			default:
				panic(fmt.Sprintf("openai: unhandled block type %q", blk.Type))
			}
		}
		if len(texts) > 0 {
			raw, err := json.Marshal(strings.Join(texts, "\n"))
			if err != nil {
				return nil, err
			}
			out.Content = raw
		}
		return []wireMessage{out}, nil

	case schema.RoleTool:
		// One wire message per tool_result block.
		var out []wireMessage
		for _, blk := range msg.Blocks {
			if blk.Type != schema.BlockToolResult {
				return nil, fmt.Errorf("%s block in tool message", blk.Type)
			}
			raw, err := json.Marshal(blk.Content)
			if err != nil {
				return nil, err
			}
			out = append(out, wireMessage{
				Role:       "tool",
				ToolCallID: blk.ToolCallID,
				Content:    raw,
			})
		}
		return out, nil

	default:
		panic(fmt.Sprintf("openai: unhandled role %q", msg.Role))
	}
}

// encodeContent writes a single text block as a bare string and multiple
// blocks as a parts array, mirroring how each arrives, so decode∘encode is
// stable.
func encodeContent(blocks []schema.Block) (json.RawMessage, error) {
	var texts []string
	for _, blk := range blocks {
		if blk.Type != schema.BlockText {
			return nil, fmt.Errorf("%s block in text-only message", blk.Type)
		}
		texts = append(texts, blk.Text)
	}
	switch len(texts) {
	case 0:
		return json.Marshal("")
	case 1:
		return json.Marshal(texts[0])
	default:
		parts := make([]wireContentPart, len(texts))
		for i, text := range texts {
			parts[i] = wireContentPart{Type: "text", Text: text}
		}
		return json.Marshal(parts)
	}
}

func encodeToolChoice(choice *schema.ToolChoice) (json.RawMessage, error) {
	switch choice.Mode {
	case schema.ToolChoiceAuto, schema.ToolChoiceNone, schema.ToolChoiceRequired:
		return json.Marshal(string(choice.Mode))
	case schema.ToolChoiceFunction:
		return json.Marshal(map[string]any{
			"type":     "function",
			"function": map[string]string{"name": choice.Name},
		})
	default:
		panic(fmt.Sprintf("openai: unhandled tool choice mode %q", choice.Mode))
	}
}

func (t *Transformer) DecodeResponse(body []byte) (*schema.Response, error) {
	var wire wireResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, decodeErr(err)
	}
	if len(wire.Choices) == 0 {
		return nil, transformer.NewUnsupportedSchema("response has no choices")
	}

	choice := wire.Choices[0]
	msg := schema.Message{Role: schema.RoleAssistant}
	if choice.Message != nil {
		if choice.Message.Content != nil && *choice.Message.Content != "" {
			msg.Blocks = append(msg.Blocks, schema.TextBlock(*choice.Message.Content))
		}
		for _, tc := range choice.Message.ToolCalls {
			msg.Blocks = append(msg.Blocks, schema.ToolCallBlock(tc.ID, tc.Function.Name, tc.Function.Arguments))
		}
	}

	resp := &schema.Response{
		ID:           wire.ID,
		Model:        wire.Model,
		Message:      msg,
		FinishReason: normalizeFinish(choice.FinishReason),
	}
	if wire.Usage != nil {
		resp.Usage = schema.Usage{
			PromptTokens:     wire.Usage.PromptTokens,
			CompletionTokens: wire.Usage.CompletionTokens,
			TotalTokens:      wire.Usage.TotalTokens,
		}
	}
	return resp, nil
}

func (t *Transformer) EncodeResponse(resp *schema.Response) ([]byte, error) {
	msg := wireChoiceMessage{Role: "assistant"}
	var texts []string
	for _, blk := range resp.Message.Blocks {
		switch blk.Type {
		case schema.BlockText:
			texts = append(texts, blk.Text)
		case schema.BlockToolCall:
			msg.ToolCalls = append(msg.ToolCalls, wireToolCall{
				ID:       blk.ID,
				Type:     "function",
				Function: wireFunction{Name: blk.Name, Arguments: blk.Arguments},
			})
		case schema.BlockToolResult:
			return nil, fmt.Errorf("tool_result block in response message")
		default:
			panic(fmt.Sprintf("openai: unhandled block type %q", blk.Type))
		}
	}
	if len(texts) > 0 || len(msg.ToolCalls) == 0 {
		content := strings.Join(texts, "\n")
		msg.Content = &content
	}

	reason := resp.FinishReason
	if reason == "" {
		reason = schema.FinishStop
	}

	id := resp.ID
	if id == "" {
		id = "chatcmpl-" + uuid.NewString()
	}

	wire := wireResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   resp.Model,
		Choices: []wireChoice{{
			Index:        0,
			Message:      &msg,
			FinishReason: &reason,
		}},
		Usage: &wireUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	return json.Marshal(wire)
}

func (t *Transformer) EncodeError(status int, code, message string) []byte {
	errType := "invalid_request_error"
	if status >= 500 {
		errType = "api_error"
	}
	body, err := json.Marshal(wireError{Error: wireErrorBody{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
	if err != nil {
		return []byte(`{"error":{"message":"internal error","type":"api_error"}}`)
	}
	return body
}

// normalizeFinish keeps known reasons and folds anything else to stop, the
// way a lenient client would.
func normalizeFinish(reason *schema.FinishReason) schema.FinishReason {
	if reason == nil {
		return schema.FinishStop
	}
	switch *reason {
	case schema.FinishStop, schema.FinishLength, schema.FinishToolCalls,
		schema.FinishContentFilter, schema.FinishUpstreamError:
		return *reason
	default:
		return schema.FinishStop
	}
}

func decodeErr(err error) error {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return transformer.NewInvalidField(typeErr.Field, "expected %s", typeErr.Type)
	}
	return transformer.NewUnsupportedSchema("invalid JSON: %v", err)
}
