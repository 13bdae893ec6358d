// Package anthropic implements the messages wire format: system prompts as a
// top-level field, content as typed block arrays, tool_use/tool_result blocks,
// and the event-named SSE streaming protocol.
package anthropic

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/kaptinlin/jsonrepair"

	"github.com/llmrelay/llmrelay/internal/schema"
	"github.com/llmrelay/llmrelay/internal/transformer"
)

const (
	FormatName = "anthropic"

	apiVersion = "2023-06-01"

	defaultMaxTokens = 4096
)

type Transformer struct{}

func New() *Transformer { return &Transformer{} }

func (t *Transformer) Name() string     { return FormatName }
func (t *Transformer) Endpoint() string { return "/messages" }

func (t *Transformer) ApplyAuth(h http.Header, apiKey string) {
	h.Set("x-api-key", apiKey)
	h.Set("anthropic-version", apiVersion)
}

type wireRequest struct {
	Model         string          `json:"model"`
	MaxTokens     int             `json:"max_tokens"`
	System        json.RawMessage `json:"system,omitempty"`
	Messages      []wireMessage   `json:"messages"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
	Tools         []wireTool      `json:"tools,omitempty"`
	ToolChoice    *wireToolChoice `json:"tool_choice,omitempty"`
}

type wireMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type wireBlock struct {
	Type string `json:"type"`

	// text blocks
	Text string `json:"text,omitempty"`

	// tool_use blocks
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result blocks
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
}

type wireTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

type wireToolChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

type wireResponse struct {
	ID         string      `json:"id"`
	Type       string      `json:"type"`
	Role       string      `json:"role"`
	Model      string      `json:"model"`
	Content    []wireBlock `json:"content"`
	StopReason string      `json:"stop_reason,omitempty"`
	StopSeq    *string     `json:"stop_sequence"`
	Usage      wireUsage   `json:"usage"`
}

type wireUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type wireError struct {
	Type  string        `json:"type"`
	Error wireErrorBody `json:"error"`
}

type wireErrorBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (t *Transformer) DecodeRequest(body []byte) (*schema.Request, error) {
	var wire wireRequest
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, decodeErr(err)
	}
	if wire.Model == "" {
		return nil, transformer.NewUnsupportedSchema("model is required")
	}
	if wire.MaxTokens == 0 {
		return nil, transformer.NewUnsupportedSchema("max_tokens is required")
	}
	if len(wire.Messages) == 0 {
		return nil, transformer.NewUnsupportedSchema("messages is required")
	}

	req := &schema.Request{
		Model:       wire.Model,
		MaxTokens:   wire.MaxTokens,
		Temperature: wire.Temperature,
		TopP:        wire.TopP,
		Stop:        wire.StopSequences,
		Stream:      wire.Stream,
	}

	if len(wire.System) > 0 {
		sys, err := decodeSystem(wire.System)
		if err != nil {
			return nil, err
		}
		if len(sys.Blocks) > 0 {
			req.Messages = append(req.Messages, sys)
		}
	}

	for i, msg := range wire.Messages {
		converted, err := decodeMessage(i, msg)
		if err != nil {
			return nil, err
		}
		req.Messages = append(req.Messages, converted...)
	}

	for _, tool := range wire.Tools {
		if tool.Name == "" {
			return nil, transformer.NewInvalidField("tools", "tool name is required")
		}
		req.Tools = append(req.Tools, schema.ToolDefinition{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  append(json.RawMessage(nil), tool.InputSchema...),
		})
	}

	if wire.ToolChoice != nil {
		choice, err := decodeToolChoice(wire.ToolChoice)
		if err != nil {
			return nil, err
		}
		req.ToolChoice = choice
	}

	return req, nil
}

func decodeSystem(raw json.RawMessage) (schema.Message, error) {
	msg := schema.Message{Role: schema.RoleSystem}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s != "" {
			msg.Blocks = append(msg.Blocks, schema.TextBlock(s))
		}
		return msg, nil
	}
	var blocks []wireBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return msg, transformer.NewInvalidField("system", "expected string or array of text blocks")
	}
	for _, blk := range blocks {
		if blk.Type != "text" {
			return msg, transformer.NewInvalidField("system", "unsupported block type %q", blk.Type)
		}
		if blk.Text != "" {
			msg.Blocks = append(msg.Blocks, schema.TextBlock(blk.Text))
		}
	}
	return msg, nil
}

// decodeMessage splits one wire message into canonical turns. tool_result
// blocks inside a user message become a separate tool turn placed before the
// user text, preserving the convention that results directly follow the
// assistant turn that requested them.
func decodeMessage(i int, msg wireMessage) ([]schema.Message, error) {
	switch msg.Role {
	case "user":
		var s string
		if err := json.Unmarshal(msg.Content, &s); err == nil {
			return []schema.Message{{Role: schema.RoleUser, Blocks: []schema.Block{schema.TextBlock(s)}}}, nil
		}
		var blocks []wireBlock
		if err := json.Unmarshal(msg.Content, &blocks); err != nil {
			return nil, transformer.NewInvalidField("content", "message %d: expected string or array of blocks", i)
		}
		var toolBlocks, userBlocks []schema.Block
		for _, blk := range blocks {
			switch blk.Type {
			case "text":
				userBlocks = append(userBlocks, schema.TextBlock(blk.Text))
			case "tool_result":
				if blk.ToolUseID == "" {
					return nil, transformer.NewInvalidField("content", "message %d: tool_result requires tool_use_id", i)
				}
				toolBlocks = append(toolBlocks, schema.ToolResultBlock(blk.ToolUseID, flattenResultContent(blk.Content)))
			default:
				return nil, transformer.NewInvalidField("content", "message %d: unsupported block type %q", i, blk.Type)
			}
		}
		var out []schema.Message
		if len(toolBlocks) > 0 {
			out = append(out, schema.Message{Role: schema.RoleTool, Blocks: toolBlocks})
		}
		if len(userBlocks) > 0 {
			out = append(out, schema.Message{Role: schema.RoleUser, Blocks: userBlocks})
		}
		return out, nil

	case "assistant":
		var s string
		if err := json.Unmarshal(msg.Content, &s); err == nil {
			return []schema.Message{{Role: schema.RoleAssistant, Blocks: []schema.Block{schema.TextBlock(s)}}}, nil
		}
		var blocks []wireBlock
		if err := json.Unmarshal(msg.Content, &blocks); err != nil {
			return nil, transformer.NewInvalidField("content", "message %d: expected string or array of blocks", i)
		}
		out := schema.Message{Role: schema.RoleAssistant}
		for _, blk := range blocks {
			switch blk.Type {
			case "text":
				out.Blocks = append(out.Blocks, schema.TextBlock(blk.Text))
			case "tool_use":
				if blk.ID == "" {
					return nil, transformer.NewInvalidField("content", "message %d: tool_use requires id", i)
				}
				args := "{}"
				if len(blk.Input) > 0 {
					args = string(blk.Input)
				}
				out.Blocks = append(out.Blocks, schema.ToolCallBlock(blk.ID, blk.Name, args))
			default:
				return nil, transformer.NewInvalidField("content", "message %d: unsupported block type %q", i, blk.Type)
			}
		}
		return []schema.Message{out}, nil

	case "":
		return nil, transformer.NewInvalidField("role", "message %d: role is required", i)
	default:
		return nil, transformer.NewInvalidField("role", "message %d: unknown role %q", i, msg.Role)
	}
}

// flattenResultContent accepts the wire encodings of a tool_result payload:
// a bare string or an array of text blocks. Anything else is passed through
// as raw JSON text.
func flattenResultContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []wireBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		joined := ""
		for _, blk := range blocks {
			if blk.Type == "text" {
				joined += blk.Text
			}
		}
		if joined != "" || len(blocks) == 0 {
			return joined
		}
	}
	return string(raw)
}

func decodeToolChoice(choice *wireToolChoice) (*schema.ToolChoice, error) {
	switch choice.Type {
	case "auto":
		return &schema.ToolChoice{Mode: schema.ToolChoiceAuto}, nil
	case "any":
		return &schema.ToolChoice{Mode: schema.ToolChoiceRequired}, nil
	case "none":
		return &schema.ToolChoice{Mode: schema.ToolChoiceNone}, nil
	case "tool":
		if choice.Name == "" {
			return nil, transformer.NewInvalidField("tool_choice", "tool choice requires name")
		}
		return &schema.ToolChoice{Mode: schema.ToolChoiceFunction, Name: choice.Name}, nil
	default:
		return nil, transformer.NewInvalidField("tool_choice", "unknown type %q", choice.Type)
	}
}

func (t *Transformer) EncodeRequest(req *schema.Request) ([]byte, error) {
	wire := wireRequest{
		Model:         req.Model,
		MaxTokens:     req.MaxTokens,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.Stop,
		Stream:        req.Stream,
	}
	if wire.MaxTokens == 0 {
		wire.MaxTokens = defaultMaxTokens
	}

	var systemBlocks []schema.Block
	for _, msg := range req.Messages {
		if msg.Role == schema.RoleSystem {
			systemBlocks = append(systemBlocks, msg.Blocks...)
		}
	}
	if len(systemBlocks) > 0 {
		raw, err := encodeSystem(systemBlocks)
		if err != nil {
			return nil, err
		}
		wire.System = raw
	}

	for _, msg := range req.Messages {
		if msg.Role == schema.RoleSystem {
			continue
		}
		role, blocks, err := encodeMessage(msg)
		if err != nil {
			return nil, err
		}
		if len(blocks) == 0 {
			continue
		}
		// Adjacent same-role messages merge into one turn; the API
		// requires user/assistant alternation.
		if n := len(wire.Messages); n > 0 && wire.Messages[n-1].Role == role {
			merged, err := appendBlocks(wire.Messages[n-1].Content, blocks)
			if err != nil {
				return nil, err
			}
			wire.Messages[n-1].Content = merged
			continue
		}
		raw, err := marshalContent(blocks)
		if err != nil {
			return nil, err
		}
		wire.Messages = append(wire.Messages, wireMessage{Role: role, Content: raw})
	}

	for _, tool := range req.Tools {
		wire.Tools = append(wire.Tools, wireTool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.Parameters,
		})
	}

	if req.ToolChoice != nil {
		wire.ToolChoice = encodeToolChoice(req.ToolChoice)
	}

	return json.Marshal(wire)
}

func encodeSystem(blocks []schema.Block) (json.RawMessage, error) {
	texts := make([]wireBlock, 0, len(blocks))
	for _, blk := range blocks {
		if blk.Type != schema.BlockText {
			return nil, fmt.Errorf("%s block in system message", blk.Type)
		}
		texts = append(texts, wireBlock{Type: "text", Text: blk.Text})
	}
	if len(texts) == 1 {
		return json.Marshal(texts[0].Text)
	}
	return json.Marshal(texts)
}

func encodeMessage(msg schema.Message) (string, []wireBlock, error) {
	switch msg.Role {
	case schema.RoleUser:
		blocks := make([]wireBlock, 0, len(msg.Blocks))
		for _, blk := range msg.Blocks {
			if blk.Type != schema.BlockText {
				return "", nil, fmt.Errorf("%s block in user message", blk.Type)
			}
			blocks = append(blocks, wireBlock{Type: "text", Text: blk.Text})
		}
		return "user", blocks, nil

	case schema.RoleAssistant:
		blocks := make([]wireBlock, 0, len(msg.Blocks))
		for _, blk := range msg.Blocks {
			switch blk.Type {
			case schema.BlockText:
				blocks = append(blocks, wireBlock{Type: "text", Text: blk.Text})
			case schema.BlockToolCall:
				blocks = append(blocks, wireBlock{
					Type:  "tool_use",
					ID:    blk.ID,
					Name:  blk.Name,
					Input: parseArguments(blk.Arguments),
				})
			case schema.BlockToolResult:
				return "", nil, errors.New("tool_result block in assistant message")
			default:
				panic(fmt.Sprintf("anthropic: unhandled block type %q", blk.Type))
			}
		}
		return "assistant", blocks, nil

	case schema.RoleTool:
		blocks := make([]wireBlock, 0, len(msg.Blocks))
		for _, blk := range msg.Blocks {
			if blk.Type != schema.BlockToolResult {
				return "", nil, fmt.Errorf("%s block in tool message", blk.Type)
			}
			content, err := json.Marshal(blk.Content)
			if err != nil {
				return "", nil, err
			}
			blocks = append(blocks, wireBlock{
				Type:      "tool_result",
				ToolUseID: blk.ToolCallID,
				Content:   content,
			})
		}
		return "user", blocks, nil

	default:
		panic(fmt.Sprintf("anthropic: unhandled role %q", msg.Role))
	}
}

// marshalContent emits a lone text block as a bare string, anything else as a
// block array.
func marshalContent(blocks []wireBlock) (json.RawMessage, error) {
	if len(blocks) == 1 && blocks[0].Type == "text" {
		return json.Marshal(blocks[0].Text)
	}
	return json.Marshal(blocks)
}

func appendBlocks(existing json.RawMessage, add []wireBlock) (json.RawMessage, error) {
	var blocks []wireBlock
	var s string
	if err := json.Unmarshal(existing, &s); err == nil {
		blocks = []wireBlock{{Type: "text", Text: s}}
	} else if err := json.Unmarshal(existing, &blocks); err != nil {
		return nil, fmt.Errorf("merge content: %w", err)
	}
	return json.Marshal(append(blocks, add...))
}

func encodeToolChoice(choice *schema.ToolChoice) *wireToolChoice {
	switch choice.Mode {
	case schema.ToolChoiceAuto:
		return &wireToolChoice{Type: "auto"}
	case schema.ToolChoiceNone:
		return &wireToolChoice{Type: "none"}
	case schema.ToolChoiceRequired:
		return &wireToolChoice{Type: "any"}
	case schema.ToolChoiceFunction:
		return &wireToolChoice{Type: "tool", Name: choice.Name}
	default:
		panic(fmt.Sprintf("anthropic: unhandled tool choice mode %q", choice.Mode))
	}
}

// parseArguments converts an accumulated argument string into a JSON object.
// Streams cut short by an upstream leave malformed JSON behind; repair gets a
// chance before falling back to wrapping the raw text.
func parseArguments(args string) json.RawMessage {
	if args == "" {
		return json.RawMessage(`{}`)
	}
	if json.Valid([]byte(args)) {
		return json.RawMessage(args)
	}
	if repaired, err := jsonrepair.JSONRepair(args); err == nil && json.Valid([]byte(repaired)) {
		return json.RawMessage(repaired)
	}
	wrapped, err := json.Marshal(map[string]string{"text": args})
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return wrapped
}

func (t *Transformer) DecodeResponse(body []byte) (*schema.Response, error) {
	var wire wireResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, decodeErr(err)
	}
	if wire.Type != "message" {
		return nil, transformer.NewUnsupportedSchema("expected message response, got %q", wire.Type)
	}

	msg := schema.Message{Role: schema.RoleAssistant}
	for _, blk := range wire.Content {
		switch blk.Type {
		case "text":
			msg.Blocks = append(msg.Blocks, schema.TextBlock(blk.Text))
		case "tool_use":
			args := "{}"
			if len(blk.Input) > 0 {
				args = string(blk.Input)
			}
			msg.Blocks = append(msg.Blocks, schema.ToolCallBlock(blk.ID, blk.Name, args))
		default:
			return nil, transformer.NewUnsupportedSchema("unsupported content block %q", blk.Type)
		}
	}

	return &schema.Response{
		ID:           wire.ID,
		Model:        wire.Model,
		Message:      msg,
		FinishReason: stopToFinish(wire.StopReason),
		Usage: schema.Usage{
			PromptTokens:     wire.Usage.InputTokens,
			CompletionTokens: wire.Usage.OutputTokens,
			TotalTokens:      wire.Usage.InputTokens + wire.Usage.OutputTokens,
		},
	}, nil
}

func (t *Transformer) EncodeResponse(resp *schema.Response) ([]byte, error) {
	var content []wireBlock
	for _, blk := range resp.Message.Blocks {
		switch blk.Type {
		case schema.BlockText:
			content = append(content, wireBlock{Type: "text", Text: blk.Text})
		case schema.BlockToolCall:
			content = append(content, wireBlock{
				Type:  "tool_use",
				ID:    blk.ID,
				Name:  blk.Name,
				Input: parseArguments(blk.Arguments),
			})
		case schema.BlockToolResult:
			return nil, errors.New("tool_result block in response message")
		default:
			panic(fmt.Sprintf("anthropic: unhandled block type %q", blk.Type))
		}
	}
	if content == nil {
		content = []wireBlock{}
	}

	id := resp.ID
	if id == "" {
		id = "msg_" + uuid.NewString()
	}

	wire := wireResponse{
		ID:         id,
		Type:       "message",
		Role:       "assistant",
		Model:      resp.Model,
		Content:    content,
		StopReason: finishToStop(resp.FinishReason),
		Usage: wireUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}
	return json.Marshal(wire)
}

func (t *Transformer) EncodeError(status int, code, message string) []byte {
	body, err := json.Marshal(wireError{
		Type:  "error",
		Error: wireErrorBody{Type: errorType(status), Message: message},
	})
	if err != nil {
		return []byte(`{"type":"error","error":{"type":"api_error","message":"internal error"}}`)
	}
	return body
}

func errorType(status int) string {
	switch {
	case status == http.StatusNotFound:
		return "not_found_error"
	case status == http.StatusTooManyRequests:
		return "rate_limit_error"
	case status == http.StatusUnauthorized:
		return "authentication_error"
	case status >= 500:
		return "api_error"
	default:
		return "invalid_request_error"
	}
}

var stopByFinish = map[schema.FinishReason]string{
	schema.FinishStop:          "end_turn",
	schema.FinishLength:        "max_tokens",
	schema.FinishToolCalls:     "tool_use",
	schema.FinishContentFilter: "stop_sequence",
	schema.FinishUpstreamError: "upstream_error",
}

func finishToStop(reason schema.FinishReason) string {
	if stop, ok := stopByFinish[reason]; ok {
		return stop
	}
	return "end_turn"
}

func stopToFinish(stop string) schema.FinishReason {
	for finish, s := range stopByFinish {
		if s == stop {
			return finish
		}
	}
	return schema.FinishStop
}

func decodeErr(err error) error {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return transformer.NewInvalidField(typeErr.Field, "expected %s", typeErr.Type)
	}
	return transformer.NewUnsupportedSchema("invalid JSON: %v", err)
}
