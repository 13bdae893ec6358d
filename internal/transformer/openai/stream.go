package openai

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/llmrelay/llmrelay/internal/schema"
	"github.com/llmrelay/llmrelay/internal/transformer"
)

const doneSentinel = "[DONE]"

type streamChunk struct {
	ID      string          `json:"id,omitempty"`
	Object  string          `json:"object,omitempty"`
	Created int64           `json:"created,omitempty"`
	Model   string          `json:"model,omitempty"`
	Choices []wireChoice    `json:"choices"`
	Usage   *wireUsage      `json:"usage,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
}

// deltaDecoder converts chat-completion chunks into canonical deltas. Chunks
// key tool calls by index and continuation fragments may omit the id, so the
// decoder tracks index→id itself. Some OpenAI-compatible backends omit ids
// entirely; those get a synthesized call_<uuid>.
type deltaDecoder struct {
	finished   bool
	openCallID string
	idsByIndex map[int]string
}

func (t *Transformer) NewDeltaDecoder() transformer.DeltaDecoder {
	return &deltaDecoder{idsByIndex: make(map[int]string)}
}

func (d *deltaDecoder) Decode(f transformer.Frame) ([]schema.Delta, error) {
	if d.finished {
		return nil, nil
	}
	data := strings.TrimSpace(string(f.Data))
	if data == "" {
		return nil, nil
	}
	if data == doneSentinel {
		// Upstream closed without a finish_reason chunk.
		d.finished = true
		return []schema.Delta{schema.FinishDelta(schema.FinishStop, nil)}, nil
	}

	var chunk streamChunk
	if err := json.Unmarshal([]byte(data), &chunk); err != nil {
		return nil, fmt.Errorf("decode chunk: %w", err)
	}
	if len(chunk.Error) > 0 {
		return nil, fmt.Errorf("upstream error: %s", chunk.Error)
	}
	if len(chunk.Choices) == 0 {
		return nil, nil
	}

	choice := chunk.Choices[0]
	var deltas []schema.Delta

	if choice.Delta != nil {
		if choice.Delta.Content != nil && *choice.Delta.Content != "" {
			deltas = append(deltas, schema.TextDelta(*choice.Delta.Content))
		}
		for _, tc := range choice.Delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			id, known := d.idsByIndex[idx]
			if !known {
				if d.openCallID != "" {
					deltas = append(deltas, schema.ToolCallEndDelta(d.openCallID))
				}
				id = tc.ID
				if id == "" {
					id = "call_" + uuid.NewString()
				}
				name := tc.Function.Name
				if name == "" {
					name = fmt.Sprintf("tool_%d", idx)
				}
				d.idsByIndex[idx] = id
				d.openCallID = id
				deltas = append(deltas, schema.ToolCallStartDelta(id, name))
			}
			if tc.Function.Arguments != "" {
				deltas = append(deltas, schema.ToolCallArgumentsDelta(id, tc.Function.Arguments))
			}
		}
	}

	if choice.FinishReason != nil && *choice.FinishReason != "" {
		if d.openCallID != "" {
			deltas = append(deltas, schema.ToolCallEndDelta(d.openCallID))
			d.openCallID = ""
		}
		var usage *schema.Usage
		if chunk.Usage != nil {
			usage = &schema.Usage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				TotalTokens:      chunk.Usage.TotalTokens,
			}
		}
		deltas = append(deltas, schema.FinishDelta(normalizeFinish(choice.FinishReason), usage))
		d.finished = true
	}

	return deltas, nil
}

// deltaEncoder renders canonical deltas as chat-completion chunks. Tool call
// end has no chunk representation, and finish produces the final chunk plus
// the [DONE] sentinel.
type deltaEncoder struct {
	id      string
	model   string
	created int64

	started   bool
	nextIndex int
	indexByID map[string]int
}

func (t *Transformer) NewDeltaEncoder(id, model string) transformer.DeltaEncoder {
	if id == "" {
		id = "chatcmpl-" + uuid.NewString()
	}
	return &deltaEncoder{
		id:        id,
		model:     model,
		created:   time.Now().Unix(),
		indexByID: make(map[string]int),
	}
}

func (e *deltaEncoder) Encode(d schema.Delta) ([]transformer.Frame, error) {
	switch d.Kind {
	case schema.DeltaText:
		content := d.Text
		return e.chunk(wireChoiceMessage{Content: &content}, nil, nil)

	case schema.DeltaToolCallStart:
		idx := e.nextIndex
		e.nextIndex++
		e.indexByID[d.ToolCallID] = idx
		return e.chunk(wireChoiceMessage{
			ToolCalls: []wireToolCall{{
				Index:    &idx,
				ID:       d.ToolCallID,
				Type:     "function",
				Function: wireFunction{Name: d.ToolCallName, Arguments: ""},
			}},
		}, nil, nil)

	case schema.DeltaToolCallArguments:
		idx, ok := e.indexByID[d.ToolCallID]
		if !ok {
			return nil, fmt.Errorf("arguments for unknown tool call %q", d.ToolCallID)
		}
		return e.chunk(wireChoiceMessage{
			ToolCalls: []wireToolCall{{
				Index:    &idx,
				Function: wireFunction{Arguments: d.ArgumentsFragment},
			}},
		}, nil, nil)

	case schema.DeltaToolCallEnd:
		return nil, nil

	case schema.DeltaFinish:
		reason := d.FinishReason
		if reason == "" {
			reason = schema.FinishStop
		}
		var usage *wireUsage
		if d.Usage != nil {
			usage = &wireUsage{
				PromptTokens:     d.Usage.PromptTokens,
				CompletionTokens: d.Usage.CompletionTokens,
				TotalTokens:      d.Usage.TotalTokens,
			}
		}
		frames, err := e.chunk(wireChoiceMessage{}, &reason, usage)
		if err != nil {
			return nil, err
		}
		return append(frames, transformer.Frame{Data: []byte(doneSentinel)}), nil

	default:
		panic(fmt.Sprintf("openai: unhandled delta kind %q", d.Kind))
	}
}

func (e *deltaEncoder) chunk(delta wireChoiceMessage, finish *schema.FinishReason, usage *wireUsage) ([]transformer.Frame, error) {
	if !e.started {
		e.started = true
		delta.Role = "assistant"
	}
	body, err := json.Marshal(streamChunk{
		ID:      e.id,
		Object:  "chat.completion.chunk",
		Created: e.created,
		Model:   e.model,
		Choices: []wireChoice{{Index: 0, Delta: &delta, FinishReason: finish}},
		Usage:   usage,
	})
	if err != nil {
		return nil, err
	}
	return []transformer.Frame{{Data: body}}, nil
}
