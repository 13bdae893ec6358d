package anthropic

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/llmrelay/llmrelay/internal/schema"
	"github.com/llmrelay/llmrelay/internal/transformer"
)

type streamEvent struct {
	Type string `json:"type"`

	// message_start
	Message *wireResponse `json:"message,omitempty"`

	// content_block_start / content_block_delta / content_block_stop
	Index        *int        `json:"index,omitempty"`
	ContentBlock *wireBlock  `json:"content_block,omitempty"`
	Delta        *eventDelta `json:"delta,omitempty"`

	// message_delta
	Usage *wireUsage `json:"usage,omitempty"`

	// error
	Error *wireErrorBody `json:"error,omitempty"`
}

type eventDelta struct {
	Type string `json:"type,omitempty"`

	// content_block_delta payloads
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`

	// message_delta payloads
	StopReason string  `json:"stop_reason,omitempty"`
	StopSeq    *string `json:"stop_sequence,omitempty"`
}

// deltaDecoder converts the messages streaming protocol into canonical
// deltas. Tool calls arrive as indexed content blocks; the decoder remembers
// which index is a tool_use so stop events can emit the matching end delta.
// The finish reason arrives in message_delta but the stream is only complete
// at message_stop, so the reason is held until then.
type deltaDecoder struct {
	finished     bool
	toolByIndex  map[int]string
	stopReason   string
	inputTokens  int
	outputTokens int
	sawUsage     bool
}

func (t *Transformer) NewDeltaDecoder() transformer.DeltaDecoder {
	return &deltaDecoder{toolByIndex: make(map[int]string)}
}

func (d *deltaDecoder) Decode(f transformer.Frame) ([]schema.Delta, error) {
	if d.finished || len(f.Data) == 0 {
		return nil, nil
	}

	var ev streamEvent
	if err := json.Unmarshal(f.Data, &ev); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	// The event name on the frame and the type field inside the payload are
	// the same value; trust the payload when the frame name is missing.
	name := f.Event
	if name == "" {
		name = ev.Type
	}

	switch name {
	case "message_start":
		if ev.Message != nil {
			d.inputTokens = ev.Message.Usage.InputTokens
			d.sawUsage = d.sawUsage || ev.Message.Usage.InputTokens > 0
		}
		return nil, nil

	case "content_block_start":
		if ev.Index == nil || ev.ContentBlock == nil {
			return nil, nil
		}
		if ev.ContentBlock.Type == "tool_use" {
			id := ev.ContentBlock.ID
			if id == "" {
				id = "toolu_" + uuid.NewString()
			}
			d.toolByIndex[*ev.Index] = id
			return []schema.Delta{schema.ToolCallStartDelta(id, ev.ContentBlock.Name)}, nil
		}
		return nil, nil

	case "content_block_delta":
		if ev.Index == nil || ev.Delta == nil {
			return nil, nil
		}
		switch ev.Delta.Type {
		case "text_delta":
			if ev.Delta.Text == "" {
				return nil, nil
			}
			return []schema.Delta{schema.TextDelta(ev.Delta.Text)}, nil
		case "input_json_delta":
			id, ok := d.toolByIndex[*ev.Index]
			if !ok {
				return nil, fmt.Errorf("input_json_delta for unknown block %d", *ev.Index)
			}
			if ev.Delta.PartialJSON == "" {
				return nil, nil
			}
			return []schema.Delta{schema.ToolCallArgumentsDelta(id, ev.Delta.PartialJSON)}, nil
		default:
			// thinking_delta, signature_delta and future kinds carry
			// nothing the canonical model represents.
			return nil, nil
		}

	case "content_block_stop":
		if ev.Index == nil {
			return nil, nil
		}
		if id, ok := d.toolByIndex[*ev.Index]; ok {
			delete(d.toolByIndex, *ev.Index)
			return []schema.Delta{schema.ToolCallEndDelta(id)}, nil
		}
		return nil, nil

	case "message_delta":
		if ev.Delta != nil && ev.Delta.StopReason != "" {
			d.stopReason = ev.Delta.StopReason
		}
		if ev.Usage != nil {
			d.outputTokens = ev.Usage.OutputTokens
			d.sawUsage = true
		}
		return nil, nil

	case "message_stop":
		d.finished = true
		var usage *schema.Usage
		if d.sawUsage {
			usage = &schema.Usage{
				PromptTokens:     d.inputTokens,
				CompletionTokens: d.outputTokens,
				TotalTokens:      d.inputTokens + d.outputTokens,
			}
		}
		return []schema.Delta{schema.FinishDelta(stopToFinish(d.stopReason), usage)}, nil

	case "ping":
		return nil, nil

	case "error":
		if ev.Error != nil {
			return nil, fmt.Errorf("upstream error: %s: %s", ev.Error.Type, ev.Error.Message)
		}
		return nil, fmt.Errorf("upstream error: %s", f.Data)

	default:
		return nil, nil
	}
}

// deltaEncoder renders canonical deltas as the messages streaming protocol:
// message_start first, one content block per text run or tool call with
// start/stop framing and increasing indexes, then message_delta carrying the
// stop reason and message_stop.
type deltaEncoder struct {
	id    string
	model string

	started   bool
	textOpen  bool
	openTool  string
	blockOpen bool
	index     int
}

func (t *Transformer) NewDeltaEncoder(id, model string) transformer.DeltaEncoder {
	if id == "" {
		id = "msg_" + uuid.NewString()
	}
	return &deltaEncoder{id: id, model: model}
}

func (e *deltaEncoder) Encode(d schema.Delta) ([]transformer.Frame, error) {
	var frames []transformer.Frame

	if !e.started {
		e.started = true
		start, err := frame("message_start", streamEvent{
			Type: "message_start",
			Message: &wireResponse{
				ID:      e.id,
				Type:    "message",
				Role:    "assistant",
				Model:   e.model,
				Content: []wireBlock{},
				Usage:   wireUsage{InputTokens: 1, OutputTokens: 1},
			},
		})
		if err != nil {
			return nil, err
		}
		frames = append(frames, start)
	}

	switch d.Kind {
	case schema.DeltaText:
		if !e.textOpen {
			closing, err := e.closeOpenBlock()
			if err != nil {
				return nil, err
			}
			frames = append(frames, closing...)
			start, err := frame("content_block_start", streamEvent{
				Type:         "content_block_start",
				Index:        intp(e.index),
				ContentBlock: &wireBlock{Type: "text", Text: ""},
			})
			if err != nil {
				return nil, err
			}
			frames = append(frames, start)
			e.textOpen = true
			e.blockOpen = true
		}
		delta, err := frame("content_block_delta", streamEvent{
			Type:  "content_block_delta",
			Index: intp(e.index),
			Delta: &eventDelta{Type: "text_delta", Text: d.Text},
		})
		if err != nil {
			return nil, err
		}
		return append(frames, delta), nil

	case schema.DeltaToolCallStart:
		closing, err := e.closeOpenBlock()
		if err != nil {
			return nil, err
		}
		frames = append(frames, closing...)
		start, err := frame("content_block_start", streamEvent{
			Type:  "content_block_start",
			Index: intp(e.index),
			ContentBlock: &wireBlock{
				Type:  "tool_use",
				ID:    d.ToolCallID,
				Name:  d.ToolCallName,
				Input: json.RawMessage(`{}`),
			},
		})
		if err != nil {
			return nil, err
		}
		e.openTool = d.ToolCallID
		e.blockOpen = true
		return append(frames, start), nil

	case schema.DeltaToolCallArguments:
		if e.openTool != d.ToolCallID {
			return nil, fmt.Errorf("arguments for tool call %q but %q is open", d.ToolCallID, e.openTool)
		}
		delta, err := frame("content_block_delta", streamEvent{
			Type:  "content_block_delta",
			Index: intp(e.index),
			Delta: &eventDelta{Type: "input_json_delta", PartialJSON: d.ArgumentsFragment},
		})
		if err != nil {
			return nil, err
		}
		return append(frames, delta), nil

	case schema.DeltaToolCallEnd:
		if e.openTool != d.ToolCallID {
			// End for an already-closed call carries no frame.
			return frames, nil
		}
		closing, err := e.closeOpenBlock()
		if err != nil {
			return nil, err
		}
		return append(frames, closing...), nil

	case schema.DeltaFinish:
		closing, err := e.closeOpenBlock()
		if err != nil {
			return nil, err
		}
		frames = append(frames, closing...)

		usage := wireUsage{}
		if d.Usage != nil {
			usage.InputTokens = d.Usage.PromptTokens
			usage.OutputTokens = d.Usage.CompletionTokens
		}
		msgDelta, err := frame("message_delta", streamEvent{
			Type:  "message_delta",
			Delta: &eventDelta{StopReason: finishToStop(d.FinishReason), StopSeq: nil},
			Usage: &usage,
		})
		if err != nil {
			return nil, err
		}
		stop, err := frame("message_stop", streamEvent{Type: "message_stop"})
		if err != nil {
			return nil, err
		}
		return append(frames, msgDelta, stop), nil

	default:
		panic(fmt.Sprintf("anthropic: unhandled delta kind %q", d.Kind))
	}
}

func (e *deltaEncoder) closeOpenBlock() ([]transformer.Frame, error) {
	if !e.blockOpen {
		return nil, nil
	}
	stop, err := frame("content_block_stop", streamEvent{
		Type:  "content_block_stop",
		Index: intp(e.index),
	})
	if err != nil {
		return nil, err
	}
	e.blockOpen = false
	e.textOpen = false
	e.openTool = ""
	e.index++
	return []transformer.Frame{stop}, nil
}

func frame(event string, payload streamEvent) (transformer.Frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return transformer.Frame{}, err
	}
	return transformer.Frame{Event: event, Data: data}, nil
}

func intp(v int) *int { return &v }
