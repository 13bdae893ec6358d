package schema

type DeltaKind string

const (
	DeltaText              DeltaKind = "text_delta"
	DeltaToolCallStart     DeltaKind = "tool_call_start"
	DeltaToolCallArguments DeltaKind = "tool_call_arguments_delta"
	DeltaToolCallEnd       DeltaKind = "tool_call_end"
	DeltaFinish            DeltaKind = "finish"
)

// Delta is one unit of a streamed response. A stream is a finite sequence of
// deltas terminated by exactly one DeltaFinish. For a given tool call id the
// start delta precedes every arguments delta, which precede the end delta;
// producers must not interleave the start/end pairs of two different ids.
type Delta struct {
	Kind DeltaKind

	// Text is set for DeltaText.
	Text string

	// ToolCallID is set for the three tool-call kinds. ToolCallName is set
	// for DeltaToolCallStart, ArgumentsFragment for DeltaToolCallArguments.
	ToolCallID        string
	ToolCallName      string
	ArgumentsFragment string

	// FinishReason is set for DeltaFinish; Usage rides along when the
	// upstream reported token counts before finishing.
	FinishReason FinishReason
	Usage        *Usage
}

func TextDelta(text string) Delta { return Delta{Kind: DeltaText, Text: text} }

func ToolCallStartDelta(id, name string) Delta {
	return Delta{Kind: DeltaToolCallStart, ToolCallID: id, ToolCallName: name}
}

func ToolCallArgumentsDelta(id, fragment string) Delta {
	return Delta{Kind: DeltaToolCallArguments, ToolCallID: id, ArgumentsFragment: fragment}
}

func ToolCallEndDelta(id string) Delta {
	return Delta{Kind: DeltaToolCallEnd, ToolCallID: id}
}

func FinishDelta(reason FinishReason, usage *Usage) Delta {
	return Delta{Kind: DeltaFinish, FinishReason: reason, Usage: usage}
}
