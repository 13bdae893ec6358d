package schema

import "fmt"

// MalformedExchangeError reports a structural invariant violation in a
// canonical exchange, such as a tool_result that references no prior
// tool_call.
type MalformedExchangeError struct {
	Detail string
}

func (e *MalformedExchangeError) Error() string {
	return "malformed exchange: " + e.Detail
}

// ValidateExchange checks the cross-turn invariants of a message sequence:
// every tool_result block must reference a tool_call id that appeared in an
// earlier turn (or earlier in the same turn). Block order itself is never
// rearranged by any component, so it needs no check here.
func ValidateExchange(messages []Message) error {
	seen := make(map[string]bool)
	for i, msg := range messages {
		for _, blk := range msg.Blocks {
			switch blk.Type {
			case BlockText:
			case BlockToolCall:
				seen[blk.ID] = true
			case BlockToolResult:
				if !seen[blk.ToolCallID] {
					return &MalformedExchangeError{
						Detail: fmt.Sprintf("message %d: tool_result references unknown tool_call id %q", i, blk.ToolCallID),
					}
				}
			default:
				return &MalformedExchangeError{
					Detail: fmt.Sprintf("message %d: unknown block type %q", i, blk.Type),
				}
			}
		}
	}
	return nil
}

// ValidateDeltaOrder checks that a completed delta sequence obeys the
// streaming contract: per-id start before arguments before end, no start/end
// interleaving across ids, and exactly one finish at the very end. Intended
// for tests and for asserting decoder output during development.
func ValidateDeltaOrder(deltas []Delta) error {
	started := make(map[string]bool)
	ended := make(map[string]bool)
	var open string
	finished := false

	for i, d := range deltas {
		if finished {
			return &MalformedExchangeError{Detail: fmt.Sprintf("delta %d: delta after finish", i)}
		}
		switch d.Kind {
		case DeltaText:
		case DeltaToolCallStart:
			if started[d.ToolCallID] {
				return &MalformedExchangeError{Detail: fmt.Sprintf("delta %d: duplicate start for %q", i, d.ToolCallID)}
			}
			if open != "" {
				return &MalformedExchangeError{Detail: fmt.Sprintf("delta %d: start of %q while %q is open", i, d.ToolCallID, open)}
			}
			started[d.ToolCallID] = true
			open = d.ToolCallID
		case DeltaToolCallArguments:
			if !started[d.ToolCallID] || ended[d.ToolCallID] {
				return &MalformedExchangeError{Detail: fmt.Sprintf("delta %d: arguments outside start/end for %q", i, d.ToolCallID)}
			}
		case DeltaToolCallEnd:
			if !started[d.ToolCallID] || ended[d.ToolCallID] {
				return &MalformedExchangeError{Detail: fmt.Sprintf("delta %d: end without open start for %q", i, d.ToolCallID)}
			}
			ended[d.ToolCallID] = true
			open = ""
		case DeltaFinish:
			finished = true
		default:
			return &MalformedExchangeError{Detail: fmt.Sprintf("delta %d: unknown kind %q", i, d.Kind)}
		}
	}
	if !finished {
		return &MalformedExchangeError{Detail: "stream ended without finish"}
	}
	return nil
}
