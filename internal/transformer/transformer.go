// Package transformer defines the adapter contract between a vendor wire
// format and the canonical model, and the registry that binds format names to
// implementations. Implementations live in subpackages and register at
// startup; the registry is never mutated afterwards.
package transformer

import (
	"net/http"

	"github.com/llmrelay/llmrelay/internal/schema"
)

// Frame is one server-sent event: an optional event name plus a data payload.
// The data "[DONE]" sentinel used by OpenAI-style streams travels through as a
// regular frame.
type Frame struct {
	Event string
	Data  []byte
}

// DeltaDecoder turns one upstream frame into zero or more canonical deltas.
// A decoder is created per stream and may carry state across frames (tool-call
// index bookkeeping, pending finish reasons). Returning an error abandons the
// stream; the relay then synthesizes a finish for the client.
type DeltaDecoder interface {
	Decode(f Frame) ([]schema.Delta, error)
}

// DeltaEncoder turns one canonical delta into zero or more frames in the
// entry wire format. Encoders are total: every delta kind defined by the
// canonical model must be handled, and an unknown kind is a programming error
// worth a panic, not a runtime failure.
type DeltaEncoder interface {
	Encode(d schema.Delta) ([]Frame, error)
}

// Transformer adapts one wire format to and from the canonical model. The
// registered value is stateless and shared by every request; per-stream state
// lives in the decoder/encoder values minted by NewDeltaDecoder and
// NewDeltaEncoder.
type Transformer interface {
	// Name is the format name used for registration and provider records.
	Name() string

	// Endpoint is the path appended to a provider's base URL for outbound
	// calls in this format.
	Endpoint() string

	// ApplyAuth injects the provider credential into an outbound request.
	ApplyAuth(h http.Header, apiKey string)

	// DecodeRequest parses an inbound request body. Missing required
	// fields fail with UnsupportedSchemaError, wrong field shapes with
	// InvalidFieldError.
	DecodeRequest(body []byte) (*schema.Request, error)

	// EncodeRequest renders a canonical request as an outbound body.
	EncodeRequest(req *schema.Request) ([]byte, error)

	// DecodeResponse parses a non-streaming upstream response body.
	DecodeResponse(body []byte) (*schema.Response, error)

	// EncodeResponse renders a canonical response for the client. Total
	// for well-formed responses, same contract as DeltaEncoder.
	EncodeResponse(resp *schema.Response) ([]byte, error)

	// EncodeError renders an error in this format's wire error shape.
	EncodeError(status int, code, message string) []byte

	// NewDeltaDecoder mints a decoder for one upstream stream.
	NewDeltaDecoder() DeltaDecoder

	// NewDeltaEncoder mints an encoder for one client stream. The id and
	// model seed the frames that echo response identity.
	NewDeltaEncoder(id, model string) DeltaEncoder
}
