package proxy

import (
	"context"
	"io"
	"log/slog"

	"github.com/llmrelay/llmrelay/internal/schema"
	"github.com/llmrelay/llmrelay/internal/transformer"
)

// relay pumps the upstream event stream to the client one canonical delta
// at a time: decode a frame, re-encode each resulting delta, flush. The
// loop ends at the first finish delta; an upstream that dies earlier gets a
// synthesized finish so the client always sees a complete stream.
func relay(ctx context.Context, upstream io.Reader, dec transformer.DeltaDecoder, enc transformer.DeltaEncoder, w io.Writer, flush func()) error {
	scanner := newFrameScanner(upstream)
	for {
		frame, err := scanner.Next()
		if err != nil {
			if cerr := ctx.Err(); cerr != nil {
				return cerr
			}
			if err != io.EOF {
				slog.Warn("upstream stream read failed", "error", err)
			}
			return synthesizeFinish(enc, w, flush)
		}

		deltas, err := dec.Decode(frame)
		if err != nil {
			slog.Warn("upstream stream broke", "error", err)
			return synthesizeFinish(enc, w, flush)
		}

		for _, delta := range deltas {
			frames, err := enc.Encode(delta)
			if err != nil {
				return err
			}
			for _, f := range frames {
				if err := writeFrame(w, f); err != nil {
					return err
				}
			}
			if len(frames) > 0 {
				flush()
			}
			if delta.Kind == schema.DeltaFinish {
				return nil
			}
		}
	}
}

func synthesizeFinish(enc transformer.DeltaEncoder, w io.Writer, flush func()) error {
	frames, err := enc.Encode(schema.FinishDelta(schema.FinishUpstreamError, nil))
	if err != nil {
		return err
	}
	for _, f := range frames {
		if err := writeFrame(w, f); err != nil {
			return err
		}
	}
	flush()
	return nil
}
