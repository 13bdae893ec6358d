package proxy

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/llmrelay/llmrelay/internal/transformer"
)

// frameScanner reads server-sent-event frames off an upstream body. A frame
// is everything up to a blank line; multiple data lines are joined with a
// newline, comment lines are dropped.
type frameScanner struct {
	r *bufio.Reader
}

func newFrameScanner(r io.Reader) *frameScanner {
	return &frameScanner{r: bufio.NewReader(r)}
}

// Next returns the next complete frame. It returns io.EOF once the body is
// exhausted; a frame cut off by EOF before its blank line is discarded, the
// caller cannot tell a truncated frame from a complete one.
func (s *frameScanner) Next() (transformer.Frame, error) {
	var (
		event     string
		dataLines []string
	)

	for {
		line, err := s.r.ReadString('\n')
		if err != nil {
			return transformer.Frame{}, err
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if event == "" && len(dataLines) == 0 {
				continue
			}
			return transformer.Frame{Event: event, Data: []byte(strings.Join(dataLines, "\n"))}, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			event = value
		case "data":
			dataLines = append(dataLines, value)
		}
	}
}

// writeFrame renders one frame in SSE framing.
func writeFrame(w io.Writer, f transformer.Frame) error {
	if f.Event != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", f.Event); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "data: %s\n\n", f.Data)
	return err
}
