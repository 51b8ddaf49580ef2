package llm

import (
	"bufio"
	"io"
	"strings"

	"github.com/goccy/go-json"

	"github.com/talk2me/talk2me/pkg/types"
)

// Stream reads server-sent-event chunks from a streaming completion.
type Stream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	onDone  func()
	done    bool
}

func newStream(body io.ReadCloser, onDone func()) *Stream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &Stream{body: body, scanner: scanner, onDone: onDone}
}

// Recv returns the next chunk, or io.EOF when the stream is complete.
func (s *Stream) Recv() (*types.StreamChunk, error) {
	if s.done {
		return nil, io.EOF
	}

	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		if data == "[DONE]" {
			s.finish()
			return nil, io.EOF
		}

		var chunk types.StreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			// Skip malformed keepalive frames rather than killing the stream.
			continue
		}
		return &chunk, nil
	}

	s.finish()
	if err := s.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func (s *Stream) finish() {
	if s.done {
		return
	}
	s.done = true
	if s.onDone != nil {
		s.onDone()
	}
}

// Close releases the underlying response body.
func (s *Stream) Close() error {
	s.finish()
	return s.body.Close()
}

// ToolCallAccumulator assembles complete tool calls from streaming deltas,
// which arrive fragmented: the ID and function name on one chunk, the
// arguments spread across many.
type ToolCallAccumulator struct {
	calls map[int]*types.ToolCall
	order []int
}

// NewToolCallAccumulator creates an empty accumulator.
func NewToolCallAccumulator() *ToolCallAccumulator {
	return &ToolCallAccumulator{calls: make(map[int]*types.ToolCall)}
}

// Add folds one delta's tool call fragments into the accumulated state.
func (a *ToolCallAccumulator) Add(deltas []types.StreamToolCall) {
	for _, d := range deltas {
		call, ok := a.calls[d.Index]
		if !ok {
			call = &types.ToolCall{Type: "function"}
			a.calls[d.Index] = call
			a.order = append(a.order, d.Index)
		}
		if d.ID != "" {
			call.ID = d.ID
		}
		if d.Function.Name != "" {
			call.Function.Name = d.Function.Name
		}
		call.Function.Arguments += d.Function.Arguments
	}
}

// Calls returns the assembled tool calls in arrival order.
func (a *ToolCallAccumulator) Calls() []types.ToolCall {
	out := make([]types.ToolCall, 0, len(a.order))
	for _, idx := range a.order {
		out = append(out, *a.calls[idx])
	}
	return out
}

// Empty reports whether any tool call fragments have been seen.
func (a *ToolCallAccumulator) Empty() bool {
	return len(a.calls) == 0
}
