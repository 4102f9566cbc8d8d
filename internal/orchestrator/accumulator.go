package orchestrator

import (
	"encoding/json"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"

	"relaybot/internal/domain"
)

// toolCallBuilder accumulates the fragments of a single tool call. The
// arguments buffer grows by plain concatenation: fragments are appended in
// arrival order with no separators, so adjacency is preserved exactly.
type toolCallBuilder struct {
	id    string
	name  string
	index int
	args  strings.Builder
}

// ToolCallAssembler reconstructs complete tool calls from streaming deltas.
// Builders are keyed by the delta's index, so a turn that interleaves several
// parallel calls keeps each one intact instead of collapsing them into one.
type ToolCallAssembler struct {
	builders map[int]*toolCallBuilder
	logger   *slog.Logger
}

func NewToolCallAssembler(logger *slog.Logger) *ToolCallAssembler {
	return &ToolCallAssembler{
		builders: make(map[int]*toolCallBuilder),
		logger:   logger,
	}
}

// Add merges one fragment. A fragment that names a different function than the
// one accumulated at its index restarts that builder; otherwise the fragment's
// fields are merged in and its argument text appended.
func (a *ToolCallAssembler) Add(d domain.ToolCallDelta) {
	b := a.builders[d.Index]
	if b == nil || (d.Name != "" && b.name != "" && d.Name != b.name) {
		b = &toolCallBuilder{index: d.Index}
		a.builders[d.Index] = b
	}
	if d.ID != "" {
		b.id = d.ID
	}
	if d.Name != "" {
		b.name = d.Name
	}
	b.args.WriteString(d.Arguments)
}

// Empty reports whether no fragments have been accumulated.
func (a *ToolCallAssembler) Empty() bool {
	return len(a.builders) == 0
}

// Finish assembles the accumulated fragments into complete tool calls, ordered
// by index. Builders without a function name are dropped. Arguments that fail
// to parse are reported and replaced with an empty object; a parse failure
// never aborts the turn.
func (a *ToolCallAssembler) Finish() []domain.ToolCall {
	indexes := make([]int, 0, len(a.builders))
	for i := range a.builders {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	var calls []domain.ToolCall
	for _, i := range indexes {
		b := a.builders[i]
		if b.name == "" {
			continue
		}
		id := b.id
		if id == "" {
			id = "call_" + uuid.NewString()
		}
		calls = append(calls, domain.ToolCall{
			ID:        id,
			Name:      b.name,
			Arguments: a.parseArguments(b.name, b.args.String()),
		})
	}
	return calls
}

// parseArguments decodes the concatenated argument text. Streams cut off
// mid-object are tolerated by retrying against the text up to the last closing
// brace before falling back to an empty object.
func (a *ToolCallAssembler) parseArguments(tool, raw string) map[string]any {
	if strings.TrimSpace(raw) == "" {
		return make(map[string]any)
	}

	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err == nil && args != nil {
		return args
	}

	if cut := strings.LastIndexByte(raw, '}'); cut >= 0 {
		if err := json.Unmarshal([]byte(raw[:cut+1]), &args); err == nil && args != nil {
			a.logger.Warn("recovered truncated tool arguments", "tool", tool)
			return args
		}
	}

	a.logger.Warn("unparsable tool arguments, using empty object",
		"tool", tool, "raw_len", len(raw))
	return make(map[string]any)
}
