package orchestrator

import (
	"log/slog"
	"os"
	"strings"
	"testing"

	"relaybot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestToolCallAssembler_OrderPreservingReconstruction(t *testing.T) {
	a := NewToolCallAssembler(testLogger())

	a.Add(domain.ToolCallDelta{Index: 0, ID: "call_1", Name: "order_sandwich", Arguments: `{"fill`})
	a.Add(domain.ToolCallDelta{Index: 0, Arguments: `ing":"Tur`})
	a.Add(domain.ToolCallDelta{Index: 0, Arguments: `key"}`})

	calls := a.Finish()
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if calls[0].Name != "order_sandwich" || calls[0].ID != "call_1" {
		t.Errorf("unexpected call identity: %+v", calls[0])
	}
	if got := calls[0].Arguments["filling"]; got != "Turkey" {
		t.Errorf("expected filling=Turkey, got %v", got)
	}
}

func TestToolCallAssembler_ParallelCallsKeptSeparate(t *testing.T) {
	a := NewToolCallAssembler(testLogger())

	// Fragments of two calls interleaved by index.
	a.Add(domain.ToolCallDelta{Index: 0, ID: "c0", Name: "get_weather", Arguments: `{"city":`})
	a.Add(domain.ToolCallDelta{Index: 1, ID: "c1", Name: "get_time", Arguments: `{"zone":`})
	a.Add(domain.ToolCallDelta{Index: 0, Arguments: `"Hanoi"}`})
	a.Add(domain.ToolCallDelta{Index: 1, Arguments: `"UTC"}`})

	calls := a.Finish()
	if len(calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(calls))
	}
	if calls[0].Name != "get_weather" || calls[0].Arguments["city"] != "Hanoi" {
		t.Errorf("call 0 mangled: %+v", calls[0])
	}
	if calls[1].Name != "get_time" || calls[1].Arguments["zone"] != "UTC" {
		t.Errorf("call 1 mangled: %+v", calls[1])
	}
}

func TestToolCallAssembler_TruncatedArgumentsRecovered(t *testing.T) {
	a := NewToolCallAssembler(testLogger())

	a.Add(domain.ToolCallDelta{Index: 0, ID: "c", Name: "lookup", Arguments: `{"q":"x"} trailing garb`})

	calls := a.Finish()
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if calls[0].Arguments["q"] != "x" {
		t.Errorf("expected recovery up to last brace, got %v", calls[0].Arguments)
	}
}

func TestToolCallAssembler_UnparsableArgumentsEmptyObject(t *testing.T) {
	a := NewToolCallAssembler(testLogger())

	a.Add(domain.ToolCallDelta{Index: 0, ID: "c", Name: "lookup", Arguments: `not json at all`})

	calls := a.Finish()
	if len(calls) != 1 {
		t.Fatalf("expected the call to survive a parse failure, got %d", len(calls))
	}
	if len(calls[0].Arguments) != 0 {
		t.Errorf("expected empty arguments, got %v", calls[0].Arguments)
	}
}

func TestToolCallAssembler_GeneratedID(t *testing.T) {
	a := NewToolCallAssembler(testLogger())

	a.Add(domain.ToolCallDelta{Index: 0, Name: "lookup", Arguments: `{}`})

	calls := a.Finish()
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if !strings.HasPrefix(calls[0].ID, "call_") || len(calls[0].ID) <= len("call_") {
		t.Errorf("expected a generated id, got %q", calls[0].ID)
	}
}

func TestToolCallAssembler_NamelessBuilderDropped(t *testing.T) {
	a := NewToolCallAssembler(testLogger())

	a.Add(domain.ToolCallDelta{Index: 0, Arguments: `{"orphan":true}`})

	if calls := a.Finish(); len(calls) != 0 {
		t.Errorf("expected nameless fragments to be dropped, got %v", calls)
	}
}

func TestToolCallAssembler_DifferentNameRestartsBuilder(t *testing.T) {
	a := NewToolCallAssembler(testLogger())

	a.Add(domain.ToolCallDelta{Index: 0, ID: "c1", Name: "first", Arguments: `{"a":`})
	a.Add(domain.ToolCallDelta{Index: 0, ID: "c2", Name: "second", Arguments: `{"b":2}`})

	calls := a.Finish()
	if len(calls) != 1 {
		t.Fatalf("expected 1 call after restart, got %d", len(calls))
	}
	if calls[0].Name != "second" || calls[0].Arguments["b"] != float64(2) {
		t.Errorf("expected restarted builder, got %+v", calls[0])
	}
}
