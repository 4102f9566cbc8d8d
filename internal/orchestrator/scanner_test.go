package orchestrator

import "testing"

func TestCommandScanner_PlainTextUnchanged(t *testing.T) {
	s := NewCommandScanner()

	clean, commands := s.Scan("hello there, nothing to see")
	if clean != "hello there, nothing to see" {
		t.Errorf("expected text unchanged, got %q", clean)
	}
	if len(commands) != 0 {
		t.Errorf("expected no commands, got %v", commands)
	}
	if _, ok := s.Flush(); ok {
		t.Error("flush should emit nothing for plain text")
	}
}

func TestCommandScanner_SingleFragment(t *testing.T) {
	s := NewCommandScanner()

	clean, commands := s.Scan("before <cmd arg> after")
	if clean != "before  after" {
		t.Errorf("expected tag stripped, got %q", clean)
	}
	if len(commands) != 1 || commands[0] != "<cmd arg>" {
		t.Errorf("expected one command <cmd arg>, got %v", commands)
	}
}

func TestCommandScanner_TagSpansFragments(t *testing.T) {
	s := NewCommandScanner()

	cleanA, cmdsA := s.Scan("hello <pla")
	cleanB, cmdsB := s.Scan("y_sound bell> world")

	if len(cmdsA) != 0 {
		t.Errorf("no command should complete in the first fragment, got %v", cmdsA)
	}
	if len(cmdsB) != 1 || cmdsB[0] != "<play_sound bell>" {
		t.Errorf("expected exactly one completed command, got %v", cmdsB)
	}
	if cleanA+cleanB != "hello  world" {
		t.Errorf("visible output should equal input minus tag, got %q", cleanA+cleanB)
	}
}

func TestCommandScanner_MultipleCommandsOneFragment(t *testing.T) {
	s := NewCommandScanner()

	clean, commands := s.Scan("<a><b>text<c>")
	if clean != "text" {
		t.Errorf("expected %q, got %q", "text", clean)
	}
	if len(commands) != 3 {
		t.Fatalf("expected 3 commands, got %v", commands)
	}
	for i, want := range []string{"<a>", "<b>", "<c>"} {
		if commands[i] != want {
			t.Errorf("command %d: expected %q, got %q", i, want, commands[i])
		}
	}
}

func TestCommandScanner_ForceCloseEmittedOnce(t *testing.T) {
	s := NewCommandScanner()

	clean, commands := s.Scan("done <unterminated tag")
	if clean != "done " {
		t.Errorf("expected %q, got %q", "done ", clean)
	}
	if len(commands) != 0 {
		t.Errorf("unterminated tag must not complete during scan, got %v", commands)
	}

	cmd, ok := s.Flush()
	if !ok {
		t.Fatal("expected flush to force-close the open tag")
	}
	if cmd != "<unterminated tag>" {
		t.Errorf("expected force-closed command, got %q", cmd)
	}

	if again, ok := s.Flush(); ok {
		t.Errorf("second flush must emit nothing, got %q", again)
	}
}

func TestExtractCommands_WholeText(t *testing.T) {
	clean, commands := ExtractCommands("hi <one> mid <two")
	if clean != "hi  mid " {
		t.Errorf("expected cleaned text %q, got %q", "hi  mid ", clean)
	}
	if len(commands) != 2 || commands[0] != "<one>" || commands[1] != "<two>" {
		t.Errorf("expected [<one> <two>], got %v", commands)
	}
}
