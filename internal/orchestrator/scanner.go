package orchestrator

import "strings"

// CommandScanner strips the inline <...> command syntax out of streamed model
// text. It works character by character so a tag may straddle any number of
// fragment boundaries. A command is any substring starting at '<' and ending at
// the next '>'; the grammar has no nesting, so a '<' seen inside a command is
// ordinary buffered text.
type CommandScanner struct {
	inCommand bool
	buf       strings.Builder
}

func NewCommandScanner() *CommandScanner {
	return &CommandScanner{}
}

// Scan consumes one text fragment and returns the fragment with all command
// tags removed plus any commands completed within it. State carries over to the
// next call.
func (s *CommandScanner) Scan(fragment string) (clean string, commands []string) {
	var out strings.Builder
	for _, r := range fragment {
		if s.inCommand {
			s.buf.WriteRune(r)
			if r == '>' {
				commands = append(commands, s.buf.String())
				s.buf.Reset()
				s.inCommand = false
			}
			continue
		}
		if r == '<' {
			s.inCommand = true
			s.buf.WriteRune(r)
			continue
		}
		out.WriteRune(r)
	}
	return out.String(), commands
}

// Flush force-closes an unterminated tag at end of stream. The partial buffer
// gets a closing '>' appended and is emitted as a best-effort command rather
// than being dropped; malformed trailing tags are intentionally still forwarded.
// After Flush the scanner is reset, so a second call emits nothing.
func (s *CommandScanner) Flush() (command string, ok bool) {
	if !s.inCommand || s.buf.Len() == 0 {
		return "", false
	}
	s.buf.WriteByte('>')
	command = s.buf.String()
	s.buf.Reset()
	s.inCommand = false
	return command, true
}

// ExtractCommands scans a complete text as a single unit, returning the text
// with all tags removed and every extracted command, including a force-closed
// trailing tag if the text ends mid-command.
func ExtractCommands(text string) (clean string, commands []string) {
	s := NewCommandScanner()
	clean, commands = s.Scan(text)
	if cmd, ok := s.Flush(); ok {
		commands = append(commands, cmd)
	}
	return clean, commands
}
